package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/tedwatch/tedwatch/pkg/log"
	"github.com/tedwatch/tedwatch/pkg/types"
)

// FileStore persists state as JSON files in a directory, by default under
// the user's config directory. It is the zero-infrastructure provider.
type FileStore struct {
	dir string
}

type monthsFile struct {
	Entries     []types.CacheEntry `json:"entries"`
	LastUpdated time.Time          `json:"last_updated"`
}

// configuredFile sets up the file provider. It registers flags for
// configuration.
func configuredFile() *FileStore {
	dir := lflag.String("state-dir", "", "Directory for persisted state (default ~/.config/tedwatch)")

	f := &FileStore{}

	lflag.Do(func() {
		f.dir = *dir
	})

	return f
}

// NewFileStore returns a store rooted at dir. Used directly in tests.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Init resolves the default directory and creates it.
func (f *FileStore) Init() error {
	if f.dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get user home directory: %w", err)
		}
		f.dir = filepath.Join(homeDir, ".config", "tedwatch")
	}
	if err := os.MkdirAll(f.dir, 0700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	return nil
}

func (f *FileStore) tokenPath() string {
	return filepath.Join(f.dir, "token.json")
}

func (f *FileStore) monthsPath(unit string) string {
	return filepath.Join(f.dir, fmt.Sprintf("months_%s.json", unit))
}

// LoadToken reads the persisted token. ErrNotFound when none was ever saved.
func (f *FileStore) LoadToken(ctx context.Context) (types.Token, error) {
	data, err := os.ReadFile(f.tokenPath())
	if err != nil {
		if os.IsNotExist(err) {
			return types.Token{}, ErrNotFound
		}
		return types.Token{}, fmt.Errorf("failed to read token file: %w", err)
	}

	var token types.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return types.Token{}, fmt.Errorf("failed to parse token file: %w", err)
	}
	return token, nil
}

// SaveToken writes the token atomically (write temp, rename) so a crash
// mid-write never loses the previous refresh token.
func (f *FileStore) SaveToken(ctx context.Context, token types.Token) error {
	data, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	tmp := f.tokenPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	if err := os.Rename(tmp, f.tokenPath()); err != nil {
		return fmt.Errorf("failed to replace token file: %w", err)
	}
	return nil
}

// LoadMonths reads the persisted monthly cache for the unit. A missing or
// unparseable file yields an empty cache, not an error.
func (f *FileStore) LoadMonths(ctx context.Context, unit string) ([]types.CacheEntry, error) {
	data, err := os.ReadFile(f.monthsPath(unit))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read months file: %w", err)
	}

	var mf monthsFile
	if err := json.Unmarshal(data, &mf); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "persisted monthly cache is corrupt, starting empty",
			slog.String("unit", unit), slog.Any("error", err))
		return nil, nil
	}
	return mf.Entries, nil
}

// SaveMonths writes the monthly cache for the unit atomically.
func (f *FileStore) SaveMonths(ctx context.Context, unit string, entries []types.CacheEntry) error {
	mf := monthsFile{
		Entries:     entries,
		LastUpdated: time.Now(),
	}
	data, err := json.MarshalIndent(mf, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal months: %w", err)
	}

	path := f.monthsPath(unit)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write months file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace months file: %w", err)
	}
	return nil
}

// Close is a no-op for the file provider.
func (f *FileStore) Close() error {
	return nil
}
