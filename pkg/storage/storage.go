package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/levenlabs/go-lflag"
	"github.com/tedwatch/tedwatch/pkg/types"
)

// ErrNotFound is returned when the requested document has never been saved.
var ErrNotFound = errors.New("not found")

// Store defines the interface for persisting the rotating token and the
// monthly cache. Implementations must treat corrupt persisted state as
// absent rather than failing startup: losing cached history is preferable
// to a permanently broken integration.
type Store interface {
	// Token
	LoadToken(ctx context.Context) (types.Token, error)
	SaveToken(ctx context.Context, token types.Token) error

	// Monthly cache, keyed per residential unit.
	LoadMonths(ctx context.Context, unit string) ([]types.CacheEntry, error)
	SaveMonths(ctx context.Context, unit string, entries []types.CacheEntry) error

	// Lifecycle
	Close() error
}

// Configured sets up the Store provider based on flags.
func Configured() Store {
	provider := lflag.String("storage-provider", "file", "Storage provider to use (available: file, firestore)")

	var p struct{ Store }

	f := configuredFile()
	fs := configuredFirestore()

	lflag.Do(func() {
		switch *provider {
		case "file":
			if err := f.Init(); err != nil {
				panic(fmt.Sprintf("file store init failed: %v", err))
			}
			p.Store = f
		case "firestore":
			p.Store = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
