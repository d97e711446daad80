package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"github.com/tedwatch/tedwatch/pkg/log"
	"github.com/tedwatch/tedwatch/pkg/types"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore implements Store using Google Cloud Firestore. Documents
// hold a single "json" string field so the Go structs stay the only schema.
type FirestoreStore struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreStore {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreStore{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreStore) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreStore) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreStore) monthsCollection(unit string) (*firestore.CollectionRef, error) {
	if unit == "" {
		return nil, fmt.Errorf("unit cannot be empty")
	}
	return f.client.Collection("units").Doc(unit).Collection("months"), nil
}

func docJSON(doc *firestore.DocumentSnapshot, dest interface{}) error {
	val, err := doc.DataAt("json")
	if err != nil {
		return fmt.Errorf("document missing 'json' field: %w", err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		return fmt.Errorf("'json' field is not a string")
	}
	return json.Unmarshal([]byte(jsonStr), dest)
}

func jsonDoc(v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"json": string(data)}, nil
}

// LoadToken retrieves the token from the "config/token" document.
func (f *FirestoreStore) LoadToken(ctx context.Context) (types.Token, error) {
	doc, err := f.client.Collection("config").Doc("token").Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.Token{}, ErrNotFound
		}
		return types.Token{}, fmt.Errorf("failed to fetch token doc: %w", err)
	}

	var token types.Token
	if err := docJSON(doc, &token); err != nil {
		return types.Token{}, fmt.Errorf("failed to decode token doc: %w", err)
	}
	return token, nil
}

// SaveToken stores the token in the "config/token" document. Set is atomic
// per document, so a rotated refresh token is never half-written.
func (f *FirestoreStore) SaveToken(ctx context.Context, token types.Token) error {
	doc, err := jsonDoc(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	if _, err := f.client.Collection("config").Doc("token").Set(ctx, doc); err != nil {
		return fmt.Errorf("failed to save token doc: %w", err)
	}
	return nil
}

// LoadMonths reads all month documents for the unit. Documents that fail to
// decode are skipped with a warning rather than aborting the load.
func (f *FirestoreStore) LoadMonths(ctx context.Context, unit string) ([]types.CacheEntry, error) {
	coll, err := f.monthsCollection(unit)
	if err != nil {
		return nil, err
	}

	var entries []types.CacheEntry
	iter := coll.Documents(ctx)
	defer iter.Stop()
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate months: %w", err)
		}

		var entry types.CacheEntry
		if err := docJSON(doc, &entry); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping undecodable month doc",
				slog.String("unit", unit), slog.String("doc", doc.Ref.ID), slog.Any("error", err))
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// SaveMonths writes the month documents for the unit in a single batch,
// keyed "YYYY-MM", and removes documents for evicted months.
func (f *FirestoreStore) SaveMonths(ctx context.Context, unit string, entries []types.CacheEntry) error {
	coll, err := f.monthsCollection(unit)
	if err != nil {
		return err
	}

	keep := make(map[string]bool, len(entries))
	bw := f.client.BulkWriter(ctx)
	for _, entry := range entries {
		key := entry.Record.Key().String()
		keep[key] = true
		doc, err := jsonDoc(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal month %s: %w", key, err)
		}
		if _, err := bw.Set(coll.Doc(key), doc); err != nil {
			return fmt.Errorf("failed to queue month %s: %w", key, err)
		}
	}

	// drop docs for months the cache evicted
	iter := coll.Select().Documents(ctx)
	defer iter.Stop()
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to list months for cleanup: %w", err)
		}
		if !keep[doc.Ref.ID] {
			if _, err := bw.Delete(doc.Ref); err != nil {
				return fmt.Errorf("failed to queue delete of month %s: %w", doc.Ref.ID, err)
			}
		}
	}

	bw.End()
	return nil
}
