package testsupport

import (
	"context"
	"testing"

	"lectern/internal/config"
	"lectern/internal/documents"
)

// MustOpenStore opens a documents.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *documents.Store {
	t.Helper()

	store, err := documents.Open(cfg)
	if err != nil {
		t.Fatalf("documents.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewDocument creates a pending document for tests using the provided store.
func NewDocument(t testing.TB, store *documents.Store, userID, filename string, kind documents.Kind) *documents.Document {
	t.Helper()

	doc, err := store.NewDocument(context.Background(), userID, filename, kind, 0)
	if err != nil {
		t.Fatalf("store.NewDocument: %v", err)
	}
	return doc
}
