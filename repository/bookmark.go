package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-logr/logr"

	v1 "github.com/LogicIQ/orbit/api/v1"
	"github.com/LogicIQ/orbit/storage"
)

const bookmarkPrefix = "/orbit/bookmarks"

// Bookmarks persists watch cursors keyed by watcher identity. The keyspace
// is separate from resources so resource compaction policy never collides
// with cursor persistence, and records span process restarts.
type Bookmarks struct {
	backend storage.Backend
	log     logr.Logger
}

// NewBookmarks builds a bookmark store on the shared backend.
func NewBookmarks(backend storage.Backend, log logr.Logger) *Bookmarks {
	return &Bookmarks{backend: backend, log: log.WithName("bookmarks")}
}

func bookmarkKey(watcherID string) string {
	return bookmarkPrefix + "/" + watcherID
}

// Load returns the last processed version for watcherID, or "" when the
// watcher has no persisted position and should start from now.
func (b *Bookmarks) Load(ctx context.Context, watcherID string) (string, error) {
	kv, err := b.backend.Get(ctx, bookmarkKey(watcherID))
	if err != nil {
		if storage.IsNotFound(err) {
			return "", nil
		}
		return "", err
	}
	var bm v1.Bookmark
	if err := json.Unmarshal(kv.Value, &bm); err != nil {
		return "", fmt.Errorf("decode bookmark %s: %w", watcherID, err)
	}
	return bm.LastProcessedVersion, nil
}

// Save records version as the last processed position for watcherID. Each
// identity has a single writer, so a plain overwrite suffices.
func (b *Bookmarks) Save(ctx context.Context, watcherID, version string) error {
	payload, err := json.Marshal(v1.Bookmark{WatcherID: watcherID, LastProcessedVersion: version})
	if err != nil {
		return err
	}
	if _, err := b.backend.Put(ctx, bookmarkKey(watcherID), payload); err != nil {
		return fmt.Errorf("persist bookmark %s: %w", watcherID, err)
	}
	return nil
}
