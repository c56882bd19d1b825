package behavior

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/synckit/internal/client/storage"
	"github.com/iudanet/synckit/internal/client/storage/boltdb"
)

func TestEventStore_PersistAndLoad(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := boltdb.New(ctx, filepath.Join(t.TempDir(), "events.db"), logger)
	require.NoError(t, err)
	defer db.Close()

	clock := fixedClock(time.Unix(1700000000, 0))
	store := NewEventStore().WithClock(clock)
	store.RecordEvent("app_launched", 3)
	store.RecordEvent("clicked", 1)

	require.NoError(t, db.Update(ctx, func(w storage.Writer) error {
		return store.Persist(w)
	}))

	restored := NewEventStore().WithClock(clock)
	require.NoError(t, db.View(ctx, func(r storage.Reader) error {
		return restored.Load(r)
	}))

	for _, event := range []string{"app_launched", "clicked"} {
		want, err := store.Query(event, IntervalDay, 1, false)
		require.NoError(t, err)
		got, err := restored.Query(event, IntervalDay, 1, false)
		require.NoError(t, err)
		assert.Equal(t, want, got, "event %s", event)
	}
}
