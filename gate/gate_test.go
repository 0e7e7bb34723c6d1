package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shipitai/recall/storage"
	"github.com/shipitai/recall/storage/sqlite"
)

func setupTestDB(t *testing.T) *sqlite.SQLite {
	t.Helper()

	dsn := fmt.Sprintf("file:gate_%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)", url.PathEscape(t.Name()))
	db, err := sqlite.OpenDSN(dsn)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background()))

	t.Cleanup(func() { db.Close() })
	return db
}

func newGate(t *testing.T) (*Gate, *sqlite.SQLite) {
	db := setupTestDB(t)
	return New(db, slog.New(slog.NewTextHandler(io.Discard, nil))), db
}

func pending(id string) *storage.PendingReview {
	return &storage.PendingReview{
		ID:             id,
		InstallationID: 7,
		Owner:          "acme",
		Repo:           "widgets",
		PRNumber:       12,
		HeadSHA:        "abc123",
		Result:         json.RawMessage(`{"summary":"ok"}`),
	}
}

func TestFlags_DefaultFalse(t *testing.T) {
	g, _ := newGate(t)
	ctx := context.Background()

	enabled, err := g.Enabled(ctx)
	require.NoError(t, err)
	assert.False(t, enabled)

	require.NoError(t, g.SetEnabled(ctx, true))
	enabled, err = g.Enabled(ctx)
	require.NoError(t, err)
	assert.True(t, enabled)

	other, err := g.Flags().Get(ctx, "something_else")
	require.NoError(t, err)
	assert.False(t, other)

	assert.Error(t, g.Flags().Set(ctx, "", true))
}

func TestHoldAndList(t *testing.T) {
	g, _ := newGate(t)
	ctx := context.Background()

	require.NoError(t, g.Hold(ctx, pending("p1")))
	require.NoError(t, g.Hold(ctx, pending("p2")))
	_, err := g.Approve(ctx, "p2")
	require.NoError(t, err)

	all, err := g.List(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	status := storage.StatusPending
	onlyPending, err := g.List(ctx, &status)
	require.NoError(t, err)
	require.Len(t, onlyPending, 1)
	assert.Equal(t, "p1", onlyPending[0].ID)
	assert.JSONEq(t, `{"summary":"ok"}`, string(onlyPending[0].Result))

	bad := storage.PendingStatus("bogus")
	_, err = g.List(ctx, &bad)
	assert.Error(t, err)

	assert.Error(t, g.Hold(ctx, &storage.PendingReview{}), "id is required")
}

func TestResolveTwice(t *testing.T) {
	g, _ := newGate(t)
	ctx := context.Background()
	require.NoError(t, g.Hold(ctx, pending("p1")))

	approved, err := g.Approve(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusApproved, approved.Status)
	require.NotNil(t, approved.ResolvedAt)

	_, err = g.Reject(ctx, "p1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, err, ErrNotPending)

	got, err := g.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusApproved, got.Status)
}

func TestRelease(t *testing.T) {
	g, _ := newGate(t)
	ctx := context.Background()
	require.NoError(t, g.Hold(ctx, pending("p1")))

	assert.ErrorIs(t, g.Release(ctx, "p1"), storage.ErrNotFound, "only approved reviews are released")

	_, err := g.Approve(ctx, "p1")
	require.NoError(t, err)
	require.NoError(t, g.Release(ctx, "p1"))

	approved, err := g.Approve(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusApproved, approved.Status)
}

func TestResolveMissing(t *testing.T) {
	g, _ := newGate(t)
	_, err := g.Approve(context.Background(), "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestConcurrentResolution(t *testing.T) {
	g, _ := newGate(t)
	ctx := context.Background()
	require.NoError(t, g.Hold(ctx, pending("p1")))

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		notFound  int
	)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = g.Approve(ctx, "p1")
			} else {
				_, err = g.Reject(ctx, "p1")
			}
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, storage.ErrNotFound):
				notFound++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, workers-1, notFound)
}

func TestPersistenceFailureIsReturned(t *testing.T) {
	g, db := newGate(t)
	require.NoError(t, db.Close())

	_, err := g.Enabled(context.Background())
	assert.Error(t, err)
	assert.Error(t, g.Hold(context.Background(), pending("p1")))
}
