package sqlite

import (
	"context"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/shipitai/recall/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *SQLite {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", url.PathEscape(t.Name()))
	db, err := OpenDSN(dsn)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background()))

	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrate_Idempotent(t *testing.T) {
	db := setupTestDB(t)
	require.NoError(t, db.Migrate(context.Background()))
}

func TestReviews(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	first := &storage.ReviewContext{
		InstallationID: 1, Owner: "o", Repo: "r", PRNumber: 5, ReviewID: 100,
		ReviewBody: "looks fine",
		Comments:   []storage.Comment{{Path: "a.go", Line: 3, Body: "check err"}},
		Usage:      &storage.TokenUsage{InputTokens: 10, OutputTokens: 2},
		ToolCalls:  4,
	}
	second := &storage.ReviewContext{InstallationID: 1, Owner: "o", Repo: "r", PRNumber: 5, ReviewID: 101}
	other := &storage.ReviewContext{InstallationID: 1, Owner: "o", Repo: "r", PRNumber: 6, ReviewID: 102}

	for _, r := range []*storage.ReviewContext{first, second, other} {
		require.NoError(t, db.StoreReview(ctx, r))
	}

	got, err := db.ListReviewsForPR(ctx, 1, "o", "r", 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(100), got[0].ReviewID)
	assert.Equal(t, first.Comments, got[0].Comments)
	assert.Equal(t, first.Usage, got[0].Usage)
	assert.Equal(t, 4, got[0].ToolCalls)
	assert.Nil(t, got[1].Usage)

	// Storing the same review again updates it in place.
	first.ReviewBody = "updated"
	require.NoError(t, db.StoreReview(ctx, first))
	got, err = db.ListReviewsForPR(ctx, 1, "o", "r", 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "updated", got[0].ReviewBody)
}

func TestInstallations(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	_, err := db.GetInstallation(ctx, 9)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, db.SaveInstallation(ctx, &storage.Installation{
		InstallationID: 9, AccountID: 3, OrgLogin: "acme", InstalledBy: "sam",
		InstalledAt: "2025-01-02T03:04:05Z",
	}))

	got, err := db.GetInstallation(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, "acme", got.OrgLogin)
	assert.Equal(t, int64(3), got.AccountID)
	assert.Equal(t, "2025-01-02T03:04:05Z", got.InstalledAt)
}

func newPending(id string) *storage.PendingReview {
	return &storage.PendingReview{
		ID: id, InstallationID: 1, Owner: "o", Repo: "r", PRNumber: 2,
		HeadSHA: "abc", Result: []byte(`{"summary":"ok"}`),
	}
}

func TestPendingReviews_Lifecycle(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.CreatePendingReview(ctx, newPending("p1")))

	got, err := db.GetPendingReview(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, got.Status)
	assert.JSONEq(t, `{"summary":"ok"}`, string(got.Result))
	assert.Nil(t, got.ResolvedAt)

	resolved, err := db.ResolvePendingReview(ctx, "p1", storage.StatusApproved)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusApproved, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)

	// A second transition loses: the review stays approved.
	_, err = db.ResolvePendingReview(ctx, "p1", storage.StatusRejected)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	got, err = db.GetPendingReview(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusApproved, got.Status)
}

func TestReopenPendingReview(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.CreatePendingReview(ctx, newPending("p1")))
	assert.ErrorIs(t, db.ReopenPendingReview(ctx, "p1", storage.StatusApproved), storage.ErrNotFound)

	_, err := db.ResolvePendingReview(ctx, "p1", storage.StatusApproved)
	require.NoError(t, err)
	require.NoError(t, db.ReopenPendingReview(ctx, "p1", storage.StatusApproved))

	got, err := db.GetPendingReview(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, got.Status)
	assert.Nil(t, got.ResolvedAt)

	_, err = db.ResolvePendingReview(ctx, "p1", storage.StatusRejected)
	require.NoError(t, err)
	assert.ErrorIs(t, db.ReopenPendingReview(ctx, "p1", storage.StatusApproved), storage.ErrNotFound)
	assert.ErrorIs(t, db.ReopenPendingReview(ctx, "nope", storage.StatusApproved), storage.ErrNotFound)
}

func TestPendingReviews_Missing(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	_, err := db.GetPendingReview(ctx, "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = db.ResolvePendingReview(ctx, "nope", storage.StatusApproved)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListPendingReviews(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		p := newPending(id)
		p.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, db.CreatePendingReview(ctx, p))
	}
	_, err := db.ResolvePendingReview(ctx, "b", storage.StatusRejected)
	require.NoError(t, err)

	all, err := db.ListPendingReviews(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].ID)
	assert.Equal(t, base, all[0].CreatedAt)

	pending := storage.StatusPending
	open, err := db.ListPendingReviews(ctx, &pending)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "a", open[0].ID)
	assert.Equal(t, "c", open[1].ID)
}

func TestFeatureFlags(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	_, err := db.GetFeatureFlag(ctx, "review_gate")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, db.SetFeatureFlag(ctx, "review_gate", true))
	flag, err := db.GetFeatureFlag(ctx, "review_gate")
	require.NoError(t, err)
	assert.True(t, flag.Enabled)

	require.NoError(t, db.SetFeatureFlag(ctx, "review_gate", false))
	flag, err = db.GetFeatureFlag(ctx, "review_gate")
	require.NoError(t, err)
	assert.False(t, flag.Enabled)
}

func TestRecordFeedback_Dedup(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	metric := &storage.FeedbackMetric{
		InteractionID: "i-1", Owner: "o", Repo: "r", PRNumber: 1,
		FeedbackType: storage.FeedbackResolved, Positive: true, Actor: "sam",
	}

	inserted, err := db.RecordFeedback(ctx, metric)
	require.NoError(t, err)
	assert.True(t, inserted)

	metric.FeedbackType = storage.FeedbackDismissed
	inserted, err = db.RecordFeedback(ctx, metric)
	require.NoError(t, err)
	assert.False(t, inserted)
}
