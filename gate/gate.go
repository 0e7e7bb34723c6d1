// Package gate holds finished reviews for manual approval when the review
// gate flag is on. Every state change is a single-row compare-and-set in
// the relational store; gate operations never degrade silently.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shipitai/recall/metrics"
	"github.com/shipitai/recall/storage"
)

// ReviewGateFlag is the feature flag that turns the gate on.
const ReviewGateFlag = "review_gate"

// ErrNotPending is returned when resolving a review that is missing or
// already resolved. It wraps storage.ErrNotFound.
var ErrNotPending = errors.New("review is not pending")

// Flags reads and writes feature flags. Unknown flags are off.
type Flags struct {
	store storage.Storage
}

// NewFlags creates a Flags over store.
func NewFlags(store storage.Storage) *Flags {
	return &Flags{store: store}
}

// Get returns the flag value, false when it has never been set.
func (f *Flags) Get(ctx context.Context, key string) (bool, error) {
	flag, err := f.store.GetFeatureFlag(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read flag %s: %w", key, err)
	}
	return flag.Enabled, nil
}

// Set stores the flag value.
func (f *Flags) Set(ctx context.Context, key string, enabled bool) error {
	if key == "" {
		return errors.New("flag key is required")
	}
	if err := f.store.SetFeatureFlag(ctx, key, enabled); err != nil {
		return fmt.Errorf("failed to set flag %s: %w", key, err)
	}
	return nil
}

// Gate is the pending-review queue.
type Gate struct {
	store  storage.Storage
	flags  *Flags
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Gate over store.
func New(store storage.Storage, logger *slog.Logger) *Gate {
	return &Gate{store: store, flags: NewFlags(store), logger: logger, now: time.Now}
}

// Flags returns the flag accessor the gate reads.
func (g *Gate) Flags() *Flags {
	return g.flags
}

// Enabled reports whether reviews should be held.
func (g *Gate) Enabled(ctx context.Context) (bool, error) {
	return g.flags.Get(ctx, ReviewGateFlag)
}

// SetEnabled turns the gate on or off.
func (g *Gate) SetEnabled(ctx context.Context, enabled bool) error {
	return g.flags.Set(ctx, ReviewGateFlag, enabled)
}

// Hold persists review as pending.
func (g *Gate) Hold(ctx context.Context, review *storage.PendingReview) error {
	if review.ID == "" {
		return errors.New("pending review id is required")
	}
	review.Status = storage.StatusPending
	review.ResolvedAt = nil
	if review.CreatedAt.IsZero() {
		review.CreatedAt = g.now().UTC()
	}
	if err := g.store.CreatePendingReview(ctx, review); err != nil {
		return fmt.Errorf("failed to hold review %s: %w", review.ID, err)
	}
	metrics.GateTransitionsTotal.WithLabelValues(string(storage.StatusPending)).Inc()
	g.logger.Info("review held",
		"pending_id", review.ID,
		"owner", review.Owner,
		"repo", review.Repo,
		"pr", review.PRNumber,
	)
	return nil
}

// Get returns a held review.
func (g *Gate) Get(ctx context.Context, id string) (*storage.PendingReview, error) {
	p, err := g.store.GetPendingReview(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending review %s: %w", id, err)
	}
	return p, nil
}

// List returns held reviews, optionally filtered by status.
func (g *Gate) List(ctx context.Context, status *storage.PendingStatus) ([]*storage.PendingReview, error) {
	if status != nil && !status.Valid() {
		return nil, fmt.Errorf("invalid status %q", *status)
	}
	reviews, err := g.store.ListPendingReviews(ctx, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending reviews: %w", err)
	}
	return reviews, nil
}

// Approve moves a pending review to approved and returns it.
func (g *Gate) Approve(ctx context.Context, id string) (*storage.PendingReview, error) {
	return g.resolve(ctx, id, storage.StatusApproved)
}

// Reject moves a pending review to rejected and returns it.
func (g *Gate) Reject(ctx context.Context, id string) (*storage.PendingReview, error) {
	return g.resolve(ctx, id, storage.StatusRejected)
}

// Release returns an approved review to pending, for when publishing it
// failed after the approval.
func (g *Gate) Release(ctx context.Context, id string) error {
	if err := g.store.ReopenPendingReview(ctx, id, storage.StatusApproved); err != nil {
		return fmt.Errorf("failed to release pending review %s: %w", id, err)
	}
	metrics.GateTransitionsTotal.WithLabelValues(string(storage.StatusPending)).Inc()
	g.logger.Info("pending review released", "pending_id", id)
	return nil
}

func (g *Gate) resolve(ctx context.Context, id string, status storage.PendingStatus) (*storage.PendingReview, error) {
	p, err := g.store.ResolvePendingReview(ctx, id, status)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s: %w", ErrNotPending, id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve pending review %s: %w", id, err)
	}
	metrics.GateTransitionsTotal.WithLabelValues(string(status)).Inc()
	g.logger.Info("pending review resolved", "pending_id", id, "status", status)
	return p, nil
}
