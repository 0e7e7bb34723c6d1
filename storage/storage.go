// Package storage defines the relational storage interface: review records,
// installations, the pending-review queue, feature flags and feedback metrics.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a row does not exist, or when a conditional
// update matched no row.
var ErrNotFound = errors.New("not found")

// Storage defines the interface for relational storage backends.
// Implementations must be safe for concurrent use by multiple goroutines.
type Storage interface {
	// Review records
	StoreReview(ctx context.Context, review *ReviewContext) error
	ListReviewsForPR(ctx context.Context, installationID int64, owner, repo string, prNumber int) ([]*ReviewContext, error)

	// Installation operations
	SaveInstallation(ctx context.Context, install *Installation) error
	GetInstallation(ctx context.Context, installationID int64) (*Installation, error)

	// Pending reviews. ResolvePendingReview only moves a pending row and
	// returns ErrNotFound if the row is missing or already resolved.
	CreatePendingReview(ctx context.Context, review *PendingReview) error
	GetPendingReview(ctx context.Context, id string) (*PendingReview, error)
	ListPendingReviews(ctx context.Context, status *PendingStatus) ([]*PendingReview, error)
	ResolvePendingReview(ctx context.Context, id string, status PendingStatus) (*PendingReview, error)
	// ReopenPendingReview moves a row in status from back to pending and
	// returns ErrNotFound if the row is not in that status.
	ReopenPendingReview(ctx context.Context, id string, from PendingStatus) error

	// Feature flags. GetFeatureFlag returns ErrNotFound for unknown keys.
	GetFeatureFlag(ctx context.Context, key string) (*FeatureFlag, error)
	SetFeatureFlag(ctx context.Context, key string, enabled bool) error

	// RecordFeedback appends a metric row. It returns false when a row for
	// the interaction already exists.
	RecordFeedback(ctx context.Context, metric *FeedbackMetric) (bool, error)

	Close() error
}
