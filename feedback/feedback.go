// Package feedback turns human reactions to posted comments into approval
// updates in the knowledge stores and feedback metric rows.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/shipitai/recall/knowledge"
	"github.com/shipitai/recall/metrics"
	"github.com/shipitai/recall/storage"
)

// SignalType is the kind of human reaction.
type SignalType string

const (
	// SignalResolved is a review thread marked resolved.
	SignalResolved SignalType = "resolved"
	// SignalDeleted is a bot comment deleted by a user.
	SignalDeleted SignalType = "deleted"
	// SignalReviewDismissed is a bot review dismissed by a user.
	SignalReviewDismissed SignalType = "review_dismissed"
)

// Signal is one human reaction to one posted interaction.
type Signal struct {
	Type          SignalType
	InteractionID string
	Owner         string
	Repo          string
	PRNumber      int
	Actor         string
}

// outcome maps a signal to the approval it implies and the metric type it records.
func (t SignalType) outcome() (approved bool, feedbackType string, err error) {
	switch t {
	case SignalResolved:
		return true, storage.FeedbackResolved, nil
	case SignalDeleted, SignalReviewDismissed:
		return false, storage.FeedbackDismissed, nil
	}
	return false, "", fmt.Errorf("unknown signal type %q", t)
}

// Recorder applies feedback signals.
type Recorder struct {
	sinks  *knowledge.Sinks
	store  storage.Storage
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder creates a Recorder. Either sinks or store may be nil.
func NewRecorder(sinks *knowledge.Sinks, store storage.Storage, logger *slog.Logger) *Recorder {
	return &Recorder{sinks: sinks, store: store, logger: logger, now: time.Now}
}

// Record writes the approval to the knowledge stores and appends a feedback
// metric. Approval updates only apply to unresolved interactions and are
// best effort; the metric row is unique per interaction.
func (r *Recorder) Record(ctx context.Context, s Signal) error {
	if s.InteractionID == "" {
		return errors.New("interaction id is required")
	}
	approved, feedbackType, err := s.Type.outcome()
	if err != nil {
		return err
	}
	logger := r.logger.With(
		"interaction_id", s.InteractionID,
		"signal", s.Type,
		"owner", s.Owner,
		"repo", s.Repo,
		"pr", s.PRNumber,
	)

	applied := false
	if r.sinks != nil {
		applied = r.sinks.UpdateApproval(ctx, s.InteractionID, approved)
	}

	recorded := false
	if r.store != nil {
		recorded, err = r.store.RecordFeedback(ctx, &storage.FeedbackMetric{
			InteractionID: s.InteractionID,
			Owner:         s.Owner,
			Repo:          s.Repo,
			PRNumber:      s.PRNumber,
			FeedbackType:  feedbackType,
			Positive:      approved,
			Actor:         s.Actor,
			RecordedAt:    r.now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("failed to record feedback for %s: %w", s.InteractionID, err)
		}
	}

	if recorded || applied {
		metrics.FeedbackTotal.WithLabelValues(string(s.Type)).Inc()
	}
	logger.Info("feedback recorded", "approved", approved, "applied", applied, "recorded", recorded)
	return nil
}

// RecordAll records s once per id. It keeps going after a failure and
// returns the joined errors.
func (r *Recorder) RecordAll(ctx context.Context, s Signal, ids []string) error {
	var errs []error
	for _, id := range ids {
		s.InteractionID = id
		if err := r.Record(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var markerRegex = regexp.MustCompile(regexp.QuoteMeta(knowledge.MarkerPrefix) + `([0-9a-fA-F-]{36}) -->`)

// ExtractInteractionIDs returns the interaction ids embedded in a comment
// or review body, in order of first appearance.
func ExtractInteractionIDs(body string) []string {
	var ids []string
	seen := make(map[string]bool)
	for _, m := range markerRegex.FindAllStringSubmatch(body, -1) {
		if seen[m[1]] {
			continue
		}
		seen[m[1]] = true
		ids = append(ids, m[1])
	}
	return ids
}
