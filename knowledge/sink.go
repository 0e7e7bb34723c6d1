package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shipitai/recall/metrics"
)

// Sink is a store that keeps a projection of interactions. Store is an
// idempotent upsert by id; UpdateApproval only applies to unresolved
// interactions and reports whether it changed anything.
type Sink interface {
	Name() string
	Store(ctx context.Context, in Interaction) error
	UpdateApproval(ctx context.Context, id string, approved bool) (bool, error)
}

// Sinks writes to every configured sink. A failing sink never blocks the others.
type Sinks struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewSinks creates a fan-out over sinks. Nil sinks are ignored.
func NewSinks(logger *slog.Logger, sinks ...Sink) *Sinks {
	s := &Sinks{logger: logger}
	for _, sink := range sinks {
		if sink != nil {
			s.sinks = append(s.sinks, sink)
		}
	}
	return s
}

// All returns the configured sinks.
func (s *Sinks) All() []Sink {
	return s.sinks
}

// Store writes in to every sink. Failures are logged and counted; the joined
// error is returned so background callers can dead-letter it.
func (s *Sinks) Store(ctx context.Context, in Interaction) error {
	var errs []error
	for _, sink := range s.sinks {
		if err := sink.Store(ctx, in); err != nil {
			metrics.KnowledgeErrorsTotal.WithLabelValues(sink.Name(), "store").Inc()
			s.logger.Warn("failed to store interaction",
				"store", sink.Name(),
				"interaction_id", in.ID,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// UpdateApproval sets the approval on every sink and reports whether any sink
// applied it. Sink failures are logged, never returned.
func (s *Sinks) UpdateApproval(ctx context.Context, id string, approved bool) bool {
	applied := false
	for _, sink := range s.sinks {
		ok, err := sink.UpdateApproval(ctx, id, approved)
		if err != nil {
			metrics.KnowledgeErrorsTotal.WithLabelValues(sink.Name(), "update_approval").Inc()
			s.logger.Warn("failed to update approval",
				"store", sink.Name(),
				"interaction_id", id,
				"error", err,
			)
			continue
		}
		if ok {
			applied = true
		}
	}
	return applied
}
