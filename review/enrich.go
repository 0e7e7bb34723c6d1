package review

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shipitai/recall/knowledge"
	"github.com/shipitai/recall/metrics"
)

// CitationSource finds approved precedents for a finding.
type CitationSource interface {
	Citations(ctx context.Context, repo, path, category string, limit int) ([]knowledge.Interaction, error)
}

// Enricher attaches citations from past accepted reviews to inline findings.
type Enricher struct {
	source CitationSource
	logger *slog.Logger
}

// NewEnricher creates an Enricher. A nil source makes Enrich a no-op.
func NewEnricher(source CitationSource, logger *slog.Logger) *Enricher {
	return &Enricher{source: source, logger: logger}
}

// Enrich returns a copy of inline with citations attached where a precedent
// exists. Lookup failures leave the finding unchanged.
func (e *Enricher) Enrich(ctx context.Context, repo string, inline []Finding) []Finding {
	out := make([]Finding, len(inline))
	copy(out, inline)
	if e == nil || e.source == nil {
		return out
	}

	for i, f := range out {
		if f.Citation != "" {
			continue
		}
		cites, err := e.source.Citations(ctx, repo, f.Path, f.Category, 1)
		if err != nil {
			metrics.KnowledgeErrorsTotal.WithLabelValues("graph", "citations").Inc()
			e.logger.Warn("citation lookup failed", "path", f.Path, "category", f.Category, "error", err)
			continue
		}
		if len(cites) == 0 {
			continue
		}
		out[i].Citation = formatCitation(cites[0])
	}
	return out
}

func formatCitation(it knowledge.Interaction) string {
	comment := strings.Join(strings.Fields(it.CommentPrefix(160)), " ")
	if it.PRNumber > 0 {
		return fmt.Sprintf("Similar feedback was accepted in #%d (%s): %s", it.PRNumber, it.FilePath, comment)
	}
	return fmt.Sprintf("Similar feedback was accepted on %s: %s", it.FilePath, comment)
}
