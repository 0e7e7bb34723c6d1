package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shipitai/recall/metrics"
	"github.com/shipitai/recall/patch"
	"golang.org/x/sync/errgroup"
)

const (
	queryMaxFiles      = 5
	queryLinesPerFile  = 20
	queryMaxChars      = 3000
	vectorTopK         = 10
	conceptTopK        = 5
	historyFiles       = 3
	historyPerFile     = 3
	maxPatternsPerSide = 5
	dedupPrefixLen     = 100
)

// ErrUnavailable is returned by tool lookups whose backing store is not configured.
var ErrUnavailable = errors.New("knowledge store not configured")

// VectorSearcher finds interactions similar to a text query.
type VectorSearcher interface {
	Search(ctx context.Context, repo, query string, limit int) ([]Interaction, error)
}

// GraphSearcher answers structural questions about past interactions.
type GraphSearcher interface {
	FindByConcepts(ctx context.Context, repo string, concepts []string, limit int) ([]Interaction, error)
	FileHistory(ctx context.Context, repo, path string, limit int) ([]Interaction, error)
	ConceptApprovalRate(ctx context.Context, repo, concept string) (ApprovalRate, error)
	Citations(ctx context.Context, repo, path, category string, limit int) ([]Interaction, error)
}

// ApprovalRate summarizes human reactions to interactions tagged with a concept.
type ApprovalRate struct {
	Concept    string
	Approved   int
	Rejected   int
	Unresolved int
}

// Rate is approved / (approved + rejected), or 0 with no resolved interactions.
func (r ApprovalRate) Rate() float64 {
	resolved := r.Approved + r.Rejected
	if resolved == 0 {
		return 0
	}
	return float64(r.Approved) / float64(resolved)
}

// Tools are the lookups the reviewer exposes to the model.
type Tools interface {
	SearchSimilar(ctx context.Context, repo, query string, limit int) ([]Interaction, error)
	FileHistory(ctx context.Context, repo, path string, limit int) ([]Interaction, error)
	ConceptApprovalRate(ctx context.Context, repo, concept string) (ApprovalRate, error)
}

// Context is the recalled guidance for one review.
type Context struct {
	Approved []Interaction
	Rejected []Interaction
}

// Empty reports whether nothing was recalled.
func (c Context) Empty() bool {
	return len(c.Approved) == 0 && len(c.Rejected) == 0
}

// Recall retrieves past interactions from both stores. Either store may be nil.
type Recall struct {
	vector   VectorSearcher
	graph    GraphSearcher
	concepts *ConceptExtractor
	logger   *slog.Logger
}

var _ Tools = (*Recall)(nil)

// NewRecall creates a Recall.
func NewRecall(vector VectorSearcher, graph GraphSearcher, concepts *ConceptExtractor, logger *slog.Logger) *Recall {
	if concepts == nil {
		concepts = NewConceptExtractor(nil, "", logger)
	}
	return &Recall{vector: vector, graph: graph, concepts: concepts, logger: logger}
}

// Retrieve runs the vector search, the concept lookup and per-file history
// lookups concurrently. A failing stage contributes nothing.
func (r *Recall) Retrieve(ctx context.Context, files []patch.ParsedFile, repo string) Context {
	if len(files) == 0 {
		return Context{}
	}
	query := BuildQuery(files)

	var (
		vectorResults  []Interaction
		conceptResults []Interaction
		history        = make([][]Interaction, min(historyFiles, len(files)))
	)

	var g errgroup.Group

	if r.vector != nil {
		g.Go(func() error {
			res, err := r.vector.Search(ctx, repo, query, vectorTopK)
			if err != nil {
				r.stageFailed("vector", "search", err)
				return nil
			}
			vectorResults = res
			return nil
		})
	}

	if r.graph != nil {
		g.Go(func() error {
			names := make([]string, len(files))
			for i, f := range files {
				names[i] = f.Filename
			}
			concepts := r.concepts.Extract(ctx, names, query)
			res, err := r.graph.FindByConcepts(ctx, repo, concepts, conceptTopK)
			if err != nil {
				r.stageFailed("graph", "find_by_concepts", err)
				return nil
			}
			conceptResults = res
			return nil
		})

		for i := range history {
			path := files[i].Filename
			g.Go(func() error {
				res, err := r.graph.FileHistory(ctx, repo, path, historyPerFile)
				if err != nil {
					r.stageFailed("graph", "file_history", err)
					return nil
				}
				history[i] = res
				return nil
			})
		}
	}

	_ = g.Wait()

	all := append(vectorResults, conceptResults...)
	for _, h := range history {
		all = append(all, h...)
	}
	return split(dedup(resolved(all)))
}

func (r *Recall) stageFailed(store, op string, err error) {
	metrics.KnowledgeErrorsTotal.WithLabelValues(store, op).Inc()
	r.logger.Warn("recall stage failed", "store", store, "op", op, "error", err)
}

// SearchSimilar runs a semantic search.
func (r *Recall) SearchSimilar(ctx context.Context, repo, query string, limit int) ([]Interaction, error) {
	if r.vector == nil {
		return nil, ErrUnavailable
	}
	return r.vector.Search(ctx, repo, query, limit)
}

// FileHistory returns the newest interactions on a file.
func (r *Recall) FileHistory(ctx context.Context, repo, path string, limit int) ([]Interaction, error) {
	if r.graph == nil {
		return nil, ErrUnavailable
	}
	return r.graph.FileHistory(ctx, repo, path, limit)
}

// ConceptApprovalRate returns how often comments on concept were accepted.
func (r *Recall) ConceptApprovalRate(ctx context.Context, repo, concept string) (ApprovalRate, error) {
	if r.graph == nil {
		return ApprovalRate{}, ErrUnavailable
	}
	return r.graph.ConceptApprovalRate(ctx, repo, concept)
}

// BuildQuery joins filenames and the first added lines of the first few files.
func BuildQuery(files []patch.ParsedFile) string {
	var b strings.Builder
	for i, f := range files {
		if i == queryMaxFiles {
			break
		}
		b.WriteString(f.Filename)
		b.WriteString("\n")
		for _, line := range f.AddedLines(queryLinesPerFile) {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	return Truncate(b.String(), queryMaxChars)
}

// resolved drops interactions nobody has reacted to. It runs before dedup so
// a stale unresolved copy in one store cannot hide the resolved copy in the
// other.
func resolved(in []Interaction) []Interaction {
	var out []Interaction
	for _, it := range in {
		if it.Approved != nil {
			out = append(out, it)
		}
	}
	return out
}

func dedup(in []Interaction) []Interaction {
	seen := make(map[string]bool)
	var out []Interaction
	for _, it := range in {
		key := it.FilePath + "\x00" + it.CommentPrefix(dedupPrefixLen)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, it)
	}
	return out
}

func split(in []Interaction) Context {
	var c Context
	for _, it := range in {
		if it.Approved == nil {
			continue
		}
		if *it.Approved {
			if len(c.Approved) < maxPatternsPerSide {
				c.Approved = append(c.Approved, it)
			}
		} else if len(c.Rejected) < maxPatternsPerSide {
			c.Rejected = append(c.Rejected, it)
		}
	}
	return c
}

// Format renders c as prompt text. It reports false when there is nothing
// to render.
func Format(c Context) (string, bool) {
	if c.Empty() {
		return "", false
	}

	var b strings.Builder
	b.WriteString("## Learned from past reviews in this repository\n")
	if len(c.Approved) > 0 {
		b.WriteString("\n### Feedback the team accepted (raise similar issues)\n")
		for _, it := range c.Approved {
			writePattern(&b, it)
		}
	}
	if len(c.Rejected) > 0 {
		b.WriteString("\n### Feedback the team rejected (avoid similar comments)\n")
		for _, it := range c.Rejected {
			writePattern(&b, it)
		}
	}
	return b.String(), true
}

func writePattern(b *strings.Builder, it Interaction) {
	fmt.Fprintf(b, "- %s", it.FilePath)
	if it.Line > 0 {
		fmt.Fprintf(b, ":%d", it.Line)
	}
	if it.Category != "" {
		fmt.Fprintf(b, " [%s]", it.Category)
	}
	b.WriteString(": ")
	b.WriteString(oneLine(it.CommentPrefix(300)))
	b.WriteString("\n")
}

// FormatInteractions renders lookup results for a tool response.
func FormatInteractions(items []Interaction) string {
	if len(items) == 0 {
		return "No matching past review comments."
	}
	var b strings.Builder
	for _, it := range items {
		fmt.Fprintf(&b, "- [%s] %s", ApprovalState(it.Approved), it.FilePath)
		if it.Line > 0 {
			fmt.Fprintf(&b, ":%d", it.Line)
		}
		if it.Category != "" {
			fmt.Fprintf(&b, " (%s)", it.Category)
		}
		b.WriteString(": ")
		b.WriteString(oneLine(it.CommentPrefix(300)))
		b.WriteString("\n")
	}
	return b.String()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
