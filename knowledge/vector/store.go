// Package vector stores review interactions in Weaviate for similarity search.
package vector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/shipitai/recall/knowledge"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ClassName is the Weaviate class holding interactions.
const ClassName = "ReviewInteraction"

var tracer = otel.Tracer("github.com/shipitai/recall/knowledge/vector")

// Store is the Weaviate projection of interactions.
type Store struct {
	client   *weaviate.Client
	embedder Embedder
	logger   *slog.Logger
}

var (
	_ knowledge.Sink           = (*Store)(nil)
	_ knowledge.VectorSearcher = (*Store)(nil)
)

// New connects to Weaviate at rawURL (e.g. "http://localhost:8080").
func New(rawURL string, embedder Embedder, logger *slog.Logger) (*Store, error) {
	scheme, host, ok := strings.Cut(rawURL, "://")
	if !ok {
		scheme, host = "http", rawURL
	}
	client, err := weaviate.NewClient(weaviate.Config{
		Host:   strings.TrimSuffix(host, "/"),
		Scheme: scheme,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create weaviate client: %w", err)
	}
	return &Store{client: client, embedder: embedder, logger: logger}, nil
}

// Name implements knowledge.Sink.
func (s *Store) Name() string {
	return "vector"
}

// Schema returns the class definition. Vectors are supplied by the Embedder.
func Schema() *models.Class {
	text := func(name, desc string) *models.Property {
		return &models.Property{Name: name, Description: desc, DataType: []string{"text"}}
	}
	return &models.Class{
		Class:       ClassName,
		Description: "A review comment and the human reaction to it",
		Vectorizer:  "none",
		Properties: []*models.Property{
			text("interaction_id", "Content-addressed interaction id"),
			text("repo", "owner/name"),
			{Name: "pr_number", DataType: []string{"int"}},
			text("file_path", "Path the comment was attached to"),
			{Name: "line", DataType: []string{"int"}},
			text("comment", "Comment body"),
			text("diff_context", "Diff excerpt around the comment"),
			text("category", "Finding category"),
			text("severity", "Finding severity"),
			text("origin", "rule, llm or human"),
			text("approval_state", "unresolved, approved or rejected"),
			{Name: "concepts", DataType: []string{"text[]"}},
			{Name: "created_at", DataType: []string{"date"}},
		},
	}
}

// EnsureSchema creates the class if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.client.Schema().ClassGetter().WithClassName(ClassName).Do(ctx); err == nil {
		return nil
	}
	if err := s.client.Schema().ClassCreator().WithClass(Schema()).Do(ctx); err != nil {
		return fmt.Errorf("failed to create %s class: %w", ClassName, err)
	}
	s.logger.Info("created weaviate class", "class", ClassName)
	return nil
}

// Store upserts in. Storing an existing id is a no-op.
func (s *Store) Store(ctx context.Context, in knowledge.Interaction) error {
	ctx, span := tracer.Start(ctx, "vector.Store", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("interaction_id", in.ID))

	if !strfmt.IsUUID(in.ID) {
		return fmt.Errorf("interaction id %q is not a UUID", in.ID)
	}
	vec, err := s.embedder.Embed(ctx, EmbeddingText(in))
	if err != nil {
		return err
	}

	_, err = s.client.Data().Creator().
		WithClassName(ClassName).
		WithID(in.ID).
		WithProperties(Properties(in)).
		WithVector(vec).
		Do(ctx)
	if err != nil {
		if isAlreadyExists(err) {
			return nil
		}
		return fmt.Errorf("failed to store interaction: %w", err)
	}
	return nil
}

// Search returns interactions in repo nearest to query.
func (s *Store) Search(ctx context.Context, repo, query string, limit int) ([]knowledge.Interaction, error) {
	ctx, span := tracer.Start(ctx, "vector.Search", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	where := filters.Where().
		WithPath([]string{"repo"}).
		WithOperator(filters.Equal).
		WithValueText(repo)

	nearVector := s.client.GraphQL().NearVectorArgBuilder().WithVector(vec)

	result, err := s.client.GraphQL().Get().
		WithClassName(ClassName).
		WithFields(fields()...).
		WithWhere(where).
		WithNearVector(nearVector).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate search failed: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("weaviate search failed: %s", result.Errors[0].Message)
	}

	return ParseSearchResult(result.Data)
}

// UpdateApproval records a human reaction. Interactions that already carry a
// reaction are left untouched and false is returned.
func (s *Store) UpdateApproval(ctx context.Context, id string, approved bool) (bool, error) {
	ctx, span := tracer.Start(ctx, "vector.UpdateApproval", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	// Weaviate object ids are UUIDs; anything else was never stored.
	if !strfmt.IsUUID(id) {
		return false, nil
	}
	objects, err := s.client.Data().ObjectsGetter().
		WithClassName(ClassName).
		WithID(id).
		Do(ctx)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read interaction: %w", err)
	}
	if len(objects) == 0 {
		return false, nil
	}

	props, _ := objects[0].Properties.(map[string]interface{})
	if state, _ := props["approval_state"].(string); state != "" && state != knowledge.StateUnresolved {
		return false, nil
	}

	err = s.client.Data().Updater().
		WithClassName(ClassName).
		WithID(id).
		WithProperties(map[string]interface{}{
			"approval_state": knowledge.ApprovalState(&approved),
		}).
		WithMerge().
		Do(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to update approval: %w", err)
	}
	return true, nil
}

// EmbeddingText is the text embedded for an interaction.
func EmbeddingText(in knowledge.Interaction) string {
	var b strings.Builder
	b.WriteString(in.FilePath)
	b.WriteString("\n")
	if in.Category != "" {
		b.WriteString(in.Category)
		b.WriteString("\n")
	}
	b.WriteString(in.Comment)
	if in.DiffContext != "" {
		b.WriteString("\n")
		b.WriteString(in.DiffContext)
	}
	return b.String()
}

// Properties maps an interaction to Weaviate properties.
func Properties(in knowledge.Interaction) map[string]interface{} {
	created := in.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	concepts := in.Concepts
	if concepts == nil {
		concepts = []string{}
	}
	return map[string]interface{}{
		"interaction_id": in.ID,
		"repo":           in.Repo,
		"pr_number":      in.PRNumber,
		"file_path":      in.FilePath,
		"line":           in.Line,
		"comment":        in.Comment,
		"diff_context":   in.DiffContext,
		"category":       in.Category,
		"severity":       in.Severity,
		"origin":         string(in.Origin),
		"approval_state": knowledge.ApprovalState(in.Approved),
		"concepts":       concepts,
		"created_at":     created.UTC().Format(time.RFC3339),
	}
}

func fields() []graphql.Field {
	return []graphql.Field{
		{Name: "interaction_id"},
		{Name: "repo"},
		{Name: "pr_number"},
		{Name: "file_path"},
		{Name: "line"},
		{Name: "comment"},
		{Name: "diff_context"},
		{Name: "category"},
		{Name: "severity"},
		{Name: "origin"},
		{Name: "approval_state"},
		{Name: "concepts"},
		{Name: "created_at"},
	}
}

type searchItem struct {
	InteractionID string   `json:"interaction_id"`
	Repo          string   `json:"repo"`
	PRNumber      int      `json:"pr_number"`
	FilePath      string   `json:"file_path"`
	Line          int      `json:"line"`
	Comment       string   `json:"comment"`
	DiffContext   string   `json:"diff_context"`
	Category      string   `json:"category"`
	Severity      string   `json:"severity"`
	Origin        string   `json:"origin"`
	ApprovalState string   `json:"approval_state"`
	Concepts      []string `json:"concepts"`
	CreatedAt     string   `json:"created_at"`
}

type searchResult struct {
	Get map[string][]searchItem `json:"Get"`
}

// ParseSearchResult converts GraphQL Get data into interactions.
func ParseSearchResult(data map[string]models.JSONObject) ([]knowledge.Interaction, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search result: %w", err)
	}
	var parsed searchResult
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse search result: %w", err)
	}

	items := parsed.Get[ClassName]
	out := make([]knowledge.Interaction, 0, len(items))
	for _, it := range items {
		created, _ := time.Parse(time.RFC3339, it.CreatedAt)
		out = append(out, knowledge.Interaction{
			ID:          it.InteractionID,
			Repo:        it.Repo,
			PRNumber:    it.PRNumber,
			FilePath:    it.FilePath,
			Line:        it.Line,
			Comment:     it.Comment,
			DiffContext: it.DiffContext,
			Category:    it.Category,
			Severity:    it.Severity,
			Origin:      knowledge.Origin(it.Origin),
			Approved:    knowledge.ParseApprovalState(it.ApprovalState),
			Concepts:    it.Concepts,
			CreatedAt:   created,
		})
	}
	return out, nil
}

func isAlreadyExists(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "already exists")
}

func isNotFound(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "not found") || strings.Contains(msg, "404")
}
