// Package graph stores review interactions in Neo4j as a property graph:
//
//	(:Interaction)-[:ON_FILE]->(:File {repo, path})
//	(:Interaction)-[:TAGGED]->(:Concept {name})
//	(:Interaction)-[:IN_PR]->(:PullRequest {repo, number})
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/shipitai/recall/knowledge"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/shipitai/recall/knowledge/graph")

// execFunc runs one Cypher statement and returns its records as maps.
type execFunc func(ctx context.Context, cypher string, params map[string]any, read bool) ([]map[string]any, error)

// Store is the Neo4j projection of interactions.
type Store struct {
	driver   neo4j.DriverWithContext
	database string
	exec     execFunc
	logger   *slog.Logger
}

var (
	_ knowledge.Sink          = (*Store)(nil)
	_ knowledge.GraphSearcher = (*Store)(nil)
)

// New connects to Neo4j and verifies connectivity.
func New(ctx context.Context, uri, user, password, database string, logger *slog.Logger) (*Store, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("failed to connect to neo4j: %w", err)
	}
	if database == "" {
		database = "neo4j"
	}
	s := &Store{driver: driver, database: database, logger: logger}
	s.exec = s.execDriver
	return s, nil
}

// Close closes the driver.
func (s *Store) Close(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}
	return s.driver.Close(ctx)
}

func (s *Store) execDriver(ctx context.Context, cypher string, params map[string]any, read bool) ([]map[string]any, error) {
	opts := []neo4j.ExecuteQueryConfigurationOption{neo4j.ExecuteQueryWithDatabase(s.database)}
	if read {
		opts = append(opts, neo4j.ExecuteQueryWithReadersRouting())
	}
	result, err := neo4j.ExecuteQuery(ctx, s.driver, cypher, params, neo4j.EagerResultTransformer, opts...)
	if err != nil {
		return nil, err
	}
	rows := make([]map[string]any, 0, len(result.Records))
	for _, rec := range result.Records {
		rows = append(rows, rec.AsMap())
	}
	return rows, nil
}

// Name implements knowledge.Sink.
func (s *Store) Name() string {
	return "graph"
}

var schemaStatements = []string{
	`CREATE CONSTRAINT interaction_id IF NOT EXISTS FOR (i:Interaction) REQUIRE i.id IS UNIQUE`,
	`CREATE CONSTRAINT concept_name IF NOT EXISTS FOR (c:Concept) REQUIRE c.name IS UNIQUE`,
	`CREATE CONSTRAINT file_key IF NOT EXISTS FOR (f:File) REQUIRE (f.repo, f.path) IS UNIQUE`,
	`CREATE CONSTRAINT pull_request_key IF NOT EXISTS FOR (p:PullRequest) REQUIRE (p.repo, p.number) IS UNIQUE`,
	`CREATE INDEX interaction_repo IF NOT EXISTS FOR (i:Interaction) ON (i.repo, i.category)`,
}

// EnsureSchema creates constraints and indexes.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.exec(ctx, stmt, nil, false); err != nil {
			return fmt.Errorf("failed to apply graph schema: %w", err)
		}
	}
	return nil
}

const storeCypher = `
MERGE (i:Interaction {id: $id})
ON CREATE SET
  i.repo = $repo, i.pr_number = $pr_number, i.file_path = $file_path, i.line = $line,
  i.comment = $comment, i.diff_context = $diff_context, i.category = $category,
  i.severity = $severity, i.origin = $origin, i.approved = $approved, i.created_at = $created_at
MERGE (f:File {repo: $repo, path: $file_path})
MERGE (i)-[:ON_FILE]->(f)
MERGE (p:PullRequest {repo: $repo, number: $pr_number})
MERGE (i)-[:IN_PR]->(p)
WITH i
UNWIND $concepts AS name
MERGE (c:Concept {name: name})
MERGE (i)-[:TAGGED]->(c)`

// Store upserts in with its file, pull request and concept edges.
func (s *Store) Store(ctx context.Context, in knowledge.Interaction) error {
	ctx, span := tracer.Start(ctx, "graph.Store", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	if _, err := s.exec(ctx, storeCypher, storeParams(in), false); err != nil {
		return fmt.Errorf("failed to store interaction: %w", err)
	}
	return nil
}

func storeParams(in knowledge.Interaction) map[string]any {
	created := in.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	concepts := in.Concepts
	if concepts == nil {
		concepts = []string{}
	}
	var approved any
	if in.Approved != nil {
		approved = *in.Approved
	}
	return map[string]any{
		"id":           in.ID,
		"repo":         in.Repo,
		"pr_number":    int64(in.PRNumber),
		"file_path":    in.FilePath,
		"line":         int64(in.Line),
		"comment":      in.Comment,
		"diff_context": in.DiffContext,
		"category":     in.Category,
		"severity":     in.Severity,
		"origin":       string(in.Origin),
		"approved":     approved,
		"created_at":   created.UTC().Format(time.RFC3339),
		"concepts":     concepts,
	}
}

const projection = `i {.*} AS i, [(i)-[:TAGGED]->(t:Concept) | t.name] AS concepts`

const findByConceptsCypher = `
MATCH (i:Interaction {repo: $repo})-[:TAGGED]->(c:Concept)
WHERE c.name IN $concepts
WITH i, count(c) AS shared
RETURN ` + projection + `
ORDER BY shared DESC, i.created_at DESC
LIMIT $limit`

// FindByConcepts returns interactions sharing the most concepts with concepts.
func (s *Store) FindByConcepts(ctx context.Context, repo string, concepts []string, limit int) ([]knowledge.Interaction, error) {
	if len(concepts) == 0 {
		return nil, nil
	}
	ctx, span := tracer.Start(ctx, "graph.FindByConcepts", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	rows, err := s.exec(ctx, findByConceptsCypher, map[string]any{
		"repo":     repo,
		"concepts": concepts,
		"limit":    int64(limit),
	}, true)
	if err != nil {
		return nil, fmt.Errorf("failed to find by concepts: %w", err)
	}
	return toInteractions(rows), nil
}

const fileHistoryCypher = `
MATCH (i:Interaction)-[:ON_FILE]->(:File {repo: $repo, path: $path})
RETURN ` + projection + `
ORDER BY i.created_at DESC
LIMIT $limit`

// FileHistory returns the newest interactions on path.
func (s *Store) FileHistory(ctx context.Context, repo, path string, limit int) ([]knowledge.Interaction, error) {
	ctx, span := tracer.Start(ctx, "graph.FileHistory", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	rows, err := s.exec(ctx, fileHistoryCypher, map[string]any{
		"repo":  repo,
		"path":  path,
		"limit": int64(limit),
	}, true)
	if err != nil {
		return nil, fmt.Errorf("failed to load file history: %w", err)
	}
	return toInteractions(rows), nil
}

const approvalRateCypher = `
MATCH (i:Interaction {repo: $repo})-[:TAGGED]->(:Concept {name: $concept})
RETURN
  sum(CASE WHEN i.approved = true THEN 1 ELSE 0 END) AS approved,
  sum(CASE WHEN i.approved = false THEN 1 ELSE 0 END) AS rejected,
  sum(CASE WHEN i.approved IS NULL THEN 1 ELSE 0 END) AS unresolved`

// ConceptApprovalRate counts reactions to interactions tagged with concept.
func (s *Store) ConceptApprovalRate(ctx context.Context, repo, concept string) (knowledge.ApprovalRate, error) {
	rate := knowledge.ApprovalRate{Concept: concept}
	rows, err := s.exec(ctx, approvalRateCypher, map[string]any{
		"repo":    repo,
		"concept": concept,
	}, true)
	if err != nil {
		return rate, fmt.Errorf("failed to compute approval rate: %w", err)
	}
	if len(rows) == 0 {
		return rate, nil
	}
	rate.Approved = asInt(rows[0]["approved"])
	rate.Rejected = asInt(rows[0]["rejected"])
	rate.Unresolved = asInt(rows[0]["unresolved"])
	return rate, nil
}

const citationsCypher = `
MATCH (i:Interaction {repo: $repo, category: $category})
WHERE i.approved = true
RETURN ` + projection + `
ORDER BY CASE WHEN i.file_path = $path THEN 0 ELSE 1 END, i.created_at DESC
LIMIT $limit`

// Citations returns approved interactions in category, preferring path.
func (s *Store) Citations(ctx context.Context, repo, path, category string, limit int) ([]knowledge.Interaction, error) {
	rows, err := s.exec(ctx, citationsCypher, map[string]any{
		"repo":     repo,
		"path":     path,
		"category": category,
		"limit":    int64(limit),
	}, true)
	if err != nil {
		return nil, fmt.Errorf("failed to load citations: %w", err)
	}
	return toInteractions(rows), nil
}

const updateApprovalCypher = `
MATCH (i:Interaction {id: $id})
WHERE i.approved IS NULL
SET i.approved = $approved
RETURN count(i) AS updated`

// UpdateApproval sets approved on an unresolved interaction. It returns false
// when the interaction is missing or already resolved.
func (s *Store) UpdateApproval(ctx context.Context, id string, approved bool) (bool, error) {
	rows, err := s.exec(ctx, updateApprovalCypher, map[string]any{
		"id":       id,
		"approved": approved,
	}, false)
	if err != nil {
		return false, fmt.Errorf("failed to update approval: %w", err)
	}
	return len(rows) > 0 && asInt(rows[0]["updated"]) > 0, nil
}

func toInteractions(rows []map[string]any) []knowledge.Interaction {
	out := make([]knowledge.Interaction, 0, len(rows))
	for _, row := range rows {
		props, _ := row["i"].(map[string]any)
		if props == nil {
			continue
		}
		in := knowledge.Interaction{
			ID:          asString(props["id"]),
			Repo:        asString(props["repo"]),
			PRNumber:    asInt(props["pr_number"]),
			FilePath:    asString(props["file_path"]),
			Line:        asInt(props["line"]),
			Comment:     asString(props["comment"]),
			DiffContext: asString(props["diff_context"]),
			Category:    asString(props["category"]),
			Severity:    asString(props["severity"]),
			Origin:      knowledge.Origin(asString(props["origin"])),
		}
		if b, ok := props["approved"].(bool); ok {
			in.Approved = &b
		}
		if ts, err := time.Parse(time.RFC3339, asString(props["created_at"])); err == nil {
			in.CreatedAt = ts
		}
		if concepts, ok := row["concepts"].([]any); ok {
			for _, c := range concepts {
				if name, ok := c.(string); ok {
					in.Concepts = append(in.Concepts, name)
				}
			}
		}
		out = append(out, in)
	}
	return out
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}
