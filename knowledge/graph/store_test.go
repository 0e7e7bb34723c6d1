package graph

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/shipitai/recall/knowledge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	cypher string
	params map[string]any
	read   bool
}

type fakeExec struct {
	calls []call
	rows  []map[string]any
	err   error
}

func (f *fakeExec) exec(ctx context.Context, cypher string, params map[string]any, read bool) ([]map[string]any, error) {
	f.calls = append(f.calls, call{cypher: cypher, params: params, read: read})
	return f.rows, f.err
}

func newTestStore(f *fakeExec) *Store {
	return &Store{exec: f.exec, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func TestEnsureSchema(t *testing.T) {
	f := &fakeExec{}
	require.NoError(t, newTestStore(f).EnsureSchema(context.Background()))
	assert.Len(t, f.calls, len(schemaStatements))

	f = &fakeExec{err: errors.New("unauthorized")}
	assert.Error(t, newTestStore(f).EnsureSchema(context.Background()))
	assert.Len(t, f.calls, 1)
}

func TestStore_Params(t *testing.T) {
	f := &fakeExec{}
	approved := false
	in := knowledge.Interaction{
		ID:        "id-1",
		Repo:      "o/r",
		PRNumber:  4,
		FilePath:  "a.go",
		Line:      10,
		Approved:  &approved,
		Concepts:  []string{"file:a.go"},
		CreatedAt: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	require.NoError(t, newTestStore(f).Store(context.Background(), in))

	require.Len(t, f.calls, 1)
	c := f.calls[0]
	assert.False(t, c.read)
	assert.True(t, strings.Contains(c.cypher, "MERGE (i:Interaction {id: $id})"))
	assert.Equal(t, int64(4), c.params["pr_number"])
	assert.Equal(t, false, c.params["approved"])
	assert.Equal(t, "2025-01-02T03:04:05Z", c.params["created_at"])
	assert.Equal(t, []string{"file:a.go"}, c.params["concepts"])
}

func TestStore_UnresolvedApprovalIsNull(t *testing.T) {
	params := storeParams(knowledge.Interaction{ID: "x"})
	assert.Nil(t, params["approved"])
	assert.Equal(t, []string{}, params["concepts"])
}

func TestFindByConcepts(t *testing.T) {
	f := &fakeExec{rows: []map[string]any{
		{
			"i": map[string]any{
				"id": "id-1", "repo": "o/r", "file_path": "a.go", "line": int64(3),
				"comment": "close it", "approved": true, "created_at": "2025-01-02T03:04:05Z",
			},
			"concepts": []any{"file:a.go", "patterns:resource-cleanup"},
		},
		{"i": map[string]any{"id": "id-2", "file_path": "b.go"}, "concepts": []any{}},
	}}
	s := newTestStore(f)

	got, err := s.FindByConcepts(context.Background(), "o/r", []string{"file:a.go"}, 5)

	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 3, got[0].Line)
	require.NotNil(t, got[0].Approved)
	assert.True(t, *got[0].Approved)
	assert.Equal(t, []string{"file:a.go", "patterns:resource-cleanup"}, got[0].Concepts)
	assert.Nil(t, got[1].Approved)
	assert.True(t, f.calls[0].read)
	assert.Equal(t, int64(5), f.calls[0].params["limit"])
}

func TestFindByConcepts_NoConcepts(t *testing.T) {
	f := &fakeExec{}
	got, err := newTestStore(f).FindByConcepts(context.Background(), "o/r", nil, 5)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Empty(t, f.calls)
}

func TestConceptApprovalRate(t *testing.T) {
	f := &fakeExec{rows: []map[string]any{{"approved": int64(6), "rejected": int64(2), "unresolved": int64(1)}}}

	rate, err := newTestStore(f).ConceptApprovalRate(context.Background(), "o/r", "quality:null-safety")

	require.NoError(t, err)
	assert.Equal(t, knowledge.ApprovalRate{Concept: "quality:null-safety", Approved: 6, Rejected: 2, Unresolved: 1}, rate)
	assert.Equal(t, 0.75, rate.Rate())
}

func TestUpdateApproval(t *testing.T) {
	tests := []struct {
		name string
		rows []map[string]any
		err  error
		want bool
	}{
		{"applied", []map[string]any{{"updated": int64(1)}}, nil, true},
		{"already resolved", []map[string]any{{"updated": int64(0)}}, nil, false},
		{"no rows", nil, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeExec{rows: tt.rows}
			got, err := newTestStore(f).UpdateApproval(context.Background(), "id-1", true)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Contains(t, f.calls[0].cypher, "WHERE i.approved IS NULL")
		})
	}

	f := &fakeExec{err: errors.New("down")}
	_, err := newTestStore(f).UpdateApproval(context.Background(), "id-1", true)
	assert.Error(t, err)
}

func TestCitations(t *testing.T) {
	f := &fakeExec{rows: []map[string]any{{"i": map[string]any{"id": "c1", "comment": "use a context", "approved": true}}}}

	got, err := newTestStore(f).Citations(context.Background(), "o/r", "a.go", "bugs", 1)

	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "use a context", got[0].Comment)
	assert.Equal(t, "bugs", f.calls[0].params["category"])
}
