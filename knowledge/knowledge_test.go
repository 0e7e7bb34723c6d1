package knowledge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/shipitai/recall/llm"
	"github.com/shipitai/recall/patch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func boolPtr(b bool) *bool { return &b }

type fakeLLM struct {
	text string
	err  error
}

func (f *fakeLLM) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Response{Text: f.text}, nil
}

func TestInteractionID_Stable(t *testing.T) {
	a := InteractionID("o/r", 1, "a.go", 10, "use errors.Is")
	b := InteractionID("o/r", 1, "a.go", 10, "use errors.Is")
	c := InteractionID("o/r", 1, "a.go", 11, "use errors.Is")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 36)
}

func TestApprovalState(t *testing.T) {
	assert.Equal(t, StateUnresolved, ApprovalState(nil))
	assert.Equal(t, StateApproved, ApprovalState(boolPtr(true)))
	assert.Equal(t, StateRejected, ApprovalState(boolPtr(false)))

	assert.Nil(t, ParseApprovalState("unresolved"))
	assert.Equal(t, boolPtr(true), ParseApprovalState("approved"))
	assert.Equal(t, boolPtr(false), ParseApprovalState("REJECTED"))
}

func TestExtract_FileAndStemTags(t *testing.T) {
	e := NewConceptExtractor(nil, "", testLogger())

	got := e.Extract(context.Background(), []string{"pkg/Handler.go", "pkg/db.go"}, "")

	assert.Equal(t, []string{"file:pkg/handler.go", "stem:handler", "file:pkg/db.go"}, got)
}

func TestExtract_KeywordFallback(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{"short text ignored", "nil", nil},
		{"error handling", "the returned err is ignored here", []string{"error-handling"}},
		{"security", "hardcoded password in source", []string{"security"}},
		{"nothing matches", "looks fine to me overall", []string{"general-review"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewConceptExtractor(nil, "", testLogger())
			got := e.Extract(context.Background(), nil, tt.text)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtract_LLMTags(t *testing.T) {
	client := &fakeLLM{text: "```json\n[\"quality:null-safety\", \"patterns:retry\", \"bogus:tag\", \"domain:Billing Rules\"]\n```"}
	e := NewConceptExtractor(client, "m", testLogger())

	got := e.Extract(context.Background(), []string{"a.go"}, "handle the nil response from billing")

	assert.Equal(t, []string{"file:a.go", "quality:null-safety", "patterns:retry"}, got)
}

func TestExtract_LLMFailureFallsBack(t *testing.T) {
	e := NewConceptExtractor(&fakeLLM{err: errors.New("boom")}, "m", testLogger())

	got := e.Extract(context.Background(), nil, "this leaks a goroutine on cancel")

	assert.Equal(t, []string{"async-patterns"}, got)
}

func TestExtract_Bounded(t *testing.T) {
	var files []string
	for i := 0; i < 20; i++ {
		files = append(files, fmt.Sprintf("dir/file%02d.go", i))
	}
	e := NewConceptExtractor(nil, "", testLogger())

	got := e.Extract(context.Background(), files, "error handling and security and tests")

	assert.Len(t, got, MaxConcepts)
	assert.Equal(t, "file:dir/file00.go", got[0])
	assert.Equal(t, "stem:file00", got[1])
}

type fakeVector struct {
	results []Interaction
	err     error
}

func (f *fakeVector) Search(ctx context.Context, repo, query string, limit int) ([]Interaction, error) {
	return f.results, f.err
}

type fakeGraph struct {
	mu       sync.Mutex
	concepts []Interaction
	history  map[string][]Interaction
	err      error
	paths    []string
}

func (f *fakeGraph) FindByConcepts(ctx context.Context, repo string, concepts []string, limit int) ([]Interaction, error) {
	return f.concepts, f.err
}

func (f *fakeGraph) FileHistory(ctx context.Context, repo, path string, limit int) ([]Interaction, error) {
	f.mu.Lock()
	f.paths = append(f.paths, path)
	f.mu.Unlock()
	return f.history[path], f.err
}

func (f *fakeGraph) ConceptApprovalRate(ctx context.Context, repo, concept string) (ApprovalRate, error) {
	return ApprovalRate{Concept: concept, Approved: 3, Rejected: 1}, f.err
}

func (f *fakeGraph) Citations(ctx context.Context, repo, path, category string, limit int) ([]Interaction, error) {
	return nil, f.err
}

func files(names ...string) []patch.ParsedFile {
	var out []patch.ParsedFile
	for _, n := range names {
		out = append(out, patch.ParsePatch(n, patch.StatusModified, "@@ -1 +1,2 @@\n a\n+added in "+n))
	}
	return out
}

func TestRetrieve_MergesAndSplits(t *testing.T) {
	vector := &fakeVector{results: []Interaction{
		{FilePath: "a.go", Comment: "check the error", Approved: boolPtr(true)},
		{FilePath: "a.go", Comment: "unresolved one"},
		{FilePath: "b.go", Comment: "nit: rename", Approved: boolPtr(false)},
	}}
	graph := &fakeGraph{
		concepts: []Interaction{
			{FilePath: "a.go", Comment: "check the error", Approved: boolPtr(true)},
		},
		history: map[string][]Interaction{
			"c.go": {{FilePath: "c.go", Comment: "close the body", Approved: boolPtr(true)}},
		},
	}
	r := NewRecall(vector, graph, nil, testLogger())

	got := r.Retrieve(context.Background(), files("a.go", "b.go", "c.go", "d.go"), "o/r")

	require.Len(t, got.Approved, 2)
	assert.Equal(t, "check the error", got.Approved[0].Comment)
	assert.Equal(t, "close the body", got.Approved[1].Comment)
	require.Len(t, got.Rejected, 1)
	assert.Equal(t, "nit: rename", got.Rejected[0].Comment)
	assert.ElementsMatch(t, []string{"a.go", "b.go", "c.go"}, graph.paths)
}

func TestRetrieve_ResolvedCopyWinsOverStaleCopy(t *testing.T) {
	vector := &fakeVector{results: []Interaction{
		{FilePath: "a.go", Comment: "check the error"},
		{FilePath: "b.go", Comment: "drop the debug print"},
	}}
	graph := &fakeGraph{concepts: []Interaction{
		{FilePath: "a.go", Comment: "check the error", Approved: boolPtr(true)},
		{FilePath: "b.go", Comment: "drop the debug print", Approved: boolPtr(false)},
	}}
	r := NewRecall(vector, graph, nil, testLogger())

	got := r.Retrieve(context.Background(), files("a.go", "b.go"), "o/r")

	require.Len(t, got.Approved, 1)
	assert.Equal(t, "check the error", got.Approved[0].Comment)
	require.Len(t, got.Rejected, 1)
	assert.Equal(t, "drop the debug print", got.Rejected[0].Comment)
}

func TestRetrieve_CapsEachSide(t *testing.T) {
	var results []Interaction
	for i := 0; i < 8; i++ {
		results = append(results,
			Interaction{FilePath: "a.go", Comment: fmt.Sprintf("good %d", i), Approved: boolPtr(true)},
			Interaction{FilePath: "a.go", Comment: fmt.Sprintf("bad %d", i), Approved: boolPtr(false)},
		)
	}
	r := NewRecall(&fakeVector{results: results}, nil, nil, testLogger())

	got := r.Retrieve(context.Background(), files("a.go"), "o/r")

	assert.Len(t, got.Approved, 5)
	assert.Len(t, got.Rejected, 5)
}

func TestRetrieve_DedupByPrefix(t *testing.T) {
	long := strings.Repeat("x", 100)
	r := NewRecall(&fakeVector{results: []Interaction{
		{FilePath: "a.go", Comment: long + " first", Approved: boolPtr(true)},
		{FilePath: "a.go", Comment: long + " second", Approved: boolPtr(true)},
		{FilePath: "b.go", Comment: long + " other file", Approved: boolPtr(true)},
	}}, nil, nil, testLogger())

	got := r.Retrieve(context.Background(), files("a.go"), "o/r")

	assert.Len(t, got.Approved, 2)
}

func TestRetrieve_BothStoresDown(t *testing.T) {
	down := errors.New("connection refused")
	r := NewRecall(&fakeVector{err: down}, &fakeGraph{err: down}, nil, testLogger())

	got := r.Retrieve(context.Background(), files("a.go", "b.go"), "o/r")

	assert.True(t, got.Empty())
	text, ok := Format(got)
	assert.False(t, ok)
	assert.Empty(t, text)
}

func TestRetrieve_NoStores(t *testing.T) {
	r := NewRecall(nil, nil, nil, testLogger())
	got := r.Retrieve(context.Background(), files("a.go"), "o/r")
	_, ok := Format(got)
	assert.False(t, ok)
}

func TestFormat(t *testing.T) {
	text, ok := Format(Context{
		Approved: []Interaction{{FilePath: "a.go", Line: 3, Category: "bugs", Comment: "nil map\nwrite"}},
		Rejected: []Interaction{{FilePath: "b.go", Comment: "style nit"}},
	})

	require.True(t, ok)
	assert.Contains(t, text, "accepted")
	assert.Contains(t, text, "- a.go:3 [bugs]: nil map write")
	assert.Contains(t, text, "rejected")
	assert.Contains(t, text, "- b.go: style nit")
}

func TestBuildQuery(t *testing.T) {
	q := BuildQuery(files("a.go", "b.go"))
	assert.Equal(t, "a.go\nadded in a.go\nb.go\nadded in b.go\n", q)

	var many []patch.ParsedFile
	for i := 0; i < 10; i++ {
		var b strings.Builder
		b.WriteString("@@ -0,0 +1,30 @@\n")
		for j := 0; j < 30; j++ {
			b.WriteString("+" + strings.Repeat("y", 50) + "\n")
		}
		many = append(many, patch.ParsePatch(fmt.Sprintf("f%d.go", i), patch.StatusAdded, b.String()))
	}
	q = BuildQuery(many)
	assert.LessOrEqual(t, len(q), 3000)
	assert.NotContains(t, q, "f5.go")
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{in: "short", n: 10, want: "short"},
		{in: "exact", n: 5, want: "exact"},
		{in: "abcdef", n: 3, want: "abc"},
		{in: "héllo", n: 2, want: "h"},
		{in: "日本語", n: 4, want: "日"},
		{in: "日本語", n: 6, want: "日本"},
		{in: "日", n: 0, want: ""},
	}
	for _, tt := range tests {
		got := Truncate(tt.in, tt.n)
		assert.Equal(t, tt.want, got, "Truncate(%q, %d)", tt.in, tt.n)
		assert.True(t, utf8.ValidString(got))
	}
}

func TestBuildQuery_MultibyteBoundary(t *testing.T) {
	var b strings.Builder
	b.WriteString("@@ -0,0 +1,20 @@\n")
	for j := 0; j < 20; j++ {
		b.WriteString("+x" + strings.Repeat("é", 100) + "\n")
	}
	var many []patch.ParsedFile
	for i := 0; i < 5; i++ {
		many = append(many, patch.ParsePatch(fmt.Sprintf("f%d.go", i), patch.StatusAdded, b.String()))
	}

	q := BuildQuery(many)
	assert.LessOrEqual(t, len(q), 3000)
	assert.True(t, utf8.ValidString(q))
}

func TestToolsUnavailable(t *testing.T) {
	r := NewRecall(nil, nil, nil, testLogger())

	_, err := r.SearchSimilar(context.Background(), "o/r", "q", 5)
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = r.FileHistory(context.Background(), "o/r", "a.go", 5)
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = r.ConceptApprovalRate(context.Background(), "o/r", "security")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestApprovalRate(t *testing.T) {
	assert.Equal(t, 0.75, ApprovalRate{Approved: 3, Rejected: 1}.Rate())
	assert.Equal(t, 0.0, ApprovalRate{Unresolved: 4}.Rate())
}

type fakeSink struct {
	name     string
	storeErr error
	applied  bool
	stored   []Interaction
}

func (f *fakeSink) Name() string { return f.name }

func (f *fakeSink) Store(ctx context.Context, in Interaction) error {
	if f.storeErr != nil {
		return f.storeErr
	}
	f.stored = append(f.stored, in)
	return nil
}

func (f *fakeSink) UpdateApproval(ctx context.Context, id string, approved bool) (bool, error) {
	if f.storeErr != nil {
		return false, f.storeErr
	}
	return f.applied, nil
}

func TestSinks_Store(t *testing.T) {
	good := &fakeSink{name: "good"}
	bad := &fakeSink{name: "bad", storeErr: errors.New("down")}
	sinks := NewSinks(testLogger(), bad, nil, good)

	err := sinks.Store(context.Background(), Interaction{ID: "1"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: down")
	assert.Len(t, good.stored, 1)
	assert.Len(t, sinks.All(), 2)
}

func TestSinks_UpdateApproval(t *testing.T) {
	tests := []struct {
		name  string
		sinks []Sink
		want  bool
	}{
		{"one applied", []Sink{&fakeSink{name: "a", applied: true}, &fakeSink{name: "b"}}, true},
		{"already resolved everywhere", []Sink{&fakeSink{name: "a"}, &fakeSink{name: "b"}}, false},
		{"failure is not applied", []Sink{&fakeSink{name: "a", storeErr: errors.New("x")}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSinks(testLogger(), tt.sinks...)
			assert.Equal(t, tt.want, s.UpdateApproval(context.Background(), "id", true))
		})
	}
}
