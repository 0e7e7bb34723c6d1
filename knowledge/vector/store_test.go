package vector

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shipitai/recall/knowledge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate/entities/models"
)

func TestSchema(t *testing.T) {
	class := Schema()

	assert.Equal(t, ClassName, class.Class)
	assert.Equal(t, "none", class.Vectorizer)

	names := make(map[string]string)
	for _, p := range class.Properties {
		names[p.Name] = p.DataType[0]
	}
	assert.Equal(t, "text", names["approval_state"])
	assert.Equal(t, "int", names["pr_number"])
	assert.Equal(t, "text[]", names["concepts"])
}

func TestProperties(t *testing.T) {
	approved := true
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	in := knowledge.Interaction{
		ID:        "id-1",
		Repo:      "o/r",
		PRNumber:  7,
		FilePath:  "a.go",
		Line:      12,
		Comment:   "check err",
		Approved:  &approved,
		Origin:    knowledge.OriginLLM,
		CreatedAt: created,
	}

	props := Properties(in)

	assert.Equal(t, "approved", props["approval_state"])
	assert.Equal(t, "llm", props["origin"])
	assert.Equal(t, "2025-03-01T12:00:00Z", props["created_at"])
	assert.Equal(t, []string{}, props["concepts"])

	in.Approved = nil
	assert.Equal(t, "unresolved", Properties(in)["approval_state"])
}

func TestParseSearchResult(t *testing.T) {
	data := map[string]models.JSONObject{
		"Get": map[string]interface{}{
			"ReviewInteraction": []interface{}{
				map[string]interface{}{
					"interaction_id": "id-1",
					"repo":           "o/r",
					"pr_number":      float64(3),
					"file_path":      "a.go",
					"line":           float64(9),
					"comment":        "close the body",
					"approval_state": "rejected",
					"concepts":       []interface{}{"file:a.go"},
					"created_at":     "2025-03-01T12:00:00Z",
				},
				map[string]interface{}{
					"interaction_id": "id-2",
					"file_path":      "b.go",
					"approval_state": "unresolved",
				},
			},
		},
	}

	got, err := ParseSearchResult(data)

	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "id-1", got[0].ID)
	assert.Equal(t, 3, got[0].PRNumber)
	assert.Equal(t, 9, got[0].Line)
	require.NotNil(t, got[0].Approved)
	assert.False(t, *got[0].Approved)
	assert.Equal(t, []string{"file:a.go"}, got[0].Concepts)
	assert.Equal(t, 2025, got[0].CreatedAt.Year())
	assert.Nil(t, got[1].Approved)
}

func TestParseSearchResult_Empty(t *testing.T) {
	got, err := ParseSearchResult(map[string]models.JSONObject{"Get": map[string]interface{}{}})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestEmbeddingText(t *testing.T) {
	got := EmbeddingText(knowledge.Interaction{FilePath: "a.go", Category: "bugs", Comment: "off by one", DiffContext: "+for i := 0; i <= n; i++"})
	assert.Equal(t, "a.go\nbugs\noff by one\n+for i := 0; i <= n; i++", got)
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, isAlreadyExists(errors.New("status code: 422, error: id 'x' already exists")))
	assert.False(t, isAlreadyExists(errors.New("connection refused")))
	assert.True(t, isNotFound(errors.New("status code: 404")))
}

type failEmbedder struct{ t *testing.T }

func (e failEmbedder) Embed(context.Context, string) ([]float32, error) {
	e.t.Error("embedder must not be called")
	return nil, errors.New("unexpected")
}

func TestStore_RejectsNonUUIDIDs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/v1/objects") || strings.HasPrefix(r.URL.Path, "/v1/graphql") {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s, err := New(srv.URL, failEmbedder{t}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	updated, err := s.UpdateApproval(context.Background(), "not-a-uuid", true)
	require.NoError(t, err)
	assert.False(t, updated)

	err = s.Store(context.Background(), knowledge.Interaction{ID: "not-a-uuid"})
	assert.ErrorContains(t, err, "not a UUID")
}
