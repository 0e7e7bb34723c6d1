package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *atomic.Int32) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	var transports atomic.Int32
	c := NewClient(1, nil,
		WithBaseURL(srv.URL),
		WithTransport(func(int64) (http.RoundTripper, error) {
			transports.Add(1)
			return http.DefaultTransport, nil
		}),
	)
	return c, &transports
}

func TestClient_FetchPullRequestFiles_Paginates(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/pulls/7/files", func(w http.ResponseWriter, r *http.Request) {
		var files []PullRequestFile
		switch r.URL.Query().Get("page") {
		case "1":
			for i := 0; i < filesPerPage; i++ {
				files = append(files, PullRequestFile{Filename: fmt.Sprintf("f%d.go", i)})
			}
		case "2":
			files = []PullRequestFile{{Filename: "last.go"}}
		}
		_ = json.NewEncoder(w).Encode(files)
	})

	c, transports := newTestClient(t, mux)
	files, err := c.FetchPullRequestFiles(t.Context(), 42, "acme", "widgets", 7)
	require.NoError(t, err)
	assert.Len(t, files, filesPerPage+1)
	assert.Equal(t, "last.go", files[len(files)-1].Filename)
	assert.Equal(t, int32(1), transports.Load(), "installation client should be cached")
}

func TestClient_FetchPullRequestFiles_NotFound(t *testing.T) {
	c, _ := newTestClient(t, http.NotFoundHandler())
	_, err := c.FetchPullRequestFiles(t.Context(), 42, "acme", "widgets", 7)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
}

func TestClient_FetchFileContent(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/contents/CLAUDE.md", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "main", r.URL.Query().Get("ref"))
		_ = json.NewEncoder(w).Encode(FileContent{
			Encoding: "base64",
			Content:  base64.StdEncoding.EncodeToString([]byte("be kind")),
		})
	})

	c, _ := newTestClient(t, mux)

	got, err := c.FetchFileContent(t.Context(), 42, "acme", "widgets", "CLAUDE.md", "main")
	require.NoError(t, err)
	assert.Equal(t, "be kind", got)

	missing, err := c.FetchFileContent(t.Context(), 42, "acme", "widgets", "nope.md", "main")
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestClient_CreateReview(t *testing.T) {
	var got ReviewRequest
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/pulls/7/reviews", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(Review{ID: 99, State: "COMMENTED"})
	})

	c, _ := newTestClient(t, mux)
	review, err := c.CreateReview(t.Context(), 42, "acme", "widgets", 7, &ReviewRequest{
		CommitID: "abc",
		Body:     "summary",
		Event:    "COMMENT",
		Comments: []ReviewComment{{Path: "a.go", Line: 3, Side: "RIGHT", Body: "nil check"}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(99), review.ID)
	assert.Equal(t, "summary", got.Body)
	require.Len(t, got.Comments, 1)
	assert.Equal(t, 3, got.Comments[0].Line)
}

func TestClient_ServerError(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))

	_, err := c.GetPullRequest(t.Context(), 42, "acme", "widgets", 7)
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
	assert.Contains(t, statusErr.Body, "boom")
}

func TestClient_TransportError(t *testing.T) {
	c := NewClient(1, nil, WithTransport(func(int64) (http.RoundTripper, error) {
		return nil, errors.New("bad key")
	}))
	_, err := c.GetReviewComments(t.Context(), 42, "acme", "widgets", 7)
	assert.ErrorContains(t, err, "bad key")
}

func TestClient_RateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(PullRequest{Number: 7})
	}))
	t.Cleanup(srv.Close)

	c := NewClient(1, nil,
		WithBaseURL(srv.URL),
		WithTransport(func(int64) (http.RoundTripper, error) { return http.DefaultTransport, nil }),
		WithRateLimit(0.001, 1),
	)

	_, err := c.GetPullRequest(t.Context(), 42, "acme", "widgets", 7)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	_, err = c.GetPullRequest(ctx, 42, "acme", "widgets", 7)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}
