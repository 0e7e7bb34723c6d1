package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shipitai/recall/config"
	"github.com/shipitai/recall/github"
	"github.com/shipitai/recall/llm"
	"github.com/shipitai/recall/review"
	"github.com/shipitai/recall/storage/sqlite"
)

const webhookSecret = "whsec"

// submitOnly answers every request with an empty submitted review.
type submitOnly struct{}

func (submitOnly) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return &llm.Response{ToolCalls: []llm.ToolCall{{
		ID:    "s1",
		Name:  review.ToolSubmitReview,
		Input: json.RawMessage(`{"summary":"Looks fine.","findings":[]}`),
	}}}, nil
}

// fakeAPI is a minimal GitHub REST API.
type fakeAPI struct {
	mu      sync.Mutex
	reviews []github.ReviewRequest
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/pulls/9/files"):
		_ = json.NewEncoder(w).Encode([]github.PullRequestFile{{
			Filename: "svc/run.go",
			Status:   "modified",
			Patch:    "@@ -1,1 +1,2 @@\n package svc\n+func Run() {}\n",
		}})
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/pulls/9/reviews"):
		var req github.ReviewRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.reviews = append(f.reviews, req)
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(github.Review{ID: 1})
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeAPI) posted() []github.ReviewRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]github.ReviewRequest(nil), f.reviews...)
}

func newTestApp(t *testing.T, api http.Handler) *App {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	dsn := fmt.Sprintf("file:app_%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)", url.PathEscape(t.Name()))
	store, err := sqlite.OpenDSN(dsn)
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { store.Close() })

	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	gh := github.NewClient(1, nil,
		github.WithBaseURL(srv.URL),
		github.WithTransport(func(int64) (http.RoundTripper, error) { return http.DefaultTransport, nil }),
	)

	a, err := New(context.Background(), Options{
		Config: &config.ServerConfig{
			WebhookSecret: webhookSecret,
			AdminToken:    "admintoken",
			BotName:       "recall",
		},
		Storage: store,
		LLM:     submitOnly{},
		GitHub:  gh,
		Logger:  logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func TestApp_Endpoints(t *testing.T) {
	a := newTestApp(t, &fakeAPI{})

	tests := []struct {
		name   string
		method string
		path   string
		auth   string
		want   int
	}{
		{name: "health", method: http.MethodGet, path: "/health", want: http.StatusOK},
		{name: "metrics", method: http.MethodGet, path: "/metrics", want: http.StatusOK},
		{name: "root", method: http.MethodGet, path: "/", want: http.StatusOK},
		{name: "unknown", method: http.MethodGet, path: "/nope", want: http.StatusNotFound},
		{name: "admin without token", method: http.MethodGet, path: "/admin/pending", want: http.StatusUnauthorized},
		{name: "admin with token", method: http.MethodGet, path: "/admin/pending", auth: "Bearer admintoken", want: http.StatusOK},
		{name: "webhook wrong method", method: http.MethodGet, path: "/webhooks/github", want: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rec := httptest.NewRecorder()
			a.Handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestApp_WebhookToPostedReview(t *testing.T) {
	api := &fakeAPI{}
	a := newTestApp(t, api)

	payload, err := json.Marshal(&github.PullRequestEvent{
		Action:       "opened",
		Number:       9,
		PullRequest:  &github.PullRequest{Number: 9, Title: "Add Run", Head: &github.Ref{SHA: "abc"}},
		Repository:   &github.Repository{Name: "widgets", FullName: "acme/widgets", Owner: &github.User{Login: "acme"}, DefaultBranch: "main"},
		Installation: &github.Installation{ID: 5},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(payload))
	req.Header.Set("X-GitHub-Event", "pull_request")
	req.Header.Set("X-GitHub-Delivery", "delivery-1")
	req.Header.Set("X-Hub-Signature-256", github.NewWebhookHandler(webhookSecret).Sign(payload))
	rec := httptest.NewRecorder()
	a.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Queue.Close(ctx))

	posted := api.posted()
	require.Len(t, posted, 1)
	assert.Equal(t, "abc", posted[0].CommitID)
	assert.Equal(t, review.EventComment, posted[0].Event)
	assert.Contains(t, posted[0].Body, "Looks fine.")
}

func TestApp_GateHoldsReview(t *testing.T) {
	api := &fakeAPI{}
	a := newTestApp(t, api)
	ctx := context.Background()
	require.NoError(t, a.Gate.SetEnabled(ctx, true))

	require.NoError(t, a.Reviewer.RunReview(ctx, review.PRContext{
		InstallationID: 5, Owner: "acme", Repo: "widgets", PRNumber: 9, HeadSHA: "abc", DefaultBranch: "main",
	}, false))
	assert.Empty(t, api.posted())

	req := httptest.NewRequest(http.MethodGet, "/admin/pending?status=pending", nil)
	req.Header.Set("Authorization", "Bearer admintoken")
	rec := httptest.NewRecorder()
	a.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var pending []struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pending))
	require.Len(t, pending, 1)

	req = httptest.NewRequest(http.MethodPost, "/admin/pending/"+pending[0].ID+"/approve", nil)
	req.Header.Set("Authorization", "Bearer admintoken")
	rec = httptest.NewRecorder()
	a.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, api.posted(), 1)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/admin/pending/"+pending[0].ID+"/approve", nil)
	req.Header.Set("Authorization", "Bearer admintoken")
	a.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Len(t, api.posted(), 1)
}
