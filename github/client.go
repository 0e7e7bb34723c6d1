package github

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/shipitai/recall/cache"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL = "https://api.github.com"

	// Installation tokens live for an hour; cached clients are dropped before that.
	installationClientTTL = 50 * time.Minute
	maxCachedClients      = 256

	// Stays well under GitHub's secondary rate limits for one app.
	defaultRequestsPerSecond = 10
	defaultRequestBurst      = 20

	filesPerPage = 100
	maxFilePages = 30
)

// TransportFunc returns an authenticated transport for an installation.
type TransportFunc func(installationID int64) (http.RoundTripper, error)

// Client provides methods to interact with the GitHub API.
type Client struct {
	baseURL   string
	transport TransportFunc
	clients   cache.Expiring[int64, *http.Client]
	limiter   *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at another API root (GitHub Enterprise, tests).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithTransport replaces the GitHub App installation transport.
func WithTransport(fn TransportFunc) Option {
	return func(c *Client) { c.transport = fn }
}

// WithClientCache replaces the installation client cache.
func WithClientCache(clients cache.Expiring[int64, *http.Client]) Option {
	return func(c *Client) { c.clients = clients }
}

// WithRateLimit caps outgoing API requests across all installations.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// NewClient creates a new GitHub API client.
// The privateKey should be the PEM-encoded private key of the GitHub App.
func NewClient(appID int64, privateKey []byte, opts ...Option) *Client {
	c := &Client{
		baseURL: defaultBaseURL,
		transport: func(installationID int64) (http.RoundTripper, error) {
			return ghinstallation.New(http.DefaultTransport, appID, installationID, privateKey)
		},
		clients: cache.NewLRU[int64, *http.Client](maxCachedClients, installationClientTTL),
		limiter: rate.NewLimiter(defaultRequestsPerSecond, defaultRequestBurst),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// installationClient returns an HTTP client authenticated for the given installation.
func (c *Client) installationClient(installationID int64) (*http.Client, error) {
	if client, ok := c.clients.Get(installationID); ok {
		return client, nil
	}
	transport, err := c.transport(installationID)
	if err != nil {
		return nil, fmt.Errorf("failed to create installation transport: %w", err)
	}
	client := &http.Client{Transport: transport, Timeout: 30 * time.Second}
	c.clients.Add(installationID, client)
	return client, nil
}

// StatusError is a non-2xx API response.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("failed to %s: status %d, body: %s", e.Op, e.StatusCode, e.Body)
}

// do sends a request and decodes a JSON response into out when out is non-nil.
// It returns the response status so callers can treat 404 specially.
func (c *Client) do(ctx context.Context, installationID int64, op, method, path string, in, out any) (int, error) {
	client, err := c.installationClient(installationID)
	if err != nil {
		return 0, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("failed to %s: %w", op, err)
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return resp.StatusCode, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, &StatusError{Op: op, StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode %s response: %w", op, err)
		}
	}
	return resp.StatusCode, nil
}

// FetchPullRequestFiles fetches every file changed in a pull request, following pagination.
func (c *Client) FetchPullRequestFiles(ctx context.Context, installationID int64, owner, repo string, prNumber int) ([]PullRequestFile, error) {
	var all []PullRequestFile
	for page := 1; page <= maxFilePages; page++ {
		var files []PullRequestFile
		path := fmt.Sprintf("/repos/%s/%s/pulls/%d/files?per_page=%d&page=%d", owner, repo, prNumber, filesPerPage, page)
		status, err := c.do(ctx, installationID, "fetch files", http.MethodGet, path, nil, &files)
		if err != nil {
			return nil, err
		}
		if status == http.StatusNotFound {
			return nil, &StatusError{Op: "fetch files", StatusCode: status}
		}
		all = append(all, files...)
		if len(files) < filesPerPage {
			break
		}
	}
	return all, nil
}

// FetchFileContent fetches the content of a file from a repository.
// It returns "" when the file does not exist.
func (c *Client) FetchFileContent(ctx context.Context, installationID int64, owner, repo, path, ref string) (string, error) {
	var content FileContent
	apiPath := fmt.Sprintf("/repos/%s/%s/contents/%s?ref=%s", owner, repo, path, url.QueryEscape(ref))
	status, err := c.do(ctx, installationID, "fetch file", http.MethodGet, apiPath, nil, &content)
	if err != nil {
		return "", err
	}
	if status == http.StatusNotFound {
		return "", nil
	}

	if content.Encoding != "base64" {
		return "", fmt.Errorf("unsupported encoding: %s", content.Encoding)
	}

	decoded, err := base64.StdEncoding.DecodeString(content.Content)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64 content: %w", err)
	}

	return string(decoded), nil
}

// CreateReview posts a review on a pull request.
func (c *Client) CreateReview(ctx context.Context, installationID int64, owner, repo string, prNumber int, review *ReviewRequest) (*Review, error) {
	var created Review
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/reviews", owner, repo, prNumber)
	status, err := c.do(ctx, installationID, "create review", http.MethodPost, path, review, &created)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, &StatusError{Op: "create review", StatusCode: status}
	}
	return &created, nil
}

// GetPullRequest fetches a pull request by number.
func (c *Client) GetPullRequest(ctx context.Context, installationID int64, owner, repo string, prNumber int) (*PullRequest, error) {
	var pr PullRequest
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d", owner, repo, prNumber)
	status, err := c.do(ctx, installationID, "fetch pull request", http.MethodGet, path, nil, &pr)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, &StatusError{Op: "fetch pull request", StatusCode: status}
	}
	return &pr, nil
}

// GetReviewComments fetches review comments for a pull request.
func (c *Client) GetReviewComments(ctx context.Context, installationID int64, owner, repo string, prNumber int) ([]PullRequestComment, error) {
	var comments []PullRequestComment
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/comments?per_page=100", owner, repo, prNumber)
	status, err := c.do(ctx, installationID, "fetch comments", http.MethodGet, path, nil, &comments)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	return comments, nil
}
