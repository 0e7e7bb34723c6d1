// Package github provides GitHub API client and webhook handling for the reviewer.
package github

import "time"

// PullRequest represents a GitHub pull request.
type PullRequest struct {
	ID      int64  `json:"id"`
	Number  int    `json:"number"`
	State   string `json:"state"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	Head    *Ref   `json:"head"`
	Base    *Ref   `json:"base"`
	User    *User  `json:"user"`
	HTMLURL string `json:"html_url"`
}

// Ref represents a git reference (branch/commit).
type Ref struct {
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}

// Repository represents a GitHub repository.
type Repository struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	Owner         *User  `json:"owner"`
	Private       bool   `json:"private"`
	DefaultBranch string `json:"default_branch"`
}

// User represents a GitHub user or organization.
type User struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Type  string `json:"type"`
}

// IsBot reports whether the account is an app or bot account.
func (u *User) IsBot() bool {
	return u != nil && u.Type == "Bot"
}

// Installation represents a GitHub App installation.
type Installation struct {
	ID      int64 `json:"id"`
	Account *User `json:"account,omitempty"`
}

// PullRequestFile represents a file changed in a pull request.
type PullRequestFile struct {
	SHA              string `json:"sha"`
	Filename         string `json:"filename"`
	Status           string `json:"status"` // added, removed, modified, renamed, copied, changed, unchanged
	Additions        int    `json:"additions"`
	Deletions        int    `json:"deletions"`
	Changes          int    `json:"changes"`
	Patch            string `json:"patch,omitempty"`
	PreviousFilename string `json:"previous_filename,omitempty"`
}

// ReviewComment represents a comment on a specific line in a pull request review.
type ReviewComment struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Side string `json:"side,omitempty"` // LEFT or RIGHT, defaults to RIGHT
	Body string `json:"body"`
}

// ReviewRequest represents a request to create a pull request review.
type ReviewRequest struct {
	CommitID string          `json:"commit_id,omitempty"`
	Body     string          `json:"body"`
	Event    string          `json:"event"` // APPROVE, REQUEST_CHANGES, COMMENT
	Comments []ReviewComment `json:"comments,omitempty"`
}

// Review represents a pull request review.
type Review struct {
	ID          int64     `json:"id"`
	NodeID      string    `json:"node_id"`
	User        *User     `json:"user"`
	Body        string    `json:"body"`
	State       string    `json:"state"`
	HTMLURL     string    `json:"html_url"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// FileContent represents the content of a file from the GitHub API.
type FileContent struct {
	Type     string `json:"type"`
	Encoding string `json:"encoding"`
	Size     int    `json:"size"`
	Path     string `json:"path"`
	Content  string `json:"content"`
	SHA      string `json:"sha"`
}

// PullRequestComment represents a comment on a pull request review.
type PullRequestComment struct {
	ID                  int64  `json:"id"`
	NodeID              string `json:"node_id"`
	PullRequestReviewID int64  `json:"pull_request_review_id"`
	DiffHunk            string `json:"diff_hunk"`
	Path                string `json:"path"`
	CommitID            string `json:"commit_id"`
	InReplyToID         int64  `json:"in_reply_to_id,omitempty"`
	User                *User  `json:"user"`
	Body                string `json:"body"`
	CreatedAt           string `json:"created_at"`
	HTMLURL             string `json:"html_url"`
	Line                int    `json:"line,omitempty"`
	OriginalLine        int    `json:"original_line,omitempty"`
	Side                string `json:"side,omitempty"`
}

// ReviewThread is a thread of review comments as carried by
// pull_request_review_thread events.
type ReviewThread struct {
	NodeID   string               `json:"node_id"`
	Comments []PullRequestComment `json:"comments"`
}
