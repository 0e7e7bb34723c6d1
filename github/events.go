package github

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Event is a parsed webhook delivery. The concrete type is one of
// *PullRequestEvent, *ReviewCommentEvent, *ReviewEvent, *ReviewThreadEvent,
// *IssueCommentEvent or *PingEvent.
type Event interface {
	// Type is the X-GitHub-Event header value the event was parsed from.
	Type() string
}

// PullRequestEvent is a pull_request delivery.
type PullRequestEvent struct {
	Action       string        `json:"action"`
	Number       int           `json:"number"`
	PullRequest  *PullRequest  `json:"pull_request"`
	Repository   *Repository   `json:"repository"`
	Installation *Installation `json:"installation"`
	Sender       *User         `json:"sender"`
}

func (*PullRequestEvent) Type() string { return "pull_request" }

// Reviewable reports whether the action should start a review.
func (e *PullRequestEvent) Reviewable() bool {
	switch e.Action {
	case "opened", "synchronize", "reopened":
		return true
	default:
		return false
	}
}

// IsResync reports whether the event is a push to an already reviewed PR.
func (e *PullRequestEvent) IsResync() bool {
	return e.Action == "synchronize"
}

// ReviewCommentEvent is a pull_request_review_comment delivery.
type ReviewCommentEvent struct {
	Action       string              `json:"action"` // created, edited, deleted
	Comment      *PullRequestComment `json:"comment"`
	PullRequest  *PullRequest        `json:"pull_request"`
	Repository   *Repository         `json:"repository"`
	Installation *Installation       `json:"installation"`
	Sender       *User               `json:"sender"`
}

func (*ReviewCommentEvent) Type() string { return "pull_request_review_comment" }

// ReviewEvent is a pull_request_review delivery.
type ReviewEvent struct {
	Action       string        `json:"action"` // submitted, edited, dismissed
	Review       *Review       `json:"review"`
	PullRequest  *PullRequest  `json:"pull_request"`
	Repository   *Repository   `json:"repository"`
	Installation *Installation `json:"installation"`
	Sender       *User         `json:"sender"`
}

func (*ReviewEvent) Type() string { return "pull_request_review" }

// ReviewThreadEvent is a pull_request_review_thread delivery.
type ReviewThreadEvent struct {
	Action       string        `json:"action"` // resolved, unresolved
	Thread       *ReviewThread `json:"thread"`
	PullRequest  *PullRequest  `json:"pull_request"`
	Repository   *Repository   `json:"repository"`
	Installation *Installation `json:"installation"`
	Sender       *User         `json:"sender"`
}

func (*ReviewThreadEvent) Type() string { return "pull_request_review_thread" }

// IssueCommentEvent is an issue_comment delivery. Comments on pull requests
// arrive as issue comments with Issue.PullRequest set.
type IssueCommentEvent struct {
	Action       string        `json:"action"`
	Issue        *Issue        `json:"issue"`
	Comment      *IssueComment `json:"comment"`
	Repository   *Repository   `json:"repository"`
	Installation *Installation `json:"installation"`
	Sender       *User         `json:"sender"`
}

func (*IssueCommentEvent) Type() string { return "issue_comment" }

// OnPullRequest reports whether the comment was made on a pull request.
func (e *IssueCommentEvent) OnPullRequest() bool {
	return e.Issue != nil && e.Issue.PullRequest != nil
}

// Issue represents a GitHub issue (PRs are also issues).
type Issue struct {
	Number      int       `json:"number"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	User        *User     `json:"user"`
	PullRequest *struct{} `json:"pull_request,omitempty"`
}

// IssueComment represents a comment on an issue or PR.
type IssueComment struct {
	ID   int64  `json:"id"`
	User *User  `json:"user"`
	Body string `json:"body"`
}

// PingEvent is sent when a webhook is configured.
type PingEvent struct {
	Zen    string `json:"zen"`
	HookID int64  `json:"hook_id"`
}

func (*PingEvent) Type() string { return "ping" }

// ParseEvent decodes payload according to eventType and checks the fields
// the handlers rely on. Unknown event types return ErrUnsupportedEvent.
func ParseEvent(eventType string, payload []byte) (Event, error) {
	var (
		event Event
		err   error
	)
	switch eventType {
	case "ping":
		e := &PingEvent{}
		err = decode(payload, e)
		event = e
	case "pull_request":
		e := &PullRequestEvent{}
		if err = decode(payload, e); err == nil {
			err = requirePR(e.PullRequest, e.Repository, e.Installation)
		}
		event = e
	case "pull_request_review_comment":
		e := &ReviewCommentEvent{}
		if err = decode(payload, e); err == nil {
			if e.Comment == nil {
				err = errors.New("payload is missing comment")
			} else {
				err = requirePR(e.PullRequest, e.Repository, e.Installation)
			}
		}
		event = e
	case "pull_request_review":
		e := &ReviewEvent{}
		if err = decode(payload, e); err == nil {
			if e.Review == nil {
				err = errors.New("payload is missing review")
			} else {
				err = requirePR(e.PullRequest, e.Repository, e.Installation)
			}
		}
		event = e
	case "pull_request_review_thread":
		e := &ReviewThreadEvent{}
		if err = decode(payload, e); err == nil {
			if e.Thread == nil {
				err = errors.New("payload is missing thread")
			} else {
				err = requirePR(e.PullRequest, e.Repository, e.Installation)
			}
		}
		event = e
	case "issue_comment":
		e := &IssueCommentEvent{}
		if err = decode(payload, e); err == nil {
			switch {
			case e.Comment == nil || e.Issue == nil:
				err = errors.New("payload is missing comment or issue")
			case e.Repository == nil || e.Repository.Owner == nil || e.Installation == nil:
				err = errors.New("payload is missing repository or installation")
			}
		}
		event = e
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEvent, eventType)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s event: %w", eventType, err)
	}
	return event, nil
}

func decode(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

func requirePR(pr *PullRequest, repo *Repository, inst *Installation) error {
	switch {
	case pr == nil:
		return errors.New("payload is missing pull_request")
	case repo == nil || repo.Owner == nil:
		return errors.New("payload is missing repository")
	case inst == nil:
		return errors.New("payload is missing installation")
	}
	return nil
}

// RequestsReview reports whether text is an "@bot review" command.
func RequestsReview(text, botName string) bool {
	if !ContainsMention(text, botName) {
		return false
	}
	lower := strings.ToLower(text)
	idx := strings.Index(lower, "@"+strings.ToLower(botName))
	return strings.Contains(lower[idx:], "review")
}
