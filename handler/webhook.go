// Package handler exposes the reviewer over HTTP: the GitHub webhook
// endpoint and the admin API for the review gate.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shipitai/recall/feedback"
	"github.com/shipitai/recall/github"
	"github.com/shipitai/recall/review"
	"github.com/shipitai/recall/storage"
	"github.com/shipitai/recall/tasks"
)

// maxPayloadBytes bounds a webhook body. GitHub caps deliveries at 25 MB.
const maxPayloadBytes = 25 << 20

// Reviewer runs and publishes reviews.
type Reviewer interface {
	RunReview(ctx context.Context, pr review.PRContext, isResync bool) error
	PublishApproved(ctx context.Context, id string) error
	Reject(ctx context.Context, id string) error
	StoreHumanComment(c review.HumanComment)
}

// PullRequests reads pull request state the events do not carry.
type PullRequests interface {
	GetPullRequest(ctx context.Context, installationID int64, owner, repo string, prNumber int) (*github.PullRequest, error)
	GetReviewComments(ctx context.Context, installationID int64, owner, repo string, prNumber int) ([]github.PullRequestComment, error)
}

// FeedbackRecorder applies human reactions to posted comments.
type FeedbackRecorder interface {
	RecordAll(ctx context.Context, s feedback.Signal, ids []string) error
}

// Installations records app installations as they are first seen.
type Installations interface {
	GetInstallation(ctx context.Context, installationID int64) (*storage.Installation, error)
	SaveInstallation(ctx context.Context, install *storage.Installation) error
}

// Queue runs work after the webhook has been acknowledged.
type Queue interface {
	Submit(name string, fn tasks.Func) error
}

// WebhookConfig holds the Webhook's collaborators. Installations and
// Deduper are optional.
type WebhookConfig struct {
	Verifier      *github.WebhookHandler
	Deduper       *github.Deduper
	Reviewer      Reviewer
	PullRequests  PullRequests
	Feedback      FeedbackRecorder
	Installations Installations
	Queue         Queue
	BotName       string
	Logger        *slog.Logger
}

// Webhook is the GitHub webhook endpoint.
type Webhook struct {
	cfg    WebhookConfig
	logger *slog.Logger
}

// NewWebhook creates the webhook handler.
func NewWebhook(cfg WebhookConfig) *Webhook {
	return &Webhook{cfg: cfg, logger: cfg.Logger}
}

func (h *Webhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		h.logger.Error("failed to read body", "error", err)
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	eventType := r.Header.Get("X-GitHub-Event")
	if eventType == "" {
		http.Error(w, "missing X-GitHub-Event header", http.StatusBadRequest)
		return
	}
	delivery := r.Header.Get("X-GitHub-Delivery")

	if err := h.cfg.Verifier.VerifySignature(payload, r.Header.Get("X-Hub-Signature-256")); err != nil {
		h.logger.Error("signature verification failed", "error", err, "delivery", delivery)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	if h.cfg.Deduper != nil && h.cfg.Deduper.Seen(delivery) {
		h.logger.Info("ignoring redelivery", "delivery", delivery)
		jsonResponse(w, http.StatusOK, map[string]string{"message": "duplicate delivery"})
		return
	}

	event, err := github.ParseEvent(eventType, payload)
	if errors.Is(err, github.ErrUnsupportedEvent) {
		h.logger.Info("ignoring event", "type", eventType)
		jsonResponse(w, http.StatusOK, map[string]string{"message": "event ignored"})
		return
	}
	if err != nil {
		h.forget(delivery)
		h.logger.Error("failed to parse event", "type", eventType, "error", err)
		http.Error(w, "failed to parse event", http.StatusBadRequest)
		return
	}

	message, err := h.dispatch(event)
	if err != nil {
		h.forget(delivery)
		h.logger.Error("failed to queue event", "type", eventType, "error", err)
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{"message": message})
}

// forget lets GitHub's redelivery of a delivery we failed to accept through.
func (h *Webhook) forget(delivery string) {
	if h.cfg.Deduper != nil {
		h.cfg.Deduper.Forget(delivery)
	}
}

// dispatch queues the work for event and returns the acknowledgement message.
func (h *Webhook) dispatch(event github.Event) (string, error) {
	switch e := event.(type) {
	case *github.PingEvent:
		return "pong", nil
	case *github.PullRequestEvent:
		return h.onPullRequest(e)
	case *github.IssueCommentEvent:
		return h.onIssueComment(e)
	case *github.ReviewThreadEvent:
		return h.onReviewThread(e)
	case *github.ReviewCommentEvent:
		return h.onReviewComment(e)
	case *github.ReviewEvent:
		return h.onReview(e)
	}
	return "event ignored", nil
}

func (h *Webhook) onPullRequest(e *github.PullRequestEvent) (string, error) {
	if !e.Reviewable() {
		h.logger.Info("skipping event", "action", e.Action)
		return "event skipped", nil
	}

	pr := review.PRContext{
		InstallationID: e.Installation.ID,
		Owner:          e.Repository.Owner.Login,
		Repo:           e.Repository.Name,
		PRNumber:       e.Number,
		Title:          e.PullRequest.Title,
		Body:           e.PullRequest.Body,
		DefaultBranch:  e.Repository.DefaultBranch,
	}
	if pr.PRNumber == 0 {
		pr.PRNumber = e.PullRequest.Number
	}
	if e.PullRequest.Head != nil {
		pr.HeadSHA = e.PullRequest.Head.SHA
	}
	h.logger.Info("processing PR", "repo", e.Repository.FullName, "pr", pr.PRNumber, "action", e.Action)

	resync := e.IsResync()
	return "review started", h.cfg.Queue.Submit("review", func(ctx context.Context) error {
		h.recordInstallation(ctx, e.Installation.ID, pr.Owner)
		return h.cfg.Reviewer.RunReview(ctx, pr, resync)
	})
}

func (h *Webhook) onIssueComment(e *github.IssueCommentEvent) (string, error) {
	if e.Action != "created" || !e.OnPullRequest() || h.isBot(e.Comment.User) ||
		!github.RequestsReview(e.Comment.Body, h.cfg.BotName) {
		return "comment ignored", nil
	}

	installationID := e.Installation.ID
	owner, repo, number := e.Repository.Owner.Login, e.Repository.Name, e.Issue.Number
	defaultBranch := e.Repository.DefaultBranch
	h.logger.Info("review requested", "repo", e.Repository.FullName, "pr", number, "user", login(e.Sender))

	return "review started", h.cfg.Queue.Submit("requested_review", func(ctx context.Context) error {
		pull, err := h.cfg.PullRequests.GetPullRequest(ctx, installationID, owner, repo, number)
		if err != nil {
			return err
		}
		pr := review.PRContext{
			InstallationID: installationID,
			Owner:          owner,
			Repo:           repo,
			PRNumber:       number,
			Title:          pull.Title,
			Body:           pull.Body,
			DefaultBranch:  defaultBranch,
			Requested:      true,
		}
		if pull.Head != nil {
			pr.HeadSHA = pull.Head.SHA
		}
		return h.cfg.Reviewer.RunReview(ctx, pr, false)
	})
}

func (h *Webhook) onReviewThread(e *github.ReviewThreadEvent) (string, error) {
	if e.Action != "resolved" {
		return "event skipped", nil
	}
	var ids []string
	for _, c := range e.Thread.Comments {
		if h.isBot(c.User) {
			ids = append(ids, feedback.ExtractInteractionIDs(c.Body)...)
		}
	}
	if len(ids) == 0 {
		return "thread ignored", nil
	}
	return "feedback recorded", h.submitFeedback(feedback.SignalResolved, e.Repository, e.PullRequest.Number, e.Sender, ids)
}

func (h *Webhook) onReviewComment(e *github.ReviewCommentEvent) (string, error) {
	owner, repo := e.Repository.Owner.Login, e.Repository.Name
	switch {
	case e.Action == "deleted" && h.isBot(e.Comment.User):
		ids := feedback.ExtractInteractionIDs(e.Comment.Body)
		if len(ids) == 0 {
			return "comment ignored", nil
		}
		return "feedback recorded", h.submitFeedback(feedback.SignalDeleted, e.Repository, e.PullRequest.Number, e.Sender, ids)

	case e.Action == "created" && !h.isBot(e.Comment.User) && !e.Comment.User.IsBot():
		line := e.Comment.Line
		if line == 0 {
			line = e.Comment.OriginalLine
		}
		c := review.HumanComment{
			Owner:    owner,
			Repo:     repo,
			PRNumber: e.PullRequest.Number,
			Path:     e.Comment.Path,
			Line:     line,
			Body:     e.Comment.Body,
			DiffHunk: e.Comment.DiffHunk,
			Author:   login(e.Comment.User),
		}
		return "comment recorded", h.cfg.Queue.Submit("store_human_comment", func(ctx context.Context) error {
			h.cfg.Reviewer.StoreHumanComment(c)
			return nil
		})
	}
	return "comment ignored", nil
}

func (h *Webhook) onReview(e *github.ReviewEvent) (string, error) {
	if e.Action != "dismissed" || !h.isBot(e.Review.User) {
		return "review ignored", nil
	}

	installationID := e.Installation.ID
	owner, repo, number := e.Repository.Owner.Login, e.Repository.Name, e.PullRequest.Number
	reviewID, body := e.Review.ID, e.Review.Body
	signal := feedback.Signal{
		Type:     feedback.SignalReviewDismissed,
		Owner:    owner,
		Repo:     repo,
		PRNumber: number,
		Actor:    login(e.Sender),
	}

	return "feedback recorded", h.cfg.Queue.Submit("review_dismissed", func(ctx context.Context) error {
		ids := feedback.ExtractInteractionIDs(body)
		comments, err := h.cfg.PullRequests.GetReviewComments(ctx, installationID, owner, repo, number)
		if err != nil {
			h.logger.Warn("failed to fetch dismissed review comments", "review_id", reviewID, "error", err)
		}
		for _, c := range comments {
			if c.PullRequestReviewID == reviewID {
				ids = append(ids, feedback.ExtractInteractionIDs(c.Body)...)
			}
		}
		if len(ids) == 0 {
			return nil
		}
		return h.cfg.Feedback.RecordAll(ctx, signal, ids)
	})
}

func (h *Webhook) submitFeedback(t feedback.SignalType, repo *github.Repository, prNumber int, sender *github.User, ids []string) error {
	signal := feedback.Signal{
		Type:     t,
		Owner:    repo.Owner.Login,
		Repo:     repo.Name,
		PRNumber: prNumber,
		Actor:    login(sender),
	}
	return h.cfg.Queue.Submit("record_feedback", func(ctx context.Context) error {
		return h.cfg.Feedback.RecordAll(ctx, signal, ids)
	})
}

func (h *Webhook) recordInstallation(ctx context.Context, installationID int64, org string) {
	if h.cfg.Installations == nil {
		return
	}
	if _, err := h.cfg.Installations.GetInstallation(ctx, installationID); err == nil {
		return
	}
	install := &storage.Installation{
		InstallationID: installationID,
		OrgLogin:       org,
		InstalledAt:    time.Now().UTC().Format(time.RFC3339),
	}
	if err := h.cfg.Installations.SaveInstallation(ctx, install); err != nil {
		h.logger.Error("failed to save installation", "installation_id", installationID, "error", err)
	}
}

// isBot reports whether u is this app's account.
func (h *Webhook) isBot(u *github.User) bool {
	if u == nil || h.cfg.BotName == "" {
		return false
	}
	return strings.EqualFold(u.Login, h.cfg.BotName) || strings.EqualFold(u.Login, h.cfg.BotName+"[bot]")
}

func login(u *github.User) string {
	if u == nil {
		return ""
	}
	return u.Login
}

func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
