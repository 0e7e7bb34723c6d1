package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/shipitai/recall/config"
	"github.com/shipitai/recall/github"
	"github.com/shipitai/recall/knowledge"
	"github.com/shipitai/recall/llm"
	"github.com/shipitai/recall/metrics"
	"github.com/shipitai/recall/patch"
	"github.com/shipitai/recall/storage"
	"github.com/shipitai/recall/tasks"
)

// resyncPrefixLen is how much of a finding body identifies it on resync.
const resyncPrefixLen = 100

// GitHub is the subset of the GitHub client the reviewer uses.
type GitHub interface {
	FetchPullRequestFiles(ctx context.Context, installationID int64, owner, repo string, prNumber int) ([]github.PullRequestFile, error)
	CreateReview(ctx context.Context, installationID int64, owner, repo string, prNumber int, review *github.ReviewRequest) (*github.Review, error)
}

// ConfigLoader loads repository configuration.
type ConfigLoader interface {
	Load(ctx context.Context, installationID int64, owner, repo, ref string) (*config.Config, error)
}

// Gate holds reviews for manual approval.
type Gate interface {
	Enabled(ctx context.Context) (bool, error)
	Hold(ctx context.Context, review *storage.PendingReview) error
	Approve(ctx context.Context, id string) (*storage.PendingReview, error)
	Reject(ctx context.Context, id string) (*storage.PendingReview, error)
	Release(ctx context.Context, id string) error
}

// Enqueuer runs background work.
type Enqueuer interface {
	Submit(name string, fn tasks.Func) error
}

// Recaller retrieves past interactions and serves the model's lookups.
type Recaller interface {
	knowledge.Tools
	Retrieve(ctx context.Context, files []patch.ParsedFile, repo string) knowledge.Context
}

// Deps are the Reviewer's collaborators. Storage, Gate, Queue, Recall,
// Sinks, Concepts and Citations are optional.
type Deps struct {
	GitHub    GitHub
	Config    ConfigLoader
	LLM       llm.Client
	Storage   storage.Storage
	Gate      Gate
	Queue     Enqueuer
	Recall    Recaller
	Sinks     *knowledge.Sinks
	Concepts  *knowledge.ConceptExtractor
	Citations CitationSource
	Rules     []Rule
	// Model is used when the repository config names none.
	Model  string
	Logger *slog.Logger
}

// Reviewer orchestrates the code review process.
type Reviewer struct {
	github   GitHub
	config   ConfigLoader
	llm      llm.Client
	storage  storage.Storage
	gate     Gate
	queue    Enqueuer
	recall   Recaller
	sinks    *knowledge.Sinks
	concepts *knowledge.ConceptExtractor
	enricher *Enricher
	rules    []Rule
	model    string
	logger   *slog.Logger
	now      func() time.Time
}

// NewReviewer creates a new Reviewer instance.
func NewReviewer(d Deps) *Reviewer {
	r := &Reviewer{
		github:   d.GitHub,
		config:   d.Config,
		llm:      d.LLM,
		storage:  d.Storage,
		gate:     d.Gate,
		queue:    d.Queue,
		recall:   d.Recall,
		sinks:    d.Sinks,
		concepts: d.Concepts,
		enricher: NewEnricher(d.Citations, d.Logger),
		rules:    d.Rules,
		model:    d.Model,
		logger:   d.Logger,
		now:      time.Now,
	}
	if r.rules == nil {
		r.rules = DefaultRules()
	}
	if r.model == "" {
		r.model = DefaultModel
	}
	if r.concepts == nil {
		r.concepts = knowledge.NewConceptExtractor(nil, "", d.Logger)
	}
	return r
}

// PRContext identifies the pull request to review.
type PRContext struct {
	InstallationID int64
	Owner          string
	Repo           string
	PRNumber       int
	Title          string
	Body           string
	HeadSHA        string
	DefaultBranch  string
	// Requested is set when a user asked for the review explicitly.
	Requested bool
}

// RepoKey is the "owner/name" key interactions are stored under.
func (p PRContext) RepoKey() string {
	return p.Owner + "/" + p.Repo
}

// RunReview reviews a pull request and posts the result, or holds it when
// the review gate is on. Knowledge store failures never fail a review; a
// gate that cannot be read or written does.
func (r *Reviewer) RunReview(ctx context.Context, pr PRContext, isResync bool) (err error) {
	ctx, span := tracer.Start(ctx, "review.run")
	span.SetAttributes(
		attribute.String("repo", pr.RepoKey()),
		attribute.Int("pr", pr.PRNumber),
		attribute.Bool("resync", isResync),
	)
	outcome := "failed"
	defer func() {
		metrics.ReviewsTotal.WithLabelValues(outcome).Inc()
		span.SetAttributes(attribute.String("outcome", outcome))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "review failed")
		}
		span.End()
	}()

	logger := r.logger.With("owner", pr.Owner, "repo", pr.Repo, "pr", pr.PRNumber)
	logger.Info("starting review", "resync", isResync, "requested", pr.Requested)

	cfg, err := r.loadConfig(ctx, pr, logger)
	if err != nil {
		return err
	}
	if !cfg.Enabled || (!pr.Requested && !cfg.ShouldReviewOnEvent()) {
		logger.Info("review skipped due to config", "enabled", cfg.Enabled, "trigger", cfg.Trigger)
		outcome = "skipped"
		return nil
	}

	files, err := r.fetchFiles(ctx, pr, cfg)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		logger.Info("no reviewable files")
		outcome = "skipped"
		return nil
	}

	result := r.review(ctx, pr, cfg, files, isResync, logger)

	if r.gate != nil {
		enabled, err := r.gate.Enabled(ctx)
		if err != nil {
			return fmt.Errorf("failed to read review gate: %w", err)
		}
		if enabled {
			raw, err := json.Marshal(result)
			if err != nil {
				return fmt.Errorf("failed to encode review result: %w", err)
			}
			pending := &storage.PendingReview{
				ID:             uuid.NewString(),
				InstallationID: pr.InstallationID,
				Owner:          pr.Owner,
				Repo:           pr.Repo,
				PRNumber:       pr.PRNumber,
				HeadSHA:        pr.HeadSHA,
				Result:         raw,
				Status:         storage.StatusPending,
				CreatedAt:      r.now().UTC(),
			}
			if err := r.gate.Hold(ctx, pending); err != nil {
				return fmt.Errorf("failed to hold review: %w", err)
			}
			logger.Info("review held for approval", "pending_id", pending.ID)
			outcome = "held"
			return nil
		}
	}

	if err := r.publish(ctx, target{
		InstallationID: pr.InstallationID,
		Owner:          pr.Owner,
		Repo:           pr.Repo,
		PRNumber:       pr.PRNumber,
		HeadSHA:        pr.HeadSHA,
	}, result, logger); err != nil {
		return err
	}
	outcome = "posted"
	return nil
}

func (r *Reviewer) loadConfig(ctx context.Context, pr PRContext, logger *slog.Logger) (*config.Config, error) {
	if r.config == nil {
		return config.DefaultConfig(), nil
	}
	cfg, err := r.config.Load(ctx, pr.InstallationID, pr.Owner, pr.Repo, pr.DefaultBranch)
	if err != nil {
		var parseErr *config.ConfigParseError
		if errors.As(err, &parseErr) {
			// An invalid config file is a user error that should be surfaced.
			logger.Error("invalid config file, cannot proceed with review", "path", parseErr.Path, "error", parseErr.Err)
			return nil, fmt.Errorf("invalid config file %s: %w", parseErr.Path, parseErr.Err)
		}
		logger.Warn("failed to load config, using defaults", "error", err)
		return config.DefaultConfig(), nil
	}
	return cfg, nil
}

func (r *Reviewer) fetchFiles(ctx context.Context, pr PRContext, cfg *config.Config) ([]patch.ParsedFile, error) {
	prFiles, err := r.github.FetchPullRequestFiles(ctx, pr.InstallationID, pr.Owner, pr.Repo, pr.PRNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch files: %w", err)
	}

	files := make([]patch.ParsedFile, 0, len(prFiles))
	for _, f := range prFiles {
		if cfg.ShouldExcludeFile(f.Filename) {
			continue
		}
		parsed := patch.ParsePatch(f.Filename, patch.Status(f.Status), f.Patch)
		parsed.PreviousFilename = f.PreviousFilename
		files = append(files, parsed)
	}
	return files, nil
}

// review runs rules and the model over files and builds the result.
func (r *Reviewer) review(ctx context.Context, pr PRContext, cfg *config.Config, files []patch.ParsedFile, isResync bool, logger *slog.Logger) Result {
	repoKey := pr.RepoKey()
	ruleFindings := RunRules(r.rules, files, cfg)

	var recalled string
	var tools knowledge.Tools
	if r.recall != nil {
		recalled, _ = knowledge.Format(r.recall.Retrieve(ctx, files, repoKey))
		tools = r.recall
	}

	var agg ChunksResult
	if r.llm != nil {
		chunks := patch.Chunk(files, cfg.LLM.ChunkTokenBudget)
		model := cfg.LLM.Model
		if model == "" {
			model = r.model
		}
		agent := NewAgenticReviewer(r.llm, tools, AgentConfig{
			Model:              model,
			ContextTokenBudget: cfg.LLM.ContextTokenBudget,
			MaxIterations:      cfg.LLM.MaxIterations,
		}, logger)
		agg = agent.ReviewChunks(ctx, ChunkRequest{
			Repo:        repoKey,
			System:      BuildSystemPrompt(cfg.Guide, cfg.Instructions, cfg.LLM.FocusAreas, recalled),
			Title:       pr.Title,
			Description: pr.Body,
		}, chunks)
		logger.Info("model review complete",
			"chunks", len(chunks),
			"failed_chunks", agg.Failed,
			"findings", len(agg.Findings),
			"tool_calls", agg.ToolCalls,
		)
	}

	findings := dedupFindings(append(ruleFindings, agg.Findings...), repoKey, pr.PRNumber)
	if isResync {
		findings = r.dropPosted(ctx, pr, findings, logger)
	}

	inline, bodyOnly := r.partition(findings, files, cfg)
	inline = r.enricher.Enrich(ctx, repoKey, inline)

	logger.Info("partitioned findings", "rule", len(ruleFindings), "inline", len(inline), "body_only", len(bodyOnly))
	return BuildResult(repoKey, pr.PRNumber, agg.Summaries, inline, bodyOnly, agg.ToolCalls, agg.Usage)
}

// partition applies the inline policy. Findings on lines GitHub cannot
// anchor a comment to are body-only regardless of priority.
func (r *Reviewer) partition(findings []Finding, files []patch.ParsedFile, cfg *config.Config) (inline, bodyOnly []Finding) {
	commentable := make(map[string]map[int]bool, len(files))
	for _, f := range files {
		commentable[f.Filename] = f.CommentableLines()
	}

	var anchored, unanchored []Finding
	for _, f := range findings {
		if commentable[f.Path][f.Line] {
			anchored = append(anchored, f)
		} else {
			unanchored = append(unanchored, f)
		}
	}

	inline, bodyOnly = Partition(anchored, FilterConfig{
		ConfidenceThreshold: cfg.Inline.ConfidenceThreshold,
		MaxInline:           cfg.Inline.MaxComments,
	})
	if len(unanchored) > 0 {
		bodyOnly = append(bodyOnly, unanchored...)
		slices.SortStableFunc(bodyOnly, compareFindings)
	}
	return inline, bodyOnly
}

func dedupFindings(findings []Finding, repo string, prNumber int) []Finding {
	seen := make(map[string]bool, len(findings))
	out := findings[:0:0]
	for _, f := range findings {
		id := f.InteractionID(repo, prNumber)
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, f)
	}
	return out
}

// dropPosted removes findings already posted on the pull request.
func (r *Reviewer) dropPosted(ctx context.Context, pr PRContext, findings []Finding, logger *slog.Logger) []Finding {
	if r.storage == nil {
		return findings
	}
	reviews, err := r.storage.ListReviewsForPR(ctx, pr.InstallationID, pr.Owner, pr.Repo, pr.PRNumber)
	if err != nil {
		logger.Warn("failed to load previous reviews, not de-duplicating", "error", err)
		return findings
	}

	posted := make(map[string]bool)
	for _, rc := range reviews {
		for _, c := range rc.Comments {
			posted[postedKey(c.Path, c.Line, c.Body)] = true
		}
	}

	kept := findings[:0:0]
	for _, f := range findings {
		if posted[postedKey(f.Path, f.Line, f.Body)] {
			continue
		}
		kept = append(kept, f)
	}
	if dropped := len(findings) - len(kept); dropped > 0 {
		logger.Info("dropped findings already posted", "dropped", dropped)
	}
	return kept
}

func postedKey(path string, line int, body string) string {
	r := []rune(strings.TrimSpace(body))
	if len(r) > resyncPrefixLen {
		r = r[:resyncPrefixLen]
	}
	return fmt.Sprintf("%s\x00%d\x00%s", path, line, string(r))
}

// target is where a review gets posted.
type target struct {
	InstallationID int64
	Owner          string
	Repo           string
	PRNumber       int
	HeadSHA        string
}

// publish posts result, records it and queues its findings for learning.
func (r *Reviewer) publish(ctx context.Context, t target, result Result, logger *slog.Logger) error {
	review, err := r.github.CreateReview(ctx, t.InstallationID, t.Owner, t.Repo, t.PRNumber, result.ReviewRequest(t.HeadSHA))
	if err != nil {
		return fmt.Errorf("failed to post review: %w", err)
	}
	logger.Info("posted review", "review_id", review.ID, "url", review.HTMLURL, "inline", len(result.Inline), "event", result.Event)

	findings := result.Findings()

	if r.storage != nil {
		comments := make([]storage.Comment, len(findings))
		for i, f := range findings {
			comments[i] = storage.Comment{Path: f.Path, Line: f.Line, Body: f.Body}
		}
		record := &storage.ReviewContext{
			InstallationID: t.InstallationID,
			Owner:          t.Owner,
			Repo:           t.Repo,
			PRNumber:       t.PRNumber,
			ReviewID:       review.ID,
			ReviewBody:     result.Summary,
			Comments:       comments,
			CreatedAt:      r.now().UTC().Format(time.RFC3339),
			Usage: &storage.TokenUsage{
				InputTokens:  result.Usage.InputTokens,
				OutputTokens: result.Usage.OutputTokens,
			},
			ToolCalls: result.ToolCalls,
		}
		if err := r.storage.StoreReview(ctx, record); err != nil {
			logger.Warn("failed to store review record", "review_id", review.ID, "error", err)
		}
	}

	for _, f := range findings {
		r.learn(f.Interaction(result.Repo, result.PRNumber), logger)
	}
	return nil
}

// learn stores an interaction in the knowledge stores in the background.
func (r *Reviewer) learn(in knowledge.Interaction, logger *slog.Logger) {
	if r.sinks == nil || len(r.sinks.All()) == 0 {
		return
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = r.now().UTC()
	}
	task := func(ctx context.Context) error {
		in.Concepts = r.concepts.Extract(ctx, []string{in.FilePath}, in.Comment)
		return r.sinks.Store(ctx, in)
	}

	if r.queue == nil {
		if err := task(context.Background()); err != nil {
			logger.Warn("failed to store interaction", "interaction_id", in.ID, "error", err)
		}
		return
	}
	if err := r.queue.Submit("store_interaction", task); err != nil {
		logger.Warn("failed to queue interaction", "interaction_id", in.ID, "error", err)
	}
}

// PublishApproved approves a held review and posts it. The approval is a
// compare-and-set; a review that was already resolved is not posted. When
// posting fails the review goes back to pending so it can be approved again.
func (r *Reviewer) PublishApproved(ctx context.Context, id string) (err error) {
	if r.gate == nil {
		return errors.New("review gate not configured")
	}
	pending, err := r.gate.Approve(ctx, id)
	if err != nil {
		return err
	}
	logger := r.logger.With("owner", pending.Owner, "repo", pending.Repo, "pr", pending.PRNumber, "pending_id", id)
	defer func() {
		if err == nil {
			return
		}
		// The caller's context may be what failed the post.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if relErr := r.gate.Release(releaseCtx, id); relErr != nil {
			logger.Error("failed to return review to pending", "error", relErr)
			err = errors.Join(err, relErr)
		}
	}()

	var result Result
	if err := json.Unmarshal(pending.Result, &result); err != nil {
		return fmt.Errorf("failed to decode held review %s: %w", id, err)
	}

	if err := r.publish(ctx, target{
		InstallationID: pending.InstallationID,
		Owner:          pending.Owner,
		Repo:           pending.Repo,
		PRNumber:       pending.PRNumber,
		HeadSHA:        pending.HeadSHA,
	}, result, logger); err != nil {
		return err
	}
	metrics.ReviewsTotal.WithLabelValues("posted").Inc()
	return nil
}

// Reject discards a held review.
func (r *Reviewer) Reject(ctx context.Context, id string) error {
	if r.gate == nil {
		return errors.New("review gate not configured")
	}
	if _, err := r.gate.Reject(ctx, id); err != nil {
		return err
	}
	r.logger.Info("held review rejected", "pending_id", id)
	return nil
}

// HumanComment is a review comment written by a person.
type HumanComment struct {
	Owner    string
	Repo     string
	PRNumber int
	Path     string
	Line     int
	Body     string
	DiffHunk string
	Author   string
}

// StoreHumanComment records a human review comment as an accepted
// interaction so future reviews learn from it.
func (r *Reviewer) StoreHumanComment(c HumanComment) {
	repoKey := c.Owner + "/" + c.Repo
	approved := true
	in := knowledge.Interaction{
		ID:          knowledge.InteractionID(repoKey, c.PRNumber, c.Path, c.Line, c.Body),
		Repo:        repoKey,
		PRNumber:    c.PRNumber,
		DiffContext: c.DiffHunk,
		Comment:     c.Body,
		FilePath:    c.Path,
		Line:        c.Line,
		Category:    "human",
		Approved:    &approved,
		Origin:      knowledge.OriginHuman,
		Severity:    SeverityInfo,
	}
	r.learn(in, r.logger.With("owner", c.Owner, "repo", c.Repo, "pr", c.PRNumber, "author", c.Author))
}
