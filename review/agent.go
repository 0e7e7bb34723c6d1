package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/shipitai/recall/knowledge"
	"github.com/shipitai/recall/llm"
	"github.com/shipitai/recall/metrics"
	"github.com/shipitai/recall/patch"
)

const (
	// DefaultModel is the model used when the repository config names none.
	DefaultModel = "claude-sonnet-4-5-20250929"

	// DefaultResponseTokens caps a single model response.
	DefaultResponseTokens = 8192

	// forceSubmitRatio of the context budget forces the terminal tool.
	forceSubmitRatio = 0.85

	defaultLookupLimit = 5
	maxLookupLimit     = 10
)

var tracer = otel.Tracer("github.com/shipitai/recall/review")

// State is a step of the per-chunk tool-use loop.
type State int

const (
	StateAwaitModel State = iota
	StateExecuteTools
	StateSubmitted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAwaitModel:
		return "await_model"
	case StateExecuteTools:
		return "execute_tools"
	case StateSubmitted:
		return "submitted"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Tool names.
const (
	ToolSearchSimilar = "search_similar_reviews"
	ToolFileHistory   = "get_file_history"
	ToolApprovalRate  = "get_concept_approval_rate"
	ToolSubmitReview  = "submit_review"
)

// ToolSpec is a tool offered to the model. Calling a Terminal tool ends the loop.
type ToolSpec struct {
	llm.Tool
	Terminal bool
}

// Tools is the enumerated tool set.
var Tools = []ToolSpec{
	{
		Tool: llm.Tool{
			Name:        ToolSearchSimilar,
			Description: "Search past review comments in this repository that are semantically similar to a query. Results show whether the team approved or rejected each comment.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string", "description": "Code or a description of the concern."},
					"limit": map[string]any{"type": "integer", "minimum": 1, "maximum": maxLookupLimit},
				},
				"required": []string{"query"},
			},
		},
	},
	{
		Tool: llm.Tool{
			Name:        ToolFileHistory,
			Description: "List the most recent past review comments on a file.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":  map[string]any{"type": "string"},
					"limit": map[string]any{"type": "integer", "minimum": 1, "maximum": maxLookupLimit},
				},
				"required": []string{"path"},
			},
		},
	},
	{
		Tool: llm.Tool{
			Name:        ToolApprovalRate,
			Description: "Report how often the team accepted past comments tagged with a concept, e.g. quality:error-handling.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"concept": map[string]any{"type": "string"},
				},
				"required": []string{"concept"},
			},
		},
	},
	{
		Terminal: true,
		Tool: llm.Tool{
			Name:        ToolSubmitReview,
			Description: "Submit the final review. Call exactly once, after any lookups.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"summary": map[string]any{"type": "string", "description": "Brief overall assessment (1-2 sentences)."},
					"findings": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"path":       map[string]any{"type": "string"},
								"line":       map[string]any{"type": "integer", "minimum": 1},
								"body":       map[string]any{"type": "string"},
								"severity":   map[string]any{"type": "string", "enum": []string{SeverityError, SeverityWarning, SeverityInfo}},
								"category":   map[string]any{"type": "string"},
								"confidence": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
								"suggestion": map[string]any{"type": "string"},
							},
							"required": []string{"path", "line", "body", "severity", "category", "confidence"},
						},
					},
				},
				"required": []string{"summary", "findings"},
			},
		},
	},
}

func isTerminal(name string) bool {
	for _, t := range Tools {
		if t.Name == name {
			return t.Terminal
		}
	}
	return false
}

func llmTools() []llm.Tool {
	out := make([]llm.Tool, len(Tools))
	for i, t := range Tools {
		out[i] = t.Tool
	}
	return out
}

var validate = validator.New()

type submitPayload struct {
	Summary  string          `json:"summary" validate:"required"`
	Findings []submitFinding `json:"findings" validate:"required,dive"`
}

type submitFinding struct {
	Path       string   `json:"path" validate:"required"`
	Line       int      `json:"line" validate:"gte=1"`
	Body       string   `json:"body" validate:"required"`
	Severity   string   `json:"severity" validate:"required,oneof=error warning info"`
	Category   string   `json:"category" validate:"required"`
	Confidence *float64 `json:"confidence" validate:"required,gte=0,lte=1"`
	Suggestion string   `json:"suggestion"`
}

// AgentConfig bounds the loop.
type AgentConfig struct {
	Model              string
	ResponseTokens     int
	ContextTokenBudget int
	MaxIterations      int
	Retry              llm.RetryPolicy
}

// AgenticReviewer reviews chunks with a bounded tool-use loop.
type AgenticReviewer struct {
	client llm.Client
	tools  knowledge.Tools
	cfg    AgentConfig
	logger *slog.Logger
}

// NewAgenticReviewer creates an AgenticReviewer. tools may be nil, in which
// case every lookup reports the store as unavailable.
func NewAgenticReviewer(client llm.Client, tools knowledge.Tools, cfg AgentConfig, logger *slog.Logger) *AgenticReviewer {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.ResponseTokens <= 0 {
		cfg.ResponseTokens = DefaultResponseTokens
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 10
	}
	if cfg.ContextTokenBudget <= 0 {
		cfg.ContextTokenBudget = 100000
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = llm.DefaultRetryPolicy
	}
	return &AgenticReviewer{client: client, tools: tools, cfg: cfg, logger: logger}
}

// ChunkRequest is the input for one chunk.
type ChunkRequest struct {
	Repo        string
	System      string
	Title       string
	Description string
	Chunk       patch.FileChunk
}

// ChunkResult is the outcome of one chunk.
type ChunkResult struct {
	State         State
	Summary       string
	Findings      []Finding
	ToolCalls     int
	Iterations    int
	Usage         llm.Usage
	ImplicitEmpty bool
	Err           error
}

// ReviewChunk runs the tool-use loop for one chunk. It never returns an
// error: failures end in StateFailed with no findings.
func (a *AgenticReviewer) ReviewChunk(ctx context.Context, req ChunkRequest) ChunkResult {
	logger := a.logger.With("repo", req.Repo, "chunk", req.Chunk.Index+1, "chunks", req.Chunk.Total)

	user := BuildChunkPrompt(req.Title, req.Description, req.Chunk)
	promptTokens := patch.EstimateText(req.System) + patch.EstimateText(user)
	toolTokens := 0
	threshold := int(float64(a.cfg.ContextTokenBudget) * forceSubmitRatio)

	messages := []llm.Message{{Role: llm.RoleUser, Text: user}}
	result := ChunkResult{State: StateAwaitModel}

	for iter := 1; result.State == StateAwaitModel; iter++ {
		if iter > a.cfg.MaxIterations {
			result.fail(a.failureSummary(req.Chunk), fmt.Errorf("iteration ceiling %d reached", a.cfg.MaxIterations))
			break
		}
		result.Iterations = iter

		choice := llm.ToolChoice{Mode: llm.ChoiceAuto}
		used := promptTokens + toolTokens
		if used > threshold || iter == a.cfg.MaxIterations {
			choice = llm.ToolChoice{Mode: llm.ChoiceTool, Name: ToolSubmitReview}
			logger.Debug("forcing submit", "iteration", iter, "estimated_tokens", used, "threshold", threshold)
		}

		request := llm.Request{
			Model:      a.cfg.Model,
			System:     req.System,
			MaxTokens:  a.cfg.ResponseTokens,
			Messages:   messages,
			Tools:      llmTools(),
			ToolChoice: choice,
		}
		resp, err := llm.Retry(ctx, logger, a.cfg.Retry, "review chunk", func() (*llm.Response, error) {
			return a.client.Complete(ctx, request)
		})
		if err != nil {
			result.fail(a.failureSummary(req.Chunk), fmt.Errorf("model call failed: %w", err))
			break
		}
		result.Usage.InputTokens += resp.Usage.InputTokens
		result.Usage.OutputTokens += resp.Usage.OutputTokens
		result.ToolCalls += len(resp.ToolCalls)

		if len(resp.ToolCalls) == 0 {
			// A reply without tool calls is accepted as an empty review.
			logger.Warn("model returned no tool calls, treating as empty review", "iteration", iter, "stop_reason", resp.StopReason)
			result.State = StateSubmitted
			result.ImplicitEmpty = true
			result.Summary = strings.TrimSpace(resp.Text)
			break
		}

		if call, ok := terminalCall(resp.ToolCalls); ok {
			result.Summary, result.Findings = a.submit(call, req.Chunk, logger)
			result.State = StateSubmitted
			break
		}

		result.State = StateExecuteTools
		results := make([]llm.ToolResult, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			content, isErr := a.execute(ctx, req.Repo, call)
			if isErr {
				logger.Warn("tool call failed", "tool", call.Name, "error", content)
			}
			toolTokens += patch.EstimateText(content)
			results = append(results, llm.ToolResult{CallID: call.ID, Content: content, IsError: isErr})
		}
		messages = append(messages,
			llm.Message{Role: llm.RoleAssistant, Text: resp.Text, ToolCalls: resp.ToolCalls},
			llm.Message{Role: llm.RoleUser, ToolResults: results},
		)
		result.State = StateAwaitModel
	}

	if result.Err != nil {
		logger.Error("chunk review failed", "iterations", result.Iterations, "error", result.Err)
	}
	return result
}

func (r *ChunkResult) fail(summary string, err error) {
	r.State = StateFailed
	r.Summary = summary
	r.Findings = nil
	r.Err = err
}

func (a *AgenticReviewer) failureSummary(chunk patch.FileChunk) string {
	if chunk.Total > 1 {
		return fmt.Sprintf("Automated review of part %d of %d could not be completed.", chunk.Index+1, chunk.Total)
	}
	return "Automated review could not be completed."
}

func terminalCall(calls []llm.ToolCall) (llm.ToolCall, bool) {
	for _, c := range calls {
		if isTerminal(c.Name) {
			return c, true
		}
	}
	return llm.ToolCall{}, false
}

// submit validates the terminal payload. An invalid payload yields the best
// summary that can be recovered and no findings.
func (a *AgenticReviewer) submit(call llm.ToolCall, chunk patch.FileChunk, logger *slog.Logger) (string, []Finding) {
	var payload submitPayload
	err := json.Unmarshal(call.Input, &payload)
	if err == nil {
		err = validate.Struct(payload)
	}
	if err != nil {
		logger.Warn("invalid submit_review payload", "error", err)
		return bestEffortSummary(call.Input), nil
	}

	files := make(map[string]patch.ParsedFile, len(chunk.Files))
	for _, f := range chunk.Files {
		files[f.Filename] = f
	}

	findings := make([]Finding, 0, len(payload.Findings))
	dropped := 0
	for _, sf := range payload.Findings {
		file, ok := files[sf.Path]
		if !ok {
			dropped++
			continue
		}
		findings = append(findings, Finding{
			Path:       sf.Path,
			Line:       sf.Line,
			Body:       strings.TrimSpace(sf.Body),
			Origin:     knowledge.OriginLLM,
			Severity:   sf.Severity,
			Category:   strings.ToLower(strings.TrimSpace(sf.Category)),
			Confidence: *sf.Confidence,
			Suggestion: sf.Suggestion,
			Context:    lineContext(file, sf.Line, 2),
		})
	}
	if dropped > 0 {
		logger.Warn("dropped findings on files outside the chunk", "dropped", dropped)
	}
	return strings.TrimSpace(payload.Summary), findings
}

func bestEffortSummary(input json.RawMessage) string {
	var loose map[string]any
	if json.Unmarshal(input, &loose) == nil {
		if s, ok := loose["summary"].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return "Review completed, but the findings could not be read."
}

// execute runs a lookup tool. Failures are returned as text the model can
// read, with isErr set.
func (a *AgenticReviewer) execute(ctx context.Context, repo string, call llm.ToolCall) (content string, isErr bool) {
	out, err := a.lookup(ctx, repo, call)
	if err != nil {
		metrics.ToolCallsTotal.WithLabelValues(call.Name, "error").Inc()
		return fmt.Sprintf("tool %s failed: %v; proceed without this data", call.Name, err), true
	}
	metrics.ToolCallsTotal.WithLabelValues(call.Name, "ok").Inc()
	return out, false
}

func (a *AgenticReviewer) lookup(ctx context.Context, repo string, call llm.ToolCall) (string, error) {
	if a.tools == nil {
		return "", knowledge.ErrUnavailable
	}

	var in struct {
		Query   string `json:"query"`
		Path    string `json:"path"`
		Concept string `json:"concept"`
		Limit   int    `json:"limit"`
	}
	if len(call.Input) > 0 {
		if err := json.Unmarshal(call.Input, &in); err != nil {
			return "", fmt.Errorf("invalid input: %w", err)
		}
	}
	limit := in.Limit
	if limit <= 0 {
		limit = defaultLookupLimit
	}
	limit = min(limit, maxLookupLimit)

	switch call.Name {
	case ToolSearchSimilar:
		if in.Query == "" {
			return "", errors.New("query is required")
		}
		items, err := a.tools.SearchSimilar(ctx, repo, in.Query, limit)
		if err != nil {
			return "", err
		}
		return knowledge.FormatInteractions(items), nil
	case ToolFileHistory:
		if in.Path == "" {
			return "", errors.New("path is required")
		}
		items, err := a.tools.FileHistory(ctx, repo, in.Path, limit)
		if err != nil {
			return "", err
		}
		return knowledge.FormatInteractions(items), nil
	case ToolApprovalRate:
		if in.Concept == "" {
			return "", errors.New("concept is required")
		}
		rate, err := a.tools.ConceptApprovalRate(ctx, repo, in.Concept)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s: %d approved, %d rejected, %d unresolved (approval rate %.2f)",
			in.Concept, rate.Approved, rate.Rejected, rate.Unresolved, rate.Rate()), nil
	default:
		return "", fmt.Errorf("unknown tool %q", call.Name)
	}
}

// ChunksResult aggregates a review across chunks.
type ChunksResult struct {
	Summaries []string
	Findings  []Finding
	ToolCalls int
	Usage     llm.Usage
	Failed    int
}

// ReviewChunks reviews chunks in order. A failed chunk contributes its
// failure summary and no findings; it never stops the others.
func (a *AgenticReviewer) ReviewChunks(ctx context.Context, base ChunkRequest, chunks []patch.FileChunk) ChunksResult {
	var out ChunksResult
	for _, chunk := range chunks {
		req := base
		req.Chunk = chunk

		ctx, span := tracer.Start(ctx, "review.chunk")
		span.SetAttributes(
			attribute.Int("chunk.index", chunk.Index),
			attribute.Int("chunk.files", len(chunk.Files)),
			attribute.Int("chunk.estimated_tokens", chunk.EstimatedTokens),
		)
		start := time.Now()
		res := a.ReviewChunk(ctx, req)
		metrics.ChunkDuration.Observe(time.Since(start).Seconds())

		state := res.State.String()
		if res.ImplicitEmpty {
			state = "implicit_empty"
		}
		metrics.ChunksTotal.WithLabelValues(state).Inc()
		metrics.TokensTotal.WithLabelValues("input").Add(float64(res.Usage.InputTokens))
		metrics.TokensTotal.WithLabelValues("output").Add(float64(res.Usage.OutputTokens))

		span.SetAttributes(
			attribute.String("chunk.state", state),
			attribute.Int("chunk.findings", len(res.Findings)),
			attribute.Int("chunk.tool_calls", res.ToolCalls),
		)
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, "chunk failed")
			out.Failed++
		}
		span.End()

		if res.Summary != "" {
			out.Summaries = append(out.Summaries, res.Summary)
		}
		out.Findings = append(out.Findings, res.Findings...)
		out.ToolCalls += res.ToolCalls
		out.Usage.InputTokens += res.Usage.InputTokens
		out.Usage.OutputTokens += res.Usage.OutputTokens
	}
	return out
}
