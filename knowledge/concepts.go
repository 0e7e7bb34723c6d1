package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"strings"

	"github.com/shipitai/recall/llm"
)

const (
	// MaxConcepts bounds the tags attached to one interaction.
	MaxConcepts = 15

	minSemanticText = 10
	maxSemanticTags = 7
)

// Taxonomy lists the categories semantic tags must belong to.
var Taxonomy = []string{"patterns", "architecture", "quality", "domain"}

const conceptPrompt = `Classify the following code review text with 3 to 7 short topic tags.
Each tag must have the form "<category>:<slug>" where category is one of: patterns, architecture, quality, domain.
Slugs are lowercase words joined by hyphens (for example "quality:null-safety", "patterns:retry-backoff").
Respond with a JSON array of strings and nothing else.`

var conceptKeywords = []struct {
	tag string
	re  *regexp.Regexp
}{
	{"null-safety", regexp.MustCompile(`(?i)\b(nil|null|undefined|none)\b|null pointer|nil pointer|optional chaining`)},
	{"error-handling", regexp.MustCompile(`(?i)\berr(or)?s?\b|exception|panic|recover|try\s*\{|catch`)},
	{"security", regexp.MustCompile(`(?i)secur|inject|xss|csrf|secret|password|token|credential|sanitiz|auth`)},
	{"performance", regexp.MustCompile(`(?i)perf|slow|latency|alloc|n\+1|cache|complexity|o\(n`)},
	{"testing", regexp.MustCompile(`(?i)\btests?\b|assert|mock|coverage|fixture`)},
	{"type-safety", regexp.MustCompile(`(?i)\btype\b|cast|any\b|interface\{\}|generic|unchecked`)},
	{"async-patterns", regexp.MustCompile(`(?i)async|await|goroutine|channel|mutex|race|deadlock|promise|concurren`)},
	{"naming", regexp.MustCompile(`(?i)naming|rename|variable name|unclear name|misleading name`)},
	{"structure", regexp.MustCompile(`(?i)refactor|duplicat|extract (a )?(function|method)|too long|coupling|structure`)},
	{"validation", regexp.MustCompile(`(?i)validat|bounds|range check|input check|malformed`)},
}

var slugRegex = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// ConceptExtractor derives topic tags from files and free text.
type ConceptExtractor struct {
	llm    llm.Client
	model  string
	logger *slog.Logger
}

// NewConceptExtractor creates an extractor. client may be nil, in which case
// semantic tags come from the keyword fallback.
func NewConceptExtractor(client llm.Client, model string, logger *slog.Logger) *ConceptExtractor {
	return &ConceptExtractor{llm: client, model: model, logger: logger}
}

// Extract returns file and stem tags for every file followed by semantic tags
// for text. The result is deduplicated and holds at most MaxConcepts entries.
func (e *ConceptExtractor) Extract(ctx context.Context, files []string, text string) []string {
	var tags []string
	seen := make(map[string]bool)
	add := func(tag string) {
		if tag == "" || seen[tag] {
			return
		}
		seen[tag] = true
		tags = append(tags, tag)
	}

	for _, f := range files {
		add(FileTag(f))
		if stem := StemTag(f); stem != "" {
			add(stem)
		}
	}

	if len(strings.TrimSpace(text)) > minSemanticText {
		for _, tag := range e.semantic(ctx, text) {
			add(tag)
		}
	}

	if len(tags) > MaxConcepts {
		tags = tags[:MaxConcepts]
	}
	return tags
}

// FileTag returns the "file:<path>" tag.
func FileTag(p string) string {
	return "file:" + strings.ToLower(p)
}

// StemTag returns "stem:<basename-without-extension>", or "" when the stem has
// two characters or fewer.
func StemTag(p string) string {
	base := path.Base(p)
	stem := strings.ToLower(strings.TrimSuffix(base, path.Ext(base)))
	if len(stem) <= 2 {
		return ""
	}
	return "stem:" + stem
}

func (e *ConceptExtractor) semantic(ctx context.Context, text string) []string {
	if e.llm != nil {
		tags, err := e.llmTags(ctx, text)
		if err == nil && len(tags) > 0 {
			return tags
		}
		if e.logger != nil {
			e.logger.Debug("semantic concept tagging failed, using keywords", "error", err)
		}
	}
	return KeywordConcepts(text)
}

func (e *ConceptExtractor) llmTags(ctx context.Context, text string) ([]string, error) {
	text = Truncate(text, 4000)
	resp, err := e.llm.Complete(ctx, llm.Request{
		Model:     e.model,
		System:    conceptPrompt,
		MaxTokens: 200,
		Messages:  []llm.Message{{Role: llm.RoleUser, Text: text}},
	})
	if err != nil {
		return nil, err
	}

	var raw []string
	if err := json.Unmarshal([]byte(cleanJSON(resp.Text)), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse concept tags: %w", err)
	}

	var tags []string
	for _, t := range raw {
		t = strings.ToLower(strings.TrimSpace(t))
		if !validTaxonomyTag(t) {
			continue
		}
		tags = append(tags, t)
		if len(tags) == maxSemanticTags {
			break
		}
	}
	if len(tags) == 0 {
		return nil, fmt.Errorf("no valid concept tags in response")
	}
	return tags, nil
}

func validTaxonomyTag(tag string) bool {
	category, slug, ok := strings.Cut(tag, ":")
	if !ok || !slugRegex.MatchString(slug) {
		return false
	}
	for _, c := range Taxonomy {
		if c == category {
			return true
		}
	}
	return false
}

// KeywordConcepts is the deterministic fallback tagger. It returns
// "general-review" when nothing matches.
func KeywordConcepts(text string) []string {
	var tags []string
	for _, k := range conceptKeywords {
		if k.re.MatchString(text) {
			tags = append(tags, k.tag)
			if len(tags) == maxSemanticTags {
				break
			}
		}
	}
	if len(tags) == 0 {
		return []string{"general-review"}
	}
	return tags
}

// cleanJSON strips markdown code fences around a JSON payload.
func cleanJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}
