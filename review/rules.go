package review

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shipitai/recall/config"
	"github.com/shipitai/recall/knowledge"
	"github.com/shipitai/recall/patch"
)

// Rule is a static check over the added lines of a file.
type Rule interface {
	ID() string
	Check(file patch.ParsedFile) []Finding
}

// lineRule flags added lines matching a pattern.
type lineRule struct {
	id       string
	severity string
	category string
	match    func(path, content string) (string, bool)
}

func (r lineRule) ID() string { return r.id }

func (r lineRule) Check(file patch.ParsedFile) []Finding {
	var findings []Finding
	for _, h := range file.Hunks {
		for _, l := range h.Lines {
			if l.Type != patch.LineAdd || l.NewLine == nil {
				continue
			}
			body, ok := r.match(file.Filename, l.Content)
			if !ok {
				continue
			}
			findings = append(findings, Finding{
				Path:       file.Filename,
				Line:       *l.NewLine,
				Body:       body,
				Origin:     knowledge.OriginRule,
				Severity:   r.severity,
				Category:   r.category,
				Confidence: 1,
				RuleID:     r.id,
				Context:    strings.TrimSpace(l.Content),
			})
		}
	}
	return findings
}

var (
	debugPrintRegex = regexp.MustCompile(`(?:^|[^\w.])(console\.(?:log|debug)|System\.out\.println|fmt\.Println|pdb\.set_trace|breakpoint)\s*\(|^\s*debugger\s*;?\s*$`)

	secretAssignRegex = regexp.MustCompile(`(?i)\b(password|passwd|secret|api[_-]?key|access[_-]?key|auth[_-]?token)\b["']?\s*[:=]+\s*["'][^"'\s]{8,}["']`)
	awsKeyRegex       = regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)
	privateKeyRegex   = regexp.MustCompile(`-----BEGIN (?:RSA |EC |OPENSSH |DSA )?PRIVATE KEY-----`)

	todoRegex   = regexp.MustCompile(`(?://|#|/\*|--)\s*(TODO|FIXME|XXX)\b(.*)`)
	ticketRegex = regexp.MustCompile(`[A-Z][A-Z0-9]+-\d+|#\d+|https?://`)
)

// DebugPrintRule flags leftover debugging output outside tests.
func DebugPrintRule() Rule {
	return lineRule{
		id:       "debug-print",
		severity: SeverityWarning,
		category: "quality",
		match: func(path, content string) (string, bool) {
			if patch.IsTestFile(path) {
				return "", false
			}
			m := debugPrintRegex.FindStringSubmatch(content)
			if m == nil {
				return "", false
			}
			call := m[1]
			if call == "" {
				call = "debugger"
			}
			return fmt.Sprintf("Leftover debugging statement `%s`. Remove it or route it through the logger.", call), true
		},
	}
}

// HardcodedSecretRule flags credentials committed in source.
func HardcodedSecretRule() Rule {
	return lineRule{
		id:       "hardcoded-secret",
		severity: SeverityError,
		category: CategorySecurity,
		match: func(_, content string) (string, bool) {
			switch {
			case privateKeyRegex.MatchString(content):
				return "A private key appears to be committed. Remove it and rotate the key.", true
			case awsKeyRegex.MatchString(content):
				return "An AWS access key id appears to be committed. Remove it and rotate the credential.", true
			case secretAssignRegex.MatchString(content):
				name := strings.ToLower(secretAssignRegex.FindStringSubmatch(content)[1])
				return fmt.Sprintf("Possible hardcoded credential assigned to `%s`. Load it from configuration or a secret store.", name), true
			}
			return "", false
		},
	}
}

// TodoWithoutTicketRule flags TODO/FIXME comments that do not reference a ticket.
func TodoWithoutTicketRule() Rule {
	return lineRule{
		id:       "todo-without-ticket",
		severity: SeverityInfo,
		category: "quality",
		match: func(_, content string) (string, bool) {
			m := todoRegex.FindStringSubmatch(content)
			if m == nil || ticketRegex.MatchString(m[2]) {
				return "", false
			}
			return fmt.Sprintf("`%s` without a ticket reference. Link an issue so it is not forgotten.", m[1]), true
		},
	}
}

// DefaultRules returns the built-in rule catalog.
func DefaultRules() []Rule {
	return []Rule{DebugPrintRule(), HardcodedSecretRule(), TodoWithoutTicketRule()}
}

// RunRules runs the rules the repository config enables over files.
func RunRules(rules []Rule, files []patch.ParsedFile, cfg *config.Config) []Finding {
	var findings []Finding
	for _, rule := range rules {
		if cfg != nil && !cfg.RuleEnabled(rule.ID()) {
			continue
		}
		for _, f := range files {
			findings = append(findings, rule.Check(f)...)
		}
	}
	return findings
}

// lineContext returns up to radius lines on each side of a new-side line.
func lineContext(file patch.ParsedFile, line, radius int) string {
	for _, h := range file.Hunks {
		idx := -1
		for i, l := range h.Lines {
			if l.NewLine != nil && *l.NewLine == line {
				idx = i
				break
			}
		}
		if idx < 0 {
			continue
		}
		lo, hi := max(0, idx-radius), min(len(h.Lines), idx+radius+1)
		var b strings.Builder
		for _, l := range h.Lines[lo:hi] {
			switch l.Type {
			case patch.LineAdd:
				b.WriteString("+")
			case patch.LineDel:
				b.WriteString("-")
			default:
				b.WriteString(" ")
			}
			b.WriteString(l.Content)
			b.WriteString("\n")
		}
		return b.String()
	}
	return ""
}
