// Package patch parses unified diffs into files, hunks and numbered lines and
// groups parsed files into token-budgeted chunks.
package patch

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// Status is the lifecycle status of a file in a pull request.
type Status string

const (
	StatusAdded    Status = "added"
	StatusRemoved  Status = "removed"
	StatusModified Status = "modified"
	StatusRenamed  Status = "renamed"
)

// LineType classifies a line inside a hunk.
type LineType string

const (
	LineAdd     LineType = "add"
	LineDel     LineType = "del"
	LineContext LineType = "context"
)

// Line is a single diff line. Added lines carry only NewLine, deleted lines
// only OldLine, context lines both.
type Line struct {
	Type    LineType
	Content string
	OldLine *int
	NewLine *int
}

// Hunk is one "@@ ... @@" section of a file diff.
type Hunk struct {
	OldStart int
	OldLines int
	NewStart int
	NewLines int
	Lines    []Line
}

// ParsedFile is a single file's parsed diff.
type ParsedFile struct {
	Filename         string
	PreviousFilename string
	Status           Status
	Hunks            []Hunk
	Additions        int
	Deletions        int
	// Truncated is set when the chunker trimmed trailing lines to fit a budget.
	Truncated bool
}

// hunkHeaderRegex matches unified diff hunk headers like "@@ -10,5 +15,7 @@"
var hunkHeaderRegex = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// ParsePatch parses the hunk-only patch text GitHub returns per file.
// Parsing is permissive: lines outside a hunk and unrecognized lines are skipped.
func ParsePatch(filename string, status Status, patchText string) ParsedFile {
	file := ParsedFile{Filename: filename, Status: normalizeStatus(status)}
	if patchText == "" {
		return file
	}

	var current *Hunk
	var body []string
	flush := func() {
		if current == nil {
			return
		}
		current.Lines = walkHunk(current.OldStart, current.NewStart, body)
		file.Hunks = append(file.Hunks, *current)
		current = nil
		body = nil
	}

	for _, line := range strings.Split(strings.TrimSuffix(patchText, "\n"), "\n") {
		if m := hunkHeaderRegex.FindStringSubmatch(line); m != nil {
			flush()
			current = &Hunk{
				OldStart: atoi(m[1]),
				OldLines: countOrOne(m[2]),
				NewStart: atoi(m[3]),
				NewLines: countOrOne(m[4]),
			}
			continue
		}
		if current == nil {
			continue
		}
		body = append(body, line)
	}
	flush()

	file.recount()
	return file
}

// ParseUnifiedDiff parses a full multi-file git diff.
func ParseUnifiedDiff(text string) ([]ParsedFile, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	fileDiffs, err := diff.ParseMultiFileDiff([]byte(text))
	if err != nil {
		return nil, fmt.Errorf("failed to parse diff: %w", err)
	}

	files := make([]ParsedFile, 0, len(fileDiffs))
	for _, fd := range fileDiffs {
		file := ParsedFile{Status: StatusModified}
		origName := stripPrefix(fd.OrigName, "a/")
		newName := stripPrefix(fd.NewName, "b/")

		switch {
		case fd.OrigName == "/dev/null":
			file.Status = StatusAdded
			file.Filename = newName
		case fd.NewName == "/dev/null":
			file.Status = StatusRemoved
			file.Filename = origName
		default:
			file.Filename = newName
			if origName != newName && origName != "" {
				file.Status = StatusRenamed
				file.PreviousFilename = origName
			}
		}

		// Pure renames and mode-only changes have no --- / +++ lines.
		if file.Filename == "" {
			file.Filename, file.PreviousFilename, file.Status = namesFromExtended(fd.Extended)
		}

		for _, h := range fd.Hunks {
			hunk := Hunk{
				OldStart: int(h.OrigStartLine),
				OldLines: int(h.OrigLines),
				NewStart: int(h.NewStartLine),
				NewLines: int(h.NewLines),
			}
			body := strings.Split(strings.TrimSuffix(string(h.Body), "\n"), "\n")
			hunk.Lines = walkHunk(hunk.OldStart, hunk.NewStart, body)
			file.Hunks = append(file.Hunks, hunk)
		}
		file.recount()
		files = append(files, file)
	}
	return files, nil
}

// walkHunk numbers the body lines of a hunk starting from the header positions.
func walkHunk(oldStart, newStart int, body []string) []Line {
	oldLine, newLine := oldStart, newStart
	lines := make([]Line, 0, len(body))
	for _, raw := range body {
		switch {
		case strings.HasPrefix(raw, "+"):
			lines = append(lines, Line{Type: LineAdd, Content: raw[1:], NewLine: intPtr(newLine)})
			newLine++
		case strings.HasPrefix(raw, "-"):
			lines = append(lines, Line{Type: LineDel, Content: raw[1:], OldLine: intPtr(oldLine)})
			oldLine++
		case strings.HasPrefix(raw, " "), raw == "":
			content := ""
			if raw != "" {
				content = raw[1:]
			}
			lines = append(lines, Line{Type: LineContext, Content: content, OldLine: intPtr(oldLine), NewLine: intPtr(newLine)})
			oldLine++
			newLine++
		default:
			// "\ No newline at end of file" and anything else unrecognized
		}
	}
	return lines
}

func namesFromExtended(extended []string) (name, previous string, status Status) {
	status = StatusModified
	for _, line := range extended {
		switch {
		case strings.HasPrefix(line, "rename from "):
			previous = strings.TrimPrefix(line, "rename from ")
			status = StatusRenamed
		case strings.HasPrefix(line, "rename to "):
			name = strings.TrimPrefix(line, "rename to ")
		case strings.HasPrefix(line, "diff --git ") && name == "":
			parts := strings.Split(line, " ")
			if len(parts) >= 4 {
				name = strings.TrimPrefix(parts[3], "b/")
			}
		}
	}
	return name, previous, status
}

// recount recomputes additions and deletions from the hunk lines.
func (f *ParsedFile) recount() {
	f.Additions, f.Deletions = 0, 0
	for _, h := range f.Hunks {
		for _, l := range h.Lines {
			switch l.Type {
			case LineAdd:
				f.Additions++
			case LineDel:
				f.Deletions++
			}
		}
	}
}

// CommentableLines returns the new-side line numbers that can carry an inline
// comment: added and context lines.
func (f ParsedFile) CommentableLines() map[int]bool {
	result := make(map[int]bool)
	for _, h := range f.Hunks {
		for _, l := range h.Lines {
			if l.NewLine != nil {
				result[*l.NewLine] = true
			}
		}
	}
	return result
}

// AddedLines returns the content of up to n added lines in order. n <= 0 means all.
func (f ParsedFile) AddedLines(n int) []string {
	var out []string
	for _, h := range f.Hunks {
		for _, l := range h.Lines {
			if l.Type != LineAdd {
				continue
			}
			out = append(out, l.Content)
			if n > 0 && len(out) == n {
				return out
			}
		}
	}
	return out
}

// LineCount returns the number of lines across all hunks.
func (f ParsedFile) LineCount() int {
	n := 0
	for _, h := range f.Hunks {
		n += len(h.Lines)
	}
	return n
}

// Render produces the diff annotated with new-file line numbers. Each hunk
// line is prefixed with "NNNNN | "; deleted lines get a blank number column.
func (f ParsedFile) Render() string {
	var b strings.Builder
	b.WriteString("--- ")
	b.WriteString(f.Filename)
	b.WriteString(" (")
	b.WriteString(string(f.Status))
	if f.PreviousFilename != "" {
		b.WriteString(", from ")
		b.WriteString(f.PreviousFilename)
	}
	b.WriteString(")\n")

	if len(f.Hunks) == 0 {
		b.WriteString("(no textual changes)\n")
		return b.String()
	}

	for _, h := range f.Hunks {
		fmt.Fprintf(&b, "@@ -%d,%d +%d,%d @@\n", h.OldStart, h.OldLines, h.NewStart, h.NewLines)
		for _, l := range h.Lines {
			if l.NewLine != nil {
				fmt.Fprintf(&b, "%5d | ", *l.NewLine)
			} else {
				b.WriteString("      | ")
			}
			switch l.Type {
			case LineAdd:
				b.WriteByte('+')
			case LineDel:
				b.WriteByte('-')
			default:
				b.WriteByte(' ')
			}
			b.WriteString(l.Content)
			b.WriteByte('\n')
		}
	}
	if f.Truncated {
		b.WriteString("... (truncated)\n")
	}
	return b.String()
}

func normalizeStatus(s Status) Status {
	switch s {
	case StatusAdded, StatusRemoved, StatusRenamed:
		return s
	case "deleted":
		return StatusRemoved
	default:
		return StatusModified
	}
}

func stripPrefix(name, prefix string) string {
	if name == "/dev/null" {
		return ""
	}
	return strings.TrimPrefix(name, prefix)
}

func countOrOne(s string) int {
	if s == "" {
		return 1
	}
	return atoi(s)
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func intPtr(n int) *int {
	return &n
}
