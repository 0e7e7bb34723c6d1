package patch

import (
	"sort"
	"strings"
)

const (
	charsPerToken   = 4
	perLineOverhead = 1
	perFileOverhead = 20

	// A file costing more than soloThreshold of the budget is truncated down
	// to truncateTarget of the budget and placed in its own chunk.
	soloThreshold  = 0.8
	truncateTarget = 0.7
)

// FileChunk is a group of files reviewed together.
type FileChunk struct {
	Files           []ParsedFile
	EstimatedTokens int
	Index           int
	Total           int
}

// Paths returns the filenames in the chunk.
func (c FileChunk) Paths() []string {
	paths := make([]string, len(c.Files))
	for i, f := range c.Files {
		paths[i] = f.Filename
	}
	return paths
}

// Render concatenates the annotated diffs of every file in the chunk.
func (c FileChunk) Render() string {
	var b strings.Builder
	for i, f := range c.Files {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(f.Render())
	}
	return b.String()
}

// EstimateTokens returns the deterministic token estimate for a file.
func EstimateTokens(f ParsedFile) int {
	chars, lines := 0, 0
	for _, h := range f.Hunks {
		for _, l := range h.Lines {
			chars += len(l.Content)
			lines++
		}
	}
	return estimate(chars, lines)
}

// EstimateText returns the token estimate for free text.
func EstimateText(s string) int {
	return ceilDiv(len(s), charsPerToken)
}

func estimate(chars, lines int) int {
	return ceilDiv(chars, charsPerToken) + lines*perLineOverhead + perFileOverhead
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// Chunk groups files into chunks that fit within tokenBudget. Files are
// ordered source, config, test, docs, smaller first within a class, and
// packed greedily. Every input file lands in exactly one chunk.
func Chunk(files []ParsedFile, tokenBudget int) []FileChunk {
	if len(files) == 0 {
		return nil
	}
	if tokenBudget <= 0 {
		tokenBudget = 1
	}

	type entry struct {
		file ParsedFile
		kind Kind
		cost int
	}
	entries := make([]entry, len(files))
	for i, f := range files {
		entries[i] = entry{file: f, kind: Classify(f.Filename), cost: EstimateTokens(f)}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].kind != entries[j].kind {
			return entries[i].kind < entries[j].kind
		}
		return entries[i].cost < entries[j].cost
	})

	var chunks []FileChunk
	var current FileChunk
	flush := func() {
		if len(current.Files) > 0 {
			chunks = append(chunks, current)
			current = FileChunk{}
		}
	}

	for _, e := range entries {
		if float64(e.cost) > soloThreshold*float64(tokenBudget) {
			flush()
			truncated := Truncate(e.file, int(truncateTarget*float64(tokenBudget)))
			chunks = append(chunks, FileChunk{
				Files:           []ParsedFile{truncated},
				EstimatedTokens: EstimateTokens(truncated),
			})
			continue
		}

		if current.EstimatedTokens+e.cost > tokenBudget && len(current.Files) > 0 {
			flush()
		}
		current.Files = append(current.Files, e.file)
		current.EstimatedTokens += e.cost
	}
	flush()

	total := len(chunks)
	for i := range chunks {
		chunks[i].Index = i
		chunks[i].Total = total
	}
	return chunks
}

// Truncate drops trailing lines from f until its estimate is at most maxTokens.
// Hunk header counts and additions/deletions are recomputed for the retained
// lines; hunks left empty are removed.
func Truncate(f ParsedFile, maxTokens int) ParsedFile {
	if EstimateTokens(f) <= maxTokens {
		return f
	}

	out := f
	out.Hunks = nil
	out.Truncated = true

	chars, lines := 0, 0
	for _, h := range f.Hunks {
		kept := Hunk{OldStart: h.OldStart, NewStart: h.NewStart}
		full := false
		for _, l := range h.Lines {
			if estimate(chars+len(l.Content), lines+1) > maxTokens {
				full = true
				break
			}
			chars += len(l.Content)
			lines++
			kept.Lines = append(kept.Lines, l)
			switch l.Type {
			case LineAdd:
				kept.NewLines++
			case LineDel:
				kept.OldLines++
			default:
				kept.OldLines++
				kept.NewLines++
			}
		}
		if len(kept.Lines) > 0 {
			out.Hunks = append(out.Hunks, kept)
		}
		if full {
			break
		}
	}

	out.recount()
	return out
}
