package patch

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeFile builds a file with n added lines.
func makeFile(name string, n int) ParsedFile {
	var b strings.Builder
	fmt.Fprintf(&b, "@@ -0,0 +1,%d @@\n", n)
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "+line %03d of %s\n", i, name)
	}
	return ParsePatch(name, StatusAdded, b.String())
}

func TestEstimateTokens(t *testing.T) {
	file := ParsePatch("a.go", StatusAdded, "@@ -0,0 +1,2 @@\n+abcde\n+abc")
	// ceil(8/4) + 2 lines + 20 per file
	assert.Equal(t, 24, EstimateTokens(file))
	assert.Equal(t, 20, EstimateTokens(ParsedFile{Filename: "empty"}))
}

func TestChunk_Empty(t *testing.T) {
	assert.Empty(t, Chunk(nil, 1000))
}

func TestChunk_SmallFilesFitOneChunk(t *testing.T) {
	files := []ParsedFile{makeFile("a.go", 10), makeFile("b.go", 10), makeFile("c.go", 10)}

	chunks := Chunk(files, 10000)

	require.Len(t, chunks, 1)
	assert.Len(t, chunks[0].Files, 3)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, 1, chunks[0].Total)
}

func TestChunk_LargeFilesSplit(t *testing.T) {
	files := []ParsedFile{makeFile("a.go", 200), makeFile("b.go", 200), makeFile("c.go", 200)}

	chunks := Chunk(files, 500)

	assert.Greater(t, len(chunks), 1)
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, len(chunks), c.Total)
	}
}

func TestChunk_CoversEveryFileOnce(t *testing.T) {
	files := []ParsedFile{
		makeFile("main.go", 40),
		makeFile("README.md", 5),
		makeFile("config.yaml", 12),
		makeFile("main_test.go", 30),
		makeFile("util.go", 3),
		{Filename: "image.png", Status: StatusAdded},
		makeFile("huge.go", 400),
	}

	for _, budget := range []int{1, 50, 150, 500, 2000, 100000} {
		t.Run(fmt.Sprintf("budget=%d", budget), func(t *testing.T) {
			seen := make(map[string]int)
			for _, c := range Chunk(files, budget) {
				for _, f := range c.Files {
					seen[f.Filename]++
				}
			}
			require.Len(t, seen, len(files))
			for name, n := range seen {
				assert.Equal(t, 1, n, "file %s", name)
			}
		})
	}
}

func TestChunk_PriorityOrder(t *testing.T) {
	files := []ParsedFile{
		makeFile("README.md", 1),
		makeFile("main_test.go", 1),
		makeFile("config.yaml", 1),
		makeFile("big.go", 5),
		makeFile("small.go", 1),
	}

	chunks := Chunk(files, 100000)

	require.Len(t, chunks, 1)
	assert.Equal(t, []string{"small.go", "big.go", "config.yaml", "main_test.go", "README.md"}, chunks[0].Paths())
}

func TestChunk_OversizedFileTruncatedSolo(t *testing.T) {
	big := makeFile("big.go", 200)
	files := []ParsedFile{makeFile("small.go", 2), big}
	budget := 500

	chunks := Chunk(files, budget)

	var solo *FileChunk
	for i := range chunks {
		for _, f := range chunks[i].Files {
			if f.Filename == "big.go" {
				solo = &chunks[i]
			}
		}
	}
	require.NotNil(t, solo)
	require.Len(t, solo.Files, 1)

	got := solo.Files[0]
	assert.True(t, got.Truncated)
	assert.Less(t, EstimateTokens(got), EstimateTokens(big))
	assert.LessOrEqual(t, solo.EstimatedTokens, 350)
	assert.Less(t, got.Additions, big.Additions)

	require.Len(t, got.Hunks, 1)
	assert.Equal(t, got.Additions, got.Hunks[0].NewLines)
	assert.Equal(t, 0, got.Hunks[0].OldLines)
}

func TestTruncate_DropsEmptyHunks(t *testing.T) {
	file := ParsePatch("f.go", StatusModified, "@@ -1,2 +1,2 @@\n-aaaaaaaa\n+bbbbbbbb\n@@ -50,1 +50,1 @@\n-cccccccc\n+dddddddd")

	// room for the file overhead plus two short lines only
	got := Truncate(file, 26)

	require.Len(t, got.Hunks, 1)
	assert.Equal(t, 1, got.Additions)
	assert.Equal(t, 1, got.Deletions)
	assert.Equal(t, 1, got.Hunks[0].OldLines)
	assert.Equal(t, 1, got.Hunks[0].NewLines)
}

func TestTruncate_NoopWhenFits(t *testing.T) {
	file := makeFile("a.go", 3)
	got := Truncate(file, 10000)
	assert.False(t, got.Truncated)
	assert.Equal(t, file, got)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		path string
		want Kind
	}{
		{"main.go", KindSource},
		{"src/app.ts", KindSource},
		{"main_test.go", KindTest},
		{"src/app.spec.ts", KindTest},
		{"tests/test_api.py", KindTest},
		{"config.yaml", KindConfig},
		{"go.mod", KindConfig},
		{"Dockerfile", KindConfig},
		{"README.md", KindDocs},
		{"docs/guide.txt", KindDocs},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.path))
		})
	}
}
