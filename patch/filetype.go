package patch

import (
	"path/filepath"
	"strings"
)

// Kind is the review priority class of a file. Lower values are reviewed first.
type Kind int

const (
	KindSource Kind = iota
	KindConfig
	KindTest
	KindDocs
)

func (k Kind) String() string {
	switch k {
	case KindSource:
		return "source"
	case KindConfig:
		return "config"
	case KindTest:
		return "test"
	default:
		return "docs"
	}
}

// DetectLanguage returns the programming language based on file extension.
func DetectLanguage(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".go":
		return "go"
	case ".ts", ".tsx":
		return "typescript"
	case ".js", ".jsx", ".mjs", ".cjs":
		return "javascript"
	case ".py":
		return "python"
	case ".rb":
		return "ruby"
	case ".java":
		return "java"
	case ".kt", ".kts":
		return "kotlin"
	case ".swift":
		return "swift"
	case ".rs":
		return "rust"
	case ".c", ".h":
		return "c"
	case ".cpp", ".cc", ".cxx", ".hpp", ".hxx":
		return "cpp"
	case ".cs":
		return "csharp"
	case ".php":
		return "php"
	case ".scala":
		return "scala"
	case ".ex", ".exs":
		return "elixir"
	case ".sh", ".bash":
		return "shell"
	case ".sql":
		return "sql"
	default:
		return ""
	}
}

var configExtensions = map[string]bool{
	".yml": true, ".yaml": true, ".json": true, ".toml": true, ".ini": true,
	".cfg": true, ".conf": true, ".env": true, ".properties": true, ".xml": true,
	".mod": true, ".sum": true, ".lock": true,
}

var configNames = map[string]bool{
	"dockerfile": true, "makefile": true, ".gitignore": true, ".dockerignore": true,
	".editorconfig": true, "package.json": true, "tsconfig.json": true,
}

var docsExtensions = map[string]bool{
	".md": true, ".markdown": true, ".rst": true, ".txt": true, ".adoc": true,
}

// Classify returns the priority class for a path.
func Classify(path string) Kind {
	if IsTestFile(path) {
		return KindTest
	}
	base := strings.ToLower(filepath.Base(path))
	ext := strings.ToLower(filepath.Ext(base))
	switch {
	case docsExtensions[ext], strings.HasPrefix(path, "docs/"), base == "license":
		return KindDocs
	case configNames[base], configExtensions[ext]:
		return KindConfig
	case DetectLanguage(path) != "":
		return KindSource
	case ext == "":
		return KindConfig
	default:
		return KindSource
	}
}

// IsTestFile reports whether path follows a known test naming convention.
func IsTestFile(path string) bool {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(base, ext)

	if strings.Contains(path, "__tests__/") || strings.HasPrefix(path, "tests/") || strings.Contains(path, "/tests/") {
		return true
	}

	switch DetectLanguage(path) {
	case "go":
		return strings.HasSuffix(name, "_test")
	case "typescript", "javascript":
		return strings.HasSuffix(name, ".test") || strings.HasSuffix(name, ".spec")
	case "python":
		return strings.HasPrefix(name, "test_") || strings.HasSuffix(name, "_test")
	case "ruby":
		return strings.HasSuffix(name, "_spec") || strings.HasSuffix(name, "_test")
	case "java", "kotlin":
		return strings.HasSuffix(name, "Test") || strings.Contains(path, "/src/test/")
	default:
		return false
	}
}
