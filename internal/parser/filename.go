package parser

import (
	"path"
	"regexp"
	"strings"
	"unicode"
)

const (
	minFilenameLen = 3
	maxFilenameLen = 100
)

var (
	extensionRegex = regexp.MustCompile(`[^./]\.[A-Za-z0-9_+-]+$`)
	listItemRegex  = regexp.MustCompile(`^(?:\d+[.)]\s|[-*+]\s|[-*+]$)`)

	// Keywords that start source lines rather than paths
	codePrefixes = []string{
		"import", "export", "const", "let", "var", "def", "class", "function",
		"func", "from", "return", "package", "public", "private", "protected",
		"static", "async", "await", "require", "include", "#include", "use",
		"using", "namespace", "interface", "type", "struct", "enum", "if",
		"for", "while", "print",
	}
)

// IsValidFilename reports whether a candidate extracted from agent output can
// be treated as a relative file path. It has no side effects.
func IsValidFilename(name string) bool {
	return FilenameProblem(name) == ""
}

// FilenameProblem returns why name is not a valid filename, or "" if it is
func FilenameProblem(name string) string {
	if len(name) < minFilenameLen || len(name) > maxFilenameLen {
		return "length out of range"
	}
	if listItemRegex.MatchString(name) {
		return "list item"
	}
	for _, r := range name {
		if unicode.IsSpace(r) {
			return "contains whitespace"
		}
		if unicode.IsControl(r) || strings.ContainsRune(`<>:"|?*\(){};=,'`+"`", r) {
			return "invalid character"
		}
	}
	if hasCodePrefix(name) {
		return "looks like code"
	}
	if strings.HasPrefix(name, "/") {
		return "absolute path"
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." {
			return "path traversal"
		}
	}
	if !extensionRegex.MatchString(path.Base(name)) && !extensionRegex.MatchString(name) {
		return "missing extension"
	}
	return ""
}

// hasCodePrefix matches keyword-led text such as "import os" or "def(x)".
// A keyword used as a file stem ("class.py", "types.go") is allowed.
func hasCodePrefix(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range codePrefixes {
		if !strings.HasPrefix(lower, kw) {
			continue
		}
		rest := lower[len(kw):]
		if rest == "" {
			return true
		}
		switch rest[0] {
		case ' ', '\t', '(', '{', '<', '[', ':', '=', ';', '"', '\'':
			return true
		}
	}
	return false
}

var extensionLanguages = map[string]string{
	".js":    "javascript",
	".jsx":   "javascript",
	".mjs":   "javascript",
	".cjs":   "javascript",
	".ts":    "typescript",
	".tsx":   "typescript",
	".py":    "python",
	".go":    "go",
	".rs":    "rust",
	".java":  "java",
	".kt":    "kotlin",
	".rb":    "ruby",
	".php":   "php",
	".cs":    "csharp",
	".c":     "c",
	".h":     "c",
	".cpp":   "cpp",
	".hpp":   "cpp",
	".swift": "swift",
	".json":  "json",
	".yml":   "yaml",
	".yaml":  "yaml",
	".toml":  "toml",
	".xml":   "xml",
	".md":    "markdown",
	".html":  "html",
	".css":   "css",
	".scss":  "scss",
	".sql":   "sql",
	".sh":    "bash",
	".vue":   "vue",
}

// Language infers the language of a file from its extension, falling back to
// the fence info string and then "text".
func Language(filename, fenceTag string) string {
	if lang, ok := extensionLanguages[strings.ToLower(path.Ext(filename))]; ok {
		return lang
	}
	if fenceTag != "" {
		return fenceTag
	}
	return "text"
}
