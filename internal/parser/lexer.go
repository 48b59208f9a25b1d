package parser

import (
	"regexp"
	"strings"
)

type tokenKind int

const (
	tokText tokenKind = iota
	tokBlank
	tokHeader   // markdown header, possibly naming a file
	tokSentence // "Here is the updated content for `file`:"
	tokFence    // complete fenced code block
)

type token struct {
	kind tokenKind
	name string // candidate filename (header, sentence)
	lang string // fence info string
	body string // fence content
	line int
}

var (
	headerLine   = regexp.MustCompile(`^\s{0,3}#{1,6}\s+(.+?)\s*#*\s*$`)
	sentenceLine = regexp.MustCompile("(?i)here\\s+is\\s+the\\s+updated\\s+content\\s+for\\s+`([^`]+)`\\s*:?")
	fenceOpen    = regexp.MustCompile("^\\s{0,3}(`{3,}|~{3,})\\s*([^`\\s]*)")
	backquoted   = regexp.MustCompile("`([^`]+)`")
	labelPrefix  = regexp.MustCompile(`(?i)^(?:file(?:name)?|path)\s*:\s*`)
)

// lex splits agent output into tokens. Fenced blocks are consumed whole so
// that header-like lines inside code never become tokens of their own.
func lex(text string) []token {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	var tokens []token

	for i := 0; i < len(lines); i++ {
		line := lines[i]

		if m := fenceOpen.FindStringSubmatch(line); m != nil {
			marker := m[1]
			var body []string
			j := i + 1
			for ; j < len(lines); j++ {
				if isFenceClose(lines[j], marker) {
					break
				}
				body = append(body, lines[j])
			}
			tokens = append(tokens, token{
				kind: tokFence,
				lang: strings.ToLower(m[2]),
				body: strings.Join(body, "\n"),
				line: i + 1,
			})
			i = j
			continue
		}

		if strings.TrimSpace(line) == "" {
			tokens = append(tokens, token{kind: tokBlank, line: i + 1})
			continue
		}

		if m := sentenceLine.FindStringSubmatch(line); m != nil {
			tokens = append(tokens, token{kind: tokSentence, name: strings.TrimSpace(m[1]), line: i + 1})
			continue
		}

		if m := headerLine.FindStringSubmatch(line); m != nil {
			tokens = append(tokens, token{kind: tokHeader, name: headerCandidate(m[1]), line: i + 1})
			continue
		}

		tokens = append(tokens, token{kind: tokText, line: i + 1})
	}

	return tokens
}

func isFenceClose(line, marker string) bool {
	trimmed := strings.TrimSpace(line)
	if len(trimmed) < len(marker) {
		return false
	}
	return strings.Trim(trimmed, marker[:1]) == ""
}

// headerCandidate extracts the filename from the title of a markdown header,
// e.g. "File: `src/app.js`" from "### File: `src/app.js`" or "src/app.js"
// from "#### **src/app.js**:". A bold line without a leading # is prose.
func headerCandidate(title string) string {
	if m := backquoted.FindStringSubmatch(title); m != nil {
		return strings.TrimSpace(m[1])
	}
	name := strings.TrimSuffix(strings.TrimSpace(title), ":")
	name = strings.Trim(name, "*_ ")
	name = labelPrefix.ReplaceAllString(name, "")
	name = strings.Trim(name, "*_ ")
	return strings.TrimSuffix(name, ":")
}
