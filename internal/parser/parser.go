// Package parser extracts whole-file edits from a code-generation agent's
// free-text response.
//
// Two conventions are recognized, in priority order:
//
//	HeaderBlock   := Header Blank* Fence     e.g. "### `src/app.js`" then ```js ... ```
//	SentenceBlock := Sentence Blank* Fence   e.g. "Here is the updated content for `src/app.js`:"
//
// Header blocks are collected first; a filename already claimed by an earlier
// match is ignored.
package parser

import (
	"strings"
)

// Convention identifies which grammar rule produced a change
type Convention string

const (
	ConventionHeader   Convention = "header"
	ConventionSentence Convention = "sentence"
)

// FileChange is a complete replacement for one file
type FileChange struct {
	Filename   string
	Content    string
	Language   string
	Convention Convention
	Line       int
}

// Rejection records a candidate filename that failed validation
type Rejection struct {
	Candidate string
	Reason    string
	Line      int
}

// Result holds the accepted changes in output order plus rejected candidates
type Result struct {
	Changes  []FileChange
	Rejected []Rejection
}

// Filenames returns the accepted filenames in order
func (r Result) Filenames() []string {
	names := make([]string, len(r.Changes))
	for i, c := range r.Changes {
		names[i] = c.Filename
	}
	return names
}

// Parse extracts file changes from agent output
func Parse(text string) Result {
	tokens := lex(text)

	var res Result
	seen := make(map[string]bool)

	for _, rule := range []struct {
		lead       tokenKind
		convention Convention
	}{
		{tokHeader, ConventionHeader},
		{tokSentence, ConventionSentence},
	} {
		for i, tok := range tokens {
			if tok.kind != rule.lead {
				continue
			}
			fence, ok := followingFence(tokens, i)
			if !ok {
				continue
			}

			if reason := FilenameProblem(tok.name); reason != "" {
				res.Rejected = append(res.Rejected, Rejection{Candidate: tok.name, Reason: reason, Line: tok.line})
				continue
			}

			name := normalize(tok.name)
			if seen[name] {
				continue
			}
			seen[name] = true

			res.Changes = append(res.Changes, FileChange{
				Filename:   name,
				Content:    fence.body,
				Language:   Language(name, fence.lang),
				Convention: rule.convention,
				Line:       tok.line,
			})
		}
	}

	return res
}

// followingFence returns the fence that follows tokens[i], allowing blank lines in between
func followingFence(tokens []token, i int) (token, bool) {
	for j := i + 1; j < len(tokens); j++ {
		switch tokens[j].kind {
		case tokBlank:
			continue
		case tokFence:
			return tokens[j], true
		default:
			return token{}, false
		}
	}
	return token{}, false
}

func normalize(name string) string {
	return strings.TrimPrefix(name, "./")
}
