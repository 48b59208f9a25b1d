// Package prompts provides the agent prompt and fallback scaffold templates
// with override support.
package prompts

import "embed"

//go:embed implement/*.md scaffold/*.md
var embeddedFS embed.FS
