package domain

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// ParseRepoURL extracts owner and repository name from https, ssh and scp-style git URLs
func ParseRepoURL(raw string) (owner, repo string, err error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimSuffix(s, "/")
	s = strings.TrimSuffix(s, ".git")

	var p string
	switch {
	case strings.Contains(s, "://"):
		u, perr := url.Parse(s)
		if perr != nil {
			return "", "", fmt.Errorf("parse repo url %q: %w", raw, perr)
		}
		p = u.Path
	case strings.Contains(s, ":") && strings.Contains(s, "@"):
		// git@github.com:owner/repo
		p = s[strings.Index(s, ":")+1:]
	default:
		p = s
	}

	p = strings.Trim(p, "/")
	parts := strings.Split(p, "/")
	if len(parts) < 2 || parts[len(parts)-1] == "" || parts[len(parts)-2] == "" {
		return "", "", fmt.Errorf("repo url %q has no owner/name", raw)
	}
	return parts[len(parts)-2], parts[len(parts)-1], nil
}

// ProjectNameFor derives a workspace project name from a repository URL
// as owner-repo. Local paths use the directory name.
func ProjectNameFor(repoURL string) string {
	owner, repo, err := ParseRepoURL(repoURL)
	if err != nil || isLocalPath(repoURL) {
		return sanitizeName(path.Base(strings.TrimSuffix(strings.TrimSuffix(repoURL, "/"), ".git")))
	}
	return sanitizeName(owner + "-" + repo)
}

// CleanProjectName maps a caller-supplied project name onto the same
// single-segment alphabet ProjectNameFor produces. The result is never
// empty and never contains a path separator.
func CleanProjectName(name string) string {
	return sanitizeName(name)
}

// ValidateProjectName rejects names that would not map to exactly one
// directory below the workspace root
func ValidateProjectName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return errors.New("project name is empty")
	case name == "." || name == "..":
		return fmt.Errorf("project name %q is not a directory name", name)
	case strings.ContainsAny(name, `/\`+"\x00"):
		return fmt.Errorf("project name %q contains a path separator", name)
	}
	return nil
}

func isLocalPath(s string) bool {
	return strings.HasPrefix(s, "/") || strings.HasPrefix(s, ".") || strings.HasPrefix(s, "file://")
}

func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	name := strings.Trim(b.String(), "-.")
	if name == "" {
		return "project"
	}
	return name
}
