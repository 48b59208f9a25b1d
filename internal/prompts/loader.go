package prompts

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Loader manages prompt templates with override support.
type Loader struct {
	overrideDirs []string // Directories to check for overrides (in priority order)
	cache        map[string]*template.Template
	metaCache    map[string]*TemplateMeta
	mu           sync.RWMutex
}

// TemplateMeta holds frontmatter metadata for scaffold templates.
type TemplateMeta struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Categories  []string `yaml:"categories"`
	Target      string   `yaml:"target"` // template for the output path
}

// NewLoader creates a loader with the given override directories.
// Directories are checked in order; first match wins.
func NewLoader(overrideDirs ...string) *Loader {
	return &Loader{
		overrideDirs: overrideDirs,
		cache:        make(map[string]*template.Template),
		metaCache:    make(map[string]*TemplateMeta),
	}
}

// DefaultLoader creates a loader with standard override paths:
// 1. Project-local: .impl-orch/prompts/
// 2. User config: ~/.config/impl-orch/prompts/
func DefaultLoader(projectRoot string) *Loader {
	home, _ := os.UserHomeDir()
	dirs := []string{}

	if projectRoot != "" {
		dirs = append(dirs, filepath.Join(projectRoot, ".impl-orch", "prompts"))
	}
	dirs = append(dirs, filepath.Join(home, ".config", "impl-orch", "prompts"))

	return NewLoader(dirs...)
}

// loadContent loads raw content from override dirs or embedded FS.
func (l *Loader) loadContent(name string) ([]byte, error) {
	for _, dir := range l.overrideDirs {
		if data, err := os.ReadFile(filepath.Join(dir, name)); err == nil {
			return data, nil
		}
	}
	return fs.ReadFile(embeddedFS, name)
}

// parseFrontmatter splits content into frontmatter and body.
func parseFrontmatter(content []byte) (*TemplateMeta, string, error) {
	str := string(content)

	if !strings.HasPrefix(str, "---\n") {
		return nil, str, nil
	}

	end := strings.Index(str[4:], "\n---\n")
	if end == -1 {
		return nil, str, nil // Malformed, treat as no frontmatter
	}

	frontmatter := str[4 : 4+end]
	body := str[4+end+5:]

	var meta TemplateMeta
	if err := yaml.Unmarshal([]byte(frontmatter), &meta); err != nil {
		return nil, "", fmt.Errorf("parse frontmatter: %w", err)
	}

	return &meta, body, nil
}

// LoadTemplate loads and parses a template by path (e.g., "implement/task.md").
func (l *Loader) LoadTemplate(name string) (*template.Template, *TemplateMeta, error) {
	l.mu.RLock()
	if tmpl, ok := l.cache[name]; ok {
		meta := l.metaCache[name]
		l.mu.RUnlock()
		return tmpl, meta, nil
	}
	l.mu.RUnlock()

	content, err := l.loadContent(name)
	if err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", name, err)
	}

	meta, body, err := parseFrontmatter(content)
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", name, err)
	}

	tmpl, err := template.New(name).Option("missingkey=zero").Parse(body)
	if err != nil {
		return nil, nil, fmt.Errorf("compile template %s: %w", name, err)
	}

	l.mu.Lock()
	l.cache[name] = tmpl
	l.metaCache[name] = meta
	l.mu.Unlock()

	return tmpl, meta, nil
}

// Execute loads and executes a template with the given data.
func (l *Loader) Execute(name string, data any) (string, error) {
	tmpl, _, err := l.LoadTemplate(name)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute %s: %w", name, err)
	}

	return buf.String(), nil
}

// TaskData holds template variables for the implementation prompt.
type TaskData struct {
	Title         string
	Description   string
	Category      string
	Difficulty    string
	Priority      string
	EstimatedTime string
	TechStack     string
}

// ScaffoldData holds template variables for fallback files.
type ScaffoldData struct {
	TaskData
	RequestID    string
	Slug         string
	Date         string
	ScaffoldPath string
}

// Rendered is a generated file relative to the workspace root.
type Rendered struct {
	Path    string
	Content string
}

// BuildTaskPrompt executes the implementation prompt template.
func (l *Loader) BuildTaskPrompt(data TaskData) (string, error) {
	return l.Execute("implement/task.md", data)
}

// ScaffoldTemplate returns the scaffold template path for a category,
// falling back to the generic scaffold.
func (l *Loader) ScaffoldTemplate(category string) (string, error) {
	category = strings.ToLower(strings.TrimSpace(category))

	entries, err := fs.ReadDir(embeddedFS, "scaffold")
	if err != nil {
		return "", err
	}
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == "note.md" || entry.Name() == "generic.md" {
			continue
		}
		name := path.Join("scaffold", entry.Name())
		_, meta, err := l.LoadTemplate(name)
		if err != nil {
			return "", err
		}
		if meta != nil && slices.Contains(meta.Categories, category) {
			return name, nil
		}
	}
	return "scaffold/generic.md", nil
}

// RenderScaffold renders the category scaffold and its target path.
func (l *Loader) RenderScaffold(category string, data ScaffoldData) (Rendered, error) {
	name, err := l.ScaffoldTemplate(category)
	if err != nil {
		return Rendered{}, err
	}
	return l.render(name, data)
}

// RenderNote renders the implementation note.
func (l *Loader) RenderNote(data ScaffoldData) (Rendered, error) {
	return l.render("scaffold/note.md", data)
}

func (l *Loader) render(name string, data ScaffoldData) (Rendered, error) {
	_, meta, err := l.LoadTemplate(name)
	if err != nil {
		return Rendered{}, err
	}
	if meta == nil || meta.Target == "" {
		return Rendered{}, fmt.Errorf("%s: frontmatter has no target", name)
	}

	target, err := template.New(name + "#target").Parse(meta.Target)
	if err != nil {
		return Rendered{}, fmt.Errorf("compile target of %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := target.Execute(&buf, data); err != nil {
		return Rendered{}, fmt.Errorf("execute target of %s: %w", name, err)
	}

	content, err := l.Execute(name, data)
	if err != nil {
		return Rendered{}, err
	}
	return Rendered{Path: buf.String(), Content: content}, nil
}

// ClearCache clears the template cache (useful for development/testing).
func (l *Loader) ClearCache() {
	l.mu.Lock()
	l.cache = make(map[string]*template.Template)
	l.metaCache = make(map[string]*TemplateMeta)
	l.mu.Unlock()
}
