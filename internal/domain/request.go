package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Request is a natural-language improvement recommendation for a repository.
// It is never mutated once accepted.
type Request struct {
	ID            string   `yaml:"id" json:"id"`
	Title         string   `yaml:"title" json:"title"`
	Description   string   `yaml:"description" json:"description"`
	Category      string   `yaml:"category" json:"category"`
	Difficulty    string   `yaml:"difficulty" json:"difficulty"`
	Priority      string   `yaml:"priority" json:"priority"`
	EstimatedTime string   `yaml:"estimated_time" json:"estimatedTime"`
	TechStack     []string `yaml:"tech_stack" json:"techStack,omitempty"`
}

// Validate checks the request shape before a record is created for it
func (r Request) Validate() error {
	var errs []error
	if strings.TrimSpace(r.ID) == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if strings.TrimSpace(r.Title) == "" {
		errs = append(errs, errors.New("title is required"))
	}
	if strings.TrimSpace(r.Description) == "" {
		errs = append(errs, errors.New("description is required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid request %q: %w", r.ID, errors.Join(errs...))
	}
	return nil
}

// NormalizedCategory returns the lower-cased category used for template selection
func (r Request) NormalizedCategory() string {
	return strings.ToLower(strings.TrimSpace(r.Category))
}

// RequestFile is the on-disk format for a batch of requests against one repository.
// YAML files use snake_case keys. JSON files use the camelCase keys of the
// HTTP API, so a POST /api/batches body can be dropped into the inbox as is.
type RequestFile struct {
	RepoURL     string    `yaml:"repo_url" json:"repoUrl"`
	ProjectName string    `yaml:"project_name" json:"projectName"`
	CreatePR    *bool     `yaml:"create_pr,omitempty" json:"createPr,omitempty"`
	Deploy      *bool     `yaml:"deploy,omitempty" json:"deploy,omitempty"`
	Requests    []Request `yaml:"requests" json:"requests"`
}

// LoadRequestFile reads and validates a request file, choosing the decoder
// by extension
func LoadRequestFile(path string) (*RequestFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return ParseJSONRequestFile(data)
	}
	return ParseRequestFile(data)
}

// ParseRequestFile decodes YAML request file content
func ParseRequestFile(data []byte) (*RequestFile, error) {
	var f RequestFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse request file: %w", err)
	}
	return f.checked("repo_url")
}

// ParseJSONRequestFile decodes JSON request file content
func ParseJSONRequestFile(data []byte) (*RequestFile, error) {
	var f RequestFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse request file: %w", err)
	}
	return f.checked("repoUrl")
}

func (f *RequestFile) checked(repoKey string) (*RequestFile, error) {
	if f.RepoURL == "" {
		return nil, fmt.Errorf("request file: %s is required", repoKey)
	}
	if len(f.Requests) == 0 {
		return nil, errors.New("request file: no requests")
	}
	return f, nil
}
