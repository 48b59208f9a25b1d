package batch

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/hochfrequenz/recommendation-implementer/internal/config"
	"github.com/hochfrequenz/recommendation-implementer/internal/domain"
)

// BatchConfig represents a scheduled batch configuration
type BatchConfig struct {
	Name         string          `toml:"name"`
	Cron         string          `toml:"cron"`
	RequestsFile string          `toml:"requests_file"`
	RepoURL      string          `toml:"repo_url"`     // overrides the request file
	ProjectName  string          `toml:"project_name"` // overrides the request file
	MaxItems     int             `toml:"max_items"`
	MaxDuration  config.Duration `toml:"max_duration"`
	CreatePR     *bool           `toml:"create_pr"`
	Deploy       *bool           `toml:"deploy"`
}

// ScheduleConfig holds all batch configurations
type ScheduleConfig struct {
	Batches []BatchConfig `toml:"batch"`
}

// Validate checks if the config is valid
func (c *BatchConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("batch name is required")
	}
	if c.Cron == "" {
		return fmt.Errorf("cron expression is required")
	}
	if _, err := ParseCron(c.Cron); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	if c.RequestsFile == "" {
		return fmt.Errorf("batch %s: requests_file is required", c.Name)
	}
	if c.MaxItems <= 0 {
		c.MaxItems = 10 // Default
	}
	if c.MaxDuration.Duration <= 0 {
		c.MaxDuration.Duration = 4 * time.Hour // Default
	}
	return nil
}

// Requests loads the batch's request file, applies the repository overrides
// and caps the list at MaxItems
func (c BatchConfig) Requests() (*domain.RequestFile, error) {
	f, err := domain.LoadRequestFile(config.ExpandPath(c.RequestsFile))
	if err != nil {
		return nil, fmt.Errorf("batch %s: %w", c.Name, err)
	}
	if c.RepoURL != "" {
		f.RepoURL = c.RepoURL
	}
	if c.ProjectName != "" {
		f.ProjectName = c.ProjectName
	}
	if c.CreatePR != nil {
		f.CreatePR = c.CreatePR
	}
	if c.Deploy != nil {
		f.Deploy = c.Deploy
	}
	if c.MaxItems > 0 && len(f.Requests) > c.MaxItems {
		f.Requests = f.Requests[:c.MaxItems]
	}
	return f, nil
}

// LoadScheduleConfig loads batch configuration from a TOML file. Relative
// requests_file paths resolve against the schedule file's directory.
func LoadScheduleConfig(path string) (*ScheduleConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ScheduleConfig{}, nil
		}
		return nil, err
	}

	var cfg ScheduleConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Validate all batches
	for i := range cfg.Batches {
		if err := cfg.Batches[i].Validate(); err != nil {
			return nil, fmt.Errorf("batch %d: %w", i, err)
		}
		rf := cfg.Batches[i].RequestsFile
		if !filepath.IsAbs(rf) && rf[0] != '~' {
			cfg.Batches[i].RequestsFile = filepath.Join(filepath.Dir(path), rf)
		}
	}

	return &cfg, nil
}
