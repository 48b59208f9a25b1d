package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Agent         AgentConfig         `toml:"agent"`
	Validation    ValidationConfig    `toml:"validation"`
	GitHub        GitHubConfig        `toml:"github"`
	Deploy        DeployConfig        `toml:"deploy"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
	Intake        IntakeConfig        `toml:"intake"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	WorkspaceRoot string   `toml:"workspace_root"`
	DatabasePath  string   `toml:"database_path"`
	SchedulePath  string   `toml:"schedule_path"`
	LogLevel      string   `toml:"log_level"`
	GitTimeout    Duration `toml:"git_timeout"`
}

// AgentConfig configures the code-generation agent subprocess
type AgentConfig struct {
	Executor       string   `toml:"executor"` // claude-code, opencode or command
	Command        string   `toml:"command"`
	Args           []string `toml:"args"`
	Model          string   `toml:"model"`
	Timeout        Duration `toml:"timeout"`
	MaxOutputBytes int      `toml:"max_output_bytes"`
}

// ValidationConfig configures lint/test dispatch
type ValidationConfig struct {
	Enabled        bool     `toml:"enabled"`
	CommandTimeout Duration `toml:"command_timeout"`
}

// GitHubConfig holds pull request settings
type GitHubConfig struct {
	CreatePR bool   `toml:"create_pr"`
	UseAPI   bool   `toml:"use_api"`
	Token    string `toml:"token"`
	APIURL   string `toml:"api_url"`
}

// DeployConfig holds deployment trigger and cache settings
type DeployConfig struct {
	Enabled         bool     `toml:"enabled"`
	HookURL         string   `toml:"hook_url"`
	Token           string   `toml:"token"`
	CacheTTL        Duration `toml:"cache_ttl"`
	PersistedMaxAge Duration `toml:"persisted_max_age"`
	RatePerMinute   int      `toml:"rate_per_minute"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds API server settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// IntakeConfig configures the request inbox watcher
type IntakeConfig struct {
	InboxDir string   `toml:"inbox_dir"`
	Debounce Duration `toml:"debounce"`
}

// Duration is a time.Duration that reads TOML strings like "5m"
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".impl-orch")
	return &Config{
		General: GeneralConfig{
			WorkspaceRoot: filepath.Join(base, "workspaces"),
			DatabasePath:  filepath.Join(base, "records.db"),
			SchedulePath:  filepath.Join(home, ".config", "impl-orch", "schedule.toml"),
			LogLevel:      "info",
			GitTimeout:    Duration{2 * time.Minute},
		},
		Agent: AgentConfig{
			Executor:       "claude-code",
			Timeout:        Duration{10 * time.Minute},
			MaxOutputBytes: 10 << 20,
		},
		Validation: ValidationConfig{
			Enabled:        true,
			CommandTimeout: Duration{5 * time.Minute},
		},
		GitHub: GitHubConfig{
			CreatePR: true,
		},
		Deploy: DeployConfig{
			CacheTTL:        Duration{5 * time.Minute},
			PersistedMaxAge: Duration{24 * time.Hour},
			RatePerMinute:   30,
		},
		Notifications: NotificationsConfig{
			Desktop: false,
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		Intake: IntakeConfig{
			Debounce: Duration{500 * time.Millisecond},
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults.
// Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	// Expand paths
	cfg.General.WorkspaceRoot = ExpandPath(cfg.General.WorkspaceRoot)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.SchedulePath = ExpandPath(cfg.General.SchedulePath)
	cfg.Intake.InboxDir = ExpandPath(cfg.Intake.InboxDir)

	return cfg, cfg.Validate()
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GITHUB_TOKEN"); v != "" && c.GitHub.Token == "" {
		c.GitHub.Token = v
	}
	if v := os.Getenv("IMPL_ORCH_DEPLOY_HOOK"); v != "" {
		c.Deploy.HookURL = v
	}
	if v := os.Getenv("IMPL_ORCH_WORKSPACE_ROOT"); v != "" {
		c.General.WorkspaceRoot = v
	}
}

// Validate checks that required values are usable
func (c *Config) Validate() error {
	if c.General.WorkspaceRoot == "" {
		return fmt.Errorf("general.workspace_root is required")
	}
	switch c.Agent.Executor {
	case "claude-code", "opencode":
	case "command":
		if c.Agent.Command == "" {
			return fmt.Errorf("agent.command is required for the command executor")
		}
	default:
		return fmt.Errorf("unknown agent.executor %q", c.Agent.Executor)
	}
	if c.Agent.Timeout.Duration <= 0 {
		return fmt.Errorf("agent.timeout must be positive")
	}
	if c.Deploy.Enabled && c.Deploy.HookURL == "" {
		return fmt.Errorf("deploy.hook_url is required when deploy.enabled is set")
	}
	if c.Deploy.CacheTTL.Duration <= 0 {
		return fmt.Errorf("deploy.cache_ttl must be positive")
	}
	return nil
}

// Save writes the configuration as TOML
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "impl-orch", "config.toml")
}
