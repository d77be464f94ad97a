// Package config loads duraloopd's YAML configuration file and applies
// environment variable overrides, following config
// conventions (defaults + validation passes, env override after decode).
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for duraloopd.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Session SessionConfig `yaml:"session"`
	Process ProcessConfig `yaml:"process"`
	LLM LLMConfig `yaml:"llm"`
	Tools ToolsConfig `yaml:"tools"`
	Auth AuthConfig `yaml:"auth"`
	Logging LoggingConfig `yaml:"logging"`
	Cron CronConfig `yaml:"cron"`
	Agents AgentsConfig `yaml:"agents"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	HTTPPort int `yaml:"http_port"`
	MetricsPort int `yaml:"metrics_port"`
}

// SessionConfig configures the event-sourced session store (§4.1).
type SessionConfig struct {
	DataDir string `yaml:"data_dir"`
	SnapshotEveryN int `yaml:"snapshot_every_n"`
	DatabaseURL string `yaml:"database_url"`
}

// ProcessConfig configures the Process Registry (§4.4).
type ProcessConfig struct {
	LogDir string `yaml:"log_dir"`
	MetaDir string `yaml:"meta_dir"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	CleanupAge time.Duration `yaml:"cleanup_age"`
	UseTmux bool `yaml:"use_tmux"`
}

type LLMConfig struct {
	DefaultProvider string `yaml:"default_provider"`
	Providers map[string]LLMProviderConfig `yaml:"providers"`
}

type LLMProviderConfig struct {
	APIKey string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
	OAuth bool `yaml:"oauth"`
}

// ToolsConfig configures the Tool Executor (§4.3).
type ToolsConfig struct {
	MaxIterations int `yaml:"max_iterations"`
	Parallelism int `yaml:"parallelism"`
	Timeout time.Duration `yaml:"timeout"`
	Approval ApprovalConfig `yaml:"approval"`
}

// ApprovalConfig controls the Tool Executor's policy gate.
type ApprovalConfig struct {
	Allowlist []string `yaml:"allowlist"`
	Denylist []string `yaml:"denylist"`
	DefaultDecision string `yaml:"default_decision"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	Format string `yaml:"format"`
}

// CronConfig is the narrow scheduler described in SPEC_FULL.md §10: the
// core owns no scheduling logic, only the process handle it's given.
type CronConfig struct {
	Enabled bool `yaml:"enabled"`
	Jobs []CronJobConfig `yaml:"jobs"`
}

type CronJobConfig struct {
	ID string `yaml:"id"`
	Schedule string `yaml:"schedule"`
	Command string `yaml:"command"`
	WorkDir string `yaml:"workdir"`
	SessionID string `yaml:"session_id"`
	AgentName string `yaml:"agent_name"`
	TimeoutSecs int `yaml:"timeout_secs"`
}

// AgentsConfig points at the directory of agent-spec YAML files loaded
// into the AgentResolver at startup.
type AgentsConfig struct {
	Dir string `yaml:"dir"`
}

// Load reads path, expands environment variables, decodes as a single
// YAML document, applies env overrides and defaults, then validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("config: expected a single YAML document")
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9090
	}
	if cfg.Session.DataDir == "" {
		cfg.Session.DataDir = "data/sessions"
	}
	if cfg.Session.SnapshotEveryN == 0 {
		cfg.Session.SnapshotEveryN = 20
	}
	if cfg.Process.LogDir == "" {
		cfg.Process.LogDir = "data/process/logs"
	}
	if cfg.Process.MetaDir == "" {
		cfg.Process.MetaDir = "data/process/meta"
	}
	if cfg.Process.CleanupInterval == 0 {
		cfg.Process.CleanupInterval = 5 * time.Minute
	}
	if cfg.Process.CleanupAge == 0 {
		cfg.Process.CleanupAge = 30 * time.Minute
	}
	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = "anthropic"
	}
	if cfg.Tools.MaxIterations == 0 {
		cfg.Tools.MaxIterations = 25
	}
	if cfg.Tools.Parallelism == 0 {
		cfg.Tools.Parallelism = 4
	}
	if cfg.Tools.Timeout == 0 {
		cfg.Tools.Timeout = 2 * time.Minute
	}
	if cfg.Tools.Approval.DefaultDecision == "" {
		cfg.Tools.Approval.DefaultDecision = "ask"
	}
	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 24 * time.Hour
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Agents.Dir == "" {
		cfg.Agents.Dir = "agents"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("DURALOOP_HOST")); v != "" {
		cfg.Server.Host = v
	}
	if v := strings.TrimSpace(os.Getenv("DURALOOP_HTTP_PORT")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.HTTPPort = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("DURALOOP_DATA_DIR")); v != "" {
		cfg.Session.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv("DURALOOP_JWT_SECRET")); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")); v != "" {
		setProviderAPIKey(cfg, "anthropic", v, false)
	}
	if v := strings.TrimSpace(os.Getenv("ANTHROPIC_OAUTH_TOKEN")); v != "" {
		setProviderAPIKey(cfg, "anthropic", v, true)
	}
	if v := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); v != "" {
		setProviderAPIKey(cfg, "openai", v, false)
	}
}

func setProviderAPIKey(cfg *Config, name, key string, oauth bool) {
	if cfg.LLM.Providers == nil {
		cfg.LLM.Providers = make(map[string]LLMProviderConfig)
	}
	entry := cfg.LLM.Providers[name]
	entry.APIKey = key
	entry.OAuth = oauth
	cfg.LLM.Providers[name] = entry
}

// ValidationError collects every problem found while validating a
// Config, so operators see all of them at once instead of one at a
// time across repeated restarts.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

func validate(cfg *Config) error {
	var issues []string

	if _, ok := cfg.LLM.Providers[cfg.LLM.DefaultProvider]; !ok {
		issues = append(issues, fmt.Sprintf("llm.providers missing entry for default_provider %q", cfg.LLM.DefaultProvider))
	}
	if cfg.Tools.MaxIterations < 1 {
		issues = append(issues, "tools.max_iterations must be >= 1")
	}
	if cfg.Tools.Parallelism < 1 {
		issues = append(issues, "tools.parallelism must be >= 1")
	}
	switch strings.ToLower(cfg.Tools.Approval.DefaultDecision) {
	case "allow", "ask", "deny":
	default:
		issues = append(issues, "tools.approval.default_decision must be \"allow\", \"ask\", or \"deny\"")
	}
	if cfg.Auth.JWTSecret != "" && len(cfg.Auth.JWTSecret) < 32 {
		issues = append(issues, "auth.jwt_secret must be at least 32 characters")
	}
	if cfg.Cron.Enabled {
		for i, job := range cfg.Cron.Jobs {
			if strings.TrimSpace(job.ID) == "" {
				issues = append(issues, fmt.Sprintf("cron.jobs[%d].id is required", i))
			}
			if strings.TrimSpace(job.Schedule) == "" {
				issues = append(issues, fmt.Sprintf("cron.jobs[%d].schedule is required", i))
			}
			if strings.TrimSpace(job.Command) == "" {
				issues = append(issues, fmt.Sprintf("cron.jobs[%d].command is required", i))
			}
		}
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}
