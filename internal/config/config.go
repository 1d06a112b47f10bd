// Package config loads skillforge configuration from
// $SKILLFORGE_HOME/config.yaml with env overrides and filled defaults.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	sfotel "github.com/basket/skillforge/internal/otel"
)

// LLMConfig selects the backend model.
type LLMConfig struct {
	Provider string `yaml:"provider"` // "google" is the only built-in provider
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
}

// SkillsConfig locates the skill source trees.
type SkillsConfig struct {
	// BuiltinDir holds curated, read-only skill definitions shipped with the
	// deployment. SandboxDir is the only tree dynamic skills may write to.
	BuiltinDir string `yaml:"builtin_dir"`
	SandboxDir string `yaml:"sandbox_dir"`
	// CacheEntries bounds the tier-2/3 recency cache.
	CacheEntries int `yaml:"cache_entries"`
	// FaultThreshold is the consecutive-fault count that quarantines a
	// dynamic skill. 0 disables auto-quarantine.
	FaultThreshold int `yaml:"fault_threshold"`
}

// GuardConfig locates the protection policy file.
type GuardConfig struct {
	PolicyPath string `yaml:"policy_path"`
	// WatchPolicy reloads the policy file on change (administrative path).
	WatchPolicy bool `yaml:"watch_policy"`
}

// LoopConfig bounds the control loop.
type LoopConfig struct {
	MaxIterations         int `yaml:"max_iterations"`
	MaxToolFailures       int `yaml:"max_tool_failures"` // consecutive, per tool
	ToolTimeoutSeconds    int `yaml:"tool_timeout_seconds"`
	SynthesisRetries      int `yaml:"synthesis_retries"`
	ConfirmTimeoutSeconds int `yaml:"confirm_timeout_seconds"` // 0 = wait forever
}

// ResolverConfig tunes skill relevance ranking.
type ResolverConfig struct {
	Threshold float64 `yaml:"threshold"`
}

// JanitorConfig schedules background retention work.
type JanitorConfig struct {
	Enabled bool `yaml:"enabled"`
	// ArchiveSchedule is a cron expression; terminal sessions older than
	// RetentionSessionDays are archived on this schedule.
	ArchiveSchedule      string `yaml:"archive_schedule"`
	RetentionSessionDays int    `yaml:"retention_session_days"`
	RetentionAuditDays   int    `yaml:"retention_audit_days"`
}

type Config struct {
	HomeDir  string `yaml:"-"`
	LogLevel string `yaml:"log_level"`

	LLM      LLMConfig      `yaml:"llm"`
	Skills   SkillsConfig   `yaml:"skills"`
	Guard    GuardConfig    `yaml:"guard"`
	Loop     LoopConfig     `yaml:"loop"`
	Resolver ResolverConfig `yaml:"resolver"`
	Janitor  JanitorConfig  `yaml:"janitor"`
	Otel     sfotel.Config  `yaml:"otel"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// HomeDir resolves the skillforge data directory.
func HomeDir() string {
	if override := os.Getenv("SKILLFORGE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".skillforge")
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		LLM: LLMConfig{
			Provider: "google",
			Model:    "gemini-2.5-flash",
		},
		Skills: SkillsConfig{
			CacheEntries:   32,
			FaultThreshold: 5,
		},
		Guard: GuardConfig{
			WatchPolicy: true,
		},
		Loop: LoopConfig{
			MaxIterations:      15,
			MaxToolFailures:    3,
			ToolTimeoutSeconds: 30,
			SynthesisRetries:   2,
		},
		Resolver: ResolverConfig{
			Threshold: 0.2,
		},
		Janitor: JanitorConfig{
			Enabled:              true,
			ArchiveSchedule:      "@daily",
			RetentionSessionDays: 90,
			RetentionAuditDays:   365,
		},
	}
}

// Load reads config.yaml from $SKILLFORGE_HOME, applies env overrides and
// fills defaults. A missing file is not an error: the defaults stand.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create skillforge home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SKILLFORGE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("GOOGLE_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("SKILLFORGE_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("SKILLFORGE_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Loop.MaxIterations = n
		}
	}
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "google"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gemini-2.5-flash"
	}
	if strings.TrimSpace(cfg.Skills.BuiltinDir) == "" {
		cfg.Skills.BuiltinDir = filepath.Join(cfg.HomeDir, "skills", "builtin")
	}
	if strings.TrimSpace(cfg.Skills.SandboxDir) == "" {
		cfg.Skills.SandboxDir = filepath.Join(cfg.HomeDir, "skills", "sandbox")
	}
	if cfg.Skills.CacheEntries <= 0 {
		cfg.Skills.CacheEntries = 32
	}
	if strings.TrimSpace(cfg.Guard.PolicyPath) == "" {
		cfg.Guard.PolicyPath = filepath.Join(cfg.HomeDir, "policy.yaml")
	}
	if cfg.Loop.MaxIterations <= 0 {
		cfg.Loop.MaxIterations = 15
	}
	if cfg.Loop.MaxToolFailures <= 0 {
		cfg.Loop.MaxToolFailures = 3
	}
	if cfg.Loop.ToolTimeoutSeconds <= 0 {
		cfg.Loop.ToolTimeoutSeconds = 30
	}
	if cfg.Loop.SynthesisRetries < 0 {
		cfg.Loop.SynthesisRetries = 2
	}
	if cfg.Resolver.Threshold <= 0 {
		cfg.Resolver.Threshold = 0.2
	}
	if cfg.Janitor.ArchiveSchedule == "" {
		cfg.Janitor.ArchiveSchedule = "@daily"
	}
}

// ToolTimeout returns the per-tool wall-clock budget as a duration.
func (c Config) ToolTimeout() time.Duration {
	return time.Duration(c.Loop.ToolTimeoutSeconds) * time.Second
}

// Fingerprint returns a stable hash of the bounds that shape loop behavior.
// Logged at startup so runs can be correlated with the config that drove them.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "iters=%d|failures=%d|timeout=%d|threshold=%g|cache=%d",
		c.Loop.MaxIterations, c.Loop.MaxToolFailures, c.Loop.ToolTimeoutSeconds,
		c.Resolver.Threshold, c.Skills.CacheEntries)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
