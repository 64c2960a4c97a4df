package engine

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"batcom/engine/internal/pool"
	"batcom/engine/models"
)

// Config is the public configuration surface for the Engine facade. The
// shape mirrors the init RPC's configuration record.
type Config struct {
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Scan    ScanConfig    `yaml:"scan" json:"scan"`
	Runtime RuntimeConfig `yaml:"runtime" json:"runtime"`
	AI      AIConfig      `yaml:"ai" json:"ai"`
	Safety  SafetyConfig  `yaml:"safety" json:"safety"`

	Guardrails GuardrailsConfig `yaml:"guardrails" json:"guardrails"`

	// MetricsEnabled toggles the metrics provider; MetricsBackend selects
	// prom | otel | noop.
	MetricsEnabled bool   `yaml:"metrics_enabled" json:"metrics_enabled"`
	MetricsBackend string `yaml:"metrics_backend" json:"metrics_backend"`

	// TraceSamplePercent is the share of decision cycles given internal
	// trace spans; 0 disables tracing.
	TraceSamplePercent float64 `yaml:"trace_sample_percent" json:"trace_sample_percent"`

	// LogDir hosts per-AO API call logs and token usage snapshots.
	LogDir string `yaml:"log_dir" json:"log_dir"`
	// TemplateDir hosts resource pool template YAML files.
	TemplateDir string `yaml:"template_dir" json:"template_dir"`
	// GuardrailsPath optionally points at a guardrails.json read at init.
	GuardrailsPath string `yaml:"guardrails_path" json:"guardrails_path"`
}

type LoggingConfig struct {
	Level             string `yaml:"level" json:"level"`
	EchoToHostConsole bool   `yaml:"echo_to_host_console" json:"echo_to_host_console"`
}

// ScanConfig is advisory; the host honors these intervals when scanning.
type ScanConfig struct {
	Tick       float64 `yaml:"tick" json:"tick"`
	AIGroups   float64 `yaml:"ai_groups" json:"ai_groups"`
	Players    float64 `yaml:"players" json:"players"`
	Objectives float64 `yaml:"objectives" json:"objectives"`
}

type RuntimeConfig struct {
	MaxMessagesPerTick  int `yaml:"max_messages_per_tick" json:"max_messages_per_tick"`
	MaxCommandsPerTick  int `yaml:"max_commands_per_tick" json:"max_commands_per_tick"`
	MaxControlledGroups int `yaml:"max_controlled_groups" json:"max_controlled_groups"`
}

type AIConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	Provider     string  `yaml:"provider" json:"provider"`
	Model        string  `yaml:"model" json:"model"`
	Endpoint     string  `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Timeout      float64 `yaml:"timeout" json:"timeout"`
	MinInterval  float64 `yaml:"min_interval" json:"min_interval"`
	RateLimitRPM int     `yaml:"rate_limit_rpm" json:"rate_limit_rpm"`
	APIKey       string  `yaml:"api_key,omitempty" json:"api_key,omitempty"`

	ThinkingEnabled bool   `yaml:"thinking_enabled" json:"thinking_enabled"`
	ThinkingMode    string `yaml:"thinking_mode" json:"thinking_mode"`
	// ThinkingBudget is a token count, "dynamic", or 0 for off.
	ThinkingBudget  any    `yaml:"thinking_budget,omitempty" json:"thinking_budget,omitempty"`
	ThinkingLevel   string `yaml:"thinking_level,omitempty" json:"thinking_level,omitempty"`
	ReasoningEffort string `yaml:"reasoning_effort,omitempty" json:"reasoning_effort,omitempty"`
	IncludeThoughts bool   `yaml:"include_thoughts" json:"include_thoughts"`
	LogThoughts     bool   `yaml:"log_thoughts_to_file" json:"log_thoughts_to_file"`
}

type SafetyConfig struct {
	SandboxEnabled  bool     `yaml:"sandbox_enabled" json:"sandbox_enabled"`
	MaxGroupsPerObjective int `yaml:"max_groups_per_objective" json:"max_groups_per_objective"`
	MaxUnitsPerSide int      `yaml:"max_units_per_side" json:"max_units_per_side"`
	AllowedCommands []string `yaml:"allowed_commands" json:"allowed_commands"`
	BlockedCommands []string `yaml:"blocked_commands" json:"blocked_commands"`
	AuditLog        bool     `yaml:"audit_log" json:"audit_log"`
}

type GuardrailsConfig struct {
	AOBounds     models.Bounds   `yaml:"ao_bounds" json:"ao_bounds"`
	ResourcePool pool.Definition `yaml:"resource_pool" json:"resource_pool"`
}

// Defaults returns a Config with the stock decision-engine settings.
func Defaults() Config {
	return Config{
		Logging: LoggingConfig{Level: "INFO"},
		Scan:    ScanConfig{Tick: 5, AIGroups: 10, Players: 5, Objectives: 15},
		Runtime: RuntimeConfig{
			MaxMessagesPerTick:  10,
			MaxCommandsPerTick:  30,
			MaxControlledGroups: 50,
		},
		AI: AIConfig{
			Enabled:      true,
			Provider:     "gemini",
			Model:        "gemini-2.5-flash",
			Timeout:      30,
			MinInterval:  30,
			RateLimitRPM: 10,
			ThinkingMode: "native_sdk",
		},
		Safety: SafetyConfig{
			SandboxEnabled:  true,
			MaxUnitsPerSide: 200,
			AllowedCommands: append([]string(nil), models.KnownCommandTypes...),
		},
		MetricsEnabled:     false,
		MetricsBackend:     "prom",
		TraceSamplePercent: 20,
		LogDir:             "logs",
		TemplateDir:        "templates",
	}
}

// Validate rejects configurations the engine cannot start with.
func (c *Config) Validate() error {
	if c.AI.Enabled {
		if c.AI.Provider == "" {
			return fmt.Errorf("ai.provider required when ai.enabled")
		}
		if c.AI.Model == "" {
			return fmt.Errorf("ai.model required when ai.enabled")
		}
	}
	if err := c.Guardrails.AOBounds.Validate(); err != nil {
		return err
	}
	if err := c.Guardrails.ResourcePool.Validate(); err != nil {
		return err
	}
	if c.Safety.MaxUnitsPerSide < 0 {
		return fmt.Errorf("safety.max_units_per_side must be non-negative")
	}
	return nil
}

// LoadConfig reads a YAML config file over Defaults().
func LoadConfig(path string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// ThinkingBudgetTokens decodes the polymorphic thinking_budget knob:
// integer token count, "dynamic" (provider chooses, -1), or 0 for off.
func (a AIConfig) ThinkingBudgetTokens() int {
	switch v := a.ThinkingBudget.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if strings.EqualFold(v, "dynamic") {
			return -1
		}
	}
	return 0
}

// ResolveAPIKey applies the key resolution order: in-session admin value,
// config file, environment {PROVIDER}_API_KEY, compiled default (none:
// fails closed).
func ResolveAPIKey(adminKey, configKey, providerName string) (string, error) {
	if adminKey != "" {
		return adminKey, nil
	}
	if configKey != "" {
		return configKey, nil
	}
	envVar := strings.ToUpper(providerName) + "_API_KEY"
	if v := os.Getenv(envVar); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("no API key: set admin key, config ai.api_key, or %s", envVar)
}

// TimeoutDuration converts the configured seconds to a duration.
func (a AIConfig) TimeoutDuration() time.Duration {
	if a.Timeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(a.Timeout * float64(time.Second))
}

// MinIntervalDuration converts the configured seconds to a duration.
func (a AIConfig) MinIntervalDuration() time.Duration {
	if a.MinInterval < 0 {
		return 0
	}
	return time.Duration(a.MinInterval * float64(time.Second))
}
