package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/harunnryd/mnemo/internal/pathutil"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
)

type Config struct {
	Server  ServerConfig  `koanf:"server" yaml:"server"`
	Models  ModelsConfig  `koanf:"models" yaml:"models"`
	Context ContextConfig `koanf:"context" yaml:"context"`
	Memory  MemoryConfig  `koanf:"memory" yaml:"memory"`
	Store   StoreConfig   `koanf:"store" yaml:"store"`
	User    UserConfig    `koanf:"user" yaml:"user"`
	Persona PersonaConfig `koanf:"persona" yaml:"persona"`
}

type ServerConfig struct {
	LogLevel    string `koanf:"log_level" yaml:"log_level"`
	LogFile     string `koanf:"log_file" yaml:"log_file"`
	MetricsAddr string `koanf:"metrics_addr" yaml:"metrics_addr"`
}

type ModelsConfig struct {
	Chat                string          `koanf:"chat" yaml:"chat"`
	Fallback            string          `koanf:"fallback" yaml:"fallback"`
	Embedding           string          `koanf:"embedding" yaml:"embedding"`
	MaxFallbackAttempts int             `koanf:"max_fallback_attempts" yaml:"max_fallback_attempts"`
	Registry            []ModelRegistry `koanf:"registry" yaml:"registry"`
}

type ModelRegistry struct {
	Name                   string `koanf:"name" yaml:"name"`
	Provider               string `koanf:"provider" yaml:"provider"`
	BaseURL                string `koanf:"base_url" yaml:"base_url,omitempty"`
	APIKey                 string `koanf:"api_key" yaml:"api_key,omitempty"`
	RequestTimeout         string `koanf:"request_timeout" yaml:"request_timeout,omitempty"`
	EnsureAlternatingRoles bool   `koanf:"ensure_alternating_roles" yaml:"ensure_alternating_roles"`
	SupportsTools          *bool  `koanf:"supports_tools" yaml:"supports_tools,omitempty"`
}

// ToolsSupported defaults to true when unset.
func (m ModelRegistry) ToolsSupported() bool {
	return m.SupportsTools == nil || *m.SupportsTools
}

type ContextConfig struct {
	TriggerTokens           int    `koanf:"trigger_tokens" yaml:"trigger_tokens"`
	TargetTokens            int    `koanf:"target_tokens" yaml:"target_tokens"`
	MaxMessageAge           string `koanf:"max_message_age" yaml:"max_message_age"`
	RefreshInterval         string `koanf:"refresh_interval" yaml:"refresh_interval"`
	InitialRefreshWait      string `koanf:"initial_refresh_wait" yaml:"initial_refresh_wait"`
	MinConvoAgeForGreeting  string `koanf:"min_convo_age_for_greeting" yaml:"min_convo_age_for_greeting"`
	EnableAssistantGreeting bool   `koanf:"enable_assistant_greeting" yaml:"enable_assistant_greeting"`
	MaxToolIterations       int    `koanf:"max_tool_iterations" yaml:"max_tool_iterations"`
	StrictValidation        bool   `koanf:"strict_validation" yaml:"strict_validation"`
	ToolsEnabled            bool   `koanf:"tools_enabled" yaml:"tools_enabled"`
	RecentMessageCount      int    `koanf:"recent_message_count" yaml:"recent_message_count"`
}

type MemoryConfig struct {
	RelevanceThreshold     float64 `koanf:"relevance_threshold" yaml:"relevance_threshold"`
	ConsolidationThreshold float64 `koanf:"consolidation_threshold" yaml:"consolidation_threshold"`
	FormMemoryOnRefresh    bool    `koanf:"form_memory_on_refresh" yaml:"form_memory_on_refresh"`
	Path                   string  `koanf:"path" yaml:"path"`
}

type StoreConfig struct {
	Driver       string `koanf:"driver" yaml:"driver"`
	DSN          string `koanf:"dsn" yaml:"dsn,omitempty"`
	Path         string `koanf:"path" yaml:"path"`
	LockTimeout  string `koanf:"lock_timeout" yaml:"lock_timeout"`
	LockRetry    string `koanf:"lock_retry" yaml:"lock_retry"`
	LockMaxRetry int    `koanf:"lock_max_retry" yaml:"lock_max_retry"`
	InboxSize    int    `koanf:"inbox_size" yaml:"inbox_size"`
}

type UserConfig struct {
	ID          string `koanf:"id" yaml:"id"`
	ProfilePath string `koanf:"profile_path" yaml:"profile_path"`
}

type PersonaConfig struct {
	Default       string `koanf:"default" yaml:"default"`
	AssistantName string `koanf:"assistant_name" yaml:"assistant_name"`
}

const (
	DefaultServerLogLevel                = "info"
	DefaultModelChat                     = "gpt-4o"
	DefaultModelFallback                 = ""
	DefaultModelEmbedding                = "text-embedding-3-small"
	DefaultModelMaxFallbackAttempts      = 2
	DefaultOpenAIBaseURL                 = "https://api.openai.com/v1"
	DefaultOllamaBaseURL                 = "http://localhost:11434/v1"
	DefaultOllamaAPIKey                  = "ollama"
	DefaultModelRequestTimeout           = "120s"
	DefaultContextTriggerTokens          = 3300
	DefaultContextTargetTokens           = 1650
	DefaultContextMaxMessageAge          = "12h"
	DefaultContextRefreshInterval        = "10m"
	DefaultContextInitialRefreshWait     = "30s"
	DefaultContextMinConvoAgeForGreeting = "10m"
	DefaultContextEnableGreeting         = true
	DefaultContextMaxToolIterations      = 10
	DefaultContextStrictValidation       = false
	DefaultContextToolsEnabled           = true
	DefaultContextRecentMessageCount     = 4
	DefaultMemoryRelevanceThreshold      = 1.24
	DefaultMemoryConsolidationThreshold  = 0.65
	DefaultMemoryFormOnRefresh           = true
	DefaultStoreDriver                   = "sqlite"
	DefaultStoreLockTimeout              = "30s"
	DefaultStoreLockRetry                = "100ms"
	DefaultStoreLockMaxRetry             = 300
	DefaultStoreInboxSize                = 100
	DefaultUserID                        = "cli"
	DefaultPersonaAssistantName          = "Mnemo"
	DefaultPersona                       = "I am $ASSISTANT_NAME, a personal assistant with long-term memory. " +
		"I help my user, $USER_NAME, remember what matters to them, keep track of their goals, and I speak warmly and concisely."
)

// AppDir returns ~/.mnemo.
func AppDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mnemo"
	}
	return filepath.Join(home, ".mnemo")
}

func Load(cmd *cobra.Command) (*Config, error) {
	k := koanf.New(".")
	appDir := AppDir()

	// Hardcoded Defaults
	defaults := map[string]interface{}{
		"server.log_level":                   DefaultServerLogLevel,
		"server.log_file":                    filepath.Join(appDir, "logs", "mnemo.log"),
		"server.metrics_addr":                "",
		"models.chat":                        DefaultModelChat,
		"models.fallback":                    DefaultModelFallback,
		"models.embedding":                   DefaultModelEmbedding,
		"models.max_fallback_attempts":       DefaultModelMaxFallbackAttempts,
		"context.trigger_tokens":             DefaultContextTriggerTokens,
		"context.target_tokens":              DefaultContextTargetTokens,
		"context.max_message_age":            DefaultContextMaxMessageAge,
		"context.refresh_interval":           DefaultContextRefreshInterval,
		"context.initial_refresh_wait":       DefaultContextInitialRefreshWait,
		"context.min_convo_age_for_greeting": DefaultContextMinConvoAgeForGreeting,
		"context.enable_assistant_greeting":  DefaultContextEnableGreeting,
		"context.max_tool_iterations":        DefaultContextMaxToolIterations,
		"context.strict_validation":          DefaultContextStrictValidation,
		"context.tools_enabled":              DefaultContextToolsEnabled,
		"context.recent_message_count":       DefaultContextRecentMessageCount,
		"memory.relevance_threshold":         DefaultMemoryRelevanceThreshold,
		"memory.consolidation_threshold":     DefaultMemoryConsolidationThreshold,
		"memory.form_memory_on_refresh":      DefaultMemoryFormOnRefresh,
		"memory.path":                        filepath.Join(appDir, "memory"),
		"store.driver":                       DefaultStoreDriver,
		"store.path":                         filepath.Join(appDir, "data"),
		"store.lock_timeout":                 DefaultStoreLockTimeout,
		"store.lock_retry":                   DefaultStoreLockRetry,
		"store.lock_max_retry":               DefaultStoreLockMaxRetry,
		"store.inbox_size":                   DefaultStoreInboxSize,
		"user.id":                            DefaultUserID,
		"user.profile_path":                  filepath.Join(appDir, "profiles"),
		"persona.default":                    DefaultPersona,
		"persona.assistant_name":             DefaultPersonaAssistantName,
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	// Config file loading
	configPath := ""
	if cmd != nil {
		if flag := cmd.Flags().Lookup("config"); flag != nil {
			configPath = strings.TrimSpace(flag.Value.String())
		}
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, err
		}
	} else {
		globalPath := filepath.Join(appDir, "config.yaml")
		if err := k.Load(file.Provider(globalPath), yaml.Parser()); err != nil {
			slog.Debug("Global config not found or invalid", "path", globalPath, "error", err)
		}
	}

	loadDotEnv(appDir)

	// Environment Variables
	k.Load(env.Provider("MNEMO_", ".", func(s string) string {
		return envKey(strings.TrimPrefix(s, "MNEMO_"))
	}), nil)

	// CLI Flags
	if cmd != nil {
		k.Load(posflag.Provider(cmd.Flags(), ".", k), nil)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	if len(cfg.Models.Registry) == 0 {
		cfg.Models.Registry = defaultRegistry(cfg.Models)
	}
	for i, m := range cfg.Models.Registry {
		if m.Provider == "" {
			cfg.Models.Registry[i].Provider = "openai"
		}
	}

	if err := normalizePathFields(&cfg); err != nil {
		return nil, err
	}

	// Post-Process: Inject standard Env Vars if missing
	injectAPIKey(&cfg, "openai", os.Getenv("OPENAI_API_KEY"))
	injectAPIKey(&cfg, "anthropic", os.Getenv("ANTHROPIC_API_KEY"))
	injectAPIKey(&cfg, "gemini", os.Getenv("GEMINI_API_KEY"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects configurations the context window cannot honour.
func (c *Config) Validate() error {
	if c.Context.TargetTokens <= 0 || c.Context.TriggerTokens <= 0 {
		return fmt.Errorf("context token budgets must be positive (trigger=%d, target=%d)", c.Context.TriggerTokens, c.Context.TargetTokens)
	}
	if c.Context.TargetTokens >= c.Context.TriggerTokens {
		return fmt.Errorf("context.target_tokens (%d) must be lower than context.trigger_tokens (%d)", c.Context.TargetTokens, c.Context.TriggerTokens)
	}
	if c.Memory.RelevanceThreshold <= 0 || c.Memory.ConsolidationThreshold <= 0 {
		return fmt.Errorf("memory thresholds must be positive")
	}
	switch c.Store.Driver {
	case "sqlite", "postgres", "file":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Driver == "postgres" && strings.TrimSpace(c.Store.DSN) == "" {
		return fmt.Errorf("store.dsn is required for the postgres driver")
	}
	if _, err := c.Context.Timings(); err != nil {
		return err
	}
	return nil
}

// Model returns the registry entry for name.
func (c ModelsConfig) Model(name string) (ModelRegistry, bool) {
	for _, m := range c.Registry {
		if m.Name == name {
			return m, true
		}
	}
	return ModelRegistry{}, false
}

func defaultRegistry(models ModelsConfig) []ModelRegistry {
	registry := []ModelRegistry{
		{Name: models.Chat, Provider: providerForModel(models.Chat), EnsureAlternatingRoles: providerForModel(models.Chat) == "anthropic"},
	}
	if models.Embedding != "" && models.Embedding != models.Chat {
		registry = append(registry, ModelRegistry{Name: models.Embedding, Provider: providerForModel(models.Embedding)})
	}
	if models.Fallback != "" && models.Fallback != models.Chat {
		registry = append(registry, ModelRegistry{Name: models.Fallback, Provider: providerForModel(models.Fallback), EnsureAlternatingRoles: providerForModel(models.Fallback) == "anthropic"})
	}
	return registry
}

func providerForModel(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.HasPrefix(lower, "claude"):
		return "anthropic"
	case strings.HasPrefix(lower, "gemini"), strings.HasPrefix(lower, "text-embedding-004"):
		return "gemini"
	default:
		return "openai"
	}
}

func injectAPIKey(cfg *Config, provider, key string) {
	if key == "" {
		return
	}
	for i, m := range cfg.Models.Registry {
		if m.Provider == provider && m.APIKey == "" {
			cfg.Models.Registry[i].APIKey = key
		}
	}
}

// loadDotEnv loads .env from the working directory, then from the app dir. Existing variables win.
func loadDotEnv(appDir string) {
	for _, p := range []string{".env", filepath.Join(appDir, ".env")} {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			slog.Debug("Failed to load env file", "path", p, "error", err)
		}
	}
}

// envKey maps CONTEXT_TRIGGER_TOKENS to context.trigger_tokens: the first underscore separates
// the section, the rest belong to the key.
func envKey(s string) string {
	s = strings.ToLower(s)
	section, rest, found := strings.Cut(s, "_")
	if !found {
		return s
	}
	return section + "." + rest
}

func normalizePathFields(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	for _, p := range []*string{&cfg.Store.Path, &cfg.Memory.Path, &cfg.User.ProfilePath, &cfg.Server.LogFile} {
		expanded, err := expandConfiguredPath(*p)
		if err != nil {
			return err
		}
		if expanded != "" {
			*p = expanded
		}
	}

	return nil
}

func expandConfiguredPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}
	expanded, err := pathutil.Expand(trimmed)
	if err != nil {
		return "", err
	}
	return expanded, nil
}
