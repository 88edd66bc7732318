package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/tokligence/tokligence-chat/internal/hooks"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/chat.ini"
	envPrefix        = "TOKLIGENCE_"

	// DefaultAuthSecret signs sessions when no secret is configured. chatd
	// refuses it outside the dev environment.
	DefaultAuthSecret = "tokligence-dev-secret"
)

// Settings contains the active environment and shared defaults.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// ChatConfig describes runtime options for chatd.
type ChatConfig struct {
	Environment string
	HTTPAddress string

	// DatabaseDSN selects Postgres for conversations; otherwise DatabasePath (SQLite).
	DatabasePath string
	DatabaseDSN  string
	IdentityPath string
	IdentityDSN  string

	AuthSecret string
	SessionTTL time.Duration

	OpenAIAPIKey     string
	OpenAIBaseURL    string
	OpenAIOrg        string
	AnthropicAPIKey  string
	AnthropicBaseURL string
	AnthropicVersion string
	Routes           map[string]string
	FallbackAdapter  string

	Model               string
	MaxCompletionTokens int
	PersonaFile         string

	LogFile  string
	LogLevel string

	RedisURL         string
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int

	CORSOrigins    []string
	MetricsEnabled bool
	Hooks          hooks.Config
}

// IsDevelopment reports whether chatd runs in the dev environment.
func (c ChatConfig) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, defaultEnv)
}

// LoadChatConfig loads root/.env, then config/setting.ini and the
// environment's chat.ini, with TOKLIGENCE_* variables taking precedence.
func LoadChatConfig(root string) (ChatConfig, error) {
	if root == "" {
		root = "."
	}
	if err := godotenv.Load(filepath.Join(root, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return ChatConfig{}, fmt.Errorf("load .env: %w", err)
	}
	s, err := loadSettings(root)
	if err != nil {
		return ChatConfig{}, err
	}
	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return ChatConfig{}, err
		}
		envValues = map[string]string{}
	}
	merged := make(map[string]string, len(s.Defaults)+len(envValues))
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}
	get := func(key string, fallback ...string) string {
		return firstNonEmpty(append([]string{os.Getenv(envPrefix + strings.ToUpper(key)), merged[key]}, fallback...)...)
	}

	cfg := ChatConfig{
		Environment:         s.Environment,
		HTTPAddress:         get("http_address", ":8081"),
		DatabasePath:        get("database_path", DefaultDatabasePath()),
		DatabaseDSN:         get("database_dsn"),
		IdentityPath:        get("identity_path", DefaultIdentityPath()),
		IdentityDSN:         get("identity_dsn"),
		AuthSecret:          get("auth_secret", DefaultAuthSecret),
		OpenAIAPIKey:        get("openai_api_key"),
		OpenAIBaseURL:       get("openai_base_url"),
		OpenAIOrg:           get("openai_org"),
		AnthropicAPIKey:     get("anthropic_api_key"),
		AnthropicBaseURL:    get("anthropic_base_url"),
		AnthropicVersion:    get("anthropic_version", "2023-06-01"),
		Routes:              parseRoutes(get("routes")),
		FallbackAdapter:     strings.TrimSpace(get("fallback_adapter", "loopback")),
		Model:               get("model", "gpt-4o-mini"),
		MaxCompletionTokens: parseOptionalInt(get("max_completion_tokens"), 2048),
		PersonaFile:         get("persona_file"),
		LogFile:             get("log_file"),
		LogLevel:            get("log_level", "info"),
		RedisURL:            get("redis_url"),
		RateLimitEnabled:    parseOptionalBool(get("rate_limit_enabled"), true),
		RateLimitBurst:      parseOptionalInt(get("rate_limit_burst"), 10),
		CORSOrigins:         parseCSV(get("cors_origins", "http://localhost:5173")),
		MetricsEnabled:      parseOptionalBool(get("metrics_enabled"), true),
	}
	if cfg.DatabaseDSN == "" {
		// DATABASE_URL is the conventional name on hosted platforms.
		cfg.DatabaseDSN = os.Getenv("DATABASE_URL")
	}

	if cfg.SessionTTL, err = parseDuration("session_ttl", get("session_ttl"), 7*24*time.Hour); err != nil {
		return ChatConfig{}, err
	}
	if cfg.RateLimitRPS, err = parseFloat("rate_limit_rps", get("rate_limit_rps"), 1); err != nil {
		return ChatConfig{}, err
	}
	if cfg.MaxCompletionTokens <= 0 {
		return ChatConfig{}, fmt.Errorf("invalid max_completion_tokens %d", cfg.MaxCompletionTokens)
	}

	cfg.Hooks = hooks.Config{
		Enabled:    parseBool(get("hooks_enabled")),
		ScriptPath: get("hook_script", merged["hooks_script_path"]),
		ScriptArgs: parseCSV(get("hook_script_args", merged["hooks_script_args"])),
		Env:        parseMap(get("hook_script_env", merged["hooks_script_env"])),
	}
	if cfg.Hooks.Timeout, err = parseDuration("hooks_timeout", get("hook_timeout", merged["hooks_timeout"]), 0); err != nil {
		return ChatConfig{}, err
	}
	if err := cfg.Hooks.Validate(); err != nil {
		return ChatConfig{}, err
	}
	return cfg, nil
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: firstNonEmpty(os.Getenv(envPrefix+"ENVIRONMENT"), defaultEnv), Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := firstNonEmpty(os.Getenv(envPrefix+"ENVIRONMENT"), values["environment"], defaultEnv)
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseDuration(key, v string, fallback time.Duration) (time.Duration, error) {
	if strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}

func parseFloat(key, v string, fallback float64) (float64, error) {
	if strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return f, nil
}

// DefaultDatabasePath returns the fallback conversation database location.
func DefaultDatabasePath() string {
	return homePath("chat.db")
}

// DefaultIdentityPath returns the fallback identity database path.
func DefaultIdentityPath() string {
	return homePath("identity.db")
}

// DefaultSessionPath is where the terminal client keeps its session token.
func DefaultSessionPath() string {
	return homePath("chat-session")
}

func homePath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".tokligence", name)
}
