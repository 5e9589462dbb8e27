package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for orderdesk.
type Config struct {
	General    GeneralConfig             `json:"general"`
	Source     SourceConfig              `json:"source"`
	Classifier ClassifierConfig          `json:"classifier"`
	Providers  map[string]ProviderConfig `json:"providers"`
	Ledger     LedgerConfig              `json:"ledger"`
	Alert      AlertConfig               `json:"alert"`
	Schedule   ScheduleConfig            `json:"schedule"`
	Pipeline   PipelineConfig            `json:"pipeline"`
	State      StateConfig               `json:"state"`
	Server     ServerConfig              `json:"server"`
	Metrics    MetricsConfig             `json:"metrics"`
}

type GeneralConfig struct {
	LogLevel  string `json:"logLevel"`
	LogFormat string `json:"logFormat,omitempty"` // "text" | "json"
	LogFile   string `json:"logFile,omitempty"`
	Timezone  string `json:"timezone"`
}

// SourceConfig configures the Twilio message source.
type SourceConfig struct {
	AccountSID     string `json:"accountSid,omitempty"`
	AuthToken      string `json:"authToken,omitempty"`
	APIBase        string `json:"apiBase,omitempty"`
	PageSize       int    `json:"pageSize"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

// ClassifierConfig selects the LLM provider and fixes the sampling parameters.
type ClassifierConfig struct {
	Provider           string  `json:"provider"`
	Model              string  `json:"model,omitempty"`
	Temperature        float64 `json:"temperature"`
	MaxTokens          int     `json:"maxTokens"`
	TimeoutSeconds     int     `json:"timeoutSeconds"`
	RateLimitPerMinute int     `json:"rateLimitPerMinute,omitempty"`
	// RateLimitBurst is how many calls may go out back to back before the
	// per-minute spacing applies.
	RateLimitBurst int `json:"rateLimitBurst,omitempty"`
}

type ProviderConfig struct {
	Enabled      bool   `json:"enabled"`
	APIBase      string `json:"apiBase,omitempty"`
	APIKey       string `json:"apiKey,omitempty"`
	DefaultModel string `json:"defaultModel,omitempty"`
}

type LedgerConfig struct {
	Kind           string         `json:"kind"` // "sheets" | "sqlite" | "postgres"
	TimeoutSeconds int            `json:"timeoutSeconds"`
	Sheets         SheetsConfig   `json:"sheets"`
	SQLite         SQLiteConfig   `json:"sqlite"`
	Postgres       PostgresConfig `json:"postgres"`
}

type SheetsConfig struct {
	SpreadsheetID   string `json:"spreadsheetId,omitempty"`
	SheetName       string `json:"sheetName"`
	CredentialsFile string `json:"credentialsFile,omitempty"`
	CredentialsJSON string `json:"credentialsJson,omitempty"`
	Endpoint        string `json:"endpoint,omitempty"` // override for emulators
}

type SQLiteConfig struct {
	DBPath string `json:"dbPath"`
}

type PostgresConfig struct {
	DSN string `json:"dsn,omitempty"`
}

type AlertConfig struct {
	Kind           string         `json:"kind"` // "webhook" | "slack" | "telegram" | "discord"
	WebhookURL     string         `json:"webhookUrl,omitempty"`
	Secret         string         `json:"secret,omitempty"`
	TimeoutSeconds int            `json:"timeoutSeconds"`
	Telegram       TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Token  string `json:"token,omitempty"`
	ChatID string `json:"chatId,omitempty"`
}

type ScheduleConfig struct {
	Enabled           bool   `json:"enabled"`
	Primary           string `json:"primary"`
	Secondary         string `json:"secondary"`
	JobTimeoutSeconds int    `json:"jobTimeoutSeconds"`
}

type PipelineConfig struct {
	InitialLookbackMinutes int `json:"initialLookbackMinutes"`
}

type StateConfig struct {
	Kind          string `json:"kind"` // "memory" | "sqlite"
	DBPath        string `json:"dbPath"`
	RetentionDays int    `json:"retentionDays"`
}

type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// Location resolves the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.General.Timezone)
}

// Seconds converts a config field in seconds to a duration, using def when unset.
func Seconds(n int, def time.Duration) time.Duration {
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

// DefaultConfigDir returns the default config directory (~/.orderdesk).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".orderdesk"
	}
	return filepath.Join(home, ".orderdesk")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads a JSON or YAML config file, overlays it on Defaults and validates it.
func Load(path string) (*Config, error) {
	path = expandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	if isYAML(path) {
		data, err = yamlToJSON(data)
		if err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	}

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.LogFile = expandPath(cfg.General.LogFile)
	cfg.State.DBPath = expandPath(cfg.State.DBPath)
	cfg.Ledger.SQLite.DBPath = expandPath(cfg.Ledger.SQLite.DBPath)
	cfg.Ledger.Sheets.CredentialsFile = expandPath(cfg.Ledger.Sheets.CredentialsFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// yamlToJSON re-encodes a YAML document as JSON so a single set of json tags
// drives both formats.
func yamlToJSON(data []byte) ([]byte, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(doc)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
// An unset VAR with no default expands to the empty string.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return ""
		}
		return val
	})
}

// Save writes the config as indented JSON, or YAML when path ends in .yaml/.yml.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	if isYAML(path) {
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		if data, err = yaml.Marshal(doc); err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values. Missing credentials are
// not errors; the affected component is disabled instead.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	switch cfg.General.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, "general.logFormat must be one of: text, json")
	}
	if _, err := time.LoadLocation(cfg.General.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("general.timezone %q: %v", cfg.General.Timezone, err))
	}

	if cfg.Source.PageSize < 1 || cfg.Source.PageSize > 1000 {
		errs = append(errs, "source.pageSize must be between 1 and 1000")
	}
	if cfg.Source.TimeoutSeconds < 1 {
		errs = append(errs, "source.timeoutSeconds must be >= 1")
	}

	if cfg.Classifier.Temperature < 0 || cfg.Classifier.Temperature > 2 {
		errs = append(errs, "classifier.temperature must be between 0 and 2")
	}
	if cfg.Classifier.MaxTokens < 1 {
		errs = append(errs, "classifier.maxTokens must be >= 1")
	}
	if cfg.Classifier.TimeoutSeconds < 1 {
		errs = append(errs, "classifier.timeoutSeconds must be >= 1")
	}
	if cfg.Classifier.Provider != "" {
		if _, ok := cfg.Providers[cfg.Classifier.Provider]; !ok {
			errs = append(errs, fmt.Sprintf("classifier.provider references unknown provider: %s", cfg.Classifier.Provider))
		}
	}

	switch cfg.Ledger.Kind {
	case "sheets", "sqlite", "postgres":
	default:
		errs = append(errs, "ledger.kind must be one of: sheets, sqlite, postgres")
	}
	if cfg.Ledger.TimeoutSeconds < 1 {
		errs = append(errs, "ledger.timeoutSeconds must be >= 1")
	}
	if cfg.Ledger.Kind == "sheets" && cfg.Ledger.Sheets.SheetName == "" {
		errs = append(errs, "ledger.sheets.sheetName is required")
	}

	switch cfg.Alert.Kind {
	case "webhook", "slack", "telegram", "discord":
	default:
		errs = append(errs, "alert.kind must be one of: webhook, slack, telegram, discord")
	}
	if cfg.Alert.TimeoutSeconds < 1 {
		errs = append(errs, "alert.timeoutSeconds must be >= 1")
	}

	if cfg.Schedule.Enabled && (cfg.Schedule.Primary == "" && cfg.Schedule.Secondary == "") {
		errs = append(errs, "schedule: at least one of primary, secondary is required when enabled")
	}
	if cfg.Schedule.JobTimeoutSeconds < 1 {
		errs = append(errs, "schedule.jobTimeoutSeconds must be >= 1")
	}

	if cfg.Pipeline.InitialLookbackMinutes < 0 {
		errs = append(errs, "pipeline.initialLookbackMinutes must be >= 0")
	}

	switch cfg.State.Kind {
	case "memory":
	case "sqlite":
		if cfg.State.DBPath == "" {
			errs = append(errs, "state.dbPath is required for sqlite state")
		}
	default:
		errs = append(errs, "state.kind must be one of: memory, sqlite")
	}
	if cfg.State.RetentionDays < 0 {
		errs = append(errs, "state.retentionDays must be >= 0")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
		errs = append(errs, "metrics.endpoint must start with /")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
