package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/MEKXH/tollgate/internal/approval"
)

// Config root configuration
type Config struct {
	Log        LogConfig        `mapstructure:"log" json:"log"`
	Storage    StorageConfig    `mapstructure:"storage" json:"storage"`
	Policy     PolicyConfig     `mapstructure:"policy" json:"policy"`
	Roster     RosterConfig     `mapstructure:"roster" json:"roster"`
	Escalation EscalationConfig `mapstructure:"escalation" json:"escalation"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler" json:"scheduler"`
	Notify     NotifyConfig     `mapstructure:"notify" json:"notify"`
	Gateway    GatewayConfig    `mapstructure:"gateway" json:"gateway"`
	GRPC       GRPCConfig       `mapstructure:"grpc" json:"grpc"`
	Tracing    TracingConfig    `mapstructure:"tracing" json:"tracing"`
}

// LogConfig application logging settings
type LogConfig struct {
	Level  string `mapstructure:"level" json:"level"`
	Format string `mapstructure:"format" json:"format"` // text or json
	File   string `mapstructure:"file" json:"file"`
}

// StorageConfig selects the case repository.
type StorageConfig struct {
	Driver string `mapstructure:"driver" json:"driver"` // memory, file or postgres
	Path   string `mapstructure:"path" json:"path"`
	DSN    string `mapstructure:"dsn" json:"dsn"`
}

// PolicyConfig points at the approval policy document.
type PolicyConfig struct {
	Path string `mapstructure:"path" json:"path"`
}

// RosterConfig points at the user/role roster file.
type RosterConfig struct {
	Path string `mapstructure:"path" json:"path"`
}

// EscalationConfig case windows, in minutes.
type EscalationConfig struct {
	PendingMinutes     int `mapstructure:"pending_minutes" json:"pending_minutes"`
	PendingHighMinutes int `mapstructure:"pending_high_minutes" json:"pending_high_minutes"`
	EscalatedMinutes   int `mapstructure:"escalated_minutes" json:"escalated_minutes"`
}

// SchedulerConfig escalation scan settings.
type SchedulerConfig struct {
	Enabled           bool   `mapstructure:"enabled" json:"enabled"`
	IntervalSeconds   int    `mapstructure:"interval_seconds" json:"interval_seconds"`
	Cron              string `mapstructure:"cron" json:"cron"`
	MaxBackoffSeconds int    `mapstructure:"max_backoff_seconds" json:"max_backoff_seconds"`
}

// NotifyConfig notification dispatcher and sink settings.
type NotifyConfig struct {
	Workers        int            `mapstructure:"workers" json:"workers"`
	QueueSize      int            `mapstructure:"queue_size" json:"queue_size"`
	TimeoutSeconds int            `mapstructure:"timeout_seconds" json:"timeout_seconds"`
	RetryQueue     int            `mapstructure:"retry_queue" json:"retry_queue"`
	MaxAttempts    int            `mapstructure:"max_attempts" json:"max_attempts"`
	Log            bool           `mapstructure:"log" json:"log"`
	Audit          AuditConfig    `mapstructure:"audit" json:"audit"`
	Telegram       TelegramConfig `mapstructure:"telegram" json:"telegram"`
	NATS           NATSConfig     `mapstructure:"nats" json:"nats"`
}

// AuditConfig JSONL audit sink settings. An empty path writes to the state
// directory.
type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	Path    string `mapstructure:"path" json:"path"`
}

// TelegramConfig telegram bot settings
type TelegramConfig struct {
	Enabled bool     `mapstructure:"enabled" json:"enabled"`
	Token   string   `mapstructure:"token" json:"token"`
	ChatIDs []string `mapstructure:"chat_ids" json:"chat_ids"`
	Events  []string `mapstructure:"events" json:"events"`
}

// NATSConfig NATS publisher settings
type NATSConfig struct {
	Enabled       bool   `mapstructure:"enabled" json:"enabled"`
	URL           string `mapstructure:"url" json:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix"`
}

// GatewayConfig server settings
type GatewayConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	Host    string `mapstructure:"host" json:"host"`
	Port    int    `mapstructure:"port" json:"port"`
	Token   string `mapstructure:"token" json:"token"`
}

// GRPCConfig gRPC server settings
type GRPCConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	Host    string `mapstructure:"host" json:"host"`
	Port    int    `mapstructure:"port" json:"port"`
}

// TracingConfig OpenTelemetry settings. Spans go to File, or stdout when
// File is empty.
type TracingConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	File    string `mapstructure:"file" json:"file"`
}

// DefaultConfig returns config with sensible defaults
func DefaultConfig() *Config {
	dir := ConfigDir()
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Driver: "file",
			Path:   filepath.Join(dir, "state", "cases.json"),
		},
		Policy: PolicyConfig{Path: filepath.Join(dir, "policy.yaml")},
		Roster: RosterConfig{Path: filepath.Join(dir, "roster.yaml")},
		Escalation: EscalationConfig{
			PendingMinutes:     30,
			PendingHighMinutes: 10,
			EscalatedMinutes:   60,
		},
		Scheduler: SchedulerConfig{
			Enabled:           true,
			IntervalSeconds:   60,
			MaxBackoffSeconds: 600,
		},
		Notify: NotifyConfig{
			Workers:        2,
			QueueSize:      256,
			TimeoutSeconds: 5,
			RetryQueue:     1024,
			MaxAttempts:    5,
			Log:            true,
			Audit:          AuditConfig{Enabled: true},
			Telegram:       TelegramConfig{ChatIDs: []string{}, Events: []string{}},
			NATS:           NATSConfig{URL: "nats://127.0.0.1:4222", SubjectPrefix: "tollgate.case"},
		},
		Gateway: GatewayConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    18790,
		},
		GRPC: GRPCConfig{
			Host: "0.0.0.0",
			Port: 18791,
		},
	}
}

// ConfigDir returns the tollgate config directory. TOLLGATE_HOME overrides
// the default ~/.tollgate.
func ConfigDir() string {
	if dir := strings.TrimSpace(os.Getenv("TOLLGATE_HOME")); dir != "" {
		return dir
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		slog.Warn("failed to resolve home directory, using current directory as fallback", "error", err)
		homeDir = "."
	}
	return filepath.Join(homeDir, ".tollgate")
}

// ConfigPath returns the config file path
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// StateDir holds runtime metrics and the default audit log.
func StateDir() string {
	return filepath.Join(ConfigDir(), "state")
}

// Load loads config from the default path, creating it with defaults when
// missing.
func Load() (*Config, error) {
	return LoadFrom(ConfigPath())
}

// LoadFrom loads config from configPath, creating it with defaults when
// missing.
func LoadFrom(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := SaveTo(cfg, configPath); err != nil {
			return cfg, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")
	v.SetEnvPrefix("TOLLGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		return cfg, err
	}

	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.MatchName = func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		}
	}); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// bindEnv registers the keys most often overridden from the environment,
// e.g. TOLLGATE_STORAGE_DSN or TOLLGATE_GATEWAY_TOKEN.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"log.level",
		"storage.driver",
		"storage.dsn",
		"gateway.token",
		"notify.telegram.token",
		"notify.nats.url",
	} {
		_ = v.BindEnv(key)
	}
}

func normalizeKey(input string) string {
	input = strings.ReplaceAll(input, "_", "")
	input = strings.ReplaceAll(input, "-", "")
	return strings.ToLower(input)
}

// Save saves config to the default path
func Save(cfg *Config) error {
	return SaveTo(cfg, ConfigPath())
}

// SaveTo writes cfg as indented JSON to configPath.
func SaveTo(cfg *Config, configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0600)
}

// Validate checks that the configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	level := strings.ToLower(strings.TrimSpace(c.Log.Level))
	if level == "" {
		c.Log.Level = "info"
	} else {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[level] {
			return fmt.Errorf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level)
		}
		c.Log.Level = level
	}
	switch format := strings.ToLower(strings.TrimSpace(c.Log.Format)); format {
	case "", "text":
		c.Log.Format = "text"
	case "json":
		c.Log.Format = format
	default:
		return fmt.Errorf("log.format must be text or json; got %q", c.Log.Format)
	}

	driver := strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	switch driver {
	case "":
		driver = "memory"
	case "memory":
	case "file":
		if strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage.path is required for the file driver")
		}
	case "postgres":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return fmt.Errorf("storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver must be one of memory, file, postgres; got %q", c.Storage.Driver)
	}
	c.Storage.Driver = driver

	if strings.TrimSpace(c.Policy.Path) == "" {
		return fmt.Errorf("policy.path is required")
	}
	if strings.TrimSpace(c.Roster.Path) == "" {
		return fmt.Errorf("roster.path is required")
	}

	e := &c.Escalation
	for name, v := range map[string]int{
		"escalation.pending_minutes":      e.PendingMinutes,
		"escalation.pending_high_minutes": e.PendingHighMinutes,
		"escalation.escalated_minutes":    e.EscalatedMinutes,
	} {
		if v < 0 {
			return fmt.Errorf("%s must not be negative, got %d", name, v)
		}
	}
	if e.PendingMinutes == 0 {
		e.PendingMinutes = 30
	}
	if e.PendingHighMinutes == 0 {
		e.PendingHighMinutes = 10
	}
	if e.EscalatedMinutes == 0 {
		e.EscalatedMinutes = 60
	}

	if c.Scheduler.IntervalSeconds < 0 {
		return fmt.Errorf("scheduler.interval_seconds must not be negative, got %d", c.Scheduler.IntervalSeconds)
	}
	if c.Scheduler.IntervalSeconds == 0 {
		c.Scheduler.IntervalSeconds = 60
	}
	if c.Scheduler.MaxBackoffSeconds <= 0 {
		c.Scheduler.MaxBackoffSeconds = 600
	}
	c.Scheduler.Cron = strings.TrimSpace(c.Scheduler.Cron)

	n := &c.Notify
	if n.Workers < 0 || n.QueueSize < 0 || n.RetryQueue < 0 || n.MaxAttempts < 0 || n.TimeoutSeconds < 0 {
		return fmt.Errorf("notify settings must not be negative")
	}
	if n.Telegram.Enabled {
		if strings.TrimSpace(n.Telegram.Token) == "" {
			return fmt.Errorf("notify.telegram.token is required when telegram is enabled")
		}
		if len(n.Telegram.ChatIDs) == 0 {
			return fmt.Errorf("notify.telegram.chat_ids must list at least one chat when telegram is enabled")
		}
	}
	if n.NATS.Enabled && strings.TrimSpace(n.NATS.URL) == "" {
		return fmt.Errorf("notify.nats.url is required when nats is enabled")
	}

	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port must be between 1 and 65535, got %d", c.Gateway.Port)
	}
	if c.GRPC.Enabled && (c.GRPC.Port <= 0 || c.GRPC.Port > 65535) {
		return fmt.Errorf("grpc.port must be between 1 and 65535, got %d", c.GRPC.Port)
	}

	return nil
}

// Windows returns the configured case windows.
func (c *Config) Windows() approval.Windows {
	return approval.Windows{
		Pending:     time.Duration(c.Escalation.PendingMinutes) * time.Minute,
		PendingHigh: time.Duration(c.Escalation.PendingHighMinutes) * time.Minute,
		Escalated:   time.Duration(c.Escalation.EscalatedMinutes) * time.Minute,
	}
}

// AuditPath returns the audit log location.
func (c *Config) AuditPath() string {
	if p := strings.TrimSpace(c.Notify.Audit.Path); p != "" {
		return expandHome(p)
	}
	return filepath.Join(StateDir(), "audit.jsonl")
}

// PolicyPath returns the expanded policy path.
func (c *Config) PolicyPath() string {
	return expandHome(c.Policy.Path)
}

// RosterPath returns the expanded roster path.
func (c *Config) RosterPath() string {
	return expandHome(c.Roster.Path)
}

// StoragePath returns the expanded file-store path.
func (c *Config) StoragePath() string {
	return expandHome(c.Storage.Path)
}

func expandHome(path string) string {
	path = strings.TrimSpace(path)
	if len(path) == 0 || path[0] != '~' {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	rest := path[1:]
	rest = strings.TrimPrefix(rest, string(filepath.Separator))
	rest = strings.TrimPrefix(rest, "/")
	return filepath.Join(homeDir, rest)
}
