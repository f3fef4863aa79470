package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Spool     SpoolConfig     `yaml:"spool"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Notify    NotifyConfig    `yaml:"notify"`
	History   HistoryConfig   `yaml:"history"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   LoggingConfig   `yaml:"logging"`
	Printers  []PrinterConfig `yaml:"printers"`
}

// PrinterConfig declares one printer instance. OutputDir is where the
// built-in file backend writes rendered jobs; per-printer limits fall
// back to the scheduler defaults when zero.
type PrinterConfig struct {
	Name             string `yaml:"name"`
	OutputDir        string `yaml:"output_dir"`
	DefaultFormat    string `yaml:"default_format"`
	MaxActiveJobs    int    `yaml:"max_active_jobs"`
	MaxCompletedJobs int    `yaml:"max_completed_jobs"`
	MaxPreservedJobs int    `yaml:"max_preserved_jobs"`
}

type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type SpoolConfig struct {
	Directory    string `yaml:"directory"`
	MaxDocuments int    `yaml:"max_documents"`
}

type SchedulerConfig struct {
	MaxActiveJobs    int           `yaml:"max_active_jobs"`
	MaxCompletedJobs int           `yaml:"max_completed_jobs"`
	MaxPreservedJobs int           `yaml:"max_preserved_jobs"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`
}

type NotifyConfig struct {
	DefaultLease time.Duration `yaml:"default_lease"`
	MaxLease     time.Duration `yaml:"max_lease"`
	BlockingWait time.Duration `yaml:"blocking_wait"`
}

type HistoryConfig struct {
	Path string `yaml:"path"`
}

type AuthConfig struct {
	AdminGroup    string        `yaml:"admin_group"`
	TokenDuration time.Duration `yaml:"token_duration"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8631,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Spool: SpoolConfig{
			Directory:    "./data/spool",
			MaxDocuments: 100,
		},
		Scheduler: SchedulerConfig{
			MaxActiveJobs:    0,
			MaxCompletedJobs: 100,
			MaxPreservedJobs: 20,
			CleanupInterval:  30 * time.Second,
		},
		Notify: NotifyConfig{
			DefaultLease: time.Hour,
			MaxLease:     24 * time.Hour,
			BlockingWait: 30 * time.Second,
		},
		History: HistoryConfig{
			Path: "./data/printd.db",
		},
		Auth: AuthConfig{
			AdminGroup:    "admin",
			TokenDuration: 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Printers: []PrinterConfig{
			{Name: "default", OutputDir: "./data/output"},
		},
	}
}

func Load(configPath string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

func LoadFromEnv() *Config {
	cfg := defaults()

	if v := os.Getenv("PRINTD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("PRINTD_SPOOL_DIR"); v != "" {
		cfg.Spool.Directory = v
	}

	if v := os.Getenv("PRINTD_HISTORY_PATH"); v != "" {
		cfg.History.Path = v
	}

	if v := os.Getenv("PRINTD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	return cfg
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("server read timeout must be non-negative")
	}

	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server write timeout must be non-negative")
	}

	if c.Spool.Directory == "" {
		return fmt.Errorf("spool directory is required")
	}

	if c.Spool.MaxDocuments < 1 {
		return fmt.Errorf("max documents must be at least 1")
	}

	if c.Scheduler.MaxActiveJobs < 0 {
		return fmt.Errorf("max active jobs must be non-negative")
	}

	if c.Scheduler.MaxCompletedJobs < 0 {
		return fmt.Errorf("max completed jobs must be non-negative")
	}

	if c.Scheduler.MaxPreservedJobs < 0 {
		return fmt.Errorf("max preserved jobs must be non-negative")
	}

	if c.Scheduler.CleanupInterval < time.Second {
		return fmt.Errorf("cleanup interval must be at least one second")
	}

	if c.Notify.DefaultLease <= 0 {
		return fmt.Errorf("default lease must be positive")
	}

	if c.Notify.MaxLease < c.Notify.DefaultLease {
		return fmt.Errorf("max lease must not be shorter than the default lease")
	}

	if c.Notify.BlockingWait <= 0 {
		return fmt.Errorf("blocking wait must be positive")
	}

	if c.History.Path == "" {
		return fmt.Errorf("history database path is required")
	}

	if len(c.Printers) == 0 {
		return fmt.Errorf("at least one printer is required")
	}

	seen := make(map[string]bool)
	for i, p := range c.Printers {
		if p.Name == "" {
			return fmt.Errorf("printer %d: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("printer %q is declared twice", p.Name)
		}
		seen[p.Name] = true
		if p.OutputDir == "" {
			return fmt.Errorf("printer %q: output directory is required", p.Name)
		}
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json": true,
		"text": true,
	}

	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (valid: json, text)", c.Logging.Format)
	}

	return nil
}
