package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/downfa11-org/shmbus/pkg/logbuffer"
	"github.com/downfa11-org/shmbus/util"
	"gopkg.in/yaml.v3"
)

// Config holds the tunable options of the client.
type Config struct {
	// Where log buffer files live.
	Dir string `yaml:"dir" json:"client.dir"`

	// Log buffer geometry. Must be a power of two.
	TermLength int32 `yaml:"term_length" json:"term.length"`

	// How long a closed image stays mapped so in-flight readers can
	// finish, and how often the conductor runs its duty cycle.
	LingerMS       int `yaml:"linger_ms" json:"linger.ms"`
	IdleIntervalMS int `yaml:"idle_interval_ms" json:"idle.interval.ms"`

	// Default number of fragments per poll.
	FragmentLimit int `yaml:"fragment_limit" json:"fragment.limit"`

	// Observability.
	EnableExporter bool          `yaml:"enable_exporter" json:"enable.exporter"`
	ExporterPort   int           `yaml:"exporter_port" json:"exporter.port"`
	LogLevel       util.LogLevel `yaml:"log_level" json:"log_level"`
}

// DefaultConfig returns the defaults used when no flags or file are
// given.
func DefaultConfig() *Config {
	return &Config{
		Dir:            os.TempDir(),
		TermLength:     64 * 1024,
		LingerMS:       5000,
		IdleIntervalMS: 10,
		FragmentLimit:  10,
		EnableExporter: false,
		ExporterPort:   9100,
		LogLevel:       util.LogLevelInfo,
	}
}

// LoadConfig parses command-line flags and an optional YAML/JSON config
// file (flags provide the defaults, the file overrides them).
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	configPath := flag.String("config", "", "Path to YAML/JSON config file")
	logLevelStr := flag.String("log-level", "info", "Log Level (debug, info, warn, error)")

	flag.StringVar(&cfg.Dir, "dir", cfg.Dir, "Directory holding log buffer files")
	termLength := flag.Int("term-length", int(cfg.TermLength), "Term length in bytes (power of two)")
	flag.IntVar(&cfg.LingerMS, "linger-ms", cfg.LingerMS, "Linger interval before a closed image is deleted (ms)")
	flag.IntVar(&cfg.IdleIntervalMS, "idle-interval-ms", cfg.IdleIntervalMS, "Conductor duty cycle interval (ms)")
	flag.IntVar(&cfg.FragmentLimit, "fragment-limit", cfg.FragmentLimit, "Default fragments per poll")
	flag.BoolVar(&cfg.EnableExporter, "exporter", cfg.EnableExporter, "Enable Prometheus exporter")
	flag.IntVar(&cfg.ExporterPort, "exporter-port", cfg.ExporterPort, "Exporter port")

	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" && *configPath == "" {
		*configPath = envPath
	}

	flag.Parse()

	if v := os.Getenv("SHMBUS_EXPORTER"); v != "" {
		cfg.EnableExporter = util.ParseBool(v, cfg.EnableExporter)
	}
	if v := os.Getenv("SHMBUS_EXPORTER_PORT"); v != "" {
		cfg.ExporterPort = util.ParseInt(v, cfg.ExporterPort)
	}

	cfg.TermLength = int32(*termLength)
	cfg.LogLevel = parseLogLevel(*logLevelStr)

	if *configPath != "" {
		if err := loadFile(cfg, *configPath); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	util.SetLevel(cfg.LogLevel)
	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	switch {
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse YAML config %s: %w", path, err)
		}
	case strings.HasSuffix(path, ".json"):
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse JSON config %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config format: %s", path)
	}
	return nil
}

// LingerTimeout returns the linger interval as a duration.
func (c *Config) LingerTimeout() time.Duration {
	return time.Duration(c.LingerMS) * time.Millisecond
}

// IdleInterval returns the conductor duty cycle interval as a duration.
func (c *Config) IdleInterval() time.Duration {
	return time.Duration(c.IdleIntervalMS) * time.Millisecond
}

// Validate checks the invariants other components rely on.
func (c *Config) Validate() error {
	if err := logbuffer.CheckTermLength(c.TermLength); err != nil {
		return err
	}
	if c.LingerMS <= 0 {
		return fmt.Errorf("linger_ms must be positive, got %d", c.LingerMS)
	}
	if c.IdleIntervalMS <= 0 {
		return fmt.Errorf("idle_interval_ms must be positive, got %d", c.IdleIntervalMS)
	}
	if c.FragmentLimit <= 0 {
		return fmt.Errorf("fragment_limit must be positive, got %d", c.FragmentLimit)
	}
	return nil
}

func parseLogLevel(s string) util.LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return util.LogLevelDebug
	case "info":
		return util.LogLevelInfo
	case "warn", "warning":
		return util.LogLevelWarn
	case "error":
		return util.LogLevelError
	default:
		return util.LogLevelInfo
	}
}
