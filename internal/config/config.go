package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	"github.com/cwygoda/distillery/internal/broadcast"
	"github.com/cwygoda/distillery/internal/pipeline"
)

const envPrefix = "DISTILLERY_"

// Duration is a time.Duration that decodes from TOML strings like "90s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// StageConfig binds one pipeline stage to an external command or to a
// built-in executor.
type StageConfig struct {
	Name    string   `toml:"name"`
	Command string   `toml:"command"`
	Args    []string `toml:"args"`
	Builtin string   `toml:"builtin"`
	Timeout Duration `toml:"timeout"`
}

// StoreConfig selects the record store.
type StoreConfig struct {
	Driver      string `toml:"driver"`
	PostgresURL string `toml:"postgres_url"`
}

// RelayConfig enables forwarding status events to external brokers.
type RelayConfig struct {
	NATSURL      string `toml:"nats_url"`
	NATSSubject  string `toml:"nats_subject"`
	RedisAddr    string `toml:"redis_addr"`
	RedisChannel string `toml:"redis_channel"`
}

// Config holds application configuration.
type Config struct {
	Port            int           `toml:"port"`
	DBPath          string        `toml:"db"`
	Workers         int           `toml:"workers"`
	StageTimeout    Duration      `toml:"stage_timeout"`
	ShutdownTimeout Duration      `toml:"shutdown_timeout"`
	StatusQueue     int           `toml:"status_queue"`
	LogQueue        int           `toml:"log_queue"`
	StatusPolicy    string        `toml:"status_policy"`
	LogPolicy       string        `toml:"log_policy"`
	WorkDir         string        `toml:"work_dir"`
	LogLevel        string        `toml:"log_level"`
	LogFormat       string        `toml:"log_format"`
	Heartbeat       Duration      `toml:"heartbeat"`
	Store           StoreConfig   `toml:"store"`
	Relay           RelayConfig   `toml:"relay"`
	Stages          []StageConfig `toml:"stage"`
}

// DefaultDBPath returns the default database path using XDG_CACHE_HOME.
func DefaultDBPath() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, _ := os.UserHomeDir()
		cacheDir = filepath.Join(home, ".cache")
	}
	return filepath.Join(cacheDir, "distillery", "jobs.db")
}

// DefaultConfigPath returns the config file location using XDG_CONFIG_HOME.
func DefaultConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "distillery", "config.toml")
}

// ExpandPath replaces a leading ~ with the user's home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

// Default returns the built-in configuration.
func Default() *Config {
	opts := broadcast.DefaultOptions()
	return &Config{
		Port:            8080,
		DBPath:          DefaultDBPath(),
		Workers:         2,
		ShutdownTimeout: Duration{30 * time.Second},
		StatusQueue:     opts.StatusQueue,
		LogQueue:        opts.LogQueue,
		StatusPolicy:    opts.StatusPolicy.String(),
		LogPolicy:       opts.LogPolicy.String(),
		LogLevel:        "info",
		LogFormat:       "text",
		Heartbeat:       Duration{30 * time.Second},
		Store:           StoreConfig{Driver: "sqlite"},
		Relay:           RelayConfig{NATSSubject: "distillery.jobs.status", RedisChannel: "distillery:jobs:status"},
	}
}

// Load builds Config from defaults, a TOML file, the environment and
// flags, each overriding the one before.
func Load(args []string) (*Config, error) {
	cfg := Default()

	fs := flag.NewFlagSet("distillery", flag.ContinueOnError)
	configPath := fs.String("config", "", "TOML config file (default $XDG_CONFIG_HOME/distillery/config.toml)")
	port := fs.Int("port", cfg.Port, "HTTP server port")
	dbPath := fs.String("db", cfg.DBPath, "SQLite database path")
	workers := fs.Int("workers", cfg.Workers, "Concurrent pipelines")
	stageTimeout := fs.Duration("stage-timeout", 0, "Per-stage deadline, 0 disables")
	workDir := fs.String("work-dir", "", "Parent directory for per-job scratch space")
	logLevel := fs.String("log-level", cfg.LogLevel, "Log level")
	logFormat := fs.String("log-format", cfg.LogFormat, "Log format: text or json")
	driver := fs.String("store", cfg.Store.Driver, "Record store: sqlite, postgres or memory")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	path := *configPath
	if path == "" {
		path = os.Getenv(envPrefix + "CONFIG")
	}
	explicit := path != ""
	if path == "" {
		path = DefaultConfigPath()
	}
	if err := loadFile(cfg, ExpandPath(path), explicit); err != nil {
		return nil, err
	}

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = *port
		case "db":
			cfg.DBPath = *dbPath
		case "workers":
			cfg.Workers = *workers
		case "stage-timeout":
			cfg.StageTimeout.Duration = *stageTimeout
		case "work-dir":
			cfg.WorkDir = *workDir
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-format":
			cfg.LogFormat = *logFormat
		case "store":
			cfg.Store.Driver = *driver
		}
	})

	cfg.DBPath = ExpandPath(cfg.DBPath)
	cfg.WorkDir = ExpandPath(cfg.WorkDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile decodes path into cfg. A missing file is only an error when
// the path was given explicitly.
func loadFile(cfg *Config, path string, explicit bool) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("config %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) error {
		v, ok := lookup(envPrefix + name)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
		*dst = n
		return nil
	}
	dur := func(name string, dst *Duration) error {
		v, ok := lookup(envPrefix + name)
		if !ok || v == "" {
			return nil
		}
		if err := dst.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
		return nil
	}

	str("DB", &cfg.DBPath)
	str("WORK_DIR", &cfg.WorkDir)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FORMAT", &cfg.LogFormat)
	str("STATUS_POLICY", &cfg.StatusPolicy)
	str("LOG_POLICY", &cfg.LogPolicy)
	str("STORE_DRIVER", &cfg.Store.Driver)
	str("POSTGRES_URL", &cfg.Store.PostgresURL)
	str("NATS_URL", &cfg.Relay.NATSURL)
	str("NATS_SUBJECT", &cfg.Relay.NATSSubject)
	str("REDIS_ADDR", &cfg.Relay.RedisAddr)
	str("REDIS_CHANNEL", &cfg.Relay.RedisChannel)
	return errors.Join(
		num("PORT", &cfg.Port),
		num("WORKERS", &cfg.Workers),
		num("STATUS_QUEUE", &cfg.StatusQueue),
		num("LOG_QUEUE", &cfg.LogQueue),
		dur("STAGE_TIMEOUT", &cfg.StageTimeout),
		dur("SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout),
		dur("HEARTBEAT", &cfg.Heartbeat),
	)
}

// Validate checks value ranges and names.
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	if c.StatusQueue < 1 || c.LogQueue < 1 {
		errs = append(errs, errors.New("status_queue and log_queue must be at least 1"))
	}
	if c.StageTimeout.Duration < 0 {
		errs = append(errs, errors.New("stage_timeout must not be negative"))
	}
	if _, err := broadcast.ParsePolicy(c.StatusPolicy); err != nil {
		errs = append(errs, fmt.Errorf("status_policy: %w", err))
	}
	if _, err := broadcast.ParsePolicy(c.LogPolicy); err != nil {
		errs = append(errs, fmt.Errorf("log_policy: %w", err))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log_format %q", c.LogFormat))
	}
	switch c.Store.Driver {
	case "sqlite", "memory":
	case "postgres":
		if c.Store.PostgresURL == "" {
			errs = append(errs, errors.New("store.postgres_url is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}

	seen := make(map[string]bool)
	for _, st := range c.Stages {
		if _, ok := pipeline.Lookup(st.Name); !ok {
			errs = append(errs, fmt.Errorf("unknown stage %q", st.Name))
			continue
		}
		if seen[st.Name] {
			errs = append(errs, fmt.Errorf("stage %q configured twice", st.Name))
		}
		seen[st.Name] = true
		if (st.Command == "") == (st.Builtin == "") {
			errs = append(errs, fmt.Errorf("stage %q: set exactly one of command or builtin", st.Name))
		}
		if st.Timeout.Duration < 0 {
			errs = append(errs, fmt.Errorf("stage %q: timeout must not be negative", st.Name))
		}
	}
	return errors.Join(errs...)
}

// BroadcastOptions converts the queue settings for the broadcaster.
func (c *Config) BroadcastOptions() broadcast.Options {
	statusPolicy, _ := broadcast.ParsePolicy(c.StatusPolicy)
	logPolicy, _ := broadcast.ParsePolicy(c.LogPolicy)
	return broadcast.Options{
		StatusQueue:  c.StatusQueue,
		StatusPolicy: statusPolicy,
		LogQueue:     c.LogQueue,
		LogPolicy:    logPolicy,
	}
}
