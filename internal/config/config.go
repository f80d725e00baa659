package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

const (
	defaultListenAddr     = ":8000"
	defaultStore          = StoreMemory
	defaultDBPath         = "vidscope.db"
	defaultMongoDatabase  = "vidscope"
	defaultTempDir        = "temp"
	defaultSteps          = 10
	defaultStepDelay      = time.Second
	defaultMaxUploadMB    = 512
	defaultAnalyzer       = "mock"
	defaultSweepSchedule  = "@every 10m"
	defaultSweepRetention = time.Hour

	envConfigFile     = "VIDSCOPE_CONFIG"
	envListenAddr     = "VIDSCOPE_LISTEN_ADDR"
	envStore          = "VIDSCOPE_STORE"
	envDBPath         = "VIDSCOPE_DB_PATH"
	envMongoURI       = "VIDSCOPE_MONGO_URI"
	envMongoDatabase  = "VIDSCOPE_MONGO_DATABASE"
	envTempDir        = "VIDSCOPE_TEMP_DIR"
	envSteps          = "VIDSCOPE_STEPS"
	envStepDelay      = "VIDSCOPE_STEP_DELAY"
	envJobTimeout     = "VIDSCOPE_JOB_TIMEOUT"
	envMaxConcurrent  = "VIDSCOPE_MAX_CONCURRENT_JOBS"
	envMaxUploadMB    = "VIDSCOPE_MAX_UPLOAD_MB"
	envAnalyzer       = "VIDSCOPE_ANALYZER"
	envSweepSchedule  = "VIDSCOPE_SWEEP_SCHEDULE"
	envSweepRetention = "VIDSCOPE_SWEEP_RETENTION"
	envLogLevel       = "VIDSCOPE_LOG_LEVEL"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreMongo  = "mongo"
)

// Config holds application configuration.
type Config struct {
	ListenAddr     string
	Store          string
	DBPath         string
	MongoURI       string
	MongoDatabase  string
	TempDir        string
	Steps          int
	StepDelay      time.Duration
	JobTimeout     time.Duration
	MaxConcurrent  int
	MaxUploadBytes int64
	Analyzer       string
	SweepSchedule  string
	SweepRetention time.Duration
	LogLevel       slog.Level
}

// fileConfig is the YAML layout. Every field is optional.
type fileConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	Store      struct {
		Backend       string `yaml:"backend"`
		DBPath        string `yaml:"db_path"`
		MongoURI      string `yaml:"mongo_uri"`
		MongoDatabase string `yaml:"mongo_database"`
	} `yaml:"store"`
	Jobs struct {
		Analyzer      string `yaml:"analyzer"`
		Steps         int    `yaml:"steps"`
		StepDelay     string `yaml:"step_delay"`
		Timeout       string `yaml:"timeout"`
		MaxConcurrent int    `yaml:"max_concurrent"`
	} `yaml:"jobs"`
	Uploads struct {
		TempDir     string `yaml:"temp_dir"`
		MaxUploadMB int64  `yaml:"max_upload_mb"`
	} `yaml:"uploads"`
	Sweep struct {
		Schedule  string `yaml:"schedule"`
		Retention string `yaml:"retention"`
	} `yaml:"sweep"`
	LogLevel string `yaml:"log_level"`
}

// Load builds the configuration from defaults, then the YAML file named by
// VIDSCOPE_CONFIG, then the environment. A .env file in the working directory
// is merged into the environment first without overriding variables that are
// already set.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return load()
}

func load() (Config, error) {
	cfg := Config{
		ListenAddr:     defaultListenAddr,
		Store:          defaultStore,
		DBPath:         defaultDBPath,
		MongoDatabase:  defaultMongoDatabase,
		TempDir:        defaultTempDir,
		Steps:          defaultSteps,
		StepDelay:      defaultStepDelay,
		MaxUploadBytes: defaultMaxUploadMB << 20,
		Analyzer:       defaultAnalyzer,
		SweepSchedule:  defaultSweepSchedule,
		SweepRetention: defaultSweepRetention,
		LogLevel:       slog.LevelInfo,
	}

	if path := os.Getenv(envConfigFile); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	var fc fileConfig
	if err := yaml.NewDecoder(f).Decode(&fc); err != nil && err != io.EOF {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&c.ListenAddr, fc.ListenAddr)
	setString(&c.Store, fc.Store.Backend)
	setString(&c.DBPath, fc.Store.DBPath)
	setString(&c.MongoURI, fc.Store.MongoURI)
	setString(&c.MongoDatabase, fc.Store.MongoDatabase)
	setString(&c.Analyzer, fc.Jobs.Analyzer)
	setString(&c.TempDir, fc.Uploads.TempDir)
	setString(&c.SweepSchedule, fc.Sweep.Schedule)
	if fc.Jobs.Steps != 0 {
		c.Steps = fc.Jobs.Steps
	}
	if fc.Jobs.MaxConcurrent != 0 {
		c.MaxConcurrent = fc.Jobs.MaxConcurrent
	}
	if fc.Uploads.MaxUploadMB != 0 {
		c.MaxUploadBytes = fc.Uploads.MaxUploadMB << 20
	}
	if fc.LogLevel != "" {
		c.LogLevel = parseLogLevel(fc.LogLevel)
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"jobs.step_delay", fc.Jobs.StepDelay, &c.StepDelay},
		{"jobs.timeout", fc.Jobs.Timeout, &c.JobTimeout},
		{"sweep.retention", fc.Sweep.Retention, &c.SweepRetention},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("config file %s: %s: %w", path, d.key, err)
		}
		*d.dst = v
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.ListenAddr, os.Getenv(envListenAddr))
	setString(&c.Store, os.Getenv(envStore))
	setString(&c.DBPath, os.Getenv(envDBPath))
	setString(&c.MongoURI, os.Getenv(envMongoURI))
	setString(&c.MongoDatabase, os.Getenv(envMongoDatabase))
	setString(&c.TempDir, os.Getenv(envTempDir))
	setString(&c.Analyzer, os.Getenv(envAnalyzer))
	setString(&c.SweepSchedule, os.Getenv(envSweepSchedule))
	if v := os.Getenv(envLogLevel); v != "" {
		c.LogLevel = parseLogLevel(v)
	}

	ints := []struct {
		key string
		dst *int
	}{
		{envSteps, &c.Steps},
		{envMaxConcurrent, &c.MaxConcurrent},
	}
	for _, i := range ints {
		v := os.Getenv(i.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", i.key, err)
		}
		*i.dst = n
	}

	if v := os.Getenv(envMaxUploadMB); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", envMaxUploadMB, err)
		}
		c.MaxUploadBytes = n << 20
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{envStepDelay, &c.StepDelay},
		{envJobTimeout, &c.JobTimeout},
		{envSweepRetention, &c.SweepRetention},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		dur, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = dur
	}
	return nil
}

func (c *Config) validate() error {
	switch c.Store {
	case StoreMemory, StoreSQLite:
	case StoreMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("%s is required for the mongo store", envMongoURI)
		}
	default:
		return fmt.Errorf("unknown store %q (want memory, sqlite or mongo)", c.Store)
	}
	if c.Steps < 1 {
		return fmt.Errorf("steps must be at least 1, got %d", c.Steps)
	}
	if c.StepDelay < 0 || c.JobTimeout < 0 || c.SweepRetention < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if c.MaxConcurrent < 0 {
		return fmt.Errorf("max concurrent jobs must not be negative, got %d", c.MaxConcurrent)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("max upload size must be positive")
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
