// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Engine backends.
const (
	EngineGRPC  = "grpc"
	EngineLocal = "local"
)

// Integration modes for handing the uploaded document to the engine.
const (
	ModeContent = "content"
	ModeTool    = "tool"
)

// Config holds all application configuration.
type Config struct {
	Port        string        `yaml:"port"`
	FrontendURL string        `yaml:"frontend_url"`
	DBPath      string        `yaml:"db_path"`
	Staging     StagingConfig `yaml:"staging"`
	Engine      EngineConfig  `yaml:"engine"`
	LLM         LLMConfig     `yaml:"llm"`
	Log         LogConfig     `yaml:"log"`
	Timeout     TimeoutConfig `yaml:"timeout"`
	Retry       RetryConfig   `yaml:"retry"`
}

// StagingConfig controls where uploads and reports live on disk.
type StagingConfig struct {
	Dir            string        `yaml:"dir"`
	ReportFile     string        `yaml:"report_file"`
	DownloadName   string        `yaml:"download_name"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
	PerSession     bool          `yaml:"per_session"`
	TTL            time.Duration `yaml:"ttl"` // 0 disables the janitor
	SweepInterval  time.Duration `yaml:"sweep_interval"`
}

// EngineConfig selects and addresses the orchestration engine.
type EngineConfig struct {
	Backend         string        `yaml:"backend"`
	Addr            string        `yaml:"addr"`
	IntegrationMode string        `yaml:"integration_mode"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxToolRounds   int           `yaml:"max_tool_rounds"`
	CrewdPort       string        `yaml:"crewd_port"`
}

// LLMConfig is used by the local sequential engine.
type LLMConfig struct {
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// TimeoutConfig holds server-side timeouts.
type TimeoutConfig struct {
	HealthCheck time.Duration `yaml:"health_check"`
	Shutdown    time.Duration `yaml:"shutdown"`
}

// RetryConfig controls retries of run bookkeeping writes.
type RetryConfig struct {
	DatabaseMaxRetries     int           `yaml:"database_max_retries"`
	DatabaseRetryBaseDelay time.Duration `yaml:"database_retry_base_delay"`
}

func defaults() Config {
	return Config{
		Port:   "8080",
		DBPath: "./data/educator.db",
		Staging: StagingConfig{
			Dir:            "temp",
			ReportFile:     "report.txt",
			DownloadName:   "article.txt",
			MaxUploadBytes: 10 << 20,
			SweepInterval:  5 * time.Minute,
		},
		Engine: EngineConfig{
			Backend:         EngineGRPC,
			Addr:            "localhost:50051",
			IntegrationMode: ModeContent,
			Timeout:         10 * time.Minute,
			MaxToolRounds:   4,
			CrewdPort:       "50051",
		},
		LLM: LLMConfig{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			Temperature: 0.3,
			MaxTokens:   2048,
		},
		Log: LogConfig{
			Level: "info",
		},
		Timeout: TimeoutConfig{
			HealthCheck: 5 * time.Second,
			Shutdown:    10 * time.Second,
		},
		Retry: RetryConfig{
			DatabaseMaxRetries:     3,
			DatabaseRetryBaseDelay: 50 * time.Millisecond,
		},
	}
}

// Load reads the optional YAML file named by EDUCATOR_CONFIG, then applies
// environment overrides and validates the result.
func Load() (*Config, error) {
	cfg := defaults()

	path := getEnv("EDUCATOR_CONFIG", "config/educator.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.FrontendURL = getEnv("FRONTEND_URL", cfg.FrontendURL)
	cfg.DBPath = getEnv("DB_PATH", cfg.DBPath)

	cfg.Staging.Dir = getEnv("STAGING_DIR", cfg.Staging.Dir)
	cfg.Staging.ReportFile = getEnv("REPORT_FILE", cfg.Staging.ReportFile)
	cfg.Staging.DownloadName = getEnv("DOWNLOAD_NAME", cfg.Staging.DownloadName)
	cfg.Staging.MaxUploadBytes = getEnvInt64("MAX_UPLOAD_BYTES", cfg.Staging.MaxUploadBytes)
	cfg.Staging.PerSession = getEnvBool("STAGING_PER_SESSION", cfg.Staging.PerSession)
	cfg.Staging.TTL = getEnvDuration("STAGING_TTL", cfg.Staging.TTL)

	cfg.Engine.Backend = strings.ToLower(getEnv("ENGINE", cfg.Engine.Backend))
	cfg.Engine.Addr = getEnv("ENGINE_ADDR", cfg.Engine.Addr)
	cfg.Engine.IntegrationMode = strings.ToLower(getEnv("INTEGRATION_MODE", cfg.Engine.IntegrationMode))
	cfg.Engine.Timeout = getEnvDuration("ENGINE_TIMEOUT", cfg.Engine.Timeout)
	cfg.Engine.CrewdPort = getEnv("CREWD_PORT", cfg.Engine.CrewdPort)

	cfg.LLM.BaseURL = getEnv("LLM_BASE_URL", cfg.LLM.BaseURL)
	cfg.LLM.Model = getEnv("LLM_MODEL", cfg.LLM.Model)
	// OPENAI_API_KEY is what the original deployment exported.
	cfg.LLM.APIKey = getEnv("OPENAI_API_KEY", cfg.LLM.APIKey)
	cfg.LLM.APIKey = getEnv("LLM_API_KEY", cfg.LLM.APIKey)

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)
}

// Validate checks that all required configuration fields are set.
// A missing LLM API key is not an error here: it fails the first invocation.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Staging.Dir == "" {
		return fmt.Errorf("STAGING_DIR cannot be empty")
	}
	if c.Staging.ReportFile == "" || strings.ContainsAny(c.Staging.ReportFile, `/\`) {
		return fmt.Errorf("REPORT_FILE must be a bare file name")
	}
	if c.Staging.DownloadName == "" {
		return fmt.Errorf("DOWNLOAD_NAME cannot be empty")
	}
	if c.Staging.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be > 0")
	}
	if c.Staging.TTL > 0 && c.Staging.SweepInterval <= 0 {
		return fmt.Errorf("staging sweep interval must be > 0 when STAGING_TTL is set")
	}
	switch c.Engine.Backend {
	case EngineGRPC:
		if c.Engine.Addr == "" {
			return fmt.Errorf("ENGINE_ADDR cannot be empty for the grpc engine")
		}
	case EngineLocal:
		if c.LLM.BaseURL == "" || c.LLM.Model == "" {
			return fmt.Errorf("LLM_BASE_URL and LLM_MODEL are required for the local engine")
		}
	default:
		return fmt.Errorf("ENGINE must be %q or %q, got %q", EngineGRPC, EngineLocal, c.Engine.Backend)
	}
	switch c.Engine.IntegrationMode {
	case ModeContent, ModeTool:
	default:
		return fmt.Errorf("INTEGRATION_MODE must be %q or %q, got %q", ModeContent, ModeTool, c.Engine.IntegrationMode)
	}
	if c.Engine.Timeout <= 0 {
		return fmt.Errorf("ENGINE_TIMEOUT must be > 0")
	}
	if c.Retry.DatabaseMaxRetries <= 0 {
		return fmt.Errorf("database max retries must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt64(key string, fallback int64) int64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
