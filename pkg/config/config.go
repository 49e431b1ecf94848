package config

import (
	"fmt"
	"net/url"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for covality-engine.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, API keys) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"3550"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	BaseURL  string `yaml:"base_url" env:"BASE_URL" env-default:""` // Auto-derived from Port if empty
	Version  string `yaml:"-"`                                     // Set at load time, not from config

	// Database configuration (PostgreSQL)
	Database DatabaseConfig `yaml:"database"`

	// Semantic control classifier backend
	Classifier ClassifierConfig `yaml:"classifier"`

	// Coverage analysis tuning
	Analysis AnalysisConfig `yaml:"analysis"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"covality"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"covality_engine"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
	MigrationsPath string `yaml:"migrations_path" env:"PGMIGRATIONS_PATH" env-default:"migrations"`
}

// ClassifierConfig holds the LLM backend used for semantic control classification.
// Provider selects the client implementation: "openai" (any OpenAI-compatible
// endpoint) or "anthropic".
type ClassifierConfig struct {
	Provider string `yaml:"provider" env:"CLASSIFIER_PROVIDER" env-default:"openai"`
	Endpoint string `yaml:"endpoint" env:"CLASSIFIER_ENDPOINT" env-default:"https://api.openai.com/v1"`
	Model    string `yaml:"model" env:"CLASSIFIER_MODEL" env-default:"gpt-4o"`
	APIKey   string `yaml:"-" env:"CLASSIFIER_API_KEY"` // Secret - not in YAML
}

// AnalysisConfig holds coverage analysis tuning parameters.
type AnalysisConfig struct {
	// ControlBatchSize is how many controls are submitted to the classifier per call.
	ControlBatchSize int `yaml:"control_batch_size" env:"ANALYSIS_CONTROL_BATCH_SIZE" env-default:"20"`
	// GapClassificationLimit bounds how many uncovered controls are gap-analyzed per run.
	GapClassificationLimit int `yaml:"gap_classification_limit" env:"ANALYSIS_GAP_CLASSIFICATION_LIMIT" env-default:"50"`
	// PolicyTextLimit is the maximum number of characters of policy text submitted per call.
	PolicyTextLimit int `yaml:"policy_text_limit" env:"ANALYSIS_POLICY_TEXT_LIMIT" env-default:"20000"`
	// NotifyOnFailure controls whether the triggering user is notified when a run fails.
	NotifyOnFailure bool `yaml:"notify_on_failure" env:"ANALYSIS_NOTIFY_ON_FAILURE" env-default:"false"`
	// CatalogDir, when set, is scanned at startup for framework catalog YAML files to import.
	CatalogDir string `yaml:"catalog_dir" env:"ANALYSIS_CATALOG_DIR" env-default:""`
}

// Load reads configuration from config.yaml with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		return nil, fmt.Errorf("failed to read config.yaml: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Auto-derive BaseURL from Port if not explicitly set
	if cfg.BaseURL == "" {
		cfg.BaseURL = (&url.URL{
			Scheme: "http",
			Host:   "localhost:" + cfg.Port,
		}).String()
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Classifier.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("unknown classifier provider %q (want openai or anthropic)", c.Classifier.Provider)
	}
	if c.Analysis.ControlBatchSize <= 0 {
		return fmt.Errorf("control_batch_size must be positive")
	}
	if c.Analysis.GapClassificationLimit <= 0 {
		return fmt.Errorf("gap_classification_limit must be positive")
	}
	if c.Analysis.PolicyTextLimit <= 0 {
		return fmt.Errorf("policy_text_limit must be positive")
	}
	return nil
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
