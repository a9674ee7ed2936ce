package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for one pipeline instance. It is a plain
// value object handed to the orchestrator's constructor; nothing reads the
// process environment after loading.
type Config struct {
	Dataset  DatasetConfig  `yaml:"dataset"`
	Database DatabaseConfig `yaml:"database"`
	Tables   TablesConfig   `yaml:"tables"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Slack    SlackConfig    `yaml:"slack"`
}

// DatasetConfig identifies the upstream monthly-sharded dataset.
type DatasetConfig struct {
	Year    int    `yaml:"year"`
	BaseURL string `yaml:"base_url"`
	Prefix  string `yaml:"prefix"`
}

// DatabaseConfig holds warehouse connection settings.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"` // disable, require, verify-ca, verify-full
}

// TablesConfig names the three storage layers plus the progress-metadata table.
type TablesConfig struct {
	Raw        string `yaml:"raw"`
	Cleaned    string `yaml:"cleaned"`
	Aggregated string `yaml:"aggregated"`
	Metadata   string `yaml:"metadata"`
}

// PipelineConfig holds pipeline behavior settings.
type PipelineConfig struct {
	Name              string `yaml:"name"`
	DataDir           string `yaml:"data_dir"`
	SQLDir            string `yaml:"sql_dir"`
	SchemaScript      string `yaml:"schema_script"`
	CleaningScript    string `yaml:"cleaning_script"`
	AggregationScript string `yaml:"aggregation_script"`
	DeleteAfterLoad   bool   `yaml:"delete_after_load"`
}

// SlackConfig holds Slack notification settings.
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
	Enabled    bool   `yaml:"enabled"`
}

// Load reads configuration from a YAML file. Environment references like
// ${PG_PASSWORD} in the file are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadBytes(data)
}

// LoadBytes reads configuration from YAML bytes.
func LoadBytes(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// FromEnv builds a configuration entirely from environment variables, using
// the names the reference deployment documents (YEAR, DATA_DIR, PG_HOST, ...).
// This is the headless path for cron and Airflow invocations with no config
// file on disk.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Dataset: DatasetConfig{
			Year:    envInt("YEAR", 0),
			BaseURL: os.Getenv("SOURCE_BASE_URL"),
			Prefix:  os.Getenv("SOURCE_PREFIX"),
		},
		Database: DatabaseConfig{
			Host:     os.Getenv("PG_HOST"),
			Port:     envInt("PG_PORT", 0),
			Database: os.Getenv("PG_DATABASE"),
			User:     os.Getenv("PG_USER"),
			Password: os.Getenv("PG_PASSWORD"),
			SSLMode:  os.Getenv("PG_SSLMODE"),
		},
		Tables: TablesConfig{
			Raw:        os.Getenv("RAW_TABLE"),
			Cleaned:    os.Getenv("SILVER_TABLE"),
			Aggregated: os.Getenv("GOLD_TABLE"),
			Metadata:   os.Getenv("PIPELINE_METADATA"),
		},
		Pipeline: PipelineConfig{
			Name:            os.Getenv("PIPELINE_NAME"),
			DataDir:         os.Getenv("DATA_DIR"),
			SQLDir:          os.Getenv("SQL_DIR"),
			DeleteAfterLoad: envBool("DELETE_PARQUET_AFTER_LOAD"),
		},
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func (c *Config) applyDefaults() {
	if c.Dataset.Year == 0 {
		c.Dataset.Year = 2024
	}
	if c.Dataset.BaseURL == "" {
		c.Dataset.BaseURL = "https://d37ci6vzurychx.cloudfront.net/trip-data"
	}
	if c.Dataset.Prefix == "" {
		c.Dataset.Prefix = "yellow_tripdata"
	}

	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "require"
	}

	// The SQL scripts in sql_dir reference table names literally; overriding
	// any of these requires a matching script set, or the row-count checks
	// will compare against tables the scripts never touch.
	year := c.Dataset.Year
	if c.Tables.Raw == "" {
		c.Tables.Raw = fmt.Sprintf("raw_taxi_data_%d", year)
	}
	if c.Tables.Cleaned == "" {
		c.Tables.Cleaned = fmt.Sprintf("silver_taxi_data_%d", year)
	}
	if c.Tables.Aggregated == "" {
		c.Tables.Aggregated = fmt.Sprintf("gold_taxi_summary_%d", year)
	}
	if c.Tables.Metadata == "" {
		c.Tables.Metadata = "pipeline_metadata"
	}

	if c.Pipeline.Name == "" {
		c.Pipeline.Name = fmt.Sprintf("nyc_taxi_%d", year)
	}
	if c.Pipeline.DataDir == "" {
		c.Pipeline.DataDir = "data"
	}
	if c.Pipeline.SQLDir == "" {
		c.Pipeline.SQLDir = "sql"
	}
	if c.Pipeline.SchemaScript == "" {
		c.Pipeline.SchemaScript = "create_raw_table.sql"
	}
	if c.Pipeline.CleaningScript == "" {
		c.Pipeline.CleaningScript = "transform_silver.sql"
	}
	if c.Pipeline.AggregationScript == "" {
		c.Pipeline.AggregationScript = "aggregate_gold.sql"
	}
}

func (c *Config) validate() error {
	if c.Database.Database == "" {
		return fmt.Errorf("database.database is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}
	if c.Dataset.Year < 2009 || c.Dataset.Year > 2100 {
		return fmt.Errorf("dataset.year %d out of range", c.Dataset.Year)
	}
	for _, t := range []struct{ name, value string }{
		{"tables.raw", c.Tables.Raw},
		{"tables.cleaned", c.Tables.Cleaned},
		{"tables.aggregated", c.Tables.Aggregated},
		{"tables.metadata", c.Tables.Metadata},
	} {
		if !validIdent(t.value) {
			return fmt.Errorf("%s: %q is not a valid table name", t.name, t.value)
		}
	}
	return nil
}

// validIdent accepts plain lower-case SQL identifiers. Table names are
// interpolated into DDL and COPY statements, so anything fancier is rejected
// up front.
func validIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// DSN returns the warehouse connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User, c.Database.Password, c.Database.Host,
		c.Database.Port, c.Database.Database, c.Database.SSLMode)
}

// ScriptPath resolves a SQL script name against the configured script dir.
func (c *Config) ScriptPath(name string) string {
	return filepath.Join(c.Pipeline.SQLDir, name)
}

// Sanitized returns a copy of the config with sensitive fields redacted.
func (c *Config) Sanitized() *Config {
	sanitized := *c // shallow copy
	sanitized.Database.Password = "[REDACTED]"
	if sanitized.Slack.WebhookURL != "" {
		sanitized.Slack.WebhookURL = "[REDACTED]"
	}
	return &sanitized
}
