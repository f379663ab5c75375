// Package config loads runtime settings from the environment, an optional
// .env file, and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ErrMissingAPIKey is returned by Validate when no ADE API key is set.
var ErrMissingAPIKey = errors.New("config: ADE API key is not set (VISION_AGENT_API_KEY)")

const envPrefix = "INVOICES"

// Extractor backends.
const (
	ExtractorADE    = "ade"
	ExtractorGemini = "gemini"
)

// Config holds all application configuration.
type Config struct {
	ADE      ADEConfig
	Pipeline PipelineConfig
	Gemini   GeminiConfig
	GCS      GCSConfig
	BigQuery BigQueryConfig
	Log      LogConfig
	Server   ServerConfig
	Queue    QueueConfig
}

// ADEConfig holds document extraction API settings.
type ADEConfig struct {
	APIKey            string        `mapstructure:"api_key"`
	BaseURL           string        `mapstructure:"base_url"`
	ParseModel        string        `mapstructure:"parse_model"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
}

// PipelineConfig holds batch processing settings.
type PipelineConfig struct {
	Concurrency int    `mapstructure:"concurrency"`
	OutputDir   string `mapstructure:"output_dir"`
	Extractor   string `mapstructure:"extractor"`
	SchemaPath  string `mapstructure:"schema_path"`
}

// GeminiConfig holds settings for the Gemini extraction backend.
type GeminiConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

// GCSConfig holds Cloud Storage settings. An empty bucket disables GCS.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// BigQueryConfig holds warehouse settings. An empty project disables loading.
type BigQueryConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Dataset   string `mapstructure:"dataset"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port        string   `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"` // empty allows any origin
}

// QueueConfig holds background job queue settings.
type QueueConfig struct {
	BufferSize int `mapstructure:"buffer_size"`
	Workers    int `mapstructure:"workers"`
	MaxRetries int `mapstructure:"max_retries"`
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present; variables already set win.
func Load() (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("Load: reading .env: %w", err)
		}
	}
	return FromViper(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("ade.api_key", "")
	v.SetDefault("ade.base_url", "https://api.va.landing.ai")
	v.SetDefault("ade.parse_model", "dpt-2-latest")
	v.SetDefault("ade.timeout", "5m")
	v.SetDefault("ade.requests_per_second", 2)

	v.SetDefault("pipeline.concurrency", 4)
	v.SetDefault("pipeline.output_dir", "./ade_results")
	v.SetDefault("pipeline.extractor", ExtractorADE)
	v.SetDefault("pipeline.schema_path", "")

	v.SetDefault("gemini.api_key", "")
	v.SetDefault("gemini.model", "gemini-2.5-flash")

	v.SetDefault("gcs.bucket", "")
	v.SetDefault("gcs.prefix", "")

	v.SetDefault("bigquery.project_id", "")
	v.SetDefault("bigquery.dataset", "invoices")

	v.SetDefault("log.level", "info")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.cors_origins", "")

	v.SetDefault("queue.buffer_size", 100)
	v.SetDefault("queue.workers", 5)
	v.SetDefault("queue.max_retries", 0)

	// Well-known variable names used by the upstream SDKs and GCP tooling.
	_ = v.BindEnv("ade.api_key", envPrefix+"_ADE_API_KEY", "VISION_AGENT_API_KEY")
	_ = v.BindEnv("gemini.api_key", envPrefix+"_GEMINI_API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY")
	_ = v.BindEnv("gcs.bucket", envPrefix+"_GCS_BUCKET", "GCS_BUCKET")
	_ = v.BindEnv("bigquery.project_id", envPrefix+"_BIGQUERY_PROJECT_ID", "GOOGLE_CLOUD_PROJECT")
	_ = v.BindEnv("server.port", envPrefix+"_SERVER_PORT", "PORT")

	return v
}

// FromViper builds a Config from an already populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		ADE: ADEConfig{
			APIKey:            strings.TrimSpace(v.GetString("ade.api_key")),
			BaseURL:           v.GetString("ade.base_url"),
			ParseModel:        v.GetString("ade.parse_model"),
			Timeout:           v.GetDuration("ade.timeout"),
			RequestsPerSecond: v.GetFloat64("ade.requests_per_second"),
		},
		Pipeline: PipelineConfig{
			Concurrency: v.GetInt("pipeline.concurrency"),
			OutputDir:   v.GetString("pipeline.output_dir"),
			Extractor:   strings.ToLower(v.GetString("pipeline.extractor")),
			SchemaPath:  v.GetString("pipeline.schema_path"),
		},
		Gemini: GeminiConfig{
			APIKey: v.GetString("gemini.api_key"),
			Model:  v.GetString("gemini.model"),
		},
		GCS: GCSConfig{
			Bucket: v.GetString("gcs.bucket"),
			Prefix: v.GetString("gcs.prefix"),
		},
		BigQuery: BigQueryConfig{
			ProjectID: v.GetString("bigquery.project_id"),
			Dataset:   v.GetString("bigquery.dataset"),
		},
		Log: LogConfig{
			Level: v.GetString("log.level"),
		},
		Server: ServerConfig{
			Port:        strings.TrimPrefix(v.GetString("server.port"), ":"),
			CORSOrigins: splitList(v.GetString("server.cors_origins")),
		},
		Queue: QueueConfig{
			BufferSize: v.GetInt("queue.buffer_size"),
			Workers:    v.GetInt("queue.workers"),
			MaxRetries: v.GetInt("queue.max_retries"),
		},
	}

	if cfg.Pipeline.Concurrency < 1 {
		cfg.Pipeline.Concurrency = 1
	}
	if cfg.Queue.Workers < 1 {
		cfg.Queue.Workers = 1
	}
	switch cfg.Pipeline.Extractor {
	case ExtractorADE, ExtractorGemini:
	default:
		return nil, fmt.Errorf("FromViper: unknown extractor %q", cfg.Pipeline.Extractor)
	}
	return cfg, nil
}

// Validate checks the settings needed to call the ADE API.
func (c *Config) Validate() error {
	if c.ADE.APIKey == "" {
		return ErrMissingAPIKey
	}
	return nil
}

// WarehouseEnabled reports whether BigQuery loading is configured.
func (c *Config) WarehouseEnabled() bool {
	return c.BigQuery.ProjectID != ""
}

// splitList splits a comma separated setting, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
