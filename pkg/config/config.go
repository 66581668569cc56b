// Package config loads and validates application configuration from YAML
// files with environment-variable overrides. It provides typed structs for
// every subsystem (Postgres, Redis, Kafka, Enrich, Onion, etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Enrich   EnrichConfig   `yaml:"enrich"`
	Onion    OnionConfig    `yaml:"onion"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// RedisConfig holds the connection parameters for the organization-lookup
// cache tier.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// KafkaConfig holds the broker list and the run-report topic.
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topics  Topics   `yaml:"topics"`
}

// Topics maps logical topic names to their Kafka topic strings.
type Topics struct {
	RunReports  string `yaml:"runReports"`
	FailedItems string `yaml:"failedItems"`
}

// EnrichConfig is the per-run surface of the enrichment pipeline.
type EnrichConfig struct {
	Source           string   `yaml:"source"`
	OutIndex         string   `yaml:"outIndex"`
	Incremental      bool     `yaml:"incremental"`
	IdentityEnabled  bool     `yaml:"identityEnabled"`
	IdentityRequired bool     `yaml:"identityRequired"`
	BatchSize        int      `yaml:"batchSize"`
	Roles            []string `yaml:"roles"`
	ResolverWorkers  int      `yaml:"resolverWorkers"`
	ProjectsFile     string   `yaml:"projectsFile"`
}

// OnionConfig lists the study specs run after enrichment.
type OnionConfig struct {
	Studies []OnionStudyConfig `yaml:"studies"`
}

// OnionStudyConfig configures one onion study pass.
type OnionStudyConfig struct {
	InIndex        string `yaml:"inIndex"`
	OutIndex       string `yaml:"outIndex"`
	DataSource     string `yaml:"dataSource"`
	ContribsField  string `yaml:"contribsField"`
	TimeframeField string `yaml:"timeframeField"`
	SortOnField    string `yaml:"sortOnField"`
	NoIncremental  bool   `yaml:"noIncremental"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-
// variable overrides. It returns a Config populated with sensible defaults
// for any missing values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Enrich.BatchSize <= 0 {
		return fmt.Errorf("enrich.batchSize must be positive, got %d", c.Enrich.BatchSize)
	}
	if c.Enrich.ResolverWorkers <= 0 {
		return fmt.Errorf("enrich.resolverWorkers must be positive, got %d", c.Enrich.ResolverWorkers)
	}
	for i, s := range c.Onion.Studies {
		if s.InIndex == "" || s.OutIndex == "" || s.DataSource == "" {
			return fmt.Errorf("onion.studies[%d]: inIndex, outIndex and dataSource are required", i)
		}
	}
	return nil
}

// defaultConfig returns a Config with defaults for local development.
func defaultConfig() *Config {
	return &Config{
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "grimoirelab",
			User:            "grimoirelab",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Enabled:  false,
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
			PoolSize: 10,
			CacheTTL: 24 * time.Hour,
		},
		Kafka: KafkaConfig{
			Enabled: false,
			Brokers: []string{"localhost:9092"},
			Topics: Topics{
				RunReports:  "enrich-run-reports",
				FailedItems: "enrich-failed-items",
			},
		},
		Enrich: EnrichConfig{
			Source:           "gitlab",
			OutIndex:         "gitlab-enriched",
			Incremental:      true,
			IdentityEnabled:  false,
			IdentityRequired: false,
			BatchSize:        100,
			Roles:            []string{"user_data", "assignee_data"},
			ResolverWorkers:  4,
		},
		Onion: OnionConfig{
			Studies: []OnionStudyConfig{
				{
					InIndex:        "gitlab-enriched",
					OutIndex:       "gitlab_issues_onion-enriched",
					DataSource:     "gitlab-issues",
					ContribsField:  "author_uuid",
					TimeframeField: "grimoire_creation_date",
					SortOnField:    "metadata__timestamp",
				},
				{
					InIndex:        "gitlab-enriched",
					OutIndex:       "gitlab_prs_onion-enriched",
					DataSource:     "gitlab-prs",
					ContribsField:  "author_uuid",
					TimeframeField: "grimoire_creation_date",
					SortOnField:    "metadata__timestamp",
				},
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads GRIMOIRE_* environment variables and overrides
// the corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GRIMOIRE_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("GRIMOIRE_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("GRIMOIRE_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("GRIMOIRE_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("GRIMOIRE_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("GRIMOIRE_POSTGRES_SSLMODE"); v != "" {
		cfg.Postgres.SSLMode = v
	}
	if v := os.Getenv("GRIMOIRE_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("GRIMOIRE_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("GRIMOIRE_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
		cfg.Kafka.Enabled = true
	}
	if v := os.Getenv("GRIMOIRE_ENRICH_SOURCE"); v != "" {
		cfg.Enrich.Source = v
	}
	if v := os.Getenv("GRIMOIRE_ENRICH_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Enrich.BatchSize = n
		}
	}
	if v := os.Getenv("GRIMOIRE_ENRICH_INCREMENTAL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Enrich.Incremental = b
		}
	}
	if v := os.Getenv("GRIMOIRE_ENRICH_IDENTITY_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Enrich.IdentityEnabled = b
		}
	}
	if v := os.Getenv("GRIMOIRE_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("GRIMOIRE_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("GRIMOIRE_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = port
		}
	}
}
