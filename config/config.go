package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	BackendMemory   = "memory"
	BackendDynamoDB = "dynamodb"
)

type Config struct {
	Port     string `yaml:"port" validate:"required,numeric"`
	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`

	StoreBackend       string `yaml:"store_backend" validate:"oneof=memory dynamodb"`
	DynamoDBEndpoint   string `yaml:"dynamodb_endpoint" validate:"omitempty,url"`
	AWSRegion          string `yaml:"aws_region" validate:"required"`
	MessagesTable      string `yaml:"messages_table" validate:"required"`
	ConversationsTable string `yaml:"conversations_table" validate:"required"`

	// PostgresURI is optional; without it structured data is kept in memory.
	PostgresURI          string   `yaml:"postgres_uri"`
	StructuredCategories []string `yaml:"structured_categories" validate:"dive,required"`

	AgentBaseURL     string        `yaml:"agent_base_url" validate:"required,url"`
	AgentAPIKey      string        `yaml:"agent_api_key"`
	AgentTimeout     time.Duration `yaml:"agent_timeout" validate:"gt=0"`
	ExchangeLeaseTTL time.Duration `yaml:"exchange_lease_ttl" validate:"gt=0"`

	OpenAIAPIKey  string        `yaml:"openai_api_key"`
	SummaryModel  string        `yaml:"summary_model" validate:"required"`
	BatchInterval time.Duration `yaml:"batch_interval" validate:"gt=0"`
	BatchLookback time.Duration `yaml:"batch_lookback" validate:"gt=0"`
}

func Default() Config {
	return Config{
		Port:               "8080",
		LogLevel:           "info",
		StoreBackend:       BackendMemory,
		AWSRegion:          "us-west-2",
		MessagesTable:      "Messages",
		ConversationsTable: "Conversations",
		StructuredCategories: []string{
			"patient_timeline",
			"patient_journey",
			"mdt_simple_report",
			"patient_full_content",
		},
		AgentBaseURL:     "http://localhost:8000",
		AgentTimeout:     30 * time.Second,
		ExchangeLeaseTTL: 10 * time.Minute,
		SummaryModel:     "gpt-4-turbo-preview",
		BatchInterval:    10 * time.Minute,
		BatchLookback:    3 * time.Hour,
	}
}

// Load builds the configuration from defaults, then the optional YAML file at
// path, then environment variables.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	loadEnv(&cfg)

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func loadEnv(cfg *Config) {
	setString(&cfg.Port, "PORT")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.StoreBackend, "STORE_BACKEND")
	setString(&cfg.DynamoDBEndpoint, "DYNAMODB_ENDPOINT")
	setString(&cfg.AWSRegion, "AWS_REGION")
	setString(&cfg.MessagesTable, "MESSAGES_TABLE")
	setString(&cfg.ConversationsTable, "CONVERSATIONS_TABLE")
	setString(&cfg.PostgresURI, "POSTGRES_URI")
	setString(&cfg.AgentBaseURL, "AGENT_BASE_URL")
	setString(&cfg.AgentAPIKey, "AGENT_API_KEY")
	setString(&cfg.OpenAIAPIKey, "OPENAI_API_KEY")
	setString(&cfg.SummaryModel, "SUMMARY_MODEL")
	setDuration(&cfg.AgentTimeout, "AGENT_TIMEOUT")
	setDuration(&cfg.ExchangeLeaseTTL, "EXCHANGE_LEASE_TTL")
	setDuration(&cfg.BatchInterval, "BATCH_INTERVAL")
	setDuration(&cfg.BatchLookback, "BATCH_LOOKBACK")

	if v := os.Getenv("STRUCTURED_CATEGORIES"); v != "" {
		var cats []string
		for _, c := range strings.Split(v, ",") {
			if c = strings.TrimSpace(c); c != "" {
				cats = append(cats, c)
			}
		}
		cfg.StructuredCategories = cats
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// setDuration accepts Go duration strings or a bare number of seconds.
func setDuration(dst *time.Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	if secs, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(secs) * time.Second
		return
	}
	slog.Warn("ignoring invalid duration", "key", key, "value", v)
}

func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (c Config) Addr() string {
	return ":" + c.Port
}
