// Package config loads relay configuration from a YAML file merged with
// environment overrides, using viper for loading and validator for
// enforcing required fields.
package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// StoreSettings selects and configures the StateStore adapter.
type StoreSettings struct {
	Type     string `mapstructure:"type" validate:"required,oneof=postgres spanner mongo"`
	DSN      string `mapstructure:"dsn"`
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

// BusSettings selects and configures the Bus adapter.
type BusSettings struct {
	Type      string `mapstructure:"type" validate:"required,oneof=pubsub rabbitmq"`
	URL       string `mapstructure:"url"`
	ProjectID string `mapstructure:"project_id"`
	PoolSize  int    `mapstructure:"pool_size"`
}

// Observability configures where traces are exported.
type Observability struct {
	ServiceName string `mapstructure:"service_name" validate:"required"`
	TracingURL  string `mapstructure:"tracing_url" validate:"required,url"`
}

// Settings is the full relay configuration.
type Settings struct {
	Store                  StoreSettings `mapstructure:"store"`
	Bus                    BusSettings   `mapstructure:"bus"`
	Environment            string        `mapstructure:"environment" validate:"required,oneof=production development"`
	QueryDelay             time.Duration `mapstructure:"query_delay" validate:"required"`
	QueryTimeout           time.Duration `mapstructure:"query_timeout" validate:"required"`
	MessageDeliveryTimeout time.Duration `mapstructure:"message_delivery_timeout" validate:"required"`
	MessageDeliveryLimit   int           `mapstructure:"message_delivery_limit" validate:"required,gt=0"`
	OutboxBatchSize        int           `mapstructure:"outbox_batch_size" validate:"required,gt=0"`
	Observability          Observability `mapstructure:"observability"`
}

// Validate enforces the struct tags above.
func (c *Settings) Validate() error {
	return validator.New().Struct(c)
}

// LoadFromFile loads relay.yaml (and an optional relay.<ENVIRONMENT>.yaml
// override) from filePath and the current directory, then applies
// environment variable overrides and validates the result.
func LoadFromFile(filePath string) (*Settings, error) {
	env := getEnvWithDefaultLookup("ENVIRONMENT", "development")

	cfg := &Settings{}
	viper.SetConfigType("yaml")
	viper.SetConfigName("relay")
	viper.AddConfigPath(filePath)
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("no config file found or read error: %v (will rely on env)", err)
	}

	if err := mergeConfig(filePath, "relay."+env); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("merging %s config: %w", env, err)
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("loading configuration from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadFromEnv overlays environment variables prefixed RELAY_ onto c.
func (c *Settings) LoadFromEnv() error {
	viper.AutomaticEnv()
	viper.SetEnvPrefix("RELAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for _, key := range []string{
		"store.type", "store.dsn", "store.uri", "store.database",
		"bus.type", "bus.url", "bus.project_id", "bus.pool_size",
		"environment",
		"query_delay", "query_timeout", "message_delivery_timeout",
		"message_delivery_limit", "outbox_batch_size",
		"observability.service_name", "observability.tracing_url",
	} {
		if err := viper.BindEnv(key); err != nil {
			return err
		}
	}

	return viper.Unmarshal(c)
}

func mergeConfig(path, name string) error {
	viper.SetConfigName(name)
	viper.AddConfigPath(path)
	return viper.MergeInConfig()
}

func getEnvWithDefaultLookup(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}
