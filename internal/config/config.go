package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/matijazezelj/graphcore/internal/graph"
)

type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Journal  JournalConfig  `mapstructure:"journal"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Server   ServerConfig   `mapstructure:"server"`
}

type DatabaseConfig struct {
	URI             string        `mapstructure:"uri"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	Path            string        `mapstructure:"path"`
	DefaultUsername string        `mapstructure:"default_username"`
	DefaultPassword string        `mapstructure:"default_password"`
	Tenant          string        `mapstructure:"tenant"`
	Executor        string        `mapstructure:"executor"`
	BlockingTimeout time.Duration `mapstructure:"blocking_timeout"`
	StreamBuffer    int           `mapstructure:"stream_buffer"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	LogQueries      bool          `mapstructure:"log_queries"`
	LogPingQueries  bool          `mapstructure:"log_ping_queries"`
}

type CacheConfig struct {
	NodeSize         int `mapstructure:"node_size"`
	RelationshipSize int `mapstructure:"relationship_size"`
}

type JournalConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Path          string        `mapstructure:"path"`
	Retention     time.Duration `mapstructure:"retention"`
	PruneInterval string        `mapstructure:"prune_interval"`
}

type RetryConfig struct {
	Attempts int           `mapstructure:"attempts"`
	Backoff  time.Duration `mapstructure:"backoff"`
}

type ServerConfig struct {
	Listen     string `mapstructure:"listen"`
	ReadOnly   bool   `mapstructure:"read_only"`
	APIToken   string `mapstructure:"api_token"`
	CORSOrigin string `mapstructure:"cors_origin"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.uri", "bolt://localhost:7687")
	v.SetDefault("database.username", "neo4j")
	v.SetDefault("database.password", "neo4j")
	v.SetDefault("database.name", "")
	v.SetDefault("database.path", "./data/db")
	v.SetDefault("database.default_username", "neo4j")
	v.SetDefault("database.default_password", "neo4j")
	v.SetDefault("database.tenant", "")
	v.SetDefault("database.executor", string(graph.ExecutorAuto))
	v.SetDefault("database.blocking_timeout", graph.DefaultBlockingTimeout)
	v.SetDefault("database.stream_buffer", graph.DefaultStreamBuffer)
	v.SetDefault("database.connect_timeout", 5*time.Second)
	v.SetDefault("database.log_queries", false)
	v.SetDefault("database.log_ping_queries", false)
	v.SetDefault("cache.node_size", 100000)
	v.SetDefault("cache.relationship_size", 500000)
	v.SetDefault("journal.enabled", true)
	v.SetDefault("journal.path", "./data/journal.db")
	v.SetDefault("journal.retention", 7*24*time.Hour)
	v.SetDefault("journal.prune_interval", "1h")
	v.SetDefault("retry.attempts", 3)
	v.SetDefault("retry.backoff", 100*time.Millisecond)
	v.SetDefault("server.listen", "localhost:9464")
	v.SetDefault("server.read_only", false)
	v.SetDefault("server.api_token", "")
	v.SetDefault("server.cors_origin", "")
}

// Load reads the configuration from file and environment variables.
// Environment variables use the GRAPHCORE prefix with dots replaced by
// underscores, e.g. GRAPHCORE_DATABASE_URI.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".graphcore"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("graphcore")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("GRAPHCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values viper cannot type-check.
func (c *Config) Validate() error {
	switch graph.ExecutorMode(c.Database.Executor) {
	case graph.ExecutorAuto, graph.ExecutorStreaming, graph.ExecutorBlocking:
	default:
		return fmt.Errorf("database.executor: unknown mode %q (want auto, streaming or blocking)", c.Database.Executor)
	}
	if c.Database.Tenant != "" && !graph.ValidIdentifier(c.Database.Tenant) {
		return fmt.Errorf("database.tenant: %q is not a valid label", c.Database.Tenant)
	}
	if c.Database.StreamBuffer < 0 {
		return fmt.Errorf("database.stream_buffer must not be negative")
	}
	if c.Journal.Retention < 0 {
		return fmt.Errorf("journal.retention must not be negative")
	}
	return nil
}

// GraphOptions maps the configuration onto graph.Options.
func (c *Config) GraphOptions() graph.Options {
	return graph.Options{
		URI:                   c.Database.URI,
		Username:              c.Database.Username,
		Password:              c.Database.Password,
		Database:              c.Database.Name,
		DefaultUsername:       c.Database.DefaultUsername,
		DefaultPassword:       c.Database.DefaultPassword,
		Path:                  c.Database.Path,
		Tenant:                c.Database.Tenant,
		Executor:              graph.ExecutorMode(c.Database.Executor),
		BlockingTimeout:       c.Database.BlockingTimeout,
		StreamBuffer:          c.Database.StreamBuffer,
		ConnectTimeout:        c.Database.ConnectTimeout,
		LogQueries:            c.Database.LogQueries,
		LogPingQueries:        c.Database.LogPingQueries,
		NodeCacheSize:         c.Cache.NodeSize,
		RelationshipCacheSize: c.Cache.RelationshipSize,
		RetryAttempts:         c.Retry.Attempts,
		RetryBackoff:          c.Retry.Backoff,
	}
}
