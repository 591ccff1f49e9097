package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"streamingest/checkpoint"
	"streamingest/internal/credential"
	"streamingest/internal/pipeline"
	"streamingest/sink/azmonitor"
	kafkasink "streamingest/sink/kafka"
	"streamingest/sink/opensearch"
	"streamingest/sink/stdout"
	"streamingest/source/kafka"
)

const (
	SupportedSchema = "v1"
	EnvPrefix       = "STREAMINGEST__"
	DefaultPath     = "streamingest.yml"
)

type Sink struct {
	Driver     string            `koanf:"driver" yaml:"driver"` // azmonitor|opensearch|kafka|stdout
	AzMonitor  azmonitor.Config  `koanf:"azmonitor" yaml:"azmonitor"`
	OpenSearch opensearch.Config `koanf:"opensearch" yaml:"opensearch"`
	Kafka      kafkasink.Config  `koanf:"kafka" yaml:"kafka"`
	Stdout     stdout.Config     `koanf:"stdout" yaml:"stdout"`
}

// DriverConfig returns the config struct of the selected driver, ready for
// sink.Adapter.Configure.
func (s Sink) DriverConfig() (any, error) {
	switch s.Driver {
	case "azmonitor":
		return s.AzMonitor, nil
	case "opensearch":
		return s.OpenSearch, nil
	case "kafka":
		return s.Kafka, nil
	case "stdout":
		return s.Stdout, nil
	}
	return nil, fmt.Errorf("sink.driver %q not supported", s.Driver)
}

type Telemetry struct {
	GRPCPort    int `koanf:"grpc_port" yaml:"grpc_port"`
	MetricsPort int `koanf:"metrics_port" yaml:"metrics_port"`
}

type Log struct {
	Level string `koanf:"level" yaml:"level"`
	JSON  bool   `koanf:"json" yaml:"json"`
}

type Config struct {
	SchemaVersion string            `koanf:"schema_version" yaml:"schema_version"`
	Stream        kafka.Config      `koanf:"stream" yaml:"stream"`
	Credential    credential.Config `koanf:"credential" yaml:"credential"`
	Checkpoint    checkpoint.Config `koanf:"checkpoint" yaml:"checkpoint"`
	Sink          Sink              `koanf:"sink" yaml:"sink"`
	Pipeline      pipeline.Options  `koanf:"pipeline" yaml:"pipeline"`
	Telemetry     Telemetry         `koanf:"telemetry" yaml:"telemetry"`
	Log           Log               `koanf:"log" yaml:"log"`
}

// env values for these keys are comma separated lists
var listKeys = map[string]bool{
	"stream.brokers":            true,
	"stream.topics":             true,
	"sink.kafka.brokers":        true,
	"sink.opensearch.addresses": true,
}

// Load merges YAML (if present) with env-vars
// (prefix `STREAMINGEST__`, delimiter `__`), then applies defaults and
// validates.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	}
	sv := k.String("schema_version")
	if sv != "" && sv != SupportedSchema {
		return Config{}, fmt.Errorf("schema_version %q not supported (want %s)", sv, SupportedSchema)
	}

	err := k.Load(env.ProviderWithValue(EnvPrefix, ".", func(key, value string) (string, any) {
		key = strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), "__", ".")
		if listKeys[key] {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			return key, parts
		}
		return key, value
	}), nil)
	if err != nil {
		return Config{}, fmt.Errorf("config env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, fmt.Errorf("config decode: %w", err)
	}
	if err := cfg.ApplyDefaults(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) ApplyDefaults() error {
	if c.SchemaVersion == "" {
		c.SchemaVersion = SupportedSchema
	}
	if err := c.Stream.ApplyDefaults(); err != nil {
		return err
	}

	if c.Checkpoint.Backend == "" {
		c.Checkpoint.Backend = "azblob"
	}
	if c.Checkpoint.Prefix == "" && c.Stream.ConnectionString != "" && len(c.Stream.Brokers) > 0 {
		// same namespace prefix the Event Hubs SDK uses
		c.Checkpoint.Prefix = strings.TrimSuffix(c.Stream.Brokers[0], ":9093")
	}
	if c.Sink.Driver == "" {
		c.Sink.Driver = "azmonitor"
	}

	p := &c.Pipeline
	p.ConsumerGroup = c.Stream.GroupID
	if p.BatchSize == 0 {
		p.BatchSize = 100
	}
	if p.FlushInterval == 0 {
		p.FlushInterval = 2 * time.Second
	}
	if p.CallTimeout == 0 {
		p.CallTimeout = 30 * time.Second
	}
	if c.Sink.Kafka.Timeout == 0 {
		c.Sink.Kafka.Timeout = p.CallTimeout
	}
	retryDefaults(&p.SinkRetry, 5, 500*time.Millisecond, 30*time.Second)
	retryDefaults(&p.CheckpointRetry, 5, 200*time.Millisecond, 10*time.Second)
	policy, err := pipeline.ParseFatalPolicy(string(p.OnFatal))
	if err != nil {
		return fmt.Errorf("pipeline.on_fatal: %w", err)
	}
	p.OnFatal = policy

	if c.Credential.RefreshSkew == 0 {
		c.Credential.RefreshSkew = 5 * time.Minute
	}
	if c.Credential.Timeout == 0 {
		c.Credential.Timeout = 30 * time.Second
	}
	if c.Credential.Attempts == 0 {
		c.Credential.Attempts = 3
	}

	if c.Telemetry.GRPCPort == 0 {
		c.Telemetry.GRPCPort = 7070
	}
	if c.Telemetry.MetricsPort == 0 {
		c.Telemetry.MetricsPort = 9100
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	return nil
}

func retryDefaults(r *pipeline.RetryPolicy, attempts int, initial, max time.Duration) {
	if r.Attempts == 0 {
		r.Attempts = attempts
	}
	if r.Initial == 0 {
		r.Initial = initial
	}
	if r.Max == 0 {
		r.Max = max
	}
}

func (c Config) Validate() error {
	if err := c.Stream.Validate(); err != nil {
		return err
	}
	if c.Pipeline.BatchSize < 0 {
		return errors.New("pipeline.batch_size must be positive")
	}
	if _, err := c.Sink.DriverConfig(); err != nil {
		return err
	}
	switch c.Checkpoint.Backend {
	case "azblob":
		if c.Checkpoint.AzBlob.Container == "" {
			return errors.New("checkpoint.azblob.container is required")
		}
	case "redis":
		if c.Checkpoint.Redis.URL == "" {
			return errors.New("checkpoint.redis.url is required")
		}
	}
	return nil
}

const masked = "****"

// Redacted returns a copy safe to print: secrets and connection strings
// are masked.
func (c Config) Redacted() Config {
	mask := func(s *string) {
		if *s != "" {
			*s = masked
		}
	}
	mask(&c.Stream.SASLPass)
	mask(&c.Stream.ConnectionString)
	mask(&c.Credential.ClientSecret)
	mask(&c.Checkpoint.AzBlob.ConnectionString)
	mask(&c.Sink.OpenSearch.Password)
	mask(&c.Sink.Kafka.SASLPass)
	if u, err := url.Parse(c.Checkpoint.Redis.URL); err == nil && u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), masked)
			c.Checkpoint.Redis.URL = u.String()
		}
	}
	return c
}
