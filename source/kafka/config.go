package kafka

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

type Config struct {
	Driver    string   `koanf:"driver" yaml:"driver"`
	Brokers   []string `koanf:"brokers" yaml:"brokers"`
	Topics    []string `koanf:"topics" yaml:"topics"`
	GroupID   string   `koanf:"group_id" yaml:"group_id"`
	StartFrom string   `koanf:"start_from" yaml:"start_from"` // oldest|newest (default oldest)
	Version   string   `koanf:"version" yaml:"version"`
	TLSEn     bool     `koanf:"tls_enabled" yaml:"tls_enabled"`
	SASLUser  string   `koanf:"sasl_user" yaml:"sasl_user"`
	SASLPass  string   `koanf:"sasl_pass" yaml:"sasl_pass"`

	// ConnectionString targets the Event Hubs Kafka endpoint; it fills in
	// Brokers, TLS and SASL when set.
	ConnectionString string `koanf:"connection_string" yaml:"connection_string"`

	Rebalance      string        `koanf:"rebalance" yaml:"rebalance"` // range|roundrobin|sticky
	SessionTimeout time.Duration `koanf:"session_timeout" yaml:"session_timeout"`
}

// ApplyDefaults fills unset fields and expands ConnectionString.
func (c *Config) ApplyDefaults() error {
	if c.Driver == "" {
		c.Driver = "sarama"
	}
	if c.GroupID == "" {
		c.GroupID = "$Default"
	}
	if c.StartFrom == "" {
		c.StartFrom = "oldest"
	}
	if c.Version == "" {
		c.Version = "2.1.0"
	}
	if c.Rebalance == "" {
		c.Rebalance = "sticky"
	}
	if c.SessionTimeout == 0 {
		c.SessionTimeout = 30 * time.Second
	}
	if c.ConnectionString != "" {
		host, err := eventHubsHost(c.ConnectionString)
		if err != nil {
			return err
		}
		if len(c.Brokers) == 0 {
			c.Brokers = []string{host + ":9093"}
		}
		c.TLSEn = true
		c.SASLUser, c.SASLPass = "$ConnectionString", c.ConnectionString
	}
	return nil
}

func (c Config) Validate() error {
	switch {
	case len(c.Brokers) == 0:
		return errors.New("stream.brokers (or stream.connection_string) is required")
	case len(c.Topics) == 0:
		return errors.New("stream.topics is required")
	}
	return nil
}

// eventHubsHost extracts the namespace host from
// "Endpoint=sb://<ns>.servicebus.windows.net/;SharedAccessKeyName=...;...".
func eventHubsHost(cs string) (string, error) {
	for _, part := range strings.Split(cs, ";") {
		k, v, ok := strings.Cut(part, "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(k), "Endpoint") {
			continue
		}
		u, err := url.Parse(strings.TrimSpace(v))
		if err != nil || u.Host == "" {
			return "", fmt.Errorf("stream.connection_string: bad Endpoint %q", v)
		}
		return u.Hostname(), nil
	}
	return "", errors.New("stream.connection_string: no Endpoint")
}
