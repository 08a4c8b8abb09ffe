// Package config loads gateway configuration from defaults, an optional
// YAML file, and TELEMETRY_-prefixed environment variables. Section keys
// keep their spelling end to end: TELEMETRY_Kafka__BootstrapServers
// overrides Kafka.BootstrapServers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/c360/gpsgate/pkg/breaker"
	"github.com/c360/gpsgate/pkg/retry"
	"github.com/c360/gpsgate/resilience"
)

const envPrefix = "TELEMETRY_"

// Config is the top-level gateway configuration.
type Config struct {
	TelemetryServer ServerConfig     `koanf:"TelemetryServer"`
	Kafka           KafkaConfig      `koanf:"Kafka"`
	PluginSettings  PluginConfig     `koanf:"PluginSettings"`
	Resilience      ResilienceConfig `koanf:"Resilience"`
	Monitoring      MonitoringConfig `koanf:"Monitoring"`
}

// ServerConfig holds the ingress listener settings.
type ServerConfig struct {
	TCPPort                  int    `koanf:"TCPPort"`
	UDPPort                  int    `koanf:"UDPPort"`
	Bind                     string `koanf:"Bind"`
	BufferSize               int    `koanf:"BufferSize"`
	MaxConcurrentConnections int    `koanf:"MaxConcurrentConnections"`
	Workers                  int    `koanf:"Workers"` // 0 = CPU count
}

// KafkaConfig holds the bus publisher settings.
type KafkaConfig struct {
	BootstrapServers  string `koanf:"BootstrapServers"` // comma-separated
	TopicPrefix       string `koanf:"TopicPrefix"`
	Compression       string `koanf:"Compression"`
	BatchSize         int    `koanf:"BatchSize"`
	BatchTimeoutMs    int    `koanf:"BatchTimeoutMs"`
	PartitionCount    int    `koanf:"PartitionCount"`
	Acks              string `koanf:"Acks"`
	EnableIdempotence bool   `koanf:"EnableIdempotence"`
	ProducerName      string `koanf:"ProducerName"`
}

// Brokers splits the comma-separated bootstrap list.
func (k KafkaConfig) Brokers() []string {
	parts := strings.Split(k.BootstrapServers, ",")
	brokers := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			brokers = append(brokers, p)
		}
	}
	return brokers
}

// PluginConfig holds decoder plugin settings. The directory and
// hot-reload flag are carried for out-of-tree builds; in-tree plugins
// register statically.
type PluginConfig struct {
	Directory       string         `koanf:"Directory"`
	EnableHotReload bool           `koanf:"EnableHotReload"`
	Settings        map[string]any `koanf:"Settings"` // passed to plugin init hooks
}

// MonitoringConfig holds admin-surface settings.
type MonitoringConfig struct {
	ServiceName string `koanf:"ServiceName"`
	AdminPort   int    `koanf:"AdminPort"`
	Exporter    string `koanf:"Exporter"`
}

// PolicyConfig configures one resilience policy.
type PolicyConfig struct {
	MaxRetries     int           `koanf:"MaxRetries"`
	InitialDelayMs int           `koanf:"InitialDelayMs"`
	MaxDelayMs     int           `koanf:"MaxDelayMs"`
	TimeoutMs      int           `koanf:"TimeoutMs"`
	Backoff        string        `koanf:"Backoff"` // "exponential" or "linear"
	Breaker        BreakerConfig `koanf:"Breaker"`
}

// BreakerConfig configures a policy's circuit breaker; Enabled false
// leaves the policy breaker-less.
type BreakerConfig struct {
	Enabled       bool    `koanf:"Enabled"`
	FailureRatio  float64 `koanf:"FailureRatio"`
	WindowSeconds int     `koanf:"WindowSeconds"`
	MinThroughput int     `koanf:"MinThroughput"`
	OpenSeconds   int     `koanf:"OpenSeconds"`
}

// ResilienceConfig holds the three named policies.
type ResilienceConfig struct {
	Kafka      PolicyConfig `koanf:"Kafka"`
	Processing PolicyConfig `koanf:"Processing"`
	Connection PolicyConfig `koanf:"Connection"`
}

// defaults are applied before file and environment layers.
func defaults() map[string]any {
	return map[string]any{
		"TelemetryServer.TCPPort":                  8080,
		"TelemetryServer.UDPPort":                  8081,
		"TelemetryServer.Bind":                     "0.0.0.0",
		"TelemetryServer.BufferSize":               4096,
		"TelemetryServer.MaxConcurrentConnections": 5000,
		"TelemetryServer.Workers":                  0,

		"Kafka.BootstrapServers":  "localhost:9092",
		"Kafka.TopicPrefix":       "telemetry.gps",
		"Kafka.Compression":       "snappy",
		"Kafka.BatchSize":         100,
		"Kafka.BatchTimeoutMs":    50,
		"Kafka.PartitionCount":    12,
		"Kafka.Acks":              "all",
		"Kafka.EnableIdempotence": true,
		"Kafka.ProducerName":      "gpsgate",

		"PluginSettings.Directory":       "./plugins",
		"PluginSettings.EnableHotReload": false,

		"Monitoring.ServiceName": "gpsgate",
		"Monitoring.AdminPort":   9090,
		"Monitoring.Exporter":    "prometheus",

		"Resilience.Kafka.MaxRetries":             3,
		"Resilience.Kafka.InitialDelayMs":         1000,
		"Resilience.Kafka.MaxDelayMs":             30000,
		"Resilience.Kafka.TimeoutMs":              30000,
		"Resilience.Kafka.Backoff":                "exponential",
		"Resilience.Kafka.Breaker.Enabled":        true,
		"Resilience.Kafka.Breaker.FailureRatio":   0.5,
		"Resilience.Kafka.Breaker.WindowSeconds":  60,
		"Resilience.Kafka.Breaker.MinThroughput":  10,
		"Resilience.Kafka.Breaker.OpenSeconds":    30,

		"Resilience.Processing.MaxRetries":     2,
		"Resilience.Processing.InitialDelayMs": 500,
		"Resilience.Processing.MaxDelayMs":     500,
		"Resilience.Processing.TimeoutMs":      10000,
		"Resilience.Processing.Backoff":        "linear",

		"Resilience.Connection.MaxRetries":            5,
		"Resilience.Connection.InitialDelayMs":        2000,
		"Resilience.Connection.MaxDelayMs":            60000,
		"Resilience.Connection.TimeoutMs":             0,
		"Resilience.Connection.Backoff":               "exponential",
		"Resilience.Connection.Breaker.Enabled":       true,
		"Resilience.Connection.Breaker.FailureRatio":  0.7,
		"Resilience.Connection.Breaker.WindowSeconds": 120,
		"Resilience.Connection.Breaker.MinThroughput": 5,
		"Resilience.Connection.Breaker.OpenSeconds":   60,
	}
}

// Load builds configuration from defaults, the optional YAML file at
// configPath, and the environment.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	for key, value := range defaults() {
		_ = k.Set(key, value)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	// TELEMETRY_Kafka__BootstrapServers=broker:9092 overrides
	// Kafka.BootstrapServers; key case is preserved
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.TrimPrefix(s, envPrefix), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() error {
	var problems []string

	checkPort := func(name string, port int) {
		if port <= 0 || port > 65535 {
			problems = append(problems, fmt.Sprintf("%s %d outside valid range 1-65535", name, port))
		}
	}

	checkPort("TelemetryServer.TCPPort", c.TelemetryServer.TCPPort)
	checkPort("TelemetryServer.UDPPort", c.TelemetryServer.UDPPort)
	checkPort("Monitoring.AdminPort", c.Monitoring.AdminPort)

	if c.TelemetryServer.TCPPort == c.TelemetryServer.UDPPort {
		// Same number is fine across protocols, but it is usually a typo
		problems = append(problems, fmt.Sprintf(
			"TelemetryServer.TCPPort and UDPPort are both %d", c.TelemetryServer.TCPPort))
	}
	if c.TelemetryServer.BufferSize <= 0 {
		problems = append(problems, "TelemetryServer.BufferSize must be positive")
	}
	if c.TelemetryServer.MaxConcurrentConnections <= 0 {
		problems = append(problems, "TelemetryServer.MaxConcurrentConnections must be positive")
	}

	if len(c.Kafka.Brokers()) == 0 {
		problems = append(problems, "Kafka.BootstrapServers must list at least one broker")
	}
	if c.Kafka.PartitionCount <= 0 {
		problems = append(problems, "Kafka.PartitionCount must be positive")
	}
	switch strings.ToLower(c.Kafka.Compression) {
	case "", "none", "gzip", "snappy", "lz4", "zstd":
	default:
		problems = append(problems, fmt.Sprintf("Kafka.Compression %q is not a known codec", c.Kafka.Compression))
	}
	switch strings.ToLower(c.Kafka.Acks) {
	case "all", "one", "none":
	default:
		problems = append(problems, fmt.Sprintf("Kafka.Acks %q must be all, one, or none", c.Kafka.Acks))
	}

	for name, p := range map[string]PolicyConfig{
		"Kafka":      c.Resilience.Kafka,
		"Processing": c.Resilience.Processing,
		"Connection": c.Resilience.Connection,
	} {
		if p.MaxRetries < 0 {
			problems = append(problems, fmt.Sprintf("Resilience.%s.MaxRetries must not be negative", name))
		}
		if p.Breaker.Enabled && (p.Breaker.FailureRatio <= 0 || p.Breaker.FailureRatio > 1) {
			problems = append(problems, fmt.Sprintf("Resilience.%s.Breaker.FailureRatio must be in (0, 1]", name))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Policy materializes a PolicyConfig into a resilience.Policy. The
// breaker, when enabled, is created fresh per call.
func (p PolicyConfig) Policy(name string) resilience.Policy {
	strategy := retry.Exponential
	if strings.EqualFold(p.Backoff, "linear") {
		strategy = retry.Linear
	}

	policy := resilience.Policy{
		Name: name,
		Retry: retry.Config{
			MaxAttempts:  p.MaxRetries + 1,
			InitialDelay: time.Duration(p.InitialDelayMs) * time.Millisecond,
			MaxDelay:     time.Duration(p.MaxDelayMs) * time.Millisecond,
			Multiplier:   2.0,
			Strategy:     strategy,
			AddJitter:    strategy == retry.Exponential,
		},
		Timeout: time.Duration(p.TimeoutMs) * time.Millisecond,
	}

	if p.Breaker.Enabled {
		policy.Breaker = breaker.New(name, breaker.Config{
			FailureRatio:  p.Breaker.FailureRatio,
			Window:        time.Duration(p.Breaker.WindowSeconds) * time.Second,
			MinThroughput: p.Breaker.MinThroughput,
			OpenDuration:  time.Duration(p.Breaker.OpenSeconds) * time.Second,
		}, nil)
	}

	return policy
}
