package keeper

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/groundkeeper/capability"
	"github.com/hazyhaar/groundkeeper/docpipe"
	"github.com/hazyhaar/groundkeeper/keeper/internal/discovery"
	"github.com/hazyhaar/groundkeeper/keeper/internal/extraction"
	"github.com/hazyhaar/groundkeeper/keeper/internal/fetch"
	"github.com/hazyhaar/groundkeeper/keeper/internal/gate"
	"github.com/hazyhaar/groundkeeper/keeper/internal/retrieval"
	"github.com/hazyhaar/groundkeeper/keeper/internal/review"
	"github.com/hazyhaar/groundkeeper/shield"
)

// Config configures the groundkeeper service. Zero values take defaults.
type Config struct {
	Fetch      fetch.Config           `yaml:"fetch"`
	Discovery  discovery.Config       `yaml:"discovery"`
	Extraction extraction.Config      `yaml:"extraction"`
	Pool       extraction.PoolConfig  `yaml:"pool"`
	Gate       gate.Rules             `yaml:"gate"`
	Review     review.Config          `yaml:"review"`
	Retrieval  retrieval.Config       `yaml:"retrieval"`
	Documents  docpipe.Config         `yaml:"documents"`
	Schedule   ScheduleConfig         `yaml:"schedule"`
	Metrics    MetricsConfig          `yaml:"metrics"`
	RateLimit  shield.RateLimitConfig `yaml:"rate_limit"`
	Capability CapabilityConfig       `yaml:"capability"`

	// MinReadableChars is the shortest main-content result accepted from
	// readability before density scoring takes over.
	MinReadableChars int `yaml:"min_readable_chars"`
	// AuditBuffer is the operator audit queue size.
	AuditBuffer int `yaml:"audit_buffer"`
}

// ScheduleConfig holds cron specs of the maintenance tasks. "off" keeps a
// task registered for on-demand runs only.
type ScheduleConfig struct {
	DiscoverySweep string `yaml:"discovery_sweep"`
	MetricsCleanup string `yaml:"metrics_cleanup"`
}

// CapabilityConfig bounds and prices model calls made through Meter.
type CapabilityConfig struct {
	Timeout time.Duration      `yaml:"timeout"` // per call, default 30s
	Pricing capability.Pricing `yaml:"pricing"`
}

// MetricsConfig tunes pipeline counters.
type MetricsConfig struct {
	FlushInterval time.Duration `yaml:"flush_interval"`
	Retention     time.Duration `yaml:"retention"`
}

func (c *Config) defaults() {
	c.Gate.Defaults()
	if c.Schedule.DiscoverySweep == "" {
		c.Schedule.DiscoverySweep = "@every 5m"
	}
	if c.Schedule.MetricsCleanup == "" {
		c.Schedule.MetricsCleanup = "@daily"
	}
	if c.Metrics.FlushInterval <= 0 {
		c.Metrics.FlushInterval = 30 * time.Second
	}
	if c.Metrics.Retention <= 0 {
		c.Metrics.Retention = 30 * 24 * time.Hour
	}
	if c.Capability.Timeout <= 0 {
		c.Capability.Timeout = 30 * time.Second
	}
	if c.MinReadableChars <= 0 {
		c.MinReadableChars = 200
	}
	if c.AuditBuffer <= 0 {
		c.AuditBuffer = 256
	}
	if c.RateLimit.Rules == nil {
		c.RateLimit.Rules = map[string]shield.Rule{
			RuleUpload: {Requests: 30, Window: time.Minute},
			RulePrompt: {Requests: 600, Window: time.Minute},
		}
	}
}

// Rate limit rules applied by the HTTP API.
const (
	RuleUpload = "upload"
	RulePrompt = "prompt"
)

// LoadConfigFile reads a YAML configuration. Unknown keys are rejected so
// a typo does not silently fall back to a default.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keeper: read config: %w", err)
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("keeper: parse config %s: %w", path, err)
	}
	return &cfg, nil
}
