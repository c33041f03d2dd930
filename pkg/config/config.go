// Package config loads and validates the engine's startup configuration
// from inkwell.yaml: per-provider rate windows, per-agent-kind retry,
// breaker and timeout settings, and the janitor/retention knobs. Unknown
// keys are rejected at startup.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/inkwell-ai/inkwell/pkg/breaker"
	"github.com/inkwell-ai/inkwell/pkg/model"
	"github.com/inkwell-ai/inkwell/pkg/ratelimit"
	"github.com/inkwell-ai/inkwell/pkg/retry"
)

// Duration wraps time.Duration with YAML decoding from strings like "30s".
type Duration time.Duration

// UnmarshalYAML parses either a duration string or an integer number of
// seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
		return nil
	case int:
		*d = Duration(time.Duration(v) * time.Second)
		return nil
	}
	return fmt.Errorf("invalid duration value %v", raw)
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ProviderConfig sets one provider's rate window capacities.
type ProviderConfig struct {
	PerSecond int `yaml:"per_second"`
	PerMinute int `yaml:"per_minute"`
}

// RetryConfig is the YAML shape of a retry policy.
type RetryConfig struct {
	MaxAttempts  int      `yaml:"max_attempts"`
	InitialDelay Duration `yaml:"initial_delay"`
	Multiplier   float64  `yaml:"multiplier"`
	MaxDelay     Duration `yaml:"max_delay"`
	Jitter       float64  `yaml:"jitter"`
}

// BreakerConfig is the YAML shape of a circuit breaker configuration.
type BreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold"`
	OpenDuration     Duration `yaml:"open_duration"`
}

// AgentConfig overrides the engine defaults for one agent kind.
type AgentConfig struct {
	Retry   *RetryConfig   `yaml:"retry,omitempty"`
	Breaker *BreakerConfig `yaml:"breaker,omitempty"`
	Timeout Duration       `yaml:"timeout,omitempty"`
}

// JanitorConfig controls timed-out task detection and retention sweeps.
type JanitorConfig struct {
	// Interval is how often the embedder should drive the janitor tick.
	Interval Duration `yaml:"interval"`

	// RunningTimeout is how long a task may sit RUNNING before the janitor
	// marks it TIMED_OUT.
	RunningTimeout Duration `yaml:"running_timeout"`

	// TaskRetention is how long terminal task rows are kept.
	TaskRetention Duration `yaml:"task_retention"`

	// MemoryRetention is how long untouched memory entries are kept.
	MemoryRetention Duration `yaml:"memory_retention"`
}

// CacheConfig controls the result cache.
type CacheConfig struct {
	// ResultTTL is how long successful agent results stay cached. Zero
	// disables expiry.
	ResultTTL Duration `yaml:"result_ttl"`
}

// Config is the validated engine configuration.
type Config struct {
	Providers map[string]ProviderConfig `yaml:"providers"`
	Defaults  *AgentConfig              `yaml:"defaults,omitempty"`
	Agents    map[string]AgentConfig    `yaml:"agents,omitempty"`
	Janitor   JanitorConfig             `yaml:"janitor"`
	Cache     CacheConfig               `yaml:"cache"`
}

// DefaultConfig returns the built-in engine settings: the known providers'
// published quotas plus conservative retry/breaker defaults.
func DefaultConfig() *Config {
	return &Config{
		Providers: map[string]ProviderConfig{
			string(model.ProviderOpenAI):     {PerSecond: 3, PerMinute: 200},
			string(model.ProviderAnthropic):  {PerSecond: 5, PerMinute: 1000},
			string(model.ProviderPerplexity): {PerSecond: 10, PerMinute: 600},
		},
		Defaults: &AgentConfig{
			Retry: &RetryConfig{
				MaxAttempts:  3,
				InitialDelay: Duration(1 * time.Second),
				Multiplier:   2,
				MaxDelay:     Duration(30 * time.Second),
				Jitter:       0.2,
			},
			Breaker: &BreakerConfig{
				FailureThreshold: 5,
				OpenDuration:     Duration(30 * time.Second),
			},
			Timeout: Duration(2 * time.Minute),
		},
		Janitor: JanitorConfig{
			Interval:        Duration(1 * time.Minute),
			RunningTimeout:  Duration(10 * time.Minute),
			TaskRetention:   Duration(30 * 24 * time.Hour),
			MemoryRetention: Duration(7 * 24 * time.Hour),
		},
		Cache: CacheConfig{
			ResultTTL: Duration(24 * time.Hour),
		},
	}
}

// RateCaps converts the provider block into limiter capacities.
func (c *Config) RateCaps() map[model.Provider]ratelimit.Caps {
	caps := make(map[model.Provider]ratelimit.Caps, len(c.Providers))
	for name, provider := range c.Providers {
		caps[model.Provider(name)] = ratelimit.Caps{
			PerSecond: provider.PerSecond,
			PerMinute: provider.PerMinute,
		}
	}
	return caps
}

// DefaultRetryPolicy returns the engine-wide retry policy.
func (c *Config) DefaultRetryPolicy() retry.Policy {
	if c.Defaults == nil || c.Defaults.Retry == nil {
		return retry.DefaultPolicy()
	}
	return toPolicy(c.Defaults.Retry)
}

// RetryPolicies returns the per-agent-kind retry overrides.
func (c *Config) RetryPolicies() map[model.AgentKind]retry.Policy {
	out := make(map[model.AgentKind]retry.Policy)
	for kind, agentCfg := range c.Agents {
		if agentCfg.Retry != nil {
			out[model.AgentKind(kind)] = toPolicy(agentCfg.Retry)
		}
	}
	return out
}

// DefaultBreakerConfig returns the engine-wide breaker settings.
func (c *Config) DefaultBreakerConfig() breaker.Config {
	if c.Defaults == nil || c.Defaults.Breaker == nil {
		return breaker.DefaultConfig()
	}
	return toBreaker(c.Defaults.Breaker)
}

// BreakerConfigs returns the per-agent-kind breaker overrides.
func (c *Config) BreakerConfigs() map[model.AgentKind]breaker.Config {
	out := make(map[model.AgentKind]breaker.Config)
	for kind, agentCfg := range c.Agents {
		if agentCfg.Breaker != nil {
			out[model.AgentKind(kind)] = toBreaker(agentCfg.Breaker)
		}
	}
	return out
}

// Timeouts returns the per-agent-kind attempt deadlines, with the default
// applied to kinds without an override.
func (c *Config) Timeouts() map[model.AgentKind]time.Duration {
	out := make(map[model.AgentKind]time.Duration)
	for kind, agentCfg := range c.Agents {
		if agentCfg.Timeout > 0 {
			out[model.AgentKind(kind)] = agentCfg.Timeout.Std()
		}
	}
	return out
}

// DefaultTimeout returns the engine-wide per-attempt deadline.
func (c *Config) DefaultTimeout() time.Duration {
	if c.Defaults == nil {
		return 0
	}
	return c.Defaults.Timeout.Std()
}

func toPolicy(cfg *RetryConfig) retry.Policy {
	return retry.Policy{
		MaxAttempts:  cfg.MaxAttempts,
		InitialDelay: cfg.InitialDelay.Std(),
		Multiplier:   cfg.Multiplier,
		MaxDelay:     cfg.MaxDelay.Std(),
		Jitter:       cfg.Jitter,
	}
}

func toBreaker(cfg *BreakerConfig) breaker.Config {
	return breaker.Config{
		FailureThreshold: cfg.FailureThreshold,
		OpenDuration:     cfg.OpenDuration.Std(),
	}
}

// validate checks the merged configuration.
func (c *Config) validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("no providers configured")
	}
	for name, provider := range c.Providers {
		if provider.PerSecond <= 0 {
			return fmt.Errorf("provider %q: per_second must be positive, got %d", name, provider.PerSecond)
		}
		if provider.PerMinute < provider.PerSecond {
			return fmt.Errorf("provider %q: per_minute (%d) must be >= per_second (%d)", name, provider.PerMinute, provider.PerSecond)
		}
	}

	if c.Defaults != nil && c.Defaults.Retry != nil {
		if err := toPolicy(c.Defaults.Retry).Validate(); err != nil {
			return fmt.Errorf("defaults.retry: %w", err)
		}
	}
	for kind, agentCfg := range c.Agents {
		if agentCfg.Retry != nil {
			if err := toPolicy(agentCfg.Retry).Validate(); err != nil {
				return fmt.Errorf("agents.%s.retry: %w", kind, err)
			}
		}
		if agentCfg.Breaker != nil && agentCfg.Breaker.FailureThreshold <= 0 {
			return fmt.Errorf("agents.%s.breaker: failure_threshold must be positive", kind)
		}
		if agentCfg.Timeout < 0 {
			return fmt.Errorf("agents.%s: timeout must not be negative", kind)
		}
	}

	if c.Janitor.Interval <= 0 {
		return fmt.Errorf("janitor.interval must be positive")
	}
	if c.Janitor.RunningTimeout <= 0 {
		return fmt.Errorf("janitor.running_timeout must be positive")
	}
	return nil
}
