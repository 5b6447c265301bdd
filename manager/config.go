/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package manager

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/acronis/go-appkit/config"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/acronis/go-bulkhead/bulkhead"
)

const cfgDefaultKeyPrefix = "isolation"

const (
	cfgKeyBulkheadsDefault = "bulkheads.default"
	cfgKeyBulkheadsRules   = "bulkheads.rules"
	cfgKeySemaphores       = "semaphores"
)

// Names of the semaphores that are pre-registered by default.
const (
	SemaphoreCPUIntensive    = "cpu-intensive"
	SemaphoreMemoryIntensive = "memory-intensive"
	SemaphoreAIConcurrency   = "ai-concurrency"
)

// Default capacities of the pre-registered semaphores.
const (
	DefaultCPUIntensivePermits    = 4
	DefaultMemoryIntensivePermits = 2
	DefaultAIConcurrencyPermits   = 8
)

// BulkheadNamespaceAI is the name prefix under which per-provider AI bulkheads are created.
const BulkheadNamespaceAI = "ai."

// Rule binds a bulkhead configuration to a service name pattern.
// Pattern is either an exact dot-namespaced name (e.g. "ai.claude") or
// a glob (e.g. "ai.*", "container.*").
type Rule struct {
	Pattern  string          `mapstructure:"pattern" yaml:"pattern" json:"pattern"`
	Bulkhead bulkhead.Config `mapstructure:"bulkhead" yaml:"bulkhead" json:"bulkhead"`
}

// RuleList represents an ordered list of configuration rules.
// In YAML and JSON it can be described either as a list of Rule objects or,
// for brevity, as a map keyed by pattern (map form is ordered by pattern).
type RuleList []Rule

// UnmarshalJSON implements the json.Unmarshaler interface.
func (rl *RuleList) UnmarshalJSON(data []byte) error {
	var rules []Rule
	if err := json.Unmarshal(data, &rules); err == nil {
		*rl = rules
		return nil
	}
	var m map[string]bulkhead.Config
	if err := json.Unmarshal(data, &m); err == nil {
		*rl = rulesFromMap(m)
		return nil
	}
	return fmt.Errorf("invalid bulkhead rules: %s", data)
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (rl *RuleList) UnmarshalYAML(value *yaml.Node) error {
	var rules []Rule
	if err := value.Decode(&rules); err == nil {
		*rl = rules
		return nil
	}
	var m map[string]bulkhead.Config
	if err := value.Decode(&m); err == nil {
		*rl = rulesFromMap(m)
		return nil
	}
	return fmt.Errorf("invalid bulkhead rules: %v", value)
}

func rulesFromMap(m map[string]bulkhead.Config) RuleList {
	patterns := make([]string, 0, len(m))
	for pattern := range m {
		patterns = append(patterns, pattern)
	}
	sort.Strings(patterns)
	rules := make(RuleList, 0, len(m))
	for _, pattern := range patterns {
		rules = append(rules, Rule{Pattern: pattern, Bulkhead: m[pattern]})
	}
	return rules
}

// SemaphoreConfig describes a single pre-registered global semaphore.
type SemaphoreConfig struct {
	Name    string `mapstructure:"name" yaml:"name" json:"name"`
	Permits int    `mapstructure:"permits" yaml:"permits" json:"permits"`
}

// DefaultSemaphores returns the semaphore set that is pre-registered when
// the configuration doesn't specify one.
func DefaultSemaphores() []SemaphoreConfig {
	return []SemaphoreConfig{
		{Name: SemaphoreCPUIntensive, Permits: DefaultCPUIntensivePermits},
		{Name: SemaphoreMemoryIntensive, Permits: DefaultMemoryIntensivePermits},
		{Name: SemaphoreAIConcurrency, Permits: DefaultAIConcurrencyPermits},
	}
}

// BulkheadsConfig groups the bulkhead-related part of the Manager configuration.
type BulkheadsConfig struct {
	// Default is the bulkhead configuration used when no rule matches the service name.
	Default bulkhead.Config `mapstructure:"default" yaml:"default" json:"default"`

	// Rules are consulted in order when a bulkhead is created: the first rule
	// whose pattern equals the service name wins, then the first whose glob
	// pattern matches it, then Default.
	Rules RuleList `mapstructure:"rules" yaml:"rules" json:"rules"`
}

// Config represents a set of configuration parameters for the Manager:
// the built-in default bulkhead configuration, the ordered per-pattern
// overrides, and the set of pre-registered global semaphores.
// Configuration can be loaded in different formats (YAML, JSON) using config.Loader, viper,
// or with json.Unmarshal/yaml.Unmarshal functions directly.
type Config struct {
	Bulkheads BulkheadsConfig `mapstructure:"bulkheads" yaml:"bulkheads" json:"bulkheads"`

	// Semaphores is the fixed set of pre-registered global semaphores.
	// Empty means DefaultSemaphores().
	Semaphores []SemaphoreConfig `mapstructure:"semaphores" yaml:"semaphores" json:"semaphores"`

	keyPrefix string
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// ConfigOption is a type for functional options for the Config.
type ConfigOption func(*configOptions)

type configOptions struct {
	keyPrefix string
}

// WithKeyPrefix returns a ConfigOption that sets a key prefix for parsing configuration parameters.
// This prefix will be used by config.Loader.
func WithKeyPrefix(keyPrefix string) ConfigOption {
	return func(o *configOptions) {
		o.keyPrefix = keyPrefix
	}
}

// NewConfig creates a new instance of the Config.
func NewConfig(options ...ConfigOption) *Config {
	opts := configOptions{keyPrefix: cfgDefaultKeyPrefix}
	for _, opt := range options {
		opt(&opts)
	}
	return &Config{keyPrefix: opts.keyPrefix}
}

// NewDefaultConfig creates a new instance of the Config with default values.
func NewDefaultConfig(options ...ConfigOption) *Config {
	opts := configOptions{keyPrefix: cfgDefaultKeyPrefix}
	for _, opt := range options {
		opt(&opts)
	}
	return &Config{
		keyPrefix:  opts.keyPrefix,
		Bulkheads:  BulkheadsConfig{Default: *bulkhead.NewDefaultConfig()},
		Semaphores: DefaultSemaphores(),
	}
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
// Implements config.KeyPrefixProvider interface.
func (c *Config) KeyPrefix() string {
	if c.keyPrefix == "" {
		return cfgDefaultKeyPrefix
	}
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values in config.DataProvider.
// Implements config.Config interface.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	c.Bulkheads.Default.SetProviderDefaults(config.NewKeyPrefixedDataProvider(dp, cfgKeyBulkheadsDefault))
}

// Set sets configuration values from config.DataProvider.
// Implements config.Config interface.
func (c *Config) Set(dp config.DataProvider) error {
	if err := c.Bulkheads.Default.Set(config.NewKeyPrefixedDataProvider(dp, cfgKeyBulkheadsDefault)); err != nil {
		return err
	}

	// config.TimeDuration inside the rules implements encoding.TextUnmarshaler,
	// which mapstructure handles only with the TextUnmarshallerHookFunc hook.
	withTextUnmarshal := func(dc *mapstructure.DecoderConfig) {
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(dc.DecodeHook, mapstructure.TextUnmarshallerHookFunc())
	}

	c.Bulkheads.Rules = nil
	if err := dp.UnmarshalKey(cfgKeyBulkheadsRules, &c.Bulkheads.Rules, withTextUnmarshal); err != nil {
		return err
	}
	for i := range c.Bulkheads.Rules {
		if c.Bulkheads.Rules[i].Pattern == "" {
			return dp.WrapKeyErr(cfgKeyBulkheadsRules, fmt.Errorf("rule #%d: pattern should not be empty", i))
		}
		if err := c.Bulkheads.Rules[i].Bulkhead.Validate(); err != nil {
			return dp.WrapKeyErr(cfgKeyBulkheadsRules, fmt.Errorf("rule %q: %w", c.Bulkheads.Rules[i].Pattern, err))
		}
	}

	c.Semaphores = nil
	if dp.IsSet(cfgKeySemaphores) {
		if err := dp.UnmarshalKey(cfgKeySemaphores, &c.Semaphores, withTextUnmarshal); err != nil {
			return err
		}
		for i := range c.Semaphores {
			if c.Semaphores[i].Name == "" {
				return dp.WrapKeyErr(cfgKeySemaphores, fmt.Errorf("semaphore #%d: name should not be empty", i))
			}
			if c.Semaphores[i].Permits <= 0 {
				return dp.WrapKeyErr(cfgKeySemaphores, fmt.Errorf(
					"semaphore %q: permits should be positive, got %d", c.Semaphores[i].Name, c.Semaphores[i].Permits))
			}
		}
	} else {
		c.Semaphores = DefaultSemaphores()
	}

	return nil
}

// ConfigPatch is a partial bulkhead configuration used by Manager.UpdateConfig.
// Nil fields leave the corresponding value untouched.
type ConfigPatch struct {
	MaxConcurrent *int           `mapstructure:"maxConcurrent" yaml:"maxConcurrent" json:"maxConcurrent"`
	MaxQueueSize  *int           `mapstructure:"maxQueueSize" yaml:"maxQueueSize" json:"maxQueueSize"`
	QueueTimeout  *time.Duration `mapstructure:"queueTimeout" yaml:"queueTimeout" json:"queueTimeout"`
}

func (p ConfigPatch) applyTo(cfg *bulkhead.Config) {
	if p.MaxConcurrent != nil {
		cfg.MaxConcurrent = *p.MaxConcurrent
	}
	if p.MaxQueueSize != nil {
		cfg.MaxQueueSize = *p.MaxQueueSize
	}
	if p.QueueTimeout != nil {
		cfg.QueueTimeout = config.TimeDuration(*p.QueueTimeout)
	}
}
