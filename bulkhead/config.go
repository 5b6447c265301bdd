/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package bulkhead

import (
	"fmt"
	"time"

	"github.com/acronis/go-appkit/config"
)

const cfgDefaultKeyPrefix = "bulkhead"

const (
	cfgKeyMaxConcurrent = "maxConcurrent"
	cfgKeyMaxQueueSize  = "maxQueueSize"
	cfgKeyQueueTimeout  = "queueTimeout"
)

// Default values for the bulkhead configuration parameters.
const (
	DefaultMaxConcurrent = 10
	DefaultMaxQueueSize  = 20
	DefaultQueueTimeout  = time.Second * 30
)

// Config represents a set of configuration parameters for a single Bulkhead.
// Configuration can be loaded in different formats (YAML, JSON) using config.Loader, viper,
// or with json.Unmarshal/yaml.Unmarshal functions directly.
type Config struct {
	// MaxConcurrent is the maximum number of tasks that may run at the same time.
	MaxConcurrent int `mapstructure:"maxConcurrent" yaml:"maxConcurrent" json:"maxConcurrent"`

	// MaxQueueSize is the maximum number of tasks that may wait for a slot.
	// Tasks submitted when the queue is full are rejected immediately.
	MaxQueueSize int `mapstructure:"maxQueueSize" yaml:"maxQueueSize" json:"maxQueueSize"`

	// QueueTimeout is the maximum time a queued task may wait for a slot
	// before it's settled with a QueueTimeoutError. Zero means DefaultQueueTimeout.
	QueueTimeout config.TimeDuration `mapstructure:"queueTimeout" yaml:"queueTimeout" json:"queueTimeout"`

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
		keyPrefix:     opts.keyPrefix,
		MaxConcurrent: DefaultMaxConcurrent,
		MaxQueueSize:  DefaultMaxQueueSize,
		QueueTimeout:  config.TimeDuration(DefaultQueueTimeout),
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
	dp.SetDefault(cfgKeyMaxConcurrent, DefaultMaxConcurrent)
	dp.SetDefault(cfgKeyMaxQueueSize, DefaultMaxQueueSize)
	dp.SetDefault(cfgKeyQueueTimeout, DefaultQueueTimeout.String())
}

// Set sets configuration values from config.DataProvider.
// Implements config.Config interface.
func (c *Config) Set(dp config.DataProvider) error {
	var err error

	if c.MaxConcurrent, err = dp.GetInt(cfgKeyMaxConcurrent); err != nil {
		return err
	}
	if c.MaxConcurrent < 0 {
		return dp.WrapKeyErr(cfgKeyMaxConcurrent, fmt.Errorf("should not be negative, got %d", c.MaxConcurrent))
	}

	if c.MaxQueueSize, err = dp.GetInt(cfgKeyMaxQueueSize); err != nil {
		return err
	}
	if c.MaxQueueSize < 0 {
		return dp.WrapKeyErr(cfgKeyMaxQueueSize, fmt.Errorf("should not be negative, got %d", c.MaxQueueSize))
	}

	var queueTimeout time.Duration
	if queueTimeout, err = dp.GetDuration(cfgKeyQueueTimeout); err != nil {
		return err
	}
	if queueTimeout < 0 {
		return dp.WrapKeyErr(cfgKeyQueueTimeout, fmt.Errorf("should not be negative, got %s", queueTimeout))
	}
	c.QueueTimeout = config.TimeDuration(queueTimeout)

	return nil
}

// Validate checks that the configuration values are consistent.
func (c *Config) Validate() error {
	if c.MaxConcurrent < 0 {
		return fmt.Errorf("max concurrent should not be negative, got %d", c.MaxConcurrent)
	}
	if c.MaxQueueSize < 0 {
		return fmt.Errorf("max queue size should not be negative, got %d", c.MaxQueueSize)
	}
	if c.QueueTimeout < 0 {
		return fmt.Errorf("queue timeout should not be negative, got %s", time.Duration(c.QueueTimeout))
	}
	return nil
}
