/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package bulkhead

import (
	"bytes"
	"testing"
	"time"

	"github.com/acronis/go-appkit/config"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

type AppConfig struct {
	Bulkhead *Config `mapstructure:"bulkhead" json:"bulkhead" yaml:"bulkhead"`
}

func TestConfig(t *testing.T) {
	tests := []struct {
		name        string
		cfgDataType config.DataType
		cfgData     string
		expectedCfg func() *Config
	}{
		{
			name:        "yaml config",
			cfgDataType: config.DataTypeYAML,
			cfgData: `
bulkhead:
  maxConcurrent: 5
  maxQueueSize: 7
  queueTimeout: 15s
`,
			expectedCfg: func() *Config {
				cfg := NewDefaultConfig()
				cfg.MaxConcurrent = 5
				cfg.MaxQueueSize = 7
				cfg.QueueTimeout = config.TimeDuration(time.Second * 15)
				return cfg
			},
		},
		{
			name:        "json config",
			cfgDataType: config.DataTypeJSON,
			cfgData: `
{
	"bulkhead": {
		"maxConcurrent": 3,
		"maxQueueSize": 0,
		"queueTimeout": "500ms"
	}
}`,
			expectedCfg: func() *Config {
				cfg := NewDefaultConfig()
				cfg.MaxConcurrent = 3
				cfg.MaxQueueSize = 0
				cfg.QueueTimeout = config.TimeDuration(time.Millisecond * 500)
				return cfg
			},
		},
		{
			name:        "yaml config, default values",
			cfgDataType: config.DataTypeYAML,
			cfgData:     "",
			expectedCfg: func() *Config { return NewDefaultConfig() },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Load config using config.Loader.
			appCfg := AppConfig{Bulkhead: NewDefaultConfig()}
			expectedAppCfg := AppConfig{Bulkhead: tt.expectedCfg()}
			cfgLoader := config.NewLoader(config.NewViperAdapter())
			err := cfgLoader.LoadFromReader(bytes.NewBuffer([]byte(tt.cfgData)), tt.cfgDataType, appCfg.Bulkhead)
			require.NoError(t, err)
			require.Equal(t, expectedAppCfg, appCfg)

			if tt.cfgData == "" {
				return
			}

			// Load config using viper unmarshal.
			appCfg = AppConfig{Bulkhead: NewDefaultConfig()}
			expectedAppCfg = AppConfig{Bulkhead: tt.expectedCfg()}
			vpr := viper.New()
			vpr.SetConfigType(string(tt.cfgDataType))
			require.NoError(t, vpr.ReadConfig(bytes.NewBuffer([]byte(tt.cfgData))))
			require.NoError(t, vpr.Unmarshal(&appCfg, func(c *mapstructure.DecoderConfig) {
				c.DecodeHook = mapstructure.TextUnmarshallerHookFunc()
			}))
			require.Equal(t, expectedAppCfg, appCfg)
		})
	}
}

func TestConfigErrors(t *testing.T) {
	tests := []struct {
		name           string
		cfgData        string
		expectedErrMsg string
	}{
		{
			name: "negative max concurrent",
			cfgData: `
bulkhead:
  maxConcurrent: -1
`,
			expectedErrMsg: `bulkhead.maxConcurrent: should not be negative`,
		},
		{
			name: "negative max queue size",
			cfgData: `
bulkhead:
  maxQueueSize: -5
`,
			expectedErrMsg: `bulkhead.maxQueueSize: should not be negative`,
		},
		{
			name: "negative queue timeout",
			cfgData: `
bulkhead:
  queueTimeout: -10s
`,
			expectedErrMsg: `bulkhead.queueTimeout: should not be negative`,
		},
		{
			name: "malformed queue timeout",
			cfgData: `
bulkhead:
  queueTimeout: ten seconds
`,
			expectedErrMsg: `bulkhead.queueTimeout`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			cfgLoader := config.NewLoader(config.NewViperAdapter())
			err := cfgLoader.LoadFromReader(bytes.NewBuffer([]byte(tt.cfgData)), config.DataTypeYAML, cfg)
			require.ErrorContains(t, err, tt.expectedErrMsg)
		})
	}
}

func TestConfigKeyPrefix(t *testing.T) {
	t.Run("custom key prefix", func(t *testing.T) {
		cfgData := `
customBulkhead:
  maxConcurrent: 2
`
		cfg := NewDefaultConfig(WithKeyPrefix("customBulkhead"))
		cfgLoader := config.NewLoader(config.NewViperAdapter())
		err := cfgLoader.LoadFromReader(bytes.NewBuffer([]byte(cfgData)), config.DataTypeYAML, cfg)
		require.NoError(t, err)
		require.Equal(t, 2, cfg.MaxConcurrent)
		require.Equal(t, "customBulkhead", cfg.KeyPrefix())
	})

	t.Run("default key prefix", func(t *testing.T) {
		require.Equal(t, "bulkhead", NewConfig().KeyPrefix())
	})
}
