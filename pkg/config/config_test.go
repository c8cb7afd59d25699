package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			ElectTimeoutMin:   300 * time.Millisecond,
			ElectTimeoutMax:   600 * time.Millisecond,
			HeartBeatInterval: 150 * time.Millisecond,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"equal_bounds", func(c *Config) { c.ElectTimeoutMax = c.ElectTimeoutMin }, false},
		{"zero_elect_min", func(c *Config) { c.ElectTimeoutMin = 0 }, true},
		{"max_below_min", func(c *Config) { c.ElectTimeoutMax = 100 * time.Millisecond }, true},
		{"zero_heartbeat", func(c *Config) { c.HeartBeatInterval = 0 }, true},
		{"heartbeat_not_shorter", func(c *Config) { c.HeartBeatInterval = 300 * time.Millisecond }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
