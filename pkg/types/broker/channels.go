package broker

import (
	"fmt"
	"strings"
)

// ChannelConfig binds a logical input or output channel to a broker
// and its destinations. Loaded from input-channels/*.json and
// output-channels/*.json.
type ChannelConfig struct {
	Name         string      `json:"name,omitempty" mapstructure:"name"`
	Type         string      `json:"type" mapstructure:"type"`
	Broker       string      `json:"broker" mapstructure:"broker"`
	Destinations []string    `json:"destinations,omitempty" mapstructure:"destinations"`
	Queue        Properties  `json:"queue,omitempty" mapstructure:"queue"`
	Retry        RetryPolicy `json:"retry,omitempty" mapstructure:"retry"`
}

// Validate rejects channels that reference nothing.
func (c *ChannelConfig) Validate() error {
	if strings.TrimSpace(c.Broker) == "" {
		return fmt.Errorf("channel %q: broker must not be blank", c.Name)
	}
	if len(c.Destinations) == 0 {
		return fmt.Errorf("channel %q: at least one destination is required", c.Name)
	}
	return nil
}

// RetryPolicy caps redelivery attempts for a channel.
type RetryPolicy struct {
	MaxAttempts    int     `json:"max_attempts,omitempty" mapstructure:"max_attempts"`
	BackoffSeconds float64 `json:"backoff_seconds,omitempty" mapstructure:"backoff_seconds"`
}

// IngesterConfig declares one ingestion channel instance. The resolved
// runtime config is the deep-merge of broker properties, the input
// channel, and Overrides, later sources winning.
type IngesterConfig struct {
	Name         string     `json:"name,omitempty" mapstructure:"name"`
	Enabled      bool       `json:"enabled" mapstructure:"enabled"`
	Description  string     `json:"description,omitempty" mapstructure:"description"`
	InputChannel string     `json:"input_channel" mapstructure:"input_channel"`
	Overrides    Properties `json:"overrides,omitempty" mapstructure:"overrides"`
}

// Validate rejects ingesters without an input channel.
func (c *IngesterConfig) Validate() error {
	if strings.TrimSpace(c.InputChannel) == "" {
		return fmt.Errorf("ingester %q: input_channel must not be blank", c.Name)
	}
	return nil
}
