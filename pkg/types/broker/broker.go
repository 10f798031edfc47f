// Package broker defines the configuration types shared by every
// message transport: broker declarations, channel bindings, ingester
// declarations, and the wire envelope.
package broker

import (
	"fmt"
	"strings"
	"time"
)

// Type enumerates the supported broker technologies.
type Type string

const (
	TypeKafka          Type = "KAFKA"
	TypeConfluentKafka Type = "CONFLUENT_KAFKA"
	TypeActiveMQ       Type = "ACTIVEMQ"
	TypeRabbitMQ       Type = "RABBITMQ"
	TypeIBMMQ          Type = "IBMMQ"
	TypeFilesystem     Type = "FILESYSTEM"
	TypeSQL            Type = "SQL"
	TypeNATS           Type = "NATS"
	TypeRedis          Type = "REDIS"
)

// ParseType maps a wire string to a broker type, case-insensitively.
func ParseType(s string) (Type, error) {
	switch Type(strings.ToUpper(strings.TrimSpace(s))) {
	case TypeKafka:
		return TypeKafka, nil
	case TypeConfluentKafka:
		return TypeConfluentKafka, nil
	case TypeActiveMQ:
		return TypeActiveMQ, nil
	case TypeRabbitMQ:
		return TypeRabbitMQ, nil
	case TypeIBMMQ:
		return TypeIBMMQ, nil
	case TypeFilesystem:
		return TypeFilesystem, nil
	case TypeSQL:
		return TypeSQL, nil
	case TypeNATS:
		return TypeNATS, nil
	case TypeRedis:
		return TypeRedis, nil
	default:
		return "", fmt.Errorf("unknown broker type %q", s)
	}
}

// Config declares one broker connection. Read-only after load; the
// broker_id is its identity across channels and ingesters.
type Config struct {
	BrokerID                 string     `json:"broker_id" mapstructure:"broker_id"`
	BrokerType               Type       `json:"broker_type" mapstructure:"broker_type"`
	ConnectionURI            string     `json:"connection_uri" mapstructure:"connection_uri"`
	Enabled                  bool       `json:"enabled" mapstructure:"enabled"`
	AutoStart                bool       `json:"auto_start" mapstructure:"auto_start"`
	ReconnectIntervalSeconds float64    `json:"reconnect_interval_seconds,omitempty" mapstructure:"reconnect_interval_seconds"`
	Properties               Properties `json:"properties,omitempty" mapstructure:"properties"`
}

// Validate rejects configs a transport cannot initialize from.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.BrokerID) == "" {
		return fmt.Errorf("broker config: broker_id must not be blank")
	}
	if _, err := ParseType(string(c.BrokerType)); err != nil {
		return fmt.Errorf("broker %q: %w", c.BrokerID, err)
	}
	if strings.TrimSpace(c.ConnectionURI) == "" && c.BrokerType != TypeFilesystem {
		return fmt.Errorf("broker %q: connection_uri must not be blank", c.BrokerID)
	}
	return nil
}

// ReconnectInterval returns the retry delay, defaulting to 5s.
func (c *Config) ReconnectInterval() time.Duration {
	if c.ReconnectIntervalSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.ReconnectIntervalSeconds * float64(time.Second))
}

// Properties is the opaque per-broker option bag. Keys are dotted
// paths such as "queue.depth" or "batch.size".
type Properties map[string]interface{}

// Merge deep-merges other into a copy of p: nested maps merge, all
// other values from other win. Neither operand is modified.
func (p Properties) Merge(other Properties) Properties {
	out := make(Properties, len(p)+len(other))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range other {
		existing, ok := out[k]
		if !ok {
			out[k] = v
			continue
		}
		em, eok := toStringMap(existing)
		om, ook := toStringMap(v)
		if eok && ook {
			out[k] = map[string]interface{}(Properties(em).Merge(om))
		} else {
			out[k] = v
		}
	}
	return out
}

func toStringMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case Properties:
		return m, true
	default:
		return nil, false
	}
}

// String reads a string property, looking the key up verbatim.
func (p Properties) String(key, fallback string) string {
	if v, ok := p[key]; ok {
		switch s := v.(type) {
		case string:
			return s
		default:
			return fmt.Sprintf("%v", v)
		}
	}
	return fallback
}

// Int reads an integer property. JSON numbers decode as float64.
func (p Properties) Int(key string, fallback int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

// Float reads a numeric property.
func (p Properties) Float(key string, fallback float64) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return fallback
	}
}

// Bool reads a boolean property; "true"/"false" strings are accepted.
func (p Properties) Bool(key string, fallback bool) bool {
	switch v := p[key].(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(v) {
		case "true", "yes", "1":
			return true
		case "false", "no", "0":
			return false
		}
	}
	return fallback
}

// Keys of the queue and batching properties every transport honours.
const (
	PropQueueDepth           = "queue.depth"
	PropWarningThresholdPct  = "queue.warning_threshold_pct"
	PropCriticalThresholdPct = "queue.critical_threshold_pct"
	PropDrainResumePct       = "queue.drain_resume_pct"
	PropBatchEnabled         = "batch.enabled"
	PropBatchSize            = "batch.size"
	PropBatchFlushIntervalMs = "batch.flush_interval_ms"
)
