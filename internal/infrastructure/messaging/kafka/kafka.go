// Package kafka implements the messaging contracts over Apache Kafka
// using segmentio/kafka-go.  One Publisher wraps one kafka.Writer; one
// Subscriber runs one kafka.Reader per subscribed topic.
//
// The CONFLUENT_KAFKA broker type is the same transport with SASL and
// TLS switched on by default, matching Confluent Cloud endpoints.
package kafka

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"strings"
	"time"

	segkafka "github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	apperrors "github.com/dgfacade/gateway/pkg/errors"
	brokertypes "github.com/dgfacade/gateway/pkg/types/broker"
)

// Property keys understood by this transport.  Acks is one of none,
// one, all; compression one of gzip, snappy, lz4, zstd; balancer one
// of hash, round_robin, least_bytes; consumer.start earliest or
// latest; sasl.mechanism PLAIN, SCRAM-SHA-256 or SCRAM-SHA-512.
const (
	PropAcks          = "kafka.acks"
	PropCompression   = "kafka.compression"
	PropBalancer      = "kafka.balancer"
	PropWriteTimeout  = "kafka.write_timeout_ms"
	PropConsumerGroup = "consumer.group"
	PropConsumerStart = "consumer.start"
	PropSASLEnabled   = "sasl.enabled"
	PropSASLMechanism = "sasl.mechanism"
	PropSASLUsername  = "sasl.username"
	PropSASLPassword  = "sasl.password"
	PropTLSEnabled    = "tls.enabled"
	PropTLSCAPath     = "tls.ca_path"
	PropTLSInsecure   = "tls.insecure"
)

const defaultConsumerGroup = "dgf-gateway"

// options is the parsed transport configuration shared by publisher
// and subscriber.
type options struct {
	brokerID    string
	addrs       []string
	acks        segkafka.RequiredAcks
	compression segkafka.Compression
	balancer    segkafka.Balancer
	writeTO     time.Duration

	group string
	start int64

	saslMechanism sasl.Mechanism
	tlsConfig     *tls.Config
}

// parseOptions interprets one broker declaration.  The CONFLUENT_KAFKA
// type turns SASL and TLS on unless the properties say otherwise.
func parseOptions(cfg *brokertypes.Config) (*options, error) {
	props := cfg.Properties
	if props == nil {
		props = brokertypes.Properties{}
	}

	addrs := parseBrokerAddrs(cfg.ConnectionURI)
	if len(addrs) == 0 {
		return nil, apperrors.New(apperrors.ErrCodeConfigInvalid,
			"broker "+cfg.BrokerID+": no kafka addresses in connection_uri")
	}

	o := &options{
		brokerID: cfg.BrokerID,
		addrs:    addrs,
		acks:     segkafka.RequireOne,
		balancer: &segkafka.Hash{},
		writeTO:  time.Duration(props.Int(PropWriteTimeout, 10_000)) * time.Millisecond,
		group:    props.String(PropConsumerGroup, defaultConsumerGroup),
		start:    segkafka.FirstOffset,
	}

	switch props.String(PropAcks, "one") {
	case "none":
		o.acks = segkafka.RequireNone
	case "all":
		o.acks = segkafka.RequireAll
	}

	switch props.String(PropCompression, "") {
	case "gzip":
		o.compression = segkafka.Gzip
	case "snappy":
		o.compression = segkafka.Snappy
	case "lz4":
		o.compression = segkafka.Lz4
	case "zstd":
		o.compression = segkafka.Zstd
	}

	switch props.String(PropBalancer, "hash") {
	case "round_robin":
		o.balancer = &segkafka.RoundRobin{}
	case "least_bytes":
		o.balancer = &segkafka.LeastBytes{}
	}

	if props.String(PropConsumerStart, "earliest") == "latest" {
		o.start = segkafka.LastOffset
	}

	confluent := cfg.BrokerType == brokertypes.TypeConfluentKafka

	if props.Bool(PropSASLEnabled, confluent) {
		mech, err := buildSASL(props)
		if err != nil {
			return nil, err
		}
		o.saslMechanism = mech
	}

	if props.Bool(PropTLSEnabled, confluent) {
		tc, err := buildTLS(props)
		if err != nil {
			return nil, err
		}
		o.tlsConfig = tc
	}

	return o, nil
}

// parseBrokerAddrs accepts "kafka://h1:9092,h2:9092" or a bare
// comma-separated host list.
func parseBrokerAddrs(uri string) []string {
	s := strings.TrimSpace(uri)
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func buildSASL(props brokertypes.Properties) (sasl.Mechanism, error) {
	user := props.String(PropSASLUsername, "")
	pass := props.String(PropSASLPassword, "")
	switch m := props.String(PropSASLMechanism, "PLAIN"); m {
	case "PLAIN":
		return plain.Mechanism{Username: user, Password: pass}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, user, pass)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, user, pass)
	default:
		return nil, apperrors.New(apperrors.ErrCodeConfigInvalid, "unsupported SASL mechanism "+m)
	}
}

func buildTLS(props brokertypes.Properties) (*tls.Config, error) {
	tc := &tls.Config{
		InsecureSkipVerify: props.Bool(PropTLSInsecure, false),
	}
	if caPath := props.String(PropTLSCAPath, ""); caPath != "" {
		pem, err := os.ReadFile(caPath)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeConfigUnreadable, "cannot read CA bundle "+caPath)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, apperrors.New(apperrors.ErrCodeConfigInvalid, "no certificates in "+caPath)
		}
		tc.RootCAs = pool
	}
	return tc, nil
}

// toKafkaMessage converts one envelope.  A zero timestamp is stamped
// now so broker-side retention sees a real time.
func toKafkaMessage(env *brokertypes.Envelope) segkafka.Message {
	headers := make([]segkafka.Header, 0, len(env.Headers))
	for k, v := range env.Headers {
		headers = append(headers, segkafka.Header{Key: k, Value: []byte(v)})
	}
	ts := env.ReceivedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	msg := segkafka.Message{
		Topic:   env.Topic,
		Value:   env.Value,
		Headers: headers,
		Time:    ts,
	}
	if env.Key != "" {
		msg.Key = []byte(env.Key)
	}
	return msg
}

// fromKafkaMessage converts an inbound record to an envelope.
func fromKafkaMessage(brokerID string, m segkafka.Message) *brokertypes.Envelope {
	env := brokertypes.NewEnvelope(m.Topic, m.Value)
	if len(m.Key) > 0 {
		env.Key = string(m.Key)
	}
	for _, h := range m.Headers {
		env = env.WithHeader(h.Key, string(h.Value))
	}
	return env.Stamp(brokerID)
}
