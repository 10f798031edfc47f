package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseDestination_Kafka(t *testing.T) {
	d := ParseDestination("kafka://broker1:9092/responses")
	assert.Equal(t, DestinationKafka, d.Type)
	assert.Equal(t, "broker1:9092", d.Server)
	assert.Equal(t, "responses", d.Target)
}

func TestParseDestination_ActiveMQTopic(t *testing.T) {
	d := ParseDestination("activemq://mq1:61613/topic/responses")
	assert.Equal(t, DestinationActiveMQ, d.Type)
	assert.Equal(t, "mq1:61613", d.Server)
	assert.Equal(t, "responses", d.Target)
	assert.False(t, d.Queue)
}

func TestParseDestination_ActiveMQQueue(t *testing.T) {
	d := ParseDestination("activemq://mq1:61613/queue/jobs")
	assert.Equal(t, DestinationActiveMQ, d.Type)
	assert.Equal(t, "jobs", d.Target)
	assert.True(t, d.Queue)
}

func TestParseDestination_File(t *testing.T) {
	d := ParseDestination("file:///var/spool/out")
	assert.Equal(t, DestinationFile, d.Type)
	assert.Equal(t, "/var/spool/out", d.Target)
}

func TestParseDestination_RESTAndWebSocket(t *testing.T) {
	assert.Equal(t, DestinationREST, ParseDestination("REST").Type)
	assert.Equal(t, DestinationREST, ParseDestination("rest").Type)
	assert.Equal(t, DestinationWebSocket, ParseDestination("WebSocket").Type)
	assert.Equal(t, DestinationWebSocket, ParseDestination("websocket").Type)
}

func TestParseDestination_EmptyDefaultsToREST(t *testing.T) {
	assert.Equal(t, DestinationREST, ParseDestination("").Type)
	assert.Equal(t, DestinationREST, ParseDestination("  ").Type)
}

func TestParseDestination_UnknownScheme(t *testing.T) {
	d := ParseDestination("mqtt://broker/topic")
	assert.Equal(t, DestinationUnknown, d.Type)
	assert.Equal(t, "mqtt://broker/topic", d.Raw)
}

func TestParseDestination_MalformedKnownScheme(t *testing.T) {
	assert.Equal(t, DestinationUnknown, ParseDestination("kafka://only-server").Type)
	assert.Equal(t, DestinationUnknown, ParseDestination("kafka:///topic").Type)
	assert.Equal(t, DestinationUnknown, ParseDestination("activemq://mq1/stack/name").Type)
	assert.Equal(t, DestinationUnknown, ParseDestination("activemq://mq1/topic/").Type)
	assert.Equal(t, DestinationUnknown, ParseDestination("file://relative/path").Type)
}

func TestDeliveryDestination_String_RoundTrip(t *testing.T) {
	for _, raw := range []string{
		"kafka://broker1:9092/responses",
		"activemq://mq1:61613/topic/responses",
		"activemq://mq1:61613/queue/jobs",
		"file:///var/spool/out",
		"REST",
		"WebSocket",
	} {
		assert.Equal(t, raw, ParseDestination(raw).String())
	}
}

func TestParseResponseChannel(t *testing.T) {
	ch, ok := ParseResponseChannel("kafka")
	assert.True(t, ok)
	assert.Equal(t, ChannelKafka, ch)

	ch, ok = ParseResponseChannel("ws")
	assert.True(t, ok)
	assert.Equal(t, ChannelWebSocket, ch)

	_, ok = ParseResponseChannel("carrier-pigeon")
	assert.False(t, ok)
}

func TestChannelSet_UnionAndOrder(t *testing.T) {
	a := NewChannelSet("WEBSOCKET", "kafka", "bogus")
	b := NewChannelSet("REST")
	u := a.Union(b)

	assert.True(t, u.Contains(ChannelKafka))
	assert.True(t, u.Contains(ChannelWebSocket))
	assert.True(t, u.Contains(ChannelREST))
	assert.False(t, u.Contains(ChannelActiveMQ))
	assert.Equal(t, []string{"KAFKA", "REST", "WEBSOCKET"}, u.Strings())
}
