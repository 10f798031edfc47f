package message

import "strings"

// DestinationType classifies a delivery destination URI.
type DestinationType string

const (
	DestinationKafka     DestinationType = "KAFKA"
	DestinationActiveMQ  DestinationType = "ACTIVEMQ"
	DestinationFile      DestinationType = "FILE"
	DestinationREST      DestinationType = "REST"
	DestinationWebSocket DestinationType = "WEBSOCKET"
	DestinationUnknown   DestinationType = "UNKNOWN"
)

// DeliveryDestination is the parsed form of a delivery_destination URI.
// Target holds the topic, queue name, or file path depending on Type.
type DeliveryDestination struct {
	Type   DestinationType
	Server string
	Target string
	Queue  bool
	Raw    string
}

// ParseDestination interprets the delivery destination grammar:
//
//	kafka://<server>/<topic>
//	activemq://<server>/topic/<name>
//	activemq://<server>/queue/<name>
//	file://<absolute-path>
//	REST
//	WebSocket
//
// The function is total: an empty destination defaults to REST and an
// unknown or malformed scheme yields type UNKNOWN, which downstream
// code treats as REST.
func ParseDestination(raw string) DeliveryDestination {
	dest := DeliveryDestination{Raw: raw}
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		dest.Type = DestinationREST
		return dest
	}

	switch strings.ToUpper(trimmed) {
	case "REST":
		dest.Type = DestinationREST
		return dest
	case "WEBSOCKET":
		dest.Type = DestinationWebSocket
		return dest
	}

	scheme, rest, ok := strings.Cut(trimmed, "://")
	if !ok {
		dest.Type = DestinationUnknown
		return dest
	}

	switch strings.ToLower(scheme) {
	case "kafka":
		server, topic, ok := strings.Cut(rest, "/")
		if !ok || server == "" || topic == "" {
			dest.Type = DestinationUnknown
			return dest
		}
		dest.Type = DestinationKafka
		dest.Server = server
		dest.Target = topic
	case "activemq":
		server, path, ok := strings.Cut(rest, "/")
		if !ok || server == "" {
			dest.Type = DestinationUnknown
			return dest
		}
		kind, name, ok := strings.Cut(path, "/")
		if !ok || name == "" {
			dest.Type = DestinationUnknown
			return dest
		}
		switch strings.ToLower(kind) {
		case "topic":
			dest.Queue = false
		case "queue":
			dest.Queue = true
		default:
			dest.Type = DestinationUnknown
			return dest
		}
		dest.Type = DestinationActiveMQ
		dest.Server = server
		dest.Target = name
	case "file":
		if rest == "" || !strings.HasPrefix(rest, "/") {
			dest.Type = DestinationUnknown
			return dest
		}
		dest.Type = DestinationFile
		dest.Target = rest
	default:
		dest.Type = DestinationUnknown
	}
	return dest
}

// String re-renders the destination in its URI form.
func (d DeliveryDestination) String() string {
	switch d.Type {
	case DestinationKafka:
		return "kafka://" + d.Server + "/" + d.Target
	case DestinationActiveMQ:
		kind := "topic"
		if d.Queue {
			kind = "queue"
		}
		return "activemq://" + d.Server + "/" + kind + "/" + d.Target
	case DestinationFile:
		return "file://" + d.Target
	case DestinationREST:
		return "REST"
	case DestinationWebSocket:
		return "WebSocket"
	default:
		return d.Raw
	}
}
