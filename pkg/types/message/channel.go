package message

import (
	"sort"
	"strings"
)

// ResponseChannel names a delivery path for responses and streaming
// updates. The set is closed; broker types do not extend it.
type ResponseChannel string

const (
	ChannelKafka     ResponseChannel = "KAFKA"
	ChannelActiveMQ  ResponseChannel = "ACTIVEMQ"
	ChannelWebSocket ResponseChannel = "WEBSOCKET"
	ChannelREST      ResponseChannel = "REST"
)

// ParseResponseChannel maps a wire string to a channel, case-insensitively.
func ParseResponseChannel(s string) (ResponseChannel, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "KAFKA":
		return ChannelKafka, true
	case "ACTIVEMQ":
		return ChannelActiveMQ, true
	case "WEBSOCKET", "WS":
		return ChannelWebSocket, true
	case "REST", "HTTP":
		return ChannelREST, true
	default:
		return "", false
	}
}

// ChannelSet is a deduplicated set of response channels.
type ChannelSet map[ResponseChannel]struct{}

// NewChannelSet parses the given names, silently dropping unknown ones.
func NewChannelSet(names ...string) ChannelSet {
	set := make(ChannelSet, len(names))
	for _, n := range names {
		if ch, ok := ParseResponseChannel(n); ok {
			set[ch] = struct{}{}
		}
	}
	return set
}

// Add inserts a channel into the set.
func (s ChannelSet) Add(ch ResponseChannel) {
	s[ch] = struct{}{}
}

// Contains reports membership.
func (s ChannelSet) Contains(ch ResponseChannel) bool {
	_, ok := s[ch]
	return ok
}

// Empty reports whether no channel is selected.
func (s ChannelSet) Empty() bool {
	return len(s) == 0
}

// Union returns a new set containing both operands' channels.
func (s ChannelSet) Union(other ChannelSet) ChannelSet {
	out := make(ChannelSet, len(s)+len(other))
	for ch := range s {
		out[ch] = struct{}{}
	}
	for ch := range other {
		out[ch] = struct{}{}
	}
	return out
}

// Slice returns the channels in stable alphabetical order.
func (s ChannelSet) Slice() []ResponseChannel {
	out := make([]ResponseChannel, 0, len(s))
	for ch := range s {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Strings returns the channel names in stable order, for JSON payloads.
func (s ChannelSet) Strings() []string {
	chs := s.Slice()
	out := make([]string, len(chs))
	for i, ch := range chs {
		out[i] = string(ch)
	}
	return out
}
