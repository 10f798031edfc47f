package prometheus

import (
	"strconv"
	"time"
)

// GatewayMetrics holds every metric family the gateway exports.
// Construct once at startup and share by reference.
type GatewayMetrics struct {
	// Ingestion: labelled by channel and result
	// (submitted/rejected/failed), queue depth by ingester name.
	RequestsIngested CounterVec
	IngestQueueDepth GaugeVec

	// Dispatch and workers: dispatch outcomes, responses by status,
	// live workers and execution time by request type.
	DispatchTotal   CounterVec
	ResponsesTotal  CounterVec
	ActiveWorkers   GaugeVec
	HandlerDuration HistogramVec
	HistoryRingSize GaugeVec

	// Streaming: sessions by handler type, updates by channel/result.
	StreamingSessions GaugeVec
	StreamingUpdates  CounterVec

	// Broker transports, labelled by broker_id.
	BrokerPublishes      CounterVec
	BrokerConsumes       CounterVec
	BrokerQueueOccupancy GaugeVec
	BrokerReconnects     CounterVec

	// Chain steps by chain_id and result (ok/skipped/failed/fallback).
	ChainSteps CounterVec

	// Cluster forwarding and heartbeat health.
	ClusterForwards   CounterVec
	HeartbeatFailures CounterVec

	// HTTP and websocket surface.
	HTTPRequestsTotal   CounterVec
	HTTPRequestDuration HistogramVec
	WSConnections       GaugeVec
}

// Histogram buckets tuned for handler execution and HTTP latencies.
var (
	DefaultHTTPDurationBuckets    = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}
	DefaultHandlerDurationBuckets = []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300, 1800}
)

// NewGatewayMetrics registers all gateway metric families.
func NewGatewayMetrics(collector MetricsCollector) *GatewayMetrics {
	m := &GatewayMetrics{}

	m.RequestsIngested = collector.RegisterCounter("requests_ingested_total", "Requests seen by ingesters", "channel", "result")
	m.IngestQueueDepth = collector.RegisterGauge("ingest_queue_depth", "Pending envelopes per ingester", "ingester")

	m.DispatchTotal = collector.RegisterCounter("dispatch_total", "Dispatcher submissions by outcome", "result")
	m.ResponsesTotal = collector.RegisterCounter("responses_total", "Responses published by status", "status")
	m.ActiveWorkers = collector.RegisterGauge("active_workers", "Live handler workers", "request_type")
	m.HandlerDuration = collector.RegisterHistogram("handler_duration_seconds", "Handler execution time", DefaultHandlerDurationBuckets, "request_type")
	m.HistoryRingSize = collector.RegisterGauge("history_ring_size", "Entries retained in the execution history ring")

	m.StreamingSessions = collector.RegisterGauge("streaming_sessions", "Active streaming sessions", "handler_type")
	m.StreamingUpdates = collector.RegisterCounter("streaming_updates_total", "Streaming updates published", "channel", "result")

	m.BrokerPublishes = collector.RegisterCounter("broker_publishes_total", "Publishes per broker", "broker_id", "result")
	m.BrokerConsumes = collector.RegisterCounter("broker_consumes_total", "Envelopes consumed per broker", "broker_id")
	m.BrokerQueueOccupancy = collector.RegisterGauge("broker_queue_occupancy", "Subscriber queue occupancy", "broker_id")
	m.BrokerReconnects = collector.RegisterCounter("broker_reconnects_total", "Reconnect attempts per broker", "broker_id")

	m.ChainSteps = collector.RegisterCounter("chain_steps_total", "Chain step outcomes", "chain_id", "result")

	m.ClusterForwards = collector.RegisterCounter("cluster_forwards_total", "Requests forwarded to peers", "result")
	m.HeartbeatFailures = collector.RegisterCounter("heartbeat_failures_total", "Failed heartbeats per peer", "peer")

	m.HTTPRequestsTotal = collector.RegisterCounter("http_requests_total", "HTTP requests", "method", "path", "status_code")
	m.HTTPRequestDuration = collector.RegisterHistogram("http_request_duration_seconds", "HTTP request duration", DefaultHTTPDurationBuckets, "method", "path")
	m.WSConnections = collector.RegisterGauge("ws_connections", "Open websocket connections")

	return m
}

// RecordIngest counts one ingester outcome.
func (m *GatewayMetrics) RecordIngest(channel, result string) {
	if m == nil {
		return
	}
	m.RequestsIngested.WithLabelValues(channel, result).Inc()
}

// SetIngestQueueDepth records the in-flight submissions of one ingester.
func (m *GatewayMetrics) SetIngestQueueDepth(ingester string, depth float64) {
	if m == nil {
		return
	}
	m.IngestQueueDepth.WithLabelValues(ingester).Set(depth)
}

// RecordDispatch counts one dispatcher outcome.
func (m *GatewayMetrics) RecordDispatch(result string) {
	if m == nil {
		return
	}
	m.DispatchTotal.WithLabelValues(result).Inc()
}

// RecordResponse counts one published response by status.
func (m *GatewayMetrics) RecordResponse(status string) {
	if m == nil {
		return
	}
	m.ResponsesTotal.WithLabelValues(status).Inc()
}

// RecordHandlerExecution observes a completed handler run.
func (m *GatewayMetrics) RecordHandlerExecution(requestType string, d time.Duration) {
	if m == nil {
		return
	}
	m.HandlerDuration.WithLabelValues(requestType).Observe(d.Seconds())
}

// RecordPublish counts one transport publish.
func (m *GatewayMetrics) RecordPublish(brokerID string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.BrokerPublishes.WithLabelValues(brokerID, result).Inc()
}

// RecordStreamingUpdate counts one per-channel update delivery.
func (m *GatewayMetrics) RecordStreamingUpdate(channel string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.StreamingUpdates.WithLabelValues(channel, result).Inc()
}

// RecordChainStep counts one chain step outcome.
func (m *GatewayMetrics) RecordChainStep(chainID, result string) {
	if m == nil {
		return
	}
	m.ChainSteps.WithLabelValues(chainID, result).Inc()
}

// RecordClusterForward counts one forwarding attempt outcome.
func (m *GatewayMetrics) RecordClusterForward(result string) {
	if m == nil {
		return
	}
	m.ClusterForwards.WithLabelValues(result).Inc()
}

// AddWSConnections moves the open websocket connection gauge.
func (m *GatewayMetrics) AddWSConnections(delta float64) {
	if m == nil {
		return
	}
	m.WSConnections.WithLabelValues().Add(delta)
}

// RecordHeartbeatFailure counts one failed heartbeat to a peer.
func (m *GatewayMetrics) RecordHeartbeatFailure(peer string) {
	if m == nil {
		return
	}
	m.HeartbeatFailures.WithLabelValues(peer).Inc()
}

// RecordHTTPRequest counts one served HTTP request.
func (m *GatewayMetrics) RecordHTTPRequest(method, path string, statusCode int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(statusCode)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}
