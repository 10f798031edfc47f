package message

import "time"

// ResponseStatus is the terminal or intermediate outcome of a request.
type ResponseStatus string

const (
	StatusSuccess           ResponseStatus = "SUCCESS"
	StatusError             ResponseStatus = "ERROR"
	StatusTimeout           ResponseStatus = "TIMEOUT"
	StatusPartial           ResponseStatus = "PARTIAL"
	StatusStreamingUpdate   ResponseStatus = "STREAMING_UPDATE"
	StatusStreamingComplete ResponseStatus = "STREAMING_COMPLETE"
	StatusUnauthorized      ResponseStatus = "UNAUTHORIZED"
	StatusHandlerNotFound   ResponseStatus = "HANDLER_NOT_FOUND"
)

// Terminal reports whether the status ends the request. Streaming
// updates and partial results are followed by more responses.
func (s ResponseStatus) Terminal() bool {
	switch s {
	case StatusStreamingUpdate, StatusPartial:
		return false
	default:
		return true
	}
}

// Response is the canonical outbound message, produced once per
// one-shot request and once per update for streaming sessions.
type Response struct {
	RequestID         string                 `json:"request_id"`
	Status            ResponseStatus         `json:"status"`
	Data              map[string]interface{} `json:"data,omitempty"`
	ErrorMessage      string                 `json:"error_message,omitempty"`
	HandlerID         string                 `json:"handler_id,omitempty"`
	ExecutionTimeMs   int64                  `json:"execution_time_ms"`
	Timestamp         time.Time              `json:"timestamp"`
	IsStreamingUpdate bool                   `json:"is_streaming_update,omitempty"`
	SequenceNumber    int64                  `json:"sequence_number,omitempty"`
}

// NewSuccess builds a terminal success response.
func NewSuccess(requestID string, data map[string]interface{}) *Response {
	return &Response{
		RequestID: requestID,
		Status:    StatusSuccess,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// NewError builds a terminal error response carrying a message.
func NewError(requestID, errMsg string) *Response {
	return &Response{
		RequestID:    requestID,
		Status:       StatusError,
		ErrorMessage: errMsg,
		Timestamp:    time.Now().UTC(),
	}
}

// NewTimeout builds the response emitted when a request's TTL expires.
func NewTimeout(requestID string) *Response {
	return &Response{
		RequestID:    requestID,
		Status:       StatusTimeout,
		ErrorMessage: "request timed out",
		Timestamp:    time.Now().UTC(),
	}
}

// NewUnauthorized builds the response for a failed API key check.
func NewUnauthorized(requestID string) *Response {
	return &Response{
		RequestID:    requestID,
		Status:       StatusUnauthorized,
		ErrorMessage: "invalid or unauthorized api_key",
		Timestamp:    time.Now().UTC(),
	}
}

// NewHandlerNotFound builds the response for an unregistered request type.
func NewHandlerNotFound(requestID, requestType string) *Response {
	return &Response{
		RequestID:    requestID,
		Status:       StatusHandlerNotFound,
		ErrorMessage: "no handler registered for request type " + requestType,
		Timestamp:    time.Now().UTC(),
	}
}

// NewStreamingUpdate builds one sequence-numbered update for a session.
func NewStreamingUpdate(requestID string, seq int64, data map[string]interface{}) *Response {
	return &Response{
		RequestID:         requestID,
		Status:            StatusStreamingUpdate,
		Data:              data,
		Timestamp:         time.Now().UTC(),
		IsStreamingUpdate: true,
		SequenceNumber:    seq,
	}
}

// NewStreamingComplete builds the final update closing a session.
func NewStreamingComplete(requestID string, seq int64, data map[string]interface{}) *Response {
	return &Response{
		RequestID:         requestID,
		Status:            StatusStreamingComplete,
		Data:              data,
		Timestamp:         time.Now().UTC(),
		IsStreamingUpdate: true,
		SequenceNumber:    seq,
	}
}

// WithHandler records the handler that produced the response.
func (r *Response) WithHandler(handlerID string) *Response {
	r.HandlerID = handlerID
	return r
}

// WithDuration records wall-clock execution time.
func (r *Response) WithDuration(d time.Duration) *Response {
	r.ExecutionTimeMs = d.Milliseconds()
	return r
}
