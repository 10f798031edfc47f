package errors

import (
	"net/http"
	"strings"
)

// ErrorCode is a string representation of a specific error condition.
// Codes are grouped by module prefix: COMMON, CFG (configuration), BRK
// (broker transports), ING (ingesters), HND (handlers/workers), CHN
// (chain engine), STR (streaming), CLU (cluster).
type ErrorCode string

func (c ErrorCode) String() string {
	return string(c)
}

// Common error codes.
const (
	ErrCodeInternal           ErrorCode = "COMMON_001"
	ErrCodeBadRequest         ErrorCode = "COMMON_002"
	ErrCodeUnauthorized       ErrorCode = "COMMON_003"
	ErrCodeForbidden          ErrorCode = "COMMON_004"
	ErrCodeNotFound           ErrorCode = "COMMON_005"
	ErrCodeConflict           ErrorCode = "COMMON_006"
	ErrCodeTooManyRequests    ErrorCode = "COMMON_007"
	ErrCodeServiceUnavailable ErrorCode = "COMMON_008"
	ErrCodeTimeout            ErrorCode = "COMMON_009"
	ErrCodeValidation         ErrorCode = "COMMON_010"
	ErrCodeSerialization      ErrorCode = "COMMON_011"
	ErrCodeNotImplemented     ErrorCode = "COMMON_012"
)

// Configuration error codes.
const (
	ErrCodeConfigUnreadable      ErrorCode = "CFG_001"
	ErrCodeConfigInvalid         ErrorCode = "CFG_002"
	ErrCodePlaceholderUnresolved ErrorCode = "CFG_003"
)

// Broker transport error codes.
const (
	ErrCodeBrokerUnknownType  ErrorCode = "BRK_001"
	ErrCodeBrokerConnect      ErrorCode = "BRK_002"
	ErrCodeBrokerPublish      ErrorCode = "BRK_003"
	ErrCodeBrokerSubscribe    ErrorCode = "BRK_004"
	ErrCodeBrokerClosed       ErrorCode = "BRK_005"
	ErrCodeBrokerBackpressure ErrorCode = "BRK_006"
	ErrCodeBrokerNotFound     ErrorCode = "BRK_007"
	ErrCodeBrokerDisabled     ErrorCode = "BRK_008"
)

// Ingester error codes.
const (
	ErrCodeIngestParse     ErrorCode = "ING_001"
	ErrCodeIngestRejected  ErrorCode = "ING_002"
	ErrCodeIngestDuplicate ErrorCode = "ING_003"
	ErrCodeIngestSubmit    ErrorCode = "ING_004"
)

// Handler and worker error codes.
const (
	ErrCodeHandlerNotFound      ErrorCode = "HND_001"
	ErrCodeHandlerDisabled      ErrorCode = "HND_002"
	ErrCodeHandlerConstruct     ErrorCode = "HND_003"
	ErrCodeHandlerExecute       ErrorCode = "HND_004"
	ErrCodeHandlerStopped       ErrorCode = "HND_005"
	ErrCodeTTLExpired           ErrorCode = "HND_006"
	ErrCodeStreamingUnsupported ErrorCode = "HND_007"
	ErrCodeOneShotUnsupported   ErrorCode = "HND_008"
)

// Chain engine error codes.
const (
	ErrCodeChainEmpty     ErrorCode = "CHN_001"
	ErrCodeChainStep      ErrorCode = "CHN_002"
	ErrCodeChainMapping   ErrorCode = "CHN_003"
	ErrCodeChainCondition ErrorCode = "CHN_004"
	ErrCodeChainJoin      ErrorCode = "CHN_005"
	ErrCodeChainAborted   ErrorCode = "CHN_006"
)

// Streaming error codes.
const (
	ErrCodeStreamingDisabled ErrorCode = "STR_001"
	ErrCodeSessionLimit      ErrorCode = "STR_002"
	ErrCodeSessionNotFound   ErrorCode = "STR_003"
	ErrCodeSessionClosed     ErrorCode = "STR_004"
)

// Cluster error codes.
const (
	ErrCodePeerUnreachable ErrorCode = "CLU_001"
	ErrCodeForwardFailed   ErrorCode = "CLU_002"
	ErrCodeNoEligiblePeer  ErrorCode = "CLU_003"
)

// Short aliases used throughout the codebase.
const (
	CodeInternal       = ErrCodeInternal
	CodeInvalidParam   = ErrCodeBadRequest
	CodeUnauthorized   = ErrCodeUnauthorized
	CodeForbidden      = ErrCodeForbidden
	CodeNotFound       = ErrCodeNotFound
	CodeConflict       = ErrCodeConflict
	CodeRateLimit      = ErrCodeTooManyRequests
	CodeUnavailable    = ErrCodeServiceUnavailable
	CodeTimeout        = ErrCodeTimeout
	CodeValidation     = ErrCodeValidation
	CodeSerialization  = ErrCodeSerialization
	CodeNotImplemented = ErrCodeNotImplemented

	CodeHandlerNotFound = ErrCodeHandlerNotFound
	CodeTTLExpired      = ErrCodeTTLExpired
	CodeBrokerPublish   = ErrCodeBrokerPublish

	CodeOK      = ErrorCode("OK")
	CodeUnknown = ErrorCode("UNKNOWN")
)

// ErrorCodeHTTPStatus maps each ErrorCode to the HTTP status used when the
// transport itself must carry the failure (response envelopes normally travel
// inside a 200).
var ErrorCodeHTTPStatus = map[ErrorCode]int{
	ErrCodeInternal:           http.StatusInternalServerError,
	ErrCodeBadRequest:         http.StatusBadRequest,
	ErrCodeUnauthorized:       http.StatusUnauthorized,
	ErrCodeForbidden:          http.StatusForbidden,
	ErrCodeNotFound:           http.StatusNotFound,
	ErrCodeConflict:           http.StatusConflict,
	ErrCodeTooManyRequests:    http.StatusTooManyRequests,
	ErrCodeServiceUnavailable: http.StatusServiceUnavailable,
	ErrCodeTimeout:            http.StatusGatewayTimeout,
	ErrCodeValidation:         http.StatusBadRequest,
	ErrCodeSerialization:      http.StatusBadRequest,
	ErrCodeNotImplemented:     http.StatusNotImplemented,

	ErrCodeConfigUnreadable:      http.StatusInternalServerError,
	ErrCodeConfigInvalid:         http.StatusInternalServerError,
	ErrCodePlaceholderUnresolved: http.StatusInternalServerError,

	ErrCodeBrokerUnknownType:  http.StatusBadRequest,
	ErrCodeBrokerConnect:      http.StatusServiceUnavailable,
	ErrCodeBrokerPublish:      http.StatusServiceUnavailable,
	ErrCodeBrokerSubscribe:    http.StatusServiceUnavailable,
	ErrCodeBrokerClosed:       http.StatusServiceUnavailable,
	ErrCodeBrokerBackpressure: http.StatusTooManyRequests,
	ErrCodeBrokerNotFound:     http.StatusNotFound,
	ErrCodeBrokerDisabled:     http.StatusConflict,

	ErrCodeIngestParse:     http.StatusBadRequest,
	ErrCodeIngestRejected:  http.StatusBadRequest,
	ErrCodeIngestDuplicate: http.StatusConflict,
	ErrCodeIngestSubmit:    http.StatusServiceUnavailable,

	ErrCodeHandlerNotFound:      http.StatusNotFound,
	ErrCodeHandlerDisabled:      http.StatusConflict,
	ErrCodeHandlerConstruct:     http.StatusInternalServerError,
	ErrCodeHandlerExecute:       http.StatusInternalServerError,
	ErrCodeHandlerStopped:       http.StatusConflict,
	ErrCodeTTLExpired:           http.StatusGatewayTimeout,
	ErrCodeStreamingUnsupported: http.StatusBadRequest,
	ErrCodeOneShotUnsupported:   http.StatusBadRequest,

	ErrCodeChainEmpty:     http.StatusBadRequest,
	ErrCodeChainStep:      http.StatusInternalServerError,
	ErrCodeChainMapping:   http.StatusBadRequest,
	ErrCodeChainCondition: http.StatusBadRequest,
	ErrCodeChainJoin:      http.StatusInternalServerError,
	ErrCodeChainAborted:   http.StatusInternalServerError,

	ErrCodeStreamingDisabled: http.StatusConflict,
	ErrCodeSessionLimit:      http.StatusTooManyRequests,
	ErrCodeSessionNotFound:   http.StatusNotFound,
	ErrCodeSessionClosed:     http.StatusConflict,

	ErrCodePeerUnreachable: http.StatusBadGateway,
	ErrCodeForwardFailed:   http.StatusBadGateway,
	ErrCodeNoEligiblePeer:  http.StatusServiceUnavailable,
}

// ErrorCodeMessage provides default human-readable messages per code.
var ErrorCodeMessage = map[ErrorCode]string{
	ErrCodeInternal:           "internal error",
	ErrCodeBadRequest:         "bad request",
	ErrCodeUnauthorized:       "unauthorized",
	ErrCodeForbidden:          "forbidden",
	ErrCodeNotFound:           "not found",
	ErrCodeConflict:           "conflict",
	ErrCodeTooManyRequests:    "too many requests",
	ErrCodeServiceUnavailable: "service unavailable",
	ErrCodeTimeout:            "operation timed out",
	ErrCodeValidation:         "validation failed",
	ErrCodeSerialization:      "serialization failed",
	ErrCodeNotImplemented:     "not implemented",

	ErrCodeConfigUnreadable:      "configuration file unreadable",
	ErrCodeConfigInvalid:         "configuration invalid",
	ErrCodePlaceholderUnresolved: "configuration placeholder unresolved",

	ErrCodeBrokerUnknownType:  "unknown broker type",
	ErrCodeBrokerConnect:      "broker connection failed",
	ErrCodeBrokerPublish:      "broker publish failed",
	ErrCodeBrokerSubscribe:    "broker subscribe failed",
	ErrCodeBrokerClosed:       "broker transport closed",
	ErrCodeBrokerBackpressure: "broker backpressure engaged",
	ErrCodeBrokerNotFound:     "broker not found",
	ErrCodeBrokerDisabled:     "broker disabled",

	ErrCodeIngestParse:     "request parse failed",
	ErrCodeIngestRejected:  "request rejected",
	ErrCodeIngestDuplicate: "duplicate request id",
	ErrCodeIngestSubmit:    "request submit failed",

	ErrCodeHandlerNotFound:      "handler not found",
	ErrCodeHandlerDisabled:      "handler disabled",
	ErrCodeHandlerConstruct:     "handler construction failed",
	ErrCodeHandlerExecute:       "handler execution failed",
	ErrCodeHandlerStopped:       "handler stopped",
	ErrCodeTTLExpired:           "handler TTL expired",
	ErrCodeStreamingUnsupported: "handler does not support streaming",
	ErrCodeOneShotUnsupported:   "handler does not support one-shot execution",

	ErrCodeChainEmpty:     "no steps defined",
	ErrCodeChainStep:      "chain step failed",
	ErrCodeChainMapping:   "chain payload mapping invalid",
	ErrCodeChainCondition: "chain condition invalid",
	ErrCodeChainJoin:      "chain join failed",
	ErrCodeChainAborted:   "chain aborted",

	ErrCodeStreamingDisabled: "streaming disabled",
	ErrCodeSessionLimit:      "max concurrent streaming sessions reached",
	ErrCodeSessionNotFound:   "streaming session not found",
	ErrCodeSessionClosed:     "streaming session closed",

	ErrCodePeerUnreachable: "cluster peer unreachable",
	ErrCodeForwardFailed:   "forwarding failed",
	ErrCodeNoEligiblePeer:  "no eligible cluster peer",
}

// HTTPStatusForCode returns the HTTP status code for an ErrorCode.
func HTTPStatusForCode(code ErrorCode) int {
	if status, ok := ErrorCodeHTTPStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// DefaultMessageForCode returns the default message for an ErrorCode.
func DefaultMessageForCode(code ErrorCode) string {
	if msg, ok := ErrorCodeMessage[code]; ok {
		return msg
	}
	return "unknown error"
}

// IsClientError reports whether the ErrorCode maps to a 4xx HTTP status.
func IsClientError(code ErrorCode) bool {
	status := HTTPStatusForCode(code)
	return status >= 400 && status < 500
}

// IsServerError reports whether the ErrorCode maps to a 5xx HTTP status.
func IsServerError(code ErrorCode) bool {
	status := HTTPStatusForCode(code)
	return status >= 500 && status < 600
}

// ModuleForCode returns the module prefix of an ErrorCode ("BRK" for
// "BRK_003").
func ModuleForCode(code ErrorCode) string {
	parts := strings.Split(string(code), "_")
	if len(parts) > 0 && parts[0] != "" {
		return parts[0]
	}
	return "UNKNOWN"
}
