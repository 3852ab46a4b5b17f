package protocol

import (
	"context"
	"errors"
	"net/http"
)

// ErrorKind names an error class on the wire.
type ErrorKind string

const (
	KindValidation             ErrorKind = "ValidationError"
	KindSessionNotFound        ErrorKind = "SessionNotFound"
	KindSessionExpired         ErrorKind = "SessionExpired"
	KindSessionCreateExhausted ErrorKind = "SessionCreateExhausted"
	KindStoreUnavailable       ErrorKind = "StoreUnavailable"
	KindToolNotFound           ErrorKind = "ToolNotFound"
	KindToolNotPermitted       ErrorKind = "ToolNotPermitted"
	KindExecution              ErrorKind = "ExecutionError"
	KindExecutionTimeout       ErrorKind = "ExecutionTimeout"
	KindTransportFailure       ErrorKind = "TransportFailure"
	KindRateLimited            ErrorKind = "RateLimited"
	KindVersionNotSupported    ErrorKind = "VersionNotSupported"
	KindMethodNotAllowed       ErrorKind = "MethodNotAllowed"
	KindNotFound               ErrorKind = "NotFound"
	KindInternal               ErrorKind = "InternalError"
)

var (
	ErrValidation             = errors.New("validation failed")
	ErrSessionNotFound        = errors.New("session not found")
	ErrSessionExpired         = errors.New("session expired")
	ErrSessionCreateExhausted = errors.New("could not allocate a unique session code")
	ErrStoreUnavailable       = errors.New("store unavailable")
	ErrToolNotFound           = errors.New("tool not found")
	ErrToolNotPermitted       = errors.New("tool not permitted for session")
	ErrExecution              = errors.New("tool execution failed")
	ErrExecutionTimeout       = errors.New("tool execution timed out")
	ErrTransportFailure       = errors.New("transport failure")
	ErrRateLimited            = errors.New("rate limit exceeded")
	ErrVersionNotSupported    = errors.New("api version not supported")
	ErrResponseNotFound       = errors.New("response not found")
)

var kindTable = []struct {
	err  error
	kind ErrorKind
}{
	{ErrValidation, KindValidation},
	{ErrSessionNotFound, KindSessionNotFound},
	{ErrSessionExpired, KindSessionExpired},
	{ErrSessionCreateExhausted, KindSessionCreateExhausted},
	{ErrStoreUnavailable, KindStoreUnavailable},
	{ErrToolNotFound, KindToolNotFound},
	{ErrToolNotPermitted, KindToolNotPermitted},
	{ErrExecutionTimeout, KindExecutionTimeout},
	{ErrExecution, KindExecution},
	{ErrTransportFailure, KindTransportFailure},
	{ErrRateLimited, KindRateLimited},
	{ErrVersionNotSupported, KindVersionNotSupported},
	{ErrResponseNotFound, KindNotFound},
}

// KindOf classifies err. A bare context deadline counts as ExecutionTimeout;
// anything else unrecognised is InternalError.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	for _, entry := range kindTable {
		if errors.Is(err, entry.err) {
			return entry.kind
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindExecutionTimeout
	}
	return KindInternal
}

// ErrorForKind returns the sentinel for kind, or nil when kind is unknown.
func ErrorForKind(kind ErrorKind) error {
	for _, entry := range kindTable {
		if entry.kind == kind {
			return entry.err
		}
	}
	return nil
}

// HTTPStatus maps an error kind to its HTTP status code.
func HTTPStatus(kind ErrorKind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindSessionNotFound, KindNotFound, KindToolNotFound:
		return http.StatusNotFound
	case KindSessionExpired:
		return http.StatusGone
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindStoreUnavailable, KindSessionCreateExhausted:
		return http.StatusServiceUnavailable
	case KindVersionNotSupported:
		return http.StatusNotAcceptable
	case KindMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case KindToolNotPermitted:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// KindFromStatus classifies a failed reply that carries no error envelope.
// Such a reply did not come from the relay's handlers (a proxy, a load
// balancer, a mis-routed path), so it never yields a session or validation
// kind: those statuses report TransportFailure and stay retryable.
func KindFromStatus(status int) ErrorKind {
	switch status {
	case http.StatusTooManyRequests:
		return KindRateLimited
	case http.StatusNotAcceptable:
		return KindVersionNotSupported
	case http.StatusMethodNotAllowed:
		return KindMethodNotAllowed
	case http.StatusBadRequest, http.StatusNotFound, http.StatusGone,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return KindTransportFailure
	default:
		return KindInternal
	}
}
