package protocol

import (
	"regexp"
	"time"
)

// RequestStatus is the delivery state of a queued tool request.
type RequestStatus string

const (
	StatusQueued    RequestStatus = "queued"
	StatusDelivered RequestStatus = "delivered"
)

// DefaultCapability is granted to sessions created without an explicit set.
const DefaultCapability = "BASE"

// CodeLength is the number of symbols in a pairing code.
const CodeLength = 8

// CodeAlphabet is the RFC 4648 base32 alphabet. It leaves out 0, 1, 8 and 9
// so codes can be read aloud and typed without confusing O/0 or I/1.
const CodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"

var codePattern = regexp.MustCompile(`^[A-Z2-7]{8}$`)

// ValidCode reports whether code is a well-formed pairing code.
func ValidCode(code string) bool {
	return codePattern.MatchString(code)
}

// Session is a time-boxed pairing context.
type Session struct {
	Code         string    `json:"code"`
	CreatedAt    time.Time `json:"createdAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
	TTLSeconds   int       `json:"ttl"`
	Capabilities []string  `json:"capabilities"`
}

// Expired reports whether the session is past its expiry at now.
func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Remaining returns the time left before expiry, never negative.
func (s Session) Remaining(now time.Time) time.Duration {
	d := s.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// ToolRequest is a single tool call addressed to a session.
type ToolRequest struct {
	ID          string        `json:"id"`
	SessionCode string        `json:"sessionCode"`
	Tool        string        `json:"tool"`
	Args        Value         `json:"args"`
	EnqueuedAt  time.Time     `json:"enqueuedAt"`
	Status      RequestStatus `json:"status"`
}

// ToolError is the error half of a ToolResponse.
type ToolError struct {
	Code    ErrorKind `json:"code"`
	Message string    `json:"message"`
}

// ToolResponse carries the outcome of one ToolRequest. Exactly one of
// Result and Error is set.
type ToolResponse struct {
	RequestID   string     `json:"requestId"`
	SessionCode string     `json:"sessionCode"`
	Result      *Value     `json:"result,omitempty"`
	Error       *ToolError `json:"error,omitempty"`
	CompletedAt time.Time  `json:"completedAt"`
}

// Succeeded reports whether the response carries a result.
func (r ToolResponse) Succeeded() bool {
	return r.Error == nil
}

// NewResultResponse builds a successful response for req.
func NewResultResponse(req ToolRequest, result Value, now time.Time) ToolResponse {
	return ToolResponse{
		RequestID:   req.ID,
		SessionCode: req.SessionCode,
		Result:      &result,
		CompletedAt: now,
	}
}

// NewErrorResponse builds a failed response for req from err.
func NewErrorResponse(req ToolRequest, err error, now time.Time) ToolResponse {
	return ToolResponse{
		RequestID:   req.ID,
		SessionCode: req.SessionCode,
		Error: &ToolError{
			Code:    KindOf(err),
			Message: err.Error(),
		},
		CompletedAt: now,
	}
}

// ErrorBody is the uniform HTTP error envelope.
type ErrorBody struct {
	Error   ErrorKind `json:"error"`
	Message string    `json:"message"`

	// Set only for VersionNotSupported.
	RequestedVersion  string   `json:"requestedVersion,omitempty"`
	SupportedVersions []string `json:"supportedVersions,omitempty"`
}

// CreateSessionRequest is the body of POST /sessions.
type CreateSessionRequest struct {
	Capabilities []string `json:"capabilities,omitempty"`
}

// CreateSessionResponse is returned by POST /sessions.
type CreateSessionResponse struct {
	Code         string    `json:"code"`
	TTL          int       `json:"ttl"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Capabilities []string  `json:"capabilities"`
}

// EnqueueRequest is the body of POST /request.
type EnqueueRequest struct {
	SessionCode string `json:"sessionCode"`
	RequestID   string `json:"requestId"`
	ToolName    string `json:"toolName"`
	Params      Value  `json:"params"`
}

// EnqueueResponse is returned by POST /request.
type EnqueueResponse struct {
	RequestID string `json:"requestId"`
}

// QueueSnapshot is returned by GET /sessions/{code}/queue. Length is read
// separately from Pending and may differ from it under concurrent traffic.
type QueueSnapshot struct {
	SessionCode string        `json:"sessionCode"`
	Length      int64         `json:"length"`
	Pending     []ToolRequest `json:"pending"`
}

// PostResponseRequest is the body of POST /response.
type PostResponseRequest struct {
	SessionCode string     `json:"sessionCode"`
	RequestID   string     `json:"requestId"`
	Result      *Value     `json:"result,omitempty"`
	Error       *ToolError `json:"error,omitempty"`
}
