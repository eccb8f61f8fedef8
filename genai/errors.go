package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Kind is the semantic error taxonomy. Layers close to the wire attach
// HTTPStatus and Details without reshaping; middle layers add the kind.
type Kind string

const (
	KindMissingCredentials Kind = "missing_credentials"
	KindAuthExchangeFailed Kind = "auth_exchange_failed"
	KindInvalidRequest     Kind = "invalid_request"
	KindRateLimited        Kind = "rate_limited"
	KindServerError        Kind = "server_error"
	KindTransportError     Kind = "transport_error"
	KindOverEmbargo        Kind = "over_embargo"
	KindOverBudget         Kind = "over_budget"
	KindOverCapacity       Kind = "over_capacity"
	KindTimeout            Kind = "timeout"
	KindMalformedResponse  Kind = "malformed_response"
	KindTurnLimitExceeded  Kind = "turn_limit_exceeded"
	KindInvalidState       Kind = "invalid_state"
)

// Error is the standardized error envelope across every layer. Details
// preserves the decoded `error.details` array from the server so callers
// (and the retry manager) can inspect RetryInfo, quota metrics and friends.
type Error struct {
	Kind       Kind
	HTTPStatus int
	Code       string
	Message    string
	Details    []map[string]any
	Raw        []byte
	// RetryAfterMS carries a Retry-After response header, when the server
	// sent one, as a hint for the retry manager.
	RetryAfterMS int64
}

func (e *Error) Error() string {
	if e.HTTPStatus > 0 {
		return fmt.Sprintf("%s (http %d): %s", e.Kind, e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Retryable reports whether the error kind is eligible for internal retry.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindServerError, KindTransportError:
		return true
	}
	return false
}

// NewError builds an envelope with just a kind and message.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// serverErrorBody mirrors the Google RPC error envelope.
type serverErrorBody struct {
	Error struct {
		Code    int              `json:"code"`
		Message string           `json:"message"`
		Status  string           `json:"status"`
		Details []map[string]any `json:"details,omitempty"`
	} `json:"error"`
}

// FromHTTP maps a non-2xx response to a standardized error, preserving the
// entire decoded body in Details/Raw.
func FromHTTP(statusCode int, body []byte) *Error {
	e := &Error{
		HTTPStatus: statusCode,
		Raw:        append([]byte(nil), body...),
	}

	var decoded serverErrorBody
	if err := json.Unmarshal(body, &decoded); err == nil && decoded.Error.Message != "" {
		e.Message = decoded.Error.Message
		e.Code = decoded.Error.Status
		e.Details = decoded.Error.Details
	} else {
		e.Message = truncate(string(body), 200)
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		e.Kind = KindRateLimited
		if e.Code == "" {
			e.Code = "RESOURCE_EXHAUSTED"
		}
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		// Auth failures are never retried.
		e.Kind = KindMissingCredentials
	case statusCode >= 400 && statusCode < 500:
		e.Kind = KindInvalidRequest
	case statusCode >= 500:
		e.Kind = KindServerError
	default:
		e.Kind = KindServerError
	}
	if e.Message == "" {
		e.Message = fmt.Sprintf("HTTP %d error", statusCode)
	}
	return e
}

// FromNetwork maps a transport-level failure to a standardized error.
// Only the caller's own context expiring is terminal (timeout kind); a
// network-level timeout (dial, TLS, i/o) is a transient transport error
// and stays retryable.
func FromNetwork(err error) *Error {
	msg := err.Error()
	kind := KindTransportError
	code := "network_error"
	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded) || strings.Contains(msg, "context deadline exceeded"):
		kind = KindTimeout
		code = "deadline_exceeded"
	case errors.Is(err, context.Canceled) || strings.Contains(msg, "context canceled"):
		kind = KindTimeout
		code = "request_canceled"
	case (errors.As(err, &ne) && ne.Timeout()) || strings.Contains(msg, "timeout"):
		code = "timeout"
	case strings.Contains(msg, "connection refused"):
		code = "connection_refused"
	case strings.Contains(msg, "connection reset") || strings.Contains(msg, "EOF"):
		code = "connection_reset"
	case strings.Contains(msg, "no such host"):
		code = "dns_error"
	case strings.Contains(msg, "certificate") || strings.Contains(msg, "tls"):
		code = "tls_error"
	}
	return &Error{Kind: kind, Code: code, Message: "network error: " + msg}
}

// AsError extracts a *genai.Error from an error chain.
func AsError(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	if e, ok := err.(*Error); ok {
		return e, true
	}
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok {
		return AsError(u.Unwrap())
	}
	return nil, false
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
