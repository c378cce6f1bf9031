// Package upstream holds the contract shared by the provider clients:
// typed failure kinds, fallback records and address checks.
package upstream

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies a provider failure.
type Kind string

const (
	KindAuthFailure    Kind = "auth_failure"
	KindMethodNotFound Kind = "method_not_found"
	KindRateLimited    Kind = "rate_limited"
	KindInvalidInput   Kind = "invalid_input"
	KindNotFound       Kind = "not_found"
	KindTransient      Kind = "transient"
)

// JSON-RPC error code for an unknown method.
const codeMethodNotFound = -32601

// Error is a classified provider failure.
type Error struct {
	Provider string
	Kind     Kind
	Status   int // HTTP status, 0 if not applicable
	Code     int // JSON-RPC error code, 0 if not applicable
	Message  string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	b.WriteString(": ")
	b.WriteString(string(e.Kind))
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Code != 0 {
		fmt.Fprintf(&b, " (code %d)", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Classify maps an HTTP status, JSON-RPC code and message to a Kind.
// The string patterns are the provider contract: 401, "invalid api key", "method not found".
func Classify(status, code int, message string) Kind {
	msg := strings.ToLower(message)
	switch {
	case status == http.StatusUnauthorized,
		strings.Contains(msg, "invalid api key"),
		strings.Contains(msg, "401"):
		return KindAuthFailure
	case code == codeMethodNotFound, strings.Contains(msg, "method not found"):
		return KindMethodNotFound
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusBadRequest:
		return KindInvalidInput
	case status == http.StatusNotFound:
		return KindNotFound
	default:
		return KindTransient
	}
}

// NewError builds a classified error.
func NewError(provider string, status, code int, message string) *Error {
	return &Error{
		Provider: provider,
		Kind:     Classify(status, code, message),
		Status:   status,
		Code:     code,
		Message:  message,
	}
}

// Transient wraps a transport error that carries no status.
func Transient(provider string, err error) *Error {
	return &Error{Provider: provider, Kind: KindTransient, Err: err}
}

// KindOf returns the Kind of err, or KindTransient for unclassified errors.
func KindOf(err error) Kind {
	var uerr *Error
	if errors.As(err, &uerr) {
		return uerr.Kind
	}
	return KindTransient
}

// IsAuthFailure reports whether err means the provider rejected our credentials
// or does not serve the requested method. Both are answered with fallback data.
func IsAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindAuthFailure, KindMethodNotFound:
		return true
	}
	return false
}

// IsRetryable reports whether a retry may succeed.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindRateLimited:
		return true
	}
	return false
}
