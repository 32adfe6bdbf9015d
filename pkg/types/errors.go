package types

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidSessionID = errors.New("session id must be a positive integer")
	ErrMissingOwnerID   = errors.New("ownerId is required")
	ErrMissingSessionID = errors.New("sessionId is required")
	ErrMalformedPayload = errors.New("payload is not a JSON object")
)

// ConfigurationError reports settings that keep the relay inactive.
type ConfigurationError struct {
	Missing []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("not configured: missing %s", strings.Join(e.Missing, ", "))
}

// AuthReason classifies a failed channel authorization.
type AuthReason int

const (
	AuthNotConfigured AuthReason = iota
	AuthRejected
	AuthNetwork
)

func (r AuthReason) String() string {
	switch r {
	case AuthNotConfigured:
		return "not_configured"
	case AuthRejected:
		return "rejected"
	case AuthNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// AuthError is returned by the channel authorizer.
type AuthError struct {
	Reason AuthReason
	Status int
	Detail string
	Err    error
}

func (e *AuthError) Error() string {
	msg := "auth " + e.Reason.String()
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error { return e.Err }

// SubscriptionError is a channel-level rejection. The transport stays up.
type SubscriptionError struct {
	Channel string
	Status  int
	Err     error
}

func (e *SubscriptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("subscription to %s failed: %v", e.Channel, e.Err)
	}
	return fmt.Sprintf("subscription to %s failed (status %d)", e.Channel, e.Status)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// PersistenceError wraps a failed store operation. Nothing is assumed
// committed after it.
type PersistenceError struct {
	Op  string
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ValidationError marks a malformed inbound event. Such events are logged
// but never counted.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid event: " + e.Err.Error()
	}
	return fmt.Sprintf("invalid event field %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }
