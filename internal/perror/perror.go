// Package perror classifies the error kinds the proxy core maps onto
// responses and log lines: error kinds Transport, Protocol,
// Config, Policy, Internal).
package perror

import (
	"errors"
	"fmt"
)

// Kind is the class an error belongs to for response-mapping purposes.
type Kind int

const (
	// KindTransport covers accept, TLS handshake, upstream connect, body I/O.
	KindTransport Kind = iota
	// KindProtocol covers malformed requests, missing CONNECT authority, bad upgrades.
	KindProtocol
	// KindConfig covers rule validation and malformed CA files.
	KindConfig
	// KindPolicy is not a failure — a handler synthesized a response on purpose.
	KindPolicy
	// KindInternal covers store corruption and lock poisoning.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindConfig:
		return "config"
	case KindPolicy:
		return "policy"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind so pipeline stages can pick
// the right response class without re-inspecting the error chain.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap builds a classified Error.
func Wrap(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// KindOf extracts the Kind from err, defaulting to KindInternal if err
// doesn't carry one.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// StatusClass returns the HTTP status code family a Kind maps to for a
// synthesized response (Protocol -> 400, Transport/Internal -> 502).
func StatusClass(k Kind) int {
	switch k {
	case KindProtocol:
		return 400
	case KindConfig:
		return 500
	default:
		return 502
	}
}
