package core

// Error taxonomy for the gateway transport. Every failure that crosses a
// component boundary is folded into one of the kinds below so callers can
// route on kind instead of string-matching messages.

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
)

// Kind enumerates the failure classes the engine distinguishes.
type Kind int

const (
	// KindNotFound covers both "pointer never published" and "content not on
	// this gateway". It never trips the circuit breaker.
	KindNotFound Kind = iota
	KindNetworkError
	KindTimeout
	KindGatewayError
	KindInvalidResponse
	KindCidMismatch
	KindSequenceDowngrade
	KindInvalidInput
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindNetworkError:
		return "network_error"
	case KindTimeout:
		return "timeout"
	case KindGatewayError:
		return "gateway_error"
	case KindInvalidResponse:
		return "invalid_response"
	case KindCidMismatch:
		return "cid_mismatch"
	case KindSequenceDowngrade:
		return "sequence_downgrade"
	case KindInvalidInput:
		return "invalid_input"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// StorageError is the concrete error type produced by the transport and the
// provider. Gateway is the base URL of the gateway at fault, when known.
type StorageError struct {
	Kind    Kind
	Message string
	Gateway string
	Cause   error
}

func (e *StorageError) Error() string {
	if e.Gateway != "" {
		return fmt.Sprintf("%s: %s (gateway %s)", e.Kind, e.Message, e.Gateway)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *StorageError) Unwrap() error { return e.Cause }

// Errf builds a StorageError with a formatted message.
func Errf(kind Kind, format string, args ...any) *StorageError {
	return &StorageError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithGateway tags the error with the gateway it came from.
func (e *StorageError) WithGateway(gw string) *StorageError {
	e.Gateway = gw
	return e
}

// WithCause attaches the underlying error.
func (e *StorageError) WithCause(err error) *StorageError {
	e.Cause = err
	return e
}

// KindOf extracts the Kind from err, defaulting to KindNetworkError for
// anything that is not a StorageError.
func KindOf(err error) Kind {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindNetworkError
}

// routingNotFound matches the body kubo returns for an unpublished IPNS name.
// The daemon answers 500 for those, so status alone cannot tell a fresh wallet
// apart from a broken gateway.
var routingNotFound = regexp.MustCompile(`(?i)routing:\s*not\s*found`)

// ClassifyHTTP maps an HTTP status and response body to an error kind.
func ClassifyHTTP(status int, body []byte) Kind {
	switch {
	case status == 404:
		return KindNotFound
	case status == 500 && routingNotFound.Match(body):
		return KindNotFound
	case status >= 400:
		return KindGatewayError
	}
	return KindInvalidResponse
}

// ClassifyTransport maps a transport-level error (no HTTP response) to a kind.
func ClassifyTransport(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	var dns *net.DNSError
	if errors.As(err, &dns) {
		return KindNetworkError
	}
	// net/http wraps context errors in *url.Error; the Is checks above see
	// through that, this catches the stringly leftovers.
	if err != nil && strings.Contains(err.Error(), "context deadline exceeded") {
		return KindTimeout
	}
	return KindNetworkError
}

// TripsBreaker reports whether err should count against a gateway's failure
// streak. NOT_FOUND is an expected answer for unpublished names and
// SEQUENCE_DOWNGRADE is a data-level disagreement, so neither moves a gateway
// toward cooldown.
func TripsBreaker(err error) bool {
	k := KindOf(err)
	return k != KindNotFound && k != KindSequenceDowngrade
}
