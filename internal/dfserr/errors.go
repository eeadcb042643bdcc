// Package dfserr defines the structured error taxonomy shared by every
// component of the DHT: transport, protocol, integrity, write-conflict,
// put-rollback, discovery-timeout and fatal errors (see spec.md §7).
package dfserr

import "fmt"

// Code identifies an error category. Callers should compare against the
// sentinel codes below with Is, not against the Error string.
type Code string

const (
	CodeTransport         Code = "TRANSPORT_FAILURE"
	CodeProtocol          Code = "PROTOCOL_FAILURE"
	CodeIntegrity         Code = "INTEGRITY_FAILURE"
	CodeWriteConflict     Code = "WRITE_CONFLICT"
	CodePutRollback       Code = "PUT_ROLLBACK"
	CodeDiscoveryTimeout  Code = "DISCOVERY_TIMEOUT"
	CodeFatal             Code = "FATAL"
	CodeNotFound          Code = "NOT_FOUND"
	CodeCircuitOpen       Code = "CIRCUIT_OPEN"
	CodeInsufficientPeers Code = "INSUFFICIENT_PEERS"
)

// Error is a structured error carrying a stable code, a human message, an
// optional cause, and free-form context for logging.
type Error struct {
	Code    Code
	Message string
	Cause   error
	Context map[string]any
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is a *Error with the same Code, so callers can
// write errors.Is(err, dfserr.New(dfserr.CodeTransport, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithContext attaches a key/value pair for structured logging and returns
// the same error for chaining.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any, 1)
	}
	e.Context[key] = value
	return e
}

// New creates an Error with no cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an Error around an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Transport reports a peer-unreachable or connection-dropped failure. The
// recovery rule (spec.md §7) is local: the caller removes the peer from the
// routing table and the crawl continues with the remaining candidates.
func Transport(peerID string, cause error) *Error {
	return Wrap(CodeTransport, "peer unreachable", cause).WithContext("peer_id", peerID)
}

// Protocol reports an undecodable or unexpected-shape response; treated
// identically to Transport by every call site.
func Protocol(peerID string, cause error) *Error {
	return Wrap(CodeProtocol, "malformed response", cause).WithContext("peer_id", peerID)
}

// NotFound reports an absent record or exhausted crawl.
func NotFound(key string) *Error {
	return New(CodeNotFound, "not found").WithContext("key", key)
}

// CircuitOpen reports a peer whose breaker has tripped; treated like
// Transport by crawlers.
func CircuitOpen(peerID string) *Error {
	return New(CodeCircuitOpen, "circuit breaker open").WithContext("peer_id", peerID)
}

// PutRollback reports that upload_file failed and chunks already written
// had to be reverse-deleted.
func PutRollback(cause error) *Error {
	return Wrap(CodePutRollback, "put failed, rolled back written chunks", cause)
}

// DiscoveryTimeout reports that no peer advertised within the listen
// window.
func DiscoveryTimeout() *Error {
	return New(CodeDiscoveryTimeout, "no servers found")
}

// Fatal reports a process-level initialization failure (no TCP port bindable,
// persistent store directory unwritable): the only category spec.md §7
// surfaces above the component boundary.
func Fatal(message string, cause error) *Error {
	return Wrap(CodeFatal, message, cause)
}

// InsufficientPeers reports that fewer peers are reachable than the
// operation required.
func InsufficientPeers(required, available int) *Error {
	return New(CodeInsufficientPeers, "insufficient peers").
		WithContext("required", required).
		WithContext("available", available)
}
