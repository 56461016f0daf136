// Package fetcherrors defines the tagged-variant error taxonomy used
// throughout the download engine. It replaces ad-hoc error carriers
// with explicit, matchable variants.
package fetcherrors

import (
	"errors"
	"fmt"
)

// Kind identifies a class of failure from the taxonomy in spec §7.
type Kind int

const (
	KindTransientNetwork Kind = iota
	KindHTTPStatus
	KindIntegrity
	KindDisk
	KindState
	KindTimeout
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransientNetwork:
		return "transient_network"
	case KindHTTPStatus:
		return "http_status"
	case KindIntegrity:
		return "integrity"
	case KindDisk:
		return "disk"
	case KindState:
		return "state"
	case KindTimeout:
		return "timeout"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is the single error type carried through the engine. Code
// holds a taxonomy-specific subcode (e.g. "CHUNK_INCOMPLETE",
// "ECONNRESET", "404"). RetryAfterMs is populated only for
// HttpStatus/TransientNetwork errors that carried a parsed
// Retry-After. ChunkIndex is -1 when the error is not chunk-scoped.
type Error struct {
	Kind         Kind
	Code         string
	Message      string
	HTTPStatus   int
	RetryAfterMs int64
	ChunkIndex   int
	Err          error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s[%s]: %s", e.Kind, e.Code, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s[%s]: %v", e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s[%s]", e.Kind, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a tagged error. chunkIndex of -1 means "not chunk scoped".
func New(kind Kind, code, message string, chunkIndex int) *Error {
	return &Error{Kind: kind, Code: code, Message: message, ChunkIndex: chunkIndex}
}

// Wrap builds a tagged error around an underlying cause.
func Wrap(kind Kind, code string, err error, chunkIndex int) *Error {
	return &Error{Kind: kind, Code: code, Err: err, ChunkIndex: chunkIndex}
}

// WithRetryAfter attaches a parsed Retry-After delay in milliseconds.
func (e *Error) WithRetryAfter(ms int64) *Error {
	e.RetryAfterMs = ms
	return e
}

// WithHTTPStatus attaches the originating HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// As extracts the tagged Error, if any, following the wrap chain.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// Retryable reports whether the error's Kind is one the Chunk
// Downloader should retry through the backoff path (spec §7
// propagation policy).
func Retryable(err error) bool {
	fe, ok := As(err)
	if !ok {
		return false
	}
	switch fe.Kind {
	case KindTransientNetwork, KindTimeout:
		return true
	case KindHTTPStatus:
		switch fe.HTTPStatus {
		case 408, 429, 503:
			return true
		}
		return false
	default:
		return false
	}
}
