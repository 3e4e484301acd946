// Package errs provides structured error types and helpers for tickvault services.
package errs

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// Kind classifies a failure by how callers should react to it.
type Kind string

const (
	// KindTransient indicates a failure expected to clear on retry.
	KindTransient Kind = "transient"
	// KindValidation indicates invalid input provided by the caller.
	KindValidation Kind = "validation"
	// KindInvariant indicates an internal consistency violation.
	KindInvariant Kind = "invariant"
	// KindDataQuality indicates suspect upstream market data.
	KindDataQuality Kind = "data_quality"
	// KindFatal indicates an unrecoverable failure requiring shutdown.
	KindFatal Kind = "fatal"
	// KindNotFound indicates a missing resource.
	KindNotFound Kind = "not_found"
	// KindConflict indicates a concurrent mutation conflict.
	KindConflict Kind = "conflict"
	// KindUnavailable indicates the subsystem is temporarily unable to serve.
	KindUnavailable Kind = "unavailable"
)

// E captures structured error information produced across the tickvault stack.
type E struct {
	Scope    string
	Kind     Kind
	HTTP     int
	Provider string
	Symbol   string
	Message  string
	Metadata map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the scope and failure kind. Scope names
// the subsystem and operation, e.g. "scheduler/upsert".
func New(scope string, kind Kind, opts ...Option) *E {
	e := &E{
		Scope:    strings.TrimSpace(scope),
		Kind:     kind,
		HTTP:     0,
		Provider: "",
		Symbol:   "",
		Message:  "",
		Metadata: nil,
		cause:    nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records an explicit HTTP status code, overriding the kind mapping.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithProvider records the market-data provider involved in the failure.
func WithProvider(provider string) Option {
	trimmed := strings.TrimSpace(provider)
	return func(e *E) {
		e.Provider = trimmed
	}
}

// WithSymbol records the instrument symbol involved in the failure.
func WithSymbol(symbol string) Option {
	trimmed := strings.TrimSpace(symbol)
	return func(e *E) {
		e.Symbol = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithMetadata merges the provided metadata into the error envelope.
func WithMetadata(meta map[string]string) Option {
	return func(e *E) {
		if len(meta) == 0 {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, len(meta))
		}
		for k, v := range meta {
			key := strings.TrimSpace(k)
			if key == "" {
				continue
			}
			e.Metadata[key] = strings.TrimSpace(v)
		}
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	scope := strings.TrimSpace(e.Scope)
	if scope == "" {
		scope = "unknown"
	}
	parts = append(parts, "scope="+scope)

	kind := strings.TrimSpace(string(e.Kind))
	if kind == "" {
		kind = "unknown"
	}
	parts = append(parts, "kind="+kind)

	if e.Provider != "" {
		parts = append(parts, "provider="+e.Provider)
	}
	if e.Symbol != "" {
		parts = append(parts, "symbol="+e.Symbol)
	}
	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// KindOf extracts the failure kind from err, walking the wrap chain. Errors
// outside the envelope report KindInvariant.
func KindOf(err error) Kind {
	var e *E
	if errors.As(err, &e) && e != nil && e.Kind != "" {
		return e.Kind
	}
	return KindInvariant
}

// IsTransient reports whether err should clear on retry.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindUnavailable:
		return true
	default:
		return false
	}
}

// HTTPStatus maps err onto the response status surface. An explicit WithHTTP
// value wins over the kind mapping.
func HTTPStatus(err error) int {
	var e *E
	if errors.As(err, &e) && e != nil && e.HTTP > 0 {
		return e.HTTP
	}
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindTransient, KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
