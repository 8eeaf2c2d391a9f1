// Package errs provides structured error types and helpers for Escrowd services.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies an escrow-specific error category.
type Code string

const (
	// CodeInvalidParams indicates a bad asset identity or non-positive amount.
	CodeInvalidParams Code = "invalid_parameters"
	// CodeUnauthorized indicates the caller has not granted the ledger enough withdrawal rights.
	CodeUnauthorized Code = "insufficient_authorization"
	// CodeTransferFailed indicates the asset transfer service rejected a transfer despite apparent authorization.
	CodeTransferFailed Code = "transfer_failed"
	// CodeNotFound indicates an unknown order identifier.
	CodeNotFound Code = "order_not_found"
	// CodeNotOpen indicates the order status is already terminal.
	CodeNotOpen Code = "order_not_open"
	// CodeNotOwner indicates cancellation was attempted by a non-seller.
	CodeNotOwner Code = "not_order_owner"
	// CodeUnavailable indicates a service component is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeInternal indicates an invariant violation inside the service itself.
	CodeInternal Code = "internal"
)

// E captures structured error information produced across the Escrowd stack.
type E struct {
	Component string
	Code      Code
	Message   string
	OrderID   uint64
	Metadata  map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
		Message:   "",
		OrderID:   0,
		Metadata:  nil,
		cause:     nil,
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

// WithOrderID records the order identifier the failure relates to.
func WithOrderID(id uint64) Option {
	return func(e *E) {
		e.OrderID = id
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

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.OrderID > 0 {
		parts = append(parts, "order_id="+strconv.FormatUint(e.OrderID, 10))
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

// CodeOf extracts the escrow error code from err, unwrapping as needed.
// Errors that do not carry an envelope report CodeInternal.
func CodeOf(err error) Code {
	var envelope *E
	if errors.As(err, &envelope) && envelope != nil {
		return envelope.Code
	}
	return CodeInternal
}

// HasCode reports whether err carries the given escrow error code.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
