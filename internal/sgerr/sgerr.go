// Package sgerr implements the three-kind error model of spec.md §7:
// passthrough (control flow, never a failure), client fault (a structured
// JSON error body), and operational failure (everything else).
package sgerr

import (
	"errors"
	"fmt"
)

// Passthrough signals "the cache cannot or will not serve this locally;
// forward the original request upstream verbatim" (spec.md §4.3, §4.5,
// §7). It is never surfaced to the caller as a failure.
type Passthrough struct {
	Reason string
}

func (p *Passthrough) Error() string { return "passthrough: " + p.Reason }

// NewPassthrough wraps a reason string as a *Passthrough.
func NewPassthrough(format string, args ...any) error {
	return &Passthrough{Reason: fmt.Sprintf(format, args...)}
}

// IsPassthrough reports whether err (or anything it wraps) is a Passthrough.
func IsPassthrough(err error) bool {
	var p *Passthrough
	return errors.As(err, &p)
}

// ClientFault is a well-formed-but-semantically-impossible request
// (spec.md §7 kind 2): selecting an absent field, an unsupported filter
// combination with no passthrough available, multiple values on a
// single-value relation, and the like. Routed to the client as
// {exception: true, error_code, message} with HTTP 200.
type ClientFault struct {
	Code    string
	Message string
}

func (c *ClientFault) Error() string { return fmt.Sprintf("%s: %s", c.Code, c.Message) }

// NewClientFault constructs a ClientFault with the given error code.
func NewClientFault(code, format string, args ...any) error {
	return &ClientFault{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsClientFault extracts a *ClientFault from err, if any.
func AsClientFault(err error) (*ClientFault, bool) {
	var c *ClientFault
	if errors.As(err, &c) {
		return c, true
	}
	return nil, false
}

// Body is the wire shape of a ClientFault (spec.md §6.1/§7).
type Body struct {
	Exception bool   `json:"exception"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

// ToBody converts a ClientFault to its wire body.
func (c *ClientFault) ToBody() Body {
	return Body{Exception: true, ErrorCode: c.Code, Message: c.Message}
}

// Well-known client fault codes.
const (
	CodeUnknownField      = "unknown_field"
	CodeFieldNotSelectable = "field_not_selectable"
	CodeInvalidRelation   = "invalid_relation"
	CodeInvalidValues     = "invalid_values"
	CodeUnknownEntity     = "unknown_entity"
)

// Operational wraps an unexpected failure (store error, upstream
// unreachable for a write) that should be logged with full context and
// surfaced as HTTP 5xx on the request path, or retried on the
// follower/scanner path (spec.md §7 kind 3).
type Operational struct {
	Op  string
	Err error
}

func (o *Operational) Error() string { return fmt.Sprintf("%s: %v", o.Op, o.Err) }
func (o *Operational) Unwrap() error { return o.Err }

// Wrap annotates err as an Operational failure in operation op. A nil err
// returns nil.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Operational{Op: op, Err: err}
}
