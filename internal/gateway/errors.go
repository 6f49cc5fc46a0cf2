package gateway

import (
	"errors"
	"fmt"
)

// Sentinel errors for remote service failures. Every error returned by the
// gateway matches exactly one of them with errors.Is.
var (
	ErrValidation = errors.New("remote rejected request")
	ErrNotFound   = errors.New("job not found")
	ErrTransport  = errors.New("remote transport failure")
)

// Kind classifies an Error.
type Kind int

const (
	KindTransport Kind = iota
	KindValidation
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	default:
		return "transport"
	}
}

// Error carries the remote's description of a failure. Detail is the
// message from the {detail} error envelope when one was returned.
type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	Detail     string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.sentinel().Error()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.sentinel()}
	}
	return []error{e.sentinel(), e.Err}
}

func (e *Error) sentinel() error {
	switch e.Kind {
	case KindValidation:
		return ErrValidation
	case KindNotFound:
		return ErrNotFound
	default:
		return ErrTransport
	}
}

func transportErr(op string, err error) error {
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

func transportStatus(op string, code int, detail string) error {
	return &Error{Kind: KindTransport, Op: op, StatusCode: code, Detail: detail}
}

// KindOf returns the Kind of err, defaulting to KindTransport for errors the
// gateway did not produce.
func KindOf(err error) Kind {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	return KindTransport
}

// Detail returns the remote-supplied description of err, or err.Error().
func Detail(err error) string {
	var gwErr *Error
	if errors.As(err, &gwErr) && gwErr.Detail != "" {
		return gwErr.Detail
	}
	return fmt.Sprint(err)
}
