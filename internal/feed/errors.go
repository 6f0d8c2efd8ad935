package feed

import (
	"errors"
	"fmt"
)

// Kind splits feed failures the way the supervisor needs them split:
// Transient failures are reconnectable, Fatal ones are not.
type Kind int

const (
	Transient Kind = iota
	Fatal
)

func (k Kind) String() string {
	if k == Fatal {
		return "fatal"
	}
	return "transient"
}

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("feed %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func transientErr(op string, err error) *Error {
	return &Error{Kind: Transient, Op: op, Err: err}
}

func fatalErr(op string, err error) *Error {
	return &Error{Kind: Fatal, Op: op, Err: err}
}

// IsFatal reports whether err is a feed error that must not be retried.
// Anything else (including plain transport errors) is treated as transient
// by callers.
func IsFatal(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == Fatal
}
