// Package apierr carries an HTTP status and a machine-readable code alongside
// an error so handlers can map failures without string matching.
package apierr

import "fmt"

// Error wraps a cause with the status and code the HTTP layer should answer
// with. It participates in errors.Is/As chains through Unwrap.
type Error struct {
	Status int
	Code   string
	Err    error
}

func New(status int, code string, err error) *Error {
	return &Error{Status: status, Code: code, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Err != nil:
		return e.Err.Error()
	case e.Code != "":
		return e.Code
	case e.Status != 0:
		return fmt.Sprintf("api error (%d)", e.Status)
	}
	return "api error"
}

func (e *Error) Unwrap() error { return e.Err }
