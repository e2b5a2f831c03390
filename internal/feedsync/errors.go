package feedsync

import (
	"errors"
	"fmt"
)

var (
	ErrNoCursorAvailable = errors.New("no cursor available")
	ErrStaleResponse     = errors.New("stale response")
	ErrPageInFlight      = errors.New("page request already in flight")
	ErrDisabled          = errors.New("stream disabled")
	ErrNotLoaded         = errors.New("feed not loaded yet")
)

// TransportError wraps any failure of a pull, push or mutation call.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return e.Op + ": transport failure"
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed push payload: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func transportErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}
