package models

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure at the task boundary.
type Kind string

const (
	KindInvalidURL          Kind = "InvalidUrl"
	KindPoolExhausted       Kind = "PoolExhausted"
	KindNavigationTimeout   Kind = "NavigationTimeout"
	KindNetworkError        Kind = "NetworkError"
	KindBlockedByTarget     Kind = "BlockedByTarget"
	KindRenderError         Kind = "RenderError"
	KindChallengeUnresolved Kind = "ChallengeUnresolved"
	KindExtractionEmpty     Kind = "ExtractionEmpty"
	KindInternal            Kind = "InternalError"
	KindCancelled           Kind = "Cancelled"
)

// Retryable reports whether the fetch layer may try again.
func (k Kind) Retryable() bool {
	switch k {
	case KindNavigationTimeout, KindNetworkError, KindBlockedByTarget,
		KindRenderError, KindChallengeUnresolved, KindPoolExhausted:
		return true
	}
	return false
}

type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func NewError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func Errorf(kind Kind, format string, args ...any) *Error {
	err := fmt.Errorf(format, args...)
	return &Error{Kind: kind, Message: err.Error(), Err: errors.Unwrap(err)}
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message != e.Err.Error() {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind so errors.Is works with kind sentinels.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind && t.Message == ""
	}
	return false
}

// KindOf returns the failure kind carried by err, InternalError when unknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNavigationTimeout
	}
	return KindInternal
}

// AsError converts any error into a task boundary *Error. A wrapped
// *Error keeps its kind but the outer message, which usually carries
// context such as the number of attempts.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return &Error{Kind: KindOf(err), Message: err.Error(), Err: err}
}
