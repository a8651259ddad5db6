// Package apperr defines the error taxonomy shared by the streaming core.
//
// Every error carries a machine-readable Kind, an HTTP-equivalent status and a
// user-safe message. Handling code dispatches on Kind, never on message text.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind is a short machine-readable error category.
type Kind string

const (
	KindTimeout       Kind = "timeout"
	KindNetwork       Kind = "network"
	KindValidation    Kind = "validation"
	KindRateLimit     Kind = "ratelimit"
	KindUpload        Kind = "upload"
	KindAIProvider    Kind = "ai_provider"
	KindDatabase      Kind = "database"
	KindTranscription Kind = "transcription"
	KindPermission    Kind = "permission"
	KindNotFound      Kind = "not_found"
	KindGeneral       Kind = "general"
)

// Kinds lists every taxonomy kind.
var Kinds = []Kind{
	KindTimeout,
	KindNetwork,
	KindValidation,
	KindRateLimit,
	KindUpload,
	KindAIProvider,
	KindDatabase,
	KindTranscription,
	KindPermission,
	KindNotFound,
	KindGeneral,
}

// Error is the taxonomy error value.
type Error struct {
	Kind Kind
	// Status is the HTTP-equivalent status code.
	Status int
	// Message is the internal message, for logs only.
	Message string
	// UserMessage is safe to send to a client.
	UserMessage string
	Err         error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a taxonomy error with the kind's default status and user message.
func New(kind Kind, message string) *Error {
	return &Error{
		Kind:        kind,
		Status:      DefaultStatus(kind),
		Message:     message,
		UserMessage: DefaultUserMessage(kind),
	}
}

// Newf is New with a format string.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap attaches a kind to err. Errors that already carry a kind are returned
// unchanged so the innermost classification wins.
func Wrap(err error, kind Kind, message string) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	e := New(kind, message)
	e.Err = err
	return e
}

// WithUserMessage returns a copy of e with a custom user-facing message.
func (e *Error) WithUserMessage(msg string) *Error {
	out := *e
	out.UserMessage = msg
	return &out
}

// From converts any error into a taxonomy error. Context deadline and
// cancellation map to timeout and general respectively.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		e := New(KindTimeout, "deadline exceeded")
		e.Err = err
		return e
	case errors.Is(err, context.Canceled):
		e := New(KindGeneral, "operation cancelled")
		e.Err = err
		return e
	}
	e := New(KindGeneral, "unclassified error")
	e.Err = err
	return e
}

// KindOf reports the taxonomy kind of err, or KindGeneral.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return From(err).Kind
}

// StatusOf reports the HTTP-equivalent status of err.
func StatusOf(err error) int {
	if err == nil {
		return http.StatusOK
	}
	e := From(err)
	if e.Status == 0 {
		return DefaultStatus(e.Kind)
	}
	return e.Status
}

// UserMessage returns the client-safe message for err.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	e := From(err)
	if e.UserMessage == "" {
		return DefaultUserMessage(e.Kind)
	}
	return e.UserMessage
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindValidation, KindPermission, KindNotFound:
		return false
	default:
		return true
	}
}

func DefaultStatus(kind Kind) int {
	switch kind {
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindNetwork, KindDatabase:
		return http.StatusServiceUnavailable
	case KindValidation:
		return http.StatusBadRequest
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindUpload:
		return http.StatusRequestEntityTooLarge
	case KindAIProvider, KindTranscription:
		return http.StatusBadGateway
	case KindPermission:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func DefaultUserMessage(kind Kind) string {
	switch kind {
	case KindTimeout:
		return "The operation took too long. Please try again."
	case KindNetwork:
		return "Service temporarily unavailable. Please check your connection and try again."
	case KindValidation:
		return "The request was invalid. Please check your input."
	case KindRateLimit:
		return "Too many requests. Please slow down and try again shortly."
	case KindUpload:
		return "The upload could not be processed. Please try a smaller file."
	case KindAIProvider:
		return "The AI service is having trouble right now. Please try again."
	case KindDatabase:
		return "We could not save your data right now. Please try again."
	case KindTranscription:
		return "We could not transcribe the audio. Please try again."
	case KindPermission:
		return "You do not have permission to do that."
	case KindNotFound:
		return "The requested item was not found."
	default:
		return "Something went wrong. Please try again."
	}
}
