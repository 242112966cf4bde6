package apperror

import "net/http"

type Code string

const (
	BadRequest       Code = "BAD_REQUEST"
	NotFound         Code = "NOT_FOUND"
	Internal         Code = "INTERNAL"
	Conflict         Code = "CONFLICT"
	CapacityExceeded Code = "CAPACITY_EXCEEDED"
	AlreadyTerminal  Code = "ALREADY_TERMINAL"
)

type AppError struct {
	code    Code
	message string
	meta    map[string]any
}

func New(code Code, message string) *AppError {
	return &AppError{code: code, message: message}
}

func (e *AppError) Error() string   { return e.message }
func (e *AppError) Code() Code      { return e.code }
func (e *AppError) Message() string { return e.message }

// WithMeta attaches a detail value surfaced alongside the error, e.g. the
// current active-job count on a CapacityExceeded rejection.
func (e *AppError) WithMeta(key string, value any) *AppError {
	if e.meta == nil {
		e.meta = make(map[string]any)
	}
	e.meta[key] = value
	return e
}

func (e *AppError) Meta() map[string]any { return e.meta }

func (e *AppError) HTTPStatus() int {
	switch e.code {
	case BadRequest:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Conflict, AlreadyTerminal:
		return http.StatusConflict
	case CapacityExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
