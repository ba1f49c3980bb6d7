package types

import (
	"errors"
	"strings"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrUnknownResponsible = errors.New("unknown responsible")
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrConflict           = errors.New("alert was modified by someone else")
	ErrNotFound           = errors.New("not found")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrUnavailable        = errors.New("service unavailable")
	ErrServerError        = errors.New("server error")
)

// FieldError is used to indicate an error with a specific input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ValidationError struct {
	Message string       `json:"message"`
	Fields  []FieldError `json:"fields,omitempty"`
}

func NewValidationError(msg string, flds ...FieldError) error {
	return &ValidationError{Message: msg, Fields: flds}
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}

	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}

	msg := e.Message
	if msg == "" {
		msg = ErrValidation.Error()
	}

	return msg + " (" + strings.Join(parts, ", ") + ")"
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Field returns the message recorded for field, if any.
func (e *ValidationError) Field(name string) (string, bool) {
	for _, f := range e.Fields {
		if f.Field == name {
			return f.Message, true
		}
	}
	return "", false
}

// UserMessage returns a short message suitable for a toast or banner.
func UserMessage(err error) string {
	var verr *ValidationError

	switch {
	case err == nil:
		return ""
	case errors.As(err, &verr):
		if verr.Message != "" {
			return verr.Message
		}
		return "Revise los campos marcados"
	case errors.Is(err, ErrUnknownResponsible):
		return "El responsable seleccionado no está habilitado"
	case errors.Is(err, ErrInvalidTransition):
		return "La alerta no admite ese cambio de estado"
	case errors.Is(err, ErrConflict):
		return "La alerta fue modificada por otra persona, recargue e intente de nuevo"
	case errors.Is(err, ErrNotFound):
		return "La alerta no existe"
	case errors.Is(err, ErrUnauthorized):
		return "Su sesión expiró, vuelva a iniciar sesión"
	case errors.Is(err, ErrUnavailable):
		return "No fue posible conectarse, intente nuevamente"
	case errors.Is(err, ErrServerError):
		return "Ocurrió un error en el servidor, intente nuevamente"
	}

	return "Ocurrió un error inesperado"
}

const (
	CodeValidation         string = "validation_failed"
	CodeUnknownResponsible string = "unknown_responsible"
	CodeInvalidTransition  string = "invalid_transition"
	CodeConflict           string = "conflict"
	CodeNotFound           string = "not_found"
	CodeUnauthorized       string = "unauthorized"
	CodeForbidden          string = "forbidden"
	CodeServerError        string = "server_error"
)

// Problem is the error body returned by the HTTP API.
type Problem struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Fields  []FieldError `json:"fields,omitempty"`
}
