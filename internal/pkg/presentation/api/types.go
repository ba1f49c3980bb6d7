package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/escuelasegura/alert-casemgmt/internal/pkg/application/bitacora"
	"github.com/escuelasegura/alert-casemgmt/pkg/types"
)

// updateAlertRequest is the body of PUT /alerts/{id}. Every field is optional,
// an absent state keeps the current one.
type updateAlertRequest struct {
	State            types.State          `json:"state,omitempty"`
	Priority         string               `json:"priority,omitempty"`
	Severity         string               `json:"severity,omitempty"`
	Responsible      string               `json:"responsible,omitempty"`
	ClearResponsible bool                 `json:"clearResponsible,omitempty"`
	Version          int64                `json:"version,omitempty"`
	Entry            *bitacora.EntryInput `json:"bitacora,omitempty"`
}

type countResponse struct {
	Count int `json:"count"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	b, err := json.Marshal(body)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(b)
}

func writeProblem(w http.ResponseWriter, status int, code, message string, fields ...types.FieldError) {
	writeJSON(w, status, types.Problem{Code: code, Message: message, Fields: fields})
}

// writeError maps err onto a status code and problem body. Unexpected errors are
// logged and reported as 500 without details.
func writeError(w http.ResponseWriter, log zerolog.Logger, err error) {
	var verr *types.ValidationError

	switch {
	case errors.As(err, &verr):
		writeProblem(w, http.StatusBadRequest, types.CodeValidation, verr.Message, verr.Fields...)
	case errors.Is(err, types.ErrUnknownResponsible):
		writeProblem(w, http.StatusUnprocessableEntity, types.CodeUnknownResponsible, types.UserMessage(err))
	case errors.Is(err, types.ErrInvalidTransition):
		writeProblem(w, http.StatusUnprocessableEntity, types.CodeInvalidTransition, types.UserMessage(err))
	case errors.Is(err, types.ErrConflict):
		writeProblem(w, http.StatusConflict, types.CodeConflict, types.UserMessage(err))
	case errors.Is(err, types.ErrNotFound):
		writeProblem(w, http.StatusNotFound, types.CodeNotFound, types.UserMessage(err))
	case errors.Is(err, types.ErrUnauthorized):
		writeProblem(w, http.StatusUnauthorized, types.CodeUnauthorized, types.UserMessage(err))
	default:
		log.Error().Err(err).Msg("request failed")
		writeProblem(w, http.StatusInternalServerError, types.CodeServerError, types.UserMessage(types.ErrServerError))
	}
}
