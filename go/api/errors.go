package api

import (
	"net/http"

	jsoniter "github.com/json-iterator/go"

	"github.com/meridian-hie/meridian/go/engine"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// errorEnvelope is the uniform 4xx/5xx response body.
type errorEnvelope struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeError(w http.ResponseWriter, status int, errText, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorEnvelope{Error: errText, Message: detail})
}

// respondError maps an engine error kind onto an HTTP status.
func respondError(w http.ResponseWriter, err error) {
	var status int
	switch engine.KindOf(err) {
	case engine.KindValidation:
		status = http.StatusBadRequest
	case engine.KindNotFound:
		status = http.StatusNotFound
	case engine.KindConflict, engine.KindState:
		status = http.StatusConflict
	default:
		status = http.StatusInternalServerError
	}
	var detail string
	if cause := engine.CauseOf(err); cause != "" {
		detail = cause
	}
	writeError(w, status, engine.MessageOf(err), detail)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
