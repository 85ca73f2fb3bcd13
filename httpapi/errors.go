package httpapi

import (
	"errors"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/toolink/eventfn/apperr"
	"github.com/toolink/eventfn/scheduler"
)

type problem struct {
	Error problemBody `json:"error"`
}

type problemBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// writeError maps err onto its HTTP status and writes the error envelope.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	st := apperr.Status(err)
	status := apperr.HTTPStatus(err)
	code, message := st.Code().String(), st.Message()
	if errors.Is(err, scheduler.ErrSkipped) {
		status, code = http.StatusConflict, "Aborted"
	}

	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("request failed")
		// store details stay in the logs
		message = http.StatusText(status)
	}
	writeProblem(w, r, status, code, message)
}

func writeProblem(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, problem{Error: problemBody{
		Code:      code,
		Message:   message,
		RequestID: middleware.GetReqID(r.Context()),
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := sonic.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode response")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
