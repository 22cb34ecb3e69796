package server

import (
	"encoding/json"
	"net/http"

	"cap2cal/internal/event"
	"cap2cal/internal/logging"
	"cap2cal/internal/services"
)

// envelope is the status/data wrapper shared by the pipeline routes.
type envelope struct {
	Status        string `json:"status"`
	Data          any    `json:"data,omitempty"`
	Message       string `json:"message,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

type reasonData struct {
	Reason event.ErrorReason `json:"reason"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response",
			logging.Error(err),
			logging.String(logging.FieldEventType, "response_encode_failed"),
			logging.String(logging.FieldErrorHint, "inspect the payload type"),
		)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeReason sends a declared failure in the pipeline envelope.
func (s *Server) writeReason(w http.ResponseWriter, status int, reason event.ErrorReason) {
	s.writeJSON(w, status, envelope{
		Status:  "error",
		Data:    reasonData{Reason: reason},
		Message: reason.Guidance(),
	})
}

// writeInfraError sends a generic retry message with the correlation id so a
// user report can be matched to the logs.
func (s *Server) writeInfraError(w http.ResponseWriter, r *http.Request, err error) {
	status := services.HTTPStatus(err)
	if status < http.StatusInternalServerError {
		status = http.StatusInternalServerError
	}
	id, _ := services.RequestIDFromContext(r.Context())
	s.writeJSON(w, status, envelope{
		Status:        "error",
		Data:          reasonData{Reason: event.ReasonUnknown},
		Message:       "Something went wrong on our side. Please try again.",
		CorrelationID: id,
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, dest any) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(dest); err != nil {
		return services.Wrap(services.ErrInput, "api", "decode body", "", err)
	}
	return nil
}
