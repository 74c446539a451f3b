package api

import (
	"encoding/json"
	"net/http"
)

type errorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// respond sends data as a JSON response.
func (s *Server) respond(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)

	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			s.log.WithError(err).Error("encoding response")
		}
	}
}

// sendError sends {success:false, message} with the status code.
// The message goes to the client, so it must never carry internal detail.
func (s *Server) sendError(w http.ResponseWriter, statusCode int, message string) {
	s.respond(w, statusCode, errorResponse{
		Success: false,
		Message: message,
	})
}
