package control

import (
	"encoding/json"
	"io"
	"net/http"
)

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := decodeOptional(r.Body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorReply(TypeUpload, CodeInvalidMessage, "invalid request body"))
		return
	}
	req.Type = TypeUpload
	reply := s.Dispatch(r.Context(), req)
	writeJSON(w, statusFor(reply, http.StatusAccepted), reply)
}

func (s *Server) handleSensor(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorReply(TypeSensor, CodeInvalidMessage, "invalid request body"))
		return
	}
	req.Type = TypeSensor
	reply := s.Dispatch(r.Context(), req)
	writeJSON(w, statusFor(reply, http.StatusCreated), reply)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	reply := s.Dispatch(r.Context(), Request{Type: TypeStatus})
	writeJSON(w, statusFor(reply, http.StatusOK), reply)
}

// decodeOptional decodes a JSON body; an empty body leaves v untouched.
func decodeOptional(body io.Reader, v any) error {
	err := json.NewDecoder(body).Decode(v)
	if err == io.EOF {
		return nil
	}
	return err
}

func statusFor(reply Reply, ok int) int {
	if reply.Type != TypeError {
		return ok
	}
	switch reply.Code {
	case CodeInvalidMessage:
		return http.StatusBadRequest
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
