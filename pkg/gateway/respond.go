package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/harun/toolrelay/pkg/protocol"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorBody(w http.ResponseWriter, status int, body protocol.ErrorBody) {
	writeJSON(w, status, body)
}

// writeError maps err onto the uniform envelope and its status code.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeErrorBody(w, http.StatusRequestEntityTooLarge, protocol.ErrorBody{
			Error:   protocol.KindValidation,
			Message: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
		})
		return
	}

	kind := protocol.KindOf(err)
	status := protocol.HTTPStatus(kind)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Str("kind", string(kind)).Msg("Request failed")
		if kind == protocol.KindInternal {
			message = "internal error"
		}
	}
	writeErrorBody(w, status, protocol.ErrorBody{Error: kind, Message: message})
}

// decodeJSON reads a size-limited JSON body into v. An empty body is accepted
// when optional is set.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}, optional bool) error {
	body := http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) && optional {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body is required", protocol.ErrValidation)
		}
		return fmt.Errorf("%w: invalid JSON body: %v", protocol.ErrValidation, err)
	}
	return nil
}
