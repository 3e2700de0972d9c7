package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/anvil/internal/data"
	"github.com/seantiz/anvil/internal/runtime"
)

// maxObjectWait bounds how long GET /v1/objects/:key waits for a producer.
const maxObjectWait = 5 * time.Minute

// objectResponse is the JSON response for object reads and writes.
type objectResponse struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

func (s *Server) handlePutObject(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if !json.Valid(raw) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	v, err := decodeValue(raw)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.runtime.Put(key, v); err != nil {
		s.logger.Error("put object", "key", key, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to store object")
		return
	}

	s.writeJSON(w, http.StatusOK, objectResponse{Key: key, Value: v})
}

// handleGetObject returns the current value of an object, waiting for its
// producer for at most the "wait" query duration.
func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	wait := maxObjectWait
	if q := r.URL.Query().Get("wait"); q != "" {
		d, err := time.ParseDuration(q)
		if err != nil || d <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid wait duration")
			return
		}
		wait = min(d, maxObjectWait)
	}

	// Waiting for a producer may outlast the server's write timeout.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Now().Add(wait + time.Second)); err != nil {
		s.logger.Debug("extend write deadline", "error", err)
	}

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()

	v, err := s.runtime.Get(ctx, key)
	switch {
	case errors.Is(err, data.ErrUnknownData):
		s.writeError(w, http.StatusNotFound, "object not found")
		return
	case errors.Is(err, runtime.ErrTaskFailed):
		s.writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusGatewayTimeout, "object not produced yet")
		return
	case err != nil:
		s.logger.Error("get object", "key", key, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get object")
		return
	}

	s.writeJSON(w, http.StatusOK, objectResponse{Key: key, Value: v})
}

func (s *Server) handleDeleteObject(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	if err := s.runtime.Delete(key); err != nil {
		if errors.Is(err, data.ErrUnknownData) {
			s.writeError(w, http.StatusNotFound, "object not found")
			return
		}
		s.logger.Error("delete object", "key", key, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to delete object")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
