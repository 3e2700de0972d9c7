package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/anvil/internal/data"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/store"
	"github.com/seantiz/anvil/internal/task"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// paramRequest is one task parameter in a submission.
type paramRequest struct {
	Kind      string          `json:"kind"`
	Direction string          `json:"direction"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
}

// submitTaskRequest is the JSON body for POST /v1/tasks. Target and Result
// name the objects accessed INOUT and OUT respectively.
type submitTaskRequest struct {
	Signature string         `json:"signature"`
	Params    []paramRequest `json:"params"`
	Target    string         `json:"target"`
	Result    string         `json:"result"`
}

// listTasksResponse wraps the paginated list response.
type listTasksResponse struct {
	Tasks  []*model.TaskRecord `json:"tasks"`
	Total  int                 `json:"total"`
	Limit  int                 `json:"limit"`
	Offset int                 `json:"offset"`
}

func (req *submitTaskRequest) task() (*task.Task, error) {
	if req.Signature == "" {
		return nil, errors.New("signature is required")
	}
	t := &task.Task{Signature: req.Signature}
	for i, p := range req.Params {
		param, err := p.parameter()
		if err != nil {
			return nil, fmt.Errorf("parameter %d: %w", i, err)
		}
		t.Params = append(t.Params, param)
	}
	if req.Target != "" {
		p := task.Object(req.Target, data.InOut)
		t.Target = &p
	}
	if req.Result != "" {
		p := task.Object(req.Result, data.Out)
		t.Result = &p
	}
	return t, nil
}

func (p paramRequest) parameter() (task.Parameter, error) {
	switch strings.ToLower(p.Kind) {
	case "", "basic":
		v, err := decodeValue(p.Value)
		if err != nil {
			return task.Parameter{}, err
		}
		return task.Basic(v), nil
	case "object", "file":
		if p.Key == "" {
			return task.Parameter{}, errors.New("key is required")
		}
		dir, err := data.ParseDirection(p.Direction)
		if err != nil {
			return task.Parameter{}, err
		}
		if p.Kind == "file" {
			return task.File(p.Key, dir), nil
		}
		return task.Object(p.Key, dir), nil
	default:
		return task.Parameter{}, fmt.Errorf("unknown kind %q", p.Kind)
	}
}

// decodeValue decodes a JSON value, keeping whole numbers integral.
func decodeValue(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("invalid value: %w", err)
	}
	if n, ok := v.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %s: %w", n, err)
		}
		return f, nil
	}
	return v, nil
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	t, err := req.task()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h, err := s.runtime.Submit(r.Context(), t)
	switch {
	case errors.Is(err, task.ErrUnknownCore), errors.Is(err, task.ErrMalformedTask), errors.Is(err, data.ErrUnknownData):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("submit task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit task")
		return
	}

	rec, err := s.store.GetTask(r.Context(), h.RecordID)
	if err != nil {
		s.logger.Error("get submitted task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve task")
		return
	}

	s.writeJSON(w, http.StatusAccepted, rec)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := s.store.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("get task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	tasks, total, err := s.store.ListTasks(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list tasks", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}

	if tasks == nil {
		tasks = []*model.TaskRecord{}
	}

	s.writeJSON(w, http.StatusOK, listTasksResponse{
		Tasks:  tasks,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
