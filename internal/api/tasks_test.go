package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/seantiz/anvil/internal/model"
)

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func waitForStatus(t *testing.T, srv *Server, id string) *model.TaskRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		rec, err := srv.store.GetTask(context.Background(), id)
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if model.IsTerminal(rec.Status) {
			return rec
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s still %s", id, rec.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSubmitTaskRunsToCompletion(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	if resp := do(t, http.MethodPut, ts.URL+"/v1/objects/a", "41"); resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT status = %d", resp.StatusCode)
	}

	body := `{"signature":"add","params":[{"kind":"object","key":"a","direction":"in"},{"value":1}],"result":"b"}`
	resp := do(t, http.MethodPost, ts.URL+"/v1/tasks", body)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	rec := decode[model.TaskRecord](t, resp)
	if len(rec.ID) != 26 || rec.TaskID != 1 || rec.Signature != "add" {
		t.Errorf("record = %+v", rec)
	}

	final := waitForStatus(t, srv, rec.ID)
	if final.Status != model.StatusCompleted || final.Platform != "cpu" {
		t.Errorf("final record = %+v", final)
	}

	got := do(t, http.MethodGet, ts.URL+"/v1/objects/b?wait=5s", "")
	if got.StatusCode != http.StatusOK {
		t.Fatalf("GET object status = %d", got.StatusCode)
	}
	obj := decode[objectResponse](t, got)
	if obj.Value != float64(42) {
		t.Errorf("b = %v", obj.Value)
	}
}

func TestSubmitTaskRejects(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	tests := []struct {
		name string
		body string
	}{
		{name: "invalid JSON", body: "not json"},
		{name: "missing signature", body: `{"params":[]}`},
		{name: "unknown signature", body: `{"signature":"nope"}`},
		{name: "unknown kind", body: `{"signature":"add","params":[{"kind":"stream"}]}`},
		{name: "bad direction", body: `{"signature":"add","params":[{"kind":"object","key":"a","direction":"sideways"}]}`},
		{name: "object without key", body: `{"signature":"add","params":[{"kind":"object","direction":"in"}]}`},
		{name: "unknown object", body: `{"signature":"add","params":[{"kind":"object","key":"ghost","direction":"in"},{"value":1}],"result":"r"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, http.MethodPost, ts.URL+"/v1/tasks", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
			if msg := decode[map[string]string](t, resp)["error"]; msg == "" {
				t.Error("expected error message in response")
			}
		})
	}
}

func TestGetTaskNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := do(t, http.MethodGet, ts.URL+"/v1/tasks/nonexistent", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListTasksPagination(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for i := range 5 {
		rec := &model.TaskRecord{
			ID: model.NewID(), TaskID: i + 1, Signature: "add",
			Status: model.StatusSubmitted, CreatedAt: time.Now().UTC(),
		}
		if err := srv.store.CreateTask(context.Background(), rec); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}

	resp := do(t, http.MethodGet, fmt.Sprintf("%s/v1/tasks?limit=2&offset=1", ts.URL), "")
	list := decode[listTasksResponse](t, resp)
	if list.Total != 5 || list.Limit != 2 || list.Offset != 1 || len(list.Tasks) != 2 {
		t.Fatalf("list = %+v", list)
	}
	if list.Tasks[0].TaskID != 2 {
		t.Errorf("first task = %d, want 2", list.Tasks[0].TaskID)
	}

	resp = do(t, http.MethodGet, ts.URL+"/v1/tasks?limit=1000&offset=-3", "")
	list = decode[listTasksResponse](t, resp)
	if list.Limit != defaultListLimit || list.Offset != 0 {
		t.Errorf("clamped list = %+v", list)
	}
}

func TestDecodeValue(t *testing.T) {
	tests := []struct {
		raw  string
		want any
	}{
		{raw: "", want: nil},
		{raw: "7", want: int64(7)},
		{raw: "2.5", want: 2.5},
		{raw: `"s"`, want: "s"},
		{raw: "true", want: true},
	}
	for _, tt := range tests {
		got, err := decodeValue(json.RawMessage(tt.raw))
		if err != nil {
			t.Fatalf("decodeValue(%q): %v", tt.raw, err)
		}
		if got != tt.want {
			t.Errorf("decodeValue(%q) = %v (%T), want %v", tt.raw, got, got, tt.want)
		}
	}
}
