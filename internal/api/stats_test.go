package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/seantiz/anvil/internal/model"
)

func TestGetStatsEmpty(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if stats.Total != 0 {
		t.Errorf("total = %d, want 0", stats.Total)
	}
	if stats.AvgDurationMS != 0 {
		t.Errorf("avg_duration_ms = %f, want 0", stats.AvgDurationMS)
	}
}

func TestGetStatsPopulated(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	create := func(taskID int) string {
		rec := &model.TaskRecord{
			ID: model.NewID(), TaskID: taskID, Signature: "add",
			Status: model.StatusSubmitted, CreatedAt: time.Now().UTC(),
		}
		if err := srv.store.CreateTask(ctx, rec); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
		return rec.ID
	}

	for i := range 3 {
		id := create(i + 1)
		if err := srv.store.UpdateTaskStatus(ctx, id, model.StatusRunning, "cpu", ""); err != nil {
			t.Fatalf("submitted→running: %v", err)
		}
		if err := srv.store.UpdateTaskStatus(ctx, id, model.StatusCompleted, "", ""); err != nil {
			t.Fatalf("running→completed: %v", err)
		}
	}

	// One task nothing could place.
	if err := srv.store.UpdateTaskStatus(ctx, create(4), model.StatusFailed, "", "unplaceable"); err != nil {
		t.Fatalf("submitted→failed: %v", err)
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if stats.Total != 4 {
		t.Errorf("total = %d, want 4", stats.Total)
	}
	if stats.ByStatus["completed"] != 3 {
		t.Errorf("by_status[completed] = %d, want 3", stats.ByStatus["completed"])
	}
	if stats.ByStatus["failed"] != 1 {
		t.Errorf("by_status[failed] = %d, want 1", stats.ByStatus["failed"])
	}
	if stats.ByPlatform["cpu"] != 3 {
		t.Errorf("by_platform[cpu] = %d, want 3", stats.ByPlatform["cpu"])
	}
	if stats.AvgDurationMS < 0 {
		t.Errorf("avg_duration_ms = %f", stats.AvgDurationMS)
	}
}

func TestListCheckpointsEmpty(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/checkpoints")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var cps []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&cps); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cps == nil || len(cps) != 0 {
		t.Errorf("checkpoints = %v, want an empty list", cps)
	}
}
