package e2e

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/anvil/internal/api"
	"github.com/seantiz/anvil/internal/builtin"
	"github.com/seantiz/anvil/internal/config"
	"github.com/seantiz/anvil/internal/platform/remote"
	"github.com/seantiz/anvil/internal/profile"
	"github.com/seantiz/anvil/internal/runtime"
	"github.com/seantiz/anvil/internal/storage"
	"github.com/seantiz/anvil/internal/store"
	"github.com/seantiz/anvil/internal/task"
)

const runtimeYAML = `
block_size: 2
remote:
  - name: edge
    policy: data_locality
    nodes: [n1, n2]
    bandwidth_kbps: 8000
    price: 0.5
placement:
  pins: {1: edge}
`

// stack is the whole process wired the way cmd/anvil wires it.
type stack struct {
	ts    *httptest.Server
	store *store.SQLiteStore
}

func newStack(t *testing.T, dbPath string) *stack {
	t.Helper()

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	rtCfg, err := config.ParseRuntime([]byte(runtimeYAML))
	if err != nil {
		t.Fatalf("ParseRuntime: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	cores := task.NewCoreRegistry()
	builtin.Register(cores)

	rt, err := runtime.New(rtCfg, runtime.Deps{
		Cores:   cores,
		Storage: storage.New(t.TempDir(), "master", logger),
		Store:   s,
		Offloader: func(config.RemotePool) remote.Offloader {
			lb := remote.NewLoopback(time.Millisecond)
			builtin.Serve(lb)
			return lb
		},
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("runtime.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := rt.Run(ctx); err != nil {
			t.Errorf("Run: %v", err)
		}
	}()

	ts := httptest.NewServer(api.NewServer(":0", s, rt, logger).Router())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		<-done
	})
	return &stack{ts: ts, store: s}
}

func (st *stack) call(t *testing.T, method, path, body string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, st.ts.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (st *stack) submit(t *testing.T, body string) string {
	t.Helper()
	var rec map[string]any
	if code := st.call(t, http.MethodPost, "/v1/tasks", body, &rec); code != http.StatusAccepted {
		t.Fatalf("submit %s: status %d (%v)", body, code, rec)
	}
	return rec["id"].(string)
}

func (st *stack) pollStatus(t *testing.T, id, expected string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var rec map[string]any
		st.call(t, http.MethodGet, "/v1/tasks/"+id, "", &rec)
		if rec["status"] == expected {
			return rec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach %q", id, expected)
	return nil
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (st *stack) pollGraphEmpty(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var g struct {
			Nodes []any `json:"nodes"`
		}
		st.call(t, http.MethodGet, "/v1/graph", "", &g)
		if len(g.Nodes) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("graph did not drain")
}

func TestPipelineAcrossPlatforms(t *testing.T) {
	st := newStack(t, ":memory:")

	if code := st.call(t, http.MethodPut, "/v1/objects/x", "3", nil); code != http.StatusOK {
		t.Fatalf("PUT x: %d", code)
	}
	// Task 1 is pinned to the remote pool; the others are placed by forecast.
	first := st.submit(t, `{"signature":"mul","params":[{"kind":"object","key":"x","direction":"in"},{"value":4}],"result":"y"}`)
	st.submit(t, `{"signature":"inc","target":"y"}`)
	last := st.submit(t, `{"signature":"add","params":[{"kind":"object","key":"y","direction":"in"},{"kind":"object","key":"x","direction":"in"}],"result":"z"}`)

	rec := st.pollStatus(t, first, "completed")
	if rec["platform"] != "edge" {
		t.Errorf("pinned task ran on %v", rec["platform"])
	}
	st.pollStatus(t, last, "completed")

	var z struct {
		Value float64 `json:"value"`
	}
	if code := st.call(t, http.MethodGet, "/v1/objects/z?wait=5s", "", &z); code != http.StatusOK || z.Value != 16 {
		t.Errorf("z = %v (status %d), want 16", z.Value, code)
	}

	st.pollGraphEmpty(t)

	var cps []map[string]any
	st.call(t, http.MethodGet, "/v1/checkpoints", "", &cps)
	if len(cps) == 0 {
		t.Error("no checkpoints recorded")
	}

	var stats struct {
		Total      int            `json:"total"`
		ByStatus   map[string]int `json:"by_status"`
		ByPlatform map[string]int `json:"by_platform"`
		Samples    int            `json:"profile_samples"`
	}
	// Samples are persisted after completion is reported.
	eventually(t, "three profile samples", func() bool {
		st.call(t, http.MethodGet, "/v1/stats", "", &stats)
		return stats.Samples == 3
	})
	if stats.Total != 3 || stats.ByStatus["completed"] != 3 || stats.ByPlatform["edge"] < 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestFailureReachesDependentsOverHTTP(t *testing.T) {
	st := newStack(t, ":memory:")

	failing := st.submit(t, `{"signature":"fail","result":"broken"}`)
	dependent := st.submit(t, `{"signature":"inc","target":"broken"}`)

	st.pollStatus(t, failing, "failed")
	rec := st.pollStatus(t, dependent, "failed")
	if msg, _ := rec["error"].(string); !strings.Contains(msg, builtin.ErrFailed.Error()) {
		t.Errorf("dependent error = %q", msg)
	}

	var body map[string]string
	if code := st.call(t, http.MethodGet, "/v1/objects/broken?wait=1s", "", &body); code != http.StatusConflict {
		t.Errorf("GET broken status = %d, want 409", code)
	}
}

func TestProfilesSurviveRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "anvil.db")

	first := newStack(t, dbPath)
	first.call(t, http.MethodPut, "/v1/objects/a", "1", nil)
	id := first.submit(t, `{"signature":"inc","target":"a"}`)
	first.pollStatus(t, id, "completed")

	var aggs []profile.Aggregate
	eventually(t, "a persisted sample", func() bool {
		var err error
		aggs, err = first.store.ProfileAggregates(context.Background(), "edge")
		return err == nil && len(aggs) == 1
	})
	if aggs[0].Samples != 1 {
		t.Fatalf("aggregates = %+v", aggs)
	}

	// A second process on the same database sees the history.
	second := newStack(t, dbPath)
	var list struct {
		Total int `json:"total"`
	}
	second.call(t, http.MethodGet, "/v1/tasks", "", &list)
	if list.Total != 1 {
		t.Errorf("tasks after restart = %d, want 1", list.Total)
	}
}

func TestEventStreamEndsWithDone(t *testing.T) {
	st := newStack(t, ":memory:")

	st.call(t, http.MethodPut, "/v1/objects/n", "0", nil)
	var id string
	for range 30 {
		id = st.submit(t, `{"signature":"inc","target":"n"}`)
	}

	resp, err := http.Get(st.ts.URL + "/v1/tasks/" + id + "/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	var lines []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) > 0 && !strings.Contains(strings.Join(lines, "\n"), "event: done") {
		t.Errorf("stream without done event: %q", lines)
	}

	st.pollStatus(t, id, "completed")
	var history struct {
		Events []struct {
			Line string `json:"line"`
		} `json:"events"`
	}
	st.call(t, http.MethodGet, "/v1/tasks/"+id+"/events/history", "", &history)
	var placed bool
	for _, ev := range history.Events {
		placed = placed || strings.HasPrefix(ev.Line, "placed on ")
	}
	if !placed {
		t.Errorf("history = %+v", history.Events)
	}
}
