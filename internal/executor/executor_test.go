package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/seantiz/anvil/internal/data"
	"github.com/seantiz/anvil/internal/platform"
	"github.com/seantiz/anvil/internal/profile"
	"github.com/seantiz/anvil/internal/scheduler"
	"github.com/seantiz/anvil/internal/task"
)

// stubPlatform forecasts a fixed score and records what it is asked.
type stubPlatform struct {
	name     string
	canRun   bool
	score    *platform.Score
	inited   bool
	in, out  []platform.TaskData
	submits  []int
	profiled []int
}

func (p *stubPlatform) Name() string { return p.name }
func (p *stubPlatform) Kind() string { return "stub" }
func (p *stubPlatform) Init(context.Context) error {
	p.inited = true
	return nil
}
func (p *stubPlatform) CanRun(*task.Task) bool     { return p.canRun }
func (p *stubPlatform) Submit(t *task.Task)        { p.submits = append(p.submits, t.ID) }
func (p *stubPlatform) Jobs() []scheduler.JobState { return nil }
func (p *stubPlatform) EndTask(id int, _ profile.JobProfile, _ string) {
	p.profiled = append(p.profiled, id)
}
func (p *stubPlatform) Forecast(_ *task.Task, in, out []platform.TaskData) *platform.Score {
	p.in, p.out = in, out
	return p.score
}

func timeScore(lo, hi float64) *platform.Score {
	return platform.NewScore(platform.DefaultWeights(), profile.MinMax{Min: lo, Max: hi}, profile.MinMax{}, profile.MinMax{})
}

type rejection struct {
	taskID int
	err    error
}

// recordingListener records placement decisions.
type recordingListener struct {
	placed   map[int]string
	rejected []rejection
}

func (l *recordingListener) Placed(t *task.Task, name string) {
	if l.placed == nil {
		l.placed = make(map[int]string)
	}
	l.placed[t.ID] = name
}

func (l *recordingListener) Rejected(t *task.Task, err error) {
	l.rejected = append(l.rejected, rejection{t.ID, err})
}

func newExecutor(t *testing.T, placement *platform.Placement, ps ...*stubPlatform) (*Executor, *recordingListener) {
	t.Helper()
	reg := platform.NewRegistry()
	for _, p := range ps {
		if err := reg.Register(p); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	l := &recordingListener{}
	return New(reg, placement, l, slog.New(slog.NewJSONHandler(io.Discard, nil))), l
}

func TestLowerMeanForecastWins(t *testing.T) {
	narrow := &stubPlatform{name: "narrow", canRun: true, score: timeScore(10, 20)}
	wide := &stubPlatform{name: "wide", canRun: true, score: timeScore(5, 30)}
	e, l := newExecutor(t, nil, wide, narrow)

	e.runTask(&task.Task{ID: 1})
	if len(narrow.submits) != 1 || len(wide.submits) != 0 {
		t.Errorf("narrow got %v, wide got %v; want the narrow platform", narrow.submits, wide.submits)
	}
	if diff := cmp.Diff(map[int]string{1: "narrow"}, l.placed); diff != "" {
		t.Errorf("placements mismatch (-want +got):\n%s", diff)
	}
}

func TestNilForecastNeverWins(t *testing.T) {
	silent := &stubPlatform{name: "silent", canRun: true}
	slow := &stubPlatform{name: "slow", canRun: true, score: timeScore(1e6, 1e6)}
	e, _ := newExecutor(t, nil, silent, slow)

	e.runTask(&task.Task{ID: 1})
	if len(slow.submits) != 1 {
		t.Error("a real forecast must beat no forecast")
	}
}

func TestTieKeepsFirstRegistered(t *testing.T) {
	first := &stubPlatform{name: "z-first", canRun: true, score: timeScore(1, 1)}
	second := &stubPlatform{name: "a-second", canRun: true, score: timeScore(1, 1)}
	e, _ := newExecutor(t, nil, first, second)

	e.runTask(&task.Task{ID: 1})
	if len(first.submits) != 1 {
		t.Error("ties should go to the platform registered first")
	}
}

func TestPlatformsThatCannotRunAreNotAsked(t *testing.T) {
	unable := &stubPlatform{name: "unable", score: timeScore(0, 0)}
	able := &stubPlatform{name: "able", canRun: true, score: timeScore(9, 9)}
	e, _ := newExecutor(t, nil, unable, able)

	e.runTask(&task.Task{ID: 1})
	if unable.in != nil || len(unable.submits) != 0 || len(able.submits) != 1 {
		t.Error("platform that cannot run the task took part in the decision")
	}
}

func TestStaticPlacement(t *testing.T) {
	fast := &stubPlatform{name: "fast", canRun: true, score: timeScore(1, 1)}
	pinned := &stubPlatform{name: "pinned", canRun: true, score: timeScore(100, 100)}
	placement := &platform.Placement{Pins: map[int]string{1: "pinned", 2: "missing"}}
	e, _ := newExecutor(t, placement, fast, pinned)

	e.runTask(&task.Task{ID: 1})
	e.runTask(&task.Task{ID: 2})
	if diff := cmp.Diff([]int{1}, pinned.submits); diff != "" {
		t.Errorf("pinned submits mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{2}, fast.submits); diff != "" {
		t.Errorf("unknown pin should fall back to forecasts (-want +got):\n%s", diff)
	}

	pinned.canRun = false
	e.runTask(&task.Task{ID: 1})
	if diff := cmp.Diff([]int{2, 1}, fast.submits); diff != "" {
		t.Errorf("pin on a platform that cannot run should fall back (-want +got):\n%s", diff)
	}
}

func TestUnplaceableTaskIsRejected(t *testing.T) {
	unable := &stubPlatform{name: "unable"}
	e, l := newExecutor(t, nil, unable)

	e.runTask(&task.Task{ID: 7})
	if len(l.rejected) != 1 || l.rejected[0].taskID != 7 || !errors.Is(l.rejected[0].err, ErrUnplaceable) {
		t.Errorf("rejections = %+v", l.rejected)
	}
	if len(l.placed) != 0 {
		t.Errorf("unplaceable task reported as placed: %v", l.placed)
	}
}

func TestSizesLearntFromProfiles(t *testing.T) {
	p := &stubPlatform{name: "p", canRun: true, score: timeScore(1, 1)}
	e, _ := newExecutor(t, nil, p)

	arg := task.Object("a", data.InOut)
	arg.Binding = &data.Binding{Access: data.UpdateAccess(
		data.DataInstance{DataID: 1, VersionID: 1, Renaming: "a1"},
		data.DataInstance{DataID: 1, VersionID: 2, Renaming: "a2"},
	)}
	res := task.Object("r", data.Out)
	res.Binding = &data.Binding{Access: data.WriteAccess(data.DataInstance{DataID: 2, VersionID: 1, Renaming: "r1"})}
	tk := &task.Task{ID: 1, CoreID: 3, Params: []task.Parameter{task.Basic(5), arg}, Result: &res}

	e.endTask(0, "p", profile.JobProfile{
		CoreID: 3,
		Params: []profile.ParamSize{{}, {In: 100, Out: 120}},
		Result: 8,
	}, "local")
	e.runTask(tk)

	wantIn := []platform.TaskData{{Renaming: "a1", Size: profile.Point(100)}}
	wantOut := []platform.TaskData{
		{Renaming: "a2", Size: profile.Point(120)},
		{Renaming: "r1", Size: profile.Point(8)},
	}
	if diff := cmp.Diff(wantIn, p.in); diff != "" {
		t.Errorf("inputs mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantOut, p.out); diff != "" {
		t.Errorf("outputs mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{0}, p.profiled); diff != "" {
		t.Errorf("EndTask not forwarded (-want +got):\n%s", diff)
	}
}

func TestRunInitializesPlatformsAndServes(t *testing.T) {
	p := &stubPlatform{name: "p", canRun: true, score: timeScore(1, 1)}
	e, _ := newExecutor(t, nil, p)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	if err := e.RunTask(&task.Task{ID: 1}); err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	e.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	cancel()

	if !p.inited || len(p.submits) != 1 {
		t.Errorf("inited = %v, submits = %v", p.inited, p.submits)
	}
	if err := e.RunTask(&task.Task{ID: 2}); err == nil {
		t.Error("closed executor accepted a request")
	}
}
