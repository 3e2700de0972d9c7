package scheduler

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/seantiz/anvil/internal/profile"
)

// Policy receives the lifecycle notifications a concrete platform reacts to.
// Hooks run on the goroutine that caused the transition and must not block.
type Policy interface {
	// Arrived fires once the job is PENDING and its input checks are issued.
	Arrived(e *Execution)
	// ParamsExist fires when every input is known to exist.
	ParamsExist(e *Execution)
	// ValuesObtained fires when every input has been fetched.
	ValuesObtained(e *Execution)
	// ValuesReady fires when every input is in its final usable form.
	ValuesReady(e *Execution)
	// Executed fires after the job ran, successfully or not.
	Executed(e *Execution)
	// Completed fires once outputs are stored and the job is done.
	Completed(e *Execution)
}

// Locator answers whether a data version exists somewhere in the system.
// notify may be called synchronously when the answer is already known.
type Locator interface {
	RequestExistence(renaming string, notify func())
}

// Reporter receives the profile of every successfully executed job.
type Reporter interface {
	Report(taskID int, platform string, jp profile.JobProfile)
}

// Execution tracks one job through the lifecycle.
type Execution struct {
	Job *Job

	mu      sync.Mutex
	state   State
	missing int
	stamps  [Completed + 1]time.Time
	worker  int
	failure error
}

// State returns the current lifecycle state.
func (e *Execution) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Failure returns the execution error, if the job failed.
func (e *Execution) Failure() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failure
}

// Entered returns when the job entered s; zero if it never did.
func (e *Execution) Entered(s State) time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stamps[s]
}

// Worker returns the worker that executed the job.
func (e *Execution) Worker() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.worker
}

// JobState describes one job in flight.
type JobState struct {
	TaskID   int    `json:"task_id"`
	Platform string `json:"platform"`
	State    string `json:"state"`
}

// Scheduler is the lifecycle bookkeeping shared by all jobs of a platform.
// It is safe for concurrent use.
type Scheduler struct {
	platform string
	policy   Policy
	locator  Locator
	reporter Reporter
	logger   *slog.Logger
	now      func() time.Time
	power    float64

	mu   sync.Mutex
	jobs map[int]*Execution
}

// New creates a scheduler for the named platform.
func New(platform string, policy Policy, locator Locator, reporter Reporter, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		platform: platform,
		policy:   policy,
		locator:  locator,
		reporter: reporter,
		logger:   logger.With("component", "scheduler", "platform", platform),
		now:      time.Now,
		jobs:     make(map[int]*Execution),
	}
}

// SetPower sets the power draw, in milliwatts, charged to every executed job
// to estimate its energy.
func (s *Scheduler) SetPower(mw float64) {
	s.power = mw
}

// Submit registers a new job and starts checking that its inputs exist.
func (s *Scheduler) Submit(j *Job) *Execution {
	e := &Execution{Job: j, state: Submitted}
	e.stamps[Submitted] = s.now()

	s.mu.Lock()
	s.jobs[j.ID()] = e
	s.mu.Unlock()

	inputs := j.Inputs()
	e.mu.Lock()
	e.missing = len(inputs)
	e.mu.Unlock()

	s.mustAdvance(e, Pending)
	s.policy.Arrived(e)

	if len(inputs) == 0 {
		s.dependencyFree(e)
		return e
	}
	for _, in := range inputs {
		s.locator.RequestExistence(in.Renaming, func() { s.paramExists(e) })
	}
	return e
}

func (s *Scheduler) paramExists(e *Execution) {
	e.mu.Lock()
	e.missing--
	done := e.missing == 0 && e.state == Pending
	e.mu.Unlock()
	if done {
		s.dependencyFree(e)
	}
}

func (s *Scheduler) dependencyFree(e *Execution) {
	s.mustAdvance(e, DependencyFree)
	s.policy.ParamsExist(e)
}

// ValuesObtained moves the job to DATA_PRESENT.
func (s *Scheduler) ValuesObtained(e *Execution) error {
	if err := s.advance(e, DataPresent); err != nil {
		return err
	}
	s.policy.ValuesObtained(e)
	return nil
}

// ValuesReady moves the job to DATA_READY.
func (s *Scheduler) ValuesReady(e *Execution) error {
	if err := s.advance(e, DataReady); err != nil {
		return err
	}
	s.policy.ValuesReady(e)
	return nil
}

// Executes moves the job to EXECUTING on worker.
func (s *Scheduler) Executes(e *Execution, worker int) error {
	if err := s.advance(e, Executing); err != nil {
		return err
	}
	e.mu.Lock()
	e.worker = worker
	e.mu.Unlock()
	return nil
}

// Executed moves the job to EXECUTED, measures it and reports the profile.
func (s *Scheduler) Executed(e *Execution) error {
	if err := s.advance(e, Executed); err != nil {
		return err
	}

	e.mu.Lock()
	jp := &e.Job.Profile
	jp.Worker = e.worker
	jp.Wait = e.stamps[Executing].Sub(e.stamps[DependencyFree])
	jp.ExecutionTime = e.stamps[Executed].Sub(e.stamps[Executing])
	if s.power > 0 {
		jp.Energy = s.power * jp.ExecutionTime.Seconds()
	}
	measured := *jp
	e.mu.Unlock()

	jobDuration.WithLabelValues(s.platform).Observe(measured.ExecutionTime.Seconds())
	s.reporter.Report(e.Job.ID(), s.platform, measured)
	s.policy.Executed(e)
	return nil
}

// Fail ends the job with err. The job lands in EXECUTED with the failure
// recorded; nothing is reported to the profiles.
func (s *Scheduler) Fail(e *Execution, err error) error {
	e.mu.Lock()
	if !canFail(e.state) {
		from := e.state
		e.mu.Unlock()
		return fmt.Errorf("fail job %d in %s: %w", e.Job.ID(), from, ErrInvalidTransition)
	}
	from := e.state
	e.state = Executed
	e.stamps[Executed] = s.now()
	e.failure = err
	e.mu.Unlock()

	s.logger.Error("job failed", "task_id", e.Job.ID(), "state", from.String(), "error", err)
	s.policy.Executed(e)
	return nil
}

// Complete moves the job to COMPLETED and forgets it.
func (s *Scheduler) Complete(e *Execution) error {
	if err := s.advance(e, Completed); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.jobs, e.Job.ID())
	s.mu.Unlock()

	outcome := "completed"
	if e.Failure() != nil {
		outcome = "failed"
	}
	jobsTotal.WithLabelValues(s.platform, outcome).Inc()
	s.logger.Debug("job completed", "task_id", e.Job.ID(), "outcome", outcome)
	s.policy.Completed(e)
	return nil
}

// Jobs describes the jobs in flight, ordered by task id.
func (s *Scheduler) Jobs() []JobState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobState, 0, len(s.jobs))
	for id, e := range s.jobs {
		out = append(out, JobState{TaskID: id, Platform: s.platform, State: e.State().String()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

func (s *Scheduler) advance(e *Execution, to State) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !ValidTransition(e.state, to) {
		return fmt.Errorf("job %d %s -> %s: %w", e.Job.ID(), e.state, to, ErrInvalidTransition)
	}
	e.state = to
	e.stamps[to] = s.now()
	s.logger.Debug("job transition", "task_id", e.Job.ID(), "state", to.String())
	return nil
}

func (s *Scheduler) mustAdvance(e *Execution, to State) {
	if err := s.advance(e, to); err != nil {
		panic(err)
	}
}
