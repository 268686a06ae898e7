package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"commerce-etl/internal/util"
	"commerce-etl/internal/worker"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobRunning  = errors.New("job is already running")
)

type JobStatus string

const (
	StatusScheduled JobStatus = "scheduled"
	StatusRunning   JobStatus = "running"
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
)

// JobState is persisted after every transition so history and the next run
// survive restarts.
type JobState struct {
	ID         string     `json:"id"`
	Schedule   string     `json:"schedule"`
	Status     JobStatus  `json:"status"`
	NextRun    time.Time  `json:"next_run"`
	LastRun    *time.Time `json:"last_run,omitempty"`
	LastResult JobStatus  `json:"last_result,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	RunCount   int        `json:"run_count"`
	Misfires   int        `json:"misfires"`
}

// JobFunc is the work a job performs for one occurrence.
type JobFunc func(ctx context.Context) error

// JobStore persists encoded job states.
type JobStore interface {
	SaveJobState(ctx context.Context, jobID string, state []byte) error
	LoadJobStates(ctx context.Context) (map[string][]byte, error)
	DeleteJobState(ctx context.Context, jobID string) error
}

// Locker guards an occurrence against being run by two processes.
type Locker interface {
	AcquireLock(ctx context.Context, lockKey, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey, owner string) error
}

// Dispatcher executes job runs off the scheduler goroutine.
type Dispatcher interface {
	Submit(name string, task worker.Task) (<-chan worker.Result, error)
}

type Config struct {
	CheckInterval time.Duration
	JobTimeout    time.Duration
	MisfireGrace  time.Duration
	// Owner identifies this process in occurrence locks.
	Owner string
}

type job struct {
	schedule cron.Schedule
	fn       JobFunc
	state    JobState
}

// Scheduler triggers cron scheduled jobs. Schedules are evaluated in UTC.
type Scheduler struct {
	store  JobStore
	locker Locker
	pool   Dispatcher
	cfg    Config

	mu       sync.Mutex
	jobs     map[string]*job
	restored map[string]JobState

	now     func() time.Time
	running sync.WaitGroup
	stop    chan struct{}
	done    chan struct{}
	logger  *zap.Logger

	// halt is cancelled by Stop and ends every run in flight.
	halt     context.Context
	haltRuns context.CancelFunc
}

func New(store JobStore, locker Locker, pool Dispatcher, cfg Config) *Scheduler {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 2 * time.Hour
	}
	if cfg.MisfireGrace <= 0 {
		cfg.MisfireGrace = time.Hour
	}
	if cfg.Owner == "" {
		cfg.Owner = "commerce-etl"
	}
	halt, haltRuns := context.WithCancel(context.Background())
	return &Scheduler{
		halt:     halt,
		haltRuns: haltRuns,
		store:    store,
		locker:   locker,
		pool:     pool,
		cfg:      cfg,
		jobs:     make(map[string]*job),
		restored: make(map[string]JobState),
		now:      time.Now,
		logger:   util.GetLogger().Named("scheduler"),
	}
}

// ParseSchedule parses a five field cron spec or an "@every"/"@daily" style
// descriptor.
func ParseSchedule(spec string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return sched, nil
}

// Restore loads persisted job states. Call it before registering jobs.
func (s *Scheduler) Restore(ctx context.Context) error {
	raw, err := s.store.LoadJobStates(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, b := range raw {
		var st JobState
		if err := json.Unmarshal(b, &st); err != nil {
			s.logger.Warn("Discarding unreadable job state", zap.String("job_id", id), zap.Error(err))
			continue
		}
		s.restored[id] = st
	}
	s.logger.Info("Job states restored", zap.Int("jobs", len(s.restored)))
	return nil
}

// RestoredIDs lists persisted jobs that have not been registered yet.
func (s *Scheduler) RestoredIDs() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.restored))
	for id, st := range s.restored {
		if _, ok := s.jobs[id]; !ok {
			out[id] = st.Schedule
		}
	}
	return out
}

// AddJob registers or replaces a job. A persisted state with the same
// schedule is resumed; a job that was running when the process died is
// rescheduled.
func (s *Scheduler) AddJob(ctx context.Context, id, spec string, fn JobFunc) error {
	sched, err := ParseSchedule(spec)
	if err != nil {
		return err
	}
	now := s.now().UTC()

	s.mu.Lock()
	state := JobState{ID: id, Schedule: spec, Status: StatusScheduled, NextRun: sched.Next(now)}
	if prev, ok := s.jobs[id]; ok {
		state = prev.state
		if state.Schedule != spec {
			state.Schedule = spec
			state.NextRun = sched.Next(now)
		}
	} else if st, ok := s.restored[id]; ok && st.Schedule == spec {
		state = st
		if state.Status == StatusRunning {
			s.logger.Warn("Job was running at shutdown, rescheduling", zap.String("job_id", id))
			state.Status = StatusScheduled
		}
		if state.NextRun.IsZero() {
			state.NextRun = sched.Next(now)
		}
	}
	delete(s.restored, id)
	s.jobs[id] = &job{schedule: sched, fn: fn, state: state}
	s.mu.Unlock()

	s.persist(ctx, state)
	s.logger.Info("Job registered",
		zap.String("job_id", id),
		zap.String("schedule", spec),
		zap.Time("next_run", state.NextRun),
	)
	return nil
}

// RemoveJob unregisters a job and deletes its persisted state.
func (s *Scheduler) RemoveJob(ctx context.Context, id string) error {
	s.mu.Lock()
	_, ok := s.jobs[id]
	_, persisted := s.restored[id]
	delete(s.jobs, id)
	delete(s.restored, id)
	s.mu.Unlock()

	if !ok && !persisted {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err := s.store.DeleteJobState(ctx, id); err != nil {
		return err
	}
	s.logger.Info("Job removed", zap.String("job_id", id))
	return nil
}

// Jobs returns a snapshot of every registered job ordered by id.
func (s *Scheduler) Jobs() []JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobState, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.state)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

func (s *Scheduler) Job(id string) (JobState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return JobState{}, false
	}
	return j.state, true
}

// TriggerJob runs a job now, outside its schedule. The next scheduled run
// is unchanged.
func (s *Scheduler) TriggerJob(ctx context.Context, id string) (<-chan worker.Result, error) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if j.state.Status == StatusRunning {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrJobRunning, id)
	}
	prev := j.state.Status
	j.state.Status = StatusRunning
	state := j.state
	s.mu.Unlock()

	ch, err := s.pool.Submit(id, s.task(j))
	if err != nil {
		s.mu.Lock()
		j.state.Status = prev
		s.mu.Unlock()
		return nil, err
	}
	s.persist(ctx, state)
	return s.track(ctx, id, ch), nil
}

// Start runs the check loop until Stop or ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.cfg.CheckInterval)
		defer ticker.Stop()

		s.tick(ctx)
		for {
			select {
			case <-ticker.C:
				s.tick(ctx)
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	s.logger.Info("Scheduler started", zap.Duration("check_interval", s.cfg.CheckInterval))
}

// Stop ends the check loop, cancels runs in flight and waits for them to
// report until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.stop != nil {
		close(s.stop)
		<-s.done
		s.stop = nil
	}
	s.haltRuns()

	finished := make(chan struct{})
	go func() {
		s.running.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Scheduler stopped with runs still in flight", zap.Error(ctx.Err()))
		return ctx.Err()
	}
}

// tick dispatches every due job once. Missed occurrences within the grace
// window coalesce into a single run; older ones are skipped.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now().UTC()

	s.mu.Lock()
	var due []string
	for id, j := range s.jobs {
		if j.state.Status != StatusRunning && !j.state.NextRun.After(now) {
			due = append(due, id)
		}
	}
	s.mu.Unlock()
	sort.Strings(due)

	for _, id := range due {
		s.dispatch(ctx, id, now)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, id string, now time.Time) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok || j.state.Status == StatusRunning {
		s.mu.Unlock()
		return
	}
	occurrence := j.state.NextRun
	j.state.NextRun = j.schedule.Next(now)

	if late := now.Sub(occurrence); late > s.cfg.MisfireGrace {
		j.state.Misfires++
		state := j.state
		s.mu.Unlock()
		util.SchedulerJobRunsTotal.WithLabelValues(id, "misfired").Inc()
		s.logger.Warn("Skipping misfired run",
			zap.String("job_id", id),
			zap.Time("scheduled_for", occurrence),
			zap.Duration("late", late),
			zap.Time("next_run", state.NextRun),
		)
		s.persist(ctx, state)
		return
	}
	s.mu.Unlock()

	lockKey := fmt.Sprintf("job:%s:%d", id, occurrence.Unix())
	acquired, err := s.locker.AcquireLock(ctx, lockKey, s.cfg.Owner, s.cfg.JobTimeout)
	if err != nil {
		s.logger.Warn("Occurrence lock unavailable, running anyway", zap.String("job_id", id), zap.Error(err))
		acquired = true
	}
	if !acquired {
		util.SchedulerJobRunsTotal.WithLabelValues(id, "locked").Inc()
		s.logger.Debug("Occurrence claimed by another process", zap.String("job_id", id), zap.Time("scheduled_for", occurrence))
		return
	}

	s.mu.Lock()
	j.state.Status = StatusRunning
	state := j.state
	s.mu.Unlock()

	ch, err := s.pool.Submit(id, s.task(j))
	if err != nil {
		if rerr := s.locker.ReleaseLock(ctx, lockKey, s.cfg.Owner); rerr != nil {
			s.logger.Warn("Failed to release occurrence lock", zap.String("job_id", id), zap.Error(rerr))
		}
		s.finish(ctx, id, worker.Result{Name: id, Err: fmt.Errorf("failed to dispatch: %w", err)})
		return
	}
	s.persist(ctx, state)
	s.track(ctx, id, ch)
}

func (s *Scheduler) task(j *job) worker.Task {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
		defer cancel()
		unhook := context.AfterFunc(s.halt, cancel)
		defer unhook()
		return j.fn(ctx)
	}
}

// track records the run outcome and forwards it to the returned channel.
func (s *Scheduler) track(ctx context.Context, id string, ch <-chan worker.Result) <-chan worker.Result {
	out := make(chan worker.Result, 1)
	s.running.Add(1)
	go func() {
		defer s.running.Done()
		defer close(out)
		res, ok := <-ch
		if !ok {
			res = worker.Result{Name: id, Err: errors.New("worker pool stopped before the job reported")}
		}
		s.finish(context.WithoutCancel(ctx), id, res)
		out <- res
	}()
	return out
}

func (s *Scheduler) finish(ctx context.Context, id string, res worker.Result) {
	at := s.now().UTC()

	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	j.state.Status = StatusSucceeded
	j.state.LastError = ""
	if res.Err != nil {
		j.state.Status = StatusFailed
		j.state.LastError = res.Err.Error()
	}
	j.state.LastResult = j.state.Status
	j.state.LastRun = &at
	j.state.RunCount++
	state := j.state
	s.mu.Unlock()

	util.SchedulerJobRunsTotal.WithLabelValues(id, string(state.Status)).Inc()
	util.SchedulerJobDuration.WithLabelValues(id).Observe(res.Duration.Seconds())
	if res.Err != nil {
		s.logger.Error("Job failed", zap.String("job_id", id), zap.Duration("duration", res.Duration), zap.Error(res.Err))
	} else {
		s.logger.Info("Job succeeded", zap.String("job_id", id), zap.Duration("duration", res.Duration))
	}
	s.persist(ctx, state)
}

func (s *Scheduler) persist(ctx context.Context, state JobState) {
	b, err := json.Marshal(state)
	if err != nil {
		s.logger.Error("Failed to encode job state", zap.String("job_id", state.ID), zap.Error(err))
		return
	}
	if err := s.store.SaveJobState(ctx, state.ID, b); err != nil {
		s.logger.Warn("Failed to persist job state", zap.String("job_id", state.ID), zap.Error(err))
	}
}
