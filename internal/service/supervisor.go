package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/CZERTAINLY/Sweeper/internal/log"
	"github.com/CZERTAINLY/Sweeper/internal/model"
	"github.com/CZERTAINLY/Sweeper/internal/nmap"
	"github.com/CZERTAINLY/Sweeper/internal/store"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
)

// JobStore persists jobs and is the source of truth for their state.
// Transition must be a check-and-set on the from state.
type JobStore interface {
	Create(ctx context.Context, job model.Job) (int64, error)
	Transition(ctx context.Context, id int64, from, to model.JobState) error
	MarkKilled(ctx context.Context, id int64) error
	SetPID(ctx context.Context, id int64, pid int) error
	AppendOutput(ctx context.Context, id int64, chunk string) error
	State(ctx context.Context, id int64) (model.JobState, error)
	IsCancelled(ctx context.Context, id int64) (bool, error)
	IsKilled(ctx context.Context, id int64) (bool, error)
	Get(ctx context.Context, id int64) (model.Job, error)
	ListActive(ctx context.Context) ([]model.Job, error)
}

// JobRequest describes a tool run. Command is a template, [IP], [PORT]
// and [OUTPUT] are replaced by Target, Port and OutputFile.
type JobRequest struct {
	Name       string
	TabTitle   string
	Target     string
	Port       string
	Protocol   string
	Command    string
	OutputFile string
	Slow       bool
}

func (r JobRequest) job() (model.Job, error) {
	if r.Name == "" {
		return model.Job{}, errors.New("job name is empty")
	}
	line, err := Expand(r.Command, Values{IP: r.Target, Port: r.Port, Output: r.OutputFile})
	if err != nil {
		return model.Job{}, fmt.Errorf("job %s: %w", r.Name, err)
	}
	title := r.TabTitle
	if title == "" {
		title = r.Name
	}
	return model.Job{
		Name:       r.Name,
		TabTitle:   title,
		Target:     r.Target,
		Port:       r.Port,
		Protocol:   r.Protocol,
		Command:    line,
		OutputFile: r.OutputFile,
		State:      model.JobWaiting,
		Slow:       r.Slow,
	}, nil
}

// Stats is a snapshot of the supervisor state.
type Stats struct {
	Pending     int
	FastRunning int
	Live        int
	StagedRuns  int
	Screenshots []string
}

type Supervisor struct {
	cfg        model.Config
	store      JobStore
	auto       AutoScheduler
	oneshot    bool
	privileged bool
	now        func() time.Time
	grace      time.Duration
	timer      gocron.Scheduler
	timerCtx   context.Context

	stampMx   sync.Mutex
	lastStamp time.Time

	requests chan request
	events   chan event
	done     chan struct{}
	wg       sync.WaitGroup

	// owned by the Do loop
	queue     *Queue
	live      map[int64]*process
	runs      map[uuid.UUID]*stagedRun
	stageJobs map[int64]uuid.UUID
	shots     *screenshots
	waiters   []chan reply
	runCtx    context.Context
	started   bool
	closing   bool
}

type process struct {
	job    model.Job
	runner *Runner
	killed bool
}

type reqOp int

const (
	reqSubmit reqOp = iota
	reqCancel
	reqKill
	reqStartStaged
	reqStopStaged
	reqAutoSchedule
	reqStats
	reqWaitIdle
)

type request struct {
	op        reqOp
	job       JobRequest
	id        int64
	runID     uuid.UUID
	target    string
	discovery bool
	exclusive bool
	hosts     []model.Nmap
	isImport  bool
	reply     chan reply
}

type reply struct {
	id    int64
	runID uuid.UUID
	ids   []int64
	stats Stats
	err   error
}

type event struct {
	id     int64
	chunk  string
	result *Result
}

// NewSupervisor creates a supervisor for cfg persisting jobs in store.
// In timer mode it schedules staged scans of the configured targets.
func NewSupervisor(ctx context.Context, cfg model.Config, store JobStore) (*Supervisor, error) {
	rules, err := model.RulesFromConfig(cfg.Tools)
	if err != nil {
		return nil, fmt.Errorf("building tool rules: %w", err)
	}
	queue, err := NewQueue(cfg.Scheduler.MaxFastProcesses)
	if err != nil {
		return nil, err
	}

	s := &Supervisor{
		cfg:        cfg,
		store:      store,
		auto:       NewAutoScheduler(rules, cfg.Scheduler),
		privileged: Privileged(),
		now:        time.Now,
		grace:      5 * time.Second,

		requests: make(chan request),
		events:   make(chan event, 64),
		done:     make(chan struct{}),

		queue:     queue,
		live:      make(map[int64]*process),
		runs:      make(map[uuid.UUID]*stagedRun),
		stageJobs: make(map[int64]uuid.UUID),
		shots:     newScreenshots(cfg.Tools.Screenshooter),
	}

	if cfg.Service.Mode == model.ServiceModeTimer {
		s.timer, err = newTimer(ctx, cfg.Service.Schedule, s.rescan)
		if err != nil {
			return nil, fmt.Errorf("timer mode failed: %w", err)
		}
	}
	return s, nil
}

// WithOneshot makes Do return once all work triggered by the first
// request is done.
func (s *Supervisor) WithOneshot(oneshot bool) *Supervisor {
	s.oneshot = oneshot
	return s
}

// WithPrivileged overrides the detection of raw socket privileges used
// for nmap stage flags.
func (s *Supervisor) WithPrivileged(privileged bool) *Supervisor {
	s.privileged = privileged
	return s
}

func (s *Supervisor) WithClock(now func() time.Time) *Supervisor {
	s.now = now
	return s
}

// WithGrace sets how long shutdown waits for killed processes to exit
// before they get SIGKILL.
func (s *Supervisor) WithGrace(d time.Duration) *Supervisor {
	s.grace = d
	return s
}

// Do runs the supervisor event loop. It is the only goroutine touching
// the queue, the live processes and the staged runs. It multiplexes:
//  1. requests of the public methods, each answered on its reply channel
//  2. events of the runners: output chunks, then a single exit
//  3. context cancellation, which kills all running processes
//
// In oneshot mode Do returns nil once nothing is waiting, running or
// staged after the first request.
func (s *Supervisor) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a supervisor")

	runCtx, force := context.WithCancel(context.WithoutCancel(ctx))
	s.runCtx = runCtx
	defer func() {
		close(s.done)
		force()
		s.wg.Wait()
	}()

	if s.timer != nil {
		s.timerCtx = ctx
		s.timer.Start()
		defer func() {
			err := s.timer.Shutdown()
			if err != nil {
				slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			s.shutdown(ctx)
			return nil
		case req := <-s.requests:
			s.handleRequest(ctx, req)
		case ev := <-s.events:
			s.handleEvent(ctx, ev)
		}
		if len(s.waiters) > 0 && s.idle() {
			for _, w := range s.waiters {
				w <- reply{}
			}
			s.waiters = nil
		}
		if s.oneshot && s.started && s.idle() {
			slog.DebugContext(ctx, "oneshot: nothing left to do")
			return nil
		}
	}
}

func (s *Supervisor) idle() bool {
	return s.queue.Len() == 0 && len(s.live) == 0 && len(s.runs) == 0
}

func (s *Supervisor) call(ctx context.Context, req request) (reply, error) {
	req.reply = make(chan reply, 1)
	select {
	case s.requests <- req:
	case <-ctx.Done():
		return reply{}, ctx.Err()
	case <-s.done:
		return reply{}, ErrClosed
	}
	select {
	case r := <-req.reply:
		return r, r.err
	case <-s.done:
		select {
		case r := <-req.reply:
			return r, r.err
		default:
			return reply{}, ErrClosed
		}
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
}

// Submit validates and persists a job. Slow jobs start at once, fast
// jobs wait in the admission queue. Malformed requests are rejected
// before anything is persisted.
func (s *Supervisor) Submit(ctx context.Context, req JobRequest) (int64, error) {
	if _, err := req.job(); err != nil {
		return 0, err
	}
	r, err := s.call(ctx, request{op: reqSubmit, job: req})
	return r.id, err
}

// Cancel moves a Waiting job to Cancelled. It returns ErrNotWaiting when
// the job has already started.
func (s *Supervisor) Cancel(ctx context.Context, id int64) error {
	_, err := s.call(ctx, request{op: reqCancel, id: id})
	return err
}

// Kill terminates a Running job, cancels a Waiting one and is a no-op for
// a job which has already terminated.
func (s *Supervisor) Kill(ctx context.Context, id int64) error {
	_, err := s.call(ctx, request{op: reqKill, id: id})
	return err
}

// StartStagedScan starts stage 1 of a staged nmap scan of target.
func (s *Supervisor) StartStagedScan(ctx context.Context, target string, hostDiscovery bool) (uuid.UUID, error) {
	r, err := s.call(ctx, request{op: reqStartStaged, target: target, discovery: hostDiscovery})
	return r.runID, err
}

// StopStagedScan prevents the next stage of a run. The running stage is
// not killed.
func (s *Supervisor) StopStagedScan(ctx context.Context, runID uuid.UUID) error {
	_, err := s.call(ctx, request{op: reqStopStaged, runID: runID})
	return err
}

// AutoSchedule runs the tool rules over hosts and returns the ids of the
// submitted jobs.
func (s *Supervisor) AutoSchedule(ctx context.Context, hosts []model.Nmap, isImport bool) ([]int64, error) {
	r, err := s.call(ctx, request{op: reqAutoSchedule, hosts: hosts, isImport: isImport})
	return r.ids, err
}

func (s *Supervisor) Stats(ctx context.Context) (Stats, error) {
	r, err := s.call(ctx, request{op: reqStats})
	return r.stats, err
}

// WaitIdle returns once nothing is waiting, running or staged.
func (s *Supervisor) WaitIdle(ctx context.Context) error {
	_, err := s.call(ctx, request{op: reqWaitIdle})
	return err
}

func (s *Supervisor) handleRequest(ctx context.Context, req request) {
	switch req.op {
	case reqStats:
	case reqWaitIdle:
		s.waiters = append(s.waiters, req.reply)
		return
	default:
		s.started = true
	}
	var r reply
	switch req.op {
	case reqSubmit:
		r.id, r.err = s.submit(ctx, req.job)
	case reqCancel:
		r.err = s.cancel(ctx, req.id)
	case reqKill:
		r.err = s.kill(ctx, req.id)
	case reqStartStaged:
		r.runID, r.err = s.startStaged(ctx, req.target, req.discovery, req.exclusive)
	case reqStopStaged:
		run, ok := s.runs[req.runID]
		if !ok {
			r.err = fmt.Errorf("%w: %s", ErrUnknownRun, req.runID)
			break
		}
		run.Stopped = true
		slog.InfoContext(ctx, "staged scan stopped", "run_id", run.ID.String(), "stage", run.Stage)
	case reqAutoSchedule:
		r.ids = s.autoSchedule(ctx, req.hosts, req.isImport)
	case reqStats:
		r.stats = Stats{
			Pending:     s.queue.Len(),
			FastRunning: s.queue.Running(),
			Live:        len(s.live),
			StagedRuns:  len(s.runs),
			Screenshots: s.shots.list(),
		}
	default:
		r.err = fmt.Errorf("request %d not supported", req.op)
	}
	req.reply <- r
}

func (s *Supervisor) submit(ctx context.Context, req JobRequest) (int64, error) {
	id, err := s.create(ctx, req)
	if err != nil {
		return 0, err
	}
	if req.Slow {
		s.launch(ctx, id)
		return id, nil
	}
	s.queue.Enqueue(id)
	s.admit(ctx)
	return id, nil
}

func (s *Supervisor) create(ctx context.Context, req JobRequest) (int64, error) {
	job, err := req.job()
	if err != nil {
		return 0, err
	}
	id, err := s.store.Create(ctx, job)
	if err != nil {
		return 0, fmt.Errorf("persisting job: %w", err)
	}
	slog.DebugContext(ctx, "job created", "job_id", id, "tool", job.Name, "slow", job.Slow)
	return id, nil
}

func (s *Supervisor) admit(ctx context.Context) {
	if s.closing {
		return
	}
	s.queue.Admit(
		func(id int64) bool {
			cancelled, err := s.store.IsCancelled(ctx, id)
			if err != nil {
				slog.ErrorContext(ctx, "reading job: dropping it", "job_id", id, "error", err)
				return true
			}
			return cancelled
		},
		func(id int64) bool {
			return s.launch(ctx, id)
		},
	)
}

// launch moves a Waiting job to Running and starts its process. It
// returns false when the job was not started; a launch failure is
// recorded as Crashed.
func (s *Supervisor) launch(ctx context.Context, id int64) bool {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		slog.ErrorContext(ctx, "reading job", "job_id", id, "error", err)
		return false
	}
	ctx = log.ContextAttrs(ctx, slog.Int64("job_id", id), slog.String("tool", job.Name))

	if err := s.store.Transition(ctx, id, model.JobWaiting, model.JobRunning); err != nil {
		slog.DebugContext(ctx, "job not started", "error", err)
		return false
	}

	runner := NewRunner()
	err = s.prepare(job)
	if err == nil {
		err = runner.Start(s.runCtx, Command{Shell: s.cfg.Scheduler.Shell, Line: job.Command}, func(chunk string) {
			s.emit(event{id: id, chunk: chunk})
		})
	}
	if err != nil {
		slog.ErrorContext(ctx, "job failed to start", "error", err)
		if err := s.store.AppendOutput(ctx, id, err.Error()); err != nil {
			slog.ErrorContext(ctx, "storing job output", "error", err)
		}
		if err := s.store.Transition(ctx, id, model.JobRunning, model.JobCrashed); err != nil {
			slog.ErrorContext(ctx, "persisting job state", "error", err)
		}
		return false
	}

	job.State = model.JobRunning
	job.PID = runner.Result().PID
	if err := s.store.SetPID(ctx, id, job.PID); err != nil {
		slog.ErrorContext(ctx, "persisting job pid", "error", err)
	}
	s.live[id] = &process{job: job, runner: runner}
	slog.InfoContext(ctx, "job started", "pid", job.PID, "command", job.Command)

	s.wg.Go(func() {
		res := <-runner.WaitChan()
		s.emit(event{id: id, result: &res})
	})
	return true
}

// prepare creates the folder a tool writes its output to
func (s *Supervisor) prepare(job model.Job) error {
	if job.OutputFile == "" {
		return nil
	}
	return os.MkdirAll(filepath.Dir(job.OutputFile), 0o755)
}

// stamp returns the time used to name tool output. Every call returns a
// distinct millisecond, so two jobs never share an output base name.
func (s *Supervisor) stamp() time.Time {
	s.stampMx.Lock()
	defer s.stampMx.Unlock()
	now := s.now().Truncate(time.Millisecond)
	if !now.After(s.lastStamp) {
		now = s.lastStamp.Add(time.Millisecond)
	}
	s.lastStamp = now
	return now
}

func (s *Supervisor) emit(ev event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Supervisor) handleEvent(ctx context.Context, ev event) {
	if ev.result == nil {
		if err := s.store.AppendOutput(ctx, ev.id, ev.chunk); err != nil {
			slog.ErrorContext(ctx, "storing job output", "job_id", ev.id, "error", err)
		}
		return
	}
	s.complete(ctx, ev.id, *ev.result)
}

// complete persists the terminal state of a job and runs everything
// which depends on it: artifacts, nmap import, queue and staged chain.
func (s *Supervisor) complete(ctx context.Context, id int64, res Result) {
	p, ok := s.live[id]
	if !ok {
		slog.WarnContext(ctx, "exit of unknown job: ignoring", "job_id", id)
		return
	}
	delete(s.live, id)
	job := p.job
	ctx = log.ContextAttrs(ctx, slog.Int64("job_id", id), slog.String("tool", job.Name))

	state := s.terminalState(ctx, p, res)
	if err := s.store.Transition(ctx, id, model.JobRunning, state); err != nil {
		slog.ErrorContext(ctx, "persisting job state", "state", state, "error", err)
	}
	slog.InfoContext(ctx, "job terminated",
		"state", state,
		"exit_code", res.ExitCode(),
		"elapsed", res.Stopped.Sub(res.Started).String(),
	)

	if state == model.JobFinished && job.OutputFile != "" {
		moved, err := moveArtifacts(job.OutputFile, s.cfg.Project.Running, s.cfg.Project.Output)
		if err != nil {
			slog.WarnContext(ctx, "moving tool output failed", "error", err)
		}
		if moved == "" {
			moved = job.OutputFile
		}
		if job.Name == "nmap" && res.ExitCode() == 0 {
			s.importResults(ctx, moved+".xml")
		}
	}

	if !job.Slow {
		s.queue.Release()
		s.admit(ctx)
	}

	if runID, ok := s.stageJobs[id]; ok {
		delete(s.stageJobs, id)
		s.advance(ctx, runID, state)
	}
}

func (s *Supervisor) terminalState(ctx context.Context, p *process, res Result) model.JobState {
	killed := p.killed
	if !killed {
		// another sweeper process may have killed it
		k, err := s.store.IsKilled(ctx, p.job.ID)
		if err != nil {
			slog.ErrorContext(ctx, "reading killed flag", "error", err)
		}
		killed = k
	}
	switch {
	case killed:
		return model.JobKilled
	case res.State == nil:
		return model.JobCrashed
	case res.ExitCode() == 0:
		return model.JobFinished
	case res.State.Exited() && s.cfg.Scheduler.Lenient(p.job.Name):
		return model.JobFinished
	default:
		return model.JobCrashed
	}
}

func (s *Supervisor) importResults(ctx context.Context, path string) {
	hosts, err := nmap.ParseFile(path)
	if err != nil {
		slog.WarnContext(ctx, "importing nmap results failed", "error", err)
		return
	}
	slog.DebugContext(ctx, "nmap results imported", "path", path, "hosts", len(hosts))
	s.autoSchedule(ctx, hosts, false)
}

func (s *Supervisor) autoSchedule(ctx context.Context, hosts []model.Nmap, isImport bool) []int64 {
	if s.closing {
		return nil
	}
	plans := s.auto.Plan(slices.Values(hosts), isImport)
	if len(plans) == 0 {
		return nil
	}

	var ids []int64
	for _, p := range plans {
		now := s.stamp()
		req := p.Request(s.cfg.Project.Running, now)
		if p.Screenshot() {
			url, fresh := s.shots.add(p.Host, p.Port)
			if !fresh {
				continue
			}
			var ok bool
			req, ok = s.shots.request(p, s.cfg.Project.Running, now)
			if !ok {
				slog.InfoContext(ctx, "screenshot requested", "url", url)
				continue
			}
		}
		id, err := s.create(ctx, req)
		if err != nil {
			slog.WarnContext(ctx, "scheduling tool failed", "tool", p.Rule.Tool, "host", p.Host, "port", p.Port, "error", err)
			continue
		}
		s.queue.Enqueue(id)
		ids = append(ids, id)
	}
	slog.InfoContext(ctx, "tools scheduled", "count", len(ids), "import", isImport)
	s.admit(ctx)
	return ids
}

func (s *Supervisor) cancel(ctx context.Context, id int64) error {
	err := s.store.Transition(ctx, id, model.JobWaiting, model.JobCancelled)
	switch {
	case errors.Is(err, store.ErrStateChanged):
		return fmt.Errorf("%w: job %d", ErrNotWaiting, id)
	case err != nil:
		return err
	}
	slog.InfoContext(ctx, "job cancelled", "job_id", id)
	return nil
}

func (s *Supervisor) kill(ctx context.Context, id int64) error {
	if p, ok := s.live[id]; ok {
		if p.killed {
			return nil
		}
		if err := s.store.MarkKilled(ctx, id); err != nil {
			slog.ErrorContext(ctx, "persisting killed flag", "job_id", id, "error", err)
		}
		p.killed = true
		slog.InfoContext(ctx, "killing job", "job_id", id, "pid", p.job.PID)
		if err := p.runner.Kill(); err != nil {
			return fmt.Errorf("killing job %d: %w", id, err)
		}
		return nil
	}

	state, err := s.store.State(ctx, id)
	if err != nil {
		return err
	}
	switch state {
	case model.JobWaiting:
		return s.cancel(ctx, id)
	case model.JobRunning:
		// left Running by a previous session, no process to signal
		if err := s.store.MarkKilled(ctx, id); err != nil {
			return err
		}
		return s.store.Transition(ctx, id, model.JobRunning, model.JobKilled)
	default:
		return nil
	}
}

func (s *Supervisor) startStaged(ctx context.Context, target string, discovery, exclusive bool) (uuid.UUID, error) {
	if exclusive {
		for _, run := range s.runs {
			if run.Target == target {
				slog.DebugContext(ctx, "staged scan already in progress", "target", target, "run_id", run.ID.String())
				return run.ID, nil
			}
		}
	}
	run := &stagedRun{
		ID:            uuid.New(),
		Target:        target,
		HostDiscovery: discovery,
		Stage:         1,
	}
	if err := s.startStage(ctx, run); err != nil {
		return uuid.Nil, err
	}
	slog.InfoContext(ctx, "staged scan started", "run_id", run.ID.String(), "target", target)
	return run.ID, nil
}

func (s *Supervisor) startStage(ctx context.Context, run *stagedRun) error {
	req, err := run.request(s.cfg.Stages, s.cfg.Project.Running, s.privileged, s.stamp())
	if err != nil {
		return err
	}
	id, err := s.create(ctx, req)
	if err != nil {
		return err
	}
	run.JobID = id
	if !s.launch(ctx, id) {
		delete(s.runs, run.ID)
		return fmt.Errorf("%w: stage %d, job %d", ErrStageNotStarted, run.Stage, id)
	}
	s.runs[run.ID] = run
	s.stageJobs[id] = run.ID
	return nil
}

func (s *Supervisor) advance(ctx context.Context, runID uuid.UUID, state model.JobState) {
	run, ok := s.runs[runID]
	if !ok {
		return
	}
	if s.closing || !run.next(state) {
		delete(s.runs, runID)
		slog.InfoContext(ctx, "staged scan ended",
			"run_id", run.ID.String(),
			"stage", run.Stage,
			"state", state,
			"stopped", run.Stopped,
		)
		return
	}
	if err := s.startStage(ctx, run); err != nil {
		delete(s.runs, runID)
		slog.ErrorContext(ctx, "staged scan failed", "run_id", run.ID.String(), "stage", run.Stage, "error", err)
	}
}

// rescan is the timer task
func (s *Supervisor) rescan() {
	ctx := s.timerCtx
	for _, target := range s.cfg.Service.Targets {
		_, err := s.call(ctx, request{
			op:        reqStartStaged,
			target:    target,
			discovery: s.cfg.Service.HostDiscovery,
			exclusive: true,
		})
		if err != nil {
			slog.ErrorContext(ctx, "scheduled scan failed", "target", target, "error", err)
		}
	}
}

// shutdown kills all running processes and waits for their exit, so
// their final state is persisted. Waiting jobs are cancelled.
func (s *Supervisor) shutdown(ctx context.Context) {
	s.closing = true
	ctx = context.WithoutCancel(ctx)

	for _, id := range s.queue.Drain() {
		if err := s.cancel(ctx, id); err != nil {
			slog.DebugContext(ctx, "cancelling waiting job", "job_id", id, "error", err)
		}
	}

	if len(s.live) == 0 {
		return
	}
	slog.InfoContext(ctx, "killing running jobs", "count", len(s.live))
	for id := range s.live {
		if err := s.kill(ctx, id); err != nil {
			slog.WarnContext(ctx, "killing job failed", "job_id", id, "error", err)
		}
	}
	if s.drain(ctx) {
		return
	}
	for _, p := range s.live {
		_ = p.runner.ForceKill()
	}
	if !s.drain(ctx) {
		slog.ErrorContext(ctx, "jobs did not terminate", "count", len(s.live))
	}
}

func (s *Supervisor) drain(ctx context.Context) bool {
	timer := time.NewTimer(s.grace)
	defer timer.Stop()
	for len(s.live) > 0 {
		select {
		case ev := <-s.events:
			s.handleEvent(ctx, ev)
		case <-timer.C:
			return false
		}
	}
	return true
}
