package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rcommerce/conveyor"
	"github.com/rcommerce/conveyor/id"
	"github.com/rcommerce/conveyor/job"
	"github.com/rcommerce/conveyor/queue"
	"github.com/rcommerce/conveyor/retry"
)

// State is a worker lifecycle state.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StatePausing  State = "pausing"
	StatePaused   State = "paused"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

type inflight struct {
	job    *job.Job // heartbeat copy: ID and lease token
	cancel context.CancelCauseFunc
}

// Worker leases jobs from its queues and runs up to Concurrency of them at
// once through the Executor. While a job runs, its lease is extended every
// HeartbeatInterval.
type Worker struct {
	id       id.WorkerID
	cfg      conveyor.Config
	queue    *queue.Queue
	executor *Executor
	logger   *slog.Logger
	backoff  retry.Exponential

	slots chan struct{}
	jobs  sync.WaitGroup

	mu        sync.Mutex
	state     State
	active    int
	inflight  map[string]*inflight
	stats     Stats
	resumeCh  chan struct{}
	stopCh    chan struct{}
	hbStopCh  chan struct{}
	loopDone  chan struct{}
	hbDone    chan struct{}
	nextQueue int
}

// NewWorker creates a worker. Only the worker fields of cfg are used.
func NewWorker(q *queue.Queue, executor *Executor, cfg conveyor.Config, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 1
	}
	if cfg.MaxPollBackoff < cfg.PollInterval {
		cfg.MaxPollBackoff = cfg.PollInterval
	}
	w := &Worker{
		id:       id.NewWorkerID(),
		cfg:      cfg,
		queue:    q,
		executor: executor,
		backoff: retry.Exponential{
			Base:           cfg.PollInterval,
			Multiplier:     2,
			MaxDelay:       cfg.MaxPollBackoff,
			JitterFraction: 0.2,
		},
		slots:    make(chan struct{}, cfg.WorkerConcurrency),
		state:    StateStopped,
		inflight: make(map[string]*inflight),
	}
	w.logger = logger.With(slog.String("worker_id", w.id.String()))
	w.stats.WorkerID = w.id
	w.stats.Concurrency = cfg.WorkerConcurrency
	return w
}

// ID returns the worker's identifier, recorded as leased_by on its jobs.
func (w *Worker) ID() id.WorkerID { return w.id }

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Stats returns a snapshot of the worker's counters.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats.snapshot(w.state)
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Start launches the lease loop and the heartbeat loop. Starting a running
// worker is a no-op.
func (w *Worker) Start(_ context.Context) error {
	w.mu.Lock()
	if w.state != StateStopped {
		w.mu.Unlock()
		return nil
	}
	w.state = StateStarting
	w.stopCh = make(chan struct{})
	w.hbStopCh = make(chan struct{})
	w.loopDone = make(chan struct{})
	w.hbDone = make(chan struct{})
	w.mu.Unlock()

	go w.heartbeatLoop()
	go w.loop()

	w.mu.Lock()
	w.state = StateRunning
	w.mu.Unlock()

	w.logger.Info("worker started",
		slog.Int("concurrency", w.cfg.WorkerConcurrency),
		slog.Any("queues", w.cfg.Queues),
	)
	return nil
}

// Pause stops leasing. In-flight jobs finish; the worker is paused once
// the last one completes.
func (w *Worker) Pause() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateRunning {
		return
	}
	w.state = StatePausing
	w.resumeCh = make(chan struct{})
	w.settleLocked()
	w.logger.Info("worker pausing", slog.Int("in_flight", w.active))
}

// Resume restarts leasing after Pause.
func (w *Worker) Resume() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StatePausing && w.state != StatePaused {
		return
	}
	w.state = StateRunning
	close(w.resumeCh)
	w.resumeCh = nil
	w.logger.Info("worker resumed")
}

// Stop stops leasing and waits up to ShutdownGrace for in-flight jobs.
// Jobs still running after the grace period have their context cancelled
// and are failed as retryable shutdown errors. Stop returns ctx.Err() if
// ctx ends before every job has been recorded.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	switch w.state {
	case StateStopped, StateStopping:
		w.mu.Unlock()
		return nil
	}
	w.state = StateStopping
	if w.resumeCh != nil {
		close(w.resumeCh)
		w.resumeCh = nil
	}
	close(w.stopCh)
	w.mu.Unlock()

	w.logger.Info("worker stopping")

	select {
	case <-w.loopDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	jobsDone := make(chan struct{})
	go func() {
		w.jobs.Wait()
		close(jobsDone)
	}()

	grace := time.NewTimer(w.cfg.ShutdownGrace)
	defer grace.Stop()

	var err error
	select {
	case <-jobsDone:
	case <-grace.C:
		w.forceFail()
		select {
		case <-jobsDone:
		case <-ctx.Done():
			err = ctx.Err()
		}
	case <-ctx.Done():
		w.forceFail()
		err = ctx.Err()
	}

	close(w.hbStopCh)
	<-w.hbDone

	w.mu.Lock()
	w.state = StateStopped
	w.mu.Unlock()
	w.logger.Info("worker stopped")
	return err
}

func (w *Worker) forceFail() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, f := range w.inflight {
		w.logger.Warn("shutdown grace elapsed, cancelling job",
			slog.String("job_id", f.job.ID.String()),
			slog.String("job_type", f.job.Type),
		)
		f.cancel(conveyor.ErrShutdown)
	}
}

// ──────────────────────────────────────────────────
// Lease loop
// ──────────────────────────────────────────────────

func (w *Worker) loop() {
	defer close(w.loopDone)

	failures := 0
	for {
		if !w.waitRunnable() {
			return
		}
		if !w.claimSlot() {
			continue
		}

		j, err := w.leaseNext()
		switch {
		case err != nil:
			w.releaseSlot()
			failures++
			delay := w.backoff.Delay(failures)
			w.logger.Error("lease failed, backing off",
				slog.String("error", err.Error()),
				slog.Int("consecutive_failures", failures),
				slog.Duration("backoff", delay),
			)
			w.sleep(delay)
		case j == nil:
			w.releaseSlot()
			failures = 0
			w.sleep(w.cfg.PollInterval)
		default:
			failures = 0
			w.dispatch(j)
		}
	}
}

// waitRunnable blocks while paused. It returns false once stopping.
func (w *Worker) waitRunnable() bool {
	for {
		w.mu.Lock()
		state, resume := w.state, w.resumeCh
		w.mu.Unlock()

		switch state {
		case StateRunning, StateStarting:
			return true
		case StateStopping, StateStopped:
			return false
		}
		select {
		case <-resume:
		case <-w.stopCh:
			return false
		}
	}
}

// claimSlot waits for a free execution slot. It gives the slot back and
// returns false if the worker left the running state meanwhile.
func (w *Worker) claimSlot() bool {
	select {
	case w.slots <- struct{}{}:
	case <-w.stopCh:
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateRunning && w.state != StateStarting {
		<-w.slots
		return false
	}
	w.active++
	return true
}

func (w *Worker) releaseSlot() {
	w.mu.Lock()
	w.active--
	w.settleLocked()
	w.mu.Unlock()
	<-w.slots
}

// settleLocked completes a pause once nothing is running.
func (w *Worker) settleLocked() {
	if w.state == StatePausing && w.active == 0 {
		w.state = StatePaused
		w.logger.Info("worker paused")
	}
}

// leaseNext tries each queue once, starting after the queue that was
// tried first last time.
func (w *Worker) leaseNext() (*job.Job, error) {
	queues := w.cfg.Queues
	start := w.nextQueue
	w.nextQueue = (w.nextQueue + 1) % len(queues)

	var firstErr error
	for i := range queues {
		name := queues[(start+i)%len(queues)]
		out, err := w.queue.Lease(context.Background(), name, w.id, w.cfg.LeaseDuration)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !out.Empty() {
			return out.Job, nil
		}
	}
	return nil, firstErr
}

func (w *Worker) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-w.stopCh:
	}
}

// ──────────────────────────────────────────────────
// Execution
// ──────────────────────────────────────────────────

func (w *Worker) dispatch(j *job.Job) {
	ctx, cancel := context.WithCancelCause(context.Background())
	key := j.LeaseToken

	hb := *j
	w.mu.Lock()
	w.inflight[key] = &inflight{job: &hb, cancel: cancel}
	w.stats.CurrentJobs = append(w.stats.CurrentJobs, j.ID)
	w.mu.Unlock()

	w.jobs.Add(1)
	go func() {
		defer w.jobs.Done()
		defer w.releaseSlot()
		defer cancel(nil)

		outcome := w.executor.Execute(ctx, j)

		w.mu.Lock()
		delete(w.inflight, key)
		w.stats.record(j.ID, outcome)
		w.mu.Unlock()
	}()
}

// ──────────────────────────────────────────────────
// Heartbeats
// ──────────────────────────────────────────────────

func (w *Worker) heartbeatLoop() {
	defer close(w.hbDone)

	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.hbStopCh:
			return
		case <-ticker.C:
			w.heartbeat()
		}
	}
}

func (w *Worker) heartbeat() {
	w.mu.Lock()
	held := make([]*inflight, 0, len(w.inflight))
	for _, f := range w.inflight {
		held = append(held, f)
	}
	w.mu.Unlock()

	for _, f := range held {
		err := w.queue.ExtendLease(context.Background(), f.job, w.cfg.LeaseDuration)
		if err == nil {
			continue
		}
		if conveyor.IsTransient(err) {
			w.logger.Error("heartbeat failed",
				slog.String("job_id", f.job.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		// The lease is gone; another worker may already hold the job.
		w.logger.Warn("heartbeat rejected, cancelling job",
			slog.String("job_id", f.job.ID.String()),
			slog.String("job_type", f.job.Type),
			slog.String("error", err.Error()),
		)
		f.cancel(err)
	}

	now := time.Now().UTC()
	w.mu.Lock()
	w.stats.LastHeartbeatAt = &now
	w.mu.Unlock()
}
