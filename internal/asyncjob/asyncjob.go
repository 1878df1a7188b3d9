// Package asyncjob implements the async job manager (C8): fire-and-forget
// inference submission, status polling, and cancellation backed by a
// bounded worker pool.
//
// Jobs transition PENDING -> RUNNING -> {COMPLETED, FAILED, CANCELLED}.
// Terminal jobs are retained for Config.RetentionPeriod so a client's final
// getStatus poll after completion still succeeds, then garbage collected.
package asyncjob

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rkvantis/inferd/internal/errs"
	"github.com/rkvantis/inferd/pkg/types"
)

// Dispatcher performs the actual inference for a submitted request,
// typically backed by *router.Router.Infer.
type Dispatcher func(ctx context.Context, req types.InferenceRequest) (*types.InferenceResponse, error)

// Config tunes a Manager.
type Config struct {
	// Workers is the number of background goroutines draining the job
	// queue. Default: 4.
	Workers int

	// QueueSize bounds the number of jobs buffered awaiting a free worker.
	// Submit blocks once full. Default: 64.
	QueueSize int

	// RetentionPeriod is how long a terminal job's record is kept before GC.
	// Default: 1h.
	RetentionPeriod time.Duration

	// GCInterval is how often the retention sweep runs. Default: 5m.
	GCInterval time.Duration
}

const (
	defaultWorkers         = 4
	defaultQueueSize       = 64
	defaultRetentionPeriod = time.Hour
	defaultGCInterval      = 5 * time.Minute
)

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.RetentionPeriod <= 0 {
		c.RetentionPeriod = defaultRetentionPeriod
	}
	if c.GCInterval <= 0 {
		c.GCInterval = defaultGCInterval
	}
	return c
}

// job is the manager's internal record, wrapping the public types.AsyncJob
// with a cancel func and the context workers run under.
type job struct {
	public types.AsyncJob
	cancel context.CancelFunc
}

// work is one queued unit of work.
type work struct {
	jobID string
	ctx   context.Context
	req   types.InferenceRequest
}

// Manager is the async job manager (C8). Safe for concurrent use.
type Manager struct {
	cfg        Config
	dispatcher Dispatcher

	mu   sync.Mutex
	jobs map[string]*job

	queue chan work

	stop     chan struct{}
	workerWg sync.WaitGroup
	gcDone   chan struct{}
}

// New constructs a Manager and starts its worker pool and GC sweep.
// Shutdown must be called to release both.
func New(cfg Config, dispatcher Dispatcher) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:        cfg,
		dispatcher: dispatcher,
		jobs:       make(map[string]*job),
		queue:      make(chan work, cfg.QueueSize),
		stop:       make(chan struct{}),
		gcDone:     make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		m.workerWg.Add(1)
		go m.worker()
	}
	go m.gcLoop()
	return m
}

// Submit enqueues req for asynchronous execution and returns its job ID
// immediately. The job runs under a detached context independent of the
// caller's request context, inheriting only req's own Timeout if set.
func (m *Manager) Submit(ctx context.Context, req types.InferenceRequest) (string, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	jobID := uuid.NewString()

	jobCtx, cancel := context.WithCancel(context.Background())
	if req.Timeout > 0 {
		jobCtx, cancel = context.WithTimeout(jobCtx, req.Timeout)
	}

	j := &job{
		public: types.AsyncJob{
			JobID:       jobID,
			RequestID:   req.RequestID,
			TenantID:    req.TenantID,
			Status:      types.JobPending,
			SubmittedAt: time.Now(),
		},
		cancel: cancel,
	}

	m.mu.Lock()
	m.jobs[jobID] = j
	m.mu.Unlock()

	select {
	case m.queue <- work{jobID: jobID, ctx: jobCtx, req: req}:
		return jobID, nil
	case <-ctx.Done():
		m.mu.Lock()
		delete(m.jobs, jobID)
		m.mu.Unlock()
		cancel()
		return "", ctx.Err()
	}
}

// GetStatus returns a copy of the job's current record.
func (m *Manager) GetStatus(jobID string) (types.AsyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return types.AsyncJob{}, errs.New(errs.CodeValidationFailed, "unknown job id").With("job_id", jobID)
	}
	return j.public, nil
}

// Cancel requests cancellation of a pending or running job. It is a no-op
// (returning nil) if the job has already reached a terminal state.
func (m *Manager) Cancel(jobID string) error {
	m.mu.Lock()
	j, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return errs.New(errs.CodeValidationFailed, "unknown job id").With("job_id", jobID)
	}
	if isTerminal(j.public.Status) {
		m.mu.Unlock()
		return nil
	}
	j.cancel()
	m.mu.Unlock()
	return nil
}

func isTerminal(s types.AsyncJobStatus) bool {
	return s == types.JobCompleted || s == types.JobFailed || s == types.JobCancelled
}

func (m *Manager) worker() {
	defer m.workerWg.Done()
	for {
		select {
		case w := <-m.queue:
			m.run(w)
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) run(w work) {
	m.mu.Lock()
	j, ok := m.jobs[w.jobID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if w.ctx.Err() != nil {
		j.public.Status = types.JobCancelled
		j.public.CompletedAt = time.Now()
		m.mu.Unlock()
		return
	}
	j.public.Status = types.JobRunning
	m.mu.Unlock()

	resp, err := m.dispatcher(w.ctx, w.req)

	m.mu.Lock()
	defer m.mu.Unlock()
	j.public.CompletedAt = time.Now()
	switch {
	case w.ctx.Err() != nil && err != nil:
		j.public.Status = types.JobCancelled
	case err != nil:
		j.public.Status = types.JobFailed
		j.public.Err = err
	default:
		j.public.Status = types.JobCompleted
		j.public.Result = resp
	}
}

func (m *Manager) gcLoop() {
	defer close(m.gcDone)
	t := time.NewTicker(m.cfg.GCInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.gc()
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) gc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for id, j := range m.jobs {
		if isTerminal(j.public.Status) && now.Sub(j.public.CompletedAt) > m.cfg.RetentionPeriod {
			delete(m.jobs, id)
		}
	}
}

// Shutdown stops accepting new background work, waits for in-flight workers
// to observe cancellation, and stops the GC sweep. It does not forcibly
// cancel running jobs — callers should Cancel individually if that is
// desired before calling Shutdown.
func (m *Manager) Shutdown(ctx context.Context) error {
	close(m.stop)
	done := make(chan struct{})
	go func() {
		m.workerWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	<-m.gcDone
	return nil
}
