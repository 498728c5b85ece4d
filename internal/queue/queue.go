// Package queue runs completions asynchronously: jobs are submitted with a
// priority, executed by a bounded set of workers, retried with exponential
// backoff, and optionally reported to a webhook on completion.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ayvex/llm-orchestrator/internal/providers"
)

// Status is a job lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Errors returned by WaitForJob and Cancel.
var (
	ErrJobNotFound = errors.New("queue: job not found")
	ErrWaitTimeout = errors.New("queue: wait timed out")
	ErrJobFailed   = errors.New("queue: job failed")
	ErrCancelled   = errors.New("queue: job cancelled")
)

// Handler executes one job's request.
type Handler func(ctx context.Context, req *providers.Request) (*providers.Response, error)

// Options tunes a single submission. Zero values mean priority 0, no
// retries, no webhook.
type Options struct {
	Priority   int    `json:"priority"`
	MaxRetries int    `json:"max_retries"`
	WebhookURL string `json:"webhook_url,omitempty"`
}

// Job is one tracked unit of asynchronous work.
type Job struct {
	ID         string             `json:"id"`
	Request    *providers.Request `json:"request"`
	Priority   int                `json:"priority"`
	MaxRetries int                `json:"max_retries"`
	WebhookURL string             `json:"webhook_url,omitempty"`

	Status      Status              `json:"status"`
	Retries     int                 `json:"retries"`
	SubmittedAt time.Time           `json:"submitted_at"`
	StartedAt   time.Time           `json:"started_at,omitzero"`
	FinishedAt  time.Time           `json:"finished_at,omitzero"`
	Result      *providers.Response `json:"result,omitempty"`
	Error       string              `json:"error,omitempty"`

	notBefore time.Time // backoff gate for retried jobs
	seq       uint64    // insertion order, breaks priority ties FIFO
	done      chan struct{}
}

// Stats is the queue's aggregate view.
type Stats struct {
	QueueDepth      int     `json:"queue_depth"`
	Processing      int     `json:"processing"`
	Completed       int64   `json:"completed"`
	Failed          int64   `json:"failed"`
	AvgWaitMs       float64 `json:"avg_wait_ms"`
	AvgProcessingMs float64 `json:"avg_processing_ms"`
}

// pendingHeap orders jobs by priority descending, then submission order.
type pendingHeap []*Job

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h pendingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *pendingHeap) Push(x any) { *h = append(*h, x.(*Job)) }

func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return job
}

// Manager owns the pending heap and the worker loop. Safe for concurrent use.
type Manager struct {
	handler        Handler
	notifier       *Notifier
	maxConcurrency int

	mu         sync.Mutex
	jobs       map[string]*Job
	pending    pendingHeap
	processing int
	nextSeq    uint64

	completed   int64
	failed      int64
	totalWaitMs int64
	totalProcMs int64
	finished    int64 // completed+failed, denominators for the averages

	wake chan struct{}

	// observer, when set, is called with every job status transition.
	observer func(Status)
}

// NewManager creates a Manager. maxConcurrency below 1 is clamped to 1.
// Call Run to start the scheduler.
func NewManager(handler Handler, notifier *Notifier, maxConcurrency int) *Manager {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &Manager{
		handler:        handler,
		notifier:       notifier,
		maxConcurrency: maxConcurrency,
		jobs:           make(map[string]*Job),
		wake:           make(chan struct{}, 1),
	}
}

// SetObserver registers fn to receive job status transitions. Must be called
// before Run. fn runs under the manager lock and must not block.
func (m *Manager) SetObserver(fn func(Status)) {
	m.observer = fn
}

func (m *Manager) observe(s Status) {
	if m.observer != nil {
		m.observer(s)
	}
}

// Submit enqueues req and returns the job ID.
func (m *Manager) Submit(req *providers.Request, opts Options) string {
	job := &Job{
		ID:          uuid.NewString(),
		Request:     req,
		Priority:    opts.Priority,
		MaxRetries:  opts.MaxRetries,
		WebhookURL:  opts.WebhookURL,
		Status:      StatusPending,
		SubmittedAt: time.Now(),
		done:        make(chan struct{}),
	}

	m.mu.Lock()
	job.seq = m.nextSeq
	m.nextSeq++
	m.jobs[job.ID] = job
	heap.Push(&m.pending, job)
	m.observe(StatusPending)
	m.mu.Unlock()

	m.signal()
	return job.ID
}

// GetJob returns a copy of the job's current state, or nil.
func (m *Manager) GetJob(id string) *Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil
	}
	cp := *job
	return &cp
}

// Cancel marks a job cancelled. Only pending jobs can be cancelled; the heap
// entry is skipped lazily when the scheduler reaches it.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok || job.Status != StatusPending {
		return false
	}

	job.Status = StatusCancelled
	job.FinishedAt = time.Now()
	m.observe(StatusCancelled)
	close(job.done)
	return true
}

// WaitForJob blocks until the job reaches a terminal state or timeout
// elapses. Terminal failure and cancellation surface as errors.
func (m *Manager) WaitForJob(id string, timeout time.Duration) (*providers.Response, error) {
	m.mu.Lock()
	job, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrJobNotFound
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-job.done:
	case <-timer.C:
		return nil, ErrWaitTimeout
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch job.Status {
	case StatusCompleted:
		return job.Result, nil
	case StatusCancelled:
		return nil, ErrCancelled
	default:
		return nil, fmt.Errorf("%w: %s", ErrJobFailed, job.Error)
	}
}

// Cleanup removes terminal jobs older than maxAge and returns how many were
// dropped.
func (m *Manager) Cleanup(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, job := range m.jobs {
		switch job.Status {
		case StatusCompleted, StatusFailed, StatusCancelled:
			if !job.FinishedAt.IsZero() && job.FinishedAt.Before(cutoff) {
				delete(m.jobs, id)
				removed++
			}
		}
	}
	return removed
}

// Stats returns the current aggregate counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		QueueDepth: m.livePendingLocked(),
		Processing: m.processing,
		Completed:  m.completed,
		Failed:     m.failed,
	}
	if m.finished > 0 {
		s.AvgWaitMs = float64(m.totalWaitMs) / float64(m.finished)
		s.AvgProcessingMs = float64(m.totalProcMs) / float64(m.finished)
	}
	return s
}

// livePendingLocked counts heap entries that are still actually pending
// (cancelled jobs linger in the heap until popped).
func (m *Manager) livePendingLocked() int {
	n := 0
	for _, job := range m.pending {
		if job.Status == StatusPending {
			n++
		}
	}
	return n
}

// Run drives the scheduler until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	for {
		wait := m.dispatch(ctx)

		timer := time.NewTimer(wait)
		select {
		case <-m.wake:
			timer.Stop()
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// dispatch starts every ready job while capacity remains and returns how long
// the scheduler may sleep before rechecking (the nearest backoff gate, or a
// long idle pause). Jobs still inside their backoff gate are set aside and
// re-queued so ready lower-priority work behind them starts immediately.
func (m *Manager) dispatch(ctx context.Context) time.Duration {
	const idleWait = time.Minute

	now := time.Now()
	wait := idleWait

	m.mu.Lock()
	var gated []*Job
	for m.processing < m.maxConcurrency && m.pending.Len() > 0 {
		top := m.pending[0]

		if top.Status != StatusPending {
			heap.Pop(&m.pending) // cancelled, drop lazily
			continue
		}
		if top.notBefore.After(now) {
			if d := top.notBefore.Sub(now); d < wait {
				wait = d
			}
			gated = append(gated, heap.Pop(&m.pending).(*Job))
			continue
		}

		job := heap.Pop(&m.pending).(*Job)
		job.Status = StatusProcessing
		job.StartedAt = now
		m.processing++

		go m.run(ctx, job)
	}
	for _, job := range gated {
		heap.Push(&m.pending, job)
	}
	m.mu.Unlock()

	return wait
}

func (m *Manager) run(ctx context.Context, job *Job) {
	resp, err := m.handler(ctx, job.Request)

	m.mu.Lock()
	m.processing--
	now := time.Now()

	if err == nil {
		job.Status = StatusCompleted
		job.Result = resp
		job.FinishedAt = now
		m.completed++
		m.accountLocked(job)
		m.observe(StatusCompleted)
		close(job.done)
		m.mu.Unlock()

		m.notify(job)
		m.signal()
		return
	}

	job.Error = err.Error()

	if job.Retries < job.MaxRetries {
		job.Retries++
		job.Status = StatusPending
		job.StartedAt = time.Time{}
		job.notBefore = now.Add(time.Duration(1<<job.Retries) * time.Second)
		heap.Push(&m.pending, job)
		m.observe(StatusPending)
		m.mu.Unlock()

		m.signal()
		return
	}

	job.Status = StatusFailed
	job.FinishedAt = now
	m.failed++
	m.accountLocked(job)
	m.observe(StatusFailed)
	close(job.done)
	m.mu.Unlock()

	m.notify(job)
	m.signal()
}

// accountLocked folds a finished job into the wait/processing averages.
// Caller holds m.mu.
func (m *Manager) accountLocked(job *Job) {
	m.finished++
	if !job.StartedAt.IsZero() {
		m.totalWaitMs += job.StartedAt.Sub(job.SubmittedAt).Milliseconds()
		m.totalProcMs += job.FinishedAt.Sub(job.StartedAt).Milliseconds()
	}
}

func (m *Manager) notify(job *Job) {
	if m.notifier == nil || job.WebhookURL == "" {
		return
	}
	m.notifier.Notify(job)
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}
