package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kalambet/segscope/internal/analytics"
)

// PollInterval is the fixed delay between job status queries.
const PollInterval = 5 * time.Second

const defaultRetryBase = 500 * time.Millisecond

// ErrSuperseded is returned when an operation targets a job generation
// that a newer job has already replaced.
var ErrSuperseded = errors.New("job superseded")

// StatusFetcher queries the remote status of a job.
type StatusFetcher interface {
	JobStatus(ctx context.Context, jobID string) (analytics.JobStatus, error)
}

// Options tunes a Tracker. The zero value polls every PollInterval with no
// retries and no ceiling.
type Options struct {
	// Interval overrides PollInterval. Only tests should set it.
	Interval time.Duration
	// MaxWait forces a job to failed once it has been polled for this long.
	// Zero means poll until a terminal state or cancellation.
	MaxWait time.Duration
	// MaxRetries is how many times a failed status query is retried, with
	// exponential backoff, before the job is marked failed.
	MaxRetries int
	// RetryBase is the first backoff delay. Defaults to 500ms.
	RetryBase time.Duration
	// OnChange receives every transition of the current job. Calls are
	// serialized and never report a superseded generation.
	OnChange func(Job)
}

// Tracker owns the single current-job slot of a session and the poll loop
// that drives it. Each new job bumps a generation counter; responses that
// belong to an older generation are discarded.
type Tracker struct {
	fetcher StatusFetcher
	opts    Options
	logger  *slog.Logger

	gen atomic.Uint64

	mu      sync.Mutex
	current Job
	handle  *Handle

	notifyMu sync.Mutex
}

// Handle is the cancellable subscription of one poll loop.
type Handle struct {
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// Generation returns the job generation this loop polls for.
func (h *Handle) Generation() uint64 { return h.gen }

// Cancel stops the poll loop. It is safe to call more than once.
func (h *Handle) Cancel() { h.cancel() }

// Done is closed once the poll loop has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the poll loop exits or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NewTracker creates a Tracker in the idle state.
func NewTracker(fetcher StatusFetcher, opts Options) *Tracker {
	if opts.Interval <= 0 {
		opts.Interval = PollInterval
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = defaultRetryBase
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Tracker{
		fetcher: fetcher,
		opts:    opts,
		logger:  slog.Default(),
		current: Job{Status: StatusIdle},
	}
}

// Current returns a snapshot of the current job.
func (t *Tracker) Current() Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current.clone()
}

// Begin abandons the current job, cancelling its poll loop, and opens a new
// generation in the idle state. The returned generation must be passed to
// Start or Fail.
func (t *Tracker) Begin() uint64 {
	t.mu.Lock()
	t.cancelLocked()
	gen := t.gen.Add(1)
	t.current = Job{Generation: gen, Status: StatusIdle}
	snap := t.current.clone()
	t.mu.Unlock()

	t.notify(snap)
	return gen
}

// Start marks generation gen as queued under jobID and starts polling.
// It fails with ErrSuperseded when Begin has been called again since gen
// was issued. The poll loop keeps ctx's values but not its cancellation, so
// it outlives the request that submitted the job; it ends on a terminal
// state, the next Begin, Handle.Cancel or Stop.
func (t *Tracker) Start(ctx context.Context, gen uint64, jobID string, datasetID int) (*Handle, error) {
	t.mu.Lock()
	if gen != t.gen.Load() {
		t.mu.Unlock()
		return nil, ErrSuperseded
	}
	t.cancelLocked()

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &Handle{gen: gen, cancel: cancel, done: make(chan struct{})}
	t.handle = h
	t.current = Job{
		ID:         jobID,
		DatasetID:  datasetID,
		Generation: gen,
		Status:     StatusQueued,
		StartedAt:  time.Now().UTC(),
	}
	snap := t.current.clone()
	t.mu.Unlock()

	t.logger.Info("job queued", "job_id", jobID, "generation", gen, "dataset_id", datasetID)
	t.notify(snap)

	go t.run(loopCtx, h, jobID)
	return h, nil
}

// Track is Begin followed by Start.
func (t *Tracker) Track(ctx context.Context, jobID string, datasetID int) (*Handle, error) {
	return t.Start(ctx, t.Begin(), jobID, datasetID)
}

// Fail moves generation gen straight to failed without polling. It is used
// when submission itself fails, so no job id is retained.
func (t *Tracker) Fail(gen uint64, reason string) error {
	t.mu.Lock()
	if gen != t.gen.Load() {
		t.mu.Unlock()
		return ErrSuperseded
	}
	t.cancelLocked()
	now := time.Now().UTC()
	t.current = Job{
		Generation: gen,
		Status:     StatusFailed,
		Error:      reason,
		StartedAt:  now,
		FinishedAt: now,
	}
	snap := t.current.clone()
	t.mu.Unlock()

	t.logger.Warn("job submission failed", "generation", gen, "error", reason)
	t.notify(snap)
	return nil
}

// Stop cancels any running poll loop and waits for it to exit.
func (t *Tracker) Stop() {
	t.mu.Lock()
	h := t.handle
	t.cancelLocked()
	t.mu.Unlock()

	if h != nil {
		<-h.done
	}
}

func (t *Tracker) cancelLocked() {
	if t.handle != nil {
		t.handle.cancel()
		t.handle = nil
	}
}

func (t *Tracker) run(ctx context.Context, h *Handle, jobID string) {
	defer close(h.done)
	defer h.cancel()

	ticker := time.NewTicker(t.opts.Interval)
	defer ticker.Stop()

	var deadline time.Time
	if t.opts.MaxWait > 0 {
		deadline = time.Now().Add(t.opts.MaxWait)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		st, err := t.fetch(ctx, jobID)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			t.finish(h.gen, fmt.Sprintf("polling failed: %s", analytics.Message(err)))
			return
		}
		if stop := t.apply(h.gen, st); stop {
			return
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			t.finish(h.gen, fmt.Sprintf("timed out after %s without reaching a terminal state", t.opts.MaxWait))
			return
		}
	}
}

// fetch queries the job status, retrying transient failures with
// exponential backoff. Client errors (4xx) are not retried.
func (t *Tracker) fetch(ctx context.Context, jobID string) (analytics.JobStatus, error) {
	var st analytics.JobStatus
	attempt := 0
	op := func() error {
		attempt++
		s, err := t.fetcher.JobStatus(ctx, jobID)
		if err == nil {
			st = s
			return nil
		}
		var apiErr *analytics.APIError
		if ctx.Err() != nil || (errors.As(err, &apiErr) && apiErr.Permanent()) {
			return backoff.Permanent(err)
		}
		t.logger.Warn("job poll attempt failed", "job_id", jobID, "attempt", attempt, "error", err)
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.opts.RetryBase
	b.MaxInterval = t.opts.Interval
	b.MaxElapsedTime = 0
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(t.opts.MaxRetries)), ctx))
	return st, err
}

// apply records a poll response for generation gen. It returns true when the
// poll loop should stop: the job reached a terminal state or gen is stale.
func (t *Tracker) apply(gen uint64, st analytics.JobStatus) bool {
	t.mu.Lock()
	if gen != t.gen.Load() {
		t.mu.Unlock()
		t.logger.Debug("dropping poll response for superseded job", "job_id", st.ID, "generation", gen)
		return true
	}

	prev := t.current.Status
	status := Status(st.Status)
	if status == "" {
		status = prev
	}
	t.current.Status = status
	t.current.Polls++
	terminal := status.Terminal()
	if terminal {
		t.current.Result = resultFrom(st.Results)
		t.current.FinishedAt = time.Now().UTC()
		if status == StatusFailed && t.current.Result != nil {
			t.current.Error = t.current.Result.Error
		}
	}
	snap := t.current.clone()
	t.mu.Unlock()

	if status != prev {
		t.logger.Info("job status changed", "job_id", snap.ID, "generation", gen, "from", string(prev), "status", string(status))
	}
	t.notify(snap)
	return terminal
}

// finish forces generation gen into failed with reason.
func (t *Tracker) finish(gen uint64, reason string) {
	t.mu.Lock()
	if gen != t.gen.Load() {
		t.mu.Unlock()
		return
	}
	t.current.Status = StatusFailed
	t.current.Error = reason
	t.current.FinishedAt = time.Now().UTC()
	snap := t.current.clone()
	t.mu.Unlock()

	t.logger.Warn("job failed", "job_id", snap.ID, "generation", gen, "error", reason)
	t.notify(snap)
}

func (t *Tracker) notify(j Job) {
	if t.opts.OnChange == nil {
		return
	}
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()
	if j.Generation != t.gen.Load() {
		return
	}
	t.opts.OnChange(j)
}
