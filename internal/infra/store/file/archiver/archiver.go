// Package archiver moves delivered outputs from the local blob store to the
// archive store in the background, releasing the local copy once the upload
// lands. Failed jobs are requeued a bounded number of times; after the last
// retry the local copy is released anyway so cleanup never leaks a handle.
package archiver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

type Storage interface {
	Save(ctx context.Context, reader io.Reader, handle string) (int64, error)
	Open(ctx context.Context, handle string) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, handle string) error
}

type Job struct {
	Handle  string
	Retries int
}

type Archiver struct {
	local  Storage
	remote Storage

	queue      chan Job
	workerNum  int
	maxRetries int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func New(local, remote Storage, queueSize, workerNum, maxRetries int) *Archiver {
	if queueSize <= 0 {
		queueSize = 100
	}
	if workerNum <= 0 {
		workerNum = 1
	}
	if maxRetries < 0 {
		maxRetries = 0
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Archiver{
		local:      local,
		remote:     remote,
		queue:      make(chan Job, queueSize),
		workerNum:  workerNum,
		maxRetries: maxRetries,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (a *Archiver) Start(ctx context.Context) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	innerCtx, innerCancel := context.WithCancel(ctx)
	a.ctx = innerCtx
	a.cancel = innerCancel
	a.mu.Unlock()

	a.wg.Add(a.workerNum)
	for i := 0; i < a.workerNum; i++ {
		go a.worker()
	}
}

func (a *Archiver) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.cancel()
	close(a.queue)
	a.mu.Unlock()

	doneCh := make(chan struct{})
	go func() {
		defer close(doneCh)
		a.wg.Wait()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-doneCh:
	}

	slog.Info("archiver: stopped")
	return nil
}

// Enqueue hands a local blob to the archive queue. Returns false if the
// queue is full or the archiver is stopped; the caller should then release
// the handle itself.
func (a *Archiver) Enqueue(handle string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return false
	}

	select {
	case a.queue <- Job{Handle: handle}:
		return true
	default:
		return false
	}
}

func (a *Archiver) worker() {
	defer a.wg.Done()

	for {
		select {
		case <-a.ctx.Done():
			return
		case job, ok := <-a.queue:
			if !ok {
				return
			}

			a.handleJob(a.ctx, job)
		}
	}
}

func (a *Archiver) handleJob(ctx context.Context, job Job) {
	l := slog.With(
		slog.String("handle", job.Handle),
		slog.Int("retries", job.Retries),
	)

	err := a.archiveOnce(ctx, job)
	if err == nil {
		if err := a.local.Delete(ctx, job.Handle); err != nil {
			l.Warn("archiver: release local copy failed", slog.String("error", err.Error()))
		}
		return
	}

	if job.Retries >= a.maxRetries {
		l.Error("archiving failed, max retries exceeded",
			slog.String("error", err.Error()),
		)
		if err := a.local.Delete(ctx, job.Handle); err != nil {
			l.Warn("archiver: release local copy failed", slog.String("error", err.Error()))
		}
		return
	}

	job.Retries++
	if a.requeue(job) {
		l.Warn("archiving failed, job requeued",
			slog.String("error", err.Error()),
			slog.Int("next_retry", job.Retries),
		)
		return
	}

	l.Error("archiving failed and cannot be requeued, dropping job",
		slog.String("error", err.Error()),
	)
	if err := a.local.Delete(ctx, job.Handle); err != nil {
		l.Warn("archiver: release local copy failed", slog.String("error", err.Error()))
	}
}

// requeue re-checks the stopped flag under the lock: Stop closes the queue, so
// a worker finishing a failed job after that must not send into it.
func (a *Archiver) requeue(job Job) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return false
	}

	select {
	case a.queue <- job:
		return true
	default:
		return false
	}
}

func (a *Archiver) archiveOnce(ctx context.Context, job Job) error {
	rc, _, err := a.local.Open(ctx, job.Handle)
	if err != nil {
		return fmt.Errorf("open local blob: %w", err)
	}
	defer rc.Close()

	written, err := a.remote.Save(ctx, rc, job.Handle)
	if err != nil {
		return fmt.Errorf("save to archive: %w", err)
	}

	slog.Debug("archiver: output archived",
		slog.String("handle", job.Handle),
		slog.Int64("size", written),
	)

	return nil
}
