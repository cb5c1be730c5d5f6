// Package worker runs named periodic jobs that are owned by the process: each
// job has a cancellation handle and Stop waits for the loop to return.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var ErrAlreadyStarted = errors.New("worker: already started")

type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error

	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	runs   int
}

func New(name string, interval time.Duration, run func(ctx context.Context) error, logger *slog.Logger) *Job {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Job{Name: name, Interval: interval, Run: run, logger: logger}
}

// Start launches the ticker loop. The loop exits when ctx is cancelled or Stop is called.
func (j *Job) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.done != nil {
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.done = make(chan struct{})
	go j.loop(runCtx, j.done)
	j.logger.Info("worker started", "job", j.Name, "interval", j.Interval)
	return nil
}

// Stop cancels the loop and blocks until it has returned.
func (j *Job) Stop() {
	j.mu.Lock()
	cancel, done := j.cancel, j.done
	j.cancel, j.done = nil, nil
	j.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	j.logger.Info("worker stopped", "job", j.Name)
}

// Wait blocks until the loop exits, for callers that stop via the parent context.
func (j *Job) Wait() {
	j.mu.Lock()
	done := j.done
	j.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (j *Job) Runs() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.runs
}

func (j *Job) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.tick(ctx)
		}
	}
}

func (j *Job) tick(ctx context.Context) {
	start := time.Now()
	err := j.Run(ctx)
	j.mu.Lock()
	j.runs++
	j.mu.Unlock()
	if err != nil && ctx.Err() == nil {
		j.logger.Warn("worker run failed", "job", j.Name, "error", err, "duration_ms", time.Since(start).Milliseconds())
	}
}
