// Package dispatch hands queued chain jobs to whatever executes them.
package dispatch

import (
	"context"
	"time"

	"github.com/qiyuhang/multisolve/internal/logger"
)

// Runner executes a single chain job to completion.
type Runner interface {
	RunChain(ctx context.Context, jobID string) error
}

// Dispatcher accepts a job id for asynchronous execution. Enqueueing must
// not block the caller's request.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
}

// Inproc runs each chain on a goroutine inside the server process. The
// default single-instance mode; swap in the rabbit dispatcher to scale out.
type Inproc struct {
	runner  Runner
	log     *logger.Logger
	timeout time.Duration
}

func NewInproc(runner Runner, log *logger.Logger, timeout time.Duration) *Inproc {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Inproc{runner: runner, log: log.With("component", "dispatch.Inproc"), timeout: timeout}
}

// Dispatch detaches from the request context: the chain outlives the HTTP
// response that triggered it.
func (d *Inproc) Dispatch(_ context.Context, jobID string) error {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := d.runner.RunChain(ctx, jobID); err != nil {
			d.log.Error("chain run failed", "job", jobID, "err", err)
		}
	}()
	return nil
}
