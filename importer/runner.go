package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/khankhulgun/offlinemap/models"
	"github.com/sirupsen/logrus"
)

// Runner launches the worker of one import in its own execution unit.
// Messages arrive on the returned channel in emission order and the channel
// is closed when the worker is gone. Cancelling ctx asks the worker to stop.
type Runner interface {
	Start(ctx context.Context, job Job) (<-chan models.ProgressMessage, error)
}

// GoroutineRunner runs workers on their own goroutine with their own store
// connection.
type GoroutineRunner struct {
	Logger logrus.FieldLogger
}

func (r *GoroutineRunner) Start(ctx context.Context, job Job) (<-chan models.ProgressMessage, error) {
	log := r.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	out := make(chan models.ProgressMessage, 1)
	go func() {
		defer close(out)
		err := Run(ctx, job, func(m models.ProgressMessage) error {
			select {
			case out <- m:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.WithField("import", job.ImportID).Warnf("import worker stopped: %v", err)
		}
	}()
	return out, nil
}

// ProcessRunner re-executes a binary whose import-worker command calls
// ServeWorker. The job is written to the child's stdin and progress is read
// from its stdout. Cancellation sends an interrupt and kills the child if it
// has not exited after WaitDelay.
type ProcessRunner struct {
	// Path defaults to the running executable.
	Path string
	// Args defaults to {"import-worker"}.
	Args      []string
	Env       []string
	WaitDelay time.Duration
	Logger    logrus.FieldLogger
}

func (r *ProcessRunner) Start(ctx context.Context, job Job) (<-chan models.ProgressMessage, error) {
	log := r.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	path := r.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate worker executable: %w", err)
		}
		path = exe
	}
	args := r.Args
	if len(args) == 0 {
		args = []string{"import-worker"}
	}
	waitDelay := r.WaitDelay
	if waitDelay <= 0 {
		waitDelay = 5 * time.Second
	}

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = waitDelay
	cmd.Stderr = os.Stderr
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}

	if err := newEncoder(stdin).Encode(job); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return nil, fmt.Errorf("send import job: %w", err)
	}
	stdin.Close()

	entry := log.WithField("import", job.ImportID)
	entry.Debugf("import worker started, pid %d", cmd.Process.Pid)

	out := make(chan models.ProgressMessage, 1)
	go func() {
		defer close(out)
		dec := newDecoder(stdout)
		for {
			var m models.ProgressMessage
			if err := dec.Decode(&m); err != nil {
				if !errors.Is(err, io.EOF) && ctx.Err() == nil {
					entry.Warnf("read worker progress: %v", err)
				}
				break
			}
			select {
			case out <- m:
			case <-ctx.Done():
				// keep draining so the child never blocks on a full pipe
			}
		}
		if err := cmd.Wait(); err != nil && ctx.Err() == nil {
			entry.Warnf("import worker exited: %v", err)
		}
	}()
	return out, nil
}
