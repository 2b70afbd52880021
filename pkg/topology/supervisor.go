package topology

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// EnvWorkerID is set to the worker index (0-based) in the environment of every process the
// Supervisor starts.
const EnvWorkerID = "SENGINE_WORKER_ID"

// ErrRestartLimit is returned when a worker exhausted SupervisorConfig.MaxRestarts.
var ErrRestartLimit = errors.New("topology: worker restart limit reached")

// WorkerID returns the index of the current process when it was started by a Supervisor.
func WorkerID() (int, bool) {
	v, ok := os.LookupEnv(EnvWorkerID)
	if !ok {
		return 0, false
	}
	id, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return id, true
}

// IsWorker reports whether the current process was started by a Supervisor.
func IsWorker() bool {
	_, ok := WorkerID()
	return ok
}

// SupervisorConfig configures a Supervisor.
type SupervisorConfig struct {
	Workers      int           // Worker processes (default runtime.NumCPU())
	Command      string        // Worker executable (default the current executable)
	Args         []string      // Worker arguments (default os.Args[1:])
	Env          []string      // Extra KEY=VALUE pairs for the workers
	Restart      bool          // Restart workers that exit while the supervisor is running
	RestartDelay time.Duration // Pause before a restart (default 1s)
	MaxRestarts  int           // Restarts allowed per worker (0 means unlimited)
	StopTimeout  time.Duration // Time workers get after SIGTERM before they are killed (default 30s)
	Signals      []os.Signal   // Signals that stop the supervisor (default SIGINT, SIGTERM)
	Stdout       io.Writer     // Worker stdout (default os.Stdout)
	Stderr       io.Writer     // Worker stderr (default os.Stderr)
	Logger       *zap.Logger
}

// SupervisorStats counts worker processes.
type SupervisorStats struct {
	Running  int
	Started  uint64
	Restarts uint64
}

// Supervisor runs a fixed set of worker processes. The supervising process serves no
// requests: every worker binds the same port with SO_REUSEPORT and the kernel balances
// connections between them.
type Supervisor struct {
	config SupervisorConfig
	logger *zap.Logger

	running  atomic.Int32
	started  atomic.Uint64
	restarts atomic.Uint64
}

// NewSupervisor creates a supervisor.
func NewSupervisor(config SupervisorConfig) *Supervisor {
	if config.Workers < 1 {
		config.Workers = runtime.NumCPU()
	}
	if config.Command == "" {
		if exe, err := os.Executable(); err == nil {
			config.Command = exe
		} else {
			config.Command = os.Args[0]
		}
		if config.Args == nil {
			config.Args = os.Args[1:]
		}
	}
	if config.RestartDelay <= 0 {
		config.RestartDelay = time.Second
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = defaultShutdownTimeout
	}
	if len(config.Signals) == 0 {
		config.Signals = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}
	if config.Stdout == nil {
		config.Stdout = os.Stdout
	}
	if config.Stderr == nil {
		config.Stderr = os.Stderr
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &Supervisor{config: config, logger: config.Logger}
}

// Stats returns the current process counts.
func (s *Supervisor) Stats() SupervisorStats {
	return SupervisorStats{
		Running:  int(s.running.Load()),
		Started:  s.started.Load(),
		Restarts: s.restarts.Load(),
	}
}

// Run starts the workers and blocks until they have all exited. Cancelling ctx or
// receiving one of the configured signals sends SIGTERM to every worker, and workers
// still running after StopTimeout are killed. Worker failures are returned together;
// a stop requested through ctx or a signal is not an error.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, s.config.Signals...)
	defer stop()

	s.logger.Info("Starting workers",
		zap.Int("workers", s.config.Workers),
		zap.String("command", s.config.Command),
		zap.Bool("restart", s.config.Restart),
	)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	for id := range s.config.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.supervise(ctx, id); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	s.logger.Info("All workers stopped")
	return errs
}

// supervise keeps worker id running until ctx is done or it may not be restarted.
func (s *Supervisor) supervise(ctx context.Context, id int) error {
	restarts := 0
	for {
		err := s.runOnce(ctx, id)
		if ctx.Err() != nil {
			return nil
		}
		if !s.config.Restart {
			if err != nil {
				return fmt.Errorf("topology: worker %d: %w", id, err)
			}
			return nil
		}
		if s.config.MaxRestarts > 0 && restarts >= s.config.MaxRestarts {
			return fmt.Errorf("topology: worker %d: %w (last exit: %v)", id, ErrRestartLimit, err)
		}
		restarts++
		s.restarts.Add(1)
		s.logger.Warn("Restarting worker",
			zap.Int("worker", id),
			zap.Int("restart", restarts),
			zap.Duration("delay", s.config.RestartDelay),
			zap.Error(err),
		)

		timer := time.NewTimer(s.config.RestartDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// runOnce starts worker id and waits for it to exit, stopping it when ctx is done.
func (s *Supervisor) runOnce(ctx context.Context, id int) error {
	cmd := exec.Command(s.config.Command, s.config.Args...)
	cmd.Env = append(append(os.Environ(), s.config.Env...), EnvWorkerID+"="+strconv.Itoa(id))
	cmd.Stdout = s.config.Stdout
	cmd.Stderr = s.config.Stderr

	if err := cmd.Start(); err != nil {
		return err
	}
	s.started.Add(1)
	s.running.Add(1)
	defer s.running.Add(-1)
	s.logger.Info("Worker started", zap.Int("worker", id), zap.Int("pid", cmd.Process.Pid))

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	select {
	case err := <-exited:
		s.logger.Info("Worker exited", zap.Int("worker", id), zap.Int("pid", cmd.Process.Pid), zap.Error(err))
		return err
	case <-ctx.Done():
	}

	if err := terminate(cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Warn("Failed to signal worker", zap.Int("worker", id), zap.Error(err))
	}
	timer := time.NewTimer(s.config.StopTimeout)
	defer timer.Stop()
	select {
	case err := <-exited:
		s.logger.Info("Worker stopped", zap.Int("worker", id), zap.Error(err))
		return err
	case <-timer.C:
		s.logger.Warn("Worker did not stop in time, killing it", zap.Int("worker", id))
		_ = cmd.Process.Kill()
		return <-exited
	}
}
