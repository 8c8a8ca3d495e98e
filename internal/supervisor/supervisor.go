// Package supervisor tracks child agent processes: parallel fan-out,
// streaming spawns, health snapshots and kill escalation.
package supervisor

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sync/errgroup"

	"foreman/internal/async"
	"foreman/internal/errors"
	"foreman/internal/external/subprocess"
	"foreman/internal/logging"
)

// Spec names one child to spawn.
type Spec struct {
	Name   string
	Config subprocess.Config
}

// ChildResult is the collected outcome of one child in a parallel batch.
type ChildResult struct {
	Name     string        `json:"name"`
	PID      int           `json:"pid"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

// Health is a point-in-time resource snapshot of one child.
type Health struct {
	PID      int     `json:"pid"`
	Name     string  `json:"name"`
	CPUPct   float64 `json:"cpu_pct"`
	RSSBytes uint64  `json:"rss_bytes"`
	Status   string  `json:"status"`
	Alive    bool    `json:"alive"`
}

type child struct {
	name string
	proc *subprocess.Process
}

// Supervisor owns every child process spawned through it, registered by pid
// while running.
type Supervisor struct {
	mu       sync.Mutex
	children map[int]*child
	logger   logging.Logger
}

func New(logger logging.Logger) *Supervisor {
	return &Supervisor{
		children: make(map[int]*child),
		logger:   logging.OrNop(logger),
	}
}

// Spawn starts one child and tracks it until exit.
func (s *Supervisor) Spawn(ctx context.Context, name string, config subprocess.Config) (*subprocess.Process, error) {
	proc, err := subprocess.Start(ctx, config, s.logger)
	if err != nil {
		return nil, err
	}

	pid := proc.PID()
	s.mu.Lock()
	s.children[pid] = &child{name: name, proc: proc}
	s.mu.Unlock()
	s.logger.Info("spawned %s (pid %d): %s", name, pid, config.Command)

	async.Go(s.logger, name+"-untrack", func() {
		<-proc.Done()
		s.mu.Lock()
		delete(s.children, pid)
		s.mu.Unlock()
	})
	return proc, nil
}

// SpawnStreaming starts one child with its merged tagged line stream enabled.
func (s *Supervisor) SpawnStreaming(ctx context.Context, spec Spec) (int, <-chan subprocess.Line, error) {
	spec.Config.Stream = true
	if spec.Config.Tag == "" {
		spec.Config.Tag = spec.Name
	}
	proc, err := s.Spawn(ctx, spec.Name, spec.Config)
	if err != nil {
		return 0, nil, err
	}
	return proc.PID(), proc.Lines(), nil
}

// SpawnParallel runs the specs concurrently, at most limit at a time
// (0 means all at once), and collects every child's outcome. A failed child
// never aborts its siblings.
func (s *Supervisor) SpawnParallel(ctx context.Context, specs []Spec, limit int) []ChildResult {
	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}

	results := make([]ChildResult, len(specs))
	for i, spec := range specs {
		i, spec := i, spec
		g.Go(func() error {
			proc, err := s.Spawn(ctx, spec.Name, spec.Config)
			if err != nil {
				results[i] = ChildResult{Name: spec.Name, ExitCode: -1, Err: err}
				return nil
			}
			res := proc.Wait()
			results[i] = ChildResult{
				Name:     spec.Name,
				PID:      proc.PID(),
				ExitCode: res.ExitCode,
				Stdout:   res.Stdout,
				Stderr:   res.Stderr,
				Duration: res.Duration,
				Err:      Classify(spec.Name, res),
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Classify converts a subprocess result into the error a caller should see:
// nil on success, ChildExitedNonZero on a bad exit code.
func Classify(name string, res subprocess.Result) error {
	if res.Err != nil {
		return errors.Wrapf(res.Err, errors.KindSpawnFailed, "%s did not run to completion", name)
	}
	if res.ExitCode != 0 {
		msg := strings.TrimSpace(tail(res.Stderr, 300))
		if msg == "" {
			msg = strings.TrimSpace(tail(res.Stdout, 300))
		}
		if msg == "" {
			return errors.Newf(errors.KindChildExitedNonZero, "%s exited with code %d", name, res.ExitCode)
		}
		return errors.Newf(errors.KindChildExitedNonZero, "%s exited with code %d: %s", name, res.ExitCode, msg)
	}
	return nil
}

// HealthOf samples cpu, memory and scheduler state for one tracked child.
func (s *Supervisor) HealthOf(pid int) (Health, error) {
	s.mu.Lock()
	tracked, ok := s.children[pid]
	s.mu.Unlock()
	if !ok {
		return Health{}, errors.NotFoundf("no tracked child with pid %d", pid)
	}

	health := Health{PID: pid, Name: tracked.name, Alive: tracked.proc.Alive()}
	if !health.Alive {
		health.Status = "exited"
		return health, nil
	}

	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		health.Status = "unknown"
		return health, nil
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		health.CPUPct = cpu
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		health.RSSBytes = mem.RSS
	}
	if statuses, err := proc.Status(); err == nil && len(statuses) > 0 {
		health.Status = statuses[0]
	} else {
		health.Status = "unknown"
	}
	return health, nil
}

// HealthAll samples every tracked child.
func (s *Supervisor) HealthAll() []Health {
	s.mu.Lock()
	pids := make([]int, 0, len(s.children))
	for pid := range s.children {
		pids = append(pids, pid)
	}
	s.mu.Unlock()

	out := make([]Health, 0, len(pids))
	for _, pid := range pids {
		if health, err := s.HealthOf(pid); err == nil {
			out = append(out, health)
		}
	}
	return out
}

// Kill stops one tracked child, SIGTERM first and SIGKILL after the grace
// period. Unknown pids return NotFound.
func (s *Supervisor) Kill(pid int) error {
	s.mu.Lock()
	tracked, ok := s.children[pid]
	s.mu.Unlock()
	if !ok {
		return errors.NotFoundf("no tracked child with pid %d", pid)
	}
	s.logger.Info("killing %s (pid %d)", tracked.name, pid)
	return tracked.proc.Stop()
}

// KillAll stops every tracked child, for shutdown. It reports the pids that
// could not be killed.
func (s *Supervisor) KillAll() []int {
	s.mu.Lock()
	procs := make(map[int]*child, len(s.children))
	for pid, c := range s.children {
		procs[pid] = c
	}
	s.mu.Unlock()

	var failed []int
	for pid, c := range procs {
		if err := c.proc.Stop(); err != nil {
			s.logger.Error("failed to kill %s (pid %d): %v", c.name, pid, err)
			failed = append(failed, pid)
		}
	}
	return failed
}

// Count returns how many children are currently tracked.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.children)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
