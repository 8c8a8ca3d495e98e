// Package scheduler runs recurring maintenance jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/robfig/cron/v3"

	"foreman/internal/dlq"
	"foreman/internal/external/agents"
	"foreman/internal/logging"
	"foreman/internal/ratelimit"
)

// Scheduler manages named recurring jobs using robfig/cron. Overlapping runs
// of the same job are skipped.
type Scheduler struct {
	cron     *cron.Cron
	logger   logging.Logger
	mu       sync.Mutex
	entryIDs map[string]cron.EntryID
	stopped  chan struct{}
	stopOnce sync.Once
}

// New creates a scheduler with minute-granularity schedules.
func New(logger logging.Logger) *Scheduler {
	logger = logging.OrNop(logger)
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	return &Scheduler{
		cron:     c,
		logger:   logger,
		entryIDs: make(map[string]cron.EntryID),
		stopped:  make(chan struct{}),
	}
}

// Register adds a named job. Registering a name twice is a no-op.
func (s *Scheduler) Register(name, schedule string, run func()) error {
	if run == nil {
		return fmt.Errorf("job %q has no body", name)
	}
	if schedule == "" {
		return fmt.Errorf("job %q has no schedule", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entryIDs[name]; exists {
		return nil
	}

	entryID, err := s.cron.AddFunc(schedule, run)
	if err != nil {
		return fmt.Errorf("invalid cron expression for %q: %w", name, err)
	}
	s.entryIDs[name] = entryID
	s.logger.Info("scheduler: registered job %q (schedule=%s)", name, schedule)
	return nil
}

// Remove unregisters a job by name.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entryID, ok := s.entryIDs[name]
	if !ok {
		return
	}
	s.cron.Remove(entryID)
	delete(s.entryIDs, name)
}

// Start begins running the registered jobs and stops them when ctx is
// cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.cron.Start()
	s.logger.Info("scheduler started with %d jobs", s.JobCount())

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

// Stop halts scheduling and waits for in-flight jobs. Safe to call multiple
// times.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		stopCtx := s.cron.Stop()
		<-stopCtx.Done()
		close(s.stopped)
		s.logger.Info("scheduler stopped")
	})
}

// Done is closed once the scheduler has fully stopped.
func (s *Scheduler) Done() <-chan struct{} {
	return s.stopped
}

// JobCount returns the number of registered jobs.
func (s *Scheduler) JobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entryIDs)
}

// JobNames returns the registered job names, sorted.
func (s *Scheduler) JobNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entryIDs))
	for name := range s.entryIDs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Standard maintenance jobs.
const (
	JobAgentRedetect      = "agents.redetect"
	ScheduleAgentRedetect = "*/5 * * * *"

	JobDeadLetterStats      = "dlq.stats"
	ScheduleDeadLetterStats = "* * * * *"

	JobRateLimitStats      = "ratelimit.stats"
	ScheduleRateLimitStats = "*/10 * * * *"
)

// MaintenanceDeps names the subsystems the standard jobs keep an eye on.
// Nil fields skip the corresponding job.
type MaintenanceDeps struct {
	Agents     *agents.Registry
	DeadLetter *dlq.Queue
	Limiter    *ratelimit.Limiter
}

// RegisterMaintenance wires the standard upkeep jobs: periodic agent
// re-detection so a newly installed CLI becomes routable without a restart,
// dead-letter backlog reporting, and rate limiter counters.
func RegisterMaintenance(s *Scheduler, deps MaintenanceDeps, logger logging.Logger) error {
	logger = logging.OrNop(logger)

	if deps.Agents != nil {
		if err := s.Register(JobAgentRedetect, ScheduleAgentRedetect, agentRedetectJob(deps.Agents, logger)); err != nil {
			return err
		}
	}
	if deps.DeadLetter != nil {
		if err := s.Register(JobDeadLetterStats, ScheduleDeadLetterStats, deadLetterStatsJob(deps.DeadLetter, logger)); err != nil {
			return err
		}
	}
	if deps.Limiter != nil {
		if err := s.Register(JobRateLimitStats, ScheduleRateLimitStats, rateLimitStatsJob(deps.Limiter, logger)); err != nil {
			return err
		}
	}
	return nil
}

func agentRedetectJob(registry *agents.Registry, logger logging.Logger) func() {
	return func() {
		registry.Detect()
		logger.Debug("agent availability refreshed: %v", registry.Available())
	}
}

func deadLetterStatsJob(queue *dlq.Queue, logger logging.Logger) func() {
	return func() {
		stats := queue.Stats()
		if stats.Pending == 0 && stats.Retrying == 0 && stats.Abandoned == 0 {
			return
		}
		logger.Info("dead letter backlog: pending=%d retrying=%d abandoned=%d oldest_age=%.0fs",
			stats.Pending, stats.Retrying, stats.Abandoned, stats.OldestPendingAge)
	}
}

func rateLimitStatsJob(limiter *ratelimit.Limiter, logger logging.Logger) func() {
	return func() {
		stats := limiter.Stats()
		if stats.Admitted == 0 && stats.Rejected == 0 {
			return
		}
		logger.Debug("rate limiter: admitted=%d rejected=%d scopes=%d",
			stats.Admitted, stats.Rejected, len(stats.Scopes))
	}
}
