// Package scheduler starts workflows on cron schedules. Schedules are
// registered in memory (typically from configuration) and checked by a
// background loop; a schedule whose previous run is still executing is
// skipped rather than stacked.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/relay/internal/loader"
	"github.com/rendis/relay/pkg/schema"
)

// WorkflowStarter is the interface the scheduler uses to start workflows.
// Satisfied by the engine (avoids import cycle).
type WorkflowStarter interface {
	Start(ctx context.Context, def *schema.WorkflowDefinition, inputs map[string]any) (string, error)
}

// Schedule is one registered cron trigger.
type Schedule struct {
	ID             string
	CronExpression string
	DefinitionPath string
	Inputs         map[string]any

	nextRun time.Time
	lastRun time.Time
}

// Scheduler checks registered schedules on a fixed interval and starts the
// due ones.
type Scheduler struct {
	starter WorkflowStarter
	loader  *loader.Loader
	parser  cron.Parser
	logger  *slog.Logger
	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.Mutex

	schedMu   sync.Mutex
	schedules map[string]*Schedule

	inflightMu sync.Mutex
	inflight   map[string]struct{} // schedule IDs currently executing (dedup)
}

// New creates a Scheduler.
func New(starter WorkflowStarter, l *loader.Loader, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if l == nil {
		l = loader.New()
	}
	return &Scheduler{
		starter:   starter,
		loader:    l,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:    logger,
		schedules: make(map[string]*Schedule),
		inflight:  make(map[string]struct{}),
	}
}

// Register adds a schedule. The cron expression is validated and the first
// run computed immediately.
func (s *Scheduler) Register(sched *Schedule) error {
	if sched == nil || sched.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "schedule requires an ID")
	}
	if sched.DefinitionPath == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "schedule %s requires a definition path", sched.ID)
	}
	next, err := s.CalculateNextRun(sched.CronExpression, time.Now().UTC())
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "schedule %s: %s", sched.ID, err.Error()).WithCause(err)
	}
	sched.nextRun = next

	s.schedMu.Lock()
	defer s.schedMu.Unlock()
	if _, exists := s.schedules[sched.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "schedule %s already registered", sched.ID)
	}
	s.schedules[sched.ID] = sched
	return nil
}

// Unregister removes a schedule. In-flight runs are unaffected.
func (s *Scheduler) Unregister(id string) {
	s.schedMu.Lock()
	delete(s.schedules, id)
	s.schedMu.Unlock()
}

// Start launches the background scheduling loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick starts every schedule that is due.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()

	s.schedMu.Lock()
	due := make([]*Schedule, 0)
	for _, sched := range s.schedules {
		if !sched.nextRun.After(now) {
			due = append(due, sched)
		}
	}
	s.schedMu.Unlock()

	for _, sched := range due {
		if !s.tryAcquire(sched.ID) {
			continue // previous run still executing (dedup)
		}
		if err := s.runSchedule(ctx, sched, now); err != nil {
			s.logger.Error("scheduled workflow start failed",
				slog.String("schedule_id", sched.ID),
				slog.String("error", err.Error()),
			)
		}
		s.release(sched.ID)
	}
}

// runSchedule starts one workflow and advances the schedule's next run.
func (s *Scheduler) runSchedule(ctx context.Context, sched *Schedule, now time.Time) error {
	next, err := s.CalculateNextRun(sched.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for schedule %q: %w", sched.ID, err)
	}

	s.schedMu.Lock()
	sched.nextRun = next
	sched.lastRun = now
	s.schedMu.Unlock()

	def, err := s.loader.Load(sched.DefinitionPath)
	if err != nil {
		return err
	}

	id, err := s.starter.Start(ctx, def, sched.Inputs)
	if err != nil {
		return err
	}
	s.logger.Info("scheduled workflow started",
		slog.String("schedule_id", sched.ID),
		slog.String("workflow_id", id),
	)
	return nil
}

// tryAcquire returns true and marks the schedule in-flight if it is not
// already running.
func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
