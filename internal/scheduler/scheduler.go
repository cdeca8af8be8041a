// Package scheduler triggers the daily birthday dispatch and the periodic delivery
// sweep inside a long running service process.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"gitlab.com/dirk.krummacker/giftagent/internal/delivery"
	"gitlab.com/dirk.krummacker/giftagent/internal/gifting"
)

// ScheduleTime represents a specific time of day when the dispatch should run.
type ScheduleTime struct {
	Hour   int
	Minute int
}

// String returns the time in HH:MM format.
func (st ScheduleTime) String() string {
	return fmt.Sprintf("%02d:%02d", st.Hour, st.Minute)
}

// ParseScheduleTime parses a time string in HH:MM format.
func ParseScheduleTime(s string) (ScheduleTime, error) {
	var hour, minute int
	_, err := fmt.Sscanf(s, "%d:%d", &hour, &minute)
	if err != nil {
		return ScheduleTime{}, fmt.Errorf("invalid time format (expected HH:MM): %w", err)
	}

	if hour < 0 || hour > 23 {
		return ScheduleTime{}, fmt.Errorf("invalid hour: %d (must be 0-23)", hour)
	}
	if minute < 0 || minute > 59 {
		return ScheduleTime{}, fmt.Errorf("invalid minute: %d (must be 0-59)", minute)
	}

	return ScheduleTime{Hour: hour, Minute: minute}, nil
}

// Dispatcher runs one birthday dispatch batch.
type Dispatcher interface {
	Run(ctx context.Context) gifting.Report
}

// Sweeper runs one delivery status sweep.
type Sweeper interface {
	Sweep(ctx context.Context) (delivery.Result, error)
}

// Config holds configuration for the scheduler.
type Config struct {
	// Times are the HH:MM times of day of the dispatch, in Location.
	Times         []string
	Location      *time.Location
	SweepInterval time.Duration
	// RunOnStart triggers one dispatch as soon as the scheduler starts.
	RunOnStart bool
}

// Scheduler manages the periodic execution of dispatch runs and sweeps.
type Scheduler struct {
	dispatcher    Dispatcher
	sweeper       Sweeper
	scheduleTimes []ScheduleTime
	location      *time.Location
	sweepInterval time.Duration
	runOnStart    bool
	log           *zap.Logger

	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	running     sync.Mutex
	lastRunDate string
	mu          sync.Mutex
}

// NewScheduler creates a new scheduler with the given configuration.
func NewScheduler(cfg Config, dispatcher Dispatcher, sweeper Sweeper, log *zap.Logger) (*Scheduler, error) {
	if dispatcher == nil || sweeper == nil {
		return nil, errors.New("scheduler needs a dispatcher and a sweeper")
	}
	scheduleTimes := make([]ScheduleTime, 0, len(cfg.Times))
	for _, timeStr := range cfg.Times {
		st, err := ParseScheduleTime(timeStr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse schedule time %q: %w", timeStr, err)
		}
		scheduleTimes = append(scheduleTimes, st)
	}
	if len(scheduleTimes) == 0 {
		return nil, errors.New("at least one schedule time is required")
	}
	if cfg.SweepInterval <= 0 {
		return nil, errors.New("sweep interval must be positive")
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if log == nil {
		log = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	log.Info("scheduler initialized",
		zap.Strings("times", cfg.Times),
		zap.String("location", cfg.Location.String()),
		zap.Duration("sweep_interval", cfg.SweepInterval))

	return &Scheduler{
		dispatcher:    dispatcher,
		sweeper:       sweeper,
		scheduleTimes: scheduleTimes,
		location:      cfg.Location,
		sweepInterval: cfg.SweepInterval,
		runOnStart:    cfg.RunOnStart,
		log:           log,
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

// Start launches the dispatch and sweep loops.
func (s *Scheduler) Start() {
	s.wg.Add(2)
	go s.scheduleLoop()
	go s.sweepLoop()
	s.log.Info("scheduler started", zap.Time("next_dispatch", s.NextScheduledTime(time.Now())))
	if s.runOnStart {
		s.TriggerNow()
	}
}

// scheduleLoop checks every minute whether a dispatch is due.
func (s *Scheduler) scheduleLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			if s.shouldRun(now) {
				s.log.Info("scheduled dispatch triggered", zap.String("at", now.In(s.location).Format("15:04")))
				s.runDispatch()
			}
		}
	}
}

func (s *Scheduler) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runSweep()
		}
	}
}

// shouldRun checks if the current time matches any scheduled time. Each scheduled
// minute fires at most once.
func (s *Scheduler) shouldRun(now time.Time) bool {
	now = now.In(s.location)
	currentHour := now.Hour()
	currentMinute := now.Minute()
	currentKey := fmt.Sprintf("%s-%02d:%02d", now.Format("2006-01-02"), currentHour, currentMinute)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastRunDate == currentKey {
		return false
	}

	for _, st := range s.scheduleTimes {
		if currentHour == st.Hour && currentMinute == st.Minute {
			s.lastRunDate = currentKey
			return true
		}
	}

	return false
}

// runDispatch runs one dispatch batch unless another one is still in progress.
func (s *Scheduler) runDispatch() {
	if !s.running.TryLock() {
		s.log.Warn("previous dispatch still running, skipping trigger")
		return
	}
	defer s.running.Unlock()

	summary := s.dispatcher.Run(s.ctx).Summary()
	if !summary.Success {
		s.log.Error("scheduled dispatch failed", zap.String("message", summary.Message))
	}
}

func (s *Scheduler) runSweep() {
	if _, err := s.sweeper.Sweep(s.ctx); err != nil && s.ctx.Err() == nil {
		s.log.Error("delivery sweep failed", zap.Error(err))
	}
}

// TriggerNow starts a dispatch run immediately.
func (s *Scheduler) TriggerNow() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runDispatch()
	}()
}

// Shutdown stops the loops and waits at most timeout for a running batch to end.
func (s *Scheduler) Shutdown(timeout time.Duration) {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-time.After(timeout):
		s.log.Warn("timeout waiting for scheduler to stop")
	}
}

// NextScheduledTime returns the next dispatch time after now.
func (s *Scheduler) NextScheduledTime(now time.Time) time.Time {
	now = now.In(s.location)
	var next time.Time
	for _, st := range s.scheduleTimes {
		candidate := time.Date(now.Year(), now.Month(), now.Day(), st.Hour, st.Minute, 0, 0, s.location)
		if !candidate.After(now) {
			candidate = candidate.AddDate(0, 0, 1)
		}
		if next.IsZero() || candidate.Before(next) {
			next = candidate
		}
	}
	return next
}
