// Package schedule sends the switch command on cron schedules.
package schedule

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/chaz8081/bleswitch/internal/ble"
)

// Sender is the part of the switch a schedule drives.
type Sender interface {
	SendCommand() error
}

// Scheduler fires Sender.SendCommand on every configured schedule. A firing
// while the switch is not connected is skipped, not queued.
type Scheduler struct {
	cron    *cron.Cron
	sender  Sender
	logger  *slog.Logger
	entries []cron.EntryID

	mu      sync.Mutex
	started bool
}

// New parses specs and returns a stopped Scheduler.
func New(specs []string, sender Sender, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		cron:   cron.New(),
		sender: sender,
		logger: logger,
	}
	for _, spec := range specs {
		sched, err := Parse(spec)
		if err != nil {
			return nil, fmt.Errorf("schedule: invalid schedule %q: %w", spec, err)
		}
		spec := spec
		id := s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(spec) }))
		s.entries = append(s.entries, id)
	}
	return s, nil
}

// Len returns the number of schedules.
func (s *Scheduler) Len() int { return len(s.entries) }

// Start begins running the schedules. Calling Start twice is harmless.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.cron.Start()
	s.started = true
}

// Stop halts the schedules and waits for a running firing to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	<-s.cron.Stop().Done()
	s.started = false
}

// Next returns the earliest upcoming firing, or the zero time when nothing
// is scheduled or the scheduler is stopped.
func (s *Scheduler) Next() time.Time {
	var next time.Time
	for _, e := range s.cron.Entries() {
		if e.Next.IsZero() {
			continue
		}
		if next.IsZero() || e.Next.Before(next) {
			next = e.Next
		}
	}
	return next
}

func (s *Scheduler) fire(spec string) {
	err := s.sender.SendCommand()
	switch {
	case err == nil:
		// The write result arrives later on the switch's status stream.
		s.logger.Info("[SCHEDULE] command issued", "schedule", spec)
	case errors.Is(err, ble.ErrNotReady):
		s.logger.Info("[SCHEDULE] skipped, switch not connected", "schedule", spec)
	default:
		s.logger.Warn("[SCHEDULE] command failed", "schedule", spec, "error", err)
	}
}

// Parse accepts a standard 5-field cron expression, a descriptor such as
// "@hourly" or "@every 30m", or a bare duration like "90s".
func Parse(spec string) (cron.Schedule, error) {
	if spec == "" {
		return nil, errors.New("empty schedule")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(spec); err == nil {
		return sched, nil
	}

	d, err := time.ParseDuration(spec)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", spec)
	}
	if d <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", spec)
	}
	return constantDelay(d), nil
}

// constantDelay fires at a fixed interval. Unlike cron.Every it keeps
// sub-second intervals.
type constantDelay time.Duration

func (d constantDelay) Next(t time.Time) time.Time {
	return t.Add(time.Duration(d))
}
