// Package scheduler drives the IST trading timetable. Named events fire at
// most once per calendar day, catch-up safe: if the process starts at 09:30
// the 09:15 and 09:20 events fire immediately on the first poll, in order.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// pollInterval is how often the loop checks the clock. Much finer than the
// one-minute resolution of the timetable.
const pollInterval = 5 * time.Second

// Handler runs when an event's time arrives. Errors are logged; the event
// still counts as fired so a failing handler cannot retrigger all day.
type Handler func(ctx context.Context) error

type event struct {
	name    string
	minutes int // minutes after midnight, local
	handler Handler
}

// Scheduler fires named daily events and a periodic monitor tick.
type Scheduler struct {
	loc     *time.Location
	logger  *logrus.Logger
	clock   func() time.Time
	monitor Handler
	monIvl  time.Duration
	// Monitor runs only inside [monStart, monEnd).
	monStart int
	monEnd   int

	mu       sync.Mutex
	events   []event
	firedDay string
	fired    map[string]bool
	lastTick time.Time
}

// New creates a scheduler in the given timezone.
func New(loc *time.Location, logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scheduler{
		loc:    loc,
		logger: logger,
		clock:  time.Now,
		fired:  make(map[string]bool),
	}
}

// AddEvent registers a once-per-day event at "HH:MM" local time.
func (s *Scheduler) AddEvent(name, at string, handler Handler) error {
	minutes, err := parseClock(at, s.loc)
	if err != nil {
		return fmt.Errorf("event %s: %w", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.name == name {
			return fmt.Errorf("event %s already registered", name)
		}
	}
	s.events = append(s.events, event{name: name, minutes: minutes, handler: handler})
	// Catch-up fires in timetable order regardless of registration order.
	sort.SliceStable(s.events, func(i, j int) bool { return s.events[i].minutes < s.events[j].minutes })
	return nil
}

// SetMonitor registers the periodic tick, active between start and end.
func (s *Scheduler) SetMonitor(start, end string, interval time.Duration, handler Handler) error {
	startMin, err := parseClock(start, s.loc)
	if err != nil {
		return fmt.Errorf("monitor start: %w", err)
	}
	endMin, err := parseClock(end, s.loc)
	if err != nil {
		return fmt.Errorf("monitor end: %w", err)
	}
	if interval <= 0 {
		return fmt.Errorf("monitor interval must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.monitor = handler
	s.monIvl = interval
	s.monStart = startMin
	s.monEnd = endMin
	return nil
}

// Run polls the clock until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.WithField("timezone", s.loc.String()).Info("scheduler running")
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	s.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

// poll fires every due event exactly once and the monitor when its interval
// has elapsed inside the active window.
func (s *Scheduler) poll(ctx context.Context) {
	now := s.clock().In(s.loc)
	day := now.Format("2006-01-02")
	nowMin := now.Hour()*60 + now.Minute()

	s.mu.Lock()
	if s.firedDay != day {
		// Midnight rollover: everything is eligible again.
		s.firedDay = day
		s.fired = make(map[string]bool)
	}
	var due []event
	for _, e := range s.events {
		if nowMin >= e.minutes && !s.fired[e.name] {
			s.fired[e.name] = true
			due = append(due, e)
		}
	}
	runMonitor := s.monitor != nil &&
		nowMin >= s.monStart && nowMin < s.monEnd &&
		now.Sub(s.lastTick) >= s.monIvl
	if runMonitor {
		s.lastTick = now
	}
	monitor := s.monitor
	s.mu.Unlock()

	for _, e := range due {
		s.logger.WithField("event", e.name).Info("firing scheduled event")
		if err := e.handler(ctx); err != nil {
			s.logger.WithError(err).WithField("event", e.name).Error("scheduled event failed")
		}
	}
	if runMonitor {
		if err := monitor(ctx); err != nil {
			s.logger.WithError(err).Error("monitor tick failed")
		}
	}
}

func parseClock(at string, loc *time.Location) (int, error) {
	t, err := time.ParseInLocation("15:04", at, loc)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q: %w", at, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}
