// Package schedule runs named jobs at fixed times of day or fixed intervals.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is a scheduled unit of work.
type Job func(ctx context.Context)

// Entry describes one registered job.
type Entry struct {
	Name string
	Next time.Time
}

// Scheduler wraps a cron runner. Jobs never overlap with themselves.
type Scheduler struct {
	mu     sync.Mutex
	cron   *cron.Cron
	parser cron.Parser
	loc    *time.Location
	logger *slog.Logger
	names  map[cron.EntryID]string
	ctx    context.Context
}

// New creates a scheduler evaluating times in loc (time.Local when nil).
func New(loc *time.Location, logger *slog.Logger) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
			cron.WithLogger(cl),
		),
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		loc:    loc,
		logger: logger,
		names:  make(map[cron.EntryID]string),
		ctx:    context.Background(),
	}
}

// Location returns the scheduler's time zone.
func (s *Scheduler) Location() *time.Location {
	return s.loc
}

// AddDaily runs job every day at the HH:MM time.
func (s *Scheduler) AddDaily(name, atHHMM string, job Job) error {
	h, m, err := ParseHHMM(atHHMM)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	sched, err := s.parser.Parse(fmt.Sprintf("%d %d * * *", m, h))
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	s.add(name, sched, job)
	return nil
}

// AddInterval runs job every d, starting d after Start.
func (s *Scheduler) AddInterval(name string, d time.Duration, job Job) error {
	if d <= 0 {
		return fmt.Errorf("schedule %s: interval must be > 0", name)
	}
	s.add(name, cron.Every(d), job)
	return nil
}

func (s *Scheduler) add(name string, sched cron.Schedule, job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.cron.Schedule(sched, cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()

		start := time.Now()
		s.logger.Info("Scheduled job starting", "job", name)
		job(ctx)
		s.logger.Info("Scheduled job finished", "job", name, "duration_ms", time.Since(start).Milliseconds())
	}))
	s.names[id] = name
}

// Entries lists registered jobs with their next run time.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, e := range s.cron.Entries() {
		out = append(out, Entry{Name: s.names[e.ID], Next: e.Next})
	}
	return out
}

// Start begins running jobs. ctx is handed to every job run.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	n := len(s.names)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("Scheduler started", "timezone", s.loc.String(), "jobs", n)
}

// Stop halts triggering and waits for running jobs until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
		s.logger.Info("Scheduler stopped")
	case <-ctx.Done():
		s.logger.Warn("Scheduler stop timed out with jobs still running")
	}
}

// ParseHHMM parses a 24-hour HH:MM time of day.
func ParseHHMM(s string) (hour, minute int, err error) {
	s = strings.TrimSpace(s)
	hs, ms, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(hs)
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(ms)
	if err != nil || m < 0 || m > 59 || len(ms) != 2 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}

// ParseTimes parses a comma-separated list of HH:MM times.
func ParseTimes(list string) ([]string, error) {
	var out []string
	for _, t := range strings.Split(list, ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, _, err := ParseHHMM(t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, errors.New("no times given")
	}
	return out, nil
}

// cronLogger routes cron's internal logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
