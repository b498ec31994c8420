// Package scheduler runs Iris's time-driven jobs.
//
// Two kinds of job exist: once jobs fire a single time after a delay
// (focus timers) and live only in memory, so a restart drops them; daily
// jobs fire every day at a fixed wall-clock time in the scheduler's zone
// (reminders, the nightly reflection) and are backed by robfig/cron.
// Every job is identified by a structured JobKey, and registering a job
// under an existing key replaces the previous one.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	// ErrInvalidTime is returned for clock strings that are not "HH:MM".
	ErrInvalidTime = errors.New("invalid time, expected HH:MM")
	// ErrStopped is returned when scheduling on a stopped scheduler.
	ErrStopped = errors.New("scheduler stopped")
)

// Kind distinguishes once and daily jobs.
type Kind string

const (
	KindOnce  Kind = "once"
	KindDaily Kind = "daily"
)

// JobKey identifies a job. Two jobs with an equal key never coexist.
type JobKey struct {
	Destination string
	Purpose     string
	Name        string
}

func (k JobKey) String() string {
	if k.Name == "" {
		return k.Destination + "/" + k.Purpose
	}
	return k.Destination + "/" + k.Purpose + "/" + k.Name
}

// Func is the work a job performs.
type Func func(ctx context.Context) error

// JobInfo describes a registered job.
type JobInfo struct {
	Key  JobKey    `json:"key"`
	Kind Kind      `json:"kind"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next"`
}

// Config configures a Scheduler.
type Config struct {
	// Location is the zone daily clock times are interpreted in.
	Location *time.Location
	// JobTimeout bounds every job run.
	JobTimeout time.Duration
	Logger     *slog.Logger
}

// DefaultConfig returns the defaults: local time, 5 minute job timeout.
func DefaultConfig() Config {
	return Config{
		Location:   time.Local,
		JobTimeout: 5 * time.Minute,
	}
}

type onceJob struct {
	timer *time.Timer
	fire  time.Time
	delay time.Duration
}

type dailyJob struct {
	id    cron.EntryID
	clock string
}

// Scheduler owns all registered jobs.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger
	cron   *cron.Cron

	mu      sync.Mutex
	once    map[JobKey]*onceJob
	daily   map[JobKey]dailyJob
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	stopped bool

	running sync.WaitGroup
}

// New creates a scheduler. Jobs may be registered before Start; daily jobs
// do not fire until Start is called, once jobs start counting immediately.
func New(cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.Location == nil {
		cfg.Location = def.Location
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = def.JobTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	adapter := cronLogger{l: cfg.Logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:    cfg,
		logger: cfg.Logger,
		cron: cron.New(
			cron.WithLocation(cfg.Location),
			cron.WithLogger(adapter),
			cron.WithChain(cron.Recover(adapter)),
		),
		once:   make(map[JobKey]*onceJob),
		daily:  make(map[JobKey]dailyJob),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Location returns the zone daily jobs are evaluated in.
func (s *Scheduler) Location() *time.Location {
	return s.cfg.Location
}

// Start begins firing daily jobs. Job contexts derive from ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return nil
	}
	s.started = true

	// Jobs read s.ctx when they fire, so swapping it here re-parents
	// everything registered before Start.
	s.cancel()
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.cron.Start()
	s.logger.Info("scheduler started",
		"daily", len(s.daily),
		"once", len(s.once),
		"zone", s.cfg.Location.String(),
	)
	return nil
}

// Stop cancels pending once jobs, stops daily jobs and waits for running
// jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for key, j := range s.once {
		j.timer.Stop()
		delete(s.once, key)
	}
	s.mu.Unlock()

	done := s.cron.Stop()
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()
	<-done.Done()
	s.running.Wait()
	s.logger.Info("scheduler stopped")
}

// ScheduleOnce runs fn once after delay. An unfired job with the same key
// is cancelled first.
func (s *Scheduler) ScheduleOnce(key JobKey, delay time.Duration, fn Func) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}

	if prev, ok := s.once[key]; ok {
		prev.timer.Stop()
		delete(s.once, key)
		s.logger.Info("once job replaced", "key", key.String())
	}

	job := &onceJob{fire: time.Now().Add(delay), delay: delay}
	job.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if cur, ok := s.once[key]; !ok || cur != job {
			s.mu.Unlock()
			return
		}
		delete(s.once, key)
		if s.stopped {
			s.mu.Unlock()
			return
		}
		s.running.Add(1)
		s.mu.Unlock()

		defer s.running.Done()
		s.run(key, KindOnce, fn)
	})
	s.once[key] = job

	s.logger.Info("once job scheduled", "key", key.String(), "delay", delay)
	return nil
}

// ScheduleDaily runs fn every day at clock ("HH:MM") in the scheduler's
// zone. A job with the same key is replaced.
func (s *Scheduler) ScheduleDaily(key JobKey, clock string, fn Func) error {
	hour, minute, err := ParseClock(clock)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}

	if prev, ok := s.daily[key]; ok {
		s.cron.Remove(prev.id)
		delete(s.daily, key)
	}

	spec := fmt.Sprintf("%d %d * * *", minute, hour)
	id, err := s.cron.AddFunc(spec, func() {
		s.running.Add(1)
		defer s.running.Done()
		s.run(key, KindDaily, fn)
	})
	if err != nil {
		return fmt.Errorf("add daily job %s: %w", key, err)
	}
	s.daily[key] = dailyJob{id: id, clock: fmt.Sprintf("%02d:%02d", hour, minute)}

	s.logger.Info("daily job scheduled", "key", key.String(), "time", clock)
	return nil
}

// Cancel removes the job with the given key. It reports whether a job
// was removed.
func (s *Scheduler) Cancel(key JobKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := false
	if j, ok := s.once[key]; ok {
		j.timer.Stop()
		delete(s.once, key)
		removed = true
	}
	if j, ok := s.daily[key]; ok {
		s.cron.Remove(j.id)
		delete(s.daily, key)
		removed = true
	}
	return removed
}

// CancelPurpose removes every job whose key has the given purpose and
// returns how many were removed.
func (s *Scheduler) CancelPurpose(purpose string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, j := range s.once {
		if key.Purpose == purpose {
			j.timer.Stop()
			delete(s.once, key)
			n++
		}
	}
	for key, j := range s.daily {
		if key.Purpose == purpose {
			s.cron.Remove(j.id)
			delete(s.daily, key)
			n++
		}
	}
	if n > 0 {
		s.logger.Info("jobs cancelled", "purpose", purpose, "count", n)
	}
	return n
}

// Jobs returns all registered jobs ordered by next fire time.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().In(s.cfg.Location)
	out := make([]JobInfo, 0, len(s.once)+len(s.daily))
	for key, j := range s.once {
		out = append(out, JobInfo{Key: key, Kind: KindOnce, Spec: j.delay.String(), Next: j.fire})
	}
	for key, j := range s.daily {
		info := JobInfo{Key: key, Kind: KindDaily, Spec: j.clock}
		if e := s.cron.Entry(j.id); e.Valid() {
			info.Next = e.Schedule.Next(now)
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].Next.Equal(out[k].Next) {
			return out[i].Key.String() < out[k].Key.String()
		}
		return out[i].Next.Before(out[k].Next)
	})
	return out
}

// run executes one job with a timeout and panic recovery.
func (s *Scheduler) run(key JobKey, kind Kind, fn Func) {
	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled job panicked", "key", key.String(), "kind", kind, "panic", r)
		}
	}()

	err := fn(ctx)
	if err != nil {
		s.logger.Error("scheduled job failed",
			"key", key.String(),
			"kind", kind,
			"duration", time.Since(start).Round(time.Millisecond),
			"error", err,
		)
		return
	}
	s.logger.Info("scheduled job done",
		"key", key.String(),
		"kind", kind,
		"duration", time.Since(start).Round(time.Millisecond),
	)
}

// ParseClock parses a 24h "HH:MM" string.
func ParseClock(clock string) (hour, minute int, err error) {
	h, m, ok := strings.Cut(strings.TrimSpace(clock), ":")
	if !ok || len(m) != 2 || len(h) == 0 || len(h) > 2 || !digits(h) || !digits(m) {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidTime, clock)
	}
	hour, err1 := strconv.Atoi(h)
	minute, err2 := strconv.Atoi(m)
	if err1 != nil || err2 != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidTime, clock)
	}
	return hour, minute, nil
}

func digits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// cronLogger routes robfig/cron's internal logging through slog.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
