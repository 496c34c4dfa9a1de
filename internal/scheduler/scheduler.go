// Package scheduler runs the bridge's periodic background work: roster
// refreshes for the game plugins and the daily command journal cleanup.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// TaskFunc is one run of a scheduled task.
type TaskFunc func(ctx context.Context) error

type task struct {
	name     string
	interval time.Duration
	at       string // "HH:MM" for daily tasks
	fn       TaskFunc
}

// Scheduler holds the registered tasks and runs each on its own goroutine.
type Scheduler struct {
	mu      sync.Mutex
	tasks   []task
	started bool
	wg      sync.WaitGroup
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{}
}

// Every registers fn to run every interval. Tasks registered after Start
// are ignored.
func (s *Scheduler) Every(name string, interval time.Duration, fn TaskFunc) {
	if interval <= 0 {
		log.Warn().Str("task", name).Msg("ignoring task with non-positive interval")
		return
	}
	s.add(task{name: name, interval: interval, fn: fn})
}

// Daily registers fn to run once a day at the given local "HH:MM".
func (s *Scheduler) Daily(name, at string, fn TaskFunc) {
	s.add(task{name: name, at: at, fn: fn})
}

func (s *Scheduler) add(t task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		log.Warn().Str("task", t.name).Msg("scheduler already running, task ignored")
		return
	}
	s.tasks = append(s.tasks, t)
}

// Tasks returns the registered task names.
func (s *Scheduler) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.tasks))
	for i, t := range s.tasks {
		names[i] = t.name
	}
	return names
}

// Start runs every task until ctx is cancelled and blocks until they have
// all returned.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.started = true
	tasks := append([]task(nil), s.tasks...)
	s.mu.Unlock()

	log.Info().Int("tasks", len(tasks)).Msg("scheduler started")

	for _, t := range tasks {
		s.wg.Add(1)
		if t.at != "" {
			go s.runDaily(ctx, t)
		} else {
			go s.runEvery(ctx, t)
		}
	}

	<-ctx.Done()
	s.wg.Wait()
	log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) runEvery(ctx context.Context, t task) {
	defer s.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.run(ctx, t)
		}
	}
}

func (s *Scheduler) runDaily(ctx context.Context, t task) {
	defer s.wg.Done()

	for {
		next := NextDailyRun(t.at, time.Now())
		log.Debug().
			Str("task", t.name).
			Time("next_run", next).
			Msg("task scheduled")

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.run(ctx, t)
		}
	}
}

func (s *Scheduler) run(ctx context.Context, t task) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("task", t.name).Interface("panic", r).Msg("scheduled task panicked")
		}
	}()

	start := time.Now()
	if err := t.fn(ctx); err != nil {
		log.Warn().Err(err).Str("task", t.name).Msg("scheduled task failed")
		return
	}
	log.Trace().Str("task", t.name).Dur("took", time.Since(start)).Msg("scheduled task completed")
}

// NextDailyRun returns the first "HH:MM" after now. Malformed input falls
// back to 04:00.
func NextDailyRun(at string, now time.Time) time.Time {
	hour, minute := 4, 0
	parts := strings.Split(at, ":")
	if len(parts) >= 2 {
		var h, m int
		if _, err := fmt.Sscanf(parts[0], "%d", &h); err == nil && h >= 0 && h < 24 {
			if _, err := fmt.Sscanf(parts[1], "%d", &m); err == nil && m >= 0 && m < 60 {
				hour, minute = h, m
			}
		}
	}

	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
