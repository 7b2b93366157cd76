// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package scheduler drives spec.md §4.1's scheduler action family: a
// ticker that matches every minute against a store of CronJob records,
// fires due jobs through a supplied Runner, and resolves each fired
// job's Delivery via lib/session.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ax-platform/ax/lib/cron"
	"github.com/ax-platform/ax/lib/session"
)

// Job is one scheduled agent invocation (spec.md §3 "CronJob").
type Job struct {
	ID            string
	Schedule      string // raw cron expression, parsed lazily
	AgentID       string
	Prompt        string
	MaxTokens     int // 0 means no explicit cap
	Delivery      session.Delivery
	CreatedAt     time.Time
}

// Store persists CronJob records. Implementations may be in-memory
// (tests) or backed by the conversation/messages database (spec.md
// §6 "a job store (interface)").
type Store interface {
	Add(job Job) error
	Remove(id string) error
	List(agentID string) ([]Job, error)
	Get(id string) (Job, bool, error)
}

// MemoryStore is an in-process Store, safe for concurrent use.
type MemoryStore struct {
	mutex sync.Mutex
	jobs  map[string]Job
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{jobs: make(map[string]Job)} }

func (s *MemoryStore) Add(job Job) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.jobs[job.ID] = job
	return nil
}

func (s *MemoryStore) Remove(id string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.jobs, id)
	return nil
}

func (s *MemoryStore) List(agentID string) ([]Job, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	var out []Job
	for _, j := range s.jobs {
		if agentID == "" || j.AgentID == agentID {
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *MemoryStore) Get(id string) (Job, bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	j, ok := s.jobs[id]
	return j, ok, nil
}

// Runner fires one due job: spawns the agent with job.Prompt, scans
// its output, and delivers it per the resolved Delivery. Implemented
// by the request router in production; a fake in tests.
type Runner interface {
	Run(ctx context.Context, job Job, delivery session.Delivery) error
}

// Scheduler ticks once a minute, finds due jobs, and fires each
// exactly once per (job, minute) pair — the minute-key deduplication
// strategy chosen in SPEC_FULL.md §13 over relying on idempotent
// delivery targets.
type Scheduler struct {
	store  Store
	runner Runner
	last   session.LastInteraction
	prov   session.ProviderRegistry
	logger *slog.Logger

	mutex  sync.Mutex
	fired  map[string]string // jobID -> minuteKey last fired
}

// New constructs a Scheduler. last and prov may be nil in tests that
// only exercise mode:"none" deliveries.
func New(store Store, runner Runner, last session.LastInteraction, prov session.ProviderRegistry, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{store: store, runner: runner, last: last, prov: prov, logger: logger, fired: make(map[string]string)}
}

// Run blocks, ticking every minute until ctx is cancelled. Each tick
// calls Tick with the current time; Tick is exported so tests can
// drive it with synthetic times rather than waiting on a real ticker.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			s.Tick(ctx, t)
		}
	}
}

// Tick evaluates every job in the store against now and fires any
// that are due and not already fired for now's minute key.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	jobs, err := s.store.List("")
	if err != nil {
		s.logger.Error("scheduler: listing jobs", "error", err)
		return
	}
	minuteKey := now.UTC().Format("2006-01-02T15:04")

	for _, job := range jobs {
		sched, err := cron.Parse(job.Schedule)
		if err != nil {
			s.logger.Error("scheduler: invalid schedule", "job_id", job.ID, "error", err)
			continue
		}
		// A job is due for this minute if the previous minute's Next()
		// lands exactly on now's truncated minute.
		prevMinute := now.UTC().Truncate(time.Minute).Add(-time.Minute)
		next, err := sched.Next(prevMinute)
		if err != nil {
			continue
		}
		if !next.Truncate(time.Minute).Equal(now.UTC().Truncate(time.Minute)) {
			continue
		}

		if s.alreadyFired(job.ID, minuteKey) {
			continue
		}
		s.markFired(job.ID, minuteKey)

		delivery := session.ResolveDelivery(job.Delivery, job.AgentID, s.last, s.prov)
		if err := s.runner.Run(ctx, job, delivery); err != nil {
			s.logger.Error("scheduler: job run failed", "job_id", job.ID, "error", err)
		}
	}
}

func (s *Scheduler) alreadyFired(jobID, minuteKey string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.fired[jobID] == minuteKey
}

func (s *Scheduler) markFired(jobID, minuteKey string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.fired[jobID] = minuteKey
	// Bound the map: drop entries whose minute key is not this tick's,
	// preventing unbounded growth across long-lived processes. A
	// single pass is fine since Tick runs once a minute.
	for id, key := range s.fired {
		if key != minuteKey && id != jobID {
			delete(s.fired, id)
		}
	}
}

// AddCron validates and stores a new job, mirroring the
// scheduler_add_cron IPC action's payload shape (spec.md §4.1).
func AddCron(store Store, job Job) error {
	if job.ID == "" {
		return fmt.Errorf("scheduler: job id is required")
	}
	if _, err := cron.Parse(job.Schedule); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if job.Delivery.Mode == "" {
		job.Delivery.Mode = session.DeliveryNone
	}
	return store.Add(job)
}
