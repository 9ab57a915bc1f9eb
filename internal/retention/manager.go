package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/leafwise/sprout/internal/store"
)

const (
	// maxJobAttempts bounds retries of a failing retarget before it is
	// parked as failed.
	maxJobAttempts = 5
	// requeueAfter is how long a pending job may sit untouched before the
	// sweep re-enqueues it.
	requeueAfter = time.Minute
	jobTimeout   = 2 * time.Minute
)

type Config struct {
	Workers       int
	QueueSize     int
	SweepInterval time.Duration
}

// Manager runs retention retargets on a small worker pool and sweeps
// expired rows on a schedule. Jobs are durable and their body is
// idempotent, so delivery is at-least-once: pending jobs are re-enqueued
// at startup and again by the sweep if they sit too long.
type Manager struct {
	store  store.Store
	policy Policy
	cfg    Config
	log    zerolog.Logger

	queue chan string
	wg    sync.WaitGroup
	sched gocron.Scheduler

	mu     sync.Mutex
	closed bool
}

func NewManager(st store.Store, policy Policy, cfg Config, log zerolog.Logger) *Manager {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Minute
	}
	return &Manager{
		store:  st,
		policy: policy,
		cfg:    cfg,
		log:    log,
		queue:  make(chan string, cfg.QueueSize),
	}
}

// Start launches the workers and the sweep schedule, then re-enqueues
// every pending job so work interrupted by a restart resumes.
func (m *Manager) Start(ctx context.Context) error {
	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create sweep scheduler: %w", err)
	}
	if _, err := sched.NewJob(
		gocron.DurationJob(m.cfg.SweepInterval),
		gocron.NewTask(m.sweep),
	); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	sched.Start()
	m.sched = sched

	pending, err := m.store.PendingRetargetJobs(ctx, m.cfg.QueueSize)
	if err != nil {
		return fmt.Errorf("load pending retarget jobs: %w", err)
	}
	for _, job := range pending {
		m.enqueue(job.ID)
	}
	if len(pending) > 0 {
		m.log.Info().Int("jobs", len(pending)).Msg("re-enqueued pending retarget jobs")
	}
	return nil
}

// Retarget records the tier change as a durable job and queues it. The
// returned record is the handle clients poll.
func (m *Manager) Retarget(ctx context.Context, userID, newTier string) (store.RetargetJobRecord, error) {
	if _, err := m.policy.Days(newTier); err != nil {
		return store.RetargetJobRecord{}, err
	}

	now := time.Now().UTC()
	job := store.RetargetJobRecord{
		ID:        uuid.NewString(),
		UserID:    userID,
		NewTier:   newTier,
		Status:    store.JobPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.CreateRetargetJob(ctx, job); err != nil {
		return store.RetargetJobRecord{}, fmt.Errorf("create retarget job: %w", err)
	}
	m.enqueue(job.ID)
	return job, nil
}

// Job returns the current state of a retarget job.
func (m *Manager) Job(ctx context.Context, id string) (store.RetargetJobRecord, error) {
	return m.store.GetRetargetJob(ctx, id)
}

func (m *Manager) enqueue(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.queue <- id:
	default:
		// Queue full. The job stays pending and the sweep picks it up.
		m.log.Warn().Str("job_id", id).Msg("retarget queue full, deferring job")
	}
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for id := range m.queue {
		m.run(id)
	}
}

func (m *Manager) run(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	job, err := m.store.GetRetargetJob(ctx, id)
	if err != nil {
		m.log.Error().Err(err).Str("job_id", id).Msg("load retarget job")
		return
	}
	if job.Status == store.JobDone || job.Status == store.JobFailed {
		return
	}

	job.Status = store.JobRunning
	job.Attempts++
	job.UpdatedAt = time.Now().UTC()
	if err := m.store.UpdateRetargetJob(ctx, job); err != nil {
		m.log.Error().Err(err).Str("job_id", id).Msg("mark retarget job running")
		return
	}

	ttl, err := m.policy.TTL(job.NewTier)
	if err != nil {
		m.finish(ctx, job, store.JobFailed, err)
		return
	}

	touched, err := m.store.RetargetTTL(ctx, job.UserID, ttl)
	if err != nil {
		if job.Attempts >= maxJobAttempts {
			m.finish(ctx, job, store.JobFailed, err)
			return
		}
		// Back to pending; the sweep re-enqueues it later.
		m.finish(ctx, job, store.JobPending, err)
		return
	}

	m.finish(ctx, job, store.JobDone, nil)
	m.log.Info().Str("job_id", job.ID).Str("user_id", job.UserID).
		Str("tier", job.NewTier).Int64("turns", touched).Msg("retention retarget complete")
}

func (m *Manager) finish(ctx context.Context, job store.RetargetJobRecord, status string, cause error) {
	job.Status = status
	job.UpdatedAt = time.Now().UTC()
	if cause != nil {
		job.Error = cause.Error()
	} else {
		job.Error = ""
	}
	if err := m.store.UpdateRetargetJob(ctx, job); err != nil {
		m.log.Error().Err(err).Str("job_id", job.ID).Str("status", status).Msg("update retarget job")
	}
	if cause != nil {
		m.log.Warn().Err(cause).Str("job_id", job.ID).Str("status", status).
			Int("attempts", job.Attempts).Msg("retarget attempt failed")
	}
}

// sweep reclaims expired rows and gives stranded pending jobs another
// chance. Milestones and growth state are never swept.
func (m *Manager) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	removed, err := m.store.PurgeExpired(ctx, time.Now().UTC())
	if err != nil {
		m.log.Error().Err(err).Msg("purge expired rows")
	} else if removed > 0 {
		m.log.Info().Int64("rows", removed).Msg("purged expired conversation data")
	}

	pending, err := m.store.PendingRetargetJobs(ctx, m.cfg.QueueSize)
	if err != nil {
		m.log.Error().Err(err).Msg("load pending retarget jobs")
		return
	}
	cutoff := time.Now().UTC().Add(-requeueAfter)
	for _, job := range pending {
		if job.UpdatedAt.Before(cutoff) {
			m.enqueue(job.ID)
		}
	}
}

// Close drains the workers and stops the sweep schedule.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.queue)
	m.mu.Unlock()

	m.wg.Wait()
	if m.sched != nil {
		return m.sched.Shutdown()
	}
	return nil
}
