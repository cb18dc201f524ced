package reminder

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/oriys/meshrt/internal/logging"
	"github.com/oriys/meshrt/internal/meshrt"
	"github.com/oriys/meshrt/internal/metrics"
)

// Config controls the poller's concurrency and cadence, matching the
// shape of the teacher's outbox relay config.
type Config struct {
	Workers       int
	PollInterval  time.Duration
	LeaseDuration time.Duration
	BatchSize     int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 8
	}
	return c
}

// Dispatcher is the live Execution System's inbound entry point
// (internal/activation.System.Enqueue satisfies this).
type Dispatcher interface {
	Enqueue(ctx context.Context, req meshrt.InvocationRequest, reply func(meshrt.InvocationResult))
}

// inlinePayloadLimit is the largest payload Register stores directly in
// Postgres; larger payloads are offloaded to PayloadStore when one is
// configured (§11).
const inlinePayloadLimit = 8 << 10

// Service polls due schedules and dispatches the configured method against
// the Execution System, the same lease-then-process shape as the
// teacher's outbox relay worker pool.
type Service struct {
	store      *Store
	dispatcher Dispatcher
	payloads   *PayloadStore
	cfg        Config
	parser     cron.Parser

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewService constructs a Service bound to store and dispatcher. payloads
// may be nil, in which case oversized payloads are stored inline anyway.
func NewService(store *Store, dispatcher Dispatcher, payloads *PayloadStore, cfg Config) *Service {
	return &Service{
		store:      store,
		dispatcher: dispatcher,
		payloads:   payloads,
		cfg:        cfg.withDefaults(),
		parser:     cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// offloadedPrefix marks a Schedule.Payload value as an object store key
// rather than an inline payload.
const offloadedPrefix = "s3key:"

// Register upserts a schedule, computing its first nextFireAt from cronExpr
// if one was not already supplied, and offloading oversized payloads to
// PayloadStore when one is configured (§11).
func (s *Service) Register(ctx context.Context, sched Schedule) error {
	if sched.NextFireAt.IsZero() {
		next, err := s.nextFire(sched.CronExpr, time.Now())
		if err != nil {
			return err
		}
		sched.NextFireAt = next
	}
	if s.payloads != nil && len(sched.Payload) > inlinePayloadLimit {
		key, err := s.payloads.Put(ctx, sched.Name, sched.Payload)
		if err != nil {
			return fmt.Errorf("offload reminder payload: %w", err)
		}
		sched.Payload = []byte(offloadedPrefix + key)
	}
	return s.store.Upsert(ctx, sched)
}

// resolvePayload returns the schedule's invocation payload, transparently
// fetching from PayloadStore when it was previously offloaded.
func (s *Service) resolvePayload(ctx context.Context, sched Schedule) ([]byte, error) {
	if s.payloads == nil || len(sched.Payload) <= len(offloadedPrefix) || string(sched.Payload[:len(offloadedPrefix)]) != offloadedPrefix {
		return sched.Payload, nil
	}
	key := string(sched.Payload[len(offloadedPrefix):])
	return s.payloads.Get(ctx, key)
}

// Unregister removes a schedule by name.
func (s *Service) Unregister(ctx context.Context, name string) error {
	return s.store.Delete(ctx, name)
}

func (s *Service) nextFire(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Start launches the poller worker pool.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.stopCh = make(chan struct{})
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	logging.Op().Info("reminder service started", "workers", s.cfg.Workers, "poll_interval", s.cfg.PollInterval)
}

// Stop halts the poller pool and waits for in-flight polls to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stopCh)
	s.mu.Unlock()
	s.wg.Wait()
	logging.Op().Info("reminder service stopped")
}

func (s *Service) worker(id int) {
	defer s.wg.Done()
	t := time.NewTicker(s.cfg.PollInterval)
	defer t.Stop()
	workerID := fmt.Sprintf("reminder-worker-%d", id)
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.poll(workerID)
		}
	}
}

func (s *Service) poll(workerID string) {
	due, err := s.store.AcquireDue(context.Background(), workerID, s.cfg.LeaseDuration, s.cfg.BatchSize)
	if err != nil {
		logging.Op().Error("acquire due reminders failed", "worker", workerID, "error", err)
		return
	}
	for _, sched := range due {
		s.fire(workerID, sched)
	}
}

func (s *Service) fire(workerID string, sched Schedule) {
	payload, err := s.resolvePayload(context.Background(), sched)
	if err != nil {
		logging.Op().Error("resolve reminder payload failed", "reminder", sched.Name, "error", err)
		return
	}
	req := meshrt.InvocationRequest{
		MessageID: meshrt.MessageID(sched.Name + "/" + time.Now().Format(time.RFC3339Nano)),
		Target:    sched.Reference,
		Method:    sched.Method,
		Args:      payload,
	}
	s.dispatcher.Enqueue(context.Background(), req, func(result meshrt.InvocationResult) {
		if result.Err != nil {
			metrics.RecordReminderFire("error")
			logging.Op().Warn("reminder fire failed", "reminder", sched.Name, "error", result.Err)
		} else {
			metrics.RecordReminderFire("ok")
			logging.Op().Debug("reminder fired", "reminder", sched.Name, "worker", workerID)
		}
	})

	next, err := s.nextFire(sched.CronExpr, time.Now())
	if err != nil {
		logging.Op().Error("reminder cron re-evaluation failed", "reminder", sched.Name, "error", err)
		return
	}
	if err := s.store.AdvanceNextFire(context.Background(), sched.Name, next); err != nil {
		logging.Op().Error("advance reminder next fire failed", "reminder", sched.Name, "error", err)
	}
}
