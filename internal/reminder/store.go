// Package reminder implements the Reminder Service (§11): persisted,
// cron-scheduled recurring invocations against addressables, independent
// of that addressable's current activation lifetime.
package reminder

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oriys/meshrt/internal/meshrt"
)

// Schedule is the persisted ReminderSchedule record (§3, §11).
type Schedule struct {
	Name       string
	Reference  meshrt.AddressableReference
	Method     string
	CronExpr   string
	NextFireAt time.Time
	Payload    []byte
}

// schemaDDL is the table this package uses; EnsureSchema applies it and the
// daemon calls EnsureSchema at startup, matching the teacher's preference
// for hand-written SQL and no migration ORM.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS mesh_reminder_schedules (
	name          TEXT PRIMARY KEY,
	interface_id  TEXT NOT NULL,
	actor_key     TEXT NOT NULL,
	method        TEXT NOT NULL,
	cron_expr     TEXT NOT NULL,
	next_fire_at  TIMESTAMPTZ NOT NULL,
	payload       BYTEA,
	locked_by     TEXT,
	locked_until  TIMESTAMPTZ
);`

// Store is the hand-written pgx data access layer, matching the teacher's
// store package style (pgxpool.Pool, no ORM, explicit SQL per operation).
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps an already-constructed pgxpool.Pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EnsureSchema applies schemaDDL; safe to call repeatedly.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaDDL)
	return err
}

// Upsert creates or replaces a schedule by name.
func (s *Store) Upsert(ctx context.Context, sched Schedule) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO mesh_reminder_schedules (name, interface_id, actor_key, method, cron_expr, next_fire_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (name) DO UPDATE SET
			interface_id = EXCLUDED.interface_id,
			actor_key    = EXCLUDED.actor_key,
			method       = EXCLUDED.method,
			cron_expr    = EXCLUDED.cron_expr,
			next_fire_at = EXCLUDED.next_fire_at,
			payload      = EXCLUDED.payload
	`, sched.Name, string(sched.Reference.Interface), string(sched.Reference.Key), sched.Method, sched.CronExpr, sched.NextFireAt, sched.Payload)
	return err
}

// Delete removes a schedule by name.
func (s *Store) Delete(ctx context.Context, name string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM mesh_reminder_schedules WHERE name = $1`, name)
	return err
}

// AcquireDue leases up to limit schedules whose next_fire_at has passed and
// are not currently locked by another worker, the same lease-then-process
// shape as the teacher's outbox relay.
func (s *Store) AcquireDue(ctx context.Context, workerID string, leaseDuration time.Duration, limit int) ([]Schedule, error) {
	now := time.Now()
	lockedUntil := now.Add(leaseDuration)
	rows, err := s.pool.Query(ctx, `
		UPDATE mesh_reminder_schedules
		SET locked_by = $1, locked_until = $2
		WHERE name IN (
			SELECT name FROM mesh_reminder_schedules
			WHERE next_fire_at <= $3 AND (locked_until IS NULL OR locked_until < $3)
			ORDER BY next_fire_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING name, interface_id, actor_key, method, cron_expr, next_fire_at, payload
	`, workerID, lockedUntil, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		var sched Schedule
		var iface, key string
		if err := rows.Scan(&sched.Name, &iface, &key, &sched.Method, &sched.CronExpr, &sched.NextFireAt, &sched.Payload); err != nil {
			return nil, err
		}
		sched.Reference = meshrt.AddressableReference{Interface: meshrt.InterfaceId(iface), Key: meshrt.ActorKey(key)}
		out = append(out, sched)
	}
	return out, rows.Err()
}

// AdvanceNextFire records the computed next fire time and releases the lock.
func (s *Store) AdvanceNextFire(ctx context.Context, name string, next time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE mesh_reminder_schedules
		SET next_fire_at = $2, locked_by = NULL, locked_until = NULL
		WHERE name = $1
	`, name, next)
	return err
}

// errNoRows re-exposes pgx.ErrNoRows so callers needn't import pgx directly.
var errNoRows = pgx.ErrNoRows

// ErrNoRows is returned by lookups with no match.
var ErrNoRows = errNoRows
