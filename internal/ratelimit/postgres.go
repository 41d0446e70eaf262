package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store over PostgreSQL. The single upsert in Bump is the
// serialization point: concurrent bumps for the same subject queue on the
// unique (policy_id, subject_key) index, so no increment is ever lost.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Policies() PolicyStore { return &pgPolicies{db: s.db} }

func (s *PGStore) UserCounters() CounterStore {
	return &pgCounters{db: s.db, table: "rate_counters_user"}
}

func (s *PGStore) IPCounters() CounterStore {
	return &pgCounters{db: s.db, table: "rate_counters_ip"}
}

// Policy store ---------------------------------------------------------------

type pgPolicies struct{ db *sql.DB }

const policyColumns = `id, code, scope, category, window_seconds, max_requests, burst_size,
	sliding_window, enabled, created_at, updated_at`

func (s *pgPolicies) GetByCode(ctx context.Context, code string) (*Policy, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+policyColumns+` from rate_limit_policies where code=$1 and deleted_at is null`, code)
	var p Policy
	if err := row.Scan(&p.ID, &p.Code, &p.Scope, &p.Category, &p.WindowSeconds, &p.MaxRequests,
		&p.BurstSize, &p.SlidingWindow, &p.Enabled, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *pgPolicies) List(ctx context.Context) ([]*Policy, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+policyColumns+` from rate_limit_policies where deleted_at is null order by code asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Policy
	for rows.Next() {
		var p Policy
		if err := rows.Scan(&p.ID, &p.Code, &p.Scope, &p.Category, &p.WindowSeconds, &p.MaxRequests,
			&p.BurstSize, &p.SlidingWindow, &p.Enabled, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *pgPolicies) Upsert(ctx context.Context, p *Policy) error {
	_, err := s.db.ExecContext(ctx,
		`insert into rate_limit_policies(id, code, scope, category, window_seconds, max_requests,
		        burst_size, sliding_window, enabled, updated_at)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		 on conflict (code) do update set
		        scope=excluded.scope,
		        category=excluded.category,
		        window_seconds=excluded.window_seconds,
		        max_requests=excluded.max_requests,
		        burst_size=excluded.burst_size,
		        sliding_window=excluded.sliding_window,
		        enabled=excluded.enabled,
		        updated_at=excluded.updated_at,
		        deleted_at=null`,
		p.ID, p.Code, p.Scope, p.Category, p.WindowSeconds, p.MaxRequests,
		p.BurstSize, p.SlidingWindow, p.Enabled, p.UpdatedAt,
	)
	return err
}

// Counter store --------------------------------------------------------------

type pgCounters struct {
	db    *sql.DB
	table string
}

const counterColumns = `id, policy_id, subject_key, count, window_started_at, window_ends_at,
	last_action_at, blocked_until, updated_at, deleted_at`

func (s *pgCounters) Current(ctx context.Context, policyID, subjectKey string) (*Counter, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+counterColumns+` from `+s.table+` where policy_id=$1 and subject_key=$2 and deleted_at is null`,
		policyID, subjectKey)
	return scanCounter(row)
}

// rollCondition is the SQL predicate deciding whether the incoming bump lands
// in a new window. Sliding windows re-anchor only after a full window of
// inactivity; fixed windows re-anchor when the stored window has ended. Both
// compare against excluded.last_action_at, the bump's observation time. A
// soft-deleted row still holds the subject's unique slot and always rolls.
func rollCondition(p *Policy) string {
	if p.SlidingWindow {
		return `(c.deleted_at is not null or c.last_action_at + (c.window_ends_at - c.window_started_at) <= excluded.last_action_at)`
	}
	return `(c.deleted_at is not null or c.window_ends_at <= excluded.last_action_at)`
}

func (s *pgCounters) Bump(ctx context.Context, p *Policy, subjectKey string, fresh *Counter) (*Counter, error) {
	roll := rollCondition(p)
	query := fmt.Sprintf(
		`insert into %s as c (id, policy_id, subject_key, count, window_started_at, window_ends_at, last_action_at, updated_at)
		 values($1,$2,$3,1,$4,$5,$6,$6)
		 on conflict (policy_id, subject_key) do update set
		        id = case when %[2]s then excluded.id else c.id end,
		        count = case when %[2]s then 1 else c.count + 1 end,
		        window_started_at = case when %[2]s then excluded.window_started_at else c.window_started_at end,
		        window_ends_at = case when %[2]s then excluded.window_ends_at else c.window_ends_at end,
		        blocked_until = case when %[2]s then null else c.blocked_until end,
		        deleted_at = case when %[2]s then null else c.deleted_at end,
		        last_action_at = excluded.last_action_at,
		        updated_at = excluded.updated_at
		 returning `+counterColumns, s.table, roll)

	row := s.db.QueryRowContext(ctx, query,
		fresh.ID, p.ID, subjectKey, fresh.WindowStartedAt, fresh.WindowEndsAt, fresh.LastActionAt)
	return scanCounter(row)
}

func (s *pgCounters) Block(ctx context.Context, policyID, subjectKey string, until, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update `+s.table+` set blocked_until=$3, updated_at=$4
		 where policy_id=$1 and subject_key=$2 and deleted_at is null`,
		policyID, subjectKey, until, now)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanCounter(row *sql.Row) (*Counter, error) {
	var c Counter
	if err := row.Scan(&c.ID, &c.PolicyID, &c.SubjectKey, &c.Count, &c.WindowStartedAt,
		&c.WindowEndsAt, &c.LastActionAt, &c.BlockedUntil, &c.UpdatedAt, &c.DeletedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}
