package schedules

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store handles database operations for the schedules table.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new schedule Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const scheduleColumns = `id, token, user_id, scenario_id, type, time_hhmm,
	times_hhmm, timezone, every_minutes, run_at, active, next_run_at,
	locked_until, last_run_at, last_status_code, last_error, created_at, updated_at`

// claimable is the predicate for rows eligible to fire: active, due, and
// not held by a live lease. $N is the bind position of "now".
func claimable(n int) string {
	return fmt.Sprintf(`active = true AND next_run_at IS NOT NULL AND next_run_at <= $%d
	AND (locked_until IS NULL OR locked_until <= $%d)`, n, n)
}

func scanSchedule(row pgx.Row) (*Schedule, error) {
	var s Schedule
	err := row.Scan(
		&s.ID, &s.Token, &s.UserID, &s.ScenarioID, &s.Type, &s.TimeHHMM,
		&s.TimesHHMM, &s.Timezone, &s.EveryMinutes, &s.RunAt, &s.Active,
		&s.NextRunAt, &s.LockedUntil, &s.LastRunAt, &s.LastStatusCode,
		&s.LastError, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func scanSchedules(rows pgx.Rows) ([]Schedule, error) {
	var result []Schedule
	for rows.Next() {
		var s Schedule
		if err := rows.Scan(
			&s.ID, &s.Token, &s.UserID, &s.ScenarioID, &s.Type, &s.TimeHHMM,
			&s.TimesHHMM, &s.Timezone, &s.EveryMinutes, &s.RunAt, &s.Active,
			&s.NextRunAt, &s.LockedUntil, &s.LastRunAt, &s.LastStatusCode,
			&s.LastError, &s.CreatedAt, &s.UpdatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

// Create inserts a new schedule. The caller has already validated the
// trigger fields and computed next_run_at.
func (s *Store) Create(ctx context.Context, sched *Schedule) (*Schedule, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO schedules (token, user_id, scenario_id, type, time_hhmm,
			times_hhmm, timezone, every_minutes, run_at, active, next_run_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING `+scheduleColumns,
		sched.Token, sched.UserID, sched.ScenarioID, sched.Type, sched.TimeHHMM,
		sched.TimesHHMM, sched.Timezone, sched.EveryMinutes, sched.RunAt,
		sched.Active, sched.NextRunAt,
	)
	return scanSchedule(row)
}

// GetByID returns a schedule by ID.
func (s *Store) GetByID(ctx context.Context, id string) (*Schedule, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`, id,
	)
	sched, err := scanSchedule(row)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("schedule %s not found", id)
	}
	return sched, err
}

// FindByKey returns schedules matching (token, user_id, type), newest
// created first. Multiple rows are possible for non-daily types.
func (s *Store) FindByKey(ctx context.Context, token string, userID int64, typ Type) ([]Schedule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+scheduleColumns+` FROM schedules
		 WHERE token = $1 AND user_id = $2 AND type = $3
		 ORDER BY created_at DESC`,
		token, userID, typ,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

// List returns schedules with optional filters, newest created first.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE 1=1`
	args := []any{}
	argN := 1

	if filter.Token != nil {
		query += fmt.Sprintf(" AND token = $%d", argN)
		args = append(args, *filter.Token)
		argN++
	}
	if filter.UserID != nil {
		query += fmt.Sprintf(" AND user_id = $%d", argN)
		args = append(args, *filter.UserID)
		argN++
	}
	if filter.Active != nil {
		query += fmt.Sprintf(" AND active = $%d", argN)
		args = append(args, *filter.Active)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result, err := scanSchedules(rows)
	if result == nil {
		result = []Schedule{}
	}
	return result, err
}

// Update persists the mutable fields of sched by ID and clears any lease,
// so a mis-leased row is claimable again after an edit. The caller has
// merged the requested changes and recomputed next_run_at.
func (s *Store) Update(ctx context.Context, sched *Schedule) (*Schedule, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE schedules SET
			token = $2, user_id = $3, scenario_id = $4, time_hhmm = $5,
			times_hhmm = $6, timezone = $7, every_minutes = $8, run_at = $9,
			active = $10, next_run_at = $11,
			locked_until = NULL,
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+scheduleColumns,
		sched.ID, sched.Token, sched.UserID, sched.ScenarioID, sched.TimeHHMM,
		sched.TimesHHMM, sched.Timezone, sched.EveryMinutes, sched.RunAt,
		sched.Active, sched.NextRunAt,
	)
	updated, err := scanSchedule(row)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("schedule %s not found", sched.ID)
	}
	return updated, err
}

// Delete hard-deletes a schedule.
func (s *Store) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("schedule %s not found", id)
	}
	return nil
}

// DeleteByKey deletes all schedules matching (token, user_id, type).
// Returns the number of rows removed.
func (s *Store) DeleteByKey(ctx context.Context, token string, userID int64, typ Type) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM schedules WHERE token = $1 AND user_id = $2 AND type = $3`,
		token, userID, typ,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// DeleteAllForPair deletes every schedule for (token, user_id) regardless
// of type. Returns the number of rows removed.
func (s *Store) DeleteAllForPair(ctx context.Context, token string, userID int64) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM schedules WHERE token = $1 AND user_id = $2`,
		token, userID,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// UpsertDailySingleton enforces the one-daily-schedule-per-(token,user_id)
// policy in a single transaction: when rows already exist, the newest one
// takes the new payload and the rest are deleted; otherwise a fresh row is
// inserted. The returned row always carries sched's trigger fields.
func (s *Store) UpsertDailySingleton(ctx context.Context, sched *Schedule) (*Schedule, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rows, err := tx.Query(ctx,
		`SELECT id FROM schedules
		 WHERE type = 'daily' AND token = $1 AND user_id = $2
		 ORDER BY created_at DESC`,
		sched.Token, sched.UserID,
	)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var result *Schedule
	if len(ids) == 0 {
		row := tx.QueryRow(ctx,
			`INSERT INTO schedules (token, user_id, scenario_id, type, time_hhmm,
				times_hhmm, timezone, active, next_run_at)
			 VALUES ($1, $2, $3, 'daily', $4, $5, $6, $7, $8)
			 RETURNING `+scheduleColumns,
			sched.Token, sched.UserID, sched.ScenarioID, sched.TimeHHMM,
			sched.TimesHHMM, sched.Timezone, sched.Active, sched.NextRunAt,
		)
		result, err = scanSchedule(row)
		if err != nil {
			return nil, err
		}
	} else {
		row := tx.QueryRow(ctx,
			`UPDATE schedules SET
				scenario_id = $2, time_hhmm = $3, times_hhmm = $4, timezone = $5,
				active = $6, next_run_at = $7,
				locked_until = NULL,
				updated_at = NOW()
			WHERE id = $1
			RETURNING `+scheduleColumns,
			ids[0], sched.ScenarioID, sched.TimeHHMM, sched.TimesHHMM,
			sched.Timezone, sched.Active, sched.NextRunAt,
		)
		result, err = scanSchedule(row)
		if err != nil {
			return nil, err
		}
		if len(ids) > 1 {
			if _, err := tx.Exec(ctx,
				`DELETE FROM schedules WHERE id = ANY($1)`, ids[1:],
			); err != nil {
				return nil, fmt.Errorf("delete duplicate daily schedules: %w", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return result, nil
}

// PeekDue returns up to batch ids of claimable rows ordered by next_run_at.
// Read-only; a later Claim re-checks the predicate, so callers must
// tolerate Claim returning fewer rows than PeekDue suggested.
func (s *Store) PeekDue(ctx context.Context, batch int, now time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM schedules
		 WHERE `+claimable(1)+`
		 ORDER BY next_run_at
		 LIMIT $2`,
		now, batch,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Claim atomically leases every id that still satisfies the claimable
// predicate, setting locked_until to leaseUntil, and returns the fire
// tuples. Rows that another worker claimed in the meantime are silently
// skipped. The single conditional UPDATE makes concurrent claimers
// mutually exclusive per row.
func (s *Store) Claim(ctx context.Context, ids []string, leaseUntil, now time.Time) ([]ClaimedRow, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`UPDATE schedules SET
			locked_until = $2,
			updated_at = NOW()
		WHERE id = ANY($1) AND `+claimable(3)+`
		RETURNING id, token, user_id, scenario_id, type`,
		ids, leaseUntil, now,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claimed []ClaimedRow
	for rows.Next() {
		var c ClaimedRow
		if err := rows.Scan(&c.ID, &c.Token, &c.UserID, &c.ScenarioID, &c.Type); err != nil {
			return nil, err
		}
		claimed = append(claimed, c)
	}
	return claimed, rows.Err()
}

// RecordOutcome writes the post-fire bookkeeping for one schedule and
// releases its lease. Once schedules arrive here with Active=false and
// NextRunAt=nil; repeating ones with a freshly computed NextRunAt.
func (s *Store) RecordOutcome(ctx context.Context, id string, o Outcome) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE schedules SET
			last_run_at = $2,
			last_status_code = $3,
			last_error = $4,
			next_run_at = $5,
			active = $6,
			locked_until = NULL,
			updated_at = NOW()
		WHERE id = $1`,
		id, o.FiredAt, o.StatusCode, o.Error, o.NextRunAt, o.Active,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("schedule %s not found", id)
	}
	return nil
}
