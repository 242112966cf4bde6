package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/NEXT-Data-Automation-and-Research/cqms-sub000/internal/apperror"
	domain "github.com/NEXT-Data-Automation-and-Research/cqms-sub000/internal/audit"
)

const timeFormat = "2006-01-02T15:04:05Z"

const nowExpr = `strftime('%Y-%m-%dT%H:%M:%SZ', 'now')`

const jobColumns = `id, status, total_units, completed_units, dispatched_units,
	error, payload, created_at, updated_at, scheduled_at, completed_at`

// Repository is the sqlite-backed job store. Every state change is a single
// conditional UPDATE so concurrent loops (and concurrent orchestrator
// processes sharing the database) race safely without application locks.
type Repository struct {
	db *sql.DB

	// increment is the active IncrementCompleted path, chosen at
	// construction: atomic single-statement by default, best-effort
	// read-modify-write via WithBestEffortIncrement.
	increment func(ctx context.Context, id, delta int64, autoComplete bool) (*domain.Job, error)
}

type Option func(*Repository)

// WithBestEffortIncrement switches IncrementCompleted to a read-then-write
// path guarded only by a status check. It can lose concurrent increments and
// exists for parity with deployments whose storage lacks an atomic
// conditional increment; the atomic path is always preferred here.
func WithBestEffortIncrement() Option {
	return func(r *Repository) { r.increment = r.incrementBestEffort }
}

func NewRepository(db *sql.DB, opts ...Option) *Repository {
	r := &Repository{db: db}
	r.increment = r.incrementAtomic
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Repository) CountActive(ctx context.Context) (int, error) {
	const query = `SELECT COUNT(*) FROM audit_jobs WHERE status IN ('queued', 'running')`

	var n int
	if err := r.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("count active jobs: %w", err)
	}
	return n, nil
}

func (r *Repository) Insert(ctx context.Context, j *domain.Job) error {
	const query = `INSERT INTO audit_jobs (status, total_units, payload, scheduled_at)
		VALUES (?, ?, ?, ?)`

	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query,
		string(j.Status), j.TotalUnits, string(payload), timePtrStr(j.ScheduledAt),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	j.ID, _ = res.LastInsertId()
	j.CreatedAt = time.Now().UTC()
	j.UpdatedAt = j.CreatedAt
	return nil
}

func (r *Repository) Get(ctx context.Context, id int64) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM audit_jobs WHERE id = ?`

	j, err := scanJob(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, apperror.New(apperror.NotFound, "job not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (r *Repository) List(ctx context.Context, status domain.Status, limit int) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM audit_jobs`

	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}

	return jobs, rows.Err()
}

func (r *Repository) ClaimNextScheduled(ctx context.Context) (*domain.Job, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim scheduled: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM audit_jobs WHERE status = 'scheduled'
		 ORDER BY scheduled_at ASC, id ASC LIMIT 1`,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim scheduled: select: %w", err)
	}

	// The status guard is the CAS: if another claimant got here first the
	// update matches nothing and the claim is simply lost.
	res, err := tx.ExecContext(ctx,
		`UPDATE audit_jobs SET status = 'queued', updated_at = `+nowExpr+`
		 WHERE id = ? AND status = 'scheduled'`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("claim scheduled: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim scheduled: rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim scheduled: commit: %w", err)
	}
	if n == 0 {
		return nil, nil
	}

	return r.Get(ctx, id)
}

func (r *Repository) Transition(ctx context.Context, id int64, from []domain.Status, to domain.Status, upd domain.TransitionUpdate) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition job %d: empty from-status set", id)
	}

	query := `UPDATE audit_jobs SET status = ?,
		error = COALESCE(?, error),
		completed_at = COALESCE(?, completed_at),
		updated_at = ` + nowExpr + `
		WHERE id = ? AND status IN (` + statusPlaceholders(len(from)) + `)`

	args := []any{string(to), upd.Error, timePtrStr(upd.CompletedAt), id}
	for _, s := range from {
		args = append(args, string(s))
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("transition job %d to %s: %w", id, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition job %d: rows affected: %w", id, err)
	}
	return n > 0, nil
}

func (r *Repository) IncrementCompleted(ctx context.Context, id int64, delta int64, autoComplete bool) (*domain.Job, error) {
	return r.increment(ctx, id, delta, autoComplete)
}

// incrementAtomic performs the counter advance, the cap at total_units and
// the optional auto-completion in one UPDATE; concurrent callbacks for the
// same job serialize at the storage layer.
func (r *Repository) incrementAtomic(ctx context.Context, id, delta int64, autoComplete bool) (*domain.Job, error) {
	query := `UPDATE audit_jobs SET
		completed_units = MIN(total_units, completed_units + ?1),
		completed_at = CASE
			WHEN ?2 AND completed_units + ?1 >= total_units
				AND status IN ('scheduled', 'queued', 'running')
			THEN ` + nowExpr + ` ELSE completed_at END,
		status = CASE
			WHEN ?2 AND completed_units + ?1 >= total_units
				AND status IN ('scheduled', 'queued', 'running')
			THEN 'completed' ELSE status END,
		updated_at = ` + nowExpr + `
		WHERE id = ?3`

	res, err := r.db.ExecContext(ctx, query, delta, boolInt(autoComplete), id)
	if err != nil {
		return nil, fmt.Errorf("increment completed units: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("increment completed units: rows affected: %w", err)
	}
	if n == 0 {
		return nil, apperror.New(apperror.NotFound, "job not found")
	}

	return r.Get(ctx, id)
}

// incrementBestEffort re-reads the row and writes absolute values, retrying
// a few times when the status changes underneath it. Concurrent increments
// can still be lost; this is the documented degraded mode.
func (r *Repository) incrementBestEffort(ctx context.Context, id, delta int64, autoComplete bool) (*domain.Job, error) {
	for attempt := 0; attempt < 3; attempt++ {
		j, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		completed := min(j.TotalUnits, j.CompletedUnits+delta)
		status := j.Status
		stampCompleted := false
		if autoComplete && !j.Status.Terminal() && completed >= j.TotalUnits {
			status = domain.StatusCompleted
			stampCompleted = true
		}

		query := `UPDATE audit_jobs SET completed_units = ?, status = ?,
			updated_at = ` + nowExpr
		if stampCompleted {
			query += `, completed_at = ` + nowExpr
		}
		query += ` WHERE id = ? AND status = ?`

		res, err := r.db.ExecContext(ctx, query, completed, string(status), id, string(j.Status))
		if err != nil {
			return nil, fmt.Errorf("increment completed units (fallback): %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("increment completed units (fallback): rows affected: %w", err)
		}
		if n > 0 {
			return r.Get(ctx, id)
		}
		// Status moved underneath us; re-read and try again.
	}
	return nil, fmt.Errorf("increment completed units (fallback): job %d kept changing", id)
}

func (r *Repository) IncrementDispatched(ctx context.Context, id int64, delta int64) error {
	query := `UPDATE audit_jobs SET dispatched_units = dispatched_units + ?,
		updated_at = ` + nowExpr + ` WHERE id = ?`

	res, err := r.db.ExecContext(ctx, query, delta, id)
	if err != nil {
		return fmt.Errorf("increment dispatched units: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("increment dispatched units: rows affected: %w", err)
	}
	if n == 0 {
		return apperror.New(apperror.NotFound, "job not found")
	}
	return nil
}

func (r *Repository) SetProgress(ctx context.Context, id int64, completedUnits, totalUnits *int64, status *domain.Status) (*domain.Job, error) {
	cur, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	total := cur.TotalUnits
	if totalUnits != nil {
		total = *totalUnits
	}
	completed := cur.CompletedUnits
	if completedUnits != nil {
		completed = *completedUnits
	}
	completed = min(completed, total)

	if completedUnits != nil || totalUnits != nil {
		query := `UPDATE audit_jobs SET completed_units = ?, total_units = ?,
			updated_at = ` + nowExpr + ` WHERE id = ?`
		if _, err := r.db.ExecContext(ctx, query, completed, total, id); err != nil {
			return nil, fmt.Errorf("set progress counters: %w", err)
		}
	}

	if status != nil && *status != cur.Status {
		// A terminal row never transitions again, legacy path included.
		upd := domain.TransitionUpdate{}
		if status.Terminal() {
			now := time.Now().UTC()
			upd.CompletedAt = &now
		}
		nonTerminal := []domain.Status{domain.StatusScheduled, domain.StatusQueued, domain.StatusRunning}
		if _, err := r.Transition(ctx, id, nonTerminal, *status, upd); err != nil {
			return nil, err
		}
	}

	return r.Get(ctx, id)
}

func (r *Repository) MarkStaleActive(ctx context.Context, cutoff time.Time) ([]domain.Job, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("mark stale: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM audit_jobs
		 WHERE status IN ('queued', 'running') AND created_at < ?`,
		cutoff.UTC().Format(timeFormat),
	)
	if err != nil {
		return nil, fmt.Errorf("mark stale: select: %w", err)
	}

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("mark stale: scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mark stale: rows: %w", err)
	}
	_ = rows.Close()

	var affected []int64
	for _, id := range ids {
		res, err := tx.ExecContext(ctx,
			`UPDATE audit_jobs SET status = 'failed', error = ?,
			 completed_at = `+nowExpr+`, updated_at = `+nowExpr+`
			 WHERE id = ? AND status IN ('queued', 'running')`,
			domain.StaleJobMessage, id,
		)
		if err != nil {
			return nil, fmt.Errorf("mark stale: update job %d: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			affected = append(affected, id)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("mark stale: commit: %w", err)
	}

	jobs := make([]domain.Job, 0, len(affected))
	for _, id := range affected {
		j, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	j := &domain.Job{}
	var status, payloadStr, createdStr, updatedStr string
	var dbErr, scheduledStr, completedStr sql.NullString

	err := row.Scan(
		&j.ID, &status, &j.TotalUnits, &j.CompletedUnits, &j.DispatchedUnits,
		&dbErr, &payloadStr, &createdStr, &updatedStr, &scheduledStr, &completedStr,
	)
	if err != nil {
		return nil, err
	}

	j.Status = domain.Status(status)
	if dbErr.Valid {
		j.Error = dbErr.String
	}
	if err := json.Unmarshal([]byte(payloadStr), &j.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal job payload: %w", err)
	}
	j.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
	j.UpdatedAt, _ = time.Parse(time.RFC3339, updatedStr)
	if scheduledStr.Valid {
		t, _ := time.Parse(time.RFC3339, scheduledStr.String)
		j.ScheduledAt = &t
	}
	if completedStr.Valid {
		t, _ := time.Parse(time.RFC3339, completedStr.String)
		j.CompletedAt = &t
	}
	return j, nil
}

func statusPlaceholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func timePtrStr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeFormat)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
