package persist

import (
    "context"
    "database/sql"
    "encoding/json"
    "time"

    "github.com/hamzaKhattat/callqueue-engine/internal/queue"
    "github.com/hamzaKhattat/callqueue-engine/pkg/errors"
)

// Repo is the journal's CallJob CRUD surface. The in-process store is the
// fast path for every read; Repo exists purely so a restart can recover
// exactly what was true before the crash.
type Repo struct {
    db *DB
}

func NewRepo(db *DB) *Repo {
    return &Repo{db: db}
}

// Upsert writes the full job record, insert-or-update on id. Called after
// every state-mutating Store operation, before that operation returns to
// its caller, satisfying the "durable before the call returns" contract.
func (r *Repo) Upsert(ctx context.Context, job *queue.CallJob) error {
    callConfig, err := json.Marshal(job.CallConfig)
    if err != nil {
        return errors.Wrap(err, errors.ErrInternal, "marshal call_config")
    }
    attemptLog, err := json.Marshal(job.AttemptLog)
    if err != nil {
        return errors.Wrap(err, errors.ErrInternal, "marshal attempt_log")
    }
    var result []byte
    if job.Result != nil {
        result, err = json.Marshal(job.Result)
        if err != nil {
            return errors.Wrap(err, errors.ErrInternal, "marshal result")
        }
    }

    const q = `
        INSERT INTO call_jobs
            (id, phone_number, campaign_id, call_config, priority, scheduled_at,
             max_retries, retry_count, status, attempt_log, result,
             dispatched_at, last_observed_at, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE
            phone_number=VALUES(phone_number), campaign_id=VALUES(campaign_id),
            call_config=VALUES(call_config), priority=VALUES(priority),
            scheduled_at=VALUES(scheduled_at), max_retries=VALUES(max_retries),
            retry_count=VALUES(retry_count), status=VALUES(status),
            attempt_log=VALUES(attempt_log), result=VALUES(result),
            dispatched_at=VALUES(dispatched_at), last_observed_at=VALUES(last_observed_at),
            updated_at=VALUES(updated_at)`

    _, err = r.db.ExecContext(ctx, q,
        job.ID, job.PhoneNumber, job.CampaignID, callConfig, job.Priority, job.ScheduledAt,
        job.MaxRetries, job.RetryCount, job.Status, attemptLog, nullableJSON(result),
        job.DispatchedAt, job.LastObservedAt, job.CreatedAt, job.UpdatedAt)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "upsert call job")
    }
    return nil
}

func nullableJSON(b []byte) interface{} {
    if b == nil {
        return nil
    }
    return b
}

// LoadAll reconstructs every job row, for Store.Recover on startup.
func (r *Repo) LoadAll(ctx context.Context) ([]*queue.CallJob, error) {
    const q = `
        SELECT id, phone_number, campaign_id, call_config, priority, scheduled_at,
               max_retries, retry_count, status, attempt_log, result,
               dispatched_at, last_observed_at, created_at, updated_at
        FROM call_jobs
        ORDER BY created_at`

    rows, err := r.db.QueryContext(ctx, q)
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "load call jobs")
    }
    defer rows.Close()

    var jobs []*queue.CallJob
    for rows.Next() {
        job, err := scanJob(rows)
        if err != nil {
            return nil, err
        }
        jobs = append(jobs, job)
    }
    return jobs, rows.Err()
}

type rowScanner interface {
    Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*queue.CallJob, error) {
    var job queue.CallJob
    var callConfig, attemptLog []byte
    var result sql.NullString

    err := row.Scan(
        &job.ID, &job.PhoneNumber, &job.CampaignID, &callConfig, &job.Priority, &job.ScheduledAt,
        &job.MaxRetries, &job.RetryCount, &job.Status, &attemptLog, &result,
        &job.DispatchedAt, &job.LastObservedAt, &job.CreatedAt, &job.UpdatedAt)
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "scan call job")
    }

    job.CallConfig = make(queue.JSON)
    if len(callConfig) > 0 {
        if err := json.Unmarshal(callConfig, &job.CallConfig); err != nil {
            return nil, errors.Wrap(err, errors.ErrInternal, "unmarshal call_config")
        }
    }
    if len(attemptLog) > 0 {
        if err := json.Unmarshal(attemptLog, &job.AttemptLog); err != nil {
            return nil, errors.Wrap(err, errors.ErrInternal, "unmarshal attempt_log")
        }
    }
    if result.Valid && result.String != "" {
        var cr queue.CallResult
        if err := json.Unmarshal([]byte(result.String), &cr); err != nil {
            return nil, errors.Wrap(err, errors.ErrInternal, "unmarshal result")
        }
        job.Result = &cr
    }

    return &job, nil
}

// SaveUndelivered persists a terminal CallResult that exhausted delivery
// retries, per §4.5.6 ("never drop the result").
func (r *Repo) SaveUndelivered(ctx context.Context, result *queue.CallResult, lastErr string) error {
    payload, err := json.Marshal(result)
    if err != nil {
        return errors.Wrap(err, errors.ErrInternal, "marshal undelivered result")
    }

    const q = `
        INSERT INTO undelivered_results (call_id, result, attempts, last_error, created_at, updated_at)
        VALUES (?, ?, 1, ?, ?, ?)
        ON DUPLICATE KEY UPDATE
            result=VALUES(result), attempts=attempts+1, last_error=VALUES(last_error), updated_at=VALUES(updated_at)`

    now := time.Now()
    _, err = r.db.ExecContext(ctx, q, result.CallID, payload, lastErr, now, now)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "save undelivered result")
    }
    return nil
}

// ListUndelivered supports the operator-facing `callqueue stats --undelivered` view.
func (r *Repo) ListUndelivered(ctx context.Context) ([]*queue.CallResult, error) {
    const q = `SELECT result FROM undelivered_results ORDER BY updated_at DESC`

    rows, err := r.db.QueryContext(ctx, q)
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "list undelivered results")
    }
    defer rows.Close()

    var results []*queue.CallResult
    for rows.Next() {
        var payload []byte
        if err := rows.Scan(&payload); err != nil {
            return nil, errors.Wrap(err, errors.ErrDatabase, "scan undelivered result")
        }
        var cr queue.CallResult
        if err := json.Unmarshal(payload, &cr); err != nil {
            return nil, errors.Wrap(err, errors.ErrInternal, "unmarshal undelivered result")
        }
        results = append(results, &cr)
    }
    return results, rows.Err()
}

// DeleteTerminalBefore evicts terminal jobs older than the retention window
// (§3.3 — "retained ... for a bounded window, then evicted").
func (r *Repo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
    const q = `
        DELETE FROM call_jobs
        WHERE status IN ('COMPLETED','FAILED','MISSED','CANCELLED') AND updated_at < ?`

    res, err := r.db.ExecContext(ctx, q, cutoff)
    if err != nil {
        return 0, errors.Wrap(err, errors.ErrDatabase, "evict terminal jobs")
    }
    return res.RowsAffected()
}
