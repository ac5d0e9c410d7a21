package pendingqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

const recordColumns = "id, name, content, attempt_count, next_attempt_at, created_at"

// Enqueue stores a record whose first delivery just failed. It becomes
// due RetryDelay(0) after now.
func (q *Queue) Enqueue(ctx context.Context, name, content string, now time.Time) (Record, error) {
	rec := Record{
		ID:            uuid.NewString(),
		Name:          name,
		Content:       content,
		AttemptCount:  0,
		NextAttemptAt: now.Add(RetryDelay(0)),
		CreatedAt:     now,
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	_, err := q.db.ExecContext(ctx,
		"INSERT INTO pending_records ("+recordColumns+") VALUES (?, ?, ?, ?, ?, ?)",
		rec.ID, rec.Name, rec.Content, rec.AttemptCount,
		rec.NextAttemptAt.Unix(), rec.CreatedAt.Unix(),
	)
	if err != nil {
		return Record{}, fmt.Errorf("%w: enqueue %s: %w", ErrPersistence, name, err)
	}
	q.log.WithField("id", rec.ID).Infof("Queued %s for retry at %s", name, rec.NextAttemptAt.Format(time.RFC3339))
	return rec, nil
}

// Due returns records whose next attempt is at or before now, oldest first.
func (q *Queue) Due(ctx context.Context, now time.Time) ([]Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queryRecords(ctx,
		"SELECT "+recordColumns+" FROM pending_records WHERE next_attempt_at <= ? ORDER BY created_at, id",
		now.Unix())
}

// All returns every pending record, oldest first.
func (q *Queue) All(ctx context.Context) ([]Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queryRecords(ctx, "SELECT "+recordColumns+" FROM pending_records ORDER BY created_at, id")
}

func (q *Queue) Get(ctx context.Context, id string) (Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	recs, err := q.queryRecords(ctx, "SELECT "+recordColumns+" FROM pending_records WHERE id = ?", id)
	if err != nil {
		return Record{}, err
	}
	if len(recs) == 0 {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return recs[0], nil
}

// MarkFailed records another failed attempt and pushes the next one
// out to now + 2^attempt_count hours.
func (q *Queue) MarkFailed(ctx context.Context, id string, now time.Time) (Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	recs, err := q.queryRecords(ctx, "SELECT "+recordColumns+" FROM pending_records WHERE id = ?", id)
	if err != nil {
		return Record{}, err
	}
	if len(recs) == 0 {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rec := recs[0]
	rec.AttemptCount++
	rec.NextAttemptAt = now.Add(RetryDelay(rec.AttemptCount))

	_, err = q.db.ExecContext(ctx,
		"UPDATE pending_records SET attempt_count = ?, next_attempt_at = ? WHERE id = ?",
		rec.AttemptCount, rec.NextAttemptAt.Unix(), id)
	if err != nil {
		return Record{}, fmt.Errorf("%w: mark failed %s: %w", ErrPersistence, id, err)
	}
	return rec, nil
}

// Delete removes a delivered record.
func (q *Queue) Delete(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, err := q.db.ExecContext(ctx, "DELETE FROM pending_records WHERE id = ?", id); err != nil {
		return fmt.Errorf("%w: delete %s: %w", ErrPersistence, id, err)
	}
	return nil
}

// PurgeExpired drops records created before now - retention (floored
// at MinRetention) and trims the record history by the same horizon.
// Each dropped record is lost for good and logged as such.
func (q *Queue) PurgeExpired(ctx context.Context, now time.Time, retention time.Duration) ([]Record, error) {
	cutoff := now.Add(-EffectiveRetention(retention))

	q.mu.Lock()
	defer q.mu.Unlock()

	expired, err := q.queryRecords(ctx,
		"SELECT "+recordColumns+" FROM pending_records WHERE created_at < ? ORDER BY created_at, id",
		cutoff.Unix())
	if err != nil {
		return nil, err
	}
	if len(expired) > 0 {
		if _, err := q.db.ExecContext(ctx, "DELETE FROM pending_records WHERE created_at < ?", cutoff.Unix()); err != nil {
			return nil, fmt.Errorf("%w: purge: %w", ErrPersistence, err)
		}
	}
	for _, rec := range expired {
		q.log.WithField("id", rec.ID).Warnf("Data loss: dropped %s after %d attempts, created %s",
			rec.Name, rec.AttemptCount, humanize.RelTime(rec.CreatedAt, now, "ago", "from now"))
	}

	if _, err := q.db.ExecContext(ctx, "DELETE FROM record_log WHERE timestamp < ?", cutoff.Unix()); err != nil {
		return expired, fmt.Errorf("%w: trim record log: %w", ErrPersistence, err)
	}
	return expired, nil
}

func (q *Queue) Count(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int
	if err := q.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM pending_records").Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count: %w", ErrPersistence, err)
	}
	return n, nil
}

// LogRecord appends an entry to the record history.
func (q *Queue) LogRecord(ctx context.Context, e LogEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, err := q.db.ExecContext(ctx,
		"INSERT INTO record_log (timestamp, kind, name, content, outcome, detail) VALUES (?, ?, ?, ?, ?, ?)",
		e.Timestamp.Unix(), e.Kind, e.Name, e.Content, string(e.Outcome), e.Detail)
	if err != nil {
		return fmt.Errorf("%w: log record: %w", ErrPersistence, err)
	}
	return nil
}

// RecentRecords returns up to limit history entries, newest first.
func (q *Queue) RecentRecords(ctx context.Context, limit int) ([]LogEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rows, err := q.db.QueryContext(ctx,
		"SELECT timestamp, kind, name, content, outcome, detail FROM record_log ORDER BY timestamp DESC, id DESC LIMIT ?",
		limit)
	if err != nil {
		return nil, fmt.Errorf("%w: recent records: %w", ErrPersistence, err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var (
			e  LogEntry
			ts int64
		)
		if err := rows.Scan(&ts, &e.Kind, &e.Name, &e.Content, &e.Outcome, &e.Detail); err != nil {
			return nil, fmt.Errorf("%w: scan record log: %w", ErrPersistence, err)
		}
		e.Timestamp = time.Unix(ts, 0)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return out, nil
}

func (q *Queue) queryRecords(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %w", ErrPersistence, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return out, nil
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var (
		rec           Record
		next, created int64
	)
	if err := rows.Scan(&rec.ID, &rec.Name, &rec.Content, &rec.AttemptCount, &next, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("%w: scan: %w", ErrPersistence, err)
	}
	rec.NextAttemptAt = time.Unix(next, 0)
	rec.CreatedAt = time.Unix(created, 0)
	return rec, nil
}
