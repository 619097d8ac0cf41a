package database

import (
	"database/sql"
	"fmt"
	"time"
)

// QueueRepository provides database operations for the download queue.
type QueueRepository struct {
	db interface {
		Exec(query string, args ...interface{}) (sql.Result, error)
		Query(query string, args ...interface{}) (*sql.Rows, error)
		QueryRow(query string, args ...interface{}) *sql.Row
	}
}

// NewQueueRepository creates a new queue repository instance.
func NewQueueRepository(db *sql.DB) *QueueRepository {
	return &QueueRepository{db: db}
}

const queueItemColumns = `id, content_type, content_id, content_name, artist_name,
	priority, source, requested_by, status, ticket_id, ticket_state,
	retry_count, max_retries, next_retry_at, error_kind, error_message,
	created_at, updated_at, started_at, last_submitted_at, completed_at`

func scanQueueItem(row interface{ Scan(dest ...interface{}) error }) (*QueueItem, error) {
	var item QueueItem
	err := row.Scan(
		&item.ID, &item.ContentType, &item.ContentID, &item.ContentName, &item.ArtistName,
		&item.Priority, &item.Source, &item.RequestedBy, &item.Status, &item.TicketID, &item.TicketState,
		&item.RetryCount, &item.MaxRetries, &item.NextRetryAt, &item.ErrorKind, &item.ErrorMessage,
		&item.CreatedAt, &item.UpdatedAt, &item.StartedAt, &item.LastSubmittedAt, &item.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// Enqueue inserts a new queue item. The caller assigns the ID and the
// immutable request fields; status starts at pending. The partial unique
// index on active content rejects duplicates of an in-flight request.
func (r *QueueRepository) Enqueue(item *QueueItem) error {
	now := time.Now().UTC()
	item.Status = StatusPending
	item.CreatedAt = now
	item.UpdatedAt = now

	query := `
		INSERT INTO queue_items (id, content_type, content_id, content_name, artist_name,
			priority, source, requested_by, status, retry_count, max_retries, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.Exec(query, item.ID, item.ContentType, item.ContentID, item.ContentName,
		item.ArtistName, item.Priority, item.Source, item.RequestedBy, item.Status,
		item.RetryCount, item.MaxRetries, item.CreatedAt, item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue item: %w", err)
	}

	return nil
}

// GetItem retrieves a queue item by ID. Returns nil when no item exists.
func (r *QueueRepository) GetItem(id string) (*QueueItem, error) {
	query := fmt.Sprintf("SELECT %s FROM queue_items WHERE id = ?", queueItemColumns)

	item, err := scanQueueItem(r.db.QueryRow(query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get queue item: %w", err)
	}

	return item, nil
}

// GetItemByTicket retrieves the queue item tracking the given fulfillment
// ticket. Returns nil when no item references the ticket.
func (r *QueueRepository) GetItemByTicket(ticketID string) (*QueueItem, error) {
	query := fmt.Sprintf("SELECT %s FROM queue_items WHERE ticket_id = ?", queueItemColumns)

	item, err := scanQueueItem(r.db.QueryRow(query, ticketID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get queue item by ticket: %w", err)
	}

	return item, nil
}

// IsInActiveQueue reports whether a non-terminal item already exists for
// the given content.
func (r *QueueRepository) IsInActiveQueue(contentType ContentType, contentID string) (bool, error) {
	query := `
		SELECT COUNT(*) FROM queue_items
		WHERE content_type = ? AND content_id = ? AND status IN ('pending', 'in_progress')
	`

	var count int
	if err := r.db.QueryRow(query, contentType, contentID).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check active queue: %w", err)
	}

	return count > 0, nil
}

// ListByStatus returns queue items, optionally filtered by status, newest
// first.
func (r *QueueRepository) ListByStatus(status *Status, limit, offset int) ([]*QueueItem, error) {
	query := fmt.Sprintf("SELECT %s FROM queue_items", queueItemColumns)
	args := []interface{}{}

	if status != nil {
		query += " WHERE status = ?"
		args = append(args, *status)
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue items: %w", err)
	}
	defer rows.Close()

	var items []*QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		items = append(items, item)
	}

	return items, rows.Err()
}

// PendingSubmission returns pending items whose retry backoff (if any) has
// elapsed, ordered by priority then age. These are the items the processor
// submits to the fulfillment service.
func (r *QueueRepository) PendingSubmission(now time.Time) ([]*QueueItem, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM queue_items
		WHERE status = 'pending' AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY priority ASC, created_at ASC
	`, queueItemColumns)

	rows, err := r.db.Query(query, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list pending submissions: %w", err)
	}
	defer rows.Close()

	var items []*QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		items = append(items, item)
	}

	return items, rows.Err()
}

// MarkSubmitted transitions a pending item to in_progress once a ticket
// has been created for it. last_submitted_at stays set through later
// transitions so every attempt keeps counting against the submission caps.
func (r *QueueRepository) MarkSubmitted(id, ticketID, ticketState string) error {
	now := time.Now().UTC()
	query := `
		UPDATE queue_items
		SET status = 'in_progress', ticket_id = ?, ticket_state = ?,
			next_retry_at = NULL, started_at = ?, last_submitted_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'
	`

	result, err := r.db.Exec(query, ticketID, ticketState, now, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to mark item submitted: %w", err)
	}

	return requireRowAffected(result, "mark submitted", id)
}

// UpdateTicketState records the latest fulfillment ticket state on the
// item tracking that ticket. Terminal items are left untouched.
func (r *QueueRepository) UpdateTicketState(ticketID, state string) error {
	query := `
		UPDATE queue_items SET ticket_state = ?, updated_at = ?
		WHERE ticket_id = ? AND status = 'in_progress'
	`

	_, err := r.db.Exec(query, state, time.Now().UTC(), ticketID)
	if err != nil {
		return fmt.Errorf("failed to update ticket state: %w", err)
	}

	return nil
}

// MarkCompleted transitions an item to the terminal completed status.
func (r *QueueRepository) MarkCompleted(id string) error {
	now := time.Now().UTC()
	query := `
		UPDATE queue_items
		SET status = 'completed', error_kind = NULL, error_message = NULL,
			completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'in_progress')
	`

	result, err := r.db.Exec(query, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to mark item completed: %w", err)
	}

	return requireRowAffected(result, "mark completed", id)
}

// MarkRetryWaiting returns a failed in-flight item to pending with an
// incremented retry count and a future due time. The ticket reference is
// cleared; the retry submits a fresh ticket.
func (r *QueueRepository) MarkRetryWaiting(id string, nextRetryAt time.Time, errorKind, errorMessage string) error {
	query := `
		UPDATE queue_items
		SET status = 'pending', ticket_id = NULL, ticket_state = NULL,
			retry_count = retry_count + 1, next_retry_at = ?,
			error_kind = ?, error_message = ?, started_at = NULL, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'in_progress')
	`

	result, err := r.db.Exec(query, nextRetryAt.UTC(), errorKind, errorMessage, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark item retry waiting: %w", err)
	}

	return requireRowAffected(result, "mark retry waiting", id)
}

// MarkFailed transitions an item to the terminal failed status.
func (r *QueueRepository) MarkFailed(id, errorKind, errorMessage string) error {
	now := time.Now().UTC()
	query := `
		UPDATE queue_items
		SET status = 'failed', error_kind = ?, error_message = ?,
			completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'in_progress')
	`

	result, err := r.db.Exec(query, errorKind, errorMessage, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to mark item failed: %w", err)
	}

	return requireRowAffected(result, "mark failed", id)
}

// Cancel transitions an item to the terminal cancelled status.
func (r *QueueRepository) Cancel(id string) error {
	now := time.Now().UTC()
	query := `
		UPDATE queue_items
		SET status = 'cancelled', completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'in_progress')
	`

	result, err := r.db.Exec(query, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to cancel item: %w", err)
	}

	return requireRowAffected(result, "cancel", id)
}

// ResetToPending returns a terminally failed item to pending with a fresh
// retry budget. Used by the admin retry operation.
func (r *QueueRepository) ResetToPending(id string) error {
	query := `
		UPDATE queue_items
		SET status = 'pending', ticket_id = NULL, ticket_state = NULL,
			retry_count = 0, next_retry_at = NULL,
			error_kind = NULL, error_message = NULL,
			started_at = NULL, completed_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'failed'
	`

	result, err := r.db.Exec(query, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to reset item to pending: %w", err)
	}

	return requireRowAffected(result, "reset to pending", id)
}

// ResetStaleInProgress returns in_progress items untouched for longer than
// threshold back to pending so they get resubmitted. Returns the number of
// items reset.
func (r *QueueRepository) ResetStaleInProgress(threshold time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-threshold)
	query := `
		UPDATE queue_items
		SET status = 'pending', ticket_id = NULL, ticket_state = NULL,
			next_retry_at = NULL, started_at = NULL, updated_at = ?
		WHERE status = 'in_progress' AND updated_at < ?
	`

	result, err := r.db.Exec(query, time.Now().UTC(), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stale items: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count reset items: %w", err)
	}

	return int(affected), nil
}

// Stats returns per-status counts for the whole queue.
func (r *QueueRepository) Stats() (*QueueStats, error) {
	query := `SELECT status, COUNT(*) FROM queue_items GROUP BY status`

	rows, err := r.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to get queue stats: %w", err)
	}
	defer rows.Close()

	stats := &QueueStats{}
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan queue stats: %w", err)
		}

		switch status {
		case StatusPending:
			stats.Pending = count
		case StatusInProgress:
			stats.InProgress = count
		case StatusCompleted:
			stats.Completed = count
		case StatusFailed:
			stats.Failed = count
		case StatusCancelled:
			stats.Cancelled = count
		}
	}

	return stats, rows.Err()
}

// UserStats returns a user's request count since startOfDay and the number
// of items they currently have active in the queue.
func (r *QueueRepository) UserStats(userID string, startOfDay time.Time) (*UserStats, error) {
	stats := &UserStats{}

	err := r.db.QueryRow(
		`SELECT COUNT(*) FROM queue_items WHERE requested_by = ? AND created_at >= ?`,
		userID, startOfDay.UTC(),
	).Scan(&stats.RequestsToday)
	if err != nil {
		return nil, fmt.Errorf("failed to count user requests: %w", err)
	}

	err = r.db.QueryRow(
		`SELECT COUNT(*) FROM queue_items WHERE requested_by = ? AND status IN ('pending', 'in_progress')`,
		userID,
	).Scan(&stats.ItemsInQueue)
	if err != nil {
		return nil, fmt.Errorf("failed to count user queue items: %w", err)
	}

	return stats, nil
}

// SubmissionCounts returns how many tickets were submitted in the last
// hour and since startOfDay, counted on last_submitted_at. Unlike
// started_at that column survives retry scheduling, so an item that was
// submitted and then failed back to pending still occupies cap capacity.
func (r *QueueRepository) SubmissionCounts(now, startOfDay time.Time) (*SubmissionCounts, error) {
	counts := &SubmissionCounts{}

	err := r.db.QueryRow(
		`SELECT COUNT(*) FROM queue_items WHERE last_submitted_at >= ?`,
		now.UTC().Add(-time.Hour),
	).Scan(&counts.LastHour)
	if err != nil {
		return nil, fmt.Errorf("failed to count hourly submissions: %w", err)
	}

	err = r.db.QueryRow(
		`SELECT COUNT(*) FROM queue_items WHERE last_submitted_at >= ?`,
		startOfDay.UTC(),
	).Scan(&counts.Today)
	if err != nil {
		return nil, fmt.Errorf("failed to count daily submissions: %w", err)
	}

	return counts, nil
}

// requireRowAffected converts a zero-row UPDATE into an error so illegal
// transitions (wrong current status, missing item) surface to the caller.
func requireRowAffected(result sql.Result, op, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check %s result: %w", op, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: item %s not found or not in an eligible status", op, id)
	}
	return nil
}
