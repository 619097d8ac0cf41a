package database

import (
	"database/sql"
	"fmt"
	"time"
)

// AuditRepository provides append-only audit log persistence. Rows are
// never updated; PruneOlderThan is the only deletion path.
type AuditRepository struct {
	db interface {
		Exec(query string, args ...interface{}) (sql.Result, error)
		Query(query string, args ...interface{}) (*sql.Rows, error)
		QueryRow(query string, args ...interface{}) *sql.Row
	}
}

// NewAuditRepository creates a new audit repository instance.
func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts a new audit entry.
func (r *AuditRepository) Append(entry *AuditEntry) error {
	entry.CreatedAt = time.Now().UTC()

	query := `
		INSERT INTO audit_log (event_type, item_id, ticket_id, details, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.Exec(query, entry.EventType, entry.ItemID, entry.TicketID,
		entry.Details, entry.Error, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry id: %w", err)
	}

	entry.ID = id
	return nil
}

// ForItem returns all audit entries for a queue item, oldest first.
func (r *AuditRepository) ForItem(itemID string) ([]*AuditEntry, error) {
	query := `
		SELECT id, event_type, item_id, ticket_id, details, error, created_at
		FROM audit_log WHERE item_id = ? ORDER BY id ASC
	`

	rows, err := r.db.Query(query, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	return scanAuditEntries(rows)
}

// Recent returns the latest audit entries, newest first.
func (r *AuditRepository) Recent(limit int) ([]*AuditEntry, error) {
	query := `
		SELECT id, event_type, item_id, ticket_id, details, error, created_at
		FROM audit_log ORDER BY id DESC LIMIT ?
	`

	rows, err := r.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent audit entries: %w", err)
	}
	defer rows.Close()

	return scanAuditEntries(rows)
}

// PruneOlderThan deletes entries created before cutoff and returns the
// number of rows removed.
func (r *AuditRepository) PruneOlderThan(cutoff time.Time) (int64, error) {
	result, err := r.db.Exec(`DELETE FROM audit_log WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit log: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned audit entries: %w", err)
	}

	return affected, nil
}

func scanAuditEntries(rows *sql.Rows) ([]*AuditEntry, error) {
	var entries []*AuditEntry
	for rows.Next() {
		var entry AuditEntry
		err := rows.Scan(&entry.ID, &entry.EventType, &entry.ItemID, &entry.TicketID,
			&entry.Details, &entry.Error, &entry.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}
