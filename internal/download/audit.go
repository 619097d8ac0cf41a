package download

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/harmonia-media/harmonia/internal/database"
)

// AuditLogger records every queue lifecycle transition in the append-only
// audit log. Audit writes are best-effort: a failed write is logged and
// never blocks the pipeline.
type AuditLogger struct {
	repo *database.AuditRepository
	log  *slog.Logger
}

// NewAuditLogger creates an audit logger over the audit repository.
func NewAuditLogger(repo *database.AuditRepository) *AuditLogger {
	return &AuditLogger{
		repo: repo,
		log:  slog.Default().With("component", "audit"),
	}
}

func (a *AuditLogger) append(event database.AuditEvent, itemID, ticketID *string, details map[string]any, errMsg *string) {
	entry := &database.AuditEntry{
		EventType: event,
		ItemID:    itemID,
		TicketID:  ticketID,
		Error:     errMsg,
	}

	if len(details) > 0 {
		data, err := json.Marshal(details)
		if err != nil {
			a.log.Warn("Failed to encode audit details", "event", event, "error", err)
		} else {
			s := string(data)
			entry.Details = &s
		}
	}

	if err := a.repo.Append(entry); err != nil {
		a.log.Warn("Failed to write audit entry", "event", event, "error", err)
	}
}

func itemDetails(item *database.QueueItem) map[string]any {
	details := map[string]any{
		"content_type": item.ContentType,
		"content_id":   item.ContentID,
		"source":       item.Source,
	}
	if item.ContentName != nil {
		details["content_name"] = *item.ContentName
	}
	if item.RequestedBy != nil {
		details["requested_by"] = *item.RequestedBy
	}
	return details
}

// RequestCreated records a new user or admin request entering the queue.
func (a *AuditLogger) RequestCreated(item *database.QueueItem) {
	a.append(database.AuditRequestCreated, &item.ID, nil, itemDetails(item), nil)
}

// WatchdogQueued records a repair enqueued by the watchdog.
func (a *AuditLogger) WatchdogQueued(item *database.QueueItem, reason string) {
	details := itemDetails(item)
	details["reason"] = reason
	a.append(database.AuditWatchdogQueued, &item.ID, nil, details, nil)
}

// TicketSubmitted records a ticket created at the fulfillment service.
func (a *AuditLogger) TicketSubmitted(item *database.QueueItem, ticketID string) {
	details := map[string]any{"retry_count": item.RetryCount}
	a.append(database.AuditTicketSubmit, &item.ID, &ticketID, details, nil)
}

// Completed records a successfully fulfilled item.
func (a *AuditLogger) Completed(item *database.QueueItem, itemsPlaced int) {
	details := map[string]any{"items_placed": itemsPlaced}
	a.append(database.AuditCompleted, &item.ID, item.TicketID, details, nil)
}

// Failed records a permanent failure.
func (a *AuditLogger) Failed(item *database.QueueItem, kind, message string) {
	details := map[string]any{"error_kind": kind, "retry_count": item.RetryCount}
	a.append(database.AuditFailed, &item.ID, item.TicketID, details, &message)
}

// RetryScheduled records a recoverable failure and the next attempt time.
func (a *AuditLogger) RetryScheduled(item *database.QueueItem, kind, message string, nextRetryAt time.Time) {
	details := map[string]any{
		"error_kind":    kind,
		"retry_count":   item.RetryCount + 1,
		"next_retry_at": nextRetryAt.UTC().Format(time.RFC3339),
	}
	a.append(database.AuditRetryScheduled, &item.ID, item.TicketID, details, &message)
}

// Cancelled records a cancellation.
func (a *AuditLogger) Cancelled(item *database.QueueItem) {
	a.append(database.AuditCancelled, &item.ID, item.TicketID, nil, nil)
}

// AdminRetry records an operator resetting a failed item.
func (a *AuditLogger) AdminRetry(item *database.QueueItem, adminID string) {
	details := map[string]any{"admin": adminID}
	a.append(database.AuditAdminRetry, &item.ID, nil, details, nil)
}

// WatchdogScan records one watchdog scan with its summary counts.
func (a *AuditLogger) WatchdogScan(details map[string]any) {
	a.append(database.AuditWatchdogScan, nil, nil, details, nil)
}
