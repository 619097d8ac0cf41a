package database

import "time"

// ContentType identifies what kind of catalog content a queue item repairs.
type ContentType string

const (
	ContentTypeTrackAudio  ContentType = "track_audio"
	ContentTypeAlbumImage  ContentType = "album_image"
	ContentTypeArtistImage ContentType = "artist_image"
)

// Source records who created a queue item.
type Source string

const (
	SourceUser     Source = "user"
	SourceWatchdog Source = "watchdog"
	SourceAdmin    Source = "admin"
)

// Priority orders pending submissions. Lower values submit first.
type Priority int

const (
	PriorityUser       Priority = 1
	PriorityBackground Priority = 2
)

// Status represents the lifecycle state of a queue item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status is final. Terminal rows are never
// mutated again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// QueueItem represents a download request in the acquisition queue.
// A pending item with a future NextRetryAt is waiting out a retry backoff
// and is skipped by PendingSubmission until the time arrives.
type QueueItem struct {
	ID           string      `json:"id"`
	ContentType  ContentType `json:"content_type"`
	ContentID    string      `json:"content_id"`
	ContentName  *string     `json:"content_name,omitempty"`
	ArtistName   *string     `json:"artist_name,omitempty"`
	Priority     Priority    `json:"priority"`
	Source       Source      `json:"source"`
	RequestedBy  *string     `json:"requested_by,omitempty"`
	Status       Status      `json:"status"`
	TicketID     *string     `json:"ticket_id,omitempty"`
	TicketState  *string     `json:"ticket_state,omitempty"`
	RetryCount   int         `json:"retry_count"`
	MaxRetries   int         `json:"max_retries"`
	NextRetryAt  *time.Time  `json:"next_retry_at,omitempty"`
	ErrorKind    *string     `json:"error_kind,omitempty"`
	ErrorMessage *string     `json:"error_message,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	// LastSubmittedAt records the most recent ticket submission and is
	// never cleared, so rate-limit accounting survives retry scheduling.
	LastSubmittedAt *time.Time `json:"last_submitted_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// QueueStats holds per-status counts for the whole queue.
type QueueStats struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

// UserStats summarizes a single user's request activity against their quotas.
type UserStats struct {
	RequestsToday int `json:"requests_today"`
	ItemsInQueue  int `json:"items_in_queue"`
}

// SubmissionCounts holds global submission activity for capacity checks.
type SubmissionCounts struct {
	LastHour int `json:"last_hour"`
	Today    int `json:"today"`
}

// AuditEvent is the type tag of an audit log entry.
type AuditEvent string

const (
	AuditRequestCreated AuditEvent = "request_created"
	AuditTicketSubmit   AuditEvent = "ticket_submitted"
	AuditCompleted      AuditEvent = "completed"
	AuditFailed         AuditEvent = "failed"
	AuditRetryScheduled AuditEvent = "retry_scheduled"
	AuditWatchdogQueued AuditEvent = "watchdog_queued"
	AuditWatchdogScan   AuditEvent = "watchdog_scan"
	AuditAdminRetry     AuditEvent = "admin_retry"
	AuditCancelled      AuditEvent = "cancelled"
)

// AuditEntry is one append-only audit log row.
type AuditEntry struct {
	ID        int64      `json:"id"`
	EventType AuditEvent `json:"event_type"`
	ItemID    *string    `json:"item_id,omitempty"`
	TicketID  *string    `json:"ticket_id,omitempty"`
	Details   *string    `json:"details,omitempty"`
	Error     *string    `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}
