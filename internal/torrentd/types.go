// Package torrentd implements the client for the external torrent
// fulfillment service: typed HTTP operations plus a long-lived WebSocket
// event stream with broadcast fan-out to subscribers.
package torrentd

import (
	ptn "github.com/middelink/go-parse-torrent-name"
)

// TicketState is the lifecycle state of a fulfillment ticket as reported
// by the external service.
type TicketState string

const (
	TicketPending       TicketState = "pending"
	TicketSearching     TicketState = "searching"
	TicketNeedsApproval TicketState = "needs_approval"
	TicketApproved      TicketState = "approved"
	TicketDownloading   TicketState = "downloading"
	TicketPostProcess   TicketState = "post_processing"
	TicketCompleted     TicketState = "completed"
	TicketFailed        TicketState = "failed"
	TicketCancelled     TicketState = "cancelled"
	TicketRejected      TicketState = "rejected"
)

// IsTerminal reports whether the ticket will receive no further updates.
func (s TicketState) IsTerminal() bool {
	switch s {
	case TicketCompleted, TicketFailed, TicketCancelled, TicketRejected:
		return true
	}
	return false
}

// IsError reports whether the terminal state represents a failure.
func (s TicketState) IsError() bool {
	return s == TicketFailed || s == TicketRejected
}

// ExpectedTrack describes one track the service should find inside a
// candidate release.
type ExpectedTrack struct {
	Number       int    `json:"number"`
	Title        string `json:"title"`
	DurationSecs int    `json:"duration_secs,omitempty"`
}

// ExpectedContent tells the service what the ticket is trying to acquire.
type ExpectedContent struct {
	Kind   string          `json:"kind"`
	Artist string          `json:"artist,omitempty"`
	Title  string          `json:"title,omitempty"`
	Tracks []ExpectedTrack `json:"tracks,omitempty"`
}

// QueryContext carries the search hints for a ticket.
type QueryContext struct {
	Tags        []string         `json:"tags,omitempty"`
	Description string           `json:"description"`
	Expected    *ExpectedContent `json:"expected,omitempty"`
}

// CreateTicketRequest is the payload for creating a fulfillment ticket.
type CreateTicketRequest struct {
	Priority     int          `json:"priority"`
	QueryContext QueryContext `json:"query_context"`
	DestPath     string       `json:"dest_path"`
}

// Ticket is the service's view of a fulfillment request.
type Ticket struct {
	ID         string      `json:"id"`
	State      TicketState `json:"state"`
	Candidates []Candidate `json:"candidates,omitempty"`
	Error      string      `json:"error,omitempty"`
	CreatedAt  string      `json:"created_at,omitempty"`
	UpdatedAt  string      `json:"updated_at,omitempty"`
}

// Candidate is one release the service proposes for approval.
type Candidate struct {
	Title     string  `json:"title"`
	Score     float64 `json:"score"`
	Seeders   int     `json:"seeders"`
	SizeBytes int64   `json:"size_bytes"`
}

// ReleaseInfo is the structured form of a candidate's release title.
type ReleaseInfo struct {
	Title      string `json:"title"`
	Year       int    `json:"year,omitempty"`
	Quality    string `json:"quality,omitempty"`
	Codec      string `json:"codec,omitempty"`
	Group      string `json:"group,omitempty"`
	Resolution string `json:"resolution,omitempty"`
}

// Release parses the candidate's raw title into structured info for
// approval and audit detail. Parsing is best-effort; on failure only the
// raw title is carried over.
func (c Candidate) Release() ReleaseInfo {
	info, err := ptn.Parse(c.Title)
	if err != nil || info == nil {
		return ReleaseInfo{Title: c.Title}
	}

	title := info.Title
	if title == "" {
		title = c.Title
	}

	return ReleaseInfo{
		Title:      title,
		Year:       info.Year,
		Quality:    info.Quality,
		Codec:      info.Codec,
		Group:      info.Group,
		Resolution: info.Resolution,
	}
}

// Stats summarizes the service's current workload.
type Stats struct {
	Pending        int64 `json:"pending"`
	Downloading    int64 `json:"downloading"`
	CompletedToday int64 `json:"completed_today"`
}

// EventType tags a WebSocket event from the service.
type EventType string

const (
	EventTicketUpdate  EventType = "ticket_update"
	EventProgress      EventType = "progress"
	EventNeedsApproval EventType = "needs_approval"
	EventCompleted     EventType = "completed"
	EventFailed        EventType = "failed"
	EventTicketDeleted EventType = "ticket_deleted"
)

// Event is one message from the service's event stream.
type Event struct {
	Type        EventType   `json:"type"`
	TicketID    string      `json:"ticket_id"`
	State       TicketState `json:"state,omitempty"`
	ProgressPct float64     `json:"progress_pct,omitempty"`
	Candidates  []Candidate `json:"candidates,omitempty"`
	Error       string      `json:"error,omitempty"`
	ErrorKind   string      `json:"error_kind,omitempty"`
	Retryable   bool        `json:"retryable,omitempty"`
	ItemsPlaced int         `json:"items_placed,omitempty"`
}
