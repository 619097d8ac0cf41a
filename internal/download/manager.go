package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"

	"github.com/harmonia-media/harmonia/internal/catalog"
	"github.com/harmonia-media/harmonia/internal/database"
	"github.com/harmonia-media/harmonia/internal/errutil"
	"github.com/harmonia-media/harmonia/internal/torrentd"
)

// Enqueue rejection reasons surfaced to callers and the API layer.
var (
	ErrAlreadyQueued     = errors.New("content already has an active queue item")
	ErrAlreadyAvailable  = errors.New("content is already available")
	ErrNotInCatalog      = errors.New("content does not exist in the catalog")
	ErrItemNotFound      = errors.New("queue item not found")
	ErrUserLimitExceeded = errors.New("user request limit exceeded")
)

// FulfillmentClient is the subset of the torrentd client the manager uses.
type FulfillmentClient interface {
	CreateTicket(ctx context.Context, req torrentd.CreateTicketRequest) (*torrentd.Ticket, error)
	CancelTicket(ctx context.Context, ticketID string) error
	ApproveTicket(ctx context.Context, ticketID string, candidateIdx int) error
	RejectTicket(ctx context.Context, ticketID, reason string) error
	IsConnected() bool
}

// Limits holds the pipeline's rate limit settings. Zero values disable
// the corresponding limit.
type Limits struct {
	MaxSubmissionsPerHour int
	MaxSubmissionsPerDay  int
	UserMaxRequestsPerDay int
	UserMaxQueueSize      int
}

// ManagerConfig holds download manager configuration.
type ManagerConfig struct {
	Limits Limits
	Retry  RetryPolicy
	// WatchdogMaxRetries is the reduced retry budget for watchdog repairs.
	WatchdogMaxRetries int
	// StaleInProgressThreshold is how long an in_progress item may go
	// without updates before the sweep returns it to pending.
	StaleInProgressThreshold time.Duration
	// AuditRetention is how long audit entries are kept.
	AuditRetention time.Duration
	// MediaRoot is where fulfilled content is placed.
	MediaRoot string
}

// Manager owns the download queue: it admits requests, submits pending
// items as fulfillment tickets and applies ticket events coming back over
// the event stream.
type Manager struct {
	queue   *database.QueueRepository
	audit   *AuditLogger
	client  FulfillmentClient
	catalog catalog.Store
	config  ManagerConfig
	log     *slog.Logger

	// submitMu serializes SubmitPendingTickets so a reconnect burst and
	// a lag re-sync cannot double-submit the same pending item.
	submitMu sync.Mutex
}

// NewManager creates a download manager.
func NewManager(queue *database.QueueRepository, audit *AuditLogger, client FulfillmentClient, cat catalog.Store, config ManagerConfig) *Manager {
	if config.WatchdogMaxRetries == 0 {
		config.WatchdogMaxRetries = 5
	}
	if config.StaleInProgressThreshold == 0 {
		config.StaleInProgressThreshold = time.Hour
	}

	return &Manager{
		queue:   queue,
		audit:   audit,
		client:  client,
		catalog: cat,
		config:  config,
		log:     slog.Default().With("component", "download-manager"),
	}
}

// EnqueueRequest describes a new download request.
type EnqueueRequest struct {
	ContentType database.ContentType
	ContentID   string
	ContentName string
	ArtistName  string
	Source      database.Source
	RequestedBy string
	// MaxRetries overrides the policy budget when non-zero.
	MaxRetries int
}

// RequestTrack admits a user request for a track's audio, validating the
// track against the catalog first.
func (m *Manager) RequestTrack(ctx context.Context, trackID, userID string) (*database.QueueItem, error) {
	track, err := m.catalog.Track(ctx, trackID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up track: %w", err)
	}
	if track == nil {
		return nil, ErrNotInCatalog
	}
	if track.AudioURI != "" {
		return nil, ErrAlreadyAvailable
	}

	return m.Enqueue(ctx, EnqueueRequest{
		ContentType: database.ContentTypeTrackAudio,
		ContentID:   trackID,
		ContentName: track.Name,
		ArtistName:  track.ArtistName,
		Source:      database.SourceUser,
		RequestedBy: userID,
	})
}

// Enqueue admits a request into the queue. User-sourced requests are
// checked against the per-user quotas; watchdog and admin requests bypass
// them. When the fulfillment service is connected the new item is
// submitted immediately.
func (m *Manager) Enqueue(ctx context.Context, req EnqueueRequest) (*database.QueueItem, error) {
	active, err := m.queue.IsInActiveQueue(req.ContentType, req.ContentID)
	if err != nil {
		return nil, errutil.Wrap(errutil.KindStorage, "check active queue", err)
	}
	if active {
		return nil, ErrAlreadyQueued
	}

	if req.Source == database.SourceUser {
		if err := m.checkUserLimits(req.RequestedBy); err != nil {
			return nil, err
		}
	}

	item := m.buildItem(req)

	// Retry enqueue on SQLite contention; a concurrent duplicate still
	// fails on the unique index and maps to ErrAlreadyQueued.
	err = retry.Do(
		func() error { return m.queue.Enqueue(item) },
		retry.Attempts(3),
		retry.Delay(50*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(database.IsContentionError),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyQueued
		}
		return nil, errutil.Wrap(errutil.KindStorage, "enqueue item", err)
	}

	if req.Source == database.SourceWatchdog {
		m.audit.WatchdogQueued(item, "missing file detected")
	} else {
		m.audit.RequestCreated(item)
	}

	m.log.InfoContext(ctx, "Request enqueued",
		"item_id", item.ID,
		"content_type", item.ContentType,
		"content_id", item.ContentID,
		"source", item.Source)

	if m.client.IsConnected() {
		if _, err := m.SubmitPendingTickets(ctx); err != nil {
			m.log.WarnContext(ctx, "Immediate submission failed", "error", err)
		}
	}

	return item, nil
}

func (m *Manager) buildItem(req EnqueueRequest) *database.QueueItem {
	maxRetries := req.MaxRetries
	if maxRetries == 0 {
		maxRetries = m.config.Retry.MaxRetries
		if req.Source == database.SourceWatchdog {
			maxRetries = m.config.WatchdogMaxRetries
		}
	}

	priority := database.PriorityBackground
	if req.Source == database.SourceUser {
		priority = database.PriorityUser
	}

	item := &database.QueueItem{
		ID:          uuid.NewString(),
		ContentType: req.ContentType,
		ContentID:   req.ContentID,
		Priority:    priority,
		Source:      req.Source,
		MaxRetries:  maxRetries,
	}
	if req.ContentName != "" {
		item.ContentName = &req.ContentName
	}
	if req.ArtistName != "" {
		item.ArtistName = &req.ArtistName
	}
	if req.RequestedBy != "" {
		item.RequestedBy = &req.RequestedBy
	}

	return item
}

func (m *Manager) checkUserLimits(userID string) error {
	if userID == "" {
		return nil
	}

	limits := m.config.Limits
	if limits.UserMaxRequestsPerDay == 0 && limits.UserMaxQueueSize == 0 {
		return nil
	}

	stats, err := m.queue.UserStats(userID, startOfDay(time.Now()))
	if err != nil {
		return errutil.Wrap(errutil.KindStorage, "check user limits", err)
	}

	if limits.UserMaxRequestsPerDay > 0 && stats.RequestsToday >= limits.UserMaxRequestsPerDay {
		return fmt.Errorf("%w: %d requests today", ErrUserLimitExceeded, stats.RequestsToday)
	}
	if limits.UserMaxQueueSize > 0 && stats.ItemsInQueue >= limits.UserMaxQueueSize {
		return fmt.Errorf("%w: %d items in queue", ErrUserLimitExceeded, stats.ItemsInQueue)
	}

	return nil
}

// SubmitPendingTickets submits every pending item whose retry backoff has
// elapsed, until the global submission caps are reached. Individual
// failures leave the item pending for the next pass. Returns the number
// of tickets created.
func (m *Manager) SubmitPendingTickets(ctx context.Context) (int, error) {
	m.submitMu.Lock()
	defer m.submitMu.Unlock()

	now := time.Now()
	items, err := m.queue.PendingSubmission(now)
	if err != nil {
		return 0, errutil.Wrap(errutil.KindStorage, "list pending submissions", err)
	}
	if len(items) == 0 {
		return 0, nil
	}

	budget, err := m.submissionBudget(now)
	if err != nil {
		return 0, err
	}

	submitted := 0
	for _, item := range items {
		if ctx.Err() != nil {
			return submitted, ctx.Err()
		}
		if budget == 0 {
			m.log.InfoContext(ctx, "Submission caps reached, deferring remaining items",
				"remaining", len(items)-submitted)
			break
		}

		if err := m.submitItem(ctx, item); err != nil {
			m.log.WarnContext(ctx, "Ticket submission failed",
				"item_id", item.ID, "error", err)
			continue
		}

		submitted++
		if budget > 0 {
			budget--
		}
	}

	return submitted, nil
}

// submissionBudget returns how many tickets may still be submitted under
// the global caps, or -1 when uncapped.
func (m *Manager) submissionBudget(now time.Time) (int, error) {
	limits := m.config.Limits
	if limits.MaxSubmissionsPerHour == 0 && limits.MaxSubmissionsPerDay == 0 {
		return -1, nil
	}

	counts, err := m.queue.SubmissionCounts(now, startOfDay(now))
	if err != nil {
		return 0, errutil.Wrap(errutil.KindStorage, "count submissions", err)
	}

	budget := -1
	if limits.MaxSubmissionsPerHour > 0 {
		budget = max(limits.MaxSubmissionsPerHour-counts.LastHour, 0)
	}
	if limits.MaxSubmissionsPerDay > 0 {
		daily := max(limits.MaxSubmissionsPerDay-counts.Today, 0)
		if budget < 0 || daily < budget {
			budget = daily
		}
	}

	return budget, nil
}

func (m *Manager) submitItem(ctx context.Context, item *database.QueueItem) error {
	req, err := m.buildTicketRequest(ctx, item)
	if err != nil {
		return err
	}

	ticket, err := m.client.CreateTicket(ctx, req)
	if err != nil {
		// NotFound from ticket creation is permanent; everything else
		// leaves the item pending for the next pass.
		if kind := errutil.KindOf(err); kind == errutil.KindNotFound {
			m.failItem(item, kind, err.Error())
		}
		return err
	}

	if err := m.queue.MarkSubmitted(item.ID, ticket.ID, string(ticket.State)); err != nil {
		return fmt.Errorf("failed to record submitted ticket %s: %w", ticket.ID, err)
	}

	m.audit.TicketSubmitted(item, ticket.ID)
	m.log.InfoContext(ctx, "Ticket submitted",
		"item_id", item.ID, "ticket_id", ticket.ID, "retry_count", item.RetryCount)

	return nil
}

// buildTicketRequest assembles the fulfillment ticket for a queue item,
// enriching it from the catalog when possible.
func (m *Manager) buildTicketRequest(ctx context.Context, item *database.QueueItem) (torrentd.CreateTicketRequest, error) {
	contentName := ""
	if item.ContentName != nil {
		contentName = *item.ContentName
	}
	artistName := ""
	if item.ArtistName != nil {
		artistName = *item.ArtistName
	}

	req := torrentd.CreateTicketRequest{
		Priority: int(item.Priority),
		DestPath: m.config.MediaRoot,
	}

	switch item.ContentType {
	case database.ContentTypeTrackAudio:
		expected := &torrentd.ExpectedContent{Kind: "track", Artist: artistName, Title: contentName}

		if track, err := m.catalog.Track(ctx, item.ContentID); err == nil && track != nil {
			expected.Artist = track.ArtistName
			expected.Title = track.Name
			expected.Tracks = []torrentd.ExpectedTrack{{Number: track.TrackNumber, Title: track.Name}}
			req.DestPath = filepath.Join(m.config.MediaRoot, "audio")
			req.QueryContext.Description = fmt.Sprintf("%s - %s", track.ArtistName, track.AlbumName)
		} else {
			req.QueryContext.Description = fmt.Sprintf("%s - %s", artistName, contentName)
		}

		req.QueryContext.Tags = []string{"audio", "flac"}
		req.QueryContext.Expected = expected

	case database.ContentTypeAlbumImage, database.ContentTypeArtistImage:
		kind := "album_image"
		if item.ContentType == database.ContentTypeArtistImage {
			kind = "artist_image"
		}
		req.QueryContext.Tags = []string{"image"}
		req.QueryContext.Description = fmt.Sprintf("%s cover art", contentName)
		req.QueryContext.Expected = &torrentd.ExpectedContent{Kind: kind, Artist: artistName, Title: contentName}
		req.DestPath = filepath.Join(m.config.MediaRoot, "images")

	default:
		return req, fmt.Errorf("unsupported content type %q", item.ContentType)
	}

	return req, nil
}

// HandleTicketEvent applies one fulfillment event to the queue. Events
// for tickets no queue item tracks are logged and dropped; the service
// also serves tickets created outside this pipeline.
func (m *Manager) HandleTicketEvent(ctx context.Context, ev torrentd.Event) error {
	switch ev.Type {
	case torrentd.EventCompleted:
		return m.handleCompleted(ctx, ev)
	case torrentd.EventFailed:
		return m.handleFailed(ctx, ev)
	case torrentd.EventNeedsApproval:
		return m.handleNeedsApproval(ctx, ev)
	case torrentd.EventTicketUpdate:
		if err := m.queue.UpdateTicketState(ev.TicketID, string(ev.State)); err != nil {
			return errutil.Wrap(errutil.KindStorage, "update ticket state", err)
		}
		return nil
	case torrentd.EventProgress:
		m.log.DebugContext(ctx, "Ticket progress",
			"ticket_id", ev.TicketID, "progress_pct", ev.ProgressPct)
		return nil
	case torrentd.EventTicketDeleted:
		m.log.DebugContext(ctx, "Ticket deleted upstream", "ticket_id", ev.TicketID)
		return nil
	default:
		m.log.DebugContext(ctx, "Ignoring unknown event type", "type", ev.Type)
		return nil
	}
}

func (m *Manager) handleCompleted(ctx context.Context, ev torrentd.Event) error {
	item, err := m.itemForTicket(ctx, ev.TicketID)
	if err != nil || item == nil {
		return err
	}

	if err := m.queue.MarkCompleted(item.ID); err != nil {
		return errutil.Wrap(errutil.KindStorage, "mark completed", err)
	}

	m.audit.Completed(item, ev.ItemsPlaced)
	m.log.InfoContext(ctx, "Download completed",
		"item_id", item.ID, "ticket_id", ev.TicketID, "items_placed", ev.ItemsPlaced)

	return nil
}

func (m *Manager) handleFailed(ctx context.Context, ev torrentd.Event) error {
	item, err := m.itemForTicket(ctx, ev.TicketID)
	if err != nil || item == nil {
		return err
	}

	kind := eventErrorKind(ev)
	policy := m.config.Retry

	// The item's own max_retries is the budget; watchdog repairs and
	// admin overrides carry caps that differ from the policy default.
	if kind.Retryable() && item.RetryCount < item.MaxRetries {
		nextRetryAt := policy.NextRetryAt(time.Now(), item.RetryCount)

		if err := m.queue.MarkRetryWaiting(item.ID, nextRetryAt, string(kind), ev.Error); err != nil {
			return errutil.Wrap(errutil.KindStorage, "mark retry waiting", err)
		}

		m.audit.RetryScheduled(item, string(kind), ev.Error, nextRetryAt)
		m.log.WarnContext(ctx, "Download failed, retry scheduled",
			"item_id", item.ID,
			"ticket_id", ev.TicketID,
			"error_kind", kind,
			"retry_count", item.RetryCount+1,
			"next_retry_at", nextRetryAt)

		return nil
	}

	m.failItem(item, kind, ev.Error)
	m.log.ErrorContext(ctx, "Download failed permanently",
		"item_id", item.ID,
		"ticket_id", ev.TicketID,
		"error_kind", kind,
		"retry_count", item.RetryCount)

	return nil
}

func (m *Manager) handleNeedsApproval(ctx context.Context, ev torrentd.Event) error {
	item, err := m.itemForTicket(ctx, ev.TicketID)
	if err != nil || item == nil {
		return err
	}

	if err := m.queue.UpdateTicketState(ev.TicketID, string(torrentd.TicketNeedsApproval)); err != nil {
		return errutil.Wrap(errutil.KindStorage, "update ticket state", err)
	}

	for i, c := range ev.Candidates {
		release := c.Release()
		m.log.InfoContext(ctx, "Approval candidate",
			"item_id", item.ID,
			"ticket_id", ev.TicketID,
			"candidate_idx", i,
			"title", release.Title,
			"quality", release.Quality,
			"score", c.Score,
			"seeders", c.Seeders)
	}

	return nil
}

func (m *Manager) failItem(item *database.QueueItem, kind errutil.Kind, message string) {
	if err := m.queue.MarkFailed(item.ID, string(kind), message); err != nil {
		m.log.Error("Failed to mark item failed", "item_id", item.ID, "error", err)
		return
	}
	m.audit.Failed(item, string(kind), message)
}

func (m *Manager) itemForTicket(ctx context.Context, ticketID string) (*database.QueueItem, error) {
	item, err := m.queue.GetItemByTicket(ticketID)
	if err != nil {
		return nil, errutil.Wrap(errutil.KindStorage, "look up ticket", err)
	}
	if item == nil {
		m.log.DebugContext(ctx, "Event for untracked ticket", "ticket_id", ticketID)
		return nil, nil
	}
	if item.Status.Terminal() {
		m.log.DebugContext(ctx, "Event for terminal item", "item_id", item.ID, "status", item.Status)
		return nil, nil
	}
	return item, nil
}

// eventErrorKind maps the failure reported by the service to the internal
// taxonomy. An explicit kind on the event wins; otherwise the retryable
// flag decides between a transient unknown failure and missing content.
func eventErrorKind(ev torrentd.Event) errutil.Kind {
	if ev.ErrorKind != "" {
		return errutil.ParseKind(ev.ErrorKind)
	}
	if ev.Retryable {
		return errutil.KindUnknown
	}
	return errutil.KindNotFound
}

// CancelRequest cancels an active item, propagating the cancellation to
// the fulfillment service when a ticket is in flight.
func (m *Manager) CancelRequest(ctx context.Context, itemID string) error {
	item, err := m.queue.GetItem(itemID)
	if err != nil {
		return errutil.Wrap(errutil.KindStorage, "get item", err)
	}
	if item == nil {
		return ErrItemNotFound
	}

	if item.TicketID != nil {
		if err := m.client.CancelTicket(ctx, *item.TicketID); err != nil {
			// The local cancel still proceeds; the untracked ticket is
			// the service's problem once we stop following it.
			m.log.WarnContext(ctx, "Upstream ticket cancel failed",
				"ticket_id", *item.TicketID, "error", err)
		}
	}

	if err := m.queue.Cancel(itemID); err != nil {
		return errutil.Wrap(errutil.KindStorage, "cancel item", err)
	}

	m.audit.Cancelled(item)
	return nil
}

// RetryFailed resets a permanently failed item so it gets submitted
// again with a fresh retry budget.
func (m *Manager) RetryFailed(ctx context.Context, itemID, adminID string) error {
	item, err := m.queue.GetItem(itemID)
	if err != nil {
		return errutil.Wrap(errutil.KindStorage, "get item", err)
	}
	if item == nil {
		return ErrItemNotFound
	}

	if err := m.queue.ResetToPending(itemID); err != nil {
		return errutil.Wrap(errutil.KindStorage, "reset item", err)
	}

	m.audit.AdminRetry(item, adminID)
	m.log.InfoContext(ctx, "Failed item reset for retry", "item_id", itemID, "admin", adminID)

	if m.client.IsConnected() {
		if _, err := m.SubmitPendingTickets(ctx); err != nil {
			m.log.WarnContext(ctx, "Immediate submission failed", "error", err)
		}
	}

	return nil
}

// ApproveCandidate forwards an operator approval to the service.
func (m *Manager) ApproveCandidate(ctx context.Context, ticketID string, candidateIdx int) error {
	return m.client.ApproveTicket(ctx, ticketID, candidateIdx)
}

// RejectCandidates forwards an operator rejection to the service.
func (m *Manager) RejectCandidates(ctx context.Context, ticketID, reason string) error {
	return m.client.RejectTicket(ctx, ticketID, reason)
}

// ResetStaleInProgress sweeps items stuck in_progress past the threshold
// back to pending. Covers tickets whose terminal event was lost for good.
func (m *Manager) ResetStaleInProgress(ctx context.Context) (int, error) {
	reset, err := m.queue.ResetStaleInProgress(m.config.StaleInProgressThreshold)
	if err != nil {
		return 0, errutil.Wrap(errutil.KindStorage, "reset stale items", err)
	}

	if reset > 0 {
		m.log.WarnContext(ctx, "Reset stale in-progress items", "count", reset)
	}

	return reset, nil
}

// PruneAuditLog deletes audit entries older than the retention window.
func (m *Manager) PruneAuditLog(ctx context.Context) (int64, error) {
	if m.config.AuditRetention == 0 {
		return 0, nil
	}

	n, err := m.audit.repo.PruneOlderThan(time.Now().Add(-m.config.AuditRetention))
	if err != nil {
		return 0, errutil.Wrap(errutil.KindStorage, "prune audit log", err)
	}

	if n > 0 {
		m.log.InfoContext(ctx, "Pruned audit log", "entries", n)
	}

	return n, nil
}

// Stats returns the queue's per-status counts.
func (m *Manager) Stats() (*database.QueueStats, error) {
	return m.queue.Stats()
}

// GetItem returns one queue item, nil when it does not exist.
func (m *Manager) GetItem(itemID string) (*database.QueueItem, error) {
	return m.queue.GetItem(itemID)
}

// ListItems returns queue items filtered by status.
func (m *Manager) ListItems(status *database.Status, limit, offset int) ([]*database.QueueItem, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return m.queue.ListByStatus(status, limit, offset)
}

// AuditTrail returns the audit entries for one item.
func (m *Manager) AuditTrail(itemID string) ([]*database.AuditEntry, error) {
	return m.audit.repo.ForItem(itemID)
}

func startOfDay(now time.Time) time.Time {
	y, mo, d := now.UTC().Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
