// Package api exposes the operator status API over HTTP: queue
// inspection, request admission, admin retry/cancel, candidate approval
// and on-demand watchdog scans.
package api

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/harmonia-media/harmonia/internal/database"
	"github.com/harmonia-media/harmonia/internal/download"
	"github.com/harmonia-media/harmonia/internal/watchdog"
)

// Scanner runs watchdog scans on demand.
type Scanner interface {
	Scan(ctx context.Context, mode watchdog.Mode) (*watchdog.Report, error)
}

// Connectivity reports fulfillment service connectivity.
type Connectivity interface {
	IsConnected() bool
}

// Server is the operator API server.
type Server struct {
	app       *fiber.App
	manager   *download.Manager
	scanner   Scanner
	transport Connectivity
	logger    *slog.Logger
	startTime time.Time
}

// NewServer creates the API server and registers its routes.
func NewServer(manager *download.Manager, scanner Scanner, transport Connectivity) *Server {
	logger := slog.Default().With("component", "api")

	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			var fe *fiber.Error
			if errors.As(err, &fe) {
				code = fe.Code
			}
			logger.Error("Request failed", "path", c.Path(), "method", c.Method(), "error", err)
			return c.Status(code).JSON(fiber.Map{"success": false, "error": err.Error()})
		},
	})

	s := &Server{
		app:       app,
		manager:   manager,
		scanner:   scanner,
		transport: transport,
		logger:    logger,
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.app.Group("/api")

	api.Get("/health", s.handleHealth)

	api.Get("/queue/stats", s.handleQueueStats)
	api.Get("/queue/items", s.handleListItems)
	api.Get("/queue/items/:id", s.handleGetItem)
	api.Get("/queue/items/:id/audit", s.handleItemAudit)
	api.Post("/queue/items/:id/retry", s.handleRetryItem)
	api.Post("/queue/items/:id/cancel", s.handleCancelItem)

	api.Post("/requests/track", s.handleRequestTrack)

	api.Post("/tickets/:id/approve", s.handleApprove)
	api.Post("/tickets/:id/reject", s.handleReject)

	api.Post("/scan", s.handleScan)
}

// Listen serves the API on addr and blocks until Shutdown.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	stats, err := s.manager.Stats()
	if err != nil {
		return RespondInternalError(c, "queue unavailable", err.Error())
	}

	return RespondSuccess(c, fiber.Map{
		"status":                "ok",
		"uptime_secs":           int(time.Since(s.startTime).Seconds()),
		"fulfillment_connected": s.transport.IsConnected(),
		"queue":                 stats,
	})
}

func (s *Server) handleQueueStats(c *fiber.Ctx) error {
	stats, err := s.manager.Stats()
	if err != nil {
		return RespondInternalError(c, "failed to get queue stats", err.Error())
	}
	return RespondSuccess(c, stats)
}

func (s *Server) handleListItems(c *fiber.Ctx) error {
	var status *database.Status
	if raw := c.Query("status"); raw != "" {
		st := database.Status(raw)
		switch st {
		case database.StatusPending, database.StatusInProgress, database.StatusCompleted,
			database.StatusFailed, database.StatusCancelled:
			status = &st
		default:
			return RespondBadRequest(c, "invalid status filter", raw)
		}
	}

	items, err := s.manager.ListItems(status, c.QueryInt("limit", 100), c.QueryInt("offset", 0))
	if err != nil {
		return RespondInternalError(c, "failed to list queue items", err.Error())
	}
	return RespondSuccess(c, items)
}

func (s *Server) handleGetItem(c *fiber.Ctx) error {
	got, err := s.manager.GetItem(c.Params("id"))
	if err != nil {
		return RespondInternalError(c, "failed to get queue item", err.Error())
	}
	if got == nil {
		return RespondNotFound(c, "queue item not found")
	}
	return RespondSuccess(c, got)
}

func (s *Server) handleItemAudit(c *fiber.Ctx) error {
	entries, err := s.manager.AuditTrail(c.Params("id"))
	if err != nil {
		return RespondInternalError(c, "failed to get audit trail", err.Error())
	}
	return RespondSuccess(c, entries)
}

func (s *Server) handleRetryItem(c *fiber.Ctx) error {
	var body struct {
		Admin string `json:"admin"`
	}
	_ = c.BodyParser(&body)

	err := s.manager.RetryFailed(c.Context(), c.Params("id"), body.Admin)
	if err != nil {
		if errors.Is(err, download.ErrItemNotFound) {
			return RespondNotFound(c, "queue item not found")
		}
		return RespondInternalError(c, "failed to retry item", err.Error())
	}
	return RespondMessage(c, "item reset for retry")
}

func (s *Server) handleCancelItem(c *fiber.Ctx) error {
	err := s.manager.CancelRequest(c.Context(), c.Params("id"))
	if err != nil {
		if errors.Is(err, download.ErrItemNotFound) {
			return RespondNotFound(c, "queue item not found")
		}
		return RespondInternalError(c, "failed to cancel item", err.Error())
	}
	return RespondMessage(c, "item cancelled")
}

func (s *Server) handleRequestTrack(c *fiber.Ctx) error {
	var body struct {
		TrackID string `json:"track_id"`
		UserID  string `json:"user_id"`
	}
	if err := c.BodyParser(&body); err != nil || body.TrackID == "" {
		return RespondBadRequest(c, "track_id is required", "")
	}

	item, err := s.manager.RequestTrack(c.Context(), body.TrackID, body.UserID)
	if err != nil {
		switch {
		case errors.Is(err, download.ErrNotInCatalog):
			return RespondNotFound(c, "track not found in catalog")
		case errors.Is(err, download.ErrAlreadyAvailable):
			return RespondConflict(c, "track audio is already available")
		case errors.Is(err, download.ErrAlreadyQueued):
			return RespondConflict(c, "track already has an active request")
		case errors.Is(err, download.ErrUserLimitExceeded):
			return RespondError(c, fiber.StatusTooManyRequests, "user request limit exceeded", err.Error())
		default:
			return RespondInternalError(c, "failed to create request", err.Error())
		}
	}

	return RespondCreated(c, item)
}

func (s *Server) handleApprove(c *fiber.Ctx) error {
	var body struct {
		CandidateIdx int `json:"candidate_idx"`
	}
	if err := c.BodyParser(&body); err != nil {
		return RespondBadRequest(c, "invalid request body", err.Error())
	}

	if err := s.manager.ApproveCandidate(c.Context(), c.Params("id"), body.CandidateIdx); err != nil {
		return RespondInternalError(c, "failed to approve candidate", err.Error())
	}
	return RespondMessage(c, "candidate approved")
}

func (s *Server) handleReject(c *fiber.Ctx) error {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.BodyParser(&body)

	if err := s.manager.RejectCandidates(c.Context(), c.Params("id"), body.Reason); err != nil {
		return RespondInternalError(c, "failed to reject candidates", err.Error())
	}
	return RespondMessage(c, "candidates rejected")
}

func (s *Server) handleScan(c *fiber.Ctx) error {
	mode := watchdog.Mode(c.Query("mode", string(watchdog.ModeDryRun)))
	if mode != watchdog.ModeDryRun && mode != watchdog.ModeActual {
		return RespondBadRequest(c, "mode must be dry_run or actual", string(mode))
	}

	report, err := s.scanner.Scan(c.Context(), mode)
	if err != nil {
		return RespondInternalError(c, "scan failed", err.Error())
	}
	return RespondSuccess(c, report)
}
