package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harmonia-media/harmonia/internal/catalog"
	"github.com/harmonia-media/harmonia/internal/database"
	"github.com/harmonia-media/harmonia/internal/download"
	"github.com/harmonia-media/harmonia/internal/torrentd"
	"github.com/harmonia-media/harmonia/internal/watchdog"
)

type stubCatalog struct{}

func (stubCatalog) TrackIDs(ctx context.Context) ([]string, error) { return []string{"t1"}, nil }

func (stubCatalog) Track(ctx context.Context, id string) (*catalog.Track, error) {
	if id != "t1" {
		return nil, nil
	}
	return &catalog.Track{ID: "t1", Name: "Song", AlbumName: "Album", ArtistName: "Artist"}, nil
}

func (stubCatalog) AlbumTracks(ctx context.Context, albumID string) ([]*catalog.Track, error) {
	return nil, nil
}

func (stubCatalog) AlbumImages(ctx context.Context) ([]catalog.Image, error)  { return nil, nil }
func (stubCatalog) ArtistImages(ctx context.Context) ([]catalog.Image, error) { return nil, nil }

type stubFulfillment struct{ connected bool }

func (s stubFulfillment) CreateTicket(ctx context.Context, req torrentd.CreateTicketRequest) (*torrentd.Ticket, error) {
	return &torrentd.Ticket{ID: "ticket-1", State: torrentd.TicketPending}, nil
}

func (s stubFulfillment) CancelTicket(ctx context.Context, ticketID string) error { return nil }

func (s stubFulfillment) ApproveTicket(ctx context.Context, ticketID string, candidateIdx int) error {
	return nil
}

func (s stubFulfillment) RejectTicket(ctx context.Context, ticketID, reason string) error {
	return nil
}

func (s stubFulfillment) IsConnected() bool { return s.connected }

type stubScanner struct{ report *watchdog.Report }

func (s stubScanner) Scan(ctx context.Context, mode watchdog.Mode) (*watchdog.Report, error) {
	r := *s.report
	r.Mode = mode
	return &r, nil
}

func setupServer(t *testing.T) *Server {
	t.Helper()

	db, err := database.Open(database.Config{
		DatabasePath: filepath.Join(t.TempDir(), "queue.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	manager := download.NewManager(db.Queue, download.NewAuditLogger(db.Audit),
		stubFulfillment{}, stubCatalog{}, download.ManagerConfig{Retry: download.DefaultRetryPolicy()})

	scanner := stubScanner{report: &watchdog.Report{TracksScanned: 3}}
	return NewServer(manager, scanner, stubFulfillment{connected: true})
}

func doJSON(t *testing.T, s *Server, method, path, body string) (int, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, path, reader)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	return resp.StatusCode, payload
}

func TestHealthEndpoint(t *testing.T) {
	s := setupServer(t)

	status, payload := doJSON(t, s, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, status)

	data := payload["data"].(map[string]any)
	assert.Equal(t, "ok", data["status"])
	assert.Equal(t, true, data["fulfillment_connected"])
}

func TestRequestTrackEndpoint(t *testing.T) {
	s := setupServer(t)

	status, payload := doJSON(t, s, http.MethodPost, "/api/requests/track",
		`{"track_id":"t1","user_id":"alice"}`)
	require.Equal(t, http.StatusCreated, status)

	data := payload["data"].(map[string]any)
	assert.Equal(t, "track_audio", data["content_type"])
	assert.Equal(t, "t1", data["content_id"])

	// Same track again conflicts while the first request is active.
	status, _ = doJSON(t, s, http.MethodPost, "/api/requests/track",
		`{"track_id":"t1","user_id":"bob"}`)
	assert.Equal(t, http.StatusConflict, status)

	// Unknown tracks are a 404.
	status, _ = doJSON(t, s, http.MethodPost, "/api/requests/track",
		`{"track_id":"nope","user_id":"bob"}`)
	assert.Equal(t, http.StatusNotFound, status)

	// Missing track_id is a 400.
	status, _ = doJSON(t, s, http.MethodPost, "/api/requests/track", `{}`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestQueueEndpoints(t *testing.T) {
	s := setupServer(t)

	_, created := doJSON(t, s, http.MethodPost, "/api/requests/track",
		`{"track_id":"t1","user_id":"alice"}`)
	itemID := created["data"].(map[string]any)["id"].(string)

	status, payload := doJSON(t, s, http.MethodGet, "/api/queue/stats", "")
	require.Equal(t, http.StatusOK, status)
	assert.NotNil(t, payload["data"])

	status, payload = doJSON(t, s, http.MethodGet, "/api/queue/items/"+itemID, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, itemID, payload["data"].(map[string]any)["id"])

	status, _ = doJSON(t, s, http.MethodGet, "/api/queue/items/does-not-exist", "")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = doJSON(t, s, http.MethodGet, "/api/queue/items?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, status)

	status, payload = doJSON(t, s, http.MethodGet, "/api/queue/items/"+itemID+"/audit", "")
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, payload["data"])

	status, _ = doJSON(t, s, http.MethodPost, "/api/queue/items/"+itemID+"/cancel", "")
	assert.Equal(t, http.StatusOK, status)
}

func TestScanEndpoint(t *testing.T) {
	s := setupServer(t)

	status, payload := doJSON(t, s, http.MethodPost, "/api/scan?mode=dry_run", "")
	require.Equal(t, http.StatusOK, status)

	data := payload["data"].(map[string]any)
	assert.Equal(t, "dry_run", data["mode"])
	assert.Equal(t, float64(3), data["tracks_scanned"])

	status, _ = doJSON(t, s, http.MethodPost, "/api/scan?mode=sideways", "")
	assert.Equal(t, http.StatusBadRequest, status)
}
