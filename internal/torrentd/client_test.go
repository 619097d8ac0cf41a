package torrentd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harmonia-media/harmonia/internal/errutil"
)

func newTestClient(serverURL string) *Client {
	return NewClient(Config{
		BaseURL:  serverURL,
		APIToken: "test-token",
		Timeout:  5 * time.Second,
	})
}

func TestCreateTicket(t *testing.T) {
	var gotAuth string
	var gotReq CreateTicketRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/tickets", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		json.NewEncoder(w).Encode(Ticket{ID: "ticket-1", State: TicketPending})
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	ticket, err := client.CreateTicket(context.Background(), CreateTicketRequest{
		Priority: 1,
		QueryContext: QueryContext{
			Tags:        []string{"flac", "album"},
			Description: "Artist - Album",
		},
		DestPath: "/music/artist/album",
	})

	require.NoError(t, err)
	assert.Equal(t, "ticket-1", ticket.ID)
	assert.Equal(t, TicketPending, ticket.State)
	assert.Equal(t, "Bearer test-token", gotAuth)
	assert.Equal(t, "Artist - Album", gotReq.QueryContext.Description)
}

func TestCreateTicket_NotFoundIsClassified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such content", http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.CreateTicket(context.Background(), CreateTicketRequest{})

	require.Error(t, err)
	assert.Equal(t, errutil.KindNotFound, errutil.KindOf(err))
	assert.False(t, errutil.KindOf(err).Retryable())
}

func TestDoJSON_ConnectionRefusedIsClassified(t *testing.T) {
	// Grab a port nothing listens on.
	server := httptest.NewServer(http.NotFoundHandler())
	serverURL := server.URL
	server.Close()

	client := newTestClient(serverURL)
	err := client.Health(context.Background())

	require.Error(t, err)
	assert.Equal(t, errutil.KindConnection, errutil.KindOf(err))
}

func TestDoJSON_ServerErrorIsConnectionKind(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	err := client.RetryTicket(context.Background(), "ticket-1")

	require.Error(t, err)
	assert.Equal(t, errutil.KindConnection, errutil.KindOf(err))
}

func TestApproveTicket_SendsCandidateIndex(t *testing.T) {
	var body map[string]int

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/tickets/ticket-1/approve", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	require.NoError(t, client.ApproveTicket(context.Background(), "ticket-1", 2))
	assert.Equal(t, 2, body["candidate_idx"])
}

// wsTestServer upgrades a single connection and feeds it through handler.
func wsTestServer(t *testing.T, handler func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()

	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		handler(conn)
	}))
}

func TestRunWebSocket_PublishesEvents(t *testing.T) {
	served := make(chan struct{})
	server := wsTestServer(t, func(conn *websocket.Conn) {
		ev := Event{Type: EventCompleted, TicketID: "ticket-1", ItemsPlaced: 12}
		data, _ := json.Marshal(ev)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

		// Malformed frames are skipped without killing the stream.
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{nope")))

		ev = Event{Type: EventFailed, TicketID: "ticket-2", Error: "no seeders", Retryable: true}
		data, _ = json.Marshal(ev)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

		<-served
	})
	defer server.Close()
	defer close(served)

	client := newTestClient("http://" + server.Listener.Addr().String())
	sub := client.Subscribe()
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	socketDone := make(chan error, 1)
	go func() { socketDone <- client.RunWebSocket(ctx) }()

	select {
	case d := <-sub.C():
		assert.Equal(t, EventCompleted, d.Event.Type)
		assert.Equal(t, "ticket-1", d.Event.TicketID)
		assert.Equal(t, 12, d.Event.ItemsPlaced)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for first event")
	}

	select {
	case d := <-sub.C():
		assert.Equal(t, EventFailed, d.Event.Type)
		assert.Equal(t, "ticket-2", d.Event.TicketID)
		assert.True(t, d.Event.Retryable)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for second event")
	}

	assert.True(t, client.IsConnected())

	cancel()
	select {
	case err := <-socketDone:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for socket shutdown")
	}
	assert.False(t, client.IsConnected())
}

func TestRunWebSocket_ServerCloseReturnsError(t *testing.T) {
	server := wsTestServer(t, func(conn *websocket.Conn) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second))
	})
	defer server.Close()

	client := newTestClient("http://" + server.Listener.Addr().String())

	err := client.RunWebSocket(context.Background())
	require.Error(t, err)
	assert.Equal(t, errutil.KindConnection, errutil.KindOf(err))
	assert.False(t, client.IsConnected())
}

func TestRunWebSocket_DialFailureIsConnectionKind(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	serverURL := server.URL
	server.Close()

	client := newTestClient(serverURL)
	err := client.RunWebSocket(context.Background())

	require.Error(t, err)
	assert.Equal(t, errutil.KindConnection, errutil.KindOf(err))
}

func TestBuildWebSocketURL(t *testing.T) {
	client := NewClient(Config{BaseURL: "https://torrentd.local:7070", APIToken: "secret"})

	u, err := client.buildWebSocketURL()
	require.NoError(t, err)
	assert.Equal(t, "wss://torrentd.local:7070/api/v1/events?token=secret", u)

	client = NewClient(Config{
		BaseURL:      "http://torrentd.local:7070",
		WebSocketURL: "ws://other.local/events",
		APIToken:     "secret",
	})
	u, err = client.buildWebSocketURL()
	require.NoError(t, err)
	assert.Equal(t, "ws://other.local/events?token=secret", u)
}

func TestCandidateRelease_ParsesTitle(t *testing.T) {
	c := Candidate{Title: "Artist - Album (2019) [FLAC] {WEB}", Score: 0.9}
	info := c.Release()
	assert.NotEmpty(t, info.Title)

	// Unparseable titles fall back to the raw string.
	c = Candidate{Title: ""}
	assert.Equal(t, "", c.Release().Title)
}
