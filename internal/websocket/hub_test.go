package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/Shubh17ss/locumbnb-sub003/internal/domain"
	"github.com/Shubh17ss/locumbnb-sub003/internal/eventbus"
	"github.com/gorilla/websocket"
)

func setupTestHub(t *testing.T) *Hub {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	hub := NewHub(logger)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

func connectWS(t *testing.T, hub *Hub, query string) (*websocket.Conn, func()) {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + query

	dialer := websocket.Dialer{}
	conn, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to connect WebSocket: %v", err)
	}

	cleanup := func() {
		conn.Close()
		server.Close()
	}

	return conn, cleanup
}

func readMessage(t *testing.T, conn *websocket.Conn) EventMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read message: %v", err)
	}
	var msg struct {
		EventMessage
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return msg.EventMessage
}

func TestHub_ClientConnects(t *testing.T) {
	hub := setupTestHub(t)

	conn, cleanup := connectWS(t, hub, "")
	defer cleanup()

	time.Sleep(50 * time.Millisecond)

	if count := hub.ClientCount(); count != 1 {
		t.Errorf("expected 1 client, got %d", count)
	}

	conn.Close()
	time.Sleep(50 * time.Millisecond)

	if count := hub.ClientCount(); count != 0 {
		t.Errorf("expected 0 clients after disconnect, got %d", count)
	}
}

func TestHub_BusEventReachesClient(t *testing.T) {
	hub := setupTestHub(t)
	bus := eventbus.New(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})))
	hub.Attach(bus)

	conn, cleanup := connectWS(t, hub, "")
	defer cleanup()
	time.Sleep(50 * time.Millisecond)

	event, err := bus.Emit(context.Background(), domain.EventEscrowFunded, domain.EscrowFunded{
		PaymentID:    "pay-1",
		AssignmentID: "asg-1",
	}, eventbus.WithUser("fac-1", "user"))
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}

	msg := readMessage(t, conn)
	if msg.Type != domain.EventEscrowFunded || msg.EventID != event.ID {
		t.Errorf("message = %+v", msg)
	}
	if msg.UserID != "fac-1" || msg.Source != domain.SourceUser {
		t.Errorf("attribution = %q/%s", msg.UserID, msg.Source)
	}
}

func TestHub_TypeFilter(t *testing.T) {
	hub := setupTestHub(t)

	conn, cleanup := connectWS(t, hub, "?types=dispute.initiated")
	defer cleanup()
	time.Sleep(50 * time.Millisecond)

	hub.Publish(domain.PlatformEvent{ID: "evt-1", Type: domain.EventEscrowFunded, Data: domain.EscrowFunded{}})
	hub.Publish(domain.PlatformEvent{ID: "evt-2", Type: domain.EventDisputeInitiated, Data: domain.DisputeInitiated{DisputeID: "dsp-1"}})

	msg := readMessage(t, conn)
	if msg.EventID != "evt-2" {
		t.Errorf("filtered client received %s first", msg.EventID)
	}
}

func TestHub_RejectsUnknownType(t *testing.T) {
	hub := setupTestHub(t)

	req := httptest.NewRequest(http.MethodGet, "/ws?types=not.real", nil)
	rec := httptest.NewRecorder()
	hub.HandleWebSocket(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestHub_MultipleClients(t *testing.T) {
	hub := setupTestHub(t)

	conn1, cleanup1 := connectWS(t, hub, "")
	defer cleanup1()
	conn2, cleanup2 := connectWS(t, hub, "")
	defer cleanup2()

	time.Sleep(50 * time.Millisecond)

	if count := hub.ClientCount(); count != 2 {
		t.Errorf("expected 2 clients, got %d", count)
	}

	hub.Publish(domain.PlatformEvent{ID: "evt-multi", Type: domain.EventReviewRequested, Data: domain.ReviewRequested{}})

	for i, conn := range []*websocket.Conn{conn1, conn2} {
		if msg := readMessage(t, conn); msg.EventID != "evt-multi" {
			t.Errorf("client %d didn't receive broadcast", i+1)
		}
	}
}

func TestHub_ClientCountStartsAtZero(t *testing.T) {
	hub := setupTestHub(t)

	if count := hub.ClientCount(); count != 0 {
		t.Errorf("expected 0 clients initially, got %d", count)
	}
}
