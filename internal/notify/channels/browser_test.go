package channels

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rodovia/alertcore/internal/database"
)

func dialConsole(t *testing.T, srv *httptest.Server, operator string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?operator=" + operator
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) FeedMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg FeedMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func waitConnected(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for h.Connected() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d consoles, have %d", n, h.Connected())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_SendAndBroadcast(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, r.URL.Query().Get("operator"))
	}))
	defer srv.Close()
	ctx := context.Background()

	if _, err := hub.Send(ctx, "maria", "m", nil); !errors.Is(err, ErrNoConsole) {
		t.Fatalf("expected ErrNoConsole with nobody connected, got %v", err)
	}

	maria := dialConsole(t, srv, "maria")
	joao := dialConsole(t, srv, "joao")
	waitConnected(t, hub, 2)

	id, err := hub.Send(ctx, "maria", "Camera offline", map[string]string{"round": "0"})
	if err != nil || id == "" {
		t.Fatalf("send: %q, %v", id, err)
	}
	msg := readFrame(t, maria)
	if msg.Type != FeedTypeNotification || msg.ID != id || msg.Message != "Camera offline" {
		t.Errorf("unexpected frame %+v", msg)
	}

	hub.AlertChanged("created", &database.Alert{ID: 9, Title: "Camera offline"})
	for _, conn := range []*websocket.Conn{maria, joao} {
		msg := readFrame(t, conn)
		if msg.Type != FeedTypeAlert || msg.Event != "created" || msg.AlertID != 9 {
			t.Errorf("unexpected alert frame %+v", msg)
		}
	}

	if _, err := hub.Send(ctx, BroadcastRecipient, "to all", nil); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if msg := readFrame(t, joao); msg.Message != "to all" {
		t.Errorf("unexpected broadcast frame %+v", msg)
	}
}

func TestHub_ConsoleAcknowledge(t *testing.T) {
	hub := NewHub()
	acked := make(chan string, 1)
	hub.SetAckHandler(func(_ context.Context, alertID uint, operator string) error {
		if alertID == 404 {
			return errors.New("not found")
		}
		acked <- operator
		return nil
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, r.URL.Query().Get("operator"))
	}))
	defer srv.Close()

	conn := dialConsole(t, srv, "maria")
	waitConnected(t, hub, 1)

	frame, _ := json.Marshal(FeedMessage{Type: FeedTypeAcknowledge, AlertID: 7})
	conn.WriteMessage(websocket.TextMessage, frame)
	select {
	case op := <-acked:
		if op != "maria" {
			t.Errorf("expected maria, got %q", op)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("acknowledge handler not called")
	}

	frame, _ = json.Marshal(FeedMessage{Type: FeedTypeAcknowledge, AlertID: 404})
	conn.WriteMessage(websocket.TextMessage, frame)
	if msg := readFrame(t, conn); msg.Type != FeedTypeError || msg.AlertID != 404 {
		t.Errorf("expected error frame, got %+v", msg)
	}

	conn.Close()
	waitConnected(t, hub, 0)
}
