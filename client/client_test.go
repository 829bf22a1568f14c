package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/amora-app/messaging/internal/domain"
)

func TestBackoffSchedule(t *testing.T) {
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for attempt, expected := range want {
		if got := backoffDelay(attempt); got != expected {
			t.Fatalf("attempt %d: expected %v, got %v", attempt, expected, got)
		}
	}
}

func TestJitterBounds(t *testing.T) {
	d := 8 * time.Second
	for i := 0; i < 100; i++ {
		j := withJitter(d)
		if j < d/2 || j >= d {
			t.Fatalf("jittered delay %v outside [%v, %v)", j, d/2, d)
		}
	}
}

func TestSendBeforeConnect(t *testing.T) {
	c, err := New(Options{
		URL:           "ws://localhost/messages/ws/alice",
		UserID:        "alice",
		TokenProvider: staticToken("tok"),
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if err := c.SendChatMessage("n1", "bob", "hi"); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func staticToken(token string) TokenProvider {
	return func(ctx context.Context) (string, error) {
		return token, nil
	}
}

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsServer runs behavior for each websocket connection and counts dials.
func wsServer(t *testing.T, behavior func(*websocket.Conn)) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var dials atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		dials.Add(1)
		defer conn.Close()
		behavior(conn)
	}))
	t.Cleanup(srv.Close)
	return srv, &dials
}

func wsURL(srv *httptest.Server) string {
	return "ws://" + strings.TrimPrefix(srv.URL, "http://") + "/messages/ws/alice"
}

// acceptAuth reads the auth frame and replies connected. Reports whether the
// expected token arrived.
func acceptAuth(t *testing.T, conn *websocket.Conn, wantToken string) bool {
	t.Helper()
	_, data, err := conn.ReadMessage()
	if err != nil {
		return false
	}
	var af domain.AuthFrame
	if err := json.Unmarshal(data, &af); err != nil || af.Token != wantToken {
		return false
	}
	msg, _ := json.Marshal(domain.NewConnectedEnvelope())
	conn.WriteMessage(websocket.TextMessage, msg)
	return true
}

func waitForEvent(t *testing.T, c *Conn, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-c.Events():
			if match(e) {
				return e
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
		}
	}
}

func waitForState(t *testing.T, c *Conn, s State) {
	t.Helper()
	waitForEvent(t, c, func(e Event) bool {
		sc, ok := e.(StateChange)
		return ok && sc.To == s
	})
}

func TestConnectAuthenticateAndReceive(t *testing.T) {
	srv, _ := wsServer(t, func(conn *websocket.Conn) {
		if !acceptAuth(t, conn, "tok-1") {
			return
		}
		// Push an ack and a message, then hold the connection open.
		ackMsg, _ := json.Marshal(domain.AckEnvelope{
			Type:   domain.MsgTypeAck,
			Nonce:  "n1",
			ID:     "42",
			SentAt: time.Now().UTC(),
		})
		conn.WriteMessage(websocket.TextMessage, ackMsg)

		pushMsg, _ := json.Marshal(domain.NewMessageEnvelope{
			Type:     domain.MsgTypeNewMessage,
			ID:       "43",
			SenderID: "bob",
			Content:  "hello back",
			SentAt:   time.Now().UTC(),
		})
		conn.WriteMessage(websocket.TextMessage, pushMsg)

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c, err := New(Options{
		URL:           wsURL(srv),
		UserID:        "alice",
		TokenProvider: staticToken("tok-1"),
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()

	waitForState(t, c, StateAuthenticated)

	e := waitForEvent(t, c, func(e Event) bool {
		_, ok := e.(AckReceived)
		return ok
	})
	if got := e.(AckReceived).Ack; got.Nonce != "n1" || got.ID != "42" {
		t.Fatalf("unexpected ack: %+v", got)
	}

	e = waitForEvent(t, c, func(e Event) bool {
		_, ok := e.(MessageReceived)
		return ok
	})
	if got := e.(MessageReceived).Message; got.ID != "43" || got.Content != "hello back" {
		t.Fatalf("unexpected message: %+v", got)
	}

	if err := c.SendChatMessage("n2", "bob", "hi"); err != nil {
		t.Fatalf("send while authenticated: %v", err)
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	srv, dials := wsServer(t, func(conn *websocket.Conn) {
		if !acceptAuth(t, conn, "tok") {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c, err := New(Options{
		URL:           wsURL(srv),
		UserID:        "alice",
		TokenProvider: staticToken("tok"),
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()
	waitForState(t, c, StateAuthenticated)

	// A second connect while one is in flight is a no-op.
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if n := dials.Load(); n != 1 {
		t.Fatalf("expected a single dial, got %d", n)
	}
}

func TestAuthFailureDoesNotReconnect(t *testing.T) {
	srv, dials := wsServer(t, func(conn *websocket.Conn) {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		msg, _ := json.Marshal(domain.NewErrorEnvelope(domain.ErrCodeUnauthorized, "invalid token"))
		conn.WriteMessage(websocket.TextMessage, msg)
	})

	c, err := New(Options{
		URL:           wsURL(srv),
		UserID:        "alice",
		TokenProvider: staticToken("expired"),
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	waitForEvent(t, c, func(e Event) bool {
		_, ok := e.(AuthFailed)
		return ok
	})
	waitForState(t, c, StateClosed)

	// No reconnect may follow a terminal auth failure.
	time.Sleep(200 * time.Millisecond)
	if n := dials.Load(); n != 1 {
		t.Fatalf("expected no reconnect after auth failure, got %d dials", n)
	}

	if err := c.SendChatMessage("n1", "bob", "hi"); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected after closure, got %v", err)
	}
}

func TestReconnectUsesFreshToken(t *testing.T) {
	var tokens atomic.Int64
	provider := func(ctx context.Context) (string, error) {
		n := tokens.Add(1)
		if n == 1 {
			return "tok-1", nil
		}
		return "tok-2", nil
	}

	srv, dials := wsServer(t, func(conn *websocket.Conn) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var af domain.AuthFrame
		if err := json.Unmarshal(data, &af); err != nil {
			return
		}
		msg, _ := json.Marshal(domain.NewConnectedEnvelope())
		conn.WriteMessage(websocket.TextMessage, msg)

		if af.Token == "tok-1" {
			// Drop the first connection right after auth.
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c, err := New(Options{
		URL:           wsURL(srv),
		UserID:        "alice",
		TokenProvider: provider,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()

	waitForState(t, c, StateAuthenticated)
	waitForEvent(t, c, func(e Event) bool {
		_, ok := e.(Disconnected)
		return ok
	})

	// Backoff for the first retry is under a second; wait it out.
	waitForState(t, c, StateAuthenticated)
	if n := dials.Load(); n != 2 {
		t.Fatalf("expected 2 dials, got %d", n)
	}
	if n := tokens.Load(); n != 2 {
		t.Fatalf("expected a fresh token per attempt, got %d fetches", n)
	}
}

func TestDisconnectCancelsReconnect(t *testing.T) {
	srv, dials := wsServer(t, func(conn *websocket.Conn) {
		if !acceptAuth(t, conn, "tok") {
			return
		}
		// Drop immediately to trigger the reconnect path.
	})

	c, err := New(Options{
		URL:           wsURL(srv),
		UserID:        "alice",
		TokenProvider: staticToken("tok"),
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	waitForState(t, c, StateAuthenticated)
	waitForEvent(t, c, func(e Event) bool {
		_, ok := e.(Disconnected)
		return ok
	})

	// Logout while the reconnect timer is pending.
	c.Disconnect()
	if got := c.State(); got != StateIdle {
		t.Fatalf("expected idle after disconnect, got %v", got)
	}

	before := dials.Load()
	time.Sleep(1200 * time.Millisecond)
	if after := dials.Load(); after != before {
		t.Fatalf("reconnect attempted after disconnect: %d -> %d dials", before, after)
	}
}
