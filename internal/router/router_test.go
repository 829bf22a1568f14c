package router

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/amora-app/messaging/internal/auth"
	"github.com/amora-app/messaging/internal/config"
	"github.com/amora-app/messaging/internal/database"
	"github.com/amora-app/messaging/internal/domain"
	"github.com/amora-app/messaging/internal/hub"
	"github.com/amora-app/messaging/internal/presence"
	"github.com/amora-app/messaging/internal/store"
)

type fixture struct {
	router  *Router
	hub     *hub.Hub
	store   store.Store
	auth    *auth.Manager
	tracker *presence.Tracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := database.New(&database.Config{
		Driver:       "sqlite",
		FilePath:     filepath.Join(t.TempDir(), "messaging.db"),
		MaxOpenConns: 1,
	})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	s, err := store.NewGormStore(db, 1)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	h := hub.NewHub()
	go h.Run()

	authMgr := auth.NewManager("test-secret", "amora-test", time.Hour)
	tracker := presence.NewTracker(presence.NewMemoryStore(), s, h, config.PresenceConfig{
		GracePeriod: 20 * time.Millisecond,
		OnlineTTL:   time.Minute,
	})
	t.Cleanup(tracker.Stop)

	return &fixture{
		router:  New(s, authMgr, h, tracker),
		hub:     h,
		store:   s,
		auth:    authMgr,
		tracker: tracker,
	}
}

func (f *fixture) newClient(t *testing.T, expectedUserID string) *hub.Client {
	t.Helper()
	c := hub.NewClient(fmt.Sprintf("conn-%s-%d", expectedUserID, time.Now().UnixNano()), f.hub, nil, config.WebSocketConfig{
		PingInterval:   30 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
		MaxMessageSize: 4096,
	})
	c.ExpectedUserID = expectedUserID
	f.hub.Register(c)
	return c
}

// authenticate runs the handshake for a client and consumes the connected
// envelope.
func (f *fixture) authenticate(t *testing.T, c *hub.Client, userID string) {
	t.Helper()
	token, err := f.auth.GenerateToken(userID)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	f.router.HandleFrame(c, mustJSON(t, domain.AuthFrame{Token: token}))

	var connected domain.ConnectedEnvelope
	readEnvelope(t, c, &connected)
	if connected.Type != domain.MsgTypeConnected {
		t.Fatalf("expected connected envelope, got %+v", connected)
	}
}

func (f *fixture) seedBalance(t *testing.T, userID string, amount int64) {
	t.Helper()
	if _, err := f.store.CreditAccount(context.Background(), userID, amount); err != nil {
		t.Fatalf("seed balance: %v", err)
	}
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func readEnvelope(t *testing.T, c *hub.Client, v interface{}) {
	t.Helper()
	select {
	case data, ok := <-c.Send:
		if !ok {
			t.Fatal("send channel closed")
		}
		if err := json.Unmarshal(data, v); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for envelope")
	}
}

func expectNoEnvelope(t *testing.T, c *hub.Client) {
	t.Helper()
	select {
	case data := <-c.Send:
		t.Fatalf("unexpected envelope: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func sendChat(t *testing.T, f *fixture, c *hub.Client, nonce, recipientID, content string) {
	t.Helper()
	f.router.HandleFrame(c, mustJSON(t, domain.ChatMessageEnvelope{
		Type:        domain.MsgTypeChatMessage,
		Nonce:       nonce,
		RecipientID: recipientID,
		Content:     content,
	}))
}

func TestAuthHandshake(t *testing.T) {
	f := newFixture(t)
	c := f.newClient(t, "alice")

	f.authenticate(t, c, "alice")

	if !c.Session.IsAuthenticated() {
		t.Fatal("expected session to be authenticated")
	}
	if !f.hub.IsConnected("alice") {
		t.Fatal("expected alice to be bound in the hub")
	}
	if online, _ := f.tracker.IsOnline(context.Background(), "alice"); !online {
		t.Fatal("expected alice to be marked online")
	}
}

func TestAuthFailureIsTerminal(t *testing.T) {
	f := newFixture(t)
	c := f.newClient(t, "alice")

	f.router.HandleFrame(c, []byte(`{"token":"not-a-jwt"}`))

	var errEnv domain.ErrorEnvelope
	readEnvelope(t, c, &errEnv)
	if errEnv.Type != domain.MsgTypeError || errEnv.Code != domain.ErrCodeUnauthorized {
		t.Fatalf("expected unauthorized error, got %+v", errEnv)
	}
	if c.Session.GetState() != domain.AuthStateClosed {
		t.Fatalf("expected closed session, got %v", c.Session.GetState())
	}
	if f.hub.IsConnected("alice") {
		t.Fatal("expected alice not to be bound")
	}
}

func TestAuthTokenUserMismatch(t *testing.T) {
	f := newFixture(t)
	c := f.newClient(t, "alice")

	token, err := f.auth.GenerateToken("mallory")
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	f.router.HandleFrame(c, mustJSON(t, domain.AuthFrame{Token: token}))

	var errEnv domain.ErrorEnvelope
	readEnvelope(t, c, &errEnv)
	if errEnv.Code != domain.ErrCodeUnauthorized {
		t.Fatalf("expected unauthorized, got %+v", errEnv)
	}
}

func TestSendDeliversAckAndPush(t *testing.T) {
	f := newFixture(t)
	f.seedBalance(t, "alice", 5)

	alice := f.newClient(t, "alice")
	bob := f.newClient(t, "bob")
	f.authenticate(t, alice, "alice")
	f.authenticate(t, bob, "bob")

	sendChat(t, f, alice, "nonce-1", "bob", "hi")

	var ack domain.AckEnvelope
	readEnvelope(t, alice, &ack)
	if ack.Type != domain.MsgTypeAck || ack.Nonce != "nonce-1" || ack.ID == "" {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	var push domain.NewMessageEnvelope
	readEnvelope(t, bob, &push)
	if push.Type != domain.MsgTypeNewMessage {
		t.Fatalf("expected new_message, got %+v", push)
	}
	if push.ID != ack.ID || push.SenderID != "alice" || push.Content != "hi" {
		t.Fatalf("push does not match ack: %+v vs %+v", push, ack)
	}

	balance, err := f.store.Balance(context.Background(), "alice")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 4 {
		t.Fatalf("expected balance 4, got %d", balance)
	}
}

func TestSendWithZeroBalance(t *testing.T) {
	f := newFixture(t)

	alice := f.newClient(t, "alice")
	f.authenticate(t, alice, "alice")

	sendChat(t, f, alice, "nonce-1", "bob", "please")

	var errEnv domain.ErrorEnvelope
	readEnvelope(t, alice, &errEnv)
	if errEnv.Code != domain.ErrCodeInsufficientBalance || errEnv.Nonce != "nonce-1" {
		t.Fatalf("expected insufficient balance error, got %+v", errEnv)
	}

	balance, _ := f.store.Balance(context.Background(), "alice")
	if balance != 0 {
		t.Fatalf("expected balance unchanged, got %d", balance)
	}
	if _, err := f.store.MessageByNonce(context.Background(), "alice", "nonce-1"); err == nil {
		t.Fatal("expected no message to be created")
	}
}

func TestResendAfterReconnectIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.seedBalance(t, "alice", 5)

	alice := f.newClient(t, "alice")
	f.authenticate(t, alice, "alice")
	sendChat(t, f, alice, "nonce-1", "bob", "hi")

	var first domain.AckEnvelope
	readEnvelope(t, alice, &first)

	// Connection drops before the client saw the ack; it reconnects and
	// resends the same nonce.
	alice2 := f.newClient(t, "alice")
	f.authenticate(t, alice2, "alice")
	sendChat(t, f, alice2, "nonce-1", "bob", "hi")

	var second domain.AckEnvelope
	readEnvelope(t, alice2, &second)
	if second.ID != first.ID || !second.SentAt.Equal(first.SentAt) {
		t.Fatalf("expected original ack replayed, got %+v vs %+v", second, first)
	}

	balance, _ := f.store.Balance(context.Background(), "alice")
	if balance != 4 {
		t.Fatalf("expected single debit, balance=%d", balance)
	}
}

func TestMalformedAndUnknownFramesIgnored(t *testing.T) {
	f := newFixture(t)
	f.seedBalance(t, "alice", 5)

	alice := f.newClient(t, "alice")
	f.authenticate(t, alice, "alice")

	f.router.HandleFrame(alice, []byte(`{{{not json`))
	f.router.HandleFrame(alice, []byte(`{"type":"video_call_offer","sdp":"..."}`))
	expectNoEnvelope(t, alice)

	if !alice.Session.IsAuthenticated() {
		t.Fatal("protocol hygiene errors must not close the connection")
	}

	// The connection still works afterwards.
	sendChat(t, f, alice, "nonce-1", "bob", "still here")
	var ack domain.AckEnvelope
	readEnvelope(t, alice, &ack)
	if ack.Nonce != "nonce-1" {
		t.Fatalf("unexpected ack: %+v", ack)
	}
}

func TestChatMessageValidation(t *testing.T) {
	f := newFixture(t)
	f.seedBalance(t, "alice", 5)
	alice := f.newClient(t, "alice")
	f.authenticate(t, alice, "alice")

	tests := []struct {
		name      string
		nonce     string
		recipient string
		content   string
	}{
		{"missing nonce", "", "bob", "hi"},
		{"missing recipient", "n1", "", "hi"},
		{"missing content", "n1", "bob", ""},
		{"self send", "n1", "alice", "hi"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sendChat(t, f, alice, tt.nonce, tt.recipient, tt.content)
			var errEnv domain.ErrorEnvelope
			readEnvelope(t, alice, &errEnv)
			if errEnv.Code != domain.ErrCodeBadRequest {
				t.Fatalf("expected bad request, got %+v", errEnv)
			}
		})
	}

	balance, _ := f.store.Balance(context.Background(), "alice")
	if balance != 5 {
		t.Fatalf("rejected sends must not debit, balance=%d", balance)
	}
}

func TestNewConnectionSupersedesStale(t *testing.T) {
	f := newFixture(t)
	f.seedBalance(t, "bob", 5)

	stale := f.newClient(t, "alice")
	f.authenticate(t, stale, "alice")

	fresh := f.newClient(t, "alice")
	f.authenticate(t, fresh, "alice")

	if stale.Session.GetState() != domain.AuthStateClosed {
		t.Fatal("expected stale connection to be closed")
	}

	// Deliveries for alice now land on the fresh connection.
	bob := f.newClient(t, "bob")
	f.authenticate(t, bob, "bob")
	sendChat(t, f, bob, "nonce-1", "alice", "over here")

	var ack domain.AckEnvelope
	readEnvelope(t, bob, &ack)

	var push domain.NewMessageEnvelope
	readEnvelope(t, fresh, &push)
	if push.Content != "over here" {
		t.Fatalf("unexpected push: %+v", push)
	}
}
