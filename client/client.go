package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/amora-app/messaging/internal/domain"
	"github.com/amora-app/messaging/internal/log"
)

var (
	// ErrNotConnected rejects a send attempted outside the authenticated
	// state. Sends are never silently dropped.
	ErrNotConnected = errors.New("not connected")

	// ErrAuthFailed reports a rejected handshake. The session must be
	// re-authenticated upstream before reconnecting.
	ErrAuthFailed = errors.New("authentication failed")
)

const (
	baseBackoff = time.Second
	maxBackoff  = 30 * time.Second

	defaultHeartbeatInterval = 30 * time.Second
	defaultActivityTimeout   = 75 * time.Second
	defaultEventBuffer       = 64
)

// TokenProvider returns a fresh auth token. It is called on every connection
// attempt, so a refreshed token is used after each reconnect.
type TokenProvider func(ctx context.Context) (string, error)

// Options configures a Conn.
type Options struct {
	// URL is the websocket endpoint, e.g. ws://host/messages/ws/alice.
	URL string

	// UserID is the local user. Must match the token's subject.
	UserID string

	// TokenProvider supplies the auth token per attempt.
	TokenProvider TokenProvider

	// HeartbeatInterval is how often pings are sent while authenticated.
	HeartbeatInterval time.Duration

	// ActivityTimeout forces a close when nothing (message or pong) has
	// been observed for this long; the close triggers a reconnect.
	ActivityTimeout time.Duration

	// EventBuffer sizes the event stream. When the consumer falls this
	// far behind, further events are dropped.
	EventBuffer int

	// Dialer overrides the websocket dialer.
	Dialer *websocket.Dialer
}

// Conn owns one authenticated channel for a user: lifecycle, heartbeat, and
// reconnection with exponential backoff. Create one per logged-in user and
// consume its event stream.
type Conn struct {
	opts Options

	mu      sync.Mutex
	state   State
	ws      *websocket.Conn
	cancel  context.CancelFunc
	done    chan struct{}
	running bool

	writeMu sync.Mutex
	events  chan Event
}

// New creates a connection manager. It does not connect.
func New(opts Options) (*Conn, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	if opts.UserID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if opts.TokenProvider == nil {
		return nil, fmt.Errorf("token provider is required")
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.ActivityTimeout <= 0 {
		opts.ActivityTimeout = defaultActivityTimeout
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}

	return &Conn{
		opts:   opts,
		state:  StateIdle,
		events: make(chan Event, opts.EventBuffer),
	}, nil
}

// Events returns the ordered event stream.
func (c *Conn) Events() <-chan Event {
	return c.events
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts the connection loop. Calling it while a connection is
// already in flight is an idempotent no-op.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.running = true
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			c.running = false
			c.mu.Unlock()
			close(done)
		}()
		c.run(runCtx)
	}()
	return nil
}

// Disconnect cancels any pending reconnect timer and in-flight attempt,
// closes the active channel, and leaves the manager Idle. No further
// reconnects or events occur after it returns.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	ws := c.ws
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if ws != nil {
		ws.Close()
	}
	<-done

	c.setState(StateIdle)
}

// Send transmits an envelope. Allowed only while authenticated.
func (c *Conn) Send(v interface{}) error {
	c.mu.Lock()
	ws := c.ws
	state := c.state
	c.mu.Unlock()

	if state != StateAuthenticated || ws == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(ws, websocket.TextMessage, data)
}

// SendChatMessage submits a message send keyed by the given nonce.
func (c *Conn) SendChatMessage(nonce, recipientID, content string) error {
	return c.Send(domain.ChatMessageEnvelope{
		Type:        domain.MsgTypeChatMessage,
		Nonce:       nonce,
		RecipientID: recipientID,
		Content:     content,
	})
}

func (c *Conn) run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		c.setState(StateConnecting)

		authenticated, err := c.connectOnce(ctx)
		if errors.Is(err, ErrAuthFailed) {
			// Terminal: the caller must re-authenticate the session.
			c.setState(StateClosed)
			return
		}
		if ctx.Err() != nil {
			return
		}
		c.setState(StateClosed)
		c.emit(Disconnected{Err: err})

		if authenticated {
			attempt = 0
		}
		delay := withJitter(backoffDelay(attempt))
		attempt++

		l := log.L()
		l.Debug().Dur("delay", delay).Int("attempt", attempt).Msg("scheduling reconnect")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// connectOnce performs one dial-auth-read cycle. It reports whether the
// attempt reached the authenticated state, and the error that ended it.
func (c *Conn) connectOnce(ctx context.Context) (bool, error) {
	token, err := c.opts.TokenProvider(ctx)
	if err != nil {
		return false, fmt.Errorf("token provider: %w", err)
	}

	ws, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
		ws.Close()
	}()

	c.setState(StateAwaitingAuth)

	frame, err := json.Marshal(domain.AuthFrame{Token: token})
	if err != nil {
		return false, err
	}
	if err := c.write(ws, websocket.TextMessage, frame); err != nil {
		return false, err
	}

	return c.readLoop(ctx, ws)
}

func (c *Conn) readLoop(ctx context.Context, ws *websocket.Conn) (bool, error) {
	authenticated := false

	ws.SetReadDeadline(time.Now().Add(c.opts.ActivityTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(c.opts.ActivityTimeout))
		return nil
	})

	// Heartbeat: ping on an interval; the activity deadline treats a
	// silent channel as dead and forces the close.
	pingCtx, stopPings := context.WithCancel(ctx)
	defer stopPings()
	go func() {
		ticker := time.NewTicker(c.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				if err := c.write(ws, websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return authenticated, err
		}
		ws.SetReadDeadline(time.Now().Add(c.opts.ActivityTimeout))

		var base domain.BaseEnvelope
		if err := json.Unmarshal(data, &base); err != nil {
			l := log.L()
			l.Warn().Msg("ignoring malformed server frame")
			continue
		}

		switch base.Type {
		case domain.MsgTypeConnected:
			authenticated = true
			c.setState(StateAuthenticated)

		case domain.MsgTypeAck:
			var env domain.AckEnvelope
			if err := json.Unmarshal(data, &env); err == nil {
				c.emit(AckReceived{Ack: env})
			}

		case domain.MsgTypeNewMessage:
			var env domain.NewMessageEnvelope
			if err := json.Unmarshal(data, &env); err == nil {
				c.emit(MessageReceived{Message: env})
			}

		case domain.MsgTypePresence:
			var env domain.PresenceEnvelope
			if err := json.Unmarshal(data, &env); err == nil {
				c.emit(PresenceChanged{Presence: env})
			}

		case domain.MsgTypeError:
			var env domain.ErrorEnvelope
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			if !authenticated {
				c.emit(AuthFailed{Message: env.Message})
				return false, ErrAuthFailed
			}
			c.emit(SendRejected{Error: env})

		default:
			// Unknown tags are ignored for forward compatibility.
		}
	}
}

func (c *Conn) write(ws *websocket.Conn, messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return ws.WriteMessage(messageType, data)
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	prev := c.state
	if prev == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	c.emit(StateChange{From: prev, To: s})
}

func (c *Conn) emit(e Event) {
	select {
	case c.events <- e:
	default:
		l := log.L()
		l.Warn().Msg("event stream full, dropping event")
	}
}

// backoffDelay returns the deterministic reconnect delay for an attempt:
// 1s, 2s, 4s, 8s, 16s, then capped at 30s.
func backoffDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 5 {
		attempt = 5
	}
	d := baseBackoff << uint(attempt)
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// withJitter spreads a delay over [d/2, d) so simultaneous reconnects from
// many clients do not synchronize.
func withJitter(d time.Duration) time.Duration {
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)))
}
