package router

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/amora-app/messaging/internal/auth"
	"github.com/amora-app/messaging/internal/domain"
	"github.com/amora-app/messaging/internal/hub"
	"github.com/amora-app/messaging/internal/log"
	"github.com/amora-app/messaging/internal/presence"
	"github.com/amora-app/messaging/internal/store"
)

// Router interprets inbound envelopes from websocket connections and drives
// the store, the hub, and the presence tracker. HandleFrame runs serially per
// connection (the read pump calls it one frame at a time), so two sends from
// the same connection can never race the admission check.
type Router struct {
	store    store.Store
	auth     *auth.Manager
	hub      *hub.Hub
	presence *presence.Tracker
}

func New(s store.Store, authMgr *auth.Manager, h *hub.Hub, tracker *presence.Tracker) *Router {
	return &Router{
		store:    s,
		auth:     authMgr,
		hub:      h,
		presence: tracker,
	}
}

// HandleFrame processes one inbound frame. The first frame on a connection
// must be the auth handshake; everything after is a tagged envelope.
func (r *Router) HandleFrame(c *hub.Client, frame []byte) {
	if !c.Session.IsAuthenticated() {
		r.handleAuth(c, frame)
		return
	}

	var base domain.BaseEnvelope
	if err := json.Unmarshal(frame, &base); err != nil {
		l := log.L()
		l.Warn().Str("client_id", c.ID).Msg("ignoring malformed frame")
		return
	}

	switch base.Type {
	case domain.MsgTypeChatMessage:
		r.handleChatMessage(c, frame)

	default:
		// Unknown tags are ignored so protocol additions stay compatible.
		l := log.L()
		l.Debug().Str("client_id", c.ID).Str(log.FieldEnvelopeType, base.Type).Msg("ignoring unknown envelope type")
	}
}

// HandleDisconnect runs after a connection's read pump exits.
func (r *Router) HandleDisconnect(c *hub.Client) {
	userID := c.Session.GetUserID()
	if userID == "" {
		return
	}
	r.presence.HandleOffline(context.Background(), userID)
}

func (r *Router) handleAuth(c *hub.Client, frame []byte) {
	var af domain.AuthFrame
	if err := json.Unmarshal(frame, &af); err != nil || af.Token == "" {
		r.rejectAuth(c, "missing or malformed auth token")
		return
	}

	claims, err := r.auth.ValidateToken(af.Token)
	if err != nil {
		r.rejectAuth(c, "invalid or expired token")
		return
	}

	if c.ExpectedUserID != "" && claims.UserID != c.ExpectedUserID {
		r.rejectAuth(c, "token does not match channel user")
		return
	}

	c.Session.Authenticate(claims.UserID)
	r.hub.Bind(claims.UserID, c)
	r.presence.HandleOnline(context.Background(), claims.UserID)

	c.SendEnvelope(domain.NewConnectedEnvelope())

	l := log.L()
	l.Info().Str(log.FieldUserID, claims.UserID).Str("client_id", c.ID).Msg("connection authenticated")
}

// rejectAuth is terminal for the connection: the client must obtain fresh
// credentials before retrying.
func (r *Router) rejectAuth(c *hub.Client, reason string) {
	c.SendEnvelope(domain.NewErrorEnvelope(domain.ErrCodeUnauthorized, reason))
	c.Close()

	l := log.L()
	l.Info().Str("client_id", c.ID).Str("reason", reason).Msg("auth rejected")
}

func (r *Router) handleChatMessage(c *hub.Client, frame []byte) {
	var env domain.ChatMessageEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		l := log.L()
		l.Warn().Str("client_id", c.ID).Msg("ignoring malformed chat_message")
		return
	}

	senderID := c.Session.GetUserID()

	if env.Nonce == "" || env.RecipientID == "" || env.Content == "" {
		c.SendEnvelope(&domain.ErrorEnvelope{
			Type:    domain.MsgTypeError,
			Code:    domain.ErrCodeBadRequest,
			Message: "nonce, recipient_id and content are required",
			Nonce:   env.Nonce,
		})
		return
	}
	if env.RecipientID == senderID {
		c.SendEnvelope(&domain.ErrorEnvelope{
			Type:    domain.MsgTypeError,
			Code:    domain.ErrCodeBadRequest,
			Message: "cannot message yourself",
			Nonce:   env.Nonce,
		})
		return
	}

	ctx := context.Background()
	r.presence.Touch(ctx, senderID)

	msg, created, err := r.store.SendMessage(ctx, senderID, env.RecipientID, env.Content, env.Nonce)
	switch {
	case errors.Is(err, store.ErrInsufficientBalance):
		c.SendEnvelope(&domain.ErrorEnvelope{
			Type:    domain.MsgTypeError,
			Code:    domain.ErrCodeInsufficientBalance,
			Message: "not enough credits to send this message",
			Nonce:   env.Nonce,
		})
		return

	case err != nil:
		l := log.L()
		l.Error().Err(err).
			Str(log.FieldUserID, senderID).
			Str(log.FieldNonce, env.Nonce).
			Msg("message admission failed")
		c.SendEnvelope(&domain.ErrorEnvelope{
			Type:    domain.MsgTypeError,
			Code:    domain.ErrCodeInternalError,
			Message: "failed to send message",
			Nonce:   env.Nonce,
		})
		return
	}

	c.SendEnvelope(domain.NewAckEnvelope(msg))

	// Only a freshly created message fans out; a nonce replay already did.
	if created {
		delivered := r.hub.SendToUser(msg.RecipientID, domain.NewMessagePush(msg))

		l := log.L()
		l.Info().
			Str(log.FieldUserID, senderID).
			Str(log.FieldRecipientID, msg.RecipientID).
			Str(log.FieldMessageID, domain.FormatMessageID(msg.ID)).
			Bool("delivered", delivered).
			Msg("message accepted")
	}
}
