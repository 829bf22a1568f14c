package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/amora-app/messaging/internal/auth"
	"github.com/amora-app/messaging/internal/domain"
	"github.com/amora-app/messaging/internal/log"
	"github.com/amora-app/messaging/internal/presence"
	"github.com/amora-app/messaging/internal/response"
	"github.com/amora-app/messaging/internal/store"
)

const (
	defaultLimit = 50
	maxLimit     = 100
)

// HTTPHandler serves the read-only REST surface: conversation list, message
// history, credit balance, and presence lookups. The websocket channel
// remains the sole writer.
type HTTPHandler struct {
	store   store.Store
	tracker *presence.Tracker
	auth    *auth.Manager
}

func NewHTTPHandler(s store.Store, tracker *presence.Tracker, authMgr *auth.Manager) *HTTPHandler {
	return &HTTPHandler{
		store:   s,
		tracker: tracker,
		auth:    authMgr,
	}
}

func (h *HTTPHandler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	api.Use(h.requireAuth())
	{
		api.GET("/conversations", h.ListConversations)
		api.GET("/conversations/:conversation_id/messages", h.GetMessages)
		api.GET("/credits/balance", h.GetBalance)
		api.GET("/credits/ledger", h.GetLedger)
		api.GET("/users/:user_id/presence", h.GetPresence)
	}

	r.GET("/health", h.HealthCheck)
}

func (h *HTTPHandler) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			response.Unauthorized(c, "missing bearer token")
			c.Abort()
			return
		}

		claims, err := h.auth.ValidateToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}

		c.Set(log.FieldUserID, claims.UserID)
		c.Next()
	}
}

func callerID(c *gin.Context) string {
	v, _ := c.Get(log.FieldUserID)
	userID, _ := v.(string)
	return userID
}

type conversationView struct {
	ConversationID string `json:"conversation_id"`
	PartnerID      string `json:"partner_id"`
	LastMessageID  string `json:"last_message_id"`
	Unread         int64  `json:"unread"`
}

func (h *HTTPHandler) ListConversations(c *gin.Context) {
	userID := callerID(c)

	convs, err := h.store.ConversationsFor(c.Request.Context(), userID)
	if err != nil {
		l := log.Ctx(c.Request.Context())
		l.Error().Err(err).Msg("failed to list conversations")
		response.InternalError(c, "failed to list conversations")
		return
	}

	views := make([]conversationView, 0, len(convs))
	for i := range convs {
		conv := &convs[i]
		views = append(views, conversationView{
			ConversationID: conv.ID,
			PartnerID:      conv.PartnerOf(userID),
			LastMessageID:  domain.FormatMessageID(conv.LastMessageID),
			Unread:         conv.UnreadFor(userID),
		})
	}

	response.Success(c, views)
}

type messageView struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	RecipientID    string `json:"recipient_id"`
	Content        string `json:"content"`
	SentAt         string `json:"sent_at"`
}

type historyView struct {
	Messages   []messageView `json:"messages"`
	NextCursor string        `json:"next_cursor,omitempty"`
	HasMore    bool          `json:"has_more"`
}

func (h *HTTPHandler) GetMessages(c *gin.Context) {
	userID := callerID(c)
	conversationID := c.Param("conversation_id")

	userA, userB := domain.ParticipantsOf(conversationID)
	if userID != userA && userID != userB {
		response.Forbidden(c, "not a participant of this conversation")
		return
	}

	var afterID int64
	if cursor := c.Query("after"); cursor != "" {
		id, err := domain.ParseMessageID(cursor)
		if err != nil {
			response.BadRequest(c, "after must be a message id")
			return
		}
		afterID = id
	}

	limit := defaultLimit
	if limitStr := c.Query("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			response.BadRequest(c, "limit must be a positive integer")
			return
		}
		limit = parsed
		if limit > maxLimit {
			limit = maxLimit
		}
	}

	// Fetch one past the page to learn whether more remain.
	msgs, err := h.store.MessagesInConversation(c.Request.Context(), conversationID, afterID, limit+1)
	if err != nil {
		l := log.Ctx(c.Request.Context())
		l.Error().Err(err).Str(log.FieldConversationID, conversationID).Msg("failed to fetch history")
		response.InternalError(c, "failed to fetch history")
		return
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}

	views := make([]messageView, 0, len(msgs))
	for i := range msgs {
		m := &msgs[i]
		views = append(views, messageView{
			ID:             domain.FormatMessageID(m.ID),
			ConversationID: m.ConversationID,
			SenderID:       m.SenderID,
			RecipientID:    m.RecipientID,
			Content:        m.Content,
			SentAt:         m.SentAt.Format(time.RFC3339Nano),
		})
	}

	view := historyView{Messages: views, HasMore: hasMore}
	if hasMore && len(msgs) > 0 {
		view.NextCursor = domain.FormatMessageID(msgs[len(msgs)-1].ID)
	}

	response.Success(c, view)
}

func (h *HTTPHandler) GetBalance(c *gin.Context) {
	userID := callerID(c)

	balance, err := h.store.Balance(c.Request.Context(), userID)
	if err != nil {
		l := log.Ctx(c.Request.Context())
		l.Error().Err(err).Msg("failed to fetch balance")
		response.InternalError(c, "failed to fetch balance")
		return
	}

	response.Success(c, gin.H{"balance": balance})
}

func (h *HTTPHandler) GetLedger(c *gin.Context) {
	userID := callerID(c)

	entries, err := h.store.LedgerEntries(c.Request.Context(), userID, maxLimit)
	if err != nil {
		l := log.Ctx(c.Request.Context())
		l.Error().Err(err).Msg("failed to fetch ledger")
		response.InternalError(c, "failed to fetch ledger")
		return
	}

	response.Success(c, entries)
}

func (h *HTTPHandler) GetPresence(c *gin.Context) {
	online, err := h.tracker.IsOnline(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		l := log.Ctx(c.Request.Context())
		l.Error().Err(err).Msg("failed to fetch presence")
		response.InternalError(c, "failed to fetch presence")
		return
	}

	response.Success(c, gin.H{"online": online})
}

func (h *HTTPHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
