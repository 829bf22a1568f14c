package presence

import (
	"context"
	"sync"
	"time"

	"github.com/amora-app/messaging/internal/config"
	"github.com/amora-app/messaging/internal/domain"
	"github.com/amora-app/messaging/internal/log"
)

// Sender pushes envelopes to connected users.
type Sender interface {
	SendToUser(userID string, v interface{}) bool
	IsConnected(userID string) bool
}

// PartnerSource lists a user's conversation partners.
type PartnerSource interface {
	PartnersOf(ctx context.Context, userID string) ([]string, error)
}

// Tracker derives online/offline status from connection lifecycle events.
// A disconnect only becomes visible after a grace period with no rebind, so
// a transient reconnect does not flicker presence for partners.
type Tracker struct {
	store    Store
	partners PartnerSource
	sender   Sender
	grace    time.Duration
	ttl      time.Duration

	graceTimers map[string]*time.Timer // user id -> pending offline timer
	timersMu    sync.Mutex
}

func NewTracker(store Store, partners PartnerSource, sender Sender, cfg config.PresenceConfig) *Tracker {
	return &Tracker{
		store:       store,
		partners:    partners,
		sender:      sender,
		grace:       cfg.GracePeriod,
		ttl:         cfg.OnlineTTL,
		graceTimers: make(map[string]*time.Timer),
	}
}

// HandleOnline marks a user online after their connection authenticates.
// Partners are only notified on an actual offline->online transition.
func (t *Tracker) HandleOnline(ctx context.Context, userID string) {
	t.cancelGrace(userID)

	wasOnline, err := t.store.IsOnline(ctx, userID)
	if err != nil {
		l := log.L()
		l.Warn().Err(err).Str(log.FieldUserID, userID).Msg("presence lookup failed")
	}

	if err := t.store.MarkOnline(ctx, userID, t.ttl); err != nil {
		l := log.L()
		l.Warn().Err(err).Str(log.FieldUserID, userID).Msg("failed to mark user online")
		return
	}

	if wasOnline {
		return
	}

	if err := t.store.PublishUpdate(ctx, userID, true); err != nil {
		l := log.L()
		l.Warn().Err(err).Str(log.FieldUserID, userID).Msg("failed to publish presence update")
	}
	t.notifyPartners(ctx, userID, true)
}

// Touch refreshes a connected user's online mark.
func (t *Tracker) Touch(ctx context.Context, userID string) {
	if err := t.store.MarkOnline(ctx, userID, t.ttl); err != nil {
		l := log.L()
		l.Warn().Err(err).Str(log.FieldUserID, userID).Msg("failed to refresh online mark")
	}
}

// HandleOffline starts the grace period for a user whose connection closed.
func (t *Tracker) HandleOffline(ctx context.Context, userID string) {
	t.timersMu.Lock()
	defer t.timersMu.Unlock()

	if timer, exists := t.graceTimers[userID]; exists {
		timer.Stop()
	}

	t.graceTimers[userID] = time.AfterFunc(t.grace, func() {
		t.timersMu.Lock()
		delete(t.graceTimers, userID)
		t.timersMu.Unlock()

		t.setOffline(context.Background(), userID)
	})
}

// IsOnline reports whether a user is currently marked online.
func (t *Tracker) IsOnline(ctx context.Context, userID string) (bool, error) {
	return t.store.IsOnline(ctx, userID)
}

// Stop cancels all pending grace timers.
func (t *Tracker) Stop() {
	t.timersMu.Lock()
	defer t.timersMu.Unlock()
	for userID, timer := range t.graceTimers {
		timer.Stop()
		delete(t.graceTimers, userID)
	}
}

func (t *Tracker) cancelGrace(userID string) {
	t.timersMu.Lock()
	defer t.timersMu.Unlock()
	if timer, exists := t.graceTimers[userID]; exists {
		timer.Stop()
		delete(t.graceTimers, userID)
	}
}

func (t *Tracker) setOffline(ctx context.Context, userID string) {
	// The user reconnected during the grace period.
	if t.sender.IsConnected(userID) {
		return
	}

	if err := t.store.MarkOffline(ctx, userID); err != nil {
		l := log.L()
		l.Warn().Err(err).Str(log.FieldUserID, userID).Msg("failed to mark user offline")
		return
	}
	if err := t.store.PublishUpdate(ctx, userID, false); err != nil {
		l := log.L()
		l.Warn().Err(err).Str(log.FieldUserID, userID).Msg("failed to publish presence update")
	}
	t.notifyPartners(ctx, userID, false)
}

func (t *Tracker) notifyPartners(ctx context.Context, userID string, online bool) {
	partners, err := t.partners.PartnersOf(ctx, userID)
	if err != nil {
		l := log.L()
		l.Warn().Err(err).Str(log.FieldUserID, userID).Msg("failed to list partners for presence notify")
		return
	}

	env := domain.NewPresenceEnvelope(userID, online)
	for _, partner := range partners {
		t.sender.SendToUser(partner, env)
	}
}
