package client

import (
	"sort"
	"sync"
	"time"

	"github.com/amora-app/messaging/internal/domain"
)

// DeliveryState is the local delivery state of an optimistic send.
type DeliveryState int

const (
	DeliveryPending DeliveryState = iota
	DeliverySent
	DeliveryFailed
)

func (s DeliveryState) String() string {
	switch s {
	case DeliveryPending:
		return "pending"
	case DeliverySent:
		return "sent"
	case DeliveryFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Entry is one message in the local conversation view. Settled entries carry
// the canonical server id; optimistic entries are keyed by nonce until their
// ack arrives.
type Entry struct {
	ID          int64 // 0 until acked
	Nonce       string
	SenderID    string
	Content     string
	SentAt      time.Time
	State       DeliveryState
	SubmittedAt time.Time
}

// Conversation reconciles optimistic local sends with server-confirmed state.
// Settled entries are ordered by server id regardless of receive order; the
// optimistic tail keeps submission order. Delivery state only moves
// Pending→Sent or Pending→Failed.
type Conversation struct {
	selfID  string
	timeout time.Duration

	mu      sync.Mutex
	settled []Entry          // sorted by ID ascending
	ids     map[int64]bool   // settled id set, for duplicate drops
	pending map[string]int   // nonce -> index into tail
	tail    []Entry          // optimistic entries in submission order
}

// NewConversation creates a reconciler for one conversation.
// timeout bounds how long a send may stay Pending without an ack.
func NewConversation(selfID string, timeout time.Duration) *Conversation {
	return &Conversation{
		selfID:  selfID,
		timeout: timeout,
		ids:     make(map[int64]bool),
		pending: make(map[string]int),
	}
}

// Submit records an optimistic local send. The caller pairs it with
// SendChatMessage using the same nonce.
func (c *Conversation) Submit(nonce, content string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.pending[nonce]; exists {
		return
	}
	c.pending[nonce] = len(c.tail)
	c.tail = append(c.tail, Entry{
		Nonce:       nonce,
		SenderID:    c.selfID,
		Content:     content,
		State:       DeliveryPending,
		SubmittedAt: now,
	})
}

// Resubmit returns a failed entry to Pending so the user can retry it. The
// nonce is reused, so the server treats the retry as the same logical
// message.
func (c *Conversation) Resubmit(nonce string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx, ok := c.pending[nonce]
	if !ok || c.tail[idx].State != DeliveryFailed {
		return false
	}
	c.tail[idx].State = DeliveryPending
	c.tail[idx].SubmittedAt = now
	return true
}

// ApplyAck settles a pending entry with its canonical message, in place,
// without reordering entries that already settled.
func (c *Conversation) ApplyAck(ack domain.AckEnvelope) {
	id, err := domain.ParseMessageID(ack.ID)
	if err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	idx, ok := c.pending[ack.Nonce]
	if !ok || c.tail[idx].State != DeliveryPending {
		return
	}
	if c.ids[id] {
		// The canonical message already arrived via push; just drop the
		// optimistic duplicate.
		c.removeTailEntry(ack.Nonce, idx)
		return
	}

	entry := c.tail[idx]
	entry.ID = id
	entry.SentAt = ack.SentAt
	entry.State = DeliverySent

	c.removeTailEntry(ack.Nonce, idx)
	c.insertSettled(entry)
}

// ApplyFailure marks the pending entry for a nonce as Failed. Other entries
// are untouched.
func (c *Conversation) ApplyFailure(nonce string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx, ok := c.pending[nonce]
	if !ok || c.tail[idx].State != DeliveryPending {
		return
	}
	c.tail[idx].State = DeliveryFailed
}

// ApplyNew inserts an inbound message by server id order, dropping
// duplicates.
func (c *Conversation) ApplyNew(msg domain.NewMessageEnvelope) {
	id, err := domain.ParseMessageID(msg.ID)
	if err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ids[id] {
		return
	}
	c.insertSettled(Entry{
		ID:       id,
		SenderID: msg.SenderID,
		Content:  msg.Content,
		SentAt:   msg.SentAt,
		State:    DeliverySent,
	})
}

// SweepTimeouts fails pending entries older than the timeout and returns
// their nonces.
func (c *Conversation) SweepTimeouts(now time.Time) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expired []string
	for i := range c.tail {
		e := &c.tail[i]
		if e.State == DeliveryPending && now.Sub(e.SubmittedAt) >= c.timeout {
			e.State = DeliveryFailed
			expired = append(expired, e.Nonce)
		}
	}
	return expired
}

// Entries returns the display order: settled messages by server id, then the
// optimistic tail in submission order.
func (c *Conversation) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Entry, 0, len(c.settled)+len(c.tail))
	out = append(out, c.settled...)
	out = append(out, c.tail...)
	return out
}

// insertSettled keeps the settled slice sorted by id. Callers hold the lock.
func (c *Conversation) insertSettled(e Entry) {
	c.ids[e.ID] = true
	pos := sort.Search(len(c.settled), func(i int) bool {
		return c.settled[i].ID > e.ID
	})
	c.settled = append(c.settled, Entry{})
	copy(c.settled[pos+1:], c.settled[pos:])
	c.settled[pos] = e
}

// removeTailEntry drops a tail entry and reindexes. Callers hold the lock.
func (c *Conversation) removeTailEntry(nonce string, idx int) {
	delete(c.pending, nonce)
	c.tail = append(c.tail[:idx], c.tail[idx+1:]...)
	for n, i := range c.pending {
		if i > idx {
			c.pending[n] = i - 1
		}
	}
}
