package client

import (
	"github.com/amora-app/messaging/internal/domain"
)

// State is the lifecycle state of the connection manager.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAwaitingAuth
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAwaitingAuth:
		return "awaiting_auth"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is a typed occurrence on the connection. All events are delivered on
// a single ordered stream, so consumers get one point of dispatch instead of
// scattered callbacks.
type Event interface {
	isEvent()
}

// StateChange reports a lifecycle transition.
type StateChange struct {
	From State
	To   State
}

// AckReceived delivers a server ack for a previously submitted send.
type AckReceived struct {
	Ack domain.AckEnvelope
}

// MessageReceived delivers an inbound message push.
type MessageReceived struct {
	Message domain.NewMessageEnvelope
}

// PresenceChanged delivers a partner's online/offline transition.
type PresenceChanged struct {
	Presence domain.PresenceEnvelope
}

// SendRejected delivers a per-message business rejection, correlated by nonce.
type SendRejected struct {
	Error domain.ErrorEnvelope
}

// AuthFailed reports a terminal authentication failure. The connection will
// not reconnect until the session is re-authenticated upstream.
type AuthFailed struct {
	Message string
}

// Disconnected reports a transient channel drop. Reconnection is automatic.
type Disconnected struct {
	Err error
}

func (StateChange) isEvent()      {}
func (AckReceived) isEvent()      {}
func (MessageReceived) isEvent()  {}
func (PresenceChanged) isEvent()  {}
func (SendRejected) isEvent()     {}
func (AuthFailed) isEvent()       {}
func (Disconnected) isEvent()     {}
