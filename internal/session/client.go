package session

import "context"

// EventKind identifies a lifecycle event delivered by the session client.
type EventKind int

const (
	EventOpening EventKind = iota
	EventOpen
	EventClose
	EventIdentityLost
	EventMessage
	EventCommand
)

// CloseCode classifies why the underlying connection closed. The controller
// only distinguishes three classes: credential failures and hard rejections
// are terminal, everything else reconnects.
type CloseCode int

const (
	CloseOther CloseCode = iota
	CloseLoggedOut
	CloseBadCredentials
	CloseRateLimited
	CloseConnectionFailure
)

// Event is one entry of a session's ordered event stream. Code and Reason are
// set for EventClose.
type Event struct {
	Kind   EventKind
	Code   CloseCode
	Reason string
}

// Handle is one live connection owned exclusively by the Session that opened
// it. It must be closed before the Session is discarded.
type Handle interface {
	// Events returns the session's event stream. The channel is closed when
	// the connection is torn down without a final close event.
	Events() <-chan Event
	Send(ctx context.Context, target string, payload []byte) error
	// Alive reports whether the handle still holds a live identity; the
	// heartbeat uses it to catch connections that died without a close event.
	Alive(ctx context.Context) bool
	Close() error
}

// Client is the opaque session client capability: it performs the actual
// messaging-network handshake and framing. The orchestrator never looks
// inside the credential blob.
type Client interface {
	Connect(ctx context.Context, credentials []byte) (Handle, error)
}
