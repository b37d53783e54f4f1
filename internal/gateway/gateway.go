// Package gateway adapts the external protocol gateway daemon to the
// session.Client capability. The daemon owns the messaging-network
// handshake, encryption and framing; this side only moves the opaque
// credential blob in and lifecycle frames out.
package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/chathive/session-orchestrator/internal/session"
)

type Client struct {
	baseURL string
	dialer  *websocket.Dialer
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		dialer:  &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
	}
}

// Connect opens one gateway session. The credential blob is the first frame;
// the orchestrator never looks inside it.
func (c *Client) Connect(ctx context.Context, credentials []byte) (session.Handle, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.baseURL+"/v1/session", nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, credentials); err != nil {
		conn.Close()
		return nil, err
	}

	h := &handle{
		conn:   conn,
		events: make(chan session.Event, 16),
		done:   make(chan struct{}),
	}
	go h.readLoop()
	return h, nil
}

// frame is the gateway's wire format for both directions.
type frame struct {
	Kind    string          `json:"kind"`
	Code    string          `json:"code,omitempty"`
	Reason  string          `json:"reason,omitempty"`
	Target  string          `json:"target,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type handle struct {
	conn    *websocket.Conn
	events  chan session.Event
	done    chan struct{}
	writeMu sync.Mutex
	closed  sync.Once
}

func (h *handle) Events() <-chan session.Event {
	return h.events
}

func (h *handle) readLoop() {
	defer close(h.events)
	for {
		var f frame
		if err := h.conn.ReadJSON(&f); err != nil {
			return
		}
		ev, ok := translate(f)
		if !ok {
			log.Debug().Str("kind", f.Kind).Msg("Unknown gateway frame")
			continue
		}
		// The consumer may stop mid-stream; a closed handle takes no more
		// events, or the loop parks on a full buffer forever.
		select {
		case h.events <- ev:
		case <-h.done:
			return
		}
	}
}

func translate(f frame) (session.Event, bool) {
	switch f.Kind {
	case "opening":
		return session.Event{Kind: session.EventOpening}, true
	case "open":
		return session.Event{Kind: session.EventOpen}, true
	case "identity_lost":
		return session.Event{Kind: session.EventIdentityLost}, true
	case "message":
		return session.Event{Kind: session.EventMessage}, true
	case "command":
		return session.Event{Kind: session.EventCommand}, true
	case "close":
		return session.Event{Kind: session.EventClose, Code: closeCode(f.Code), Reason: f.Reason}, true
	default:
		return session.Event{}, false
	}
}

func closeCode(code string) session.CloseCode {
	switch code {
	case "logged_out":
		return session.CloseLoggedOut
	case "bad_credentials":
		return session.CloseBadCredentials
	case "rate_limited":
		return session.CloseRateLimited
	case "connection_failure":
		return session.CloseConnectionFailure
	default:
		return session.CloseOther
	}
}

func (h *handle) Send(ctx context.Context, target string, payload []byte) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		h.conn.SetWriteDeadline(deadline)
		defer h.conn.SetWriteDeadline(time.Time{})
	}
	return h.conn.WriteJSON(frame{Kind: "send", Target: target, Payload: payload})
}

// Alive pings the gateway; a write failure means the connection is gone even
// if no close frame ever arrives.
func (h *handle) Alive(ctx context.Context) bool {
	deadline := time.Now().Add(5 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return h.conn.WriteControl(websocket.PingMessage, nil, deadline) == nil
}

func (h *handle) Close() error {
	var err error
	h.closed.Do(func() {
		close(h.done)
		h.writeMu.Lock()
		h.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		h.writeMu.Unlock()
		err = h.conn.Close()
	})
	return err
}
