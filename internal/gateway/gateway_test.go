package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"

	"github.com/chathive/session-orchestrator/internal/session"
)

// gatewayStub accepts one session, reads the credential frame and plays the
// scripted frames.
func gatewayStub(t *testing.T, script func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		script(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConnect_TranslatesFrames(t *testing.T) {
	url := gatewayStub(t, func(conn *websocket.Conn) {
		conn.WriteJSON(frame{Kind: "open"})
		conn.WriteJSON(frame{Kind: "message"})
		conn.WriteJSON(frame{Kind: "close", Code: "logged_out", Reason: "device removed"})
	})

	h, err := New(url).Connect(context.Background(), []byte("credential blob"))
	assert.NoError(t, err)
	defer h.Close()

	want := []session.Event{
		{Kind: session.EventOpen},
		{Kind: session.EventMessage},
		{Kind: session.EventClose, Code: session.CloseLoggedOut, Reason: "device removed"},
	}
	for _, expected := range want {
		select {
		case ev := <-h.Events():
			assert.Equal(t, expected, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %v", expected)
		}
	}
}

func TestClose_UnblocksSaturatedReadLoop(t *testing.T) {
	flooded := make(chan struct{})
	url := gatewayStub(t, func(conn *websocket.Conn) {
		// Well past the event buffer, so the read loop ends up parked on a
		// send with nobody consuming.
		for i := 0; i < 64; i++ {
			if err := conn.WriteJSON(frame{Kind: "message"}); err != nil {
				return
			}
		}
		close(flooded)
		conn.ReadMessage()
	})

	h, err := New(url).Connect(context.Background(), []byte("credential blob"))
	assert.NoError(t, err)

	<-flooded
	time.Sleep(20 * time.Millisecond)
	assert.NoError(t, h.Close())

	// The read loop must notice the close and shut the stream down instead
	// of staying parked forever.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-h.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("event stream never closed after handle close")
		}
	}
}
