package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func newWSServer(t *testing.T, handler func(conn *websocket.Conn)) string {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func countingDial(counter *atomic.Int64) DialFunc {
	return func(ctx context.Context, url string) (*websocket.Conn, *http.Response, error) {
		counter.Add(1)
		return websocket.DefaultDialer.DialContext(ctx, url, nil)
	}
}

func waitFor(t *testing.T, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached within deadline")
}

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tc := range tests {
		if delay := BackoffDelay(tc.attempt, time.Second, 30*time.Second); delay != tc.expected {
			t.Fatalf("attempt %d: expected %v, got %v", tc.attempt, tc.expected, delay)
		}
	}
}

func TestConnectWithoutCredentialsIsNoOp(t *testing.T) {
	var dials atomic.Int64
	channel, err := NewChannel(ChannelConfig{
		URL:  "ws://localhost/ws/notifications/",
		Dial: countingDial(&dials),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := channel.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dials.Load() != 0 {
		t.Fatalf("expected no dial without credentials, got %d", dials.Load())
	}
	if channel.State() != StateDisconnected {
		t.Fatalf("expected disconnected state, got %s", channel.State())
	}
}

func TestConnectAuthenticatesAndDispatchesStats(t *testing.T) {
	authFrames := make(chan clientFrame, 1)
	url := newWSServer(t, func(conn *websocket.Conn) {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame clientFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			return
		}
		authFrames <- frame

		statsFrame := `{"type":"stats_update","stats":{"total_notifications":5,"unread_notifications":2}}`
		conn.WriteMessage(websocket.TextMessage, []byte(statsFrame))

		// Hold the connection open until the client walks away.
		conn.ReadMessage()
	})

	var mu sync.Mutex
	var received []Event
	channel, err := NewChannel(ChannelConfig{
		URL:    url,
		Token:  "access-token",
		UserID: "u1",
		OnEvent: func(event Event) {
			mu.Lock()
			received = append(received, event)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := channel.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected connect error: %v", err)
	}
	defer channel.Disconnect()

	select {
	case frame := <-authFrames:
		if frame.Type != "authenticate" || frame.Token != "access-token" {
			t.Fatalf("expected authenticate frame with token, got %#v", frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected authenticate frame")
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		if len(received) != 1 {
			return false
		}
		event := received[0]
		return event.Kind == EventStats && event.Stats != nil &&
			event.Stats.Total == 5 && event.Stats.Unread == 2
	})
	if channel.State() != StateConnected {
		t.Fatalf("expected connected state, got %s", channel.State())
	}
}

func TestAbnormalCloseSchedulesReconnect(t *testing.T) {
	url := newWSServer(t, func(conn *websocket.Conn) {
		conn.ReadMessage()
		deadline := time.Now().Add(time.Second)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "restarting"), deadline)
	})

	var dials atomic.Int64
	channel, err := NewChannel(ChannelConfig{
		URL:         url,
		Token:       "access-token",
		UserID:      "u1",
		Dial:        countingDial(&dials),
		BackoffBase: time.Millisecond,
		BackoffCap:  4 * time.Millisecond,
		MaxAttempts: 5,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := channel.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected connect error: %v", err)
	}
	defer channel.Disconnect()

	waitFor(t, func() bool { return dials.Load() >= 2 })
}

func TestReconnectStopsAfterBudgetExhausted(t *testing.T) {
	var dials atomic.Int64
	dialErr := errors.New("connection refused")
	channel, err := NewChannel(ChannelConfig{
		URL:    "ws://localhost:1/ws/notifications/",
		Token:  "access-token",
		UserID: "u1",
		Dial: func(context.Context, string) (*websocket.Conn, *http.Response, error) {
			dials.Add(1)
			return nil, nil, dialErr
		},
		BackoffBase: time.Millisecond,
		BackoffCap:  2 * time.Millisecond,
		MaxAttempts: 3,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := channel.Connect(context.Background()); !errors.Is(err, dialErr) {
		t.Fatalf("expected dial error, got %v", err)
	}

	// Initial dial plus three scheduled attempts, then nothing more.
	waitFor(t, func() bool { return dials.Load() == 4 })
	time.Sleep(20 * time.Millisecond)
	if dials.Load() != 4 {
		t.Fatalf("expected no further attempts after the budget, got %d dials", dials.Load())
	}
	if channel.State() != StateDisconnected {
		t.Fatalf("expected permanently disconnected state, got %s", channel.State())
	}
	if channel.Attempts() != 3 {
		t.Fatalf("expected 3 recorded attempts, got %d", channel.Attempts())
	}
}

func TestHandshakeNotFoundDegradesWithoutReconnect(t *testing.T) {
	var dials atomic.Int64
	channel, err := NewChannel(ChannelConfig{
		URL:    "ws://localhost:1/ws/notifications/",
		Token:  "access-token",
		UserID: "u1",
		Dial: func(context.Context, string) (*websocket.Conn, *http.Response, error) {
			dials.Add(1)
			return nil, &http.Response{StatusCode: http.StatusNotFound}, errors.New("bad handshake")
		},
		BackoffBase: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := channel.Connect(context.Background()); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("expected ErrNotSupported, got %v", err)
	}
	if channel.State() != StateDegraded {
		t.Fatalf("expected degraded state, got %s", channel.State())
	}

	time.Sleep(20 * time.Millisecond)
	if dials.Load() != 1 {
		t.Fatalf("expected no reconnect after not-supported, got %d dials", dials.Load())
	}
}

func TestNotSupportedCloseReasonDegradesWithoutReconnect(t *testing.T) {
	url := newWSServer(t, func(conn *websocket.Conn) {
		conn.ReadMessage()
		deadline := time.Now().Add(time.Second)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "404 page not found"), deadline)
	})

	var dials atomic.Int64
	channel, err := NewChannel(ChannelConfig{
		URL:         url,
		Token:       "access-token",
		UserID:      "u1",
		Dial:        countingDial(&dials),
		BackoffBase: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := channel.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected connect error: %v", err)
	}

	waitFor(t, func() bool { return channel.State() == StateDegraded })
	time.Sleep(20 * time.Millisecond)
	if dials.Load() != 1 {
		t.Fatalf("expected no reconnect after not-supported close, got %d dials", dials.Load())
	}
}

func TestNormalClosureDoesNotReconnect(t *testing.T) {
	url := newWSServer(t, func(conn *websocket.Conn) {
		conn.ReadMessage()
		deadline := time.Now().Add(time.Second)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	})

	var dials atomic.Int64
	channel, err := NewChannel(ChannelConfig{
		URL:         url,
		Token:       "access-token",
		UserID:      "u1",
		Dial:        countingDial(&dials),
		BackoffBase: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := channel.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected connect error: %v", err)
	}

	waitFor(t, func() bool { return channel.State() == StateDisconnected })
	time.Sleep(20 * time.Millisecond)
	if dials.Load() != 1 {
		t.Fatalf("expected no reconnect after normal closure, got %d dials", dials.Load())
	}
}

func TestFireAndForgetDroppedWhileDisconnected(t *testing.T) {
	channel, err := NewChannel(ChannelConfig{URL: "ws://localhost:1/ws/notifications/"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	channel.MarkAsRead("n1")
	channel.RequestStats()
	if channel.State() != StateDisconnected {
		t.Fatalf("expected disconnected state, got %s", channel.State())
	}
}
