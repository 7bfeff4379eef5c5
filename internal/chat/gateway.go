package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/driftcast/driftcast-client/internal/api"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	gatewayWriteWait  = 10 * time.Second
	gatewayPongWait   = 60 * time.Second
	gatewayPingPeriod = (gatewayPongWait * 9) / 10
	gatewayJoinWait   = 10 * time.Second
	maxFrameSize      = 64 * 1024
)

var (
	// ErrGatewayClosed indicates an operation on a gateway with no live
	// connection.
	ErrGatewayClosed = errors.New("chat: gateway not connected")

	errJoinTimeout = errors.New("chat: channel join timed out")
)

type gatewayFrame struct {
	Type     string     `json:"type"`
	Channel  string     `json:"channel,omitempty"`
	Text     string     `json:"text,omitempty"`
	Gift     *Gift      `json:"gift,omitempty"`
	Event    *Envelope  `json:"event,omitempty"`
	Messages []Envelope `json:"messages,omitempty"`
}

const (
	gatewayFrameJoin   = "join"
	gatewayFrameJoined = "joined"
	gatewayFrameLeave  = "leave"
	gatewayFrameSend   = "message"
	gatewayFrameGift   = "gift"
	gatewayFrameEvent  = "event"
)

// GatewayConfig describes the websocket chat gateway provider.
type GatewayConfig struct {
	// URL overrides the gateway endpoint from the fetched credentials.
	// Tests point it at a local server.
	URL    string
	Dialer *websocket.Dialer
	Logger *zap.Logger
}

// Gateway is the production Provider: it speaks the hosted chat gateway's
// websocket protocol, carrying joins, sends, and event deliveries over one
// connection per user.
type Gateway struct {
	urlOverride string
	dialer      *websocket.Dialer
	logger      *zap.Logger

	events chan Event

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan []Envelope
	history map[string][]Event
	stop    chan struct{}
}

// NewGateway constructs a disconnected gateway provider.
func NewGateway(cfg GatewayConfig) *Gateway {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		urlOverride: cfg.URL,
		dialer:      dialer,
		logger:      logger,
		events:      make(chan Event, 64),
		pending:     make(map[string]chan []Envelope),
		history:     make(map[string][]Event),
	}
}

// Connect dials the gateway with the exchanged credentials.
func (g *Gateway) Connect(ctx context.Context, credentials api.ChatCredentials, user User) error {
	endpoint := g.urlOverride
	if endpoint == "" {
		endpoint = credentials.GatewayURL
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("chat: invalid gateway url: %w", err)
	}
	query := parsed.Query()
	query.Set("api_key", credentials.APIKey)
	query.Set("token", credentials.Token)
	query.Set("user_id", user.ID)
	parsed.RawQuery = query.Encode()

	conn, _, err := g.dialer.DialContext(ctx, parsed.String(), nil)
	if err != nil {
		return fmt.Errorf("chat: gateway dial failed: %w", err)
	}

	g.mu.Lock()
	if g.conn != nil {
		g.conn.Close()
	}
	g.conn = conn
	g.stop = make(chan struct{})
	stop := g.stop
	g.mu.Unlock()

	go g.readPump(conn)
	go g.pinger(conn, stop)
	return nil
}

// Disconnect closes the gateway connection. The event stream stays open so
// subscribers survive a reconnect.
func (g *Gateway) Disconnect(_ context.Context) error {
	g.mu.Lock()
	conn := g.conn
	stop := g.stop
	g.conn = nil
	g.stop = nil
	g.history = make(map[string][]Event)
	g.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if conn == nil {
		return nil
	}
	deadline := time.Now().Add(gatewayWriteWait)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return conn.Close()
}

// JoinChannel requests channel membership and waits for the gateway's join
// acknowledgement, which carries the channel's recent history.
func (g *Gateway) JoinChannel(ctx context.Context, channelID string) error {
	ack := make(chan []Envelope, 1)
	g.mu.Lock()
	g.pending[channelID] = ack
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.pending, channelID)
		g.mu.Unlock()
	}()

	if err := g.write(gatewayFrame{Type: gatewayFrameJoin, Channel: channelID}); err != nil {
		return err
	}

	timer := time.NewTimer(gatewayJoinWait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errJoinTimeout
	case envelopes := <-ack:
		history := make([]Event, 0, len(envelopes))
		for _, envelope := range envelopes {
			event, err := ParseEvent(envelope)
			if err != nil {
				g.logger.Warn("dropping unparseable history entry", zap.Error(err))
				continue
			}
			history = append(history, event)
		}
		g.mu.Lock()
		g.history[channelID] = history
		g.mu.Unlock()
		return nil
	}
}

// LeaveChannel tells the gateway to drop channel membership.
func (g *Gateway) LeaveChannel(_ context.Context, channelID string) error {
	g.mu.Lock()
	delete(g.history, channelID)
	g.mu.Unlock()
	return g.write(gatewayFrame{Type: gatewayFrameLeave, Channel: channelID})
}

// Send forwards a message or gift intent to the channel.
func (g *Gateway) Send(_ context.Context, channelID string, event OutboundEvent) error {
	frame := gatewayFrame{Channel: channelID}
	switch event.Kind {
	case KindGift:
		frame.Type = gatewayFrameGift
		frame.Gift = event.Gift
	default:
		frame.Type = gatewayFrameSend
		frame.Text = event.Text
	}
	return g.write(frame)
}

// Recent returns the channel history captured at join time, oldest first.
func (g *Gateway) Recent(_ context.Context, channelID string, limit int) ([]Event, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	history := g.history[channelID]
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	snapshot := make([]Event, len(history))
	copy(snapshot, history)
	return snapshot, nil
}

// Events exposes the live delivery stream. The channel survives reconnects.
func (g *Gateway) Events() <-chan Event {
	return g.events
}

func (g *Gateway) write(frame gatewayFrame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn == nil {
		return ErrGatewayClosed
	}
	g.conn.SetWriteDeadline(time.Now().Add(gatewayWriteWait))
	return g.conn.WriteMessage(websocket.TextMessage, payload)
}

func (g *Gateway) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(gatewayPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(gatewayPongWait))
		return nil
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Warn("chat gateway read failed", zap.Error(err))
			}
			return
		}

		var frame gatewayFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			g.logger.Warn("dropping malformed gateway frame", zap.Error(err))
			continue
		}

		switch frame.Type {
		case gatewayFrameJoined:
			g.mu.Lock()
			ack := g.pending[frame.Channel]
			g.mu.Unlock()
			if ack != nil {
				ack <- frame.Messages
			}
		case gatewayFrameEvent:
			if frame.Event == nil {
				continue
			}
			event, err := ParseEvent(*frame.Event)
			if err != nil {
				g.logger.Warn("dropping unparseable gateway event", zap.Error(err))
				continue
			}
			g.events <- event
		default:
			g.logger.Debug("ignoring gateway frame", zap.String("type", frame.Type))
		}
	}
}

func (g *Gateway) pinger(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(gatewayPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(gatewayWriteWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}
