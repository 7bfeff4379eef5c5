package stubserver

import (
	"net/http"
	"sync"
	"time"

	"github.com/driftcast/driftcast-client/internal/api"
	"github.com/driftcast/driftcast-client/internal/chat"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const stubWriteWait = 5 * time.Second

var stubUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// serverEvent is the wire shape of a pushed notification frame.
type serverEvent struct {
	Type           string            `json:"type"`
	Notification   *api.Notification `json:"notification,omitempty"`
	NotificationID string            `json:"notification_id,omitempty"`
	Stats          *statsCounters    `json:"stats,omitempty"`
	Message        string            `json:"message,omitempty"`
}

type notifyClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *notifyClient) send(event serverEvent) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(stubWriteWait))
	return c.conn.WriteJSON(event)
}

type notifyClientFrame struct {
	Type           string `json:"type"`
	Token          string `json:"token,omitempty"`
	NotificationID string `json:"notification_id,omitempty"`
}

func (s *Server) handleNotificationsWS(c *gin.Context) {
	conn, err := stubUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("notification upgrade failed", zap.Error(err))
		return
	}
	client := &notifyClient{conn: conn}
	authenticated := false
	defer func() {
		if authenticated {
			s.mu.Lock()
			delete(s.notifyClients, client)
			s.mu.Unlock()
		}
		conn.Close()
	}()

	for {
		var frame notifyClientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}

		switch frame.Type {
		case "authenticate":
			if _, err := s.issuer.Validate(frame.Token); err != nil {
				_ = client.send(serverEvent{Type: "error", Message: "invalid token"})
				return
			}
			s.mu.Lock()
			s.notifyClients[client] = struct{}{}
			stats := s.statsLocked()
			s.mu.Unlock()
			authenticated = true
			_ = client.send(serverEvent{Type: "stats_update", Stats: &stats})
		case "get_stats":
			if !authenticated {
				continue
			}
			s.mu.Lock()
			stats := s.statsLocked()
			s.mu.Unlock()
			_ = client.send(serverEvent{Type: "stats_update", Stats: &stats})
		case "mark_as_read":
			if !authenticated || frame.NotificationID == "" {
				continue
			}
			s.mu.Lock()
			for i := range s.notifications {
				if s.notifications[i].ID == frame.NotificationID {
					s.notifications[i].IsRead = true
				}
			}
			stats := s.statsLocked()
			s.mu.Unlock()
			s.broadcastNotify(serverEvent{
				Type:           "notification_updated",
				NotificationID: frame.NotificationID,
				Stats:          &stats,
			})
		default:
			s.logger.Debug("ignoring notification frame", zap.String("type", frame.Type))
		}
	}
}

func (s *Server) broadcastNotify(event serverEvent) {
	s.mu.Lock()
	clients := make([]*notifyClient, 0, len(s.notifyClients))
	for client := range s.notifyClients {
		clients = append(clients, client)
	}
	s.mu.Unlock()

	for _, client := range clients {
		if err := client.send(event); err != nil {
			s.logger.Debug("notification push failed", zap.Error(err))
		}
	}
}

type chatConn struct {
	conn    *websocket.Conn
	userID  string
	writeMu sync.Mutex
}

func (c *chatConn) send(frame chatFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(stubWriteWait))
	return c.conn.WriteJSON(frame)
}

// chatFrame mirrors the gateway protocol the client speaks.
type chatFrame struct {
	Type     string          `json:"type"`
	Channel  string          `json:"channel,omitempty"`
	Text     string          `json:"text,omitempty"`
	Gift     *chat.Gift      `json:"gift,omitempty"`
	Event    *chat.Envelope  `json:"event,omitempty"`
	Messages []chat.Envelope `json:"messages,omitempty"`
}

type chatChannel struct {
	mu      sync.Mutex
	history []chat.Event
	members map[*chatConn]struct{}
}

func (s *Server) channelFor(channelID string) *chatChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	channel, ok := s.chatChannels[channelID]
	if !ok {
		channel = &chatChannel{members: make(map[*chatConn]struct{})}
		s.chatChannels[channelID] = channel
	}
	return channel
}

func (s *Server) handleChatWS(c *gin.Context) {
	if c.Query("api_key") == "" || c.Query("token") == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	conn, err := stubUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("chat upgrade failed", zap.Error(err))
		return
	}
	member := &chatConn{conn: conn, userID: c.Query("user_id")}
	joined := make(map[string]*chatChannel)
	defer func() {
		for _, channel := range joined {
			s.dropMember(channel, member)
		}
		conn.Close()
	}()

	for {
		var frame chatFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}

		switch frame.Type {
		case "join":
			channel := s.channelFor(frame.Channel)
			channel.mu.Lock()
			channel.members[member] = struct{}{}
			history := make([]chat.Envelope, 0, len(channel.history))
			for _, event := range channel.history {
				history = append(history, chat.EncodeEvent(event))
			}
			channel.mu.Unlock()
			joined[frame.Channel] = channel

			_ = member.send(chatFrame{Type: "joined", Channel: frame.Channel, Messages: history})
			s.broadcastChat(channel, chat.SystemEvent{
				ID:        uuid.NewString(),
				SenderID:  member.userID,
				Kind:      chat.KindJoin,
				CreatedAt: s.clock().UTC(),
			})
		case "leave":
			channel, ok := joined[frame.Channel]
			if !ok {
				continue
			}
			delete(joined, frame.Channel)
			s.dropMember(channel, member)
		case "message":
			channel, ok := joined[frame.Channel]
			if !ok {
				continue
			}
			s.broadcastChat(channel, chat.TextMessage{
				ID:        uuid.NewString(),
				SenderID:  member.userID,
				Text:      frame.Text,
				CreatedAt: s.clock().UTC(),
			})
		case "gift":
			channel, ok := joined[frame.Channel]
			if !ok {
				continue
			}
			gift := chat.Gift{}
			if frame.Gift != nil {
				gift = *frame.Gift
			}
			s.broadcastChat(channel, chat.GiftEvent{
				ID:        uuid.NewString(),
				SenderID:  member.userID,
				Gift:      gift,
				CreatedAt: s.clock().UTC(),
			})
		default:
			s.logger.Debug("ignoring chat frame", zap.String("type", frame.Type))
		}
	}
}

func (s *Server) dropMember(channel *chatChannel, member *chatConn) {
	channel.mu.Lock()
	delete(channel.members, member)
	channel.mu.Unlock()
	s.broadcastChat(channel, chat.SystemEvent{
		ID:        uuid.NewString(),
		SenderID:  member.userID,
		Kind:      chat.KindLeave,
		CreatedAt: s.clock().UTC(),
	})
}

func (s *Server) broadcastChat(channel *chatChannel, event chat.Event) {
	envelope := chat.EncodeEvent(event)

	channel.mu.Lock()
	channel.history = append(channel.history, event)
	members := make([]*chatConn, 0, len(channel.members))
	for member := range channel.members {
		members = append(members, member)
	}
	channel.mu.Unlock()

	for _, member := range members {
		if err := member.send(chatFrame{Type: "event", Event: &envelope}); err != nil {
			s.logger.Debug("chat push failed", zap.Error(err))
		}
	}
}
