// Package stubserver is an in-process double of the Driftcast backend's REST
// and websocket surface. Integration tests and local development run against
// it; nothing in the production client depends on it.
package stubserver

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/driftcast/driftcast-client/internal/api"
	"github.com/driftcast/driftcast-client/internal/auth"
	"github.com/driftcast/driftcast-client/internal/chat"
	"github.com/driftcast/driftcast-client/internal/identity"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const userIDContextKey = "driftcast_user_id"

var errMissingIssuer = errors.New("stubserver: token issuer dependency required")

// Dependencies wires the stub server.
type Dependencies struct {
	Issuer *auth.TokenIssuer
	Logger *zap.Logger
	Clock  func() time.Time
	// RealtimeNotifications disables the notification websocket endpoint when
	// false, letting tests exercise the client's polling fallback.
	RealtimeNotifications bool
}

// Server holds the stub backend's in-memory state.
type Server struct {
	issuer *auth.TokenIssuer
	logger *zap.Logger
	clock  func() time.Time

	mu            sync.Mutex
	externalURL   string
	profiles      map[string]identity.Profile
	notifications []api.Notification
	refreshTokens map[string]string

	notifyClients map[*notifyClient]struct{}
	chatChannels  map[string]*chatChannel
}

// New constructs the stub server and its HTTP handler.
func New(deps Dependencies) (*Server, http.Handler, error) {
	if deps.Issuer == nil {
		return nil, nil, errMissingIssuer
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	server := &Server{
		issuer:        deps.Issuer,
		logger:        logger,
		clock:         clock,
		profiles:      make(map[string]identity.Profile),
		refreshTokens: make(map[string]string),
		notifyClients: make(map[*notifyClient]struct{}),
		chatChannels:  make(map[string]*chatChannel),
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	router.POST("/api/auth/token/", server.handleIssueToken)
	router.POST("/api/auth/token/refresh/", server.handleRefreshToken)

	protected := router.Group("/api")
	protected.Use(server.authorizeRequest)
	protected.GET("/users/:id/", server.handleGetProfile)
	protected.GET("/chat/credentials/", server.handleChatCredentials)
	protected.GET("/notifications/", server.handleListNotifications)
	protected.GET("/notifications/stats/", server.handleNotificationStats)
	protected.POST("/notifications/:id/read/", server.handleMarkRead)
	protected.POST("/notifications/clear/", server.handleClearNotifications)

	if deps.RealtimeNotifications {
		router.GET("/ws/notifications/", server.handleNotificationsWS)
	}
	router.GET("/ws/chat/", server.handleChatWS)

	return server, router, nil
}

// SetExternalURL records the base URL clients reach this server on, used to
// advertise the chat gateway endpoint. Call it after the listener is bound.
func (s *Server) SetExternalURL(baseURL string) {
	s.mu.Lock()
	s.externalURL = strings.TrimRight(baseURL, "/")
	s.mu.Unlock()
}

// AddProfile seeds a user profile.
func (s *Server) AddProfile(userID string, profile identity.Profile) {
	s.mu.Lock()
	s.profiles[userID] = profile
	s.mu.Unlock()
}

// PushNotification appends an inbox entry and broadcasts it, with fresh
// stats, to connected notification websocket clients.
func (s *Server) PushNotification(notification api.Notification) {
	if notification.ID == "" {
		notification.ID = uuid.NewString()
	}
	if notification.CreatedAt.IsZero() {
		notification.CreatedAt = s.clock().UTC()
	}
	s.mu.Lock()
	s.notifications = append(s.notifications, notification)
	stats := s.statsLocked()
	s.mu.Unlock()

	s.broadcastNotify(serverEvent{
		Type:         "new_notification",
		Notification: &notification,
		Stats:        &stats,
	})
}

type tokenRequestPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequestPayload struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) handleIssueToken(c *gin.Context) {
	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Username) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	userID := "user-" + strings.TrimSpace(request.Username)
	token, expiresIn, err := s.issuer.Issue(userID, request.Username)
	if err != nil {
		s.logger.Error("failed to issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	refresh := uuid.NewString()
	s.mu.Lock()
	s.refreshTokens[refresh] = userID
	if _, seeded := s.profiles[userID]; !seeded {
		s.profiles[userID] = identity.Profile{Username: request.Username}
	}
	s.mu.Unlock()

	c.JSON(http.StatusOK, api.TokenPair{
		AccessToken:  token,
		RefreshToken: refresh,
		ExpiresIn:    expiresIn,
	})
}

func (s *Server) handleRefreshToken(c *gin.Context) {
	var request refreshRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	s.mu.Lock()
	userID, ok := s.refreshTokens[request.RefreshToken]
	profile := s.profiles[userID]
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	token, expiresIn, err := s.issuer.Issue(userID, profile.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	c.JSON(http.StatusOK, api.TokenPair{
		AccessToken:  token,
		RefreshToken: request.RefreshToken,
		ExpiresIn:    expiresIn,
	})
}

func (s *Server) handleGetProfile(c *gin.Context) {
	userID := c.Param("id")
	s.mu.Lock()
	profile, ok := s.profiles[userID]
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"first_name":      profile.FirstName,
		"last_name":       profile.LastName,
		"full_name":       profile.FullName,
		"username":        profile.Username,
		"profile_picture": profile.AvatarURL,
	})
}

func (s *Server) handleChatCredentials(c *gin.Context) {
	s.mu.Lock()
	external := s.externalURL
	s.mu.Unlock()

	gatewayURL := ""
	if external != "" {
		gatewayURL = "ws" + strings.TrimPrefix(external, "http") + "/ws/chat/"
	}
	c.JSON(http.StatusOK, api.ChatCredentials{
		Token:      c.GetString(userIDContextKey) + "-chat-token",
		APIKey:     "stub-api-key",
		GatewayURL: gatewayURL,
	})
}

func (s *Server) handleListNotifications(c *gin.Context) {
	s.mu.Lock()
	listed := make([]api.Notification, len(s.notifications))
	copy(listed, s.notifications)
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"notifications": listed})
}

func (s *Server) handleNotificationStats(c *gin.Context) {
	s.mu.Lock()
	stats := s.statsLocked()
	s.mu.Unlock()
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleMarkRead(c *gin.Context) {
	notificationID := c.Param("id")
	s.mu.Lock()
	found := false
	for i := range s.notifications {
		if s.notifications[i].ID == notificationID {
			s.notifications[i].IsRead = true
			found = true
		}
	}
	stats := s.statsLocked()
	s.mu.Unlock()

	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	s.broadcastNotify(serverEvent{
		Type:           "notification_updated",
		NotificationID: notificationID,
		Stats:          &stats,
	})
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleClearNotifications(c *gin.Context) {
	s.mu.Lock()
	s.notifications = nil
	stats := s.statsLocked()
	s.mu.Unlock()

	s.broadcastNotify(serverEvent{Type: "notifications_cleared", Stats: &stats})
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	claims, err := s.issuer.Validate(token)
	if err != nil {
		s.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Next()
}

type statsCounters struct {
	TotalNotifications  int `json:"total_notifications"`
	UnreadNotifications int `json:"unread_notifications"`
}

func (s *Server) statsLocked() statsCounters {
	unread := 0
	for _, notification := range s.notifications {
		if !notification.IsRead {
			unread++
		}
	}
	return statsCounters{
		TotalNotifications:  len(s.notifications),
		UnreadNotifications: unread,
	}
}

// SeedChatHistory places events in a stream's channel history before any
// client joins. Test helper.
func (s *Server) SeedChatHistory(streamID string, events []chat.Event) {
	channel := s.channelFor(chat.ChannelID(streamID))
	channel.mu.Lock()
	channel.history = append(channel.history, events...)
	channel.mu.Unlock()
}
