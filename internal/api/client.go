package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/driftcast/driftcast-client/internal/identity"
	"go.uber.org/zap"
)

var (
	// ErrMissingBaseURL indicates the client was constructed without a base URL.
	ErrMissingBaseURL = errors.New("api: base url required")
	// ErrUnauthorized indicates the backend rejected the request's credentials.
	ErrUnauthorized = errors.New("api: unauthorized")
	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = errors.New("api: not found")
)

// StatusError carries a non-2xx response that does not map to a sentinel.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api: unexpected status %d: %s", e.StatusCode, e.Body)
}

// TokenPair is the credential set issued by the authentication endpoints.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// ChatCredentials is the hosted-chat credential set exchanged via the backend.
type ChatCredentials struct {
	Token      string `json:"token"`
	APIKey     string `json:"api_key"`
	GatewayURL string `json:"gateway_url"`
}

// Notification is one inbox entry as the backend lists it.
type Notification struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	ActorID   string    `json:"actor_id"`
	Message   string    `json:"message"`
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
}

// NotificationStats is the inbox counter snapshot the backend reports.
type NotificationStats struct {
	Total  int `json:"total_notifications"`
	Unread int `json:"unread_notifications"`
}

// ClientConfig describes the dependencies of the REST client.
type ClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client speaks the Driftcast backend's JSON API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger

	mu          sync.RWMutex
	accessToken string
}

// NewClient constructs a REST client for the given base URL.
func NewClient(cfg ClientConfig) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, ErrMissingBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{baseURL: base, httpClient: httpClient, logger: logger}, nil
}

// BaseURL exposes the resolved backend base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SetAccessToken installs the bearer token used on authenticated requests.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	c.accessToken = strings.TrimSpace(token)
	c.mu.Unlock()
}

// AccessToken returns the currently installed bearer token.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

type tokenRequestPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequestPayload struct {
	RefreshToken string `json:"refresh_token"`
}

// IssueToken exchanges user credentials for an access/refresh token pair and
// installs the access token on the client.
func (c *Client) IssueToken(ctx context.Context, username, password string) (TokenPair, error) {
	var pair TokenPair
	err := c.do(ctx, http.MethodPost, "/api/auth/token/", tokenRequestPayload{Username: username, Password: password}, &pair)
	if err != nil {
		return TokenPair{}, err
	}
	c.SetAccessToken(pair.AccessToken)
	return pair, nil
}

// RefreshToken trades a refresh token for a fresh pair and installs the
// new access token.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (TokenPair, error) {
	var pair TokenPair
	err := c.do(ctx, http.MethodPost, "/api/auth/token/refresh/", refreshRequestPayload{RefreshToken: refreshToken}, &pair)
	if err != nil {
		return TokenPair{}, err
	}
	c.SetAccessToken(pair.AccessToken)
	return pair, nil
}

type profilePayload struct {
	FirstName      string `json:"first_name"`
	LastName       string `json:"last_name"`
	FullName       string `json:"full_name"`
	Username       string `json:"username"`
	ProfilePicture string `json:"profile_picture"`
}

// FetchProfile retrieves the naming fields for a user. A missing user maps to
// ErrNotFound so callers can cache the miss.
func (c *Client) FetchProfile(ctx context.Context, userID string) (identity.Profile, error) {
	var payload profilePayload
	err := c.do(ctx, http.MethodGet, "/api/users/"+userID+"/", nil, &payload)
	if err != nil {
		return identity.Profile{}, err
	}
	return identity.Profile{
		FirstName: payload.FirstName,
		LastName:  payload.LastName,
		FullName:  payload.FullName,
		Username:  payload.Username,
		AvatarURL: payload.ProfilePicture,
	}, nil
}

// FetchChatCredentials retrieves the hosted-chat token and API key for the
// authenticated user.
func (c *Client) FetchChatCredentials(ctx context.Context) (ChatCredentials, error) {
	var creds ChatCredentials
	if err := c.do(ctx, http.MethodGet, "/api/chat/credentials/", nil, &creds); err != nil {
		return ChatCredentials{}, err
	}
	return creds, nil
}

// ListNotifications returns the notification inbox, newest first.
func (c *Client) ListNotifications(ctx context.Context) ([]Notification, error) {
	var payload struct {
		Notifications []Notification `json:"notifications"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/notifications/", nil, &payload); err != nil {
		return nil, err
	}
	return payload.Notifications, nil
}

// FetchNotificationStats returns the current inbox counters.
func (c *Client) FetchNotificationStats(ctx context.Context) (NotificationStats, error) {
	var stats NotificationStats
	if err := c.do(ctx, http.MethodGet, "/api/notifications/stats/", nil, &stats); err != nil {
		return NotificationStats{}, err
	}
	return stats, nil
}

// MarkNotificationRead marks one inbox entry read.
func (c *Client) MarkNotificationRead(ctx context.Context, notificationID string) error {
	return c.do(ctx, http.MethodPost, "/api/notifications/"+notificationID+"/read/", nil, nil)
}

// ClearNotifications empties the inbox.
func (c *Client) ClearNotifications(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/notifications/clear/", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token := c.AccessToken(); token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden {
		return ErrUnauthorized
	}
	if response.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		raw, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		c.logger.Warn("backend request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", response.StatusCode))
		return &StatusError{StatusCode: response.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(response.Body).Decode(out)
}
