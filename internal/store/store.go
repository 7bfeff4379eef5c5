package store

import (
	"context"
	"errors"
	"time"

	"github.com/driftcast/driftcast-client/internal/api"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("store: database handle is required")
	// ErrNoTokens indicates no persisted session exists for the user.
	ErrNoTokens = errors.New("store: no stored tokens")
)

// CachedNotification is one locally cached inbox entry. The cache is a read
// accelerator only; the backend list remains authoritative and any mutation
// event from the realtime channel invalidates the rows.
type CachedNotification struct {
	ID        string    `gorm:"column:notification_id;primaryKey;size:190;not null"`
	Kind      string    `gorm:"column:kind;size:32;not null;index"`
	ActorID   string    `gorm:"column:actor_id;size:190"`
	Message   string    `gorm:"column:message;size:512"`
	IsRead    bool      `gorm:"column:is_read;not null"`
	CreatedAt time.Time `gorm:"column:created_at;index"`
	CachedAt  time.Time `gorm:"column:cached_at;autoCreateTime"`
}

// TableName exposes the table backing the inbox cache.
func (CachedNotification) TableName() string {
	return "notification_cache"
}

// TokenRecord persists the access/refresh token pair for one user.
type TokenRecord struct {
	UserID       string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	AccessToken  string    `gorm:"column:access_token;size:2048;not null"`
	RefreshToken string    `gorm:"column:refresh_token;size:2048"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing stored tokens.
func (TokenRecord) TableName() string {
	return "session_tokens"
}

// Store is the client's local persistence: the notification inbox cache and
// the session token records.
type Store struct {
	db    *gorm.DB
	clock func() time.Time
}

// StoreConfig describes the store's dependencies.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// NewStore constructs the store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: cfg.Database, clock: clock}, nil
}

// ReplaceInbox swaps the cached inbox for a freshly fetched list.
func (s *Store) ReplaceInbox(ctx context.Context, notifications []api.Notification) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&CachedNotification{}).Error; err != nil {
			return err
		}
		if len(notifications) == 0 {
			return nil
		}
		rows := make([]CachedNotification, 0, len(notifications))
		for _, notification := range notifications {
			rows = append(rows, CachedNotification{
				ID:        notification.ID,
				Kind:      notification.Kind,
				ActorID:   notification.ActorID,
				Message:   notification.Message,
				IsRead:    notification.IsRead,
				CreatedAt: notification.CreatedAt,
				CachedAt:  s.clock().UTC(),
			})
		}
		return tx.Create(&rows).Error
	})
}

// ListInbox returns the cached inbox, newest first. An empty result means the
// cache is cold (or was invalidated) and the caller should refetch.
func (s *Store) ListInbox(ctx context.Context) ([]api.Notification, error) {
	var rows []CachedNotification
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	notifications := make([]api.Notification, 0, len(rows))
	for _, row := range rows {
		notifications = append(notifications, api.Notification{
			ID:        row.ID,
			Kind:      row.Kind,
			ActorID:   row.ActorID,
			Message:   row.Message,
			IsRead:    row.IsRead,
			CreatedAt: row.CreatedAt,
		})
	}
	return notifications, nil
}

// InvalidateInbox drops the cached inbox so the next list view fetches fresh
// rather than trusting a stale cache plus a delta.
func (s *Store) InvalidateInbox(ctx context.Context) error {
	return s.db.WithContext(ctx).Where("1 = 1").Delete(&CachedNotification{}).Error
}

// SaveTokens upserts the token pair for a user.
func (s *Store) SaveTokens(ctx context.Context, userID, accessToken, refreshToken string) error {
	record := TokenRecord{
		UserID:       userID,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		UpdatedAt:    s.clock().UTC(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			UpdateAll: true,
		}).
		Create(&record).Error
}

// LoadTokens returns the stored token pair for a user.
func (s *Store) LoadTokens(ctx context.Context, userID string) (TokenRecord, error) {
	var record TokenRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return TokenRecord{}, ErrNoTokens
	}
	if err != nil {
		return TokenRecord{}, err
	}
	return record, nil
}

// ClearTokens removes the stored pair on logout.
func (s *Store) ClearTokens(ctx context.Context, userID string) error {
	return s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Delete(&TokenRecord{}).Error
}
