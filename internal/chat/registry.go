package chat

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

var errMissingFactory = errors.New("chat: service factory is required")

// ServiceFactory builds a transport adapter for one user.
type ServiceFactory func(user User) (*Service, error)

// Registry owns the per-user transport adapters for a session. It is
// constructed by the composition root and torn down explicitly on logout, so
// multiple logical sessions never cross-contaminate channel state.
type Registry struct {
	factory ServiceFactory
	logger  *zap.Logger

	mu       sync.Mutex
	services map[string]*Service
}

// NewRegistry constructs an empty registry.
func NewRegistry(factory ServiceFactory, logger *zap.Logger) (*Registry, error) {
	if factory == nil {
		return nil, errMissingFactory
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		factory:  factory,
		logger:   logger,
		services: make(map[string]*Service),
	}, nil
}

// ForUser returns the adapter for the user, creating it on first use.
func (r *Registry) ForUser(user User) (*Service, error) {
	if user.ID == "" {
		return nil, errMissingUserID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if service, ok := r.services[user.ID]; ok {
		return service, nil
	}
	service, err := r.factory(user)
	if err != nil {
		return nil, err
	}
	r.services[user.ID] = service
	return service, nil
}

// Remove disconnects and forgets the adapter for the user.
func (r *Registry) Remove(ctx context.Context, userID string) {
	r.mu.Lock()
	service, ok := r.services[userID]
	delete(r.services, userID)
	r.mu.Unlock()

	if !ok {
		return
	}
	if err := service.Disconnect(ctx); err != nil {
		r.logger.Warn("chat adapter disconnect failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// Shutdown disconnects every adapter. Called on logout.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	services := make(map[string]*Service, len(r.services))
	for userID, service := range r.services {
		services[userID] = service
	}
	r.services = make(map[string]*Service)
	r.mu.Unlock()

	for userID, service := range services {
		if err := service.Disconnect(ctx); err != nil {
			r.logger.Warn("chat adapter disconnect failed", zap.String("user_id", userID), zap.Error(err))
		}
	}
}

// Len reports how many adapters are live.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.services)
}
