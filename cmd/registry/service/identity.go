package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/artregistry/provenance/common/cache"
	"github.com/artregistry/provenance/common/logger"
	"github.com/artregistry/provenance/common/models"
)

const identityCacheTTL = 1 * time.Minute

// IdentityService answers account lookups for the engine. Email lookups
// are memoized briefly because the deferred-transfer branch and the
// migration detector hit the same user repeatedly inside one request.
type IdentityService struct {
	users UserStore
	cache cache.Cache
	log   *logger.Logger
}

func NewIdentityService(users UserStore, c cache.Cache, log *logger.Logger) *IdentityService {
	return &IdentityService{users: users, cache: c, log: log}
}

func (s *IdentityService) UserByEmail(ctx context.Context, email string) (*models.User, error) {
	key := "identity:email:" + email
	if cached, ok, err := s.cache.Get(ctx, key); err == nil && ok {
		var u models.User
		if err := json.Unmarshal(cached, &u); err == nil {
			return &u, nil
		}
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to look up user by email: %w", err)
	}
	if user == nil {
		return nil, nil
	}

	if encoded, err := json.Marshal(user); err == nil {
		if err := s.cache.Set(ctx, key, encoded, identityCacheTTL); err != nil {
			s.log.Warn("failed to cache user lookup", "error", err)
		}
	}
	return user, nil
}

func (s *IdentityService) UserByID(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	return user, nil
}

// LatestCredentialReset returns the time of the user's most recent
// credential reset, or nil when credentials were never reset.
func (s *IdentityService) LatestCredentialReset(ctx context.Context, userID uuid.UUID) (*time.Time, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	if user == nil {
		return nil, ErrNotFound
	}
	return user.CredentialResetAt, nil
}

// Register creates an account for an email address that may already be
// the counterparty of deferred transfers.
func (s *IdentityService) Register(ctx context.Context, email string) (*models.User, error) {
	existing, err := s.UserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("user %s already registered", email)
	}

	user := &models.User{
		UserID: uuid.New(),
		Email:  email,
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// RecordCredentialReset marks the user's signing credentials as rotated
// and drops any memoized lookup so the migration detector sees it.
func (s *IdentityService) RecordCredentialReset(ctx context.Context, userID uuid.UUID) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to look up user: %w", err)
	}
	if user == nil {
		return ErrNotFound
	}
	if err := s.users.RecordCredentialReset(ctx, userID); err != nil {
		return fmt.Errorf("failed to record credential reset: %w", err)
	}
	if err := s.cache.Delete(ctx, "identity:email:"+user.Email); err != nil {
		s.log.Warn("failed to invalidate user lookup cache", "error", err)
	}
	return nil
}
