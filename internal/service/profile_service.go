package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/service-portal-api/internal/models"
	appErrors "github.com/noah-isme/service-portal-api/pkg/errors"
)

type userReader interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
}

type profileCache interface {
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Invalidate(ctx context.Context, keys ...string) error
}

// ProfileService supplies the customer identity stamped on new submissions.
type ProfileService struct {
	users  userReader
	cache  profileCache
	ttl    time.Duration
	logger *zap.Logger
}

// NewProfileService constructs a ProfileService. cache may be nil.
func NewProfileService(users userReader, cache profileCache, ttl time.Duration, logger *zap.Logger) *ProfileService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProfileService{users: users, cache: cache, ttl: ttl, logger: logger}
}

func profileCacheKey(userID string) string {
	return "profile:" + userID
}

// Profile returns the active account for userID, reading through the cache.
func (s *ProfileService) Profile(ctx context.Context, userID string) (*models.User, error) {
	key := profileCacheKey(userID)
	if s.cache != nil {
		var cached models.User
		// cache errors degrade to a database read
		hit, _ := s.cache.Get(ctx, key, &cached)
		switch {
		case hit && cached.ID == userID && cached.Active:
			return &cached, nil
		case hit:
			// entry from an older shape or another account; drop it and reload
			if err := s.cache.Invalidate(ctx, key); err != nil {
				s.logger.Debug("stale profile entry kept", zap.String("user_id", userID), zap.Error(err))
			}
		}
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrUnauthorized, "account not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load profile")
	}
	if !user.Active {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "account is inactive")
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, user, s.ttl); err != nil {
			s.logger.Debug("profile cache write skipped", zap.String("user_id", userID), zap.Error(err))
		}
	}
	return user, nil
}
