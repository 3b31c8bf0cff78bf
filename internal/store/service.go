// Package store implements the domain logic for conversations, memberships,
// ownership transfers, entries, and memory epochs. The logic lives here once
// and runs over the narrow repo.Repository interface, so postgres, mongo,
// and memory backends all share identical semantics.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/threadkeep/threadkeep/internal/cache"
	"github.com/threadkeep/threadkeep/internal/crypto"
	"github.com/threadkeep/threadkeep/internal/identity"
	"github.com/threadkeep/threadkeep/internal/model"
	"github.com/threadkeep/threadkeep/internal/repo"
)

const (
	// maxInferredTitleLen bounds titles derived from entry content.
	maxInferredTitleLen = 40
	// titleFilterOverFetchFactor and titleFilterOverFetchCap bound how many
	// rows a title-filtered listing reads before giving up on filling the
	// page. Titles are encrypted at rest so the filter can only run after
	// decryption.
	titleFilterOverFetchFactor = 5
	titleFilterOverFetchCap    = 1000

	defaultPageLimit = 100
	maxPageLimit     = 1000
)

// Service is the shared domain logic layer.
type Service struct {
	repo  repo.Repository
	codec *crypto.Codec
	cache cache.MemoryEntriesCache
	now   func() time.Time
}

// New creates a Service over the given backend.
func New(r repo.Repository, codec *crypto.Codec, c cache.MemoryEntriesCache) *Service {
	if c == nil {
		c = cache.Noop{}
	}
	return &Service{
		repo:  r,
		codec: codec,
		cache: c,
		now:   time.Now,
	}
}

// Ping reports datastore health.
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// caller returns the identity on the context, requiring a user id.
func caller(ctx context.Context) (identity.Identity, error) {
	id := identity.FromContext(ctx)
	if id.UserID == "" {
		return id, NewForbiddenError("caller identity is required")
	}
	return id, nil
}

// requireAccess loads the conversation and verifies the caller holds at
// least the given access level on its group. Soft-deleted conversations are
// reported as not found.
func (s *Service) requireAccess(ctx context.Context, conversationID uuid.UUID, level model.AccessLevel) (*model.Conversation, *model.ConversationMembership, error) {
	id, err := caller(ctx)
	if err != nil {
		return nil, nil, err
	}
	conv, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, nil, NewNotFoundError("conversation %s not found", conversationID)
		}
		return nil, nil, err
	}
	if conv.DeletedAt != nil {
		return nil, nil, NewNotFoundError("conversation %s not found", conversationID)
	}
	membership, err := s.repo.GetMembership(ctx, conv.ConversationGroupID, id.UserID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// Membership absence reads as not-found rather than forbidden so
			// callers cannot probe for conversation existence.
			return nil, nil, NewNotFoundError("conversation %s not found", conversationID)
		}
		return nil, nil, err
	}
	if !membership.AccessLevel.IsAtLeast(level) {
		return nil, nil, NewForbiddenError("requires %s access to conversation %s", level, conversationID)
	}
	return conv, membership, nil
}

func (s *Service) decryptTitle(title []byte) string {
	if len(title) == 0 {
		return ""
	}
	return s.codec.DecryptString(title)
}

func (s *Service) encryptTitle(title string) ([]byte, error) {
	if title == "" {
		return nil, nil
	}
	return s.codec.Encrypt([]byte(title))
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultPageLimit
	}
	if limit > maxPageLimit {
		return maxPageLimit
	}
	return limit
}

func normalizeErr(err error, notFoundFormat string, args ...interface{}) error {
	if errors.Is(err, repo.ErrNotFound) {
		return NewNotFoundError(notFoundFormat, args...)
	}
	return err
}
