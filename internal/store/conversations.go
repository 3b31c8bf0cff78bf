package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/threadkeep/threadkeep/internal/model"
	"github.com/threadkeep/threadkeep/internal/repo"
)

// CreateConversation creates a root conversation (with a fresh group and an
// owner membership) or a fork (joining the source conversation's group).
func (s *Service) CreateConversation(ctx context.Context, req CreateConversationRequest) (*ConversationDetail, error) {
	id, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	convID := uuid.New()
	if req.ID != nil {
		convID = *req.ID
	}
	return s.createConversation(ctx, id.UserID, convID, req.Title, req.Metadata, req.ForkedAtConversationID, req.ForkedAtEntryID)
}

func (s *Service) createConversation(ctx context.Context, userID string, convID uuid.UUID, title string, metadata map[string]interface{}, forkedAtConversationID, forkedAtEntryID *uuid.UUID) (*ConversationDetail, error) {
	now := s.now()
	if metadata == nil {
		metadata = map[string]interface{}{}
	}

	var groupID uuid.UUID
	accessLevel := model.AccessLevelOwner
	ownerUserID := userID
	if forkedAtConversationID != nil {
		source, membership, err := s.requireAccess(ctx, *forkedAtConversationID, model.AccessLevelWriter)
		if err != nil {
			return nil, err
		}
		groupID = source.ConversationGroupID
		accessLevel = membership.AccessLevel
		ownerUserID = source.OwnerUserID

		if forkedAtEntryID != nil {
			entry, err := s.repo.GetEntry(ctx, *forkedAtEntryID)
			if err != nil || entry.ConversationID != source.ID {
				return nil, NewNotFoundError("entry %s not found in conversation %s", forkedAtEntryID, source.ID)
			}
			if entry.Channel != model.ChannelHistory {
				return nil, NewValidationError("fork point must be a history entry")
			}
			// The stored fork point is the last entry the fork still sees, so
			// forking "at" an entry excludes it. At the source's first history
			// entry there is nothing left to see; a nil stop point records
			// that.
			prev, err := s.repo.PreviousEntry(ctx, source.ID, *entry)
			switch {
			case err == nil:
				prevID := prev.ID
				forkedAtEntryID = &prevID
			case errors.Is(err, repo.ErrNotFound):
				forkedAtEntryID = nil
			default:
				return nil, err
			}
		}
	} else {
		if forkedAtEntryID != nil {
			return nil, NewValidationError("forkedAtEntryId requires forkedAtConversationId")
		}
		// Root conversation: the conversation id doubles as the group id.
		groupID = convID
		group := model.ConversationGroup{ID: groupID, CreatedAt: now}
		if err := s.repo.CreateGroup(ctx, &group); err != nil {
			if errors.Is(err, repo.ErrDuplicate) {
				return nil, NewConflictError("conversation %s already exists", convID)
			}
			return nil, err
		}
	}

	encTitle, err := s.encryptTitle(title)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt title: %w", err)
	}
	conv := model.Conversation{
		ID:                     convID,
		Title:                  encTitle,
		OwnerUserID:            ownerUserID,
		Metadata:               metadata,
		ConversationGroupID:    groupID,
		ForkedAtConversationID: forkedAtConversationID,
		ForkedAtEntryID:        forkedAtEntryID,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := s.repo.CreateConversation(ctx, &conv); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return nil, NewConflictError("conversation %s already exists", convID)
		}
		return nil, err
	}

	// Forks join an existing group, so only roots create a membership.
	if forkedAtConversationID == nil {
		membership := model.ConversationMembership{
			ConversationGroupID: groupID,
			UserID:              userID,
			AccessLevel:         model.AccessLevelOwner,
			CreatedAt:           now,
		}
		if err := s.repo.CreateMembership(ctx, &membership); err != nil {
			return nil, err
		}
	}

	return &ConversationDetail{
		ConversationSummary: ConversationSummary{
			ID:                     convID,
			Title:                  title,
			OwnerUserID:            ownerUserID,
			AccessLevel:            accessLevel,
			Metadata:               metadata,
			ForkedAtConversationID: forkedAtConversationID,
			ForkedAtEntryID:        forkedAtEntryID,
			CreatedAt:              now,
			UpdatedAt:              now,
		},
	}, nil
}

// GetConversation returns the conversation with the caller's access level.
// Managers and above also see the member list and any pending transfer.
func (s *Service) GetConversation(ctx context.Context, conversationID uuid.UUID) (*ConversationDetail, error) {
	conv, membership, err := s.requireAccess(ctx, conversationID, model.AccessLevelReader)
	if err != nil {
		return nil, err
	}
	detail := &ConversationDetail{
		ConversationSummary: s.summarize(conv, membership.AccessLevel),
	}

	siblings, err := s.repo.ConversationsByGroup(ctx, conv.ConversationGroupID, false)
	if err != nil {
		return nil, err
	}
	for _, sib := range siblings {
		if sib.ID == conv.ID {
			continue
		}
		detail.Forks = append(detail.Forks, ConversationForkRef{
			ID:                     sib.ID,
			Title:                  s.decryptTitle(sib.Title),
			ForkedAtEntryID:        sib.ForkedAtEntryID,
			ForkedAtConversationID: sib.ForkedAtConversationID,
			CreatedAt:              sib.CreatedAt,
			UpdatedAt:              sib.UpdatedAt,
		})
	}

	if membership.AccessLevel.IsAtLeast(model.AccessLevelManager) {
		members, err := s.repo.MembershipsByGroup(ctx, conv.ConversationGroupID, false)
		if err != nil {
			return nil, err
		}
		for _, m := range members {
			detail.Members = append(detail.Members, MembershipDto{
				UserID:      m.UserID,
				AccessLevel: m.AccessLevel,
				CreatedAt:   m.CreatedAt,
			})
		}
		transfer, err := s.repo.PendingTransferByGroup(ctx, conv.ConversationGroupID)
		if err == nil {
			detail.PendingTransfer = &OwnershipTransferDto{
				ID:             transfer.ID,
				ConversationID: conv.ID,
				Title:          detail.Title,
				FromUserID:     transfer.FromUserID,
				ToUserID:       transfer.ToUserID,
				CreatedAt:      transfer.CreatedAt,
			}
		} else if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
	}
	return detail, nil
}

// ListConversations returns a page of conversations the caller is a member
// of. Title filtering happens post-decryption over a bounded over-fetch
// window, so a filtered page may come back short even when more rows match.
func (s *Service) ListConversations(ctx context.Context, q ListConversationsQuery) (*PagedConversations, error) {
	id, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	limit := clampLimit(q.Limit)

	all, err := s.repo.ConversationsForUser(ctx, id.UserID)
	if err != nil {
		return nil, err
	}

	switch q.Mode {
	case model.ListModeRoots:
		kept := all[:0]
		for _, mc := range all {
			if mc.ForkedAtConversationID == nil {
				kept = append(kept, mc)
			}
		}
		all = kept
	case model.ListModeLatestFork:
		latestByGroup := map[uuid.UUID]repo.MemberConversation{}
		for _, mc := range all {
			best, ok := latestByGroup[mc.ConversationGroupID]
			if !ok || mc.UpdatedAt.After(best.UpdatedAt) {
				latestByGroup[mc.ConversationGroupID] = mc
			}
		}
		kept := all[:0]
		for _, mc := range all {
			if latestByGroup[mc.ConversationGroupID].ID == mc.ID {
				kept = append(kept, mc)
			}
		}
		all = kept
	}

	start := 0
	if q.AfterID != nil {
		for i, mc := range all {
			if mc.ID == *q.AfterID {
				start = i + 1
				break
			}
		}
	}
	all = all[start:]

	window := limit + 1
	if q.TitleFilter != "" {
		window = limit * titleFilterOverFetchFactor
		if window < limit+1 {
			window = limit + 1
		}
		if window > titleFilterOverFetchCap {
			window = titleFilterOverFetchCap
		}
	}
	if len(all) > window {
		all = all[:window]
	}

	summaries := make([]ConversationSummary, 0, len(all))
	filter := strings.ToLower(strings.TrimSpace(q.TitleFilter))
	for _, mc := range all {
		summary := s.summarize(&mc.Conversation, mc.AccessLevel)
		if filter != "" && !strings.Contains(strings.ToLower(summary.Title), filter) {
			continue
		}
		summaries = append(summaries, summary)
	}

	hasMore := len(summaries) > limit
	if hasMore {
		summaries = summaries[:limit]
	}
	page := &PagedConversations{Conversations: summaries}
	if hasMore && len(summaries) > 0 {
		c := summaries[len(summaries)-1].ID
		page.NextCursor = &c
	}
	return page, nil
}

// UpdateConversation changes the title and/or metadata. Requires manager
// access.
func (s *Service) UpdateConversation(ctx context.Context, conversationID uuid.UUID, title *string, metadata map[string]interface{}) (*ConversationDetail, error) {
	conv, _, err := s.requireAccess(ctx, conversationID, model.AccessLevelManager)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if title != nil {
		encTitle, err := s.encryptTitle(*title)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt title: %w", err)
		}
		if err := s.repo.SetConversationTitle(ctx, conv.ID, encTitle, now); err != nil {
			return nil, normalizeErr(err, "conversation %s not found", conversationID)
		}
	}
	if metadata != nil {
		if err := s.repo.SetConversationMetadata(ctx, conv.ID, metadata, now); err != nil {
			return nil, normalizeErr(err, "conversation %s not found", conversationID)
		}
	}
	if title == nil && metadata == nil {
		if err := s.repo.TouchConversation(ctx, conv.ID, now); err != nil {
			return nil, normalizeErr(err, "conversation %s not found", conversationID)
		}
	}
	return s.GetConversation(ctx, conversationID)
}

// DeleteConversation soft-deletes the whole conversation group: every fork,
// every membership, and any pending transfer go with it. Requires manager
// access. Entries are retained until the eviction sweep hard-deletes the
// group.
func (s *Service) DeleteConversation(ctx context.Context, conversationID uuid.UUID) error {
	conv, _, err := s.requireAccess(ctx, conversationID, model.AccessLevelManager)
	if err != nil {
		return err
	}
	if err := s.repo.SoftDeleteGroup(ctx, conv.ConversationGroupID, s.now()); err != nil {
		return normalizeErr(err, "conversation %s not found", conversationID)
	}
	return nil
}

func (s *Service) summarize(conv *model.Conversation, level model.AccessLevel) ConversationSummary {
	return ConversationSummary{
		ID:                     conv.ID,
		Title:                  s.decryptTitle(conv.Title),
		OwnerUserID:            conv.OwnerUserID,
		AccessLevel:            level,
		Metadata:               conv.Metadata,
		ForkedAtEntryID:        conv.ForkedAtEntryID,
		ForkedAtConversationID: conv.ForkedAtConversationID,
		CreatedAt:              conv.CreatedAt,
		UpdatedAt:              conv.UpdatedAt,
	}
}
