package store

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/threadkeep/threadkeep/internal/identity"
	"github.com/threadkeep/threadkeep/internal/repo"
)

func requireAdmin(ctx context.Context) error {
	id := identity.FromContext(ctx)
	if !id.Admin {
		return NewForbiddenError("admin access required")
	}
	return nil
}

// AdminListConversations lists conversations without membership filtering,
// including soft-deleted ones when asked.
func (s *Service) AdminListConversations(ctx context.Context, q AdminConversationQuery) ([]ConversationSummary, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	filter := repo.AdminConversationFilter{
		IncludeDeleted: q.IncludeDeleted,
		OnlyDeleted:    q.OnlyDeleted,
		DeletedAfter:   q.DeletedAfter,
		DeletedBefore:  q.DeletedBefore,
	}
	if q.OwnerUserID != "" {
		owner := q.OwnerUserID
		filter.OwnerUserID = &owner
	}
	conversations, err := s.repo.AdminListConversations(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]ConversationSummary, len(conversations))
	for i := range conversations {
		out[i] = s.summarize(&conversations[i], "")
	}
	return out, nil
}

// AdminGetConversation returns any conversation, soft-deleted or not,
// without membership filtering.
func (s *Service) AdminGetConversation(ctx context.Context, conversationID uuid.UUID) (*ConversationSummary, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	conv, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, normalizeErr(err, "conversation %s not found", conversationID)
	}
	summary := s.summarize(conv, "")
	return &summary, nil
}

// AdminGetEntries returns a page of the whole group's entries, every
// channel and every client, with decrypted content.
func (s *Service) AdminGetEntries(ctx context.Context, conversationID uuid.UUID, afterID *uuid.UUID, limit int) (*PagedEntries, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	conv, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, normalizeErr(err, "conversation %s not found", conversationID)
	}
	entries, err := s.repo.EntriesByGroup(ctx, conv.ConversationGroupID)
	if err != nil {
		return nil, err
	}
	page, cursor := paginateEntries(entries, afterID, clampLimit(limit))
	return s.entryPage(page, cursor), nil
}

// AdminListMemberships returns the group's memberships including
// soft-deleted ones.
func (s *Service) AdminListMemberships(ctx context.Context, conversationID uuid.UUID) ([]MembershipDto, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	conv, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, normalizeErr(err, "conversation %s not found", conversationID)
	}
	members, err := s.repo.MembershipsByGroup(ctx, conv.ConversationGroupID, true)
	if err != nil {
		return nil, err
	}
	out := make([]MembershipDto, len(members))
	for i, m := range members {
		out[i] = MembershipDto{
			UserID:      m.UserID,
			AccessLevel: m.AccessLevel,
			CreatedAt:   m.CreatedAt,
			DeletedAt:   m.DeletedAt,
		}
	}
	return out, nil
}

// AdminSearchEntries searches the indexed content of every group.
func (s *Service) AdminSearchEntries(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, NewValidationError("query is required")
	}
	entries, err := s.repo.SearchEntries(ctx, nil, query, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	results := make([]SearchResult, 0, len(entries))
	for _, e := range entries {
		highlight := ""
		if e.IndexedContent != nil {
			highlight = buildHighlight(*e.IndexedContent, query)
		}
		results = append(results, SearchResult{
			EntryID:        e.ID,
			ConversationID: e.ConversationID,
			Highlight:      highlight,
			CreatedAt:      e.CreatedAt,
		})
	}
	return results, nil
}

// AdminIndexEntries runs one on-demand indexing pass instead of waiting for
// the background indexer to come around.
func (s *Service) AdminIndexEntries(ctx context.Context, limit int) (int, error) {
	if err := requireAdmin(ctx); err != nil {
		return 0, err
	}
	return s.IndexPendingEntries(ctx, limit)
}

// AdminRestoreConversation undeletes a soft-deleted conversation group
// before the eviction sweep removes it for good.
func (s *Service) AdminRestoreConversation(ctx context.Context, conversationID uuid.UUID) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}
	conv, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return normalizeErr(err, "conversation %s not found", conversationID)
	}
	if conv.DeletedAt == nil {
		return NewValidationError("conversation %s is not deleted", conversationID)
	}
	return normalizeErr(
		s.repo.RestoreGroup(ctx, conv.ConversationGroupID),
		"conversation %s not found", conversationID)
}

// AdminPurgeConversation hard-deletes a conversation group immediately,
// bypassing the retention window. The group must already be soft-deleted.
func (s *Service) AdminPurgeConversation(ctx context.Context, conversationID uuid.UUID) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}
	conv, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return normalizeErr(err, "conversation %s not found", conversationID)
	}
	if conv.DeletedAt == nil {
		return NewValidationError("conversation %s must be deleted before purging", conversationID)
	}
	return s.repo.HardDeleteGroups(ctx, []uuid.UUID{conv.ConversationGroupID})
}
