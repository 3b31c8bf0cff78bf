package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/threadkeep/threadkeep/internal/model"
	"github.com/threadkeep/threadkeep/internal/repo"
)

// ShareConversation grants a user access to the conversation's group.
// Requires manager access. Granting owner level creates a co-owner
// membership; the recorded conversation owner changes only through the
// transfer flow.
func (s *Service) ShareConversation(ctx context.Context, conversationID uuid.UUID, targetUserID string, level model.AccessLevel) error {
	if targetUserID == "" {
		return NewValidationError("userId is required")
	}
	if !level.IsAtLeast(model.AccessLevelReader) {
		return NewValidationError("invalid access level %q", level)
	}
	conv, _, err := s.requireAccess(ctx, conversationID, model.AccessLevelManager)
	if err != nil {
		return err
	}

	membership := model.ConversationMembership{
		ConversationGroupID: conv.ConversationGroupID,
		UserID:              targetUserID,
		AccessLevel:         level,
		CreatedAt:           s.now(),
	}
	if err := s.repo.CreateMembership(ctx, &membership); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return NewConflictError("user %s already has access to conversation %s", targetUserID, conversationID)
		}
		return err
	}
	return nil
}

// SetMemberAccessLevel changes an existing member's access level. Requires
// manager access. The conversation owner's own level cannot be changed here.
func (s *Service) SetMemberAccessLevel(ctx context.Context, conversationID uuid.UUID, targetUserID string, level model.AccessLevel) error {
	if !level.IsAtLeast(model.AccessLevelReader) {
		return NewValidationError("invalid access level %q", level)
	}
	conv, _, err := s.requireAccess(ctx, conversationID, model.AccessLevelManager)
	if err != nil {
		return err
	}
	target, err := s.repo.GetMembership(ctx, conv.ConversationGroupID, targetUserID)
	if err != nil {
		return normalizeErr(err, "user %s is not a member of conversation %s", targetUserID, conversationID)
	}
	if target.AccessLevel == model.AccessLevelOwner {
		return NewValidationError("cannot change the owner's access level")
	}
	if err := s.repo.SetMembershipLevel(ctx, conv.ConversationGroupID, targetUserID, level); err != nil {
		return normalizeErr(err, "user %s is not a member of conversation %s", targetUserID, conversationID)
	}
	return nil
}

// UnshareConversation revokes a member's access. Requires manager access,
// except that any member may remove themselves. The owner cannot be
// removed. A pending transfer addressed to the removed member is cancelled.
func (s *Service) UnshareConversation(ctx context.Context, conversationID uuid.UUID, targetUserID string) error {
	id, err := caller(ctx)
	if err != nil {
		return err
	}
	required := model.AccessLevelManager
	if targetUserID == id.UserID {
		required = model.AccessLevelReader
	}
	conv, _, err := s.requireAccess(ctx, conversationID, required)
	if err != nil {
		return err
	}
	target, err := s.repo.GetMembership(ctx, conv.ConversationGroupID, targetUserID)
	if err != nil {
		return normalizeErr(err, "user %s is not a member of conversation %s", targetUserID, conversationID)
	}
	if target.AccessLevel == model.AccessLevelOwner {
		return NewValidationError("cannot remove the conversation owner")
	}
	// A transfer addressed to someone losing access is dead on arrival.
	if err := s.repo.DeleteTransfersTo(ctx, conv.ConversationGroupID, targetUserID); err != nil {
		return err
	}
	if err := s.repo.SoftDeleteMembership(ctx, conv.ConversationGroupID, targetUserID, s.now()); err != nil {
		return normalizeErr(err, "user %s is not a member of conversation %s", targetUserID, conversationID)
	}
	return nil
}

// ListMembers returns the active members of the conversation's group.
// Requires reader access.
func (s *Service) ListMembers(ctx context.Context, conversationID uuid.UUID) ([]MembershipDto, error) {
	conv, _, err := s.requireAccess(ctx, conversationID, model.AccessLevelReader)
	if err != nil {
		return nil, err
	}
	members, err := s.repo.MembershipsByGroup(ctx, conv.ConversationGroupID, false)
	if err != nil {
		return nil, err
	}
	out := make([]MembershipDto, len(members))
	for i, m := range members {
		out[i] = MembershipDto{
			UserID:      m.UserID,
			AccessLevel: m.AccessLevel,
			CreatedAt:   m.CreatedAt,
		}
	}
	return out, nil
}
