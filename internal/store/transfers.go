package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/threadkeep/threadkeep/internal/model"
	"github.com/threadkeep/threadkeep/internal/repo"
)

// CreateOwnershipTransfer starts an ownership transfer to another member.
// Requires owner access. At most one transfer may be pending per group; a
// second create reports a conflict carrying the pending transfer's id.
func (s *Service) CreateOwnershipTransfer(ctx context.Context, conversationID uuid.UUID, toUserID string) (*OwnershipTransferDto, error) {
	id, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	conv, _, err := s.requireAccess(ctx, conversationID, model.AccessLevelOwner)
	if err != nil {
		return nil, err
	}
	if toUserID == "" {
		return nil, NewValidationError("toUserId is required")
	}
	if toUserID == id.UserID {
		return nil, NewValidationError("cannot transfer ownership to yourself")
	}
	if _, err := s.repo.GetMembership(ctx, conv.ConversationGroupID, toUserID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, NewValidationError("user %s is not a member of conversation %s", toUserID, conversationID)
		}
		return nil, err
	}

	transfer := model.OwnershipTransfer{
		ID:                  uuid.New(),
		ConversationGroupID: conv.ConversationGroupID,
		FromUserID:          id.UserID,
		ToUserID:            toUserID,
		CreatedAt:           s.now(),
	}
	if err := s.repo.CreateTransfer(ctx, &transfer); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			conflict := NewConflictError("a transfer is already pending for conversation %s", conversationID)
			conflict.Code = "TRANSFER_ALREADY_PENDING"
			if existing, lookupErr := s.repo.PendingTransferByGroup(ctx, conv.ConversationGroupID); lookupErr == nil {
				conflict.Details = map[string]interface{}{"existingTransferId": existing.ID.String()}
			}
			return nil, conflict
		}
		return nil, err
	}
	return s.transferDto(ctx, &transfer), nil
}

// ListOwnershipTransfers returns pending transfers where the caller is
// sender or recipient, per the role filter.
func (s *Service) ListOwnershipTransfers(ctx context.Context, role repo.TransferRole) ([]OwnershipTransferDto, error) {
	id, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	transfers, err := s.repo.TransfersForUser(ctx, id.UserID, role)
	if err != nil {
		return nil, err
	}
	out := make([]OwnershipTransferDto, 0, len(transfers))
	for i := range transfers {
		out = append(out, *s.transferDto(ctx, &transfers[i]))
	}
	return out, nil
}

// GetOwnershipTransfer returns one pending transfer. Only the sender or the
// recipient may read it.
func (s *Service) GetOwnershipTransfer(ctx context.Context, transferID uuid.UUID) (*OwnershipTransferDto, error) {
	id, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	transfer, err := s.repo.GetTransfer(ctx, transferID)
	if err != nil {
		return nil, normalizeErr(err, "transfer %s not found", transferID)
	}
	if transfer.ToUserID != id.UserID && transfer.FromUserID != id.UserID {
		return nil, NewForbiddenError("transfer %s does not involve you", transferID)
	}
	return s.transferDto(ctx, transfer), nil
}

// AcceptOwnershipTransfer completes a pending transfer: the recipient
// becomes owner of every conversation in the group, the previous owner
// drops to manager, and the transfer disappears. Only the recipient may
// accept. A second accept of the same transfer reports not found.
func (s *Service) AcceptOwnershipTransfer(ctx context.Context, transferID uuid.UUID) error {
	id, err := caller(ctx)
	if err != nil {
		return err
	}
	transfer, err := s.repo.GetTransfer(ctx, transferID)
	if err != nil {
		return normalizeErr(err, "transfer %s not found", transferID)
	}
	if transfer.ToUserID != id.UserID {
		return NewForbiddenError("transfer %s is not addressed to you", transferID)
	}
	if err := s.repo.AcceptTransfer(ctx, transfer); err != nil {
		return normalizeErr(err, "transfer %s not found", transferID)
	}
	return nil
}

// DeclineOwnershipTransfer removes a pending transfer. The recipient may
// decline, and the sender may cancel.
func (s *Service) DeclineOwnershipTransfer(ctx context.Context, transferID uuid.UUID) error {
	id, err := caller(ctx)
	if err != nil {
		return err
	}
	transfer, err := s.repo.GetTransfer(ctx, transferID)
	if err != nil {
		return normalizeErr(err, "transfer %s not found", transferID)
	}
	if transfer.ToUserID != id.UserID && transfer.FromUserID != id.UserID {
		return NewForbiddenError("transfer %s does not involve you", transferID)
	}
	if err := s.repo.DeleteTransfer(ctx, transfer.ID); err != nil {
		return normalizeErr(err, "transfer %s not found", transferID)
	}
	return nil
}

// transferDto resolves the root conversation's id and title for display.
// Lookup failures degrade to the bare transfer rather than failing the call.
func (s *Service) transferDto(ctx context.Context, t *model.OwnershipTransfer) *OwnershipTransferDto {
	dto := &OwnershipTransferDto{
		ID:         t.ID,
		FromUserID: t.FromUserID,
		ToUserID:   t.ToUserID,
		CreatedAt:  t.CreatedAt,
	}
	// The root conversation shares its id with the group.
	if conv, err := s.repo.GetConversation(ctx, t.ConversationGroupID); err == nil {
		dto.ConversationID = conv.ID
		dto.Title = s.decryptTitle(conv.Title)
	} else {
		dto.ConversationID = t.ConversationGroupID
	}
	return dto
}
