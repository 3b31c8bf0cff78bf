package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/google/uuid"
	"github.com/threadkeep/threadkeep/internal/model"
	"github.com/threadkeep/threadkeep/internal/repo"
)

// SyncMemoryEntries reconciles an agent client's full memory list against
// the stored latest epoch. Three outcomes:
//
//   - identical content: no-op
//   - incoming extends the stored list: the delta is appended under the
//     same epoch
//   - anything else: a new epoch starts with the full incoming list; an
//     empty incoming list over non-empty state clears memory the same way,
//     with "[]" as the epoch's content
//
// Missing conversations are auto-created (unless the incoming list is also
// empty, which stays a no-op).
func (s *Service) SyncMemoryEntries(ctx context.Context, conversationID uuid.UUID, req CreateEntryRequest) (*SyncResult, error) {
	id, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	if id.ClientID == "" {
		return nil, NewForbiddenError("memory sync requires a client id")
	}
	if req.Channel != "" && req.Channel != model.ChannelMemory {
		return nil, NewValidationError("memory sync only writes the %s channel, got %q", model.ChannelMemory, req.Channel)
	}

	rawContent, err := encodeContent(req.Content)
	if err != nil {
		return nil, NewValidationError("invalid entry content: %v", err)
	}
	incomingContent := parseContentArray(rawContent)

	autoCreated := false
	conv, err := s.repo.GetConversation(ctx, conversationID)
	switch {
	case err == nil && conv.DeletedAt != nil:
		return nil, NewNotFoundError("conversation %s not found", conversationID)
	case errors.Is(err, repo.ErrNotFound):
		if len(incomingContent) == 0 {
			return &SyncResult{ConversationID: conversationID}, nil
		}
		detail, createErr := s.createConversation(ctx, id.UserID, conversationID, "", nil, nil, nil)
		if createErr != nil {
			return nil, createErr
		}
		conv, err = s.repo.GetConversation(ctx, detail.ID)
		if err != nil {
			return nil, err
		}
		autoCreated = true
	case err != nil:
		return nil, err
	}

	if _, _, err := s.requireAccess(ctx, conv.ID, model.AccessLevelWriter); err != nil {
		return nil, err
	}

	ancestry, err := s.buildAncestryStack(ctx, conv)
	if err != nil {
		return nil, err
	}
	latestEntries, err := s.fetchLatestMemoryEntries(ctx, conv, ancestry, id.ClientID)
	if err != nil {
		return nil, err
	}
	existingContent := s.flattenMemoryContent(latestEntries)

	var latestEpoch *int64
	for _, existing := range latestEntries {
		if existing.Epoch == nil {
			continue
		}
		if latestEpoch == nil || *existing.Epoch > *latestEpoch {
			v := *existing.Epoch
			latestEpoch = &v
		}
	}
	currentEpoch := int64(0)
	if latestEpoch != nil {
		currentEpoch = *latestEpoch
	}

	// Both sides empty, or byte-for-byte-equivalent content: nothing to do.
	if len(incomingContent) == 0 && len(existingContent) == 0 {
		return &SyncResult{ConversationID: conv.ID, Epoch: currentEpoch, AutoCreated: autoCreated}, nil
	}
	if reflect.DeepEqual(existingContent, incomingContent) {
		return &SyncResult{ConversationID: conv.ID, Epoch: currentEpoch, AutoCreated: autoCreated}, nil
	}

	appendContent := rawContent
	epochToUse := int64(1)
	epochIncremented := false
	if latestEpoch != nil {
		epochToUse = *latestEpoch
	} else {
		// The first sync on an existing conversation starts at epoch 1 but
		// is not an "increment"; only auto-creation counts as one.
		epochIncremented = autoCreated
	}

	switch {
	case len(incomingContent) == 0:
		// Empty over non-empty clears memory at a fresh epoch.
		if latestEpoch != nil {
			epochToUse = *latestEpoch + 1
		}
		epochIncremented = true
		appendContent = []byte("[]")
	case isPrefixContent(existingContent, incomingContent):
		delta := incomingContent[len(existingContent):]
		if len(delta) == 0 {
			return &SyncResult{ConversationID: conv.ID, Epoch: currentEpoch, AutoCreated: autoCreated}, nil
		}
		appendContent = marshalContentArray(delta)
	default:
		if latestEpoch != nil {
			epochToUse = *latestEpoch + 1
			epochIncremented = true
		}
		appendContent = marshalContentArray(incomingContent)
	}

	now := s.now()
	encContent, err := s.codec.Encrypt(appendContent)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt entry content: %w", err)
	}
	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	clientID := id.ClientID
	entry := model.Entry{
		ID:                  uuid.New(),
		ConversationID:      conv.ID,
		ConversationGroupID: conv.ConversationGroupID,
		UserID:              &id.UserID,
		ClientID:            &clientID,
		Channel:             model.ChannelMemory,
		Epoch:               &epochToUse,
		ContentType:         contentType,
		Content:             encContent,
		CreatedAt:           now,
	}
	if err := s.repo.InsertEntry(ctx, &entry); err != nil {
		return nil, err
	}
	if err := s.repo.TouchConversation(ctx, conv.ID, now); err != nil && !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}

	s.warmEntriesCache(ctx, conv, ancestry, id.ClientID)

	entry.Content = appendContent
	return &SyncResult{
		ConversationID:   conv.ID,
		Epoch:            epochToUse,
		EpochIncremented: epochIncremented,
		Changed:          true,
		AutoCreated:      autoCreated,
		Entries:          []EntryDto{entryDtoFromDecrypted(entry)},
	}, nil
}

// flattenMemoryContent concatenates the decrypted content arrays of the
// given entries into one list.
func (s *Service) flattenMemoryContent(entries []model.Entry) []interface{} {
	result := make([]interface{}, 0)
	for _, entry := range entries {
		content := entry.Content
		if decrypted, err := s.codec.Decrypt(content); err == nil {
			content = decrypted
		}
		result = append(result, parseContentArray(content)...)
	}
	return result
}

// parseContentArray parses content as a JSON array, falling back to a
// single-element list for bare objects.
func parseContentArray(raw []byte) []interface{} {
	raw = []byte(strings.TrimSpace(string(raw)))
	if len(raw) == 0 {
		return []interface{}{}
	}
	var list []interface{}
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var obj interface{}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return []interface{}{obj}
	}
	return []interface{}{raw}
}

func marshalContentArray(content []interface{}) []byte {
	b, err := json.Marshal(content)
	if err != nil {
		return []byte("[]")
	}
	return b
}

// isPrefixContent reports whether existing is a strict-or-equal prefix of
// incoming, element by element.
func isPrefixContent(existing, incoming []interface{}) bool {
	if len(existing) > len(incoming) {
		return false
	}
	for i := range existing {
		if !reflect.DeepEqual(existing[i], incoming[i]) {
			return false
		}
	}
	return true
}
