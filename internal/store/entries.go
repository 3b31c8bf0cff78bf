package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/threadkeep/threadkeep/internal/cache"
	"github.com/threadkeep/threadkeep/internal/identity"
	"github.com/threadkeep/threadkeep/internal/metrics"
	"github.com/threadkeep/threadkeep/internal/model"
	"github.com/threadkeep/threadkeep/internal/repo"
)

// GetEntries returns one page of the conversation's entries. The default
// view is the fork lineage (ancestry order); AllForks returns the whole
// group. Memory-channel reads require a client id, and memory entries are
// always scoped to the requesting client.
func (s *Service) GetEntries(ctx context.Context, conversationID uuid.UUID, q GetEntriesQuery) (*PagedEntries, error) {
	conv, _, err := s.requireAccess(ctx, conversationID, model.AccessLevelReader)
	if err != nil {
		return nil, err
	}
	id := identity.FromContext(ctx)
	limit := clampLimit(q.Limit)

	memoryOnly := len(q.Channels) == 1 && q.Channels[0] == model.ChannelMemory
	wantsMemory := len(q.Channels) == 0 || memoryOnly
	if !wantsMemory {
		for _, ch := range q.Channels {
			if ch == model.ChannelMemory {
				wantsMemory = true
				break
			}
		}
	}
	if wantsMemory && id.ClientID == "" && memoryOnly {
		return nil, NewForbiddenError("memory entries require a client id")
	}

	if q.AllForks {
		entries, err := s.repo.EntriesByGroup(ctx, conv.ConversationGroupID)
		if err != nil {
			return nil, err
		}
		entries = filterEntriesForAllForks(entries, q.Channels, id.ClientID, q.MemoryEpoch, q.SpecificEpoch)
		page, cursor := paginateEntries(entries, q.AfterID, limit)
		return s.entryPage(page, cursor), nil
	}

	ancestry, err := s.buildAncestryStack(ctx, conv)
	if err != nil {
		return nil, err
	}

	var filtered []model.Entry
	if memoryOnly {
		if q.MemoryEpoch == MemoryEpochNone {
			return s.entryPage(nil, nil), nil
		}
		if (q.MemoryEpoch == "" || q.MemoryEpoch == MemoryEpochLatest) && q.SpecificEpoch == nil {
			filtered, err = s.fetchLatestMemoryEntries(ctx, conv, ancestry, id.ClientID)
			if err != nil {
				return nil, err
			}
		} else {
			all, err := s.repo.EntriesByGroup(ctx, conv.ConversationGroupID)
			if err != nil {
				return nil, err
			}
			filtered = filterMemoryEntriesWithEpoch(all, ancestry, id.ClientID, q.MemoryEpoch, q.SpecificEpoch)
		}
	} else {
		all, err := s.repo.EntriesByGroup(ctx, conv.ConversationGroupID)
		if err != nil {
			return nil, err
		}
		filtered = filterEntriesByAncestry(all, ancestry)
		if q.MemoryEpoch == MemoryEpochNone {
			kept := filtered[:0]
			for _, entry := range filtered {
				if entry.Channel != model.ChannelMemory {
					kept = append(kept, entry)
				}
			}
			filtered = kept
		}
		if len(q.Channels) > 0 {
			kept := filtered[:0]
			for _, entry := range filtered {
				for _, ch := range q.Channels {
					if entry.Channel == ch {
						// Memory entries in a mixed view are still client
						// scoped; without a client id they are invisible.
						if ch == model.ChannelMemory &&
							(id.ClientID == "" || entry.ClientID == nil || *entry.ClientID != id.ClientID) {
							break
						}
						kept = append(kept, entry)
						break
					}
				}
			}
			filtered = kept
		}
	}

	page, cursor := paginateEntries(filtered, q.AfterID, limit)
	return s.entryPage(page, cursor), nil
}

// AppendEntries appends entries to the conversation, creating it on the fly
// when it does not exist. Requires writer access on existing conversations.
func (s *Service) AppendEntries(ctx context.Context, conversationID uuid.UUID, reqs []CreateEntryRequest) (*AppendResult, []EntryDto, error) {
	id, err := caller(ctx)
	if err != nil {
		return nil, nil, err
	}
	if len(reqs) == 0 {
		return nil, nil, NewValidationError("at least one entry is required")
	}

	created := false
	conv, err := s.repo.GetConversation(ctx, conversationID)
	switch {
	case err == nil && conv.DeletedAt != nil:
		return nil, nil, NewNotFoundError("conversation %s not found", conversationID)
	case errors.Is(err, repo.ErrNotFound):
		title := inferTitleFromRequests(reqs)
		forkedAtConvID := reqs[0].ForkedAtConversationID
		forkedAtEntryID := reqs[0].ForkedAtEntryID
		detail, createErr := s.createConversation(ctx, id.UserID, conversationID, title, nil, forkedAtConvID, forkedAtEntryID)
		if createErr != nil {
			return nil, nil, createErr
		}
		created = true
		conv, err = s.repo.GetConversation(ctx, detail.ID)
		if err != nil {
			return nil, nil, err
		}
		if title != "" && len(conv.Title) == 0 {
			conv.Title = []byte(title)
		}
	case err != nil:
		return nil, nil, err
	}

	if _, _, err := s.requireAccess(ctx, conv.ID, model.AccessLevelWriter); err != nil {
		return nil, nil, err
	}

	now := s.now()
	inserted := make([]model.Entry, 0, len(reqs))
	wroteMemory := false
	for _, req := range reqs {
		ch := req.Channel
		if ch == "" {
			ch = model.ChannelHistory
		}
		switch ch {
		case model.ChannelHistory, model.ChannelMemory, model.ChannelTranscript:
		default:
			return nil, nil, NewValidationError("invalid channel %q", req.Channel)
		}

		epoch := req.Epoch
		if ch == model.ChannelMemory {
			if id.ClientID == "" {
				return nil, nil, NewForbiddenError("memory entries require a client id")
			}
			if epoch == nil {
				one := int64(1)
				epoch = &one
			}
			wroteMemory = true
		}

		content, err := encodeContent(req.Content)
		if err != nil {
			return nil, nil, NewValidationError("invalid entry content: %v", err)
		}
		encContent, err := s.codec.Encrypt(content)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encrypt entry content: %w", err)
		}

		entry := model.Entry{
			ID:                  uuid.New(),
			ConversationID:      conv.ID,
			ConversationGroupID: conv.ConversationGroupID,
			UserID:              &id.UserID,
			Channel:             ch,
			Epoch:               epoch,
			ContentType:         req.ContentType,
			Content:             encContent,
			CreatedAt:           now,
		}
		if id.ClientID != "" {
			clientID := id.ClientID
			entry.ClientID = &clientID
		}
		if err := s.repo.InsertEntry(ctx, &entry); err != nil {
			return nil, nil, err
		}
		metrics.EntriesAppendedTotal.WithLabelValues(string(ch)).Inc()
		entry.Content = content
		inserted = append(inserted, entry)
	}

	// Derive a title from the first history entry when none is set yet.
	if len(conv.Title) == 0 {
		for _, e := range inserted {
			if e.Channel != model.ChannelHistory {
				continue
			}
			if title := deriveTitleFromContent(e.Content); title != "" {
				encTitle, titleErr := s.encryptTitle(title)
				if titleErr == nil {
					if setErr := s.repo.SetConversationTitle(ctx, conv.ID, encTitle, now); setErr != nil {
						log.Warn("failed to set derived title", "conversationId", conv.ID, "error", setErr)
					}
				}
			}
			break
		}
	}

	if err := s.repo.TouchConversation(ctx, conv.ID, now); err != nil && !errors.Is(err, repo.ErrNotFound) {
		log.Warn("failed to bump conversation timestamp", "conversationId", conv.ID, "error", err)
	}

	if wroteMemory {
		if ancestry, aerr := s.buildAncestryStack(ctx, conv); aerr == nil {
			s.warmEntriesCache(ctx, conv, ancestry, id.ClientID)
		}
	}

	result := &AppendResult{ConversationID: conv.ID, Created: created}
	dtos := make([]EntryDto, len(inserted))
	for i, e := range inserted {
		result.EntryIDs = append(result.EntryIDs, e.ID)
		dtos[i] = entryDtoFromDecrypted(e)
	}
	return result, dtos, nil
}

// fetchLatestMemoryEntries returns the latest-epoch memory entries for the
// conversation and client, using the cache as a read-through layer.
func (s *Service) fetchLatestMemoryEntries(ctx context.Context, conv *model.Conversation, ancestry []forkAncestor, clientID string) ([]model.Entry, error) {
	if s.cache.Available(ctx) {
		if cached, ok := s.cache.Get(ctx, conv.ID, clientID); ok {
			metrics.CacheHits.Inc()
			return cached.Entries, nil
		}
		metrics.CacheMisses.Inc()
	}

	all, err := s.repo.EntriesByGroup(ctx, conv.ConversationGroupID)
	if err != nil {
		return nil, err
	}
	entries := filterMemoryEntriesWithEpoch(all, ancestry, clientID, MemoryEpochLatest, nil)
	if s.cache.Available(ctx) && len(entries) > 0 {
		s.cache.Set(ctx, conv.ID, clientID, cache.CachedMemoryEntries{
			Entries: entries,
			Epoch:   maxEpoch(entries),
		})
	}
	return entries, nil
}

// warmEntriesCache re-derives the latest memory entries from the datastore
// and rewrites the cache. Called after memory writes.
func (s *Service) warmEntriesCache(ctx context.Context, conv *model.Conversation, ancestry []forkAncestor, clientID string) {
	if !s.cache.Available(ctx) {
		return
	}
	all, err := s.repo.EntriesByGroup(ctx, conv.ConversationGroupID)
	if err != nil {
		log.Warn("cache warm skipped", "conversationId", conv.ID, "error", err)
		return
	}
	entries := filterMemoryEntriesWithEpoch(all, ancestry, clientID, MemoryEpochLatest, nil)
	if len(entries) == 0 {
		s.cache.Remove(ctx, conv.ID, clientID)
		return
	}
	s.cache.Set(ctx, conv.ID, clientID, cache.CachedMemoryEntries{
		Entries: entries,
		Epoch:   maxEpoch(entries),
	})
}

func maxEpoch(entries []model.Entry) int64 {
	var max int64
	for _, e := range entries {
		if e.Epoch != nil && *e.Epoch > max {
			max = *e.Epoch
		}
	}
	return max
}

func (s *Service) entryPage(entries []model.Entry, cursor *uuid.UUID) *PagedEntries {
	page := &PagedEntries{
		Entries:    make([]EntryDto, len(entries)),
		NextCursor: cursor,
	}
	for i, e := range entries {
		if decrypted, err := s.codec.Decrypt(e.Content); err == nil {
			e.Content = decrypted
		}
		page.Entries[i] = entryDtoFromDecrypted(e)
	}
	return page
}

func entryDtoFromDecrypted(e model.Entry) EntryDto {
	dto := EntryDto{
		ID:             e.ID,
		ConversationID: e.ConversationID,
		UserID:         e.UserID,
		ClientID:       e.ClientID,
		Channel:        e.Channel,
		Epoch:          e.Epoch,
		ContentType:    e.ContentType,
		CreatedAt:      e.CreatedAt,
	}
	var parsed interface{}
	if err := json.Unmarshal(e.Content, &parsed); err == nil {
		dto.Content = parsed
	} else {
		dto.Content = string(e.Content)
	}
	return dto
}

// encodeContent normalizes request content into its stored JSON bytes.
func encodeContent(content interface{}) ([]byte, error) {
	switch v := content.(type) {
	case nil:
		return nil, fmt.Errorf("content is required")
	case json.RawMessage:
		return v, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return json.Marshal(v)
	}
}

// inferTitleFromRequests derives a title from the first history entry.
func inferTitleFromRequests(reqs []CreateEntryRequest) string {
	for _, req := range reqs {
		if req.Channel != "" && req.Channel != model.ChannelHistory {
			continue
		}
		content, err := encodeContent(req.Content)
		if err != nil {
			continue
		}
		if title := deriveTitleFromContent(content); title != "" {
			return title
		}
	}
	return ""
}

// deriveTitleFromContent pulls the first "text" field out of a content
// array and truncates it.
func deriveTitleFromContent(content []byte) string {
	var arr []map[string]interface{}
	if err := json.Unmarshal(content, &arr); err != nil || len(arr) == 0 {
		return ""
	}
	text, ok := arr[0]["text"].(string)
	if !ok || text == "" {
		return ""
	}
	if len(text) > maxInferredTitleLen {
		return text[:maxInferredTitleLen]
	}
	return text
}
