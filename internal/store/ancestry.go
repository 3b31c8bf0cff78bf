package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/threadkeep/threadkeep/internal/model"
)

// forkAncestor is one hop in a fork lineage, root first. StopAtEntryID is
// the last entry of this ancestor visible to the fork. Nil on a non-target
// ancestor means the fork branched before the ancestor's first entry, so
// none of it is visible; the target itself always has a nil stop point and
// contributes everything.
type forkAncestor struct {
	ConversationID uuid.UUID
	StopAtEntryID  *uuid.UUID
}

// buildAncestryStack walks the fork pointers from the target up to the root
// and returns the lineage root-first. Each ancestor's stop point is the
// fork point recorded on its child.
func (s *Service) buildAncestryStack(ctx context.Context, target *model.Conversation) ([]forkAncestor, error) {
	conversations, err := s.repo.ConversationsByGroup(ctx, target.ConversationGroupID, false)
	if err != nil {
		return nil, err
	}
	byID := make(map[uuid.UUID]model.Conversation, len(conversations))
	for _, conv := range conversations {
		byID[conv.ID] = conv
	}

	stack := make([]forkAncestor, 0, len(conversations))
	current := *target
	var stopAt *uuid.UUID
	for {
		stack = append(stack, forkAncestor{
			ConversationID: current.ID,
			StopAtEntryID:  stopAt,
		})
		stopAt = current.ForkedAtEntryID
		if current.ForkedAtConversationID == nil {
			break
		}
		parent, ok := byID[*current.ForkedAtConversationID]
		if !ok {
			break
		}
		current = parent
	}

	for i, j := 0, len(stack)-1; i < j; i, j = i+1, j-1 {
		stack[i], stack[j] = stack[j], stack[i]
	}
	return stack, nil
}

// filterEntriesByAncestry keeps the entries visible along a fork lineage:
// each ancestor contributes its entries up to and including its stop point,
// the target contributes everything. An ancestor with a nil stop point was
// forked before its first entry and contributes nothing. Entries must be in
// (createdAt, id) order.
func filterEntriesByAncestry(allEntries []model.Entry, ancestry []forkAncestor) []model.Entry {
	if len(ancestry) == 0 {
		return allEntries
	}

	result := make([]model.Entry, 0, len(allEntries))
	ancestorIndex := 0
	current := ancestry[ancestorIndex]
	isTarget := ancestorIndex == len(ancestry)-1
	// advance moves to the next ancestor that contributes entries, skipping
	// ones forked off before their first entry.
	advance := func() {
		for {
			ancestorIndex++
			current = ancestry[ancestorIndex]
			isTarget = ancestorIndex == len(ancestry)-1
			if isTarget || current.StopAtEntryID != nil {
				return
			}
		}
	}
	if !isTarget && current.StopAtEntryID == nil {
		advance()
	}

	for _, entry := range allEntries {
		if entry.ConversationID != current.ConversationID {
			continue
		}
		result = append(result, entry)
		if !isTarget && entry.ID == *current.StopAtEntryID {
			advance()
		}
	}
	return result
}

// filterMemoryEntriesWithEpoch walks the lineage like
// filterEntriesByAncestry but keeps only the caller's memory entries,
// applying the epoch filter. In latest mode a higher epoch discards
// everything collected so far.
func filterMemoryEntriesWithEpoch(allEntries []model.Entry, ancestry []forkAncestor, clientID string, mode MemoryEpochFilter, specificEpoch *int64) []model.Entry {
	result := make([]model.Entry, 0, len(allEntries))
	if len(ancestry) == 0 {
		return result
	}

	maxEpochSeen := int64(0)
	maxEpochInitialized := false
	ancestorIndex := 0
	current := ancestry[ancestorIndex]
	isTarget := ancestorIndex == len(ancestry)-1
	advance := func() {
		for {
			ancestorIndex++
			current = ancestry[ancestorIndex]
			isTarget = ancestorIndex == len(ancestry)-1
			if isTarget || current.StopAtEntryID != nil {
				return
			}
		}
	}
	if !isTarget && current.StopAtEntryID == nil {
		advance()
	}

	for _, entry := range allEntries {
		if entry.ConversationID != current.ConversationID {
			continue
		}

		if entry.Channel == model.ChannelMemory && entry.ClientID != nil && *entry.ClientID == clientID {
			entryEpoch := int64(0)
			if entry.Epoch != nil {
				entryEpoch = *entry.Epoch
			}
			switch {
			case mode == MemoryEpochAll:
				result = append(result, entry)
			case specificEpoch != nil:
				if entryEpoch == *specificEpoch {
					result = append(result, entry)
				}
			default: // latest
				if !maxEpochInitialized || entryEpoch > maxEpochSeen {
					result = result[:0]
					maxEpochSeen = entryEpoch
					maxEpochInitialized = true
				}
				if entryEpoch == maxEpochSeen {
					result = append(result, entry)
				}
			}
		}

		if !isTarget && entry.ID == *current.StopAtEntryID {
			advance()
		}
	}
	return result
}

// filterEntriesForAllForks applies channel, client, and epoch filtering over
// the whole group without lineage restrictions.
func filterEntriesForAllForks(entries []model.Entry, channels []model.Channel, clientID string, mode MemoryEpochFilter, specificEpoch *int64) []model.Entry {
	wantChannel := func(ch model.Channel) bool {
		if len(channels) == 0 {
			return true
		}
		for _, c := range channels {
			if c == ch {
				return true
			}
		}
		return false
	}

	filtered := make([]model.Entry, 0, len(entries))
	memoryOnly := len(channels) == 1 && channels[0] == model.ChannelMemory
	for _, entry := range entries {
		if !wantChannel(entry.Channel) {
			continue
		}
		if entry.Channel == model.ChannelMemory && clientID != "" {
			if entry.ClientID == nil || *entry.ClientID != clientID {
				continue
			}
		}
		filtered = append(filtered, entry)
	}
	if !memoryOnly {
		return filtered
	}

	switch {
	case mode == MemoryEpochAll:
		return filtered
	case specificEpoch != nil:
		result := make([]model.Entry, 0, len(filtered))
		for _, entry := range filtered {
			entryEpoch := int64(0)
			if entry.Epoch != nil {
				entryEpoch = *entry.Epoch
			}
			if entryEpoch == *specificEpoch {
				result = append(result, entry)
			}
		}
		return result
	default: // latest
		var maxEpoch int64
		hasEpoch := false
		for _, entry := range filtered {
			entryEpoch := int64(0)
			if entry.Epoch != nil {
				entryEpoch = *entry.Epoch
			}
			if !hasEpoch || entryEpoch > maxEpoch {
				maxEpoch = entryEpoch
				hasEpoch = true
			}
		}
		if !hasEpoch {
			return nil
		}
		result := make([]model.Entry, 0, len(filtered))
		for _, entry := range filtered {
			entryEpoch := int64(0)
			if entry.Epoch != nil {
				entryEpoch = *entry.Epoch
			}
			if entryEpoch == maxEpoch {
				result = append(result, entry)
			}
		}
		return result
	}
}

// paginateEntries slices one page out of an already-filtered entry list.
func paginateEntries(entries []model.Entry, afterID *uuid.UUID, limit int) ([]model.Entry, *uuid.UUID) {
	start := 0
	if afterID != nil {
		for i, entry := range entries {
			if entry.ID == *afterID {
				start = i + 1
				break
			}
		}
	}
	if start >= len(entries) {
		return []model.Entry{}, nil
	}

	end := start + limit
	if end > len(entries) {
		end = len(entries)
	}
	page := entries[start:end]
	var cursor *uuid.UUID
	if end < len(entries) && len(page) > 0 {
		c := page[len(page)-1].ID
		cursor = &c
	}
	return page, cursor
}
