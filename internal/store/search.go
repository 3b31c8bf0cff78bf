package store

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/charmbracelet/log"
)

const highlightLen = 200

// SearchEntries runs a text search over the indexed content of every
// conversation the caller is a member of. Results come back newest first;
// ranking quality is whatever the backend provides.
func (s *Service) SearchEntries(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	id, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, NewValidationError("query is required")
	}
	limit = clampLimit(limit)

	groupIDs, err := s.repo.GroupIDsForUser(ctx, id.UserID)
	if err != nil {
		return nil, err
	}
	if len(groupIDs) == 0 {
		return nil, nil
	}
	entries, err := s.repo.SearchEntries(ctx, groupIDs, query, limit)
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

// IndexPendingEntries extracts searchable text for history entries that
// have none yet. Returns how many entries were indexed. Called by the
// background indexer.
func (s *Service) IndexPendingEntries(ctx context.Context, limit int) (int, error) {
	entries, err := s.repo.ListUnindexedEntries(ctx, limit)
	if err != nil {
		return 0, err
	}
	indexed := 0
	for _, e := range entries {
		content := e.Content
		if decrypted, err := s.codec.Decrypt(content); err == nil {
			content = decrypted
		}
		text := extractIndexableText(content)
		if err := s.repo.SetEntryIndexedContent(ctx, e.ID, e.ConversationGroupID, text); err != nil {
			log.Warn("failed to index entry", "entryId", e.ID, "error", err)
			continue
		}
		indexed++
	}
	return indexed, nil
}

// extractIndexableText flattens the text fields of a content array into a
// single searchable string. Non-array content indexes as raw text when it
// is not JSON.
func extractIndexableText(content []byte) string {
	var arr []map[string]interface{}
	if err := json.Unmarshal(content, &arr); err == nil {
		var parts []string
		for _, block := range arr {
			if text, ok := block["text"].(string); ok && text != "" {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, "\n")
	}
	var anything interface{}
	if err := json.Unmarshal(content, &anything); err == nil {
		if text, ok := anything.(string); ok {
			return text
		}
		return ""
	}
	return string(content)
}

// buildHighlight returns a bounded snippet around the first query match.
func buildHighlight(text, query string) string {
	idx := strings.Index(strings.ToLower(text), strings.ToLower(query))
	if idx < 0 {
		idx = 0
	}
	start := idx - highlightLen/4
	if start < 0 {
		start = 0
	}
	end := start + highlightLen
	if end > len(text) {
		end = len(text)
	}
	return text[start:end]
}
