package store

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/threadkeep/threadkeep/internal/model"
)

// ConversationSummary is the list-view projection of a conversation with the
// caller's access level and decrypted title.
type ConversationSummary struct {
	ID                     uuid.UUID              `json:"id"`
	Title                  string                 `json:"title,omitempty"`
	OwnerUserID            string                 `json:"ownerUserId"`
	AccessLevel            model.AccessLevel      `json:"accessLevel"`
	Metadata               map[string]interface{} `json:"metadata,omitempty"`
	ForkedAtEntryID        *uuid.UUID             `json:"forkedAtEntryId,omitempty"`
	ForkedAtConversationID *uuid.UUID             `json:"forkedAtConversationId,omitempty"`
	CreatedAt              time.Time              `json:"createdAt"`
	UpdatedAt              time.Time              `json:"updatedAt"`
}

// ConversationDetail extends the summary with membership and pending
// transfer info for callers with at least manager access.
type ConversationDetail struct {
	ConversationSummary
	Members         []MembershipDto       `json:"members,omitempty"`
	PendingTransfer *OwnershipTransferDto `json:"pendingTransfer,omitempty"`
	Forks           []ConversationForkRef `json:"forks,omitempty"`
}

// CreateConversationRequest creates a root conversation or a fork.
type CreateConversationRequest struct {
	// ID is the conversation id to create. Nil generates one.
	ID       *uuid.UUID             `json:"id,omitempty"`
	Title    string                 `json:"title,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	// ForkedAtConversationID makes this a fork of the given conversation.
	ForkedAtConversationID *uuid.UUID `json:"forkedAtConversationId,omitempty"`
	// ForkedAtEntryID is the entry to fork at; the fork sees the lineage
	// strictly before this entry.
	ForkedAtEntryID *uuid.UUID `json:"forkedAtEntryId,omitempty"`
}

// MembershipDto is the API projection of a membership. DeletedAt only
// appears on admin views that include revoked members.
type MembershipDto struct {
	UserID      string            `json:"userId"`
	AccessLevel model.AccessLevel `json:"accessLevel"`
	CreatedAt   time.Time         `json:"createdAt"`
	DeletedAt   *time.Time        `json:"deletedAt,omitempty"`
}

// ConversationForkRef points at a sibling fork in the same group.
type ConversationForkRef struct {
	ID                     uuid.UUID  `json:"id"`
	Title                  string     `json:"title,omitempty"`
	ForkedAtEntryID        *uuid.UUID `json:"forkedAtEntryId,omitempty"`
	ForkedAtConversationID *uuid.UUID `json:"forkedAtConversationId,omitempty"`
	CreatedAt              time.Time  `json:"createdAt"`
	UpdatedAt              time.Time  `json:"updatedAt"`
}

// OwnershipTransferDto is the API projection of a pending transfer.
type OwnershipTransferDto struct {
	ID             uuid.UUID `json:"id"`
	ConversationID uuid.UUID `json:"conversationId"`
	Title          string    `json:"title,omitempty"`
	FromUserID     string    `json:"fromUserId"`
	ToUserID       string    `json:"toUserId"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ListConversationsQuery narrows ListConversations.
type ListConversationsQuery struct {
	Mode model.ConversationListMode
	// TitleFilter is a case-insensitive substring match applied after
	// decryption.
	TitleFilter string
	// AfterID resumes a previous page.
	AfterID *uuid.UUID
	Limit   int
}

// PagedConversations is one page of conversation summaries.
type PagedConversations struct {
	Conversations []ConversationSummary `json:"conversations"`
	// NextCursor is the id to pass as AfterID for the next page. Nil on the
	// last page.
	NextCursor *uuid.UUID `json:"nextCursor,omitempty"`
}

// MemoryEpochFilter selects which memory entries GetEntries returns.
type MemoryEpochFilter string

const (
	// MemoryEpochAll returns memory entries from every epoch.
	MemoryEpochAll MemoryEpochFilter = "all"
	// MemoryEpochLatest returns only the latest epoch's memory entries.
	MemoryEpochLatest MemoryEpochFilter = "latest"
	// MemoryEpochNone excludes memory entries.
	MemoryEpochNone MemoryEpochFilter = "none"
)

// ParseMemoryEpochFilter parses the query-string form. A numeric value
// selects that specific epoch.
func ParseMemoryEpochFilter(s string) (MemoryEpochFilter, *int64, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "latest":
		return MemoryEpochLatest, nil, nil
	case "all":
		return MemoryEpochAll, nil, nil
	case "none":
		return MemoryEpochNone, nil, nil
	}
	epoch, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return "", nil, NewValidationError("invalid memory epoch filter %q", s)
	}
	return MemoryEpochLatest, &epoch, nil
}

// GetEntriesQuery narrows GetEntries.
type GetEntriesQuery struct {
	// Channels limits the result to the given channels. Empty means all
	// channels the caller may read.
	Channels []model.Channel
	// MemoryEpoch controls memory-channel filtering.
	MemoryEpoch MemoryEpochFilter
	// SpecificEpoch selects one epoch when MemoryEpoch is latest and the
	// caller asked for a number.
	SpecificEpoch *int64
	// AllForks returns the whole group's entries instead of the fork
	// lineage.
	AllForks bool
	// AfterID resumes a previous page.
	AfterID *uuid.UUID
	Limit   int
}

// EntryDto is the API projection of an entry with decrypted content.
type EntryDto struct {
	ID             uuid.UUID     `json:"id"`
	ConversationID uuid.UUID     `json:"conversationId"`
	UserID         *string       `json:"userId,omitempty"`
	ClientID       *string       `json:"clientId,omitempty"`
	Channel        model.Channel `json:"channel"`
	Epoch          *int64        `json:"epoch,omitempty"`
	ContentType    string        `json:"contentType"`
	Content        interface{}   `json:"content"`
	CreatedAt      time.Time     `json:"createdAt"`
}

// PagedEntries is one page of entries.
type PagedEntries struct {
	Entries []EntryDto `json:"entries"`
	// NextCursor is the id to pass as AfterID for the next page. Nil on the
	// last page.
	NextCursor *uuid.UUID `json:"nextCursor,omitempty"`
}

// CreateEntryRequest is one entry to append. Fork fields only matter on
// the first entry when the target conversation does not exist yet: the
// auto-created conversation becomes a fork.
type CreateEntryRequest struct {
	Channel                model.Channel `json:"channel"`
	ContentType            string        `json:"contentType"`
	Content                interface{}   `json:"content"`
	Epoch                  *int64        `json:"epoch,omitempty"`
	ForkedAtConversationID *uuid.UUID    `json:"forkedAtConversationId,omitempty"`
	ForkedAtEntryID        *uuid.UUID    `json:"forkedAtEntryId,omitempty"`
}

// AppendResult reports what AppendEntries did.
type AppendResult struct {
	ConversationID uuid.UUID  `json:"conversationId"`
	Created        bool       `json:"created"`
	EntryIDs       []uuid.UUID `json:"entryIds"`
}

// SyncResult reports the outcome of a memory epoch sync.
type SyncResult struct {
	ConversationID   uuid.UUID  `json:"conversationId"`
	Epoch            int64      `json:"epoch"`
	EpochIncremented bool       `json:"epochIncremented"`
	Changed          bool       `json:"changed"`
	AutoCreated      bool       `json:"autoCreated"`
	Entries          []EntryDto `json:"entries"`
}

// SearchResult is one search hit.
type SearchResult struct {
	EntryID        uuid.UUID `json:"entryId"`
	ConversationID uuid.UUID `json:"conversationId"`
	Highlight      string    `json:"highlight"`
	CreatedAt      time.Time `json:"createdAt"`
}

// AdminConversationQuery narrows the admin listing.
type AdminConversationQuery struct {
	OwnerUserID    string
	IncludeDeleted bool
	OnlyDeleted    bool
	DeletedAfter   *time.Time
	DeletedBefore  *time.Time
}
