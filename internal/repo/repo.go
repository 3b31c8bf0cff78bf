// Package repo defines the narrow storage interface the domain logic runs
// on. Backends (postgres, mongo, memory) implement CRUD and query
// primitives only; the fork, access-control, transfer, and epoch-sync
// algorithms live in internal/store and are shared across backends.
package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/threadkeep/threadkeep/internal/model"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned on unique-constraint violations.
var ErrDuplicate = errors.New("duplicate")

// MemberConversation pairs a conversation with the caller's access level,
// as produced by the membership join.
type MemberConversation struct {
	model.Conversation
	AccessLevel model.AccessLevel
}

// TransferRole filters transfer listings by the caller's side.
type TransferRole string

const (
	TransferRoleSender    TransferRole = "sender"
	TransferRoleRecipient TransferRole = "recipient"
	TransferRoleAll       TransferRole = "all"
)

// Repository is the storage primitive surface. Implementations must make
// SoftDeleteGroup, RestoreGroup, AcceptTransfer, and HardDeleteGroups
// atomic where the backend supports transactions.
type Repository interface {
	// Groups and conversations.
	CreateGroup(ctx context.Context, g *model.ConversationGroup) error
	GetGroup(ctx context.Context, id uuid.UUID) (*model.ConversationGroup, error)
	CreateConversation(ctx context.Context, c *model.Conversation) error
	// GetConversation returns the conversation regardless of soft-delete
	// state; callers filter on DeletedAt.
	GetConversation(ctx context.Context, id uuid.UUID) (*model.Conversation, error)
	// ConversationsByGroup returns all conversations in a group ordered by
	// (createdAt, id).
	ConversationsByGroup(ctx context.Context, groupID uuid.UUID, includeDeleted bool) ([]model.Conversation, error)
	// ConversationsForUser returns the non-deleted conversations the user is
	// an active member of, with the membership access level, ordered by
	// (createdAt, id).
	ConversationsForUser(ctx context.Context, userID string) ([]MemberConversation, error)
	// AdminListConversations returns conversations without membership
	// filtering, ordered by (createdAt, id).
	AdminListConversations(ctx context.Context, q AdminConversationFilter) ([]model.Conversation, error)
	SetConversationTitle(ctx context.Context, id uuid.UUID, title []byte, at time.Time) error
	SetConversationMetadata(ctx context.Context, id uuid.UUID, metadata map[string]interface{}, at time.Time) error
	TouchConversation(ctx context.Context, id uuid.UUID, at time.Time) error
	// SetGroupOwner updates ownerUserId on every non-deleted conversation in
	// the group.
	SetGroupOwner(ctx context.Context, groupID uuid.UUID, ownerUserID string) error
	// SoftDeleteGroup marks the group, its conversations, and its active
	// memberships deleted and removes any pending transfer, in one
	// transaction.
	SoftDeleteGroup(ctx context.Context, groupID uuid.UUID, at time.Time) error
	// RestoreGroup clears deletedAt on the group, its conversations, and its
	// memberships.
	RestoreGroup(ctx context.Context, groupID uuid.UUID) error

	// Memberships.
	CreateMembership(ctx context.Context, m *model.ConversationMembership) error
	// GetMembership returns the active (non-deleted) membership, or
	// ErrNotFound.
	GetMembership(ctx context.Context, groupID uuid.UUID, userID string) (*model.ConversationMembership, error)
	MembershipsByGroup(ctx context.Context, groupID uuid.UUID, includeDeleted bool) ([]model.ConversationMembership, error)
	SetMembershipLevel(ctx context.Context, groupID uuid.UUID, userID string, level model.AccessLevel) error
	// UpsertMembership creates the membership or revives/updates an existing
	// row to the given level.
	UpsertMembership(ctx context.Context, m *model.ConversationMembership) error
	SoftDeleteMembership(ctx context.Context, groupID uuid.UUID, userID string, at time.Time) error

	// Ownership transfers.
	CreateTransfer(ctx context.Context, t *model.OwnershipTransfer) error
	GetTransfer(ctx context.Context, id uuid.UUID) (*model.OwnershipTransfer, error)
	PendingTransferByGroup(ctx context.Context, groupID uuid.UUID) (*model.OwnershipTransfer, error)
	TransfersForUser(ctx context.Context, userID string, role TransferRole) ([]model.OwnershipTransfer, error)
	DeleteTransfer(ctx context.Context, id uuid.UUID) error
	// DeleteTransfersTo removes pending transfers addressed to the given
	// member of the group.
	DeleteTransfersTo(ctx context.Context, groupID uuid.UUID, toUserID string) error
	// AcceptTransfer applies the ownership mutation as one transaction: the
	// sender's membership drops to MANAGER, the recipient's becomes OWNER
	// (created if missing), every conversation in the group gets the new
	// owner, and the transfer row is deleted.
	AcceptTransfer(ctx context.Context, t *model.OwnershipTransfer) error

	// Entries.
	InsertEntry(ctx context.Context, e *model.Entry) error
	GetEntry(ctx context.Context, id uuid.UUID) (*model.Entry, error)
	// EntriesByGroup returns every entry in the group ordered by
	// (createdAt, id).
	EntriesByGroup(ctx context.Context, groupID uuid.UUID) ([]model.Entry, error)
	// PreviousEntry returns the conversation's nearest history entry
	// strictly earlier than the given one by (createdAt, id), or
	// ErrNotFound. Entries of sibling forks and other channels never count.
	PreviousEntry(ctx context.Context, conversationID uuid.UUID, before model.Entry) (*model.Entry, error)
	SetEntryIndexedContent(ctx context.Context, entryID, groupID uuid.UUID, indexedContent string) error
	SetEntryIndexedAt(ctx context.Context, entryID, groupID uuid.UUID, indexedAt time.Time) error
	ListUnindexedEntries(ctx context.Context, limit int) ([]model.Entry, error)
	// ListEntriesPendingEmbedding returns entries whose text has been
	// extracted but not yet pushed to the vector store.
	ListEntriesPendingEmbedding(ctx context.Context, limit int) ([]model.Entry, error)
	// SearchEntries matches indexedContent against the query within the
	// given groups, best-ranked first. A nil group list searches every
	// group. Matching quality is backend-specific.
	SearchEntries(ctx context.Context, groupIDs []uuid.UUID, query string, limit int) ([]model.Entry, error)
	// GroupIDsForUser returns the group ids the user is an active member of.
	GroupIDsForUser(ctx context.Context, userID string) ([]uuid.UUID, error)

	// Eviction. FindEvictableGroupIDs must skip rows locked by a concurrent
	// sweeper where the backend supports it.
	FindEvictableGroupIDs(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error)
	CountEvictableGroups(ctx context.Context, cutoff time.Time) (int64, error)
	// HardDeleteGroups removes the groups and cascades to conversations,
	// memberships, entries, and transfers.
	HardDeleteGroups(ctx context.Context, groupIDs []uuid.UUID) error
	// HardDeleteExpiredMemberships removes soft-deleted memberships older
	// than the cutoff, returning the number removed.
	HardDeleteExpiredMemberships(ctx context.Context, cutoff time.Time) (int64, error)

	// Tasks.
	CreateTask(ctx context.Context, t *model.Task) error
	ClaimReadyTasks(ctx context.Context, limit int, claimFor time.Duration) ([]model.Task, error)
	DeleteTask(ctx context.Context, id uuid.UUID) error
	FailTask(ctx context.Context, id uuid.UUID, errMsg string, retryAt time.Time) error

	Ping(ctx context.Context) error
}

// AdminConversationFilter narrows AdminListConversations.
type AdminConversationFilter struct {
	OwnerUserID    *string
	IncludeDeleted bool
	OnlyDeleted    bool
	DeletedAfter   *time.Time
	DeletedBefore  *time.Time
}

// Loader creates a Repository from config carried on the context.
type Loader func(ctx context.Context) (Repository, error)

// Plugin registers a storage backend.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a storage backend plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered backend names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named backend.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown datastore %q; valid: %v", name, Names())
}
