// Package memory is the in-process Repository used for dev mode and tests.
// All data lives in maps guarded by one mutex; reads return copies so
// callers can never mutate stored state.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/threadkeep/threadkeep/internal/model"
	"github.com/threadkeep/threadkeep/internal/repo"
)

func init() {
	repo.Register(repo.Plugin{
		Name: "memory",
		Loader: func(ctx context.Context) (repo.Repository, error) {
			return New(), nil
		},
	})
}

type membershipKey struct {
	groupID uuid.UUID
	userID  string
}

// Repo is the in-process Repository.
type Repo struct {
	mu          sync.Mutex
	groups      map[uuid.UUID]model.ConversationGroup
	convs       map[uuid.UUID]model.Conversation
	memberships map[membershipKey]model.ConversationMembership
	transfers   map[uuid.UUID]model.OwnershipTransfer
	entries     []model.Entry
	tasks       map[uuid.UUID]model.Task
}

// New creates an empty in-process repository.
func New() *Repo {
	return &Repo{
		groups:      map[uuid.UUID]model.ConversationGroup{},
		convs:       map[uuid.UUID]model.Conversation{},
		memberships: map[membershipKey]model.ConversationMembership{},
		transfers:   map[uuid.UUID]model.OwnershipTransfer{},
		tasks:       map[uuid.UUID]model.Task{},
	}
}

var _ repo.Repository = (*Repo)(nil)

// --- Groups and conversations ---

func (r *Repo) CreateGroup(_ context.Context, g *model.ConversationGroup) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.groups[g.ID]; ok {
		return repo.ErrDuplicate
	}
	r.groups[g.ID] = *g
	return nil
}

func (r *Repo) GetGroup(_ context.Context, id uuid.UUID) (*model.ConversationGroup, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	out := g
	return &out, nil
}

func (r *Repo) CreateConversation(_ context.Context, c *model.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.convs[c.ID]; ok {
		return repo.ErrDuplicate
	}
	r.convs[c.ID] = copyConversation(*c)
	return nil
}

func (r *Repo) GetConversation(_ context.Context, id uuid.UUID) (*model.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	out := copyConversation(c)
	return &out, nil
}

func (r *Repo) ConversationsByGroup(_ context.Context, groupID uuid.UUID, includeDeleted bool) ([]model.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Conversation
	for _, c := range r.convs {
		if c.ConversationGroupID != groupID {
			continue
		}
		if !includeDeleted && c.DeletedAt != nil {
			continue
		}
		out = append(out, copyConversation(c))
	}
	sortConversations(out)
	return out, nil
}

func (r *Repo) ConversationsForUser(_ context.Context, userID string) ([]repo.MemberConversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	levelByGroup := map[uuid.UUID]model.AccessLevel{}
	for key, m := range r.memberships {
		if key.userID == userID && m.DeletedAt == nil {
			levelByGroup[key.groupID] = m.AccessLevel
		}
	}
	var out []repo.MemberConversation
	for _, c := range r.convs {
		level, ok := levelByGroup[c.ConversationGroupID]
		if !ok || c.DeletedAt != nil {
			continue
		}
		if g, found := r.groups[c.ConversationGroupID]; !found || g.DeletedAt != nil {
			continue
		}
		out = append(out, repo.MemberConversation{Conversation: copyConversation(c), AccessLevel: level})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (r *Repo) AdminListConversations(_ context.Context, q repo.AdminConversationFilter) ([]model.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Conversation
	for _, c := range r.convs {
		if !q.IncludeDeleted && !q.OnlyDeleted && c.DeletedAt != nil {
			continue
		}
		if q.OnlyDeleted && c.DeletedAt == nil {
			continue
		}
		if q.OwnerUserID != nil && c.OwnerUserID != *q.OwnerUserID {
			continue
		}
		if q.DeletedAfter != nil && (c.DeletedAt == nil || c.DeletedAt.Before(*q.DeletedAfter)) {
			continue
		}
		if q.DeletedBefore != nil && (c.DeletedAt == nil || !c.DeletedAt.Before(*q.DeletedBefore)) {
			continue
		}
		out = append(out, copyConversation(c))
	}
	sortConversations(out)
	return out, nil
}

func (r *Repo) SetConversationTitle(_ context.Context, id uuid.UUID, title []byte, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[id]
	if !ok {
		return repo.ErrNotFound
	}
	c.Title = append([]byte(nil), title...)
	c.UpdatedAt = at
	r.convs[id] = c
	return nil
}

func (r *Repo) SetConversationMetadata(_ context.Context, id uuid.UUID, metadata map[string]interface{}, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[id]
	if !ok {
		return repo.ErrNotFound
	}
	c.Metadata = copyMetadata(metadata)
	c.UpdatedAt = at
	r.convs[id] = c
	return nil
}

func (r *Repo) TouchConversation(_ context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[id]
	if !ok {
		return repo.ErrNotFound
	}
	c.UpdatedAt = at
	r.convs[id] = c
	return nil
}

func (r *Repo) SetGroupOwner(_ context.Context, groupID uuid.UUID, ownerUserID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.convs {
		if c.ConversationGroupID == groupID && c.DeletedAt == nil {
			c.OwnerUserID = ownerUserID
			r.convs[id] = c
		}
	}
	return nil
}

func (r *Repo) SoftDeleteGroup(_ context.Context, groupID uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[groupID]
	if !ok {
		return repo.ErrNotFound
	}
	deleted := at
	g.DeletedAt = &deleted
	r.groups[groupID] = g

	for id, c := range r.convs {
		if c.ConversationGroupID == groupID && c.DeletedAt == nil {
			d := at
			c.DeletedAt = &d
			r.convs[id] = c
		}
	}
	for key, m := range r.memberships {
		if key.groupID == groupID && m.DeletedAt == nil {
			d := at
			m.DeletedAt = &d
			r.memberships[key] = m
		}
	}
	for id, t := range r.transfers {
		if t.ConversationGroupID == groupID {
			delete(r.transfers, id)
		}
	}
	return nil
}

func (r *Repo) RestoreGroup(_ context.Context, groupID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[groupID]
	if !ok {
		return repo.ErrNotFound
	}
	g.DeletedAt = nil
	r.groups[groupID] = g
	for id, c := range r.convs {
		if c.ConversationGroupID == groupID {
			c.DeletedAt = nil
			r.convs[id] = c
		}
	}
	for key, m := range r.memberships {
		if key.groupID == groupID {
			m.DeletedAt = nil
			r.memberships[key] = m
		}
	}
	return nil
}

// --- Memberships ---

func (r *Repo) CreateMembership(_ context.Context, m *model.ConversationMembership) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := membershipKey{m.ConversationGroupID, m.UserID}
	if existing, ok := r.memberships[key]; ok && existing.DeletedAt == nil {
		return repo.ErrDuplicate
	}
	r.memberships[key] = *m
	return nil
}

func (r *Repo) GetMembership(_ context.Context, groupID uuid.UUID, userID string) (*model.ConversationMembership, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.memberships[membershipKey{groupID, userID}]
	if !ok || m.DeletedAt != nil {
		return nil, repo.ErrNotFound
	}
	out := m
	return &out, nil
}

func (r *Repo) MembershipsByGroup(_ context.Context, groupID uuid.UUID, includeDeleted bool) ([]model.ConversationMembership, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.ConversationMembership
	for key, m := range r.memberships {
		if key.groupID != groupID {
			continue
		}
		if !includeDeleted && m.DeletedAt != nil {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func (r *Repo) SetMembershipLevel(_ context.Context, groupID uuid.UUID, userID string, level model.AccessLevel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := membershipKey{groupID, userID}
	m, ok := r.memberships[key]
	if !ok || m.DeletedAt != nil {
		return repo.ErrNotFound
	}
	m.AccessLevel = level
	r.memberships[key] = m
	return nil
}

func (r *Repo) UpsertMembership(_ context.Context, m *model.ConversationMembership) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := membershipKey{m.ConversationGroupID, m.UserID}
	if existing, ok := r.memberships[key]; ok {
		existing.AccessLevel = m.AccessLevel
		existing.DeletedAt = nil
		r.memberships[key] = existing
		return nil
	}
	r.memberships[key] = *m
	return nil
}

func (r *Repo) SoftDeleteMembership(_ context.Context, groupID uuid.UUID, userID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := membershipKey{groupID, userID}
	m, ok := r.memberships[key]
	if !ok || m.DeletedAt != nil {
		return repo.ErrNotFound
	}
	d := at
	m.DeletedAt = &d
	r.memberships[key] = m
	return nil
}

// --- Ownership transfers ---

func (r *Repo) CreateTransfer(_ context.Context, t *model.OwnershipTransfer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.transfers {
		if existing.ConversationGroupID == t.ConversationGroupID {
			return repo.ErrDuplicate
		}
	}
	r.transfers[t.ID] = *t
	return nil
}

func (r *Repo) GetTransfer(_ context.Context, id uuid.UUID) (*model.OwnershipTransfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transfers[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	out := t
	return &out, nil
}

func (r *Repo) PendingTransferByGroup(_ context.Context, groupID uuid.UUID) (*model.OwnershipTransfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.transfers {
		if t.ConversationGroupID == groupID {
			out := t
			return &out, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (r *Repo) TransfersForUser(_ context.Context, userID string, role repo.TransferRole) ([]model.OwnershipTransfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.OwnershipTransfer
	for _, t := range r.transfers {
		switch role {
		case repo.TransferRoleSender:
			if t.FromUserID != userID {
				continue
			}
		case repo.TransferRoleRecipient:
			if t.ToUserID != userID {
				continue
			}
		default:
			if t.FromUserID != userID && t.ToUserID != userID {
				continue
			}
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (r *Repo) DeleteTransfer(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.transfers[id]; !ok {
		return repo.ErrNotFound
	}
	delete(r.transfers, id)
	return nil
}

func (r *Repo) DeleteTransfersTo(_ context.Context, groupID uuid.UUID, toUserID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.transfers {
		if t.ConversationGroupID == groupID && t.ToUserID == toUserID {
			delete(r.transfers, id)
		}
	}
	return nil
}

func (r *Repo) AcceptTransfer(_ context.Context, t *model.OwnershipTransfer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.transfers[t.ID]; !ok {
		return repo.ErrNotFound
	}

	fromKey := membershipKey{t.ConversationGroupID, t.FromUserID}
	if m, ok := r.memberships[fromKey]; ok && m.DeletedAt == nil {
		m.AccessLevel = model.AccessLevelManager
		r.memberships[fromKey] = m
	}

	toKey := membershipKey{t.ConversationGroupID, t.ToUserID}
	if m, ok := r.memberships[toKey]; ok {
		m.AccessLevel = model.AccessLevelOwner
		m.DeletedAt = nil
		r.memberships[toKey] = m
	} else {
		r.memberships[toKey] = model.ConversationMembership{
			ConversationGroupID: t.ConversationGroupID,
			UserID:              t.ToUserID,
			AccessLevel:         model.AccessLevelOwner,
			CreatedAt:           time.Now(),
		}
	}

	for id, c := range r.convs {
		if c.ConversationGroupID == t.ConversationGroupID && c.DeletedAt == nil {
			c.OwnerUserID = t.ToUserID
			r.convs[id] = c
		}
	}

	delete(r.transfers, t.ID)
	return nil
}

// --- Entries ---

func (r *Repo) InsertEntry(_ context.Context, e *model.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, copyEntry(*e))
	return nil
}

func (r *Repo) GetEntry(_ context.Context, id uuid.UUID) (*model.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.ID == id {
			out := copyEntry(e)
			return &out, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (r *Repo) EntriesByGroup(_ context.Context, groupID uuid.UUID) ([]model.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Entry
	for _, e := range r.entries {
		if e.ConversationGroupID == groupID {
			out = append(out, copyEntry(e))
		}
	}
	sortEntries(out)
	return out, nil
}

func (r *Repo) PreviousEntry(_ context.Context, conversationID uuid.UUID, before model.Entry) (*model.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var candidates []model.Entry
	for _, e := range r.entries {
		if e.ConversationID != conversationID || e.Channel != model.ChannelHistory {
			continue
		}
		if entryBefore(e, before) {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return nil, repo.ErrNotFound
	}
	sortEntries(candidates)
	out := copyEntry(candidates[len(candidates)-1])
	return &out, nil
}

func (r *Repo) SetEntryIndexedContent(_ context.Context, entryID, groupID uuid.UUID, indexedContent string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.ID == entryID && e.ConversationGroupID == groupID {
			content := indexedContent
			r.entries[i].IndexedContent = &content
			return nil
		}
	}
	return repo.ErrNotFound
}

func (r *Repo) SetEntryIndexedAt(_ context.Context, entryID, groupID uuid.UUID, indexedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.ID == entryID && e.ConversationGroupID == groupID {
			at := indexedAt
			r.entries[i].IndexedAt = &at
			return nil
		}
	}
	return repo.ErrNotFound
}

func (r *Repo) ListUnindexedEntries(_ context.Context, limit int) ([]model.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Entry
	for _, e := range r.entries {
		if e.Channel == model.ChannelHistory && e.IndexedContent == nil {
			out = append(out, copyEntry(e))
		}
	}
	sortEntries(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Repo) ListEntriesPendingEmbedding(_ context.Context, limit int) ([]model.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Entry
	for _, e := range r.entries {
		if e.IndexedContent != nil && e.IndexedAt == nil {
			out = append(out, copyEntry(e))
		}
	}
	sortEntries(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Repo) SearchEntries(_ context.Context, groupIDs []uuid.UUID, query string, limit int) ([]model.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	allowed := map[uuid.UUID]bool{}
	for _, id := range groupIDs {
		allowed[id] = true
	}
	lq := strings.ToLower(strings.TrimSpace(query))
	var out []model.Entry
	for _, e := range r.entries {
		if groupIDs != nil && !allowed[e.ConversationGroupID] {
			continue
		}
		if e.IndexedContent == nil {
			continue
		}
		if lq != "" && !strings.Contains(strings.ToLower(*e.IndexedContent), lq) {
			continue
		}
		out = append(out, copyEntry(e))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *Repo) GroupIDsForUser(_ context.Context, userID string) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []uuid.UUID
	for key, m := range r.memberships {
		if key.userID == userID && m.DeletedAt == nil {
			out = append(out, key.groupID)
		}
	}
	return out, nil
}

// --- Eviction ---

func (r *Repo) FindEvictableGroupIDs(_ context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []uuid.UUID
	for id, g := range r.groups {
		if g.DeletedAt != nil && g.DeletedAt.Before(cutoff) {
			out = append(out, id)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (r *Repo) CountEvictableGroups(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	for _, g := range r.groups {
		if g.DeletedAt != nil && g.DeletedAt.Before(cutoff) {
			count++
		}
	}
	return count, nil
}

func (r *Repo) HardDeleteGroups(_ context.Context, groupIDs []uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doomed := map[uuid.UUID]bool{}
	for _, id := range groupIDs {
		doomed[id] = true
		delete(r.groups, id)
	}
	for id, c := range r.convs {
		if doomed[c.ConversationGroupID] {
			delete(r.convs, id)
		}
	}
	for key := range r.memberships {
		if doomed[key.groupID] {
			delete(r.memberships, key)
		}
	}
	for id, t := range r.transfers {
		if doomed[t.ConversationGroupID] {
			delete(r.transfers, id)
		}
	}
	kept := r.entries[:0]
	for _, e := range r.entries {
		if !doomed[e.ConversationGroupID] {
			kept = append(kept, e)
		}
	}
	r.entries = kept
	return nil
}

func (r *Repo) HardDeleteExpiredMemberships(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	for key, m := range r.memberships {
		if m.DeletedAt != nil && m.DeletedAt.Before(cutoff) {
			delete(r.memberships, key)
			count++
		}
	}
	return count, nil
}

// --- Tasks ---

func (r *Repo) CreateTask(_ context.Context, t *model.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.TaskName != nil {
		for _, existing := range r.tasks {
			if existing.TaskName != nil && *existing.TaskName == *t.TaskName {
				return repo.ErrDuplicate
			}
		}
	}
	r.tasks[t.ID] = *t
	return nil
}

func (r *Repo) ClaimReadyTasks(_ context.Context, limit int, claimFor time.Duration) ([]model.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	var out []model.Task
	for id, t := range r.tasks {
		if t.RetryAt.After(now) {
			continue
		}
		t.RetryAt = now.Add(claimFor)
		r.tasks[id] = t
		out = append(out, t)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *Repo) DeleteTask(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, id)
	return nil
}

func (r *Repo) FailTask(_ context.Context, id uuid.UUID, errMsg string, retryAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return repo.ErrNotFound
	}
	t.RetryCount++
	t.RetryAt = retryAt
	msg := errMsg
	t.LastError = &msg
	r.tasks[id] = t
	return nil
}

func (r *Repo) Ping(context.Context) error { return nil }

// --- helpers ---

func copyConversation(c model.Conversation) model.Conversation {
	c.Title = append([]byte(nil), c.Title...)
	c.Metadata = copyMetadata(c.Metadata)
	return c
}

func copyEntry(e model.Entry) model.Entry {
	e.Content = append([]byte(nil), e.Content...)
	return e
}

func copyMetadata(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sortConversations(convs []model.Conversation) {
	sort.Slice(convs, func(i, j int) bool {
		if !convs[i].CreatedAt.Equal(convs[j].CreatedAt) {
			return convs[i].CreatedAt.Before(convs[j].CreatedAt)
		}
		return convs[i].ID.String() < convs[j].ID.String()
	})
}

func sortEntries(entries []model.Entry) {
	sort.Slice(entries, func(i, j int) bool {
		return entryBefore(entries[i], entries[j])
	})
}

func entryBefore(a, b model.Entry) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}
