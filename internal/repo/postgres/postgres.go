// Package postgres implements the storage interface on PostgreSQL via GORM.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/threadkeep/threadkeep/internal/config"
	"github.com/threadkeep/threadkeep/internal/metrics"
	"github.com/threadkeep/threadkeep/internal/model"
	"github.com/threadkeep/threadkeep/internal/repo"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func init() {
	repo.Register(repo.Plugin{
		Name:   "postgres",
		Loader: Load,
	})
}

// Repo is the PostgreSQL Repository.
type Repo struct {
	db *gorm.DB
}

var _ repo.Repository = (*Repo)(nil)

// Load opens the database using the config carried on the context and runs
// migrations when configured to.
func Load(ctx context.Context) (repo.Repository, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.DBURL == "" {
		return nil, fmt.Errorf("database url is not configured")
	}

	db, err := gorm.Open(gormpostgres.Open(cfg.DBURL), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
	metrics.ObserveDBPool(sqlDB)

	if cfg.DatastoreMigrateAtStart {
		if err := Migrate(db); err != nil {
			return nil, err
		}
	}
	return &Repo{db: db}, nil
}

// Migrate creates or updates the schema.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&model.ConversationGroup{},
		&model.Conversation{},
		&model.ConversationMembership{},
		&model.OwnershipTransfer{},
		&model.Entry{},
		&model.Task{},
	); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	stmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_conversations_group ON conversations (conversation_group_id)`,
		`CREATE INDEX IF NOT EXISTS idx_memberships_user ON conversation_memberships (user_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS unique_transfer_per_conversation ON conversation_ownership_transfers (conversation_group_id)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_group_order ON entries (conversation_group_id, created_at, id)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_indexed_content ON entries USING gin (to_tsvector('simple', coalesce(indexed_content, '')))`,
		`CREATE INDEX IF NOT EXISTS idx_groups_deleted ON conversation_groups (deleted_at) WHERE deleted_at IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_retry ON tasks (retry_at)`,
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return repo.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return repo.ErrDuplicate
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return repo.ErrDuplicate
	}
	return err
}

// --- Groups and conversations ---

func (r *Repo) CreateGroup(ctx context.Context, g *model.ConversationGroup) error {
	return mapErr(r.db.WithContext(ctx).Create(g).Error)
}

func (r *Repo) GetGroup(ctx context.Context, id uuid.UUID) (*model.ConversationGroup, error) {
	var g model.ConversationGroup
	if err := r.db.WithContext(ctx).First(&g, "id = ?", id).Error; err != nil {
		return nil, mapErr(err)
	}
	return &g, nil
}

func (r *Repo) CreateConversation(ctx context.Context, c *model.Conversation) error {
	return mapErr(r.db.WithContext(ctx).Create(c).Error)
}

func (r *Repo) GetConversation(ctx context.Context, id uuid.UUID) (*model.Conversation, error) {
	var c model.Conversation
	if err := r.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, mapErr(err)
	}
	return &c, nil
}

func (r *Repo) ConversationsByGroup(ctx context.Context, groupID uuid.UUID, includeDeleted bool) ([]model.Conversation, error) {
	q := r.db.WithContext(ctx).Where("conversation_group_id = ?", groupID)
	if !includeDeleted {
		q = q.Where("deleted_at IS NULL")
	}
	var out []model.Conversation
	if err := q.Order("created_at, id").Find(&out).Error; err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

func (r *Repo) ConversationsForUser(ctx context.Context, userID string) ([]repo.MemberConversation, error) {
	rows := []struct {
		model.Conversation
		AccessLevel model.AccessLevel
	}{}
	err := r.db.WithContext(ctx).
		Table("conversations").
		Select("conversations.*, conversation_memberships.access_level").
		Joins("JOIN conversation_memberships ON conversation_memberships.conversation_group_id = conversations.conversation_group_id").
		Joins("JOIN conversation_groups ON conversation_groups.id = conversations.conversation_group_id").
		Where("conversation_memberships.user_id = ?", userID).
		Where("conversation_memberships.deleted_at IS NULL").
		Where("conversations.deleted_at IS NULL").
		Where("conversation_groups.deleted_at IS NULL").
		Order("conversations.created_at, conversations.id").
		Scan(&rows).Error
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]repo.MemberConversation, len(rows))
	for i, row := range rows {
		out[i] = repo.MemberConversation{Conversation: row.Conversation, AccessLevel: row.AccessLevel}
	}
	return out, nil
}

func (r *Repo) AdminListConversations(ctx context.Context, q repo.AdminConversationFilter) ([]model.Conversation, error) {
	tx := r.db.WithContext(ctx).Model(&model.Conversation{})
	switch {
	case q.OnlyDeleted:
		tx = tx.Where("deleted_at IS NOT NULL")
	case !q.IncludeDeleted:
		tx = tx.Where("deleted_at IS NULL")
	}
	if q.OwnerUserID != nil {
		tx = tx.Where("owner_user_id = ?", *q.OwnerUserID)
	}
	if q.DeletedAfter != nil {
		tx = tx.Where("deleted_at >= ?", *q.DeletedAfter)
	}
	if q.DeletedBefore != nil {
		tx = tx.Where("deleted_at < ?", *q.DeletedBefore)
	}
	var out []model.Conversation
	if err := tx.Order("created_at, id").Find(&out).Error; err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

func (r *Repo) SetConversationTitle(ctx context.Context, id uuid.UUID, title []byte, at time.Time) error {
	return r.updateConversation(ctx, id, map[string]interface{}{"title": title, "updated_at": at})
}

func (r *Repo) SetConversationMetadata(ctx context.Context, id uuid.UUID, metadata map[string]interface{}, at time.Time) error {
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	return r.updateConversation(ctx, id, map[string]interface{}{
		"metadata":   gorm.Expr("?::jsonb", string(encoded)),
		"updated_at": at,
	})
}

func (r *Repo) TouchConversation(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.updateConversation(ctx, id, map[string]interface{}{"updated_at": at})
}

func (r *Repo) updateConversation(ctx context.Context, id uuid.UUID, fields map[string]interface{}) error {
	res := r.db.WithContext(ctx).Model(&model.Conversation{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return mapErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (r *Repo) SetGroupOwner(ctx context.Context, groupID uuid.UUID, ownerUserID string) error {
	return mapErr(r.db.WithContext(ctx).
		Model(&model.Conversation{}).
		Where("conversation_group_id = ? AND deleted_at IS NULL", groupID).
		Update("owner_user_id", ownerUserID).Error)
}

func (r *Repo) SoftDeleteGroup(ctx context.Context, groupID uuid.UUID, at time.Time) error {
	return mapErr(r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.ConversationGroup{}).
			Where("id = ? AND deleted_at IS NULL", groupID).
			Update("deleted_at", at)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		if err := tx.Model(&model.Conversation{}).
			Where("conversation_group_id = ? AND deleted_at IS NULL", groupID).
			Update("deleted_at", at).Error; err != nil {
			return err
		}
		if err := tx.Model(&model.ConversationMembership{}).
			Where("conversation_group_id = ? AND deleted_at IS NULL", groupID).
			Update("deleted_at", at).Error; err != nil {
			return err
		}
		return tx.Where("conversation_group_id = ?", groupID).
			Delete(&model.OwnershipTransfer{}).Error
	}))
}

func (r *Repo) RestoreGroup(ctx context.Context, groupID uuid.UUID) error {
	return mapErr(r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.ConversationGroup{}).
			Where("id = ?", groupID).
			Update("deleted_at", nil)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		if err := tx.Model(&model.Conversation{}).
			Where("conversation_group_id = ?", groupID).
			Update("deleted_at", nil).Error; err != nil {
			return err
		}
		return tx.Model(&model.ConversationMembership{}).
			Where("conversation_group_id = ?", groupID).
			Update("deleted_at", nil).Error
	}))
}

// --- Memberships ---

func (r *Repo) CreateMembership(ctx context.Context, m *model.ConversationMembership) error {
	return mapErr(r.db.WithContext(ctx).Create(m).Error)
}

func (r *Repo) GetMembership(ctx context.Context, groupID uuid.UUID, userID string) (*model.ConversationMembership, error) {
	var m model.ConversationMembership
	err := r.db.WithContext(ctx).
		First(&m, "conversation_group_id = ? AND user_id = ? AND deleted_at IS NULL", groupID, userID).Error
	if err != nil {
		return nil, mapErr(err)
	}
	return &m, nil
}

func (r *Repo) MembershipsByGroup(ctx context.Context, groupID uuid.UUID, includeDeleted bool) ([]model.ConversationMembership, error) {
	q := r.db.WithContext(ctx).Where("conversation_group_id = ?", groupID)
	if !includeDeleted {
		q = q.Where("deleted_at IS NULL")
	}
	var out []model.ConversationMembership
	if err := q.Order("created_at, user_id").Find(&out).Error; err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

func (r *Repo) SetMembershipLevel(ctx context.Context, groupID uuid.UUID, userID string, level model.AccessLevel) error {
	res := r.db.WithContext(ctx).
		Model(&model.ConversationMembership{}).
		Where("conversation_group_id = ? AND user_id = ? AND deleted_at IS NULL", groupID, userID).
		Update("access_level", level)
	if res.Error != nil {
		return mapErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (r *Repo) UpsertMembership(ctx context.Context, m *model.ConversationMembership) error {
	return mapErr(r.db.WithContext(ctx).Exec(
		`INSERT INTO conversation_memberships (conversation_group_id, user_id, access_level, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (conversation_group_id, user_id)
		 DO UPDATE SET access_level = EXCLUDED.access_level, deleted_at = NULL`,
		m.ConversationGroupID, m.UserID, m.AccessLevel, m.CreatedAt,
	).Error)
}

func (r *Repo) SoftDeleteMembership(ctx context.Context, groupID uuid.UUID, userID string, at time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&model.ConversationMembership{}).
		Where("conversation_group_id = ? AND user_id = ? AND deleted_at IS NULL", groupID, userID).
		Update("deleted_at", at)
	if res.Error != nil {
		return mapErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

// --- Ownership transfers ---

func (r *Repo) CreateTransfer(ctx context.Context, t *model.OwnershipTransfer) error {
	return mapErr(r.db.WithContext(ctx).Create(t).Error)
}

func (r *Repo) GetTransfer(ctx context.Context, id uuid.UUID) (*model.OwnershipTransfer, error) {
	var t model.OwnershipTransfer
	if err := r.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		return nil, mapErr(err)
	}
	return &t, nil
}

func (r *Repo) PendingTransferByGroup(ctx context.Context, groupID uuid.UUID) (*model.OwnershipTransfer, error) {
	var t model.OwnershipTransfer
	if err := r.db.WithContext(ctx).First(&t, "conversation_group_id = ?", groupID).Error; err != nil {
		return nil, mapErr(err)
	}
	return &t, nil
}

func (r *Repo) TransfersForUser(ctx context.Context, userID string, role repo.TransferRole) ([]model.OwnershipTransfer, error) {
	q := r.db.WithContext(ctx)
	switch role {
	case repo.TransferRoleSender:
		q = q.Where("from_user_id = ?", userID)
	case repo.TransferRoleRecipient:
		q = q.Where("to_user_id = ?", userID)
	default:
		q = q.Where("from_user_id = ? OR to_user_id = ?", userID, userID)
	}
	var out []model.OwnershipTransfer
	if err := q.Order("created_at, id").Find(&out).Error; err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

func (r *Repo) DeleteTransfer(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Delete(&model.OwnershipTransfer{}, "id = ?", id)
	if res.Error != nil {
		return mapErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (r *Repo) DeleteTransfersTo(ctx context.Context, groupID uuid.UUID, toUserID string) error {
	return mapErr(r.db.WithContext(ctx).
		Delete(&model.OwnershipTransfer{}, "conversation_group_id = ? AND to_user_id = ?", groupID, toUserID).Error)
}

func (r *Repo) AcceptTransfer(ctx context.Context, t *model.OwnershipTransfer) error {
	return mapErr(r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Deleting the transfer row first makes a concurrent accept lose the
		// race and observe not-found.
		res := tx.Delete(&model.OwnershipTransfer{}, "id = ?", t.ID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		if err := tx.Model(&model.ConversationMembership{}).
			Where("conversation_group_id = ? AND user_id = ? AND deleted_at IS NULL", t.ConversationGroupID, t.FromUserID).
			Update("access_level", model.AccessLevelManager).Error; err != nil {
			return err
		}
		if err := tx.Exec(
			`INSERT INTO conversation_memberships (conversation_group_id, user_id, access_level, created_at)
			 VALUES (?, ?, ?, now())
			 ON CONFLICT (conversation_group_id, user_id)
			 DO UPDATE SET access_level = EXCLUDED.access_level, deleted_at = NULL`,
			t.ConversationGroupID, t.ToUserID, model.AccessLevelOwner,
		).Error; err != nil {
			return err
		}
		return tx.Model(&model.Conversation{}).
			Where("conversation_group_id = ? AND deleted_at IS NULL", t.ConversationGroupID).
			Update("owner_user_id", t.ToUserID).Error
	}))
}

// --- Entries ---

func (r *Repo) InsertEntry(ctx context.Context, e *model.Entry) error {
	return mapErr(r.db.WithContext(ctx).Create(e).Error)
}

func (r *Repo) GetEntry(ctx context.Context, id uuid.UUID) (*model.Entry, error) {
	var e model.Entry
	if err := r.db.WithContext(ctx).First(&e, "id = ?", id).Error; err != nil {
		return nil, mapErr(err)
	}
	return &e, nil
}

func (r *Repo) EntriesByGroup(ctx context.Context, groupID uuid.UUID) ([]model.Entry, error) {
	var out []model.Entry
	err := r.db.WithContext(ctx).
		Where("conversation_group_id = ?", groupID).
		Order("created_at, id").
		Find(&out).Error
	if err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

func (r *Repo) PreviousEntry(ctx context.Context, conversationID uuid.UUID, before model.Entry) (*model.Entry, error) {
	var e model.Entry
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND channel = ?", conversationID, model.ChannelHistory).
		Where("(created_at, id) < (?, ?)", before.CreatedAt, before.ID).
		Order("created_at DESC, id DESC").
		First(&e).Error
	if err != nil {
		return nil, mapErr(err)
	}
	return &e, nil
}

func (r *Repo) SetEntryIndexedContent(ctx context.Context, entryID, groupID uuid.UUID, indexedContent string) error {
	res := r.db.WithContext(ctx).
		Model(&model.Entry{}).
		Where("id = ? AND conversation_group_id = ?", entryID, groupID).
		Update("indexed_content", indexedContent)
	if res.Error != nil {
		return mapErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (r *Repo) SetEntryIndexedAt(ctx context.Context, entryID, groupID uuid.UUID, indexedAt time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&model.Entry{}).
		Where("id = ? AND conversation_group_id = ?", entryID, groupID).
		Update("indexed_at", indexedAt)
	if res.Error != nil {
		return mapErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (r *Repo) ListUnindexedEntries(ctx context.Context, limit int) ([]model.Entry, error) {
	var out []model.Entry
	err := r.db.WithContext(ctx).
		Where("channel = ? AND indexed_content IS NULL", model.ChannelHistory).
		Order("created_at, id").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

func (r *Repo) ListEntriesPendingEmbedding(ctx context.Context, limit int) ([]model.Entry, error) {
	var out []model.Entry
	err := r.db.WithContext(ctx).
		Where("indexed_content IS NOT NULL AND indexed_at IS NULL").
		Order("created_at, id").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

func (r *Repo) SearchEntries(ctx context.Context, groupIDs []uuid.UUID, query string, limit int) ([]model.Entry, error) {
	q := r.db.WithContext(ctx).
		Where("indexed_content ILIKE ?", "%"+query+"%").
		Order("created_at DESC, id DESC").
		Limit(limit)
	if groupIDs != nil {
		q = q.Where("conversation_group_id IN ?", groupIDs)
	}
	var out []model.Entry
	if err := q.Find(&out).Error; err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

func (r *Repo) GroupIDsForUser(ctx context.Context, userID string) ([]uuid.UUID, error) {
	var out []uuid.UUID
	err := r.db.WithContext(ctx).
		Model(&model.ConversationMembership{}).
		Where("user_id = ? AND deleted_at IS NULL", userID).
		Pluck("conversation_group_id", &out).Error
	if err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

// --- Eviction ---

func (r *Repo) FindEvictableGroupIDs(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	var out []uuid.UUID
	// SKIP LOCKED lets concurrent sweepers partition the work without
	// deleting the same groups twice.
	err := r.db.WithContext(ctx).Raw(
		`SELECT id FROM conversation_groups
		 WHERE deleted_at IS NOT NULL AND deleted_at < ?
		 ORDER BY deleted_at
		 LIMIT ?
		 FOR UPDATE SKIP LOCKED`,
		cutoff, limit,
	).Scan(&out).Error
	if err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

func (r *Repo) CountEvictableGroups(ctx context.Context, cutoff time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.ConversationGroup{}).
		Where("deleted_at IS NOT NULL AND deleted_at < ?", cutoff).
		Count(&count).Error
	if err != nil {
		return 0, mapErr(err)
	}
	return count, nil
}

func (r *Repo) HardDeleteGroups(ctx context.Context, groupIDs []uuid.UUID) error {
	if len(groupIDs) == 0 {
		return nil
	}
	return mapErr(r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&model.Entry{}, "conversation_group_id IN ?", groupIDs).Error; err != nil {
			return err
		}
		if err := tx.Delete(&model.ConversationMembership{}, "conversation_group_id IN ?", groupIDs).Error; err != nil {
			return err
		}
		if err := tx.Delete(&model.OwnershipTransfer{}, "conversation_group_id IN ?", groupIDs).Error; err != nil {
			return err
		}
		if err := tx.Delete(&model.Conversation{}, "conversation_group_id IN ?", groupIDs).Error; err != nil {
			return err
		}
		return tx.Delete(&model.ConversationGroup{}, "id IN ?", groupIDs).Error
	}))
}

func (r *Repo) HardDeleteExpiredMemberships(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Delete(&model.ConversationMembership{}, "deleted_at IS NOT NULL AND deleted_at < ?", cutoff)
	if res.Error != nil {
		return 0, mapErr(res.Error)
	}
	return res.RowsAffected, nil
}

// --- Tasks ---

func (r *Repo) CreateTask(ctx context.Context, t *model.Task) error {
	return mapErr(r.db.WithContext(ctx).Create(t).Error)
}

func (r *Repo) ClaimReadyTasks(ctx context.Context, limit int, claimFor time.Duration) ([]model.Task, error) {
	var out []model.Task
	err := r.db.WithContext(ctx).Raw(
		`WITH claimed AS (
			SELECT id FROM tasks
			WHERE retry_at <= now()
			ORDER BY retry_at
			LIMIT ?
			FOR UPDATE SKIP LOCKED
		)
		UPDATE tasks SET retry_at = now() + ?::interval
		WHERE id IN (SELECT id FROM claimed)
		RETURNING *`,
		limit, fmt.Sprintf("%d seconds", int(claimFor.Seconds())),
	).Scan(&out).Error
	if err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

func (r *Repo) DeleteTask(ctx context.Context, id uuid.UUID) error {
	return mapErr(r.db.WithContext(ctx).Delete(&model.Task{}, "id = ?", id).Error)
}

func (r *Repo) FailTask(ctx context.Context, id uuid.UUID, errMsg string, retryAt time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&model.Task{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"retry_count": gorm.Expr("retry_count + 1"),
			"retry_at":    retryAt,
			"last_error":  errMsg,
		})
	if res.Error != nil {
		return mapErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (r *Repo) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
