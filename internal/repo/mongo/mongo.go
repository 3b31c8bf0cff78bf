// Package mongo implements the storage interface on MongoDB. Multi-document
// operations are applied as ordered sequential updates; MongoDB's
// single-document atomicity covers the rows that decide races (the transfer
// row, the group row).
package mongo

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/threadkeep/threadkeep/internal/config"
	"github.com/threadkeep/threadkeep/internal/model"
	"github.com/threadkeep/threadkeep/internal/repo"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

func init() {
	repo.Register(repo.Plugin{
		Name:   "mongo",
		Loader: Load,
	})
}

// Repo is the MongoDB Repository.
type Repo struct {
	client      *mongo.Client
	groups      *mongo.Collection
	convs       *mongo.Collection
	memberships *mongo.Collection
	transfers   *mongo.Collection
	entries     *mongo.Collection
	tasks       *mongo.Collection
}

var _ repo.Repository = (*Repo)(nil)

// Load connects to MongoDB using the config carried on the context.
func Load(ctx context.Context) (repo.Repository, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.DBURL == "" {
		return nil, fmt.Errorf("database url is not configured")
	}
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.DBURL))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	db := client.Database(cfg.MongoDatabase)
	r := &Repo{
		client:      client,
		groups:      db.Collection("conversation_groups"),
		convs:       db.Collection("conversations"),
		memberships: db.Collection("conversation_memberships"),
		transfers:   db.Collection("conversation_ownership_transfers"),
		entries:     db.Collection("entries"),
		tasks:       db.Collection("tasks"),
	}
	if cfg.DatastoreMigrateAtStart {
		if err := r.migrate(ctx); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Repo) migrate(ctx context.Context) error {
	unique := options.Index().SetUnique(true)
	indexes := []struct {
		coll *mongo.Collection
		spec mongo.IndexModel
	}{
		{r.memberships, mongo.IndexModel{
			Keys:    bson.D{{Key: "conversationGroupId", Value: 1}, {Key: "userId", Value: 1}},
			Options: unique,
		}},
		{r.memberships, mongo.IndexModel{Keys: bson.D{{Key: "userId", Value: 1}}}},
		{r.transfers, mongo.IndexModel{
			Keys:    bson.D{{Key: "conversationGroupId", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("unique_transfer_per_conversation"),
		}},
		{r.convs, mongo.IndexModel{Keys: bson.D{{Key: "conversationGroupId", Value: 1}}}},
		{r.entries, mongo.IndexModel{Keys: bson.D{{Key: "conversationGroupId", Value: 1}, {Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}}},
		{r.entries, mongo.IndexModel{Keys: bson.D{{Key: "indexedContent", Value: "text"}}}},
		{r.groups, mongo.IndexModel{Keys: bson.D{{Key: "deletedAt", Value: 1}}}},
		{r.tasks, mongo.IndexModel{Keys: bson.D{{Key: "retryAt", Value: 1}}}},
	}
	for _, idx := range indexes {
		if _, err := idx.coll.Indexes().CreateOne(ctx, idx.spec); err != nil {
			return fmt.Errorf("failed to create index on %s: %w", idx.coll.Name(), err)
		}
	}
	return nil
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return repo.ErrNotFound
	}
	if mongo.IsDuplicateKeyError(err) {
		return repo.ErrDuplicate
	}
	return err
}

// Documents store uuids as strings for readability in mongosh.

type groupDoc struct {
	ID        string     `bson:"_id"`
	CreatedAt time.Time  `bson:"createdAt"`
	DeletedAt *time.Time `bson:"deletedAt,omitempty"`
}

type conversationDoc struct {
	ID                     string                 `bson:"_id"`
	Title                  []byte                 `bson:"title,omitempty"`
	OwnerUserID            string                 `bson:"ownerUserId"`
	Metadata               map[string]interface{} `bson:"metadata"`
	ConversationGroupID    string                 `bson:"conversationGroupId"`
	ForkedAtEntryID        *string                `bson:"forkedAtEntryId,omitempty"`
	ForkedAtConversationID *string                `bson:"forkedAtConversationId,omitempty"`
	CreatedAt              time.Time              `bson:"createdAt"`
	UpdatedAt              time.Time              `bson:"updatedAt"`
	DeletedAt              *time.Time             `bson:"deletedAt,omitempty"`
}

type membershipDoc struct {
	ConversationGroupID string            `bson:"conversationGroupId"`
	UserID              string            `bson:"userId"`
	AccessLevel         model.AccessLevel `bson:"accessLevel"`
	CreatedAt           time.Time         `bson:"createdAt"`
	DeletedAt           *time.Time        `bson:"deletedAt,omitempty"`
}

type transferDoc struct {
	ID                  string    `bson:"_id"`
	ConversationGroupID string    `bson:"conversationGroupId"`
	FromUserID          string    `bson:"fromUserId"`
	ToUserID            string    `bson:"toUserId"`
	CreatedAt           time.Time `bson:"createdAt"`
}

type entryDoc struct {
	ID                  string     `bson:"_id"`
	ConversationID      string     `bson:"conversationId"`
	ConversationGroupID string     `bson:"conversationGroupId"`
	UserID              *string    `bson:"userId,omitempty"`
	ClientID            *string    `bson:"clientId,omitempty"`
	Channel             string     `bson:"channel"`
	Epoch               *int64     `bson:"epoch,omitempty"`
	ContentType         string     `bson:"contentType"`
	Content             []byte     `bson:"content"`
	IndexedContent      *string    `bson:"indexedContent,omitempty"`
	IndexedAt           *time.Time `bson:"indexedAt,omitempty"`
	CreatedAt           time.Time  `bson:"createdAt"`
}

type taskDoc struct {
	ID         string                 `bson:"_id"`
	TaskName   *string                `bson:"taskName,omitempty"`
	TaskType   string                 `bson:"taskType"`
	TaskBody   map[string]interface{} `bson:"taskBody"`
	CreatedAt  time.Time              `bson:"createdAt"`
	RetryAt    time.Time              `bson:"retryAt"`
	LastError  *string                `bson:"lastError,omitempty"`
	RetryCount int                    `bson:"retryCount"`
}

func uuidPtrToString(id *uuid.UUID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}

func stringPtrToUUID(s *string) *uuid.UUID {
	if s == nil {
		return nil
	}
	id, err := uuid.Parse(*s)
	if err != nil {
		return nil
	}
	return &id
}

func toConversationDoc(c *model.Conversation) conversationDoc {
	return conversationDoc{
		ID:                     c.ID.String(),
		Title:                  c.Title,
		OwnerUserID:            c.OwnerUserID,
		Metadata:               c.Metadata,
		ConversationGroupID:    c.ConversationGroupID.String(),
		ForkedAtEntryID:        uuidPtrToString(c.ForkedAtEntryID),
		ForkedAtConversationID: uuidPtrToString(c.ForkedAtConversationID),
		CreatedAt:              c.CreatedAt,
		UpdatedAt:              c.UpdatedAt,
		DeletedAt:              c.DeletedAt,
	}
}

func fromConversationDoc(d conversationDoc) (model.Conversation, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return model.Conversation{}, err
	}
	groupID, err := uuid.Parse(d.ConversationGroupID)
	if err != nil {
		return model.Conversation{}, err
	}
	return model.Conversation{
		ID:                     id,
		Title:                  d.Title,
		OwnerUserID:            d.OwnerUserID,
		Metadata:               d.Metadata,
		ConversationGroupID:    groupID,
		ForkedAtEntryID:        stringPtrToUUID(d.ForkedAtEntryID),
		ForkedAtConversationID: stringPtrToUUID(d.ForkedAtConversationID),
		CreatedAt:              d.CreatedAt,
		UpdatedAt:              d.UpdatedAt,
		DeletedAt:              d.DeletedAt,
	}, nil
}

func toEntryDoc(e *model.Entry) entryDoc {
	return entryDoc{
		ID:                  e.ID.String(),
		ConversationID:      e.ConversationID.String(),
		ConversationGroupID: e.ConversationGroupID.String(),
		UserID:              e.UserID,
		ClientID:            e.ClientID,
		Channel:             string(e.Channel),
		Epoch:               e.Epoch,
		ContentType:         e.ContentType,
		Content:             e.Content,
		IndexedContent:      e.IndexedContent,
		IndexedAt:           e.IndexedAt,
		CreatedAt:           e.CreatedAt,
	}
}

func fromEntryDoc(d entryDoc) (model.Entry, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return model.Entry{}, err
	}
	convID, err := uuid.Parse(d.ConversationID)
	if err != nil {
		return model.Entry{}, err
	}
	groupID, err := uuid.Parse(d.ConversationGroupID)
	if err != nil {
		return model.Entry{}, err
	}
	return model.Entry{
		ID:                  id,
		ConversationID:      convID,
		ConversationGroupID: groupID,
		UserID:              d.UserID,
		ClientID:            d.ClientID,
		Channel:             model.Channel(d.Channel),
		Epoch:               d.Epoch,
		ContentType:         d.ContentType,
		Content:             d.Content,
		IndexedContent:      d.IndexedContent,
		IndexedAt:           d.IndexedAt,
		CreatedAt:           d.CreatedAt,
	}, nil
}

func fromMembershipDoc(d membershipDoc) (model.ConversationMembership, error) {
	groupID, err := uuid.Parse(d.ConversationGroupID)
	if err != nil {
		return model.ConversationMembership{}, err
	}
	return model.ConversationMembership{
		ConversationGroupID: groupID,
		UserID:              d.UserID,
		AccessLevel:         d.AccessLevel,
		CreatedAt:           d.CreatedAt,
		DeletedAt:           d.DeletedAt,
	}, nil
}

func fromTransferDoc(d transferDoc) (model.OwnershipTransfer, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return model.OwnershipTransfer{}, err
	}
	groupID, err := uuid.Parse(d.ConversationGroupID)
	if err != nil {
		return model.OwnershipTransfer{}, err
	}
	return model.OwnershipTransfer{
		ID:                  id,
		ConversationGroupID: groupID,
		FromUserID:          d.FromUserID,
		ToUserID:            d.ToUserID,
		CreatedAt:           d.CreatedAt,
	}, nil
}

var entryOrder = bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}

// --- Groups and conversations ---

func (r *Repo) CreateGroup(ctx context.Context, g *model.ConversationGroup) error {
	_, err := r.groups.InsertOne(ctx, groupDoc{ID: g.ID.String(), CreatedAt: g.CreatedAt, DeletedAt: g.DeletedAt})
	return mapErr(err)
}

func (r *Repo) GetGroup(ctx context.Context, id uuid.UUID) (*model.ConversationGroup, error) {
	var d groupDoc
	if err := r.groups.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&d); err != nil {
		return nil, mapErr(err)
	}
	return &model.ConversationGroup{ID: id, CreatedAt: d.CreatedAt, DeletedAt: d.DeletedAt}, nil
}

func (r *Repo) CreateConversation(ctx context.Context, c *model.Conversation) error {
	_, err := r.convs.InsertOne(ctx, toConversationDoc(c))
	return mapErr(err)
}

func (r *Repo) GetConversation(ctx context.Context, id uuid.UUID) (*model.Conversation, error) {
	var d conversationDoc
	if err := r.convs.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&d); err != nil {
		return nil, mapErr(err)
	}
	c, err := fromConversationDoc(d)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Repo) listConversations(ctx context.Context, filter bson.M) ([]model.Conversation, error) {
	cursor, err := r.convs.Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, mapErr(err)
	}
	var docs []conversationDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, mapErr(err)
	}
	out := make([]model.Conversation, 0, len(docs))
	for _, d := range docs {
		c, err := fromConversationDoc(d)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *Repo) ConversationsByGroup(ctx context.Context, groupID uuid.UUID, includeDeleted bool) ([]model.Conversation, error) {
	filter := bson.M{"conversationGroupId": groupID.String()}
	if !includeDeleted {
		filter["deletedAt"] = bson.M{"$exists": false}
	}
	return r.listConversations(ctx, filter)
}

func (r *Repo) ConversationsForUser(ctx context.Context, userID string) ([]repo.MemberConversation, error) {
	cursor, err := r.memberships.Find(ctx, bson.M{"userId": userID, "deletedAt": bson.M{"$exists": false}})
	if err != nil {
		return nil, mapErr(err)
	}
	var memberDocs []membershipDoc
	if err := cursor.All(ctx, &memberDocs); err != nil {
		return nil, mapErr(err)
	}
	if len(memberDocs) == 0 {
		return nil, nil
	}
	levelByGroup := make(map[string]model.AccessLevel, len(memberDocs))
	groupIDs := make([]string, 0, len(memberDocs))
	for _, m := range memberDocs {
		levelByGroup[m.ConversationGroupID] = m.AccessLevel
		groupIDs = append(groupIDs, m.ConversationGroupID)
	}

	// Groups soft-deleted out from under a still-active membership are
	// excluded the same way the SQL join does it.
	groupCursor, err := r.groups.Find(ctx, bson.M{"_id": bson.M{"$in": groupIDs}, "deletedAt": bson.M{"$exists": false}})
	if err != nil {
		return nil, mapErr(err)
	}
	var liveGroups []groupDoc
	if err := groupCursor.All(ctx, &liveGroups); err != nil {
		return nil, mapErr(err)
	}
	liveGroupIDs := make([]string, 0, len(liveGroups))
	for _, g := range liveGroups {
		liveGroupIDs = append(liveGroupIDs, g.ID)
	}

	convs, err := r.listConversations(ctx, bson.M{
		"conversationGroupId": bson.M{"$in": liveGroupIDs},
		"deletedAt":           bson.M{"$exists": false},
	})
	if err != nil {
		return nil, err
	}
	out := make([]repo.MemberConversation, 0, len(convs))
	for _, c := range convs {
		out = append(out, repo.MemberConversation{
			Conversation: c,
			AccessLevel:  levelByGroup[c.ConversationGroupID.String()],
		})
	}
	return out, nil
}

func (r *Repo) AdminListConversations(ctx context.Context, q repo.AdminConversationFilter) ([]model.Conversation, error) {
	filter := bson.M{}
	switch {
	case q.OnlyDeleted:
		filter["deletedAt"] = bson.M{"$exists": true}
	case !q.IncludeDeleted:
		filter["deletedAt"] = bson.M{"$exists": false}
	}
	if q.OwnerUserID != nil {
		filter["ownerUserId"] = *q.OwnerUserID
	}
	deletedRange := bson.M{}
	if q.DeletedAfter != nil {
		deletedRange["$gte"] = *q.DeletedAfter
	}
	if q.DeletedBefore != nil {
		deletedRange["$lt"] = *q.DeletedBefore
	}
	if len(deletedRange) > 0 {
		filter["deletedAt"] = deletedRange
	}
	return r.listConversations(ctx, filter)
}

func (r *Repo) updateConversation(ctx context.Context, id uuid.UUID, update bson.M) error {
	res, err := r.convs.UpdateOne(ctx, bson.M{"_id": id.String()}, update)
	if err != nil {
		return mapErr(err)
	}
	if res.MatchedCount == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (r *Repo) SetConversationTitle(ctx context.Context, id uuid.UUID, title []byte, at time.Time) error {
	return r.updateConversation(ctx, id, bson.M{"$set": bson.M{"title": title, "updatedAt": at}})
}

func (r *Repo) SetConversationMetadata(ctx context.Context, id uuid.UUID, metadata map[string]interface{}, at time.Time) error {
	return r.updateConversation(ctx, id, bson.M{"$set": bson.M{"metadata": metadata, "updatedAt": at}})
}

func (r *Repo) TouchConversation(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.updateConversation(ctx, id, bson.M{"$set": bson.M{"updatedAt": at}})
}

func (r *Repo) SetGroupOwner(ctx context.Context, groupID uuid.UUID, ownerUserID string) error {
	_, err := r.convs.UpdateMany(ctx,
		bson.M{"conversationGroupId": groupID.String(), "deletedAt": bson.M{"$exists": false}},
		bson.M{"$set": bson.M{"ownerUserId": ownerUserID}})
	return mapErr(err)
}

func (r *Repo) SoftDeleteGroup(ctx context.Context, groupID uuid.UUID, at time.Time) error {
	// Marking the group row first decides concurrent deletes; the cascades
	// below are idempotent.
	res, err := r.groups.UpdateOne(ctx,
		bson.M{"_id": groupID.String(), "deletedAt": bson.M{"$exists": false}},
		bson.M{"$set": bson.M{"deletedAt": at}})
	if err != nil {
		return mapErr(err)
	}
	if res.MatchedCount == 0 {
		return repo.ErrNotFound
	}
	if _, err := r.convs.UpdateMany(ctx,
		bson.M{"conversationGroupId": groupID.String(), "deletedAt": bson.M{"$exists": false}},
		bson.M{"$set": bson.M{"deletedAt": at}}); err != nil {
		return mapErr(err)
	}
	if _, err := r.memberships.UpdateMany(ctx,
		bson.M{"conversationGroupId": groupID.String(), "deletedAt": bson.M{"$exists": false}},
		bson.M{"$set": bson.M{"deletedAt": at}}); err != nil {
		return mapErr(err)
	}
	_, err = r.transfers.DeleteMany(ctx, bson.M{"conversationGroupId": groupID.String()})
	return mapErr(err)
}

func (r *Repo) RestoreGroup(ctx context.Context, groupID uuid.UUID) error {
	res, err := r.groups.UpdateOne(ctx,
		bson.M{"_id": groupID.String()},
		bson.M{"$unset": bson.M{"deletedAt": ""}})
	if err != nil {
		return mapErr(err)
	}
	if res.MatchedCount == 0 {
		return repo.ErrNotFound
	}
	if _, err := r.convs.UpdateMany(ctx,
		bson.M{"conversationGroupId": groupID.String()},
		bson.M{"$unset": bson.M{"deletedAt": ""}}); err != nil {
		return mapErr(err)
	}
	_, err = r.memberships.UpdateMany(ctx,
		bson.M{"conversationGroupId": groupID.String()},
		bson.M{"$unset": bson.M{"deletedAt": ""}})
	return mapErr(err)
}

// --- Memberships ---

func (r *Repo) CreateMembership(ctx context.Context, m *model.ConversationMembership) error {
	_, err := r.memberships.InsertOne(ctx, membershipDoc{
		ConversationGroupID: m.ConversationGroupID.String(),
		UserID:              m.UserID,
		AccessLevel:         m.AccessLevel,
		CreatedAt:           m.CreatedAt,
	})
	return mapErr(err)
}

func (r *Repo) GetMembership(ctx context.Context, groupID uuid.UUID, userID string) (*model.ConversationMembership, error) {
	var d membershipDoc
	err := r.memberships.FindOne(ctx, bson.M{
		"conversationGroupId": groupID.String(),
		"userId":              userID,
		"deletedAt":           bson.M{"$exists": false},
	}).Decode(&d)
	if err != nil {
		return nil, mapErr(err)
	}
	m, err := fromMembershipDoc(d)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *Repo) MembershipsByGroup(ctx context.Context, groupID uuid.UUID, includeDeleted bool) ([]model.ConversationMembership, error) {
	filter := bson.M{"conversationGroupId": groupID.String()}
	if !includeDeleted {
		filter["deletedAt"] = bson.M{"$exists": false}
	}
	cursor, err := r.memberships.Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "userId", Value: 1}}))
	if err != nil {
		return nil, mapErr(err)
	}
	var docs []membershipDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, mapErr(err)
	}
	out := make([]model.ConversationMembership, 0, len(docs))
	for _, d := range docs {
		m, err := fromMembershipDoc(d)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (r *Repo) SetMembershipLevel(ctx context.Context, groupID uuid.UUID, userID string, level model.AccessLevel) error {
	res, err := r.memberships.UpdateOne(ctx,
		bson.M{"conversationGroupId": groupID.String(), "userId": userID, "deletedAt": bson.M{"$exists": false}},
		bson.M{"$set": bson.M{"accessLevel": level}})
	if err != nil {
		return mapErr(err)
	}
	if res.MatchedCount == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (r *Repo) UpsertMembership(ctx context.Context, m *model.ConversationMembership) error {
	_, err := r.memberships.UpdateOne(ctx,
		bson.M{"conversationGroupId": m.ConversationGroupID.String(), "userId": m.UserID},
		bson.M{
			"$set":         bson.M{"accessLevel": m.AccessLevel},
			"$unset":       bson.M{"deletedAt": ""},
			"$setOnInsert": bson.M{"createdAt": m.CreatedAt},
		},
		options.UpdateOne().SetUpsert(true))
	return mapErr(err)
}

func (r *Repo) SoftDeleteMembership(ctx context.Context, groupID uuid.UUID, userID string, at time.Time) error {
	res, err := r.memberships.UpdateOne(ctx,
		bson.M{"conversationGroupId": groupID.String(), "userId": userID, "deletedAt": bson.M{"$exists": false}},
		bson.M{"$set": bson.M{"deletedAt": at}})
	if err != nil {
		return mapErr(err)
	}
	if res.MatchedCount == 0 {
		return repo.ErrNotFound
	}
	return nil
}

// --- Ownership transfers ---

func (r *Repo) CreateTransfer(ctx context.Context, t *model.OwnershipTransfer) error {
	_, err := r.transfers.InsertOne(ctx, transferDoc{
		ID:                  t.ID.String(),
		ConversationGroupID: t.ConversationGroupID.String(),
		FromUserID:          t.FromUserID,
		ToUserID:            t.ToUserID,
		CreatedAt:           t.CreatedAt,
	})
	return mapErr(err)
}

func (r *Repo) GetTransfer(ctx context.Context, id uuid.UUID) (*model.OwnershipTransfer, error) {
	var d transferDoc
	if err := r.transfers.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&d); err != nil {
		return nil, mapErr(err)
	}
	t, err := fromTransferDoc(d)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *Repo) PendingTransferByGroup(ctx context.Context, groupID uuid.UUID) (*model.OwnershipTransfer, error) {
	var d transferDoc
	if err := r.transfers.FindOne(ctx, bson.M{"conversationGroupId": groupID.String()}).Decode(&d); err != nil {
		return nil, mapErr(err)
	}
	t, err := fromTransferDoc(d)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *Repo) TransfersForUser(ctx context.Context, userID string, role repo.TransferRole) ([]model.OwnershipTransfer, error) {
	var filter bson.M
	switch role {
	case repo.TransferRoleSender:
		filter = bson.M{"fromUserId": userID}
	case repo.TransferRoleRecipient:
		filter = bson.M{"toUserId": userID}
	default:
		filter = bson.M{"$or": bson.A{bson.M{"fromUserId": userID}, bson.M{"toUserId": userID}}}
	}
	cursor, err := r.transfers.Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, mapErr(err)
	}
	var docs []transferDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, mapErr(err)
	}
	out := make([]model.OwnershipTransfer, 0, len(docs))
	for _, d := range docs {
		t, err := fromTransferDoc(d)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (r *Repo) DeleteTransfer(ctx context.Context, id uuid.UUID) error {
	res, err := r.transfers.DeleteOne(ctx, bson.M{"_id": id.String()})
	if err != nil {
		return mapErr(err)
	}
	if res.DeletedCount == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (r *Repo) DeleteTransfersTo(ctx context.Context, groupID uuid.UUID, toUserID string) error {
	_, err := r.transfers.DeleteMany(ctx, bson.M{"conversationGroupId": groupID.String(), "toUserId": toUserID})
	return mapErr(err)
}

func (r *Repo) AcceptTransfer(ctx context.Context, t *model.OwnershipTransfer) error {
	// The transfer row delete is the atomic decision point; a concurrent
	// accept deletes nothing and reports not-found.
	res, err := r.transfers.DeleteOne(ctx, bson.M{"_id": t.ID.String()})
	if err != nil {
		return mapErr(err)
	}
	if res.DeletedCount == 0 {
		return repo.ErrNotFound
	}
	if _, err := r.memberships.UpdateOne(ctx,
		bson.M{"conversationGroupId": t.ConversationGroupID.String(), "userId": t.FromUserID, "deletedAt": bson.M{"$exists": false}},
		bson.M{"$set": bson.M{"accessLevel": model.AccessLevelManager}}); err != nil {
		return mapErr(err)
	}
	if _, err := r.memberships.UpdateOne(ctx,
		bson.M{"conversationGroupId": t.ConversationGroupID.String(), "userId": t.ToUserID},
		bson.M{
			"$set":         bson.M{"accessLevel": model.AccessLevelOwner},
			"$unset":       bson.M{"deletedAt": ""},
			"$setOnInsert": bson.M{"createdAt": time.Now()},
		},
		options.UpdateOne().SetUpsert(true)); err != nil {
		return mapErr(err)
	}
	_, err = r.convs.UpdateMany(ctx,
		bson.M{"conversationGroupId": t.ConversationGroupID.String(), "deletedAt": bson.M{"$exists": false}},
		bson.M{"$set": bson.M{"ownerUserId": t.ToUserID}})
	return mapErr(err)
}

// --- Entries ---

func (r *Repo) InsertEntry(ctx context.Context, e *model.Entry) error {
	_, err := r.entries.InsertOne(ctx, toEntryDoc(e))
	return mapErr(err)
}

func (r *Repo) GetEntry(ctx context.Context, id uuid.UUID) (*model.Entry, error) {
	var d entryDoc
	if err := r.entries.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&d); err != nil {
		return nil, mapErr(err)
	}
	e, err := fromEntryDoc(d)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *Repo) findEntries(ctx context.Context, filter bson.M, opts ...options.Lister[options.FindOptions]) ([]model.Entry, error) {
	cursor, err := r.entries.Find(ctx, filter, opts...)
	if err != nil {
		return nil, mapErr(err)
	}
	var docs []entryDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, mapErr(err)
	}
	out := make([]model.Entry, 0, len(docs))
	for _, d := range docs {
		e, err := fromEntryDoc(d)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *Repo) EntriesByGroup(ctx context.Context, groupID uuid.UUID) ([]model.Entry, error) {
	return r.findEntries(ctx,
		bson.M{"conversationGroupId": groupID.String()},
		options.Find().SetSort(entryOrder))
}

func (r *Repo) PreviousEntry(ctx context.Context, conversationID uuid.UUID, before model.Entry) (*model.Entry, error) {
	filter := bson.M{
		"conversationId": conversationID.String(),
		"channel":        string(model.ChannelHistory),
		"$or": bson.A{
			bson.M{"createdAt": bson.M{"$lt": before.CreatedAt}},
			bson.M{"createdAt": before.CreatedAt, "_id": bson.M{"$lt": before.ID.String()}},
		},
	}
	var d entryDoc
	err := r.entries.FindOne(ctx, filter,
		options.FindOne().SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}})).Decode(&d)
	if err != nil {
		return nil, mapErr(err)
	}
	e, err := fromEntryDoc(d)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *Repo) SetEntryIndexedContent(ctx context.Context, entryID, groupID uuid.UUID, indexedContent string) error {
	res, err := r.entries.UpdateOne(ctx,
		bson.M{"_id": entryID.String(), "conversationGroupId": groupID.String()},
		bson.M{"$set": bson.M{"indexedContent": indexedContent}})
	if err != nil {
		return mapErr(err)
	}
	if res.MatchedCount == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (r *Repo) SetEntryIndexedAt(ctx context.Context, entryID, groupID uuid.UUID, indexedAt time.Time) error {
	res, err := r.entries.UpdateOne(ctx,
		bson.M{"_id": entryID.String(), "conversationGroupId": groupID.String()},
		bson.M{"$set": bson.M{"indexedAt": indexedAt}})
	if err != nil {
		return mapErr(err)
	}
	if res.MatchedCount == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (r *Repo) ListUnindexedEntries(ctx context.Context, limit int) ([]model.Entry, error) {
	return r.findEntries(ctx,
		bson.M{"channel": string(model.ChannelHistory), "indexedContent": bson.M{"$exists": false}},
		options.Find().SetSort(entryOrder).SetLimit(int64(limit)))
}

func (r *Repo) ListEntriesPendingEmbedding(ctx context.Context, limit int) ([]model.Entry, error) {
	return r.findEntries(ctx,
		bson.M{"indexedContent": bson.M{"$exists": true}, "indexedAt": bson.M{"$exists": false}},
		options.Find().SetSort(entryOrder).SetLimit(int64(limit)))
}

func (r *Repo) SearchEntries(ctx context.Context, groupIDs []uuid.UUID, query string, limit int) ([]model.Entry, error) {
	filter := bson.M{
		"indexedContent": bson.M{"$regex": regexp.QuoteMeta(query), "$options": "i"},
	}
	if groupIDs != nil {
		ids := make([]string, len(groupIDs))
		for i, id := range groupIDs {
			ids[i] = id.String()
		}
		filter["conversationGroupId"] = bson.M{"$in": ids}
	}
	return r.findEntries(ctx, filter,
		options.Find().
			SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}).
			SetLimit(int64(limit)))
}

func (r *Repo) GroupIDsForUser(ctx context.Context, userID string) ([]uuid.UUID, error) {
	cursor, err := r.memberships.Find(ctx, bson.M{"userId": userID, "deletedAt": bson.M{"$exists": false}})
	if err != nil {
		return nil, mapErr(err)
	}
	var docs []membershipDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, mapErr(err)
	}
	out := make([]uuid.UUID, 0, len(docs))
	for _, d := range docs {
		id, err := uuid.Parse(d.ConversationGroupID)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

// --- Eviction ---

func (r *Repo) FindEvictableGroupIDs(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	cursor, err := r.groups.Find(ctx,
		bson.M{"deletedAt": bson.M{"$lt": cutoff}},
		options.Find().SetSort(bson.D{{Key: "deletedAt", Value: 1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, mapErr(err)
	}
	var docs []groupDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, mapErr(err)
	}
	out := make([]uuid.UUID, 0, len(docs))
	for _, d := range docs {
		id, err := uuid.Parse(d.ID)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

func (r *Repo) CountEvictableGroups(ctx context.Context, cutoff time.Time) (int64, error) {
	count, err := r.groups.CountDocuments(ctx, bson.M{"deletedAt": bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, mapErr(err)
	}
	return count, nil
}

func (r *Repo) HardDeleteGroups(ctx context.Context, groupIDs []uuid.UUID) error {
	if len(groupIDs) == 0 {
		return nil
	}
	ids := make([]string, len(groupIDs))
	for i, id := range groupIDs {
		ids[i] = id.String()
	}
	in := bson.M{"conversationGroupId": bson.M{"$in": ids}}
	if _, err := r.entries.DeleteMany(ctx, in); err != nil {
		return mapErr(err)
	}
	if _, err := r.memberships.DeleteMany(ctx, in); err != nil {
		return mapErr(err)
	}
	if _, err := r.transfers.DeleteMany(ctx, in); err != nil {
		return mapErr(err)
	}
	if _, err := r.convs.DeleteMany(ctx, in); err != nil {
		return mapErr(err)
	}
	_, err := r.groups.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	return mapErr(err)
}

func (r *Repo) HardDeleteExpiredMemberships(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.memberships.DeleteMany(ctx, bson.M{"deletedAt": bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, mapErr(err)
	}
	return res.DeletedCount, nil
}

// --- Tasks ---

func (r *Repo) CreateTask(ctx context.Context, t *model.Task) error {
	if t.TaskName != nil {
		// A partial unique index would race with concurrent creators; named
		// tasks are rare enough that the lookup-first approach suffices.
		count, err := r.tasks.CountDocuments(ctx, bson.M{"taskName": *t.TaskName})
		if err != nil {
			return mapErr(err)
		}
		if count > 0 {
			return repo.ErrDuplicate
		}
	}
	_, err := r.tasks.InsertOne(ctx, taskDoc{
		ID:         t.ID.String(),
		TaskName:   t.TaskName,
		TaskType:   t.TaskType,
		TaskBody:   t.TaskBody,
		CreatedAt:  t.CreatedAt,
		RetryAt:    t.RetryAt,
		RetryCount: t.RetryCount,
	})
	return mapErr(err)
}

func (r *Repo) ClaimReadyTasks(ctx context.Context, limit int, claimFor time.Duration) ([]model.Task, error) {
	now := time.Now()
	var out []model.Task
	for len(out) < limit {
		// FindOneAndUpdate claims one task atomically per iteration.
		var d taskDoc
		err := r.tasks.FindOneAndUpdate(ctx,
			bson.M{"retryAt": bson.M{"$lte": now}},
			bson.M{"$set": bson.M{"retryAt": now.Add(claimFor)}},
			options.FindOneAndUpdate().SetSort(bson.D{{Key: "retryAt", Value: 1}})).Decode(&d)
		if errors.Is(err, mongo.ErrNoDocuments) {
			break
		}
		if err != nil {
			return nil, mapErr(err)
		}
		id, err := uuid.Parse(d.ID)
		if err != nil {
			continue
		}
		out = append(out, model.Task{
			ID:         id,
			TaskName:   d.TaskName,
			TaskType:   d.TaskType,
			TaskBody:   d.TaskBody,
			CreatedAt:  d.CreatedAt,
			RetryAt:    now.Add(claimFor),
			LastError:  d.LastError,
			RetryCount: d.RetryCount,
		})
	}
	return out, nil
}

func (r *Repo) DeleteTask(ctx context.Context, id uuid.UUID) error {
	_, err := r.tasks.DeleteOne(ctx, bson.M{"_id": id.String()})
	return mapErr(err)
}

func (r *Repo) FailTask(ctx context.Context, id uuid.UUID, errMsg string, retryAt time.Time) error {
	res, err := r.tasks.UpdateOne(ctx,
		bson.M{"_id": id.String()},
		bson.M{"$set": bson.M{"retryAt": retryAt, "lastError": errMsg}, "$inc": bson.M{"retryCount": 1}})
	if err != nil {
		return mapErr(err)
	}
	if res.MatchedCount == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (r *Repo) Ping(ctx context.Context) error {
	return r.client.Ping(ctx, nil)
}
