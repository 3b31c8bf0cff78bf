package route_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/threadkeep/threadkeep/internal/config"
	"github.com/threadkeep/threadkeep/internal/crypto"
	"github.com/threadkeep/threadkeep/internal/repo/memory"
	"github.com/threadkeep/threadkeep/internal/resumer"
	"github.com/threadkeep/threadkeep/internal/route"
	"github.com/threadkeep/threadkeep/internal/store"
)

type testAPI struct {
	engine *gin.Engine
	store  *store.Service
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.Mode = config.ModeTesting
	codec, err := crypto.NewCodec(&cfg)
	require.NoError(t, err)

	svc := store.New(memory.New(), codec, nil)
	engine := gin.New()
	route.Mount(engine, route.Deps{
		Store:   svc,
		Resumer: resumer.Noop{},
		Config:  &cfg,
	})
	return &testAPI{engine: engine, store: svc}
}

// do issues a request as the given user and decodes the JSON reply.
func (a *testAPI) do(t *testing.T, userID, method, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
		req.Header.Set("X-Client-ID", "test-client")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	a.engine.ServeHTTP(rec, req)

	var out map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	}
	return rec.Code, out
}

// doAdmin issues a request with the admin header set, as the auth gateway
// would in a testing deployment.
func (a *testAPI) doAdmin(t *testing.T, method, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-User-ID", "root")
	req.Header.Set("X-Admin", "true")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	a.engine.ServeHTTP(rec, req)

	var out map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	}
	return rec.Code, out
}

func (a *testAPI) createConversation(t *testing.T, userID, title string) uuid.UUID {
	t.Helper()
	code, body := a.do(t, userID, http.MethodPost, "/v1/conversations", map[string]interface{}{"title": title})
	require.Equal(t, http.StatusCreated, code)
	id, err := uuid.Parse(body["id"].(string))
	require.NoError(t, err)
	return id
}

func TestConversationLifecycle(t *testing.T) {
	api := newTestAPI(t)
	convID := api.createConversation(t, "alice", "Trip planning")

	code, body := api.do(t, "alice", http.MethodGet, "/v1/conversations/"+convID.String(), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Trip planning", body["title"])
	assert.Equal(t, "alice", body["ownerUserId"])
	assert.Equal(t, "owner", body["accessLevel"])

	code, body = api.do(t, "alice", http.MethodPatch, "/v1/conversations/"+convID.String(),
		map[string]interface{}{"title": "Trip planning v2"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Trip planning v2", body["title"])

	code, body = api.do(t, "alice", http.MethodGet, "/v1/conversations", nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body["data"], 1)

	code, _ = api.do(t, "alice", http.MethodDelete, "/v1/conversations/"+convID.String(), nil)
	require.Equal(t, http.StatusNoContent, code)

	code, body = api.do(t, "alice", http.MethodGet, "/v1/conversations/"+convID.String(), nil)
	require.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", body["code"])
}

func TestForkCreationReturns200(t *testing.T) {
	api := newTestAPI(t)
	rootID := api.createConversation(t, "alice", "Root")

	code, body := api.do(t, "alice", http.MethodPost, "/v1/conversations", map[string]interface{}{
		"title":                  "Fork",
		"forkedAtConversationId": rootID.String(),
	})
	require.Equal(t, http.StatusOK, code, "fork of an existing group is not a new resource")
	assert.NotEqual(t, rootID.String(), body["id"])
	assert.Equal(t, rootID.String(), body["forkedAtConversationId"])
}

func TestConversationTitleTooLong(t *testing.T) {
	api := newTestAPI(t)
	long := make([]byte, 501)
	for i := range long {
		long[i] = 'x'
	}
	code, body := api.do(t, "alice", http.MethodPost, "/v1/conversations",
		map[string]interface{}{"title": string(long)})
	require.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "validation_error", body["code"])
}

func TestStrangersGetNotFound(t *testing.T) {
	api := newTestAPI(t)
	convID := api.createConversation(t, "alice", "Private")

	code, body := api.do(t, "mallory", http.MethodGet, "/v1/conversations/"+convID.String(), nil)
	require.Equal(t, http.StatusNotFound, code, "membership absence must not leak existence")
	assert.Equal(t, "not_found", body["code"])
}

func TestInvalidPathIDReadsAsNotFound(t *testing.T) {
	api := newTestAPI(t)
	code, body := api.do(t, "alice", http.MethodGet, "/v1/conversations/not-a-uuid", nil)
	require.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", body["code"])
}

func TestMissingIdentityIsForbidden(t *testing.T) {
	api := newTestAPI(t)
	code, _ := api.do(t, "", http.MethodGet, "/v1/conversations", nil)
	require.Equal(t, http.StatusForbidden, code)
}

func TestAppendAndListEntries(t *testing.T) {
	api := newTestAPI(t)
	convID := api.createConversation(t, "alice", "Chat")

	code, body := api.do(t, "alice", http.MethodPost, "/v1/conversations/"+convID.String()+"/entries",
		[]map[string]interface{}{
			{"channel": "history", "contentType": "text/plain", "content": "hello"},
			{"channel": "history", "contentType": "text/plain", "content": "world"},
		})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["created"])
	require.Len(t, body["data"], 2)

	code, body = api.do(t, "alice", http.MethodGet, "/v1/conversations/"+convID.String()+"/entries?channels=history", nil)
	require.Equal(t, http.StatusOK, code)
	entries := body["data"].([]interface{})
	require.Len(t, entries, 2)
	first := entries[0].(map[string]interface{})
	assert.Equal(t, "hello", first["content"])
	assert.Equal(t, "history", first["channel"])
}

func TestAppendAutoCreatesConversation(t *testing.T) {
	api := newTestAPI(t)
	convID := uuid.New()

	code, body := api.do(t, "alice", http.MethodPost, "/v1/conversations/"+convID.String()+"/entries",
		[]map[string]interface{}{
			{"channel": "history", "contentType": "text/plain", "content": "first message"},
		})
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, true, body["created"])
	assert.Equal(t, convID.String(), body["conversationId"])
}

func TestGetEntriesRejectsBadChannel(t *testing.T) {
	api := newTestAPI(t)
	convID := api.createConversation(t, "alice", "Chat")

	code, body := api.do(t, "alice", http.MethodGet, "/v1/conversations/"+convID.String()+"/entries?channels=bogus", nil)
	require.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "validation_error", body["code"])
}

func TestMemorySyncRoundTrip(t *testing.T) {
	api := newTestAPI(t)
	convID := api.createConversation(t, "alice", "Agent session")

	sync := map[string]interface{}{
		"channel":     "memory",
		"contentType": "application/json",
		"content":     map[string]interface{}{"facts": []interface{}{"likes go"}},
	}
	code, body := api.do(t, "alice", http.MethodPut, "/v1/conversations/"+convID.String()+"/memory", sync)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["changed"])

	// Replaying the same content is a no-op.
	code, body = api.do(t, "alice", http.MethodPut, "/v1/conversations/"+convID.String()+"/memory", sync)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["changed"])
}

func TestMembershipFlow(t *testing.T) {
	api := newTestAPI(t)
	convID := api.createConversation(t, "alice", "Shared")

	code, _ := api.do(t, "alice", http.MethodPost, "/v1/conversations/"+convID.String()+"/members",
		map[string]interface{}{"userId": "bob", "accessLevel": "reader"})
	require.Equal(t, http.StatusNoContent, code)

	// Bob can now read.
	code, _ = api.do(t, "bob", http.MethodGet, "/v1/conversations/"+convID.String(), nil)
	require.Equal(t, http.StatusOK, code)

	// But not write.
	code, _ = api.do(t, "bob", http.MethodPost, "/v1/conversations/"+convID.String()+"/entries",
		[]map[string]interface{}{{"channel": "history", "contentType": "text/plain", "content": "hi"}})
	require.Equal(t, http.StatusForbidden, code)

	code, _ = api.do(t, "alice", http.MethodPatch,
		fmt.Sprintf("/v1/conversations/%s/members/%s", convID, "bob"),
		map[string]interface{}{"accessLevel": "writer"})
	require.Equal(t, http.StatusNoContent, code)

	code, _ = api.do(t, "bob", http.MethodPost, "/v1/conversations/"+convID.String()+"/entries",
		[]map[string]interface{}{{"channel": "history", "contentType": "text/plain", "content": "hi"}})
	require.Equal(t, http.StatusOK, code)

	code, _ = api.do(t, "alice", http.MethodDelete,
		fmt.Sprintf("/v1/conversations/%s/members/%s", convID, "bob"), nil)
	require.Equal(t, http.StatusNoContent, code)

	code, _ = api.do(t, "bob", http.MethodGet, "/v1/conversations/"+convID.String(), nil)
	require.Equal(t, http.StatusNotFound, code)
}

func TestShareGrantsCoOwner(t *testing.T) {
	api := newTestAPI(t)
	convID := api.createConversation(t, "alice", "Shared")

	// Bootstrapping a co-owner through a plain share.
	code, _ := api.do(t, "alice", http.MethodPost, "/v1/conversations/"+convID.String()+"/members",
		map[string]interface{}{"userId": "bob", "accessLevel": "owner"})
	require.Equal(t, http.StatusNoContent, code)

	code, body := api.do(t, "bob", http.MethodGet, "/v1/conversations/"+convID.String(), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "owner", body["accessLevel"])
	// The recorded conversation owner is still the creator.
	assert.Equal(t, "alice", body["ownerUserId"])
}

func TestWriterCannotRenameConversation(t *testing.T) {
	api := newTestAPI(t)
	convID := api.createConversation(t, "alice", "Locked title")

	code, _ := api.do(t, "alice", http.MethodPost, "/v1/conversations/"+convID.String()+"/members",
		map[string]interface{}{"userId": "bob", "accessLevel": "writer"})
	require.Equal(t, http.StatusNoContent, code)

	code, body := api.do(t, "bob", http.MethodPatch, "/v1/conversations/"+convID.String(),
		map[string]interface{}{"title": "hijacked"})
	require.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "forbidden", body["code"])
}

func TestOwnershipTransferFlow(t *testing.T) {
	api := newTestAPI(t)
	convID := api.createConversation(t, "alice", "Handover")

	code, body := api.do(t, "alice", http.MethodPost, "/v1/conversations/"+convID.String()+"/transfer",
		map[string]interface{}{"toUserId": "bob"})
	require.Equal(t, http.StatusCreated, code)
	transferID := body["id"].(string)
	assert.Equal(t, "alice", body["fromUserId"])
	assert.Equal(t, "bob", body["toUserId"])

	code, body = api.do(t, "bob", http.MethodGet, "/v1/transfers?role=recipient", nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body["data"], 1)

	code, _ = api.do(t, "bob", http.MethodPost, "/v1/transfers/"+transferID+"/accept", nil)
	require.Equal(t, http.StatusNoContent, code)

	code, body = api.do(t, "bob", http.MethodGet, "/v1/conversations/"+convID.String(), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "bob", body["ownerUserId"])
	assert.Equal(t, "owner", body["accessLevel"])
}

func TestGetTransfer(t *testing.T) {
	api := newTestAPI(t)
	convID := api.createConversation(t, "alice", "Handover")

	code, _ := api.do(t, "alice", http.MethodPost, "/v1/conversations/"+convID.String()+"/members",
		map[string]interface{}{"userId": "bob", "accessLevel": "writer"})
	require.Equal(t, http.StatusNoContent, code)
	code, body := api.do(t, "alice", http.MethodPost, "/v1/conversations/"+convID.String()+"/transfer",
		map[string]interface{}{"toUserId": "bob"})
	require.Equal(t, http.StatusCreated, code)
	transferID := body["id"].(string)

	code, body = api.do(t, "bob", http.MethodGet, "/v1/transfers/"+transferID, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "alice", body["fromUserId"])
	assert.Equal(t, "bob", body["toUserId"])
	assert.Equal(t, convID.String(), body["conversationId"])

	// Uninvolved users cannot read it.
	code, _ = api.do(t, "mallory", http.MethodGet, "/v1/transfers/"+transferID, nil)
	require.Equal(t, http.StatusForbidden, code)
}

func TestTransferDecline(t *testing.T) {
	api := newTestAPI(t)
	convID := api.createConversation(t, "alice", "Handover")

	code, body := api.do(t, "alice", http.MethodPost, "/v1/conversations/"+convID.String()+"/transfer",
		map[string]interface{}{"toUserId": "bob"})
	require.Equal(t, http.StatusCreated, code)
	transferID := body["id"].(string)

	code, _ = api.do(t, "bob", http.MethodPost, "/v1/transfers/"+transferID+"/decline", nil)
	require.Equal(t, http.StatusNoContent, code)

	code, body = api.do(t, "alice", http.MethodGet, "/v1/conversations/"+convID.String(), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "alice", body["ownerUserId"])
}

func TestSearchRequiresQuery(t *testing.T) {
	api := newTestAPI(t)
	code, body := api.do(t, "alice", http.MethodGet, "/v1/search", nil)
	require.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "validation_error", body["code"])
}

func TestSearchFindsIndexedEntries(t *testing.T) {
	api := newTestAPI(t)
	convID := api.createConversation(t, "alice", "Notes")

	code, _ := api.do(t, "alice", http.MethodPost, "/v1/conversations/"+convID.String()+"/entries",
		[]map[string]interface{}{
			{"channel": "history", "contentType": "text/plain", "content": "the quick brown fox"},
		})
	require.Equal(t, http.StatusOK, code)

	// Search sees entries once their text has been extracted.
	_, err := api.store.IndexPendingEntries(context.Background(), 100)
	require.NoError(t, err)

	code, body := api.do(t, "alice", http.MethodGet, "/v1/search?q=quick", nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body["data"], 1)
}

func TestCancelResponseConflictsWhenResumerDisabled(t *testing.T) {
	api := newTestAPI(t)
	convID := api.createConversation(t, "alice", "Live")

	code, body := api.do(t, "alice", http.MethodDelete, "/v1/conversations/"+convID.String()+"/response", nil)
	require.Equal(t, http.StatusConflict, code)
	assert.Contains(t, body["error"], "disabled")
}

func TestReplayResponseConflictsWhenResumerDisabled(t *testing.T) {
	api := newTestAPI(t)
	convID := api.createConversation(t, "alice", "Live")

	code, _ := api.do(t, "alice", http.MethodGet, "/v1/conversations/"+convID.String()+"/response", nil)
	require.Equal(t, http.StatusConflict, code)
}

func TestReplayToleratesBadResumeFrom(t *testing.T) {
	api := newTestAPI(t)
	convID := api.createConversation(t, "alice", "Live")

	// A garbage resume position falls back to replaying from the start; the
	// request proceeds far enough to hit the disabled-resumer conflict
	// instead of being rejected outright.
	code, _ := api.do(t, "alice", http.MethodGet,
		"/v1/conversations/"+convID.String()+"/response?resumeFrom=banana", nil)
	require.Equal(t, http.StatusConflict, code)
}

func TestAdminListRequiresAdmin(t *testing.T) {
	api := newTestAPI(t)
	api.createConversation(t, "alice", "Secret")

	code, _ := api.do(t, "alice", http.MethodGet, "/v1/admin/conversations", nil)
	require.Equal(t, http.StatusForbidden, code)
}

func TestAdminRestoreFlow(t *testing.T) {
	api := newTestAPI(t)
	convID := api.createConversation(t, "alice", "Oops")

	code, _ := api.do(t, "alice", http.MethodDelete, "/v1/conversations/"+convID.String(), nil)
	require.Equal(t, http.StatusNoContent, code)

	req := httptest.NewRequest(http.MethodPost, "/v1/admin/conversations/"+convID.String()+"/restore", nil)
	req.Header.Set("X-User-ID", "root")
	req.Header.Set("X-Admin", "true")
	rec := httptest.NewRecorder()
	api.engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code, "body: %s", rec.Body.String())

	code, _ = api.do(t, "alice", http.MethodGet, "/v1/conversations/"+convID.String(), nil)
	require.Equal(t, http.StatusOK, code)
}

func TestAdminInspectionEndpoints(t *testing.T) {
	api := newTestAPI(t)
	convID := api.createConversation(t, "alice", "Incident review")

	code, _ := api.do(t, "alice", http.MethodPost, "/v1/conversations/"+convID.String()+"/entries",
		[]map[string]interface{}{
			{"channel": "history", "contentType": "text/plain", "content": "the pager went off at midnight"},
		})
	require.Equal(t, http.StatusOK, code)

	code, body := api.doAdmin(t, http.MethodGet, "/v1/admin/conversations/"+convID.String(), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "alice", body["ownerUserId"])

	code, body = api.doAdmin(t, http.MethodGet, "/v1/admin/conversations/"+convID.String()+"/entries", nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body["data"], 1)

	code, body = api.doAdmin(t, http.MethodGet, "/v1/admin/conversations/"+convID.String()+"/members", nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body["data"], 1)

	code, body = api.doAdmin(t, http.MethodPost, "/v1/admin/index?limit=50", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["indexed"])

	code, body = api.doAdmin(t, http.MethodGet, "/v1/admin/search?q=pager", nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body["data"], 1)

	// The same endpoints reject non-admin callers.
	code, _ = api.do(t, "alice", http.MethodGet, "/v1/admin/conversations/"+convID.String(), nil)
	require.Equal(t, http.StatusForbidden, code)
	code, _ = api.do(t, "alice", http.MethodGet, "/v1/admin/search?q=pager", nil)
	require.Equal(t, http.StatusForbidden, code)
}

func TestHealthAndReady(t *testing.T) {
	api := newTestAPI(t)

	for _, path := range []string{"/health", "/ready"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		api.engine.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}
