package route

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/threadkeep/threadkeep/internal/model"
	"github.com/threadkeep/threadkeep/internal/store"
)

const maxTitleLength = 500

func mountConversations(g *gin.RouterGroup, deps Deps) {
	g.GET("/conversations", func(c *gin.Context) { listConversations(c, deps.Store) })
	g.POST("/conversations", func(c *gin.Context) { createConversation(c, deps.Store) })
	g.GET("/conversations/:conversationId", func(c *gin.Context) { getConversation(c, deps.Store) })
	g.PATCH("/conversations/:conversationId", func(c *gin.Context) { updateConversation(c, deps.Store) })
	g.DELETE("/conversations/:conversationId", func(c *gin.Context) { deleteConversation(c, deps.Store) })
}

func listConversations(c *gin.Context, svc *store.Service) {
	afterCursor, ok := queryUUIDPtr(c, "afterCursor")
	if !ok {
		return
	}

	mode := model.ConversationListMode(strings.TrimSpace(c.DefaultQuery("mode", string(model.ListModeLatestFork))))
	switch mode {
	case model.ListModeAll, model.ListModeRoots, model.ListModeLatestFork:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "invalid mode"})
		return
	}

	page, err := svc.ListConversations(c.Request.Context(), store.ListConversationsQuery{
		Mode:        mode,
		TitleFilter: strings.TrimSpace(c.Query("query")),
		AfterID:     afterCursor,
		Limit:       queryInt(c, "limit", 20),
	})
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": page.Conversations, "afterCursor": page.NextCursor})
}

func createConversation(c *gin.Context, svc *store.Service) {
	var req store.CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "invalid request body"})
		return
	}
	if len(req.Title) > maxTitleLength {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "title too long"})
		return
	}

	conv, err := svc.CreateConversation(c.Request.Context(), req)
	if err != nil {
		handleError(c, err)
		return
	}

	// Forks attach to an existing group, so they read as an update of the
	// tree rather than a new resource.
	status := http.StatusCreated
	if req.ForkedAtConversationID != nil {
		status = http.StatusOK
	}
	c.JSON(status, conv)
}

func getConversation(c *gin.Context, svc *store.Service) {
	convID, ok := pathUUID(c, "conversationId")
	if !ok {
		return
	}
	conv, err := svc.GetConversation(c.Request.Context(), convID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func updateConversation(c *gin.Context, svc *store.Service) {
	convID, ok := pathUUID(c, "conversationId")
	if !ok {
		return
	}

	var req struct {
		Title    *string                `json:"title"`
		Metadata map[string]interface{} `json:"metadata"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "invalid request body"})
		return
	}
	if req.Title != nil && len(*req.Title) > maxTitleLength {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "title too long"})
		return
	}

	conv, err := svc.UpdateConversation(c.Request.Context(), convID, req.Title, req.Metadata)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func deleteConversation(c *gin.Context, svc *store.Service) {
	convID, ok := pathUUID(c, "conversationId")
	if !ok {
		return
	}
	if err := svc.DeleteConversation(c.Request.Context(), convID); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
