package route

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/threadkeep/threadkeep/internal/model"
	"github.com/threadkeep/threadkeep/internal/store"
)

func mountMemberships(g *gin.RouterGroup, deps Deps) {
	g.GET("/conversations/:conversationId/members", func(c *gin.Context) { listMembers(c, deps.Store) })
	g.POST("/conversations/:conversationId/members", func(c *gin.Context) { shareConversation(c, deps.Store) })
	g.PATCH("/conversations/:conversationId/members/:userId", func(c *gin.Context) { updateMember(c, deps.Store) })
	g.DELETE("/conversations/:conversationId/members/:userId", func(c *gin.Context) { removeMember(c, deps.Store) })
}

func listMembers(c *gin.Context, svc *store.Service) {
	convID, ok := pathUUID(c, "conversationId")
	if !ok {
		return
	}
	members, err := svc.ListMembers(c.Request.Context(), convID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": members})
}

func shareConversation(c *gin.Context, svc *store.Service) {
	convID, ok := pathUUID(c, "conversationId")
	if !ok {
		return
	}

	var req struct {
		UserID      string `json:"userId"`
		AccessLevel string `json:"accessLevel"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "invalid request body"})
		return
	}
	level, ok := parseShareLevel(c, req.AccessLevel)
	if !ok {
		return
	}

	if err := svc.ShareConversation(c.Request.Context(), convID, strings.TrimSpace(req.UserID), level); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func updateMember(c *gin.Context, svc *store.Service) {
	convID, ok := pathUUID(c, "conversationId")
	if !ok {
		return
	}

	var req struct {
		AccessLevel string `json:"accessLevel"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "invalid request body"})
		return
	}
	level, ok := parseShareLevel(c, req.AccessLevel)
	if !ok {
		return
	}

	if err := svc.SetMemberAccessLevel(c.Request.Context(), convID, c.Param("userId"), level); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func removeMember(c *gin.Context, svc *store.Service) {
	convID, ok := pathUUID(c, "conversationId")
	if !ok {
		return
	}
	if err := svc.UnshareConversation(c.Request.Context(), convID, c.Param("userId")); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func parseShareLevel(c *gin.Context, raw string) (model.AccessLevel, bool) {
	switch level := model.AccessLevel(strings.ToLower(strings.TrimSpace(raw))); level {
	case model.AccessLevelOwner, model.AccessLevelManager, model.AccessLevelWriter, model.AccessLevelReader:
		return level, true
	default:
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "invalid accessLevel"})
		return "", false
	}
}
