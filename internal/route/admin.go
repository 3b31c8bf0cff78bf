package route

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/threadkeep/threadkeep/internal/store"
)

func mountAdmin(g *gin.RouterGroup, deps Deps) {
	g.GET("/admin/conversations", func(c *gin.Context) { adminListConversations(c, deps.Store) })
	g.GET("/admin/conversations/:conversationId", func(c *gin.Context) { adminGetConversation(c, deps.Store) })
	g.GET("/admin/conversations/:conversationId/entries", func(c *gin.Context) { adminGetEntries(c, deps.Store) })
	g.GET("/admin/conversations/:conversationId/members", func(c *gin.Context) { adminListMemberships(c, deps.Store) })
	g.GET("/admin/search", func(c *gin.Context) { adminSearchEntries(c, deps.Store) })
	g.POST("/admin/index", func(c *gin.Context) { adminIndexEntries(c, deps.Store) })
	g.POST("/admin/conversations/:conversationId/restore", func(c *gin.Context) { adminRestoreConversation(c, deps.Store) })
	g.DELETE("/admin/conversations/:conversationId", func(c *gin.Context) { adminPurgeConversation(c, deps.Store) })
}

func adminGetConversation(c *gin.Context, svc *store.Service) {
	convID, ok := pathUUID(c, "conversationId")
	if !ok {
		return
	}
	conv, err := svc.AdminGetConversation(c.Request.Context(), convID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func adminGetEntries(c *gin.Context, svc *store.Service) {
	convID, ok := pathUUID(c, "conversationId")
	if !ok {
		return
	}
	afterID, ok := queryUUIDPtr(c, "afterCursor")
	if !ok {
		return
	}
	page, err := svc.AdminGetEntries(c.Request.Context(), convID, afterID, queryInt(c, "limit", 100))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": page.Entries, "afterCursor": page.NextCursor})
}

func adminListMemberships(c *gin.Context, svc *store.Service) {
	convID, ok := pathUUID(c, "conversationId")
	if !ok {
		return
	}
	members, err := svc.AdminListMemberships(c.Request.Context(), convID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": members})
}

func adminSearchEntries(c *gin.Context, svc *store.Service) {
	results, err := svc.AdminSearchEntries(c.Request.Context(), c.Query("q"), queryInt(c, "limit", 20))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": results})
}

func adminIndexEntries(c *gin.Context, svc *store.Service) {
	indexed, err := svc.AdminIndexEntries(c.Request.Context(), queryInt(c, "limit", 100))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"indexed": indexed})
}

func adminListConversations(c *gin.Context, svc *store.Service) {
	deletedAfter, ok := queryTimePtr(c, "deletedAfter")
	if !ok {
		return
	}
	deletedBefore, ok := queryTimePtr(c, "deletedBefore")
	if !ok {
		return
	}

	conversations, err := svc.AdminListConversations(c.Request.Context(), store.AdminConversationQuery{
		OwnerUserID:    strings.TrimSpace(c.Query("owner")),
		IncludeDeleted: strings.EqualFold(c.Query("includeDeleted"), "true"),
		OnlyDeleted:    strings.EqualFold(c.Query("onlyDeleted"), "true"),
		DeletedAfter:   deletedAfter,
		DeletedBefore:  deletedBefore,
	})
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": conversations})
}

func adminRestoreConversation(c *gin.Context, svc *store.Service) {
	convID, ok := pathUUID(c, "conversationId")
	if !ok {
		return
	}
	if err := svc.AdminRestoreConversation(c.Request.Context(), convID); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func adminPurgeConversation(c *gin.Context, svc *store.Service) {
	convID, ok := pathUUID(c, "conversationId")
	if !ok {
		return
	}
	if err := svc.AdminPurgeConversation(c.Request.Context(), convID); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func queryTimePtr(c *gin.Context, key string) (*time.Time, bool) {
	v := strings.TrimSpace(c.Query(key))
	if v == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "invalid " + key})
		return nil, false
	}
	return &t, true
}
