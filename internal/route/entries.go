package route

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/threadkeep/threadkeep/internal/model"
	"github.com/threadkeep/threadkeep/internal/store"
)

func mountEntries(g *gin.RouterGroup, deps Deps) {
	g.GET("/conversations/:conversationId/entries", func(c *gin.Context) { getEntries(c, deps.Store) })
	g.POST("/conversations/:conversationId/entries", func(c *gin.Context) { appendEntries(c, deps.Store) })
	g.PUT("/conversations/:conversationId/memory", func(c *gin.Context) { syncMemory(c, deps.Store) })
}

func getEntries(c *gin.Context, svc *store.Service) {
	convID, ok := pathUUID(c, "conversationId")
	if !ok {
		return
	}
	afterCursor, ok := queryUUIDPtr(c, "afterCursor")
	if !ok {
		return
	}

	var channels []model.Channel
	if raw := strings.TrimSpace(c.Query("channels")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			switch ch := model.Channel(strings.TrimSpace(part)); ch {
			case model.ChannelHistory, model.ChannelMemory, model.ChannelTranscript:
				channels = append(channels, ch)
			case "":
			default:
				c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "invalid channel " + part})
				return
			}
		}
	}

	epochFilter, specificEpoch, err := store.ParseMemoryEpochFilter(c.Query("memoryEpoch"))
	if err != nil {
		handleError(c, err)
		return
	}

	page, err := svc.GetEntries(c.Request.Context(), convID, store.GetEntriesQuery{
		Channels:      channels,
		MemoryEpoch:   epochFilter,
		SpecificEpoch: specificEpoch,
		AllForks:      strings.EqualFold(strings.TrimSpace(c.Query("forks")), "all"),
		AfterID:       afterCursor,
		Limit:         queryInt(c, "limit", 100),
	})
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": page.Entries, "afterCursor": page.NextCursor})
}

func appendEntries(c *gin.Context, svc *store.Service) {
	convID, ok := pathUUID(c, "conversationId")
	if !ok {
		return
	}

	var reqs []store.CreateEntryRequest
	if err := c.ShouldBindJSON(&reqs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "invalid request body"})
		return
	}

	result, entries, err := svc.AppendEntries(c.Request.Context(), convID, reqs)
	if err != nil {
		handleError(c, err)
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{
		"conversationId": result.ConversationID,
		"created":        result.Created,
		"data":           entries,
	})
}

func syncMemory(c *gin.Context, svc *store.Service) {
	convID, ok := pathUUID(c, "conversationId")
	if !ok {
		return
	}

	var req store.CreateEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "invalid request body"})
		return
	}

	result, err := svc.SyncMemoryEntries(c.Request.Context(), convID, req)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
