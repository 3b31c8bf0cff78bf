package route

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/threadkeep/threadkeep/internal/model"
	"github.com/threadkeep/threadkeep/internal/resumer"
	"github.com/threadkeep/threadkeep/internal/store"
)

func mountResponse(g *gin.RouterGroup, deps Deps) {
	g.GET("/conversations/:conversationId/response", func(c *gin.Context) { replayResponse(c, deps) })
	g.DELETE("/conversations/:conversationId/response", func(c *gin.Context) { cancelResponse(c, deps) })
}

// replayResponse streams the in-progress response from the requested byte
// position, then follows it live until it completes.
func replayResponse(c *gin.Context, deps Deps) {
	convID, ok := pathUUID(c, "conversationId")
	if !ok {
		return
	}

	// resumeFrom is best effort: anything unparseable or negative replays
	// from the start.
	var resumeFrom int64
	if raw := strings.TrimSpace(c.Query("resumeFrom")); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil && v > 0 {
			resumeFrom = v
		}
	}

	// Access check first so strangers get the same 404 as a missing
	// conversation.
	if _, err := deps.Store.GetConversation(c.Request.Context(), convID); err != nil {
		handleError(c, err)
		return
	}
	if !deps.Resumer.Enabled(c.Request.Context()) {
		c.JSON(http.StatusConflict, gin.H{"error": "response resumer disabled"})
		return
	}

	tokens, err := deps.Resumer.Replay(c.Request.Context(), convID, resumeFrom)
	if err != nil {
		if errors.Is(err, resumer.ErrNoRecording) {
			c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "no response in progress"})
			return
		}
		handleError(c, err)
		return
	}

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)
	c.Stream(func(w io.Writer) bool {
		token, open := <-tokens
		if !open {
			return false
		}
		_, _ = w.Write([]byte(token))
		return true
	})
}

func cancelResponse(c *gin.Context, deps Deps) {
	convID, ok := pathUUID(c, "conversationId")
	if !ok {
		return
	}

	conv, err := deps.Store.GetConversation(c.Request.Context(), convID)
	if err != nil {
		handleError(c, err)
		return
	}
	if !conv.AccessLevel.IsAtLeast(model.AccessLevelWriter) {
		handleError(c, store.NewForbiddenError("writer access required"))
		return
	}
	if !deps.Resumer.Enabled(c.Request.Context()) {
		c.JSON(http.StatusConflict, gin.H{"error": "response resumer disabled"})
		return
	}

	if err := deps.Resumer.RequestCancel(c.Request.Context(), convID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.Status(http.StatusOK)
}
