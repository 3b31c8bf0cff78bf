package route

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/threadkeep/threadkeep/internal/store"
)

func mountSearch(g *gin.RouterGroup, deps Deps) {
	g.GET("/search", func(c *gin.Context) { searchEntries(c, deps.Store) })
}

func searchEntries(c *gin.Context, svc *store.Service) {
	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "q is required"})
		return
	}

	results, err := svc.SearchEntries(c.Request.Context(), query, queryInt(c, "limit", 20))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": results})
}
