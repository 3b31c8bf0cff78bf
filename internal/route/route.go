// Package route mounts the HTTP surface: a thin JSON layer over the
// domain Service plus the operational endpoints. Authentication itself is
// out of scope; identity arrives on trusted headers and is resolved into
// the context capability the Service reads.
package route

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/threadkeep/threadkeep/internal/config"
	"github.com/threadkeep/threadkeep/internal/identity"
	"github.com/threadkeep/threadkeep/internal/resumer"
	"github.com/threadkeep/threadkeep/internal/store"
)

const (
	headerUserID   = "X-User-ID"
	headerClientID = "X-Client-ID"
	headerAdmin    = "X-Admin"
)

// Deps carries everything the HTTP surface needs.
type Deps struct {
	Store   *store.Service
	Resumer resumer.ResponseResumer
	Config  *config.Config
}

// Mount attaches all API routes to the engine.
func Mount(r *gin.Engine, deps Deps) {
	mountSystem(r, deps)

	auth := identityMiddleware(deps.Config)
	v1 := r.Group("/v1", auth)

	mountConversations(v1, deps)
	mountEntries(v1, deps)
	mountMemberships(v1, deps)
	mountTransfers(v1, deps)
	mountSearch(v1, deps)
	mountResponse(v1, deps)
	mountAdmin(v1, deps)
}

// identityMiddleware resolves caller identity from headers into the
// request context. The admin flag is honored only in testing mode; in
// prod it must come from the deployment's auth gateway, which replaces
// this middleware's trust decisions entirely.
func identityMiddleware(cfg *config.Config) gin.HandlerFunc {
	testing := cfg != nil && cfg.Mode == config.ModeTesting
	return func(c *gin.Context) {
		id := identity.Identity{
			UserID:   strings.TrimSpace(c.GetHeader(headerUserID)),
			ClientID: strings.TrimSpace(c.GetHeader(headerClientID)),
		}
		if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			id.BearerToken = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		}
		if testing {
			id.Admin = strings.EqualFold(strings.TrimSpace(c.GetHeader(headerAdmin)), "true")
		}
		c.Request = c.Request.WithContext(identity.WithContext(c.Request.Context(), id))
		c.Next()
	}
}

// handleError maps domain errors onto the HTTP status contract.
func handleError(c *gin.Context, err error) {
	var notFound *store.NotFoundError
	var validation *store.ValidationError
	var conflict *store.ConflictError
	var forbidden *store.ForbiddenError

	switch {
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": err.Error()})
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error()})
	case errors.As(err, &conflict):
		body := gin.H{"error": err.Error()}
		if conflict.Code != "" {
			body["code"] = conflict.Code
		}
		if len(conflict.Details) > 0 {
			body["details"] = conflict.Details
		}
		c.JSON(http.StatusConflict, body)
	case errors.As(err, &forbidden):
		c.JSON(http.StatusForbidden, gin.H{"code": "forbidden", "error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func pathUUID(c *gin.Context, key string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(key))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": key + " not found"})
		return uuid.Nil, false
	}
	return id, true
}

func queryUUIDPtr(c *gin.Context, key string) (*uuid.UUID, bool) {
	v := strings.TrimSpace(c.Query(key))
	if v == "" {
		return nil, true
	}
	id, err := uuid.Parse(v)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "invalid " + key})
		return nil, false
	}
	return &id, true
}

func queryInt(c *gin.Context, key string, def int) int {
	v := strings.TrimSpace(c.Query(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}
