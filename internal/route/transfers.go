package route

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/threadkeep/threadkeep/internal/repo"
	"github.com/threadkeep/threadkeep/internal/store"
)

func mountTransfers(g *gin.RouterGroup, deps Deps) {
	g.POST("/conversations/:conversationId/transfer", func(c *gin.Context) { createTransfer(c, deps.Store) })
	g.GET("/transfers", func(c *gin.Context) { listTransfers(c, deps.Store) })
	g.GET("/transfers/:transferId", func(c *gin.Context) { getTransfer(c, deps.Store) })
	g.POST("/transfers/:transferId/accept", func(c *gin.Context) { acceptTransfer(c, deps.Store) })
	g.POST("/transfers/:transferId/decline", func(c *gin.Context) { declineTransfer(c, deps.Store) })
}

func createTransfer(c *gin.Context, svc *store.Service) {
	convID, ok := pathUUID(c, "conversationId")
	if !ok {
		return
	}

	var req struct {
		ToUserID string `json:"toUserId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "invalid request body"})
		return
	}

	transfer, err := svc.CreateOwnershipTransfer(c.Request.Context(), convID, strings.TrimSpace(req.ToUserID))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, transfer)
}

func listTransfers(c *gin.Context, svc *store.Service) {
	role := repo.TransferRoleAll
	switch strings.ToLower(strings.TrimSpace(c.Query("role"))) {
	case "", "all":
	case "sender":
		role = repo.TransferRoleSender
	case "recipient":
		role = repo.TransferRoleRecipient
	default:
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "invalid role"})
		return
	}

	transfers, err := svc.ListOwnershipTransfers(c.Request.Context(), role)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": transfers})
}

func getTransfer(c *gin.Context, svc *store.Service) {
	transferID, ok := pathUUID(c, "transferId")
	if !ok {
		return
	}
	transfer, err := svc.GetOwnershipTransfer(c.Request.Context(), transferID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, transfer)
}

func acceptTransfer(c *gin.Context, svc *store.Service) {
	transferID, ok := pathUUID(c, "transferId")
	if !ok {
		return
	}
	if err := svc.AcceptOwnershipTransfer(c.Request.Context(), transferID); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func declineTransfer(c *gin.Context, svc *store.Service) {
	transferID, ok := pathUUID(c, "transferId")
	if !ok {
		return
	}
	if err := svc.DeclineOwnershipTransfer(c.Request.Context(), transferID); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
