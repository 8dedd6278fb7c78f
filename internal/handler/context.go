package handler

import (
	"backend/internal/model"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// currentUserID returns the authenticated user's id set by RequireRole.
func currentUserID(c *gin.Context) (uuid.UUID, bool) {
	raw, exists := c.Get("userID")
	if !exists {
		return uuid.Nil, false
	}
	idStr, ok := raw.(string)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// isAdmin reports whether the authenticated caller holds the admin role.
func isAdmin(c *gin.Context) bool {
	role, _ := c.Get("userRole")
	roleStr, _ := role.(string)
	return roleStr == model.RoleAdmin
}
