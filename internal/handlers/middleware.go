package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/apperrors"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/models"
)

// Identity headers set by the gateway after authentication.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
)

// requireUser rejects requests that arrive without an authenticated user.
func requireUser(c *gin.Context) {
	if c.GetHeader(HeaderUserID) == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing user identity"})
		return
	}
	c.Next()
}

// requireAdmin lets only authenticated admins through.
func requireAdmin(c *gin.Context) {
	if c.GetHeader(HeaderUserID) == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing user identity"})
		return
	}
	if _, role := requester(c); role != models.RoleAdmin {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin access required", "kind": apperrors.KindForbidden})
		return
	}
	c.Next()
}

func requester(c *gin.Context) (string, models.Role) {
	role := models.Role(c.GetHeader(HeaderUserRole))
	if role != models.RoleAdmin {
		role = models.RoleUser
	}
	return c.GetHeader(HeaderUserID), role
}

// writeError maps err to its status. Internal errors are logged and hidden.
func writeError(c *gin.Context, logger *zap.Logger, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error("❌ Request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": apperrors.KindOf(err)})
}

func pageFromQuery(c *gin.Context) models.Page {
	number, _ := strconv.Atoi(c.Query("page"))
	size, _ := strconv.Atoi(c.Query("pageSize"))
	return models.Page{Number: number, Size: size}
}
