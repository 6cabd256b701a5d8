package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Kopilov/carabiserver/internal/middleware"
	"github.com/Kopilov/carabiserver/internal/service"
)

type permissionResponse struct {
	Sysname        string `json:"sysname"`
	DisplayName    string `json:"displayName"`
	DefaultGranted bool   `json:"defaultGranted"`
}

// UserPermissions lists the permissions the session owner holds; an
// optional parent query narrows the answer to that permission's subtree.
func (h HandlerSet) UserPermissions(c *gin.Context) {
	sess, ok := middleware.CurrentSession(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	held, err := h.permService.UserPermissions(c.Request.Context(), sess.User(), c.Query("parent"))
	if err != nil {
		if errors.Is(err, service.ErrNoSuchPermission) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no_such_permission"})
			return
		}
		h.log.Error().Err(err).Msg("list permissions failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_server_error"})
		return
	}

	out := make([]permissionResponse, 0, len(held))
	for _, p := range held {
		out = append(out, permissionResponse{
			Sysname:        p.Sysname,
			DisplayName:    p.DisplayName,
			DefaultGranted: p.DefaultGranted,
		})
	}
	c.JSON(http.StatusOK, gin.H{"permissions": out})
}

func (h HandlerSet) HasPermission(c *gin.Context) {
	sess, ok := middleware.CurrentSession(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	allowed, err := sess.HasPermission(c.Request.Context(), c.Param("sysname"))
	if err != nil {
		if errors.Is(err, service.ErrNoSuchPermission) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no_such_permission"})
			return
		}
		h.log.Error().Err(err).Msg("permission check failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_server_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"allowed": allowed})
}
