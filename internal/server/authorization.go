package server

import (
	"strings"

	"github.com/gin-gonic/gin"
)

func (s *Server) authorizeAdmin(object string, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.authorizeAdminWithContext(c, object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

func (s *Server) authorizeAdminWithContext(c *gin.Context, object string, action string) error {
	actor, role, ok := adminFromContext(c)
	if !ok {
		return ErrUnauthorized
	}
	if s.authzSvc == nil {
		return ErrForbidden
	}
	return s.authzSvc.Authorize(c.Request.Context(), actor, role, strings.TrimSpace(object), strings.TrimSpace(action))
}

func adminFromContext(c *gin.Context) (string, string, bool) {
	if c == nil {
		return "", "", false
	}
	actor := c.GetString(contextActorKey)
	if actor == "" {
		return "", "", false
	}
	return actor, c.GetString(contextAdminRole), true
}

// actorName is the approver recorded on payments, e.g. "admin:ana".
func actorName(c *gin.Context) string {
	actor, _, ok := adminFromContext(c)
	if !ok {
		return ""
	}
	return actor
}
