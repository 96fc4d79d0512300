package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// AdminKeyHeader carries the admin API key.
const AdminKeyHeader = "X-Admin-Key"

// AbortFunc writes an error response and aborts the request.
type AbortFunc func(c *gin.Context, status int, code, message string)

// AdminKeyAuth checks the X-Admin-Key header against a bcrypt hash.
// With no hash configured every admin request is forbidden.
func AdminKeyAuth(keyHash string, abort AbortFunc) gin.HandlerFunc {
	hash := []byte(strings.TrimSpace(keyHash))

	return func(c *gin.Context) {
		if len(hash) == 0 {
			abort(c, http.StatusForbidden, "forbidden", "Admin access is not configured.")
			return
		}

		key := strings.TrimSpace(c.GetHeader(AdminKeyHeader))
		if key == "" {
			abort(c, http.StatusUnauthorized, "unauthorized", "Missing admin key.")
			return
		}

		if bcrypt.CompareHashAndPassword(hash, []byte(key)) != nil {
			abort(c, http.StatusUnauthorized, "unauthorized", "Invalid admin key.")
			return
		}

		c.Next()
	}
}
