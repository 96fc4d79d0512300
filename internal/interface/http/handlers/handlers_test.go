package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/eduplatform/xp-engine/internal/domain/shared"
)

func TestHealthChecker(t *testing.T) {
	h := NewHealthChecker("test")
	h.AddCheck("database", func(context.Context) error { return nil }, true)
	h.AddCheck("redis", func(context.Context) error { return errors.New("dial tcp: refused") }, false)

	status := h.Check(context.Background())
	assert.True(t, status.Ready)
	assert.True(t, status.Degraded)
	assert.Equal(t, "Some checks failed: redis", status.Message)
	assert.Equal(t, "unavailable", status.Checks["redis"].Message)

	h.AddCheck("database", func(context.Context) error { return shared.ErrStoreUnavailable }, true)
	status = h.Check(context.Background())
	assert.False(t, status.Ready)
	assert.Equal(t, "The service is temporarily unavailable. Please try again later.", status.Checks["database"].Message)
}

func TestHealthChecker_Timeout(t *testing.T) {
	h := NewHealthChecker("test")
	h.SetTimeout(20 * time.Millisecond)
	h.AddCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, true)

	status := h.Check(context.Background())
	assert.False(t, status.Ready)
	assert.Equal(t, "All checks passed", NewHealthChecker("x").Check(context.Background()).Message)
}

func TestAdminKeyAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)

	hash, err := bcrypt.GenerateFromPassword([]byte("open-sesame"), bcrypt.MinCost)
	require.NoError(t, err)

	abort := func(c *gin.Context, status int, code, _ string) {
		c.AbortWithStatusJSON(status, gin.H{"code": code})
	}

	newRouter := func(keyHash string) *gin.Engine {
		r := gin.New()
		r.GET("/admin", AdminKeyAuth(keyHash, abort), func(c *gin.Context) { c.Status(http.StatusNoContent) })
		return r
	}

	cases := []struct {
		name   string
		hash   string
		key    string
		status int
	}{
		{"valid key", string(hash), "open-sesame", http.StatusNoContent},
		{"missing key", string(hash), "", http.StatusUnauthorized},
		{"wrong key", string(hash), "guess", http.StatusUnauthorized},
		{"not configured", "", "open-sesame", http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin", nil)
			if tc.key != "" {
				req.Header.Set(AdminKeyHeader, tc.key)
			}
			w := httptest.NewRecorder()
			newRouter(tc.hash).ServeHTTP(w, req)
			assert.Equal(t, tc.status, w.Code)
		})
	}
}
