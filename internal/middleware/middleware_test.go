package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"frame-index-go/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(m *token.JWTManager, logger *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(RequestLogger(logger))
	api := r.Group("/", AuthMiddleware(m))
	api.GET("/whoami", func(c *gin.Context) {
		claims, _ := ClaimsFrom(c)
		c.String(http.StatusOK, claims.Subject)
	})
	api.DELETE("/admin", AdminAuthMiddleware(), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return r
}

func do(r http.Handler, method, target, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware(t *testing.T) {
	m := token.NewJWTManager("secret", 1)
	r := newRouter(m, nil)
	tok, err := m.GenerateToken("svc")
	require.NoError(t, err)

	w := do(r, http.MethodGet, "/whoami", "Bearer "+tok)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "svc", w.Body.String())

	w = do(r, http.MethodGet, "/whoami?token="+tok, "")
	assert.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/whoami", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/whoami", "Token "+tok).Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/whoami", "Bearer nope").Code)
}

func TestAdminScope(t *testing.T) {
	m := token.NewJWTManager("secret", 1)
	r := newRouter(m, nil)

	user, err := m.GenerateToken("svc", token.ScopeIngest)
	require.NoError(t, err)
	admin, err := m.GenerateToken("ops", token.ScopeAdmin)
	require.NoError(t, err)

	assert.Equal(t, http.StatusForbidden, do(r, http.MethodDelete, "/admin", "Bearer "+user).Code)
	assert.Equal(t, http.StatusNoContent, do(r, http.MethodDelete, "/admin", "Bearer "+admin).Code)
}

func TestRequireScopeWithoutAuth(t *testing.T) {
	r := gin.New()
	r.GET("/x", RequireScope(token.ScopeSearch), func(c *gin.Context) { c.Status(http.StatusOK) })
	assert.Equal(t, http.StatusInternalServerError, do(r, http.MethodGet, "/x", "").Code)
}

func TestRequestLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	r := gin.New()
	r.Use(RequestLogger(zap.New(core).Sugar()))
	r.POST("/echo", func(c *gin.Context) {
		c.String(http.StatusOK, strings.Repeat("x", 3000))
	})

	req := httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(`{"name":"frame_01.jpg"}`))
	req.Header.Set(RequestIDHeader, "req-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "req-1", w.Header().Get(RequestIDHeader))
	assert.Len(t, w.Body.String(), 3000)
	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "req-1", fields["requestId"])
	assert.Equal(t, `{"name":"frame_01.jpg"}`, fields["requestBody"])
	assert.Len(t, fields["responseBody"], maxLoggedBody)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/echo", nil))
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
}
