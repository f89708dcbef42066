package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/ev-charge-server/internal/config"
)

var testAuthCfg = cfgpkg.AuthConfig{Enabled: true, JWTSecret: "unit-test-secret", TokenTTL: time.Hour}

func TestTokenRoundTrip(t *testing.T) {
	token, err := IssueToken(testAuthCfg, 42, time.Now())
	require.NoError(t, err)

	userID, err := ParseToken(testAuthCfg, token)
	require.NoError(t, err, "签发的令牌应能通过校验")
	assert.Equal(t, int64(42), userID)
}

func TestParseTokenRejections(t *testing.T) {
	now := time.Now()

	t.Run("密钥不符", func(t *testing.T) {
		token, err := IssueToken(testAuthCfg, 42, now)
		require.NoError(t, err)
		other := testAuthCfg
		other.JWTSecret = "another-secret"
		_, err = ParseToken(other, token)
		assert.Error(t, err, "密钥不符的令牌应被拒绝")
	})

	t.Run("令牌过期", func(t *testing.T) {
		token, err := IssueToken(testAuthCfg, 42, now.Add(-2*time.Hour))
		require.NoError(t, err)
		_, err = ParseToken(testAuthCfg, token)
		assert.Error(t, err, "过期令牌应被拒绝")
	})

	t.Run("非法令牌", func(t *testing.T) {
		_, err := ParseToken(testAuthCfg, "not-a-jwt")
		assert.Error(t, err)
	})
}

func newAuthTestRouter(cfg cfgpkg.AuthConfig) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(JWTAuth(cfg, zap.NewNop()))
	r.GET("/whoami", func(c *gin.Context) {
		userID, ok := UserID(c)
		if !ok {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "missing user"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"userId": userID})
	})
	return r
}

func TestJWTAuthMiddleware(t *testing.T) {
	r := newAuthTestRouter(testAuthCfg)

	t.Run("无令牌拒绝", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("Bearer头放行", func(t *testing.T) {
		token, err := IssueToken(testAuthCfg, 7, time.Now())
		require.NoError(t, err)
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"userId":7`)
	})

	t.Run("查询参数token放行", func(t *testing.T) {
		token, err := IssueToken(testAuthCfg, 7, time.Now())
		require.NoError(t, err)
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/whoami?token="+token, nil)
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code, "websocket升级场景经查询参数携带令牌")
	})

	t.Run("认证关闭时放行但无用户", func(t *testing.T) {
		r := newAuthTestRouter(cfgpkg.AuthConfig{Enabled: false})
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}
