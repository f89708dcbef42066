package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/taoyao-code/ev-charge-server/internal/api/middleware"
	"github.com/taoyao-code/ev-charge-server/internal/clock"
	cfgpkg "github.com/taoyao-code/ev-charge-server/internal/config"
	"github.com/taoyao-code/ev-charge-server/internal/storage/gormrepo"
	"github.com/taoyao-code/ev-charge-server/internal/storage/models"
)

// AuthHandler 注册登录接口处理器
type AuthHandler struct {
	dir    *gormrepo.Repository
	cfg    cfgpkg.AuthConfig
	clk    clock.Clock
	logger *zap.Logger
}

// NewAuthHandler 创建认证接口处理器
func NewAuthHandler(dir *gormrepo.Repository, cfg cfgpkg.AuthConfig, clk clock.Clock, logger *zap.Logger) *AuthHandler {
	if clk == nil {
		clk = clock.System()
	}
	return &AuthHandler{dir: dir, cfg: cfg, clk: clk, logger: logger}
}

// registerRequest 注册请求
type registerRequest struct {
	Username string `json:"username" binding:"required,min=3,max=50"`
	Password string `json:"password" binding:"required,min=6,max=64"`
	Phone    string `json:"phone"`
	Nickname string `json:"nickname"`
}

// Register 用户注册
// POST /api/auth/register
func (h *AuthHandler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "请求参数不合法")
		return
	}
	ctx := c.Request.Context()

	existing, err := h.dir.GetUserByUsername(ctx, req.Username)
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	if existing != nil {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": "用户名已被占用",
		})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		fail(c, h.logger, err)
		return
	}

	user := &models.User{
		Username:     req.Username,
		PasswordHash: string(hash),
	}
	if req.Phone != "" {
		user.Phone = &req.Phone
	}
	if req.Nickname != "" {
		user.Nickname = &req.Nickname
	}
	if err := h.dir.CreateUser(ctx, user); err != nil {
		fail(c, h.logger, err)
		return
	}

	h.logger.Info("user registered",
		zap.Int64("user_id", user.ID),
		zap.String("username", user.Username))
	ok(c, gin.H{"userId": user.ID})
}

// loginRequest 登录请求
type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login 用户登录，签发 JWT
// POST /api/auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "请求参数不合法")
		return
	}

	user, err := h.dir.GetUserByUsername(c.Request.Context(), req.Username)
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	if user == nil || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "用户名或密码错误",
		})
		return
	}

	token, err := middleware.IssueToken(h.cfg, user.ID, h.clk.Now())
	if err != nil {
		fail(c, h.logger, err)
		return
	}

	h.logger.Info("user logged in", zap.Int64("user_id", user.ID))
	ok(c, gin.H{
		"token":  token,
		"userId": user.ID,
	})
}
