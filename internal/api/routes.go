package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taoyao-code/ev-charge-server/internal/api/middleware"
	"github.com/taoyao-code/ev-charge-server/internal/clock"
	cfgpkg "github.com/taoyao-code/ev-charge-server/internal/config"
	"github.com/taoyao-code/ev-charge-server/internal/notify"
	"github.com/taoyao-code/ev-charge-server/internal/queue"
	"github.com/taoyao-code/ev-charge-server/internal/registry"
	"github.com/taoyao-code/ev-charge-server/internal/service"
	"github.com/taoyao-code/ev-charge-server/internal/storage/gormrepo"
)

// Deps 路由依赖集合
type Deps struct {
	Ledger   *queue.Ledger
	Sessions *service.SessionManager
	Registry *registry.PileRegistry
	Dir      *gormrepo.Repository
	Hub      *notify.Hub // 可为 nil
	Clock    clock.Clock
	AuthCfg  cfgpkg.AuthConfig
	RateCfg  cfgpkg.RateLimit
	Logger   *zap.Logger
}

// RegisterRoutes 注册全部业务路由
func RegisterRoutes(r *gin.Engine, d Deps) {
	if r == nil {
		return
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	queueHandler := NewQueueHandler(d.Ledger, d.Clock, logger)
	sessionHandler := NewSessionHandler(d.Sessions, logger)
	pileHandler := NewPileHandler(d.Registry, d.Dir, logger)
	stationHandler := NewStationHandler(d.Dir, logger)
	authHandler := NewAuthHandler(d.Dir, d.AuthCfg, d.Clock, logger)

	r.Use(middleware.CORS())
	if d.RateCfg.Enable {
		r.Use(middleware.NewRateLimiter(d.RateCfg).Handler())
	}

	// 注册登录（无需认证）
	auth := r.Group("/api/auth")
	auth.POST("/register", authHandler.Register)
	auth.POST("/login", authHandler.Login)

	// 业务路由组（需要认证）
	api := r.Group("/api")
	if d.AuthCfg.Enabled {
		api.Use(middleware.JWTAuth(d.AuthCfg, logger))
		logger.Info("api authentication enabled")
	} else {
		logger.Warn("api authentication disabled - only for development!")
	}

	// 站点与充电桩
	api.GET("/stations", stationHandler.List)
	api.GET("/stations/:id", stationHandler.Get)
	api.GET("/stations/:id/piles", pileHandler.ListByStation)
	api.GET("/stations/:id/queue", queueHandler.StationQueue)
	api.GET("/piles/:id", pileHandler.Get)
	api.POST("/piles/:id/fault", pileHandler.ReportFault)

	// 排队
	api.POST("/queue/join", queueHandler.Join)
	api.POST("/queue/leave", queueHandler.Leave)
	api.GET("/queue/status", queueHandler.Status)

	// 充电会话
	api.POST("/sessions", sessionHandler.Start)
	api.GET("/sessions", sessionHandler.List)
	api.GET("/sessions/:id", sessionHandler.Get)
	api.POST("/sessions/:id/end", sessionHandler.End)
	api.POST("/sessions/:id/cancel", sessionHandler.Cancel)
	api.POST("/sessions/:id/pay", sessionHandler.Pay)
	api.GET("/orders/:orderNo", sessionHandler.GetByOrder)

	// 事件推送
	if d.Hub != nil {
		api.GET("/ws", func(c *gin.Context) {
			userID, okAuth := middleware.UserID(c)
			if !okAuth {
				c.AbortWithStatus(401)
				return
			}
			d.Hub.HandleWS(c.Writer, c.Request, userID)
		})
	}

	logger.Info("api routes registered")
}
