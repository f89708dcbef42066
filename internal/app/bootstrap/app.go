// Package bootstrap 承载服务的统一启动流程。
package bootstrap

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/ev-charge-server/internal/api"
	"github.com/taoyao-code/ev-charge-server/internal/clock"
	cfgpkg "github.com/taoyao-code/ev-charge-server/internal/config"
	"github.com/taoyao-code/ev-charge-server/internal/health"
	"github.com/taoyao-code/ev-charge-server/internal/httpserver"
	"github.com/taoyao-code/ev-charge-server/internal/metrics"
	"github.com/taoyao-code/ev-charge-server/internal/migrate"
	"github.com/taoyao-code/ev-charge-server/internal/notify"
	"github.com/taoyao-code/ev-charge-server/internal/queue"
	"github.com/taoyao-code/ev-charge-server/internal/registry"
	"github.com/taoyao-code/ev-charge-server/internal/rewards"
	"github.com/taoyao-code/ev-charge-server/internal/service"
	"github.com/taoyao-code/ev-charge-server/internal/storage/gormrepo"
	pgstorage "github.com/taoyao-code/ev-charge-server/internal/storage/pg"
	redisstorage "github.com/taoyao-code/ev-charge-server/internal/storage/redis"
)

// Run 统一启动流程：依赖按序就绪后再接流量
func Run(cfg *cfgpkg.Config, log *zap.Logger) error {
	log.Info("starting ev charge server",
		zap.String("env", cfg.App.Env))

	// ========== 阶段1: 基础组件 ==========
	reg := metrics.NewRegistry()
	appm := metrics.NewAppMetrics(reg)
	metricsHandler := metrics.Handler(reg)
	clk := clock.System()

	pricing, err := service.NewPricingEngineFromConfig(cfg.Pricing)
	if err != nil {
		log.Error("pricing config invalid", zap.Error(err))
		return err
	}

	// ========== 阶段2: 数据库（阻塞等待，失败直接返回）==========
	ctx := context.Background()
	dbpool, err := pgstorage.NewPool(ctx, cfg.Database.DSN,
		cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime, log)
	if err != nil {
		log.Error("database initialization failed", zap.Error(err))
		return err
	}
	defer dbpool.Close()

	if cfg.Database.AutoMigrate {
		if err := (migrate.Runner{Dir: cfg.Database.MigrationsDir}).Up(ctx, dbpool); err != nil {
			log.Error("db migrate error", zap.Error(err))
			return err
		}
		log.Info("db migrations applied")
	}
	log.Info("database ready", zap.String("dsn", maskDSN(cfg.Database.DSN)))

	gormDB, err := gormrepo.Open(cfg.Database.DSN)
	if err != nil {
		log.Error("gorm initialization failed", zap.Error(err))
		return err
	}
	dir := gormrepo.New(gormDB)
	repo := pgstorage.NewRepository(dbpool)

	// ========== 阶段3: Redis（可选）==========
	var cache registry.AvailableCache
	var redisClient *redisstorage.Client
	if cfg.Redis.Enabled {
		redisClient, err = redisstorage.NewClient(cfg.Redis)
		if err != nil {
			log.Error("redis initialization failed", zap.Error(err))
			return err
		}
		defer redisClient.Close()
		cache = redisstorage.NewAvailableCache(redisClient)
		log.Info("redis initialized")
	}

	// ========== 阶段4: 核心引擎 ==========
	var hub *notify.Hub
	var notifier queue.Notifier
	if cfg.Notify.Enabled {
		hub = notify.NewHub(log)
		notifier = hub
	}

	pileReg := registry.New(repo, dir, cache, appm, log)
	ledger := queue.NewLedger(repo, dir, pileReg, clk, cfg.Queue, notifier, appm, log)

	var rewardsClient service.RewardsCollaborator
	if cfg.Rewards.Enabled {
		rewardsClient = rewards.NewClient(cfg.Rewards, log)
		log.Info("rewards collaborator enabled")
	}
	sessions := service.NewSessionManager(repo, pileReg, ledger, pricing, rewardsClient, clk, appm, log)

	sweeper := queue.NewExpirySweeper(ledger, pileReg, cfg.Queue.SweepInterval, log)
	sweepCtx, sweepCancel := context.WithCancel(ctx)
	defer sweepCancel()
	go sweeper.Start(sweepCtx)
	log.Info("expiry sweeper started")

	// ========== 阶段5: HTTP 服务 ==========
	healthAgg := health.NewAggregator(
		health.NewDatabaseChecker(dbpool),
		health.NewSweeperChecker(sweeper),
	)
	if redisClient != nil {
		healthAgg.AddChecker(health.NewRedisChecker(redisClient))
	}

	readyFn := func() bool { return healthAgg.Ready(context.Background()) }
	httpSrv := httpserver.New(cfg.HTTP, cfg.Metrics.Path, metricsHandler, readyFn)

	health.RegisterHTTPRoutes(httpSrv.Engine(), healthAgg)
	api.RegisterRoutes(httpSrv.Engine(), api.Deps{
		Ledger:   ledger,
		Sessions: sessions,
		Registry: pileReg,
		Dir:      dir,
		Hub:      hub,
		Clock:    clk,
		AuthCfg:  cfg.Auth,
		RateCfg:  cfg.HTTP.RateLimit,
		Logger:   log,
	})

	go func() {
		if err := httpSrv.Start(); err != nil {
			log.Error("http server error", zap.Error(err))
		}
	}()
	log.Info("http server started", zap.String("addr", cfg.HTTP.Addr))
	log.Info("all services ready")

	// ========== 阶段6: 等待关闭信号 ==========
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("received shutdown signal, gracefully shutting down...")
	sweepCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	log.Info("http server stopped")

	log.Info("shutdown complete")
	return nil
}

// maskDSN 脱敏数据库连接字符串（隐藏密码）
func maskDSN(dsn string) string {
	if idx := strings.Index(dsn, "@"); idx > 0 {
		if pwdIdx := strings.LastIndex(dsn[:idx], ":"); pwdIdx > 0 {
			return dsn[:pwdIdx+1] + "****" + dsn[idx:]
		}
	}
	return dsn
}
