package main

import (
	"os"

	"go.uber.org/zap"

	"github.com/taoyao-code/ev-charge-server/internal/app/bootstrap"
	cfgpkg "github.com/taoyao-code/ev-charge-server/internal/config"
	"github.com/taoyao-code/ev-charge-server/internal/logging"
)

func main() {
	// 1) 加载配置
	cfg, err := cfgpkg.Load("")
	if err != nil {
		panic(err)
	}

	// 2) 初始化日志
	logger, err := logging.InitLogger(cfg.Logging)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)
	log := zap.L()

	// 3) 启动服务
	if err := bootstrap.Run(cfg, log); err != nil {
		log.Error("server exited with error", zap.Error(err))
		os.Exit(1)
	}
}
