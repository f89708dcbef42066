package health

import (
	"context"
	"time"

	"github.com/taoyao-code/ev-charge-server/internal/queue"
)

// SweeperChecker 过号清理器健康检查器，暴露清理统计
type SweeperChecker struct {
	sweeper *queue.ExpirySweeper
}

// NewSweeperChecker 创建清理器健康检查器
func NewSweeperChecker(sweeper *queue.ExpirySweeper) *SweeperChecker {
	return &SweeperChecker{sweeper: sweeper}
}

// Name 返回检查器名称
func (c *SweeperChecker) Name() string {
	return "expiry_sweeper"
}

// Check 执行健康检查。清理器无外部依赖，始终健康，仅附带运行统计。
func (c *SweeperChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	return CheckResult{
		Status:  StatusHealthy,
		Message: "ok",
		Details: c.sweeper.Stats(),
		Latency: time.Since(start),
	}
}
