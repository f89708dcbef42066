// Package clock 提供可注入的时钟抽象。
// 峰谷平电价、叫号截止时间、过号清理等所有时间逻辑统一依赖本接口，保证可测试。
package clock

import (
	"sync"
	"time"
)

// Clock 时钟接口
type Clock interface {
	Now() time.Time
}

// SystemClock 系统墙钟
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// System 返回系统时钟
func System() Clock { return SystemClock{} }

// Mock 测试用可控时钟
type Mock struct {
	mu  sync.RWMutex
	now time.Time
}

// NewMock 创建固定在 t 的时钟
func NewMock(t time.Time) *Mock {
	return &Mock{now: t}
}

func (m *Mock) Now() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now
}

// Set 直接设置当前时间
func (m *Mock) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

// Advance 前进 d
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}
