// Package cerr 定义核心业务错误。
// 每种失败对应一个哨兵错误，调用方用 errors.Is 判断；
// Kind 为稳定分类，供 API 层映射 HTTP 状态码。
package cerr

import (
	"errors"
	"fmt"
)

// Kind 错误分类
type Kind string

const (
	KindNotFound     Kind = "not_found"     // 资源不存在
	KindConflict     Kind = "conflict"      // 资源竞争/重复操作
	KindInvalidState Kind = "invalid_state" // 当前状态不允许该操作
	KindForbidden    Kind = "forbidden"     // 无权操作
	KindStale        Kind = "stale"         // 状态流转竞争失败
	KindInternal     Kind = "internal"      // 内部错误
)

// Error 携带分类的业务错误
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return e.Message }

// New 构造业务错误
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap 在哨兵错误上附加上下文，errors.Is 仍可匹配哨兵
func Wrap(sentinel error, format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, sentinel)...)
}

// 哨兵错误定义。文案面向用户，分类面向程序。
var (
	ErrStationNotFound = New(KindNotFound, "充电站不存在")
	ErrPileNotFound    = New(KindNotFound, "充电桩不存在")
	ErrSessionNotFound = New(KindNotFound, "订单不存在")

	ErrPileUnavailable      = New(KindConflict, "充电桩不可用")
	ErrPileBusy             = New(KindConflict, "该充电桩正在使用中")
	ErrAlreadyQueuing       = New(KindConflict, "您已在该站点排队，请勿重复排队")
	ErrPileAvailable        = New(KindConflict, "当前有空闲充电桩，无需排队，请直接开始充电")
	ErrSessionAlreadyActive = New(KindConflict, "您有正在进行的充电订单，请先结束后再开始新的充电")
	ErrAlreadyPaid          = New(KindConflict, "订单已支付")
	ErrStationClosed        = New(KindConflict, "该充电站暂停营业")

	ErrSessionNotActive    = New(KindInvalidState, "订单不在进行中，无法操作")
	ErrSessionNotCompleted = New(KindInvalidState, "只能支付已完成的订单")
	ErrNotQueuing          = New(KindInvalidState, "您当前没有排队记录")

	ErrNotOwner = New(KindForbidden, "无权操作此订单")

	ErrStaleEntry = New(KindStale, "记录状态已变化，请重试")
)

// KindOf 提取错误分类；非业务错误归为 internal
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
