package cerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapKeepsSentinelAndKind(t *testing.T) {
	err := Wrap(ErrStaleEntry, "queue entry %s", "1-20250615-001")

	if !errors.Is(err, ErrStaleEntry) {
		t.Error("包装后应仍能匹配哨兵错误")
	}
	if KindOf(err) != KindStale {
		t.Errorf("期望KindStale，实际: %v", KindOf(err))
	}
	if got := err.Error(); got != fmt.Sprintf("queue entry 1-20250615-001: %s", ErrStaleEntry.Error()) {
		t.Errorf("包装文案不符: %s", got)
	}
}

func TestKindOfNonBusinessError(t *testing.T) {
	if KindOf(errors.New("boom")) != KindInternal {
		t.Error("非业务错误应归为KindInternal")
	}
}
