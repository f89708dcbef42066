package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taoyao-code/ev-charge-server/internal/coremodel"
)

func activeSession(userID, pileID int64, orderNo string) *coremodel.ChargingSession {
	return &coremodel.ChargingSession{
		OrderNo:       orderNo,
		UserID:        userID,
		StationID:     1,
		PileID:        pileID,
		StartedAt:     time.Now(),
		Mode:          coremodel.ChargeModeFull,
		Status:        coremodel.SessionStatusActive,
		PaymentStatus: coremodel.PaymentStatusUnpaid,
	}
}

func TestInsertSessionActiveUniqueness(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.InsertSession(ctx, activeSession(101, 1, "CO1")))

	err := s.InsertSession(ctx, activeSession(101, 2, "CO2"))
	assert.Error(t, err, "同一用户不可同时有两条进行中会话")

	err = s.InsertSession(ctx, activeSession(102, 1, "CO3"))
	assert.Error(t, err, "同一桩不可同时有两条进行中会话")

	// 其他用户在其他桩不受影响
	require.NoError(t, s.InsertSession(ctx, activeSession(102, 2, "CO4")))
}

func TestInsertSessionTerminalDoesNotBlock(t *testing.T) {
	ctx := context.Background()
	s := New()

	first := activeSession(101, 1, "CO1")
	require.NoError(t, s.InsertSession(ctx, first))

	ended := time.Now()
	first.EndedAt = &ended
	first.Status = coremodel.SessionStatusCompleted
	ok, err := s.FinishSession(ctx, first)
	require.NoError(t, err)
	require.True(t, ok)

	// 结束后同一用户同一桩可再次开始
	require.NoError(t, s.InsertSession(ctx, activeSession(101, 1, "CO2")))
}
