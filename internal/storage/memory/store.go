// Package memory 提供 CoreRepo 的内存实现。
// 用于单元测试与无数据库的开发模式，CAS 语义与 pg 实现保持一致。
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/taoyao-code/ev-charge-server/internal/coremodel"
	"github.com/taoyao-code/ev-charge-server/internal/storage"
)

// Store 内存存储
type Store struct {
	mu sync.RWMutex

	nextEntryID   int64
	nextSessionID int64
	nextPaymentID int64

	piles    map[int64]*coremodel.Pile
	entries  map[int64]*coremodel.QueueEntry
	sessions map[int64]*coremodel.ChargingSession
	payments map[int64]*coremodel.Payment
	stations map[int64]*storage.StationInfo

	stationAvailable map[int64]int
}

// New 创建空的内存存储
func New() *Store {
	return &Store{
		piles:            make(map[int64]*coremodel.Pile),
		entries:          make(map[int64]*coremodel.QueueEntry),
		sessions:         make(map[int64]*coremodel.ChargingSession),
		payments:         make(map[int64]*coremodel.Payment),
		stations:         make(map[int64]*storage.StationInfo),
		stationAvailable: make(map[int64]int),
	}
}

var (
	_ storage.CoreRepo         = (*Store)(nil)
	_ storage.StationDirectory = (*Store)(nil)
)

// ---------- 测试/开发数据装载 ----------

// AddStation 登记站点
func (s *Store) AddStation(info storage.StationInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := info
	s.stations[info.ID] = &cp
}

// AddPile 登记充电桩
func (s *Store) AddPile(p coremodel.Pile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := p
	s.piles[p.ID] = &cp
}

// ---------- 充电桩 ----------

func (s *Store) GetPile(_ context.Context, pileID int64) (*coremodel.Pile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.piles[pileID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *Store) CASPileStatus(_ context.Context, pileID int64, from, to coremodel.PileStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.piles[pileID]
	if !ok {
		return false, nil
	}
	if p.Status != from {
		return false, nil
	}
	p.Status = to
	p.UpdatedAt = time.Now()
	return true, nil
}

func (s *Store) SetPileStatus(_ context.Context, pileID int64, to coremodel.PileStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.piles[pileID]; ok {
		p.Status = to
		p.UpdatedAt = time.Now()
	}
	return nil
}

func (s *Store) CountPilesByStatus(_ context.Context, stationID int64, status coremodel.PileStatus) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, p := range s.piles {
		if p.StationID == stationID && p.Status == status {
			n++
		}
	}
	return n, nil
}

func (s *Store) ListPilesByStation(_ context.Context, stationID int64) ([]coremodel.Pile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []coremodel.Pile
	for _, p := range s.piles {
		if p.StationID == stationID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) AddPileUsage(_ context.Context, pileID int64, energyKwh float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.piles[pileID]; ok {
		p.TotalChargeCount++
		p.TotalEnergyKwh += energyKwh
	}
	return nil
}

// ---------- 排队 ----------

func (s *Store) InsertQueueEntry(_ context.Context, e *coremodel.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextEntryID++
	e.ID = s.nextEntryID
	cp := *e
	s.entries[e.ID] = &cp
	return nil
}

func (s *Store) GetQueueEntry(_ context.Context, entryID int64) (*coremodel.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[entryID]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (s *Store) ActiveEntryByUser(_ context.Context, userID int64) (*coremodel.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.UserID == userID && e.Status.Active() {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Store) ActiveEntryByUserStation(_ context.Context, userID, stationID int64) (*coremodel.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.UserID == userID && e.StationID == stationID && e.Status.Active() {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Store) CountQueuing(_ context.Context, stationID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.entries {
		if e.StationID == stationID && e.Status == coremodel.QueueStatusQueuing {
			n++
		}
	}
	return n, nil
}

func (s *Store) CountQueuingBefore(_ context.Context, stationID int64, joinedAt time.Time, entryID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.entries {
		if e.StationID != stationID || e.Status != coremodel.QueueStatusQueuing {
			continue
		}
		if e.JoinedAt.Before(joinedAt) || (e.JoinedAt.Equal(joinedAt) && e.ID < entryID) {
			n++
		}
	}
	return n, nil
}

func (s *Store) CountJoinedBetween(_ context.Context, stationID int64, from, to time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.entries {
		if e.StationID != stationID {
			continue
		}
		if !e.JoinedAt.Before(from) && e.JoinedAt.Before(to) {
			n++
		}
	}
	return n, nil
}

func (s *Store) FirstQueuing(_ context.Context, stationID int64) (*coremodel.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var first *coremodel.QueueEntry
	for _, e := range s.entries {
		if e.StationID != stationID || e.Status != coremodel.QueueStatusQueuing {
			continue
		}
		if first == nil || e.JoinedAt.Before(first.JoinedAt) ||
			(e.JoinedAt.Equal(first.JoinedAt) && e.ID < first.ID) {
			first = e
		}
	}
	if first == nil {
		return nil, nil
	}
	cp := *first
	return &cp, nil
}

func (s *Store) ListQueuing(_ context.Context, stationID int64) ([]coremodel.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []coremodel.QueueEntry
	for _, e := range s.entries {
		if e.StationID == stationID && e.Status == coremodel.QueueStatusQueuing {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out, nil
}

func (s *Store) ListCalledBefore(_ context.Context, now time.Time) ([]coremodel.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []coremodel.QueueEntry
	for _, e := range s.entries {
		if e.Status == coremodel.QueueStatusCalled && e.Deadline != nil && e.Deadline.Before(now) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CallEntry(_ context.Context, entryID, pileID int64, calledAt, deadline time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[entryID]
	if !ok || e.Status != coremodel.QueueStatusQueuing {
		return false, nil
	}
	e.Status = coremodel.QueueStatusCalled
	e.PileID = &pileID
	ca := calledAt
	dl := deadline
	e.CalledAt = &ca
	e.Deadline = &dl
	e.Position = 0
	return true, nil
}

func (s *Store) CASQueueStatus(_ context.Context, entryID int64, from, to coremodel.QueueStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[entryID]
	if !ok || e.Status != from {
		return false, nil
	}
	e.Status = to
	return true, nil
}

func (s *Store) UpdateQueueRanks(_ context.Context, stationID int64, ranks []storage.QueueRank) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range ranks {
		if e, ok := s.entries[r.EntryID]; ok && e.StationID == stationID {
			e.Position = r.Position
			e.EstimatedWait = r.EstimatedWait
		}
	}
	return nil
}

// ---------- 订单 ----------

func (s *Store) InsertSession(_ context.Context, sess *coremodel.ChargingSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// 与 pg 的部分唯一索引对齐：同一用户/同一桩最多一条进行中会话
	if sess.Status == coremodel.SessionStatusActive {
		for _, existing := range s.sessions {
			if existing.Status != coremodel.SessionStatusActive {
				continue
			}
			if existing.UserID == sess.UserID {
				return fmt.Errorf("insert session: active session exists for user %d", sess.UserID)
			}
			if existing.PileID == sess.PileID {
				return fmt.Errorf("insert session: active session exists for pile %d", sess.PileID)
			}
		}
	}
	s.nextSessionID++
	sess.ID = s.nextSessionID
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *Store) GetSession(_ context.Context, sessionID int64) (*coremodel.ChargingSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	cp := *sess
	return &cp, nil
}

func (s *Store) GetSessionByOrderNo(_ context.Context, orderNo string) (*coremodel.ChargingSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.OrderNo == orderNo {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Store) ActiveSessionByUser(_ context.Context, userID int64) (*coremodel.ChargingSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.Status == coremodel.SessionStatusActive {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Store) ActiveSessionByPile(_ context.Context, pileID int64) (*coremodel.ChargingSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.PileID == pileID && sess.Status == coremodel.SessionStatusActive {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Store) FinishSession(_ context.Context, sess *coremodel.ChargingSession) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sessions[sess.ID]
	if !ok || cur.Status != coremodel.SessionStatusActive {
		return false, nil
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	return true, nil
}

func (s *Store) MarkSessionPaid(_ context.Context, sessionID int64, method string, paidAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return false, nil
	}
	if sess.Status != coremodel.SessionStatusCompleted || sess.PaymentStatus != coremodel.PaymentStatusUnpaid {
		return false, nil
	}
	sess.PaymentStatus = coremodel.PaymentStatusPaid
	m := method
	pa := paidAt
	sess.PaymentMethod = &m
	sess.PaidAt = &pa
	return true, nil
}

func (s *Store) ListSessionsByUser(_ context.Context, userID int64, status *coremodel.SessionStatus, limit, offset int) ([]coremodel.ChargingSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []coremodel.ChargingSession
	for _, sess := range s.sessions {
		if sess.UserID != userID {
			continue
		}
		if status != nil && sess.Status != *status {
			continue
		}
		all = append(all, *sess)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].StartedAt.After(all[j].StartedAt) })
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

// ---------- 支付 ----------

func (s *Store) InsertPayment(_ context.Context, p *coremodel.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextPaymentID++
	p.ID = s.nextPaymentID
	cp := *p
	s.payments[p.ID] = &cp
	return nil
}

func (s *Store) GetPaymentBySession(_ context.Context, sessionID int64) (*coremodel.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.payments {
		if p.SessionID == sessionID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

// ---------- 站点目录 ----------

func (s *Store) GetStation(_ context.Context, stationID int64) (*storage.StationInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stations[stationID]
	if !ok {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

func (s *Store) SetStationAvailable(_ context.Context, stationID int64, available int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stationAvailable[stationID] = available
	return nil
}

// StationAvailable 读取回写的可用桩数（测试辅助）
func (s *Store) StationAvailable(stationID int64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stationAvailable[stationID]
}
