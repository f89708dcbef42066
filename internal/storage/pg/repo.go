package pg

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taoyao-code/ev-charge-server/internal/coremodel"
	"github.com/taoyao-code/ev-charge-server/internal/storage"
)

// Repository 基于 pgx 的核心存储实现。
// 所有状态流转使用条件 UPDATE（WHERE status=...）实现 CAS 语义，
// 单条查询未命中统一返回 (nil, nil)。
type Repository struct {
	Pool *pgxpool.Pool
}

var _ storage.CoreRepo = (*Repository)(nil)

// NewRepository 创建存储实现
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{Pool: pool}
}

// ---------- 充电桩 ----------

const pileColumns = `id, station_id, pile_no, name, power_kw, status, health_score, total_charge_count, total_energy_kwh, updated_at`

func scanPile(row pgx.Row) (*coremodel.Pile, error) {
	var p coremodel.Pile
	err := row.Scan(&p.ID, &p.StationID, &p.PileNo, &p.Name, &p.PowerKw, &p.Status,
		&p.HealthScore, &p.TotalChargeCount, &p.TotalEnergyKwh, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *Repository) GetPile(ctx context.Context, pileID int64) (*coremodel.Pile, error) {
	const q = `SELECT ` + pileColumns + ` FROM charging_piles WHERE id = $1`
	return scanPile(r.Pool.QueryRow(ctx, q, pileID))
}

func (r *Repository) CASPileStatus(ctx context.Context, pileID int64, from, to coremodel.PileStatus) (bool, error) {
	const q = `UPDATE charging_piles SET status = $1, updated_at = NOW()
               WHERE id = $2 AND status = $3`
	tag, err := r.Pool.Exec(ctx, q, to, pileID, from)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) SetPileStatus(ctx context.Context, pileID int64, to coremodel.PileStatus) error {
	const q = `UPDATE charging_piles SET status = $1, updated_at = NOW() WHERE id = $2`
	_, err := r.Pool.Exec(ctx, q, to, pileID)
	return err
}

func (r *Repository) CountPilesByStatus(ctx context.Context, stationID int64, status coremodel.PileStatus) (int, error) {
	const q = `SELECT COUNT(*) FROM charging_piles WHERE station_id = $1 AND status = $2`
	var n int
	err := r.Pool.QueryRow(ctx, q, stationID, status).Scan(&n)
	return n, err
}

func (r *Repository) ListPilesByStation(ctx context.Context, stationID int64) ([]coremodel.Pile, error) {
	const q = `SELECT ` + pileColumns + ` FROM charging_piles
               WHERE station_id = $1 ORDER BY pile_no`
	rows, err := r.Pool.Query(ctx, q, stationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []coremodel.Pile
	for rows.Next() {
		var p coremodel.Pile
		if err := rows.Scan(&p.ID, &p.StationID, &p.PileNo, &p.Name, &p.PowerKw, &p.Status,
			&p.HealthScore, &p.TotalChargeCount, &p.TotalEnergyKwh, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *Repository) AddPileUsage(ctx context.Context, pileID int64, energyKwh float64) error {
	const q = `UPDATE charging_piles
               SET total_charge_count = total_charge_count + 1,
                   total_energy_kwh = total_energy_kwh + $1,
                   updated_at = NOW()
               WHERE id = $2`
	_, err := r.Pool.Exec(ctx, q, energyKwh, pileID)
	return err
}

// ---------- 排队 ----------

const entryColumns = `id, user_id, station_id, queue_no, position, estimated_wait, status, pile_id, joined_at, called_at, deadline`

func scanEntry(row pgx.Row) (*coremodel.QueueEntry, error) {
	var e coremodel.QueueEntry
	err := row.Scan(&e.ID, &e.UserID, &e.StationID, &e.QueueNo, &e.Position, &e.EstimatedWait,
		&e.Status, &e.PileID, &e.JoinedAt, &e.CalledAt, &e.Deadline)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *Repository) scanEntries(rows pgx.Rows) ([]coremodel.QueueEntry, error) {
	defer rows.Close()
	var out []coremodel.QueueEntry
	for rows.Next() {
		var e coremodel.QueueEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.StationID, &e.QueueNo, &e.Position, &e.EstimatedWait,
			&e.Status, &e.PileID, &e.JoinedAt, &e.CalledAt, &e.Deadline); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *Repository) InsertQueueEntry(ctx context.Context, e *coremodel.QueueEntry) error {
	const q = `INSERT INTO queue_entries
               (user_id, station_id, queue_no, position, estimated_wait, status, joined_at)
               VALUES ($1,$2,$3,$4,$5,$6,$7)
               RETURNING id`
	return r.Pool.QueryRow(ctx, q,
		e.UserID, e.StationID, e.QueueNo, e.Position, e.EstimatedWait, e.Status, e.JoinedAt).Scan(&e.ID)
}

func (r *Repository) GetQueueEntry(ctx context.Context, entryID int64) (*coremodel.QueueEntry, error) {
	const q = `SELECT ` + entryColumns + ` FROM queue_entries WHERE id = $1`
	return scanEntry(r.Pool.QueryRow(ctx, q, entryID))
}

func (r *Repository) ActiveEntryByUser(ctx context.Context, userID int64) (*coremodel.QueueEntry, error) {
	const q = `SELECT ` + entryColumns + ` FROM queue_entries
               WHERE user_id = $1 AND status IN ('queuing','called')
               ORDER BY joined_at, id LIMIT 1`
	return scanEntry(r.Pool.QueryRow(ctx, q, userID))
}

func (r *Repository) ActiveEntryByUserStation(ctx context.Context, userID, stationID int64) (*coremodel.QueueEntry, error) {
	const q = `SELECT ` + entryColumns + ` FROM queue_entries
               WHERE user_id = $1 AND station_id = $2 AND status IN ('queuing','called')
               ORDER BY joined_at, id LIMIT 1`
	return scanEntry(r.Pool.QueryRow(ctx, q, userID, stationID))
}

func (r *Repository) CountQueuing(ctx context.Context, stationID int64) (int, error) {
	const q = `SELECT COUNT(*) FROM queue_entries WHERE station_id = $1 AND status = 'queuing'`
	var n int
	err := r.Pool.QueryRow(ctx, q, stationID).Scan(&n)
	return n, err
}

func (r *Repository) CountQueuingBefore(ctx context.Context, stationID int64, joinedAt time.Time, entryID int64) (int, error) {
	const q = `SELECT COUNT(*) FROM queue_entries
               WHERE station_id = $1 AND status = 'queuing'
                 AND (joined_at < $2 OR (joined_at = $2 AND id < $3))`
	var n int
	err := r.Pool.QueryRow(ctx, q, stationID, joinedAt, entryID).Scan(&n)
	return n, err
}

func (r *Repository) CountJoinedBetween(ctx context.Context, stationID int64, from, to time.Time) (int, error) {
	const q = `SELECT COUNT(*) FROM queue_entries
               WHERE station_id = $1 AND joined_at >= $2 AND joined_at < $3`
	var n int
	err := r.Pool.QueryRow(ctx, q, stationID, from, to).Scan(&n)
	return n, err
}

func (r *Repository) FirstQueuing(ctx context.Context, stationID int64) (*coremodel.QueueEntry, error) {
	const q = `SELECT ` + entryColumns + ` FROM queue_entries
               WHERE station_id = $1 AND status = 'queuing'
               ORDER BY joined_at, id LIMIT 1`
	return scanEntry(r.Pool.QueryRow(ctx, q, stationID))
}

func (r *Repository) ListQueuing(ctx context.Context, stationID int64) ([]coremodel.QueueEntry, error) {
	const q = `SELECT ` + entryColumns + ` FROM queue_entries
               WHERE station_id = $1 AND status = 'queuing'
               ORDER BY joined_at, id`
	rows, err := r.Pool.Query(ctx, q, stationID)
	if err != nil {
		return nil, err
	}
	return r.scanEntries(rows)
}

func (r *Repository) ListCalledBefore(ctx context.Context, now time.Time) ([]coremodel.QueueEntry, error) {
	const q = `SELECT ` + entryColumns + ` FROM queue_entries
               WHERE status = 'called' AND deadline < $1
               ORDER BY deadline`
	rows, err := r.Pool.Query(ctx, q, now)
	if err != nil {
		return nil, err
	}
	return r.scanEntries(rows)
}

func (r *Repository) CallEntry(ctx context.Context, entryID, pileID int64, calledAt, deadline time.Time) (bool, error) {
	const q = `UPDATE queue_entries
               SET status = 'called', pile_id = $1, called_at = $2, deadline = $3, position = 0
               WHERE id = $4 AND status = 'queuing'`
	tag, err := r.Pool.Exec(ctx, q, pileID, calledAt, deadline, entryID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) CASQueueStatus(ctx context.Context, entryID int64, from, to coremodel.QueueStatus) (bool, error) {
	const q = `UPDATE queue_entries SET status = $1 WHERE id = $2 AND status = $3`
	tag, err := r.Pool.Exec(ctx, q, to, entryID, from)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) UpdateQueueRanks(ctx context.Context, stationID int64, ranks []storage.QueueRank) error {
	if len(ranks) == 0 {
		return nil
	}
	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const q = `UPDATE queue_entries SET position = $1, estimated_wait = $2
               WHERE id = $3 AND station_id = $4 AND status = 'queuing'`
	batch := &pgx.Batch{}
	for _, rk := range ranks {
		batch.Queue(q, rk.Position, rk.EstimatedWait, rk.EntryID, stationID)
	}
	br := tx.SendBatch(ctx, batch)
	for range ranks {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return err
		}
	}
	if err := br.Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ---------- 订单 ----------

const sessionColumns = `id, order_no, user_id, station_id, pile_id, started_at, ended_at,
       start_soc, end_soc, mode, target_value, energy_kwh, duration_min,
       electricity_fee, service_fee, total_fee, status, payment_status, payment_method, paid_at`

func scanSession(row pgx.Row) (*coremodel.ChargingSession, error) {
	var s coremodel.ChargingSession
	err := row.Scan(&s.ID, &s.OrderNo, &s.UserID, &s.StationID, &s.PileID, &s.StartedAt, &s.EndedAt,
		&s.StartSoc, &s.EndSoc, &s.Mode, &s.TargetValue, &s.EnergyKwh, &s.DurationMin,
		&s.ElectricityFee, &s.ServiceFee, &s.TotalFee, &s.Status, &s.PaymentStatus, &s.PaymentMethod, &s.PaidAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *Repository) InsertSession(ctx context.Context, s *coremodel.ChargingSession) error {
	const q = `INSERT INTO charging_sessions
               (order_no, user_id, station_id, pile_id, started_at, start_soc, mode, target_value, status, payment_status)
               VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
               RETURNING id`
	return r.Pool.QueryRow(ctx, q,
		s.OrderNo, s.UserID, s.StationID, s.PileID, s.StartedAt, s.StartSoc,
		s.Mode, s.TargetValue, s.Status, s.PaymentStatus).Scan(&s.ID)
}

func (r *Repository) GetSession(ctx context.Context, sessionID int64) (*coremodel.ChargingSession, error) {
	const q = `SELECT ` + sessionColumns + ` FROM charging_sessions WHERE id = $1`
	return scanSession(r.Pool.QueryRow(ctx, q, sessionID))
}

func (r *Repository) GetSessionByOrderNo(ctx context.Context, orderNo string) (*coremodel.ChargingSession, error) {
	const q = `SELECT ` + sessionColumns + ` FROM charging_sessions WHERE order_no = $1`
	return scanSession(r.Pool.QueryRow(ctx, q, orderNo))
}

func (r *Repository) ActiveSessionByUser(ctx context.Context, userID int64) (*coremodel.ChargingSession, error) {
	const q = `SELECT ` + sessionColumns + ` FROM charging_sessions
               WHERE user_id = $1 AND status = 'active' LIMIT 1`
	return scanSession(r.Pool.QueryRow(ctx, q, userID))
}

func (r *Repository) ActiveSessionByPile(ctx context.Context, pileID int64) (*coremodel.ChargingSession, error) {
	const q = `SELECT ` + sessionColumns + ` FROM charging_sessions
               WHERE pile_id = $1 AND status = 'active' LIMIT 1`
	return scanSession(r.Pool.QueryRow(ctx, q, pileID))
}

func (r *Repository) FinishSession(ctx context.Context, s *coremodel.ChargingSession) (bool, error) {
	const q = `UPDATE charging_sessions
               SET status = $1, ended_at = $2, end_soc = $3, energy_kwh = $4, duration_min = $5,
                   electricity_fee = $6, service_fee = $7, total_fee = $8
               WHERE id = $9 AND status = 'active'`
	tag, err := r.Pool.Exec(ctx, q,
		s.Status, s.EndedAt, s.EndSoc, s.EnergyKwh, s.DurationMin,
		s.ElectricityFee, s.ServiceFee, s.TotalFee, s.ID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) MarkSessionPaid(ctx context.Context, sessionID int64, method string, paidAt time.Time) (bool, error) {
	const q = `UPDATE charging_sessions
               SET payment_status = 'paid', payment_method = $1, paid_at = $2
               WHERE id = $3 AND status = 'completed' AND payment_status = 'unpaid'`
	tag, err := r.Pool.Exec(ctx, q, method, paidAt, sessionID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) ListSessionsByUser(ctx context.Context, userID int64, status *coremodel.SessionStatus, limit, offset int) ([]coremodel.ChargingSession, error) {
	var rows pgx.Rows
	var err error
	if status != nil {
		const q = `SELECT ` + sessionColumns + ` FROM charging_sessions
                   WHERE user_id = $1 AND status = $2
                   ORDER BY started_at DESC LIMIT $3 OFFSET $4`
		rows, err = r.Pool.Query(ctx, q, userID, *status, limit, offset)
	} else {
		const q = `SELECT ` + sessionColumns + ` FROM charging_sessions
                   WHERE user_id = $1
                   ORDER BY started_at DESC LIMIT $2 OFFSET $3`
		rows, err = r.Pool.Query(ctx, q, userID, limit, offset)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []coremodel.ChargingSession
	for rows.Next() {
		var s coremodel.ChargingSession
		if err := rows.Scan(&s.ID, &s.OrderNo, &s.UserID, &s.StationID, &s.PileID, &s.StartedAt, &s.EndedAt,
			&s.StartSoc, &s.EndSoc, &s.Mode, &s.TargetValue, &s.EnergyKwh, &s.DurationMin,
			&s.ElectricityFee, &s.ServiceFee, &s.TotalFee, &s.Status, &s.PaymentStatus, &s.PaymentMethod, &s.PaidAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ---------- 支付 ----------

func (r *Repository) InsertPayment(ctx context.Context, p *coremodel.Payment) error {
	const q = `INSERT INTO payments (session_id, payment_no, amount, method, transaction_id, paid_at)
               VALUES ($1,$2,$3,$4,$5,$6)
               RETURNING id`
	return r.Pool.QueryRow(ctx, q,
		p.SessionID, p.PaymentNo, p.Amount, p.Method, p.TransactionID, p.PaidAt).Scan(&p.ID)
}

func (r *Repository) GetPaymentBySession(ctx context.Context, sessionID int64) (*coremodel.Payment, error) {
	const q = `SELECT id, session_id, payment_no, amount, method, transaction_id, paid_at
               FROM payments WHERE session_id = $1`
	var p coremodel.Payment
	err := r.Pool.QueryRow(ctx, q, sessionID).Scan(
		&p.ID, &p.SessionID, &p.PaymentNo, &p.Amount, &p.Method, &p.TransactionID, &p.PaidAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
