package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taoyao-code/ev-charge-server/internal/api/middleware"
	"github.com/taoyao-code/ev-charge-server/internal/coremodel"
	"github.com/taoyao-code/ev-charge-server/internal/service"
)

// SessionHandler 充电会话接口处理器
type SessionHandler struct {
	sessions *service.SessionManager
	logger   *zap.Logger
}

// NewSessionHandler 创建会话接口处理器
func NewSessionHandler(sessions *service.SessionManager, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{sessions: sessions, logger: logger}
}

// sessionView 会话对外视图
type sessionView struct {
	ID             int64   `json:"id"`
	OrderNo        string  `json:"orderNo"`
	StationID      int64   `json:"stationId"`
	PileID         int64   `json:"pileId"`
	StartedAt      string  `json:"startedAt"`
	EndedAt        string  `json:"endedAt,omitempty"`
	StartSoc       int32   `json:"startSoc"`
	EndSoc         *int32  `json:"endSoc,omitempty"`
	Mode           string  `json:"mode"`
	TargetValue    float64 `json:"targetValue"`
	EnergyKwh      float64 `json:"energyKwh"`
	DurationMin    int     `json:"durationMin"`
	ElectricityFee float64 `json:"electricityFee"`
	ServiceFee     float64 `json:"serviceFee"`
	TotalFee       float64 `json:"totalFee"`
	Status         string  `json:"status"`
	StatusText     string  `json:"statusText"`
	PaymentStatus  string  `json:"paymentStatus"`
	PaidAt         string  `json:"paidAt,omitempty"`
}

func toSessionView(s *coremodel.ChargingSession) sessionView {
	v := sessionView{
		ID:             s.ID,
		OrderNo:        s.OrderNo,
		StationID:      s.StationID,
		PileID:         s.PileID,
		StartedAt:      s.StartedAt.Format(time.RFC3339),
		StartSoc:       s.StartSoc,
		EndSoc:         s.EndSoc,
		Mode:           string(s.Mode),
		TargetValue:    s.TargetValue,
		EnergyKwh:      s.EnergyKwh,
		DurationMin:    s.DurationMin,
		ElectricityFee: s.ElectricityFee,
		ServiceFee:     s.ServiceFee,
		TotalFee:       s.TotalFee,
		Status:         string(s.Status),
		StatusText:     s.Status.Text(),
		PaymentStatus:  string(s.PaymentStatus),
	}
	if s.EndedAt != nil {
		v.EndedAt = s.EndedAt.Format(time.RFC3339)
	}
	if s.PaidAt != nil {
		v.PaidAt = s.PaidAt.Format(time.RFC3339)
	}
	return v
}

// startRequest 开始充电请求
type startRequest struct {
	PileID      int64   `json:"pileId" binding:"required"`
	Mode        string  `json:"mode" binding:"required"`
	TargetValue float64 `json:"targetValue"`
	StartSoc    int32   `json:"startSoc"`
}

// Start 开始充电
// POST /api/sessions
func (h *SessionHandler) Start(c *gin.Context) {
	userID, okAuth := middleware.UserID(c)
	if !okAuth {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "请求参数不合法")
		return
	}

	session, err := h.sessions.Start(c.Request.Context(), service.StartParams{
		UserID:      userID,
		PileID:      req.PileID,
		Mode:        coremodel.ChargeMode(req.Mode),
		TargetValue: req.TargetValue,
		StartSoc:    req.StartSoc,
	})
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	ok(c, toSessionView(session))
}

// endRequest 结束充电请求
type endRequest struct {
	EnergyKwh float64 `json:"energyKwh"`
	EndSoc    *int32  `json:"endSoc"`
}

// End 结束充电并结算
// POST /api/sessions/:id/end
func (h *SessionHandler) End(c *gin.Context) {
	userID, okAuth := middleware.UserID(c)
	if !okAuth {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	sessionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, "订单 ID 不合法")
		return
	}
	var req endRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "请求参数不合法")
		return
	}

	session, err := h.sessions.End(c.Request.Context(), service.EndParams{
		UserID:    userID,
		SessionID: sessionID,
		EnergyKwh: req.EnergyKwh,
		EndSoc:    req.EndSoc,
	})
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	ok(c, toSessionView(session))
}

// Cancel 取消充电
// POST /api/sessions/:id/cancel
func (h *SessionHandler) Cancel(c *gin.Context) {
	userID, okAuth := middleware.UserID(c)
	if !okAuth {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	sessionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, "订单 ID 不合法")
		return
	}

	session, err := h.sessions.Cancel(c.Request.Context(), userID, sessionID)
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	ok(c, toSessionView(session))
}

// payRequest 支付请求
type payRequest struct {
	Method string `json:"method" binding:"required"`
}

// Pay 支付订单
// POST /api/sessions/:id/pay
func (h *SessionHandler) Pay(c *gin.Context) {
	userID, okAuth := middleware.UserID(c)
	if !okAuth {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	sessionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, "订单 ID 不合法")
		return
	}
	var req payRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "请求参数不合法")
		return
	}

	payment, err := h.sessions.Pay(c.Request.Context(), userID, sessionID, req.Method)
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	ok(c, gin.H{
		"paymentNo":     payment.PaymentNo,
		"amount":        payment.Amount,
		"method":        payment.Method,
		"transactionId": payment.TransactionID,
		"paidAt":        payment.PaidAt.Format(time.RFC3339),
	})
}

// GetByOrder 按订单号查询订单详情
// GET /api/orders/:orderNo
func (h *SessionHandler) GetByOrder(c *gin.Context) {
	userID, okAuth := middleware.UserID(c)
	if !okAuth {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	orderNo := c.Param("orderNo")
	if orderNo == "" {
		badRequest(c, "订单号不合法")
		return
	}

	session, err := h.sessions.GetByOrderNo(c.Request.Context(), userID, orderNo)
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	ok(c, toSessionView(session))
}

// Get 订单详情
// GET /api/sessions/:id
func (h *SessionHandler) Get(c *gin.Context) {
	userID, okAuth := middleware.UserID(c)
	if !okAuth {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	sessionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, "订单 ID 不合法")
		return
	}

	session, err := h.sessions.Get(c.Request.Context(), userID, sessionID)
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	ok(c, toSessionView(session))
}

// List 订单列表
// GET /api/sessions?status=&limit=&offset=
func (h *SessionHandler) List(c *gin.Context) {
	userID, okAuth := middleware.UserID(c)
	if !okAuth {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var status *coremodel.SessionStatus
	if v := c.Query("status"); v != "" {
		s := coremodel.SessionStatus(v)
		status = &s
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	sessions, err := h.sessions.List(c.Request.Context(), userID, status, limit, offset)
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	views := make([]sessionView, 0, len(sessions))
	for i := range sessions {
		views = append(views, toSessionView(&sessions[i]))
	}
	ok(c, views)
}
