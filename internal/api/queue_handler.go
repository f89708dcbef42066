package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taoyao-code/ev-charge-server/internal/api/middleware"
	"github.com/taoyao-code/ev-charge-server/internal/clock"
	"github.com/taoyao-code/ev-charge-server/internal/coremodel"
	"github.com/taoyao-code/ev-charge-server/internal/queue"
)

// 叫号状态下，距截止不足该时长视为"即将过号"
const expireSoonWindow = 5 * time.Minute

// QueueHandler 排队接口处理器
type QueueHandler struct {
	ledger *queue.Ledger
	clk    clock.Clock
	logger *zap.Logger
}

// NewQueueHandler 创建排队接口处理器
func NewQueueHandler(ledger *queue.Ledger, clk clock.Clock, logger *zap.Logger) *QueueHandler {
	if clk == nil {
		clk = clock.System()
	}
	return &QueueHandler{ledger: ledger, clk: clk, logger: logger}
}

// entryView 排队记录对外视图
type entryView struct {
	QueueNo       string `json:"queueNo"`
	StationID     int64  `json:"stationId"`
	Position      int    `json:"position"`
	PeopleAhead   int    `json:"peopleAhead"`
	EstimatedWait int    `json:"estimatedWait"`
	Status        string `json:"status"`
	StatusText    string `json:"statusText"`
	PileID        *int64 `json:"pileId,omitempty"`
	JoinedAt      string `json:"joinedAt"`
	CalledAt      string `json:"calledAt,omitempty"`
	Deadline      string `json:"deadline,omitempty"`
	WillExpire    bool   `json:"willExpireSoon"`
}

func (h *QueueHandler) toView(e *coremodel.QueueEntry) entryView {
	v := entryView{
		QueueNo:       e.QueueNo,
		StationID:     e.StationID,
		Position:      e.Position,
		EstimatedWait: e.EstimatedWait,
		Status:        string(e.Status),
		StatusText:    e.Status.Text(),
		PileID:        e.PileID,
		JoinedAt:      e.JoinedAt.Format(time.RFC3339),
	}
	if e.Position > 0 {
		v.PeopleAhead = e.Position - 1
	}
	if e.CalledAt != nil {
		v.CalledAt = e.CalledAt.Format(time.RFC3339)
	}
	if e.Deadline != nil {
		v.Deadline = e.Deadline.Format(time.RFC3339)
		if e.Status == coremodel.QueueStatusCalled {
			v.WillExpire = e.Deadline.Sub(h.clk.Now()) <= expireSoonWindow
		}
	}
	return v
}

// joinRequest 加入排队请求
type joinRequest struct {
	StationID int64 `json:"stationId" binding:"required"`
}

// Join 加入站点排队
// POST /api/queue/join
func (h *QueueHandler) Join(c *gin.Context) {
	userID, okAuth := middleware.UserID(c)
	if !okAuth {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "请求参数不合法")
		return
	}

	entry, err := h.ledger.Join(c.Request.Context(), userID, req.StationID)
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	ok(c, h.toView(entry))
}

// Leave 取消排队
// POST /api/queue/leave
func (h *QueueHandler) Leave(c *gin.Context) {
	userID, okAuth := middleware.UserID(c)
	if !okAuth {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	if err := h.ledger.Leave(c.Request.Context(), userID); err != nil {
		fail(c, h.logger, err)
		return
	}
	ok(c, gin.H{"left": true})
}

// Status 查询本人排队状态（位置与预计等待实时重算）
// GET /api/queue/status
func (h *QueueHandler) Status(c *gin.Context) {
	userID, okAuth := middleware.UserID(c)
	if !okAuth {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	entry, err := h.ledger.Status(c.Request.Context(), userID)
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	ok(c, h.toView(entry))
}

// StationQueue 站点排队概览
// GET /api/stations/:id/queue
func (h *QueueHandler) StationQueue(c *gin.Context) {
	stationID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, "站点 ID 不合法")
		return
	}

	info, err := h.ledger.StationInfo(c.Request.Context(), stationID)
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	ok(c, info)
}
