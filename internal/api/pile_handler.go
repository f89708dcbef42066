package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taoyao-code/ev-charge-server/internal/api/middleware"
	"github.com/taoyao-code/ev-charge-server/internal/coremodel"
	"github.com/taoyao-code/ev-charge-server/internal/registry"
	"github.com/taoyao-code/ev-charge-server/internal/storage/gormrepo"
	"github.com/taoyao-code/ev-charge-server/internal/storage/models"
)

// PileHandler 充电桩接口处理器
type PileHandler struct {
	reg    *registry.PileRegistry
	dir    *gormrepo.Repository
	logger *zap.Logger
}

// NewPileHandler 创建充电桩接口处理器
func NewPileHandler(reg *registry.PileRegistry, dir *gormrepo.Repository, logger *zap.Logger) *PileHandler {
	return &PileHandler{reg: reg, dir: dir, logger: logger}
}

// pileView 充电桩对外视图
type pileView struct {
	ID               int64   `json:"id"`
	StationID        int64   `json:"stationId"`
	PileNo           string  `json:"pileNo"`
	Name             string  `json:"name"`
	PowerKw          float64 `json:"powerKw"`
	Status           string  `json:"status"`
	StatusText       string  `json:"statusText"`
	TotalChargeCount int64   `json:"totalChargeCount"`
	TotalEnergyKwh   float64 `json:"totalEnergyKwh"`
}

func toPileView(p *coremodel.Pile) pileView {
	return pileView{
		ID:               p.ID,
		StationID:        p.StationID,
		PileNo:           p.PileNo,
		Name:             p.Name,
		PowerKw:          p.PowerKw,
		Status:           string(p.Status),
		StatusText:       p.Status.Text(),
		TotalChargeCount: p.TotalChargeCount,
		TotalEnergyKwh:   p.TotalEnergyKwh,
	}
}

// ListByStation 站点充电桩列表（附可用数）
// GET /api/stations/:id/piles
func (h *PileHandler) ListByStation(c *gin.Context) {
	stationID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, "站点 ID 不合法")
		return
	}

	piles, err := h.reg.ListByStation(c.Request.Context(), stationID)
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	available, err := h.reg.CountAvailable(c.Request.Context(), stationID)
	if err != nil {
		fail(c, h.logger, err)
		return
	}

	views := make([]pileView, 0, len(piles))
	for i := range piles {
		views = append(views, toPileView(&piles[i]))
	}
	ok(c, gin.H{
		"stationId": stationID,
		"available": available,
		"piles":     views,
	})
}

// Get 充电桩详情
// GET /api/piles/:id
func (h *PileHandler) Get(c *gin.Context) {
	pileID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, "充电桩 ID 不合法")
		return
	}

	pile, err := h.reg.Get(c.Request.Context(), pileID)
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	ok(c, toPileView(pile))
}

// faultRequest 故障上报请求
type faultRequest struct {
	Description string `json:"description" binding:"required"`
}

// ReportFault 上报桩故障：桩流转为故障态并生成工单
// POST /api/piles/:id/fault
func (h *PileHandler) ReportFault(c *gin.Context) {
	userID, okAuth := middleware.UserID(c)
	if !okAuth {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	pileID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, "充电桩 ID 不合法")
		return
	}
	var req faultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "请求参数不合法")
		return
	}

	ctx := c.Request.Context()
	if _, err := h.reg.Get(ctx, pileID); err != nil {
		fail(c, h.logger, err)
		return
	}
	if err := h.reg.MarkFault(ctx, pileID); err != nil {
		fail(c, h.logger, err)
		return
	}

	record := &models.FaultRecord{
		PileID:      pileID,
		ReporterID:  &userID,
		Description: req.Description,
		CreatedAt:   time.Now(),
	}
	if h.dir != nil {
		if err := h.dir.CreateFaultRecord(ctx, record); err != nil {
			// 桩已置故障，工单缺失只记日志
			h.logger.Error("create fault record failed",
				zap.Int64("pile_id", pileID),
				zap.Error(err))
		}
	}

	h.logger.Warn("pile fault reported",
		zap.Int64("pile_id", pileID),
		zap.Int64("reporter_id", userID))
	ok(c, gin.H{"reported": true})
}
