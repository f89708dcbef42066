package api

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taoyao-code/ev-charge-server/internal/cerr"
	"github.com/taoyao-code/ev-charge-server/internal/storage/gormrepo"
	"github.com/taoyao-code/ev-charge-server/internal/storage/models"
)

// StationHandler 站点目录接口处理器
type StationHandler struct {
	dir    *gormrepo.Repository
	logger *zap.Logger
}

// NewStationHandler 创建站点接口处理器
func NewStationHandler(dir *gormrepo.Repository, logger *zap.Logger) *StationHandler {
	return &StationHandler{dir: dir, logger: logger}
}

// stationView 站点对外视图
type stationView struct {
	ID             int64    `json:"id"`
	Name           string   `json:"name"`
	Address        *string  `json:"address,omitempty"`
	Longitude      *float64 `json:"longitude,omitempty"`
	Latitude       *float64 `json:"latitude,omitempty"`
	Active         bool     `json:"active"`
	PileCount      int32    `json:"pileCount"`
	AvailableCount int32    `json:"availableCount"`
}

func toStationView(s *models.Station) stationView {
	return stationView{
		ID:             s.ID,
		Name:           s.Name,
		Address:        s.Address,
		Longitude:      s.Longitude,
		Latitude:       s.Latitude,
		Active:         s.Active,
		PileCount:      s.PileCount,
		AvailableCount: s.AvailableCount,
	}
}

// List 营业中站点列表
// GET /api/stations
func (h *StationHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	stations, err := h.dir.ListStations(c.Request.Context(), limit, offset)
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	views := make([]stationView, 0, len(stations))
	for i := range stations {
		views = append(views, toStationView(&stations[i]))
	}
	ok(c, views)
}

// Get 站点详情
// GET /api/stations/:id
func (h *StationHandler) Get(c *gin.Context) {
	stationID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, "站点 ID 不合法")
		return
	}

	station, err := h.dir.GetStationRecord(c.Request.Context(), stationID)
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	if station == nil {
		fail(c, h.logger, cerr.ErrStationNotFound)
		return
	}
	ok(c, toStationView(station))
}
