package handler

import (
	"net/http"
	"time"

	"backend/internal/middleware"
	"backend/internal/model"
	"backend/internal/service"
	"backend/pkg/response"

	"github.com/gin-gonic/gin"
)

type StatisticsHandler struct {
	statisticsService service.StatisticsService
}

func NewStatisticsHandler(statisticsService service.StatisticsService) *StatisticsHandler {
	return &StatisticsHandler{statisticsService: statisticsService}
}

func (h *StatisticsHandler) RegisterRoutes(router *gin.RouterGroup) {
	stats := router.Group("/api/statistics", middleware.RequireRole(model.RoleAdmin))
	{
		stats.GET("/payments", h.GetPaymentStatistics)
	}
}

// GetPaymentStatistics returns ledger-derived payment figures for a date range
// @Summary      Get payment statistics
// @Description  Returns collected, outstanding, and refund-candidate totals derived from the allocation ledger
// @Tags         statistics
// @Security     BearerAuth
// @Produce      json
// @Param        start_date  query     string  false  "Start date (RFC3339, default start of current month)"
// @Param        end_date    query     string  false  "End date (RFC3339, default now)"
// @Success      200         {object}  response.Response{data=service.PaymentStatisticsResponse}
// @Failure      400         {object}  response.Response
// @Failure      500         {object}  response.Response
// @Router       /api/statistics/payments [get]
func (h *StatisticsHandler) GetPaymentStatistics(c *gin.Context) {
	now := time.Now()
	startDate := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	endDate := now

	if s := c.Query("start_date"); s != "" {
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "Invalid start_date: expected RFC3339"))
			return
		}
		startDate = parsed
	}
	if s := c.Query("end_date"); s != "" {
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "Invalid end_date: expected RFC3339"))
			return
		}
		endDate = parsed
	}

	stats, err := h.statisticsService.GetPaymentStatistics(c.Request.Context(), startDate, endDate)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, response.Success(http.StatusOK, stats))
}
