package handler

import (
	"net/http"

	"backend/internal/middleware"
	"backend/internal/model"
	"backend/internal/service"
	"backend/pkg/response"

	"github.com/gin-gonic/gin"
)

type SettingHandler struct {
	thresholdService service.ThresholdService
}

func NewSettingHandler(thresholdService service.ThresholdService) *SettingHandler {
	return &SettingHandler{thresholdService: thresholdService}
}

func (h *SettingHandler) RegisterRoutes(router *gin.RouterGroup) {
	settings := router.Group("/api/settings", middleware.RequireRole(model.RoleAdmin))
	{
		settings.GET("/payment-threshold", h.GetThreshold)
		settings.PUT("/payment-threshold", h.UpdateThreshold)
	}
}

// GetThreshold returns the global default payment threshold
// @Summary      Get payment threshold
// @Description  Returns the global default fraction of an item's price required before sample collection
// @Tags         settings
// @Security     BearerAuth
// @Produce      json
// @Success      200  {object}  response.Response{data=service.ThresholdResponse}
// @Failure      500  {object}  response.Response
// @Router       /api/settings/payment-threshold [get]
func (h *SettingHandler) GetThreshold(c *gin.Context) {
	threshold, err := h.thresholdService.GetThreshold(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, response.Success(http.StatusOK, threshold))
}

// UpdateThreshold updates the global default payment threshold
// @Summary      Update payment threshold
// @Description  Sets the global default payment threshold; affects future gating decisions only
// @Tags         settings
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        payload  body      service.UpdateThresholdRequest  true  "Threshold Payload"
// @Success      200      {object}  response.Response{data=service.ThresholdResponse}
// @Failure      400      {object}  response.Response
// @Router       /api/settings/payment-threshold [put]
func (h *SettingHandler) UpdateThreshold(c *gin.Context) {
	var req service.UpdateThresholdRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "Invalid request payload: "+err.Error()))
		return
	}

	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, response.Error(http.StatusUnauthorized, "User ID not found in context"))
		return
	}

	threshold, err := h.thresholdService.UpdateThreshold(c.Request.Context(), userID, req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, response.Success(http.StatusOK, threshold))
}
