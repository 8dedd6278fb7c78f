package handler

import (
	"net/http"

	"backend/internal/middleware"
	"backend/internal/model"
	"backend/internal/service"
	"backend/pkg/pagination"
	"backend/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type OrderHandler struct {
	orderService service.OrderService
}

func NewOrderHandler(orderService service.OrderService) *OrderHandler {
	return &OrderHandler{orderService: orderService}
}

func (h *OrderHandler) RegisterRoutes(router *gin.RouterGroup) {
	orders := router.Group("/api/lab-orders", middleware.RequireRole(model.RolePatient, model.RoleAdmin))
	{
		orders.POST("", h.CreateOrder)
		orders.GET("", h.ListOrders)
		orders.GET("/:id", h.GetOrder)
		orders.PUT("/:id/items/:itemId/selection", h.ToggleItemSelection)
		orders.PUT("/:id/items/:itemId/cancel", h.CancelItem)
	}

	// Fulfillment transitions are staff actions
	admin := router.Group("/api/lab-orders", middleware.RequireRole(model.RoleAdmin))
	{
		admin.PUT("/:id/items/:itemId/status", h.AdvanceItemStatus)
	}
}

// CreateOrder creates a lab order with one item per selected test
// @Summary      Create lab order
// @Description  Creates a lab order snapshotting test names and prices into its items
// @Tags         lab-orders
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        payload  body      service.CreateOrderRequest  true  "Create Order Payload"
// @Success      201      {object}  response.Response{data=service.OrderResponse}
// @Failure      400      {object}  response.Response
// @Router       /api/lab-orders [post]
func (h *OrderHandler) CreateOrder(c *gin.Context) {
	var req service.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "Invalid request payload: "+err.Error()))
		return
	}

	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, response.Error(http.StatusUnauthorized, "User ID not found in context"))
		return
	}

	order, err := h.orderService.CreateOrder(c.Request.Context(), userID, isAdmin(c), req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, response.Success(http.StatusCreated, order))
}

// ListOrders returns a paginated list of lab orders
// @Summary      List lab orders
// @Description  Patients see their own orders; admins see all orders
// @Tags         lab-orders
// @Security     BearerAuth
// @Produce      json
// @Param        page   query     int  false  "Page number (default 1)"
// @Param        limit  query     int  false  "Number of items per page (default 20)"
// @Success      200    {object}  response.Response{data=object}
// @Failure      500    {object}  response.Response
// @Router       /api/lab-orders [get]
func (h *OrderHandler) ListOrders(c *gin.Context) {
	params := pagination.Parse(c)

	var scope *uuid.UUID
	if !isAdmin(c) {
		userID, ok := currentUserID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, response.Error(http.StatusUnauthorized, "User ID not found in context"))
			return
		}
		scope = &userID
	}

	orders, total, err := h.orderService.ListOrders(c.Request.Context(), scope, params.Page, params.Limit)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, response.Success(http.StatusOK, map[string]interface{}{
		"orders":      orders,
		"total":       total,
		"page":        params.Page,
		"limit":       params.Limit,
		"total_pages": params.Pages(total),
	}))
}

// GetOrder returns a single lab order with its items and ledger-derived sums
// @Summary      Get lab order
// @Description  Fetches a lab order with per-item allocated and due amounts
// @Tags         lab-orders
// @Security     BearerAuth
// @Produce      json
// @Param        id   path      string  true  "Order ID"
// @Success      200  {object}  response.Response{data=service.OrderResponse}
// @Failure      404  {object}  response.Response
// @Router       /api/lab-orders/{id} [get]
func (h *OrderHandler) GetOrder(c *gin.Context) {
	var scope *uuid.UUID
	if !isAdmin(c) {
		userID, ok := currentUserID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, response.Error(http.StatusUnauthorized, "User ID not found in context"))
			return
		}
		scope = &userID
	}

	order, err := h.orderService.GetOrder(c.Request.Context(), c.Param("id"), scope)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, response.Success(http.StatusOK, order))
}

// ToggleItemSelection switches an item in or out of the payment scope
// @Summary      Toggle item selection
// @Description  Marks an order item as selected or deselected for payment targeting
// @Tags         lab-orders
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        id       path      string                          true  "Order ID"
// @Param        itemId   path      string                          true  "Order Item ID"
// @Param        payload  body      service.ToggleSelectionRequest  true  "Selection Payload"
// @Success      200      {object}  response.Response{data=service.OrderResponse}
// @Failure      400      {object}  response.Response
// @Failure      422      {object}  response.Response
// @Router       /api/lab-orders/{id}/items/{itemId}/selection [put]
func (h *OrderHandler) ToggleItemSelection(c *gin.Context) {
	var req service.ToggleSelectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "Invalid request payload: "+err.Error()))
		return
	}

	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, response.Error(http.StatusUnauthorized, "User ID not found in context"))
		return
	}

	order, err := h.orderService.ToggleItemSelection(c.Request.Context(), c.Param("id"), c.Param("itemId"), userID, req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, response.Success(http.StatusOK, order))
}

// CancelItem cancels an order item, keeping its ledger entries for refunds
// @Summary      Cancel order item
// @Description  Cancels an item before sample collection; its allocations become refund candidates
// @Tags         lab-orders
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        id       path      string                     true  "Order ID"
// @Param        itemId   path      string                     true  "Order Item ID"
// @Param        payload  body      service.CancelItemRequest  true  "Cancel Payload"
// @Success      200      {object}  response.Response{data=service.OrderResponse}
// @Failure      400      {object}  response.Response
// @Failure      422      {object}  response.Response
// @Router       /api/lab-orders/{id}/items/{itemId}/cancel [put]
func (h *OrderHandler) CancelItem(c *gin.Context) {
	var req service.CancelItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "Invalid request payload: "+err.Error()))
		return
	}

	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, response.Error(http.StatusUnauthorized, "User ID not found in context"))
		return
	}

	order, err := h.orderService.CancelItem(c.Request.Context(), c.Param("id"), c.Param("itemId"), userID, req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, response.Success(http.StatusOK, order))
}

// AdvanceItemStatus moves an item one step forward in its fulfillment flow
// @Summary      Advance item status
// @Description  Advances an order item to the next fulfillment status; sample collection requires the payment threshold
// @Tags         lab-orders
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        id       path      string                            true  "Order ID"
// @Param        itemId   path      string                            true  "Order Item ID"
// @Param        payload  body      service.AdvanceItemStatusRequest  true  "Status Payload"
// @Success      200      {object}  response.Response{data=service.OrderResponse}
// @Failure      400      {object}  response.Response
// @Failure      409      {object}  response.Response
// @Router       /api/lab-orders/{id}/items/{itemId}/status [put]
func (h *OrderHandler) AdvanceItemStatus(c *gin.Context) {
	var req service.AdvanceItemStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "Invalid request payload: "+err.Error()))
		return
	}

	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, response.Error(http.StatusUnauthorized, "User ID not found in context"))
		return
	}

	order, err := h.orderService.AdvanceItemStatus(c.Request.Context(), c.Param("id"), c.Param("itemId"), userID, req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, response.Success(http.StatusOK, order))
}
