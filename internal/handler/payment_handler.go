package handler

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"os"

	"backend/internal/middleware"
	"backend/internal/model"
	"backend/internal/service"
	"backend/pkg/pagination"
	"backend/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type PaymentHandler struct {
	paymentService service.PaymentService
}

func NewPaymentHandler(paymentService service.PaymentService) *PaymentHandler {
	return &PaymentHandler{paymentService: paymentService}
}

func (h *PaymentHandler) RegisterRoutes(router *gin.RouterGroup) {
	payments := router.Group("/api/payments", middleware.RequireRole(model.RolePatient, model.RoleAdmin))
	{
		payments.POST("", h.SubmitPayment)
		payments.GET("", h.ListPayments)
		payments.GET("/:id", h.GetPayment)
	}

	// Gateway webhook authenticates via HMAC signature, not JWT
	router.POST("/api/webhooks/payment-gateway", h.GatewayWebhook)
}

// SubmitPayment submits a batch payment against one or more orders or items
// @Summary      Submit batch payment
// @Description  Allocates a payment across the targeted items oldest-due-first; idempotent on the idempotency key
// @Tags         payments
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        payload  body      service.SubmitPaymentRequest  true  "Payment Payload"
// @Success      201      {object}  response.Response{data=service.PaymentResult}
// @Failure      400      {object}  response.Response
// @Failure      422      {object}  response.Response
// @Router       /api/payments [post]
func (h *PaymentHandler) SubmitPayment(c *gin.Context) {
	var req service.SubmitPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "Invalid request payload: "+err.Error()))
		return
	}

	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, response.Error(http.StatusUnauthorized, "User ID not found in context"))
		return
	}

	// Admins record offline payments on behalf of the order owner; the
	// service resolves ownership from the targeted orders.
	patientID := userID
	var createdBy *uuid.UUID
	if isAdmin(c) {
		createdBy = &userID
		patientID = uuid.Nil
	}

	result, err := h.paymentService.SubmitBatchPayment(c.Request.Context(), patientID, createdBy, req)
	if err != nil {
		writeError(c, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, response.Success(status, result))
}

// ListPayments returns a paginated list of payment records
// @Summary      List payments
// @Description  Patients see their own payments; admins see all payments
// @Tags         payments
// @Security     BearerAuth
// @Produce      json
// @Param        page   query     int  false  "Page number (default 1)"
// @Param        limit  query     int  false  "Number of items per page (default 20)"
// @Success      200    {object}  response.Response{data=object}
// @Failure      500    {object}  response.Response
// @Router       /api/payments [get]
func (h *PaymentHandler) ListPayments(c *gin.Context) {
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

	payments, total, err := h.paymentService.ListPayments(c.Request.Context(), scope, params.Page, params.Limit)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, response.Success(http.StatusOK, map[string]interface{}{
		"payments":    payments,
		"total":       total,
		"page":        params.Page,
		"limit":       params.Limit,
		"total_pages": params.Pages(total),
	}))
}

// GetPayment returns a single payment record with its allocation entries
// @Summary      Get payment
// @Description  Fetches a payment record including its ledger allocations
// @Tags         payments
// @Security     BearerAuth
// @Produce      json
// @Param        id   path      string  true  "Payment ID"
// @Success      200  {object}  response.Response{data=service.PaymentResponse}
// @Failure      404  {object}  response.Response
// @Router       /api/payments/{id} [get]
func (h *PaymentHandler) GetPayment(c *gin.Context) {
	var scope *uuid.UUID
	if !isAdmin(c) {
		userID, ok := currentUserID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, response.Error(http.StatusUnauthorized, "User ID not found in context"))
			return
		}
		scope = &userID
	}

	payment, err := h.paymentService.GetPayment(c.Request.Context(), c.Param("id"), scope)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, response.Success(http.StatusOK, payment))
}

// GatewayWebhook receives asynchronous confirmations from the payment gateway
// @Summary      Payment gateway webhook
// @Description  Verifies the HMAC signature and funnels the confirmation into the allocation path
// @Tags         payments
// @Accept       json
// @Produce      json
// @Param        X-Gateway-Signature  header    string                       true  "Hex-encoded HMAC-SHA256 of the raw body"
// @Param        payload              body      service.GatewayConfirmation  true  "Gateway Confirmation Payload"
// @Success      200                  {object}  response.Response{data=service.PaymentResult}
// @Failure      401                  {object}  response.Response
// @Failure      422                  {object}  response.Response
// @Router       /api/webhooks/payment-gateway [post]
func (h *PaymentHandler) GatewayWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "Failed to read request body"))
		return
	}

	if !verifyGatewaySignature(body, c.GetHeader("X-Gateway-Signature")) {
		c.JSON(http.StatusUnauthorized, response.Error(http.StatusUnauthorized, "Invalid webhook signature"))
		return
	}

	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	var req service.GatewayConfirmation
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "Invalid request payload: "+err.Error()))
		return
	}

	result, err := h.paymentService.ConfirmGatewayPayment(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, response.Success(http.StatusOK, result))
}

func verifyGatewaySignature(body []byte, signature string) bool {
	secret := os.Getenv("GATEWAY_WEBHOOK_SECRET")
	if secret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
