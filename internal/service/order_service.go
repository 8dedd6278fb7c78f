package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"backend/internal/allocation"
	"backend/internal/apperr"
	"backend/internal/model"
	"backend/internal/repository"
	ws "backend/internal/websocket"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// --- DTOs ---

type CreateOrderItemRequest struct {
	LabTestID string `json:"lab_test_id" binding:"required"`
}

type CreateOrderRequest struct {
	PatientID        string                   `json:"patient_id"` // admin only; patients order for themselves
	DoctorID         string                   `json:"doctor_id"`
	AppointmentID    string                   `json:"appointment_id"`
	PaymentThreshold string                   `json:"payment_threshold"` // optional per-order override
	Items            []CreateOrderItemRequest `json:"items" binding:"required,min=1,dive"`
}

type ToggleSelectionRequest struct {
	IsSelected *bool `json:"is_selected" binding:"required"`
}

type CancelItemRequest struct {
	Reason      string `json:"reason"`
	CancelledBy string `json:"cancelled_by" binding:"required,oneof=patient admin"`
}

type AdvanceItemStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

type OrderItemResponse struct {
	ID              string `json:"id"`
	LabTestID       string `json:"lab_test_id"`
	TestName        string `json:"test_name"`
	UnitPrice       string `json:"unit_price"`
	Allocated       string `json:"allocated"`
	Due             string `json:"due"`
	Status          string `json:"status"`
	IsSelected      bool   `json:"is_selected"`
	SampleAllowed   bool   `json:"sample_allowed"`
	RefundCandidate string `json:"refund_candidate,omitempty"`
	CancelledReason string `json:"cancelled_reason,omitempty"`
	CancelledBy     string `json:"cancelled_by,omitempty"`
}

type OrderResponse struct {
	ID               string              `json:"id"`
	OrderCode        string              `json:"order_code"`
	PatientID        string              `json:"patient_id"`
	DoctorID         *string             `json:"doctor_id,omitempty"`
	AppointmentID    *string             `json:"appointment_id,omitempty"`
	Status           string              `json:"status"`
	OrderTotal       string              `json:"order_total"`
	OrderPaid        string              `json:"order_paid"`
	OrderDue         string              `json:"order_due"`
	PaymentThreshold *string             `json:"payment_threshold,omitempty"`
	SampleAllowed    bool                `json:"sample_allowed"`
	RefundCandidate  string              `json:"refund_candidate"`
	Items            []OrderItemResponse `json:"items"`
	CreatedAt        string              `json:"created_at"`
}

// --- Interface ---

type OrderService interface {
	CreateOrder(ctx context.Context, patientID uuid.UUID, isAdmin bool, req CreateOrderRequest) (OrderResponse, error)
	GetOrder(ctx context.Context, id string, scope *uuid.UUID) (OrderResponse, error)
	ListOrders(ctx context.Context, patientID *uuid.UUID, page, limit int) ([]OrderResponse, int64, error)
	ToggleItemSelection(ctx context.Context, orderID, itemID string, userID uuid.UUID, req ToggleSelectionRequest) (OrderResponse, error)
	CancelItem(ctx context.Context, orderID, itemID string, userID uuid.UUID, req CancelItemRequest) (OrderResponse, error)
	AdvanceItemStatus(ctx context.Context, orderID, itemID string, userID uuid.UUID, req AdvanceItemStatusRequest) (OrderResponse, error)
}

type orderService struct {
	orderRepo   repository.OrderRepository
	labTestRepo repository.LabTestRepository
	paymentRepo repository.PaymentRepository
	auditRepo   repository.AuditRepository
	thresholds  ThresholdService
	txManager   repository.TransactionManager
	hub         *ws.Hub
}

func NewOrderService(
	orderRepo repository.OrderRepository,
	labTestRepo repository.LabTestRepository,
	paymentRepo repository.PaymentRepository,
	auditRepo repository.AuditRepository,
	thresholds ThresholdService,
	txManager repository.TransactionManager,
	hub *ws.Hub,
) OrderService {
	return &orderService{
		orderRepo:   orderRepo,
		labTestRepo: labTestRepo,
		paymentRepo: paymentRepo,
		auditRepo:   auditRepo,
		thresholds:  thresholds,
		txManager:   txManager,
		hub:         hub,
	}
}

// --- Implementation ---

func (s *orderService) CreateOrder(ctx context.Context, actorID uuid.UUID, isAdmin bool, req CreateOrderRequest) (OrderResponse, error) {
	patientID := actorID
	if req.PatientID != "" {
		if !isAdmin {
			return OrderResponse{}, apperr.New(apperr.CodeValidation, "patients may only order for themselves")
		}
		parsed, err := uuid.Parse(req.PatientID)
		if err != nil {
			return OrderResponse{}, apperr.New(apperr.CodeValidation, "invalid patient_id: %s", req.PatientID)
		}
		patientID = parsed
	}

	var override *decimal.Decimal
	if req.PaymentThreshold != "" {
		value, err := decimal.NewFromString(req.PaymentThreshold)
		if err != nil || value.Sign() < 0 || value.Cmp(decimal.NewFromInt(1)) > 0 {
			return OrderResponse{}, apperr.New(apperr.CodeValidation,
				"payment_threshold must be a fraction between 0 and 1")
		}
		override = &value
	}

	testIDs := make([]uuid.UUID, 0, len(req.Items))
	for _, it := range req.Items {
		id, err := uuid.Parse(it.LabTestID)
		if err != nil {
			return OrderResponse{}, apperr.New(apperr.CodeValidation, "invalid lab_test_id: %s", it.LabTestID)
		}
		testIDs = append(testIDs, id)
	}

	tests, err := s.labTestRepo.FindByIDs(ctx, testIDs)
	if err != nil {
		return OrderResponse{}, fmt.Errorf("failed to load lab tests: %w", err)
	}
	testByID := make(map[uuid.UUID]model.LabTest, len(tests))
	for _, t := range tests {
		testByID[t.ID] = t
	}

	defaultThreshold, err := s.thresholds.DefaultThreshold(ctx)
	if err != nil {
		return OrderResponse{}, fmt.Errorf("failed to load payment threshold: %w", err)
	}
	threshold := allocation.EffectiveThreshold(override, defaultThreshold)

	order := model.LabOrder{
		PatientID:        patientID,
		PaymentThreshold: override,
		Status:           model.OrderStatusOrdered,
	}
	if req.DoctorID != "" {
		id, err := uuid.Parse(req.DoctorID)
		if err != nil {
			return OrderResponse{}, apperr.New(apperr.CodeValidation, "invalid doctor_id: %s", req.DoctorID)
		}
		order.DoctorID = &id
	}
	if req.AppointmentID != "" {
		id, err := uuid.Parse(req.AppointmentID)
		if err != nil {
			return OrderResponse{}, apperr.New(apperr.CodeValidation, "invalid appointment_id: %s", req.AppointmentID)
		}
		order.AppointmentID = &id
	}

	total := decimal.Zero
	for _, id := range testIDs {
		test, ok := testByID[id]
		if !ok {
			return OrderResponse{}, apperr.New(apperr.CodeNotFound, "lab test %s not found or inactive", id)
		}
		// Snapshot name and price; later catalog changes never touch this item.
		order.Items = append(order.Items, model.LabOrderItem{
			LabTestID:     test.ID,
			TestName:      test.Name,
			UnitPrice:     test.Price,
			Status:        model.ItemStatusOrdered,
			IsSelected:    true,
			SampleAllowed: allocation.SampleAllowed(decimal.Zero, test.Price, threshold),
		})
		total = total.Add(test.Price)
	}
	order.OrderTotal = total
	order.OrderPaid = decimal.Zero
	order.OrderDue = total
	order.SampleAllowed = orderAllAllowed(order.Items)

	err = s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		code, err := s.generateOrderCode(txCtx)
		if err != nil {
			return fmt.Errorf("failed to generate order code: %w", err)
		}
		order.OrderCode = code

		if err := s.orderRepo.Create(txCtx, &order); err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}

		details, _ := json.Marshal(map[string]interface{}{
			"order_code": order.OrderCode,
			"items":      len(order.Items),
			"total":      order.OrderTotal.String(),
		})
		audit := &model.AuditLog{
			UserID:     &actorID,
			Action:     model.ActionCreateLabOrder,
			EntityID:   order.ID.String(),
			EntityName: order.OrderCode,
			Details:    string(details),
		}
		return s.auditRepo.Log(txCtx, audit)
	})
	if err != nil {
		return OrderResponse{}, err
	}

	return s.loadOrderResponse(ctx, order.ID)
}

func (s *orderService) GetOrder(ctx context.Context, id string, scope *uuid.UUID) (OrderResponse, error) {
	orderID, err := uuid.Parse(id)
	if err != nil {
		return OrderResponse{}, apperr.New(apperr.CodeValidation, "invalid order id: %s", id)
	}
	resp, err := s.loadOrderResponse(ctx, orderID)
	if err != nil {
		return OrderResponse{}, err
	}
	// A patient sees only their own orders; foreign ids read as missing.
	if scope != nil && resp.PatientID != scope.String() {
		return OrderResponse{}, apperr.New(apperr.CodeNotFound, "order %s not found", id)
	}
	return resp, nil
}

func (s *orderService) ListOrders(ctx context.Context, patientID *uuid.UUID, page, limit int) ([]OrderResponse, int64, error) {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}

	orders, total, err := s.orderRepo.List(ctx, patientID, page, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch orders: %w", err)
	}

	result := make([]OrderResponse, 0, len(orders))
	for _, o := range orders {
		itemIDs := make([]uuid.UUID, 0, len(o.Items))
		for _, it := range o.Items {
			itemIDs = append(itemIDs, it.ID)
		}
		sums, err := s.paymentRepo.SumAllocationsByItem(ctx, itemIDs)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to derive allocations: %w", err)
		}
		result = append(result, toOrderResponse(o, sums))
	}
	return result, total, nil
}

func (s *orderService) ToggleItemSelection(ctx context.Context, orderID, itemID string, userID uuid.UUID, req ToggleSelectionRequest) (OrderResponse, error) {
	oid, iid, err := parseOrderItemIDs(orderID, itemID)
	if err != nil {
		return OrderResponse{}, err
	}
	if req.IsSelected == nil {
		return OrderResponse{}, apperr.New(apperr.CodeValidation, "is_selected is required")
	}

	err = s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		item, err := s.findItem(txCtx, oid, iid)
		if err != nil {
			return err
		}

		// Selection is only mutable before sample collection is scheduled.
		if item.Status != model.ItemStatusOrdered && item.Status != model.ItemStatusApproved {
			return apperr.New(apperr.CodeItemNotEligible,
				"selection of item %s cannot change in status %s", item.ID, item.Status)
		}

		item.IsSelected = *req.IsSelected
		if err := s.orderRepo.UpdateItem(txCtx, item); err != nil {
			return fmt.Errorf("failed to update item: %w", err)
		}

		details, _ := json.Marshal(map[string]interface{}{"is_selected": *req.IsSelected})
		audit := &model.AuditLog{
			UserID:     &userID,
			Action:     model.ActionToggleItemSelection,
			EntityID:   item.ID.String(),
			EntityName: item.TestName,
			Details:    string(details),
		}
		return s.auditRepo.Log(txCtx, audit)
	})
	if err != nil {
		return OrderResponse{}, err
	}

	return s.loadOrderResponse(ctx, oid)
}

func (s *orderService) CancelItem(ctx context.Context, orderID, itemID string, userID uuid.UUID, req CancelItemRequest) (OrderResponse, error) {
	oid, iid, err := parseOrderItemIDs(orderID, itemID)
	if err != nil {
		return OrderResponse{}, err
	}

	next := model.ItemStatusCancelledByPatient
	if req.CancelledBy == "admin" {
		next = model.ItemStatusCancelledByAdmin
	}

	err = s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		item, err := s.findItem(txCtx, oid, iid)
		if err != nil {
			return err
		}

		if !item.Status.CanTransitionTo(next) {
			return apperr.New(apperr.CodeItemNotEligible,
				"item %s cannot be cancelled in status %s", item.ID, item.Status)
		}

		now := time.Now()
		item.Status = next
		item.CancelledReason = req.Reason
		item.CancelledBy = req.CancelledBy
		item.CancelledAt = &now
		// Existing ledger rows stay untouched: any allocated amount becomes a
		// refund candidate, exposed on the order view, never auto-reversed.
		if err := s.orderRepo.UpdateItem(txCtx, item); err != nil {
			return fmt.Errorf("failed to update item: %w", err)
		}

		if err := s.recomputeOrderAggregates(txCtx, oid); err != nil {
			return err
		}

		details, _ := json.Marshal(map[string]string{
			"reason":       req.Reason,
			"cancelled_by": req.CancelledBy,
		})
		audit := &model.AuditLog{
			UserID:     &userID,
			Action:     model.ActionCancelOrderItem,
			EntityID:   item.ID.String(),
			EntityName: item.TestName,
			Details:    string(details),
		}
		return s.auditRepo.Log(txCtx, audit)
	})
	if err != nil {
		return OrderResponse{}, err
	}

	s.broadcast("order_item_cancelled", map[string]interface{}{
		"order_id": orderID,
		"item_id":  itemID,
	})
	return s.loadOrderResponse(ctx, oid)
}

func (s *orderService) AdvanceItemStatus(ctx context.Context, orderID, itemID string, userID uuid.UUID, req AdvanceItemStatusRequest) (OrderResponse, error) {
	oid, iid, err := parseOrderItemIDs(orderID, itemID)
	if err != nil {
		return OrderResponse{}, err
	}
	next := model.OrderItemStatus(req.Status)
	if !next.Valid() || next.Cancelled() {
		return OrderResponse{}, apperr.New(apperr.CodeValidation, "invalid target status %q", req.Status)
	}

	err = s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		item, err := s.findItem(txCtx, oid, iid)
		if err != nil {
			return err
		}

		if !item.Status.CanTransitionTo(next) {
			return apperr.New(apperr.CodeValidation,
				"item cannot move from %s to %s", item.Status, next)
		}

		if item.Status.RequiresSampleAllowed(next) {
			// Gate on the ledger, not the cached flag: re-derive before
			// deciding so a stale cache can never block or admit wrongly.
			sums, err := s.paymentRepo.SumAllocationsByItem(txCtx, []uuid.UUID{item.ID})
			if err != nil {
				return fmt.Errorf("failed to derive item allocation: %w", err)
			}
			defaultThreshold, err := s.thresholds.DefaultThreshold(txCtx)
			if err != nil {
				return fmt.Errorf("failed to load payment threshold: %w", err)
			}
			order, err := s.orderRepo.FindByIDWithItems(txCtx, oid)
			if err != nil {
				return fmt.Errorf("failed to load order: %w", err)
			}
			threshold := allocation.EffectiveThreshold(order.PaymentThreshold, defaultThreshold)
			item.SampleAllowed = allocation.SampleAllowed(sums[item.ID], item.UnitPrice, threshold)
			if !item.SampleAllowed {
				return apperr.New(apperr.CodeThresholdNotMet,
					"item %s has not met the payment threshold for sample processing", item.ID)
			}
		}

		item.Status = next
		if err := s.orderRepo.UpdateItem(txCtx, item); err != nil {
			return fmt.Errorf("failed to update item: %w", err)
		}

		if err := s.recomputeOrderAggregates(txCtx, oid); err != nil {
			return err
		}

		details, _ := json.Marshal(map[string]string{"status": string(next)})
		audit := &model.AuditLog{
			UserID:     &userID,
			Action:     model.ActionAdvanceItemStatus,
			EntityID:   item.ID.String(),
			EntityName: item.TestName,
			Details:    string(details),
		}
		return s.auditRepo.Log(txCtx, audit)
	})
	if err != nil {
		return OrderResponse{}, err
	}

	s.broadcast("order_item_status", map[string]interface{}{
		"order_id": orderID,
		"item_id":  itemID,
		"status":   req.Status,
	})
	return s.loadOrderResponse(ctx, oid)
}

// --- Helpers ---

func (s *orderService) findItem(ctx context.Context, orderID, itemID uuid.UUID) (*model.LabOrderItem, error) {
	item, err := s.orderRepo.FindItem(ctx, orderID, itemID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.CodeNotFound, "order item %s not found", itemID)
		}
		return nil, fmt.Errorf("failed to fetch order item: %w", err)
	}
	return item, nil
}

// recomputeOrderAggregates re-derives totals, paid, due, gating flags and the
// status projection from the ledger after an item-level mutation.
func (s *orderService) recomputeOrderAggregates(ctx context.Context, orderID uuid.UUID) error {
	order, err := s.orderRepo.FindByIDWithItems(ctx, orderID)
	if err != nil {
		return fmt.Errorf("failed to load order: %w", err)
	}

	itemIDs := make([]uuid.UUID, 0, len(order.Items))
	for _, it := range order.Items {
		itemIDs = append(itemIDs, it.ID)
	}
	sums, err := s.paymentRepo.SumAllocationsByItem(ctx, itemIDs)
	if err != nil {
		return fmt.Errorf("failed to derive allocations: %w", err)
	}

	defaultThreshold, err := s.thresholds.DefaultThreshold(ctx)
	if err != nil {
		return fmt.Errorf("failed to load payment threshold: %w", err)
	}
	threshold := allocation.EffectiveThreshold(order.PaymentThreshold, defaultThreshold)

	total := decimal.Zero
	paid := decimal.Zero
	allAllowed := true
	for i := range order.Items {
		item := &order.Items[i]
		if item.Status.Cancelled() {
			continue
		}
		total = total.Add(item.UnitPrice)
		paid = paid.Add(sums[item.ID])

		wasAllowed := item.SampleAllowed
		item.SampleAllowed = allocation.SampleAllowed(sums[item.ID], item.UnitPrice, threshold)
		if !item.SampleAllowed {
			allAllowed = false
		}
		if item.SampleAllowed != wasAllowed {
			if err := s.orderRepo.UpdateItem(ctx, item); err != nil {
				return fmt.Errorf("failed to update item flags: %w", err)
			}
		}
	}

	due := total.Sub(paid)
	if due.Sign() < 0 {
		due = decimal.Zero
	}

	order.OrderTotal = total
	order.OrderPaid = paid
	order.OrderDue = due
	order.SampleAllowed = allAllowed
	order.Status = model.DeriveOrderStatus(order.Items, paid, due)

	if err := s.orderRepo.UpdateAggregates(ctx, order); err != nil {
		return fmt.Errorf("failed to update order aggregates: %w", err)
	}
	return nil
}

func (s *orderService) loadOrderResponse(ctx context.Context, orderID uuid.UUID) (OrderResponse, error) {
	order, err := s.orderRepo.FindByIDWithItems(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return OrderResponse{}, apperr.New(apperr.CodeNotFound, "order %s not found", orderID)
		}
		return OrderResponse{}, fmt.Errorf("failed to load order: %w", err)
	}

	itemIDs := make([]uuid.UUID, 0, len(order.Items))
	for _, it := range order.Items {
		itemIDs = append(itemIDs, it.ID)
	}
	sums, err := s.paymentRepo.SumAllocationsByItem(ctx, itemIDs)
	if err != nil {
		return OrderResponse{}, fmt.Errorf("failed to derive allocations: %w", err)
	}

	return toOrderResponse(*order, sums), nil
}

func (s *orderService) generateOrderCode(ctx context.Context) (string, error) {
	today := time.Now().Format("20060102")
	prefix := "LAB-" + today + "-"

	count, err := s.orderRepo.CountByPrefix(ctx, prefix)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%05d", prefix, count+1), nil
}

func (s *orderService) broadcast(event string, data map[string]interface{}) {
	s.hub.Emit(event, data)
}

func parseOrderItemIDs(orderID, itemID string) (uuid.UUID, uuid.UUID, error) {
	oid, err := uuid.Parse(orderID)
	if err != nil {
		return uuid.Nil, uuid.Nil, apperr.New(apperr.CodeValidation, "invalid order id: %s", orderID)
	}
	iid, err := uuid.Parse(itemID)
	if err != nil {
		return uuid.Nil, uuid.Nil, apperr.New(apperr.CodeValidation, "invalid item id: %s", itemID)
	}
	return oid, iid, nil
}

func orderAllAllowed(items []model.LabOrderItem) bool {
	for _, it := range items {
		if it.Status.Cancelled() {
			continue
		}
		if !it.SampleAllowed {
			return false
		}
	}
	return true
}

// --- Mapping ---

func toOrderResponse(order model.LabOrder, sums map[uuid.UUID]decimal.Decimal) OrderResponse {
	resp := OrderResponse{
		ID:              order.ID.String(),
		OrderCode:       order.OrderCode,
		PatientID:       order.PatientID.String(),
		Status:          string(order.Status),
		OrderTotal:      order.OrderTotal.StringFixed(2),
		OrderPaid:       order.OrderPaid.StringFixed(2),
		OrderDue:        order.OrderDue.StringFixed(2),
		SampleAllowed:   order.SampleAllowed,
		Items:           make([]OrderItemResponse, 0, len(order.Items)),
		CreatedAt:       order.CreatedAt.Format(time.RFC3339),
		RefundCandidate: "0.00",
	}
	if order.DoctorID != nil {
		s := order.DoctorID.String()
		resp.DoctorID = &s
	}
	if order.AppointmentID != nil {
		s := order.AppointmentID.String()
		resp.AppointmentID = &s
	}
	if order.PaymentThreshold != nil {
		s := order.PaymentThreshold.String()
		resp.PaymentThreshold = &s
	}

	refundTotal := decimal.Zero
	for _, it := range order.Items {
		allocated := sums[it.ID]
		due := it.UnitPrice.Sub(allocated)
		if due.Sign() < 0 {
			due = decimal.Zero
		}

		item := OrderItemResponse{
			ID:              it.ID.String(),
			LabTestID:       it.LabTestID.String(),
			TestName:        it.TestName,
			UnitPrice:       it.UnitPrice.StringFixed(2),
			Allocated:       allocated.StringFixed(2),
			Due:             due.StringFixed(2),
			Status:          string(it.Status),
			IsSelected:      it.IsSelected,
			SampleAllowed:   it.SampleAllowed,
			CancelledReason: it.CancelledReason,
			CancelledBy:     it.CancelledBy,
		}
		if it.Status.Cancelled() && allocated.Sign() > 0 {
			item.RefundCandidate = allocated.StringFixed(2)
			refundTotal = refundTotal.Add(allocated)
		}
		resp.Items = append(resp.Items, item)
	}
	resp.RefundCandidate = refundTotal.StringFixed(2)

	return resp
}
