package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"backend/internal/allocation"
	"backend/internal/apperr"
	"backend/internal/model"
	"backend/internal/repository"
	ws "backend/internal/websocket"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// gatewayReferencePrefix maps gateway transaction ids into the idempotency
// reference space shared with client-supplied keys.
const gatewayReferencePrefix = "gw-"

// maxAllocationRetries bounds internal retries on lock/serialization
// conflicts before AllocationConflict surfaces to the caller.
const maxAllocationRetries = 3

// --- DTOs ---

type PaymentTarget struct {
	Orders []string `json:"orders"`
	Items  []string `json:"items"`
}

type SubmitPaymentRequest struct {
	Amount         string        `json:"amount" binding:"required"`
	PaymentMethod  string        `json:"payment_method" binding:"required,oneof=bkash bank_transfer offline_cash offline_card mixed"`
	Target         PaymentTarget `json:"target" binding:"required"`
	IdempotencyKey string        `json:"idempotency_key" binding:"required"`
	Notes          string        `json:"notes"`
}

// GatewayConfirmation is the asynchronous webhook payload. It funnels into
// the same allocation path as SubmitBatchPayment, keyed by the gateway
// transaction id instead of a client idempotency key.
type GatewayConfirmation struct {
	GatewayTransactionID string        `json:"gateway_transaction_id" binding:"required"`
	PatientID            string        `json:"patient_id" binding:"required"`
	Amount               string        `json:"amount" binding:"required"`
	PaymentMethod        string        `json:"payment_method" binding:"required"`
	Target               PaymentTarget `json:"target" binding:"required"`
	Status               string        `json:"status" binding:"required,oneof=success failed"`
	FailureReason        string        `json:"failure_reason"`
}

type AllocationResponse struct {
	OrderItemID   string `json:"order_item_id"`
	AppliedAmount string `json:"applied_amount"`
}

type PaymentResponse struct {
	ID                   string               `json:"id"`
	PaymentReference     string               `json:"payment_reference"`
	PatientID            string               `json:"patient_id"`
	AppliedAmount        string               `json:"applied_amount"`
	PaymentMethod        string               `json:"payment_method"`
	Status               string               `json:"status"`
	GatewayTransactionID *string              `json:"gateway_transaction_id,omitempty"`
	Notes                string               `json:"notes,omitempty"`
	CreatedBy            *string              `json:"created_by,omitempty"`
	CompletedAt          *string              `json:"completed_at,omitempty"`
	Allocations          []AllocationResponse `json:"allocations"`
	CreatedAt            string               `json:"created_at"`
}

// PaymentResult is the submit/confirm response: the payment plus every order
// it touched, with aggregates recomputed. Replayed reports whether the call
// was satisfied by an already-completed record.
type PaymentResult struct {
	Payment  PaymentResponse `json:"payment"`
	Orders   []OrderResponse `json:"orders"`
	Replayed bool            `json:"replayed"`
}

// --- Interface ---

type PaymentService interface {
	SubmitBatchPayment(ctx context.Context, patientID uuid.UUID, createdBy *uuid.UUID, req SubmitPaymentRequest) (PaymentResult, error)
	ConfirmGatewayPayment(ctx context.Context, req GatewayConfirmation) (PaymentResult, error)
	GetPayment(ctx context.Context, id string, scope *uuid.UUID) (PaymentResponse, error)
	ListPayments(ctx context.Context, patientID *uuid.UUID, page, limit int) ([]PaymentResponse, int64, error)
}

type paymentService struct {
	paymentRepo repository.PaymentRepository
	orderRepo   repository.OrderRepository
	auditRepo   repository.AuditRepository
	thresholds  ThresholdService
	txManager   repository.TransactionManager
	hub         *ws.Hub
}

func NewPaymentService(
	paymentRepo repository.PaymentRepository,
	orderRepo repository.OrderRepository,
	auditRepo repository.AuditRepository,
	thresholds ThresholdService,
	txManager repository.TransactionManager,
	hub *ws.Hub,
) PaymentService {
	return &paymentService{
		paymentRepo: paymentRepo,
		orderRepo:   orderRepo,
		auditRepo:   auditRepo,
		thresholds:  thresholds,
		txManager:   txManager,
		hub:         hub,
	}
}

// --- Entry points ---

func (s *paymentService) SubmitBatchPayment(ctx context.Context, patientID uuid.UUID, createdBy *uuid.UUID, req SubmitPaymentRequest) (PaymentResult, error) {
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return PaymentResult{}, err
	}
	method := model.PaymentMethod(req.PaymentMethod)
	if !method.Valid() {
		return PaymentResult{}, apperr.New(apperr.CodeValidation, "unknown payment method %q", req.PaymentMethod)
	}
	if req.IdempotencyKey == "" {
		return PaymentResult{}, apperr.New(apperr.CodeValidation, "idempotency_key is required")
	}
	target, err := parseTarget(req.Target)
	if err != nil {
		return PaymentResult{}, err
	}

	return s.allocateWithRetry(ctx, allocationRequest{
		reference: req.IdempotencyKey,
		patientID: patientID,
		createdBy: createdBy,
		amount:    amount,
		method:    method,
		target:    target,
		notes:     req.Notes,
		action:    model.ActionSubmitPayment,
	})
}

func (s *paymentService) ConfirmGatewayPayment(ctx context.Context, req GatewayConfirmation) (PaymentResult, error) {
	patientID, err := uuid.Parse(req.PatientID)
	if err != nil {
		return PaymentResult{}, apperr.New(apperr.CodeValidation, "invalid patient_id: %s", req.PatientID)
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return PaymentResult{}, err
	}
	method := model.PaymentMethod(req.PaymentMethod)
	if !method.Valid() {
		return PaymentResult{}, apperr.New(apperr.CodeValidation, "unknown payment method %q", req.PaymentMethod)
	}

	reference := gatewayReferencePrefix + req.GatewayTransactionID

	if req.Status != "success" {
		return s.recordGatewayFailure(ctx, reference, patientID, amount, method, req)
	}

	target, err := parseTarget(req.Target)
	if err != nil {
		return PaymentResult{}, err
	}

	gatewayTxID := req.GatewayTransactionID
	return s.allocateWithRetry(ctx, allocationRequest{
		reference:   reference,
		patientID:   patientID,
		amount:      amount,
		method:      method,
		target:      target,
		gatewayTxID: &gatewayTxID,
		action:      model.ActionConfirmGatewayPayment,
	})
}

func (s *paymentService) GetPayment(ctx context.Context, id string, scope *uuid.UUID) (PaymentResponse, error) {
	paymentID, err := uuid.Parse(id)
	if err != nil {
		return PaymentResponse{}, apperr.New(apperr.CodeValidation, "invalid payment id: %s", id)
	}
	payment, err := s.paymentRepo.FindByID(ctx, paymentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return PaymentResponse{}, apperr.New(apperr.CodeNotFound, "payment %s not found", id)
		}
		return PaymentResponse{}, fmt.Errorf("failed to fetch payment: %w", err)
	}
	// A patient sees only their own payments; foreign ids read as missing.
	if scope != nil && payment.PatientID != *scope {
		return PaymentResponse{}, apperr.New(apperr.CodeNotFound, "payment %s not found", id)
	}
	return toPaymentResponse(*payment), nil
}

func (s *paymentService) ListPayments(ctx context.Context, patientID *uuid.UUID, page, limit int) ([]PaymentResponse, int64, error) {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}

	payments, total, err := s.paymentRepo.List(ctx, patientID, page, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch payments: %w", err)
	}

	result := make([]PaymentResponse, 0, len(payments))
	for _, p := range payments {
		result = append(result, toPaymentResponse(p))
	}
	return result, total, nil
}

// --- Core allocation path ---

type resolvedTarget struct {
	orderIDs []uuid.UUID
	itemIDs  []uuid.UUID
}

type allocationRequest struct {
	reference   string
	patientID   uuid.UUID
	createdBy   *uuid.UUID
	amount      decimal.Decimal
	method      model.PaymentMethod
	target      resolvedTarget
	notes       string
	gatewayTxID *string
	action      string
}

func (s *paymentService) allocateWithRetry(ctx context.Context, req allocationRequest) (PaymentResult, error) {
	// The default threshold is read once here and injected, so the engine's
	// behavior inside the transaction is a pure function of ledger + config.
	threshold, err := s.thresholds.DefaultThreshold(ctx)
	if err != nil {
		return PaymentResult{}, fmt.Errorf("failed to load payment threshold: %w", err)
	}

	var result PaymentResult
	for attempt := 1; ; attempt++ {
		err = s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
			var txErr error
			result, txErr = s.allocate(txCtx, req, threshold)
			return txErr
		})
		if err == nil {
			break
		}
		if isLockConflict(err) && attempt < maxAllocationRetries {
			log.Printf("allocation conflict on payment %s (attempt %d), retrying", req.reference, attempt)
			continue
		}
		if isLockConflict(err) {
			return PaymentResult{}, apperr.Wrap(apperr.CodeAllocationConflict, err,
				"allocation contention, please retry")
		}
		return PaymentResult{}, err
	}

	if !result.Replayed {
		s.broadcast("payment_completed", map[string]interface{}{
			"payment_id":        result.Payment.ID,
			"payment_reference": result.Payment.PaymentReference,
			"patient_id":        result.Payment.PatientID,
			"amount":            result.Payment.AppliedAmount,
		})
	}
	return result, nil
}

// allocate runs entirely inside one transaction. On any error the transaction
// rolls back, so no partial ledger state survives a failed attempt.
func (s *paymentService) allocate(ctx context.Context, req allocationRequest, threshold decimal.Decimal) (PaymentResult, error) {
	// Idempotency check before any other work. The unique index on
	// payment_reference backs this up under races: the loser of a concurrent
	// insert fails the constraint and retries into this branch.
	existing, err := s.paymentRepo.FindByReferenceForUpdate(ctx, req.reference)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return PaymentResult{}, fmt.Errorf("idempotency lookup failed: %w", err)
	}

	payment := &model.PaymentRecord{}
	if existing != nil {
		if existing.Status == model.PaymentStatusCompleted || existing.Status == model.PaymentStatusRefunded {
			return s.replayResult(ctx, existing, req)
		}
		// A pending/failed record with this reference is a stale attempt of
		// the same logical operation: re-arm it instead of creating a second
		// record for the key. Entries only ever exist for completed records,
		// but clear defensively before re-running.
		if err := s.paymentRepo.DeleteEntriesByPayment(ctx, existing.ID); err != nil {
			return PaymentResult{}, fmt.Errorf("failed to clear stale allocation entries: %w", err)
		}
		payment = existing
	}

	items, orders, owner, err := s.resolveEligibleItems(ctx, req.patientID, req.target)
	if err != nil {
		return PaymentResult{}, err
	}

	itemIDs := make([]uuid.UUID, 0, len(items))
	for _, it := range items {
		itemIDs = append(itemIDs, it.ID)
	}
	allocated, err := s.paymentRepo.SumAllocationsByItem(ctx, itemIDs)
	if err != nil {
		return PaymentResult{}, fmt.Errorf("failed to derive allocated amounts: %w", err)
	}

	orderByID := make(map[uuid.UUID]*model.LabOrder, len(orders))
	for i := range orders {
		orderByID[orders[i].ID] = &orders[i]
	}

	targets := make([]allocation.Target, 0, len(items))
	for _, it := range items {
		parent := orderByID[it.OrderID]
		targets = append(targets, allocation.Target{
			ItemID:         it.ID,
			OrderID:        it.OrderID,
			UnitPrice:      it.UnitPrice,
			Allocated:      allocated[it.ID],
			OrderCreatedAt: parent.CreatedAt.UnixNano(),
		})
	}

	plan, err := allocation.Distribute(req.amount, targets)
	if err != nil {
		return PaymentResult{}, err
	}

	now := time.Now()
	payment.PaymentReference = req.reference
	payment.PatientID = owner
	payment.AppliedAmount = req.amount
	payment.PaymentMethod = req.method
	payment.Status = model.PaymentStatusCompleted
	payment.GatewayTransactionID = req.gatewayTxID
	payment.Notes = req.notes
	payment.FailureReason = ""
	payment.CreatedBy = req.createdBy
	payment.CompletedAt = &now
	payment.AppliedOrders = marshalOrderIDs(plan)

	if existing != nil {
		err = s.paymentRepo.Update(ctx, payment)
	} else {
		err = s.paymentRepo.Create(ctx, payment)
	}
	if err != nil {
		return PaymentResult{}, fmt.Errorf("failed to persist payment record: %w", err)
	}

	entries := make([]model.AllocationEntry, 0, len(plan.Entries))
	for _, e := range plan.Entries {
		entries = append(entries, model.AllocationEntry{
			PaymentID:     payment.ID,
			OrderItemID:   e.ItemID,
			AppliedAmount: e.Amount,
		})
	}
	if err := s.paymentRepo.CreateEntries(ctx, entries); err != nil {
		return PaymentResult{}, fmt.Errorf("failed to persist allocation entries: %w", err)
	}
	payment.Allocations = entries

	touched, err := s.recomputeOrders(ctx, orders, threshold)
	if err != nil {
		return PaymentResult{}, err
	}

	details, _ := json.Marshal(map[string]interface{}{
		"payment_reference": req.reference,
		"amount":            req.amount.String(),
		"method":            req.method,
		"items":             len(plan.Entries),
	})
	audit := &model.AuditLog{
		UserID:     req.createdBy,
		Action:     req.action,
		EntityID:   payment.ID.String(),
		EntityName: req.reference,
		Details:    string(details),
	}
	if err := s.auditRepo.Log(ctx, audit); err != nil {
		return PaymentResult{}, fmt.Errorf("failed to write audit log: %w", err)
	}

	return PaymentResult{
		Payment: toPaymentResponse(*payment),
		Orders:  touched,
	}, nil
}

// resolveEligibleItems expands the target to locked item rows and their
// locked parent orders. Explicitly listed items must be eligible; items
// reached via an order id are filtered to the eligible subset.
func (s *paymentService) resolveEligibleItems(ctx context.Context, patientID uuid.UUID, target resolvedTarget) ([]model.LabOrderItem, []model.LabOrder, uuid.UUID, error) {
	candidateIDs := append([]uuid.UUID{}, target.itemIDs...)
	if len(target.orderIDs) > 0 {
		fromOrders, err := s.orderRepo.FindItemIDsByOrders(ctx, target.orderIDs)
		if err != nil {
			return nil, nil, uuid.Nil, fmt.Errorf("failed to resolve order items: %w", err)
		}
		candidateIDs = append(candidateIDs, fromOrders...)
	}
	if len(candidateIDs) == 0 {
		return nil, nil, uuid.Nil, apperr.New(apperr.CodeItemNotEligible, "payment target resolves to no order items")
	}

	items, err := s.orderRepo.FindItemsForUpdate(ctx, candidateIDs)
	if err != nil {
		return nil, nil, uuid.Nil, fmt.Errorf("failed to lock order items: %w", err)
	}

	explicit := make(map[uuid.UUID]bool, len(target.itemIDs))
	for _, id := range target.itemIDs {
		explicit[id] = true
	}
	found := make(map[uuid.UUID]bool, len(items))

	orderIDSet := make(map[uuid.UUID]bool)
	eligible := make([]model.LabOrderItem, 0, len(items))
	for _, it := range items {
		found[it.ID] = true
		if it.Status.Cancelled() || !it.IsSelected {
			if explicit[it.ID] {
				return nil, nil, uuid.Nil, apperr.New(apperr.CodeItemNotEligible,
					"order item %s is not eligible for payment", it.ID)
			}
			continue
		}
		eligible = append(eligible, it)
		orderIDSet[it.OrderID] = true
	}
	for id := range explicit {
		if !found[id] {
			return nil, nil, uuid.Nil, apperr.New(apperr.CodeItemNotEligible, "order item %s not found", id)
		}
	}
	if len(eligible) == 0 {
		return nil, nil, uuid.Nil, apperr.New(apperr.CodeItemNotEligible, "payment target resolves to no eligible order items")
	}

	orderIDs := make([]uuid.UUID, 0, len(orderIDSet))
	for id := range orderIDSet {
		orderIDs = append(orderIDs, id)
	}
	orders, err := s.orderRepo.FindOrdersForUpdateWithItems(ctx, orderIDs)
	if err != nil {
		return nil, nil, uuid.Nil, fmt.Errorf("failed to lock orders: %w", err)
	}

	// Patients may only pay toward their own orders. Staff-recorded payments
	// (patientID zero) adopt the owner from the targeted orders, which must
	// all belong to the same patient.
	owner := patientID
	for _, o := range orders {
		if owner == uuid.Nil {
			owner = o.PatientID
		}
		if o.PatientID != owner {
			return nil, nil, uuid.Nil, apperr.New(apperr.CodeItemNotEligible,
				"order %s does not belong to patient %s", o.OrderCode, owner)
		}
	}

	return eligible, orders, owner, nil
}

// recomputeOrders re-derives every touched order's item flags and cached
// aggregates from ledger sums. The just-created entries are already visible
// to the SUM because everything runs on the same transaction. Pure
// re-derivation, never an incremental bump of a running counter.
func (s *paymentService) recomputeOrders(ctx context.Context, orders []model.LabOrder, defaultThreshold decimal.Decimal) ([]OrderResponse, error) {
	responses := make([]OrderResponse, 0, len(orders))
	for i := range orders {
		order := &orders[i]

		allItemIDs := make([]uuid.UUID, 0, len(order.Items))
		for _, it := range order.Items {
			allItemIDs = append(allItemIDs, it.ID)
		}
		sums, err := s.paymentRepo.SumAllocationsByItem(ctx, allItemIDs)
		if err != nil {
			return nil, fmt.Errorf("failed to derive order allocations: %w", err)
		}

		threshold := allocation.EffectiveThreshold(order.PaymentThreshold, defaultThreshold)
		if err := s.applyAggregates(ctx, order, sums, threshold); err != nil {
			return nil, err
		}
		responses = append(responses, toOrderResponse(*order, sums))
	}
	return responses, nil
}

// applyAggregates writes recomputed item flags and order aggregates.
func (s *paymentService) applyAggregates(ctx context.Context, order *model.LabOrder, sums map[uuid.UUID]decimal.Decimal, threshold decimal.Decimal) error {
	total := decimal.Zero
	paid := decimal.Zero
	allAllowed := true

	for i := range order.Items {
		item := &order.Items[i]
		itemAllocated := sums[item.ID]

		if item.Status.Cancelled() {
			// Cancelled items keep their ledger history (refund candidates)
			// but no longer count toward totals or gating.
			continue
		}

		total = total.Add(item.UnitPrice)
		paid = paid.Add(itemAllocated)

		wasAllowed := item.SampleAllowed
		item.SampleAllowed = allocation.SampleAllowed(itemAllocated, item.UnitPrice, threshold)
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

// replayResult short-circuits a duplicate idempotency key: the stored record
// is returned unchanged, logged as a detected replay, and no allocation runs.
func (s *paymentService) replayResult(ctx context.Context, existing *model.PaymentRecord, req allocationRequest) (PaymentResult, error) {
	log.Printf("replay detected for payment reference %s", req.reference)

	orderIDSet := make(map[uuid.UUID]bool)
	itemIDs := make([]uuid.UUID, 0, len(existing.Allocations))
	for _, e := range existing.Allocations {
		itemIDs = append(itemIDs, e.OrderItemID)
	}
	if len(itemIDs) > 0 {
		items, err := s.orderRepo.FindItemsForUpdate(ctx, itemIDs)
		if err != nil {
			return PaymentResult{}, fmt.Errorf("failed to load replayed items: %w", err)
		}
		for _, it := range items {
			orderIDSet[it.OrderID] = true
		}
	}

	orderIDs := make([]uuid.UUID, 0, len(orderIDSet))
	for id := range orderIDSet {
		orderIDs = append(orderIDs, id)
	}
	responses := make([]OrderResponse, 0, len(orderIDs))
	if len(orderIDs) > 0 {
		orders, err := s.orderRepo.FindOrdersForUpdateWithItems(ctx, orderIDs)
		if err != nil {
			return PaymentResult{}, fmt.Errorf("failed to load replayed orders: %w", err)
		}
		for _, o := range orders {
			ids := make([]uuid.UUID, 0, len(o.Items))
			for _, it := range o.Items {
				ids = append(ids, it.ID)
			}
			sums, err := s.paymentRepo.SumAllocationsByItem(ctx, ids)
			if err != nil {
				return PaymentResult{}, fmt.Errorf("failed to derive order allocations: %w", err)
			}
			responses = append(responses, toOrderResponse(o, sums))
		}
	}

	details, _ := json.Marshal(map[string]string{"payment_reference": req.reference})
	audit := &model.AuditLog{
		UserID:     req.createdBy,
		Action:     model.ActionReplayDetected,
		EntityID:   existing.ID.String(),
		EntityName: req.reference,
		Details:    string(details),
	}
	if err := s.auditRepo.Log(ctx, audit); err != nil {
		return PaymentResult{}, fmt.Errorf("failed to write audit log: %w", err)
	}

	return PaymentResult{
		Payment:  toPaymentResponse(*existing),
		Orders:   responses,
		Replayed: true,
	}, nil
}

// recordGatewayFailure stores a failed record for an unsuccessful gateway
// confirmation without touching the ledger. A later successful confirmation
// with the same transaction id re-arms this record.
func (s *paymentService) recordGatewayFailure(ctx context.Context, reference string, patientID uuid.UUID, amount decimal.Decimal, method model.PaymentMethod, req GatewayConfirmation) (PaymentResult, error) {
	var result PaymentResult
	err := s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		existing, err := s.paymentRepo.FindByReferenceForUpdate(txCtx, reference)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("idempotency lookup failed: %w", err)
		}
		if existing != nil {
			if existing.Status == model.PaymentStatusCompleted {
				// A completed payment is never demoted by a late failure event.
				if err := s.logGatewayFailure(txCtx, model.ActionReplayDetected, existing.ID, reference, req.FailureReason); err != nil {
					return err
				}
				result = PaymentResult{Payment: toPaymentResponse(*existing), Replayed: true}
				return nil
			}
			existing.Status = model.PaymentStatusFailed
			existing.FailureReason = req.FailureReason
			if err := s.paymentRepo.Update(txCtx, existing); err != nil {
				return fmt.Errorf("failed to update payment record: %w", err)
			}
			if err := s.logGatewayFailure(txCtx, model.ActionGatewayPaymentFailed, existing.ID, reference, req.FailureReason); err != nil {
				return err
			}
			result = PaymentResult{Payment: toPaymentResponse(*existing)}
			return nil
		}

		gatewayTxID := req.GatewayTransactionID
		payment := &model.PaymentRecord{
			PaymentReference:     reference,
			PatientID:            patientID,
			AppliedAmount:        amount,
			PaymentMethod:        method,
			Status:               model.PaymentStatusFailed,
			GatewayTransactionID: &gatewayTxID,
			FailureReason:        req.FailureReason,
		}
		if err := s.paymentRepo.Create(txCtx, payment); err != nil {
			return fmt.Errorf("failed to persist payment record: %w", err)
		}
		if err := s.logGatewayFailure(txCtx, model.ActionGatewayPaymentFailed, payment.ID, reference, req.FailureReason); err != nil {
			return err
		}
		result = PaymentResult{Payment: toPaymentResponse(*payment)}
		return nil
	})
	if err != nil {
		return PaymentResult{}, err
	}
	return result, nil
}

func (s *paymentService) logGatewayFailure(ctx context.Context, action string, paymentID uuid.UUID, reference, reason string) error {
	details, _ := json.Marshal(map[string]string{
		"payment_reference": reference,
		"failure_reason":    reason,
	})
	audit := &model.AuditLog{
		Action:     action,
		EntityID:   paymentID.String(),
		EntityName: reference,
		Details:    string(details),
	}
	if err := s.auditRepo.Log(ctx, audit); err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

// --- Helpers ---

func parseAmount(raw string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, apperr.New(apperr.CodeValidation, "invalid amount %q", raw)
	}
	if amount.Sign() <= 0 {
		return decimal.Decimal{}, apperr.New(apperr.CodeValidation, "amount must be positive, got %s", amount.String())
	}
	return amount, nil
}

func parseTarget(target PaymentTarget) (resolvedTarget, error) {
	if len(target.Orders) == 0 && len(target.Items) == 0 {
		return resolvedTarget{}, apperr.New(apperr.CodeValidation, "target must name at least one order or item")
	}

	var resolved resolvedTarget
	for _, raw := range target.Orders {
		id, err := uuid.Parse(raw)
		if err != nil {
			return resolvedTarget{}, apperr.New(apperr.CodeValidation, "invalid order id %q in target", raw)
		}
		resolved.orderIDs = append(resolved.orderIDs, id)
	}
	for _, raw := range target.Items {
		id, err := uuid.Parse(raw)
		if err != nil {
			return resolvedTarget{}, apperr.New(apperr.CodeValidation, "invalid item id %q in target", raw)
		}
		resolved.itemIDs = append(resolved.itemIDs, id)
	}
	return resolved, nil
}

func marshalOrderIDs(plan allocation.Plan) string {
	seen := make(map[uuid.UUID]bool)
	ids := make([]string, 0)
	for _, e := range plan.Entries {
		if !seen[e.OrderID] {
			seen[e.OrderID] = true
			ids = append(ids, e.OrderID.String())
		}
	}
	raw, _ := json.Marshal(ids)
	return string(raw)
}

// isLockConflict recognizes Postgres serialization failures and deadlocks
// (40001, 40P01) plus duplicate-key races on the idempotency index (23505),
// all of which are safe to retry from the top of the transaction.
func isLockConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "23505":
			return true
		}
	}
	return false
}

func (s *paymentService) broadcast(event string, data map[string]interface{}) {
	s.hub.Emit(event, data)
}

// --- Mapping ---

func toPaymentResponse(p model.PaymentRecord) PaymentResponse {
	resp := PaymentResponse{
		ID:                   p.ID.String(),
		PaymentReference:     p.PaymentReference,
		PatientID:            p.PatientID.String(),
		AppliedAmount:        p.AppliedAmount.StringFixed(2),
		PaymentMethod:        string(p.PaymentMethod),
		Status:               string(p.Status),
		GatewayTransactionID: p.GatewayTransactionID,
		Notes:                p.Notes,
		Allocations:          make([]AllocationResponse, 0, len(p.Allocations)),
		CreatedAt:            p.CreatedAt.Format(time.RFC3339),
	}
	if p.CreatedBy != nil {
		s := p.CreatedBy.String()
		resp.CreatedBy = &s
	}
	if p.CompletedAt != nil {
		s := p.CompletedAt.Format(time.RFC3339)
		resp.CompletedAt = &s
	}
	for _, a := range p.Allocations {
		resp.Allocations = append(resp.Allocations, AllocationResponse{
			OrderItemID:   a.OrderItemID.String(),
			AppliedAmount: a.AppliedAmount.StringFixed(2),
		})
	}
	return resp
}
