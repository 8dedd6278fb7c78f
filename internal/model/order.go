package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderItemStatus is the fulfillment state of a single lab test item.
type OrderItemStatus string

const (
	ItemStatusOrdered            OrderItemStatus = "ordered"
	ItemStatusApproved           OrderItemStatus = "approved"
	ItemStatusSampleScheduled    OrderItemStatus = "sample_collection_scheduled"
	ItemStatusSampleCollected    OrderItemStatus = "sample_collected"
	ItemStatusProcessing         OrderItemStatus = "processing"
	ItemStatusResultsReady       OrderItemStatus = "results_ready"
	ItemStatusCompleted          OrderItemStatus = "completed"
	ItemStatusCancelledByPatient OrderItemStatus = "cancelled_by_patient"
	ItemStatusCancelledByAdmin   OrderItemStatus = "cancelled_by_admin"
)

// itemStatusRank orders the forward path. Cancellation states are not ranked.
var itemStatusRank = map[OrderItemStatus]int{
	ItemStatusOrdered:         0,
	ItemStatusApproved:        1,
	ItemStatusSampleScheduled: 2,
	ItemStatusSampleCollected: 3,
	ItemStatusProcessing:      4,
	ItemStatusResultsReady:    5,
	ItemStatusCompleted:       6,
}

func (s OrderItemStatus) Valid() bool {
	if _, ok := itemStatusRank[s]; ok {
		return true
	}
	return s == ItemStatusCancelledByPatient || s == ItemStatusCancelledByAdmin
}

func (s OrderItemStatus) Cancelled() bool {
	return s == ItemStatusCancelledByPatient || s == ItemStatusCancelledByAdmin
}

func (s OrderItemStatus) Terminal() bool {
	return s.Cancelled() || s == ItemStatusCompleted
}

// Cancellable reports whether an item in this state may still be cancelled.
// Once sample collection is scheduled the item can only move forward.
func (s OrderItemStatus) Cancellable() bool {
	return s == ItemStatusOrdered || s == ItemStatusApproved
}

// CanTransitionTo allows exactly one forward step along the fulfillment path,
// plus cancellation from the pre-scheduling states. Everything else is
// rejected, including skips and backward moves.
func (s OrderItemStatus) CanTransitionTo(next OrderItemStatus) bool {
	if next.Cancelled() {
		return s.Cancellable()
	}
	from, okFrom := itemStatusRank[s]
	to, okTo := itemStatusRank[next]
	if !okFrom || !okTo {
		return false
	}
	return to == from+1
}

// RequiresSampleAllowed reports whether a transition into next is gated on the
// payment threshold. Scheduling collection is always permitted; actually
// collecting the sample (and every later step) is not.
func (s OrderItemStatus) RequiresSampleAllowed(next OrderItemStatus) bool {
	rank, ok := itemStatusRank[next]
	return ok && rank > itemStatusRank[ItemStatusSampleScheduled]
}

// OrderStatus is the coarse order-level projection recomputed from item
// states and payment aggregates.
type OrderStatus string

const (
	OrderStatusOrdered          OrderStatus = "ordered"
	OrderStatusVerified         OrderStatus = "verified"
	OrderStatusPaymentPending   OrderStatus = "payment_pending"
	OrderStatusPaymentPartial   OrderStatus = "payment_partial"
	OrderStatusPaymentCompleted OrderStatus = "payment_completed"
	OrderStatusSampleScheduled  OrderStatus = "sample_collection_scheduled"
	OrderStatusSampleCollected  OrderStatus = "sample_collected"
	OrderStatusProcessing       OrderStatus = "processing"
	OrderStatusResultsReady     OrderStatus = "results_ready"
	OrderStatusCompleted        OrderStatus = "completed"
	OrderStatusCancelled        OrderStatus = "cancelled"
)

// fulfilmentProjection maps the least-advanced active item rank to an order
// status once every active item has reached sample scheduling.
var fulfilmentProjection = map[int]OrderStatus{
	2: OrderStatusSampleScheduled,
	3: OrderStatusSampleCollected,
	4: OrderStatusProcessing,
	5: OrderStatusResultsReady,
	6: OrderStatusCompleted,
}

// DeriveOrderStatus recomputes the order-level status from its items and the
// cached payment aggregates. It never returns payment_completed while any
// non-cancelled item still has due, because orderDue is itself derived from
// non-cancelled items only.
func DeriveOrderStatus(items []LabOrderItem, orderPaid, orderDue decimal.Decimal) OrderStatus {
	minRank := -1
	anyApproved := false
	allApprovedOrLater := true
	allOrdered := true
	active := 0

	for _, it := range items {
		if it.Status.Cancelled() {
			continue
		}
		active++
		rank := itemStatusRank[it.Status]
		if minRank == -1 || rank < minRank {
			minRank = rank
		}
		if rank >= itemStatusRank[ItemStatusApproved] {
			anyApproved = true
		} else {
			allApprovedOrLater = false
		}
		if it.Status != ItemStatusOrdered {
			allOrdered = false
		}
	}

	if active == 0 {
		return OrderStatusCancelled
	}
	if st, ok := fulfilmentProjection[minRank]; ok {
		return st
	}
	if orderDue.Sign() <= 0 {
		return OrderStatusPaymentCompleted
	}
	if orderPaid.Sign() > 0 {
		return OrderStatusPaymentPartial
	}
	if allApprovedOrLater {
		return OrderStatusPaymentPending
	}
	if anyApproved {
		return OrderStatusVerified
	}
	if allOrdered {
		return OrderStatusOrdered
	}
	return OrderStatusVerified
}

// LabOrder groups one patient's test items and carries aggregates cached from
// the allocation ledger (order_paid, order_due, sample_allowed). The ledger
// remains authoritative; the cache is recomputed inside every allocating
// transaction.
type LabOrder struct {
	ID               uuid.UUID        `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	OrderCode        string           `gorm:"type:varchar(30);uniqueIndex;not null" json:"order_code"`
	PatientID        uuid.UUID        `gorm:"type:uuid;not null;index" json:"patient_id"`
	DoctorID         *uuid.UUID       `gorm:"type:uuid;index" json:"doctor_id"`
	AppointmentID    *uuid.UUID       `gorm:"type:uuid" json:"appointment_id"`
	Status           OrderStatus      `gorm:"type:varchar(40);not null;default:'ordered';index" json:"status"`
	OrderTotal       decimal.Decimal  `gorm:"type:decimal(18,4);not null;default:0" json:"order_total"`
	OrderPaid        decimal.Decimal  `gorm:"type:decimal(18,4);not null;default:0" json:"order_paid"`
	OrderDue         decimal.Decimal  `gorm:"type:decimal(18,4);not null;default:0" json:"order_due"`
	PaymentThreshold *decimal.Decimal `gorm:"type:decimal(10,4)" json:"payment_threshold"` // overrides the global default when set
	SampleAllowed    bool             `gorm:"default:false" json:"sample_allowed"`
	Items            []LabOrderItem   `gorm:"foreignKey:OrderID" json:"items"`
	CreatedAt        time.Time        `gorm:"index" json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// LabOrderItem is one test within an order. TestName and UnitPrice are
// snapshots of the catalog at order time and are immutable afterwards. Items
// are never physically deleted once any payment has touched them; cancellation
// is a terminal soft state.
type LabOrderItem struct {
	ID              uuid.UUID       `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	OrderID         uuid.UUID       `gorm:"type:uuid;not null;index" json:"order_id"`
	LabTestID       uuid.UUID       `gorm:"type:uuid;not null;index" json:"lab_test_id"`
	TestName        string          `gorm:"type:varchar(255);not null" json:"test_name"`
	UnitPrice       decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"unit_price"`
	Status          OrderItemStatus `gorm:"type:varchar(40);not null;default:'ordered';index" json:"status"`
	IsSelected      bool            `gorm:"default:true" json:"is_selected"`
	SampleAllowed   bool            `gorm:"default:false" json:"sample_allowed"`
	CancelledReason string          `gorm:"type:text" json:"cancelled_reason,omitempty"`
	CancelledBy     string          `gorm:"type:varchar(20)" json:"cancelled_by,omitempty"` // patient, admin
	CancelledAt     *time.Time      `json:"cancelled_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}
