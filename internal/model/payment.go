package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentStatus lifecycle: pending -> completed | failed; refunded is terminal
// and only reachable from completed.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
)

type PaymentMethod string

const (
	PaymentMethodBkash        PaymentMethod = "bkash"
	PaymentMethodBankTransfer PaymentMethod = "bank_transfer"
	PaymentMethodOfflineCash  PaymentMethod = "offline_cash"
	PaymentMethodOfflineCard  PaymentMethod = "offline_card"
	PaymentMethodMixed        PaymentMethod = "mixed"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodBkash, PaymentMethodBankTransfer, PaymentMethodOfflineCash,
		PaymentMethodOfflineCard, PaymentMethodMixed:
		return true
	}
	return false
}

// PaymentRecord is one idempotent payment transaction. PaymentReference is the
// caller-supplied idempotency key; its unique index is the sole replay guard.
// Webhook confirmations map the gateway transaction id onto the same reference
// space ("gw-<txid>") so both entry points share one record per logical payment.
type PaymentRecord struct {
	ID                   uuid.UUID         `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	PaymentReference     string            `gorm:"type:varchar(100);uniqueIndex;not null" json:"payment_reference"`
	PatientID            uuid.UUID         `gorm:"type:uuid;not null;index" json:"patient_id"`
	AppliedAmount        decimal.Decimal   `gorm:"type:decimal(18,4);not null" json:"applied_amount"`
	PaymentMethod        PaymentMethod     `gorm:"type:varchar(20);not null" json:"payment_method"`
	Status               PaymentStatus     `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	GatewayTransactionID *string           `gorm:"type:varchar(100);uniqueIndex" json:"gateway_transaction_id,omitempty"`
	AppliedOrders        string            `gorm:"type:jsonb" json:"applied_orders"` // display cache; AllocationEntry rows are authoritative
	Notes                string            `gorm:"type:text" json:"notes"`
	FailureReason        string            `gorm:"type:text" json:"failure_reason,omitempty"`
	CreatedBy            *uuid.UUID        `gorm:"type:uuid" json:"created_by"` // admin user for offline payments
	CompletedAt          *time.Time        `json:"completed_at"`
	Allocations          []AllocationEntry `gorm:"foreignKey:PaymentID" json:"allocations,omitempty"`
	CreatedAt            time.Time         `gorm:"index" json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

// AllocationEntry records how a payment's amount was distributed across order
// items. Entries are append-only: refunds add reversing negative entries
// rather than mutating history. The composite unique index guarantees a
// payment touches a given item at most once.
type AllocationEntry struct {
	ID            uuid.UUID       `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	PaymentID     uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex:ux_payment_item;index" json:"payment_id"`
	OrderItemID   uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex:ux_payment_item;index" json:"order_item_id"`
	AppliedAmount decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"applied_amount"`
	CreatedAt     time.Time       `json:"created_at"`
}
