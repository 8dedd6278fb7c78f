package repository

import (
	"context"

	"backend/internal/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PaymentRepository interface {
	Create(ctx context.Context, payment *model.PaymentRecord) error
	Update(ctx context.Context, payment *model.PaymentRecord) error
	FindByID(ctx context.Context, id uuid.UUID) (*model.PaymentRecord, error)
	// FindByReferenceForUpdate locks the record row so a concurrent retry with
	// the same idempotency key serializes behind this transaction.
	FindByReferenceForUpdate(ctx context.Context, reference string) (*model.PaymentRecord, error)
	List(ctx context.Context, patientID *uuid.UUID, page, limit int) ([]model.PaymentRecord, int64, error)
	CreateEntries(ctx context.Context, entries []model.AllocationEntry) error
	DeleteEntriesByPayment(ctx context.Context, paymentID uuid.UUID) error
	// SumAllocationsByItem re-derives paid-to-date per item from the ledger.
	// This is the authoritative source for every cached aggregate.
	SumAllocationsByItem(ctx context.Context, itemIDs []uuid.UUID) (map[uuid.UUID]decimal.Decimal, error)
}

type paymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) PaymentRepository {
	return &paymentRepository{db: db}
}

func (r *paymentRepository) Create(ctx context.Context, payment *model.PaymentRecord) error {
	return GetDB(ctx, r.db).Create(payment).Error
}

func (r *paymentRepository) Update(ctx context.Context, payment *model.PaymentRecord) error {
	return GetDB(ctx, r.db).Save(payment).Error
}

func (r *paymentRepository) FindByID(ctx context.Context, id uuid.UUID) (*model.PaymentRecord, error) {
	var payment model.PaymentRecord
	if err := GetDB(ctx, r.db).Preload("Allocations").First(&payment, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *paymentRepository) FindByReferenceForUpdate(ctx context.Context, reference string) (*model.PaymentRecord, error) {
	var payment model.PaymentRecord
	if err := GetDB(ctx, r.db).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&payment, "payment_reference = ?", reference).Error; err != nil {
		return nil, err
	}
	if err := GetDB(ctx, r.db).Where("payment_id = ?", payment.ID).Find(&payment.Allocations).Error; err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *paymentRepository) List(ctx context.Context, patientID *uuid.UUID, page, limit int) ([]model.PaymentRecord, int64, error) {
	var payments []model.PaymentRecord
	var total int64

	db := GetDB(ctx, r.db)
	query := db.Model(&model.PaymentRecord{})
	if patientID != nil {
		query = query.Where("patient_id = ?", *patientID)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * limit
	fetch := db.Preload("Allocations")
	if patientID != nil {
		fetch = fetch.Where("patient_id = ?", *patientID)
	}
	if err := fetch.Order("created_at desc").Offset(offset).Limit(limit).Find(&payments).Error; err != nil {
		return nil, 0, err
	}

	return payments, total, nil
}

func (r *paymentRepository) CreateEntries(ctx context.Context, entries []model.AllocationEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return GetDB(ctx, r.db).Create(&entries).Error
}

func (r *paymentRepository) DeleteEntriesByPayment(ctx context.Context, paymentID uuid.UUID) error {
	return GetDB(ctx, r.db).Where("payment_id = ?", paymentID).Delete(&model.AllocationEntry{}).Error
}

func (r *paymentRepository) SumAllocationsByItem(ctx context.Context, itemIDs []uuid.UUID) (map[uuid.UUID]decimal.Decimal, error) {
	sums := make(map[uuid.UUID]decimal.Decimal, len(itemIDs))
	if len(itemIDs) == 0 {
		return sums, nil
	}

	var rows []struct {
		OrderItemID uuid.UUID
		Total       decimal.Decimal
	}
	if err := GetDB(ctx, r.db).
		Model(&model.AllocationEntry{}).
		Select("order_item_id, COALESCE(SUM(applied_amount), 0) as total").
		Where("order_item_id IN ?", itemIDs).
		Group("order_item_id").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	for _, row := range rows {
		sums[row.OrderItemID] = row.Total
	}
	return sums, nil
}
