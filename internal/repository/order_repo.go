package repository

import (
	"context"

	"backend/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type OrderRepository interface {
	Create(ctx context.Context, order *model.LabOrder) error
	FindByIDWithItems(ctx context.Context, id uuid.UUID) (*model.LabOrder, error)
	FindItem(ctx context.Context, orderID, itemID uuid.UUID) (*model.LabOrderItem, error)
	// FindItemsForUpdate locks the item rows FOR UPDATE, always in ascending
	// id order so concurrent allocations acquire locks in the same sequence.
	FindItemsForUpdate(ctx context.Context, itemIDs []uuid.UUID) ([]model.LabOrderItem, error)
	// FindOrdersForUpdateWithItems locks the parent order rows (ascending id)
	// and returns them with all their items loaded.
	FindOrdersForUpdateWithItems(ctx context.Context, orderIDs []uuid.UUID) ([]model.LabOrder, error)
	FindItemIDsByOrders(ctx context.Context, orderIDs []uuid.UUID) ([]uuid.UUID, error)
	UpdateItem(ctx context.Context, item *model.LabOrderItem) error
	UpdateAggregates(ctx context.Context, order *model.LabOrder) error
	List(ctx context.Context, patientID *uuid.UUID, page, limit int) ([]model.LabOrder, int64, error)
	CountByPrefix(ctx context.Context, prefix string) (int64, error)
}

type orderRepository struct {
	db *gorm.DB
}

func NewOrderRepository(db *gorm.DB) OrderRepository {
	return &orderRepository{db: db}
}

func (r *orderRepository) Create(ctx context.Context, order *model.LabOrder) error {
	return GetDB(ctx, r.db).Create(order).Error
}

func (r *orderRepository) FindByIDWithItems(ctx context.Context, id uuid.UUID) (*model.LabOrder, error) {
	var order model.LabOrder
	if err := GetDB(ctx, r.db).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("lab_order_items.created_at asc") }).
		First(&order, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *orderRepository) FindItem(ctx context.Context, orderID, itemID uuid.UUID) (*model.LabOrderItem, error) {
	var item model.LabOrderItem
	if err := GetDB(ctx, r.db).
		First(&item, "id = ? AND order_id = ?", itemID, orderID).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *orderRepository) FindItemsForUpdate(ctx context.Context, itemIDs []uuid.UUID) ([]model.LabOrderItem, error) {
	var items []model.LabOrderItem
	if err := GetDB(ctx, r.db).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id IN ?", itemIDs).
		Order("id asc").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *orderRepository) FindOrdersForUpdateWithItems(ctx context.Context, orderIDs []uuid.UUID) ([]model.LabOrder, error) {
	var orders []model.LabOrder
	if err := GetDB(ctx, r.db).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id IN ?", orderIDs).
		Order("id asc").
		Find(&orders).Error; err != nil {
		return nil, err
	}
	// Items load in a second query; the order-row locks above already
	// serialize concurrent allocations touching these orders.
	for i := range orders {
		if err := GetDB(ctx, r.db).
			Where("order_id = ?", orders[i].ID).
			Order("created_at asc").
			Find(&orders[i].Items).Error; err != nil {
			return nil, err
		}
	}
	return orders, nil
}

func (r *orderRepository) FindItemIDsByOrders(ctx context.Context, orderIDs []uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	if err := GetDB(ctx, r.db).
		Model(&model.LabOrderItem{}).
		Where("order_id IN ?", orderIDs).
		Order("id asc").
		Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *orderRepository) UpdateItem(ctx context.Context, item *model.LabOrderItem) error {
	return GetDB(ctx, r.db).Save(item).Error
}

func (r *orderRepository) UpdateAggregates(ctx context.Context, order *model.LabOrder) error {
	return GetDB(ctx, r.db).Model(&model.LabOrder{}).Where("id = ?", order.ID).Updates(map[string]interface{}{
		"status":         order.Status,
		"order_total":    order.OrderTotal,
		"order_paid":     order.OrderPaid,
		"order_due":      order.OrderDue,
		"sample_allowed": order.SampleAllowed,
	}).Error
}

func (r *orderRepository) List(ctx context.Context, patientID *uuid.UUID, page, limit int) ([]model.LabOrder, int64, error) {
	var orders []model.LabOrder
	var total int64

	db := GetDB(ctx, r.db)
	query := db.Model(&model.LabOrder{})
	if patientID != nil {
		query = query.Where("patient_id = ?", *patientID)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * limit
	fetch := db.Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("lab_order_items.created_at asc") })
	if patientID != nil {
		fetch = fetch.Where("patient_id = ?", *patientID)
	}
	if err := fetch.Order("created_at desc").Offset(offset).Limit(limit).Find(&orders).Error; err != nil {
		return nil, 0, err
	}

	return orders, total, nil
}

func (r *orderRepository) CountByPrefix(ctx context.Context, prefix string) (int64, error) {
	var count int64
	if err := GetDB(ctx, r.db).Model(&model.LabOrder{}).Where("order_code LIKE ?", prefix+"%").Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
