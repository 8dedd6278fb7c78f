package service

import (
	"context"
	"time"

	"backend/internal/model"

	"gorm.io/gorm"
)

type PaymentStatisticsResponse struct {
	TimeRangeStartDate time.Time           `json:"time_range_start_date"`
	TimeRangeEndDate   time.Time           `json:"time_range_end_date"`
	TotalCollected     float64             `json:"total_collected"`
	TotalOutstanding   float64             `json:"total_outstanding"`
	RefundCandidates   float64             `json:"refund_candidates"`
	ByMethod           []MethodBreakdown   `json:"by_method"`
	DailyCollected     []DailyCollectedRow `json:"daily_collected"`
}

type MethodBreakdown struct {
	PaymentMethod string  `json:"payment_method"`
	Total         float64 `json:"total"`
	Count         int64   `json:"count"`
}

type DailyCollectedRow struct {
	Day   time.Time `json:"day"`
	Total float64   `json:"total"`
}

type StatisticsService interface {
	GetPaymentStatistics(ctx context.Context, startDate, endDate time.Time) (PaymentStatisticsResponse, error)
}

type statisticsService struct {
	db *gorm.DB
}

func NewStatisticsService(db *gorm.DB) StatisticsService {
	return &statisticsService{db: db}
}

// GetPaymentStatistics aggregates collected payments and outstanding dues
// inside the given time bracket. Collected amounts come from the allocation
// ledger joined to completed payments, so cached order aggregates are never
// consulted here.
func (s *statisticsService) GetPaymentStatistics(ctx context.Context, startDate, endDate time.Time) (PaymentStatisticsResponse, error) {
	var response PaymentStatisticsResponse
	response.TimeRangeStartDate = startDate
	response.TimeRangeEndDate = endDate

	var collected struct {
		Value float64
	}
	s.db.WithContext(ctx).Table("allocation_entries").
		Select("COALESCE(SUM(allocation_entries.applied_amount), 0) as value").
		Joins("JOIN payment_records ON payment_records.id = allocation_entries.payment_id").
		Where("payment_records.status = ? AND payment_records.completed_at >= ? AND payment_records.completed_at <= ?",
			model.PaymentStatusCompleted, startDate, endDate).
		Scan(&collected)
	response.TotalCollected = collected.Value

	var outstanding struct {
		Value float64
	}
	s.db.WithContext(ctx).Table("lab_orders").
		Select("COALESCE(SUM(order_due), 0) as value").
		Where("status NOT IN ?", []string{string(model.OrderStatusCancelled), string(model.OrderStatusCompleted)}).
		Scan(&outstanding)
	response.TotalOutstanding = outstanding.Value

	// Allocations parked on cancelled items are awaiting manual refund.
	var refunds struct {
		Value float64
	}
	s.db.WithContext(ctx).Table("allocation_entries").
		Select("COALESCE(SUM(allocation_entries.applied_amount), 0) as value").
		Joins("JOIN lab_order_items ON lab_order_items.id = allocation_entries.order_item_id").
		Where("lab_order_items.status IN ?", []string{
			string(model.ItemStatusCancelledByPatient),
			string(model.ItemStatusCancelledByAdmin),
		}).
		Scan(&refunds)
	response.RefundCandidates = refunds.Value

	var byMethod []MethodBreakdown
	s.db.WithContext(ctx).Table("payment_records").
		Select("payment_method, COALESCE(SUM(applied_amount), 0) as total, COUNT(*) as count").
		Where("status = ? AND completed_at >= ? AND completed_at <= ?",
			model.PaymentStatusCompleted, startDate, endDate).
		Group("payment_method").
		Order("total DESC").
		Scan(&byMethod)
	response.ByMethod = byMethod

	var daily []DailyCollectedRow
	s.db.WithContext(ctx).Table("payment_records").
		Select("DATE_TRUNC('day', completed_at) as day, COALESCE(SUM(applied_amount), 0) as total").
		Where("status = ? AND completed_at >= ? AND completed_at <= ?",
			model.PaymentStatusCompleted, startDate, endDate).
		Group("DATE_TRUNC('day', completed_at)").
		Order("day ASC").
		Scan(&daily)
	response.DailyCollected = daily

	return response, nil
}
