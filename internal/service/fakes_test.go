package service

import (
	"context"
	"sort"
	"strings"
	"time"

	"backend/internal/model"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// In-memory repository fakes. They mirror the Postgres repositories closely
// enough for service-level tests: gorm.ErrRecordNotFound on misses, unique
// violations surfaced as pgconn errors, deterministic ordering.

type fakeTxManager struct{}

func (fakeTxManager) RunInTx(ctx context.Context, fn func(txCtx context.Context) error) error {
	return fn(ctx)
}

// --- lab tests ---

type fakeLabTestRepo struct {
	tests map[uuid.UUID]model.LabTest
}

func newFakeLabTestRepo() *fakeLabTestRepo {
	return &fakeLabTestRepo{tests: make(map[uuid.UUID]model.LabTest)}
}

func (f *fakeLabTestRepo) Create(_ context.Context, test *model.LabTest) error {
	if test.ID == uuid.Nil {
		test.ID = uuid.New()
	}
	if test.CreatedAt.IsZero() {
		test.CreatedAt = time.Now()
	}
	f.tests[test.ID] = *test
	return nil
}

func (f *fakeLabTestRepo) FindByID(_ context.Context, id uuid.UUID) (*model.LabTest, error) {
	test, ok := f.tests[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &test, nil
}

func (f *fakeLabTestRepo) FindByIDs(_ context.Context, ids []uuid.UUID) ([]model.LabTest, error) {
	result := make([]model.LabTest, 0, len(ids))
	for _, id := range ids {
		if test, ok := f.tests[id]; ok && test.Active {
			result = append(result, test)
		}
	}
	return result, nil
}

func (f *fakeLabTestRepo) List(_ context.Context, page, limit int) ([]model.LabTest, int64, error) {
	all := make([]model.LabTest, 0, len(f.tests))
	for _, t := range f.tests {
		if t.Active {
			all = append(all, t)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return paginate(all, page, limit), int64(len(all)), nil
}

// --- orders ---

type fakeOrderRepo struct {
	orders map[uuid.UUID]*model.LabOrder
	items  map[uuid.UUID]*model.LabOrderItem
	clock  time.Time
}

func newFakeOrderRepo() *fakeOrderRepo {
	return &fakeOrderRepo{
		orders: make(map[uuid.UUID]*model.LabOrder),
		items:  make(map[uuid.UUID]*model.LabOrderItem),
		clock:  time.Now().Add(-time.Hour),
	}
}

// tick hands out strictly increasing creation times so ordering by
// created_at is deterministic regardless of wall-clock resolution.
func (f *fakeOrderRepo) tick() time.Time {
	f.clock = f.clock.Add(time.Second)
	return f.clock
}

func (f *fakeOrderRepo) setOrderCreatedAt(id uuid.UUID, at time.Time) {
	if o, ok := f.orders[id]; ok {
		o.CreatedAt = at
	}
}

func (f *fakeOrderRepo) Create(_ context.Context, order *model.LabOrder) error {
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = f.tick()
	}
	stored := *order
	stored.Items = nil
	f.orders[order.ID] = &stored

	for i := range order.Items {
		item := &order.Items[i]
		if item.ID == uuid.Nil {
			item.ID = uuid.New()
		}
		item.OrderID = order.ID
		if item.CreatedAt.IsZero() {
			item.CreatedAt = f.tick()
		}
		cp := *item
		f.items[item.ID] = &cp
	}
	return nil
}

func (f *fakeOrderRepo) FindByIDWithItems(_ context.Context, id uuid.UUID) (*model.LabOrder, error) {
	stored, ok := f.orders[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	order := *stored
	order.Items = f.itemsForOrder(id)
	return &order, nil
}

func (f *fakeOrderRepo) FindItem(_ context.Context, orderID, itemID uuid.UUID) (*model.LabOrderItem, error) {
	item, ok := f.items[itemID]
	if !ok || item.OrderID != orderID {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *item
	return &cp, nil
}

func (f *fakeOrderRepo) FindItemsForUpdate(_ context.Context, itemIDs []uuid.UUID) ([]model.LabOrderItem, error) {
	seen := make(map[uuid.UUID]bool, len(itemIDs))
	result := make([]model.LabOrderItem, 0, len(itemIDs))
	for _, id := range itemIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		if item, ok := f.items[id]; ok {
			result = append(result, *item)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID.String() < result[j].ID.String() })
	return result, nil
}

func (f *fakeOrderRepo) FindOrdersForUpdateWithItems(_ context.Context, orderIDs []uuid.UUID) ([]model.LabOrder, error) {
	result := make([]model.LabOrder, 0, len(orderIDs))
	for _, id := range orderIDs {
		if stored, ok := f.orders[id]; ok {
			order := *stored
			order.Items = f.itemsForOrder(id)
			result = append(result, order)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID.String() < result[j].ID.String() })
	return result, nil
}

func (f *fakeOrderRepo) FindItemIDsByOrders(_ context.Context, orderIDs []uuid.UUID) ([]uuid.UUID, error) {
	wanted := make(map[uuid.UUID]bool, len(orderIDs))
	for _, id := range orderIDs {
		wanted[id] = true
	}
	var ids []uuid.UUID
	for _, item := range f.items {
		if wanted[item.OrderID] {
			ids = append(ids, item.ID)
		}
	}
	return ids, nil
}

func (f *fakeOrderRepo) UpdateItem(_ context.Context, item *model.LabOrderItem) error {
	cp := *item
	f.items[item.ID] = &cp
	return nil
}

func (f *fakeOrderRepo) UpdateAggregates(_ context.Context, order *model.LabOrder) error {
	stored, ok := f.orders[order.ID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	stored.Status = order.Status
	stored.OrderTotal = order.OrderTotal
	stored.OrderPaid = order.OrderPaid
	stored.OrderDue = order.OrderDue
	stored.SampleAllowed = order.SampleAllowed
	return nil
}

func (f *fakeOrderRepo) List(_ context.Context, patientID *uuid.UUID, page, limit int) ([]model.LabOrder, int64, error) {
	all := make([]model.LabOrder, 0, len(f.orders))
	for id, stored := range f.orders {
		if patientID != nil && stored.PatientID != *patientID {
			continue
		}
		order := *stored
		order.Items = f.itemsForOrder(id)
		all = append(all, order)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return paginate(all, page, limit), int64(len(all)), nil
}

func (f *fakeOrderRepo) CountByPrefix(_ context.Context, prefix string) (int64, error) {
	var count int64
	for _, o := range f.orders {
		if strings.HasPrefix(o.OrderCode, prefix) {
			count++
		}
	}
	return count, nil
}

func (f *fakeOrderRepo) itemsForOrder(orderID uuid.UUID) []model.LabOrderItem {
	var items []model.LabOrderItem
	for _, item := range f.items {
		if item.OrderID == orderID {
			items = append(items, *item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items
}

// --- payments ---

type fakePaymentRepo struct {
	payments map[uuid.UUID]*model.PaymentRecord
	entries  []model.AllocationEntry
}

func newFakePaymentRepo() *fakePaymentRepo {
	return &fakePaymentRepo{payments: make(map[uuid.UUID]*model.PaymentRecord)}
}

func (f *fakePaymentRepo) Create(_ context.Context, payment *model.PaymentRecord) error {
	for _, existing := range f.payments {
		if existing.PaymentReference == payment.PaymentReference {
			return &pgconn.PgError{Code: "23505", ConstraintName: "idx_payment_records_payment_reference"}
		}
	}
	if payment.ID == uuid.Nil {
		payment.ID = uuid.New()
	}
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now()
	}
	stored := *payment
	stored.Allocations = nil
	f.payments[payment.ID] = &stored
	return nil
}

func (f *fakePaymentRepo) Update(_ context.Context, payment *model.PaymentRecord) error {
	stored := *payment
	stored.Allocations = nil
	f.payments[payment.ID] = &stored
	return nil
}

func (f *fakePaymentRepo) FindByID(_ context.Context, id uuid.UUID) (*model.PaymentRecord, error) {
	stored, ok := f.payments[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	payment := *stored
	payment.Allocations = f.entriesForPayment(id)
	return &payment, nil
}

func (f *fakePaymentRepo) FindByReferenceForUpdate(_ context.Context, reference string) (*model.PaymentRecord, error) {
	for id, stored := range f.payments {
		if stored.PaymentReference == reference {
			payment := *stored
			payment.Allocations = f.entriesForPayment(id)
			return &payment, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakePaymentRepo) List(_ context.Context, patientID *uuid.UUID, page, limit int) ([]model.PaymentRecord, int64, error) {
	all := make([]model.PaymentRecord, 0, len(f.payments))
	for id, stored := range f.payments {
		if patientID != nil && stored.PatientID != *patientID {
			continue
		}
		payment := *stored
		payment.Allocations = f.entriesForPayment(id)
		all = append(all, payment)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return paginate(all, page, limit), int64(len(all)), nil
}

func (f *fakePaymentRepo) CreateEntries(_ context.Context, entries []model.AllocationEntry) error {
	for _, e := range entries {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now()
		}
		f.entries = append(f.entries, e)
	}
	return nil
}

func (f *fakePaymentRepo) DeleteEntriesByPayment(_ context.Context, paymentID uuid.UUID) error {
	kept := f.entries[:0]
	for _, e := range f.entries {
		if e.PaymentID != paymentID {
			kept = append(kept, e)
		}
	}
	f.entries = kept
	return nil
}

func (f *fakePaymentRepo) SumAllocationsByItem(_ context.Context, itemIDs []uuid.UUID) (map[uuid.UUID]decimal.Decimal, error) {
	wanted := make(map[uuid.UUID]bool, len(itemIDs))
	for _, id := range itemIDs {
		wanted[id] = true
	}
	sums := make(map[uuid.UUID]decimal.Decimal)
	for _, e := range f.entries {
		if wanted[e.OrderItemID] {
			sums[e.OrderItemID] = sums[e.OrderItemID].Add(e.AppliedAmount)
		}
	}
	return sums, nil
}

// racingPaymentRepo simulates the losing side of a concurrent same-key
// submission: the first missLookups reference lookups report no record even
// though another writer already holds the reference, so the subsequent
// insert collides on the unique index exactly as it would under Postgres.
type racingPaymentRepo struct {
	*fakePaymentRepo
	missLookups int
}

func (f *racingPaymentRepo) FindByReferenceForUpdate(ctx context.Context, reference string) (*model.PaymentRecord, error) {
	if f.missLookups > 0 {
		f.missLookups--
		return nil, gorm.ErrRecordNotFound
	}
	return f.fakePaymentRepo.FindByReferenceForUpdate(ctx, reference)
}

func (f *fakePaymentRepo) entriesForPayment(paymentID uuid.UUID) []model.AllocationEntry {
	var entries []model.AllocationEntry
	for _, e := range f.entries {
		if e.PaymentID == paymentID {
			entries = append(entries, e)
		}
	}
	return entries
}

// --- settings ---

type fakeSettingRepo struct {
	settings map[string]model.Setting
}

func newFakeSettingRepo() *fakeSettingRepo {
	return &fakeSettingRepo{settings: make(map[string]model.Setting)}
}

func (f *fakeSettingRepo) Get(_ context.Context, key string) (*model.Setting, error) {
	setting, ok := f.settings[key]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &setting, nil
}

func (f *fakeSettingRepo) Upsert(_ context.Context, setting *model.Setting) error {
	f.settings[setting.Key] = *setting
	return nil
}

// --- audit ---

type fakeAuditRepo struct {
	logs []model.AuditLog
}

func newFakeAuditRepo() *fakeAuditRepo { return &fakeAuditRepo{} }

func (f *fakeAuditRepo) Log(_ context.Context, entry *model.AuditLog) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	f.logs = append(f.logs, *entry)
	return nil
}

func (f *fakeAuditRepo) List(_ context.Context, action string, page, limit int) ([]model.AuditLog, int64, error) {
	var filtered []model.AuditLog
	for _, l := range f.logs {
		if action == "" || l.Action == action {
			filtered = append(filtered, l)
		}
	}
	return paginate(filtered, page, limit), int64(len(filtered)), nil
}

func (f *fakeAuditRepo) actions() []string {
	result := make([]string, 0, len(f.logs))
	for _, l := range f.logs {
		result = append(result, l.Action)
	}
	return result
}

func paginate[T any](all []T, page, limit int) []T {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	start := (page - 1) * limit
	if start >= len(all) {
		return nil
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end]
}
