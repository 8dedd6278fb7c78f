package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"backend/internal/apperr"
	"backend/internal/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	labTests    *fakeLabTestRepo
	orderRepo   *fakeOrderRepo
	paymentRepo *fakePaymentRepo
	settings    *fakeSettingRepo
	audit       *fakeAuditRepo
	thresholds  ThresholdService
	orders      OrderService
	payments    PaymentService
	patientID   uuid.UUID
	adminID     uuid.UUID
}

func newTestEnv() *testEnv {
	labTests := newFakeLabTestRepo()
	orderRepo := newFakeOrderRepo()
	paymentRepo := newFakePaymentRepo()
	settings := newFakeSettingRepo()
	audit := newFakeAuditRepo()
	tx := fakeTxManager{}
	thresholds := NewThresholdService(settings, audit, tx)

	return &testEnv{
		labTests:    labTests,
		orderRepo:   orderRepo,
		paymentRepo: paymentRepo,
		settings:    settings,
		audit:       audit,
		thresholds:  thresholds,
		orders:      NewOrderService(orderRepo, labTests, paymentRepo, audit, thresholds, tx, nil),
		payments:    NewPaymentService(paymentRepo, orderRepo, audit, thresholds, tx, nil),
		patientID:   uuid.New(),
		adminID:     uuid.New(),
	}
}

func (e *testEnv) seedTest(t *testing.T, name, price string) model.LabTest {
	t.Helper()
	p, err := decimal.NewFromString(price)
	require.NoError(t, err)
	test := model.LabTest{
		Code:   strings.ToUpper(strings.ReplaceAll(name, " ", "_")),
		Name:   name,
		Price:  p,
		Active: true,
	}
	require.NoError(t, e.labTests.Create(context.Background(), &test))
	return test
}

func (e *testEnv) createOrder(t *testing.T, patientID uuid.UUID, testIDs ...uuid.UUID) OrderResponse {
	t.Helper()
	items := make([]CreateOrderItemRequest, 0, len(testIDs))
	for _, id := range testIDs {
		items = append(items, CreateOrderItemRequest{LabTestID: id.String()})
	}
	resp, err := e.orders.CreateOrder(context.Background(), patientID, false, CreateOrderRequest{Items: items})
	require.NoError(t, err)
	return resp
}

func (e *testEnv) pay(t *testing.T, key, amount string, target PaymentTarget) PaymentResult {
	t.Helper()
	result, err := e.payments.SubmitBatchPayment(context.Background(), e.patientID, nil, SubmitPaymentRequest{
		Amount:         amount,
		PaymentMethod:  "bkash",
		Target:         target,
		IdempotencyKey: key,
	})
	require.NoError(t, err)
	return result
}

func orderByID(t *testing.T, orders []OrderResponse, id string) OrderResponse {
	t.Helper()
	for _, o := range orders {
		if o.ID == id {
			return o
		}
	}
	t.Fatalf("order %s not in result", id)
	return OrderResponse{}
}

func TestSubmitBatchPayment_AllocatesOldestOrderFirst(t *testing.T) {
	env := newTestEnv()
	cbc := env.seedTest(t, "CBC", "60.00")
	lipid := env.seedTest(t, "Lipid Panel", "40.00")
	tsh := env.seedTest(t, "TSH", "50.00")

	older := env.createOrder(t, env.patientID, cbc.ID, lipid.ID)
	newer := env.createOrder(t, env.patientID, tsh.ID)

	result := env.pay(t, "pay-oldest-first", "120.00", PaymentTarget{Orders: []string{older.ID, newer.ID}})

	require.False(t, result.Replayed)
	assert.Equal(t, string(model.PaymentStatusCompleted), result.Payment.Status)
	require.Len(t, result.Orders, 2)

	first := orderByID(t, result.Orders, older.ID)
	second := orderByID(t, result.Orders, newer.ID)

	// The older order is settled in full before the newer one sees a cent.
	assert.Equal(t, "100.00", first.OrderPaid)
	assert.Equal(t, "0.00", first.OrderDue)
	assert.Equal(t, string(model.OrderStatusPaymentCompleted), first.Status)

	assert.Equal(t, "20.00", second.OrderPaid)
	assert.Equal(t, "30.00", second.OrderDue)
	assert.Equal(t, string(model.OrderStatusPaymentPartial), second.Status)

	// Conservation: the entries sum to exactly the applied amount.
	total := decimal.Zero
	for _, a := range result.Payment.Allocations {
		amount, err := decimal.NewFromString(a.AppliedAmount)
		require.NoError(t, err)
		total = total.Add(amount)
	}
	assert.True(t, total.Equal(decimal.RequireFromString("120.00")), "allocated %s", total)
}

func TestSubmitBatchPayment_OverpaymentRejectedAtomically(t *testing.T) {
	env := newTestEnv()
	cbc := env.seedTest(t, "CBC", "100.00")
	order := env.createOrder(t, env.patientID, cbc.ID)

	_, err := env.payments.SubmitBatchPayment(context.Background(), env.patientID, nil, SubmitPaymentRequest{
		Amount:         "150.00",
		PaymentMethod:  "bkash",
		Target:         PaymentTarget{Orders: []string{order.ID}},
		IdempotencyKey: "pay-too-much",
	})
	require.Error(t, err)
	assert.True(t, apperr.HasCode(err, apperr.CodeOverpaymentRejected))

	// Nothing stuck to the ledger and the order is untouched.
	assert.Empty(t, env.paymentRepo.entries)
	reloaded, err := env.orders.GetOrder(context.Background(), order.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, "0.00", reloaded.OrderPaid)
	assert.Equal(t, "100.00", reloaded.OrderDue)

	// The exact remainder still goes through afterwards.
	result := env.pay(t, "pay-exact", "100.00", PaymentTarget{Orders: []string{order.ID}})
	assert.Equal(t, "0.00", orderByID(t, result.Orders, order.ID).OrderDue)
}

func TestSubmitBatchPayment_IdempotentReplay(t *testing.T) {
	env := newTestEnv()
	cbc := env.seedTest(t, "CBC", "80.00")
	order := env.createOrder(t, env.patientID, cbc.ID)

	first := env.pay(t, "pay-once", "30.00", PaymentTarget{Orders: []string{order.ID}})
	require.False(t, first.Replayed)
	entriesAfterFirst := len(env.paymentRepo.entries)

	second := env.pay(t, "pay-once", "30.00", PaymentTarget{Orders: []string{order.ID}})
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Payment.ID, second.Payment.ID)

	// The replay allocated nothing new.
	assert.Len(t, env.paymentRepo.entries, entriesAfterFirst)
	reloaded := orderByID(t, second.Orders, order.ID)
	assert.Equal(t, "30.00", reloaded.OrderPaid)

	assert.Contains(t, env.audit.actions(), model.ActionReplayDetected)
}

func TestSubmitBatchPayment_SkipsDeselectedItems(t *testing.T) {
	env := newTestEnv()
	cbc := env.seedTest(t, "CBC", "60.00")
	lipid := env.seedTest(t, "Lipid Panel", "40.00")
	order := env.createOrder(t, env.patientID, cbc.ID, lipid.ID)

	var deselected, selected OrderItemResponse
	for _, it := range order.Items {
		if it.TestName == "Lipid Panel" {
			deselected = it
		} else {
			selected = it
		}
	}
	_, err := env.orders.ToggleItemSelection(context.Background(), order.ID, deselected.ID, env.patientID,
		ToggleSelectionRequest{IsSelected: boolPtr(false)})
	require.NoError(t, err)

	// Targeting the order only reaches the selected item.
	result := env.pay(t, "pay-selected", "60.00", PaymentTarget{Orders: []string{order.ID}})
	require.Len(t, result.Payment.Allocations, 1)
	assert.Equal(t, selected.ID, result.Payment.Allocations[0].OrderItemID)

	// Naming the deselected item explicitly is an error, not a silent skip.
	_, err = env.payments.SubmitBatchPayment(context.Background(), env.patientID, nil, SubmitPaymentRequest{
		Amount:         "10.00",
		PaymentMethod:  "bkash",
		Target:         PaymentTarget{Items: []string{deselected.ID}},
		IdempotencyKey: "pay-deselected",
	})
	require.Error(t, err)
	assert.True(t, apperr.HasCode(err, apperr.CodeItemNotEligible))
}

func TestSubmitBatchPayment_ThresholdFlipsSampleAllowed(t *testing.T) {
	env := newTestEnv()
	cbc := env.seedTest(t, "CBC", "100.00")

	t.Run("exact threshold admits", func(t *testing.T) {
		order := env.createOrder(t, env.patientID, cbc.ID)
		result := env.pay(t, "pay-half", "50.00", PaymentTarget{Orders: []string{order.ID}})
		item := orderByID(t, result.Orders, order.ID).Items[0]
		assert.True(t, item.SampleAllowed)
	})

	t.Run("a cent under stays gated", func(t *testing.T) {
		order := env.createOrder(t, env.patientID, cbc.ID)
		result := env.pay(t, "pay-under", "49.99", PaymentTarget{Orders: []string{order.ID}})
		item := orderByID(t, result.Orders, order.ID).Items[0]
		assert.False(t, item.SampleAllowed)
	})
}

func TestSubmitBatchPayment_RejectsForeignOrders(t *testing.T) {
	env := newTestEnv()
	cbc := env.seedTest(t, "CBC", "50.00")
	order := env.createOrder(t, env.patientID, cbc.ID)

	stranger := uuid.New()
	_, err := env.payments.SubmitBatchPayment(context.Background(), stranger, nil, SubmitPaymentRequest{
		Amount:         "50.00",
		PaymentMethod:  "bkash",
		Target:         PaymentTarget{Orders: []string{order.ID}},
		IdempotencyKey: "pay-foreign",
	})
	require.Error(t, err)
	assert.True(t, apperr.HasCode(err, apperr.CodeItemNotEligible))
}

func TestSubmitBatchPayment_AdminOfflinePaymentAdoptsOwner(t *testing.T) {
	env := newTestEnv()
	cbc := env.seedTest(t, "CBC", "50.00")
	order := env.createOrder(t, env.patientID, cbc.ID)

	result, err := env.payments.SubmitBatchPayment(context.Background(), uuid.Nil, &env.adminID, SubmitPaymentRequest{
		Amount:         "50.00",
		PaymentMethod:  "offline_cash",
		Target:         PaymentTarget{Orders: []string{order.ID}},
		IdempotencyKey: "cash-desk-001",
	})
	require.NoError(t, err)

	assert.Equal(t, env.patientID.String(), result.Payment.PatientID)
	require.NotNil(t, result.Payment.CreatedBy)
	assert.Equal(t, env.adminID.String(), *result.Payment.CreatedBy)
}

func TestSubmitBatchPayment_ValidatesInput(t *testing.T) {
	env := newTestEnv()

	cases := []struct {
		name string
		req  SubmitPaymentRequest
	}{
		{"zero amount", SubmitPaymentRequest{Amount: "0", PaymentMethod: "bkash", Target: PaymentTarget{Orders: []string{uuid.NewString()}}, IdempotencyKey: "k1"}},
		{"negative amount", SubmitPaymentRequest{Amount: "-5", PaymentMethod: "bkash", Target: PaymentTarget{Orders: []string{uuid.NewString()}}, IdempotencyKey: "k2"}},
		{"bad method", SubmitPaymentRequest{Amount: "10", PaymentMethod: "cheque", Target: PaymentTarget{Orders: []string{uuid.NewString()}}, IdempotencyKey: "k3"}},
		{"empty target", SubmitPaymentRequest{Amount: "10", PaymentMethod: "bkash", IdempotencyKey: "k4"}},
		{"missing key", SubmitPaymentRequest{Amount: "10", PaymentMethod: "bkash", Target: PaymentTarget{Orders: []string{uuid.NewString()}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.payments.SubmitBatchPayment(context.Background(), env.patientID, nil, tc.req)
			require.Error(t, err)
			assert.True(t, apperr.HasCode(err, apperr.CodeValidation))
		})
	}
}

func TestConfirmGatewayPayment_SuccessAllocates(t *testing.T) {
	env := newTestEnv()
	cbc := env.seedTest(t, "CBC", "70.00")
	order := env.createOrder(t, env.patientID, cbc.ID)

	result, err := env.payments.ConfirmGatewayPayment(context.Background(), GatewayConfirmation{
		GatewayTransactionID: "txn-123",
		PatientID:            env.patientID.String(),
		Amount:               "70.00",
		PaymentMethod:        "bkash",
		Target:               PaymentTarget{Orders: []string{order.ID}},
		Status:               "success",
	})
	require.NoError(t, err)

	assert.Equal(t, "gw-txn-123", result.Payment.PaymentReference)
	require.NotNil(t, result.Payment.GatewayTransactionID)
	assert.Equal(t, "txn-123", *result.Payment.GatewayTransactionID)
	assert.Equal(t, string(model.PaymentStatusCompleted), result.Payment.Status)
	assert.Equal(t, "0.00", orderByID(t, result.Orders, order.ID).OrderDue)
}

func TestConfirmGatewayPayment_FailureThenSuccessRearms(t *testing.T) {
	env := newTestEnv()
	cbc := env.seedTest(t, "CBC", "70.00")
	order := env.createOrder(t, env.patientID, cbc.ID)

	confirmation := GatewayConfirmation{
		GatewayTransactionID: "txn-456",
		PatientID:            env.patientID.String(),
		Amount:               "70.00",
		PaymentMethod:        "bkash",
		Target:               PaymentTarget{Orders: []string{order.ID}},
	}

	confirmation.Status = "failed"
	confirmation.FailureReason = "insufficient funds"
	failed, err := env.payments.ConfirmGatewayPayment(context.Background(), confirmation)
	require.NoError(t, err)
	assert.Equal(t, string(model.PaymentStatusFailed), failed.Payment.Status)
	assert.Empty(t, env.paymentRepo.entries, "failed confirmation must not touch the ledger")

	// The retried success re-arms the same record instead of minting a new one.
	confirmation.Status = "success"
	confirmation.FailureReason = ""
	succeeded, err := env.payments.ConfirmGatewayPayment(context.Background(), confirmation)
	require.NoError(t, err)
	assert.False(t, succeeded.Replayed)
	assert.Equal(t, failed.Payment.ID, succeeded.Payment.ID)
	assert.Equal(t, string(model.PaymentStatusCompleted), succeeded.Payment.Status)
	assert.Equal(t, "0.00", orderByID(t, succeeded.Orders, order.ID).OrderDue)
}

func TestConfirmGatewayPayment_LateFailureNeverDemotesCompleted(t *testing.T) {
	env := newTestEnv()
	cbc := env.seedTest(t, "CBC", "70.00")
	order := env.createOrder(t, env.patientID, cbc.ID)

	confirmation := GatewayConfirmation{
		GatewayTransactionID: "txn-789",
		PatientID:            env.patientID.String(),
		Amount:               "70.00",
		PaymentMethod:        "bkash",
		Target:               PaymentTarget{Orders: []string{order.ID}},
		Status:               "success",
	}
	succeeded, err := env.payments.ConfirmGatewayPayment(context.Background(), confirmation)
	require.NoError(t, err)

	confirmation.Status = "failed"
	confirmation.FailureReason = "late duplicate event"
	late, err := env.payments.ConfirmGatewayPayment(context.Background(), confirmation)
	require.NoError(t, err)
	assert.True(t, late.Replayed)
	assert.Equal(t, succeeded.Payment.ID, late.Payment.ID)
	assert.Equal(t, string(model.PaymentStatusCompleted), late.Payment.Status)
}

func TestSubmitBatchPayment_IncrementalPaymentsSettleOrder(t *testing.T) {
	env := newTestEnv()
	cbc := env.seedTest(t, "CBC", "60.00")
	lipid := env.seedTest(t, "Lipid Panel", "40.00")
	order := env.createOrder(t, env.patientID, cbc.ID, lipid.ID)

	first := env.pay(t, "inc-1", "25.00", PaymentTarget{Orders: []string{order.ID}})
	assert.Equal(t, string(model.OrderStatusPaymentPartial), orderByID(t, first.Orders, order.ID).Status)

	second := env.pay(t, "inc-2", "75.00", PaymentTarget{Orders: []string{order.ID}})
	settled := orderByID(t, second.Orders, order.ID)
	assert.Equal(t, "100.00", settled.OrderPaid)
	assert.Equal(t, "0.00", settled.OrderDue)
	assert.Equal(t, string(model.OrderStatusPaymentCompleted), settled.Status)
	assert.True(t, settled.SampleAllowed)

	// Every item is fully covered, with nothing left due anywhere.
	for _, it := range settled.Items {
		assert.Equal(t, "0.00", it.Due)
		assert.Equal(t, it.UnitPrice, it.Allocated)
	}
}

func TestSubmitBatchPayment_DuplicateInsertRaceReplays(t *testing.T) {
	env := newTestEnv()
	cbc := env.seedTest(t, "CBC", "100.00")
	order := env.createOrder(t, env.patientID, cbc.ID)

	first := env.pay(t, "race-key", "30.00", PaymentTarget{Orders: []string{order.ID}})
	require.False(t, first.Replayed)

	// The losing submitter misses the idempotency lookup, collides on the
	// unique reference index, and its retry lands in the replay branch.
	racing := &racingPaymentRepo{fakePaymentRepo: env.paymentRepo, missLookups: 1}
	payments := NewPaymentService(racing, env.orderRepo, env.audit, env.thresholds, fakeTxManager{}, nil)

	result, err := payments.SubmitBatchPayment(context.Background(), env.patientID, nil, SubmitPaymentRequest{
		Amount:         "30.00",
		PaymentMethod:  "bkash",
		Target:         PaymentTarget{Orders: []string{order.ID}},
		IdempotencyKey: "race-key",
	})
	require.NoError(t, err)

	assert.True(t, result.Replayed)
	assert.Equal(t, first.Payment.ID, result.Payment.ID)
	assert.Len(t, env.paymentRepo.payments, 1, "the race must not mint a second record")
	assert.Len(t, env.paymentRepo.entries, 1, "the race must not double-allocate")

	reloaded, err := env.orders.GetOrder(context.Background(), order.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, "30.00", reloaded.OrderPaid)
}

func TestSubmitBatchPayment_ContentionSurfacesAllocationConflict(t *testing.T) {
	env := newTestEnv()
	cbc := env.seedTest(t, "CBC", "100.00")
	order := env.createOrder(t, env.patientID, cbc.ID)

	env.pay(t, "contended-key", "30.00", PaymentTarget{Orders: []string{order.ID}})

	// Every attempt misses the lookup and loses the insert race, so the
	// bounded retry loop gives up instead of spinning.
	racing := &racingPaymentRepo{fakePaymentRepo: env.paymentRepo, missLookups: 10}
	payments := NewPaymentService(racing, env.orderRepo, env.audit, env.thresholds, fakeTxManager{}, nil)

	_, err := payments.SubmitBatchPayment(context.Background(), env.patientID, nil, SubmitPaymentRequest{
		Amount:         "30.00",
		PaymentMethod:  "bkash",
		Target:         PaymentTarget{Orders: []string{order.ID}},
		IdempotencyKey: "contended-key",
	})
	require.Error(t, err)
	assert.True(t, apperr.HasCode(err, apperr.CodeAllocationConflict))

	// The winner's record and ledger stand untouched.
	assert.Len(t, env.paymentRepo.payments, 1)
	assert.Len(t, env.paymentRepo.entries, 1)
}

func TestSubmitBatchPayment_BackdatedOrderTakesPriority(t *testing.T) {
	env := newTestEnv()
	cbc := env.seedTest(t, "CBC", "60.00")
	tsh := env.seedTest(t, "TSH", "50.00")

	first := env.createOrder(t, env.patientID, cbc.ID)
	second := env.createOrder(t, env.patientID, tsh.ID)

	// Allocation follows creation time, not submission order: backdate the
	// later order past the first and it drains the payment first.
	firstID := uuid.MustParse(first.ID)
	secondID := uuid.MustParse(second.ID)
	env.orderRepo.setOrderCreatedAt(secondID, env.orderRepo.orders[firstID].CreatedAt.Add(-time.Minute))

	result := env.pay(t, "backdated", "60.00", PaymentTarget{Orders: []string{first.ID, second.ID}})

	assert.Equal(t, "50.00", orderByID(t, result.Orders, second.ID).OrderPaid)
	assert.Equal(t, "10.00", orderByID(t, result.Orders, first.ID).OrderPaid)
}

func TestConfirmGatewayPayment_FailuresAreAudited(t *testing.T) {
	env := newTestEnv()
	cbc := env.seedTest(t, "CBC", "70.00")
	order := env.createOrder(t, env.patientID, cbc.ID)

	confirmation := GatewayConfirmation{
		GatewayTransactionID: "txn-audit",
		PatientID:            env.patientID.String(),
		Amount:               "70.00",
		PaymentMethod:        "bkash",
		Target:               PaymentTarget{Orders: []string{order.ID}},
		Status:               "failed",
		FailureReason:        "card declined",
	}
	_, err := env.payments.ConfirmGatewayPayment(context.Background(), confirmation)
	require.NoError(t, err)
	assert.Contains(t, env.audit.actions(), model.ActionGatewayPaymentFailed)

	confirmation.Status = "success"
	confirmation.FailureReason = ""
	_, err = env.payments.ConfirmGatewayPayment(context.Background(), confirmation)
	require.NoError(t, err)

	// A failure event arriving after completion is logged as a replay.
	confirmation.Status = "failed"
	confirmation.FailureReason = "timeout"
	_, err = env.payments.ConfirmGatewayPayment(context.Background(), confirmation)
	require.NoError(t, err)
	assert.Contains(t, env.audit.actions(), model.ActionReplayDetected)
}

func TestGetPayment_ScopedToPatient(t *testing.T) {
	env := newTestEnv()
	cbc := env.seedTest(t, "CBC", "40.00")
	order := env.createOrder(t, env.patientID, cbc.ID)
	result := env.pay(t, "scoped-pay", "40.00", PaymentTarget{Orders: []string{order.ID}})

	other := uuid.New()
	_, err := env.payments.GetPayment(context.Background(), result.Payment.ID, &other)
	require.Error(t, err)
	assert.True(t, apperr.HasCode(err, apperr.CodeNotFound))

	owned, err := env.payments.GetPayment(context.Background(), result.Payment.ID, &env.patientID)
	require.NoError(t, err)
	assert.Equal(t, result.Payment.ID, owned.ID)

	unscoped, err := env.payments.GetPayment(context.Background(), result.Payment.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, result.Payment.ID, unscoped.ID)
}

func boolPtr(b bool) *bool { return &b }
