package payment

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/cloudforge-commerce/internal/apperr"
	"github.com/xenking/cloudforge-commerce/internal/domain/page"
	"github.com/xenking/cloudforge-commerce/internal/event"
)

// --- Mock implementations ---

type memRepo struct {
	mu       sync.Mutex
	byID     map[string]Payment
	getErr   error
	updateFn func(*Payment) error
}

func newMemRepo() *memRepo {
	return &memRepo{byID: make(map[string]Payment)}
}

func (m *memRepo) Create(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.byID {
		if existing.OrderID == p.OrderID || existing.IdempotencyKey == p.IdempotencyKey {
			return ErrDuplicate
		}
	}
	m.byID[p.ID] = *p
	return nil
}

func (m *memRepo) Update(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateFn != nil {
		if err := m.updateFn(p); err != nil {
			return err
		}
	}
	m.byID[p.ID] = *p
	return nil
}

func (m *memRepo) AdjustRefund(_ context.Context, id string, delta decimal.Decimal, at time.Time) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := p.RefundedAmount.Add(delta)
	if !p.Status.settled() || next.IsNegative() || next.GreaterThan(p.Amount) {
		return nil, ErrRefundRejected
	}
	p.RefundedAmount = next
	p.Status = RefundStatus(p.Amount, next)
	p.UpdatedAt = at
	m.byID[id] = p
	return &p, nil
}

func (m *memRepo) Get(_ context.Context, id string) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *memRepo) GetByOrder(_ context.Context, orderID string) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	for _, p := range m.byID {
		if p.OrderID == orderID {
			return &p, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memRepo) ListByUser(_ context.Context, userID string, req page.Request) (page.Result[Payment], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []Payment
	for _, p := range m.byID {
		if p.UserID == userID {
			items = append(items, p)
		}
	}
	return page.NewResult(items, len(items), req), nil
}

type memLedger struct {
	entries  map[string][]byte
	ttls     map[string]time.Duration
	storeErr error
}

func newMemLedger() *memLedger {
	return &memLedger{entries: make(map[string][]byte), ttls: make(map[string]time.Duration)}
}

func (m *memLedger) Lookup(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := m.entries[key]
	return v, ok, nil
}

func (m *memLedger) Store(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if m.storeErr != nil {
		return m.storeErr
	}
	m.entries[key] = value
	m.ttls[key] = ttl
	return nil
}

type mockGateway struct {
	intents     int
	intentErr   error
	mu          sync.Mutex
	refunds     []decimal.Decimal
	refundErr   error
	refundDelay time.Duration
}

func (m *mockGateway) CreateIntent(_ context.Context, req IntentRequest) (string, error) {
	m.intents++
	if m.intentErr != nil {
		return "", m.intentErr
	}
	return "gw_" + req.Receipt, nil
}

// VerifySignature accepts "sig(<order>|<payment>)".
func (m *mockGateway) VerifySignature(orderRef, paymentRef, signature string) bool {
	return signature == "sig("+orderRef+"|"+paymentRef+")"
}

func (m *mockGateway) Refund(_ context.Context, _ string, amount decimal.Decimal) (string, error) {
	time.Sleep(m.refundDelay)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refundErr != nil {
		return "", m.refundErr
	}
	m.refunds = append(m.refunds, amount)
	return "rfnd_1", nil
}

type mockPublisher struct {
	mu     sync.Mutex
	topics []event.Topic
	err    error
}

func (m *mockPublisher) Publish(_ context.Context, topic event.Topic, _ string, _ event.Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.topics = append(m.topics, topic)
	return nil
}

func (m *mockPublisher) count(topic event.Topic) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.topics {
		if t == topic {
			n++
		}
	}
	return n
}

// --- Helpers ---

type fixture struct {
	svc     *Service
	repo    *memRepo
	ledger  *memLedger
	gateway *mockGateway
	events  *mockPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:    newMemRepo(),
		ledger:  newMemLedger(),
		gateway: &mockGateway{},
		events:  &mockPublisher{},
	}
	svc, err := NewService(f.repo, f.ledger, f.gateway, f.events, Config{DefaultCurrency: "USD"})
	require.NoError(t, err)
	f.svc = svc
	return f
}

func initiateReq(orderID, key, amount string) InitiateRequest {
	return InitiateRequest{
		OrderID:        orderID,
		UserID:         "u1",
		Amount:         decimal.RequireFromString(amount),
		IdempotencyKey: key,
	}
}

func (f *fixture) completedPayment(t *testing.T, amount string) *Payment {
	t.Helper()
	ctx := context.Background()
	p, err := f.svc.Initiate(ctx, initiateReq("order-1", "K1", amount))
	require.NoError(t, err)
	p, err = f.svc.Verify(ctx, VerifyRequest{
		OrderID:           p.OrderID,
		GatewayOrderRef:   p.GatewayOrderRef,
		GatewayPaymentRef: "pay_1",
		Signature:         "sig(" + p.GatewayOrderRef + "|pay_1)",
	})
	require.NoError(t, err)
	return p
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

// --- Tests ---

func TestInitiate_Processing(t *testing.T) {
	f := newFixture(t)

	p, err := f.svc.Initiate(context.Background(), initiateReq("0123456789abcdef", "K1", "100.00"))
	require.NoError(t, err)

	assert.Equal(t, StatusProcessing, p.Status)
	assert.Equal(t, "gw_order_01234567", p.GatewayOrderRef)
	assert.Equal(t, "USD", p.Currency)
	assert.True(t, p.RefundedAmount.IsZero())
	assert.Equal(t, 1, f.gateway.intents)
	assert.Equal(t, 24*time.Hour, f.ledger.ttls["K1"])
	assert.Empty(t, f.events.topics)
}

func TestInitiate_SameKeyIsByteIdentical(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Initiate(ctx, initiateReq("order-1", "K1", "100.00"))
	require.NoError(t, err)
	second, err := f.svc.Initiate(ctx, initiateReq("order-1", "K1", "100.00"))
	require.NoError(t, err)

	assert.Equal(t, mustJSON(t, first), mustJSON(t, second))
	assert.Equal(t, 1, f.gateway.intents)
	assert.Len(t, f.repo.byID, 1)
}

func TestInitiate_LedgerCheckedBeforeRepository(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Initiate(ctx, initiateReq("order-1", "K1", "10"))
	require.NoError(t, err)

	f.repo.getErr = errors.New("repository must not be consulted")
	_, err = f.svc.Initiate(ctx, initiateReq("order-1", "K1", "10"))
	require.NoError(t, err)
}

func TestInitiate_ExistingPaymentNewKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Initiate(ctx, initiateReq("order-1", "K1", "10"))
	require.NoError(t, err)

	again, err := f.svc.Initiate(ctx, initiateReq("order-1", "K2", "10"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 1, f.gateway.intents)
}

func TestInitiate_CompletedOrderIsDuplicate(t *testing.T) {
	f := newFixture(t)
	f.completedPayment(t, "100.00")

	_, err := f.svc.Initiate(context.Background(), initiateReq("order-1", "K2", "100.00"))
	require.ErrorIs(t, err, ErrAlreadyCompleted)
	assert.Equal(t, apperr.KindDuplicatePayment, apperr.KindOf(err))
	assert.Equal(t, 1, f.gateway.intents)
}

func TestInitiate_GatewayFailureRecorded(t *testing.T) {
	f := newFixture(t)
	f.gateway.intentErr = errors.New("503 service unavailable")

	p, err := f.svc.Initiate(context.Background(), initiateReq("order-1", "K1", "10"))
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, p.Status)
	assert.Contains(t, p.FailureReason, "503 service unavailable")
	assert.Equal(t, 1, f.events.count(event.TopicPaymentFailed))
	assert.Contains(t, f.ledger.entries, "K1")
}

func TestInitiate_OtherUsersPaymentIsNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Initiate(ctx, initiateReq("order-1", "K1", "10"))
	require.NoError(t, err)

	replay := initiateReq("order-1", "K1", "10")
	replay.UserID = "u2"
	_, err = f.svc.Initiate(ctx, replay)
	require.ErrorIs(t, err, ErrNotFound)

	sameOrder := initiateReq("order-1", "K2", "10")
	sameOrder.UserID = "u2"
	_, err = f.svc.Initiate(ctx, sameOrder)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, f.gateway.intents)
}

func TestInitiate_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Initiate(context.Background(), InitiateRequest{Amount: decimal.RequireFromString("0.001")})
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Len(t, apperr.Fields(err), 4)
	assert.Zero(t, f.gateway.intents)
}

func TestInitiate_LedgerStoreFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.ledger.storeErr = errors.New("redis down")

	p, err := f.svc.Initiate(context.Background(), initiateReq("order-1", "K1", "10"))
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, p.Status)
}

func TestVerify_Valid(t *testing.T) {
	f := newFixture(t)
	p := f.completedPayment(t, "100.00")

	assert.Equal(t, StatusCompleted, p.Status)
	assert.Equal(t, "pay_1", p.GatewayPaymentRef)
	assert.Equal(t, 1, f.events.count(event.TopicPaymentCompleted))

	// Verifying a completed payment is a no-op.
	again, err := f.svc.Verify(context.Background(), VerifyRequest{
		OrderID: "order-1", GatewayOrderRef: "x", GatewayPaymentRef: "y", Signature: "z",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, again.Status)
	assert.Equal(t, 1, f.events.count(event.TopicPaymentCompleted))
}

func TestVerify_TamperedSignature(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, err := f.svc.Initiate(ctx, initiateReq("order-1", "K1", "100.00"))
	require.NoError(t, err)

	_, err = f.svc.Verify(ctx, VerifyRequest{
		OrderID:           "order-1",
		GatewayOrderRef:   p.GatewayOrderRef,
		GatewayPaymentRef: "pay_1",
		Signature:         "sig(" + p.GatewayOrderRef + "|pay_2)",
	})
	require.ErrorIs(t, err, ErrVerification)
	assert.Equal(t, apperr.KindPaymentVerification, apperr.KindOf(err))

	stored, err := f.svc.GetByOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stored.Status)
	assert.Equal(t, verificationFailedReason, stored.FailureReason)
	assert.Equal(t, 1, f.events.count(event.TopicPaymentFailed))
	assert.Zero(t, f.events.count(event.TopicPaymentCompleted))
}

func TestVerify_MismatchedOrderRef(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Initiate(ctx, initiateReq("order-1", "K1", "100.00"))
	require.NoError(t, err)

	_, err = f.svc.Verify(ctx, VerifyRequest{
		OrderID:           "order-1",
		GatewayOrderRef:   "gw_other",
		GatewayPaymentRef: "pay_1",
		Signature:         "sig(gw_other|pay_1)",
	})
	require.ErrorIs(t, err, ErrVerification)
}

func TestVerify_BeforePaymentExists(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Verify(context.Background(), VerifyRequest{
		OrderID: "order-1", GatewayOrderRef: "a", GatewayPaymentRef: "b", Signature: "c",
	})
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestRefund_Scenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.completedPayment(t, "100.00")

	p, err := f.svc.Refund(ctx, p.ID, dec("40"), "damaged")
	require.NoError(t, err)
	assert.Equal(t, StatusPartiallyRefunded, p.Status)
	assert.True(t, decimal.RequireFromString("40").Equal(p.RefundedAmount))

	p, err = f.svc.Refund(ctx, p.ID, dec("60"), "rest")
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, p.Status)
	assert.True(t, decimal.RequireFromString("100").Equal(p.RefundedAmount))

	_, err = f.svc.Refund(ctx, p.ID, dec("1"), "too much")
	require.Error(t, err)
	assert.Equal(t, apperr.KindRefund, apperr.KindOf(err))

	stored, err := f.svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, stored.Status)
	assert.True(t, decimal.RequireFromString("100").Equal(stored.RefundedAmount))
	assert.Len(t, f.gateway.refunds, 2)
}

func TestRefund_ExceedsAmount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.completedPayment(t, "100.00")

	_, err := f.svc.Refund(ctx, p.ID, dec("70"), "")
	require.NoError(t, err)
	_, err = f.svc.Refund(ctx, p.ID, dec("30.01"), "")
	require.Error(t, err)
	assert.Equal(t, apperr.KindRefund, apperr.KindOf(err))

	stored, err := f.svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("70").Equal(stored.RefundedAmount))
	assert.Len(t, f.gateway.refunds, 1)
}

func TestRefund_DefaultsToRemaining(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.completedPayment(t, "80.00")

	_, err := f.svc.Refund(ctx, p.ID, dec("30"), "")
	require.NoError(t, err)
	p, err = f.svc.Refund(ctx, p.ID, nil, "")
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, p.Status)
	assert.True(t, decimal.RequireFromString("50").Equal(f.gateway.refunds[1]))
}

func TestRefund_GatewayFailureNoMutation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.completedPayment(t, "100.00")
	f.gateway.refundErr = errors.New("gateway timeout")

	_, err := f.svc.Refund(ctx, p.ID, dec("10"), "")
	require.Error(t, err)
	assert.Equal(t, apperr.KindRefund, apperr.KindOf(err))

	stored, err := f.svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)
	assert.True(t, stored.RefundedAmount.IsZero())
}

func TestRefund_ConcurrentRefundsNeverExceedAmount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.completedPayment(t, "100.00")
	f.gateway.refundDelay = 50 * time.Millisecond

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.svc.Refund(ctx, p.ID, dec("60"), "")
		}()
	}
	wg.Wait()

	var failed int
	for _, err := range errs {
		if err != nil {
			failed++
			assert.Equal(t, apperr.KindRefund, apperr.KindOf(err))
		}
	}
	assert.Equal(t, 1, failed)
	require.Len(t, f.gateway.refunds, 1)
	assert.True(t, decimal.RequireFromString("60").Equal(f.gateway.refunds[0]))

	stored, err := f.svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPartiallyRefunded, stored.Status)
	assert.True(t, decimal.RequireFromString("60").Equal(stored.RefundedAmount))
}

func TestRefund_ReservationBlocksOverlappingRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.completedPayment(t, "100.00")
	f.gateway.refundErr = errors.New("gateway timeout")

	// A reservation held by an in-flight refund.
	_, err := f.repo.AdjustRefund(ctx, p.ID, decimal.RequireFromString("70"), time.Now())
	require.NoError(t, err)

	_, err = f.svc.Refund(ctx, p.ID, dec("40"), "")
	require.Error(t, err)
	assert.Equal(t, apperr.KindRefund, apperr.KindOf(err))

	// Only the failed attempt's own reservation is released.
	_, err = f.svc.Refund(ctx, p.ID, dec("30"), "")
	require.Error(t, err)
	stored, err := f.svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPartiallyRefunded, stored.Status)
	assert.True(t, decimal.RequireFromString("70").Equal(stored.RefundedAmount))
}

func TestRefund_NotRefundable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, err := f.svc.Initiate(ctx, initiateReq("order-1", "K1", "10"))
	require.NoError(t, err)

	_, err = f.svc.Refund(ctx, p.ID, nil, "")
	require.Error(t, err)
	assert.Equal(t, apperr.KindRefund, apperr.KindOf(err))
	assert.Empty(t, f.gateway.refunds)
}

func TestHandleOrderCreated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	env := event.NewEnvelope(event.TopicOrderCreated, "order-9", &event.OrderCreated{
		OrderID:     "order-9",
		UserID:      "u9",
		TotalAmount: decimal.RequireFromString("25.50"),
	}, time.Now())

	require.NoError(t, f.svc.HandleOrderCreated(ctx, env))
	require.NoError(t, f.svc.HandleOrderCreated(ctx, env))
	assert.Equal(t, 1, f.gateway.intents)

	p, err := f.svc.GetByOrder(ctx, "order-9")
	require.NoError(t, err)
	assert.Equal(t, "order-order-9", p.IdempotencyKey)
	assert.Equal(t, "USD", p.Currency)
}

func TestHandleOrderCreated_TransientErrorRedelivers(t *testing.T) {
	f := newFixture(t)
	f.repo.getErr = apperr.Wrap(apperr.KindTransient, errors.New("conn refused"), "select payment")
	env := event.NewEnvelope(event.TopicOrderCreated, "o", &event.OrderCreated{
		OrderID: "o", UserID: "u", TotalAmount: decimal.NewFromInt(1),
	}, time.Now())

	err := f.svc.HandleOrderCreated(context.Background(), env)
	require.Error(t, err)
	assert.True(t, apperr.Retryable(err))
}

func TestHandleOrderCreated_ZeroTotalAcknowledged(t *testing.T) {
	f := newFixture(t)
	env := event.NewEnvelope(event.TopicOrderCreated, "o", &event.OrderCreated{OrderID: "o", UserID: "u"}, time.Now())

	assert.NoError(t, f.svc.HandleOrderCreated(context.Background(), env))
	assert.Zero(t, f.gateway.intents)
}

func TestStatus_Predicates(t *testing.T) {
	assert.True(t, StatusCompleted.Refundable())
	assert.True(t, StatusPartiallyRefunded.Refundable())
	assert.False(t, StatusRefunded.Refundable())
	assert.False(t, StatusProcessing.Refundable())

	assert.True(t, StatusCompleted.Final())
	assert.True(t, StatusFailed.Final())
	assert.True(t, StatusRefunded.Final())
	assert.False(t, StatusPartiallyRefunded.Final())
	assert.False(t, StatusPending.Final())
}
