package checkout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ec-checkout/internal/apperror"
	"github.com/example/ec-checkout/internal/domain/inventory"
	"github.com/example/ec-checkout/internal/domain/order"
	"github.com/example/ec-checkout/internal/domain/payment"
	"github.com/example/ec-checkout/internal/domain/shipping"
	"github.com/example/ec-checkout/internal/infrastructure/gateway"
	"github.com/example/ec-checkout/internal/infrastructure/store"
	"github.com/example/ec-checkout/internal/model"
)

type countingNotifier struct {
	mu sync.Mutex
	n  int
}

func (c *countingNotifier) OrderCreated(ctx context.Context, o *model.Order) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return nil
}

type fixture struct {
	machine  *Machine
	store    *store.MemoryStore
	gw       *gateway.Fake
	notifier *countingNotifier
	addrID   string
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	s := store.NewMemoryStore()
	s.PutProduct(model.Product{ID: "prod-1", Name: "Kettle", Price: decimal.RequireFromString("30.00"), Stock: 10})
	s.PutProduct(model.Product{ID: "prod-2", Name: "Filter", Price: decimal.RequireFromString("2.50"), Stock: 1})

	addr, err := shipping.NewService(s).Create(context.Background(), "user-1", shipping.AddressInput{
		FullName: "Ada", Line1: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "US",
	})
	require.NoError(t, err)

	gw := gateway.NewFake("whsec")
	n := &countingNotifier{}
	orders := order.NewService(s, inventory.NewLedger(), n, zerolog.Nop())
	payments := payment.NewManager(s, gw, orders, nil, "usd", zerolog.Nop())
	return &fixture{
		machine:  NewMachine(s, orders, payments, cfg, zerolog.Nop()),
		store:    s,
		gw:       gw,
		notifier: n,
		addrID:   addr.ID,
	}
}

func (f *fixture) start(t *testing.T, items ...model.CartItem) *Started {
	t.Helper()
	st, err := f.machine.Start(context.Background(), "user-1", StartRequest{Items: items, ShippingAddressID: f.addrID})
	require.NoError(t, err)
	return st
}

func (f *fixture) stock(t *testing.T, id string) int {
	t.Helper()
	p, err := f.store.GetProduct(context.Background(), id)
	require.NoError(t, err)
	return p.Stock
}

// ============================================
// Start Tests
// ============================================

func TestMachine_Start_Success(t *testing.T) {
	f := newFixture(t, Config{})

	st := f.start(t, model.CartItem{ProductID: "prod-1", Quantity: 2}, model.CartItem{ProductID: "prod-2", Quantity: 1})

	assert.Equal(t, model.SessionInProgress, st.Session.Status)
	assert.True(t, decimal.RequireFromString("62.50").Equal(st.Session.Total))
	assert.NotEmpty(t, st.ClientSecret)
	require.NotNil(t, st.Session.PaymentID)

	rec, err := f.store.GetPayment(context.Background(), *st.Session.PaymentID)
	require.NoError(t, err)
	assert.Nil(t, rec.OrderID)
	assert.NotNil(t, rec.IntentID)
	assert.True(t, st.Session.Total.Equal(rec.Amount))

	// stock is only taken at completion
	assert.Equal(t, 10, f.stock(t, "prod-1"))
}

func TestMachine_Start_Validation(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.machine.Start(ctx, "user-1", StartRequest{ShippingAddressID: f.addrID})
	assert.ErrorIs(t, err, ErrEmptyCart)

	_, err = f.machine.Start(ctx, "user-1", StartRequest{Items: []model.CartItem{{ProductID: "prod-1", Quantity: 0}}, ShippingAddressID: f.addrID})
	assert.ErrorIs(t, err, inventory.ErrInvalidQuantity)

	_, err = f.machine.Start(ctx, "user-1", StartRequest{Items: []model.CartItem{{ProductID: "nope", Quantity: 1}}, ShippingAddressID: f.addrID})
	assert.ErrorIs(t, err, inventory.ErrProductNotFound)

	_, err = f.machine.Start(ctx, "user-2", StartRequest{Items: []model.CartItem{{ProductID: "prod-1", Quantity: 1}}, ShippingAddressID: f.addrID})
	assert.ErrorIs(t, err, shipping.ErrAddressNotFound)

	assert.Equal(t, 0, f.gw.Intents())
}

func TestMachine_Start_GatewayFailureMarksSessionFailed(t *testing.T) {
	f := newFixture(t, Config{})
	f.gw.SetFailing(true)

	st, err := f.machine.Start(context.Background(), "user-1", StartRequest{
		Items:             []model.CartItem{{ProductID: "prod-1", Quantity: 1}},
		ShippingAddressID: f.addrID,
	})

	assert.Nil(t, st)
	assert.ErrorIs(t, err, payment.ErrGateway)
	assert.Equal(t, apperror.KindGateway, apperror.KindOf(err))
}

// ============================================
// Complete Tests
// ============================================

func TestMachine_Complete_Success(t *testing.T) {
	f := newFixture(t, Config{})
	st := f.start(t, model.CartItem{ProductID: "prod-1", Quantity: 3})

	done, err := f.machine.Complete(context.Background(), st.Session.ID, "user-1", ReportedSucceeded)

	require.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, done.Session.Status)
	require.NotNil(t, done.Session.OrderID)
	assert.Equal(t, done.Order.ID, *done.Session.OrderID)
	assert.Equal(t, model.OrderPaid, done.Order.Status)
	assert.Equal(t, 7, f.stock(t, "prod-1"))

	rec, err := f.store.GetPaymentByOrder(context.Background(), done.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentSuccess, rec.Status)
	assert.Equal(t, *st.Session.PaymentID, rec.ID)
	assert.Equal(t, 1, f.notifier.n)
}

func TestMachine_Complete_ReportedFailure(t *testing.T) {
	f := newFixture(t, Config{})
	st := f.start(t, model.CartItem{ProductID: "prod-1", Quantity: 3})

	done, err := f.machine.Complete(context.Background(), st.Session.ID, "user-1", "requires_payment_method")

	assert.Nil(t, done)
	assert.ErrorIs(t, err, ErrPaymentFailed)

	sess, err := f.machine.Get(context.Background(), st.Session.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionFailed, sess.Status)
	assert.Nil(t, sess.OrderID)

	rec, err := f.store.GetPayment(context.Background(), *st.Session.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentFailed, rec.Status)

	orders, err := f.store.ListOrdersByUser(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Empty(t, orders)
	assert.Equal(t, 10, f.stock(t, "prod-1"))
}

func TestMachine_Complete_NotFound(t *testing.T) {
	f := newFixture(t, Config{})
	st := f.start(t, model.CartItem{ProductID: "prod-1", Quantity: 1})

	_, err := f.machine.Complete(context.Background(), "missing", "user-1", ReportedSucceeded)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = f.machine.Complete(context.Background(), st.Session.ID, "user-2", ReportedSucceeded)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMachine_Complete_TerminalStateIsImmutable(t *testing.T) {
	f := newFixture(t, Config{})
	st := f.start(t, model.CartItem{ProductID: "prod-1", Quantity: 1})
	_, err := f.machine.Complete(context.Background(), st.Session.ID, "user-1", ReportedSucceeded)
	require.NoError(t, err)

	for _, reported := range []string{ReportedSucceeded, "failed"} {
		_, err = f.machine.Complete(context.Background(), st.Session.ID, "user-1", reported)
		assert.ErrorIs(t, err, ErrInvalidSessionState)
	}

	sess, err := f.machine.Get(context.Background(), st.Session.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, sess.Status)
	assert.Equal(t, 9, f.stock(t, "prod-1"))
}

func TestMachine_Complete_FailedSessionCannotComplete(t *testing.T) {
	f := newFixture(t, Config{})
	st := f.start(t, model.CartItem{ProductID: "prod-1", Quantity: 1})
	_, err := f.machine.Complete(context.Background(), st.Session.ID, "user-1", "failed")
	require.ErrorIs(t, err, ErrPaymentFailed)

	_, err = f.machine.Complete(context.Background(), st.Session.ID, "user-1", ReportedSucceeded)

	assert.ErrorIs(t, err, ErrInvalidSessionState)
	assert.Equal(t, 10, f.stock(t, "prod-1"))
}

func TestMachine_Complete_DoubleSubmitCreatesOneOrder(t *testing.T) {
	f := newFixture(t, Config{})
	st := f.start(t, model.CartItem{ProductID: "prod-1", Quantity: 2})
	const n = 5
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.machine.Complete(context.Background(), st.Session.ID, "user-1", ReportedSucceeded)
		}(i)
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, ErrInvalidSessionState)
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 8, f.stock(t, "prod-1"))

	orders, err := f.store.ListOrdersByUser(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestMachine_Complete_OrderFailureMarksSessionFailed(t *testing.T) {
	f := newFixture(t, Config{})
	st := f.start(t, model.CartItem{ProductID: "prod-2", Quantity: 1})
	// stock vanishes between start and completion
	require.NoError(t, f.store.UpdateProductStock(context.Background(), "prod-2", 0))

	done, err := f.machine.Complete(context.Background(), st.Session.ID, "user-1", ReportedSucceeded)

	assert.Nil(t, done)
	assert.ErrorIs(t, err, inventory.ErrInsufficientStock)

	sess, err := f.machine.Get(context.Background(), st.Session.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionFailed, sess.Status)
	assert.Contains(t, sess.FailureReason, "insufficient stock")

	orders, err := f.store.ListOrdersByUser(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Empty(t, orders)
	assert.Equal(t, 0, f.notifier.n)
}

func TestMachine_Complete_LockTimeoutKeepsSessionRetryable(t *testing.T) {
	f := newFixture(t, Config{})
	f.store.SetLockTimeout(50 * time.Millisecond)
	st := f.start(t, model.CartItem{ProductID: "prod-1", Quantity: 1})

	locked := make(chan struct{})
	release := make(chan struct{})
	holder := make(chan error, 1)
	go func() {
		holder <- f.store.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
			if _, err := tx.LockProduct(ctx, "prod-1"); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	done, err := f.machine.Complete(context.Background(), st.Session.ID, "user-1", ReportedSucceeded)
	close(release)
	require.NoError(t, <-holder)

	assert.Nil(t, done)
	assert.ErrorIs(t, err, store.ErrLockTimeout)
	sess, err := f.machine.Get(context.Background(), st.Session.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionInProgress, sess.Status)
	assert.Empty(t, sess.FailureReason)

	done, err = f.machine.Complete(context.Background(), st.Session.ID, "user-1", ReportedSucceeded)

	require.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, done.Session.Status)
	assert.Equal(t, 9, f.stock(t, "prod-1"))
	assert.Equal(t, 1, f.notifier.n)
}

func TestMachine_Complete_CancelledWhileWaitingKeepsSessionRetryable(t *testing.T) {
	f := newFixture(t, Config{})
	st := f.start(t, model.CartItem{ProductID: "prod-1", Quantity: 1})

	locked := make(chan struct{})
	release := make(chan struct{})
	holder := make(chan error, 1)
	go func() {
		holder <- f.store.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
			if _, err := tx.LockProduct(ctx, "prod-1"); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		_, err := f.machine.Complete(ctx, st.Session.ID, "user-1", ReportedSucceeded)
		result <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-result, context.Canceled)
	close(release)
	require.NoError(t, <-holder)

	sess, err := f.machine.Get(context.Background(), st.Session.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionInProgress, sess.Status)
}

func TestMachine_Complete_PricesOrderAtCompletion(t *testing.T) {
	f := newFixture(t, Config{})
	st := f.start(t, model.CartItem{ProductID: "prod-1", Quantity: 2})
	require.True(t, decimal.RequireFromString("60.00").Equal(st.Session.Total))

	f.store.PutProduct(model.Product{ID: "prod-1", Name: "Kettle", Price: decimal.RequireFromString("35.00"), Stock: 10})

	done, err := f.machine.Complete(context.Background(), st.Session.ID, "user-1", ReportedSucceeded)

	require.NoError(t, err)
	require.Len(t, done.Order.Items, 1)
	assert.True(t, decimal.RequireFromString("35.00").Equal(done.Order.Items[0].UnitPrice))
	assert.True(t, decimal.RequireFromString("70.00").Equal(done.Order.Total))
	assert.True(t, decimal.RequireFromString("60.00").Equal(done.Session.Total))

	rec, err := f.store.GetPaymentByOrder(context.Background(), done.Order.ID)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("60.00").Equal(rec.Amount))

	f.store.PutProduct(model.Product{ID: "prod-1", Name: "Kettle", Price: decimal.RequireFromString("1.00"), Stock: 8})
	o, err := f.store.GetOrder(context.Background(), done.Order.ID)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("35.00").Equal(o.Items[0].UnitPrice))
}

func TestMachine_Complete_VerifyIntentRejectsUnconfirmed(t *testing.T) {
	f := newFixture(t, Config{VerifyIntent: true})
	st := f.start(t, model.CartItem{ProductID: "prod-1", Quantity: 1})

	_, err := f.machine.Complete(context.Background(), st.Session.ID, "user-1", ReportedSucceeded)

	assert.ErrorIs(t, err, ErrPaymentFailed)
	assert.Equal(t, 10, f.stock(t, "prod-1"))
}

func TestMachine_Complete_VerifyIntentAcceptsConfirmed(t *testing.T) {
	f := newFixture(t, Config{VerifyIntent: true})
	st := f.start(t, model.CartItem{ProductID: "prod-1", Quantity: 1})
	rec, err := f.store.GetPayment(context.Background(), *st.Session.PaymentID)
	require.NoError(t, err)
	require.NoError(t, f.gw.SetStatus(*rec.IntentID, "succeeded"))

	done, err := f.machine.Complete(context.Background(), st.Session.ID, "user-1", ReportedSucceeded)

	require.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, done.Session.Status)
}

func TestMachine_Get_OtherUser(t *testing.T) {
	f := newFixture(t, Config{})
	st := f.start(t, model.CartItem{ProductID: "prod-1", Quantity: 1})

	_, err := f.machine.Get(context.Background(), st.Session.ID, "user-2")

	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMachine_Instrument_CountsResults(t *testing.T) {
	f := newFixture(t, Config{})
	results := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_checkouts_total"}, []string{"result"})
	f.machine.Instrument(results)

	ok := f.start(t, model.CartItem{ProductID: "prod-1", Quantity: 1})
	_, err := f.machine.Complete(context.Background(), ok.Session.ID, "user-1", ReportedSucceeded)
	require.NoError(t, err)

	bad := f.start(t, model.CartItem{ProductID: "prod-1", Quantity: 1})
	_, err = f.machine.Complete(context.Background(), bad.Session.ID, "user-1", "canceled")
	require.ErrorIs(t, err, ErrPaymentFailed)

	assert.Equal(t, float64(1), testutil.ToFloat64(results.WithLabelValues("completed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(results.WithLabelValues("payment_failed")))
}
