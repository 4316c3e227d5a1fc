package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	cartapp "github.com/dmehra2102/cart-reservation/internal/cart/application"
	cartdomain "github.com/dmehra2102/cart-reservation/internal/cart/domain"
	catalogapp "github.com/dmehra2102/cart-reservation/internal/catalog/application"
	catalogdomain "github.com/dmehra2102/cart-reservation/internal/catalog/domain"
	"github.com/dmehra2102/cart-reservation/internal/catalog/infrastructure/memory"
	"github.com/dmehra2102/cart-reservation/internal/checkout/domain"
)

type deltaLog struct {
	mu     sync.Mutex
	deltas []cartdomain.Delta
}

func (d *deltaLog) Broadcast(exclude string, delta cartdomain.Delta) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deltas = append(d.deltas, delta)
}

type failingStore struct{ err error }

func (f failingStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx catalogapp.ProductTx) error) error {
	return f.err
}

// gatedStore holds every transaction until release is closed.
type gatedStore struct {
	catalogapp.ProductStore
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx catalogapp.ProductTx) error) error {
	g.entered <- struct{}{}
	<-g.release
	return g.ProductStore.WithinTx(ctx, fn)
}

type CoordinatorSuite struct {
	suite.Suite
	log    *slog.Logger
	store  *memory.Store
	ledger *cartdomain.Ledger
	out    *deltaLog
	cart   *cartapp.Service
	coord  *Coordinator
}

func TestCoordinatorSuite(t *testing.T) {
	suite.Run(t, new(CoordinatorSuite))
}

func (s *CoordinatorSuite) SetupTest() {
	s.log = slog.New(slog.DiscardHandler)
	s.store = memory.NewStore(
		catalogdomain.Product{ID: "P", Name: "Phone", Amount: 5},
		catalogdomain.Product{ID: "Q", Name: "Case", Amount: 1},
	)
	s.ledger = cartdomain.NewLedger()
	s.out = &deltaLog{}
	s.cart = cartapp.NewService(s.log, s.ledger, s.out)
	s.coord = NewCoordinator(s.log, s.cart, s.store, time.Second)
}

func (s *CoordinatorSuite) amount(id string) int {
	p, err := s.store.Get(context.Background(), id)
	s.Require().NoError(err)
	return p.Amount
}

func (s *CoordinatorSuite) TestTwoSessionsShareLastUnits() {
	ctx := context.Background()
	s.cart.Connect("X")
	s.cart.Connect("Y")

	_, err := s.cart.Reserve("X", "P", 3)
	s.Require().NoError(err)
	s.Equal(2, s.cart.Available("P", s.amount("P")))
	_, err = s.cart.Reserve("Y", "P", 2)
	s.Require().NoError(err)
	s.Equal(0, s.cart.Available("P", s.amount("P")))

	s.out.deltas = nil
	products, err := s.coord.Checkout(ctx, "X", "")
	s.Require().NoError(err)
	s.Require().Len(products, 1)
	s.Equal(2, products[0].Amount)
	s.Equal([]cartdomain.Delta{{ProductID: "P", Amount: -3}}, s.out.deltas)
	s.Empty(s.ledger.Snapshot("X"))
	s.Equal(0, s.cart.Available("P", s.amount("P")))

	products, err = s.coord.Checkout(ctx, "Y", "")
	s.Require().NoError(err)
	s.Equal(0, products[0].Amount)
	s.Equal(0, s.amount("P"))
}

func (s *CoordinatorSuite) TestReservationBeyondStockFailsAtCheckout() {
	s.cart.Connect("X")
	_, err := s.cart.Reserve("X", "P", 10)
	s.Require().NoError(err)

	_, err = s.coord.Checkout(context.Background(), "X", "")

	s.Require().ErrorIs(err, domain.ErrInsufficientInventory)
	var cerr *domain.Error
	s.Require().ErrorAs(err, &cerr)
	s.Equal("P", cerr.ProductID)
	s.Equal(10, cerr.Requested)
	s.Equal(5, cerr.InStock)
	s.False(cerr.Retryable())
	s.Equal(5, s.amount("P"))
	s.Equal([]cartdomain.Item{{ProductID: "P", Quantity: 10}}, s.ledger.Snapshot("X"))
	s.Empty(s.store.Events())
}

func (s *CoordinatorSuite) TestMultiItemFailureChangesNothing() {
	s.cart.Connect("X")
	_, _ = s.cart.Reserve("X", "P", 2)
	_, _ = s.cart.Reserve("X", "Q", 2)

	_, err := s.coord.Checkout(context.Background(), "X", "")

	s.Require().ErrorIs(err, domain.ErrInsufficientInventory)
	s.Equal(5, s.amount("P"))
	s.Equal(1, s.amount("Q"))
	s.Len(s.ledger.Snapshot("X"), 2)
}

func (s *CoordinatorSuite) TestMissingProduct() {
	s.cart.Connect("X")
	_, _ = s.cart.Reserve("X", "P", 1)
	_, _ = s.cart.Reserve("X", "gone", 1)

	_, err := s.coord.Checkout(context.Background(), "X", "")

	s.Require().ErrorIs(err, domain.ErrProductNotFound)
	var cerr *domain.Error
	s.Require().ErrorAs(err, &cerr)
	s.Equal("gone", cerr.ProductID)
	s.Equal(5, s.amount("P"))
}

func (s *CoordinatorSuite) TestEmptyCartIsNoop() {
	s.cart.Connect("X")

	products, err := s.coord.Checkout(context.Background(), "X", "")

	s.Require().NoError(err)
	s.Empty(products)
	s.Empty(s.store.Events())
}

func (s *CoordinatorSuite) TestUnknownSession() {
	_, err := s.coord.Checkout(context.Background(), "nobody", "")

	s.ErrorIs(err, cartdomain.ErrUnknownSession)
}

func (s *CoordinatorSuite) TestWritesCompletedEvent() {
	s.cart.Connect("X")
	_, _ = s.cart.Reserve("X", "P", 2)

	_, err := s.coord.Checkout(context.Background(), "X", "00-trace-span-01")
	s.Require().NoError(err)

	events := s.store.Events()
	s.Require().Len(events, 1)
	s.Equal(EventCheckoutCompleted, events[0].Type)
	s.Equal("00-trace-span-01", events[0].Traceparent)
	var body domain.CheckoutCompleted
	s.Require().NoError(json.Unmarshal(events[0].Payload, &body))
	s.Equal("X", body.SessionID)
	s.Equal([]domain.Line{{ProductID: "P", Quantity: 2}}, body.Lines)
	s.Equal(body.CheckoutID, events[0].AggregateID)
}

func (s *CoordinatorSuite) TestCancelledCallerStillCommits() {
	s.cart.Connect("X")
	_, _ = s.cart.Reserve("X", "P", 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.coord.Checkout(ctx, "X", "")

	s.Require().NoError(err)
	s.Equal(4, s.amount("P"))
}

func (s *CoordinatorSuite) TestStoreFailuresLeaveLedgerIntact() {
	cases := []struct {
		err       error
		kind      error
		retryable bool
	}{
		{catalogapp.ErrStoreTimeout, domain.ErrTransactionTimeout, true},
		{context.DeadlineExceeded, domain.ErrTransactionTimeout, true},
		{errors.New("connection refused"), domain.ErrStoreUnavailable, true},
	}
	for _, tc := range cases {
		s.Run(tc.err.Error(), func() {
			s.cart.Connect("X")
			_, _ = s.cart.Reserve("X", "P", 2)
			coord := NewCoordinator(s.log, s.cart, failingStore{err: tc.err}, time.Second)

			_, err := coord.Checkout(context.Background(), "X", "")

			s.Require().ErrorIs(err, tc.kind)
			var cerr *domain.Error
			s.Require().ErrorAs(err, &cerr)
			s.Equal(tc.retryable, cerr.Retryable())
			s.ErrorIs(err, tc.err)
			s.Equal([]cartdomain.Item{{ProductID: "P", Quantity: 2}}, s.ledger.Snapshot("X"))
		})
	}
}

func (s *CoordinatorSuite) TestConcurrentCheckoutsNeverOversell() {
	const sessions = 20
	for i := 0; i < sessions; i++ {
		id := fmt.Sprintf("s%d", i)
		s.cart.Connect(id)
		_, err := s.cart.Reserve(id, "P", 1)
		s.Require().NoError(err)
	}

	var ok, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := s.coord.Checkout(context.Background(), id, "")
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, domain.ErrInsufficientInventory):
				rejected.Add(1)
			}
		}(fmt.Sprintf("s%d", i))
	}
	wg.Wait()

	s.EqualValues(5, ok.Load())
	s.EqualValues(sessions-5, rejected.Load())
	s.Equal(0, s.amount("P"))
	s.Equal(sessions-5, s.ledger.ReservedAcrossAllSessions("P"))
	s.Len(s.store.Events(), 5)
}

func (s *CoordinatorSuite) gated() (*Coordinator, *gatedStore) {
	g := &gatedStore{ProductStore: s.store, entered: make(chan struct{}, 2), release: make(chan struct{})}
	return NewCoordinator(s.log, s.cart, g, 5*time.Second), g
}

func (s *CoordinatorSuite) TestSameSessionCannotCheckOutTwice() {
	s.cart.Connect("X")
	_, _ = s.cart.Reserve("X", "P", 2)
	coord, g := s.gated()

	done := make(chan error, 1)
	go func() {
		_, err := coord.Checkout(context.Background(), "X", "")
		done <- err
	}()
	<-g.entered

	_, err := coord.Checkout(context.Background(), "X", "")
	s.Require().ErrorIs(err, cartdomain.ErrCheckoutInProgress)

	close(g.release)
	s.Require().NoError(<-done)
	s.Equal(3, s.amount("P"))
	s.Len(s.store.Events(), 1)
	s.Empty(s.ledger.Snapshot("X"))
}

func (s *CoordinatorSuite) TestReservationsFrozenDuringCheckout() {
	s.cart.Connect("X")
	_, _ = s.cart.Reserve("X", "P", 2)
	coord, g := s.gated()

	done := make(chan error, 1)
	go func() {
		_, err := coord.Checkout(context.Background(), "X", "")
		done <- err
	}()
	<-g.entered

	_, err := s.cart.Reserve("X", "Q", 1)
	s.ErrorIs(err, cartdomain.ErrCheckoutInProgress)
	_, err = s.cart.Release("X", "P")
	s.ErrorIs(err, cartdomain.ErrCheckoutInProgress)

	s.out.mu.Lock()
	s.out.deltas = nil
	s.out.mu.Unlock()
	close(g.release)
	s.Require().NoError(<-done)

	s.Equal([]cartdomain.Delta{{ProductID: "P", Amount: -2}}, s.out.deltas)
	s.Equal(1, s.amount("Q"))
	_, err = s.cart.Reserve("X", "Q", 1)
	s.Require().NoError(err)
	s.Equal([]cartdomain.Item{{ProductID: "Q", Quantity: 1}}, s.ledger.Snapshot("X"))
}

func (s *CoordinatorSuite) TestFailedCheckoutUnfreezesSession() {
	s.cart.Connect("X")
	_, _ = s.cart.Reserve("X", "P", 9)

	_, err := s.coord.Checkout(context.Background(), "X", "")
	s.Require().ErrorIs(err, domain.ErrInsufficientInventory)

	_, err = s.cart.Reserve("X", "P", 5)
	s.Require().NoError(err)
	_, err = s.coord.Checkout(context.Background(), "X", "")
	s.Require().NoError(err)
	s.Zero(s.amount("P"))
}
