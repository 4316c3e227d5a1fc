//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	cartapp "github.com/dmehra2102/cart-reservation/internal/cart/application"
	cartdomain "github.com/dmehra2102/cart-reservation/internal/cart/domain"
	catalogapp "github.com/dmehra2102/cart-reservation/internal/catalog/application"
	catalogdomain "github.com/dmehra2102/cart-reservation/internal/catalog/domain"
	catalogpg "github.com/dmehra2102/cart-reservation/internal/catalog/infrastructure/postgres"
	checkoutapp "github.com/dmehra2102/cart-reservation/internal/checkout/application"
	checkoutdomain "github.com/dmehra2102/cart-reservation/internal/checkout/domain"
	"github.com/dmehra2102/cart-reservation/pkg/outbox"
)

type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(string, cartdomain.Delta) {}

type CheckoutSuite struct {
	suite.Suite
	env     *Env
	pool    *pgxpool.Pool
	repo    *catalogpg.Repository
	cart    *cartapp.Service
	catalog *catalogapp.Service
	coord   *checkoutapp.Coordinator
}

func TestCheckoutSuite(t *testing.T) {
	suite.Run(t, new(CheckoutSuite))
}

func (s *CheckoutSuite) SetupSuite() {
	ctx := context.Background()
	env, err := Setup(ctx)
	s.Require().NoError(err)
	s.env = env

	s.pool, err = catalogpg.NewPool(ctx, env.PGURL, 10)
	s.Require().NoError(err)
	s.Require().NoError(catalogpg.Migrate(ctx, s.pool))
}

func (s *CheckoutSuite) TearDownSuite() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.env != nil {
		s.env.Teardown(context.Background())
	}
}

func (s *CheckoutSuite) SetupTest() {
	ctx := context.Background()
	_, err := s.pool.Exec(ctx, `TRUNCATE products, outbox RESTART IDENTITY`)
	s.Require().NoError(err)

	log := slog.New(slog.DiscardHandler)
	s.repo = catalogpg.NewRepository(log, s.pool)
	s.cart = cartapp.NewService(log, cartdomain.NewLedger(), nopBroadcaster{})
	s.catalog = catalogapp.NewService(log, s.repo, s.repo, s.cart)
	s.coord = checkoutapp.NewCoordinator(log, s.cart, s.repo, 5*time.Second)
}

func (s *CheckoutSuite) product(name string, amount int) catalogdomain.Product {
	p, err := s.catalog.Create(context.Background(), catalogdomain.Product{
		Name: name, Description: "it", ImagePath: name + ".png", PriceCents: 100, Amount: amount, Rating: 1,
	})
	s.Require().NoError(err)
	return p
}

func (s *CheckoutSuite) TestTwoSessionsCompeteForStock() {
	ctx := context.Background()
	p := s.product("Phone", 5)
	s.cart.Connect("A")
	s.cart.Connect("B")
	_, err := s.cart.Reserve("A", p.ID, 3)
	s.Require().NoError(err)
	_, err = s.cart.Reserve("B", p.ID, 3)
	s.Require().NoError(err)

	listing, err := s.catalog.Get(ctx, p.ID)
	s.Require().NoError(err)
	s.Equal(-1, listing.Available)

	sold, err := s.coord.Checkout(ctx, "A", "")
	s.Require().NoError(err)
	s.Require().Len(sold, 1)
	s.Equal(2, sold[0].Amount)

	_, err = s.coord.Checkout(ctx, "B", "")
	var cerr *checkoutdomain.Error
	s.Require().ErrorAs(err, &cerr)
	s.Equal(checkoutdomain.ErrInsufficientInventory, cerr.Kind)
	s.Equal(p.ID, cerr.ProductID)

	stored, err := s.repo.Get(ctx, p.ID)
	s.Require().NoError(err)
	s.Equal(2, stored.Amount)
}

func (s *CheckoutSuite) TestMultiItemFailureLeavesStockUntouched() {
	ctx := context.Background()
	a := s.product("Lamp", 4)
	b := s.product("Desk", 1)
	s.cart.Connect("A")
	_, _ = s.cart.Reserve("A", a.ID, 2)
	_, _ = s.cart.Reserve("A", b.ID, 2)

	_, err := s.coord.Checkout(ctx, "A", "")
	s.Require().ErrorIs(err, checkoutdomain.ErrInsufficientInventory)

	for id, want := range map[string]int{a.ID: 4, b.ID: 1} {
		got, err := s.repo.Get(ctx, id)
		s.Require().NoError(err)
		s.Equal(want, got.Amount)
	}
	items, err := s.cart.Snapshot("A")
	s.Require().NoError(err)
	s.Len(items, 2)
}

func (s *CheckoutSuite) TestConcurrentCheckoutsNeverOversell() {
	ctx := context.Background()
	p := s.product("Chair", 5)
	const sessions = 12
	for i := range sessions {
		id := string(rune('a' + i))
		s.cart.Connect(id)
		_, err := s.cart.Reserve(id, p.ID, 1)
		s.Require().NoError(err)
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := range sessions {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := s.coord.Checkout(ctx, id, ""); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}(string(rune('a' + i)))
	}
	wg.Wait()

	s.Equal(5, ok)
	stored, err := s.repo.Get(ctx, p.ID)
	s.Require().NoError(err)
	s.Zero(stored.Amount)
}

func (s *CheckoutSuite) TestOutboxRelaysToKafka() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	const topic = "catalog.events.it"

	p := s.product("Mug", 3)
	s.cart.Connect("A")
	_, _ = s.cart.Reserve("A", p.ID, 2)
	_, err := s.coord.Checkout(ctx, "A", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	s.Require().NoError(err)
	_, err = s.catalog.Restock(ctx, p.ID, 10, "")
	s.Require().NoError(err)

	log := slog.New(slog.DiscardHandler)
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(s.env.KAddr...),
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	defer writer.Close()
	relay := outbox.NewRelay(log, catalogpg.NewOutboxStore(log, s.pool), outbox.NewDispatcher(log, writer, topic), "it-relay")

	s.Require().Eventually(func() bool {
		n, err := relay.Flush(ctx)
		return err == nil && n == 2
	}, 30*time.Second, 500*time.Millisecond)

	reader := kafka.NewReader(kafka.ReaderConfig{Brokers: s.env.KAddr, Topic: topic, Partition: 0})
	defer reader.Close()

	var types []string
	for len(types) < 2 {
		msg, err := reader.ReadMessage(ctx)
		s.Require().NoError(err)
		for _, h := range msg.Headers {
			if h.Key == "event_type" {
				types = append(types, string(h.Value))
			}
		}
		if string(msg.Key) != p.ID {
			var body checkoutdomain.CheckoutCompleted
			s.Require().NoError(json.Unmarshal(msg.Value, &body))
			assert.Equal(s.T(), "A", body.SessionID)
		}
	}
	s.ElementsMatch([]string{checkoutapp.EventCheckoutCompleted, catalogapp.EventProductRestocked}, types)

	n, err := relay.Flush(ctx)
	require.NoError(s.T(), err)
	s.Zero(n)
}

func (s *CheckoutSuite) TestFailedOutboxEventIsRequeuedWithBackoff() {
	ctx := context.Background()
	p := s.product("Kettle", 1)
	_, err := s.catalog.Restock(ctx, p.ID, 1, "")
	s.Require().NoError(err)

	store := catalogpg.NewOutboxStore(slog.New(slog.DiscardHandler), s.pool)
	batch, err := store.LockBatch(ctx, "r1", 10, time.Minute)
	s.Require().NoError(err)
	s.Require().Len(batch, 1)
	s.Require().NoError(store.MarkFailed(ctx, batch[0].ID, "broker down"))

	var status string
	var retries int
	s.Require().NoError(s.pool.QueryRow(ctx, `SELECT status, retry_count FROM outbox WHERE id=$1`, batch[0].ID).Scan(&status, &retries))
	s.Equal(string(outbox.StatusPending), status)
	s.Equal(1, retries)

	again, err := store.LockBatch(ctx, "r1", 10, time.Minute)
	s.Require().NoError(err)
	s.Empty(again, "event is still backing off")

	s.Require().Eventually(func() bool {
		again, err = store.LockBatch(ctx, "r1", 10, time.Minute)
		return err == nil && len(again) == 1
	}, 5*time.Second, 100*time.Millisecond)
	s.Equal(1, again[0].RetryCount)
}
