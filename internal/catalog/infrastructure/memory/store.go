package memory

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/dmehra2102/cart-reservation/internal/catalog/application"
	"github.com/dmehra2102/cart-reservation/internal/catalog/domain"
	"github.com/dmehra2102/cart-reservation/pkg/outbox"
)

// Store keeps products and the outbox in process. Transactions are
// serialized by a single lock held for their whole duration, and their
// writes are staged until fn returns nil.
type Store struct {
	mu       sync.Mutex
	products map[string]domain.Product
	events   []outbox.Event
	nextID   int64
}

var (
	_ application.ProductRepository = (*Store)(nil)
	_ application.ProductStore      = (*Store)(nil)
	_ outbox.Store                  = (*Store)(nil)
)

func NewStore(products ...domain.Product) *Store {
	s := &Store{products: make(map[string]domain.Product, len(products))}
	for _, p := range products {
		s.products[p.ID] = p
	}
	return s
}

func (s *Store) List(ctx context.Context) ([]domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b domain.Product) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *Store) Get(ctx context.Context, id string) (domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[id]
	if !ok {
		return domain.Product{}, domain.ErrProductNotFound
	}
	return p, nil
}

func (s *Store) Create(ctx context.Context, p domain.Product) (domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.products[p.ID] = p
	return p, nil
}

func (s *Store) Update(ctx context.Context, p domain.Product) (domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[p.ID]; !ok {
		return domain.Product{}, domain.ErrProductNotFound
	}
	s.products[p.ID] = p
	return p, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[id]; !ok {
		return domain.ErrProductNotFound
	}
	delete(s.products, id)
	return nil
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx application.ProductTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctxErr(ctx); err != nil {
		return err
	}
	tx := &tx{store: s, staged: map[string]domain.Product{}}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctxErr(ctx); err != nil {
		return err
	}

	for id, p := range tx.staged {
		s.products[id] = p
	}
	for _, ev := range tx.events {
		s.nextID++
		ev.ID = s.nextID
		s.events = append(s.events, ev)
	}
	return nil
}

// Events returns a copy of every outbox event committed so far.
func (s *Store) Events() []outbox.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.events)
}

func (s *Store) LockBatch(ctx context.Context, relayID string, batchSize int, lease time.Duration) ([]outbox.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var batch []outbox.Event
	for i := range s.events {
		if len(batch) == batchSize {
			break
		}
		if s.events[i].Status != outbox.StatusPending {
			continue
		}
		s.events[i].Status = outbox.StatusInProgress
		s.events[i].RelayID = relayID
		batch = append(batch, s.events[i])
	}
	return batch, nil
}

func (s *Store) MarkSent(ctx context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.events {
		if slices.Contains(ids, s.events[i].ID) {
			s.events[i].Status = outbox.StatusSent
		}
	}
	return nil
}

// MarkFailed returns the event to pending for the next batch, or parks it
// once it has failed outbox.MaxAttempts times. There is no backoff.
func (s *Store) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.events {
		if s.events[i].ID != id {
			continue
		}
		s.events[i].RetryCount++
		s.events[i].LastError = &errMsg
		s.events[i].RelayID = ""
		s.events[i].Status = outbox.StatusPending
		if s.events[i].RetryCount >= outbox.MaxAttempts {
			s.events[i].Status = outbox.StatusFailed
		}
	}
	return nil
}

// ExtendLease is a no-op: in-process leases never expire.
func (s *Store) ExtendLease(ctx context.Context, relayID string, ids []int64, lease time.Duration) error {
	return nil
}

type tx struct {
	store  *Store
	staged map[string]domain.Product
	events []outbox.Event
}

func (t *tx) get(id string) (domain.Product, bool) {
	if p, ok := t.staged[id]; ok {
		return p, true
	}
	p, ok := t.store.products[id]
	return p, ok
}

func (t *tx) LockProducts(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	out := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := t.get(id); ok {
			out[id] = p
		}
	}
	return out, nil
}

func (t *tx) Decrement(ctx context.Context, lines []domain.StockLine) ([]domain.Product, error) {
	out := make([]domain.Product, 0, len(lines))
	for _, l := range lines {
		p, ok := t.get(l.ProductID)
		if !ok {
			return nil, &domain.StockError{Kind: domain.ErrProductNotFound, ProductID: l.ProductID}
		}
		if l.Quantity > p.Amount {
			return nil, &domain.StockError{Kind: domain.ErrInsufficientStock, ProductID: l.ProductID, Requested: l.Quantity, InStock: p.Amount}
		}
		p.Amount -= l.Quantity
		p.UpdatedAt = time.Now().UTC()
		t.staged[p.ID] = p
		out = append(out, p)
	}
	return out, nil
}

func (t *tx) Increment(ctx context.Context, l domain.StockLine) (domain.Product, error) {
	p, ok := t.get(l.ProductID)
	if !ok {
		return domain.Product{}, &domain.StockError{Kind: domain.ErrProductNotFound, ProductID: l.ProductID}
	}
	p.Amount += l.Quantity
	p.UpdatedAt = time.Now().UTC()
	t.staged[p.ID] = p
	return p, nil
}

func (t *tx) AppendOutbox(ctx context.Context, ev outbox.Event) error {
	ev.Status = outbox.StatusPending
	t.events = append(t.events, ev)
	return nil
}

func ctxErr(ctx context.Context) error {
	err := ctx.Err()
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return errors.Join(application.ErrStoreTimeout, err)
	default:
		return errors.Join(application.ErrStoreUnavailable, err)
	}
}
