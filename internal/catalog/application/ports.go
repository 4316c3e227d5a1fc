package application

import (
	"context"
	"errors"

	"github.com/dmehra2102/cart-reservation/internal/catalog/domain"
	"github.com/dmehra2102/cart-reservation/pkg/outbox"
)

// Infrastructure failures a store classifies its errors into.
var (
	ErrStoreTimeout     = errors.New("store timeout")
	ErrStoreUnavailable = errors.New("store unavailable")
)

type ProductRepository interface {
	List(ctx context.Context) ([]domain.Product, error)
	Get(ctx context.Context, id string) (domain.Product, error)
	Create(ctx context.Context, p domain.Product) (domain.Product, error)
	Update(ctx context.Context, p domain.Product) (domain.Product, error)
	Delete(ctx context.Context, id string) error
}

// ProductStore runs fn inside one all-or-nothing transaction. Any error
// returned by fn rolls back every write made through tx.
type ProductStore interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx ProductTx) error) error
}

type ProductTx interface {
	// LockProducts reads the given products and holds them until the
	// transaction ends. Missing ids are absent from the result.
	LockProducts(ctx context.Context, ids []string) (map[string]domain.Product, error)
	// Decrement takes every line out of stock. A line that would drive the
	// amount below zero fails with a *domain.StockError.
	Decrement(ctx context.Context, lines []domain.StockLine) ([]domain.Product, error)
	Increment(ctx context.Context, line domain.StockLine) (domain.Product, error)
	AppendOutbox(ctx context.Context, ev outbox.Event) error
}

type AvailabilityView interface {
	Available(productID string, baseAmount int) int
}
