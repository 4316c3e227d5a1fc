package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmehra2102/cart-reservation/internal/catalog/domain"
	"github.com/dmehra2102/cart-reservation/pkg/outbox"
)

const EventProductRestocked = "ProductRestocked"

type Service struct {
	log   *slog.Logger
	repo  ProductRepository
	store ProductStore
	view  AvailabilityView
}

func NewService(log *slog.Logger, repo ProductRepository, store ProductStore, view AvailabilityView) *Service {
	return &Service{log: log, repo: repo, store: store, view: view}
}

// List returns every product with its stock reduced by all open carts.
func (s *Service) List(ctx context.Context) ([]domain.Listing, error) {
	products, err := s.Products(ctx)
	if err != nil {
		return nil, err
	}
	return s.Listings(products), nil
}

// Products returns persisted stock without reservations applied.
func (s *Service) Products(ctx context.Context) ([]domain.Product, error) {
	return s.repo.List(ctx)
}

// Listings applies the current reservations to products. It does no I/O.
func (s *Service) Listings(products []domain.Product) []domain.Listing {
	listings := make([]domain.Listing, 0, len(products))
	for _, p := range products {
		listings = append(listings, s.listing(p))
	}
	return listings
}

func (s *Service) Get(ctx context.Context, id string) (domain.Listing, error) {
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return domain.Listing{}, err
	}
	return s.listing(p), nil
}

func (s *Service) Create(ctx context.Context, p domain.Product) (domain.Product, error) {
	if err := p.Validate(); err != nil {
		return domain.Product{}, err
	}
	now := time.Now().UTC()
	p.ID = uuid.NewString()
	p.CreatedAt, p.UpdatedAt = now, now

	created, err := s.repo.Create(ctx, p)
	if err != nil {
		return domain.Product{}, err
	}
	s.log.Info("product created", "product_id", created.ID, "name", created.Name)
	return created, nil
}

func (s *Service) Edit(ctx context.Context, id string, changes domain.ProductChanges) (domain.Product, error) {
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	next := current.Apply(changes)
	if err := next.Validate(); err != nil {
		return domain.Product{}, err
	}
	next.UpdatedAt = time.Now().UTC()
	return s.repo.Update(ctx, next)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.log.Info("product deleted", "product_id", id)
	return nil
}

// Restock adds units to persisted stock and records a ProductRestocked
// event in the same transaction.
func (s *Service) Restock(ctx context.Context, id string, added int, traceparent string) (domain.Product, error) {
	if added <= 0 {
		return domain.Product{}, fmt.Errorf("%w: restock amount must be positive", domain.ErrInvalidProduct)
	}

	var updated domain.Product
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx ProductTx) error {
		p, err := tx.Increment(ctx, domain.StockLine{ProductID: id, Quantity: added})
		if err != nil {
			return err
		}
		ev, err := outbox.NewEvent("product", id, EventProductRestocked,
			domain.ProductRestocked{ProductID: id, Added: added, Amount: p.Amount}, traceparent)
		if err != nil {
			return err
		}
		if err := tx.AppendOutbox(ctx, ev); err != nil {
			return err
		}
		updated = p
		return nil
	})
	if err != nil {
		return domain.Product{}, err
	}
	s.log.Info("product restocked", "product_id", id, "added", added, "amount", updated.Amount)
	return updated, nil
}

func (s *Service) listing(p domain.Product) domain.Listing {
	return domain.Listing{Product: p, Available: s.view.Available(p.ID, p.Amount)}
}
