package application_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmehra2102/cart-reservation/internal/catalog/application"
	"github.com/dmehra2102/cart-reservation/internal/catalog/domain"
	"github.com/dmehra2102/cart-reservation/internal/catalog/infrastructure/memory"
)

type fixedView map[string]int

func (v fixedView) Available(productID string, base int) int { return base - v[productID] }

func newService(view fixedView, products ...domain.Product) (*application.Service, *memory.Store) {
	store := memory.NewStore(products...)
	return application.NewService(slog.New(slog.DiscardHandler), store, store, view), store
}

func validProduct() domain.Product {
	return domain.Product{Name: "Phone", Description: "smart", ImagePath: "phone.png", PriceCents: 19900, Amount: 4, Rating: 3}
}

func TestService_ListSubtractsReservations(t *testing.T) {
	svc, _ := newService(fixedView{"A": 3, "B": 9},
		domain.Product{ID: "A", Amount: 5},
		domain.Product{ID: "B", Amount: 2},
	)

	listings, err := svc.List(context.Background())

	require.NoError(t, err)
	require.Len(t, listings, 2)
	assert.Equal(t, 2, listings[0].Available)
	assert.Equal(t, -7, listings[1].Available)
	assert.Equal(t, 2, listings[1].Amount)
}

func TestService_CreateAssignsIdentity(t *testing.T) {
	svc, store := newService(fixedView{})

	created, err := svc.Create(context.Background(), validProduct())

	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.False(t, created.CreatedAt.IsZero())
	got, err := store.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Phone", got.Name)
}

func TestService_CreateRejectsInvalid(t *testing.T) {
	cases := map[string]func(p *domain.Product){
		"empty name":        func(p *domain.Product) { p.Name = "" },
		"punctuated name":   func(p *domain.Product) { p.Name = "a-b" },
		"long name":         func(p *domain.Product) { p.Name = "abcdefghijabcdefghijabcdefghijk" },
		"no description":    func(p *domain.Product) { p.Description = "" },
		"no image":          func(p *domain.Product) { p.ImagePath = "" },
		"zero price":        func(p *domain.Product) { p.PriceCents = 0 },
		"zero rating":       func(p *domain.Product) { p.Rating = 0 },
		"negative quantity": func(p *domain.Product) { p.Amount = -1 },
	}
	svc, store := newService(fixedView{})
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := validProduct()
			mutate(&p)
			_, err := svc.Create(context.Background(), p)
			assert.ErrorIs(t, err, domain.ErrInvalidProduct)
		})
	}
	all, _ := store.List(context.Background())
	assert.Empty(t, all)
}

func TestService_EditAppliesPartialChanges(t *testing.T) {
	p := validProduct()
	p.ID = "A"
	svc, _ := newService(fixedView{}, p)
	price := int64(500)

	updated, err := svc.Edit(context.Background(), "A", domain.ProductChanges{PriceCents: &price})

	require.NoError(t, err)
	assert.Equal(t, int64(500), updated.PriceCents)
	assert.Equal(t, "Phone", updated.Name)

	_, err = svc.Edit(context.Background(), "missing", domain.ProductChanges{})
	assert.ErrorIs(t, err, domain.ErrProductNotFound)
}

func TestService_RestockRecordsEvent(t *testing.T) {
	svc, store := newService(fixedView{}, domain.Product{ID: "A", Amount: 1})

	p, err := svc.Restock(context.Background(), "A", 4, "00-abc-def-01")

	require.NoError(t, err)
	assert.Equal(t, 5, p.Amount)
	events := store.Events()
	require.Len(t, events, 1)
	assert.Equal(t, application.EventProductRestocked, events[0].Type)
	assert.Equal(t, "A", events[0].AggregateID)
	assert.Equal(t, "00-abc-def-01", events[0].Traceparent)

	var body domain.ProductRestocked
	require.NoError(t, json.Unmarshal(events[0].Payload, &body))
	assert.Equal(t, domain.ProductRestocked{ProductID: "A", Added: 4, Amount: 5}, body)
}

func TestService_RestockRejects(t *testing.T) {
	svc, store := newService(fixedView{}, domain.Product{ID: "A", Amount: 1})

	_, err := svc.Restock(context.Background(), "A", 0, "")
	assert.ErrorIs(t, err, domain.ErrInvalidProduct)

	_, err = svc.Restock(context.Background(), "ghost", 2, "")
	assert.ErrorIs(t, err, domain.ErrProductNotFound)
	assert.Empty(t, store.Events())
}
