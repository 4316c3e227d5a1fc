package application

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	catalogapp "github.com/dmehra2102/cart-reservation/internal/catalog/application"
	catalogdomain "github.com/dmehra2102/cart-reservation/internal/catalog/domain"
	"github.com/dmehra2102/cart-reservation/internal/checkout/domain"
	"github.com/dmehra2102/cart-reservation/pkg/outbox"
)

const EventCheckoutCompleted = "CheckoutCompleted"

// Coordinator commits a session's reservations to persisted stock as one
// transaction and only then releases them from the ledger.
type Coordinator struct {
	log     *slog.Logger
	cart    Cart
	store   catalogapp.ProductStore
	timeout time.Duration
	tracer  trace.Tracer
}

func NewCoordinator(log *slog.Logger, cart Cart, store catalogapp.ProductStore, timeout time.Duration) *Coordinator {
	return &Coordinator{
		log:     log,
		cart:    cart,
		store:   store,
		timeout: timeout,
		tracer:  otel.Tracer("checkout-coordinator"),
	}
}

// Checkout returns the products as they are after the decrement. On any
// error neither the store nor the session's reservations have changed.
//
// The store phase ignores cancellation of ctx: once started, a checkout runs
// to completion or to its own timeout even if the client goes away.
func (c *Coordinator) Checkout(ctx context.Context, sessionID, traceparent string) ([]catalogdomain.Product, error) {
	ctx, span := c.tracer.Start(ctx, "Checkout", trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	items, err := c.cart.BeginCheckout(sessionID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		c.cart.AbortCheckout(sessionID)
		return []catalogdomain.Product{}, nil
	}
	span.SetAttributes(attribute.Int("checkout.items", len(items)))

	txCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	lines := make([]catalogdomain.StockLine, 0, len(items))
	ids := make([]string, 0, len(items))
	for _, it := range items {
		lines = append(lines, catalogdomain.StockLine{ProductID: it.ProductID, Quantity: it.Quantity})
		ids = append(ids, it.ProductID)
	}

	var updated []catalogdomain.Product
	err = c.store.WithinTx(txCtx, func(ctx context.Context, tx catalogapp.ProductTx) error {
		current, err := tx.LockProducts(ctx, ids)
		if err != nil {
			return err
		}
		for _, l := range lines {
			p, ok := current[l.ProductID]
			if !ok {
				return &domain.Error{Kind: domain.ErrProductNotFound, SessionID: sessionID, ProductID: l.ProductID}
			}
			if l.Quantity > p.Amount {
				return &domain.Error{
					Kind:      domain.ErrInsufficientInventory,
					SessionID: sessionID,
					ProductID: l.ProductID,
					Requested: l.Quantity,
					InStock:   p.Amount,
				}
			}
		}

		updated, err = tx.Decrement(ctx, lines)
		if err != nil {
			return err
		}
		return tx.AppendOutbox(ctx, completedEvent(sessionID, lines, traceparent))
	})
	if err != nil {
		c.cart.AbortCheckout(sessionID)
		cerr := classify(sessionID, err)
		span.RecordError(cerr)
		span.SetStatus(codes.Error, cerr.Kind.Error())
		c.log.Warn("checkout failed", "session_id", sessionID, "kind", cerr.Kind.Error(), "product_id", cerr.ProductID, "err", err)
		return nil, cerr
	}

	deltas := c.cart.Settle(sessionID, items)
	c.log.Info("checkout committed", "session_id", sessionID, "items", len(updated), "released", len(deltas))
	return updated, nil
}

func completedEvent(sessionID string, lines []catalogdomain.StockLine, traceparent string) outbox.Event {
	body := domain.CheckoutCompleted{
		CheckoutID:  uuid.NewString(),
		SessionID:   sessionID,
		CompletedAt: time.Now().UTC(),
	}
	for _, l := range lines {
		body.Lines = append(body.Lines, domain.Line{ProductID: l.ProductID, Quantity: l.Quantity})
	}
	// a struct of strings, ints and a time cannot fail to marshal
	ev, _ := outbox.NewEvent("checkout", body.CheckoutID, EventCheckoutCompleted, body, traceparent)
	return ev
}

func classify(sessionID string, err error) *domain.Error {
	var cerr *domain.Error
	if errors.As(err, &cerr) {
		return cerr
	}
	var serr *catalogdomain.StockError
	if errors.As(err, &serr) {
		kind := domain.ErrProductNotFound
		if serr.Kind == catalogdomain.ErrInsufficientStock {
			kind = domain.ErrInsufficientInventory
		}
		return &domain.Error{Kind: kind, SessionID: sessionID, ProductID: serr.ProductID, Requested: serr.Requested, InStock: serr.InStock, Err: err}
	}
	if errors.Is(err, catalogapp.ErrStoreTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return &domain.Error{Kind: domain.ErrTransactionTimeout, SessionID: sessionID, Err: err}
	}
	return &domain.Error{Kind: domain.ErrStoreUnavailable, SessionID: sessionID, Err: err}
}
