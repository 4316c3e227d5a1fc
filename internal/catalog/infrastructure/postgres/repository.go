package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmehra2102/cart-reservation/internal/catalog/application"
	"github.com/dmehra2102/cart-reservation/internal/catalog/domain"
	"github.com/dmehra2102/cart-reservation/pkg/outbox"
)

const productColumns = `id, name, description, image_path, price_cents, amount, rating, created_at, updated_at`

type Repository struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

var (
	_ application.ProductRepository = (*Repository)(nil)
	_ application.ProductStore      = (*Repository)(nil)
)

func NewRepository(log *slog.Logger, pool *pgxpool.Pool) *Repository {
	return &Repository{
		log:  log,
		pool: pool,
	}
}

func (r *Repository) List(ctx context.Context) ([]domain.Product, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+productColumns+` FROM products ORDER BY name, id`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var products []domain.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, classify(rows.Err())
}

func (r *Repository) Get(ctx context.Context, id string) (domain.Product, error) {
	p, err := scanProduct(r.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Product{}, domain.ErrProductNotFound
	}
	return p, classify(err)
}

func (r *Repository) Create(ctx context.Context, p domain.Product) (domain.Product, error) {
	created, err := scanProduct(r.pool.QueryRow(ctx, `
		INSERT INTO products (id, name, description, image_path, price_cents, amount, rating, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING `+productColumns,
		p.ID, p.Name, p.Description, p.ImagePath, p.PriceCents, p.Amount, p.Rating, p.CreatedAt, p.UpdatedAt))
	return created, classify(err)
}

func (r *Repository) Update(ctx context.Context, p domain.Product) (domain.Product, error) {
	updated, err := scanProduct(r.pool.QueryRow(ctx, `
		UPDATE products
		SET name=$2, description=$3, image_path=$4, price_cents=$5, amount=$6, rating=$7, updated_at=$8
		WHERE id=$1
		RETURNING `+productColumns,
		p.ID, p.Name, p.Description, p.ImagePath, p.PriceCents, p.Amount, p.Rating, p.UpdatedAt))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Product{}, domain.ErrProductNotFound
	}
	return updated, classify(err)
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	ct, err := r.pool.Exec(ctx, `DELETE FROM products WHERE id=$1`, id)
	if err != nil {
		return classify(err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrProductNotFound
	}
	return nil
}

// WithinTx runs fn in a READ COMMITTED transaction. Isolation between
// concurrent checkouts comes from the row locks taken by LockProducts and
// the conditional UPDATE in Decrement.
func (r *Repository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx application.ProductTx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return classify(err)
	}
	defer func() {
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return classify(err)
	}
	return classify(tx.Commit(ctx))
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockProducts(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	// ORDER BY id gives every transaction the same lock order.
	rows, err := t.tx.Query(ctx, `SELECT `+productColumns+` FROM products WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]domain.Product, len(ids))
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

// Decrement pipelines one conditional UPDATE per line in a single batch.
func (t *pgTx) Decrement(ctx context.Context, lines []domain.StockLine) ([]domain.Product, error) {
	batch := &pgx.Batch{}
	for _, l := range lines {
		batch.Queue(`UPDATE products SET amount = amount - $2, updated_at = now()
			WHERE id = $1 AND amount >= $2
			RETURNING `+productColumns, l.ProductID, l.Quantity)
	}

	br := t.tx.SendBatch(ctx, batch)
	updated := make([]domain.Product, 0, len(lines))
	failed := -1
	for i := range lines {
		p, err := scanProduct(br.QueryRow())
		if errors.Is(err, pgx.ErrNoRows) {
			if failed < 0 {
				failed = i
			}
			continue
		}
		if err != nil {
			_ = br.Close()
			return nil, err
		}
		updated = append(updated, p)
	}
	if err := br.Close(); err != nil {
		return nil, err
	}
	if failed >= 0 {
		return nil, t.stockError(ctx, lines[failed])
	}
	return updated, nil
}

func (t *pgTx) stockError(ctx context.Context, l domain.StockLine) error {
	var inStock int
	err := t.tx.QueryRow(ctx, `SELECT amount FROM products WHERE id=$1`, l.ProductID).Scan(&inStock)
	if errors.Is(err, pgx.ErrNoRows) {
		return &domain.StockError{Kind: domain.ErrProductNotFound, ProductID: l.ProductID}
	}
	if err != nil {
		return err
	}
	return &domain.StockError{Kind: domain.ErrInsufficientStock, ProductID: l.ProductID, Requested: l.Quantity, InStock: inStock}
}

func (t *pgTx) Increment(ctx context.Context, l domain.StockLine) (domain.Product, error) {
	p, err := scanProduct(t.tx.QueryRow(ctx, `UPDATE products SET amount = amount + $2, updated_at = now()
		WHERE id = $1
		RETURNING `+productColumns, l.ProductID, l.Quantity))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Product{}, &domain.StockError{Kind: domain.ErrProductNotFound, ProductID: l.ProductID}
	}
	return p, err
}

func (t *pgTx) AppendOutbox(ctx context.Context, ev outbox.Event) error {
	headers := ev.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	_, err := t.tx.Exec(ctx, `INSERT INTO outbox (aggregate_type, aggregate_id, type, payload, headers, traceparent, status)
		VALUES ($1,$2,$3,$4,$5,$6,'pending')`,
		ev.AggregateType, ev.AggregateID, ev.Type, ev.Payload, headers, ev.Traceparent)
	return err
}

func scanProduct(row pgx.Row) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.ImagePath, &p.PriceCents, &p.Amount, &p.Rating, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// classify tags infrastructure failures so callers can tell a timeout from an
// outage. Everything else, domain errors included, passes through untouched.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %w", application.ErrStoreTimeout, err)
	}
	var connErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connErr) || errors.As(err, &netErr) || pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %w", application.ErrStoreUnavailable, err)
	}
	return err
}
