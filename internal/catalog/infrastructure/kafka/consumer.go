package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/cart-reservation/internal/catalog/domain"
	"github.com/dmehra2102/cart-reservation/pkg/tracing"
)

type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Dedupe interface {
	Key(topic string, partition int, offset int64) string
	Seen(ctx context.Context, key string) (bool, error)
	Forget(ctx context.Context, key string) error
}

type Restocker interface {
	Restock(ctx context.Context, id string, added int, traceparent string) (domain.Product, error)
}

// RestockMessage is the payload of an inventory.restock record.
type RestockMessage struct {
	ProductID string `json:"productId"`
	Amount    int    `json:"amount"`
}

// Consumer applies restock records to persisted stock. Each record is
// applied at most once per topic/partition/offset. A record that fails for
// a transient reason is retried in place, so later records on the
// partition wait behind it.
type Consumer struct {
	log      *slog.Logger
	reader   Reader
	svc      Restocker
	idem     Dedupe
	tracer   trace.Tracer
	minRetry time.Duration
	maxRetry time.Duration
}

func NewReader(brokers []string, topic, group string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: group,
	})
}

func NewConsumer(log *slog.Logger, reader Reader, svc Restocker, idem Dedupe) *Consumer {
	return &Consumer{
		log:    log,
		reader: reader,
		svc:    svc,
		idem:   idem,
		tracer: otel.Tracer("catalog-restock-consumer"),

		minRetry: 200 * time.Millisecond,
		maxRetry: 10 * time.Second,
	}
}

func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !c.process(ctx, msg) {
			return nil
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.log.Error("commit failed", "topic", msg.Topic, "offset", msg.Offset, "err", err)
		}
	}
}

// process calls handle until it is done with msg, doubling the pause
// between attempts. It returns false only when ctx ends first.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) bool {
	wait := c.minRetry
	for attempt := 1; !c.handle(ctx, msg); attempt++ {
		c.log.Warn("restock retry scheduled", "topic", msg.Topic, "offset", msg.Offset, "attempt", attempt, "wait", wait)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
		wait = min(wait*2, c.maxRetry)
	}
	return true
}

// handle reports whether msg is finished with and may be committed.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) bool {
	key := c.idem.Key(msg.Topic, msg.Partition, msg.Offset)
	seen, err := c.idem.Seen(ctx, key)
	if err != nil {
		c.log.Error("idempotency check failed", "key", key, "err", err)
		return false
	}
	if seen {
		c.log.Info("duplicate message skipped", "key", key)
		return true
	}

	msgCtx := tracing.ExtractKafkaHeaders(ctx, msg.Headers)
	msgCtx, span := c.tracer.Start(msgCtx, "ConsumeRestock")
	defer span.End()

	var rm RestockMessage
	if err := json.Unmarshal(msg.Value, &rm); err != nil {
		c.log.Error("unmarshal failed", "offset", msg.Offset, "err", err)
		return true
	}

	_, err = c.svc.Restock(msgCtx, rm.ProductID, rm.Amount, tracing.Traceparent(msgCtx))
	switch {
	case err == nil:
		c.log.Info("restock applied", "product_id", rm.ProductID, "added", rm.Amount)
		return true
	case errors.Is(err, domain.ErrProductNotFound), errors.Is(err, domain.ErrInvalidProduct):
		c.log.Warn("restock rejected", "product_id", rm.ProductID, "added", rm.Amount, "err", err)
		return true
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.log.Error("restock failed", "product_id", rm.ProductID, "err", err)
		if ferr := c.idem.Forget(ctx, key); ferr != nil {
			c.log.Error("release idempotency key failed", "key", key, "err", ferr)
		}
		return false
	}
}
