package tracing

import (
	"context"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// TraceparentHeader is the W3C header carried on HTTP requests, kafka
// records and outbox rows.
const TraceparentHeader = "traceparent"

// recordHeaders lets the global propagator read and write kafka record
// headers in place. Set replaces an existing key instead of appending a
// duplicate.
type recordHeaders struct {
	h *[]kafka.Header
}

var _ propagation.TextMapCarrier = recordHeaders{}

func (r recordHeaders) Get(key string) string {
	for _, h := range *r.h {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (r recordHeaders) Set(key, value string) {
	for i, h := range *r.h {
		if h.Key == key {
			(*r.h)[i].Value = []byte(value)
			return
		}
	}
	*r.h = append(*r.h, kafka.Header{Key: key, Value: []byte(value)})
}

func (r recordHeaders) Keys() []string {
	keys := make([]string, 0, len(*r.h))
	for _, h := range *r.h {
		keys = append(keys, h.Key)
	}
	return keys
}

// InjectKafkaHeaders adds the span context of ctx to headers and returns
// the extended slice.
func InjectKafkaHeaders(ctx context.Context, headers []kafka.Header) []kafka.Header {
	otel.GetTextMapPropagator().Inject(ctx, recordHeaders{&headers})
	return headers
}

// ExtractKafkaHeaders returns ctx carrying the remote span context found in
// headers, if any.
func ExtractKafkaHeaders(ctx context.Context, headers []kafka.Header) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, recordHeaders{&headers})
}

// Traceparent renders the span context of ctx as a traceparent value, or ""
// when ctx carries no span. The value is what gets stored on outbox rows.
func Traceparent(ctx context.Context) string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier[TraceparentHeader]
}
