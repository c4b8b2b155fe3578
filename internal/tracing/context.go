package tracing

import (
	"context"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/propagation"
)

// propagator is fixed to W3C Trace Context so serialized contexts do not depend on
// whatever global propagator the embedding process installed.
var propagator = propagation.TraceContext{}

// SerializeContext encodes the span context of ctx as "key:value;" pairs
// (e.g. "traceparent:00-…-01;"). It returns "" when ctx carries no valid span.
func SerializeContext(ctx context.Context) string {
	carrier := propagation.MapCarrier{}
	propagator.Inject(ctx, carrier)

	keys := carrier.Keys()
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(carrier.Get(k))
		b.WriteByte(';')
	}
	return b.String()
}

// DeserializeContext parses a string produced by SerializeContext into a context
// carrying the remote span context. Malformed input yields context.Background().
func DeserializeContext(s string) context.Context {
	carrier := propagation.MapCarrier{}
	for _, pair := range strings.Split(s, ";") {
		key, value, ok := strings.Cut(pair, ":")
		if !ok || key == "" {
			continue
		}
		carrier.Set(strings.TrimSpace(key), strings.TrimSpace(value))
	}
	return propagator.Extract(context.Background(), carrier)
}
