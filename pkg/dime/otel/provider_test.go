package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/tsarna/dime/pkg/dime/o11y"
)

func TestProviderWithNoopBackends(t *testing.T) {
	p := NewProviderFrom(noop.NewMeterProvider(), tracenoop.NewTracerProvider(), "dime", "test")

	var mp o11y.MetricsProvider = p
	var tp o11y.TracingProvider = p

	ctx := context.Background()
	mp.Counter("c").Add(ctx, 1, o11y.Label{Key: "type", Value: "INPUT"})
	mp.Histogram("h").Record(ctx, 0.25)

	ctx, span := tp.StartSpan(ctx, "dispatch")
	span.SetAttributes(o11y.Label{Key: "token", Value: "100"})
	span.SetStatus(o11y.SpanStatusOK, "")
	span.End()
	assert.NotNil(t, ctx)
}

func TestGaugeTracksLastValue(t *testing.T) {
	p := NewProviderFrom(noop.NewMeterProvider(), tracenoop.NewTracerProvider(), "dime", "test")
	g := p.Gauge("tokens").(*otelGauge)

	ctx := context.Background()
	g.Set(ctx, 3)
	g.Set(ctx, 1)
	g.Set(ctx, 5, o11y.Label{Key: "k", Value: "v"})

	assert.Equal(t, 1.0, g.last[""])
	assert.Equal(t, 5.0, g.last["k=v;"])
}
