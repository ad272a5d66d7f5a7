package client

import (
	"context"
	"testing"
	"time"

	"github.com/tsarna/dime/pkg/dime/o11y"
	"github.com/tsarna/dime/pkg/dime/otel"
	"github.com/tsarna/dime/pkg/dime/server"
	"github.com/tsarna/dime/pkg/dime/transport"
	"go.uber.org/zap"
)

// benchSession starts a served broker and returns an enabled handle on a
// connected client. Everything runs in memory.
func benchSession(b *testing.B, configure ...func(*server.BrokerBuilder)) *Handle {
	b.Helper()

	logger := zap.NewNop()
	mem := transport.NewMemory()

	builder := server.NewBroker().
		WithDisplay(":bench").
		WithOpener(mem).
		WithLogger(logger).
		WithEngine(&pushEngine{})
	for _, f := range configure {
		f(builder)
	}

	broker, err := builder.Build()
	if err != nil {
		b.Fatalf("Build() returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		broker.Serve(ctx)
	}()
	b.Cleanup(func() {
		cancel()
		<-done
		broker.Close()
	})

	c, err := NewConnection().
		WithDisplay(":bench").
		WithID(1).
		WithOpener(mem).
		WithLogger(logger).
		WithRetryInterval(time.Millisecond).
		WithHandshakeWait(time.Second).
		Build()
	if err != nil {
		b.Fatalf("Build() returned error: %v", err)
	}
	b.Cleanup(func() { c.Disconnect() })

	bg := context.Background()
	if err := c.Connect(bg); err != nil {
		b.Fatalf("Connect() returned error: %v", err)
	}
	h, err := c.AcquireToken(bg)
	if err != nil {
		b.Fatalf("AcquireToken() returned error: %v", err)
	}
	if err := h.Wait(bg); err != nil {
		b.Fatalf("Wait() returned error: %v", err)
	}
	if err := h.Enable(bg); err != nil {
		b.Fatalf("Enable() returned error: %v", err)
	}
	return h
}

func benchmarkKey(b *testing.B, h *Handle) {
	ctx := context.Background()

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if _, err := h.Key(ctx, 'a', uint32(i)); err != nil {
			b.Fatalf("Key() returned error: %v", err)
		}
	}
}

func BenchmarkKeyNoObservability(b *testing.B) {
	benchmarkKey(b, benchSession(b))
}

func BenchmarkKeyWithStandaloneMetrics(b *testing.B) {
	metrics := o11y.NewStandaloneProvider("benchmark", nil)
	benchmarkKey(b, benchSession(b, func(bb *server.BrokerBuilder) {
		bb.WithMetrics(metrics)
	}))
}

func BenchmarkKeyWithOpenTelemetry(b *testing.B) {
	provider := otel.NewProvider("benchmark", "v1.0.0")
	benchmarkKey(b, benchSession(b, func(bb *server.BrokerBuilder) {
		bb.WithMetrics(provider).WithTracing(provider)
	}))
}

func BenchmarkKeyAsync(b *testing.B) {
	h := benchSession(b)
	ctx := context.Background()

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if err := h.KeyAsync(ctx, 'a', uint32(i)); err != nil {
			b.Fatalf("KeyAsync() returned error: %v", err)
		}
	}
}
