package engine

import (
	"context"
	"testing"

	"github.com/tsarna/dime/pkg/dime/wire"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogging(t *testing.T) {
	logger := zaptest.NewLogger(t)

	engine := NewLogging(nil, logger, zap.InfoLevel)
	if engine == nil {
		t.Fatal("NewLogging returned nil")
	}

	if engine.wrapped != nil {
		t.Error("Expected wrapped engine to be nil")
	}

	if engine.logger != logger {
		t.Error("Logger not set correctly")
	}

	if engine.logLevel != zap.InfoLevel {
		t.Error("Log level not set correctly")
	}

	if engine.name != "LoggingEngine" {
		t.Error("Default name not set correctly")
	}
}

func TestNewNamedLogging(t *testing.T) {
	engine := NewNamedLogging(nil, nil, zap.DebugLevel, "Custom")
	if engine.name != "Custom" {
		t.Errorf("Expected name Custom, got %s", engine.name)
	}
	if engine.logger == nil {
		t.Error("Expected a no-op logger for nil")
	}
}

func TestLoggingStandalone(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	engine := NewLogging(nil, zap.New(core), zap.InfoLevel)
	ctx := context.Background()
	p := &fakePusher{}

	engine.OnInput(ctx, p, 100, 'a', 5)
	engine.OnEnable(ctx, p, 100, true)
	engine.OnFocus(ctx, p, 100, false)
	engine.OnCursor(ctx, p, 100, wire.Rect{X: 1, Y: 2, W: 3, H: 4})

	if logs.Len() != 4 {
		t.Fatalf("Expected 4 log entries, got %d", logs.Len())
	}

	entry := logs.All()[0]
	if entry.Message != "OnInput called" {
		t.Errorf("Unexpected message %q", entry.Message)
	}
	if entry.Level != zapcore.InfoLevel {
		t.Errorf("Expected info level, got %s", entry.Level)
	}
	fields := entry.ContextMap()
	if fields["char"] != "a" {
		t.Errorf("Expected char a, got %v", fields["char"])
	}
	if fields["hasWrapped"] != false {
		t.Error("Expected hasWrapped false")
	}

	if len(p.take()) != 0 {
		t.Error("Standalone logging engine must not push")
	}
}

func TestLoggingWrapsEngine(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	wrapped := NewCompose(nil, nil)
	engine := NewNamedLogging(wrapped, zap.New(core), zap.DebugLevel, "Wrapper")
	ctx := context.Background()
	p := &fakePusher{}

	engine.OnEnable(ctx, p, 9, true)
	engine.OnInput(ctx, p, 9, 'z', 0)

	if wrapped.Composition(9) != "z" {
		t.Errorf("Expected wrapped engine to compose z, got %q", wrapped.Composition(9))
	}

	pushes := p.take()
	if len(pushes) != 1 || pushes[0].Kind != "preedit" {
		t.Errorf("Unexpected pushes %+v", pushes)
	}

	for _, entry := range logs.All() {
		if entry.ContextMap()["engine"] != "Wrapper" {
			t.Errorf("Expected engine name in %v", entry.ContextMap())
		}
	}
}

func TestKeyString(t *testing.T) {
	cases := map[int32]string{
		'a':          "a",
		'好':          "好",
		KeyEnter:     "",
		KeyDelete:    "",
		-1:           "",
		0x10ffff + 1: "",
	}
	for key, want := range cases {
		if got := keyString(key); got != want {
			t.Errorf("keyString(%d) = %q, want %q", key, got, want)
		}
	}
}
