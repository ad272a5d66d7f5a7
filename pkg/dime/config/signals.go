package config

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/tsarna/dime/pkg/dime/config/platform"
	"github.com/zclconf/go-cty/cty"
	"go.uber.org/zap"
)

// Built in signal actions. A signal expression that evaluates to one of
// these names runs the action registered for it.
const (
	ActionReload = "reload"
	ActionStats  = "stats"
)

// SignalsDefinition maps signals to expressions evaluated when the signal
// arrives, for example SIGHUP = "reload" or SIGUSR2 = log_info("poke").
type SignalsDefinition struct {
	SigHup   hcl.Expression `hcl:"SIGHUP,optional"`
	SigInfo  hcl.Expression `hcl:"SIGINFO,optional"`
	SigUsr1  hcl.Expression `hcl:"SIGUSR1,optional"`
	SigUsr2  hcl.Expression `hcl:"SIGUSR2,optional"`
	DefRange hcl.Range      `hcl:",def_range"`
}

type SignalsBlockHandler struct {
	BlockHandlerBase
}

func NewSignalsBlockHandler() *SignalsBlockHandler {
	return &SignalsBlockHandler{}
}

func (h *SignalsBlockHandler) Process(config *Config, block *hcl.Block) hcl.Diagnostics {
	if config.signalsBlock {
		return duplicateBlock(block)
	}
	config.signalsBlock = true

	signalsDef := SignalsDefinition{}
	diags := gohcl.DecodeBody(block.Body, config.evalCtx, &signalsDef)
	if diags.HasErrors() {
		return diags
	}

	diags = diags.Extend(config.SetSignalAction("SIGHUP", signalsDef.SigHup))
	diags = diags.Extend(config.SetSignalAction("SIGINFO", signalsDef.SigInfo))
	diags = diags.Extend(config.SetSignalAction("SIGUSR1", signalsDef.SigUsr1))
	diags = diags.Extend(config.SetSignalAction("SIGUSR2", signalsDef.SigUsr2))

	return diags
}

// FinishProcessing installs the default actions, SIGHUP reloads and SIGUSR1
// reports stats, when no signals block was given.
func (h *SignalsBlockHandler) FinishProcessing(config *Config) hcl.Diagnostics {
	if config.signalsBlock {
		return nil
	}

	var diags hcl.Diagnostics
	diags = diags.Extend(config.SetSignalAction("SIGHUP", hcl.StaticExpr(cty.StringVal(ActionReload), builtinRange)))
	diags = diags.Extend(config.SetSignalAction("SIGUSR1", hcl.StaticExpr(cty.StringVal(ActionStats), builtinRange)))
	return diags
}

var builtinRange = hcl.Range{
	Filename: "<builtin>",
	Start:    hcl.Pos{Line: 1, Column: 1, Byte: 0},
	End:      hcl.Pos{Line: 1, Column: 2, Byte: 1},
}

func (config *Config) SetSignalAction(sigName string, action hcl.Expression) hcl.Diagnostics {
	if !IsExpressionProvided(action) {
		return nil
	}

	signalNum := platform.SignalNum(sigName)
	if signalNum == 0 {
		return hcl.Diagnostics{&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid signal name",
			Detail:   fmt.Sprintf("Signal %s is not available on this platform", sigName),
			Subject:  action.Range().Ptr(),
		}}
	}

	sa := config.SigActions
	if _, ok := sa.SignalActions[signalNum]; ok {
		return hcl.Diagnostics{&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Signal already defined",
			Detail:   fmt.Sprintf("Signal %s already defined", sigName),
			Subject:  action.Range().Ptr(),
		}}
	}

	evalCtx := config.evalCtx.NewChild()
	evalCtx.Variables = map[string]cty.Value{
		"signal":     cty.StringVal(sigName),
		"signal_num": cty.NumberIntVal(int64(signalNum)),
	}

	sa.SignalActions[signalNum] = action
	sa.SignalCtx[signalNum] = evalCtx

	if !sa.AddedStartable {
		sa.AddedStartable = true
		config.Startables = append(config.Startables, sa)
	}

	return nil
}

// SignalActionHandler evaluates the configured expression when a signal
// arrives. Expressions run one at a time in arrival order.
type SignalActionHandler struct {
	Logger         *zap.Logger
	SignalActions  map[platform.Signal]hcl.Expression
	SignalCtx      map[platform.Signal]*hcl.EvalContext
	AddedStartable bool

	mu      sync.Mutex
	actions map[string]func()
	sigCh   chan os.Signal
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewSignalActionHandler(logger *zap.Logger) *SignalActionHandler {
	return &SignalActionHandler{
		Logger:        logger,
		SignalActions: make(map[platform.Signal]hcl.Expression),
		SignalCtx:     make(map[platform.Signal]*hcl.EvalContext),
		actions:       make(map[string]func()),
	}
}

// OnAction registers fn to run when a signal expression evaluates to name.
func (sa *SignalActionHandler) OnAction(name string, fn func()) {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	sa.actions[name] = fn
}

func (sa *SignalActionHandler) Start() error {
	sa.mu.Lock()
	defer sa.mu.Unlock()

	if sa.sigCh != nil {
		return fmt.Errorf("signal handler already started")
	}

	sa.sigCh = make(chan os.Signal, 16)
	for sig := range sa.SignalActions {
		signal.Notify(sa.sigCh, sig)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sa.cancel = cancel
	sa.done = make(chan struct{})

	go sa.loop(ctx, sa.sigCh, sa.done)

	return nil
}

// Stop stops signal delivery and waits for a running action to finish.
func (sa *SignalActionHandler) Stop() {
	sa.mu.Lock()
	sigCh, cancel, done := sa.sigCh, sa.cancel, sa.done
	sa.sigCh, sa.cancel, sa.done = nil, nil, nil
	sa.mu.Unlock()

	if sigCh == nil {
		return
	}

	signal.Stop(sigCh)
	cancel()
	<-done
}

func (sa *SignalActionHandler) loop(ctx context.Context, sigCh <-chan os.Signal, done chan<- struct{}) {
	defer close(done)

	sa.Logger.Debug("Signal notification goroutine started")

	for {
		select {
		case sig := <-sigCh:
			sa.handle(sig)
		case <-ctx.Done():
			return
		}
	}
}

func (sa *SignalActionHandler) handle(sig os.Signal) {
	platformSig := platform.FromOsSignal(sig)
	if platformSig == 0 {
		sa.Logger.Error("Invalid signal", zap.String("signal", sig.String()))
		return
	}

	sigExpr, ok := sa.SignalActions[platformSig]
	if !ok {
		sa.Logger.Error("Signal action expression not found", zap.String("signal", platformSig.String()))
		return
	}

	sa.Logger.Debug("Signal received", zap.String("signal", platformSig.String()))

	result, diags := sigExpr.Value(sa.SignalCtx[platformSig])
	if diags.HasErrors() {
		sa.Logger.Error("Error executing signal action", zap.String("signal", platformSig.String()), zap.Error(diags))
		return
	}

	if !result.IsKnown() || result.IsNull() || result.Type() != cty.String {
		sa.Logger.Debug("Signal action expression result", zap.String("signal", platformSig.String()), zap.String("result", result.GoString()))
		return
	}

	name := result.AsString()

	sa.mu.Lock()
	fn := sa.actions[name]
	sa.mu.Unlock()

	if fn == nil {
		sa.Logger.Warn("No handler for signal action", zap.String("signal", platformSig.String()), zap.String("action", name))
		return
	}

	sa.Logger.Info("Running signal action", zap.String("signal", platformSig.String()), zap.String("action", name))
	fn()
}
