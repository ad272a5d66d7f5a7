// Package config loads dime configuration written in HCL. A configuration is
// one or more *.dcl files with broker, client, stats, monitor, log and
// signals blocks. Expressions can use env.*, a library of functions and
// functions declared with function blocks.
package config

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/tsarna/dime/pkg/dime/config/functions"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ConfigBuilder struct {
	logger        *zap.Logger
	sources       []any
	blockHandlers map[string]BlockHandler
}

type Startable interface {
	Start() error
}

type Config struct {
	Logger    *zap.Logger
	Functions map[string]function.Function
	Constants map[string]cty.Value
	evalCtx   *hcl.EvalContext

	Startables []Startable

	Broker  *BrokerDefinition
	Client  *ClientDefinition
	Monitor *MonitorDefinition
	Stats   *StatsDefinition

	// LogLevel is nil unless a log block sets it.
	LogLevel *zapcore.Level

	SigActions   *SignalActionHandler
	signalsBlock bool
}

func NewConfig() *ConfigBuilder {
	return &ConfigBuilder{
		logger:        zap.NewNop(),
		sources:       make([]any, 0),
		blockHandlers: GetBlockHandlers(),
	}
}

func (c *ConfigBuilder) WithLogger(logger *zap.Logger) *ConfigBuilder {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// WithSources adds configuration sources: file or directory paths, raw
// []byte content, or an embed.FS.
func (c *ConfigBuilder) WithSources(sources ...any) *ConfigBuilder {
	c.sources = append(c.sources, sources...)
	return c
}

func (cb *ConfigBuilder) Build() (*Config, hcl.Diagnostics) {
	config := &Config{
		Logger:     cb.logger,
		Constants:  make(map[string]cty.Value),
		SigActions: NewSignalActionHandler(cb.logger),
	}

	bodies, diags := ParseConfigFiles(cb.sources...)
	if diags.HasErrors() {
		return nil, diags
	}

	userFuncs, bodies, addDiags := functions.ExtractUserFunctions(bodies, config.EvalContext)
	diags = diags.Extend(addDiags)
	if diags.HasErrors() {
		return nil, diags
	}

	config.Functions, addDiags = config.GetFunctions(userFuncs)
	diags = diags.Extend(addDiags)
	if diags.HasErrors() {
		return nil, diags
	}
	config.Constants["env"] = GetEnvObject()

	config.evalCtx = &hcl.EvalContext{
		Functions: config.Functions,
		Variables: config.Constants,
	}

	blocks, addDiags := cb.GetBlocks(bodies)
	diags = diags.Extend(addDiags)
	if diags.HasErrors() {
		return nil, diags
	}

	for _, block := range blocks {
		if handler, ok := cb.blockHandlers[block.Type]; ok {
			diags = diags.Extend(handler.Process(config, block))
		}
	}
	if diags.HasErrors() {
		return nil, diags
	}

	for _, handler := range cb.blockHandlers {
		diags = diags.Extend(handler.FinishProcessing(config))
	}
	if diags.HasErrors() {
		return nil, diags
	}

	config.Logger.Info("Config built successfully")

	return config, diags
}

// GetFunctions returns every function available to configuration
// expressions. User functions may not shadow built in ones.
func (c *Config) GetFunctions(userFuncs map[string]function.Function) (map[string]function.Function, hcl.Diagnostics) {
	var diags hcl.Diagnostics

	funcs := functions.GetStandardLibraryFunctions()

	for name, fn := range functions.GetLogFunctions(c.Logger) {
		funcs[name] = fn
	}

	funcs["typeof"] = functions.TypeOfFunc
	funcs["queuename"] = functions.QueueNameFunc

	for name, fn := range userFuncs {
		if _, exists := funcs[name]; exists {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Duplicate function",
				Detail:   fmt.Sprintf("Function %s is a built in function and cannot be redefined", name),
			})
			continue
		}
		funcs[name] = fn
	}

	return funcs, diags
}

// EvalContext returns the context configuration expressions are evaluated in.
func (c *Config) EvalContext() *hcl.EvalContext {
	return c.evalCtx
}

type errorlessStartable interface {
	Start()
}

func NewErrorlessStartable(startable errorlessStartable) Startable {
	return &ErrorlessStartable{startable: startable}
}

type ErrorlessStartable struct {
	startable errorlessStartable
}

func (e ErrorlessStartable) Start() error {
	e.startable.Start()
	return nil
}

func duplicateBlock(block *hcl.Block) hcl.Diagnostics {
	return hcl.Diagnostics{&hcl.Diagnostic{
		Severity: hcl.DiagError,
		Summary:  "Duplicate block",
		Detail:   fmt.Sprintf("Only one %s block may be defined", block.Type),
		Subject:  &block.DefRange,
	}}
}
