package config

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/tsarna/dime/pkg/dime/engine"
	"github.com/tsarna/dime/pkg/dime/server"
	"github.com/tsarna/dime/pkg/dime/transport"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Engine names accepted by the broker block.
const (
	EngineCompose = "compose"
	EngineUpper   = "upper"
	EngineLog     = "log"
	EngineNone    = "none"
)

var EngineNames = []string{EngineCompose, EngineUpper, EngineLog, EngineNone}

// BrokerDefinition is the decoded broker block. The untagged fields hold the
// resolved values after defaults are applied.
type BrokerDefinition struct {
	Display            string         `hcl:"display,optional"`
	MaxMsgSize         int            `hcl:"max_msg_size,optional"`
	MaxDepth           int            `hcl:"max_depth,optional"`
	TokenBaseValue     *int64         `hcl:"token_base,optional"`
	RetryIntervalExpr  hcl.Expression `hcl:"retry_interval,optional"`
	FocusOutPolicyName string         `hcl:"focus_out_policy,optional"`
	ReleaseClearsFocus bool           `hcl:"release_clears_focus,optional"`
	FocusInKnownOnly   bool           `hcl:"focus_in_known_only,optional"`
	Engine             string         `hcl:"engine,optional"`
	LogEngine          bool           `hcl:"log_engine,optional"`
	DefRange           hcl.Range      `hcl:",def_range"`

	Attr           transport.Attr
	TokenBase      uint32
	RetryInterval  time.Duration
	FocusOutPolicy server.FocusOutPolicy
}

type BrokerBlockHandler struct {
	BlockHandlerBase
}

func NewBrokerBlockHandler() *BrokerBlockHandler {
	return &BrokerBlockHandler{}
}

func (h *BrokerBlockHandler) Process(config *Config, block *hcl.Block) hcl.Diagnostics {
	if config.Broker != nil {
		return duplicateBlock(block)
	}

	def := &BrokerDefinition{}
	diags := gohcl.DecodeBody(block.Body, config.evalCtx, def)
	if diags.HasErrors() {
		return diags
	}

	if def.Display == "" {
		def.Display = transport.DisplayFromEnv()
	}

	attr, attrDiags := resolveAttr(def.MaxMsgSize, def.MaxDepth, &def.DefRange)
	diags = diags.Extend(attrDiags)
	def.Attr = attr

	def.TokenBase = server.DefaultTokenBase
	if def.TokenBaseValue != nil {
		if *def.TokenBaseValue <= 0 || *def.TokenBaseValue > math.MaxUint32 {
			diags = diags.Append(invalidAttribute("Invalid token base",
				fmt.Sprintf("token_base must be between 1 and %d, got %d", uint32(math.MaxUint32), *def.TokenBaseValue),
				&def.DefRange))
		} else {
			def.TokenBase = uint32(*def.TokenBaseValue)
		}
	}

	interval, addDiags := config.optionalDuration(def.RetryIntervalExpr, time.Millisecond)
	diags = diags.Extend(addDiags)
	if !addDiags.HasErrors() && interval <= 0 {
		diags = diags.Append(invalidAttribute("Invalid retry interval", "retry_interval must be positive", def.RetryIntervalExpr.Range().Ptr()))
	}
	def.RetryInterval = interval

	if def.FocusOutPolicyName != "" {
		policy, err := server.ParseFocusOutPolicy(def.FocusOutPolicyName)
		if err != nil {
			diags = diags.Append(invalidAttribute("Invalid focus out policy", err.Error(), &def.DefRange))
		}
		def.FocusOutPolicy = policy
	}

	if def.Engine == "" {
		def.Engine = EngineCompose
	}
	if !slices.Contains(EngineNames, def.Engine) {
		diags = diags.Append(invalidAttribute("Invalid engine",
			fmt.Sprintf("Unknown engine %q, expected one of %s", def.Engine, strings.Join(EngineNames, ", ")),
			&def.DefRange))
	}

	if diags.HasErrors() {
		return diags
	}

	config.Broker = def

	return diags
}

// NewEngine creates the engine the block names.
func (d *BrokerDefinition) NewEngine(logger *zap.Logger) server.Engine {
	var e server.Engine

	switch d.Engine {
	case EngineUpper:
		e = engine.NewCompose(logger.Named("engine"), strings.ToUpper)
	case EngineLog:
		return engine.NewNamedLogging(nil, logger, zapcore.InfoLevel, "engine")
	case EngineNone:
		e = engine.Base{}
	default:
		e = engine.NewCompose(logger.Named("engine"), nil)
	}

	if d.LogEngine {
		e = engine.NewNamedLogging(e, logger, zapcore.DebugLevel, "engine")
	}
	return e
}

// Builder returns a broker builder carrying every setting of the block. The
// caller adds the transport, metrics and observer.
func (d *BrokerDefinition) Builder(logger *zap.Logger) *server.BrokerBuilder {
	return server.NewBroker().
		WithDisplay(d.Display).
		WithAttr(d.Attr).
		WithLogger(logger).
		WithEngine(d.NewEngine(logger)).
		WithTokenBase(d.TokenBase).
		WithRetryInterval(d.RetryInterval).
		WithFocusOutPolicy(d.FocusOutPolicy).
		WithReleaseClearsFocus(d.ReleaseClearsFocus).
		WithFocusInKnownOnly(d.FocusInKnownOnly)
}

func resolveAttr(maxMsgSize, maxDepth int, subject *hcl.Range) (transport.Attr, hcl.Diagnostics) {
	attr := transport.DefaultAttr()
	if maxMsgSize != 0 {
		attr.MaxMsgSize = maxMsgSize
	}
	if maxDepth != 0 {
		attr.MaxDepth = maxDepth
	}

	if err := attr.IsValid(); err != nil {
		return attr, hcl.Diagnostics{invalidAttribute("Invalid queue limits", err.Error(), subject)}
	}
	return attr, nil
}
