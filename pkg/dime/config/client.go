package config

import (
	"math"
	"os"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/tsarna/dime/pkg/dime/client"
	"github.com/tsarna/dime/pkg/dime/transport"
	"go.uber.org/zap"
)

// ClientDefinition is the decoded client block used by the demo client.
type ClientDefinition struct {
	Display           string         `hcl:"display,optional"`
	ID                *int64         `hcl:"id,optional"`
	MaxMsgSize        int            `hcl:"max_msg_size,optional"`
	MaxDepth          int            `hcl:"max_depth,optional"`
	RetryIntervalExpr hcl.Expression `hcl:"retry_interval,optional"`
	HandshakeWaitExpr hcl.Expression `hcl:"handshake_wait,optional"`
	DefRange          hcl.Range      `hcl:",def_range"`

	ConnectionID  int32
	Attr          transport.Attr
	RetryInterval time.Duration
	HandshakeWait time.Duration
}

type ClientBlockHandler struct {
	BlockHandlerBase
}

func NewClientBlockHandler() *ClientBlockHandler {
	return &ClientBlockHandler{}
}

func (h *ClientBlockHandler) Process(config *Config, block *hcl.Block) hcl.Diagnostics {
	if config.Client != nil {
		return duplicateBlock(block)
	}

	def := &ClientDefinition{}
	diags := gohcl.DecodeBody(block.Body, config.evalCtx, def)
	if diags.HasErrors() {
		return diags
	}

	if def.Display == "" {
		def.Display = transport.DisplayFromEnv()
	}

	def.ConnectionID = int32(os.Getpid())
	if def.ID != nil {
		if *def.ID <= 0 || *def.ID > math.MaxInt32 {
			diags = diags.Append(invalidAttribute("Invalid connection id", "id must be a positive 32 bit integer", &def.DefRange))
		} else {
			def.ConnectionID = int32(*def.ID)
		}
	}

	attr, addDiags := resolveAttr(def.MaxMsgSize, def.MaxDepth, &def.DefRange)
	diags = diags.Extend(addDiags)
	def.Attr = attr

	def.RetryInterval, addDiags = config.optionalDuration(def.RetryIntervalExpr, 10*time.Millisecond)
	diags = diags.Extend(addDiags)

	def.HandshakeWait, addDiags = config.optionalDuration(def.HandshakeWaitExpr, time.Second)
	diags = diags.Extend(addDiags)

	if diags.HasErrors() {
		return diags
	}

	config.Client = def

	return diags
}

// Builder returns a connection builder carrying every setting of the block.
func (d *ClientDefinition) Builder(logger *zap.Logger) *client.ConnectionBuilder {
	return client.NewConnection().
		WithDisplay(d.Display).
		WithID(d.ConnectionID).
		WithAttr(d.Attr).
		WithLogger(logger).
		WithRetryInterval(d.RetryInterval).
		WithHandshakeWait(d.HandshakeWait)
}
