package config

import (
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/tsarna/dime/pkg/dime/monitor"
	"go.uber.org/zap"
)

const (
	DefaultMonitorListen = "127.0.0.1:8087"
	DefaultMonitorPath   = "/monitor"
)

// MonitorDefinition is the decoded monitor block. Its presence enables the
// websocket monitor on the broker.
type MonitorDefinition struct {
	Listen           string         `hcl:"listen,optional"`
	Path             string         `hcl:"path,optional"`
	Subscriptions    []string       `hcl:"subscriptions,optional"`
	QueueSize        int            `hcl:"queue_size,optional"`
	PingIntervalExpr hcl.Expression `hcl:"ping_interval,optional"`
	WriteTimeoutExpr hcl.Expression `hcl:"write_timeout,optional"`
	DefRange         hcl.Range      `hcl:",def_range"`

	PingInterval time.Duration
	WriteTimeout time.Duration
}

type MonitorBlockHandler struct {
	BlockHandlerBase
}

func NewMonitorBlockHandler() *MonitorBlockHandler {
	return &MonitorBlockHandler{}
}

func (h *MonitorBlockHandler) Process(config *Config, block *hcl.Block) hcl.Diagnostics {
	if config.Monitor != nil {
		return duplicateBlock(block)
	}

	def := &MonitorDefinition{}
	diags := gohcl.DecodeBody(block.Body, config.evalCtx, def)
	if diags.HasErrors() {
		return diags
	}

	if def.Listen == "" {
		def.Listen = DefaultMonitorListen
	}
	if def.Path == "" {
		def.Path = DefaultMonitorPath
	} else if !strings.HasPrefix(def.Path, "/") {
		diags = diags.Append(invalidAttribute("Invalid monitor path", "path must start with /", &def.DefRange))
	}

	if def.QueueSize < 0 {
		diags = diags.Append(invalidAttribute("Invalid queue size", "queue_size must not be negative", &def.DefRange))
	}

	var addDiags hcl.Diagnostics
	def.PingInterval, addDiags = config.optionalDuration(def.PingIntervalExpr, monitor.DefaultPingInterval)
	diags = diags.Extend(addDiags)

	def.WriteTimeout, addDiags = config.optionalDuration(def.WriteTimeoutExpr, monitor.DefaultWriteTimeout)
	diags = diags.Extend(addDiags)

	if err := def.ListenerConfig(zap.NewNop()).IsValid(); err != nil {
		diags = diags.Append(invalidAttribute("Invalid monitor subscription", err.Error(), &def.DefRange))
	}

	if diags.HasErrors() {
		return diags
	}

	config.Monitor = def

	return diags
}

// ListenerConfig returns a listener configuration carrying every setting of
// the block.
func (d *MonitorDefinition) ListenerConfig(logger *zap.Logger) *monitor.ListenerConfig {
	return monitor.NewListener().
		WithLogger(logger).
		WithQueueSize(d.QueueSize).
		WithPingInterval(d.PingInterval).
		WithWriteTimeout(d.WriteTimeout).
		WithInitialSubscriptions(d.Subscriptions...)
}
