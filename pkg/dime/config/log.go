package config

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"go.uber.org/zap/zapcore"
)

type LogDefinition struct {
	Level    string    `hcl:"level"`
	DefRange hcl.Range `hcl:",def_range"`
}

type LogBlockHandler struct {
	BlockHandlerBase
}

func NewLogBlockHandler() *LogBlockHandler {
	return &LogBlockHandler{}
}

func (h *LogBlockHandler) Process(config *Config, block *hcl.Block) hcl.Diagnostics {
	if config.LogLevel != nil {
		return duplicateBlock(block)
	}

	def := LogDefinition{}
	diags := gohcl.DecodeBody(block.Body, config.evalCtx, &def)
	if diags.HasErrors() {
		return diags
	}

	level, err := zapcore.ParseLevel(def.Level)
	if err != nil {
		return diags.Append(invalidAttribute("Invalid log level",
			fmt.Sprintf("Invalid log level %q: %s", def.Level, err), &def.DefRange))
	}

	config.LogLevel = &level

	return diags
}
