package config

import "github.com/hashicorp/hcl/v2"

// BlockHandler decodes one kind of top level block into the Config.
type BlockHandler interface {
	Process(config *Config, block *hcl.Block) hcl.Diagnostics
	FinishProcessing(config *Config) hcl.Diagnostics
}

type BlockHandlerBase struct {
}

func (b *BlockHandlerBase) Process(config *Config, block *hcl.Block) hcl.Diagnostics {
	return nil
}

func (b *BlockHandlerBase) FinishProcessing(config *Config) hcl.Diagnostics {
	return nil
}

func GetBlockHandlers() map[string]BlockHandler {
	return map[string]BlockHandler{
		"broker":  NewBrokerBlockHandler(),
		"client":  NewClientBlockHandler(),
		"log":     NewLogBlockHandler(),
		"monitor": NewMonitorBlockHandler(),
		"signals": NewSignalsBlockHandler(),
		"stats":   NewStatsBlockHandler(),
	}
}
