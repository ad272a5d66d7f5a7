package config

import (
	"github.com/hashicorp/hcl/v2"
)

var blockSchema = []hcl.BlockHeaderSchema{
	{Type: "broker"},
	{Type: "client"},
	{Type: "log"},
	{Type: "monitor"},
	{Type: "signals"},
	{Type: "stats"},
}

var configSchema = &hcl.BodySchema{
	Blocks: blockSchema,
}
