package config

import (
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const DefaultStatsSchedule = "@every 1m"

// StatsDefinition is the decoded stats block: how often the broker reports
// its registry and metrics.
type StatsDefinition struct {
	Schedule string    `hcl:"schedule,optional"`
	Timezone string    `hcl:"timezone,optional"`
	Log      *bool     `hcl:"log,optional"`
	Publish  *bool     `hcl:"publish,optional"`
	DefRange hcl.Range `hcl:",def_range"`

	Location *time.Location
}

type StatsBlockHandler struct {
	BlockHandlerBase
}

func NewStatsBlockHandler() *StatsBlockHandler {
	return &StatsBlockHandler{}
}

func newCronParser() cron.Parser {
	return cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)
}

func (h *StatsBlockHandler) Process(config *Config, block *hcl.Block) hcl.Diagnostics {
	if config.Stats != nil {
		return duplicateBlock(block)
	}

	def := &StatsDefinition{}
	diags := gohcl.DecodeBody(block.Body, config.evalCtx, def)
	if diags.HasErrors() {
		return diags
	}

	if def.Schedule == "" {
		def.Schedule = DefaultStatsSchedule
	}
	if _, err := newCronParser().Parse(def.Schedule); err != nil {
		diags = diags.Append(invalidAttribute("Invalid schedule",
			fmt.Sprintf("Invalid stats schedule %q: %s", def.Schedule, err), &def.DefRange))
	}

	if def.Timezone == "" {
		def.Timezone = "Local"
	}
	location, err := time.LoadLocation(def.Timezone)
	if err != nil {
		diags = diags.Append(invalidAttribute("Invalid timezone",
			fmt.Sprintf("Invalid timezone: %s", def.Timezone), &def.DefRange))
	}
	def.Location = location

	if diags.HasErrors() {
		return diags
	}

	config.Stats = def

	return diags
}

// LogEnabled reports whether each report is logged. Defaults to true.
func (d *StatsDefinition) LogEnabled() bool {
	return d.Log == nil || *d.Log
}

// PublishEnabled reports whether each report is published to the monitor.
// Defaults to true.
func (d *StatsDefinition) PublishEnabled() bool {
	return d.Publish == nil || *d.Publish
}

// NewCron returns a stopped cron that runs job on the block's schedule.
func (d *StatsDefinition) NewCron(logger *zap.Logger, job func()) (*cron.Cron, error) {
	c := cron.New(
		cron.WithLogger(NewZapCronLogger(logger)),
		cron.WithParser(newCronParser()),
		cron.WithLocation(d.Location),
	)

	if _, err := c.AddFunc(d.Schedule, job); err != nil {
		return nil, fmt.Errorf("invalid stats schedule %q: %w", d.Schedule, err)
	}
	return c, nil
}

// ZapCronLogger adapts a zap.Logger to the cron.Logger interface.
type ZapCronLogger struct {
	logger *zap.Logger
}

func NewZapCronLogger(logger *zap.Logger) *ZapCronLogger {
	return &ZapCronLogger{logger: logger}
}

// Info logs cron's routine chatter at debug level.
func (z *ZapCronLogger) Info(msg string, keysAndValues ...interface{}) {
	z.logger.Debug(msg, keyValueFields(keysAndValues)...)
}

func (z *ZapCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	z.logger.Error(msg, append(keyValueFields(keysAndValues), zap.Error(err))...)
}

func keyValueFields(keysAndValues []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(keysAndValues)/2+1)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			fields = append(fields, zap.Any(key, keysAndValues[i+1]))
		}
	}
	return fields
}
