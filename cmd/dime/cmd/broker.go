package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/tsarna/dime/pkg/dime/config"
	"github.com/tsarna/dime/pkg/dime/monitor"
	"github.com/tsarna/dime/pkg/dime/o11y"
	"github.com/tsarna/dime/pkg/dime/otel"
	"github.com/tsarna/dime/pkg/dime/server"
	"go.uber.org/zap"
)

// brokerCmd represents the broker command
var brokerCmd = &cobra.Command{
	Use:   "broker [config-files-or-directories...]",
	Short: "Run the dime broker",
	Long: `Run the dime broker with the given configuration files or directories.

Without configuration the broker runs on $DISPLAY with the composing engine.
With a monitor block broker events are streamed over a websocket, and with a
stats block the registry and metrics are reported on a schedule.

SIGHUP reloads the configuration and SIGUSR1 reports stats unless a signals
block says otherwise. Configuration files are also watched for changes.

Examples:
  dime broker
  dime broker dime.dcl
  dime broker --engine log ./conf.d/`,
	RunE: runBroker,
}

var (
	brokerEngine  string
	brokerDisplay string
	brokerWatch   bool
)

func init() {
	rootCmd.AddCommand(brokerCmd)

	brokerCmd.Flags().StringVar(&brokerEngine, "engine", "", "engine to run (compose, upper, log, none), overrides the configuration")
	brokerCmd.Flags().StringVar(&brokerDisplay, "display", "", "display to serve, overrides the configuration")
	brokerCmd.Flags().BoolVar(&brokerWatch, "watch", true, "reload when configuration files change")
}

func runBroker(cmd *cobra.Command, args []string) error {
	logger, level, err := setupLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	sources := stringSliceToAnySlice(args)
	if len(sources) == 0 {
		sources = []any{[]byte("broker {}\n")}
	}

	logger.Info("Starting dime broker", zap.Strings("config-paths", args), zap.String("version", Version))

	cfg, diags := config.NewConfig().WithLogger(logger).WithSources(sources...).Build()
	if diags.HasErrors() {
		logger.Error("Failed to build config", zap.Error(diags))
		return diags
	}

	runner, err := newBrokerRunner(logger, level, sources, cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return runner.run(ctx, brokerWatch && len(args) > 0)
}

// brokerRunner owns everything the broker command starts.
type brokerRunner struct {
	logger  *zap.Logger
	level   zap.AtomicLevel
	sources []any

	cfg      *config.Config
	broker   *server.Broker
	metrics  *o11y.StandaloneProvider
	listener *monitor.Listener
	http     *http.Server

	mu        sync.Mutex
	stats     *config.StatsDefinition
	statsCron *cron.Cron

	reloadMu sync.Mutex
}

func newBrokerRunner(logger *zap.Logger, level zap.AtomicLevel, sources []any, cfg *config.Config) (*brokerRunner, error) {
	r := &brokerRunner{
		logger:  logger,
		level:   level,
		sources: sources,
		cfg:     cfg,
		metrics: o11y.NewStandaloneProvider("dime-broker", nil),
	}

	r.applyLogLevel(cfg)

	def := cfg.Broker
	if def == nil {
		defaults, diags := config.NewConfig().WithLogger(logger).WithSources([]byte("broker {}\n")).Build()
		if diags.HasErrors() {
			return nil, diags
		}
		def = defaults.Broker
	}
	if brokerEngine != "" {
		if !slices.Contains(config.EngineNames, brokerEngine) {
			return nil, fmt.Errorf("unknown engine %q", brokerEngine)
		}
		def.Engine = brokerEngine
	}
	if brokerDisplay != "" {
		def.Display = brokerDisplay
	}

	builder := def.Builder(logger).
		WithMetrics(r.metrics).
		WithTracing(otel.NewProvider("dime-broker", Version))

	if cfg.Monitor != nil {
		listener, err := cfg.Monitor.ListenerConfig(logger.Named("monitor")).
			WithMetrics(r.metrics).
			Build()
		if err != nil {
			return nil, fmt.Errorf("failed to build monitor: %w", err)
		}
		r.listener = listener
		builder.WithObserver(listener)

		mux := http.NewServeMux()
		mux.HandleFunc(cfg.Monitor.Path, listener.ServeWebsocket)
		r.http = &http.Server{
			Addr:              cfg.Monitor.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	broker, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to start broker: %w", err)
	}
	r.broker = broker

	return r, nil
}

func (r *brokerRunner) run(ctx context.Context, watch bool) error {
	defer r.broker.Close()

	if r.http != nil {
		go func() {
			r.logger.Info("Monitor listening", zap.String("addr", r.http.Addr), zap.String("path", r.cfg.Monitor.Path))
			if err := r.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				r.logger.Error("Monitor server failed", zap.Error(err))
			}
		}()
		defer r.shutdownMonitor()
	}

	if err := r.scheduleStats(r.cfg.Stats); err != nil {
		return err
	}
	defer r.stopStats()

	r.cfg.SigActions.OnAction(config.ActionStats, r.reportStats)
	r.cfg.SigActions.OnAction(config.ActionReload, r.reload)
	for _, startable := range r.cfg.Startables {
		if err := startable.Start(); err != nil {
			return fmt.Errorf("failed to start: %w", err)
		}
	}
	defer r.cfg.SigActions.Stop()

	if paths := config.WatchPaths(r.sources...); watch && len(paths) > 0 {
		watcher, err := config.NewWatcher(r.logger, 0, r.reload, paths...)
		if err != nil {
			r.logger.Warn("Config watching disabled", zap.Error(err))
		} else {
			defer watcher.Close()
			go watcher.Run(ctx)
		}
	}

	r.logger.Info("Broker ready", zap.String("queue", r.broker.QueueName()))

	err := r.broker.Serve(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	r.logger.Info("Broker stopping")
	return err
}

func (r *brokerRunner) shutdownMonitor() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.listener.Shutdown(ctx); err != nil {
		r.logger.Warn("Monitor shutdown incomplete", zap.Error(err))
	}
	if err := r.http.Shutdown(ctx); err != nil {
		r.logger.Warn("Monitor server shutdown failed", zap.Error(err))
	}
}

func (r *brokerRunner) applyLogLevel(cfg *config.Config) {
	if cfg.LogLevel != nil && *cfg.LogLevel != r.level.Level() {
		r.logger.Info("Setting log level", zap.Stringer("level", *cfg.LogLevel))
		r.level.SetLevel(*cfg.LogLevel)
	}
}

// scheduleStats replaces the stats schedule; nil stops reporting.
func (r *brokerRunner) scheduleStats(def *config.StatsDefinition) error {
	var c *cron.Cron
	if def != nil {
		var err error
		c, err = def.NewCron(r.logger, r.reportStats)
		if err != nil {
			return err
		}
	}

	r.mu.Lock()
	old := r.statsCron
	r.stats, r.statsCron = def, c
	r.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	if c != nil {
		c.Start()
		r.logger.Debug("Stats scheduled", zap.String("schedule", def.Schedule))
	}
	return nil
}

func (r *brokerRunner) stopStats() {
	if err := r.scheduleStats(nil); err != nil {
		r.logger.Warn("Failed to stop stats", zap.Error(err))
	}
}

// reportStats logs and publishes the registry and metrics. Without a stats
// block, as when triggered by a signal, it only logs.
func (r *brokerRunner) reportStats() {
	r.mu.Lock()
	def := r.stats
	r.mu.Unlock()

	logIt, publish := true, false
	if def != nil {
		logIt, publish = def.LogEnabled(), def.PublishEnabled()
	}

	ctx := context.Background()
	stats := r.broker.Stats()

	snapshot := r.metrics.Snapshot()
	if publish && r.listener != nil {
		r.listener.Publish("stats/broker", stats)
		r.listener.PublishSnapshot(ctx, snapshot)
	}

	if logIt {
		r.logger.Info("Broker stats",
			zap.Int("connections", stats.Connections),
			zap.Int("tokens", stats.Tokens),
			zap.Uint32("next_token", stats.NextToken),
			zap.Uint32("active_token", stats.Active.Token),
			zap.Bool("active_enabled", stats.Active.Enabled),
			zap.Any("counters", snapshot.Counters),
			zap.Any("gauges", snapshot.Gauges),
		)
	}
}

// reload rebuilds the configuration and applies what can change at run
// time: the log level and the stats schedule. Everything else needs a
// restart.
func (r *brokerRunner) reload() {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	r.logger.Info("Reloading configuration")

	cfg, diags := config.NewConfig().WithLogger(r.logger).WithSources(r.sources...).Build()
	if diags.HasErrors() {
		r.logger.Error("Reload failed, keeping the running configuration", zap.Error(diags))
		return
	}

	r.applyLogLevel(cfg)

	if err := r.scheduleStats(cfg.Stats); err != nil {
		r.logger.Error("Failed to reschedule stats", zap.Error(err))
	}

	if changed := brokerChanged(r.cfg.Broker, cfg.Broker); changed {
		r.logger.Warn("Broker settings changed, restart to apply them")
	}
}

func brokerChanged(a, b *config.BrokerDefinition) bool {
	if a == nil || b == nil {
		return a != b
	}
	return a.Display != b.Display || a.Attr != b.Attr || a.TokenBase != b.TokenBase ||
		a.RetryInterval != b.RetryInterval || a.FocusOutPolicy != b.FocusOutPolicy ||
		a.ReleaseClearsFocus != b.ReleaseClearsFocus || a.FocusInKnownOnly != b.FocusInKnownOnly ||
		a.Engine != b.Engine || a.LogEngine != b.LogEngine
}
