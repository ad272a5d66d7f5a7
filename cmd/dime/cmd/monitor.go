package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tsarna/dime/pkg/dime/monitor"
	"go.uber.org/zap"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor <websocket-url> [topic-patterns...]",
	Short: "Stream events from a broker's monitor",
	Long: `Connect to a broker's monitor websocket and print its events to stdout,
one "topic<TAB>json" line per event.

Additional arguments are MQTT-style topic patterns. Without any, all events
("#") are shown. --jq reshapes or filters each event; the topic is
available as $topic and events producing no output are skipped.

Examples:
  dime monitor ws://127.0.0.1:8087/monitor
  dime monitor ws://127.0.0.1:8087/monitor "focus/#" "input/+token"
  dime monitor ws://127.0.0.1:8087/monitor --jq 'select(.token == 100) | .text'`,
	Args: cobra.MinimumNArgs(1),
	RunE: runMonitor,
}

var (
	monitorDialTimeout time.Duration
	monitorJq          string
)

func init() {
	rootCmd.AddCommand(monitorCmd)

	monitorCmd.Flags().DurationVar(&monitorDialTimeout, "dial-timeout", 10*time.Second, "WebSocket dial timeout")
	monitorCmd.Flags().StringVar(&monitorJq, "jq", "", "jq expression applied to each event")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	logger, _, err := setupLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	wsURL := args[0]
	topics := args[1:]
	if len(topics) == 0 {
		topics = []string{"#"}
	}

	var filter monitor.FilterFunc
	if monitorJq != "" {
		filter, err = monitor.JqFilter(monitorJq, logger)
		if err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting monitor",
		zap.String("url", wsURL),
		zap.Strings("topics", topics),
		zap.Duration("dial-timeout", monitorDialTimeout),
	)

	printer := &eventPrinter{out: cmd.OutOrStdout(), filter: filter, logger: logger}

	c, err := monitor.NewClient().
		WithURL(wsURL).
		WithLogger(logger).
		WithDialTimeout(monitorDialTimeout).
		WithHandler(printer.OnEvent).
		Build()
	if err != nil {
		return fmt.Errorf("failed to create monitor client: %w", err)
	}

	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to monitor: %w", err)
	}
	defer func() {
		if err := c.Disconnect(); err != nil {
			logger.Warn("Error during client disconnect", zap.Error(err))
		}
	}()

	for _, topic := range topics {
		if err := c.Subscribe(ctx, topic); err != nil {
			return fmt.Errorf("failed to subscribe to %q: %w", topic, err)
		}
		logger.Debug("Subscribed to topic", zap.String("topic", topic))
	}

	logger.Info("Listening for events... (Press Ctrl+C to exit)")

	err = c.Wait(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

type eventPrinter struct {
	out    io.Writer
	filter monitor.FilterFunc
	logger *zap.Logger
}

func (p *eventPrinter) OnEvent(topic string, data any) {
	if p.filter != nil {
		var ok bool
		if data, ok = p.filter(topic, data); !ok {
			return
		}
	}

	jsonBytes, err := json.Marshal(data)
	if err != nil {
		fmt.Fprintf(p.out, "%s\t<error marshaling JSON: %v>\n", topic, err)
		p.logger.Warn("Failed to marshal event to JSON", zap.String("topic", topic), zap.Error(err))
		return
	}
	fmt.Fprintf(p.out, "%s\t%s\n", topic, jsonBytes)
}
