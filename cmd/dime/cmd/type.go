package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tsarna/dime/pkg/dime/client"
	"github.com/tsarna/dime/pkg/dime/config"
	"github.com/tsarna/dime/pkg/dime/engine"
	"go.uber.org/zap"
)

var typeCmd = &cobra.Command{
	Use:   "type <text>",
	Short: "Type text into the broker as a demo client",
	Long: `Connect to the broker as a client, acquire a session token, enable it
and type the text one key at a time with synchronous key requests. Enter is
then sent asynchronously and everything the broker pushes back (commits,
preedits, forwarded keys) is printed.

Examples:
  dime type nihao
  dime type --config client.dcl --linger 2s hello`,
	Args: cobra.ExactArgs(1),
	RunE: runType,
}

var (
	typeConfig  []string
	typeLinger  time.Duration
	typeTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(typeCmd)

	typeCmd.Flags().StringSliceVar(&typeConfig, "config", nil, "configuration files or directories with a client block")
	typeCmd.Flags().DurationVar(&typeLinger, "linger", 500*time.Millisecond, "how long to keep printing pushed messages after Enter")
	typeCmd.Flags().DurationVar(&typeTimeout, "timeout", 10*time.Second, "total operation timeout")
}

func runType(cmd *cobra.Command, args []string) error {
	logger, _, err := setupLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	sources := stringSliceToAnySlice(typeConfig)
	if len(sources) == 0 {
		sources = []any{[]byte("client {}\n")}
	}

	cfg, diags := config.NewConfig().WithLogger(logger).WithSources(sources...).Build()
	if diags.HasErrors() {
		return diags
	}
	if cfg.Client == nil {
		return fmt.Errorf("configuration has no client block")
	}

	conn, err := cfg.Client.Builder(logger).Build()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), typeTimeout)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return typeText(ctx, logger, conn, args[0], typeLinger, cmd.OutOrStdout())
}

// typeText drives one session: connect, acquire, enable, focus, type text,
// press Enter and print whatever comes back until linger passes.
func typeText(ctx context.Context, logger *zap.Logger, conn *client.Connection, text string, linger time.Duration, out io.Writer) error {
	if err := conn.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", conn.ServerQueueName(), err)
	}
	defer conn.Disconnect()

	if conn.State() != client.StateEstablished {
		return fmt.Errorf("broker on %s did not answer", conn.ServerQueueName())
	}

	h, err := conn.AcquireToken(ctx)
	if err != nil {
		return err
	}
	h.SetCallbacks(client.Callbacks{
		OnCommit:       func(h *client.Handle, text string) { fmt.Fprintf(out, "commit\t%s\n", text) },
		OnPreedit:      func(h *client.Handle, text string) { fmt.Fprintf(out, "preedit\t%s\n", text) },
		OnPreeditClear: func(h *client.Handle) { fmt.Fprintln(out, "clear") },
		OnForward:      func(h *client.Handle, key int32) { fmt.Fprintf(out, "forward\t%q\n", rune(key)) },
		OnEnable:       func(h *client.Handle, enabled bool) { fmt.Fprintf(out, "enable\t%t\n", enabled) },
	})

	if err := h.Wait(ctx); err != nil {
		return fmt.Errorf("no session token: %w", err)
	}
	defer conn.ReleaseToken(context.Background(), h)

	logger.Info("Session started", zap.Uint32("token", h.Token()))

	if err := h.Enable(ctx); err != nil {
		return err
	}
	if err := h.Focus(ctx, true); err != nil {
		return err
	}

	start := time.Now()
	for _, r := range text {
		fb, err := h.Key(ctx, r, uint32(time.Since(start).Milliseconds()))
		if err != nil {
			return fmt.Errorf("key %q: %w", r, err)
		}
		logger.Debug("Key acknowledged", zap.String("key", string(r)), zap.Int32("result", fb.Result))
	}

	if err := h.KeyAsync(ctx, engine.KeyEnter, uint32(time.Since(start).Milliseconds())); err != nil {
		return err
	}

	return drain(ctx, conn, linger)
}

// drain dispatches pushed messages until nothing has arrived for linger.
func drain(ctx context.Context, conn *client.Connection, linger time.Duration) error {
	quiet := time.Now().Add(linger)
	for time.Now().Before(quiet) {
		handled, err := conn.Pump(ctx)
		if err != nil {
			return err
		}
		if handled {
			quiet = time.Now().Add(linger)
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(5 * time.Millisecond):
		}
	}
	return nil
}
