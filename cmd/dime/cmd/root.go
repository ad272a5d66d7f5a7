package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Version is set at build time.
var Version = "dev"

var (
	verbose  bool
	debug    bool
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "dime",
	Short: "Shared input method session broker",
	Long: `dime lets many input method clients share one conversion engine.

The broker owns the engine and a well known message queue per display.
Clients connect over their own reply queues, acquire a session token per
input context and exchange keys and converted text with the broker.

The broker is configured with HCL files (*.dcl).`,
	SilenceUsage: true,
	Version:      Version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "debug output")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level (debug, info, warn, error)")
}

// GetVerbose returns the verbose flag value
func GetVerbose() bool {
	return verbose
}

// GetDebug returns the debug flag value
func GetDebug() bool {
	return debug
}

// flagLevel resolves the log level from --log-level, --debug and --verbose.
func flagLevel() (zapcore.Level, error) {
	level := strings.ToLower(logLevel)
	if level == "warning" {
		level = "warn"
	}

	if GetDebug() {
		level = "debug"
	} else if GetVerbose() && level == "info" {
		level = "debug"
	}

	l, err := zapcore.ParseLevel(level)
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q", logLevel)
	}
	return l, nil
}

// setupLogger builds the process logger. The returned level can be changed
// later, for example when a reloaded configuration sets a new log level.
func setupLogger() (*zap.Logger, zap.AtomicLevel, error) {
	level, err := flagLevel()
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}

	atomicLevel := zap.NewAtomicLevelAt(level)

	config := zap.NewProductionConfig()
	config.Level = atomicLevel
	config.Development = GetDebug()

	logger, err := config.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("failed to setup logger: %w", err)
	}
	return logger, atomicLevel, nil
}

// stringSliceToAnySlice converts config paths into config sources.
func stringSliceToAnySlice(strs []string) []any {
	anys := make([]any, len(strs))
	for i, s := range strs {
		anys[i] = s
	}
	return anys
}
