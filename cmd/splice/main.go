// Command splice compiles host models and runs intervention compositions
// against them.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sbl8/splice/compiler"
	"github.com/sbl8/splice/engine"
	"github.com/sbl8/splice/runtime"
	"github.com/sbl8/splice/subspace"
)

var (
	// Global flags
	verbose   bool
	modelPath string
	positions int
	workers   int
	// Shared by validate, run and bench
	configPath string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "splice",
	Short: "Compose activation interventions over compiled host models",
	Long: `splice compiles small feed-forward host models from a line-oriented DSL
and runs intervention compositions against them.

An intervention config attaches units to hook points of the host. Each call
runs the source inputs, captures their activations, and splices the selected
subspaces into the base run.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var compileCmd = &cobra.Command{
	Use:   "compile <source> <checkpoint>",
	Short: "Compile a model specification into a checkpoint",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := compiler.CompileWithOptions(args[0], args[1], compiler.Options{Logger: logger}); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Successfully compiled %s -> %s\n", args[0], args[1])
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check an intervention config against a checkpoint",
	RunE:  validateConfig,
}

var pointsCmd = &cobra.Command{
	Use:   "points",
	Short: "List the hook points a checkpoint exposes",
	RunE:  listPoints,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&modelPath, "model", "m", "", "Compiled model checkpoint")
	rootCmd.PersistentFlags().IntVar(&positions, "positions", 1, "Sequence positions per example")
	rootCmd.PersistentFlags().IntVar(&workers, "workers", 0, "Parallel source runs (0 = unbounded)")

	for _, c := range []*cobra.Command{validateCmd, runCmd, benchCmd} {
		c.Flags().StringVarP(&configPath, "config", "c", "", "Intervention config (YAML)")
		_ = c.MarkFlagRequired("config")
	}

	rootCmd.AddCommand(compileCmd, pointsCmd, validateCmd, runCmd, benchCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

// loadHost opens the checkpoint named by --model.
func loadHost() (*runtime.Executor, error) {
	if modelPath == "" {
		return nil, fmt.Errorf("--model is required")
	}
	opts := runtime.DefaultOptions()
	opts.Positions = positions
	opts.EnableStats = true
	opts.Logger = logger
	return runtime.Load(modelPath, &opts)
}

// loadModel opens the checkpoint and builds the config named by --config on it.
func loadModel() (*engine.Model, *runtime.Executor, error) {
	host, err := loadHost()
	if err != nil {
		return nil, nil, err
	}
	cfg, err := engine.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	m, err := engine.Build(cfg, host, &engine.Options{Logger: logger, Workers: workers})
	if err != nil {
		return nil, nil, err
	}
	return m, host, nil
}

func listPoints(cmd *cobra.Command, args []string) error {
	host, err := loadHost()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, p := range host.Graph().HookPoints() {
		fmt.Fprintf(out, "%-24s width=%d positions=%d\n", p.ID, p.Width, host.Positions())
	}
	return nil
}

func validateConfig(cmd *cobra.Command, args []string) error {
	m, _, err := loadModel()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "config ok: %d attachments, %d units\n", len(m.Attachments()), len(m.Units()))
	for _, a := range m.Attachments() {
		space := m.Unit(a.Index).Space()
		fmt.Fprintf(out, "  [%d] %-22s %-26s units=%d positions=%v subspaces=%v covers=%d/%d extent=%d slot=%d\n",
			a.Index, a.Point.ID, a.Kind, a.UnitCount(), a.Positions, a.Ranges,
			subspace.Coverage(a.Ranges), space, subspace.Extent(a.Ranges), a.Slot)
	}
	groups := m.LinkGroups()
	for _, key := range sortedKeys(groups) {
		fmt.Fprintf(out, "  link %q -> attachments %v\n", key, groups[key])
	}
	return nil
}
