// Command icecream launches one robot or one screen process of the
// distributed ice-cream coordination layer (spec §1). Each process is
// independent: robots and screens alike discover the rest of the cluster
// over the network using the shared cluster configuration file.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/icecream-fleet/coordinator/internal/config"
	"github.com/icecream-fleet/coordinator/internal/gateway"
	"github.com/icecream-fleet/coordinator/internal/robot"
	"github.com/icecream-fleet/coordinator/internal/screen"
	"github.com/icecream-fleet/coordinator/internal/wire"
)

var (
	configPath string
	logLevel   string
)

// defaultLogLevel resolves the LOG_LEVEL environment variable, falling
// back to "info" when unset so -log-level is only needed to override it.
func defaultLogLevel() string {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		return v
	}
	return "info"
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "icecream",
		Short: "Runs one robot or screen process of the ice-cream coordination layer",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "cluster config file (defaults to the built-in defaults)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel(), "log level: debug, info, warn, or error (overrides LOG_LEVEL)")
	root.AddCommand(newRobotCmd(), newScreenCmd())
	return root
}

func newRobotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "robot <id>",
		Short: "Start a robot process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			cluster, logger, err := bootstrap()
			if err != nil {
				return err
			}
			defer logger.Sync()

			r := robot.New(wire.RobotId(id), cluster, logger.Sugar())
			return runUntilSignal(func() error { return r.Serve() }, r.Shutdown)
		},
	}
}

func newScreenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "screen <id> <orders-file>",
		Short: "Start a screen process and submit the orders in the given file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			cluster, logger, err := bootstrap()
			if err != nil {
				return err
			}
			defer logger.Sync()

			gw := gateway.NewSimulated(cluster.PaymentFailureProbability, int64(id)+1)
			s := screen.New(wire.ScreenId(id), cluster, gw, logger.Sugar())
			return runUntilSignal(func() error {
				if err := s.SubmitOrders(args[1]); err != nil {
					return err
				}
				return s.Serve()
			}, s.Shutdown)
		},
	}
}

func parseID(s string) (int, error) {
	var id int
	if _, err := fmt.Sscanf(s, "%d", &id); err != nil {
		return 0, fmt.Errorf("invalid id %q: %w", s, err)
	}
	return id, nil
}

// bootstrap loads the cluster configuration and constructs the logger, both
// of which every subcommand needs identically.
func bootstrap() (*config.Cluster, *zap.Logger, error) {
	var cluster *config.Cluster
	var err error
	if configPath != "" {
		cluster, err = config.Load(configPath)
		if err != nil {
			return nil, nil, err
		}
	} else {
		cluster = config.Default()
	}

	var level zapcore.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = zap.NewAtomicLevelAt(level)
	logger, err := zapConfig.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("building logger: %w", err)
	}
	return cluster, logger, nil
}

// runUntilSignal starts serve in the background and blocks until either it
// returns (an unrecoverable error), or a terminal signal requests a
// graceful shutdown via stop.
func runUntilSignal(serve func() error, stop func()) error {
	errCh := make(chan error, 1)
	go func() { errCh <- serve() }()

	select {
	case err := <-errCh:
		return err
	case <-terminalSignalCh():
		stop()
		return <-errCh
	}
}
