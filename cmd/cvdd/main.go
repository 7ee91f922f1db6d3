package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuttlefish-host/cvdd/internal/cvdconfig"
	"github.com/cuttlefish-host/cvdd/internal/cvdlog"
	"github.com/cuttlefish-host/cvdd/internal/cvdmetrics"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "cvdd",
	Short:   "cvdd - Instance Manager daemon for locally-launched virtual device instances",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("cvdd version %s (%s)\n", Version, Commit))

	rootCmd.PersistentFlags().String("run-dir", cvdconfig.Default().RunDir, "lock directory and ephemeral state root")
	rootCmd.PersistentFlags().Int("max-instances", cvdconfig.DefaultMaxSlots, "instance slot namespace upper bound")
	rootCmd.PersistentFlags().String("log-level", string(cvdconfig.Default().LogLevel), "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "output logs in JSON format")
	rootCmd.PersistentFlags().String("config-file", "", "optional YAML config file overlaid on the defaults; explicit flags take precedence")
	rootCmd.PersistentFlags().String("socket-path", cvdconfig.Default().SocketPath, "Unix domain socket the daemon listens on")
	rootCmd.PersistentFlags().String("metrics-addr", "", "address to serve Prometheus metrics on (disabled if empty)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	cvdlog.Init(cvdlog.Config{
		Level:      cvdlog.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func configFromFlags(cmd *cobra.Command) (cvdconfig.Config, error) {
	runDir, _ := cmd.Flags().GetString("run-dir")
	maxInstances, _ := cmd.Flags().GetInt("max-instances")
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")
	configFile, _ := cmd.Flags().GetString("config-file")
	socketPath, _ := cmd.Flags().GetString("socket-path")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	cfg := cvdconfig.Default()
	cfg, err := cvdconfig.MergeFile(cfg, configFile)
	if err != nil {
		return cvdconfig.Config{}, err
	}

	// Explicit flags always win over the config file, since the CLI
	// invocation is the most specific source of truth.
	if cmd.Flags().Changed("run-dir") {
		cfg.RunDir = runDir
	}
	if cmd.Flags().Changed("max-instances") {
		cfg.MaxInstances = maxInstances
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = cvdlog.Level(logLevel)
	}
	if cmd.Flags().Changed("log-json") {
		cfg.LogJSON = logJSON
	}
	if cmd.Flags().Changed("socket-path") {
		cfg.SocketPath = socketPath
	}
	if cmd.Flags().Changed("metrics-addr") {
		cfg.MetricsAddr = metricsAddr
	}

	if err := cfg.Validate(); err != nil {
		return cvdconfig.Config{}, err
	}
	return cfg, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the cvdd version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("cvdd version %s (%s)\n", Version, Commit)
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the cvdd Instance Manager daemon",
	Long: `Run the cvdd Instance Manager daemon.

Constructs the lock-file manager, host-tool target manager, subprocess
dispatcher, and Instance Manager, then blocks serving requests on a
Unix domain socket until interrupted. The RPC/command server's
protocol is out of this repository's scope; the socket here is a
minimal line protocol (cvd create|fleet|stop|clear) that makes the
daemon runnable end-to-end.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := configFromFlags(cmd)
		if err != nil {
			return err
		}

		mgr, err := newManagerFromConfig(cfg)
		if err != nil {
			return fmt.Errorf("failed to construct instance manager: %w", err)
		}

		if cfg.MetricsAddr != "" {
			go func() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", cvdmetrics.Handler())
				if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
					cvdlog.Logger.Error().Err(err).Msg("metrics server exited")
				}
			}()
			cvdlog.Logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics endpoint listening")
		}

		server, err := newSocketServer(cfg.SocketPath, mgr)
		if err != nil {
			return fmt.Errorf("failed to start control socket: %w", err)
		}
		defer server.Close()

		cvdlog.Logger.Info().
			Str("run_dir", cfg.RunDir).
			Int("max_instances", cfg.MaxInstances).
			Str("socket_path", cfg.SocketPath).
			Msg("cvdd serving")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		cvdlog.Logger.Info().Msg("shutting down")
		return nil
	},
}
