package cmd

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"deadline-sched/internal/config"
	"deadline-sched/internal/database"
	"deadline-sched/internal/logging"
	"deadline-sched/internal/metrics"
	"deadline-sched/internal/sim"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const Version = "0.1.0"

func loadEnvironment() {
	logger := logging.GetLogger()

	// Try to load .env file from current directory
	envFile := ".env"
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			logger.WithField("file", envFile).WithError(err).Warn("Error loading .env file")
		} else {
			logger.WithField("file", envFile).Debug("Loaded environment variables")
		}
	} else {
		// Try to load from the application directory
		if execPath, err := os.Executable(); err == nil {
			appDir := filepath.Dir(execPath)
			envFile = filepath.Join(appDir, ".env")
			if _, err := os.Stat(envFile); err == nil {
				if err := godotenv.Load(envFile); err != nil {
					logger.WithField("file", envFile).WithError(err).Warn("Error loading .env file")
				} else {
					logger.WithField("file", envFile).Debug("Loaded environment variables")
				}
			}
		}
	}
}

func runSimulation(configFile string, export bool, metricsAddr string) error {
	logger := logging.GetLogger()

	if configFile == "" {
		return fmt.Errorf("a configuration file is required (use --config)")
	}

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.Simulation.LogLevel != "" {
		if err := logging.SetLogLevel(cfg.Simulation.LogLevel); err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}
	}

	simulator, err := sim.NewFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("failed to build simulation: %w", err)
	}

	if metricsAddr != "" {
		metrics.Register(simulator.Scheduler())
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(metricsAddr, nil); err != nil {
				logger.WithError(err).Warn("Metrics endpoint stopped")
			}
		}()
		logger.WithField("addr", metricsAddr).Info("Serving Prometheus metrics")
	}

	logger.WithFields(logrus.Fields{
		"simulation": cfg.Simulation.Name,
		"cpus":       cfg.Simulation.CPUs,
		"tasks":      len(cfg.Tasks),
		"duration":   cfg.GetMaxDuration(),
	}).Info("Starting simulation")

	result, err := simulator.Run()
	if err != nil {
		return fmt.Errorf("simulation failed: %w", err)
	}

	printResult(result)

	if export {
		db, err := database.NewInfluxDBClient(cfg.Simulation.Data.DB)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()

		if err := db.WriteResult(result); err != nil {
			return fmt.Errorf("failed to export results: %w", err)
		}
	}

	return nil
}

func printResult(res *sim.Result) {
	fmt.Printf("simulation %q: %d CPUs, %v simulated\n", res.Name, res.CPUs, res.SimTime)
	for _, t := range res.Tasks {
		fmt.Printf("  task %-16s releases=%-4d completions=%-4d misses=%-3d throttles=%-3d migrations=%-3d runtime=%v\n",
			t.Name, t.Summary.Releases, t.Summary.Completions, t.Summary.Misses,
			t.Summary.Throttles, t.Summary.Migrations, t.TotRuntime)
	}
	for cpu, st := range res.RqStats {
		fmt.Printf("  cpu%d enqueue=%-6d dequeue=%-6d push=%-5d pushed=%-4d pull=%-5d pulled=%-4d\n",
			cpu, st.NrEnqueue, st.NrDequeue, st.NrPush, st.NrPushedAway, st.NrPull, st.NrPulledHere)
	}
}

func validateConfigFile(configFile string) error {
	if configFile == "" {
		return fmt.Errorf("a configuration file is required (use --config)")
	}
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return err
	}
	fmt.Printf("configuration %q is valid: %d CPUs, %d tasks\n",
		cfg.Simulation.Name, cfg.Simulation.CPUs, len(cfg.Tasks))
	return nil
}

// Execute runs the CLI.
func Execute() error {
	loadEnvironment()

	var configFile string
	var logLevel string
	var export bool
	var metricsAddr string

	rootCmd := &cobra.Command{
		Use:   "deadline-sched",
		Short: "EDF+CBS deadline scheduler simulator",
		Long:  "Simulates periodic real-time task sets under an EDF scheduler with Constant Bandwidth Server enforcement and multi-core push/pull balancing",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if logLevel != "" {
				if err := logging.SetLogLevel(logLevel); err != nil {
					return fmt.Errorf("invalid log level: %w", err)
				}
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Set log level (trace, debug, info, warn, error)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a simulation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulation(configFile, export, metricsAddr)
		},
	}
	runCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to simulation configuration file")
	runCmd.Flags().BoolVar(&export, "export", false, "Export results to InfluxDB")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a simulation configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateConfigFile(configFile)
		},
	}
	validateCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to simulation configuration file")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(Version)
		},
	}

	rootCmd.AddCommand(runCmd, validateCmd, versionCmd)

	return rootCmd.Execute()
}
