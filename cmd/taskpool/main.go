package main

import (
	"cluster-task-queue/pkg/config"
	"cluster-task-queue/pkg/logging"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "taskpool",
		Short:         "Queue-backed worker pool",
		Long:          "taskpool pushes timestamped tasks onto a shared queue and keeps one worker per CPU consuming them.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	pf := rootCmd.PersistentFlags()
	pf.String("config", os.Getenv("TASKPOOL_CONFIG"), "Path to a JSON or YAML config file")
	pf.String("backend", "", "Queue backend: redis|redis-v8|postgres|memory")
	pf.String("redis-url", "", "Redis URL (default redis://localhost:6379)")
	pf.String("postgres-dsn", "", "Postgres DSN for the postgres backend")
	pf.String("queue", "", "Queue name (default task-queue)")
	pf.Int("workers", 0, "Worker pool size (default one per CPU)")
	pf.String("log-level", "", "Log level: debug|info|warn|error")

	rootCmd.AddCommand(newMasterCommand())
	rootCmd.AddCommand(newWorkerCommand())
	rootCmd.AddCommand(newProduceCommand())
	rootCmd.AddCommand(newPushCommand())
	rootCmd.AddCommand(newPopCommand())
	rootCmd.AddCommand(newKVCommand())
	rootCmd.AddCommand(newPublishCommand())
	rootCmd.AddCommand(newSubscribeCommand())
	rootCmd.AddCommand(newStreamCommand())
	return rootCmd
}

// loadConfig layers defaults, the config file, TASKPOOL_* variables and
// explicitly set flags, then initializes the global logger.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	config.FromEnv(&cfg)

	flags := cmd.Flags()
	if flags.Changed("backend") {
		cfg.Backend, _ = flags.GetString("backend")
	}
	if flags.Changed("redis-url") {
		cfg.RedisURL, _ = flags.GetString("redis-url")
	}
	if flags.Changed("postgres-dsn") {
		cfg.PostgresDSN, _ = flags.GetString("postgres-dsn")
	}
	if flags.Changed("queue") {
		cfg.Queue, _ = flags.GetString("queue")
	}
	if flags.Changed("workers") {
		cfg.Workers, _ = flags.GetInt("workers")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	if err := logging.Init(cfg.Development, cfg.LogLevel); err != nil {
		return config.Config{}, fmt.Errorf("init logging: %w", err)
	}
	return cfg, nil
}

// forwardedFlags renders the persistent flags set on this invocation so that
// forked workers resolve the same configuration.
func forwardedFlags(cmd *cobra.Command) []string {
	var args []string
	cmd.Root().PersistentFlags().VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			args = append(args, fmt.Sprintf("--%s=%s", f.Name, f.Value.String()))
		}
	})
	return args
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
