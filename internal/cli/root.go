// Package cli builds the cobra commands behind the server and worker binaries.
package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/nadmax/taskforge/internal/config"
)

const configDir = ".taskforge"

// Execute runs root and exits non-zero on error.
func Execute(root *cobra.Command) {
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// NewServerCommand is the root of the server binary: the API, the router and,
// unless --no-workers is given, an in-process worker pool.
func NewServerCommand() *cobra.Command {
	v := viper.New()
	root := newRoot(v, "taskforge-server", "taskforge server: task submission API with an embedded worker pool")
	root.AddCommand(newServeCmd(v, modeServer))
	root.AddCommand(newMigrateCmd(v))
	root.AddCommand(newInitCmd("taskforge-server"))
	root.AddCommand(newVersionCmd("taskforge-server"))

	return root
}

// NewWorkerCommand is the root of the worker binary: a worker pool with its
// own autoscaler, reaper and recovery loop, and no submission endpoint.
func NewWorkerCommand() *cobra.Command {
	v := viper.New()
	root := newRoot(v, "taskforge-worker", "taskforge worker: executes queued tasks")
	root.AddCommand(newServeCmd(v, modeWorker))
	root.AddCommand(newInitCmd("taskforge-worker"))
	root.AddCommand(newVersionCmd("taskforge-worker"))

	return root
}

func newRoot(v *viper.Viper, use, short string) *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:          use,
		Short:        short,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initConfig(v, cfgFile, use)
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default: ./"+use+".yaml)")
	root.PersistentFlags().String("log-level", "info", "log level: debug | info | warn | error")
	root.PersistentFlags().String("postgres-dsn", "", "PostgreSQL DSN of the event store")
	root.PersistentFlags().String("redis-addr", "", "Redis address (host:port)")
	bindFlag(v, "log_level", root.PersistentFlags(), "log-level")
	bindFlag(v, "postgres_dsn", root.PersistentFlags(), "postgres-dsn")
	bindFlag(v, "redis_addr", root.PersistentFlags(), "redis-addr")

	config.SetDefaults(v)
	config.BindEnv(v)

	return root
}

func initConfig(v *viper.Viper, cfgFile, name string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(name)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, configDir))
		}
		v.AddConfigPath("/etc/taskforge")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}

	fmt.Fprintln(os.Stderr, "config:", v.ConfigFileUsed())
	return nil
}

func buildLogger(level, service string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})).
		With(slog.String("service", service))
}

func bindFlag(v *viper.Viper, key string, fs *pflag.FlagSet, flagName string) {
	if err := v.BindPFlag(key, fs.Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("bindFlag %q → %q: %v", flagName, key, err))
	}
}
