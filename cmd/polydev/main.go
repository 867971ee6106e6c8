// Package main is the polydev command line: the admin dashboard, the plain
// dev runner, the hot-reload watcher and the log viewer for a polyglot
// workspace.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"polydev/internal/config"
	"polydev/internal/hooks"
	"polydev/internal/logging"
	"polydev/internal/service"
)

var (
	configPath    string
	logLevel      string
	workspaceRoot string
)

var rootCmd = &cobra.Command{
	Use:   "polydev",
	Short: "Run and watch every service of a polyglot workspace",
	Long: `polydev runs the services declared in a workspace manifest
(polyglot.json, polydev.yaml or polydev.yml) as local child processes.

  polydev admin            dashboard with start/stop/restart, health and live logs
  polydev dev              start everything and stream output to the terminal
  polydev hot              restart services when their sources change
  polydev logs [service]   read, follow, export or clear service logs`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "admin config file (default $POLYDEV_CONFIG or ./polydev.config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	rootCmd.PersistentFlags().StringVarP(&workspaceRoot, "workspace", "w", "", "workspace root holding the manifest (default from config, else .)")

	rootCmd.AddCommand(adminCmd)
	rootCmd.AddCommand(devCmd)
	rootCmd.AddCommand(hotCmd)
	rootCmd.AddCommand(logsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// env is what every subcommand starts from.
type env struct {
	cfg   *config.Config
	ws    *config.Workspace
	hooks *hooks.Dispatcher
}

// loadEnv reads the admin config, sets up logging and loads the manifest.
func loadEnv() (*env, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = config.LoadConfig()
	}
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	root := cfg.Workspace.Root
	if workspaceRoot != "" {
		root = workspaceRoot
	}
	ws, err := config.LoadWorkspace(root)
	if err != nil {
		return nil, err
	}
	logging.Debug().Str("root", ws.Root).Str("workspace", ws.Name).Int("services", len(ws.Services)).Msg("workspace loaded")

	return &env{cfg: cfg, ws: ws, hooks: newHooks()}, nil
}

// newHooks logs every lifecycle event at debug level.
func newHooks() *hooks.Dispatcher {
	d := hooks.NewDispatcher()
	d.On("*", func(_ context.Context, event string, data hooks.Context) error {
		ev := logging.Debug().Str("event", event)
		for k, v := range data {
			ev = ev.Interface(k, v)
		}
		ev.Msg("hook")
		return nil
	})
	return d
}

func (e *env) supervisorOptions() service.Options {
	return service.Options{
		Root:            e.ws.Root,
		Resolver:        service.NewResolver(e.ws.Java.FallbackCommand),
		Hooks:           e.hooks,
		StopTimeout:     e.cfg.Supervisor.StopTimeout,
		RestartCooldown: e.cfg.Supervisor.RestartCooldown,
	}
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
