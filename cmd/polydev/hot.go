package main

import (
	"errors"

	"github.com/spf13/cobra"

	"polydev/internal/hotreload"
	"polydev/internal/service"
)

var (
	hotServices []string
	hotDryRun   bool
)

var hotCmd = &cobra.Command{
	Use:   "hot",
	Short: "Run services and restart them when their sources change",
	Long: `Run services with their development command and watch their
directories. Services whose tooling reloads by itself (Vite, Next.js,
nodemon, Spring devtools) are started once; the rest are restarted after
a debounced burst of matching changes.

EXAMPLES:
  polydev hot
  polydev hot --services api,worker
  polydev hot --dry-run`,
	Args: cobra.NoArgs,
	RunE: runHot,
}

func init() {
	hotCmd.Flags().StringSliceVarP(&hotServices, "services", "s", nil, "comma-separated services to run (default all)")
	hotCmd.Flags().BoolVar(&hotDryRun, "dry-run", false, "print the plan without starting anything")
}

func runHot(cmd *cobra.Command, args []string) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	descs, err := e.ws.Select(hotServices)
	if err != nil {
		return err
	}
	if len(descs) == 0 {
		return errors.New("workspace has no services")
	}

	opts := e.supervisorOptions()
	if e.cfg.Supervisor.CaptureOutput {
		opts.Sinks = newStoreSinks(e)
	}
	opts.Echo = newEcho(cmd.OutOrStdout(), descs)
	sup := service.NewSupervisor(opts)

	engine := hotreload.NewEngine(sup, hotreload.Options{
		Debounce: e.cfg.Hot.Debounce,
		Resolver: opts.Resolver,
		Hooks:    e.hooks,
		Out:      cmd.OutOrStdout(),
	})

	ctx, stop := signalContext()
	defer stop()
	return engine.Run(ctx, descs, hotDryRun)
}
