package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"polydev/internal/logging"
	"polydev/internal/service"
)

var devDocker bool

var devCmd = &cobra.Command{
	Use:   "dev",
	Short: "Start every service and stream its output",
	Long: `Start every service in the workspace under the supervisor. Output is
written to each service's .logs directory and echoed here with a colored
service prefix. SIGINT/SIGTERM stops them all.

With --docker the workspace's compose file is run instead:
docker compose up in the workspace root.`,
	Args: cobra.NoArgs,
	RunE: runDev,
}

func init() {
	devCmd.Flags().BoolVar(&devDocker, "docker", false, "run docker compose up instead of local processes")
}

func runDev(cmd *cobra.Command, args []string) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	if devDocker {
		return composeUp(ctx, e.ws.Root, cmd.OutOrStdout(), cmd.ErrOrStderr())
	}

	opts := e.supervisorOptions()
	opts.Sinks = newStoreSinks(e)
	opts.Echo = newEcho(cmd.OutOrStdout(), e.ws.Services)
	sup := service.NewSupervisor(opts)

	started := 0
	for _, desc := range e.ws.Services {
		if _, err := sup.Start(ctx, desc); err != nil {
			continue
		}
		started++
	}
	if started == 0 {
		return errors.New("no service could be started")
	}
	logging.Info().Int("started", started).Int("total", len(e.ws.Services)).Msg("press Ctrl+C to stop")

	<-ctx.Done()
	logging.Info().Msg("stopping services")

	stopCtx, cancel := context.WithTimeout(context.Background(), e.cfg.Supervisor.StopTimeout*2)
	defer cancel()
	failed := sup.StopAll(stopCtx)
	for name, err := range failed {
		logging.Warn().Err(err).Str("service", name).Msg("stop failed")
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d service(s) did not stop cleanly", len(failed))
	}
	return nil
}

// composeUp runs docker compose up in dir until ctx is done.
func composeUp(ctx context.Context, dir string, stdout, stderr io.Writer) error {
	c := exec.CommandContext(ctx, "docker", "compose", "up")
	c.Dir = dir
	c.Stdin = os.Stdin
	c.Stdout = stdout
	c.Stderr = stderr
	// compose handles SIGINT itself; let it tear down its containers
	c.Cancel = func() error { return c.Process.Signal(os.Interrupt) }
	logging.Info().Str("dir", dir).Msg("running docker compose up")
	if err := c.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("docker compose up: %w", err)
	}
	return nil
}
