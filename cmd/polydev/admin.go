package main

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"polydev/internal/admin"
)

var (
	adminPort    int
	adminRefresh time.Duration
	adminNoOpen  bool
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Serve the admin dashboard",
	Long: `Serve the admin dashboard and its HTTP/WebSocket API.

Services are started and stopped from the dashboard; every process it started
is stopped when polydev exits.

EXAMPLES:
  polydev admin
  polydev admin --port 9000 --refresh 2s --no-open`,
	Args: cobra.NoArgs,
	RunE: runAdmin,
}

func init() {
	adminCmd.Flags().IntVarP(&adminPort, "port", "p", 0, "listen port (default from config, 8080)")
	adminCmd.Flags().DurationVar(&adminRefresh, "refresh", 0, "status refresh interval (default from config, 5s)")
	adminCmd.Flags().BoolVar(&adminNoOpen, "no-open", false, "do not open a browser")
}

func runAdmin(cmd *cobra.Command, args []string) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	if adminPort != 0 {
		addr, err := withPort(e.cfg.Server.Address, adminPort)
		if err != nil {
			return err
		}
		e.cfg.Server.Address = addr
	}
	if adminRefresh > 0 {
		e.cfg.Server.Refresh = adminRefresh
	}
	if adminNoOpen {
		e.cfg.Server.OpenBrowser = false
	}

	a, err := admin.New(admin.Options{Config: e.cfg, Workspace: e.ws, Hooks: e.hooks})
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	fmt.Fprintf(cmd.OutOrStdout(), "polydev admin for %s at %s\n", e.ws.Name, a.URL())
	return a.Run(ctx)
}

// withPort replaces the port of a listen address, keeping its host.
func withPort(addr string, port int) (string, error) {
	if port < 1 || port > 65535 {
		return "", fmt.Errorf("invalid port %d", port)
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = ""
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}
