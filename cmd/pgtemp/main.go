// Command pgtemp runs the pgtemp proxy daemon: it listens on an
// operator-given endpoint and synthesizes a fresh backing PostgreSQL
// cluster (or database, in --single mode) for every accepted client
// connection.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/boustrophedon/pgtemp"
	"github.com/boustrophedon/pgtemp/internal/proxy"
)

// Exit codes per the external interface contract: 0 normal shutdown, 1
// startup error, 2 invalid arguments.
const (
	exitOK          = 0
	exitStartupErr  = 1
	exitInvalidArgs = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var (
		single      bool
		persist     bool
		configOpts  []string
		loadPath    string
		metricsAddr string
		verbose     bool
	)

	cmd := &cobra.Command{
		Use:   "pgtemp <connection-uri>",
		Short: "Run an ephemeral-PostgreSQL proxy daemon for tests",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().BoolVar(&single, "single", false, "share one backing cluster across all connections")
	cmd.Flags().BoolVar(&persist, "persist", false, "retain data directories for post-mortem inspection")
	cmd.Flags().StringArrayVarP(&configOpts, "config", "o", nil, "server config override key=value (repeatable)")
	cmd.Flags().StringVar(&loadPath, "load", "", "dump file to load after boot (normal mode: into each backing cluster; --single: once into the shared cluster, not into pgtemp_<N> databases)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "optional host:port to serve /metrics and /healthz on")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug-level logging")

	exitCode := exitOK
	cmd.RunE = func(_ *cobra.Command, posArgs []string) error {
		template, err := pgtemp.ParseURI(posArgs[0])
		if err != nil {
			exitCode = exitInvalidArgs
			return err
		}
		overrides, err := parseConfigOpts(configOpts)
		if err != nil {
			exitCode = exitInvalidArgs
			return err
		}

		logger, err := newLogger(verbose)
		if err != nil {
			exitCode = exitStartupErr
			return err
		}
		defer logger.Sync()

		mode := proxy.ModeNormal
		if single {
			mode = proxy.ModeSingle
		}

		d := proxy.New(proxy.Config{
			ListenAddr:      fmt.Sprintf("%s:%d", template.Host, template.Port),
			Template:        template,
			Mode:            mode,
			Persist:         persist,
			ConfigOverrides: overrides,
			DumpPath:        loadPath,
			MetricsAddr:     metricsAddr,
			Logger:          logger,
		})

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		if err := d.Serve(ctx); err != nil {
			exitCode = exitStartupErr
			return err
		}
		return nil
	}
	cmd.SilenceUsage = true

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "pgtemp:", err)
		if exitCode == exitOK {
			exitCode = exitInvalidArgs
		}
		return exitCode
	}
	return exitCode
}

func parseConfigOpts(opts []string) (map[string]string, error) {
	out := make(map[string]string, len(opts))
	for _, o := range opts {
		key, value, ok := strings.Cut(o, "=")
		if !ok {
			return nil, fmt.Errorf("invalid -o flag %q: expected key=value", o)
		}
		out[key] = value
	}
	return out, nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
