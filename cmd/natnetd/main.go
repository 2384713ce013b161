package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// usageError marks bad invocations; they exit with status 2.
type usageError struct {
	err error
}

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := rootCmd(stdout, stderr)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		var ue usageError
		if errors.As(err, &ue) {
			fmt.Fprint(stderr, root.UsageString())
			return 2
		}
		return 1
	}
	return 0
}

func rootCmd(stdout io.Writer, stderr io.Writer) *cobra.Command {
	g := &globalOptions{stdout: stdout, stderr: stderr}

	cmd := &cobra.Command{
		Use:   "natnetd",
		Short: "NatNet motion capture client daemon",
		Long: `natnetd connects to a NatNet server (OptiTrack Motive), decodes the
frame stream and republishes it to Foxglove Studio, a ZeroMQ relay, a
record file and a Prometheus endpoint.

Settings come from natnet.toml; flags override the file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return usageError{fmt.Errorf("unknown command %q", args[0])}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError{err}
	})

	pf := cmd.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "natnet.toml", "config file path")
	pf.StringVar(&g.logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	pf.StringVar(&g.logFormat, "log-format", "", "log format override (text, json)")

	cmd.AddCommand(
		serveCmd(g),
		monitorCmd(g),
		commandCmd(g),
		describeCmd(g),
		initCmd(g),
		versionCmd(g),
	)
	return cmd
}

func versionCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the natnetd version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(g.stdout, "natnetd %s (%s)\n", version, commit)
		},
	}
}
