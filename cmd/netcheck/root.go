package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/isitobservable/netcheck/pkg/report"
	"github.com/isitobservable/netcheck/pkg/verifier"
)

type rootOptions struct {
	nodes         bool
	controlPlanes bool
	seeds         []string
	output        string
	noColor       bool
}

func newRootCmd(exitCode *int) *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "netcheck",
		Short: "Verify node and control-plane network connectivity of a cluster",
		Long: `netcheck verifies that every node of the cluster named by KUBECONFIG can reach
every other node, and that each control plane's API server can reach its etcd
from inside its own network namespace.

A privileged agent DaemonSet is deployed for the duration of the run and
removed afterwards. The exit status is 0 only when every check passed.`,
		Example: `  netcheck --nodes
  netcheck --control-planes --seed shoot--project--a --seed shoot--project--b
  netcheck --nodes --control-planes --output json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !opts.nodes && !opts.controlPlanes {
				_ = cmd.Usage()
				*exitCode = 1
				return nil
			}
			if opts.output != "text" && opts.output != "json" {
				return fmt.Errorf("invalid --output %q: must be text or json", opts.output)
			}
			code, err := runVerify(cmd, opts)
			*exitCode = code
			return err
		},
	}

	opts.addFlags(cmd.Flags())

	cmd.AddCommand(newServeCmd())
	return cmd
}

func (o *rootOptions) addFlags(fs *pflag.FlagSet) {
	fs.BoolVar(&o.nodes, "nodes", false, "Test node-to-node connectivity")
	fs.BoolVar(&o.controlPlanes, "control-planes", false, "Test control-plane API server to etcd connectivity")
	fs.StringArrayVar(&o.seeds, "seed", nil, "Restrict control-plane checks to this namespace (repeatable)")
	fs.StringVarP(&o.output, "output", "o", "text", "Report format: text or json")
	fs.BoolVar(&o.noColor, "no-color", false, "Disable colored output")
}

func runVerify(cmd *cobra.Command, opts *rootOptions) (int, error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := setup(ctx)
	defer e.close()
	if err != nil {
		return 1, err
	}

	res, err := e.runner.Run(ctx, verifier.Scope{
		Nodes:         opts.nodes,
		ControlPlanes: opts.controlPlanes,
		Seeds:         opts.seeds,
	})
	if err != nil {
		return 1, err
	}

	out := cmd.OutOrStdout()
	if opts.output == "json" {
		err = report.WriteJSON(out, res)
	} else {
		err = report.WriteSummary(out, res, !opts.noColor && !color.NoColor)
	}
	if err != nil {
		return 1, fmt.Errorf("writing report: %w", err)
	}
	return res.ExitCode(), nil
}
