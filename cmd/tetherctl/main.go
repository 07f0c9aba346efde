// tetherctl is the command line client for tetherd.
//
// It talks to the tetherd gRPC API. Run without arguments for an
// interactive shell.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/psaab/tetherd/pkg/grpcapi"
)

const rpcTimeout = 5 * time.Second

// ctl carries the connection shared by every command, including the
// commands run from the shell.
type ctl struct {
	addr   string
	client *grpcapi.Client
	out    io.Writer
}

func (c *ctl) connect() (*grpcapi.Client, error) {
	if c.client != nil {
		return c.client, nil
	}
	client, err := grpcapi.Dial(c.addr)
	if err != nil {
		return nil, err
	}
	c.client = client
	return client, nil
}

func (c *ctl) close() {
	if c.client != nil {
		c.client.Close()
	}
}

// root returns the root cobra command.
func root(c *ctl, interactive bool) (cmd *cobra.Command) {
	cmd = &cobra.Command{
		Use:           "tetherctl",
		Short:         "Control the tetherd tethering daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.CompletionOptions.DisableDefaultCmd = interactive
	if !interactive {
		cmd.PersistentFlags().StringVar(&c.addr, "addr", "127.0.0.1:50051", "tetherd gRPC address")
		cmd.RunE = func(cmd *cobra.Command, args []string) error {
			return runShell(c)
		}
	}
	cmd.AddCommand(statusCmd(c))
	cmd.AddCommand(addCmd(c))
	cmd.AddCommand(removeCmd(c))
	cmd.AddCommand(policyCmd(c))
	cmd.AddCommand(healthCmd(c))
	if !interactive {
		cmd.AddCommand(&cobra.Command{
			Use:   "shell",
			Short: "Starts an interactive shell",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runShell(c)
			},
		})
	}
	cmd.SetOut(c.out)
	return
}

// statusCmd returns the status cobra command.
func statusCmd(c *ctl) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Shows the upstream, tracked networks and downstreams",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := c.connect()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), rpcTimeout)
			defer cancel()
			st, err := client.Status(ctx)
			if err != nil {
				return err
			}
			printStatus(c.out, st)
			return nil
		},
	}
}

// addCmd returns the add cobra command.
func addCmd(c *ctl) (cmd *cobra.Command) {
	var req grpcapi.DownstreamRequest
	cmd = &cobra.Command{
		Use:   "add IFACE",
		Short: "Starts serving a downstream interface",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := c.connect()
			if err != nil {
				return err
			}
			req.Name = args[0]
			ctx, cancel := context.WithTimeout(cmd.Context(), rpcTimeout)
			defer cancel()
			if err := client.AddDownstream(ctx, req); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "downstream %s added\n", req.Name)
			return nil
		},
	}
	cmd.Flags().StringVarP(&req.Type, "type", "t", "usb",
		"interface type (usb, wifi, wifi-p2p, bluetooth, ethernet)")
	cmd.Flags().StringVarP(&req.Mode, "mode", "m", "tethered",
		"downstream mode (tethered, local-only)")
	return
}

// removeCmd returns the remove cobra command.
func removeCmd(c *ctl) *cobra.Command {
	return &cobra.Command{
		Use:   "remove IFACE",
		Short: "Stops serving a downstream interface",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := c.connect()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), rpcTimeout)
			defer cancel()
			if err := client.RemoveDownstream(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "downstream %s removed\n", args[0])
			return nil
		},
	}
}

// policyCmd returns the policy cobra command.
func policyCmd(c *ctl) (cmd *cobra.Command) {
	var (
		cellular, dun, auto bool
		preferred           []string
	)
	cmd = &cobra.Command{
		Use:   "policy",
		Short: "Shows or changes the upstream selection policy",
		Long: `Policy shows or changes the upstream selection policy. Only the flags
given are changed.

Example: tetherctl policy --cellular=false --preferred ethernet,wifi`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := c.connect()
			if err != nil {
				return err
			}
			req := policyRequest(cmd, cellular, dun, auto, preferred)
			ctx, cancel := context.WithTimeout(cmd.Context(), rpcTimeout)
			defer cancel()
			st, err := client.SetPolicy(ctx, req)
			if err != nil {
				return err
			}
			printPolicy(c.out, st)
			return nil
		},
	}
	cmd.Flags().BoolVar(&cellular, "cellular", true, "permit cellular upstreams")
	cmd.Flags().BoolVar(&dun, "dun", false, "request DUN for mobile upstreams")
	cmd.Flags().BoolVar(&auto, "auto", false, "follow the system default network")
	cmd.Flags().StringSliceVar(&preferred, "preferred", nil, "upstream priority list")
	return
}

// policyRequest includes only the flags set on the command line.
func policyRequest(cmd *cobra.Command, cellular, dun, auto bool, preferred []string) grpcapi.PolicyRequest {
	var req grpcapi.PolicyRequest
	if cmd.Flags().Changed("cellular") {
		req.CellularPermitted = &cellular
	}
	if cmd.Flags().Changed("dun") {
		req.DunRequired = &dun
	}
	if cmd.Flags().Changed("auto") {
		req.ChooseAutomatically = &auto
	}
	if cmd.Flags().Changed("preferred") {
		req.Preferred = preferred
	}
	return req
}

// healthCmd returns the health cobra command.
func healthCmd(c *ctl) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Shows whether tetherd has an upstream to share",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := c.connect()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), rpcTimeout)
			defer cancel()
			st, err := client.Health(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.out, st)
			return nil
		},
	}
}

func main() {
	c := &ctl{out: os.Stdout}
	defer c.close()
	if err := root(c, false).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "tetherctl: %v\n", err)
		c.close()
		os.Exit(1)
	}
}
