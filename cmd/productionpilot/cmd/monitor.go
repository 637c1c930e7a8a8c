package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fkirchmann/ProductionPilot/internal/opc"
	"github.com/fkirchmann/ProductionPilot/internal/subscription"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor <node-id>...",
	Short: "Print values of nodes until interrupted; nothing is stored",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().Duration("interval", time.Second, "sampling interval")
	monitorCmd.Flags().String("server-url", "", "OPC UA server endpoint (overrides opc.server_url)")
	monitorCmd.Flags().Duration("connect-timeout", 30*time.Second, "give up connecting after this long")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("server-url") {
		cfg.OPC.ServerURL, _ = cmd.Flags().GetString("server-url")
	}
	interval, _ := cmd.Flags().GetDuration("interval")
	timeout, _ := cmd.Flags().GetDuration("connect-timeout")

	ids := make([]opc.NodeID, len(args))
	for i, a := range args {
		if ids[i], err = opc.ParseNodeID(a); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openSession(ctx, cfg, logger, timeout)
	if err != nil {
		return err
	}
	defer s.close()

	values := make(chan *opc.MeasuredValue, 256)
	reqs := make([]subscription.Request, len(ids))
	for i, id := range ids {
		reqs[i] = subscription.Request{
			Node:             opc.Placeholder(id),
			SamplingInterval: interval,
			Listener:         subscription.Forward(values),
		}
	}
	sub := s.manager.Subscribe(reqs)
	defer sub.Unsubscribe()

	out := cmd.OutOrStdout()
	for {
		select {
		case <-ctx.Done():
			return nil
		case v := <-values:
			fmt.Fprintf(out, "%s  %s  %s  %s\n",
				v.ClientTime.Format(time.RFC3339Nano), v.Node.ID(), v.Status, v.Value)
		}
	}
}
