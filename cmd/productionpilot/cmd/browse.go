package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fkirchmann/ProductionPilot/internal/opc"
)

var browseCmd = &cobra.Command{
	Use:   "browse [node-id]",
	Short: "Print the server's address space",
	Long:  `Print the address space below node-id, or below the Objects folder if none is given.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runBrowse,
}

func init() {
	rootCmd.AddCommand(browseCmd)
	browseCmd.Flags().Int("depth", 2, "levels to descend (negative for unlimited)")
	browseCmd.Flags().String("server-url", "", "OPC UA server endpoint (overrides opc.server_url)")
	browseCmd.Flags().Duration("connect-timeout", 30*time.Second, "give up connecting after this long")
}

func runBrowse(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("server-url") {
		cfg.OPC.ServerURL, _ = cmd.Flags().GetString("server-url")
	}
	depth, _ := cmd.Flags().GetInt("depth")
	timeout, _ := cmd.Flags().GetDuration("connect-timeout")

	ctx := cmd.Context()
	s, err := openSession(ctx, cfg, logger, timeout)
	if err != nil {
		return err
	}
	defer s.close()

	root := s.conn.Root()
	if len(args) == 1 {
		if root, err = s.conn.Node(ctx, args[0]); err != nil {
			return err
		}
		if !root.Type().Exists() {
			return fmt.Errorf("node %s does not exist", args[0])
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, root)
	return root.Walk(ctx, depth, func(level int, n *opc.Node) error {
		fmt.Fprintf(out, "%s%s  [%s] %s\n", strings.Repeat("  ", level), n.Name(), n.ID(), n.Type())
		return nil
	})
}
