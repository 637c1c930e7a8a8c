package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fkirchmann/ProductionPilot/internal/types"
)

var parameterCmd = &cobra.Command{
	Use:     "parameter",
	Aliases: []string{"param"},
	Short:   "Manage recorded parameters",
}

var parameterAddCmd = &cobra.Command{
	Use:   "add <name> <node-address>",
	Short: "Add a parameter",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		database, store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer database.Close()

		p := types.Parameter{Name: args[0], NodeAddress: args[1]}
		p.Identifier, _ = cmd.Flags().GetString("identifier")
		p.Description, _ = cmd.Flags().GetString("description")
		p.SamplingInterval, _ = cmd.Flags().GetDuration("interval")

		created, err := store.CreateParameter(ctx, p)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), created.ID)
		return nil
	},
}

var parameterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List parameters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		database, store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer database.Close()

		params, err := store.ListParameters(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tIDENTIFIER\tNODE\tINTERVAL")
		for _, p := range params {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\n", p.ID, p.Name, p.Identifier, p.NodeAddress, p.SamplingInterval)
		}
		return w.Flush()
	},
}

var parameterShowCmd = &cobra.Command{
	Use:   "show <id|identifier>",
	Short: "Show a parameter and its latest measurements",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		database, store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer database.Close()

		p, err := store.FindParameter(ctx, args[0])
		if err != nil {
			return err
		}
		count, err := store.CountMeasurements(ctx, p.ID)
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("last")
		measurements, err := store.ListMeasurements(ctx, p.ID, limit)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		printParameter(out, p)
		fmt.Fprintf(out, "measurements:  %d\n", count)
		if len(measurements) == 0 {
			return nil
		}
		fmt.Fprintln(out)
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "CLIENT TIME\tSTATUS\tVALUE")
		for _, m := range measurements {
			fmt.Fprintf(w, "%s\t0x%08X\t%v\n", m.ClientTime.Format(time.RFC3339Nano), m.StatusCode, m.Value())
		}
		return w.Flush()
	},
}

var parameterUpdateCmd = &cobra.Command{
	Use:   "update <id|identifier>",
	Short: "Change a parameter",
	Long:  `Change a parameter. Changing the node or interval restarts its recording.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		database, store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer database.Close()

		p, err := store.FindParameter(ctx, args[0])
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		if flags.Changed("name") {
			p.Name, _ = flags.GetString("name")
		}
		if flags.Changed("identifier") {
			p.Identifier, _ = flags.GetString("identifier")
		}
		if flags.Changed("description") {
			p.Description, _ = flags.GetString("description")
		}
		if flags.Changed("node") {
			p.NodeAddress, _ = flags.GetString("node")
		}
		if flags.Changed("interval") {
			p.SamplingInterval, _ = flags.GetDuration("interval")
		}

		updated, err := store.UpdateParameter(ctx, p)
		if err != nil {
			return err
		}
		printParameter(cmd.OutOrStdout(), updated)
		return nil
	},
}

var parameterDeleteCmd = &cobra.Command{
	Use:   "delete <id|identifier>",
	Short: "Delete a parameter; its measurements are kept",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		database, store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer database.Close()

		p, err := store.FindParameter(ctx, args[0])
		if err != nil {
			return err
		}
		if err := store.DeleteParameter(ctx, p.ID); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", p)
		return nil
	},
}

func printParameter(w io.Writer, p types.Parameter) {
	fmt.Fprintf(w, "id:            %s\n", p.ID)
	fmt.Fprintf(w, "name:          %s\n", p.Name)
	if p.Identifier != "" {
		fmt.Fprintf(w, "identifier:    %s\n", p.Identifier)
	}
	if p.Description != "" {
		fmt.Fprintf(w, "description:   %s\n", p.Description)
	}
	fmt.Fprintf(w, "node:          %s\n", p.NodeAddress)
	fmt.Fprintf(w, "interval:      %v\n", p.SamplingInterval)
	fmt.Fprintf(w, "updated:       %s\n", p.UpdatedAt.Format(time.RFC3339))
}

func init() {
	rootCmd.AddCommand(parameterCmd)
	parameterCmd.AddCommand(parameterAddCmd, parameterListCmd, parameterShowCmd, parameterUpdateCmd, parameterDeleteCmd)

	parameterAddCmd.Flags().String("identifier", "", "short machine-readable name")
	parameterAddCmd.Flags().String("description", "", "free-text description")
	parameterAddCmd.Flags().Duration("interval", types.DefaultSamplingInterval, "sampling interval")

	parameterShowCmd.Flags().Int("last", 10, "number of latest measurements to show")

	parameterUpdateCmd.Flags().String("name", "", "new name")
	parameterUpdateCmd.Flags().String("identifier", "", "new identifier (empty clears it)")
	parameterUpdateCmd.Flags().String("description", "", "new description")
	parameterUpdateCmd.Flags().String("node", "", "new node address")
	parameterUpdateCmd.Flags().Duration("interval", 0, "new sampling interval")
}
