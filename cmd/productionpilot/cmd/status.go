package cmd

import (
	"context"
	"fmt"
	"net"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/fkirchmann/ProductionPilot/internal/core/api"
)

var statusCmd = &cobra.Command{
	Use:   "status [id|identifier]",
	Short: "Query a running recorder",
	Long:  `Query a running recorder's status service for all parameters, or for one parameter in detail.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().String("addr", "", "status server address (default status.host:status.port)")
	statusCmd.Flags().Duration("timeout", 10*time.Second, "request timeout")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, _, err := setup()
	if err != nil {
		return err
	}
	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		host := cfg.Status.Host
		if host == "0.0.0.0" || host == "" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, fmt.Sprint(cfg.Status.Port))
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer conn.Close()
	client := api.NewStatusClient(conn)

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	out := cmd.OutOrStdout()
	if len(args) == 1 {
		st, err := client.GetParameter(ctx, args[0])
		if err != nil {
			return err
		}
		b, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(st)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(b))
		return nil
	}

	list, err := client.ListParameters(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tNODE\tTYPE\tSTATUS\tLAST VALUE\tUPDATES\tMEASUREMENTS")
	for _, v := range list.GetFields()["parameters"].GetListValue().GetValues() {
		f := v.GetStructValue().GetFields()
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%.0f\t%.0f\n",
			f["name"].GetStringValue(),
			f["node_address"].GetStringValue(),
			f["node_type"].GetStringValue(),
			f["status"].GetStringValue(),
			renderValue(f["last_value"]),
			f["updates"].GetNumberValue(),
			f["measurements"].GetNumberValue(),
		)
	}
	return w.Flush()
}

func renderValue(v *structpb.Value) string {
	switch k := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		return fmt.Sprint(k.NumberValue)
	case *structpb.Value_StringValue:
		return fmt.Sprintf("%q", k.StringValue)
	case *structpb.Value_BoolValue:
		return fmt.Sprint(k.BoolValue)
	default:
		return "-"
	}
}
