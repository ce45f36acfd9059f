package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"rheo/internal/signal"
	"rheo/internal/transport"
)

var askCmd = &cobra.Command{
	Use:   "ask <capability> [json-args]",
	Short: "ask a cell for a capability",
	Long:  "ask sends a single RPC to the cell at --addr and prints its TraceResult as JSON. Any provider cell can be targeted directly; the target forwards through the mesh itself if it isn't the one handling the capability.",
	Args:  cobra.RangeArgs(1, 2),
	Run:   runAsk,
}

func init() {
	askCmd.Flags().String("addr", os.Getenv("RHEO_ADDR"), "address of a cell to RPC (required)")
	askCmd.Flags().String("cluster-secret", os.Getenv("RHEO_CLUSTER_SECRET"), "HMAC secret, if the mesh requires one")
	askCmd.Flags().Duration("timeout", 10*time.Second, "RPC timeout")
	askCmd.MarkFlagRequired("addr")
}

func runAsk(c *cobra.Command, args []string) {
	addr, _ := c.Flags().GetString("addr")
	secret, _ := c.Flags().GetString("cluster-secret")
	timeout, _ := c.Flags().GetDuration("timeout")

	capability := args[0]
	var rawArgs json.RawMessage
	if len(args) == 2 {
		rawArgs = json.RawMessage(args[1])
	}

	client := transport.NewClient(timeout, secret)
	sig := signal.New("rheo-cli", capability, rawArgs, uuid.NewString).WithDeadline(timeout)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result, merr := client.Send(ctx, addr, sig)
	if merr != nil {
		fmt.Println(signal.ForensicReport(merr))
		os.Exit(1)
	}

	encoded, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(encoded))
	if !result.OK {
		os.Exit(1)
	}
}
