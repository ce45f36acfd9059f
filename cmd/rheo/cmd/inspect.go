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

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "inspect a running cell",
	Long:  "inspect asks the cell at --addr for its cell/inspect capability: id, addr, registered capabilities, atlas size, and circuit breaker state.",
	Run:   runInspect,
}

func init() {
	inspectCmd.Flags().String("addr", os.Getenv("RHEO_ADDR"), "address of the cell to inspect (required)")
	inspectCmd.Flags().String("cluster-secret", os.Getenv("RHEO_CLUSTER_SECRET"), "HMAC secret, if the mesh requires one")
	inspectCmd.Flags().Duration("timeout", 5*time.Second, "RPC timeout")
	inspectCmd.MarkFlagRequired("addr")
}

func runInspect(c *cobra.Command, _ []string) {
	addr, _ := c.Flags().GetString("addr")
	secret, _ := c.Flags().GetString("cluster-secret")
	timeout, _ := c.Flags().GetDuration("timeout")

	client := transport.NewClient(timeout, secret)
	sig := signal.New("rheo-cli", "cell/inspect", nil, uuid.NewString).WithDeadline(timeout)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result, merr := client.Send(ctx, addr, sig)
	if merr != nil {
		fmt.Println(signal.ForensicReport(merr))
		os.Exit(1)
	}
	if !result.OK {
		fmt.Println(signal.ForensicReport(result.Error))
		os.Exit(1)
	}

	var pretty map[string]any
	if err := json.Unmarshal(result.Value, &pretty); err == nil {
		encoded, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Println(string(encoded))
		return
	}
	fmt.Println(string(result.Value))
}
