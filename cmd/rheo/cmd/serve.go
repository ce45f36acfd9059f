package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"rheo/internal/cell"
	"rheo/internal/identity"
	"rheo/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run a mesh cell",
	Long:  "serve starts a cell, optionally bootstrapping into an existing mesh through --seed, and runs until interrupted.",
	Run:   runServe,
}

func init() {
	serveCmd.Flags().String("id", "", "cell id (default: derived from the generated identity)")
	serveCmd.Flags().Int("port", envInt("RHEO_PORT", 0), "port to bind (0 = ephemeral)")
	serveCmd.Flags().String("seed", os.Getenv("RHEO_SEED"), "address of an existing cell to bootstrap through")
	serveCmd.Flags().String("registry-dir", os.Getenv("RHEO_REGISTRY_DIR"), "directory holding the shared capability registry, if any")
	serveCmd.Flags().String("cluster-secret", os.Getenv("RHEO_CLUSTER_SECRET"), "HMAC secret for inter-cell authentication")
	serveCmd.Flags().String("passphrase", os.Getenv("RHEO_PASSPHRASE"), "derive a stable identity from this passphrase instead of a fresh random one each restart")
	serveCmd.Flags().String("passphrase-salt", os.Getenv("RHEO_PASSPHRASE_SALT"), "salt paired with --passphrase; ignored if --passphrase is unset")
	serveCmd.Flags().String("log-level", envOr("RHEO_LOG_LEVEL", "info"), "debug|info|warn|error")
	serveCmd.Flags().Bool("compression", envBool("RHEO_COMPRESSION", false), "enable gzip compression on responses")
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func runServe(c *cobra.Command, _ []string) {
	logLevel, _ := c.Flags().GetString("log-level")
	logging.Init(logging.ParseLevel(logLevel))

	passphrase, _ := c.Flags().GetString("passphrase")
	passphraseSalt, _ := c.Flags().GetString("passphrase-salt")

	var id *identity.Identity
	if passphrase != "" {
		id = identity.FromPassphrase([]byte(passphrase), []byte(passphraseSalt))
	} else {
		var err error
		id, err = identity.Generate()
		if err != nil {
			logging.Error("failed to generate identity: %v", err)
			os.Exit(1)
		}
	}

	idFlag, _ := c.Flags().GetString("id")
	port, _ := c.Flags().GetInt("port")
	seed, _ := c.Flags().GetString("seed")
	registryDir, _ := c.Flags().GetString("registry-dir")
	clusterSecret, _ := c.Flags().GetString("cluster-secret")
	compression, _ := c.Flags().GetBool("compression")

	cfg := cell.Config{
		ID:                idFlag,
		Port:              port,
		Seed:              seed,
		RegistryDir:       registryDir,
		ClusterSecret:     clusterSecret,
		EnableCompression: compression,
		GossipIntervalMs:  envInt64("RHEO_GOSSIP_INTERVAL_MS", 0),
		AtlasTTLMs:        envInt64("RHEO_ATLAS_TTL_MS", 0),
		RPCTimeoutMs:      envInt64("RHEO_RPC_TIMEOUT_MS", 0),
		MaxConcurrent:     envInt("RHEO_MAX_CONCURRENT", 0),
		LogLevel:          logLevel,
	}

	cellInstance := cell.New(cfg, id)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := cellInstance.Listen(ctx); err != nil {
		logging.Error("failed to listen: %v", err)
		os.Exit(1)
	}

	logging.Info("rheo cell online: id=%s addr=%s seed=%q", cellInstance.Config.ID, cellInstance.Addr(), seed)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logging.Info("shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := cellInstance.Shutdown(shutdownCtx); err != nil {
		logging.Error("shutdown error: %v", err)
	}
}
