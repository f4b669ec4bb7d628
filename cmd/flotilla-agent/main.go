package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/flotilla/pkg/change"
	"github.com/cuemby/flotilla/pkg/deploy"
	"github.com/cuemby/flotilla/pkg/driver"
	"github.com/cuemby/flotilla/pkg/history"
	"github.com/cuemby/flotilla/pkg/identity"
	"github.com/cuemby/flotilla/pkg/log"
	"github.com/cuemby/flotilla/pkg/metrics"
	"github.com/cuemby/flotilla/pkg/network"
	"github.com/cuemby/flotilla/pkg/remotevolume"
	"github.com/cuemby/flotilla/pkg/runtime"
	"github.com/cuemby/flotilla/pkg/storagepool"
)

// Version information (set via ldflags during build)
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "flotilla-agent",
	Short:   "Flotilla node agent: per-node convergence for containers and datasets",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("flotilla-agent version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(agentCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

var agentCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the node agent's convergence loop",
	RunE:  runAgent,
}

func init() {
	agentCmd.Flags().String("hostname", "", "This node's hostname (defaults to os.Hostname())")
	agentCmd.Flags().String("identity-file", "/var/lib/flotilla/identity.json", "Path to this node's persisted identity")
	agentCmd.Flags().String("storage-dir", storagepool.DefaultBasePath, "Local storage pool base directory")
	agentCmd.Flags().String("containerd-socket", runtime.DefaultSocketPath, "Containerd socket path")
	agentCmd.Flags().String("deployment-file", "", "Path to the desired-deployment YAML file (required)")
	agentCmd.Flags().Duration("tick-interval", 5*time.Second, "Convergence tick interval")
	agentCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for the Prometheus metrics endpoint")
	agentCmd.Flags().String("remotevolume-addr", fmt.Sprintf(":%d", remotevolume.DefaultPort), "Address this node's volume-transfer server listens on")
	agentCmd.Flags().Int("network-workers", 2, "Number of background goroutines dispatching iptables calls")
	agentCmd.Flags().StringSlice("peer", nil, "hostname=address pair for a remote-volume peer (repeatable)")
	_ = agentCmd.MarkFlagRequired("deployment-file")
}

func runAgent(cmd *cobra.Command, args []string) error {
	logger := log.Logger

	hostname, _ := cmd.Flags().GetString("hostname")
	if hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("determine hostname: %w", err)
		}
		hostname = h
	}

	identityFile, _ := cmd.Flags().GetString("identity-file")
	storageDir, _ := cmd.Flags().GetString("storage-dir")
	containerdSocket, _ := cmd.Flags().GetString("containerd-socket")
	deploymentFilePath, _ := cmd.Flags().GetString("deployment-file")
	tickInterval, _ := cmd.Flags().GetDuration("tick-interval")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	remoteVolumeAddr, _ := cmd.Flags().GetString("remotevolume-addr")
	networkWorkers, _ := cmd.Flags().GetInt("network-workers")
	peerFlags, _ := cmd.Flags().GetStringSlice("peer")

	peers, err := parsePeers(peerFlags)
	if err != nil {
		return err
	}

	id, err := identity.Load(identityFile)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	logger.Info().Str("node_id", id.UUID).Str("hostname", hostname).Msg("identity loaded")

	pool, err := storagepool.NewLocalPool(storageDir, id.UUID)
	if err != nil {
		metrics.RegisterComponent("storagepool", false, err.Error())
		return fmt.Errorf("create storage pool: %w", err)
	}
	metrics.RegisterComponent("storagepool", true, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	containerRuntime, err := runtime.NewContainerdRuntime(containerdSocket)
	if err != nil {
		metrics.RegisterComponent("containerd", false, err.Error())
		return fmt.Errorf("connect to containerd: %w", err)
	}
	defer containerRuntime.Close()
	metrics.RegisterComponent("containerd", true, "")

	net, err := network.NewIPTablesNetwork(ctx, networkWorkers)
	if err != nil {
		return fmt.Errorf("initialize network driver: %w", err)
	}
	defer net.Close()

	volumeManager := remotevolume.NewManager(peers)
	volumeServer, err := remotevolume.NewServer(remoteVolumeAddr, pool, id.UUID)
	if err != nil {
		return fmt.Errorf("start volume transfer server: %w", err)
	}
	go func() {
		if err := volumeServer.Serve(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("volume transfer server stopped")
		}
	}()
	defer volumeServer.Close()

	nodeDeployer := deploy.NewNodeDeployer(hostname, id.UUID, pool, containerRuntime, net, volumeManager)
	source := newFileClusterStateSource(deploymentFilePath)

	historyStore, err := history.Open(storageDir)
	if err != nil {
		return fmt.Errorf("open tick history: %w", err)
	}
	defer historyStore.Close()

	deployerContext := change.Context{Runtime: containerRuntime, Pool: pool, Network: net, RemoteVolumes: volumeManager}
	d := driver.New(nodeDeployer, source, deployerContext, tickInterval)
	d.SetRecorder(historyStore)

	collector := metrics.NewCollector(d)
	collector.Start()
	defer collector.Stop()

	metrics.SetVersion(Version)
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	metricsServer := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	d.Start()
	logger.Info().Str("metrics_addr", metricsAddr).Dur("tick_interval", tickInterval).Msg("agent started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	d.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	return nil
}

func parsePeers(flags []string) (map[string]string, error) {
	peers := make(map[string]string, len(flags))
	for _, f := range flags {
		hostname, addr, ok := strings.Cut(f, "=")
		if !ok || hostname == "" || addr == "" {
			return nil, fmt.Errorf("invalid --peer %q, expected hostname=address", f)
		}
		peers[hostname] = addr
	}
	return peers, nil
}
