package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/warren-coord/pkg/cachemgr"
	"github.com/cuemby/warren-coord/pkg/config"
	"github.com/cuemby/warren-coord/pkg/coordination"
	"github.com/cuemby/warren-coord/pkg/coordsession"
	"github.com/cuemby/warren-coord/pkg/coordtypes"
	"github.com/cuemby/warren-coord/pkg/costorage"
	"github.com/cuemby/warren-coord/pkg/exchange"
	"github.com/cuemby/warren-coord/pkg/lockmgr"
	"github.com/cuemby/warren-coord/pkg/log"
	"github.com/cuemby/warren-coord/pkg/metrics"
	"github.com/cuemby/warren-coord/pkg/waitdir"
	"github.com/cuemby/warren-coord/pkg/waitmgr"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a coordination node, serving ExchangeManager traffic and local clients",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringP("config", "c", "", "Path to a YAML config file (optional; built-in defaults otherwise)")
	serveCmd.Flags().String("bind-addr", "", "Override config's bindAddr (UDP exchange listener)")
	serveCmd.Flags().String("data-dir", "", "Override config's dataDir")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadServeConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	node, err := newNode(cfg)
	if err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}
	defer node.Close()

	go serveMetrics(cfg.MetricsAddr)
	metrics.SetVersion(Version)
	metrics.RegisterComponent("storage", true, "bolt opened")
	metrics.RegisterComponent("exchange", true, "udp endpoint bound")

	log.WithComponent("coordd").Info().
		Str("bindAddr", cfg.BindAddr).
		Str("session", node.coordination.GetSession().String()).
		Msg("coordination node ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.WithComponent("coordd").Info().Msg("shutting down")
	return nil
}

func loadServeConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if v, _ := cmd.Flags().GetString("bind-addr"); v != "" {
		cfg.BindAddr = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	return cfg, nil
}

// node bundles every wired subsystem of a running coordination process,
// mirroring the way the teacher's manager.Manager bundles its own
// subsystems for a single binary.
type node struct {
	storage  *costorage.BoltStorage
	sessions *coordsession.LocalManager
	exchange *exchange.Manager

	coordination *coordination.Coordination
}

func newNode(cfg config.Config) (*node, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	storage, err := costorage.NewBoltStorage(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	endpoint, err := exchange.ListenUDPEndpoint(cfg.BindAddr)
	if err != nil {
		storage.Close()
		return nil, fmt.Errorf("bind exchange endpoint: %w", err)
	}

	local := coordtypes.NewSessionId(endpoint.LocalAddr(), []byte(uuid.New().String()))
	sessions := coordsession.NewLocalManager(local, cfg.SessionTTL)

	lockWait := waitdir.New()
	invalidation := waitdir.NewInvalidation()
	exch := exchange.New(endpoint, sessions, lockWait, invalidation)
	exch.Start()

	waiter := waitmgr.New(sessions, storage, lockWait, exch, waitmgr.Config{
		MinBackoff: cfg.MinBackoff,
		MaxBackoff: cfg.MaxBackoff,
	})
	locker := lockmgr.New(storage, sessions, waiter, exch)
	cache := cachemgr.New(locker, storage, local)
	facade := coordination.New(cache, storage, local)

	return &node{storage: storage, sessions: sessions, exchange: exch, coordination: facade}, nil
}

func (n *node) Close() {
	if err := n.exchange.Close(); err != nil {
		log.WithComponent("coordd").Warn().Err(err).Msg("error closing exchange endpoint")
	}
	if err := n.sessions.Close(); err != nil {
		log.WithComponent("coordd").Warn().Err(err).Msg("error closing session manager")
	}
	if err := n.storage.Close(); err != nil {
		log.WithComponent("coordd").Warn().Err(err).Msg("error closing storage")
	}
}

func serveMetrics(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	log.WithComponent("coordd").Info().Str("addr", addr).Msg("metrics endpoint listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithComponent("coordd").Error().Err(err).Msg("metrics server failed")
	}
}
