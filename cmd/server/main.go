// Escrowbridge - off-chain settlement coordinator for EscrowBridge deployments
package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/lib/pq"

	"github.com/mbd888/escrowbridge/internal/attest"
	"github.com/mbd888/escrowbridge/internal/chain"
	"github.com/mbd888/escrowbridge/internal/config"
	"github.com/mbd888/escrowbridge/internal/escrowid"
	"github.com/mbd888/escrowbridge/internal/locator"
	"github.com/mbd888/escrowbridge/internal/logging"
	"github.com/mbd888/escrowbridge/internal/metrics"
	"github.com/mbd888/escrowbridge/internal/rates"
	"github.com/mbd888/escrowbridge/internal/realtime"
	"github.com/mbd888/escrowbridge/internal/recorder"
	"github.com/mbd888/escrowbridge/internal/server"
	"github.com/mbd888/escrowbridge/internal/settle"
	"github.com/mbd888/escrowbridge/internal/sweeper"
	"github.com/mbd888/escrowbridge/internal/tailer"
	"github.com/mbd888/escrowbridge/internal/traces"
	"github.com/mbd888/escrowbridge/internal/webhooks"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	format := "text"
	if cfg.IsProduction() {
		format = "json"
	}
	logger := logging.New(cfg.LogLevel, format)

	logger.Info("starting escrowbridge",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
		"networks", len(cfg.Networks),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTraces(context.Background()) }()

	// Persistence: Postgres when DATABASE_URL is set, in-memory otherwise.
	var (
		recordStore  recorder.Store
		webhookStore webhooks.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()
		if err := db.PingContext(ctx); err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		recordStore = recorder.NewPostgresStore(db)
		webhookStore = webhooks.NewPostgresStore(db)
		go metrics.StartDBStatsCollector(ctx, db, 15*time.Second)
		logger.Info("using postgres persistence")
	} else {
		recordStore = recorder.NewMemoryStore()
		webhookStore = webhooks.NewMemoryStore()
		logger.Info("using in-memory persistence (DATABASE_URL not set)")
	}

	// One client, submitter, and bridge handle per configured network.
	bridges := make([]*chain.Bridge, 0, len(cfg.Networks))
	for _, net := range cfg.Networks {
		client, err := chain.Dial(net.RPCURL)
		if err != nil {
			logger.Error("failed to dial RPC", "network", net.Name, "error", err)
			os.Exit(1)
		}
		defer client.Close()

		chainID, err := client.ChainID(ctx)
		if err != nil {
			logger.Error("failed to query chain id", "network", net.Name, "error", err)
			os.Exit(1)
		}

		submitter, err := chain.NewSubmitter(client, cfg.PrivateKey, chainID, logger)
		if err != nil {
			logger.Error("failed to create submitter", "network", net.Name, "error", err)
			os.Exit(1)
		}

		bridge, err := chain.NewBridge(net.Name, common.HexToAddress(net.BridgeAddress), client, submitter, cfg.GasSafetyFactor)
		if err != nil {
			logger.Error("failed to create bridge handle", "network", net.Name, "error", err)
			os.Exit(1)
		}
		bridges = append(bridges, bridge)

		logger.Info("network connected",
			"network", net.Name,
			"chain_id", chainID,
			"bridge", net.BridgeAddress,
			"submitter", submitter.Address().Hex())
	}

	probers := make([]locator.Prober, len(bridges))
	for i, b := range bridges {
		probers[i] = b
	}
	loc := locator.New(probers, logger)

	rec := recorder.New(recordStore, logger)
	rec.Start(ctx)

	hub := realtime.NewHub(logger)
	go hub.Run(ctx)

	dispatcher := webhooks.NewDispatcher(webhookStore, logger)

	settleBridges := make(map[string]settle.Bridge, len(bridges))
	for _, b := range bridges {
		settleBridges[b.Network()] = b
	}
	coordinator := settle.NewCoordinator(settleBridges, logger,
		settle.WithDispatchInterval(cfg.DispatchInterval),
		settle.WithFinalizeAttempts(cfg.FinalizeAttempts),
		settle.WithPollDelay(cfg.FinalizeDelay),
		settle.WithTerminalHook(func(out settle.Outcome) {
			metrics.FinalizersTotal.WithLabelValues(out.Network, out.State.String()).Inc()
			metrics.SettlementDuration.Observe(out.Duration.Seconds())
			hub.BroadcastSettlementState(out.ID.String(), out.Network, out.State.String(), out.TxHash)

			eventType, ok := terminalEventType(out.State)
			if !ok {
				return
			}
			data := map[string]interface{}{"network": out.Network}
			if out.TxHash != "" {
				data["tx"] = out.TxHash
			}
			if out.Err != nil {
				data["error"] = out.Err.Error()
			}
			_ = dispatcher.Dispatch(ctx, &webhooks.Event{
				ID:        out.ID.String(),
				Type:      eventType,
				Network:   out.Network,
				Timestamp: time.Now().UTC(),
				Data:      data,
			})
		}),
	)
	go coordinator.Start(ctx)

	// Per-network event tailers feed the locator, the settlement
	// coordinator, the analytics recorder, and the realtime hub.
	for _, b := range bridges {
		bridge := b
		handlers := tailer.Handlers{
			OnInitialized: func(ctx context.Context, network string, ev chain.InitializedEvent) error {
				metrics.EventsObservedTotal.WithLabelValues(network, "initialized").Inc()
				loc.Seed(ev.EscrowID, network)
				coordinator.Register(ev.EscrowID, network)
				hub.BroadcastInitialized(ev.EscrowID.String(), network, ev.Payer.Hex())
				_ = dispatcher.Dispatch(ctx, &webhooks.Event{
					ID:        ev.EscrowID.String(),
					Type:      webhooks.EventEscrowInitialized,
					Network:   network,
					Timestamp: time.Now().UTC(),
					Data:      map[string]interface{}{"payer": ev.Payer.Hex(), "tx": ev.TxHash},
				})
				return nil
			},
			OnSettled: func(ctx context.Context, network string, ev chain.SettledEvent) error {
				metrics.EventsObservedTotal.WithLabelValues(network, "settled").Inc()
				loc.Seed(ev.EscrowID, network)

				row := recorder.NewRecord(ev, network, bridge.TokenDecimals(ctx), time.Now().UTC())
				if err := rec.Enqueue(ctx, row); err != nil {
					return err
				}
				metrics.SettlementsRecordedTotal.Inc()
				hub.BroadcastSettled(ev.EscrowID.String(), network, row.AmountSettledTokens, row.AmountSettledUsd)
				return nil
			},
		}
		go tailer.New(bridge, handlers, logger,
			tailer.WithInterval(cfg.TailInterval),
			tailer.WithLookback(cfg.LookbackBlocks),
		).Start(ctx)
	}

	sweepBridges := make([]sweeper.Bridge, len(bridges))
	for i, b := range bridges {
		sweepBridges[i] = b
	}
	go sweeper.New(sweepBridges, logger,
		sweeper.WithInterval(cfg.SweepInterval),
		sweeper.WithExpiredHook(func(network string, id escrowid.ID, txHash string) {
			metrics.EscrowsExpiredTotal.WithLabelValues(network).Inc()
			hub.BroadcastExpired(id.String(), network, txHash)
			_ = dispatcher.Dispatch(ctx, &webhooks.Event{
				ID:        id.String(),
				Type:      webhooks.EventEscrowExpired,
				Network:   network,
				Timestamp: time.Now().UTC(),
				Data:      map[string]interface{}{"tx": txHash},
			})
		}),
	).Start(ctx)

	rateBridges := make([]rates.Bridge, len(bridges))
	for i, b := range bridges {
		rateBridges[i] = b
	}
	cache := rates.New(rateBridges, logger,
		// Re-registering is idempotent; escrows whose finalizer timed out
		// get picked up again on the next pending refresh.
		rates.WithPendingHook(func(network string, id escrowid.ID) {
			coordinator.Register(id, network)
		}),
	)
	go cache.Start(ctx)

	var attestor server.Attestor
	if cfg.AttestationURL != "" {
		attestor = attest.New(cfg.AttestationURL, logger)
	} else {
		logger.Warn("attestation oracle not configured, /request_payment disabled")
	}

	serverBridges := make(map[string]server.Bridge, len(bridges))
	for _, b := range bridges {
		serverBridges[b.Network()] = b
	}

	// The watcher needs the server's status source and the server needs the
	// watcher, so the watcher delegates through a late-bound pointer.
	var srv *server.Server
	watcher := webhooks.NewStatusWatcher(func(ctx context.Context, id escrowid.ID) (string, bool) {
		return srv.StatusFor()(ctx, id)
	}, logger)

	srv = server.New(server.Config{
		Bridges:     serverBridges,
		Locator:     loc,
		Coordinator: coordinator,
		Rates:       cache,
		Records:     recordStore,
		Attestor:    attestor,
		Webhooks:    webhookStore,
		Watcher:     watcher,
		Hub:         hub,
		Logger:      logger,
		Development: cfg.IsDevelopment(),
	})

	go gaugeLoop(ctx, coordinator)

	if err := srv.Run(ctx, ":"+cfg.Port); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("escrowbridge stopped")
}

func terminalEventType(state settle.State) (webhooks.EventType, bool) {
	switch state {
	case settle.StateConfirmed:
		return webhooks.EventSettleConfirmed, true
	case settle.StateFailed:
		return webhooks.EventSettleFailed, true
	case settle.StateTimedOut:
		return webhooks.EventSettleTimedOut, true
	default:
		return "", false
	}
}

// gaugeLoop samples coordinator depth and goroutine count.
func gaugeLoop(ctx context.Context, coordinator *settle.Coordinator) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.PendingEscrows.Set(float64(len(coordinator.Pending())))
			metrics.ActiveFinalizers.Set(float64(coordinator.ActiveCount()))
			metrics.GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}
