// Package server exposes the coordinator's HTTP API.
//
// Read endpoints serve cached or on-chain state; the two write endpoints
// open new escrows and register status webhooks. The WebSocket endpoint
// streams live escrow events.
package server

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowbridge/internal/chain"
	"github.com/mbd888/escrowbridge/internal/escrowid"
	"github.com/mbd888/escrowbridge/internal/metrics"
	"github.com/mbd888/escrowbridge/internal/realtime"
	"github.com/mbd888/escrowbridge/internal/recorder"
	"github.com/mbd888/escrowbridge/internal/settle"
	"github.com/mbd888/escrowbridge/internal/webhooks"
)

// Bridge is the per-network surface the API reads and writes.
type Bridge interface {
	Network() string
	IsSettled(ctx context.Context, id escrowid.ID) (bool, error)
	Payment(ctx context.Context, id escrowid.ID) (*chain.Payment, error)
	MaxEscrowTime(ctx context.Context) (uint64, error)
	FeeBasisPoints(ctx context.Context) (uint64, uint64, error)
	TokenDecimals(ctx context.Context) int
	InitPayment(ctx context.Context, id, emailHash escrowid.ID, amount *big.Int, receiver common.Address) (*chain.SubmitResult, error)
}

// Locator resolves which network holds an escrow.
type Locator interface {
	Find(ctx context.Context, id escrowid.ID) (string, error)
}

// Coordinator is the settlement pipeline surface the API queries.
type Coordinator interface {
	Register(id escrowid.ID, network string) bool
	Pending() []settle.Entry
	FinalizerState(id escrowid.ID) (settle.State, bool)
}

// RateSource serves the cached exchange-rate and pending-ids snapshots.
type RateSource interface {
	Rates() (map[string]float64, time.Time)
	Pending() map[string][]string
}

// Attestor registers new settlements with the attestation oracle.
type Attestor interface {
	RegisterSettlement(ctx context.Context, salt [32]byte, settlementID, recipientEmail string) (string, error)
}

// Server wires the HTTP API together.
type Server struct {
	bridges     map[string]Bridge
	locator     Locator
	coordinator Coordinator
	rates       RateSource
	records     recorder.Store
	attestor    Attestor
	webhookSub  webhooks.Store
	watcher     *webhooks.StatusWatcher
	hub         *realtime.Hub
	logger      *slog.Logger
	engine      *gin.Engine
}

// Config bundles the server's dependencies.
type Config struct {
	Bridges     map[string]Bridge
	Locator     Locator
	Coordinator Coordinator
	Rates       RateSource
	Records     recorder.Store
	Attestor    Attestor
	Webhooks    webhooks.Store
	Watcher     *webhooks.StatusWatcher
	Hub         *realtime.Hub
	Logger      *slog.Logger
	Development bool
}

// New builds the server and its routes.
func New(cfg Config) *Server {
	if !cfg.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		bridges:     cfg.Bridges,
		locator:     cfg.Locator,
		coordinator: cfg.Coordinator,
		rates:       cfg.Rates,
		records:     cfg.Records,
		attestor:    cfg.Attestor,
		webhookSub:  cfg.Webhooks,
		watcher:     cfg.Watcher,
		hub:         cfg.Hub,
		logger:      cfg.Logger,
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(metrics.Middleware())
	s.engine = engine
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/metrics", metrics.Handler())

	s.engine.GET("/status/:id", s.handleStatus)
	s.engine.GET("/escrow_info/:id", s.handleEscrowInfo)
	s.engine.GET("/exchange_rates", s.handleExchangeRates)
	s.engine.GET("/pending_ids", s.handlePendingIDs)
	s.engine.GET("/events", s.handleEvents)
	s.engine.GET("/max_escrow_time", s.handleMaxEscrowTime)
	s.engine.GET("/fee", s.handleFee)
	s.engine.GET("/supported_networks", s.handleSupportedNetworks)

	s.engine.POST("/request_payment", s.handleRequestPayment)
	s.engine.POST("/webhook", s.handleRegisterWebhook)

	if s.hub != nil {
		s.engine.GET("/ws", func(c *gin.Context) {
			s.hub.HandleWebSocket(c.Writer, c.Request)
		})
		s.engine.GET("/ws/stats", s.handleWSStats)
	}
}

// Router exposes the gin engine for tests.
func (s *Server) Router() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.logger.Info("http server listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
