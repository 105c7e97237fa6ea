package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"tableside/notify/internal/auth"
	"tableside/notify/internal/config"
	httpapi "tableside/notify/internal/http"
	"tableside/notify/internal/intake"
	"tableside/notify/internal/logging"
	"tableside/notify/internal/order"
	"tableside/notify/internal/store"
)

const tokenLeeway = 2 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.L().Fatal("invalid configuration", logging.Error(err))
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		logging.L().Fatal("logging setup failed", logging.Error(err))
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.AuthSecret == "" {
		logger.Fatal("NOTIFY_AUTH_SECRET must be configured")
	}
	verifier, err := auth.NewHMACVerifier(cfg.AuthSecret, tokenLeeway)
	if err != nil {
		logger.Fatal("auth setup failed", logging.Error(err))
	}

	var orderStore store.Store
	if cfg.PostgresDSN != "" {
		pg, err := store.ConnectPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("postgres setup failed", logging.Error(err))
		}
		defer pg.Close()
		orderStore = pg
	} else {
		logger.Warn("NOTIFY_POSTGRES_DSN not set, using in-memory order store")
		orderStore = store.NewMemory()
	}
	machine := order.NewMachine(orderStore)

	ordersSrv := NewServer("orders", cfg, logger, orderStore, machine, verifier)
	paymentsSrv := NewServer("payments", cfg, logger, orderStore, machine, verifier)

	var startup startupState
	started := time.Now()

	listeners := []struct {
		name string
		addr string
		srv  *Server
	}{
		{"orders", cfg.OrdersAddr, ordersSrv},
		{"payments", cfg.PaymentsAddr, paymentsSrv},
	}

	var httpServers []*http.Server
	for _, listener := range listeners {
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", listener.srv.ServeWS)
		server := &http.Server{Addr: listener.addr, Handler: mux}
		httpServers = append(httpServers, server)
		go listener.srv.Run(ctx)
		go func(name string, server *http.Server) {
			logger.Info("channel listening",
				logging.String("channel", name),
				logging.String("url", channelURL(server.Addr)))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				startup.record(err)
				logger.Error("channel listener failed", logging.String("channel", name), logging.Error(err))
			}
		}(listener.name, server)
	}

	requestAuth, err := httpapi.NewTokenAuthenticator(verifier)
	if err != nil {
		logger.Fatal("polling auth setup failed", logging.Error(err))
	}
	handlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:     logger,
		Started:    started,
		StartupErr: startup.err,
		Status: func() []httpapi.ChannelStatus {
			statuses := make([]httpapi.ChannelStatus, 0, 2)
			for _, srv := range []*Server{ordersSrv, paymentsSrv} {
				total, authenticated := srv.ClientCounts()
				statuses = append(statuses, httpapi.ChannelStatus{
					Name:          srv.name,
					Clients:       total,
					Authenticated: authenticated,
					Counters:      srv.Counters(),
				})
			}
			return statuses
		},
		Store:       orderStore,
		Machine:     machine,
		Broadcaster: ordersSrv,
		Auth:        requestAuth,
		RateLimiter: httpapi.NewSlidingWindowLimiter(cfg.StatusRateWindow, cfg.StatusRateBurst, nil),
	})
	opsMux := http.NewServeMux()
	handlers.Register(opsMux)
	opsServer := &http.Server{
		Addr:    cfg.OpsAddr,
		Handler: logging.HTTPTraceMiddleware(logger)(opsMux),
	}
	httpServers = append(httpServers, opsServer)
	go func() {
		logger.Info("ops surface listening", logging.String("url", listenerURL(cfg.OpsAddr)))
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			startup.record(err)
			logger.Error("ops listener failed", logging.Error(err))
		}
	}()

	if cfg.AMQPURL != "" {
		consumer := intake.NewConsumer(cfg.AMQPURL, cfg.IntakeQueue, ordersSrv, logger)
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("order intake stopped", logging.Error(err))
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, server := range httpServers {
		_ = server.Shutdown(shutdownCtx)
	}
}

// startupState records the first listener failure for the readiness handler.
type startupState struct {
	mu  sync.Mutex
	val error
}

func (s *startupState) record(err error) {
	s.mu.Lock()
	if s.val == nil {
		s.val = err
	}
	s.mu.Unlock()
}

func (s *startupState) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.val
}
