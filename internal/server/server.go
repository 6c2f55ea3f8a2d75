// Package server wires the HTTP surface, the websocket transport, and the
// session registry into one runnable relay application.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/e2echat/relay/internal/router"
	"github.com/e2echat/relay/internal/server/middleware"
	"github.com/e2echat/relay/pkg/config"
	"github.com/e2echat/relay/pkg/session"
	"github.com/e2echat/relay/pkg/session/sessionstore"
	"github.com/e2echat/relay/pkg/transport"
)

type App struct {
	logger      *slog.Logger
	sessions    session.Manager
	eventRouter *router.EventRouter
	wg          sync.WaitGroup
	http        *http.Server
	config      *config.Config
	startedAt   time.Time

	// live websocket connections per remote address, for the limiter.
	ipMu    sync.Mutex
	ipConns map[string]int

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config) *App {
	sessions := sessionstore.NewInMemoryManager(logger)
	eventRouter := router.NewEventRouter(logger, sessions)

	app := &App{
		logger:      logger,
		sessions:    sessions,
		eventRouter: eventRouter,
		config:      cfg,
		startedAt:   time.Now(),
		ipConns:     make(map[string]int),
		ctx:         rootCtx,
	}

	r := mux.NewRouter()
	r.Use(mux.MiddlewareFunc(middleware.RequestMetadataMiddleware()))
	r.Use(mux.MiddlewareFunc(middleware.NewRequestLogger(logger)))

	upgradeHandler := http.HandlerFunc(app.upgradeHandler)
	r.Handle("/ws",
		middleware.Chain(upgradeHandler,
			middleware.NewConnectionLimiter(
				logger,
				app.connectionsForIP,
				cfg.Server.ConnectionLimit,
			),
		),
	)
	r.HandleFunc("/", app.rootHandler).Methods(http.MethodGet)
	r.HandleFunc("/health", app.healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/ping", app.pingHandler).Methods(http.MethodGet)
	r.HandleFunc("/sessions", app.sessionsHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/reserve-session", app.reserveHandler).Methods(http.MethodPost)

	app.http = &http.Server{Addr: cfg.Server.Address, Handler: r, BaseContext: func(l net.Listener) context.Context {
		return app.ctx
	}}

	return app
}

func (a *App) Run() error {
	go a.sweepLoop()

	go func() {
		a.logger.Info("Relay starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

// sweepLoop periodically reclaims sessions nobody will come back to.
func (a *App) sweepLoop() {
	interval := a.config.Session.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case now := <-ticker.C:
			if evicted := a.sessions.Sweep(now, a.config.Session.EmptyGrace, a.config.Session.OrphanAfter); evicted > 0 {
				a.logger.Info("Swept idle sessions",
					slog.Int("evicted", evicted),
					slog.Int("remaining", a.sessions.Count()),
				)
			}
		}
	}
}

func (a *App) connectionsForIP(ip string) int {
	a.ipMu.Lock()
	defer a.ipMu.Unlock()
	return a.ipConns[ip]
}

func (a *App) acquireIP(ip string) {
	a.ipMu.Lock()
	defer a.ipMu.Unlock()
	a.ipConns[ip]++
}

func (a *App) releaseIP(ip string) {
	a.ipMu.Lock()
	defer a.ipMu.Unlock()
	if a.ipConns[ip] <= 1 {
		delete(a.ipConns, ip)
	} else {
		a.ipConns[ip]--
	}
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	connLogger := a.logger.With(slog.String("remoteAddr", reqMeta.IP))

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.ConnectionConfig(a.config.Transport),
		nil,
		nil,
		a.logger,
	)

	a.acquireIP(reqMeta.IP)
	a.eventRouter.Register(conn)

	conn.SetOnMessageHandler(func(ctx context.Context, connID uuid.UUID, msg []byte) {
		a.eventRouter.HandleMessage(conn, msg)
	})
	conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
		connLogger.Debug("Connection closed", slog.String("connID", id.String()), slog.Any("error", err))
		a.releaseIP(reqMeta.IP)
		a.eventRouter.Disconnect(id)
	})

	connLogger.Info("Connection established", slog.String("connID", conn.ID().String()))
	conn.Run()
	<-conn.Done()
}

// Shutdown performs the graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down relay...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	a.logger.Info("Closing all active connections...")
	a.eventRouter.CloseAll(errors.New("graceful shutdown"))

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()
	a.logger.Info("Relay shut down gracefully.")
	return nil
}
