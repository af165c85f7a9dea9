package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"concert-session/config"
	"concert-session/shared"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := shared.NewLogger(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("edge server stopped", zap.Error(err))
	}
	logger.Info("edge server stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting edge server")

	nc, err := connectNATS(cfg.NATS, logger)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer nc.Close()
	logger.Info("connected to nats", zap.String("url", nc.ConnectedUrl()))

	broker := newNATSBroker(nc, logger)
	relay := &bookingRelay{
		baseURL: cfg.Edge.BookingServiceURL,
		hc:      &http.Client{Timeout: cfg.Booking.RequestTimeout},
	}
	gw := newGateway(newHub(broker, logger), newActionRouter(broker, relay, cfg.Booking.LeaveTimeout, logger),
		[]byte(cfg.Auth.JWTSecret), cfg.Edge.SendBuffer, logger)

	srv := &http.Server{
		Addr:        ":" + cfg.Edge.Port,
		Handler:     gw.routes(),
		ReadTimeout: cfg.HTTP.ReadTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("edge server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down edge server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		gw.hub.closeAll()
		gw.actions.wait()
		return err
	})
	return g.Wait()
}

func connectNATS(cfg config.NATSConfig, logger *zap.Logger) (*nats.Conn, error) {
	return nats.Connect(cfg.URL,
		nats.Name(cfg.Name+"-edge"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			logger.Error("nats error", zap.Error(err))
		}),
	)
}

// gateway owns the HTTP surface of the edge server.
type gateway struct {
	hub        *Hub
	actions    *actionRouter
	secret     []byte
	sendBuffer int
	upgrader   websocket.Upgrader
	logger     *zap.Logger
}

func newGateway(hub *Hub, actions *actionRouter, secret []byte, sendBuffer int, logger *zap.Logger) *gateway {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &gateway{
		hub:        hub,
		actions:    actions,
		secret:     secret,
		sendBuffer: sendBuffer,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

func (gw *gateway) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP, middleware.Recoverer)
	r.Get(shared.WebSocketEndpoint, gw.handleWebSocket)
	r.Get(shared.APIEndpointHealth, gw.handleHealth)
	r.Get("/stats", gw.handleStats)
	return r
}

// handleWebSocket checks the bearer credential before upgrading, so a
// rejected client sees a plain 401.
func (gw *gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	raw, err := shared.BearerFromRequest(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, shared.ErrorResponse{Error: err.Error()})
		return
	}
	claims, err := shared.ParseToken(gw.secret, raw)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, shared.ErrorResponse{Error: err.Error()})
		return
	}

	conn, err := gw.upgrader.Upgrade(w, r, nil)
	if err != nil {
		gw.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	id := uuid.NewString()
	client := &Client{
		hub:         gw.hub,
		actions:     gw.actions,
		conn:        conn,
		logger:      gw.logger.With(zap.String("client_id", id), zap.String("user_id", claims.UserID)),
		send:        make(chan []byte, gw.sendBuffer),
		id:          id,
		userID:      claims.UserID,
		rawToken:    raw,
		connectedAt: time.Now(),
		subs:        make(map[string]string),
	}
	gw.hub.register(client)

	go client.writePump()
	go client.readPump()
}

func (gw *gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "edge-server"})
}

func (gw *gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, gw.hub.GetStats())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
