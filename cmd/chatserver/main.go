// chatserver runs the company messaging service: the WebSocket broker on
// one listener and the REST history API on another, both backed by the same
// Postgres store and connection registry.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Netflix/go-env"
	"github.com/redis/go-redis/v9"

	"github.com/campuslink/messenger/internal/auth"
	"github.com/campuslink/messenger/internal/broker"
	"github.com/campuslink/messenger/internal/directory"
	"github.com/campuslink/messenger/internal/events"
	"github.com/campuslink/messenger/internal/httpapi"
	"github.com/campuslink/messenger/internal/message"
	"github.com/campuslink/messenger/internal/ratelimit"
	"github.com/campuslink/messenger/internal/registry"
	"github.com/campuslink/messenger/internal/ws"
)

func main() {
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		log.Fatalf("config: %v", err)
	}

	// --- Postgres ---
	store, err := message.OpenPostgres(config.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to open postgres: %v", err)
	}
	dir := directory.NewPostgres(store.DB())

	// --- Redis (optional) ---
	var limiter *ratelimit.Limiter
	if config.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     config.RedisAddr,
			Password: config.RedisPassword,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		cancel()
		limiter = ratelimit.NewLimiter(rdb)
	} else {
		log.Printf("REDIS_ADDR not set, rate limiting disabled")
	}

	// --- NATS (optional) ---
	var publisher *events.Publisher
	if config.NATSURL != "" {
		natsConfig := events.DefaultConfig()
		natsConfig.URL = config.NATSURL
		publisher, err = events.Connect(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
	} else {
		log.Printf("NATS_URL not set, event publishing disabled")
	}

	validator := auth.NewValidator([]byte(config.JWTSecret))
	reg := registry.New()
	b := broker.New(store, reg, dir, validator, limiter, publisher)

	log.Printf("messenger starting")
	log.Printf("  ws_addr:         %s", config.WSAddr)
	log.Printf("  api_addr:        %s", config.APIAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  read_timeout:    %s", config.ReadTimeout)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)

	wsConfig := ws.ServerConfig{
		ListenAddr:     config.WSAddr,
		WorkerPoolSize: config.WorkerPoolSize,
		MaxConnections: config.MaxConnections,
		ReadTimeout:    config.ReadTimeout,
		WriteTimeout:   config.WriteTimeout,
		AuthTimeout:    config.AuthTimeout,
	}

	server := ws.NewServer(wsConfig, b.Authenticate, func(conn *ws.Connection, data []byte) {
		b.HandleFrame(conn, conn.TenantID, conn.UserID, data)
	})
	server.SetOnOpen(func(conn *ws.Connection) {
		b.HandleOpen(conn.TenantID, conn.UserID, conn)
	})
	server.SetOnClose(func(conn *ws.Connection) {
		b.HandleClose(conn.TenantID, conn.UserID, conn)
	})

	api := httpapi.New(store, b, dir, validator, publisher)
	apiServer := &http.Server{
		Addr:              config.APIAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: config.AuthTimeout,
	}

	go func() {
		log.Printf("api: listening on %s", config.APIAddr)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("api server error: %v", err)
		}
	}()

	// Graceful shutdown: stop listeners, close connections, drain NATS,
	// close the store.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := apiServer.Shutdown(ctx); err != nil {
			log.Printf("api shutdown error: %v", err)
		}
		if err := server.Shutdown(); err != nil {
			log.Printf("ws shutdown error: %v", err)
		}
		publisher.Close()
		if err := store.Close(); err != nil {
			log.Printf("store close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
