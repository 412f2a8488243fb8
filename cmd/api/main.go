package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/voice-bridge/backend/internal/config"
	"github.com/zhouzirui/voice-bridge/backend/internal/handler"
	"github.com/zhouzirui/voice-bridge/backend/internal/service/session"
	"github.com/zhouzirui/voice-bridge/backend/internal/service/upstream"
	"github.com/zhouzirui/voice-bridge/backend/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	// Initialize the transcript gateway. An empty DATABASE_URL keeps
	// transcripts in process memory, which does not survive restarts.
	var gateway store.Gateway
	if cfg.Database.URL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.Database.URL)
		if err != nil {
			log.Fatalf("failed to initialize postgres store: %v", err)
		}
		defer pg.Close()
		gateway = pg
		log.Println("Transcript store: postgres")
	} else {
		gateway = store.NewMemoryStore()
		log.Println("Transcript store: in-memory (DATABASE_URL not set)")
	}

	registry := session.NewRegistry()
	connector := upstream.NewWSConnector(cfg.Upstream.Endpoint, cfg.Upstream.APIKey)

	router := handler.NewRouter(cfg, registry, gateway, connector)

	startServer(ctx, cfg.Server, router)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("Voice Bridge backend listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
