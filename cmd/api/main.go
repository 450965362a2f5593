package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"listy/api/internal/app"
	"listy/api/internal/auth"
	"listy/api/internal/collab"
	"listy/api/internal/config"
	"listy/api/internal/genai"
	"listy/api/internal/search"
	"listy/api/internal/session"
	"listy/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	pgSearch := search.NewPgLike(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgSearch)
	searchService.ReindexAllFromPG(ctx)

	service := app.New(cfg, dataStore).WithSearch(searchService)

	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for refresh token storage")
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStore.Close()
		service.WithSessions(redisStore)
	} else {
		log.Printf("Using PostgreSQL for refresh token storage")
	}

	if strings.TrimSpace(cfg.GoogleClientID) != "" {
		service.WithGoogleVerifier(auth.NewGoogleVerifier(cfg.GoogleClientID))
	} else {
		log.Printf("WARNING: GOOGLE_CLIENT_ID not set, sign-in is disabled")
	}

	if strings.TrimSpace(cfg.MistralAPIKey) != "" {
		service.WithGenerator(genai.NewClient(cfg.MistralAPIKey, cfg.MistralModel))
	} else {
		log.Printf("WARNING: MISTRAL_API_KEY not set, list generation is disabled")
	}

	hub := collab.NewHub()
	service.WithRooms(hub)
	gate := collab.NewGate([]byte(cfg.JWTSecret), dataStore)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	mux := http.NewServeMux()
	mux.Handle("/ws", collab.NewHandler(hub, gate, service))
	mux.Handle("/", httpServer.Handler())

	// No ReadTimeout or WriteTimeout: /ws connections are long-lived.
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Listy API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
