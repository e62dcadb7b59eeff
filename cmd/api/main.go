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

	"github.com/AaraikAI/Abode-AI-sub013/internal/app"
	"github.com/AaraikAI/Abode-AI-sub013/internal/archive"
	"github.com/AaraikAI/Abode-AI-sub013/internal/collab"
	"github.com/AaraikAI/Abode-AI-sub013/internal/config"
	"github.com/AaraikAI/Abode-AI-sub013/internal/mirror"
	"github.com/AaraikAI/Abode-AI-sub013/internal/relay"
	"github.com/AaraikAI/Abode-AI-sub013/internal/search"
	"github.com/AaraikAI/Abode-AI-sub013/internal/store"
)

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	logger := log.Default()

	var mirrorService *mirror.Service
	if strings.TrimSpace(cfg.MirrorDir) != "" {
		if err := os.MkdirAll(cfg.MirrorDir, 0o755); err != nil {
			log.Fatalf("failed to create mirror dir: %v", err)
		}
		mirrorService = mirror.New(cfg.MirrorDir)
	}

	var archiveService *archive.Service
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		archiveService, err = archive.New(archive.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		}, logger)
		if err != nil {
			log.Fatalf("minio connection failed: %v", err)
		}
	}

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)

	registry := collab.NewRegistry(cfg.CursorQueueSize)
	collabService := collab.NewService(dataStore, registry, logger)
	collabService.SetAnnotationIndex(searchService)
	wsHandler := collab.NewWSHandler(collabService, []byte(cfg.TokenSecret), logger)

	var runRelay *relay.Relay
	if strings.TrimSpace(cfg.RedisURL) != "" {
		runRelay, err = relay.New(cfg.RedisURL, collabService, logger)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer runRelay.Close()
		if err := runRelay.Start(ctx); err != nil {
			log.Fatalf("run relay failed: %v", err)
		}
	}

	deps := app.ServiceDeps{
		Store:       dataStore,
		TokenSecret: []byte(cfg.TokenSecret),
		Search:      searchService,
		Live:        collabService,
		Logger:      logger,
	}
	if mirrorService != nil {
		deps.Mirror = mirrorService
	}
	if archiveService != nil {
		deps.Archive = archiveService
	}
	if runRelay != nil {
		deps.Relay = runRelay
	}
	service := app.NewService(deps)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, cfg.SyncToken, wsHandler)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No read/write deadlines: collaboration websockets stay open
		// far longer than any sane request timeout.
	}

	go func() {
		log.Printf("Abode API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
