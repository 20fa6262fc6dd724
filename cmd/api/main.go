package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"voicecanvas/api/internal/app"
	"voicecanvas/api/internal/config"
	"voicecanvas/api/internal/journal"
	"voicecanvas/api/internal/outbox"
	"voicecanvas/api/internal/search"
	"voicecanvas/api/internal/session"
	"voicecanvas/api/internal/speech"
	"voicecanvas/api/internal/store"
	"voicecanvas/api/internal/thumbnail"
)

func newLogger(level string) *slog.Logger {
	var lv slog.Level
	if err := lv.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lv = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lv}))
}

func main() {
	_ = godotenv.Load(".env")

	cfg, err := config.LoadFile(os.Getenv("VOICECANVAS_CONFIG"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}
	dataStore := store.NewPostgresStore(db)

	sessions, err := session.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer sessions.Close()

	speechClient := speech.NewClient(speech.Config{
		BaseURL: cfg.SpeechURL,
		Timeout: cfg.SpeechTimeout,
		RPS:     cfg.SpeechRPS,
	})

	var rasterizer thumbnail.Rasterizer = thumbnail.Unavailable{}
	if browser, err := thumbnail.FindBrowser(cfg.ChromePath); err != nil {
		logger.Warn("thumbnails disabled", "error", err)
	} else if chrome, err := thumbnail.NewChromeRasterizer(browser, logger); err != nil {
		logger.Warn("thumbnails disabled", "browser", browser, "error", err)
	} else {
		defer chrome.Close()
		rasterizer = chrome
	}

	recorder, err := journal.New(ctx, journal.Config{
		Endpoint:  cfg.JournalEndpoint,
		AccessKey: cfg.JournalAccessKey,
		SecretKey: cfg.JournalSecretKey,
		Bucket:    cfg.JournalBucket,
		UseSSL:    cfg.JournalUseSSL,
		Logger:    logger,
	})
	if err != nil {
		logger.Warn("command journal disabled", "error", err)
		recorder = nil
	}

	var index search.Index
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
		index = meiliClient
	}

	deps := app.Deps{
		Store:      dataStore,
		Sessions:   sessions,
		Commands:   outbox.NewRedisOutbox(sessions.Client()),
		Speech:     speechClient,
		Rasterizer: rasterizer,
		Search:     search.NewService(index, dataStore, logger),
		Logger:     logger,
	}
	if recorder.Enabled() {
		deps.Journal = recorder
	}
	service := app.New(cfg, deps)

	if err := service.WatchRevocations(ctx); err != nil {
		log.Fatalf("revocation watch failed: %v", err)
	}
	if err := service.RunReaper(ctx, cfg.ReaperCron); err != nil {
		log.Fatalf("reaper: %v", err)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      3 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("voicecanvas api listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	service.Shutdown(shutdownCtx)
	recorder.Wait()
}
