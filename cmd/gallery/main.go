package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"drawgallery/internal/app"
	"drawgallery/internal/config"
	"drawgallery/internal/ratelimit"
	"drawgallery/internal/server"
	"drawgallery/internal/util"
	"drawgallery/pkg/queue"
	"drawgallery/pkg/storage"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)
	sessionTTL, err := config.ParseSessionTTL(cfg.SessionTTL)
	if err != nil {
		log.Fatalf("failed to parse session ttl: %v", err)
	}
	uploadTimeout, err := config.ParseUploadTimeout(cfg.UploadTimeout)
	if err != nil {
		log.Fatalf("failed to parse upload timeout: %v", err)
	}

	objects, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	if err != nil {
		log.Fatalf("failed to init object store: %v", err)
	}
	gateway, err := storage.NewGateway(objects, cfg.PublicBaseURL, uploadTimeout)
	if err != nil {
		log.Fatalf("failed to init blob gateway: %v", err)
	}

	cleanup, err := queue.New(queue.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		log.Fatalf("failed to init blob cleanup queue: %v", err)
	}

	var mailer app.Mailer
	if cfg.SMTPHost != "" {
		mailer = app.SMTPMailer{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPass,
			From:     cfg.SMTPFrom,
		}
	}

	appCore, err := app.New(app.Config{
		DatabaseURL:   cfg.DatabaseURL,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		JWTSecret:     cfg.JWTSecret,
		SessionTTL:    sessionTTL,
		UploadFolder:  cfg.UploadFolder,
		Blobs:         gateway,
		Cleaner:       cleanup,
		Mailer:        mailer,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	authLimiter, err := ratelimit.New(ratelimit.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		Prefix:   "gallery:ratelimit:auth",
		Limit:    10,
		Window:   time.Minute,
	})
	if err != nil {
		log.Fatalf("failed to init auth rate limiter: %v", err)
	}

	trustedProxies, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	httpServer := server.New(server.Config{
		App:            appCore,
		AuthLimiter:    authLimiter,
		TrustedProxies: trustedProxies,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := cleanup.Run(ctx, gateway.Delete); err != nil && ctx.Err() == nil {
			logger.Error("blob cleanup worker stopped", "err", err)
		}
	}()

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = cleanup.Close()
	}()

	slog.Info("gallery server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
