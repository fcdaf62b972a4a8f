package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"claimdesk.org/internal/auth"
	"claimdesk.org/internal/bulk"
	"claimdesk.org/internal/config"
	"claimdesk.org/internal/expense"
	"claimdesk.org/internal/feed"
	"claimdesk.org/internal/httpapi"
	"claimdesk.org/internal/membership"
	"claimdesk.org/internal/obs"
	"claimdesk.org/internal/receipts"
	"claimdesk.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = ""
)

func main() {
	log := obs.Logger()
	defer func() { _ = log.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("load config", zap.Error(err))
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store expense.Store = expense.NewInMemory()
	var registry membership.Registry = membership.NewInMemory()
	var ready httpapi.ReadyProbe
	var pgStore *pg.Store
	if cfg.PGDSN != "" {
		pgStore, err = pg.Open(cfg.PGDSN)
		if err != nil {
			log.Fatal("open postgres", zap.Error(err))
		}
		store, registry = pgStore, pgStore
		ready = httpapi.ReadyProbe{DB: pgStore.DB()}
	}

	var rec receipts.Service = receipts.NewMemory(cfg.ReceiptsBaseURL)
	if cfg.S3Bucket != "" {
		s3Store, err := receipts.NewS3FromConfig(ctx, receipts.S3Config{
			Bucket:        cfg.S3Bucket,
			Region:        cfg.S3Region,
			Endpoint:      cfg.S3Endpoint,
			AccessKey:     cfg.S3AccessKey,
			SecretKey:     cfg.S3SecretKey,
			PublicBaseURL: cfg.ReceiptsBaseURL,
		})
		if err != nil {
			log.Fatal("init receipts store", zap.Error(err))
		}
		rec = s3Store
	}

	dir, err := membership.NewDirectory(ctx, registry)
	if err != nil {
		log.Fatal("load project membership", zap.Error(err))
	}
	bus := feed.NewBus(cfg.FeedBuffer)
	dir.OnChange(bus.MembershipChanged)

	resolver := expense.NewResolver(dir)
	svc := expense.NewService(store, resolver,
		expense.WithReceipts(rec),
		expense.WithNotifier(bus),
	)
	tokens, err := auth.NewTokens(cfg.AuthSecret)
	if err != nil {
		log.Fatal("init tokens", zap.Error(err))
	}

	deps := httpapi.Deps{
		Expenses:  svc,
		Feed:      feed.NewHub(bus, store, resolver),
		Bulk:      bulk.New(svc, cfg.BulkConcurrency, cfg.BulkItemTimeout),
		Projects:  dir,
		Tokens:    tokens,
		TokenTTL:  cfg.TokenTTL,
		DevTokens: cfg.DevTokens,
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		bridge := feed.NewRedisBridge(rdb, cfg.RedisChannel, bus)
		bridge.OnRemote(func(ctx context.Context, evt feed.Event) {
			if evt.Kind != feed.KindMembership {
				return
			}
			// Another instance changed projects; reload ours so visibility matches.
			if _, err := dir.Refresh(ctx); err != nil {
				log.Warn("refresh membership", zap.Error(err))
			}
		})
		go func() {
			if err := bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("redis bridge stopped", zap.Error(err))
			}
		}()
	}

	api := httpapi.New(ready, version, deps, httpapi.Options{
		RateBurst:    cfg.RateLimitBurst,
		RatePerSec:   cfg.RateLimitRPS,
		MaxBodyBytes: cfg.MaxBodyBytes,
		CORSOrigins:  cfg.CORSOrigins,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// streams stay open; the write deadline is left to the handlers
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	grpcSrv := httpapi.NewGRPCServer(ready, deps).NewServer()
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatal("listen grpc", zap.String("addr", cfg.GRPCAddr), zap.Error(err))
	}

	log.Info("starting claimdesk-api",
		zap.String("version", version),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("grpc_addr", cfg.GRPCAddr),
		zap.Bool("postgres", pgStore != nil),
		zap.Bool("s3", cfg.S3Bucket != ""),
		zap.Bool("redis", rdb != nil),
	)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("http listen", zap.Error(err))
		}
	}()
	go func() {
		if err := grpcSrv.Serve(lis); err != nil {
			log.Error("grpc serve", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	grpcStopped := make(chan struct{})
	go func() {
		grpcSrv.GracefulStop()
		close(grpcStopped)
	}()
	select {
	case <-grpcStopped:
	case <-shutdownCtx.Done():
		grpcSrv.Stop()
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	if pgStore != nil {
		_ = pgStore.Close()
	}
	log.Info("stopped")
}
