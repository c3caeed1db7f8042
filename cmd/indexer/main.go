package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/gatewaypay/receipts/internal/config"
	"github.com/gatewaypay/receipts/internal/indexer"
	"github.com/gatewaypay/receipts/internal/signing"
	"github.com/gatewaypay/receipts/internal/store"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}
	if cfg.Voucher.SigningKey == "" {
		log.Fatal("required config missing: VOUCHER_SIGNING_KEY")
	}
	voucherKey, err := crypto.HexToECDSA(cfg.Voucher.SigningKey)
	if err != nil {
		log.Fatal("invalid VOUCHER_SIGNING_KEY", zap.Error(err))
	}

	ctx := context.Background()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	voucherSigner := signing.NewSigner(voucherKey, cfg.Separator())

	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	api := r.Group("/api")
	indexer.NewHandler(store.New(rdb), voucherSigner, log).Register(api)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("indexer starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("voucher_signer", crypto.PubkeyToAddress(voucherKey.PublicKey).Hex()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}
