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

	"github.com/gagliardetto/solana-go"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"SubscriptionPay/internal/config"
	"SubscriptionPay/internal/db"
	"SubscriptionPay/internal/handler"
	"SubscriptionPay/internal/middleware"
	"SubscriptionPay/internal/reconciler"
	"SubscriptionPay/internal/services"
	"SubscriptionPay/utils"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("读取配置失败: ", err)
	}
	logger := utils.NewLogger(cfg.App.LogLevel, cfg.App.LogFormat)

	// 连接数据库并迁移表结构
	dbConn, err := db.Open(cfg.Database.Driver, cfg.DatabaseDSN())
	if err != nil {
		logger.WithError(err).Fatal("database connect failed")
	}
	if err := db.Migrate(dbConn); err != nil {
		logger.WithError(err).Fatal("database migrate failed")
	}
	logger.WithField("driver", cfg.Database.Driver).Info("database ready")

	// 未配置 redis 时使用进程内缓存
	var cache services.Cache = services.NewMemoryCache()
	if cfg.Redis.URL != "" {
		rc, err := services.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			logger.WithError(err).Fatal("redis connect failed")
		}
		defer rc.Close()
		cache = rc
	}

	rules, err := services.NewPlanRules(cfg.Plans.MinimumAmount, cfg.Plans.MonthlyThreshold, cfg.Plans.YearlyThreshold)
	if err != nil {
		logger.WithError(err).Fatal("invalid plan rules")
	}

	asset, err := solana.PublicKeyFromBase58(cfg.Solana.USDCMint)
	if err != nil {
		logger.WithError(err).Fatal("invalid solana.usdc_mint")
	}
	receiver, err := solana.PublicKeyFromBase58(cfg.Solana.Receiver)
	if err != nil {
		logger.WithError(err).Fatal("invalid solana.receiver")
	}

	svc, err := services.NewPaymentService(services.PaymentServiceOptions{
		Network:        services.NewRPCNetwork(cfg.Solana.RPCURL),
		Cache:          cache,
		CacheTTL:       cfg.Redis.CacheTTL,
		Ledger:         services.NewSubscriptionLedger(dbConn, rules, logger),
		Asset:          asset,
		Receiver:       receiver,
		CreateReceiver: cfg.Solana.CreateReceiverAccount,
		Budget: services.BudgetConfig{
			DefaultComputeUnits: cfg.Solana.DefaultComputeUnits,
			MaxComputeUnits:     cfg.Solana.MaxComputeUnits,
			MarginPercent:       cfg.Solana.ComputeMarginPercent,
			MinPriorityFee:      cfg.Solana.MinPriorityFee,
			MaxPriorityFee:      cfg.Solana.MaxPriorityFee,
			LogTail:             cfg.Solana.SimulationLogTail,
		},
		Submit: services.SubmitConfig{
			PollInterval:      cfg.Confirm.PollInterval,
			MaxAttempts:       cfg.Confirm.MaxAttempts,
			Timeout:           cfg.Confirm.Timeout,
			SendRetries:       cfg.Confirm.SendRetries,
			SendRetryInterval: cfg.Confirm.SendRetryInterval,
		},
		Extraction:      cfg.Payment.Extraction,
		PendingExpiry:   cfg.App.PendingExpiry,
		ExplorerCluster: cfg.Solana.ExplorerCluster,
		Logger:          logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("payment service init failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 后台核对 pending 支付
	rec, err := reconciler.New(svc, reconciler.Config{
		Interval:     cfg.App.ReconcileEvery,
		PendingGrace: cfg.App.PendingGrace,
		WSURL:        cfg.Solana.WSURL,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("reconciler init failed")
	}
	go rec.Start(ctx)

	limiter := middleware.NewRateLimiter(cfg.App.RateLimitRPS, cfg.App.RateLimitBurst)
	go limiter.Cleanup(ctx.Done())

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(
		gin.Recovery(),
		middleware.RequestID(),
		middleware.Logger(logger),
		cors.New(corsConfig(cfg.App.CORSOrigins)),
		limiter.Middleware(),
	)
	handler.New(svc, dbConn, cfg.App.ReadyDelay, logger).RegisterRoutes(r)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.App.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.WithField("addr", srv.Addr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("http server failed")
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("http server shutdown")
	}
}

func corsConfig(origins []string) cors.Config {
	c := cors.DefaultConfig()
	c.AllowHeaders = append(c.AllowHeaders, middleware.RequestIDHeader)
	c.ExposeHeaders = []string{middleware.RequestIDHeader}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = origins
	}
	return c
}
