package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/tessilab/swapbridge/internal/config"
	"github.com/tessilab/swapbridge/internal/gateway"
	"github.com/tessilab/swapbridge/internal/logger"
	"github.com/tessilab/swapbridge/internal/model"
	"github.com/tessilab/swapbridge/internal/pricing"
	"github.com/tessilab/swapbridge/internal/repo"
	"github.com/tessilab/swapbridge/internal/service"
	httptransport "github.com/tessilab/swapbridge/internal/transport/http"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	// 1. load config
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	// 3. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := gdb.AutoMigrate(&model.Transaction{}, &model.NotificationEvent{}); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	// 5. kafka writer
	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}

	// 6. gateways & pricing
	rates, err := pricing.FromPricing(cfg.Pricing)
	if err != nil {
		log.Fatalf("parse pricing config: %v", err)
	}
	fiatGw := gateway.NewFiatClient(cfg.FiatGateway, log)
	cryptoGw := gateway.NewCryptoClient(cfg.CryptoGateway, log)

	// 7. repo & services
	repository := repo.NewRepository(gdb, rdb, kw, log)
	callTimeout := time.Duration(cfg.FiatGateway.TimeoutSeconds) * time.Second
	svc := service.NewExchangeService(repository, fiatGw, cryptoGw, rates, callTimeout, log)
	admin := service.NewAdminService(repository, svc, repository, log)

	// 8. gin router
	router := httptransport.NewRouter(svc, admin, cfg.RateLimit, log)

	// 9. serve
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Infof("swapbridge-server listening on %s", addr)
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("listen: %v", err)
	}
}
