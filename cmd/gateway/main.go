package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatgate/config"
	"chatgate/logger"
	"chatgate/service/cache"
	"chatgate/service/dispatcher"
	"chatgate/service/fanout"
	"chatgate/service/gateway"
	"chatgate/service/ratelimit"
	"chatgate/service/seq"
	"chatgate/service/storage"
	"chatgate/service/store"
	"chatgate/tools/ids"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Errorf("[main] config: %v", err)
		os.Exit(1)
	}
	ids.SetNodeID(cfg.NodeID)

	rdb, err := storage.NewRedis(storage.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: cfg.RedisPoolSize,
	})
	if err != nil {
		logger.Errorf("[main] redis: %v", err)
		os.Exit(1)
	}
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pg, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	cancel()
	if err != nil {
		logger.Errorf("[main] postgres: %v", err)
		os.Exit(1)
	}
	defer pg.Close()

	var limiterOpts []ratelimit.Option
	if !cfg.RateLimitFailOpen {
		limiterOpts = append(limiterOpts, ratelimit.WithFailClosed())
	}

	deps := gateway.Deps{
		Auth:      gateway.NewJWTAuthenticator([]byte(cfg.JWTSecret)),
		Limiter:   ratelimit.NewLimiter(rdb, limiterOpts...),
		Sequencer: seq.NewSequencer(rdb, cfg.DedupWindow),
		Cache:     cache.NewMessageCache(rdb, pg, pg, cfg.CacheTTL),
		Messages:  pg,
		Members:   pg,
		Presence:  storage.NewPresence(rdb, cfg.PresenceTTL),
		Typing:    storage.NewTyping(rdb, cfg.TypingTTL),
	}

	// Archival pipeline is optional: a dead Kafka must not block chat.
	if len(cfg.KafkaBrokers) > 0 {
		producer, perr := dispatcher.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		if perr != nil {
			logger.Warnf("[main] kafka unavailable, archival disabled: %v", perr)
		} else {
			deps.Archive = producer
			defer producer.Close()
		}
	}

	srv := gateway.NewServer(gateway.Conf{
		SendQueueSize:    cfg.SendQueueSize,
		MaxContentLength: cfg.MaxContentLength,
		IdleTimeout:      cfg.IdleTimeout,
		PresenceGrace:    cfg.PresenceGrace,
	}, deps)
	defer srv.Close()

	// Broker failure degrades to local-only delivery, it does not abort boot.
	broker, err := fanout.NewNatsBroker(fanout.Config{
		URL:  cfg.NatsURL,
		Name: "chatgate",
	}, srv.OnEvent)
	if err != nil {
		logger.Warnf("[main] nats unavailable, local-only fanout: %v", err)
	} else {
		srv.SetBroker(broker)
		defer broker.Close()
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	srv.RegisterRoutes(r)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go func() {
		logger.Infof("[main] listening on %s", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("[main] http server: %v", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Infof("[main] shutting down")
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Warnf("[main] shutdown: %v", err)
	}
}
