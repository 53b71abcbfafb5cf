package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"priceflow/config"
	"priceflow/internal/aggregate"
	"priceflow/internal/archive"
	"priceflow/internal/cache"
	"priceflow/internal/channel"
	"priceflow/internal/dedup"
	"priceflow/internal/feed"
	"priceflow/internal/metrics"
	"priceflow/internal/model"
	"priceflow/internal/publish"
	"priceflow/internal/store"
	"priceflow/internal/supervisor"
	"priceflow/internal/validator"
	"priceflow/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Priceflow.Name,
		"version": cfg.Priceflow.Version,
	}).Info("starting priceflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace)
	}
	if cfg.Metrics.Prometheus.Enabled {
		metrics.Init(cfg.Metrics.Prometheus.Addr)
	}

	channels := channel.NewChannels(cfg.Channels.NormBuffer, cfg.Channels.AggBuffer)
	defer channels.Close()

	var pg *store.Postgres
	if cfg.Storage.Postgres.Enabled {
		pg, err = store.NewPostgres(ctx, cfg.Storage.Postgres.DSN, 5*time.Second)
		if err != nil {
			log.WithError(err).Error("failed to connect to postgres")
			os.Exit(1)
		}
		defer pg.Close()
	} else {
		log.WithComponent("main").Info("postgres disabled; records will not be persisted")
	}

	var redisCache *cache.Redis
	if cfg.Storage.Redis.Enabled {
		redisCache = cache.NewRedis(
			cfg.Storage.Redis.Addr,
			cfg.Storage.Redis.Password,
			cfg.Storage.Redis.DB,
			cfg.Storage.Redis.PriceTTL,
			cfg.Storage.Redis.RealtimeTTL,
		)
		defer redisCache.Close()
	} else {
		log.WithComponent("main").Info("redis disabled; latest-price cache is off")
	}

	var broker *publish.KafkaBroker
	if cfg.Storage.Kafka.Enabled {
		broker, err = publish.NewKafkaBroker(cfg.Storage.Kafka)
		if err != nil {
			log.WithError(err).Error("failed to create kafka broker")
			os.Exit(1)
		}
		defer broker.Close()
	} else {
		log.WithComponent("main").Info("kafka disabled; records will not be published to the broker")
	}

	var archiver *archive.Archiver
	if cfg.Storage.S3.Enabled {
		archiver, err = archive.NewArchiver(cfg)
		if err != nil {
			log.WithError(err).Error("failed to create archiver")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("s3 archive disabled")
	}

	// Without a durable store there is nothing to deduplicate against, so
	// the publisher falls through to its direct cache path instead.
	var writer publish.NormWriter
	if pg != nil {
		var dedupCache dedup.Cache
		if redisCache != nil {
			dedupCache = redisCache
		}
		writer = dedup.NewWriter(pg, dedupCache)
	}

	window := aggregate.NewWindow(cfg, cfg.Channels.NormBuffer, func(ctx context.Context, rec model.AggregatedRecord) bool {
		return channels.SendAgg(ctx, rec)
	})

	var pubCache publish.Cache
	var pubAggStore publish.AggStore
	var pubBroker publish.Broker
	var pubArchive publish.Archive
	if redisCache != nil {
		pubCache = redisCache
	}
	if pg != nil {
		pubAggStore = pg
	}
	if broker != nil {
		pubBroker = broker
	}
	if archiver != nil {
		pubArchive = archiver
	}
	publisher := publish.NewPublisher(cfg, channels, writer, pubCache, pubAggStore, pubBroker, pubArchive)

	emitter := feed.NewEmitter(validator.New(cfg.Validator.MaxPrice), channels, window)

	var binanceRest *feed.BinanceRest
	if cfg.Feeds.Binance.Rest.Enabled {
		binanceRest = feed.NewBinanceRest(cfg, emitter)
	}

	var adapters []supervisor.Adapter
	if cfg.Feeds.Binance.WS.Enabled {
		adapters = append(adapters, feed.NewBinanceWS(cfg, emitter))
	}
	if cfg.Feeds.Coinbase.Enabled {
		adapters = append(adapters, feed.NewCoinbaseWS(cfg, emitter))
	}
	if cfg.Feeds.Bybit.Enabled {
		adapters = append(adapters, feed.NewBybitWS(cfg, emitter))
	}
	sup := supervisor.NewSupervisor(cfg, adapters)

	if archiver != nil {
		if err := archiver.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start archiver")
			os.Exit(1)
		}
	}
	if err := window.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start aggregation window")
		os.Exit(1)
	}
	if err := publisher.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start publisher")
		os.Exit(1)
	}
	if binanceRest != nil {
		if err := binanceRest.Start(ctx); err != nil {
			log.WithError(err).Warn("binance rest adapter failed to start")
		}
	}
	if len(adapters) > 0 {
		if err := sup.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start reconnect supervisor")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Warn("no streaming feeds enabled")
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	if len(adapters) > 0 {
		log.Info("stopping reconnect supervisor")
		sup.Stop()
	}
	if binanceRest != nil {
		log.Info("stopping binance rest adapter")
		binanceRest.Stop()
	}

	// The window flushes its open buckets into the aggregated channel on
	// shutdown, so it has to finish before the publisher drains and exits.
	log.Info("stopping aggregation window")
	window.Stop()

	log.Info("stopping publisher")
	publisher.Stop()

	if archiver != nil {
		log.Info("stopping archiver")
		archiver.Stop()
	}

	log.Info("priceflow stopped")
}
