package wire

import (
	"github.com/Digital-Creators-Team/jackpot-settlement-module/config"
	"github.com/Digital-Creators-Team/jackpot-settlement-module/db/postgres"
	"github.com/Digital-Creators-Team/jackpot-settlement-module/db/redis"
	"github.com/Digital-Creators-Team/jackpot-settlement-module/events/kafka"
	"github.com/Digital-Creators-Team/jackpot-settlement-module/logging"
	"github.com/Digital-Creators-Team/jackpot-settlement-module/pkg/settlement"
	"github.com/Digital-Creators-Team/jackpot-settlement-module/provider"
	"github.com/Digital-Creators-Team/jackpot-settlement-module/server"
	"github.com/Digital-Creators-Team/jackpot-settlement-module/store"
	"github.com/google/wire"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// ProvideLogger provides a zerolog.Logger
func ProvideLogger(cfg *config.Config) zerolog.Logger {
	return logging.New(cfg.Logging)
}

// ProvideDB provides the Postgres connection
func ProvideDB(cfg *config.Config) (*gorm.DB, error) {
	db, err := postgres.New(cfg.Postgres)
	if err != nil {
		return nil, err
	}
	if cfg.Postgres.AutoMigrate {
		if err := store.AutoMigrate(db); err != nil {
			return nil, err
		}
	}
	return db, nil
}

// ProvideRedisClient provides a Redis client, nil when disabled
func ProvideRedisClient(cfg *config.Config) (*redis.Client, error) {
	if !cfg.Redis.Enabled {
		return nil, nil
	}
	return redis.New(cfg.Redis)
}

// ProvideProducer provides the Kafka event producer, nil without brokers
func ProvideProducer(cfg *config.Config, logger zerolog.Logger) (*kafka.Producer, error) {
	return kafka.NewProducer(kafka.ProducerConfig{
		Brokers:         cfg.Kafka.Brokers,
		SettlementTopic: cfg.Kafka.SettlementTopic,
		ClaimTopic:      cfg.Kafka.ClaimTopic,
		Logger:          logger,
	})
}

// ProvideSettlementService assembles the settlement engine
func ProvideSettlementService(
	cfg *config.Config,
	db *gorm.DB,
	redisClient *redis.Client,
	producer *kafka.Producer,
	logger zerolog.Logger,
) *settlement.Service {
	svcCfg := settlement.ServiceConfig{
		Pools:         store.NewPoolStore(db),
		Contributions: store.NewContributionStore(db),
		Wins:          store.NewWinStore(db),
		Rewards:       store.NewRewardStore(db),
		Payout:        provider.NewPayoutProvider(cfg, logger),
		Broadcaster:   settlement.NewBroadcaster(256),
		Logger:        logger,
	}
	if redisClient != nil {
		svcCfg.Locker = redis.NewLocker(redisClient)
		svcCfg.Cache = redis.NewStatusCache(redisClient)
	}
	if producer != nil {
		svcCfg.Events = producer
	}
	return settlement.NewService(svcCfg)
}

// ProvideConsumer provides the contribution consumer, nil without brokers
func ProvideConsumer(cfg *config.Config, db *gorm.DB, svc *settlement.Service, logger zerolog.Logger) *kafka.Consumer {
	return kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:       cfg.Kafka.Brokers,
		Topic:         cfg.Kafka.ContributionTopic,
		ConsumerGroup: cfg.Kafka.ConsumerGroup,
		Logger:        logger,
	}, store.NewContributionStore(db), svc.Broadcaster())
}

// ProvideServerOptions provides server options
func ProvideServerOptions(cfg *config.Config, logger zerolog.Logger, svc *settlement.Service) server.Options {
	return server.Options{
		Config:            cfg,
		Logger:            logger,
		SettlementService: svc,
	}
}

// ProvideApp provides the main application
func ProvideApp(opts server.Options) *server.App {
	return server.New(opts)
}

// ConfigSet is the wire provider set for configuration
var ConfigSet = wire.NewSet(
	config.Load,
)

// LoggingSet is the wire provider set for logging
var LoggingSet = wire.NewSet(
	ProvideLogger,
)

// StorageSet is the wire provider set for Postgres and Redis
var StorageSet = wire.NewSet(
	ProvideDB,
	ProvideRedisClient,
)

// EventsSet is the wire provider set for Kafka
var EventsSet = wire.NewSet(
	ProvideProducer,
	ProvideConsumer,
)

// ServerSet is the wire provider set for the HTTP server
var ServerSet = wire.NewSet(
	ProvideSettlementService,
	ProvideServerOptions,
	ProvideApp,
)

// FullSet includes all providers
var FullSet = wire.NewSet(
	LoggingSet,
	StorageSet,
	EventsSet,
	ServerSet,
)
