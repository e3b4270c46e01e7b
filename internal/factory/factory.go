package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"authguard/internal/audit"
	"authguard/internal/bucketing"
	"authguard/internal/client"
	"authguard/internal/config"
	"authguard/internal/encryption"
	"authguard/internal/handler"
	"authguard/internal/policy"
	"authguard/internal/ratelimit"
	redisrepo "authguard/internal/repository/redis"
	"authguard/internal/repository/scylla"
	"authguard/internal/risk"
	"authguard/internal/service"
	"authguard/internal/tls"
	"authguard/internal/util"
)

// Factory manages the lifecycle of all application dependencies.
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	encryptionManager *encryption.Manager
	bucketingManager  *bucketing.Manager

	// Core pipeline
	rules             []ratelimit.Rule
	rateLimitEngine   *ratelimit.Engine
	sessionRepository *scylla.SessionRepository
	guardService      *service.GuardService
	guardHandler      *handler.GuardHandler

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies.
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		factory.tlsManager = tls.NewTLSManager(&cfg.Server)
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := factory.initializeManagers(); err != nil {
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.Bool("distributed_rate_limit", cfg.RateLimit.Distributed),
	)

	return factory, nil
}

// initializeClients brings up the external service clients with health
// checks. In development a missing backend is a warning, in production it
// aborts startup.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis
	if redisClient, err := client.NewRedisClient(f.config); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
	} else {
		f.redisClient = redisClient
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		} else {
			util.Info("Redis client initialized and healthy")
		}
	}

	// ScyllaDB
	if scyllaClient, err := scylla.NewScyllaClient(f.config); err != nil {
		initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
	} else {
		f.scyllaClient = scyllaClient
		if err := f.scyllaClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
		} else {
			util.Info("ScyllaDB client initialized and healthy")
		}
	}

	// Kafka is best effort everywhere: decisions outlive a dead broker.
	if producer, err := client.NewKafkaProducer(f.config); err != nil {
		util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
	} else {
		f.kafkaProducer = producer
		util.Info("Kafka producer initialized")
	}

	// Elasticsearch
	if esClient, err := client.NewElasticsearchClient(f.config); err != nil {
		initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
	} else {
		f.esClient = esClient
		if err := f.esClient.HealthCheck(); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch health check: %w", err))
		} else {
			util.Info("Elasticsearch client initialized and healthy")
		}
	}

	// ClickHouse
	if chClient, err := client.NewClickHouseClient(f.config); err != nil {
		initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
	} else {
		f.clickhouseClient = chClient
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse health check: %w", err))
		} else {
			util.Info("ClickHouse client initialized and healthy")
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

func (f *Factory) initializeManagers() error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	kmsClient, err := encryption.NewKMSClient(ctx, f.config)
	if err != nil {
		if f.config.IsProduction() {
			return fmt.Errorf("kms: %w", err)
		}
		util.Warn("KMS client initialization failed - using local keys", util.ErrorField(err))
	}

	f.encryptionManager = encryption.NewManager(f.config, kmsClient)
	f.bucketingManager = bucketing.NewManager(f.config)

	f.rules, err = ratelimit.RulesFromConfig(f.config.RateLimit.Rules)
	if err != nil {
		return fmt.Errorf("rate limit rules: %w", err)
	}

	f.rateLimitEngine, err = ratelimit.NewEngine(f.rules, f.bucketingManager, f.config.RateLimit.SweepInterval)
	if err != nil {
		return fmt.Errorf("rate limit engine: %w", err)
	}
	f.rateLimitEngine.StartSweeper()

	util.Info("Managers initialized successfully",
		util.Bool("encryption_initialized", f.encryptionManager != nil),
		util.Bool("bucketing_initialized", f.bucketingManager != nil),
		util.Int("rate_limit_rules", len(f.rules)),
	)
	return nil
}

func (f *Factory) SessionRepository() *scylla.SessionRepository {
	if f.sessionRepository == nil && f.scyllaClient != nil {
		f.sessionRepository = scylla.NewSessionRepository(f.scyllaClient)
	}
	return f.sessionRepository
}

func (f *Factory) Recorder() *audit.Recorder {
	return audit.NewRecorder(
		f.kafkaProducer,
		f.clickhouseClient,
		f.esClient,
		f.encryptionManager,
		f.bucketingManager,
	)
}

// GuardService assembles the decision pipeline. The distributed limiter
// and the snapshot cache only engage when Redis came up.
func (f *Factory) GuardService() *service.GuardService {
	if f.guardService != nil {
		return f.guardService
	}

	var distributed service.Limiter
	var sessionCache *redisrepo.SessionCache
	if f.redisClient != nil {
		sessionCache = redisrepo.NewSessionCache(f.redisClient)
		if f.config.RateLimit.Distributed {
			distributed = redisrepo.NewRateLimitCache(f.redisClient, f.rules)
		}
	}

	var sessions service.SessionSource
	if repo := f.SessionRepository(); repo != nil {
		sessions = repo
	}

	f.guardService = service.NewGuardService(
		f.rateLimitEngine,
		distributed,
		risk.NewAssessor(f.config),
		policy.NewOrchestrator(f.config),
		sessions,
		sessionCache,
		f.Recorder(),
	)
	return f.guardService
}

func (f *Factory) GuardHandler() *handler.GuardHandler {
	if f.guardHandler == nil {
		f.guardHandler = handler.NewGuardHandler(f.GuardService())
	}
	return f.guardHandler
}

func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	} else {
		healthErrors["redis"] = fmt.Errorf("redis client not initialized")
	}

	if f.scyllaClient != nil {
		if err := f.scyllaClient.HealthCheck(ctx); err != nil {
			healthErrors["scylla"] = err
		}
	} else {
		healthErrors["scylla"] = fmt.Errorf("scylla client not initialized")
	}

	if f.esClient != nil {
		if err := f.esClient.HealthCheck(); err != nil {
			healthErrors["elasticsearch"] = err
		}
	} else {
		healthErrors["elasticsearch"] = fmt.Errorf("elasticsearch client not initialized")
	}

	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	} else {
		healthErrors["clickhouse"] = fmt.Errorf("clickhouse client not initialized")
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	return healthErrors
}

func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.rateLimitEngine != nil {
			f.rateLimitEngine.Close()
			util.Info("Rate limit engine stopped")
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
			util.Info("Elasticsearch client closed")
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
			util.Info("ScyllaDB client closed")
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
			util.Info("Encryption manager cache cleared")
		}

		util.Sync()
		util.Info("Factory shutdown completed")
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) EncryptionManager() *encryption.Manager {
	return f.encryptionManager
}

func (f *Factory) BucketingManager() *bucketing.Manager {
	return f.bucketingManager
}

func (f *Factory) RateLimitEngine() *ratelimit.Engine {
	return f.rateLimitEngine
}
