package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"

	"authguard/internal/util"
)

// Config holds every runtime setting for the decision service.
// Values come from the environment, optionally seeded from a .env file.
type Config struct {
	Environment string

	Server        ServerConfig
	Logging       LoggingConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Clickhouse    ClickhouseConfig
	KMS           KMSConfig
	Bucketing     BucketingConfig
	RateLimit     RateLimitConfig
	Risk          RiskConfig
	Policy        PolicyConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	Domain       string
	CertFile     string
	KeyFile      string
	AutoCertDir  string
	Email        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Hosts       []string
	Keyspace    string
	Consistency string
	Timeout     time.Duration
}

type KafkaConfig struct {
	Brokers       []string
	SecurityTopic string
}

type ElasticsearchConfig struct {
	URL      string
	Username string
	Password string
	Index    string
}

type ClickhouseConfig struct {
	URL      string
	Username string
	Password string
	Database string
}

type KMSConfig struct {
	Enabled bool
	Region  string
	KeyID   string
}

type BucketingConfig struct {
	CounterShards int
	EventBuckets  int
}

// RuleConfig describes one named rate-limit rule. Window and Max must be
// positive; a zero or negative value is a startup error, not a default.
type RuleConfig struct {
	Name           string
	Window         time.Duration
	Max            int
	Mode           string // "fixed-window" or "sliding-exact"
	Scope          string // "ip" or "ip-route"
	SkipSuccessful bool
}

type RateLimitConfig struct {
	Distributed   bool
	SweepInterval time.Duration
	Rules         []RuleConfig
}

type RiskConfig struct {
	RapidLoginThreshold time.Duration
}

type PolicyConfig struct {
	NotifyFlagCount    int
	ChallengeFlagCount int
}

var globalConfig *Config

// LoadConfig reads configuration from the environment. A .env file is
// honoured when present so local runs match docker-compose.
func LoadConfig() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: util.GetEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:         util.GetEnv("SERVER_HOST", "0.0.0.0"),
			Port:         util.GetEnvInt("SERVER_PORT", 8080),
			TLSPort:      util.GetEnvInt("SERVER_TLS_PORT", 8443),
			EnableTLS:    util.GetEnvBool("SERVER_ENABLE_TLS", false),
			AutoCert:     util.GetEnvBool("SERVER_AUTO_CERT", false),
			Domain:       util.GetEnv("SERVER_DOMAIN", ""),
			CertFile:     util.GetEnv("SERVER_CERT_FILE", ""),
			KeyFile:      util.GetEnv("SERVER_KEY_FILE", ""),
			AutoCertDir:  util.GetEnv("SERVER_AUTOCERT_DIR", "/var/lib/authguard/autocert"),
			Email:        util.GetEnv("SERVER_ACME_EMAIL", ""),
			ReadTimeout:  util.GetEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: util.GetEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  util.GetEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Logging: LoggingConfig{
			Level:  util.GetEnv("LOG_LEVEL", "info"),
			Format: util.GetEnv("LOG_FORMAT", "json"),
		},
		Redis: RedisConfig{
			URL:      util.GetEnv("REDIS_URL", "redis://localhost:6379"),
			Password: util.GetEnv("REDIS_PASSWORD", ""),
			DB:       util.GetEnvInt("REDIS_DB", 0),
			PoolSize: util.GetEnvInt("REDIS_POOL_SIZE", 50),
		},
		Scylla: ScyllaConfig{
			Hosts:       util.GetEnvList("SCYLLA_HOSTS", []string{"localhost:9042"}),
			Keyspace:    util.GetEnv("SCYLLA_KEYSPACE", "authguard"),
			Consistency: util.GetEnv("SCYLLA_CONSISTENCY", "quorum"),
			Timeout:     util.GetEnvDuration("SCYLLA_TIMEOUT", 5*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers:       util.GetEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
			SecurityTopic: util.GetEnv("KAFKA_SECURITY_TOPIC", "authguard.security-events"),
		},
		Elasticsearch: ElasticsearchConfig{
			URL:      util.GetEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
			Username: util.GetEnv("ELASTICSEARCH_USERNAME", ""),
			Password: util.GetEnv("ELASTICSEARCH_PASSWORD", ""),
			Index:    util.GetEnv("ELASTICSEARCH_SECURITY_INDEX", "authguard-security-events"),
		},
		Clickhouse: ClickhouseConfig{
			URL:      util.GetEnv("CLICKHOUSE_URL", "http://localhost:8123"),
			Username: util.GetEnv("CLICKHOUSE_USERNAME", "default"),
			Password: util.GetEnv("CLICKHOUSE_PASSWORD", ""),
			Database: util.GetEnv("CLICKHOUSE_DATABASE", "authguard"),
		},
		KMS: KMSConfig{
			Enabled: util.GetEnvBool("KMS_ENABLED", false),
			Region:  util.GetEnv("KMS_REGION", "us-east-1"),
			KeyID:   util.GetEnv("KMS_KEY_ID", ""),
		},
		Bucketing: BucketingConfig{
			CounterShards: util.GetEnvInt("BUCKETING_COUNTER_SHARDS", 64),
			EventBuckets:  util.GetEnvInt("BUCKETING_EVENT_BUCKETS", 100),
		},
		RateLimit: RateLimitConfig{
			Distributed:   util.GetEnvBool("RATE_LIMIT_DISTRIBUTED", false),
			SweepInterval: util.GetEnvDuration("RATE_LIMIT_SWEEP_INTERVAL", time.Minute),
			Rules:         defaultRules(),
		},
		Risk: RiskConfig{
			RapidLoginThreshold: util.GetEnvDuration("RISK_RAPID_LOGIN_THRESHOLD", time.Minute),
		},
		Policy: PolicyConfig{
			NotifyFlagCount:    util.GetEnvInt("POLICY_NOTIFY_FLAGS", 1),
			ChallengeFlagCount: util.GetEnvInt("POLICY_CHALLENGE_FLAGS", 2),
		},
	}

	globalConfig = cfg
	return cfg
}

// defaultRules is the per-endpoint rule table. Window/max for each family can
// be overridden individually from the environment.
func defaultRules() []RuleConfig {
	return []RuleConfig{
		{
			Name:   "api",
			Window: util.GetEnvDuration("RATE_LIMIT_API_WINDOW", 15*time.Minute),
			Max:    util.GetEnvInt("RATE_LIMIT_API_MAX", 100),
			Mode:   "fixed-window",
			Scope:  "ip",
		},
		{
			Name:           "login",
			Window:         util.GetEnvDuration("RATE_LIMIT_LOGIN_WINDOW", 15*time.Minute),
			Max:            util.GetEnvInt("RATE_LIMIT_LOGIN_MAX", 5),
			Mode:           "sliding-exact",
			Scope:          "ip-route",
			SkipSuccessful: true,
		},
		{
			Name:   "registration",
			Window: util.GetEnvDuration("RATE_LIMIT_REGISTRATION_WINDOW", time.Hour),
			Max:    util.GetEnvInt("RATE_LIMIT_REGISTRATION_MAX", 3),
			Mode:   "sliding-exact",
			Scope:  "ip-route",
		},
		{
			Name:   "password-reset",
			Window: util.GetEnvDuration("RATE_LIMIT_PASSWORD_RESET_WINDOW", time.Hour),
			Max:    util.GetEnvInt("RATE_LIMIT_PASSWORD_RESET_MAX", 3),
			Mode:   "sliding-exact",
			Scope:  "ip-route",
		},
		{
			Name:   "strict",
			Window: util.GetEnvDuration("RATE_LIMIT_STRICT_WINDOW", time.Minute),
			Max:    util.GetEnvInt("RATE_LIMIT_STRICT_MAX", 10),
			Mode:   "sliding-exact",
			Scope:  "ip-route",
		},
	}
}

// Validate rejects configurations that would silently disable protection.
// A rule that admits everything is a security hole, so this is fatal at startup.
func (c *Config) Validate() error {
	if len(c.RateLimit.Rules) == 0 {
		return fmt.Errorf("rate limit rule table is empty")
	}
	seen := make(map[string]bool, len(c.RateLimit.Rules))
	for _, rule := range c.RateLimit.Rules {
		if rule.Name == "" {
			return fmt.Errorf("rate limit rule with empty name")
		}
		if seen[rule.Name] {
			return fmt.Errorf("duplicate rate limit rule %q", rule.Name)
		}
		seen[rule.Name] = true
		if rule.Window <= 0 {
			return fmt.Errorf("rule %q: window must be positive, got %s", rule.Name, rule.Window)
		}
		if rule.Max <= 0 {
			return fmt.Errorf("rule %q: max must be positive, got %d", rule.Name, rule.Max)
		}
		if rule.Mode != "fixed-window" && rule.Mode != "sliding-exact" {
			return fmt.Errorf("rule %q: unknown counting mode %q", rule.Name, rule.Mode)
		}
	}
	if c.Bucketing.CounterShards <= 0 {
		return fmt.Errorf("counter shards must be positive, got %d", c.Bucketing.CounterShards)
	}
	if c.Bucketing.EventBuckets <= 0 {
		return fmt.Errorf("event buckets must be positive, got %d", c.Bucketing.EventBuckets)
	}
	if c.Risk.RapidLoginThreshold <= 0 {
		return fmt.Errorf("rapid login threshold must be positive, got %s", c.Risk.RapidLoginThreshold)
	}
	if c.Policy.ChallengeFlagCount < c.Policy.NotifyFlagCount {
		return fmt.Errorf("challenge flag count %d below notify flag count %d",
			c.Policy.ChallengeFlagCount, c.Policy.NotifyFlagCount)
	}
	if c.KMS.Enabled && c.KMS.KeyID == "" {
		return fmt.Errorf("KMS enabled without a key id")
	}
	return nil
}

// Get returns the last loaded config.
func Get() *Config {
	if globalConfig == nil {
		return LoadConfig()
	}
	return globalConfig
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return !c.IsProduction()
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
