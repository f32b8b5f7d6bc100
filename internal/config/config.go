package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// AppConfig holds runtime startup configuration loaded from YAML.
type AppConfig struct {
	Port           int                   `yaml:"port"`
	DSN            string                `yaml:"dsn"` // MySQL DSN
	RedisURL       string                `yaml:"redis_url"`
	Database       DatabaseRuntimeConfig `yaml:"database"`
	Redis          RedisRuntimeConfig    `yaml:"redis"`
	Env            string                `yaml:"env"` // "development" | "production"
	LogDir         string                `yaml:"log_dir"`
	AllowedOrigins []string              `yaml:"allowed_origins"`
	JWTSecret      string                `yaml:"jwt_secret"`

	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Cache      CacheConfig      `yaml:"cache"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Policy     PolicyConfig     `yaml:"policy"`
	Broker     BrokerConfig     `yaml:"broker"`
	Delivery   DeliveryConfig   `yaml:"delivery"`
	Storage    StorageConfig    `yaml:"storage"`
	LLM        LLMConfig        `yaml:"llm"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Retention  RetentionConfig  `yaml:"retention"`
	Auth       AuthConfig       `yaml:"auth"`
}

// rawAppConfig accepts the flat legacy keys next to the sectioned layout.
type rawAppConfig struct {
	Port               int                   `yaml:"port"`
	DSN                string                `yaml:"dsn"`
	DatabaseURL        string                `yaml:"database_url"`
	RedisURL           string                `yaml:"redis_url"`
	Database           DatabaseRuntimeConfig `yaml:"database"`
	Redis              RedisRuntimeConfig    `yaml:"redis"`
	DBHost             string                `yaml:"db_host"`
	DBPort             int                   `yaml:"db_port"`
	DBUser             string                `yaml:"db_user"`
	DBPassword         string                `yaml:"db_password"`
	DBName             string                `yaml:"db_name"`
	Env                string                `yaml:"env"`
	LogDir             string                `yaml:"log_dir"`
	AllowedOrigins     []string              `yaml:"allowed_origins"`
	CORSAllowedOrigins []string              `yaml:"cors_allowed_origins"`
	JWTSecret          string                `yaml:"jwt_secret"`

	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Cache      CacheConfig      `yaml:"cache"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Policy     PolicyConfig     `yaml:"policy"`
	Broker     BrokerConfig     `yaml:"broker"`
	Delivery   DeliveryConfig   `yaml:"delivery"`
	Storage    StorageConfig    `yaml:"storage"`
	LLM        LLMConfig        `yaml:"llm"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Retention  RetentionConfig  `yaml:"retention"`
	Auth       AuthConfig       `yaml:"auth"`
}

func Load(configPath string) (*AppConfig, error) {
	path := strings.TrimSpace(configPath)
	if path == "" {
		path = DefaultConfigPath
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %q: %w", path, err)
	}

	cfg, err := Parse(content)
	if err != nil {
		return nil, fmt.Errorf("config %q: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML content over the defaults and validates the result.
func Parse(content []byte) (*AppConfig, error) {
	cfg := defaultAppConfig()
	raw := rawAppConfig{
		Database:   cfg.Database,
		Redis:      cfg.Redis,
		Pipeline:   cfg.Pipeline,
		Cache:      cfg.Cache,
		Classifier: cfg.Classifier,
		Policy:     cfg.Policy,
		Broker:     cfg.Broker,
		Delivery:   cfg.Delivery,
		Storage:    cfg.Storage,
		LLM:        cfg.LLM,
		RateLimit:  cfg.RateLimit,
		Retention:  cfg.Retention,
		Auth:       cfg.Auth,
	}

	if len(bytes.TrimSpace(content)) > 0 {
		decoder := yaml.NewDecoder(bytes.NewReader(content))
		decoder.KnownFields(true)
		if err := decoder.Decode(&raw); err != nil {
			return nil, fmt.Errorf("parse: %w", err)
		}
	}

	applyRawAppConfig(&cfg, raw)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *AppConfig {
	cfg := defaultAppConfig()
	return &cfg
}

func defaultAppConfig() AppConfig {
	cfg := AppConfig{
		Port: defaultPort,
		Env:  defaultEnv,
		Database: DatabaseRuntimeConfig{
			Host:      defaultDBHost,
			Port:      defaultDBPort,
			User:      defaultDBUser,
			Password:  defaultDBPassword,
			Name:      defaultDBName,
			Charset:   defaultDBCharset,
			ParseTime: true,
			Loc:       defaultDBLoc,
		},
		Redis: RedisRuntimeConfig{
			Host: defaultRedisHost,
			Port: defaultRedisPort,
			DB:   defaultRedisDB,
		},
		Pipeline: PipelineConfig{
			MaxConcurrency: defaultMaxConcurrency,
			Deadline:       defaultDeadline,
		},
		Cache: CacheConfig{
			TTL:       defaultCacheTTL,
			Capacity:  defaultCacheCapacity,
			KeyPrefix: defaultCachePrefix,

			ComputeTimeout: defaultCacheCompute,
		},
		Classifier: ClassifierConfig{
			Mode:      defaultClassifierMode,
			MaxTokens: defaultMaxTokens,
			Retry:     defaultLLMRetry(),
		},
		Policy: PolicyConfig{
			BlurBelow:      defaultBlurBelow,
			OverlayAt:      defaultOverlayAt,
			ImageHighType:  defaultImageHighType,
			DefaultWarning: defaultWarning,
		},
		Broker: BrokerConfig{
			Driver:     defaultBrokerDriver,
			Workers:    defaultBrokerWorkers,
			QueueSize:  defaultBrokerQueue,
			Retention:  defaultRetention,
			JobTimeout: defaultJobTimeout,
		},
		Delivery: DeliveryConfig{
			HeartbeatInterval: defaultHeartbeat,
			HeartbeatTimeout:  defaultHeartbeatLimit,
			PollAttempts:      defaultPollAttempts,
			PollInterval:      defaultPollInterval,
			Reconnect:         defaultReconnect(),
		},
		Storage: StorageConfig{
			Driver:        defaultStorageDriver,
			LocalDir:      defaultLocalDir,
			MaxImageBytes: defaultMaxImageBytes,
		},
		LLM: LLMConfig{
			Timeout: defaultLLMTimeout,
		},
		RateLimit: RateLimitConfig{
			Enable:       true,
			MaxPerWindow: defaultRateLimitMax,
			Window:       defaultRateLimitWindow,
		},
		Retention: RetentionConfig{
			ProcessingLogs: defaultLogRetention,
			SweepInterval:  defaultSweepInterval,
		},
		Auth: AuthConfig{
			TokenTTL: defaultTokenTTL,
		},
	}
	cfg.Database = normalizeDatabaseConfig(cfg.Database)
	cfg.Redis = normalizeRedisConfig(cfg.Redis)
	cfg.DSN = cfg.Database.DSNValue()
	cfg.RedisURL = cfg.Redis.URLValue()
	return cfg
}

func applyRawAppConfig(cfg *AppConfig, raw rawAppConfig) {
	if raw.Port != 0 {
		cfg.Port = raw.Port
	}

	cfg.Database = raw.Database
	if v := strings.TrimSpace(raw.DSN); v != "" {
		cfg.Database.DSN = v
	}
	if v := strings.TrimSpace(raw.DatabaseURL); v != "" {
		cfg.Database.DSN = v
	}
	if v := strings.TrimSpace(raw.DBHost); v != "" {
		cfg.Database.Host = v
	}
	if raw.DBPort != 0 {
		cfg.Database.Port = raw.DBPort
	}
	if v := strings.TrimSpace(raw.DBUser); v != "" {
		cfg.Database.User = v
	}
	if v := strings.TrimSpace(raw.DBPassword); v != "" {
		cfg.Database.Password = v
	}
	if v := strings.TrimSpace(raw.DBName); v != "" {
		cfg.Database.Name = v
	}
	cfg.Database = normalizeDatabaseConfig(cfg.Database)
	cfg.DSN = cfg.Database.DSNValue()

	cfg.Redis = raw.Redis
	if v := strings.TrimSpace(raw.RedisURL); v != "" {
		cfg.Redis.URL = v
	}
	cfg.Redis = normalizeRedisConfig(cfg.Redis)
	cfg.RedisURL = cfg.Redis.URLValue()

	if v := strings.TrimSpace(raw.Env); v != "" {
		cfg.Env = v
	}
	cfg.Env = normalizeEnv(cfg.Env)
	if v := strings.TrimSpace(raw.LogDir); v != "" {
		cfg.LogDir = v
	}

	switch {
	case raw.AllowedOrigins != nil:
		cfg.AllowedOrigins = normalizeOrigins(raw.AllowedOrigins)
	case raw.CORSAllowedOrigins != nil:
		cfg.AllowedOrigins = normalizeOrigins(raw.CORSAllowedOrigins)
	}
	if v := strings.TrimSpace(raw.JWTSecret); v != "" {
		cfg.JWTSecret = v
	}

	cfg.Pipeline = normalizePipeline(raw.Pipeline)
	cfg.Cache = normalizeCache(raw.Cache)
	cfg.Classifier = normalizeClassifier(raw.Classifier)
	cfg.Policy = normalizePolicy(raw.Policy)
	cfg.Broker = normalizeBroker(raw.Broker)
	cfg.Delivery = normalizeDelivery(raw.Delivery)
	cfg.Storage = normalizeStorage(raw.Storage)
	cfg.LLM = normalizeLLM(raw.LLM)
	cfg.RateLimit = raw.RateLimit
	cfg.Retention = raw.Retention
	cfg.Auth = raw.Auth
}

func (c *AppConfig) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d, expected 1-65535", c.Port)
	}
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("invalid database.port %d, expected 1-65535", c.Database.Port)
	}
	if c.Redis.DB < 0 {
		return fmt.Errorf("invalid redis.db %d, expected >= 0", c.Redis.DB)
	}
	switch c.Classifier.Mode {
	case "balanced", "aggressive":
	default:
		return fmt.Errorf("invalid classifier.mode %q, expected balanced or aggressive", c.Classifier.Mode)
	}
	if c.Policy.BlurBelow > c.Policy.OverlayAt {
		return fmt.Errorf("policy.blur_below (%d) must not exceed policy.overlay_at (%d)", c.Policy.BlurBelow, c.Policy.OverlayAt)
	}
	switch c.Policy.ImageHighType {
	case "cartoonish", "edit_to_replace":
	default:
		return fmt.Errorf("invalid policy.image_high_type %q", c.Policy.ImageHighType)
	}
	switch c.Broker.Driver {
	case "memory", "redis":
	default:
		return fmt.Errorf("invalid broker.driver %q, expected memory or redis", c.Broker.Driver)
	}
	switch c.Storage.Driver {
	case "local":
	case "s3":
		if c.Storage.S3.Bucket == "" || c.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3 requires bucket and region")
		}
	default:
		return fmt.Errorf("invalid storage.driver %q, expected local or s3", c.Storage.Driver)
	}
	if c.Auth.Enforce && c.JWTSecret == "" {
		return fmt.Errorf("auth.enforce requires jwt_secret")
	}
	return nil
}

func (c *AppConfig) IsDev() bool {
	return c.Env == "development"
}

// LogDirPath resolves the native log directory.
func (c *AppConfig) LogDirPath() string {
	if c.LogDir == "" {
		return ""
	}
	return ResolveRuntimePath(c.LogDir, "logs")
}

// LocalStorageDir resolves the directory for locally stored processed images.
func (c *AppConfig) LocalStorageDir() string {
	return ResolveRuntimePath(c.Storage.LocalDir, defaultLocalDir)
}
