package config

import "time"

const (
	// DefaultConfigPath is used when --config is not provided.
	DefaultConfigPath = "config.yml"
	defaultPort       = 5001
	defaultEnv        = "development"

	defaultDBHost     = "127.0.0.1"
	defaultDBPort     = 3306
	defaultDBUser     = "root"
	defaultDBPassword = "password"
	defaultDBName     = "diy_mod"
	defaultDBCharset  = "utf8mb4"
	defaultDBLoc      = "Local"
	defaultRedisHost  = "localhost"
	defaultRedisPort  = 6379
	defaultRedisDB    = 0

	defaultMaxConcurrency = 8
	defaultDeadline       = 25 * time.Second
	defaultCacheTTL       = 60 * time.Second
	defaultCacheCapacity  = 10000
	defaultCachePrefix    = "diymod:cache:"
	defaultCacheCompute   = 90 * time.Second
	defaultClassifierMode = "balanced"
	defaultMaxTokens      = 600

	defaultBlurBelow      = 3
	defaultOverlayAt      = 3
	defaultImageHighType  = "cartoonish"
	defaultWarning        = "Warning: Filtered Content"
	defaultBrokerDriver   = "memory"
	defaultBrokerWorkers  = 4
	defaultBrokerQueue    = 256
	defaultRetention      = 7 * 24 * time.Hour
	defaultJobTimeout     = 3 * time.Minute
	defaultHeartbeat      = 30 * time.Second
	defaultHeartbeatLimit = 300 * time.Second
	defaultPollAttempts   = 20
	defaultPollInterval   = 3 * time.Second

	defaultStorageDriver = "local"
	defaultLocalDir      = "processed"
	defaultMaxImageBytes = 20 << 20
	defaultLLMTimeout    = 60 * time.Second

	defaultRateLimitMax    = 30
	defaultRateLimitWindow = time.Minute
	defaultLogRetention    = 30 * 24 * time.Hour
	defaultSweepInterval   = 10 * time.Minute
	defaultTokenTTL        = 30 * 24 * time.Hour
)
