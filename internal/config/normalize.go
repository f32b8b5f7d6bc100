package config

import (
	"strings"

	"github.com/diy-mod/core/internal/pkg/retry"
)

func normalizeDatabaseConfig(cfg DatabaseRuntimeConfig) DatabaseRuntimeConfig {
	cfg.DSN = strings.TrimSpace(cfg.DSN)
	cfg.Host = strings.TrimSpace(cfg.Host)
	cfg.User = strings.TrimSpace(cfg.User)
	cfg.Password = strings.TrimSpace(cfg.Password)
	cfg.Name = strings.TrimSpace(cfg.Name)
	cfg.Charset = strings.TrimSpace(cfg.Charset)
	cfg.Loc = strings.TrimSpace(cfg.Loc)

	if cfg.Host == "" {
		cfg.Host = defaultDBHost
	}
	if cfg.Port == 0 {
		cfg.Port = defaultDBPort
	}
	if cfg.User == "" {
		cfg.User = defaultDBUser
	}
	if cfg.Name == "" {
		cfg.Name = defaultDBName
	}
	if cfg.Charset == "" {
		cfg.Charset = defaultDBCharset
	}
	if cfg.Loc == "" {
		cfg.Loc = defaultDBLoc
	}
	if cfg.Params != nil {
		cfg.Params = copyStringMap(cfg.Params)
	}
	return cfg
}

func normalizeRedisConfig(cfg RedisRuntimeConfig) RedisRuntimeConfig {
	cfg.URL = normalizeRedisRawURL(cfg.URL)
	cfg.Host = strings.TrimSpace(cfg.Host)
	cfg.Username = strings.TrimSpace(cfg.Username)
	cfg.Password = strings.TrimSpace(cfg.Password)

	if cfg.Host == "" && cfg.URL == "" {
		cfg.Host = defaultRedisHost
	}
	if cfg.Port == 0 {
		cfg.Port = defaultRedisPort
	}
	if cfg.Params != nil {
		cfg.Params = copyStringMap(cfg.Params)
	}
	return cfg
}

func normalizeRedisRawURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	if !strings.Contains(trimmed, "://") {
		return "redis://" + trimmed
	}
	return trimmed
}

func normalizePipeline(cfg PipelineConfig) PipelineConfig {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaultMaxConcurrency
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = defaultDeadline
	}
	if cfg.ImageWait < 0 {
		cfg.ImageWait = 0
	}
	return cfg
}

func normalizeCache(cfg CacheConfig) CacheConfig {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultCacheTTL
	}
	if cfg.Capacity < 0 {
		cfg.Capacity = 0
	}
	if cfg.ComputeTimeout <= 0 {
		cfg.ComputeTimeout = defaultCacheCompute
	}
	cfg.KeyPrefix = strings.TrimSpace(cfg.KeyPrefix)
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultCachePrefix
	}
	return cfg
}

func normalizeClassifier(cfg ClassifierConfig) ClassifierConfig {
	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	if cfg.Mode == "" {
		cfg.Mode = defaultClassifierMode
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Retry.MaxAttempts < 0 {
		cfg.Retry.MaxAttempts = 1
	}
	return cfg
}

func normalizePolicy(cfg PolicyConfig) PolicyConfig {
	if cfg.BlurBelow <= 0 {
		cfg.BlurBelow = defaultBlurBelow
	}
	if cfg.OverlayAt <= 0 {
		cfg.OverlayAt = defaultOverlayAt
	}
	cfg.ImageHighType = strings.ToLower(strings.TrimSpace(cfg.ImageHighType))
	if cfg.ImageHighType == "" {
		cfg.ImageHighType = defaultImageHighType
	}
	cfg.DefaultWarning = strings.TrimSpace(cfg.DefaultWarning)
	if cfg.DefaultWarning == "" {
		cfg.DefaultWarning = defaultWarning
	}
	return cfg
}

func normalizeBroker(cfg BrokerConfig) BrokerConfig {
	cfg.Driver = strings.ToLower(strings.TrimSpace(cfg.Driver))
	if cfg.Driver == "" {
		cfg.Driver = defaultBrokerDriver
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultBrokerWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultBrokerQueue
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}
	if cfg.StaleAfter < cfg.JobTimeout {
		cfg.StaleAfter = 2 * cfg.JobTimeout
	}
	return cfg
}

func normalizeDelivery(cfg DeliveryConfig) DeliveryConfig {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeat
	}
	if cfg.HeartbeatTimeout <= cfg.HeartbeatInterval {
		cfg.HeartbeatTimeout = defaultHeartbeatLimit
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = defaultPollAttempts
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return cfg
}

func normalizeStorage(cfg StorageConfig) StorageConfig {
	cfg.Driver = strings.ToLower(strings.TrimSpace(cfg.Driver))
	if cfg.Driver == "" {
		cfg.Driver = defaultStorageDriver
	}
	cfg.LocalDir = strings.TrimSpace(cfg.LocalDir)
	if cfg.LocalDir == "" {
		cfg.LocalDir = defaultLocalDir
	}
	cfg.PublicBaseURL = strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/")
	if cfg.MaxImageBytes <= 0 {
		cfg.MaxImageBytes = defaultMaxImageBytes
	}
	cfg.S3.Bucket = strings.TrimSpace(cfg.S3.Bucket)
	cfg.S3.Region = strings.TrimSpace(cfg.S3.Region)
	cfg.S3.Endpoint = strings.TrimRight(strings.TrimSpace(cfg.S3.Endpoint), "/")
	cfg.S3.PublicURL = strings.TrimRight(strings.TrimSpace(cfg.S3.PublicURL), "/")
	return cfg
}

func normalizeLLM(cfg LLMConfig) LLMConfig {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultLLMTimeout
	}
	providers := make([]AIProvider, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		p.ID = strings.TrimSpace(p.ID)
		p.Type = strings.TrimSpace(p.Type)
		p.APIKey = strings.TrimSpace(p.APIKey)
		p.Endpoint = strings.TrimSpace(p.Endpoint)
		p.DefaultModel = strings.TrimSpace(p.DefaultModel)
		if p.ID == "" {
			p.ID = strings.ToLower(p.Type)
		}
		providers = append(providers, p)
	}
	cfg.Providers = providers
	return cfg
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, origin := range origins {
		if v := strings.TrimSpace(origin); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func normalizeEnv(env string) string {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "prod", "production":
		return "production"
	default:
		return defaultEnv
	}
}

func copyStringMap(input map[string]string) map[string]string {
	out := make(map[string]string, len(input))
	for k, v := range input {
		out[k] = v
	}
	return out
}

func defaultLLMRetry() retry.Policy {
	return retry.Default()
}

func defaultReconnect() retry.Policy {
	return retry.Reconnect()
}
