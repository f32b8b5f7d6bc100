package config

import (
	"time"

	"github.com/diy-mod/core/internal/pkg/retry"
)

type DatabaseRuntimeConfig struct {
	DSN       string            `yaml:"dsn"`
	Host      string            `yaml:"host"`
	Port      int               `yaml:"port"`
	User      string            `yaml:"user"`
	Password  string            `yaml:"password"`
	Name      string            `yaml:"name"`
	Charset   string            `yaml:"charset"`
	ParseTime bool              `yaml:"parse_time"`
	Loc       string            `yaml:"loc"`
	Params    map[string]string `yaml:"params"`
}

type RedisRuntimeConfig struct {
	URL      string            `yaml:"url"`
	Host     string            `yaml:"host"`
	Port     int               `yaml:"port"`
	Username string            `yaml:"username"`
	Password string            `yaml:"password"`
	DB       int               `yaml:"db"`
	TLS      bool              `yaml:"tls"`
	Params   map[string]string `yaml:"params"`
}

// PipelineConfig bounds a single feed-processing request.
type PipelineConfig struct {
	MaxConcurrency int           `yaml:"max_concurrency"`
	Deadline       time.Duration `yaml:"deadline"`
	// ImageWait is how long a request lingers for freshly enqueued image jobs.
	ImageWait time.Duration `yaml:"image_wait"`
}

type CacheConfig struct {
	TTL       time.Duration `yaml:"ttl"`
	Capacity  int           `yaml:"capacity"`
	Redis     bool          `yaml:"redis"`
	KeyPrefix string        `yaml:"key_prefix"`
	// ComputeTimeout bounds a shared classification once it no longer
	// follows the request that started it.
	ComputeTimeout time.Duration `yaml:"compute_timeout"`
}

type ClassifierConfig struct {
	Mode      string       `yaml:"mode"` // balanced | aggressive
	MaxTokens int          `yaml:"max_tokens"`
	Retry     retry.Policy `yaml:"retry"`
}

// PolicyConfig maps filter intensity to intervention type.
type PolicyConfig struct {
	BlurBelow      int    `yaml:"blur_below"`
	OverlayAt      int    `yaml:"overlay_at"`
	ImageHighType  string `yaml:"image_high_type"` // cartoonish | edit_to_replace
	DefaultWarning string `yaml:"default_warning"`
}

type BrokerConfig struct {
	Driver     string        `yaml:"driver"` // memory | redis
	Workers    int           `yaml:"workers"`
	QueueSize  int           `yaml:"queue_size"`
	Retention  time.Duration `yaml:"retention"`
	JobTimeout time.Duration `yaml:"job_timeout"`
	// StaleAfter fails unfinished jobs without progress for this long.
	// 0 means twice JobTimeout.
	StaleAfter time.Duration `yaml:"stale_after"`
}

type DeliveryConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	PollAttempts      int           `yaml:"poll_attempts"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	IncludeBase64     bool          `yaml:"include_base64"`
	Reconnect         retry.Policy  `yaml:"reconnect"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	PathStyle       bool   `yaml:"path_style"`
	PublicURL       string `yaml:"public_url"`
}

type StorageConfig struct {
	Driver        string   `yaml:"driver"` // local | s3
	LocalDir      string   `yaml:"local_dir"`
	PublicBaseURL string   `yaml:"public_base_url"`
	MaxImageBytes int64    `yaml:"max_image_bytes"`
	S3            S3Config `yaml:"s3"`
}

type AIProvider struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	Type         string `yaml:"type"` // OpenAI | OpenAI-Compatible | Anthropic | OpenRouter
	APIKey       string `yaml:"api_key"`
	Endpoint     string `yaml:"endpoint"`
	DefaultModel string `yaml:"default_model"`
	Enabled      bool   `yaml:"enabled"`
}

type AIModelAssignment struct {
	ProviderID string `yaml:"provider_id"`
	Model      string `yaml:"model"`
}

type LLMConfig struct {
	Providers  []AIProvider      `yaml:"providers"`
	Classifier AIModelAssignment `yaml:"classifier"`
	Vision     AIModelAssignment `yaml:"vision"`
	Rewriter   AIModelAssignment `yaml:"rewriter"`
	ImageEdit  AIModelAssignment `yaml:"image_edit"`
	Timeout    time.Duration     `yaml:"timeout"`
}

type RateLimitConfig struct {
	Enable       bool          `yaml:"enable"`
	MaxPerWindow int           `yaml:"max_per_window"`
	Window       time.Duration `yaml:"window"`
}

type RetentionConfig struct {
	ProcessingLogs time.Duration `yaml:"processing_logs"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
}

type AuthConfig struct {
	Enforce  bool          `yaml:"enforce"`
	TokenTTL time.Duration `yaml:"token_ttl"`
}
