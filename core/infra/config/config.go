package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	AuthSharedSecret = "shared-secret"
	AuthDelegated    = "delegated"
	AuthJWT          = "jwt"

	StoreS3    = "s3"
	StoreMinio = "minio"
	StoreRedis = "redis"

	EventsDynamo = "dynamodb"
	EventsRedis  = "redis"

	URLModeDirect  = "direct"
	URLModeService = "service"

	QueryObjects = "objects"
	QueryEvents  = "events"
)

const (
	defaultHTTPAddr          = ":8080"
	defaultMetricsAddr       = ":9092"
	defaultScope             = "team_turbo_default"
	defaultRetentionDays     = 30
	defaultPresignExpiry     = 24 * time.Hour
	defaultDownloadURLExpiry = time.Hour
	defaultBackendTimeout    = 10 * time.Second
	defaultTransferTimeout   = 10 * time.Minute
	defaultIdentityTimeout   = 5 * time.Second
	defaultQueryConcurrency  = 16
	defaultJWTScopeClaim     = "teamId"
	defaultEventsSubject     = "remotecache.events"
	defaultServiceName       = "remotecache-gateway"

	envConfigPath = "REMOTECACHE_CONFIG"
)

// Config holds runtime configuration for the cache gateway. It is built once
// by Load and passed explicitly to every component.
type Config struct {
	HTTPAddr         string   `yaml:"http_addr"`
	MetricsAddr      string   `yaml:"metrics_addr"`
	PublicURL        string   `yaml:"public_url"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
	RateLimitRPS     float64  `yaml:"rate_limit_rps"`
	RateLimitBurst   int      `yaml:"rate_limit_burst"`

	RetentionDays     int           `yaml:"retention_days"`
	PresignExpiry     time.Duration `yaml:"presign_expiry"`
	DownloadURLExpiry time.Duration `yaml:"download_url_expiry"`
	URLMode           string        `yaml:"url_mode"`
	LinkSigningKey    string        `yaml:"link_signing_key"`
	BackendTimeout    time.Duration `yaml:"backend_timeout"`
	TransferTimeout   time.Duration `yaml:"transfer_timeout"`
	QuerySource       string        `yaml:"query_source"`
	QueryConcurrency  int           `yaml:"query_concurrency"`
	MaxArtifactBytes  int64         `yaml:"max_artifact_bytes"`
	StatusOverride    string        `yaml:"status_override"`

	Auth    AuthConfig    `yaml:"auth"`
	Store   StoreConfig   `yaml:"store"`
	Events  EventsConfig  `yaml:"events"`
	Redis   RedisConfig   `yaml:"redis"`
	Tracing TracingConfig `yaml:"tracing"`
}

// AuthConfig selects and parameterizes the request authorizer.
type AuthConfig struct {
	Mode            string        `yaml:"mode"`
	SharedSecret    string        `yaml:"shared_secret"`
	DefaultScope    string        `yaml:"default_scope"`
	IdentityURL     string        `yaml:"identity_url"`
	IdentityTimeout time.Duration `yaml:"identity_timeout"`
	JWTSecret       string        `yaml:"jwt_secret"`
	JWTIssuer       string        `yaml:"jwt_issuer"`
	JWTAudience     string        `yaml:"jwt_audience"`
	JWTScopeClaim   string        `yaml:"jwt_scope_claim"`
}

// StoreConfig describes the artifact object store.
type StoreConfig struct {
	Backend      string `yaml:"backend"`
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	SessionToken string `yaml:"session_token"`
	UsePathStyle bool   `yaml:"use_path_style"`
	UseSSL       bool   `yaml:"use_ssl"`
}

// EventsConfig describes the usage-event store and optional NATS fan-out.
type EventsConfig struct {
	Backend  string `yaml:"backend"`
	Table    string `yaml:"table"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	NatsURL  string `yaml:"nats_url"`
	Subject  string `yaml:"subject"`

	// JetStream persists published events in a stream.
	JetStream bool `yaml:"jetstream"`
}

// RedisConfig is shared by the Redis artifact and event stores.
type RedisConfig struct {
	URL           string   `yaml:"url"`
	ClusterAddrs  []string `yaml:"cluster_addrs"`
	TLSCA         string   `yaml:"tls_ca"`
	TLSCert       string   `yaml:"tls_cert"`
	TLSKey        string   `yaml:"tls_key"`
	TLSServerName string   `yaml:"tls_server_name"`
	TLSInsecure   bool     `yaml:"tls_insecure"`
}

// TracingConfig enables OTLP trace export when Endpoint is set.
type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
	ServiceName string  `yaml:"service_name"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		HTTPAddr:          defaultHTTPAddr,
		MetricsAddr:       defaultMetricsAddr,
		RetentionDays:     defaultRetentionDays,
		PresignExpiry:     defaultPresignExpiry,
		DownloadURLExpiry: defaultDownloadURLExpiry,
		URLMode:           URLModeDirect,
		BackendTimeout:    defaultBackendTimeout,
		TransferTimeout:   defaultTransferTimeout,
		QuerySource:       QueryObjects,
		QueryConcurrency:  defaultQueryConcurrency,
		Auth: AuthConfig{
			Mode:            AuthSharedSecret,
			DefaultScope:    defaultScope,
			IdentityTimeout: defaultIdentityTimeout,
			JWTScopeClaim:   defaultJWTScopeClaim,
		},
		Store: StoreConfig{
			Backend: StoreS3,
			UseSSL:  true,
		},
		Events: EventsConfig{
			Backend: EventsDynamo,
			Subject: defaultEventsSubject,
		},
		Tracing: TracingConfig{
			SampleRatio: 1,
			ServiceName: defaultServiceName,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file named
// by REMOTECACHE_CONFIG, a local .env file and the process environment, in
// that order of precedence.
func Load() (*Config, error) {
	cfg := Default()
	if path := strings.TrimSpace(os.Getenv(envConfigPath)); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()
	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("config env: %w", err)
	}
	return cfg, nil
}

// Retention is the artifact and event retention window.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// UsesRedis reports whether any component needs a Redis connection.
func (c *Config) UsesRedis() bool {
	return c.Store.Backend == StoreRedis || c.Events.Backend == EventsRedis
}
