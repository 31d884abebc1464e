package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	configschema "github.com/cordum/remotecache/core/infra/schema"
	"gopkg.in/yaml.v3"
)

var statusValues = map[string]bool{
	"enabled":    true,
	"disabled":   true,
	"over_limit": true,
	"paused":     true,
}

func loadFile(path string, cfg *Config) error {
	// #nosec G304 -- config path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := validateConfigSchema("gateway", gatewaySchemaFile, data); err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func validateConfigSchema(name, schemaPath string, data []byte) error {
	schemaBytes, err := configSchemaFS.ReadFile(schemaPath)
	if err != nil {
		return fmt.Errorf("load %s schema: %w", name, err)
	}
	schemaID := strings.ReplaceAll(name, " ", "-")
	if err := configschema.ValidateYAML(schemaID, schemaBytes, data); err != nil {
		return fmt.Errorf("validate %s config: %w", name, err)
	}
	return nil
}

// Validate checks the configuration before any listener is opened.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if strings.TrimSpace(c.HTTPAddr) == "" {
		fail("http address is required")
	}
	if c.PublicURL != "" {
		if u, err := url.Parse(c.PublicURL); err != nil || u.Scheme == "" || u.Host == "" {
			fail("PUBLIC_URL must be an absolute URL")
		}
	}

	switch c.Auth.Mode {
	case AuthSharedSecret:
		if c.Auth.SharedSecret == "" {
			fail("TURBO_TOKEN is required for %s auth", AuthSharedSecret)
		}
		if c.Auth.DefaultScope == "" {
			fail("DEFAULT_SCOPE is required for %s auth", AuthSharedSecret)
		}
	case AuthDelegated:
		if u, err := url.Parse(c.Auth.IdentityURL); c.Auth.IdentityURL == "" || err != nil || u.Host == "" {
			fail("IDENTITY_SERVICE_URL must be an absolute URL for %s auth", AuthDelegated)
		}
		if c.Auth.IdentityTimeout <= 0 {
			fail("identity service timeout must be positive")
		}
	case AuthJWT:
		if c.Auth.JWTSecret == "" {
			fail("JWT_SECRET is required for %s auth", AuthJWT)
		}
		if c.Auth.JWTScopeClaim == "" {
			fail("JWT_SCOPE_CLAIM is required for %s auth", AuthJWT)
		}
	default:
		fail("unknown AUTH_MODE %q", c.Auth.Mode)
	}

	switch c.Store.Backend {
	case StoreS3, StoreMinio:
		if c.Store.Bucket == "" {
			fail("BUCKET_NAME is required for the %s store", c.Store.Backend)
		}
		if c.Store.Backend == StoreMinio && c.Store.Endpoint == "" {
			fail("STORE_ENDPOINT is required for the minio store")
		}
	case StoreRedis:
	default:
		fail("unknown STORE_BACKEND %q", c.Store.Backend)
	}

	switch c.Events.Backend {
	case EventsDynamo:
		if c.Events.Table == "" {
			fail("EVENTS_TABLE_NAME is required for the dynamodb event store")
		}
	case EventsRedis:
	default:
		fail("unknown EVENTS_BACKEND %q", c.Events.Backend)
	}

	if c.UsesRedis() && c.Redis.URL == "" {
		fail("REDIS_URL is required when a redis backend is selected")
	}

	switch c.QuerySource {
	case QueryObjects, QueryEvents:
	default:
		fail("unknown QUERY_SOURCE %q", c.QuerySource)
	}

	switch c.URLMode {
	case URLModeDirect, URLModeService:
	default:
		fail("unknown ARTIFACT_URL_MODE %q", c.URLMode)
	}
	if (c.URLMode == URLModeService || c.Store.Backend == StoreRedis) && c.LinkSigningKey == "" {
		fail("LINK_SIGNING_KEY is required for service-routed artifact URLs")
	}

	if c.RetentionDays <= 0 {
		fail("RETENTION_DAYS must be positive")
	}
	if c.PresignExpiry <= 0 || c.DownloadURLExpiry <= 0 {
		fail("URL expiries must be positive")
	}
	if c.BackendTimeout <= 0 {
		fail("BACKEND_TIMEOUT must be positive")
	}
	if c.TransferTimeout < c.BackendTimeout {
		fail("TRANSFER_TIMEOUT must not be shorter than BACKEND_TIMEOUT")
	}
	if c.QueryConcurrency <= 0 {
		fail("QUERY_CONCURRENCY must be positive")
	}
	if c.MaxArtifactBytes < 0 {
		fail("MAX_ARTIFACT_BYTES must not be negative")
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		fail("rate limit settings must not be negative")
	}
	if c.StatusOverride != "" && !statusValues[c.StatusOverride] {
		fail("unknown CACHE_STATUS %q", c.StatusOverride)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		fail("trace sample ratio must be within [0,1]")
	}
	return errors.Join(errs...)
}
