package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

func applyEnv(cfg *Config) error {
	var errs []error
	setString(&cfg.HTTPAddr, "GATEWAY_HTTP_ADDR")
	setString(&cfg.MetricsAddr, "GATEWAY_METRICS_ADDR")
	setString(&cfg.PublicURL, "PUBLIC_URL")
	setList(&cfg.CORSAllowOrigins, "CORS_ALLOW_ORIGINS")
	errs = append(errs, setFloat(&cfg.RateLimitRPS, "RATE_LIMIT_RPS"))
	errs = append(errs, setInt(&cfg.RateLimitBurst, "RATE_LIMIT_BURST"))

	errs = append(errs, setInt(&cfg.RetentionDays, "RETENTION_DAYS"))
	errs = append(errs, setSeconds(&cfg.PresignExpiry, "PRESIGN_EXPIRY_SECONDS"))
	errs = append(errs, setSeconds(&cfg.DownloadURLExpiry, "DOWNLOAD_URL_EXPIRY_SECONDS"))
	setString(&cfg.URLMode, "ARTIFACT_URL_MODE")
	setString(&cfg.LinkSigningKey, "LINK_SIGNING_KEY")
	errs = append(errs, setDuration(&cfg.BackendTimeout, "BACKEND_TIMEOUT"))
	errs = append(errs, setDuration(&cfg.TransferTimeout, "TRANSFER_TIMEOUT"))
	setString(&cfg.QuerySource, "QUERY_SOURCE")
	errs = append(errs, setInt(&cfg.QueryConcurrency, "QUERY_CONCURRENCY"))
	errs = append(errs, setInt64(&cfg.MaxArtifactBytes, "MAX_ARTIFACT_BYTES"))
	setString(&cfg.StatusOverride, "CACHE_STATUS")

	setString(&cfg.Auth.Mode, "AUTH_MODE")
	setString(&cfg.Auth.SharedSecret, "TURBO_TOKEN")
	setString(&cfg.Auth.DefaultScope, "DEFAULT_SCOPE")
	setString(&cfg.Auth.IdentityURL, "IDENTITY_SERVICE_URL")
	errs = append(errs, setDuration(&cfg.Auth.IdentityTimeout, "IDENTITY_SERVICE_TIMEOUT"))
	setString(&cfg.Auth.JWTSecret, "JWT_SECRET")
	setString(&cfg.Auth.JWTIssuer, "JWT_ISSUER")
	setString(&cfg.Auth.JWTAudience, "JWT_AUDIENCE")
	setString(&cfg.Auth.JWTScopeClaim, "JWT_SCOPE_CLAIM")

	setString(&cfg.Store.Backend, "STORE_BACKEND")
	setString(&cfg.Store.Bucket, "BUCKET_NAME")
	setString(&cfg.Store.Region, "AWS_REGION")
	setString(&cfg.Store.Endpoint, "STORE_ENDPOINT")
	setString(&cfg.Store.AccessKey, "STORE_ACCESS_KEY")
	setString(&cfg.Store.SecretKey, "STORE_SECRET_KEY")
	setString(&cfg.Store.SessionToken, "STORE_SESSION_TOKEN")
	errs = append(errs, setBool(&cfg.Store.UsePathStyle, "STORE_USE_PATH_STYLE"))
	errs = append(errs, setBool(&cfg.Store.UseSSL, "STORE_USE_SSL"))

	setString(&cfg.Events.Backend, "EVENTS_BACKEND")
	setString(&cfg.Events.Table, "EVENTS_TABLE_NAME")
	setString(&cfg.Events.Region, "AWS_REGION")
	setString(&cfg.Events.Endpoint, "EVENTS_ENDPOINT")
	setString(&cfg.Events.NatsURL, "NATS_URL")
	setString(&cfg.Events.Subject, "EVENTS_SUBJECT")
	errs = append(errs, setBool(&cfg.Events.JetStream, "NATS_USE_JETSTREAM"))

	setString(&cfg.Redis.URL, "REDIS_URL")
	setList(&cfg.Redis.ClusterAddrs, "REDIS_CLUSTER_ADDRESSES")
	setString(&cfg.Redis.TLSCA, "REDIS_TLS_CA")
	setString(&cfg.Redis.TLSCert, "REDIS_TLS_CERT")
	setString(&cfg.Redis.TLSKey, "REDIS_TLS_KEY")
	setString(&cfg.Redis.TLSServerName, "REDIS_TLS_SERVER_NAME")
	errs = append(errs, setBool(&cfg.Redis.TLSInsecure, "REDIS_TLS_INSECURE"))

	setString(&cfg.Tracing.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	errs = append(errs, setBool(&cfg.Tracing.Insecure, "OTEL_EXPORTER_OTLP_INSECURE"))
	errs = append(errs, setFloat(&cfg.Tracing.SampleRatio, "OTEL_TRACES_SAMPLER_ARG"))
	setString(&cfg.Tracing.ServiceName, "OTEL_SERVICE_NAME")
	return errors.Join(errs...)
}

func lookup(key string) (string, bool) {
	val, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	val = strings.TrimSpace(val)
	return val, val != ""
}

func setString(dst *string, key string) {
	if val, ok := lookup(key); ok {
		*dst = val
	}
}

func setList(dst *[]string, key string) {
	val, ok := lookup(key)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func setInt(dst *int, key string) error {
	val, ok := lookup(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setInt64(dst *int64, key string) error {
	val, ok := lookup(key)
	if !ok {
		return nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, key string) error {
	val, ok := lookup(key)
	if !ok {
		return nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}

func setBool(dst *bool, key string) error {
	val, ok := lookup(key)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func setSeconds(dst *time.Duration, key string) error {
	val, ok := lookup(key)
	if !ok {
		return nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = time.Duration(n) * time.Second
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	val, ok := lookup(key)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
