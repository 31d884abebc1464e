package redisutil

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cordum/remotecache/core/infra/config"
	"github.com/redis/go-redis/v9"
)

const pingTimeout = 2 * time.Second

// NewClient creates a Redis universal client with optional TLS and clustering support.
func NewClient(cfg config.RedisConfig) (redis.UniversalClient, error) {
	opts, err := ParseOptions(cfg)
	if err != nil {
		return nil, err
	}
	addrs := normalizeAddrs(cfg.ClusterAddrs)
	if len(addrs) == 0 {
		addrs = []string{opts.Addr}
	}
	uopts := &redis.UniversalOptions{
		Addrs:     addrs,
		Username:  opts.Username,
		Password:  opts.Password,
		DB:        opts.DB,
		TLSConfig: opts.TLSConfig,
	}
	return redis.NewUniversalClient(uopts), nil
}

// Connect builds a client and verifies it answers PING.
func Connect(ctx context.Context, cfg config.RedisConfig) (redis.UniversalClient, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}

// ParseOptions parses the Redis URL and applies the configured TLS settings.
func ParseOptions(cfg config.RedisConfig) (*redis.Options, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	tlsConfig, err := tlsConfigFrom(cfg, opts.TLSConfig)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		opts.TLSConfig = tlsConfig
	}
	return opts, nil
}

func tlsConfigFrom(rc config.RedisConfig, existing *tls.Config) (*tls.Config, error) {
	caPath := strings.TrimSpace(rc.TLSCA)
	certPath := strings.TrimSpace(rc.TLSCert)
	keyPath := strings.TrimSpace(rc.TLSKey)
	serverName := strings.TrimSpace(rc.TLSServerName)

	if caPath == "" && certPath == "" && keyPath == "" && serverName == "" && !rc.TLSInsecure {
		return existing, nil
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if existing != nil {
		cfg = existing.Clone()
	}
	if serverName != "" {
		cfg.ServerName = serverName
	}
	if rc.TLSInsecure {
		// #nosec G402 -- opt-in for self-signed development clusters.
		cfg.InsecureSkipVerify = true
	}

	if caPath != "" {
		// #nosec G304 -- CA path is operator-provided.
		pem, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("redis tls ca read: %w", err)
		}
		pool := cfg.RootCAs
		if pool == nil {
			pool = x509.NewCertPool()
		}
		if ok := pool.AppendCertsFromPEM(pem); !ok {
			return nil, fmt.Errorf("redis tls ca parse: %s", caPath)
		}
		cfg.RootCAs = pool
	}

	if certPath != "" || keyPath != "" {
		if certPath == "" || keyPath == "" {
			return nil, fmt.Errorf("redis tls cert/key must be set together")
		}
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("redis tls keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

func normalizeAddrs(in []string) []string {
	out := make([]string, 0, len(in))
	for _, part := range in {
		if addr := strings.TrimSpace(part); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}
