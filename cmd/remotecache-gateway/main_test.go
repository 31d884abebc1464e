package main

import (
	"context"
	"strings"
	"testing"

	"github.com/cordum/remotecache/core/gateway"
	"github.com/cordum/remotecache/core/infra/config"
)

func TestRunRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.SharedSecret = ""
	err := gateway.Run(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "invalid config") {
		t.Fatalf("expected config validation error, got %v", err)
	}
}
