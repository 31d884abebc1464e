package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/cordum/remotecache/core/gateway"
	"github.com/cordum/remotecache/core/infra/buildinfo"
	"github.com/cordum/remotecache/core/infra/config"
)

func main() {
	buildinfo.Log("remotecache-gateway")
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := gateway.Run(ctx, cfg); err != nil {
		log.Fatalf("gateway error: %v", err)
	}
}
