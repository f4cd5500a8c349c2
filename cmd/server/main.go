package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"framelock/netcode/internal/app"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to the server YAML configuration")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, app.Config{ConfigPath: configPath}); err != nil {
		log.Fatalf("%v", err)
	}
}
