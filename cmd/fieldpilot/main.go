package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fieldpilot/backend/internal/app"
	"github.com/fieldpilot/backend/internal/config"

	log "github.com/sirupsen/logrus"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to the YAML config file")
	flag.Parse()

	command := "serve"
	if args := flag.Args(); len(args) > 0 {
		command = args[0]
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.AppConfig{ConfigPath: configPath}

	switch command {
	case "serve":
		if err := app.RunServer(ctx, cfg); err != nil {
			log.WithError(err).Fatal("server exited")
		}
	case "migrate":
		if err := app.Migrate(ctx, cfg); err != nil {
			log.WithError(err).Fatal("migrate failed")
		}
		log.Info("migrations applied")
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (expected serve or migrate)\n", command)
		os.Exit(2)
	}
}
