package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/iron-fish/oreowallet-mono/app/dservice"
	"github.com/iron-fish/oreowallet-mono/pkg/config"
)

func main() {
	var cfg config.DService
	if err := config.Parse(os.Args[1:], &cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if config.IsHelp(err) {
			os.Exit(0)
		}
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app := dservice.Initialize(ctx, &cfg)

	app.Start(ctx)
}
