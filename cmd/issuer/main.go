package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alovak/virtualcard/internal/logging"
	"github.com/alovak/virtualcard/issuer"
)

func main() {
	cfg, err := issuer.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := logging.Init("virtualcard", cfg.LogLevel, cfg.AppEnv)

	app := issuer.NewApp(logger, cfg)
	if err := app.Start(); err != nil {
		logger.Error("starting app", "err", err)
		app.Shutdown()
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	app.Shutdown()
}
