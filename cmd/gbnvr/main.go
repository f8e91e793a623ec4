package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sebas/gbnvr/internal/app"
	"github.com/sebas/gbnvr/internal/banner"
	"github.com/sebas/gbnvr/internal/config"
	"github.com/sebas/gbnvr/internal/logger"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	logLevel := flag.String("loglevel", "", "log level override (debug, info, warn, error)")
	flag.Parse()

	logger.InitLogger(os.Stdout)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	logger.SetLevel(cfg.LogLevel)

	device, err := app.New(cfg)
	if err != nil {
		slog.Error("Failed to create device", "error", err)
		os.Exit(1)
	}
	defer device.Close()

	banner.Print(cfg.Device.Name, []banner.ConfigLine{
		{Label: "Device ID", Value: cfg.Device.ID},
		{Label: "Platform", Value: cfg.SIP.ServerAddr()},
		{Label: "Transport", Value: cfg.SIP.Transport},
		{Label: "Local SIP", Value: fmt.Sprintf("%s:%d", cfg.SIP.LocalIP, cfg.SIP.LocalPort)},
		{Label: "Streams", Value: cfg.StreamDirectory},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		slog.Info("Received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := device.Run(ctx); err != nil {
		slog.Error("Device stopped with error", "error", err)
		os.Exit(1)
	}
}
