package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethan/wfd-sink/pkg/config"
	"github.com/ethan/wfd-sink/pkg/logger"
	"github.com/ethan/wfd-sink/pkg/sink"
)

func main() {
	// Parse command-line flags
	fs := flag.NewFlagSet("sink", flag.ExitOnError)
	logFlags := logger.RegisterFlags(fs)
	confPath := fs.String("config", "sink.conf", "Optional key=value settings file")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Miracast / Wi-Fi Display sink\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
		logger.PrintUsageExamples()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger from flags
	logConfig, err := logFlags.ToConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error configuring logger: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	logger.SetDefault(log)

	log.Info("starting Wi-Fi Display sink", "log_config", logFlags.String())

	// Load configuration (defaults apply when the file is absent)
	cfg, err := config.Load(*confPath)
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	log.Info("configuration loaded",
		"device_name", cfg.DeviceName,
		"rtsp_port", cfg.RTSPPort,
		"rtp_port", cfg.RTPPort,
		"sink_ip", cfg.SinkIP)

	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	supervisor := sink.New(cfg, nil, log.With("component", "supervisor"))

	if err := supervisor.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("sink failed", "error", err)
		os.Exit(1)
	}

	log.Info("graceful shutdown complete")
}
