package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/bollarder/Maltcha-sub000/analysis"
	"github.com/bollarder/Maltcha-sub000/analysis/provider"
	"github.com/bollarder/Maltcha-sub000/analysis/server"
)

func main() {
	cfg, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}

	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	analysisCaller, err := provider.NewOpenAICaller(provider.OpenAIOptions{
		APIKey:  cfg.Analysis.APIKey,
		Model:   cfg.Analysis.Model,
		BaseURL: cfg.Analysis.BaseURL,
		Flex:    cfg.Analysis.Flex,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}

	deps := analysis.PipelineDeps{
		Store:          analysis.NewMemoryJobStore(),
		AnalysisCaller: analysisCaller,
		Options:        cfg.pipelineOptions(),
		Logger:         &logger,
		BaseContext:    ctx,
	}
	if cfg.Classifier.APIKey != "" {
		classifier, err := provider.NewOpenAICaller(provider.OpenAIOptions{
			APIKey:  cfg.Classifier.APIKey,
			Model:   cfg.Classifier.Model,
			BaseURL: cfg.Classifier.BaseURL,
			Flex:    cfg.Classifier.Flex,
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(2)
		}
		deps.ClassificationCaller = classifier
	} else {
		logger.Warn().Msg("no classifier API key configured; every job will use the simplified analysis path")
	}

	pipeline, err := analysis.NewPipeline(deps)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}

	srv := server.NewServer(pipeline, deps.Store, server.Options{
		Port:           cfg.Port,
		MaxUploadBytes: cfg.MaxUploadBytes,
		Logger:         &logger,
	})
	if err := srv.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("server stopped")
		os.Exit(1)
	}

	logger.Info().Msg("waiting for in-flight jobs")
	pipeline.Wait()
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).
		With().
		Timestamp().
		Str("service", "insight-server").
		Logger()
}
