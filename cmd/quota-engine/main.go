// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package main runs the quota engine: the tiered coalescing coordinator behind a small
// HTTP API, with Redis as the hot store and a durable store kept in sync by the
// reconciliation runner.
//
// Startup order:
//  1. Load configuration (QE_* environment variables, optional .env file).
//  2. Connect to Redis and register the atomic scripts.
//  3. Open the durable store and warm the username mappings.
//  4. Start the coordinator, the reconciliation runner and the HTTP listeners.
//
// Shutdown runs in reverse: stop accepting HTTP traffic, drain the coordinator, run the
// final reconciliation pass, then close the stores.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"quotaengine/internal/config"
	"quotaengine/internal/quota/api"
	"quotaengine/internal/quota/core"
	"quotaengine/internal/quota/persistence"
	"quotaengine/internal/quota/reconcile"
	"quotaengine/internal/quota/telemetry"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if !cfg.IsProduction() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	ctx := context.Background()
	limits := cfg.Limits()

	rdb, err := persistence.NewRedisClient(ctx, cfg.RedisOptions())
	if err != nil {
		log.Fatal().Err(err).Msg("connect redis")
	}
	cache := persistence.NewCache(rdb, limits, persistence.WithLogger(log.Logger))
	if err := cache.LoadScripts(ctx); err != nil {
		log.Fatal().Err(err).Msg("load redis scripts")
	}

	durable, err := persistence.BuildDurable(ctx, cfg.DurableAdapter, persistence.DurableOptions{PostgresDSN: cfg.PostgresDSN})
	if err != nil {
		log.Fatal().Err(err).Str("adapter", cfg.DurableAdapter).Msg("open durable store")
	}

	job := reconcile.NewJob(rdb, durable, cfg.ReconcileChunkSize, log.Logger)
	if n, err := job.SyncDurableToCache(ctx); err != nil {
		// Unmapped usernames fall back per request; the service can still start.
		log.Warn().Err(err).Msg("warm username mappings")
	} else {
		log.Info().Int("mappings", n).Msg("username mappings warmed")
	}

	coordinator, err := core.NewCoordinator(cfg.TierConfigs(), cache.Executors(), core.NewDefaults(limits), log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("build coordinator")
	}
	if err := coordinator.Start(); err != nil {
		log.Fatal().Err(err).Msg("start coordinator")
	}

	runner := reconcile.NewRunner(job, coordinator, reconcile.RunnerOptions{
		Interval:   cfg.ReconcileInterval,
		DailyReset: cfg.DailyReset,
	}, log.Logger)
	runnerCtx, cancelRunner := context.WithCancel(ctx)
	runner.Start(runnerCtx)

	var metricsServer *http.Server
	if cfg.MetricsAddress != "" {
		metricsServer = telemetry.StartMetricsEndpoint(cfg.MetricsAddress)
		log.Info().Str("addr", cfg.MetricsAddress).Msg("metrics endpoint listening")
	}

	apiServer := api.NewServer(coordinator, limits, api.RateOptions{Window: cfg.RateLimitWindow, Limit: cfg.RateLimitMax}, log.Logger)
	httpServer := apiServer.NewHTTPServer(cfg.ListenAddress)
	go func() {
		log.Info().Str("addr", cfg.ListenAddress).Msg("quota engine listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Str("addr", cfg.ListenAddress).Msg("listen")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	// Buffered operations resolve with their defaults before the final pass reads the cache.
	coordinator.Stop()
	cancelRunner()

	rep, err := runner.Stop(shutdownCtx)
	if err != nil {
		log.Error().Err(err).Msg("final reconciliation")
	} else {
		log.Info().
			Int("scanned", rep.Scanned).
			Int("upserted", rep.Upserted).
			Int("failed_chunks", rep.FailedChunks).
			Msg("final reconciliation complete")
	}

	durable.Close()
	if err := rdb.Close(); err != nil {
		log.Warn().Err(err).Msg("close redis")
	}
	log.Info().Msg("quota engine stopped")
}
