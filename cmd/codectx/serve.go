// Copyright 2025 KrakLabs
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kraklabs/codectx/internal/contract"
	cerrors "github.com/kraklabs/codectx/internal/errors"
	"github.com/kraklabs/codectx/internal/ui"
	"github.com/kraklabs/codectx/pkg/ingest"
)

// runServe executes the 'serve' CLI command: an HTTP server that
// accepts forge webhooks and keeps the graph current.
//
// Endpoints:
//   - POST /webhook   Push and pull request events
//   - GET  /health    Liveness probe
//   - GET  /metrics   Prometheus metrics
//   - GET  /runs      Recent ingestion runs
//
// Examples:
//
//	codectx serve
//	codectx serve --listen :9090
func runServe(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	listen := fs.String("listen", "", "HTTP listen address (default: from config, :8977)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: codectx serve [options]

Runs the webhook server. Point your forge's push and pull_request
webhooks at POST /webhook; pushes to branches trigger incremental
ingestion, merged pull requests re-ingest the base branch.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	logger := newLogger(globals)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app := mustBootstrap(ctx, globals, logger)
	defer func() { _ = app.Close(context.Background()) }()

	addr := *listen
	if addr == "" {
		addr = app.Config.Listen
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook", webhookHandler(app.Ingest, logger))
	mux.HandleFunc("GET /runs", runsHandler(app.Ingest))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("shutdown.signal", "signal", sig.String())
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}()

	ui.Infof("Listening on %s", addr)
	logger.Info("serve.start", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		cerrors.FatalError(cerrors.NewNetworkError(
			"HTTP server failed",
			err.Error(),
			"Check that the listen address is free",
			err,
		), globals.JSON)
	}
	logger.Info("serve.stopped")
}

// webhookHandler validates the payload and hands it to the ingestion
// service. Ingestion runs inline; forges tolerate slow webhook
// responses and the per-repository lock rejects overlapping runs.
func webhookHandler(svc *ingest.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, int64(contract.MaxPayloadBytes())+1))
		if err != nil {
			http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if v := contract.ValidatePayload(body); !v.OK {
			http.Error(w, v.Message, http.StatusRequestEntityTooLarge)
			return
		}

		result, err := svc.HandleWebhook(r.Context(), body)
		switch {
		case errors.Is(err, ingest.ErrBadPayload):
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		case errors.Is(err, ingest.ErrAlreadyRunning):
			http.Error(w, err.Error(), http.StatusConflict)
			return
		case err != nil:
			logger.Warn("serve.webhook.failed", "err", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(result)
	}
}

// runsHandler reports recent ingestion runs, newest first.
func runsHandler(svc *ingest.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(svc.Runs())
	}
}
