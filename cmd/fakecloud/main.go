package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/jameshartig/solarkmon/pkg/fakecloud"
	"github.com/jameshartig/solarkmon/pkg/log"
)

func main() {
	listen := lflag.String("listen", "127.0.0.1:8087", "Address to serve the fake cloud on")
	username := lflag.String("username", "owner@example.com", "Account email the fake cloud accepts")
	password := lflag.String("password", "solark", "Account password the fake cloud accepts")
	plantID := lflag.String("plant-id", "1000", "Plant id the flow endpoint answers for")
	serial := lflag.String("serial", "2207060000", "Inverter serial the live endpoint answers for, empty to disable it")
	tokenTTL := lflag.Duration("token-ttl", time.Hour, "Lifetime of issued access tokens")
	legacyOnly := lflag.Bool("legacy-only", false, "Reject the JSON login so clients fall back to the form login")
	noFlow := lflag.Bool("no-flow", false, "Answer the plant flow endpoint with not found")
	lflag.Configure()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cloud := fakecloud.New(fakecloud.Options{
		Username:   *username,
		Password:   *password,
		PlantID:    *plantID,
		Serial:     *serial,
		TokenTTL:   *tokenTTL,
		LegacyOnly: *legacyOnly,
		NoFlow:     *noFlow,
	})
	srv := &http.Server{
		Addr:              *listen,
		Handler:           cloud.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Ctx(ctx).InfoContext(
		ctx,
		"serving fake solark cloud",
		slog.String("addr", *listen),
		slog.String("plantID", *plantID),
		slog.String("serial", *serial),
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Ctx(ctx).ErrorContext(ctx, "fake cloud failed", "error", err)
		os.Exit(1)
	}
}
