package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
	"golang.org/x/sync/errgroup"

	"github.com/jameshartig/solarkmon/pkg/common"
	"github.com/jameshartig/solarkmon/pkg/coordinator"
	"github.com/jameshartig/solarkmon/pkg/log"
	"github.com/jameshartig/solarkmon/pkg/publish"
	"github.com/jameshartig/solarkmon/pkg/server"
	"github.com/jameshartig/solarkmon/pkg/solark"
	"github.com/jameshartig/solarkmon/pkg/storage"
)

func main() {
	// init packages
	solarkCfg := solark.Configured()
	coordCfg := coordinator.Configured()
	store := storage.Configured()
	mqttCfg := publish.Configured()

	httpCfg := server.Configured()

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}
	log.SetDefaultLogLevel(level)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer func() {
		if err := store.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()

	httpClient := common.HTTPClient(solarkCfg.CallTimeout)
	session := solark.NewSession(solarkCfg, httpClient, store)
	client := solark.NewClient(solarkCfg, httpClient)
	coord := coordinator.New(coordCfg, solarkCfg.Plant(), solarkCfg.PVStrings, session, client)

	diag := solarkCfg.Redacted()
	diag["scanInterval"] = coordCfg.Interval.String()
	diag["timezone"] = coordCfg.Location.String()
	diag["mqtt"] = mqttCfg.Enabled()
	srv := server.New(httpCfg, coord, session, diag)

	log.Ctx(ctx).InfoContext(
		ctx,
		"starting solarkmon",
		slog.String("version", common.Version()),
		slog.String("plantID", solarkCfg.PlantID),
		slog.Bool("liveEndpoint", solarkCfg.Serial != ""),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return coord.Run(gctx)
	})
	g.Go(func() error {
		return srv.Run(gctx)
	})
	if mqttCfg.Enabled() {
		pub, err := publish.New(ctx, mqttCfg)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to connect to mqtt broker", "error", err)
			os.Exit(1)
		}
		updates, unsubscribe := coord.Subscribe()
		defer unsubscribe()
		g.Go(func() error {
			return pub.Run(gctx, updates)
		})
	}

	// Run will block until context is canceled or error happens
	if err := g.Wait(); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "solarkmon failed", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "solarkmon exited cleanly")
}
