package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/anvil/internal/api"
	"github.com/seantiz/anvil/internal/builtin"
	"github.com/seantiz/anvil/internal/config"
	"github.com/seantiz/anvil/internal/platform/remote"
	"github.com/seantiz/anvil/internal/runtime"
	"github.com/seantiz/anvil/internal/storage"
	"github.com/seantiz/anvil/internal/store"
	"github.com/seantiz/anvil/internal/task"
)

// masterNode is the location recorded for values held by this process.
const masterNode = "master"

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	rtCfg, err := config.LoadRuntime(cfg.RuntimePath)
	if err != nil {
		log.Fatalf("failed to load runtime configuration: %v", err)
	}

	logger.Info("anvil: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"spool_dir", cfg.SpoolDir,
		"block_size", rtCfg.BlockSize,
		"remote_pools", len(rtCfg.Remote),
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	cores := task.NewCoreRegistry()
	builtin.Register(cores)

	rt, err := runtime.New(rtCfg, runtime.Deps{
		Cores:   cores,
		Storage: storage.New(cfg.SpoolDir, masterNode, logger),
		Store:   db,
		Offloader: func(pool config.RemotePool) remote.Offloader {
			lb := remote.NewLoopback(time.Duration(pool.LatencyMS) * time.Millisecond)
			builtin.Serve(lb)
			return lb
		},
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("failed to build runtime: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := api.NewServer(cfg.ListenAddr, db, rt, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })

	if err := g.Wait(); err != nil {
		logger.Error("anvil stopped", "error", err)
		os.Exit(1)
	}
}
