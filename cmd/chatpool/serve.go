package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"chatpool/internal/chats"
	"chatpool/internal/config"
	"chatpool/internal/db"
	"chatpool/internal/dispatch"
	"chatpool/internal/iolog"
	"chatpool/internal/ledger"
	"chatpool/internal/notify"
	"chatpool/internal/probe"
	"chatpool/internal/profilegate"
	"chatpool/internal/prompts"
	"chatpool/internal/selector"
	"chatpool/internal/server"
	"chatpool/internal/upstream"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatch server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "chatpool.yaml", "path to chatpool config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	gdb, err := db.Connect(cfg.Database)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gdb); err != nil {
		return err
	}
	if err := db.SeedSocks(gdb, cfg.Socks); err != nil {
		return err
	}
	if err := db.SeedProfiles(gdb, cfg.Profiles); err != nil {
		return err
	}

	store := ledger.New(gdb)
	audit := iolog.New(cfg.ContainerIOLog)
	pool := upstream.NewPool(cfg.Containers, audit)
	probes := probe.NewCache(pool, time.Duration(cfg.StatusCacheTTLSeconds)*time.Second)
	gate := profilegate.New()
	chatMgr := chats.New(store)
	registry := prompts.NewRegistry(cfg.Prompts)

	var notifier dispatch.FailureNotifier
	if n := notify.New(cfg.Notify); n != nil {
		notifier = n
	}

	orch := dispatch.New(dispatch.Opts{
		Store:              store,
		Gate:               gate,
		Pool:               pool,
		Selector:           selector.New(pool, store, probes),
		Chats:              chatMgr,
		Prompts:            registry,
		AllowSocksOverride: cfg.SocksOverrideAllowed(),
		Notifier:           notifier,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	probes.StartRefresher(ctx)
	fmt.Fprintf(cmd.OutOrStdout(), "chatpool serving %d containers, %d profiles, prompts %v\n",
		len(pool.EnabledIDs()), len(cfg.Profiles), registry.IDs())

	return server.Start(ctx, server.Deps{
		Config:       cfg,
		DB:           gdb,
		Store:        store,
		Orchestrator: orch,
		Pool:         pool,
		Probes:       probes,
		Chats:        chatMgr,
		Gate:         gate,
	})
}
