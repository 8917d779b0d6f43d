package cmd

import (
	"context"
	"fmt"

	"tgdispatch/pkg/api"
	"tgdispatch/pkg/core"
	"tgdispatch/pkg/prov"
	"tgdispatch/pkg/repo"
)

func runServer(ctx context.Context, arg *args) error {
	if err := initLogger(arg); err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}

	cfg, err := loadConfig(arg)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store := repo.New(&cfg.Repo)
	defer func() { _ = store.Close() }()

	svc := core.New(&cfg.Dispatch, store, prov.Factory(&cfg.Telegram))

	return svc.Run(ctx)
}

func runAPI(ctx context.Context, arg *args) error {
	if err := initLogger(arg); err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}

	cfg, err := loadConfig(arg)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store := repo.New(&cfg.Repo)
	defer func() { _ = store.Close() }()

	srv := api.New(&cfg.API, core.NewProducer(store))

	return srv.Run(ctx)
}
