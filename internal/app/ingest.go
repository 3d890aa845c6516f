package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"spotwatt/internal/service"
)

// Ingest runs a single ingestion cycle and prints its outcome.
func (a *App) Ingest(ctx context.Context, force bool) error {
	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	if a.Config.ENTSOE.SecurityToken == "" {
		return errors.New("entsoe.security_token 未配置, 无法拉取价格")
	}

	out, runErr := rt.ingestion.Run(ctx, service.RunOptions{Force: force})
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	return runErr
}

// Sweep runs one maintenance pass.
func (a *App) Sweep(ctx context.Context) error {
	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	res, err := a.maintain(ctx, rt)
	fmt.Fprintf(os.Stdout, "tokens removed: %d\ntasks purged: %d\nkv purged: %d\n", res.Tokens, res.Tasks, res.KV)
	return err
}
