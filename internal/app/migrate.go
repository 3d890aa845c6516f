package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"spotwatt/internal/storage"
)

// Migrate applies pending schema migrations.
func (a *App) Migrate(ctx context.Context) error {
	store, err := storage.Open(ctx, a.Config.Database, a.Config.App.Name)
	if errors.Is(err, storage.ErrNotConfigured) {
		return errors.New("database.dsn 未配置, 无法执行迁移")
	}
	if err != nil {
		return err
	}
	defer store.Close()

	applied, err := store.Migrate(ctx)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		fmt.Fprintln(os.Stdout, "schema is up to date")
		return nil
	}
	for _, v := range applied {
		fmt.Fprintf(os.Stdout, "applied %s\n", v)
	}
	return nil
}
