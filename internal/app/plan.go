package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"spotwatt/internal/planner"
	"spotwatt/internal/storage"
)

// Plan prints the notifications the planner computes for a stored token.
// With Apply set it also reconciles the token's delivery tasks.
func (a *App) Plan(ctx context.Context, opts PlanOptions) error {
	if opts.Token == "" {
		return errors.New("--token 不能为空")
	}

	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	prefs, err := rt.repo.GetPreferences(ctx, opts.Token)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("no preferences stored for token")
	}
	if err != nil {
		return err
	}
	set, err := a.loadPrices(ctx, rt, prefs.Market)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	instances := planner.Plan(prefs, set, now)
	loc := prefs.Location()

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Fire at (local)\tType\tTitle\tBody")
	for _, inst := range instances {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n",
			inst.FireAt.In(loc).Format("2006-01-02 15:04"),
			inst.Type,
			inst.Title,
			sanitizeInline(inst.Body),
		)
	}
	if err := writer.Flush(); err != nil {
		return err
	}
	if len(instances) == 0 {
		fmt.Fprintln(os.Stdout, "no notifications planned")
	}

	if !opts.Apply {
		return nil
	}
	res, err := rt.tasks.Reconcile(ctx, prefs, set, now)
	fmt.Fprintf(os.Stdout, "created %d, kept %d, cancelled %d\n", res.Created, res.Kept, res.Cancelled)
	return err
}

func sanitizeInline(v string) string {
	return strings.NewReplacer("\n", " | ", "\r", " ").Replace(v)
}
