package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"idealsize/db"
	"idealsize/sizing"

	cli "github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

// withRepository opens the configured database for the duration of fn.
func withRepository(ctx context.Context, fn func(repo *db.Repository) error) (err error) {
	env := envFromContext(ctx)

	database, err := db.Open(env.Cfg.DBPath)
	if err != nil {
		return fmt.Errorf("unable to open database: %w", err)
	}
	defer func() {
		if cerr := database.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(db.NewRepository(database, nil))
}

func modelsCommand() *cli.Command {
	return &cli.Command{
		Name:  "models",
		Usage: "Manages the model catalog used to resolve model keys",
		Commands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "Adds or replaces a catalog entry",
				ArgsUsage: "KEY BASE_MODEL",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Usage: "display `NAME`"},
					&cli.StringFlag{Name: "type", Value: "main", Usage: "model `TYPE`"},
				},
				Action: runModelsAdd,
			},
			{
				Name:  "list",
				Usage: "Lists catalog entries",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "json", Usage: "print entries as JSON"},
				},
				Action: runModelsList,
			},
			{
				Name:      "remove",
				Aliases:   []string{"rm"},
				Usage:     "Removes a catalog entry",
				ArgsUsage: "KEY",
				Action:    runModelsRemove,
			},
		},
	}
}

func runModelsAdd(ctx context.Context, cmd *cli.Command) error {
	if cmd.NArg() != 2 {
		return usagef("models add expects KEY and BASE_MODEL, got %d argument(s)", cmd.NArg())
	}
	key, base := strings.TrimSpace(cmd.Args().Get(0)), strings.TrimSpace(cmd.Args().Get(1))
	if key == "" || base == "" {
		return usagef("KEY and BASE_MODEL must not be empty")
	}
	family := sizing.ParseModelFamily(base)

	return withRepository(ctx, func(repo *db.Repository) error {
		err := repo.UpsertModel(ctx, db.ModelRecord{
			Key:       key,
			Name:      cmd.String("name"),
			BaseModel: string(family),
			ModelType: cmd.String("type"),
		})
		if err != nil {
			return err
		}

		envFromContext(ctx).Log.Info("Model saved", zap.String("key", key), zap.Stringer("family", family))
		fmt.Fprintf(cmd.Root().Writer, "%s -> %s\n", labelColor.Sprint(key), sizeColor.Sprint(family))
		return nil
	})
}

func runModelsList(ctx context.Context, cmd *cli.Command) error {
	return withRepository(ctx, func(repo *db.Repository) error {
		models, err := repo.ListModels(ctx)
		if err != nil {
			return err
		}

		w := cmd.Root().Writer
		if cmd.Bool("json") {
			return writeJSON(w, models)
		}
		if len(models) == 0 {
			fmt.Fprintln(w, "no models registered")
			return nil
		}

		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "KEY\tBASE MODEL\tTYPE\tNAME")
		for _, m := range models {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.Key, m.BaseModel, m.ModelType, m.Name)
		}
		return tw.Flush()
	})
}

func runModelsRemove(ctx context.Context, cmd *cli.Command) error {
	if cmd.NArg() != 1 {
		return usagef("models remove expects KEY, got %d argument(s)", cmd.NArg())
	}
	key := cmd.Args().First()

	return withRepository(ctx, func(repo *db.Repository) error {
		if err := repo.DeleteModel(ctx, key); err != nil {
			return err
		}
		fmt.Fprintf(cmd.Root().Writer, "removed %s\n", key)
		return nil
	})
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "Shows recent node invocations",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 20, Usage: "show at most `N` invocations"},
			&cli.BoolFlag{Name: "json", Usage: "print invocations as JSON"},
		},
		Action: runHistory,
		Commands: []*cli.Command{
			{
				Name:  "prune",
				Usage: "Deletes invocations older than the retention window",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "days", Usage: "retention in `DAYS` (default from HISTORY_RETENTION_DAYS)"},
				},
				Action: runHistoryPrune,
			},
		},
	}
}

func runHistory(ctx context.Context, cmd *cli.Command) error {
	limit := cmd.Int("limit")
	if limit <= 0 {
		return usagef("limit must be positive, got %d", limit)
	}

	return withRepository(ctx, func(repo *db.Repository) error {
		records, err := repo.ListHistory(ctx, limit)
		if err != nil {
			return err
		}

		w := cmd.Root().Writer
		if cmd.Bool("json") {
			return writeJSON(w, records)
		}
		if len(records) == 0 {
			fmt.Fprintln(w, "no invocations recorded")
			return nil
		}

		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TIME\tNODE\tTARGET\tFAMILY\tMULT\tRESULT")
		for _, r := range records {
			result := fmt.Sprintf("%dx%d", r.IdealWidth, r.IdealHeight)
			if r.Status != db.StatusSuccess {
				result = r.Status + ": " + r.ErrorMessage
			}
			fmt.Fprintf(tw, "%s\t%s@%s\t%dx%d\t%s\t%g\t%s\n",
				r.CreatedAt.Local().Format(time.DateTime), r.NodeType, r.NodeVersion,
				r.TargetWidth, r.TargetHeight, r.ModelFamily, r.Multiplier, result)
		}
		return tw.Flush()
	})
}

func runHistoryPrune(ctx context.Context, cmd *cli.Command) error {
	env := envFromContext(ctx)

	days := env.Cfg.HistoryRetentionDays
	if cmd.IsSet("days") {
		days = cmd.Int("days")
	}
	if days < 0 {
		return usagef("days must not be negative, got %d", days)
	}
	if days == 0 {
		fmt.Fprintln(cmd.Root().Writer, "retention is 0 days, history is kept forever")
		return nil
	}

	return withRepository(ctx, func(repo *db.Repository) error {
		result, err := repo.PruneHistory(ctx, time.Duration(days)*24*time.Hour)
		if err != nil {
			return err
		}
		env.Log.Info("History pruned", zap.Int64("deleted", result.Deleted), zap.Duration("took", result.Duration))
		fmt.Fprintf(cmd.Root().Writer, "deleted %d invocation(s) older than %s\n",
			result.Deleted, result.Cutoff.Local().Format(time.DateTime))
		return nil
	})
}
