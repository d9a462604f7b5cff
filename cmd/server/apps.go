package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"glasshub/internal/config"
	"glasshub/internal/directory"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newAppsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apps",
		Short: "Inspect and seed the app directory",
	}
	cmd.AddCommand(newAppsListCmd(opts), newAppsImportCmd(opts))
	return cmd
}

func newAppsListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the apps the configured directory serves",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer logger.Sync()
			ctx := cmd.Context()

			a := &app{cfg: cfg, logger: logger}
			if cfg.Directory.Source == config.SourceMongo {
				db, err := connectMongo(ctx, cfg, logger)
				if err != nil {
					return err
				}
				a.db = db
			}
			defer a.close(context.Background())

			dir, _, err := openDirectory(ctx, cfg, a.db, logger)
			if err != nil {
				return err
			}
			apps, err := dir.AllApps(ctx)
			if err != nil {
				return err
			}
			return printApps(cmd, apps)
		},
	}
}

func printApps(cmd *cobra.Command, apps []directory.App) error {
	out := cmd.OutOrStdout()
	if len(apps) == 0 {
		_, err := fmt.Fprintln(out, color.YellowString("no apps registered"))
		return err
	}

	rows := [][]string{{"PACKAGE", "NAME", "CATEGORY", "WEBHOOK"}}
	for _, app := range apps {
		rows = append(rows, []string{app.PackageName, app.Name, string(app.Category), app.WebhookURL})
	}
	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], utf8.RuneCountInString(cell))
		}
	}

	// Cells are padded before they are coloured so escape codes never count
	// towards a column's width.
	header := color.New(color.Bold)
	for i, row := range rows {
		colours := []*color.Color{color.New(color.FgCyan), nil, categoryColor(directory.Category(row[2])), nil}
		if i == 0 {
			colours = []*color.Color{header, header, header, header}
		}
		var line strings.Builder
		for j, cell := range row {
			if j < len(row)-1 {
				cell += strings.Repeat(" ", widths[j]-utf8.RuneCountInString(cell)+2)
			}
			if colours[j] != nil {
				cell = colours[j].Sprint(cell)
			}
			line.WriteString(cell)
		}
		if _, err := fmt.Fprintln(out, line.String()); err != nil {
			return err
		}
	}
	return nil
}

func categoryColor(c directory.Category) *color.Color {
	switch c {
	case directory.CategorySystem:
		return color.New(color.FgMagenta)
	case directory.CategoryBackground:
		return color.New(color.FgBlue)
	default:
		return color.New(color.FgGreen)
	}
}

func newAppsImportCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <catalogue.toml>",
		Short: "Upsert a TOML app catalogue into the MongoDB directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer logger.Sync()
			ctx := cmd.Context()

			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			apps, err := directory.ParseCatalogue(data)
			if err != nil {
				return err
			}

			db, err := connectMongo(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close(context.Background())

			m := directory.NewMongo(db.Database(), db.OperationTimeout())
			if err := m.EnsureIndexes(ctx); err != nil {
				return err
			}
			for _, app := range apps {
				if err := m.Upsert(ctx, app); err != nil {
					return fmt.Errorf("import %s: %w", app.PackageName, err)
				}
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %d apps into %s\n",
				color.GreenString("imported"), len(apps), cfg.Mongo.Database)
			return err
		},
	}
}
