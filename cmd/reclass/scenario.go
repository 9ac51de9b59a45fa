package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/reclassroom/reclass/internal/config"
	"github.com/reclassroom/reclass/internal/domain"
	"github.com/reclassroom/reclass/internal/store"
)

func newScenarioCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scenario",
		Short: "Manage instructor scenarios",
	}
	cmd.AddCommand(newScenarioImportCmd(root), newScenarioListCmd(root))
	return cmd
}

func newScenarioImportCmd(root *rootOptions) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "import <file.yaml>...",
		Short: "Validate scenario YAML files and store them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scenarios := make([]*domain.Scenario, 0, len(args))
			for _, path := range args {
				sc, err := readScenario(path)
				if err != nil {
					return err
				}
				scenarios = append(scenarios, sc)
			}
			out := cmd.OutOrStdout()
			if dryRun {
				for _, sc := range scenarios {
					fmt.Fprintf(out, "%s: ok (%d stakeholders, limit %d)\n", sc.ID, len(sc.Stakeholders), sc.InteractionLimit)
				}
				return nil
			}
			return withStore(cmd.Context(), root, func(ctx context.Context, repo store.Repository) error {
				return importScenarios(ctx, repo, scenarios, out)
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate only")
	return cmd
}

func readScenario(path string) (*domain.Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	sc, err := domain.DecodeScenarioYAML(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sc, nil
}

func importScenarios(ctx context.Context, repo store.Repository, scenarios []*domain.Scenario, out io.Writer) error {
	for _, sc := range scenarios {
		if err := repo.SaveScenario(ctx, sc); err != nil {
			return fmt.Errorf("save scenario %s: %w", sc.ID, err)
		}
		fmt.Fprintf(out, "imported %s (%d stakeholders, limit %d)\n", sc.ID, len(sc.Stakeholders), sc.InteractionLimit)
	}
	return nil
}

func newScenarioListCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored scenarios",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), root, func(ctx context.Context, repo store.Repository) error {
				list, err := repo.ListScenarios(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tTITLE\tSTAKEHOLDERS\tLIMIT\tDIFFICULTY")
				for _, sc := range list {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", sc.ID, sc.Title, len(sc.Stakeholders), sc.InteractionLimit, sc.EffectiveDifficulty())
				}
				return tw.Flush()
			})
		},
	}
}

// withStore opens the configured store for a one-shot command.
func withStore(ctx context.Context, root *rootOptions, fn func(context.Context, store.Repository) error) error {
	cfg, err := config.LoadStore(root.envFile)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	repo, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Warn("close store", zap.Error(err))
		}
	}()
	return fn(ctx, repo)
}
