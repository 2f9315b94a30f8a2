package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/gyaneshwarpardhi/xpflow/internal/batch"
	"github.com/gyaneshwarpardhi/xpflow/internal/dispatch"
)

// drainTimeout bounds how long one-shot commands wait for queued awards.
const drainTimeout = 10 * time.Minute

func importCmd(cfgPath *string) *cobra.Command {
	var kind, tenant string
	cmd := &cobra.Command{
		Use:   "import [file]",
		Short: "Import a sales or approvals sheet (CSV/TSV) and dispatch its awards",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := batch.ParseKind(kind)
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			ctx := cmd.Context()
			a, err := openApp(ctx, *cfgPath)
			if err != nil {
				return err
			}
			cfg := a.loader.Config()
			parsed, err := batch.NewParser(cfg.Imports.Synonyms, cfg.Imports.ApprovedStatuses, a.loc).Parse(k, f)
			if err != nil {
				a.close(context.Background())
				return err
			}
			rep := a.pipe.Import(ctx, tenant, parsed)

			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
			closeErr := a.close(drainCtx)
			if err := printJSON(cmd, rep); err != nil {
				return err
			}
			return closeErr
		},
	}
	cmd.Flags().StringVarP(&kind, "kind", "k", "sales", "sheet kind (sales, approvals)")
	cmd.Flags().StringVarP(&tenant, "tenant", "t", "", "tenant the sheet belongs to")
	return cmd
}

func reconcileCmd(cfgPath *string) *cobra.Command {
	var period string
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Re-settle the ledger for a period from the event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, *cfgPath)
			if err != nil {
				return err
			}
			rep, err := a.pipe.Reconcile(ctx, period)

			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
			closeErr := a.close(drainCtx)
			if err != nil {
				return err
			}
			if err := printJSON(cmd, rep); err != nil {
				return err
			}
			return closeErr
		},
	}
	cmd.Flags().StringVarP(&period, "period", "p", "", "month to reconcile, 2006-01 (default: current)")
	return cmd
}

func deadLettersCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "deadletters",
		Short: "List awards that failed every dispatch attempt",
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			entries, err := dispatch.ReadDeadLetters(deadLetterPath(loader.Config()))
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no dead letters")
				return nil
			}
			return printJSON(cmd, entries)
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
