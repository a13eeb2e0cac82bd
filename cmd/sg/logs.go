package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stagegate/internal/audit"
	"stagegate/internal/engine"
)

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Audit log"}
	cmd.AddCommand(logTailCmd())
	cmd.AddCommand(logReplayCmd())
	cmd.AddCommand(logVerifyCmd())
	cmd.AddCommand(logSnapshotCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var f audit.Filter
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.Audit.Latest(ctx, n, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(entries, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Seq", "TS", "Kind", "Actor", "Subject", "Payload"})
					for _, en := range entries {
						tw.AppendRow(table.Row{en.Seq, en.TS, en.Kind, en.ActorID, en.SubjectKind + ":" + en.SubjectID, compactJSON(en.Payload, 60)})
					}
				})
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	cmd.Flags().StringVar(&f.Kind, "kind", "", "entry kind filter")
	cmd.Flags().StringVar(&f.SubjectKind, "subject-kind", "", "subject kind filter")
	cmd.Flags().StringVar(&f.SubjectID, "subject-id", "", "subject id filter")
	cmd.Flags().Int64Var(&f.Before, "before", 0, "only entries with a lower seq")
	return cmd
}

func logReplayCmd() *cobra.Command {
	var from int64
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Stream audit entries in order as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				for entry, err := range e.Audit.Replay(ctx, from) {
					if err != nil {
						return err
					}
					if err := printJSONLine(entry); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&from, "from", 0, "start after this seq")
	return cmd
}

func logVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Rebuild state from the log and compare it with the live tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Verify(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if err := printJSON(res); err != nil {
						return err
					}
				} else if res.Equal {
					fmt.Printf("Replay of %d entries matches live state\n", res.Seq)
				} else {
					fmt.Printf("Replay of %d entries diverges: %s\n", res.Seq, res.Divergence)
				}
				if !res.Equal {
					return fmt.Errorf("audit replay diverges from live state")
				}
				return nil
			})
		},
	}
	return cmd
}

func logSnapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Print the live state as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				snap, err := e.Snapshot(ctx)
				if err != nil {
					return err
				}
				return printJSON(snap)
			})
		},
	}
	return cmd
}

func printJSONLine(v any) error {
	return json.NewEncoder(os.Stdout).Encode(v)
}
