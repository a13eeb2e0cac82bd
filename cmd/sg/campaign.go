package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stagegate/internal/domain"
	"stagegate/internal/engine"
)

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Start the campaign at its initial stage",
		Long:  "Stores the registry (from --config, stagegate.yml, or the built-in legislative registry) and opens the campaign at the initial stage.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.StartCampaign(ctx, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(c)
				}
				fmt.Printf("Campaign %s started at %s\n", c.ID, c.Stage)
				return nil
			})
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current stage, its gates and successor readiness",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.StageStatus(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				c := report.Campaign
				fmt.Printf("Campaign: %s (%s)\n", c.ID, c.Status)
				fmt.Printf("Stage: %s since %s\n", stageLabel(report.Stage), c.StageEnteredAt)
				if len(report.Gates) > 0 {
					fmt.Println("Gates:")
					for _, g := range report.Gates {
						fmt.Printf("  %s: %s (pending %d, approved [%s], missing [%s])\n",
							g.Gate, g.Status, g.Pending, joinList(g.Approved), joinList(g.Missing))
					}
				}
				if len(report.Successors) == 0 {
					fmt.Println("Successors: none (terminal stage)")
					return nil
				}
				fmt.Println("Successors:")
				for _, s := range report.Successors {
					if s.CanAdvance {
						fmt.Printf("  %s: ready\n", s.Stage)
						continue
					}
					fmt.Printf("  %s: blocked\n", s.Stage)
					for _, r := range s.Reasons {
						fmt.Printf("    - %s\n", r)
					}
				}
				return nil
			})
		},
	}
	return cmd
}

func advanceCmd() *cobra.Command {
	var target string
	var evidence []string
	var check bool
	cmd := &cobra.Command{
		Use:   "advance",
		Short: "Move the campaign to a successor stage",
		Long: `Moves the campaign to --to when every required kind is approved and the stage's
confirmation predicate holds. Evidence is given as --evidence predicate or
--evidence predicate=<json payload>. With --check nothing changes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ev, err := parseEvidence(evidence)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if check {
					ok, reasons, err := e.CanAdvance(ctx, target, ev...)
					if err != nil {
						return err
					}
					out := map[string]any{"target": target, "can_advance": ok, "reasons": reasons}
					if viper.GetBool("json") {
						return printJSON(out)
					}
					printReadiness(target, ok, reasons)
					return nil
				}
				c, err := e.Advance(ctx, engine.AdvanceRequest{Target: target, Evidence: ev, ActorID: actorID()})
				var pre *engine.PreconditionError
				if errors.As(err, &pre) && !viper.GetBool("json") {
					printReadiness(target, false, pre.Reasons)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(c)
				}
				fmt.Printf("Campaign %s now at %s\n", c.ID, c.Stage)
				if c.Status == domain.CampaignArchived {
					fmt.Println("Terminal stage reached; campaign archived.")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "to", "", "target stage")
	cmd.Flags().StringArrayVar(&evidence, "evidence", nil, "confirmation evidence: predicate[=json]")
	cmd.Flags().BoolVar(&check, "check", false, "only report whether the move is allowed")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func parseEvidence(items []string) ([]domain.Evidence, error) {
	out := make([]domain.Evidence, 0, len(items))
	for _, item := range items {
		predicate, payload, hasPayload := strings.Cut(item, "=")
		predicate = strings.TrimSpace(predicate)
		if predicate == "" {
			return nil, fmt.Errorf("--evidence %q: predicate required", item)
		}
		ev := domain.Evidence{Predicate: predicate, Confirmed: true, Source: "cli"}
		if hasPayload {
			raw, err := readJSONArg("evidence", payload)
			if err != nil {
				return nil, err
			}
			ev.Payload = raw
		}
		out = append(out, ev)
	}
	return out, nil
}

func printReadiness(target string, ok bool, reasons []string) {
	if ok {
		fmt.Printf("Ready to advance to %s\n", target)
		return
	}
	tw := table.NewWriter()
	tw.SetTitle("Cannot advance to " + target)
	tw.AppendHeader(table.Row{"#", "Reason"})
	for i, r := range reasons {
		tw.AppendRow(table.Row{i + 1, r})
	}
	fmt.Println(tw.Render())
}

func stageLabel(st domain.Stage) string {
	if st.Label == "" {
		return st.ID
	}
	return fmt.Sprintf("%s (%s)", st.ID, st.Label)
}

// compactJSON renders a payload for a table cell.
func compactJSON(raw json.RawMessage, n int) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}
