package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"stagegate/internal/domain"
	"stagegate/internal/engine"
	"stagegate/internal/repo"
)

func artifactCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "artifact", Short: "Submit and inspect artifacts"}
	cmd.AddCommand(artifactSubmitCmd())
	cmd.AddCommand(artifactShowCmd())
	cmd.AddCommand(artifactListCmd())
	cmd.AddCommand(artifactTransitionCmd())
	return cmd
}

func artifactSubmitCmd() *cobra.Command {
	var req engine.SubmitRequest
	var payload, metadata string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an artifact for the current stage",
		Long:  "Payload and metadata accept inline JSON, @file or @- for stdin. Gated kinds are queued for review unless --hold is set.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if req.Payload, err = readJSONArg("payload", payload); err != nil {
				return err
			}
			if req.Metadata, err = readJSONArg("metadata", metadata); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Submit(ctx, req)
				if err != nil {
					return err
				}
				return printJSONOrTable(a, artifactTable([]domain.Artifact{a}))
			})
		},
	}
	cmd.Flags().StringVar(&req.Kind, "kind", "", "artifact kind")
	cmd.Flags().StringVar(&req.AgentID, "agent-id", "", "producing agent")
	cmd.Flags().StringVar(&payload, "payload", "", "payload JSON")
	cmd.Flags().StringVar(&metadata, "metadata", "", "metadata JSON")
	cmd.Flags().StringSliceVar(&req.Lineage, "lineage", nil, "ids of artifacts this one derives from")
	cmd.Flags().BoolVar(&req.Hold, "hold", false, "keep in DRAFT instead of queueing for review")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("agent-id")
	return cmd
}

func artifactShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an artifact with its payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.GetArtifact(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
	return cmd
}

func artifactListCmd() *cobra.Command {
	var f repo.ArtifactFilters
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.ArtifactStatus(status)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListArtifacts(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, artifactTable(items))
			})
		},
	}
	cmd.Flags().StringVar(&f.Kind, "kind", "", "kind filter")
	cmd.Flags().StringVar(&f.Stage, "stage", "", "stage filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func artifactTransitionCmd() *cobra.Command {
	var to, rationale string
	cmd := &cobra.Command{
		Use:   "transition <id>",
		Short: "Move an artifact along its status lattice",
		Long:  "Covers moves outside review, such as withdrawing a draft to SUPERSEDED. Approval and rejection go through 'sg gate decide'.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Transition(ctx, args[0], domain.ArtifactStatus(to), actorID(), rationale)
				if err != nil {
					return err
				}
				return printJSONOrTable(a, artifactTable([]domain.Artifact{a}))
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target status")
	cmd.Flags().StringVar(&rationale, "rationale", "", "reason recorded in the audit log")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func artifactTable(items []domain.Artifact) func(table.Writer) {
	return func(tw table.Writer) {
		tw.AppendHeader(table.Row{"ID", "Kind", "Stage", "Agent", "Status", "Gate", "Payload"})
		for _, a := range items {
			tw.AppendRow(table.Row{a.ID, a.Kind, a.Stage, a.AgentID, a.Status, deref(a.GateID), compactJSON(a.Payload, 40)})
		}
	}
}

func gateCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "gate", Short: "Review queues"}
	cmd.AddCommand(gatePendingCmd())
	cmd.AddCommand(gateStatusCmd())
	cmd.AddCommand(gateEnqueueCmd())
	cmd.AddCommand(gateDecideCmd())
	return cmd
}

func gatePendingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending <gate>",
		Short: "List artifacts awaiting review, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListPending(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Artifact", "Kind", "Stage", "Submitted By", "Enqueued"})
					for _, it := range items {
						tw.AppendRow(table.Row{it.ArtifactID, it.Kind, it.Stage, it.SubmittedBy, it.EnqueuedAt})
					}
				})
			})
		},
	}
	return cmd
}

func gateStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <gate>",
		Short: "Show a gate's status and decision history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				status, err := e.GateStatus(ctx, args[0])
				if err != nil {
					return err
				}
				q, err := e.GateQueue(ctx, args[0])
				if err != nil {
					return err
				}
				out := map[string]any{"status": status, "pending": q.Pending, "decisions": q.Decisions}
				return printJSONOrTable(out, func(tw table.Writer) {
					tw.SetTitle(fmt.Sprintf("%s at %s: %s (approved [%s], missing [%s], pending %d)",
						status.Gate, status.Stage, status.Status, joinList(status.Approved), joinList(status.Missing), status.Pending))
					tw.AppendHeader(table.Row{"#", "Artifact", "Decision", "Reviewer", "Rationale", "At"})
					for _, d := range q.Decisions {
						tw.AppendRow(table.Row{d.ID, d.ArtifactID, d.Decision, d.ReviewerID, d.Rationale, d.TS})
					}
				})
			})
		},
	}
	return cmd
}

func gateEnqueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue <gate> <artifact-id>",
		Short: "Queue a held draft for review",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entry, err := e.Enqueue(ctx, args[0], args[1], actorID())
				if err != nil {
					return err
				}
				return printJSON(entry)
			})
		},
	}
	return cmd
}

func gateDecideCmd() *cobra.Command {
	var decision, rationale string
	cmd := &cobra.Command{
		Use:   "decide <gate> <artifact-id>",
		Short: "Approve or reject a queued artifact as --actor-id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := domain.Decision(decision)
			switch d {
			case domain.DecisionApprove, domain.DecisionReject:
			default:
				return fmt.Errorf("--decision must be APPROVE or REJECT")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Decide(ctx, engine.DecideRequest{
					Gate:       args[0],
					ArtifactID: args[1],
					Decision:   d,
					Reviewer:   engine.Reviewer{ID: actorID()},
					Rationale:  rationale,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(a, artifactTable([]domain.Artifact{a}))
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "APPROVE or REJECT")
	cmd.Flags().StringVar(&rationale, "rationale", "", "rationale")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}
