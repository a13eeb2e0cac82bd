package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"stagegate/internal/domain"
	"stagegate/internal/engine"
	"stagegate/internal/repo"
)

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "agent", Short: "Agent types and their tasks"}
	cmd.AddCommand(agentListCmd())
	cmd.AddCommand(agentRegisterCmd())
	cmd.AddCommand(agentSpawnCmd())
	cmd.AddCommand(agentReportCmd())
	cmd.AddCommand(agentCancelCmd())
	return cmd
}

func agentListCmd() *cobra.Command {
	var stage string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered agent types",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var items []domain.AgentType
				var err error
				if stage != "" {
					items, err = e.AgentsForStage(ctx, stage)
				} else {
					items, err = e.ListAgentTypes(ctx)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(items, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Stages", "Produces", "Requires", "Description"})
					for _, a := range items {
						tw.AppendRow(table.Row{a.ID, joinList(a.Stages), joinList(a.Produces), joinList(a.Requires), a.Description})
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "only agents allowed in stage")
	return cmd
}

func agentRegisterCmd() *cobra.Command {
	var a domain.AgentType
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register or replace an agent type",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.RegisterAgentType(ctx, a, actorID())
				if err != nil {
					return err
				}
				return printJSON(out)
			})
		},
	}
	cmd.Flags().StringVar(&a.ID, "id", "", "agent type id")
	cmd.Flags().StringVar(&a.Description, "description", "", "description")
	cmd.Flags().StringSliceVar(&a.Stages, "stages", nil, "stages the agent may run in")
	cmd.Flags().StringSliceVar(&a.Produces, "produces", nil, "artifact kinds the agent produces")
	cmd.Flags().StringSliceVar(&a.Requires, "requires", nil, "kinds that must be approved before it runs")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func agentSpawnCmd() *cobra.Command {
	var lineage []string
	cmd := &cobra.Command{
		Use:   "spawn <agent-id>",
		Short: "Create a task for an agent in the current stage",
		Long:  "The task starts BLOCKED when a required kind is not yet approved. The agent reports progress with 'sg agent report'.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Spawn(ctx, engine.SpawnRequest{AgentID: args[0], Lineage: lineage, ActorID: actorID()})
				if err != nil {
					return err
				}
				return printJSONOrTable(t, taskTable([]domain.AgentTask{t}))
			})
		},
	}
	cmd.Flags().StringSliceVar(&lineage, "lineage", nil, "input artifact ids")
	return cmd
}

func agentReportCmd() *cobra.Command {
	var status, kind, payload, metadata, failure string
	cmd := &cobra.Command{
		Use:   "report <task-id>",
		Short: "Report task progress or its result",
		Long:  "--status SUCCEEDED requires --kind and --payload; the output is submitted as an artifact in the same step.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rep := engine.TaskReport{
				TaskID:  args[0],
				Status:  domain.TaskStatus(strings.ToUpper(status)),
				Failure: failure,
				ActorID: actorID(),
			}
			if kind != "" {
				p, err := readJSONArg("payload", payload)
				if err != nil {
					return err
				}
				m, err := readJSONArg("metadata", metadata)
				if err != nil {
					return err
				}
				rep.Output = &engine.AgentOutput{Kind: kind, Payload: p, Metadata: m}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Report(ctx, rep)
				if err != nil {
					return err
				}
				return printJSONOrTable(t, taskTable([]domain.AgentTask{t}))
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "RUNNING, BLOCKED, SUCCEEDED or FAILED")
	cmd.Flags().StringVar(&kind, "kind", "", "output artifact kind")
	cmd.Flags().StringVar(&payload, "payload", "", "output payload JSON")
	cmd.Flags().StringVar(&metadata, "metadata", "", "output metadata JSON")
	cmd.Flags().StringVar(&failure, "failure", "", "failure detail")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func agentCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a live task; any later result is discarded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Cancel(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(t, taskTable([]domain.AgentTask{t}))
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Inspect agent tasks"}
	cmd.AddCommand(taskListCmd())
	cmd.AddCommand(taskShowCmd())
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	var statuses []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, s := range statuses {
				f.Status = append(f.Status, domain.TaskStatus(strings.ToUpper(s)))
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, taskTable(items))
			})
		},
	}
	cmd.Flags().StringVar(&f.AgentID, "agent-id", "", "agent filter")
	cmd.Flags().StringVar(&f.Stage, "stage", "", "stage filter")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "status filter (repeatable)")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	return cmd
}

func taskTable(items []domain.AgentTask) func(table.Writer) {
	return func(tw table.Writer) {
		tw.AppendHeader(table.Row{"ID", "Agent", "Stage", "Status", "Artifact", "Failure"})
		for _, t := range items {
			tw.AppendRow(table.Row{t.ID, t.AgentID, t.Stage, t.Status, deref(t.ArtifactID), deref(t.Failure)})
		}
	}
}

// parseAgentCommands reads repeated agent=command flags.
func parseAgentCommands(items []string) (map[string]string, error) {
	out := make(map[string]string, len(items))
	for _, item := range items {
		id, line, ok := strings.Cut(item, "=")
		id = strings.TrimSpace(id)
		if !ok || id == "" || strings.TrimSpace(line) == "" {
			return nil, fmt.Errorf("--agent %q: expected <agent-id>=<command>", item)
		}
		out[id] = line
	}
	return out, nil
}
