package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"aether/internal/config"
	"aether/internal/db"
	"aether/internal/domain"
	"aether/internal/engine"
	"aether/internal/export"
	"aether/internal/gsync"
	"aether/internal/llm"
	"aether/internal/migrate"
	"aether/internal/objstore"
	"aether/internal/repo"
	"aether/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "aether",
	Short: "Aether CLI",
	Long: `Aether orchestrates a software project across an AI agent team.
Core concepts:
- Workspace: your .aether directory holding the database, export queue and files.
- Project: moves ideation -> strategy_review -> design -> development -> testing -> deployed.
- Proposals: strategy, design and task_assignment documents that need human review before work proceeds.
- Agents: the eight built-in roles (project_manager ... qa); each works at most one task at a time.
- Tasks: flow pending -> assigned -> in_progress -> completed -> approved; blocked tasks return to the pool.
- Export: approved work lands in an export queue; one task at a time holds the current-task slot.
- Sync: open and finished tasks mirror into a remote task list on an interval.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("AETHER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Int64("user-id", 0, "acting user id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user-id", rootCmd.PersistentFlags().Lookup("user-id"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(proposalCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectStatusCmd())
	prj.AddCommand(projectAnalyzeCmd())
	prj.AddCommand(projectSignOffCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var name, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProject(ctx, name, desc, viper.GetInt64("user-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Status, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Show project status with task counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, id)
				if err != nil {
					return err
				}
				counts, err := e.Repo.CountTasksByStatus(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"project": p, "task_counts": counts})
				}
				fmt.Printf("Project: %s (%s)\n", p.Name, p.Status)
				fmt.Println("Tasks:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
	return cmd
}

func projectAnalyzeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze <id>",
		Short: "Draft a strategy proposal via the configured LLM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.AnalyzeProject(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectSignOffCmd() *cobra.Command {
	var comments string
	cmd := &cobra.Command{
		Use:   "sign-off <id>",
		Short: "QA sign-off, moves a testing project to deployed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.SignOff(ctx, id, viper.GetInt64("user-id"), comments)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&comments, "comments", "", "sign-off comments")
	return cmd
}

func proposalCmd() *cobra.Command {
	prop := &cobra.Command{
		Use:   "proposal",
		Short: "Manage proposals",
		Long:  "Proposals gate the workflow: a strategy proposal must be approved before design, and a task_assignment proposal before development. Rejections require feedback.",
	}
	prop.AddCommand(proposalCreateCmd())
	prop.AddCommand(proposalListCmd())
	prop.AddCommand(proposalApproveCmd())
	prop.AddCommand(proposalRejectCmd())
	return prop
}

func proposalCreateCmd() *cobra.Command {
	var opts engine.ProposalCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Submit a proposal for review",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.CreatedBy = viper.GetInt64("user-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProposal(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().Int64Var(&opts.ProjectID, "project", 0, "project id")
	cmd.Flags().StringVar(&opts.Type, "type", "", "proposal type (strategy, design, task_assignment)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Content, "content", "", "content")
	cmd.Flags().Int64Var(&opts.Supersedes, "supersedes", 0, "rejected proposal this one revises")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func proposalListCmd() *cobra.Command {
	var projectID int64
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List proposals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListProposals(ctx, projectID, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Title", "Status"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Type, p.Title, p.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&projectID, "project", 0, "project id")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func proposalApproveCmd() *cobra.Command {
	var feedback string
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a pending proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.Review(ctx, id, true, viper.GetInt64("user-id"), feedback)
				if err != nil {
					return err
				}
				if out.BreakdownErr != nil {
					fmt.Fprintf(os.Stderr, "warning: breakdown failed: %v\n", out.BreakdownErr)
				}
				return printJSONOrTable(out.Proposal)
			})
		},
	}
	cmd.Flags().StringVar(&feedback, "feedback", "", "optional feedback")
	return cmd
}

func proposalRejectCmd() *cobra.Command {
	var feedback string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a pending proposal with feedback",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.Review(ctx, id, false, viper.GetInt64("user-id"), feedback)
				if err != nil {
					return err
				}
				return printJSONOrTable(out.Proposal)
			})
		},
	}
	cmd.Flags().StringVar(&feedback, "feedback", "", "rejection feedback (required)")
	_ = cmd.MarkFlagRequired("feedback")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks flow pending -> assigned -> in_progress -> completed -> approved. A blocked task keeps its reason and can be re-assigned.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskAssignCmd())
	task.AddCommand(taskProgressCmd())
	task.AddCommand(taskDoneCmd())
	task.AddCommand(taskBlockCmd())
	task.AddCommand(taskApproveCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().Int64Var(&opts.ModuleID, "module", 0, "module id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Requirements, "requirements", "", "requirements")
	cmd.Flags().Int64SliceVar(&opts.DependsOn, "depends-on", []int64{}, "dependency task id (repeatable)")
	_ = cmd.MarkFlagRequired("module")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Agent", "Progress"})
				for _, t := range tasks {
					agent := ""
					if t.AssignedAgentID != nil {
						agent = fmt.Sprint(*t.AssignedAgentID)
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, agent, fmt.Sprintf("%d%%", t.ProgressPercentage)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&f.ProjectID, "project", 0, "project filter")
	cmd.Flags().Int64Var(&f.ModuleID, "module", 0, "module filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().Int64Var(&f.AgentID, "agent", 0, "agent filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func taskGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTask(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskAssignCmd() *cobra.Command {
	var agentID int64
	cmd := &cobra.Command{
		Use:   "assign <id>",
		Short: "Assign task to an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Assign(ctx, id, agentID)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().Int64Var(&agentID, "agent", 0, "agent id")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func taskProgressCmd() *cobra.Command {
	var pct int
	var note string
	cmd := &cobra.Command{
		Use:   "progress <id>",
		Short: "Report task progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ReportProgress(ctx, id, pct, note)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().IntVar(&pct, "percentage", 0, "progress percentage")
	cmd.Flags().StringVar(&note, "note", "", "progress note")
	_ = cmd.MarkFlagRequired("percentage")
	return cmd
}

func taskDoneCmd() *cobra.Command {
	var summary string
	cmd := &cobra.Command{
		Use:   "done <id>",
		Short: "Complete task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Complete(ctx, id, summary)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&summary, "summary", "", "completion summary")
	return cmd
}

func taskBlockCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "block <id>",
		Short: "Block task with a reason",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Block(ctx, id, reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "blocker reason (required)")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func taskApproveCmd() *cobra.Command {
	var comments string
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a completed task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ApproveTask(ctx, id, viper.GetInt64("user-id"), comments)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&comments, "comments", "", "approval comments")
	return cmd
}

func agentCmd() *cobra.Command {
	agent := &cobra.Command{Use: "agent", Short: "Manage agents"}
	agent.AddCommand(agentInitCmd())
	agent.AddCommand(agentListCmd())
	agent.AddCommand(agentShowCmd())
	return agent
}

func agentInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Seed the built-in agent team",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.SeedAgents(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func agentListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAgents(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Role", "Status", "Task"})
				for _, a := range items {
					task := ""
					if a.CurrentTaskID != nil {
						task = fmt.Sprint(*a.CurrentTaskID)
					}
					tw.AppendRow(table.Row{a.ID, a.Name, a.Role, a.Status, task})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func agentShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Repo.GetAgent(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func exportCmd() *cobra.Command {
	exp := &cobra.Command{
		Use:   "export",
		Short: "Export tasks for execution",
		Long:  "Exported tasks land in <export-dir>/queue as JSON plus a markdown rendering. Promotion moves one into the current-task slot.",
	}
	exp.AddCommand(exportGenerateCmd())
	exp.AddCommand(exportPromoteCmd())
	exp.AddCommand(exportRejectCmd())
	exp.AddCommand(exportCurrentCmd())
	return exp
}

func exportGenerateCmd() *cobra.Command {
	var extra string
	cmd := &cobra.Command{
		Use:   "generate <task-id>",
		Short: "Write a task into the export queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withExporter(cmd.Context(), func(ctx context.Context, x *export.Exporter) error {
				spec, err := x.Generate(ctx, id, extra)
				if err != nil {
					return err
				}
				return printJSONOrTable(spec)
			})
		},
	}
	cmd.Flags().StringVar(&extra, "context", "", "extra context carried into the document notes")
	return cmd
}

func exportPromoteCmd() *cobra.Command {
	var expectEmpty bool
	cmd := &cobra.Command{
		Use:   "promote <task-id>",
		Short: "Promote a queued task to the current slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withExporter(cmd.Context(), func(ctx context.Context, x *export.Exporter) error {
				var spec export.Spec
				if cmd.Flags().Changed("expect-empty") {
					spec, err = x.TryPromote(ctx, id, viper.GetInt64("user-id"), expectEmpty)
				} else {
					spec, err = x.Promote(ctx, id, viper.GetInt64("user-id"))
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(spec)
			})
		},
	}
	cmd.Flags().BoolVar(&expectEmpty, "expect-empty", true, "fail if the slot already holds an unfinished task")
	return cmd
}

func exportRejectCmd() *cobra.Command {
	var feedback string
	cmd := &cobra.Command{
		Use:   "reject <task-id>",
		Short: "Reject a queued task with feedback",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withExporter(cmd.Context(), func(ctx context.Context, x *export.Exporter) error {
				return x.Reject(ctx, id, viper.GetInt64("user-id"), feedback)
			})
		},
	}
	cmd.Flags().StringVar(&feedback, "feedback", "", "rejection feedback (required)")
	_ = cmd.MarkFlagRequired("feedback")
	return cmd
}

func exportCurrentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "current",
		Short: "Show the promoted current task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withExporter(cmd.Context(), func(ctx context.Context, x *export.Exporter) error {
				spec, err := x.Current(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(spec)
			})
		},
	}
	return cmd
}

func syncCmd() *cobra.Command {
	sc := &cobra.Command{Use: "sync", Short: "Remote task list sync"}
	sc.AddCommand(syncOnceCmd())
	return sc
}

func syncOnceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "once",
		Short: "Run one sync pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if !cfg.Sync.Enabled {
				return fmt.Errorf("sync is not enabled in %s", config.Path(workspace))
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			s := newSyncer(conn, cfg)
			if err := s.RunOnce(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("sync OK")
			return nil
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	ak.AddCommand(apikeyCreateCmd())
	ak.AddCommand(apikeyListCmd())
	ak.AddCommand(apikeyDeleteCmd())
	return ak
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				return fmt.Errorf("--actor required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := uuid.New().String()
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				key := domain.APIKey{
					ID:      uuid.New().String(),
					Actor:   actor,
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := r.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "actor": key.Actor, "key": secret})
				}
				fmt.Printf("API key for %s (save it now, it is not stored):\n%s\n", actor, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor filter")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Activity log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var agentID int64
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail an agent's activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListActivity(ctx, agentID, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().Int64Var(&agentID, "agent", 0, "agent id")
	cmd.Flags().IntVar(&n, "n", 20, "number of rows")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noAuth bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			if cfg.LLM.BaseURL != "" {
				e.LLM = llm.NewHTTPClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model)
			}
			exporter := export.New(conn, cfg.Export.Dir)

			var syncer *gsync.Syncer
			if cfg.Sync.Enabled {
				syncer = newSyncer(conn, cfg)
				syncer.Start(cmd.Context())
				defer syncer.Stop()
			}

			store, err := objstore.NewLocal(cfg.Storage.Dir)
			if err != nil {
				return err
			}

			authCfg := server.AuthConfig{JWTSecret: cfg.Server.JWTSecret}
			if authCfg.JWTSecret == "" {
				authCfg.JWTSecret = os.Getenv("AETHER_JWT_SECRET")
			}
			if noAuth {
				authCfg.Disabled = true
			} else if authCfg.JWTSecret == "" {
				return fmt.Errorf("jwt secret required; set server.jwt_secret, AETHER_JWT_SECRET or pass --no-auth")
			}

			handler, err := server.New(server.Config{
				Engine:   e,
				Exporter: exporter,
				Syncer:   syncer,
				Store:    store,
				BasePath: basePath,
				Auth:     authCfg,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Aether API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	cmd.Flags().BoolVar(&noAuth, "no-auth", false, "disable authentication (local use only)")
	return cmd
}

// --- helpers ---

func newSyncer(conn *sql.DB, cfg *config.Config) *gsync.Syncer {
	return &gsync.Syncer{
		Repo:     repo.Repo{DB: conn},
		Client:   gsync.NewHTTPClient(cfg.Sync.BaseURL, cfg.Sync.Token, time.Duration(cfg.Sync.TimeoutSeconds)*time.Second),
		ListID:   cfg.Sync.ListID,
		Interval: time.Duration(cfg.Sync.IntervalMinutes) * time.Minute,
	}
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	if cfg.LLM.BaseURL != "" {
		e.LLM = llm.NewHTTPClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model)
	}
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func withExporter(ctx context.Context, fn func(context.Context, *export.Exporter) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, export.New(conn, cfg.Export.Dir))
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
