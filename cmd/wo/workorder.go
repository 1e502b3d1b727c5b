package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"workorder/internal/app"
	"workorder/internal/config"
	"workorder/internal/db"
	"workorder/internal/docstore"
	"workorder/internal/domain"
	"workorder/internal/engine"
	"workorder/internal/migrate"
	"workorder/internal/plan"
	"workorder/internal/repo"
)

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create workorder.yml and the workspace state directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := app.ResolveConfig(workspace, viper.GetString("project"))
			if err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(cfg.Project.ID)), 0o644); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			applied, err := migrate.Migrate(cmd.Context(), conn)
			if err != nil {
				return err
			}
			return printJSONOrTable(map[string]any{
				"project_id":         cfg.Project.ID,
				"config":             path,
				"state_dir":          db.StateDir(workspace),
				"migrations_applied": applied,
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing workorder.yml")
	return cmd
}

func createWorkorderCmd() *cobra.Command {
	var feature, category, planFile string
	cmd := &cobra.Command{
		Use:   "create-workorder",
		Short: "Allocate a workorder id and register it in planning",
		Long: `Allocate the next id for a feature and category, e.g. WO-AUTH-FEATURE-001.
Ids are unique and gapless per feature and category even when several processes allocate at once.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.CreateOptions{Feature: feature, Category: category}
			if planFile != "" {
				p, err := docstore.DecodePlanFile(planFile)
				if err != nil {
					return err
				}
				opts.Plan = &p
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.CreateWorkorder(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(w)
				}
				fmt.Println(w.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&feature, "feature", "", "feature name, e.g. auth")
	cmd.Flags().StringVar(&category, "category", "", "category, e.g. feature or bugfix")
	cmd.Flags().StringVar(&planFile, "plan", "", "plan document (.json, .yaml or .toml) to store right away")
	_ = cmd.MarkFlagRequired("feature")
	_ = cmd.MarkFlagRequired("category")
	return cmd
}

func listCmd() *cobra.Command {
	var f repo.WorkorderFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workorders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f.ProjectID = e.Config.Project.ID
				items, err := e.List(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Feature", "Category", "Status", "Remediation", "Updated")
				for _, w := range items {
					remediation := ""
					if w.RemediationRequired {
						remediation = "required"
					}
					tw.AppendRow([]any{w.ID, w.Feature, w.Category, w.Status, remediation, w.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Feature, "feature", "", "feature filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVarP(&f.Limit, "limit", "n", 0, "max workorders")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <workorder-id>",
		Short: "Show a workorder with its slots, aggregate and archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.Status(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				w := st.Workorder
				fmt.Printf("Workorder: %s (%s)\n", w.ID, w.Status)
				fmt.Printf("Feature: %s  Category: %s\n", w.Feature, w.Category)
				if w.RemediationRequired {
					fmt.Println("Remediation: required")
				}
				if len(st.Slots) > 0 {
					tw := newTable("Slot", "Tasks", "Attempts", "Latest")
					for _, s := range st.Slots {
						tw.AppendRow([]any{s.SlotID, strings.Join(s.TaskIDs, ", "), s.Attempts, s.LatestStatus})
					}
					tw.Render()
				}
				if a := st.Aggregate; a != nil {
					fmt.Printf("Deliverables: +%d/-%d lines, %d commits, %ds, complete=%t\n", a.LinesAdded, a.LinesRemoved, a.Commits, a.ElapsedSeconds, a.Complete)
					if len(a.MissingTaskIDs) > 0 {
						fmt.Printf("Missing tasks: %s\n", strings.Join(a.MissingTaskIDs, ", "))
					}
				}
				if a := st.Archive; a != nil {
					fmt.Printf("Archived: %s at %s\n", a.Location, a.ArchivedAt)
				}
				return nil
			})
		},
	}
	return cmd
}

func planCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "plan", Short: "Manage a workorder's plan"}
	cmd.AddCommand(planSetCmd())
	cmd.AddCommand(planShowCmd())
	cmd.AddCommand(planValidateCmd())
	return cmd
}

func planSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <workorder-id> <plan-file>",
		Short: "Store a plan document (.json, .yaml or .toml)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := docstore.DecodePlanFile(args[1])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				saved, err := e.SavePlan(ctx, args[0], p)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(saved)
				}
				fmt.Printf("Plan stored for %s: %d phases, %d tasks\n", args[0], len(saved.Phases), len(saved.Tasks()))
				return nil
			})
		},
	}
	return cmd
}

func planShowCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "show <workorder-id>",
		Short: "Print the stored plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Plan(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					format = docstore.FormatJSON
				}
				out, err := docstore.EncodePlan(p, format)
				if err != nil {
					return err
				}
				_, err = os.Stdout.Write(out)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", docstore.FormatYAML, "output format: json, yaml or toml")
	return cmd
}

func planValidateCmd() *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:   "validate <workorder-id>",
		Short: "Score the stored plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := e.ValidatePlan(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if err := printJSON(rep); err != nil {
						return err
					}
				} else {
					fmt.Printf("Score: %d/100 (threshold %d) passed=%t\n", rep.Score, rep.Threshold, rep.Passed)
					tw := newTable("Category", "Points")
					for _, c := range plan.Categories {
						tw.AppendRow([]any{c, rep.Breakdown[c]})
					}
					tw.Render()
					if len(rep.Issues) > 0 {
						it := newTable("Severity", "Category", "Task", "Path", "Message")
						for _, is := range rep.Issues {
							it.AppendRow([]any{is.Severity, is.Category, is.TaskID, is.Path, is.Message})
						}
						it.Render()
					}
				}
				if strict && !rep.Passed {
					return domain.Errorf(domain.KindValidationFailure, map[string]any{"score": rep.Score, "threshold": rep.Threshold}, "plan scored %d, below threshold %d", rep.Score, rep.Threshold)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "exit non-zero when the plan is below the threshold")
	return cmd
}

func partitionCmd() *cobra.Command {
	var slots int
	cmd := &cobra.Command{
		Use:   "partition <workorder-id>",
		Short: "Split the plan across agent slots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.Partition(ctx, args[0], slots)
				if err != nil {
					return err
				}
				return printManifest(m)
			})
		},
	}
	cmd.Flags().IntVar(&slots, "slots", 1, "number of agent slots")
	return cmd
}

func manifestCmd() *cobra.Command {
	var slot int
	cmd := &cobra.Command{
		Use:   "manifest <workorder-id>",
		Short: "Show the slot manifest, or one slot's assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.Manifest(ctx, args[0])
				if err != nil {
					return err
				}
				if slot > 0 {
					s, ok := m.Slot(slot)
					if !ok {
						return domain.Errorf(domain.KindNotFound, map[string]any{"slot_id": slot}, "slot %d not in manifest of %s", slot, args[0])
					}
					return printJSONOrTable(s)
				}
				return printManifest(m)
			})
		},
	}
	cmd.Flags().IntVar(&slot, "slot", 0, "show only this slot")
	return cmd
}

func printManifest(m domain.Manifest) error {
	if viper.GetBool("json") {
		return printJSON(m)
	}
	fmt.Printf("Workorder: %s  Slots: %d\n", m.WorkorderID, m.SlotCount)
	fmt.Printf("Execution order: %s\n", strings.Join(m.ExecutionOrder, " -> "))
	tw := newTable("Slot", "Tasks", "Allowed files", "Waits on")
	for _, s := range m.Slots {
		waits := make([]string, 0, len(s.WaitsOn))
		for _, d := range s.WaitsOn {
			waits = append(waits, fmt.Sprintf("%s<-%s@%d", d.TaskID, d.DependsOn, d.SlotID))
		}
		tw.AppendRow([]any{s.SlotID, strings.Join(s.TaskIDs, ", "), strings.Join(s.AllowedFiles, "\n"), strings.Join(waits, "\n")})
	}
	tw.Render()
	return nil
}

func startExecutionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start-execution <workorder-id>",
		Short: "Move a partitioned workorder to executing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.StartExecution(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	return cmd
}
