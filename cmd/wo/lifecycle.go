package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"workorder/internal/docstore"
	"workorder/internal/domain"
	"workorder/internal/engine"
	"workorder/internal/ledger"
	"workorder/internal/vcs"
)

func verifyAgentCmd() *cobra.Command {
	var (
		slot      int
		changed   []string
		completed []string
		gitBase   string
		repoDir   string
	)
	cmd := &cobra.Command{
		Use:   "verify-agent <workorder-id>",
		Short: "Check one slot's changed files and completed tasks",
		Long: `Classify a slot's work as compliant, scope_violation or incomplete.
Changed files come from --changed, or from git when --git-base is set.
Exits 2 when the slot is not compliant.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files := splitList(changed)
			if gitBase != "" {
				dir := repoDir
				if dir == "" {
					dir = viper.GetString("workspace")
				}
				got, err := vcs.NewGitDiff(dir, gitBase).ChangedFiles(cmd.Context())
				if err != nil {
					return err
				}
				files = got
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.Verify(ctx, engine.VerifyInput{
					WorkorderID:      args[0],
					SlotID:           slot,
					ChangedFiles:     files,
					CompletedTaskIDs: splitList(completed),
				})
				if err != nil {
					return err
				}
				if err := printVerification(out); err != nil {
					return err
				}
				if out.Result.Status != domain.VerificationCompliant {
					return errNonCompliant
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&slot, "slot", 0, "slot number")
	cmd.Flags().StringSliceVar(&changed, "changed", nil, "changed files (repeatable or comma separated)")
	cmd.Flags().StringSliceVar(&completed, "completed", nil, "completed task ids (repeatable or comma separated)")
	cmd.Flags().StringVar(&gitBase, "git-base", "", "derive changed files from git since this revision")
	cmd.Flags().StringVar(&repoDir, "repo", "", "checkout to inspect with --git-base (default: workspace)")
	_ = cmd.MarkFlagRequired("slot")
	return cmd
}

func printVerification(out engine.VerifyOutcome) error {
	if viper.GetBool("json") {
		return printJSON(out)
	}
	res := out.Result
	reused := ""
	if out.Reused {
		reused = " (unchanged inputs, previous attempt reused)"
	}
	fmt.Printf("Slot %d attempt %d: %s%s\n", res.SlotID, res.Attempt, res.Status, reused)
	fmt.Printf("Workorder %s is %s\n", out.Workorder.ID, out.Workorder.Status)
	if len(res.ViolatingFiles) > 0 {
		fmt.Printf("Files outside the slot: %s\n", strings.Join(res.ViolatingFiles, ", "))
	}
	if len(res.UnfinishedTasks) > 0 {
		fmt.Printf("Unfinished tasks: %s\n", strings.Join(res.UnfinishedTasks, ", "))
	}
	if len(res.UnexpectedTasks) > 0 {
		fmt.Printf("Tasks not assigned to the slot: %s\n", strings.Join(res.UnexpectedTasks, ", "))
	}
	return nil
}

func reportCmd() *cobra.Command {
	var (
		slot      int
		completed []string
		gitBase   string
		repoDir   string
		submit    bool
	)
	cmd := &cobra.Command{
		Use:   "report <workorder-id>",
		Short: "Measure a slot's deliverables from git and optionally submit them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := repoDir
			if dir == "" {
				dir = viper.GetString("workspace")
			}
			r, err := vcs.NewGitDiff(dir, gitBase).Deliverable(cmd.Context(), slot, splitList(completed))
			if err != nil {
				return err
			}
			if !submit {
				return printJSON(r)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				path, err := e.SubmitReport(ctx, args[0], r)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"report": r, "path": path})
			})
		},
	}
	cmd.Flags().IntVar(&slot, "slot", 0, "slot number")
	cmd.Flags().StringSliceVar(&completed, "completed", nil, "completed task ids")
	cmd.Flags().StringVar(&gitBase, "git-base", "", "revision the slot started from")
	cmd.Flags().StringVar(&repoDir, "repo", "", "checkout to measure (default: workspace)")
	cmd.Flags().BoolVar(&submit, "submit", false, "store the report with the workorder")
	_ = cmd.MarkFlagRequired("slot")
	_ = cmd.MarkFlagRequired("git-base")
	return cmd
}

func aggregateCmd() *cobra.Command {
	var files []string
	cmd := &cobra.Command{
		Use:   "aggregate-deliverables <workorder-id>",
		Short: "Combine every slot's deliverable report",
		Long: `Combine the slot reports given with --report, or the reports already submitted.
Exactly one report per slot is required.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var reports []domain.DeliverableReport
			for _, f := range files {
				r, err := docstore.DecodeReportFile(f)
				if err != nil {
					return fmt.Errorf("%s: %w", f, err)
				}
				reports = append(reports, r)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := e.Aggregate(ctx, args[0], reports)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				tw := newTable("Slot", "Added", "Removed", "Commits", "Elapsed", "Tasks")
				for _, r := range rep.Reports {
					tw.AppendRow([]any{r.SlotID, r.LinesAdded, r.LinesRemoved, r.Commits, r.ElapsedSeconds, strings.Join(r.CompletedTaskIDs, ", ")})
				}
				tw.AppendFooter([]any{"total", rep.LinesAdded, rep.LinesRemoved, rep.Commits, rep.ElapsedSeconds, len(rep.CompletedTaskIDs)})
				tw.Render()
				fmt.Printf("Complete: %t\n", rep.Complete)
				if len(rep.MissingTaskIDs) > 0 {
					fmt.Printf("Missing tasks: %s\n", strings.Join(rep.MissingTaskIDs, ", "))
				}
				if len(rep.UnknownTaskIDs) > 0 {
					fmt.Printf("Unknown tasks: %s\n", strings.Join(rep.UnknownTaskIDs, ", "))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&files, "report", nil, "slot report file (.json, .yaml or .toml); repeatable")
	return cmd
}

func documentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "document <workorder-id>",
		Short: "Mark a verified workorder documented",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.Document(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	return cmd
}

func archiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive-feature <workorder-id>",
		Short: "Archive a documented workorder under its feature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.Archive(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rec)
				}
				fmt.Printf("Archived %s to %s\n", rec.WorkorderID, rec.Location)
				return nil
			})
		},
	}
	return cmd
}

func queryLogCmd() *cobra.Command {
	var (
		q      ledger.Query
		follow bool
	)
	cmd := &cobra.Command{
		Use:   "query-log",
		Short: "Read the audit ledger",
		Long: `Print ledger entries, newest last. --id and --event accept globs such as WO-AUTH-* or slot.*.
With --follow, keep printing new entries until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			// --project narrows the ledger, which every project in the workspace shares.
			q.Project = viper.GetString("project")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.QueryLog(ctx, q)
				if err != nil {
					return err
				}
				if !follow {
					if viper.GetBool("json") {
						return printJSON(entries)
					}
					for _, entry := range entries {
						fmt.Println(ledger.FormatLine(entry))
					}
					return nil
				}
				emit := func(entry domain.LedgerEntry) error {
					if viper.GetBool("json") {
						return printJSON(entry)
					}
					fmt.Println(ledger.FormatLine(entry))
					return nil
				}
				for _, entry := range entries {
					if err := emit(entry); err != nil {
						return err
					}
				}
				return e.Ledger.Follow(ctx, q, emit)
			})
		},
	}
	cmd.Flags().StringVar(&q.IDPattern, "id", "", "workorder id or glob")
	cmd.Flags().StringVar(&q.Event, "event", "", "event name or glob")
	cmd.Flags().IntVarP(&q.Limit, "limit", "n", 0, "only the last n entries")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new entries")
	return cmd
}
