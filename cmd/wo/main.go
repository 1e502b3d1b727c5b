package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"workorder/internal/app"
	"workorder/internal/domain"
	"workorder/internal/engine"
)

// Exit codes; 2 is reserved for a non-compliant verify-agent result.
const (
	exitGeneric      = 1
	exitNonCompliant = 2
)

var kindExitCodes = map[domain.Kind]int{
	domain.KindAllocationConflict:      3,
	domain.KindValidationFailure:       4,
	domain.KindUnresolvableFileOverlap: 5,
	domain.KindInvalidStateTransition:  6,
	domain.KindMissingSlotReport:       7,
	domain.KindDuplicateSlotReport:     8,
	domain.KindNotFound:                9,
	domain.KindInvalidInput:            10,
}

// errNonCompliant makes verify-agent exit 2 after printing its result.
var errNonCompliant = errors.New("slot is not compliant")

var rootCmd = &cobra.Command{
	Use:   "wo",
	Short: "Workorder lifecycle and multi-agent coordination",
	Long: `wo drives a feature from plan to archive while several coding agents work on it in parallel.
- Workorder: one unit of work with an id like WO-AUTH-FEATURE-001, moving planning -> partitioned -> executing -> verified -> documented -> archived.
- Plan: phases of tasks, each declaring the files it touches and the tasks it depends on; scored before it may be partitioned.
- Slots: the plan split across N agents so no file is owned by two of them.
- Verification: each agent's changed files and completed tasks are checked against its slot.
- Ledger: an append-only audit log shared by every workorder, read with 'wo query-log'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(reportError(os.Stdout, os.Stderr, err))
	}
}

func initConfig() {
	// A missing .env is fine.
	_ = godotenv.Load()
	viper.SetEnvPrefix("WO")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config)")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().Bool("inventory", true, "warn about plan paths missing from the workspace")
	rootCmd.PersistentFlags().String("jwt-secret", "", "HS256 secret for API tokens (env WO_JWT_SECRET)")
	for _, name := range []string{"workspace", "json", "project", "log-level", "inventory", "jwt-secret"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(createWorkorderCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(partitionCmd())
	rootCmd.AddCommand(manifestCmd())
	rootCmd.AddCommand(startExecutionCmd())
	rootCmd.AddCommand(verifyAgentCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(aggregateCmd())
	rootCmd.AddCommand(documentCmd())
	rootCmd.AddCommand(archiveCmd())
	rootCmd.AddCommand(queryLogCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(mcpCmd())
	rootCmd.AddCommand(tokenCmd())
}

// --- helpers ---

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func openApp(ctx context.Context) (*app.App, error) {
	return app.Open(ctx, viper.GetString("workspace"), app.Options{
		ProjectOverride: viper.GetString("project"),
		Logger:          newLogger(),
		Inventory:       viper.GetBool("inventory"),
	})
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a.Engine)
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

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row(header))
	return tw
}

// exitCode maps an error onto the process exit status.
func exitCode(err error) int {
	if errors.Is(err, errNonCompliant) {
		return exitNonCompliant
	}
	if code, ok := kindExitCodes[domain.KindOf(err)]; ok {
		return code
	}
	return exitGeneric
}

// reportError prints err, as the API error envelope when --json is set, and
// returns the exit code.
func reportError(stdout, stderr io.Writer, err error) int {
	code := exitCode(err)
	if code == exitNonCompliant {
		return code
	}
	if viper.GetBool("json") {
		body := map[string]any{"code": "error", "message": err.Error()}
		if de, ok := domain.AsError(err); ok {
			body["code"] = string(de.Kind)
			if len(de.Details) > 0 {
				body["details"] = de.Details
			}
			if de.Retryable() {
				body["retryable"] = true
			}
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(map[string]any{"error": body})
		return code
	}
	fmt.Fprintln(stderr, "error:", err)
	if de, ok := domain.AsError(err); ok {
		if d := de.DetailString(); d != "" {
			fmt.Fprintln(stderr, "  "+d)
		}
	}
	return code
}

func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
