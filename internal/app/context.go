package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"workorder/internal/config"
	"workorder/internal/db"
	"workorder/internal/engine"
	"workorder/internal/migrate"
	"workorder/internal/scanner"
)

type Options struct {
	// ProjectOverride wins over the config file's project id.
	ProjectOverride string
	Logger          *slog.Logger
	Now             func() time.Time
	// Inventory enables the code-inventory warnings of the plan validator.
	Inventory bool
}

// App bundles everything a command needs for one workspace.
type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Engine    engine.Engine
}

// ResolveConfig picks the active project and its config. It prefers the
// override, then workorder.yml, then the workspace directory name.
func ResolveConfig(workspace, projectOverride string) (*config.Config, error) {
	fallback := projectOverride
	if fallback == "" {
		abs, err := filepath.Abs(workspace)
		if err != nil {
			return nil, err
		}
		fallback = strings.ToLower(filepath.Base(abs))
	}
	cfg, err := config.LoadOptional(workspace, fallback)
	if err != nil {
		return nil, err
	}
	if projectOverride != "" {
		cfg.Project.ID = projectOverride
	}
	if cfg.Project.ID == "" {
		return nil, fmt.Errorf("project not specified; use --project or set project.id in %s", config.Path(workspace))
	}
	return cfg, nil
}

// Open resolves config, opens and migrates the workspace database and wires
// the engine.
func Open(ctx context.Context, workspace string, opts Options) (*App, error) {
	if workspace == "" {
		workspace = "."
	}
	if _, err := os.Stat(workspace); err != nil {
		return nil, fmt.Errorf("workspace %s: %w", workspace, err)
	}
	cfg, err := ResolveConfig(workspace, opts.ProjectOverride)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	e, err := engine.New(conn, cfg, workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if opts.Logger != nil {
		e.Logger = opts.Logger
	}
	if opts.Now != nil {
		e.Now = opts.Now
	}
	if opts.Inventory {
		e.Inventory = scanner.NewFSInventory(workspace)
	}
	return &App{Workspace: workspace, Config: cfg, DB: conn, Engine: e}, nil
}

func (a *App) Close() error {
	if a == nil || a.DB == nil {
		return nil
	}
	return a.DB.Close()
}
