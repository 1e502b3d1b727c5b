package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"workorder/internal/auth"
	"workorder/internal/mcptools"
	"workorder/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noAuth bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Long: `Serve the workorder API and deliver ledger entries to the configured webhooks.
Bearer tokens are HS256 JWTs signed with WO_JWT_SECRET; mint one with 'wo token'.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			logger := newLogger()
			authCfg := server.AuthConfig{JWTSecret: viper.GetString("jwt-secret"), Disabled: noAuth, Logger: logger}
			if authCfg.JWTSecret == "" && !noAuth {
				return fmt.Errorf("WO_JWT_SECRET is required for bearer auth (or pass --no-auth)")
			}
			handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			waitWebhooks := server.StartWebhooks(ctx, a.Config, a.Engine.Ledger, logger)
			defer waitWebhooks()

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Fprintf(os.Stderr, "Serving workorder API for %s on http://%s%s (OpenAPI at %s/openapi.json)\n", a.Config.Project.ID, addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&noAuth, "no-auth", false, "serve every request as coordinator (local use only)")
	return cmd
}

func mcpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the agent tools over MCP stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			s := mcptools.NewServer(a.Engine, a.Workspace, nil)
			return mcpserver.ServeStdio(s)
		},
	}
	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		subject  string
		roles    []string
		lifetime time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := auth.IssueToken(viper.GetString("jwt-secret"), auth.TokenOptions{
				Subject:  subject,
				Roles:    roles,
				Lifetime: lifetime,
			})
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"token": token, "subject": subject, "roles": roles})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "actor id")
	cmd.Flags().StringSliceVar(&roles, "role", []string{"agent"}, "roles from workorder.yml rbac.roles")
	cmd.Flags().DurationVar(&lifetime, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
