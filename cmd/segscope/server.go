package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/segscope/internal/api"
	"github.com/kalambet/segscope/internal/config"
	"github.com/kalambet/segscope/internal/jobs"
	"github.com/kalambet/segscope/internal/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the session API on localhost (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(cmd, withMCP)
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdio")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server and session status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func runServer(cmd *cobra.Command, withMCP bool) error {
	fmt.Fprintf(stderr, "segscope version %s\n", version)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	apiToken, err := config.GetAPIToken(config.NewSecretStore())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	ctx, stop := signalContext(cmd)
	defer stop()

	ctl := newSession(cfg, func(j jobs.Job) {
		slog.Debug("job changed", "job_id", j.ID, "generation", j.Generation, "status", string(j.Status))
	})
	defer ctl.Close()
	slog.Info("session started", "session_id", ctl.ID(), "service", cfg.Service.BaseURL, "company_id", cfg.Service.CompanyID)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewHandler(api.HandlerDeps{Session: ctl, Token: apiToken}),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		fmt.Fprintf(stderr, "segscope listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Session: ctl, Version: version})
		stdioSrv := server.NewStdioServer(mcpSrv)
		g.Go(func() error {
			slog.Info("MCP server started (stdio transport)")
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("MCP stdio server error: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	printStatus("Service", "%s (company %d)", cfg.Service.BaseURL, cfg.Service.CompanyID)

	client, err := newAPIClient()
	if err != nil {
		printStatus("Server", "unknown (%v)", err)
		return nil
	}

	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
		return nil
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		return nil
	}
	printStatus("Server", "running on port %d", cfg.Server.Port)

	resp, err = client.get(ctx, "/session")
	if err != nil {
		return err
	}
	var st session.State
	if err := decodeJSON(resp, &st); err != nil {
		return err
	}
	printSessionState(st)
	return nil
}

func printSessionState(st session.State) {
	printStatus("Session", "%s", st.SessionID)

	upload := string(st.Upload.Status)
	if st.Upload.Message != "" {
		upload += ": " + st.Upload.Message
	}
	printStatus("Upload", "%s", upload)

	if st.Dataset != nil {
		printStatus("Dataset", "%d %s", st.Dataset.ID, st.Dataset.FileName)
	} else {
		printStatus("Dataset", "none")
	}

	switch {
	case st.Job.Status == jobs.StatusIdle:
		printStatus("Job", "none")
	case st.JobError != "":
		printStatus("Job", "%s failed: %s", st.Job.ID, st.JobError)
	default:
		printStatus("Job", "%s %s (%d polls)", st.Job.ID, st.Job.Status, st.Job.Polls)
	}
	if st.Summary != nil {
		for _, c := range st.Summary.Clusters {
			printStatus("  Cluster "+c.Label, "%d", c.Count)
		}
	}

	if p := st.Prediction; p.Legend != nil {
		printStatus("Prediction", "cluster %s (%s)", p.Legend.Label, p.Legend.Name)
	} else if p.Message != "" {
		printStatus("Prediction", "error: %s", p.Message)
	}
}
