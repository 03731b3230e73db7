package api

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/segscope/internal/analytics"
	"github.com/kalambet/segscope/internal/chart"
	"github.com/kalambet/segscope/internal/session"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Session *session.Controller
	Version string
}

// NewMCPServer creates an MCP server exposing the analysis session as tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"segscope",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("segscope runs customer segmentation jobs on a remote clustering service and predicts the segment of a single customer."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("upload_dataset",
			mcp.WithDescription("Upload a local CSV file as a new dataset and make it the current dataset."),
			mcp.WithString("path", mcp.Description("Path to the CSV file"), mcp.Required()),
			mcp.WithString("description", mcp.Description("Optional data period description")),
		),
		mcpUploadDataset(deps),
	)

	s.AddTool(
		mcp.NewTool("run_analysis",
			mcp.WithDescription("Submit a clustering job on the current dataset. Returns immediately; poll job_status for progress."),
			mcp.WithArray("features", mcp.Description("Feature column names, at least two"), mcp.Required()),
			mcp.WithNumber("n_clusters", mcp.Description("Number of clusters, 2 to 10"), mcp.Required()),
			mcp.WithNumber("dataset_id", mcp.Description("Dataset to analyze (default: current dataset)")),
		),
		mcpRunAnalysis(deps),
	)

	s.AddTool(
		mcp.NewTool("job_status",
			mcp.WithDescription("Report the status of the current job and, once completed, its cluster distribution."),
		),
		mcpJobStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("predict_cluster",
			mcp.WithDescription("Predict the customer segment for an annual income and spending score."),
			mcp.WithString("annual_income", mcp.Description("Annual income in k$"), mcp.Required()),
			mcp.WithString("spending_score", mcp.Description("Spending score, 1 to 100"), mcp.Required()),
		),
		mcpPredictCluster(deps),
	)

	s.AddTool(
		mcp.NewTool("chart_data",
			mcp.WithDescription("Return the scatter series for the current dataset, with the latest prediction highlighted last."),
		),
		mcpChartData(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"session://state",
			"Session State",
			mcp.WithResourceDescription("Upload, dataset, job and prediction state as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceState(deps),
	)

	return s
}

func mcpUploadDataset(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, err := req.RequireString("path")
		if err != nil {
			return mcpError("path is required"), nil
		}

		f, err := os.Open(path)
		if err != nil {
			return mcpError(fmt.Sprintf("opening file: %v", err)), nil
		}
		defer f.Close()

		ds, err := deps.Session.Upload(ctx, session.UploadRequest{
			FileName:    filepath.Base(path),
			Description: req.GetString("description", ""),
			Body:        f,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("upload failed: %s", analytics.Message(err))), nil
		}

		return mcpText(fmt.Sprintf("Uploaded %s as dataset %d. Columns: %s", ds.FileName, ds.ID, strings.Join(ds.Features, ", "))), nil
	}
}

func mcpRunAnalysis(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		spec := analytics.JobSpec{
			DatasetID: req.GetInt("dataset_id", 0),
			Features:  req.GetStringSlice("features", nil),
			NClusters: req.GetInt("n_clusters", 0),
		}

		if _, err := deps.Session.SubmitJob(ctx, spec); err != nil {
			return mcpError(fmt.Sprintf("analysis not started: %s", analytics.Message(err))), nil
		}

		j := deps.Session.Job()
		return mcpText(fmt.Sprintf("Job %s %s for dataset %d", j.ID, j.Status, j.DatasetID)), nil
	}
}

func mcpJobStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		b, err := json.Marshal(currentJob(deps.Session))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal job: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpPredictCluster(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		p, err := deps.Session.PredictRaw(ctx, mcpNumberArg(req, "annual_income"), mcpNumberArg(req, "spending_score"))
		if err != nil {
			return mcpError(fmt.Sprintf("prediction failed: %s", analytics.Message(err))), nil
		}
		return mcpText(fmt.Sprintf("Cluster %s: %s (%s)", p.Legend.Label, p.Legend.Name, p.Legend.Description)), nil
	}
}

// mcpNumberArg returns argument key as text whether the client sent it as a
// string or a number.
func mcpNumberArg(req mcp.CallToolRequest, key string) string {
	if s := req.GetString(key, ""); s != "" {
		return s
	}
	args := req.GetArguments()
	if v, ok := args[key]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}

func mcpChartData(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		series, err := deps.Session.Chart(ctx)
		if err != nil {
			return mcpError(err.Error()), nil
		}

		b, err := json.Marshal(map[string]any{"series": series, "legend": chart.Legend()})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal chart: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceState(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(deps.Session.Snapshot())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal session state: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
