package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/segscope/internal/analytics"
	"github.com/kalambet/segscope/internal/chart"
	"github.com/kalambet/segscope/internal/config"
	"github.com/kalambet/segscope/internal/jobs"
	"github.com/kalambet/segscope/internal/session"
)

// newAnalyticsClient builds the remote service client. Tests replace it.
var newAnalyticsClient = func(cfg config.Config) analytics.Client {
	return analytics.NewHTTPClient(cfg.Service.BaseURL, cfg.Service.Token, cfg.ServiceTimeout())
}

// pollInterval overrides jobs.PollInterval when non-zero. Tests set it.
var pollInterval time.Duration

func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	setupLogging(cfg.Log.Level)

	if cfg.Service.Token == "" {
		tok, err := config.ServiceToken(config.NewSecretStore())
		if err != nil {
			return config.Config{}, fmt.Errorf("reading service token: %w", err)
		}
		cfg.Service.Token = tok
	}
	return cfg, nil
}

func newSession(cfg config.Config, onChange func(jobs.Job)) *session.Controller {
	return session.New(newAnalyticsClient(cfg), session.Options{
		CompanyID: cfg.Service.CompanyID,
		Poll: jobs.Options{
			Interval:   pollInterval,
			MaxWait:    cfg.PollMaxWait(),
			MaxRetries: cfg.Poll.MaxRetries,
			OnChange:   onChange,
		},
	})
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
}

func uploadFile(ctx context.Context, ctl *session.Controller, path, description string) (analytics.Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return analytics.Dataset{}, fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	printStep("Uploading %s...", filepath.Base(path))
	return ctl.Upload(ctx, session.UploadRequest{
		FileName:    filepath.Base(path),
		Description: description,
		Body:        f,
	})
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// --- upload ---

var uploadCmd = &cobra.Command{
	Use:   "upload <file.csv>",
	Short: "Upload a CSV dataset to the analysis service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		description, _ := cmd.Flags().GetString("description")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signalContext(cmd)
		defer stop()

		ctl := newSession(cfg, nil)
		defer ctl.Close()

		ds, err := uploadFile(ctx, ctl, args[0], description)
		if err != nil {
			return fmt.Errorf("upload failed: %s", analytics.Message(err))
		}

		printSuccess("Uploaded %s as dataset %d", ds.FileName, ds.ID)
		printStatus("Columns", "%s", strings.Join(ds.Features, ", "))
		return nil
	},
}

func init() {
	uploadCmd.Flags().String("description", "", "data period description")
}

// --- analyze ---

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Run a clustering job and wait for its result",
	Long: `Run a clustering job and wait for its result.

Examples:
  segscope analyze --file ./customers.csv --features "Annual Income (k$),Spending Score (1-100)" --clusters 5
  segscope analyze --dataset 7 --features "Age,Annual Income (k$)" --clusters 4 --no-wait`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		description, _ := cmd.Flags().GetString("description")
		datasetID, _ := cmd.Flags().GetInt("dataset")
		featuresStr, _ := cmd.Flags().GetString("features")
		clusters, _ := cmd.Flags().GetInt("clusters")
		noWait, _ := cmd.Flags().GetBool("no-wait")
		asJSON, _ := cmd.Flags().GetBool("json")

		if file == "" && datasetID <= 0 {
			return errors.New("one of --file or --dataset is required")
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signalContext(cmd)
		defer stop()

		var last jobs.Status
		ctl := newSession(cfg, func(j jobs.Job) {
			if j.Status == last || j.Status == jobs.StatusIdle {
				return
			}
			last = j.Status
			if j.ID != "" {
				printStep("Job %s %s", j.ID, j.Status)
			}
		})
		defer ctl.Close()

		if file != "" {
			ds, err := uploadFile(ctx, ctl, file, description)
			if err != nil {
				return fmt.Errorf("upload failed: %s", analytics.Message(err))
			}
			printSuccess("Uploaded %s as dataset %d", ds.FileName, ds.ID)
			datasetID = ds.ID
		}

		h, err := ctl.SubmitJob(ctx, analytics.JobSpec{
			DatasetID: datasetID,
			Features:  splitList(featuresStr),
			NClusters: clusters,
		})
		if err != nil {
			return fmt.Errorf("analysis not started: %s", analytics.Message(err))
		}

		if noWait {
			j := ctl.Job()
			printSuccess("Submitted job %s for dataset %d", j.ID, j.DatasetID)
			return nil
		}

		if err := h.Wait(ctx); err != nil {
			printWarning("Stopped waiting for job %s", ctl.Job().ID)
			return err
		}

		j := ctl.Job()
		if j.Status == jobs.StatusFailed {
			return fmt.Errorf("job %s failed: %s", j.ID, jobs.FailureMessage(j))
		}

		sum, ok := ctl.Summary()
		if !ok {
			return fmt.Errorf("job %s ended in state %s", j.ID, j.Status)
		}
		if asJSON {
			return printJSON(sum)
		}
		printSummary(sum)
		return nil
	},
}

func init() {
	analyzeCmd.Flags().String("file", "", "CSV file to upload before analysis")
	analyzeCmd.Flags().String("description", "", "data period description for --file")
	analyzeCmd.Flags().Int("dataset", 0, "id of an already uploaded dataset")
	analyzeCmd.Flags().String("features", "", "comma-separated feature columns (at least two)")
	analyzeCmd.Flags().Int("clusters", 5, "number of clusters (2 to 10)")
	analyzeCmd.Flags().Bool("no-wait", false, "return once the job is queued")
	analyzeCmd.Flags().Bool("json", false, "print the summary as JSON")
}

func printSummary(sum jobs.Summary) {
	printSuccess("Analysis completed")
	printStatus("Features", "%s", strings.Join(sum.FeaturesUsed, ", "))
	printStatus("Records", "%d", sum.Total)

	rows := make([][]string, 0, len(sum.Clusters))
	for _, c := range sum.Clusters {
		e := chart.Lookup(c.Label)
		rows = append(rows, []string{c.Label, e.Name, strconv.Itoa(c.Count)})
	}
	printTable([]string{"CLUSTER", "SEGMENT", "CUSTOMERS"}, rows)
}

// --- predict ---

var predictCmd = &cobra.Command{
	Use:   "predict <annual-income> <spending-score>",
	Short: "Predict the segment of a single customer",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		in, err := session.ParsePredictionInput(args[0], args[1])
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signalContext(cmd)
		defer stop()

		ctl := newSession(cfg, nil)
		defer ctl.Close()

		p, err := ctl.Predict(ctx, in)
		if err != nil {
			return fmt.Errorf("prediction failed: %s", analytics.Message(err))
		}
		if asJSON {
			return printJSON(p)
		}

		printSuccess("Cluster %s: %s", p.Legend.Label, p.Legend.Name)
		printStatus("Segment", "%s", p.Legend.Description)
		return nil
	},
}

func init() {
	predictCmd.Flags().Bool("json", false, "print the prediction as JSON")
}

// --- chart ---

var chartCmd = &cobra.Command{
	Use:   "chart",
	Short: "Build the income vs spending scatter data for a dataset",
	RunE: func(cmd *cobra.Command, args []string) error {
		datasetID, _ := cmd.Flags().GetInt("dataset")
		income, _ := cmd.Flags().GetString("income")
		score, _ := cmd.Flags().GetString("score")
		asJSON, _ := cmd.Flags().GetBool("json")

		if datasetID <= 0 {
			return errors.New("--dataset is required")
		}
		if (income == "") != (score == "") {
			return errors.New("--income and --score must be given together")
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signalContext(cmd)
		defer stop()

		ctl := newSession(cfg, nil)
		defer ctl.Close()
		if err := ctl.UseDataset(datasetID); err != nil {
			return err
		}

		if income != "" {
			if _, err := ctl.PredictRaw(ctx, income, score); err != nil {
				return fmt.Errorf("prediction failed: %s", analytics.Message(err))
			}
		}

		series, err := ctl.Chart(ctx)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(map[string]any{"series": series})
		}

		rows := make([][]string, 0, len(series))
		for _, s := range series {
			name := s.Name
			if s.Highlight {
				name += " (prediction)"
			}
			rows = append(rows, []string{s.Label, name, s.Color, strconv.Itoa(len(s.Points))})
		}
		printTable([]string{"CLUSTER", "SEGMENT", "COLOR", "POINTS"}, rows)
		return nil
	},
}

func init() {
	chartCmd.Flags().Int("dataset", 0, "dataset id")
	chartCmd.Flags().String("income", "", "annual income of a customer to highlight")
	chartCmd.Flags().String("score", "", "spending score of a customer to highlight")
	chartCmd.Flags().Bool("json", false, "print the full series as JSON")
}

// --- legend ---

var legendCmd = &cobra.Command{
	Use:   "legend",
	Short: "Show the cluster segment legend",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		entries := chart.Legend()
		if asJSON {
			return printJSON(entries)
		}

		rows := make([][]string, 0, len(entries))
		for _, e := range entries {
			rows = append(rows, []string{e.Label, e.Name, e.Color, e.Description})
		}
		printTable([]string{"CLUSTER", "SEGMENT", "COLOR", "DESCRIPTION"}, rows)
		return nil
	},
}

func init() {
	legendCmd.Flags().Bool("json", false, "print the legend as JSON")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(stdout, "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: fmt.Sprintf(`Set a configuration value in the config file.

Valid keys: %s`, strings.Join(config.ValidKeys(), ", ")),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
