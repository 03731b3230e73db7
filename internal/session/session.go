// Package session holds the state of one interactive analysis session: the
// upload slot, the current job, the live prediction and the clustered history
// used for charting. All mutation goes through Controller methods.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/kalambet/segscope/internal/analytics"
	"github.com/kalambet/segscope/internal/chart"
	"github.com/kalambet/segscope/internal/jobs"
)

const (
	MinFeatures = 2
	MinClusters = 2
	MaxClusters = 10

	maxUploadSize = 50 << 20 // 50MB
)

// Validation errors. They are returned before any network call.
var (
	ErrNoFile         = errors.New("select a file before uploading")
	ErrFileTooLarge   = errors.New("file exceeds the 50MB upload limit")
	ErrNoDataset      = errors.New("upload or select a dataset first")
	ErrTooFewFeatures = fmt.Errorf("select at least %d features", MinFeatures)
	ErrClusterCount   = fmt.Errorf("cluster count must be between %d and %d", MinClusters, MaxClusters)
	ErrInvalidNumber  = errors.New("must be a finite number")
)

// UploadStatus is the state of the upload slot.
type UploadStatus string

const (
	UploadIdle      UploadStatus = "idle"
	UploadUploading UploadStatus = "uploading"
	UploadSuccess   UploadStatus = "success"
	UploadError     UploadStatus = "error"
)

// UploadState is the visible state of the last upload.
type UploadState struct {
	Status  UploadStatus `json:"status"`
	Message string       `json:"message,omitempty"`
}

// UploadRequest is a file chosen for upload.
type UploadRequest struct {
	FileName    string
	Description string
	Body        io.Reader
}

// PredictionInput is a validated single-prediction feature vector.
type PredictionInput struct {
	Income float64 `json:"annual_income"`
	Score  float64 `json:"spending_score"`
}

// PredictionState is the visible state of the live prediction slot.
type PredictionState struct {
	Point   *chart.Prediction  `json:"point,omitempty"`
	Legend  *chart.LegendEntry `json:"legend,omitempty"`
	Message string             `json:"message,omitempty"`
}

// Options configures a Controller.
type Options struct {
	CompanyID int
	Poll      jobs.Options
}

// Controller is the single owner of a session's mutable state.
type Controller struct {
	id        string
	client    analytics.Client
	tracker   *jobs.Tracker
	companyID int
	logger    *slog.Logger

	// submitMu keeps job submissions sequential.
	submitMu sync.Mutex

	mu         sync.Mutex
	upload     UploadState
	dataset    *analytics.Dataset
	prediction PredictionState
	predictGen uint64
	history    historyState

	flight singleflight.Group
}

type historyState struct {
	datasetID int
	version   uint64
	loaded    bool
	records   []analytics.ClusteredRecord
	err       error
}

// New creates a Controller talking to client.
func New(client analytics.Client, opts Options) *Controller {
	c := &Controller{
		id:        uuid.NewString(),
		client:    client,
		companyID: opts.CompanyID,
		logger:    slog.Default(),
		upload:    UploadState{Status: UploadIdle},
	}

	poll := opts.Poll
	userHook := poll.OnChange
	poll.OnChange = func(j jobs.Job) {
		c.onJobChange(j)
		if userHook != nil {
			userHook(j)
		}
	}
	c.tracker = jobs.NewTracker(client, poll)
	return c
}

// ID returns the session identifier.
func (c *Controller) ID() string { return c.id }

// Close stops any running poll loop.
func (c *Controller) Close() {
	c.tracker.Stop()
}

// Upload sends a dataset file to the service. The file is checked locally
// first: it must be non-empty CSV with a header and at least one row.
func (c *Controller) Upload(ctx context.Context, req UploadRequest) (analytics.Dataset, error) {
	if strings.TrimSpace(req.FileName) == "" || req.Body == nil {
		return analytics.Dataset{}, ErrNoFile
	}

	data, err := io.ReadAll(io.LimitReader(req.Body, maxUploadSize+1))
	if err != nil {
		return analytics.Dataset{}, c.uploadFailed(fmt.Errorf("reading file: %w", err))
	}
	if len(data) > maxUploadSize {
		return analytics.Dataset{}, c.uploadFailed(ErrFileTooLarge)
	}
	features, err := analytics.Preflight(data)
	if err != nil {
		return analytics.Dataset{}, c.uploadFailed(err)
	}

	c.setUpload(UploadState{Status: UploadUploading})
	ds, err := c.client.UploadDataset(ctx, analytics.Upload{
		CompanyID:   c.companyID,
		FileName:    req.FileName,
		Description: req.Description,
		Data:        data,
	})
	if err != nil {
		return analytics.Dataset{}, c.uploadFailed(err)
	}
	ds.Features = features

	c.mu.Lock()
	c.upload = UploadState{Status: UploadSuccess, Message: fmt.Sprintf("uploaded %s as dataset %d", ds.FileName, ds.ID)}
	c.selectDatasetLocked(ds)
	c.mu.Unlock()

	c.logger.Info("dataset uploaded", "session_id", c.id, "dataset_id", ds.ID, "features", len(features))
	return ds, nil
}

func (c *Controller) uploadFailed(err error) error {
	c.setUpload(UploadState{Status: UploadError, Message: analytics.Message(err)})
	c.logger.Warn("dataset upload failed", "session_id", c.id, "error", err)
	return err
}

func (c *Controller) setUpload(s UploadState) {
	c.mu.Lock()
	c.upload = s
	c.mu.Unlock()
}

// UseDataset selects an already uploaded dataset by id.
func (c *Controller) UseDataset(id int) error {
	if id <= 0 {
		return ErrNoDataset
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dataset != nil && c.dataset.ID == id {
		return nil
	}
	c.selectDatasetLocked(analytics.Dataset{ID: id, CompanyID: c.companyID})
	return nil
}

func (c *Controller) selectDatasetLocked(ds analytics.Dataset) {
	c.dataset = &ds
	c.history = historyState{datasetID: ds.ID, version: c.history.version + 1}
}

// Dataset returns the current dataset, if any.
func (c *Controller) Dataset() (analytics.Dataset, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dataset == nil {
		return analytics.Dataset{}, false
	}
	ds := *c.dataset
	ds.Features = append([]string(nil), c.dataset.Features...)
	return ds, true
}

// UploadState returns the state of the upload slot.
func (c *Controller) UploadState() UploadState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.upload
}

// NormalizeSpec fills in the current dataset, drops blank and repeated
// feature names, and validates the result.
func (c *Controller) NormalizeSpec(spec analytics.JobSpec) (analytics.JobSpec, error) {
	if spec.DatasetID <= 0 {
		if ds, ok := c.Dataset(); ok {
			spec.DatasetID = ds.ID
		}
	}
	if spec.DatasetID <= 0 {
		return spec, ErrNoDataset
	}

	seen := make(map[string]bool, len(spec.Features))
	features := make([]string, 0, len(spec.Features))
	for _, f := range spec.Features {
		f = strings.TrimSpace(f)
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		features = append(features, f)
	}
	spec.Features = features

	if len(spec.Features) < MinFeatures {
		return spec, ErrTooFewFeatures
	}
	if spec.NClusters < MinClusters || spec.NClusters > MaxClusters {
		return spec, ErrClusterCount
	}
	return spec, nil
}

// SubmitJob validates spec, supersedes any current job and submits a new
// one. On success the job is queued and polling has started. A submission
// failure leaves the job slot failed with no job id.
func (c *Controller) SubmitJob(ctx context.Context, spec analytics.JobSpec) (*jobs.Handle, error) {
	spec, err := c.NormalizeSpec(spec)
	if err != nil {
		return nil, err
	}

	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	if err := c.UseDataset(spec.DatasetID); err != nil {
		return nil, err
	}
	gen := c.tracker.Begin()
	c.clearPrediction()

	jobID, err := c.client.RunAnalysis(ctx, spec)
	if err != nil {
		if ferr := c.tracker.Fail(gen, analytics.Message(err)); ferr != nil {
			c.logger.Warn("recording submission failure", "session_id", c.id, "error", ferr)
		}
		return nil, err
	}

	h, err := c.tracker.Start(ctx, gen, jobID, spec.DatasetID)
	if err != nil {
		return nil, err
	}
	c.logger.Info("analysis submitted", "session_id", c.id, "job_id", jobID, "dataset_id", spec.DatasetID,
		"features", strings.Join(spec.Features, ","), "n_clusters", spec.NClusters)
	return h, nil
}

// Job returns a snapshot of the current job.
func (c *Controller) Job() jobs.Job {
	return c.tracker.Current()
}

// Summary returns the projected result of the current job once it has
// completed.
func (c *Controller) Summary() (jobs.Summary, bool) {
	j := c.tracker.Current()
	if j.Status != jobs.StatusCompleted || j.Result == nil {
		return jobs.Summary{}, false
	}
	return jobs.Project(*j.Result), true
}

func (c *Controller) onJobChange(j jobs.Job) {
	if j.Status != jobs.StatusCompleted {
		return
	}
	// The service rewrote the dataset's labels; the next chart refetches.
	c.mu.Lock()
	if c.history.datasetID == j.DatasetID {
		c.history = historyState{datasetID: j.DatasetID, version: c.history.version + 1}
	}
	c.mu.Unlock()
}

// ParsePredictionInput validates raw form values for a single prediction.
func ParsePredictionInput(incomeRaw, scoreRaw string) (PredictionInput, error) {
	income, err := parseFinite("annual income", incomeRaw)
	if err != nil {
		return PredictionInput{}, err
	}
	score, err := parseFinite("spending score", scoreRaw)
	if err != nil {
		return PredictionInput{}, err
	}
	return PredictionInput{Income: income, Score: score}, nil
}

func parseFinite(field, raw string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%s %w, got %q", field, ErrInvalidNumber, raw)
	}
	return v, nil
}

// Predict requests a cluster for in and replaces the prediction slot with
// the result. A response that arrives after a newer prediction or job has
// cleared the slot is returned to the caller but not recorded.
func (c *Controller) Predict(ctx context.Context, in PredictionInput) (PredictionState, error) {
	gen := c.clearPrediction()
	if math.IsNaN(in.Income) || math.IsInf(in.Income, 0) || math.IsNaN(in.Score) || math.IsInf(in.Score, 0) {
		return c.predictionFailed(gen, fmt.Errorf("prediction input %w", ErrInvalidNumber))
	}

	label, err := c.client.PredictLive(ctx, analytics.PredictRequest{AnnualIncome: in.Income, SpendingScore: in.Score})
	if err != nil {
		return c.predictionFailed(gen, err)
	}

	entry := chart.LookupInt(label)
	state := PredictionState{
		Point:  &chart.Prediction{Income: in.Income, Score: in.Score, Label: label},
		Legend: &entry,
	}
	if c.setPrediction(gen, state) {
		c.logger.Info("prediction received", "session_id", c.id, "cluster_label", label)
	} else {
		c.logger.Debug("stale prediction dropped", "session_id", c.id, "cluster_label", label)
	}
	return clonePrediction(state), nil
}

// PredictRaw parses raw form values and calls Predict. Invalid input is
// reported in the prediction slot and never sent.
func (c *Controller) PredictRaw(ctx context.Context, incomeRaw, scoreRaw string) (PredictionState, error) {
	in, err := ParsePredictionInput(incomeRaw, scoreRaw)
	if err != nil {
		return c.predictionFailed(c.clearPrediction(), err)
	}
	return c.Predict(ctx, in)
}

func (c *Controller) predictionFailed(gen uint64, err error) (PredictionState, error) {
	state := PredictionState{Message: analytics.Message(err)}
	c.setPrediction(gen, state)
	return state, err
}

// setPrediction stores state if no newer prediction or job has started
// since gen was issued.
func (c *Controller) setPrediction(gen uint64, state PredictionState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.predictGen {
		return false
	}
	c.prediction = state
	return true
}

// clearPrediction empties the slot and returns the generation that may
// fill it next.
func (c *Controller) clearPrediction() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.predictGen++
	c.prediction = PredictionState{}
	return c.predictGen
}

// Prediction returns the prediction slot.
func (c *Controller) Prediction() PredictionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return clonePrediction(c.prediction)
}

func clonePrediction(p PredictionState) PredictionState {
	if p.Point != nil {
		pt := *p.Point
		p.Point = &pt
	}
	if p.Legend != nil {
		e := *p.Legend
		p.Legend = &e
	}
	return p
}

// History returns the clustered records of the current dataset, fetching
// them on first use. Concurrent callers share one request.
func (c *Controller) History(ctx context.Context) ([]analytics.ClusteredRecord, error) {
	c.mu.Lock()
	if c.dataset == nil {
		c.mu.Unlock()
		return nil, ErrNoDataset
	}
	h := c.history
	c.mu.Unlock()

	if h.loaded {
		return h.records, nil
	}

	key := strconv.Itoa(h.datasetID) + "/" + strconv.FormatUint(h.version, 10)
	v, err, _ := c.flight.Do(key, func() (any, error) {
		records, err := c.client.ClusteredData(ctx, h.datasetID)

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.history.datasetID == h.datasetID && c.history.version == h.version {
			// Failed fetches are not cached; the next call retries.
			c.history.err = err
			if err == nil {
				c.history.loaded = true
				c.history.records = records
			}
		}
		return records, err
	})
	if err != nil {
		c.logger.Warn("fetching clustered data failed", "session_id", c.id, "dataset_id", h.datasetID, "error", err)
		return nil, err
	}
	return v.([]analytics.ClusteredRecord), nil
}

// Chart builds the scatter series for the current dataset and prediction.
// It returns an error wrapping chart.ErrNoData when the history is empty or
// could not be fetched.
func (c *Controller) Chart(ctx context.Context) ([]chart.Series, error) {
	records, err := c.History(ctx)
	if err != nil {
		if errors.Is(err, ErrNoDataset) {
			return nil, fmt.Errorf("%w: %w", chart.ErrNoData, err)
		}
		return nil, fmt.Errorf("%w: %s", chart.ErrNoData, analytics.Message(err))
	}
	return chart.Build(records, c.Prediction().Point)
}

// State is a point-in-time view of the whole session.
type State struct {
	SessionID  string             `json:"session_id"`
	Upload     UploadState        `json:"upload"`
	Dataset    *analytics.Dataset `json:"dataset,omitempty"`
	Job        jobs.Job           `json:"job"`
	Summary    *jobs.Summary      `json:"summary,omitempty"`
	JobError   string             `json:"job_error,omitempty"`
	Prediction PredictionState    `json:"prediction"`
}

// Snapshot returns the current State.
func (c *Controller) Snapshot() State {
	s := State{
		SessionID:  c.id,
		Upload:     c.UploadState(),
		Job:        c.Job(),
		Prediction: c.Prediction(),
	}
	if ds, ok := c.Dataset(); ok {
		s.Dataset = &ds
	}
	if s.Job.Status == jobs.StatusCompleted && s.Job.Result != nil {
		sum := jobs.Project(*s.Job.Result)
		s.Summary = &sum
	}
	if s.Job.Status == jobs.StatusFailed {
		s.JobError = jobs.FailureMessage(s.Job)
	}
	return s
}

// NewUpload wraps an in-memory file as an UploadRequest.
func NewUpload(name string, data []byte, description string) UploadRequest {
	return UploadRequest{FileName: name, Description: description, Body: bytes.NewReader(data)}
}
