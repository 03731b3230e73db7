package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/segscope/internal/analytics"
	"github.com/kalambet/segscope/internal/chart"
	"github.com/kalambet/segscope/internal/jobs"
)

const sampleCSV = "CustomerID,Gender,Age,Annual Income (k$),Spending Score (1-100)\n1,Male,19,15,39\n2,Male,21,15,81\n"

// fakeClient is an in-memory analytics.Client. Status responses are served
// in order; the last one repeats.
type fakeClient struct {
	mu sync.Mutex

	dataset   analytics.Dataset
	uploadErr error
	uploads   int

	jobID    string
	runErr   error
	runs     []analytics.JobSpec
	statuses []analytics.JobStatus
	polls    int

	label      int
	predictErr error
	predicts   int

	// onRun and onPredict run once, outside the lock, before the call returns.
	onRun     func()
	onPredict func()

	records      []analytics.ClusteredRecord
	historyErr   error
	historyCalls int
}

func (f *fakeClient) UploadDataset(_ context.Context, up analytics.Upload) (analytics.Dataset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	if f.uploadErr != nil {
		return analytics.Dataset{}, f.uploadErr
	}
	ds := f.dataset
	ds.FileName = up.FileName
	ds.CompanyID = up.CompanyID
	return ds, nil
}

func (f *fakeClient) RunAnalysis(_ context.Context, spec analytics.JobSpec) (string, error) {
	f.mu.Lock()
	f.runs = append(f.runs, spec)
	hook := f.onRun
	f.onRun = nil
	jobID, err := f.jobID, f.runErr
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return "", err
	}
	return jobID, nil
}

func (f *fakeClient) JobStatus(_ context.Context, _ string) (analytics.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.polls
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	f.polls++
	return f.statuses[i], nil
}

func (f *fakeClient) PredictLive(_ context.Context, _ analytics.PredictRequest) (int, error) {
	f.mu.Lock()
	f.predicts++
	hook := f.onPredict
	f.onPredict = nil
	label, err := f.label, f.predictErr
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	return label, err
}

func (f *fakeClient) Register(context.Context, analytics.Credentials) (analytics.User, error) {
	return analytics.User{}, nil
}

func (f *fakeClient) Login(context.Context, analytics.Credentials) (string, error) {
	return "", nil
}

func (f *fakeClient) CreateCompany(context.Context, string) (analytics.Company, error) {
	return analytics.Company{}, nil
}

func (f *fakeClient) ClusteredData(_ context.Context, _ int) ([]analytics.ClusteredRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyCalls++
	return f.records, f.historyErr
}

func (f *fakeClient) counts() (runs, predicts, history int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs), f.predicts, f.historyCalls
}

func newTestController(t *testing.T, fc *fakeClient) *Controller {
	t.Helper()
	c := New(fc, Options{CompanyID: 1, Poll: jobs.Options{Interval: 5 * time.Millisecond}})
	t.Cleanup(c.Close)
	return c
}

func waitDone(t *testing.T, h *jobs.Handle) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Wait(ctx); err != nil {
		t.Fatalf("poll loop did not finish: %v", err)
	}
}

func TestUpload_Success(t *testing.T) {
	fc := &fakeClient{dataset: analytics.Dataset{ID: 7}}
	c := newTestController(t, fc)

	if got := c.UploadState().Status; got != UploadIdle {
		t.Fatalf("initial upload status = %q, want idle", got)
	}

	ds, err := c.Upload(context.Background(), NewUpload("customers.csv", []byte(sampleCSV), "Q1"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if ds.ID != 7 || ds.FileName != "customers.csv" {
		t.Errorf("dataset = %+v", ds)
	}
	if len(ds.Features) != 5 || ds.Features[3] != "Annual Income (k$)" {
		t.Errorf("features = %v", ds.Features)
	}

	st := c.UploadState()
	if st.Status != UploadSuccess || !strings.Contains(st.Message, "7") {
		t.Errorf("upload state = %+v", st)
	}
	cur, ok := c.Dataset()
	if !ok || cur.ID != 7 {
		t.Errorf("current dataset = %+v, %v", cur, ok)
	}
}

func TestUpload_NoFile(t *testing.T) {
	fc := &fakeClient{}
	c := newTestController(t, fc)

	_, err := c.Upload(context.Background(), UploadRequest{})
	if !errors.Is(err, ErrNoFile) {
		t.Fatalf("error = %v, want ErrNoFile", err)
	}
	if fc.uploads != 0 {
		t.Errorf("uploads = %d, want 0", fc.uploads)
	}
}

func TestUpload_EmptyCSVRejectedLocally(t *testing.T) {
	fc := &fakeClient{}
	c := newTestController(t, fc)

	_, err := c.Upload(context.Background(), NewUpload("empty.csv", []byte("a,b\n"), ""))
	if !errors.Is(err, analytics.ErrEmptyCSV) {
		t.Fatalf("error = %v, want ErrEmptyCSV", err)
	}
	if fc.uploads != 0 {
		t.Errorf("uploads = %d, want 0", fc.uploads)
	}
	if st := c.UploadState(); st.Status != UploadError || st.Message == "" {
		t.Errorf("upload state = %+v", st)
	}
}

func TestUpload_ServiceDetailShown(t *testing.T) {
	fc := &fakeClient{uploadErr: &analytics.APIError{StatusCode: 400, Detail: "Only CSV files are supported."}}
	c := newTestController(t, fc)

	if _, err := c.Upload(context.Background(), NewUpload("x.csv", []byte(sampleCSV), "")); err == nil {
		t.Fatal("expected error")
	}
	st := c.UploadState()
	if st.Status != UploadError || st.Message != "Only CSV files are supported." {
		t.Errorf("upload state = %+v", st)
	}
	if _, ok := c.Dataset(); ok {
		t.Error("failed upload should not select a dataset")
	}
}

func TestSubmitJob_Validation(t *testing.T) {
	tests := []struct {
		name    string
		dataset int
		spec    analytics.JobSpec
		want    error
	}{
		{"no dataset", 0, analytics.JobSpec{Features: []string{"a", "b"}, NClusters: 3}, ErrNoDataset},
		{"one feature", 7, analytics.JobSpec{Features: []string{"a"}, NClusters: 3}, ErrTooFewFeatures},
		{"duplicate feature", 7, analytics.JobSpec{Features: []string{"a", " a "}, NClusters: 3}, ErrTooFewFeatures},
		{"blank feature", 7, analytics.JobSpec{Features: []string{"a", ""}, NClusters: 3}, ErrTooFewFeatures},
		{"k too small", 7, analytics.JobSpec{Features: []string{"a", "b"}, NClusters: 1}, ErrClusterCount},
		{"k too large", 7, analytics.JobSpec{Features: []string{"a", "b"}, NClusters: 11}, ErrClusterCount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := &fakeClient{}
			c := newTestController(t, fc)
			if tt.dataset > 0 {
				if err := c.UseDataset(tt.dataset); err != nil {
					t.Fatalf("UseDataset: %v", err)
				}
			}

			_, err := c.SubmitJob(context.Background(), tt.spec)
			if !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
			if runs, _, _ := fc.counts(); runs != 0 {
				t.Errorf("RunAnalysis called %d times, want 0", runs)
			}
			if got := c.Job().Status; got != jobs.StatusIdle {
				t.Errorf("job status = %q, want idle", got)
			}
		})
	}
}

func TestSubmitJob_Queued(t *testing.T) {
	fc := &fakeClient{
		jobID:    "job-1",
		statuses: []analytics.JobStatus{{ID: "job-1", Status: "queued"}},
	}
	c := New(fc, Options{CompanyID: 1, Poll: jobs.Options{Interval: time.Hour}})
	t.Cleanup(c.Close)
	c.UseDataset(7)

	h, err := c.SubmitJob(context.Background(), analytics.JobSpec{Features: []string{"a", "b"}, NClusters: 3})
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	if h == nil {
		t.Fatal("nil handle")
	}

	j := c.Job()
	if j.Status != jobs.StatusQueued || j.ID != "job-1" || j.DatasetID != 7 {
		t.Errorf("job = %+v", j)
	}
	if fc.runs[0].DatasetID != 7 {
		t.Errorf("submitted dataset = %d, want 7", fc.runs[0].DatasetID)
	}
}

func TestSubmitJob_SubmissionFailure(t *testing.T) {
	fc := &fakeClient{runErr: &analytics.APIError{StatusCode: 404, Detail: "Dataset not found"}}
	c := newTestController(t, fc)
	c.UseDataset(99)

	if _, err := c.SubmitJob(context.Background(), analytics.JobSpec{Features: []string{"a", "b"}, NClusters: 3}); err == nil {
		t.Fatal("expected error")
	}

	j := c.Job()
	if j.Status != jobs.StatusFailed {
		t.Fatalf("status = %q, want failed", j.Status)
	}
	if j.ID != "" {
		t.Errorf("job id = %q, want empty", j.ID)
	}
	if got := jobs.FailureMessage(j); got != "Dataset not found" {
		t.Errorf("failure message = %q", got)
	}
	if s := c.Snapshot(); s.JobError != "Dataset not found" {
		t.Errorf("snapshot job error = %q", s.JobError)
	}
}

func TestSubmitJob_FailureAfterNewerJobKeepsNewer(t *testing.T) {
	fc := &fakeClient{runErr: &analytics.APIError{StatusCode: 500, Detail: "boom"}}
	c := newTestController(t, fc)
	c.UseDataset(4)

	var newer uint64
	fc.onRun = func() { newer = c.tracker.Begin() }

	if _, err := c.SubmitJob(context.Background(), analytics.JobSpec{Features: []string{"a", "b"}, NClusters: 3}); err == nil {
		t.Fatal("expected error")
	}

	j := c.Job()
	if j.Generation != newer || j.Status != jobs.StatusIdle {
		t.Errorf("job = %+v, want newer generation %d left idle", j, newer)
	}
}

func TestEndToEnd(t *testing.T) {
	features := []string{"Annual Income (k$)", "Spending Score (1-100)"}
	fc := &fakeClient{
		dataset: analytics.Dataset{ID: 7},
		jobID:   "a1b2",
		statuses: []analytics.JobStatus{
			{ID: "a1b2", Status: "queued"},
			{ID: "a1b2", Status: "running"},
			{ID: "a1b2", Status: "completed", Results: &analytics.JobResults{
				FeaturesUsed:        features,
				ClusterDistribution: map[string]int{"0": 40, "1": 35},
			}},
		},
		label:   1,
		records: []analytics.ClusteredRecord{{AnnualIncome: 15, SpendingScore: 39, ClusterLabel: 0}, {AnnualIncome: 70, SpendingScore: 60, ClusterLabel: 1}},
	}

	var mu sync.Mutex
	var seen []jobs.Status
	c := New(fc, Options{CompanyID: 1, Poll: jobs.Options{
		Interval: 5 * time.Millisecond,
		OnChange: func(j jobs.Job) {
			mu.Lock()
			seen = append(seen, j.Status)
			mu.Unlock()
		},
	}})
	t.Cleanup(c.Close)

	ctx := context.Background()
	if _, err := c.Upload(ctx, NewUpload("customers.csv", []byte(sampleCSV), "")); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	// A chart before the job completes is fetched once and then invalidated.
	if _, err := c.Chart(ctx); err != nil {
		t.Fatalf("Chart before job: %v", err)
	}

	h, err := c.SubmitJob(ctx, analytics.JobSpec{Features: features, NClusters: 5})
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	waitDone(t, h)

	mu.Lock()
	transitions := append([]jobs.Status(nil), seen...)
	mu.Unlock()
	want := []jobs.Status{jobs.StatusIdle, jobs.StatusQueued, jobs.StatusQueued, jobs.StatusRunning, jobs.StatusCompleted}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	}

	sum, ok := c.Summary()
	if !ok {
		t.Fatal("no summary after completion")
	}
	if len(sum.Clusters) != 2 || sum.Clusters[0] != (jobs.ClusterCount{Label: "0", Count: 40}) || sum.Clusters[1] != (jobs.ClusterCount{Label: "1", Count: 35}) {
		t.Errorf("clusters = %+v", sum.Clusters)
	}

	p, err := c.PredictRaw(ctx, "67.0", "56.0")
	if err != nil {
		t.Fatalf("PredictRaw: %v", err)
	}
	if p.Legend == nil || p.Legend.Name != "Target" {
		t.Errorf("legend = %+v", p.Legend)
	}

	series, err := c.Chart(ctx)
	if err != nil {
		t.Fatalf("Chart: %v", err)
	}
	highlighted := 0
	for _, s := range series {
		if s.Highlight {
			highlighted += len(s.Points)
		}
	}
	last := series[len(series)-1]
	if highlighted != 1 || !last.Highlight || last.Points[0] != (chart.Point{X: 67, Y: 56}) {
		t.Errorf("prediction series = %+v (highlighted points %d)", last, highlighted)
	}

	if _, _, calls := fc.counts(); calls != 2 {
		t.Errorf("history fetched %d times, want 2 (before and after the job)", calls)
	}
}

func TestPredict_InvalidInputNotSent(t *testing.T) {
	fc := &fakeClient{label: 1}
	c := newTestController(t, fc)

	for _, in := range [][2]string{{"abc", "56"}, {"67", ""}, {"NaN", "1"}, {"1", "Inf"}} {
		_, err := c.PredictRaw(context.Background(), in[0], in[1])
		if !errors.Is(err, ErrInvalidNumber) {
			t.Errorf("PredictRaw(%q, %q) error = %v, want ErrInvalidNumber", in[0], in[1], err)
		}
	}
	if _, predicts, _ := fc.counts(); predicts != 0 {
		t.Errorf("PredictLive called %d times, want 0", predicts)
	}
	if p := c.Prediction(); p.Point != nil || p.Message == "" {
		t.Errorf("prediction = %+v", p)
	}
}

func TestParsePredictionInput_NamesField(t *testing.T) {
	_, err := ParsePredictionInput("12", "high")
	if err == nil || !strings.Contains(err.Error(), "spending score") {
		t.Errorf("error = %v, want mention of spending score", err)
	}
	in, err := ParsePredictionInput(" 67.5 ", "56")
	if err != nil || in.Income != 67.5 || in.Score != 56 {
		t.Errorf("got %+v, %v", in, err)
	}
}

func TestPredict_ServiceError(t *testing.T) {
	fc := &fakeClient{predictErr: &analytics.APIError{StatusCode: 503, Detail: "Model not ready"}}
	c := newTestController(t, fc)

	p, err := c.Predict(context.Background(), PredictionInput{Income: 1, Score: 2})
	if err == nil {
		t.Fatal("expected error")
	}
	if p.Message != "Model not ready" || p.Point != nil {
		t.Errorf("prediction = %+v", p)
	}
}

func TestSubmitJob_ClearsPrediction(t *testing.T) {
	fc := &fakeClient{label: 2, jobID: "j", statuses: []analytics.JobStatus{{Status: "queued"}}}
	c := New(fc, Options{Poll: jobs.Options{Interval: time.Hour}})
	t.Cleanup(c.Close)
	c.UseDataset(3)

	if _, err := c.Predict(context.Background(), PredictionInput{Income: 1, Score: 2}); err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if _, err := c.SubmitJob(context.Background(), analytics.JobSpec{Features: []string{"a", "b"}, NClusters: 2}); err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	if p := c.Prediction(); p.Point != nil {
		t.Errorf("prediction survived a new job: %+v", p)
	}
}

func TestPredict_LateResponseDropped(t *testing.T) {
	fc := &fakeClient{label: 1}
	c := newTestController(t, fc)

	fc.onPredict = func() {
		if _, err := c.Predict(context.Background(), PredictionInput{Income: 80, Score: 20}); err != nil {
			t.Errorf("newer Predict: %v", err)
		}
	}

	p, err := c.Predict(context.Background(), PredictionInput{Income: 15, Score: 39})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if p.Point == nil || p.Point.Income != 15 {
		t.Errorf("returned prediction = %+v, want the caller's own point", p)
	}

	slot := c.Prediction()
	if slot.Point == nil || slot.Point.Income != 80 {
		t.Errorf("slot = %+v, want the newer prediction", slot)
	}
}

func TestPredict_LateResponseAfterSubmitDropped(t *testing.T) {
	fc := &fakeClient{label: 1, jobID: "j", statuses: []analytics.JobStatus{{Status: "queued"}}}
	c := newTestController(t, fc)
	c.UseDataset(3)

	fc.onPredict = func() {
		if _, err := c.SubmitJob(context.Background(), analytics.JobSpec{Features: []string{"a", "b"}, NClusters: 2}); err != nil {
			t.Errorf("SubmitJob: %v", err)
		}
	}

	if _, err := c.Predict(context.Background(), PredictionInput{Income: 15, Score: 39}); err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if p := c.Prediction(); p.Point != nil || p.Message != "" {
		t.Errorf("slot = %+v, want empty after the new job", p)
	}
}

func TestChart_EmptyHistory(t *testing.T) {
	fc := &fakeClient{}
	c := newTestController(t, fc)
	c.UseDataset(7)

	_, err := c.Chart(context.Background())
	if !errors.Is(err, chart.ErrNoData) {
		t.Fatalf("error = %v, want ErrNoData", err)
	}
}

func TestChart_NoDataset(t *testing.T) {
	c := newTestController(t, &fakeClient{})
	_, err := c.Chart(context.Background())
	if !errors.Is(err, chart.ErrNoData) || !errors.Is(err, ErrNoDataset) {
		t.Fatalf("error = %v, want ErrNoData wrapping ErrNoDataset", err)
	}
}

func TestChart_FetchErrorNotCached(t *testing.T) {
	fc := &fakeClient{historyErr: analytics.ErrUnreachable}
	c := newTestController(t, fc)
	c.UseDataset(7)

	if _, err := c.Chart(context.Background()); !errors.Is(err, chart.ErrNoData) {
		t.Fatalf("error = %v, want ErrNoData", err)
	}

	fc.mu.Lock()
	fc.historyErr = nil
	fc.records = []analytics.ClusteredRecord{{AnnualIncome: 1, SpendingScore: 1, ClusterLabel: 0}}
	fc.mu.Unlock()

	series, err := c.Chart(context.Background())
	if err != nil || len(series) != 1 {
		t.Fatalf("Chart after recovery = %v, %v", series, err)
	}
	if _, _, calls := fc.counts(); calls != 2 {
		t.Errorf("history calls = %d, want 2", calls)
	}
}

func TestHistory_CachedPerDataset(t *testing.T) {
	fc := &fakeClient{records: []analytics.ClusteredRecord{{ClusterLabel: 0}}}
	c := newTestController(t, fc)
	c.UseDataset(7)

	for range 3 {
		if _, err := c.History(context.Background()); err != nil {
			t.Fatalf("History: %v", err)
		}
	}
	if _, _, calls := fc.counts(); calls != 1 {
		t.Errorf("history calls = %d, want 1", calls)
	}

	c.UseDataset(8)
	if _, err := c.History(context.Background()); err != nil {
		t.Fatalf("History: %v", err)
	}
	if _, _, calls := fc.counts(); calls != 2 {
		t.Errorf("history calls after switching dataset = %d, want 2", calls)
	}
}
