package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

const maxErrorBodySize = 64 << 10 // 64KB

// Client is the interface for talking to the remote analysis service.
type Client interface {
	UploadDataset(ctx context.Context, up Upload) (Dataset, error)
	RunAnalysis(ctx context.Context, spec JobSpec) (string, error)
	JobStatus(ctx context.Context, jobID string) (JobStatus, error)
	PredictLive(ctx context.Context, req PredictRequest) (int, error)
	ClusteredData(ctx context.Context, datasetID int) ([]ClusteredRecord, error)

	Register(ctx context.Context, cred Credentials) (User, error)
	Login(ctx context.Context, cred Credentials) (string, error)
	CreateCompany(ctx context.Context, name string) (Company, error)
}

// Upload is one dataset file headed for POST /companies/{companyId}/datasets/.
type Upload struct {
	CompanyID   int
	FileName    string
	Description string
	Data        []byte
}

// HTTPClient implements Client over the service's JSON/HTTP API.
type HTTPClient struct {
	baseURL string
	authURL string
	token   string
	client  *http.Client
}

// NewHTTPClient creates a client targeting baseURL (for example
// http://localhost:8000/api). An empty token sends no Authorization header.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	baseURL = strings.TrimRight(baseURL, "/")
	return &HTTPClient{
		baseURL: baseURL,
		authURL: authBaseURL(baseURL),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

// UploadDataset sends the CSV bytes as a multipart form and returns the
// dataset the service created.
func (c *HTTPClient) UploadDataset(ctx context.Context, up Upload) (Dataset, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", up.FileName)
	if err != nil {
		return Dataset{}, fmt.Errorf("building multipart body: %w", err)
	}
	if _, err := part.Write(up.Data); err != nil {
		return Dataset{}, fmt.Errorf("building multipart body: %w", err)
	}
	if up.Description != "" {
		if err := mw.WriteField("description", up.Description); err != nil {
			return Dataset{}, fmt.Errorf("building multipart body: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return Dataset{}, fmt.Errorf("building multipart body: %w", err)
	}

	path := fmt.Sprintf("/companies/%d/datasets/", up.CompanyID)
	req, err := c.newRequest(ctx, http.MethodPost, path, &buf)
	if err != nil {
		return Dataset{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var ds Dataset
	if err := c.do(req, &ds); err != nil {
		return Dataset{}, fmt.Errorf("uploading dataset: %w", err)
	}
	if ds.FileName == "" {
		ds.FileName = up.FileName
	}
	if ds.Description == "" {
		ds.Description = up.Description
	}
	return ds, nil
}

// RunAnalysis creates a clustering job and returns its identifier.
func (c *HTTPClient) RunAnalysis(ctx context.Context, spec JobSpec) (string, error) {
	req, err := c.newJSONRequest(ctx, http.MethodPost, "/datasets/run-dynamic-analysis/", spec)
	if err != nil {
		return "", err
	}

	var created jobCreatedResponse
	if err := c.do(req, &created); err != nil {
		return "", fmt.Errorf("submitting analysis: %w", err)
	}
	if created.ID == "" {
		return "", fmt.Errorf("submitting analysis: response has no job id")
	}
	return created.ID, nil
}

// JobStatus fetches the current status of a job.
func (c *HTTPClient) JobStatus(ctx context.Context, jobID string) (JobStatus, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/analysis-jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		return JobStatus{}, err
	}

	var st JobStatus
	if err := c.do(req, &st); err != nil {
		return JobStatus{}, fmt.Errorf("polling job %s: %w", jobID, err)
	}
	if st.ID == "" {
		st.ID = jobID
	}
	return st, nil
}

// PredictLive returns the cluster label for a single feature vector.
func (c *HTTPClient) PredictLive(ctx context.Context, pr PredictRequest) (int, error) {
	req, err := c.newJSONRequest(ctx, http.MethodPost, "/predict-live/", pr)
	if err != nil {
		return 0, err
	}

	var resp predictResponse
	if err := c.do(req, &resp); err != nil {
		return 0, fmt.Errorf("predicting cluster: %w", err)
	}
	if resp.PredictedCluster == nil {
		return 0, fmt.Errorf("predicting cluster: response has no predicted_cluster")
	}
	return *resp.PredictedCluster, nil
}

// ClusteredData returns every labeled record of a dataset. Records the
// service has not labeled yet are skipped.
func (c *HTTPClient) ClusteredData(ctx context.Context, datasetID int) ([]ClusteredRecord, error) {
	req, err := c.newRequest(ctx, http.MethodGet, fmt.Sprintf("/datasets/%d/clustered-data/", datasetID), nil)
	if err != nil {
		return nil, err
	}

	var raw []struct {
		AnnualIncome  float64 `json:"annual_income"`
		SpendingScore float64 `json:"spending_score"`
		ClusterLabel  *int    `json:"cluster_label"`
	}
	if err := c.do(req, &raw); err != nil {
		return nil, fmt.Errorf("fetching clustered data for dataset %d: %w", datasetID, err)
	}

	records := make([]ClusteredRecord, 0, len(raw))
	for _, r := range raw {
		if r.ClusterLabel == nil {
			continue
		}
		records = append(records, ClusteredRecord{
			AnnualIncome:  r.AnnualIncome,
			SpendingScore: r.SpendingScore,
			ClusterLabel:  *r.ClusterLabel,
		})
	}
	return records, nil
}

// Register creates a service account.
func (c *HTTPClient) Register(ctx context.Context, cred Credentials) (User, error) {
	data, err := json.Marshal(cred)
	if err != nil {
		return User{}, fmt.Errorf("marshalling request: %w", err)
	}
	req, err := c.newRequestURL(ctx, http.MethodPost, c.authURL+"/register", bytes.NewReader(data))
	if err != nil {
		return User{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	var u User
	if err := c.do(req, &u); err != nil {
		return User{}, fmt.Errorf("registering %s: %w", cred.Email, err)
	}
	return u, nil
}

// Login exchanges credentials for a bearer token using the OAuth2 password
// form the service expects.
func (c *HTTPClient) Login(ctx context.Context, cred Credentials) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("username", cred.Email)
	form.Set("password", cred.Password)

	req, err := c.newRequestURL(ctx, http.MethodPost, c.authURL+"/login", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Del("Authorization")

	var tok tokenResponse
	if err := c.do(req, &tok); err != nil {
		return "", fmt.Errorf("logging in: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("logging in: response has no access_token")
	}
	return tok.AccessToken, nil
}

// CreateCompany registers a company owned by the logged-in user.
func (c *HTTPClient) CreateCompany(ctx context.Context, name string) (Company, error) {
	req, err := c.newJSONRequest(ctx, http.MethodPost, "/companies/", map[string]string{"name": name})
	if err != nil {
		return Company{}, err
	}

	var co Company
	if err := c.do(req, &co); err != nil {
		return Company{}, fmt.Errorf("creating company %q: %w", name, err)
	}
	return co, nil
}

// authBaseURL maps the API root onto its sibling auth root, for example
// http://localhost:8000/api to http://localhost:8000/auth.
func authBaseURL(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil {
		return baseURL + "/auth"
	}
	u.Path = path.Join(path.Dir(u.Path), "auth")
	u.RawPath = ""
	return u.String()
}

func (c *HTTPClient) newJSONRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshalling request: %w", err)
	}
	req, err := c.newRequest(ctx, method, path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (c *HTTPClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	return c.newRequestURL(ctx, method, c.baseURL+path, body)
}

func (c *HTTPClient) newRequestURL(ctx context.Context, method, rawURL string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// do sends req and decodes a 2xx JSON body into v. Non-2xx responses become
// *APIError carrying the service's detail text.
func (c *HTTPClient) do(req *http.Request, v any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return &APIError{StatusCode: resp.StatusCode, Detail: parseDetail(body)}
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
