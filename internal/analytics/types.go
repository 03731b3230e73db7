package analytics

// Timestamps are kept as the service renders them; the backend emits naive
// ISO-8601 values that time.Time cannot decode.

// Dataset is an uploaded, service-held tabular file.
type Dataset struct {
	ID          int    `json:"id"`
	CompanyID   int    `json:"company_id,omitempty"`
	FileName    string `json:"file_name"`
	Description string `json:"data_period_description,omitempty"`
	UploadedAt  string `json:"upload_timestamp,omitempty"`

	// Features lists the CSV header columns found during preflight.
	Features []string `json:"features,omitempty"`
}

// JobSpec is the request body for POST /datasets/run-dynamic-analysis/.
type JobSpec struct {
	DatasetID int      `json:"dataset_id"`
	Features  []string `json:"features"`
	NClusters int      `json:"n_clusters"`
}

// JobStatus mirrors the JSON returned by GET /analysis-jobs/{jobId}.
type JobStatus struct {
	ID         string      `json:"id"`
	DatasetID  int         `json:"dataset_id,omitempty"`
	Status     string      `json:"status"`
	Results    *JobResults `json:"results,omitempty"`
	CreatedAt  string      `json:"created_at,omitempty"`
	FinishedAt string      `json:"finished_at,omitempty"`
}

// JobResults is the union of the success and failure result payloads.
type JobResults struct {
	FeaturesUsed          []string       `json:"features_used,omitempty"`
	ClusterDistribution   map[string]int `json:"cluster_distribution,omitempty"`
	Summary               string         `json:"summary,omitempty"`
	TotalRecordsProcessed int            `json:"total_records_processed,omitempty"`
	Error                 string         `json:"error,omitempty"`
}

// ClusteredRecord is one historical point from GET /datasets/{id}/clustered-data/.
type ClusteredRecord struct {
	AnnualIncome  float64 `json:"annual_income"`
	SpendingScore float64 `json:"spending_score"`
	ClusterLabel  int     `json:"cluster_label"`
}

// PredictRequest is the request body for POST /predict-live/.
type PredictRequest struct {
	AnnualIncome  float64 `json:"annual_income"`
	SpendingScore float64 `json:"spending_score"`
}

// Credentials are an account's email and password.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// User is the account created by POST /auth/register.
type User struct {
	ID       int    `json:"id"`
	Email    string `json:"email"`
	IsActive bool   `json:"is_active"`
}

// Company owns datasets. Created by POST /companies/.
type Company struct {
	ID               int    `json:"id"`
	Name             string `json:"name"`
	UserID           int    `json:"user_id,omitempty"`
	RegistrationDate string `json:"registration_date,omitempty"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type predictResponse struct {
	PredictedCluster *int `json:"predicted_cluster"`
}

type jobCreatedResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}
