package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/segscope/internal/analytics"
	"github.com/kalambet/segscope/internal/chart"
	"github.com/kalambet/segscope/internal/jobs"
	"github.com/kalambet/segscope/internal/session"
)

const maxRequestBodySize = 1 << 20 // 1MB

// maxUploadBodySize is the dataset limit plus multipart overhead.
var maxUploadBodySize int64 = 51 << 20

// HandlerDeps holds dependencies for the local session API.
type HandlerDeps struct {
	Session *session.Controller
	Token   string
}

// NewHandler returns the local session API. Everything except /health
// requires the bearer token.
func NewHandler(deps HandlerDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/session", handleSession(deps))
		r.Post("/datasets", handleUpload(deps))
		r.Post("/jobs", handleSubmitJob(deps))
		r.Get("/jobs/current", handleCurrentJob(deps))
		r.Post("/predict", handlePredict(deps))
		r.Get("/chart", handleChart(deps))
		r.Get("/legend", handleLegend)
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleSession(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Session.Snapshot())
	}
}

func handleUpload(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBodySize)
		defer r.Body.Close()

		file, header, err := r.FormFile("file")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "%s", session.ErrFileTooLarge)
				return
			}
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%s", session.ErrNoFile)
			return
		}
		defer file.Close()

		ds, err := deps.Session.Upload(r.Context(), session.UploadRequest{
			FileName:    header.Filename,
			Description: r.FormValue("description"),
			Body:        file,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, ds)
	}
}

func handleSubmitJob(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var spec analytics.JobSpec
		if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		if _, err := deps.Session.SubmitJob(r.Context(), spec); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, currentJob(deps.Session))
	}
}

// jobView is a job snapshot plus its projected summary or failure text.
type jobView struct {
	Job     jobs.Job      `json:"job"`
	Summary *jobs.Summary `json:"summary,omitempty"`
	Error   string        `json:"error,omitempty"`
}

func currentJob(c *session.Controller) jobView {
	v := jobView{Job: c.Job()}
	if s, ok := c.Summary(); ok {
		v.Summary = &s
	}
	if v.Job.Status == jobs.StatusFailed {
		v.Error = jobs.FailureMessage(v.Job)
	}
	return v
}

func handleCurrentJob(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, currentJob(deps.Session))
	}
}

// predictRequest accepts each field as a JSON number or a string, the way
// form inputs arrive.
type predictRequest struct {
	AnnualIncome  json.RawMessage `json:"annual_income"`
	SpendingScore json.RawMessage `json:"spending_score"`
}

func rawField(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

func handlePredict(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req predictRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		p, err := deps.Session.PredictRaw(r.Context(), rawField(req.AnnualIncome), rawField(req.SpendingScore))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func handleChart(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		series, err := deps.Session.Chart(r.Context())
		if err != nil {
			if errors.Is(err, chart.ErrNoData) {
				httpError(w, http.StatusNotFound, "no_data", "%v", err)
				return
			}
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"series": series})
	}
}

func handleLegend(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"clusters": chart.Legend()})
}

// writeServiceError maps session and analytics errors onto HTTP responses.
// Local validation failures are 400, oversized datasets 413; service rejections keep their status;
// transport failures are 502.
func writeServiceError(w http.ResponseWriter, err error) {
	var apiErr *analytics.APIError
	switch {
	case errors.Is(err, session.ErrFileTooLarge):
		httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "%s", err)
	case isValidation(err):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%s", err)
	case errors.As(err, &apiErr):
		code := apiErr.StatusCode
		if code < 400 || code > 599 {
			code = http.StatusBadGateway
		}
		httpError(w, code, "service_error", "%s", apiErr.Error())
	case errors.Is(err, analytics.ErrTimeout):
		httpError(w, http.StatusGatewayTimeout, "api_error", "%s", err)
	default:
		slog.Warn("session request failed", "error", err)
		httpError(w, http.StatusBadGateway, "api_error", "%s", analytics.Message(err))
	}
}

func isValidation(err error) bool {
	for _, target := range []error{
		session.ErrNoFile, session.ErrNoDataset,
		session.ErrTooFewFeatures, session.ErrClusterCount, session.ErrInvalidNumber,
		analytics.ErrEmptyCSV, analytics.ErrMalformedCSV,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
