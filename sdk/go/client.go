package workordersdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal workorder HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Workorder represents the API workorder model.
type Workorder struct {
	ID                  string `json:"id"`
	ProjectID           string `json:"project_id"`
	FeatureName         string `json:"feature_name"`
	Category            string `json:"category"`
	Seq                 int64  `json:"seq"`
	Status              string `json:"status"`
	RemediationRequired bool   `json:"remediation_required"`
	CreatedAt           string `json:"created_at"`
	UpdatedAt           string `json:"updated_at"`
}

type Task struct {
	TaskID          string   `json:"task_id"`
	Description     string   `json:"description"`
	EstimatedEffort string   `json:"estimated_effort"`
	DependsOn       []string `json:"depends_on,omitempty"`
	Touches         []string `json:"touches,omitempty"`
}

type Phase struct {
	Name  string `json:"name"`
	Tasks []Task `json:"tasks"`
}

type Plan struct {
	WorkorderID     string   `json:"workorder_id,omitempty"`
	Title           string   `json:"title"`
	Summary         string   `json:"summary,omitempty"`
	Phases          []Phase  `json:"phases"`
	SuccessCriteria []string `json:"success_criteria,omitempty"`
	TestingStrategy string   `json:"testing_strategy,omitempty"`
	Risks           []string `json:"risks,omitempty"`
}

type Issue struct {
	Category string `json:"category"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	TaskID   string `json:"task_id,omitempty"`
	Path     string `json:"path,omitempty"`
}

// Validation is a plan score.
type Validation struct {
	WorkorderID string         `json:"workorder_id"`
	Score       int            `json:"score"`
	Threshold   int            `json:"threshold"`
	Passed      bool           `json:"passed"`
	Breakdown   map[string]int `json:"breakdown"`
	Issues      []Issue        `json:"issues"`
}

type CrossSlotDep struct {
	TaskID    string `json:"task_id"`
	DependsOn string `json:"depends_on"`
	SlotID    int    `json:"slot_id"`
}

type Slot struct {
	SlotID         int            `json:"slot_id"`
	TaskIDs        []string       `json:"task_ids"`
	AllowedFiles   []string       `json:"allowed_files"`
	ForbiddenFiles []string       `json:"forbidden_files"`
	WaitsOn        []CrossSlotDep `json:"waits_on,omitempty"`
}

type Manifest struct {
	WorkorderID    string   `json:"workorder_id"`
	SlotCount      int      `json:"slot_count"`
	ExecutionOrder []string `json:"execution_order"`
	FileUniverse   []string `json:"file_universe"`
	Slots          []Slot   `json:"slots"`
}

type Verification struct {
	ID               string   `json:"id"`
	WorkorderID      string   `json:"workorder_id"`
	SlotID           int      `json:"slot_id"`
	Attempt          int      `json:"attempt"`
	Status           string   `json:"status"`
	ViolatingFiles   []string `json:"violating_files"`
	UnfinishedTasks  []string `json:"unfinished_tasks"`
	UnexpectedTasks  []string `json:"unexpected_tasks,omitempty"`
	ChangedFiles     []string `json:"changed_files"`
	CompletedTaskIDs []string `json:"completed_task_ids"`
	VerifiedAt       string   `json:"verified_at"`
}

type VerifyOutcome struct {
	Result    Verification `json:"result"`
	Reused    bool         `json:"reused"`
	Workorder Workorder    `json:"workorder"`
}

// Report is one slot's deliverable metrics.
type Report struct {
	SlotID           int      `json:"slot_id"`
	LinesAdded       int64    `json:"lines_added"`
	LinesRemoved     int64    `json:"lines_removed"`
	Commits          int64    `json:"commits"`
	ElapsedSeconds   int64    `json:"elapsed_seconds"`
	CompletedTaskIDs []string `json:"completed_task_ids"`
}

type AggregatedReport struct {
	WorkorderID      string   `json:"workorder_id"`
	Slots            []int    `json:"slots"`
	LinesAdded       int64    `json:"lines_added"`
	LinesRemoved     int64    `json:"lines_removed"`
	Commits          int64    `json:"commits"`
	ElapsedSeconds   int64    `json:"elapsed_seconds"`
	CompletedTaskIDs []string `json:"completed_task_ids"`
	MissingTaskIDs   []string `json:"missing_task_ids"`
	UnknownTaskIDs   []string `json:"unknown_task_ids,omitempty"`
	Complete         bool     `json:"complete"`
	Reports          []Report `json:"reports"`
}

type ArchiveRecord struct {
	WorkorderID string `json:"workorder_id"`
	FeatureName string `json:"feature_name"`
	Location    string `json:"location"`
	ArchivedAt  string `json:"archived_at"`
}

// LedgerEntry represents an audit log line.
type LedgerEntry struct {
	WorkorderID string `json:"workorder_id"`
	Project     string `json:"project"`
	Event       string `json:"event"`
	Detail      string `json:"detail,omitempty"`
	Timestamp   string `json:"timestamp"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateWorkorder allocates a new workorder id for feature and category.
func (c *Client) CreateWorkorder(ctx context.Context, feature, category string) (Workorder, error) {
	body := map[string]any{
		"feature_name": feature,
		"category":     category,
	}
	var resp Workorder
	err := c.do(ctx, http.MethodPost, "workorders", body, &resp)
	return resp, err
}

// ListWorkorders lists workorders, optionally filtered by status.
func (c *Client) ListWorkorders(ctx context.Context, status string) ([]Workorder, error) {
	endpoint := "workorders"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp struct {
		Items []Workorder `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) GetWorkorder(ctx context.Context, id string) (Workorder, error) {
	var resp Workorder
	err := c.do(ctx, http.MethodGet, c.workorderPath(id, ""), nil, &resp)
	return resp, err
}

// PutPlan stores a plan for a workorder in planning.
func (c *Client) PutPlan(ctx context.Context, id string, p Plan) (Plan, error) {
	var resp Plan
	err := c.do(ctx, http.MethodPut, c.workorderPath(id, "plan"), p, &resp)
	return resp, err
}

func (c *Client) ValidatePlan(ctx context.Context, id string) (Validation, error) {
	var resp Validation
	err := c.do(ctx, http.MethodPost, c.workorderPath(id, "plan/validate"), nil, &resp)
	return resp, err
}

// Partition splits the plan across slots.
func (c *Client) Partition(ctx context.Context, id string, slots int) (Manifest, error) {
	var resp Manifest
	err := c.do(ctx, http.MethodPost, c.workorderPath(id, "partition"), map[string]any{"slots": slots}, &resp)
	return resp, err
}

func (c *Client) Slot(ctx context.Context, id string, slot int) (Slot, error) {
	var resp Slot
	err := c.do(ctx, http.MethodGet, c.workorderPath(id, fmt.Sprintf("slots/%d", slot)), nil, &resp)
	return resp, err
}

func (c *Client) StartExecution(ctx context.Context, id string) (Workorder, error) {
	var resp Workorder
	err := c.do(ctx, http.MethodPost, c.workorderPath(id, "start"), nil, &resp)
	return resp, err
}

// Verify checks a slot's changed files and completed tasks.
func (c *Client) Verify(ctx context.Context, id string, slot int, changed, completed []string) (VerifyOutcome, error) {
	body := map[string]any{
		"changed_files":      nonNil(changed),
		"completed_task_ids": nonNil(completed),
	}
	var resp VerifyOutcome
	err := c.do(ctx, http.MethodPost, c.workorderPath(id, fmt.Sprintf("slots/%d/verify", slot)), body, &resp)
	return resp, err
}

// SubmitReport stores a slot's deliverable report.
func (c *Client) SubmitReport(ctx context.Context, id string, r Report) error {
	r.CompletedTaskIDs = nonNil(r.CompletedTaskIDs)
	return c.do(ctx, http.MethodPost, c.workorderPath(id, fmt.Sprintf("slots/%d/report", r.SlotID)), r, nil)
}

// Aggregate combines the submitted slot reports.
func (c *Client) Aggregate(ctx context.Context, id string) (AggregatedReport, error) {
	var resp AggregatedReport
	err := c.do(ctx, http.MethodPost, c.workorderPath(id, "aggregate"), nil, &resp)
	return resp, err
}

func (c *Client) Document(ctx context.Context, id string) (Workorder, error) {
	var resp Workorder
	err := c.do(ctx, http.MethodPost, c.workorderPath(id, "document"), nil, &resp)
	return resp, err
}

func (c *Client) Archive(ctx context.Context, id string) (ArchiveRecord, error) {
	var resp ArchiveRecord
	err := c.do(ctx, http.MethodPost, c.workorderPath(id, "archive"), nil, &resp)
	return resp, err
}

// Ledger returns the most recent ledger entries matching the workorder glob.
func (c *Client) Ledger(ctx context.Context, workorder string, limit int) ([]LedgerEntry, error) {
	q := url.Values{}
	if workorder != "" {
		q.Set("workorder", workorder)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	endpoint := "ledger"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []LedgerEntry `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.Details = envelope.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) workorderPath(id, p string) string {
	out := "workorders/" + url.PathEscape(id)
	if p != "" {
		out += "/" + strings.TrimLeft(p, "/")
	}
	return out
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
