package stagegatesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a lightweight HTTP client for the stagegate API.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// Campaign is the campaign row plus its stage history.
type Campaign struct {
	ID             string            `json:"id"`
	Stage          string            `json:"stage"`
	Status         string            `json:"status"`
	StageEnteredAt string            `json:"stage_entered_at"`
	CreatedAt      string            `json:"created_at"`
	ArchivedAt     *string           `json:"archived_at,omitempty"`
	History        []StageTransition `json:"history"`
}

type StageTransition struct {
	From     string     `json:"from"`
	To       string     `json:"to"`
	TS       string     `json:"ts"`
	ActorID  string     `json:"actor_id"`
	Evidence []Evidence `json:"evidence,omitempty"`
}

// Evidence asserts that a stage confirmation predicate holds.
type Evidence struct {
	Predicate string `json:"predicate"`
	Confirmed bool   `json:"confirmed"`
	Source    string `json:"source,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

type Artifact struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	AgentID     string          `json:"agent_id"`
	Stage       string          `json:"stage"`
	Status      string          `json:"status"`
	Payload     json.RawMessage `json:"payload"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	Lineage     []string        `json:"lineage"`
	Fingerprint string          `json:"fingerprint"`
	ContentHash string          `json:"content_hash"`
	GateID      *string         `json:"gate_id,omitempty"`
	CreatedAt   string          `json:"created_at"`
	UpdatedAt   string          `json:"updated_at"`
}

// Submission is the body of SubmitArtifact. AgentID is ignored for agent
// tokens, which always submit as themselves.
type Submission struct {
	Kind     string   `json:"kind"`
	AgentID  string   `json:"agent_id,omitempty"`
	Payload  any      `json:"payload,omitempty"`
	Metadata any      `json:"metadata,omitempty"`
	Lineage  []string `json:"lineage,omitempty"`
	Hold     bool     `json:"hold,omitempty"`
}

type GateEntry struct {
	Gate        string `json:"gate"`
	ArtifactID  string `json:"artifact_id"`
	Kind        string `json:"kind"`
	Stage       string `json:"stage"`
	EnqueuedAt  string `json:"enqueued_at"`
	SubmittedBy string `json:"submitted_by"`
}

type GateDecision struct {
	ID         int64  `json:"id"`
	Gate       string `json:"gate"`
	ArtifactID string `json:"artifact_id"`
	Decision   string `json:"decision"`
	ReviewerID string `json:"reviewer_id"`
	Rationale  string `json:"rationale,omitempty"`
	TS         string `json:"ts"`
}

type GateStatus struct {
	Gate     string   `json:"gate"`
	Stage    string   `json:"stage"`
	Status   string   `json:"status"`
	Pending  int      `json:"pending"`
	Approved []string `json:"approved"`
	Missing  []string `json:"missing"`
}

// Gate is the status of one gate with its queue and decision history.
type Gate struct {
	Status    GateStatus     `json:"status"`
	Pending   []GateEntry    `json:"pending"`
	Decisions []GateDecision `json:"decisions"`
}

type AgentType struct {
	ID          string   `json:"id"`
	Description string   `json:"description,omitempty"`
	Stages      []string `json:"stages"`
	Produces    []string `json:"produces"`
	Requires    []string `json:"requires,omitempty"`
}

type Task struct {
	ID         string   `json:"id"`
	AgentID    string   `json:"agent_id"`
	Stage      string   `json:"stage"`
	Status     string   `json:"status"`
	Lineage    []string `json:"lineage"`
	ArtifactID *string  `json:"artifact_id,omitempty"`
	Failure    *string  `json:"failure,omitempty"`
	CreatedAt  string   `json:"created_at"`
	StartedAt  *string  `json:"started_at,omitempty"`
	EndedAt    *string  `json:"ended_at,omitempty"`
	UpdatedAt  string   `json:"updated_at"`
}

// TaskOutput is the artifact an agent hands back on success.
type TaskOutput struct {
	Kind     string `json:"kind"`
	Payload  any    `json:"payload,omitempty"`
	Metadata any    `json:"metadata,omitempty"`
}

type TaskReport struct {
	Status  string      `json:"status"`
	Output  *TaskOutput `json:"output,omitempty"`
	Failure string      `json:"failure,omitempty"`
}

type AuditEntry struct {
	Seq         int64           `json:"seq"`
	TS          string          `json:"ts"`
	Kind        string          `json:"kind"`
	ActorID     string          `json:"actor_id"`
	SubjectKind string          `json:"subject_kind"`
	SubjectID   string          `json:"subject_id"`
	Payload     json.RawMessage `json:"payload"`
}

// AuditPage wraps audit listings with the cursor for the next call.
type AuditPage struct {
	Items      []AuditEntry `json:"items"`
	NextCursor int64        `json:"next_cursor,omitempty"`
}

type Readiness struct {
	Target     string   `json:"target"`
	CanAdvance bool     `json:"can_advance"`
	Reasons    []string `json:"reasons"`
}

type VerifyResult struct {
	Seq        int64  `json:"seq"`
	Equal      bool   `json:"equal"`
	Divergence string `json:"divergence,omitempty"`
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

// IsCode reports whether err is an APIError carrying code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Campaign returns the active campaign.
func (c *Client) Campaign(ctx context.Context) (Campaign, error) {
	var resp Campaign
	err := c.do(ctx, http.MethodGet, "campaign", nil, &resp)
	return resp, err
}

// CanAdvance reports whether the campaign may move to target and why not.
func (c *Client) CanAdvance(ctx context.Context, target string) (Readiness, error) {
	var resp Readiness
	err := c.do(ctx, http.MethodGet, "campaign/can-advance?target="+url.QueryEscape(target), nil, &resp)
	return resp, err
}

// Advance moves the campaign to target.
func (c *Client) Advance(ctx context.Context, target string, evidence ...Evidence) (Campaign, error) {
	body := map[string]any{"target": target}
	if len(evidence) > 0 {
		body["evidence"] = evidence
	}
	var resp Campaign
	err := c.do(ctx, http.MethodPost, "campaign/advance", body, &resp)
	return resp, err
}

// SubmitArtifact stores an artifact for the current stage. Unless Hold is set
// it is queued at the kind's gate.
func (c *Client) SubmitArtifact(ctx context.Context, sub Submission) (Artifact, error) {
	var resp Artifact
	err := c.do(ctx, http.MethodPost, "artifacts", sub, &resp)
	return resp, err
}

func (c *Client) Artifact(ctx context.Context, id string) (Artifact, error) {
	var resp Artifact
	err := c.do(ctx, http.MethodGet, "artifacts/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Artifacts lists artifacts; empty arguments match everything.
func (c *Client) Artifacts(ctx context.Context, kind, stage, status string) ([]Artifact, error) {
	q := url.Values{}
	setIf(q, "kind", kind)
	setIf(q, "stage", stage)
	setIf(q, "status", status)
	var resp []Artifact
	err := c.do(ctx, http.MethodGet, withQuery("artifacts", q), nil, &resp)
	return resp, err
}

func (c *Client) Gate(ctx context.Context, gate string) (Gate, error) {
	var resp Gate
	err := c.do(ctx, http.MethodGet, "gates/"+url.PathEscape(gate), nil, &resp)
	return resp, err
}

// Pending lists the gate's queue in enqueue order.
func (c *Client) Pending(ctx context.Context, gate string) ([]GateEntry, error) {
	var resp []GateEntry
	err := c.do(ctx, http.MethodGet, "gates/"+url.PathEscape(gate)+"/pending", nil, &resp)
	return resp, err
}

// Enqueue queues a held artifact at gate.
func (c *Client) Enqueue(ctx context.Context, gate, artifactID string) (GateEntry, error) {
	var resp GateEntry
	err := c.do(ctx, http.MethodPost, "gates/"+url.PathEscape(gate)+"/queue", map[string]any{"artifact_id": artifactID}, &resp)
	return resp, err
}

// Decide records a decision as the token's subject. decision is APPROVE or REJECT.
func (c *Client) Decide(ctx context.Context, gate, artifactID, decision, rationale string) (Artifact, error) {
	body := map[string]any{"artifact_id": artifactID, "decision": decision}
	if rationale != "" {
		body["rationale"] = rationale
	}
	var resp Artifact
	err := c.do(ctx, http.MethodPost, "gates/"+url.PathEscape(gate)+"/decisions", body, &resp)
	return resp, err
}

// Agents lists registered agent types, optionally only those allowed in stage.
func (c *Client) Agents(ctx context.Context, stage string) ([]AgentType, error) {
	q := url.Values{}
	setIf(q, "stage", stage)
	var resp []AgentType
	err := c.do(ctx, http.MethodGet, withQuery("agents", q), nil, &resp)
	return resp, err
}

func (c *Client) RegisterAgent(ctx context.Context, a AgentType) (AgentType, error) {
	body := map[string]any{"description": a.Description, "stages": a.Stages, "produces": a.Produces}
	if len(a.Requires) > 0 {
		body["requires"] = a.Requires
	}
	var resp AgentType
	err := c.do(ctx, http.MethodPut, "agents/"+url.PathEscape(a.ID), body, &resp)
	return resp, err
}

// Spawn starts a task for agentID in the current stage.
func (c *Client) Spawn(ctx context.Context, agentID string, lineage ...string) (Task, error) {
	var body any
	if len(lineage) > 0 {
		body = map[string]any{"lineage": lineage}
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "agents/"+url.PathEscape(agentID)+"/spawn", body, &resp)
	return resp, err
}

func (c *Client) Task(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Tasks lists tasks; status may be a comma separated list.
func (c *Client) Tasks(ctx context.Context, agentID, stage, status string) ([]Task, error) {
	q := url.Values{}
	setIf(q, "agent_id", agentID)
	setIf(q, "stage", stage)
	setIf(q, "status", status)
	var resp []Task
	err := c.do(ctx, http.MethodGet, withQuery("tasks", q), nil, &resp)
	return resp, err
}

// Report records a task status change. A SUCCEEDED report carries the output.
func (c *Client) Report(ctx context.Context, taskID string, rep TaskReport) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(taskID)+"/report", rep, &resp)
	return resp, err
}

func (c *Client) Cancel(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(taskID)+"/cancel", nil, &resp)
	return resp, err
}

// AuditPage returns up to limit entries with seq greater than from.
func (c *Client) AuditPage(ctx context.Context, from int64, limit int) (AuditPage, error) {
	q := url.Values{}
	if from > 0 {
		q.Set("from", strconv.FormatInt(from, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp AuditPage
	err := c.do(ctx, http.MethodGet, withQuery("audit", q), nil, &resp)
	return resp, err
}

// Verify asks the server to replay its log against live state.
func (c *Client) Verify(ctx context.Context) (VerifyResult, error) {
	var resp VerifyResult
	err := c.do(ctx, http.MethodGet, "audit/verify", nil, &resp)
	return resp, err
}

// DevLogin mints a token on servers started with dev login enabled.
func (c *Client) DevLogin(ctx context.Context, subject string, roles ...string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "auth/dev/login", map[string]any{"subject": subject, "roles": roles}, &resp)
	return resp.Token, err
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
		return decodeError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeError(status int, body []byte) error {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

func setIf(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
