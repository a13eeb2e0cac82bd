package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"stagegate/internal/config"
	"stagegate/internal/db"
	"stagegate/internal/domain"
	"stagegate/internal/engine"
	"stagegate/internal/migrate"
)

const testSecret = "test-secret"

const testRegistry = `campaign: {id: camp-api, initial: S1}
stages:
  - id: S1
    successors: [S2]
    kinds:
      - {kind: K, required: true, gate: G1}
      - {kind: notes, required: false}
  - id: S2
gates:
  G1: {label: "Gate one"}
agents:
  - {id: agentX, stages: [S1], produces: [K]}
  - {id: noter, stages: [S1], produces: [notes]}
`

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
}

func newTestEngine(t *testing.T, mutate func(*config.Config)) engine.Engine {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg, err := config.FromYAML([]byte(testRegistry))
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if mutate != nil {
		mutate(cfg)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg, nil)
	e.OnAuditFault = func(err error) { t.Errorf("audit fault: %v", err) }
	if _, err := e.StartCampaign(context.Background(), "tester"); err != nil {
		t.Fatalf("start campaign: %v", err)
	}
	return e
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	e := newTestEngine(t, nil)
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret, AllowDevLogin: true}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{URL: srv.URL, Engine: e, client: srv.Client()}
}

func token(t *testing.T, subject string, roles ...string) map[string]string {
	t.Helper()
	tok, err := SignToken(testSecret, subject, roles, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + tok}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := s.client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, data)
	}
	return env.Error
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)
	res, _ := srv.do(t, http.MethodGet, "/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be open, got %d", res.StatusCode)
	}
	res, data := srv.do(t, http.MethodGet, "/v0/campaign", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || decodeError(t, data).Code != "unauthorized" {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, data)
	}
	res, _ = srv.do(t, http.MethodGet, "/v0/campaign", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}

	res, data = srv.do(t, http.MethodPost, "/v0/auth/dev/login", map[string]any{"subject": "alice", "roles": []string{"reviewer"}}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, data)
	}
	var login DevLoginResponse
	_ = json.Unmarshal(data, &login)
	res, data = srv.do(t, http.MethodGet, "/v0/campaign", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("minted token rejected: %d %s", res.StatusCode, data)
	}
	var c domain.Campaign
	_ = json.Unmarshal(data, &c)
	if c.Stage != "S1" || c.ID != "camp-api" {
		t.Fatalf("unexpected campaign %+v", c)
	}
}

func TestReviewFlowOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	agent := token(t, "agentX", RoleAgent)
	operator := token(t, "ops", RoleOperator)
	reviewer := token(t, "alice", RoleReviewer)

	res, data := srv.do(t, http.MethodPost, "/v0/artifacts", map[string]any{"kind": "K", "payload": map[string]any{"text": "brief"}}, agent)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit: %d %s", res.StatusCode, data)
	}
	var art domain.Artifact
	_ = json.Unmarshal(data, &art)
	if art.Status != domain.ArtifactPendingReview || art.AgentID != "agentX" {
		t.Fatalf("unexpected artifact %+v", art)
	}

	res, data = srv.do(t, http.MethodPost, "/v0/artifacts", map[string]any{"kind": "K"}, agent)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate: %d %s", res.StatusCode, data)
	}
	if e := decodeError(t, data); e.Code != "duplicate_submission" || e.Details["existing"] != art.ID {
		t.Fatalf("duplicate envelope %+v", e)
	}

	res, data = srv.do(t, http.MethodGet, "/v0/campaign/can-advance?target=S2", nil, operator)
	var can CanAdvanceResponse
	_ = json.Unmarshal(data, &can)
	if res.StatusCode != http.StatusOK || can.CanAdvance || len(can.Reasons) != 1 || can.Reasons[0] != "K not approved" {
		t.Fatalf("can-advance: %d %s", res.StatusCode, data)
	}
	res, data = srv.do(t, http.MethodPost, "/v0/campaign/advance", map[string]any{"target": "S2"}, operator)
	if res.StatusCode != http.StatusUnprocessableEntity || decodeError(t, data).Code != "precondition_not_met" {
		t.Fatalf("premature advance: %d %s", res.StatusCode, data)
	}

	res, _ = srv.do(t, http.MethodPost, "/v0/gates/G1/decisions", map[string]any{"artifact_id": art.ID, "decision": "APPROVE"}, agent)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("agent token must not decide: %d", res.StatusCode)
	}
	res, data = srv.do(t, http.MethodPost, "/v0/gates/G1/decisions", map[string]any{"artifact_id": "nope", "decision": "APPROVE"}, reviewer)
	if res.StatusCode != http.StatusConflict || decodeError(t, data).Code != "not_in_queue" {
		t.Fatalf("not in queue: %d %s", res.StatusCode, data)
	}
	res, data = srv.do(t, http.MethodPost, "/v0/gates/G1/decisions", map[string]any{"artifact_id": art.ID, "decision": "APPROVE", "rationale": "ok"}, reviewer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("decide: %d %s", res.StatusCode, data)
	}

	res, data = srv.do(t, http.MethodGet, "/v0/gates/G1", nil, reviewer)
	var gate GateResponse
	_ = json.Unmarshal(data, &gate)
	if res.StatusCode != http.StatusOK || gate.Status.Status != domain.GateCleared || len(gate.Decisions) != 1 || gate.Decisions[0].ReviewerID != "alice" {
		t.Fatalf("gate: %d %s", res.StatusCode, data)
	}

	res, _ = srv.do(t, http.MethodPost, "/v0/campaign/advance", map[string]any{"target": "S2"}, reviewer)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("reviewer must not advance: %d", res.StatusCode)
	}
	res, data = srv.do(t, http.MethodPost, "/v0/campaign/advance", map[string]any{"target": "S2"}, operator)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("advance: %d %s", res.StatusCode, data)
	}

	res, data = srv.do(t, http.MethodGet, "/v0/audit?from=0&limit=3", nil, operator)
	var page AuditPage
	_ = json.Unmarshal(data, &page)
	if res.StatusCode != http.StatusOK || len(page.Items) != 3 || page.NextCursor != page.Items[2].Seq {
		t.Fatalf("audit page: %d %s", res.StatusCode, data)
	}
	res, data = srv.do(t, http.MethodGet, "/v0/audit/verify", nil, operator)
	var verify engine.VerifyResult
	_ = json.Unmarshal(data, &verify)
	if res.StatusCode != http.StatusOK || !verify.Equal {
		t.Fatalf("verify: %d %s", res.StatusCode, data)
	}
}

func TestTaskEndpoints(t *testing.T) {
	srv := newTestServer(t)
	operator := token(t, "ops", RoleOperator)
	agent := token(t, "noter", RoleAgent)

	res, data := srv.do(t, http.MethodPost, "/v0/agents/noter/spawn", nil, operator)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("spawn: %d %s", res.StatusCode, data)
	}
	var task domain.AgentTask
	_ = json.Unmarshal(data, &task)
	res, data = srv.do(t, http.MethodPost, "/v0/agents/noter/spawn", nil, operator)
	if res.StatusCode != http.StatusConflict || decodeError(t, data).Code != "slot_occupied" {
		t.Fatalf("second spawn: %d %s", res.StatusCode, data)
	}
	res, _ = srv.do(t, http.MethodPost, "/v0/agents/ghost/spawn", nil, operator)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown agent: %d", res.StatusCode)
	}

	res, data = srv.do(t, http.MethodPost, "/v0/tasks/"+task.ID+"/report", map[string]any{"status": "RUNNING"}, agent)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("report running: %d %s", res.StatusCode, data)
	}
	res, data = srv.do(t, http.MethodPost, "/v0/tasks/"+task.ID+"/cancel", nil, operator)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel: %d %s", res.StatusCode, data)
	}
	res, data = srv.do(t, http.MethodPost, "/v0/tasks/"+task.ID+"/report", map[string]any{
		"status": "SUCCEEDED", "output": map[string]any{"kind": "notes", "payload": map[string]any{"late": true}},
	}, agent)
	if res.StatusCode != http.StatusGone || decodeError(t, data).Code != "result_discarded" {
		t.Fatalf("late report: %d %s", res.StatusCode, data)
	}

	res, data = srv.do(t, http.MethodGet, "/v0/tasks?agent_id=noter", nil, agent)
	var tasks []domain.AgentTask
	_ = json.Unmarshal(data, &tasks)
	if res.StatusCode != http.StatusOK || len(tasks) != 1 || tasks[0].Status != domain.TaskFailed {
		t.Fatalf("list tasks: %d %s", res.StatusCode, data)
	}
	res, data = srv.do(t, http.MethodGet, "/v0/agents?stage=S1", nil, agent)
	var agents []domain.AgentType
	_ = json.Unmarshal(data, &agents)
	if res.StatusCode != http.StatusOK || len(agents) != 2 {
		t.Fatalf("agents for stage: %d %s", res.StatusCode, data)
	}
}

func TestSpawnBodyIsOptional(t *testing.T) {
	srv := newTestServer(t)
	operator := token(t, "ops", RoleOperator)

	res, data := srv.do(t, http.MethodPost, "/v0/agents/noter/spawn", nil, operator)
	var task domain.AgentTask
	_ = json.Unmarshal(data, &task)
	if res.StatusCode != http.StatusCreated || task.Status != domain.TaskSpawned || len(task.Lineage) != 0 {
		t.Fatalf("spawn without body: %d %s", res.StatusCode, data)
	}

	n, err := srv.Engine.Submit(context.Background(), engine.SubmitRequest{Kind: "notes", AgentID: "noter", Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("submit notes: %v", err)
	}
	res, data = srv.do(t, http.MethodPost, "/v0/agents/agentX/spawn", map[string]any{"lineage": []string{n.ID}}, operator)
	task = domain.AgentTask{}
	_ = json.Unmarshal(data, &task)
	if res.StatusCode != http.StatusCreated || len(task.Lineage) != 1 || task.Lineage[0] != n.ID {
		t.Fatalf("spawn with lineage: %d %s", res.StatusCode, data)
	}
}

type capturedDelivery struct {
	body      []byte
	signature string
}

func TestWebhookDeliversSignedBatches(t *testing.T) {
	var mu sync.Mutex
	var deliveries []capturedDelivery
	fail := true
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		defer mu.Unlock()
		deliveries = append(deliveries, capturedDelivery{body: body, signature: r.Header.Get(SignatureHeader)})
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer receiver.Close()

	e := newTestEngine(t, func(cfg *config.Config) {
		cfg.Webhooks = []config.Webhook{{URL: receiver.URL, Secret: "hook-secret", Events: []string{"artifact.submitted", "gate.enqueued"}}}
	})
	ctx := context.Background()
	d := NewWebhookDispatcher(e, nil)
	d.DispatchAll(ctx)
	mu.Lock()
	if len(deliveries) != 0 {
		t.Fatalf("entries before the dispatcher started must not be delivered")
	}
	mu.Unlock()

	if _, err := e.Submit(ctx, engine.SubmitRequest{Kind: "K", AgentID: "agentX"}); err != nil {
		t.Fatal(err)
	}
	d.DispatchAll(ctx)
	mu.Lock()
	fail = false
	mu.Unlock()
	d.DispatchAll(ctx)
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(deliveries) != 2 {
		t.Fatalf("expected a failed and a retried delivery, got %d", len(deliveries))
	}
	if !bytes.Equal(deliveries[0].body, deliveries[1].body) {
		t.Fatalf("retry must resend the same batch")
	}
	got := deliveries[1]
	if got.signature != Sign("hook-secret", got.body) {
		t.Fatalf("bad signature %q", got.signature)
	}
	var batch webhookBatch
	if err := json.Unmarshal(got.body, &batch); err != nil {
		t.Fatal(err)
	}
	if batch.Campaign != "camp-api" || len(batch.Entries) != 2 || batch.Entries[0].Kind != "artifact.submitted" || batch.Entries[1].Kind != "gate.enqueued" {
		t.Fatalf("unexpected batch %+v", batch)
	}
}
