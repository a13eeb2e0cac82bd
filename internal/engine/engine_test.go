package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"stagegate/internal/audit"
	"stagegate/internal/config"
	"stagegate/internal/db"
	"stagegate/internal/domain"
	"stagegate/internal/engine"
	"stagegate/internal/migrate"
	"stagegate/internal/repo"
)

const testRegistry = `campaign:
  id: camp-test
  initial: S1
stages:
  - id: S1
    successors: [S2]
    kinds:
      - {kind: K, required: true, gate: G1}
      - {kind: notes, required: false}
  - id: S2
    successors: [S3]
    confirmation: vote_confirmed
    kinds:
      - {kind: L, required: true, gate: G1}
      - {kind: M, required: true}
      - {kind: R, required: false, gate: G2}
  - id: S3
gates:
  G1: {label: "Gate one"}
  G2: {label: "Restricted", reviewers: [carol]}
agents:
  - {id: agentX, stages: [S1], produces: [K]}
  - {id: noter, stages: [S1, S2], produces: [notes]}
  - {id: follower, stages: [S2], produces: [M], requires: [L]}
`

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Faults *[]error
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	cfg, err := config.FromYAML([]byte(testRegistry))
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return newTestEnvWith(t, cfg)
}

func newTestEnvWith(t *testing.T, cfg *config.Config) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, cfg, nil)
	clk := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	eng.Now = clk.now
	var faults []error
	eng.OnAuditFault = func(err error) { faults = append(faults, err) }
	if _, err := eng.StartCampaign(ctx, "tester"); err != nil {
		t.Fatalf("start campaign: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, Faults: &faults}
}

func (env testEnv) submit(t *testing.T, kind, agent string, lineage ...string) domain.Artifact {
	t.Helper()
	a, err := env.Engine.Submit(env.Ctx, engine.SubmitRequest{
		Kind: kind, AgentID: agent, Payload: json.RawMessage(`{"text": "draft <b>` + kind + `</b>"}`), Lineage: lineage,
	})
	if err != nil {
		t.Fatalf("submit %s: %v", kind, err)
	}
	return a
}

func (env testEnv) decide(t *testing.T, gate, id string, d domain.Decision, reviewer string) domain.Artifact {
	t.Helper()
	a, err := env.Engine.Decide(env.Ctx, engine.DecideRequest{
		Gate: gate, ArtifactID: id, Decision: d, Reviewer: engine.Reviewer{ID: reviewer}, Rationale: "reviewed",
	})
	if err != nil {
		t.Fatalf("decide %s: %v", id, err)
	}
	return a
}

func (env testEnv) latestSeq(t *testing.T) int64 {
	t.Helper()
	seq, err := env.Engine.Audit.LatestSeq(env.Ctx)
	if err != nil {
		t.Fatalf("latest seq: %v", err)
	}
	return seq
}

func (env testEnv) advanceTo(t *testing.T, target string, evidence ...domain.Evidence) domain.Campaign {
	t.Helper()
	c, err := env.Engine.Advance(env.Ctx, engine.AdvanceRequest{Target: target, Evidence: evidence, ActorID: "operator"})
	if err != nil {
		t.Fatalf("advance %s: %v", target, err)
	}
	return c
}

func TestGateApprovalUnlocksAdvance(t *testing.T) {
	env := newTestEnv(t)
	art := env.submit(t, "K", "agentX")
	if art.Status != domain.ArtifactPendingReview || art.GateID == nil || *art.GateID != "G1" {
		t.Fatalf("expected pending at G1, got %+v", art)
	}
	pending, err := env.Engine.ListPending(env.Ctx, "G1")
	if err != nil || len(pending) != 1 || pending[0].ArtifactID != art.ID {
		t.Fatalf("expected artifact queued at G1, got %+v %v", pending, err)
	}
	ok, reasons, err := env.Engine.CanAdvance(env.Ctx, "S2")
	if err != nil {
		t.Fatal(err)
	}
	if ok || !reflect.DeepEqual(reasons, []string{"K not approved"}) {
		t.Fatalf("expected K not approved, got %v %v", ok, reasons)
	}
	gs, err := env.Engine.GateStatus(env.Ctx, "G1")
	if err != nil || gs.Status != domain.GateInReview || gs.Pending != 1 {
		t.Fatalf("expected G1 in review, got %+v %v", gs, err)
	}

	approved, err := env.Engine.Decide(env.Ctx, engine.DecideRequest{
		Gate: "G1", ArtifactID: art.ID, Decision: domain.DecisionApprove, Reviewer: engine.Reviewer{ID: "alice"}, Rationale: "looks good",
	})
	if err != nil || approved.Status != domain.ArtifactApproved {
		t.Fatalf("decide: %v %+v", err, approved)
	}
	pending, _ = env.Engine.ListPending(env.Ctx, "G1")
	if len(pending) != 0 {
		t.Fatalf("queue should be empty, got %+v", pending)
	}
	gs, _ = env.Engine.GateStatus(env.Ctx, "G1")
	if gs.Status != domain.GateCleared {
		t.Fatalf("expected G1 cleared, got %+v", gs)
	}

	before := env.latestSeq(t)
	c := env.advanceTo(t, "S2")
	if c.Stage != "S2" || len(c.History) != 1 || c.History[0].From != "S1" {
		t.Fatalf("unexpected campaign %+v", c)
	}
	if after := env.latestSeq(t); after != before+1 {
		t.Fatalf("advance should append exactly one entry, got %d -> %d", before, after)
	}
	st, err := env.Engine.CurrentStage(env.Ctx)
	if err != nil || st.ID != "S2" {
		t.Fatalf("current stage: %v %v", st.ID, err)
	}
}

func TestAdvanceReportsEveryReason(t *testing.T) {
	env := newTestEnv(t)
	before := env.latestSeq(t)
	_, err := env.Engine.Advance(env.Ctx, engine.AdvanceRequest{Target: "S3", ActorID: "operator"})
	var pre *engine.PreconditionError
	if !errors.As(err, &pre) || !errors.Is(err, engine.ErrPreconditionNotMet) {
		t.Fatalf("expected precondition error, got %v", err)
	}
	want := []string{"S3 is not an allowed successor of S1", "K not approved"}
	if !reflect.DeepEqual(pre.Reasons, want) {
		t.Fatalf("reasons = %v, want %v", pre.Reasons, want)
	}
	c, _ := env.Engine.Campaign(env.Ctx)
	if c.Stage != "S1" || len(c.History) != 0 {
		t.Fatalf("failed advance changed campaign: %+v", c)
	}
	if env.latestSeq(t) != before {
		t.Fatalf("failed advance appended to the audit log")
	}

	_, reasons, _ := env.Engine.CanAdvance(env.Ctx, "S1")
	if !reflect.DeepEqual(reasons, []string{"campaign is already in S1", "K not approved"}) {
		t.Fatalf("same-stage reasons: %v", reasons)
	}
	_, reasons, _ = env.Engine.CanAdvance(env.Ctx, "NOPE")
	if reasons[0] != "stage NOPE is not defined" {
		t.Fatalf("undefined stage reasons: %v", reasons)
	}
}

func TestConfirmationEvidenceAndArchive(t *testing.T) {
	env := newTestEnv(t)
	k := env.submit(t, "K", "agentX")
	env.decide(t, "G1", k.ID, domain.DecisionApprove, "alice")
	env.advanceTo(t, "S2")

	_, reasons, _ := env.Engine.CanAdvance(env.Ctx, "S3")
	want := []string{"L not approved", "M not approved", "confirmation vote_confirmed not satisfied"}
	if !reflect.DeepEqual(reasons, want) {
		t.Fatalf("reasons = %v, want %v", reasons, want)
	}
	m := env.submit(t, "M", "follower")
	if m.Status != domain.ArtifactApproved {
		t.Fatalf("ungated artifact should auto-approve, got %s", m.Status)
	}
	l := env.submit(t, "L", "agentX")
	env.decide(t, "G1", l.ID, domain.DecisionApprove, "alice")

	unconfirmed := domain.Evidence{Predicate: "vote_confirmed", Confirmed: false}
	if _, err := env.Engine.Advance(env.Ctx, engine.AdvanceRequest{Target: "S3", Evidence: []domain.Evidence{unconfirmed}}); !errors.Is(err, engine.ErrPreconditionNotMet) {
		t.Fatalf("unconfirmed evidence must not satisfy the predicate: %v", err)
	}
	c := env.advanceTo(t, "S3", domain.Evidence{Predicate: "vote_confirmed", Confirmed: true, Payload: json.RawMessage(`{ "roll_call": "12-3" }`)})
	if c.Status != domain.CampaignArchived || c.ArchivedAt == nil {
		t.Fatalf("terminal stage should archive campaign: %+v", c)
	}
	if got := string(c.History[1].Evidence[0].Payload); got != `{"roll_call":"12-3"}` {
		t.Fatalf("evidence payload not normalized: %s", got)
	}
	if _, reasons, _ := env.Engine.CanAdvance(env.Ctx, "S1"); len(reasons) == 0 {
		t.Fatalf("no regression from terminal stage")
	}
}

func TestConfirmationSourceFallback(t *testing.T) {
	env := newTestEnv(t)
	k := env.submit(t, "K", "agentX")
	env.decide(t, "G1", k.ID, domain.DecisionApprove, "alice")
	env.advanceTo(t, "S2")
	env.submit(t, "M", "follower")
	l := env.submit(t, "L", "agentX")
	env.decide(t, "G1", l.ID, domain.DecisionApprove, "alice")

	env.Engine.Confirmations = engine.StaticConfirmations{"vote_confirmed": true}
	ok, reasons, err := env.Engine.CanAdvance(env.Ctx, "S3")
	if err != nil || !ok {
		t.Fatalf("confirmation source should satisfy predicate: %v %v", reasons, err)
	}
	c := env.advanceTo(t, "S3")
	ev := c.History[len(c.History)-1].Evidence
	if len(ev) != 1 || ev[0].Source != "confirmation-source" || !ev[0].Confirmed {
		t.Fatalf("sourced evidence not recorded: %+v", ev)
	}
}

func TestDuplicateSubmissionAndSupersede(t *testing.T) {
	env := newTestEnv(t)
	first := env.submit(t, "K", "agentX")
	_, err := env.Engine.Submit(env.Ctx, engine.SubmitRequest{Kind: "K", AgentID: "agentX", Payload: json.RawMessage(`{}`)})
	var dup *engine.DuplicateError
	if !errors.As(err, &dup) || dup.Existing != first.ID || !errors.Is(err, engine.ErrDuplicateSubmission) {
		t.Fatalf("expected duplicate of %s, got %v", first.ID, err)
	}

	n1 := env.submit(t, "notes", "noter")
	n2 := env.submit(t, "notes", "noter", n1.ID)
	withLineage := env.submit(t, "K", "agentX", n1.ID, n2.ID)
	_, err = env.Engine.Submit(env.Ctx, engine.SubmitRequest{Kind: "K", AgentID: "agentX", Lineage: []string{n2.ID, n1.ID, n2.ID}})
	if !errors.As(err, &dup) || dup.Existing != withLineage.ID {
		t.Fatalf("lineage order must not open a new slot: %v", err)
	}
	if !reflect.DeepEqual(withLineage.Lineage, []string{n1.ID, n2.ID}) {
		t.Fatalf("lineage order lost: %v", withLineage.Lineage)
	}

	env.decide(t, "G1", first.ID, domain.DecisionReject, "alice")
	again := env.submit(t, "K", "agentX")
	if again.ID == first.ID || again.Status != domain.ArtifactPendingReview {
		t.Fatalf("resubmission after rejection should be a fresh pending artifact: %+v", again)
	}
	old, err := env.Engine.GetArtifact(env.Ctx, first.ID)
	if err != nil || old.Status != domain.ArtifactSuperseded {
		t.Fatalf("rejected artifact should be superseded: %+v %v", old, err)
	}

	list, err := env.Engine.ListByKindAndStage(env.Ctx, "K", "S1")
	if err != nil || len(list) != 3 || list[0].ID != first.ID || list[2].ID != again.ID {
		t.Fatalf("unexpected listing %+v %v", list, err)
	}
	open := 0
	for _, a := range list {
		if a.Status.Open() && a.Fingerprint == first.Fingerprint {
			open++
		}
	}
	if open != 1 {
		t.Fatalf("expected exactly one open artifact per slot, got %d", open)
	}
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name string
		req  engine.SubmitRequest
		want error
	}{
		{"undeclared kind", engine.SubmitRequest{Kind: "L", AgentID: "agentX"}, engine.ErrUnknownKind},
		{"other stage", engine.SubmitRequest{Kind: "K", AgentID: "agentX", Stage: "S2"}, engine.ErrNotAllowedInStage},
		{"missing lineage", engine.SubmitRequest{Kind: "K", AgentID: "agentX", Lineage: []string{"ghost"}}, engine.ErrNotFound},
		{"no agent", engine.SubmitRequest{Kind: "K"}, engine.ErrInvalidArgument},
		{"bad payload", engine.SubmitRequest{Kind: "K", AgentID: "agentX", Payload: json.RawMessage(`{`)}, engine.ErrInvalidArgument},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := env.Engine.Submit(env.Ctx, tc.req); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	arts, _ := env.Engine.ListArtifacts(env.Ctx, repo.ArtifactFilters{})
	if len(arts) != 0 {
		t.Fatalf("refused submissions left %d artifacts", len(arts))
	}
}

func TestArtifactStatusLattice(t *testing.T) {
	env := newTestEnv(t)
	art := env.submit(t, "K", "agentX")
	if _, err := env.Engine.Transition(env.Ctx, art.ID, domain.ArtifactApproved, "alice", "bypass"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("pending artifacts leave review only through a decision: %v", err)
	}
	env.decide(t, "G1", art.ID, domain.DecisionApprove, "alice")
	for _, to := range []domain.ArtifactStatus{domain.ArtifactRejected, domain.ArtifactDraft, domain.ArtifactSuperseded} {
		if _, err := env.Engine.Transition(env.Ctx, art.ID, to, "alice", ""); !errors.Is(err, engine.ErrInvalidTransition) {
			t.Fatalf("approved -> %s should be invalid: %v", to, err)
		}
	}

	var statuses []string
	for entry, err := range env.Engine.Audit.Replay(env.Ctx, 0) {
		if err != nil {
			t.Fatal(err)
		}
		if entry.SubjectID != art.ID {
			continue
		}
		switch entry.Kind {
		case "artifact.submitted":
			statuses = append(statuses, string(domain.ArtifactDraft))
		case "artifact.transitioned":
			var p struct {
				To string `json:"to"`
			}
			if err := json.Unmarshal(entry.Payload, &p); err != nil {
				t.Fatal(err)
			}
			statuses = append(statuses, p.To)
		}
	}
	if !reflect.DeepEqual(statuses, []string{"DRAFT", "PENDING_REVIEW", "APPROVED"}) {
		t.Fatalf("status history %v", statuses)
	}
}

func TestHeldArtifactsQueueInCallerOrder(t *testing.T) {
	env := newTestEnv(t)
	n := env.submit(t, "notes", "noter")
	a, err := env.Engine.Submit(env.Ctx, engine.SubmitRequest{Kind: "K", AgentID: "agentX", Hold: true})
	if err != nil || a.Status != domain.ArtifactDraft {
		t.Fatalf("held submit: %+v %v", a, err)
	}
	b, err := env.Engine.Submit(env.Ctx, engine.SubmitRequest{Kind: "K", AgentID: "agentX", Lineage: []string{n.ID}, Hold: true})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Enqueue(env.Ctx, "G1", b.ID, "planner"); err != nil {
		t.Fatalf("enqueue b: %v", err)
	}
	if _, err := env.Engine.Transition(env.Ctx, a.ID, domain.ArtifactPendingReview, "planner", ""); err != nil {
		t.Fatalf("enqueue a via transition: %v", err)
	}
	if _, err := env.Engine.Enqueue(env.Ctx, "G1", a.ID, "planner"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("an artifact sits in at most one queue: %v", err)
	}
	if _, err := env.Engine.Enqueue(env.Ctx, "G2", n.ID, "planner"); !errors.Is(err, engine.ErrInvalidArgument) {
		t.Fatalf("wrong gate should be refused: %v", err)
	}
	pending, _ := env.Engine.ListPending(env.Ctx, "G1")
	if len(pending) != 2 || pending[0].ArtifactID != b.ID || pending[1].ArtifactID != a.ID {
		t.Fatalf("queue must be FIFO by enqueue time: %+v", pending)
	}
}

func TestHeldDraftFromEarlierStageCannotBeQueued(t *testing.T) {
	env := newTestEnv(t)
	n := env.submit(t, "notes", "noter")
	held, err := env.Engine.Submit(env.Ctx, engine.SubmitRequest{Kind: "K", AgentID: "agentX", Lineage: []string{n.ID}, Hold: true})
	if err != nil {
		t.Fatal(err)
	}
	k := env.submit(t, "K", "agentX")
	env.decide(t, "G1", k.ID, domain.DecisionApprove, "alice")
	env.advanceTo(t, "S2")

	seq := env.latestSeq(t)
	if _, err := env.Engine.Transition(env.Ctx, held.ID, domain.ArtifactPendingReview, "planner", ""); !errors.Is(err, engine.ErrNotAllowedInStage) {
		t.Fatalf("transition of an S1 draft in S2: %v", err)
	}
	if _, err := env.Engine.Enqueue(env.Ctx, "G1", held.ID, "planner"); !errors.Is(err, engine.ErrNotAllowedInStage) {
		t.Fatalf("enqueue of an S1 draft in S2: %v", err)
	}
	got, err := env.Engine.GetArtifact(env.Ctx, held.ID)
	if err != nil || got.Status != domain.ArtifactDraft {
		t.Fatalf("held draft changed: %+v %v", got, err)
	}
	if pending, _ := env.Engine.ListPending(env.Ctx, "G1"); len(pending) != 0 {
		t.Fatalf("nothing should be queued: %+v", pending)
	}
	if env.latestSeq(t) != seq {
		t.Fatalf("refused queueing appended to the audit log")
	}
}

func TestDecideNotInQueueChangesNothing(t *testing.T) {
	env := newTestEnv(t)
	art := env.submit(t, "K", "agentX")
	snapBefore, err := env.Engine.Snapshot(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	seq := env.latestSeq(t)
	for _, req := range []engine.DecideRequest{
		{Gate: "G1", ArtifactID: "missing", Decision: domain.DecisionApprove, Reviewer: engine.Reviewer{ID: "alice"}},
		{Gate: "G2", ArtifactID: art.ID, Decision: domain.DecisionApprove, Reviewer: engine.Reviewer{ID: "carol"}},
	} {
		if _, err := env.Engine.Decide(env.Ctx, req); !errors.Is(err, engine.ErrNotInQueue) {
			t.Fatalf("expected not in queue, got %v", err)
		}
	}
	snapAfter, _ := env.Engine.Snapshot(env.Ctx)
	if !reflect.DeepEqual(snapBefore, snapAfter) || env.latestSeq(t) != seq {
		t.Fatalf("NotInQueue must leave state unchanged")
	}
}

func TestDecideRequiresReviewerIdentity(t *testing.T) {
	env := newTestEnv(t)
	art := env.submit(t, "K", "agentX")
	for _, id := range []string{"", domain.SystemActor, "agentX", "follower"} {
		_, err := env.Engine.Decide(env.Ctx, engine.DecideRequest{Gate: "G1", ArtifactID: art.ID, Decision: domain.DecisionApprove, Reviewer: engine.Reviewer{ID: id}})
		if !errors.Is(err, engine.ErrUnauthorizedReviewer) {
			t.Fatalf("reviewer %q should be refused: %v", id, err)
		}
	}
	if _, err := env.Engine.Decide(env.Ctx, engine.DecideRequest{Gate: "G1", ArtifactID: art.ID, Decision: "MAYBE", Reviewer: engine.Reviewer{ID: "alice"}}); !errors.Is(err, engine.ErrInvalidArgument) {
		t.Fatalf("unknown decision: %v", err)
	}

	k := env.decide(t, "G1", art.ID, domain.DecisionApprove, "alice")
	env.advanceTo(t, "S2")
	r := env.submit(t, "R", "agentX", k.ID)
	if _, err := env.Engine.Decide(env.Ctx, engine.DecideRequest{Gate: "G2", ArtifactID: r.ID, Decision: domain.DecisionApprove, Reviewer: engine.Reviewer{ID: "alice"}}); !errors.Is(err, engine.ErrUnauthorizedReviewer) {
		t.Fatalf("allow-list not enforced: %v", err)
	}
	if got := env.decide(t, "G2", r.ID, domain.DecisionReject, "carol"); got.Status != domain.ArtifactRejected {
		t.Fatalf("expected rejection, got %s", got.Status)
	}
	q, err := env.Engine.GateQueue(env.Ctx, "G2")
	if err != nil || len(q.Pending) != 0 || len(q.Decisions) != 1 || q.Decisions[0].ReviewerID != "carol" {
		t.Fatalf("decision history: %+v %v", q, err)
	}
}

func TestSpawnRules(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.Spawn(env.Ctx, engine.SpawnRequest{AgentID: "agentX", ActorID: "operator"})
	if err != nil || task.Status != domain.TaskSpawned || task.Stage != "S1" {
		t.Fatalf("spawn: %+v %v", task, err)
	}
	if _, err := env.Engine.Spawn(env.Ctx, engine.SpawnRequest{AgentID: "agentX"}); !errors.Is(err, engine.ErrSlotOccupied) {
		t.Fatalf("expected slot occupied, got %v", err)
	}
	if _, err := env.Engine.Spawn(env.Ctx, engine.SpawnRequest{AgentID: "follower"}); !errors.Is(err, engine.ErrNotAllowedInStage) {
		t.Fatalf("follower may not run in S1: %v", err)
	}
	if _, err := env.Engine.Spawn(env.Ctx, engine.SpawnRequest{AgentID: "noter", Stage: "S2"}); !errors.Is(err, engine.ErrNotAllowedInStage) {
		t.Fatalf("spawn outside the current stage: %v", err)
	}
	if _, err := env.Engine.Spawn(env.Ctx, engine.SpawnRequest{AgentID: "ghost"}); !errors.Is(err, engine.ErrUnknownAgent) {
		t.Fatalf("unknown agent: %v", err)
	}
	agents, err := env.Engine.AgentsForStage(env.Ctx, "S2")
	if err != nil || len(agents) != 2 || agents[0].ID != "noter" || agents[1].ID != "follower" {
		t.Fatalf("agents for S2: %+v %v", agents, err)
	}
}

func TestConcurrentSpawnSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	const callers = 8
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.Spawn(env.Ctx, engine.SpawnRequest{AgentID: "agentX"})
		}(i)
	}
	wg.Wait()
	won := 0
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case !errors.Is(err, engine.ErrSlotOccupied):
			t.Fatalf("unexpected error %v", err)
		}
	}
	if won != 1 {
		t.Fatalf("expected one winner, got %d", won)
	}
	tasks, _ := env.Engine.ListTasks(env.Ctx, repo.TaskFilters{AgentID: "agentX"})
	if _, err := env.Engine.Report(env.Ctx, engine.TaskReport{TaskID: tasks[0].ID, Status: domain.TaskRunning}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Spawn(env.Ctx, engine.SpawnRequest{AgentID: "agentX"}); !errors.Is(err, engine.ErrSlotOccupied) {
		t.Fatalf("second spawn while RUNNING: %v", err)
	}
}

func TestReportSuccessSubmitsOutput(t *testing.T) {
	env := newTestEnv(t)
	task, _ := env.Engine.Spawn(env.Ctx, engine.SpawnRequest{AgentID: "agentX"})
	if _, err := env.Engine.Report(env.Ctx, engine.TaskReport{TaskID: task.ID, Status: domain.TaskSucceeded}); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("SPAWNED cannot jump to SUCCEEDED: %v", err)
	}
	running, err := env.Engine.Report(env.Ctx, engine.TaskReport{TaskID: task.ID, Status: domain.TaskRunning})
	if err != nil || running.StartedAt == nil {
		t.Fatalf("running: %+v %v", running, err)
	}
	done, err := env.Engine.Report(env.Ctx, engine.TaskReport{
		TaskID: task.ID, Status: domain.TaskSucceeded,
		Output: &engine.AgentOutput{Kind: "K", Payload: json.RawMessage(`{"brief":"x"}`)},
	})
	if err != nil || done.Status != domain.TaskSucceeded || done.ArtifactID == nil || done.EndedAt == nil {
		t.Fatalf("succeeded: %+v %v", done, err)
	}
	art, err := env.Engine.GetArtifact(env.Ctx, *done.ArtifactID)
	if err != nil || art.Status != domain.ArtifactPendingReview || art.AgentID != "agentX" {
		t.Fatalf("artifact: %+v %v", art, err)
	}
	if _, err := env.Engine.Report(env.Ctx, engine.TaskReport{TaskID: task.ID, Status: domain.TaskFailed}); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("terminal tasks are read-only: %v", err)
	}
	retry, err := env.Engine.Spawn(env.Ctx, engine.SpawnRequest{AgentID: "agentX"})
	if err != nil || retry.ID == task.ID {
		t.Fatalf("retry must be a fresh task: %+v %v", retry, err)
	}
}

func TestFailedAgentLeavesStateAlone(t *testing.T) {
	env := newTestEnv(t)
	task, _ := env.Engine.Spawn(env.Ctx, engine.SpawnRequest{AgentID: "agentX"})
	env.Engine.Report(env.Ctx, engine.TaskReport{TaskID: task.ID, Status: domain.TaskRunning})
	before, _ := env.Engine.Snapshot(env.Ctx)
	failed, err := env.Engine.Report(env.Ctx, engine.TaskReport{TaskID: task.ID, Status: domain.TaskFailed, Failure: "upstream timeout"})
	if err != nil || failed.Status != domain.TaskFailed || *failed.Failure != "upstream timeout" {
		t.Fatalf("failed: %+v %v", failed, err)
	}
	after, _ := env.Engine.Snapshot(env.Ctx)
	if !reflect.DeepEqual(before.Campaign, after.Campaign) || !reflect.DeepEqual(before.Artifacts, after.Artifacts) || !reflect.DeepEqual(before.Gates, after.Gates) {
		t.Fatalf("agent failure touched orchestrator state")
	}
}

func TestRefusedOutputFailsTask(t *testing.T) {
	env := newTestEnv(t)
	task, _ := env.Engine.Spawn(env.Ctx, engine.SpawnRequest{AgentID: "agentX"})
	env.Engine.Report(env.Ctx, engine.TaskReport{TaskID: task.ID, Status: domain.TaskRunning})
	got, err := env.Engine.Report(env.Ctx, engine.TaskReport{TaskID: task.ID, Status: domain.TaskSucceeded, Output: &engine.AgentOutput{Kind: "notes"}})
	if err != nil {
		t.Fatalf("refusal is recorded on the task, not returned: %v", err)
	}
	if got.Status != domain.TaskFailed || got.Failure == nil || got.ArtifactID != nil {
		t.Fatalf("expected FAILED without artifact, got %+v", got)
	}

	dup := env.submit(t, "K", "agentX")
	task2, _ := env.Engine.Spawn(env.Ctx, engine.SpawnRequest{AgentID: "agentX"})
	env.Engine.Report(env.Ctx, engine.TaskReport{TaskID: task2.ID, Status: domain.TaskRunning})
	got, _ = env.Engine.Report(env.Ctx, engine.TaskReport{TaskID: task2.ID, Status: domain.TaskSucceeded, Output: &engine.AgentOutput{Kind: "K"}})
	if got.Status != domain.TaskFailed || got.Failure == nil || !strings.Contains(*got.Failure, dup.ID) {
		t.Fatalf("duplicate output should fail the task naming %s: %+v", dup.ID, got)
	}
	arts, _ := env.Engine.ListByKindAndStage(env.Ctx, "K", "S1")
	if len(arts) != 1 {
		t.Fatalf("refused output left %d artifacts", len(arts))
	}
}

func TestCancelThenReportIsDiscarded(t *testing.T) {
	env := newTestEnv(t)
	task, _ := env.Engine.Spawn(env.Ctx, engine.SpawnRequest{AgentID: "noter"})
	env.Engine.Report(env.Ctx, engine.TaskReport{TaskID: task.ID, Status: domain.TaskRunning})
	cancelled, err := env.Engine.Cancel(env.Ctx, task.ID, "operator")
	if err != nil || cancelled.Status != domain.TaskFailed || *cancelled.Failure != engine.CancelledReason {
		t.Fatalf("cancel: %+v %v", cancelled, err)
	}
	for _, status := range []domain.TaskStatus{domain.TaskSucceeded, domain.TaskFailed} {
		_, err := env.Engine.Report(env.Ctx, engine.TaskReport{TaskID: task.ID, Status: status, Output: &engine.AgentOutput{Kind: "notes"}})
		if !errors.Is(err, engine.ErrResultDiscarded) {
			t.Fatalf("late %s report should be discarded: %v", status, err)
		}
	}
	final, _ := env.Engine.GetTask(env.Ctx, task.ID)
	if final.Status != domain.TaskFailed || final.ArtifactID != nil {
		t.Fatalf("cancelled task must stay FAILED: %+v", final)
	}
	if arts, _ := env.Engine.ListByKindAndStage(env.Ctx, "notes", "S1"); len(arts) != 0 {
		t.Fatalf("discarded result produced an artifact")
	}
	if _, err := env.Engine.Cancel(env.Ctx, task.ID, "operator"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("cancel terminal task: %v", err)
	}
}

func TestBlockedTaskWakesOnApproval(t *testing.T) {
	env := newTestEnv(t)
	k := env.submit(t, "K", "agentX")
	env.decide(t, "G1", k.ID, domain.DecisionApprove, "alice")
	env.advanceTo(t, "S2")

	task, err := env.Engine.Spawn(env.Ctx, engine.SpawnRequest{AgentID: "follower"})
	if err != nil || task.Status != domain.TaskBlocked {
		t.Fatalf("expected BLOCKED, got %+v %v", task, err)
	}
	if _, err := env.Engine.Report(env.Ctx, engine.TaskReport{TaskID: task.ID, Status: domain.TaskRunning}); !errors.Is(err, engine.ErrPreconditionNotMet) {
		t.Fatalf("blocked task may not run yet: %v", err)
	}
	if woken, _ := env.Engine.WakeBlocked(env.Ctx); len(woken) != 0 {
		t.Fatalf("nothing should wake yet: %+v", woken)
	}
	changed := env.Engine.Changes()
	l := env.submit(t, "L", "agentX")
	select {
	case <-changed:
	default:
		t.Fatalf("commit should signal change listeners")
	}
	env.decide(t, "G1", l.ID, domain.DecisionApprove, "alice")
	woken, err := env.Engine.WakeBlocked(env.Ctx)
	if err != nil || len(woken) != 1 || woken[0].ID != task.ID || woken[0].Status != domain.TaskRunning {
		t.Fatalf("wake: %+v %v", woken, err)
	}
	done, err := env.Engine.Report(env.Ctx, engine.TaskReport{TaskID: task.ID, Status: domain.TaskSucceeded, Output: &engine.AgentOutput{Kind: "M", Payload: json.RawMessage(`{}`)}})
	if err != nil || done.Status != domain.TaskSucceeded {
		t.Fatalf("report: %+v %v", done, err)
	}
}

func TestReplayReproducesLiveState(t *testing.T) {
	env := newTestEnv(t)
	k1 := env.submit(t, "K", "agentX")
	env.decide(t, "G1", k1.ID, domain.DecisionReject, "alice")
	k2 := env.submit(t, "K", "agentX")
	env.decide(t, "G1", k2.ID, domain.DecisionApprove, "bob")
	noteTask, _ := env.Engine.Spawn(env.Ctx, engine.SpawnRequest{AgentID: "noter"})
	env.Engine.Report(env.Ctx, engine.TaskReport{TaskID: noteTask.ID, Status: domain.TaskRunning})
	env.Engine.Report(env.Ctx, engine.TaskReport{TaskID: noteTask.ID, Status: domain.TaskSucceeded, Output: &engine.AgentOutput{Kind: "notes", Payload: json.RawMessage(`{"a": "<x>"}`), Metadata: json.RawMessage(`{"model": "m1"}`)}})
	cancelTask, _ := env.Engine.Spawn(env.Ctx, engine.SpawnRequest{AgentID: "agentX"})
	env.Engine.Cancel(env.Ctx, cancelTask.ID, "operator")

	check := func() {
		t.Helper()
		res, err := env.Engine.Verify(env.Ctx)
		if err != nil {
			t.Fatal(err)
		}
		if !res.Equal {
			t.Fatalf("replay diverged at seq %d: %s", res.Seq, res.Divergence)
		}
	}
	check()

	env.advanceTo(t, "S2")
	blocked, _ := env.Engine.Spawn(env.Ctx, engine.SpawnRequest{AgentID: "follower"})
	l := env.submit(t, "L", "agentX", k2.ID)
	env.decide(t, "G1", l.ID, domain.DecisionApprove, "alice")
	env.Engine.WakeBlocked(env.Ctx)
	env.Engine.Report(env.Ctx, engine.TaskReport{TaskID: blocked.ID, Status: domain.TaskSucceeded, Output: &engine.AgentOutput{Kind: "M"}})
	env.submit(t, "R", "agentX")
	check()

	env.advanceTo(t, "S3", domain.Evidence{Predicate: "vote_confirmed", Confirmed: true, Payload: json.RawMessage(`{"votes": 12}`)})
	check()

	live, _ := env.Engine.Snapshot(env.Ctx)
	rebuilt, err := engine.Rebuild(env.Engine.Config.GateIDs(), env.Engine.Audit.Replay(env.Ctx, 0))
	if err != nil {
		t.Fatal(err)
	}
	if live.Campaign.Stage != rebuilt.Campaign.Stage || len(live.Artifacts) != len(rebuilt.Artifacts) || len(rebuilt.Gates[1].Pending) != 1 {
		t.Fatalf("rebuilt snapshot mismatch: %+v", rebuilt.Campaign)
	}
}

func TestAuditFaultRollsBack(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `DROP TABLE audit_log`); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.Submit(env.Ctx, engine.SubmitRequest{Kind: "K", AgentID: "agentX"})
	if !errors.Is(err, engine.ErrAuditFault) {
		t.Fatalf("expected audit fault, got %v", err)
	}
	if len(*env.Faults) != 1 {
		t.Fatalf("fault hook should run once, ran %d", len(*env.Faults))
	}
	arts, _ := env.Engine.ListArtifacts(env.Ctx, repo.ArtifactFilters{})
	if len(arts) != 0 {
		t.Fatalf("mutation without audit entry was committed")
	}
}

func TestCampaignLifecycle(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.StartCampaign(env.Ctx, "tester"); !errors.Is(err, engine.ErrCampaignExists) {
		t.Fatalf("second start: %v", err)
	}
	report, err := env.Engine.StageStatus(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Stage.ID != "S1" || len(report.Successors) != 1 || report.Successors[0].CanAdvance || len(report.Gates) != 1 {
		t.Fatalf("unexpected stage report %+v", report)
	}
	if report.Gates[0].Status != domain.GateNotStarted {
		t.Fatalf("untouched gate should be not_started: %+v", report.Gates[0])
	}

	cfg, _ := config.FromYAML([]byte(testRegistry))
	cfg.Agents = append(cfg.Agents, domain.AgentType{ID: "late", Stages: []string{"S1"}, Produces: []string{"notes"}})
	if err := env.Engine.Reconfigure(env.Ctx, cfg, "operator"); err != nil {
		t.Fatal(err)
	}
	entries, _ := env.Engine.Audit.Latest(env.Ctx, 1, audit.Filter{Kind: "registry.reconfigured"})
	if len(entries) != 1 || entries[0].ActorID != "operator" {
		t.Fatalf("reconfiguration must be audited: %+v", entries)
	}
	if _, err := env.Engine.Spawn(env.Ctx, engine.SpawnRequest{AgentID: "late"}); !errors.Is(err, engine.ErrUnknownAgent) {
		t.Fatalf("reconfigured registry applies from the next start: %v", err)
	}
	if _, err := env.Engine.RegisterAgentType(env.Ctx, domain.AgentType{ID: "late", Stages: []string{"S1"}, Produces: []string{"notes"}}, "operator"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := env.Engine.RegisterAgentType(env.Ctx, domain.AgentType{ID: "bad", Stages: []string{"S1"}, Produces: []string{"nothing"}}, "operator"); !errors.Is(err, engine.ErrUnknownKind) {
		t.Fatalf("undeclared kind: %v", err)
	}
	if _, err := env.Engine.Spawn(env.Ctx, engine.SpawnRequest{AgentID: "late"}); err != nil {
		t.Fatalf("spawn registered agent: %v", err)
	}
}

func TestNoCampaign(t *testing.T) {
	cfg, _ := config.FromYAML([]byte(testRegistry))
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatal(err)
	}
	eng := engine.New(conn, cfg, nil)
	if _, err := eng.CurrentStage(ctx); !errors.Is(err, engine.ErrNoCampaign) {
		t.Fatalf("expected no campaign, got %v", err)
	}
	if _, err := eng.Submit(ctx, engine.SubmitRequest{Kind: "K", AgentID: "agentX"}); !errors.Is(err, engine.ErrNoCampaign) {
		t.Fatalf("submit without campaign: %v", err)
	}
}

func TestDefaultRegistryFirstStage(t *testing.T) {
	env := newTestEnvWith(t, config.Default("leg-1"))
	task, err := env.Engine.Spawn(env.Ctx, engine.SpawnRequest{AgentID: "concept_memo"})
	if err != nil || task.Status != domain.TaskBlocked {
		t.Fatalf("concept memo waits for the stakeholder map: %+v %v", task, err)
	}
	sm := env.submit(t, "stakeholder_map", "stakeholder_map")
	env.decide(t, "HR_PRE", sm.ID, domain.DecisionApprove, "director")
	woken, _ := env.Engine.WakeBlocked(env.Ctx)
	if len(woken) != 1 {
		t.Fatalf("concept memo should wake")
	}
	done, _ := env.Engine.Report(env.Ctx, engine.TaskReport{TaskID: task.ID, Status: domain.TaskSucceeded, Output: &engine.AgentOutput{Kind: "concept_memo"}})
	env.decide(t, "HR_PRE", *done.ArtifactID, domain.DecisionApprove, "director")
	_, reasons, _ := env.Engine.CanAdvance(env.Ctx, "INTRO_EVT")
	if !reflect.DeepEqual(reasons, []string{"confirmation bill_introduction_confirmed not satisfied"}) {
		t.Fatalf("reasons %v", reasons)
	}
	c := env.advanceTo(t, "INTRO_EVT", domain.Evidence{Predicate: "bill_introduction_confirmed", Confirmed: true, Source: "clerk"})
	if c.Stage != "INTRO_EVT" {
		t.Fatalf("stage %s", c.Stage)
	}
}
