package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"stagegate/internal/audit"
	"stagegate/internal/domain"
	"stagegate/internal/repo"
)

// CancelledReason is the failure detail of a cancelled task.
const CancelledReason = "cancelled"

// RegisterAgentType adds or replaces an agent type in the registry.
func (e Engine) RegisterAgentType(ctx context.Context, a domain.AgentType, actorID string) (domain.AgentType, error) {
	if actorID == "" {
		actorID = domain.SystemActor
	}
	if err := e.validateAgentType(a); err != nil {
		return domain.AgentType{}, err
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		return e.registerAgentType(ctx, tx, a, actorID, e.now())
	})
	if err != nil {
		return domain.AgentType{}, err
	}
	return e.Repo.GetAgentType(ctx, nil, a.ID)
}

func (e Engine) validateAgentType(a domain.AgentType) error {
	if a.ID == "" || a.ID == domain.SystemActor {
		return fmt.Errorf("%w: agent id %q is reserved or empty", ErrInvalidArgument, a.ID)
	}
	if _, ok := e.Config.Gate(a.ID); ok {
		return fmt.Errorf("%w: agent id %s collides with a gate", ErrInvalidArgument, a.ID)
	}
	if len(a.Stages) == 0 || len(a.Produces) == 0 {
		return fmt.Errorf("%w: agent %s needs allowed stages and produced kinds", ErrInvalidArgument, a.ID)
	}
	for _, s := range a.Stages {
		if _, ok := e.Config.Stage(s); !ok {
			return fmt.Errorf("%w: agent %s references unknown stage %s", ErrInvalidArgument, a.ID, s)
		}
	}
	for _, kind := range append(append([]string{}, a.Produces...), a.Requires...) {
		if !e.kindDeclared(kind) {
			return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
		}
	}
	return nil
}

func (e Engine) kindDeclared(kind string) bool {
	for _, s := range e.Config.Stages {
		if _, ok := s.Rule(kind); ok {
			return true
		}
	}
	return false
}

func (e Engine) registerAgentType(ctx context.Context, tx *sql.Tx, a domain.AgentType, actorID, now string) error {
	if err := e.Repo.UpsertAgentType(ctx, tx, a, now); err != nil {
		return fmt.Errorf("register agent %s: %w", a.ID, err)
	}
	stored, err := e.Repo.GetAgentType(ctx, tx, a.ID)
	if err != nil {
		return err
	}
	return e.append(ctx, tx, audit.Entry{
		TS: now, Kind: "agent.registered", ActorID: actorID, SubjectKind: "agent", SubjectID: a.ID,
		Payload: map[string]any{"agent": stored},
	})
}

func (e Engine) ListAgentTypes(ctx context.Context) ([]domain.AgentType, error) {
	return e.Repo.ListAgentTypes(ctx, nil)
}

// AgentsForStage lists registered agent types allowed to run in stage.
func (e Engine) AgentsForStage(ctx context.Context, stage string) ([]domain.AgentType, error) {
	all, err := e.Repo.ListAgentTypes(ctx, nil)
	if err != nil {
		return nil, err
	}
	res := []domain.AgentType{}
	for _, a := range all {
		if a.AllowedIn(stage) {
			res = append(res, a)
		}
	}
	return res, nil
}

type SpawnRequest struct {
	AgentID string
	Stage   string
	Lineage []string
	ActorID string
}

// Spawn creates a task for an agent in the current stage. At most one live
// task exists per (agent, stage); a task with unmet prerequisites starts BLOCKED.
func (e Engine) Spawn(ctx context.Context, req SpawnRequest) (domain.AgentTask, error) {
	if req.ActorID == "" {
		req.ActorID = domain.SystemActor
	}
	var out domain.AgentTask
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		a, err := e.Repo.GetAgentType(ctx, tx, req.AgentID)
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownAgent, req.AgentID)
		}
		if err != nil {
			return err
		}
		c, err := e.campaign(ctx, tx)
		if err != nil {
			return err
		}
		if req.Stage == "" {
			req.Stage = c.Stage
		}
		if req.Stage != c.Stage {
			return fmt.Errorf("%w: stage %s is not the current stage %s", ErrNotAllowedInStage, req.Stage, c.Stage)
		}
		if !a.AllowedIn(req.Stage) {
			return fmt.Errorf("%w: agent %s may not run in %s", ErrNotAllowedInStage, a.ID, req.Stage)
		}
		live, err := e.Repo.LiveTaskForSlot(ctx, tx, a.ID, req.Stage)
		if err == nil {
			return fmt.Errorf("%w: task %s is %s", ErrSlotOccupied, live.ID, live.Status)
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		lineage := dedupe(req.Lineage)
		missing, err := e.Repo.MissingArtifacts(ctx, tx, lineage)
		if err != nil {
			return err
		}
		if len(missing) > 0 {
			return fmt.Errorf("lineage artifact %s: %w", missing[0], ErrNotFound)
		}
		now := e.now()
		t := domain.AgentTask{
			ID:        uuid.NewString(),
			AgentID:   a.ID,
			Stage:     req.Stage,
			Status:    domain.TaskSpawned,
			Lineage:   lineage,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if err := e.append(ctx, tx, audit.Entry{
			TS: now, Kind: "task.spawned", ActorID: req.ActorID, SubjectKind: "task", SubjectID: t.ID,
			Payload: map[string]any{"task": t},
		}); err != nil {
			return err
		}
		unmet, err := e.unmetRequires(ctx, tx, a)
		if err != nil {
			return err
		}
		if len(unmet) > 0 {
			t, err = e.moveTask(ctx, tx, t, domain.TaskBlocked, req.ActorID, now, taskChange{Waiting: unmet})
			if err != nil {
				return err
			}
		}
		out = t
		return nil
	})
	if err != nil {
		return domain.AgentTask{}, err
	}
	e.log().Info("task spawned", zap.String("task_id", out.ID), zap.String("agent_id", out.AgentID), zap.String("status", string(out.Status)))
	return out, nil
}

// unmetRequires lists prerequisite kinds with no APPROVED artifact yet.
func (e Engine) unmetRequires(ctx context.Context, q repo.Querier, a domain.AgentType) ([]string, error) {
	if len(a.Requires) == 0 {
		return nil, nil
	}
	approved, err := e.Repo.ApprovedKinds(ctx, q, "")
	if err != nil {
		return nil, err
	}
	var unmet []string
	for _, kind := range a.Requires {
		if !approved[kind] {
			unmet = append(unmet, kind)
		}
	}
	return unmet, nil
}

type AgentOutput struct {
	Kind     string          `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

type TaskReport struct {
	TaskID  string
	Status  domain.TaskStatus
	Output  *AgentOutput
	Failure string
	ActorID string
}

// Report records progress of a task. A SUCCEEDED report submits the output in
// the same transaction; if the submission is refused the task fails instead and
// the refusal is recorded as its failure detail.
func (e Engine) Report(ctx context.Context, r TaskReport) (domain.AgentTask, error) {
	var out domain.AgentTask
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		t, err := e.Repo.GetTask(ctx, tx, r.TaskID)
		if err != nil {
			return err
		}
		if t.Failure != nil && *t.Failure == CancelledReason {
			return fmt.Errorf("%w: task %s was cancelled", ErrResultDiscarded, t.ID)
		}
		if err := ensureTaskTransition(t.Status, r.Status); err != nil {
			return err
		}
		actor := r.ActorID
		if actor == "" {
			actor = t.AgentID
		}
		a, err := e.Repo.GetAgentType(ctx, tx, t.AgentID)
		if err != nil {
			return err
		}
		now := e.now()
		switch r.Status {
		case domain.TaskRunning:
			unmet, err := e.unmetRequires(ctx, tx, a)
			if err != nil {
				return err
			}
			if len(unmet) > 0 {
				reasons := make([]string, len(unmet))
				for i, k := range unmet {
					reasons[i] = k + " not approved"
				}
				return &PreconditionError{Target: string(domain.TaskRunning), Reasons: reasons}
			}
			out, err = e.moveTask(ctx, tx, t, domain.TaskRunning, actor, now, taskChange{})
			return err
		case domain.TaskBlocked:
			var waiting []string
			if r.Failure != "" {
				waiting = []string{r.Failure}
			}
			out, err = e.moveTask(ctx, tx, t, domain.TaskBlocked, actor, now, taskChange{Waiting: waiting})
			return err
		case domain.TaskFailed:
			failure := r.Failure
			if failure == "" {
				failure = "failed"
			}
			e.log().Warn("agent task failed", zap.String("task_id", t.ID), zap.String("agent_id", t.AgentID), zap.String("cause", failure))
			out, err = e.moveTask(ctx, tx, t, domain.TaskFailed, actor, now, taskChange{Failure: failure})
			return err
		}
		out, err = e.completeTask(ctx, tx, t, a, r.Output, actor, now)
		return err
	})
	return out, err
}

func (e Engine) completeTask(ctx context.Context, tx *sql.Tx, t domain.AgentTask, a domain.AgentType, output *AgentOutput, actor, now string) (domain.AgentTask, error) {
	var refusal error
	switch {
	case output == nil || output.Kind == "":
		refusal = errors.New("no output kind reported")
	case !a.CanProduce(output.Kind):
		refusal = fmt.Errorf("%w: agent %s does not produce %s", ErrUnknownKind, a.ID, output.Kind)
	}
	var artifact domain.Artifact
	if refusal == nil {
		artifact, refusal = e.submitIsolated(ctx, tx, SubmitRequest{
			Kind:     output.Kind,
			AgentID:  t.AgentID,
			Stage:    t.Stage,
			Payload:  output.Payload,
			Metadata: output.Metadata,
			Lineage:  t.Lineage,
		}, now)
		if errors.Is(refusal, audit.ErrAppend) {
			return domain.AgentTask{}, refusal
		}
	}
	if refusal != nil {
		e.log().Warn("agent output refused", zap.String("task_id", t.ID), zap.String("agent_id", t.AgentID), zap.Error(refusal))
		return e.moveTask(ctx, tx, t, domain.TaskFailed, actor, now, taskChange{Failure: "submit: " + refusal.Error()})
	}
	return e.moveTask(ctx, tx, t, domain.TaskSucceeded, actor, now, taskChange{ArtifactID: artifact.ID})
}

// submitIsolated runs submit under a savepoint so a refused submission leaves
// no partial rows behind in the enclosing transaction.
func (e Engine) submitIsolated(ctx context.Context, tx *sql.Tx, req SubmitRequest, now string) (domain.Artifact, error) {
	if _, err := tx.ExecContext(ctx, `SAVEPOINT agent_output`); err != nil {
		return domain.Artifact{}, err
	}
	a, err := e.submit(ctx, tx, req, now)
	if err != nil {
		if _, rbErr := tx.ExecContext(ctx, `ROLLBACK TO agent_output`); rbErr != nil {
			return domain.Artifact{}, rbErr
		}
		if _, relErr := tx.ExecContext(ctx, `RELEASE agent_output`); relErr != nil {
			return domain.Artifact{}, relErr
		}
		return domain.Artifact{}, err
	}
	if _, err := tx.ExecContext(ctx, `RELEASE agent_output`); err != nil {
		return domain.Artifact{}, err
	}
	return a, nil
}

// Cancel fails a live task with reason "cancelled". Later reports are discarded.
func (e Engine) Cancel(ctx context.Context, taskID, actorID string) (domain.AgentTask, error) {
	if actorID == "" {
		actorID = domain.SystemActor
	}
	var out domain.AgentTask
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		t, err := e.Repo.GetTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.Status.Terminal() {
			return &TransitionError{Subject: "task", From: string(t.Status), To: string(domain.TaskFailed)}
		}
		out, err = e.moveTask(ctx, tx, t, domain.TaskFailed, actorID, e.now(), taskChange{Failure: CancelledReason})
		return err
	})
	if err != nil {
		return domain.AgentTask{}, err
	}
	e.log().Info("task cancelled", zap.String("task_id", out.ID), zap.String("actor", actorID))
	return out, nil
}

// WakeBlocked moves BLOCKED tasks whose prerequisites are now approved to
// RUNNING and returns them. With agentIDs, only tasks of those agents are
// considered; the rest stay BLOCKED for their own agent to report.
func (e Engine) WakeBlocked(ctx context.Context, agentIDs ...string) ([]domain.AgentTask, error) {
	only := make(map[string]bool, len(agentIDs))
	for _, id := range agentIDs {
		only[id] = true
	}
	var woken []domain.AgentTask
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		blocked, err := e.Repo.ListTasks(ctx, tx, repo.TaskFilters{Status: []domain.TaskStatus{domain.TaskBlocked}})
		if err != nil {
			return err
		}
		now := e.now()
		for _, t := range blocked {
			if len(only) > 0 && !only[t.AgentID] {
				continue
			}
			a, err := e.Repo.GetAgentType(ctx, tx, t.AgentID)
			if err != nil {
				return err
			}
			unmet, err := e.unmetRequires(ctx, tx, a)
			if err != nil {
				return err
			}
			if len(unmet) > 0 {
				continue
			}
			t, err = e.moveTask(ctx, tx, t, domain.TaskRunning, domain.SystemActor, now, taskChange{})
			if err != nil {
				return err
			}
			woken = append(woken, t)
		}
		return nil
	})
	return woken, err
}

func (e Engine) GetTask(ctx context.Context, id string) (domain.AgentTask, error) {
	return e.Repo.GetTask(ctx, nil, id)
}

func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.AgentTask, error) {
	return e.Repo.ListTasks(ctx, nil, f)
}

type taskChange struct {
	ArtifactID string
	Failure    string
	Waiting    []string
}

type taskPayload struct {
	From       domain.TaskStatus `json:"from"`
	To         domain.TaskStatus `json:"to"`
	ArtifactID string            `json:"artifact_id,omitempty"`
	Failure    string            `json:"failure,omitempty"`
	Waiting    []string          `json:"waiting,omitempty"`
}

func (e Engine) moveTask(ctx context.Context, tx *sql.Tx, t domain.AgentTask, to domain.TaskStatus, actorID, now string, change taskChange) (domain.AgentTask, error) {
	from := t.Status
	t.Status = to
	t.UpdatedAt = now
	if to == domain.TaskRunning && t.StartedAt == nil {
		t.StartedAt = &now
	}
	if to.Terminal() {
		t.EndedAt = &now
	}
	if change.ArtifactID != "" {
		id := change.ArtifactID
		t.ArtifactID = &id
	}
	if change.Failure != "" {
		failure := change.Failure
		t.Failure = &failure
	}
	if err := e.Repo.UpdateTask(ctx, tx, t, from); err != nil {
		return domain.AgentTask{}, err
	}
	if err := e.append(ctx, tx, audit.Entry{
		TS: now, Kind: "task.transitioned", ActorID: actorID, SubjectKind: "task", SubjectID: t.ID,
		Payload: taskPayload{From: from, To: to, ArtifactID: change.ArtifactID, Failure: change.Failure, Waiting: change.Waiting},
	}); err != nil {
		return domain.AgentTask{}, err
	}
	return t, nil
}

func ensureTaskTransition(from, to domain.TaskStatus) error {
	switch from {
	case domain.TaskSpawned:
		if to == domain.TaskRunning || to == domain.TaskBlocked || to == domain.TaskFailed {
			return nil
		}
	case domain.TaskBlocked:
		if to == domain.TaskRunning || to == domain.TaskFailed {
			return nil
		}
	case domain.TaskRunning:
		if to == domain.TaskSucceeded || to == domain.TaskFailed {
			return nil
		}
	}
	return &TransitionError{Subject: "task", From: string(from), To: string(to)}
}
