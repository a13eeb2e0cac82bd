package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"stagegate/internal/audit"
	"stagegate/internal/domain"
	"stagegate/internal/repo"
)

// Snapshot reads the live state of every record the audit log reconstructs.
func (e Engine) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	if e.Config == nil {
		return domain.Snapshot{}, errors.New("config not loaded")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Snapshot{}, err
	}
	defer tx.Rollback()
	return e.snapshot(ctx, tx)
}

func (e Engine) snapshot(ctx context.Context, q repo.Querier) (domain.Snapshot, error) {
	snap := domain.Snapshot{Gates: []domain.GateQueue{}}
	c, err := e.Repo.GetCampaign(ctx, q)
	switch {
	case err == nil:
		snap.Campaign = &c
	case !errors.Is(err, repo.ErrNotFound):
		return snap, err
	}
	if snap.Artifacts, err = e.Repo.ListArtifacts(ctx, q, repo.ArtifactFilters{}); err != nil {
		return snap, err
	}
	for _, id := range e.Config.GateIDs() {
		gq, err := e.gateQueue(ctx, q, id)
		if err != nil {
			return snap, err
		}
		snap.Gates = append(snap.Gates, gq)
	}
	if snap.Tasks, err = e.Repo.ListTasks(ctx, q, repo.TaskFilters{}); err != nil {
		return snap, err
	}
	if snap.AgentTypes, err = e.Repo.ListAgentTypes(ctx, q); err != nil {
		return snap, err
	}
	return snap, nil
}

// Rebuild folds audit entries from empty state into a snapshot covering gates.
func Rebuild(gates []string, entries iter.Seq2[domain.AuditEntry, error]) (domain.Snapshot, error) {
	b := newRebuilder(gates)
	for entry, err := range entries {
		if err != nil {
			return domain.Snapshot{}, err
		}
		if err := b.apply(entry); err != nil {
			return domain.Snapshot{}, fmt.Errorf("replay seq %d (%s): %w", entry.Seq, entry.Kind, err)
		}
	}
	return b.snapshot(), nil
}

type rebuilder struct {
	campaign   *domain.Campaign
	artifacts  []domain.Artifact
	artifactIx map[string]int
	gateOrder  []string
	gates      map[string]*domain.GateQueue
	tasks      []domain.AgentTask
	taskIx     map[string]int
	agents     []domain.AgentType
	agentIx    map[string]int
}

func newRebuilder(gates []string) *rebuilder {
	b := &rebuilder{
		artifactIx: map[string]int{},
		gates:      map[string]*domain.GateQueue{},
		taskIx:     map[string]int{},
		agentIx:    map[string]int{},
		gateOrder:  gates,
	}
	for _, g := range gates {
		b.gates[g] = &domain.GateQueue{Gate: g, Pending: []domain.GateEntry{}, Decisions: []domain.GateDecision{}}
	}
	return b
}

func decode(entry domain.AuditEntry, v any) error {
	if err := json.Unmarshal(entry.Payload, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func (b *rebuilder) apply(entry domain.AuditEntry) error {
	switch entry.Kind {
	case "campaign.started":
		var p struct {
			Campaign domain.Campaign `json:"campaign"`
		}
		if err := decode(entry, &p); err != nil {
			return err
		}
		if p.Campaign.History == nil {
			p.Campaign.History = []domain.StageTransition{}
		}
		b.campaign = &p.Campaign
	case "campaign.advanced":
		var p advancedPayload
		if err := decode(entry, &p); err != nil {
			return err
		}
		if b.campaign == nil || b.campaign.Stage != p.From {
			return errors.New("advance from a stage the campaign is not in")
		}
		b.campaign.Stage = p.To
		b.campaign.Status = p.Status
		b.campaign.StageEnteredAt = entry.TS
		if p.Status == domain.CampaignArchived {
			ts := entry.TS
			b.campaign.ArchivedAt = &ts
		}
		b.campaign.History = append(b.campaign.History, domain.StageTransition{
			From: p.From, To: p.To, TS: entry.TS, ActorID: entry.ActorID, Evidence: p.Evidence,
		})
	case "agent.registered":
		var p struct {
			Agent domain.AgentType `json:"agent"`
		}
		if err := decode(entry, &p); err != nil {
			return err
		}
		if i, ok := b.agentIx[p.Agent.ID]; ok {
			b.agents[i] = p.Agent
		} else {
			b.agentIx[p.Agent.ID] = len(b.agents)
			b.agents = append(b.agents, p.Agent)
		}
	case "artifact.submitted":
		var p struct {
			Artifact domain.Artifact `json:"artifact"`
		}
		if err := decode(entry, &p); err != nil {
			return err
		}
		b.artifactIx[p.Artifact.ID] = len(b.artifacts)
		b.artifacts = append(b.artifacts, p.Artifact)
	case "artifact.transitioned":
		var p transitionPayload
		if err := decode(entry, &p); err != nil {
			return err
		}
		i, ok := b.artifactIx[entry.SubjectID]
		if !ok {
			return fmt.Errorf("unknown artifact %s", entry.SubjectID)
		}
		if b.artifacts[i].Status != p.From {
			return fmt.Errorf("artifact %s is %s, entry expects %s", entry.SubjectID, b.artifacts[i].Status, p.From)
		}
		b.artifacts[i].Status = p.To
		b.artifacts[i].UpdatedAt = entry.TS
	case "gate.enqueued":
		var p struct {
			Entry domain.GateEntry `json:"entry"`
		}
		if err := decode(entry, &p); err != nil {
			return err
		}
		if q, ok := b.gates[p.Entry.Gate]; ok {
			q.Pending = append(q.Pending, p.Entry)
		}
	case "gate.decided":
		var p struct {
			Decision domain.GateDecision `json:"decision"`
		}
		if err := decode(entry, &p); err != nil {
			return err
		}
		q, ok := b.gates[p.Decision.Gate]
		if !ok {
			return nil
		}
		kept := q.Pending[:0]
		for _, pe := range q.Pending {
			if pe.ArtifactID != p.Decision.ArtifactID {
				kept = append(kept, pe)
			}
		}
		q.Pending = kept
		q.Decisions = append(q.Decisions, p.Decision)
	case "task.spawned":
		var p struct {
			Task domain.AgentTask `json:"task"`
		}
		if err := decode(entry, &p); err != nil {
			return err
		}
		b.taskIx[p.Task.ID] = len(b.tasks)
		b.tasks = append(b.tasks, p.Task)
	case "task.transitioned":
		var p taskPayload
		if err := decode(entry, &p); err != nil {
			return err
		}
		i, ok := b.taskIx[entry.SubjectID]
		if !ok {
			return fmt.Errorf("unknown task %s", entry.SubjectID)
		}
		t := &b.tasks[i]
		if t.Status != p.From {
			return fmt.Errorf("task %s is %s, entry expects %s", t.ID, t.Status, p.From)
		}
		ts := entry.TS
		t.Status = p.To
		t.UpdatedAt = ts
		if p.To == domain.TaskRunning && t.StartedAt == nil {
			t.StartedAt = &ts
		}
		if p.To.Terminal() {
			t.EndedAt = &ts
		}
		if p.ArtifactID != "" {
			id := p.ArtifactID
			t.ArtifactID = &id
		}
		if p.Failure != "" {
			failure := p.Failure
			t.Failure = &failure
		}
	}
	return nil
}

func (b *rebuilder) snapshot() domain.Snapshot {
	snap := domain.Snapshot{
		Campaign:   b.campaign,
		Artifacts:  append([]domain.Artifact{}, b.artifacts...),
		Gates:      []domain.GateQueue{},
		Tasks:      append([]domain.AgentTask{}, b.tasks...),
		AgentTypes: append([]domain.AgentType{}, b.agents...),
	}
	for _, g := range b.gateOrder {
		snap.Gates = append(snap.Gates, *b.gates[g])
	}
	return snap
}

type VerifyResult struct {
	Seq        int64  `json:"seq"`
	Equal      bool   `json:"equal"`
	Divergence string `json:"divergence,omitempty"`
}

// Verify replays the whole log and compares the result with live state. Both
// reads share one transaction so they observe the same point in history.
func (e Engine) Verify(ctx context.Context) (VerifyResult, error) {
	if e.Config == nil {
		return VerifyResult{}, errors.New("config not loaded")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return VerifyResult{}, err
	}
	defer tx.Rollback()
	live, err := e.snapshot(ctx, tx)
	if err != nil {
		return VerifyResult{}, err
	}
	var seq int64
	entries := func(yield func(domain.AuditEntry, error) bool) {
		for entry, err := range audit.ReplayFrom(ctx, tx, 0) {
			if err == nil {
				seq = entry.Seq
			}
			if !yield(entry, err) {
				return
			}
		}
	}
	rebuilt, err := Rebuild(e.Config.GateIDs(), entries)
	if err != nil {
		return VerifyResult{Seq: seq, Divergence: err.Error()}, nil
	}
	diff, err := compareSnapshots(live, rebuilt)
	if err != nil {
		return VerifyResult{}, err
	}
	return VerifyResult{Seq: seq, Equal: diff == "", Divergence: diff}, nil
}

// compareSnapshots returns the path of the first differing record, or "".
func compareSnapshots(live, rebuilt domain.Snapshot) (string, error) {
	if d, err := firstDiff("campaign", []any{live.Campaign}, []any{rebuilt.Campaign}); d != "" || err != nil {
		return d, err
	}
	if d, err := firstDiff("artifacts", toAny(live.Artifacts), toAny(rebuilt.Artifacts)); d != "" || err != nil {
		return d, err
	}
	if d, err := firstDiff("gates", toAny(live.Gates), toAny(rebuilt.Gates)); d != "" || err != nil {
		return d, err
	}
	if d, err := firstDiff("tasks", toAny(live.Tasks), toAny(rebuilt.Tasks)); d != "" || err != nil {
		return d, err
	}
	return firstDiff("agent_types", toAny(live.AgentTypes), toAny(rebuilt.AgentTypes))
}

func toAny[T any](in []T) []any {
	out := make([]any, len(in))
	for i := range in {
		out[i] = in[i]
	}
	return out
}

func firstDiff(section string, a, b []any) (string, error) {
	if len(a) != len(b) {
		return fmt.Sprintf("%s: live has %d records, replay has %d", section, len(a), len(b)), nil
	}
	for i := range a {
		x, err := json.Marshal(a[i])
		if err != nil {
			return "", err
		}
		y, err := json.Marshal(b[i])
		if err != nil {
			return "", err
		}
		if !bytes.Equal(x, y) {
			return fmt.Sprintf("%s[%d]: live %s, replay %s", section, i, x, y), nil
		}
	}
	return "", nil
}
