package server

import (
	"encoding/json"
	"fmt"

	"stagegate/internal/domain"
	"stagegate/internal/engine"
)

// Request payloads

type EvidenceRequest struct {
	Predicate string `json:"predicate"`
	Confirmed bool   `json:"confirmed"`
	Source    string `json:"source,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

type AdvanceRequest struct {
	Target   string            `json:"target"`
	Evidence []EvidenceRequest `json:"evidence,omitempty"`
}

type SubmitArtifactRequest struct {
	Kind     string   `json:"kind"`
	AgentID  string   `json:"agent_id,omitempty"`
	Payload  any      `json:"payload,omitempty"`
	Metadata any      `json:"metadata,omitempty"`
	Lineage  []string `json:"lineage,omitempty"`
	Hold     bool     `json:"hold,omitempty"`
}

type EnqueueRequest struct {
	ArtifactID string `json:"artifact_id"`
}

type DecisionRequest struct {
	ArtifactID string `json:"artifact_id"`
	Decision   string `json:"decision" enum:"APPROVE,REJECT"`
	Rationale  string `json:"rationale,omitempty"`
}

type RegisterAgentRequest struct {
	Description string   `json:"description,omitempty"`
	Stages      []string `json:"stages"`
	Produces    []string `json:"produces"`
	Requires    []string `json:"requires,omitempty"`
}

type SpawnRequest struct {
	Lineage []string `json:"lineage,omitempty"`
}

type TaskOutputRequest struct {
	Kind     string `json:"kind"`
	Payload  any    `json:"payload,omitempty"`
	Metadata any    `json:"metadata,omitempty"`
}

type TaskReportRequest struct {
	Status  string             `json:"status" enum:"RUNNING,BLOCKED,SUCCEEDED,FAILED"`
	Output  *TaskOutputRequest `json:"output,omitempty"`
	Failure string             `json:"failure,omitempty"`
}

type DevLoginRequest struct {
	Subject string   `json:"subject"`
	Roles   []string `json:"roles,omitempty"`
}

// Responses

type DevLoginResponse struct {
	Token string `json:"token"`
}

type CanAdvanceResponse struct {
	Target     string   `json:"target"`
	CanAdvance bool     `json:"can_advance"`
	Reasons    []string `json:"reasons"`
}

type GateResponse struct {
	Status    domain.GateStatus     `json:"status"`
	Pending   []domain.GateEntry    `json:"pending"`
	Decisions []domain.GateDecision `json:"decisions"`
}

type AuditPage struct {
	Items      []domain.AuditEntry `json:"items"`
	NextCursor int64               `json:"next_cursor,omitempty"`
}

func rawJSON(field string, v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", engine.ErrInvalidArgument, field, err)
	}
	return data, nil
}

func (r AdvanceRequest) evidence() ([]domain.Evidence, error) {
	out := make([]domain.Evidence, 0, len(r.Evidence))
	for _, ev := range r.Evidence {
		payload, err := rawJSON("evidence payload", ev.Payload)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.Evidence{Predicate: ev.Predicate, Confirmed: ev.Confirmed, Source: ev.Source, Payload: payload})
	}
	return out, nil
}

func (r SubmitArtifactRequest) toEngine(agentID string) (engine.SubmitRequest, error) {
	payload, err := rawJSON("payload", r.Payload)
	if err != nil {
		return engine.SubmitRequest{}, err
	}
	metadata, err := rawJSON("metadata", r.Metadata)
	if err != nil {
		return engine.SubmitRequest{}, err
	}
	return engine.SubmitRequest{
		Kind: r.Kind, AgentID: agentID, Payload: payload, Metadata: metadata, Lineage: r.Lineage, Hold: r.Hold,
	}, nil
}

func (r TaskReportRequest) toEngine(taskID, actorID string) (engine.TaskReport, error) {
	rep := engine.TaskReport{TaskID: taskID, Status: domain.TaskStatus(r.Status), Failure: r.Failure, ActorID: actorID}
	if r.Output != nil {
		payload, err := rawJSON("output payload", r.Output.Payload)
		if err != nil {
			return engine.TaskReport{}, err
		}
		metadata, err := rawJSON("output metadata", r.Output.Metadata)
		if err != nil {
			return engine.TaskReport{}, err
		}
		rep.Output = &engine.AgentOutput{Kind: r.Output.Kind, Payload: payload, Metadata: metadata}
	}
	return rep, nil
}
