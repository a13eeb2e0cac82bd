package domain

import "encoding/json"

type ArtifactStatus string

const (
	ArtifactDraft         ArtifactStatus = "DRAFT"
	ArtifactPendingReview ArtifactStatus = "PENDING_REVIEW"
	ArtifactApproved      ArtifactStatus = "APPROVED"
	ArtifactRejected      ArtifactStatus = "REJECTED"
	ArtifactSuperseded    ArtifactStatus = "SUPERSEDED"
)

// Terminal reports whether no further artifact transition is possible.
func (s ArtifactStatus) Terminal() bool {
	return s == ArtifactApproved || s == ArtifactSuperseded
}

// Open reports whether the artifact still occupies its lineage slot.
func (s ArtifactStatus) Open() bool {
	return s == ArtifactDraft || s == ArtifactPendingReview
}

type TaskStatus string

const (
	TaskSpawned   TaskStatus = "SPAWNED"
	TaskRunning   TaskStatus = "RUNNING"
	TaskSucceeded TaskStatus = "SUCCEEDED"
	TaskFailed    TaskStatus = "FAILED"
	TaskBlocked   TaskStatus = "BLOCKED"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed
}

type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionReject  Decision = "REJECT"
)

const (
	CampaignActive   = "active"
	CampaignArchived = "archived"
)

// SystemActor is recorded for transitions the core performs itself.
const SystemActor = "system"

// KindRule declares an artifact kind producible in a stage.
type KindRule struct {
	Kind     string `json:"kind" yaml:"kind"`
	Required bool   `json:"required" yaml:"required"`
	Gate     string `json:"gate,omitempty" yaml:"gate,omitempty"`
}

type Stage struct {
	ID           string     `json:"id" yaml:"id"`
	Label        string     `json:"label,omitempty" yaml:"label,omitempty"`
	Successors   []string   `json:"successors,omitempty" yaml:"successors,omitempty"`
	Kinds        []KindRule `json:"kinds,omitempty" yaml:"kinds,omitempty"`
	Confirmation string     `json:"confirmation,omitempty" yaml:"confirmation,omitempty"`
}

// Terminal reports whether the stage has no successors.
func (s Stage) Terminal() bool { return len(s.Successors) == 0 }

// Rule returns the declared rule for kind.
func (s Stage) Rule(kind string) (KindRule, bool) {
	for _, r := range s.Kinds {
		if r.Kind == kind {
			return r, true
		}
	}
	return KindRule{}, false
}

func (s Stage) HasSuccessor(id string) bool {
	for _, n := range s.Successors {
		if n == id {
			return true
		}
	}
	return false
}

type Gate struct {
	ID        string   `json:"id" yaml:"-"`
	Label     string   `json:"label,omitempty" yaml:"label,omitempty"`
	Reviewers []string `json:"reviewers,omitempty" yaml:"reviewers,omitempty"`
}

type Evidence struct {
	Predicate string          `json:"predicate"`
	Confirmed bool            `json:"confirmed"`
	Source    string          `json:"source,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type StageTransition struct {
	From     string     `json:"from"`
	To       string     `json:"to"`
	TS       string     `json:"ts" format:"date-time"`
	ActorID  string     `json:"actor_id"`
	Evidence []Evidence `json:"evidence,omitempty"`
}

type Campaign struct {
	ID             string            `json:"id"`
	Stage          string            `json:"stage"`
	Status         string            `json:"status" enum:"active,archived"`
	StageEnteredAt string            `json:"stage_entered_at" format:"date-time"`
	CreatedAt      string            `json:"created_at" format:"date-time"`
	ArchivedAt     *string           `json:"archived_at,omitempty" format:"date-time"`
	History        []StageTransition `json:"history"`
}

type Artifact struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	AgentID     string          `json:"agent_id"`
	Stage       string          `json:"stage"`
	Status      ArtifactStatus  `json:"status" enum:"DRAFT,PENDING_REVIEW,APPROVED,REJECTED,SUPERSEDED"`
	Payload     json.RawMessage `json:"payload"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	Lineage     []string        `json:"lineage"`
	Fingerprint string          `json:"fingerprint"`
	ContentHash string          `json:"content_hash"`
	GateID      *string         `json:"gate_id,omitempty"`
	CreatedAt   string          `json:"created_at" format:"date-time"`
	UpdatedAt   string          `json:"updated_at" format:"date-time"`
}

type GateEntry struct {
	Gate        string `json:"gate"`
	ArtifactID  string `json:"artifact_id"`
	Kind        string `json:"kind"`
	Stage       string `json:"stage"`
	EnqueuedAt  string `json:"enqueued_at" format:"date-time"`
	SubmittedBy string `json:"submitted_by"`
}

type GateDecision struct {
	ID         int64    `json:"id"`
	Gate       string   `json:"gate"`
	ArtifactID string   `json:"artifact_id"`
	Decision   Decision `json:"decision" enum:"APPROVE,REJECT"`
	ReviewerID string   `json:"reviewer_id"`
	Rationale  string   `json:"rationale,omitempty"`
	TS         string   `json:"ts" format:"date-time"`
}

type GateQueue struct {
	Gate      string         `json:"gate"`
	Pending   []GateEntry    `json:"pending"`
	Decisions []GateDecision `json:"decisions"`
}

const (
	GateNotStarted = "not_started"
	GateInReview   = "in_review"
	GateCleared    = "cleared"
)

type GateStatus struct {
	Gate     string   `json:"gate"`
	Stage    string   `json:"stage"`
	Status   string   `json:"status" enum:"not_started,in_review,cleared"`
	Pending  int      `json:"pending"`
	Approved []string `json:"approved"`
	Missing  []string `json:"missing"`
}

type AgentType struct {
	ID          string   `json:"id" yaml:"id"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Stages      []string `json:"stages" yaml:"stages"`
	Produces    []string `json:"produces" yaml:"produces"`
	Requires    []string `json:"requires,omitempty" yaml:"requires,omitempty"`
}

// AllowedIn reports whether the agent type may run in stage.
func (a AgentType) AllowedIn(stage string) bool {
	for _, s := range a.Stages {
		if s == stage {
			return true
		}
	}
	return false
}

func (a AgentType) CanProduce(kind string) bool {
	for _, k := range a.Produces {
		if k == kind {
			return true
		}
	}
	return false
}

type AgentTask struct {
	ID         string     `json:"id"`
	AgentID    string     `json:"agent_id"`
	Stage      string     `json:"stage"`
	Status     TaskStatus `json:"status" enum:"SPAWNED,RUNNING,SUCCEEDED,FAILED,BLOCKED"`
	Lineage    []string   `json:"lineage"`
	ArtifactID *string    `json:"artifact_id,omitempty"`
	Failure    *string    `json:"failure,omitempty"`
	CreatedAt  string     `json:"created_at" format:"date-time"`
	StartedAt  *string    `json:"started_at,omitempty" format:"date-time"`
	EndedAt    *string    `json:"ended_at,omitempty" format:"date-time"`
	UpdatedAt  string     `json:"updated_at" format:"date-time"`
}

type AuditEntry struct {
	Seq         int64           `json:"seq"`
	TS          string          `json:"ts" format:"date-time"`
	Kind        string          `json:"kind"`
	ActorID     string          `json:"actor_id"`
	SubjectKind string          `json:"subject_kind"`
	SubjectID   string          `json:"subject_id"`
	Payload     json.RawMessage `json:"payload"`
}

// Snapshot is the full observable state of the core.
type Snapshot struct {
	Campaign   *Campaign   `json:"campaign"`
	Artifacts  []Artifact  `json:"artifacts"`
	Gates      []GateQueue `json:"gates"`
	Tasks      []AgentTask `json:"tasks"`
	AgentTypes []AgentType `json:"agent_types"`
}
