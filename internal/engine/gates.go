package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"stagegate/internal/audit"
	"stagegate/internal/domain"
	"stagegate/internal/repo"
)

// Enqueue places a held DRAFT artifact on gate's queue.
func (e Engine) Enqueue(ctx context.Context, gate, artifactID, actorID string) (domain.GateEntry, error) {
	if actorID == "" {
		return domain.GateEntry{}, fmt.Errorf("%w: actor is required", ErrInvalidArgument)
	}
	var entry domain.GateEntry
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if _, ok := e.Config.Gate(gate); !ok {
			return fmt.Errorf("gate %s: %w", gate, ErrNotFound)
		}
		a, err := e.Repo.GetArtifact(ctx, tx, artifactID)
		if err != nil {
			return err
		}
		if a.GateID == nil || *a.GateID != gate {
			return fmt.Errorf("%w: artifact %s is not reviewed at gate %s", ErrInvalidArgument, a.ID, gate)
		}
		if err := e.requireCurrentStage(ctx, tx, a); err != nil {
			return err
		}
		_, entry, err = e.enqueue(ctx, tx, gate, a, actorID, e.now())
		return err
	})
	return entry, err
}

// requireCurrentStage refuses to queue artifacts produced for a stage the
// campaign has already left.
func (e Engine) requireCurrentStage(ctx context.Context, tx *sql.Tx, a domain.Artifact) error {
	c, err := e.campaign(ctx, tx)
	if err != nil {
		return err
	}
	if a.Stage != c.Stage {
		return fmt.Errorf("%w: artifact stage %s is not the current stage %s", ErrNotAllowedInStage, a.Stage, c.Stage)
	}
	return nil
}

func (e Engine) enqueue(ctx context.Context, tx *sql.Tx, gate string, a domain.Artifact, actorID, now string) (domain.Artifact, domain.GateEntry, error) {
	a, err := e.transition(ctx, tx, a, domain.ArtifactPendingReview, actorID, "submitted for review", now)
	if err != nil {
		return domain.Artifact{}, domain.GateEntry{}, err
	}
	entry := domain.GateEntry{Gate: gate, ArtifactID: a.ID, Kind: a.Kind, Stage: a.Stage, EnqueuedAt: now, SubmittedBy: actorID}
	if err := e.Repo.InsertGateEntry(ctx, tx, entry); err != nil {
		return domain.Artifact{}, domain.GateEntry{}, fmt.Errorf("enqueue: %w", err)
	}
	if err := e.append(ctx, tx, audit.Entry{
		TS: now, Kind: "gate.enqueued", ActorID: actorID, SubjectKind: "gate", SubjectID: gate,
		Payload: map[string]any{"entry": entry},
	}); err != nil {
		return domain.Artifact{}, domain.GateEntry{}, err
	}
	return a, entry, nil
}

// ListPending returns gate's queue, oldest first.
func (e Engine) ListPending(ctx context.Context, gate string) ([]domain.GateEntry, error) {
	if _, ok := e.Config.Gate(gate); !ok {
		return nil, fmt.Errorf("gate %s: %w", gate, ErrNotFound)
	}
	return e.Repo.ListPending(ctx, nil, gate)
}

// GateQueue returns the pending entries and decision history for gate.
func (e Engine) GateQueue(ctx context.Context, gate string) (domain.GateQueue, error) {
	return e.gateQueue(ctx, nil, gate)
}

func (e Engine) gateQueue(ctx context.Context, q repo.Querier, gate string) (domain.GateQueue, error) {
	if _, ok := e.Config.Gate(gate); !ok {
		return domain.GateQueue{}, fmt.Errorf("gate %s: %w", gate, ErrNotFound)
	}
	pending, err := e.Repo.ListPending(ctx, q, gate)
	if err != nil {
		return domain.GateQueue{}, err
	}
	decisions, err := e.Repo.ListGateDecisions(ctx, q, gate)
	if err != nil {
		return domain.GateQueue{}, err
	}
	return domain.GateQueue{Gate: gate, Pending: pending, Decisions: decisions}, nil
}

type Reviewer struct {
	ID string
}

type DecideRequest struct {
	Gate       string
	ArtifactID string
	Decision   domain.Decision
	Reviewer   Reviewer
	Rationale  string
}

// Decide is the only way an artifact leaves PENDING_REVIEW. Dequeue, decision
// record and status change commit together or not at all.
func (e Engine) Decide(ctx context.Context, req DecideRequest) (domain.Artifact, error) {
	if req.Decision != domain.DecisionApprove && req.Decision != domain.DecisionReject {
		return domain.Artifact{}, fmt.Errorf("%w: decision must be APPROVE or REJECT", ErrInvalidArgument)
	}
	gate, ok := e.Config.Gate(req.Gate)
	if !ok {
		return domain.Artifact{}, fmt.Errorf("gate %s: %w", req.Gate, ErrNotFound)
	}
	var out domain.Artifact
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.authorizeReviewer(ctx, tx, gate, req.Reviewer); err != nil {
			return err
		}
		if _, err := e.Repo.GetGateEntry(ctx, tx, req.Gate, req.ArtifactID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return fmt.Errorf("%w: artifact %s at gate %s", ErrNotInQueue, req.ArtifactID, req.Gate)
			}
			return err
		}
		a, err := e.Repo.GetArtifact(ctx, tx, req.ArtifactID)
		if err != nil {
			return err
		}
		now := e.now()
		if err := e.Repo.DeleteGateEntry(ctx, tx, req.Gate, req.ArtifactID); err != nil {
			return err
		}
		d := domain.GateDecision{
			Gate: req.Gate, ArtifactID: a.ID, Decision: req.Decision,
			ReviewerID: req.Reviewer.ID, Rationale: req.Rationale, TS: now,
		}
		if d.ID, err = e.Repo.InsertGateDecision(ctx, tx, d); err != nil {
			return err
		}
		if err := e.append(ctx, tx, audit.Entry{
			TS: now, Kind: "gate.decided", ActorID: req.Reviewer.ID, SubjectKind: "gate", SubjectID: req.Gate,
			Payload: map[string]any{"decision": d},
		}); err != nil {
			return err
		}
		to := domain.ArtifactApproved
		if req.Decision == domain.DecisionReject {
			to = domain.ArtifactRejected
		}
		out, err = e.transition(ctx, tx, a, to, req.Reviewer.ID, req.Rationale, now)
		return err
	})
	if err != nil {
		return domain.Artifact{}, err
	}
	e.log().Info("gate decision", zap.String("gate", req.Gate), zap.String("artifact_id", out.ID),
		zap.String("decision", string(req.Decision)), zap.String("reviewer", req.Reviewer.ID))
	return out, nil
}

// authorizeReviewer rejects the core's own identity and agent identities, and
// enforces the gate's allow-list when one is configured.
func (e Engine) authorizeReviewer(ctx context.Context, tx *sql.Tx, gate domain.Gate, r Reviewer) error {
	if r.ID == "" || r.ID == domain.SystemActor {
		return fmt.Errorf("%w: reviewer identity is required", ErrUnauthorizedReviewer)
	}
	if _, ok := e.Config.Agent(r.ID); ok {
		return fmt.Errorf("%w: %s is an agent", ErrUnauthorizedReviewer, r.ID)
	}
	if _, err := e.Repo.GetAgentType(ctx, tx, r.ID); err == nil {
		return fmt.Errorf("%w: %s is an agent", ErrUnauthorizedReviewer, r.ID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	if len(gate.Reviewers) == 0 {
		return nil
	}
	for _, id := range gate.Reviewers {
		if id == r.ID {
			return nil
		}
	}
	return fmt.Errorf("%w: %s may not review gate %s", ErrUnauthorizedReviewer, r.ID, gate.ID)
}

// GateStatus derives gate progress for the current stage from the artifact store.
func (e Engine) GateStatus(ctx context.Context, gate string) (domain.GateStatus, error) {
	if _, ok := e.Config.Gate(gate); !ok {
		return domain.GateStatus{}, fmt.Errorf("gate %s: %w", gate, ErrNotFound)
	}
	c, err := e.Campaign(ctx)
	if err != nil {
		return domain.GateStatus{}, err
	}
	st, _ := e.Config.Stage(c.Stage)
	approved, err := e.Repo.ApprovedKinds(ctx, nil, c.Stage)
	if err != nil {
		return domain.GateStatus{}, err
	}
	pending, err := e.Repo.CountPendingByKind(ctx, nil, gate, c.Stage)
	if err != nil {
		return domain.GateStatus{}, err
	}
	gs := domain.GateStatus{Gate: gate, Stage: c.Stage, Approved: []string{}, Missing: []string{}}
	required := 0
	for _, rule := range st.Kinds {
		if rule.Gate != gate || !rule.Required {
			continue
		}
		required++
		if approved[rule.Kind] {
			gs.Approved = append(gs.Approved, rule.Kind)
		} else {
			gs.Missing = append(gs.Missing, rule.Kind)
		}
	}
	for _, n := range pending {
		gs.Pending += n
	}
	switch {
	case required > 0 && len(gs.Missing) == 0 && gs.Pending == 0:
		gs.Status = domain.GateCleared
	case len(gs.Approved) == 0 && gs.Pending == 0:
		gs.Status = domain.GateNotStarted
	default:
		gs.Status = domain.GateInReview
	}
	return gs, nil
}
