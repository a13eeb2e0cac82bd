package engine

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"stagegate/internal/audit"
	"stagegate/internal/domain"
	"stagegate/internal/repo"
)

type SubmitRequest struct {
	Kind     string
	AgentID  string
	Stage    string
	Payload  json.RawMessage
	Metadata json.RawMessage
	Lineage  []string
	// Hold keeps a gated artifact in DRAFT until Enqueue is called, letting the
	// caller decide queue order.
	Hold bool
}

// Submit records an agent output. Ungated kinds are approved immediately;
// gated kinds go to PENDING_REVIEW on their gate's queue.
func (e Engine) Submit(ctx context.Context, req SubmitRequest) (domain.Artifact, error) {
	var out domain.Artifact
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		a, err := e.submit(ctx, tx, req, e.now())
		out = a
		return err
	})
	if err != nil {
		return domain.Artifact{}, err
	}
	e.log().Info("artifact submitted", zap.String("artifact_id", out.ID), zap.String("kind", out.Kind), zap.String("status", string(out.Status)))
	return out, nil
}

func (e Engine) submit(ctx context.Context, tx *sql.Tx, req SubmitRequest, now string) (domain.Artifact, error) {
	if req.Kind == "" || req.AgentID == "" {
		return domain.Artifact{}, fmt.Errorf("%w: kind and agent are required", ErrInvalidArgument)
	}
	c, err := e.campaign(ctx, tx)
	if err != nil {
		return domain.Artifact{}, err
	}
	if req.Stage == "" {
		req.Stage = c.Stage
	}
	if req.Stage != c.Stage {
		return domain.Artifact{}, fmt.Errorf("%w: artifact stage %s is not the current stage %s", ErrNotAllowedInStage, req.Stage, c.Stage)
	}
	st, ok := e.Config.Stage(req.Stage)
	if !ok {
		return domain.Artifact{}, fmt.Errorf("campaign stage %s missing from registry", req.Stage)
	}
	rule, ok := st.Rule(req.Kind)
	if !ok {
		return domain.Artifact{}, fmt.Errorf("%w: %s is not declared for stage %s", ErrUnknownKind, req.Kind, req.Stage)
	}
	lineage := dedupe(req.Lineage)
	missing, err := e.Repo.MissingArtifacts(ctx, tx, lineage)
	if err != nil {
		return domain.Artifact{}, err
	}
	if len(missing) > 0 {
		return domain.Artifact{}, fmt.Errorf("lineage artifact %s: %w", strings.Join(missing, ","), ErrNotFound)
	}
	fingerprint := lineageFingerprint(lineage)
	existing, err := e.Repo.OpenArtifactBySlot(ctx, tx, req.Kind, req.Stage, fingerprint)
	if err == nil {
		return domain.Artifact{}, &DuplicateError{Existing: existing.ID}
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Artifact{}, err
	}
	payload, err := normalizeJSON(req.Payload, true)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("%w: payload: %v", ErrInvalidArgument, err)
	}
	metadata, err := normalizeJSON(req.Metadata, false)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("%w: metadata: %v", ErrInvalidArgument, err)
	}
	a := domain.Artifact{
		ID:          uuid.NewString(),
		Kind:        req.Kind,
		AgentID:     req.AgentID,
		Stage:       req.Stage,
		Status:      domain.ArtifactDraft,
		Payload:     payload,
		Metadata:    metadata,
		Lineage:     lineage,
		Fingerprint: fingerprint,
		ContentHash: contentHash(req.Kind, payload),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if rule.Gate != "" {
		gate := rule.Gate
		a.GateID = &gate
	}
	if err := e.Repo.InsertArtifact(ctx, tx, a); err != nil {
		return domain.Artifact{}, fmt.Errorf("insert artifact: %w", err)
	}
	if err := e.append(ctx, tx, audit.Entry{
		TS: now, Kind: "artifact.submitted", ActorID: req.AgentID, SubjectKind: "artifact", SubjectID: a.ID,
		Payload: map[string]any{"artifact": a},
	}); err != nil {
		return domain.Artifact{}, err
	}
	if err := e.supersedeRejected(ctx, tx, a, now); err != nil {
		return domain.Artifact{}, err
	}
	switch {
	case rule.Gate == "":
		return e.transition(ctx, tx, a, domain.ArtifactApproved, domain.SystemActor, "no gate required", now)
	case req.Hold:
		return a, nil
	default:
		a, _, err = e.enqueue(ctx, tx, rule.Gate, a, req.AgentID, now)
		return a, err
	}
}

// supersedeRejected retires REJECTED artifacts replaced by a.
func (e Engine) supersedeRejected(ctx context.Context, tx *sql.Tx, a domain.Artifact, now string) error {
	rejected, err := e.Repo.ListArtifacts(ctx, tx, repo.ArtifactFilters{Kind: a.Kind, Stage: a.Stage, Status: domain.ArtifactRejected})
	if err != nil {
		return err
	}
	for _, old := range rejected {
		if _, err := e.transition(ctx, tx, old, domain.ArtifactSuperseded, domain.SystemActor, "superseded by "+a.ID, now); err != nil {
			return err
		}
	}
	return nil
}

func (e Engine) GetArtifact(ctx context.Context, id string) (domain.Artifact, error) {
	return e.Repo.GetArtifact(ctx, nil, id)
}

// ListByKindAndStage returns artifacts in submission order.
func (e Engine) ListByKindAndStage(ctx context.Context, kind, stage string) ([]domain.Artifact, error) {
	return e.Repo.ListArtifacts(ctx, nil, repo.ArtifactFilters{Kind: kind, Stage: stage})
}

func (e Engine) ListArtifacts(ctx context.Context, f repo.ArtifactFilters) ([]domain.Artifact, error) {
	return e.Repo.ListArtifacts(ctx, nil, f)
}

// Transition applies a caller-requested status change. Queued artifacts leave
// PENDING_REVIEW only through Decide; a held DRAFT is moved onto its gate.
func (e Engine) Transition(ctx context.Context, id string, to domain.ArtifactStatus, actorID, rationale string) (domain.Artifact, error) {
	if actorID == "" {
		return domain.Artifact{}, fmt.Errorf("%w: actor is required", ErrInvalidArgument)
	}
	var out domain.Artifact
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		a, err := e.Repo.GetArtifact(ctx, tx, id)
		if err != nil {
			return err
		}
		now := e.now()
		switch {
		case a.Status == domain.ArtifactPendingReview:
			return &TransitionError{Subject: "artifact", From: string(a.Status), To: string(to)}
		case a.Status == domain.ArtifactDraft && to == domain.ArtifactPendingReview:
			if a.GateID == nil {
				return &TransitionError{Subject: "artifact", From: string(a.Status), To: string(to)}
			}
			if err := e.requireCurrentStage(ctx, tx, a); err != nil {
				return err
			}
			out, _, err = e.enqueue(ctx, tx, *a.GateID, a, actorID, now)
			return err
		case a.Status == domain.ArtifactDraft && to == domain.ArtifactApproved && a.GateID != nil:
			return &TransitionError{Subject: "artifact", From: string(a.Status), To: string(to)}
		}
		out, err = e.transition(ctx, tx, a, to, actorID, rationale, now)
		return err
	})
	return out, err
}

type transitionPayload struct {
	From      domain.ArtifactStatus `json:"from"`
	To        domain.ArtifactStatus `json:"to"`
	Rationale string                `json:"rationale,omitempty"`
}

func (e Engine) transition(ctx context.Context, tx *sql.Tx, a domain.Artifact, to domain.ArtifactStatus, actorID, rationale, now string) (domain.Artifact, error) {
	if err := ensureArtifactTransition(a.Status, to); err != nil {
		return domain.Artifact{}, err
	}
	if err := e.Repo.UpdateArtifactStatus(ctx, tx, a.ID, a.Status, to, now); err != nil {
		return domain.Artifact{}, err
	}
	if err := e.append(ctx, tx, audit.Entry{
		TS: now, Kind: "artifact.transitioned", ActorID: actorID, SubjectKind: "artifact", SubjectID: a.ID,
		Payload: transitionPayload{From: a.Status, To: to, Rationale: rationale},
	}); err != nil {
		return domain.Artifact{}, err
	}
	a.Status = to
	a.UpdatedAt = now
	return a, nil
}

func ensureArtifactTransition(from, to domain.ArtifactStatus) error {
	switch from {
	case domain.ArtifactDraft:
		if to == domain.ArtifactPendingReview || to == domain.ArtifactApproved {
			return nil
		}
	case domain.ArtifactPendingReview:
		if to == domain.ArtifactApproved || to == domain.ArtifactRejected {
			return nil
		}
	case domain.ArtifactRejected:
		if to == domain.ArtifactSuperseded {
			return nil
		}
	}
	return &TransitionError{Subject: "artifact", From: string(from), To: string(to)}
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := map[string]bool{}
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// lineageFingerprint identifies a lineage as a set: order does not matter.
func lineageFingerprint(lineage []string) string {
	sorted := append([]string(nil), lineage...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	return hex.EncodeToString(sum[:])
}

func contentHash(kind string, payload json.RawMessage) string {
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// normalizeJSON compacts raw into the exact bytes encoding/json re-emits, so
// payloads read back from the audit log compare equal to stored ones.
func normalizeJSON(raw json.RawMessage, emptyAsObject bool) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		if emptyAsObject {
			return json.RawMessage(`{}`), nil
		}
		return nil, nil
	}
	if !json.Valid(raw) {
		return nil, errors.New("not valid JSON")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}
