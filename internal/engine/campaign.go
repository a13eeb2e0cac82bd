package engine

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"stagegate/internal/audit"
	"stagegate/internal/config"
	"stagegate/internal/domain"
	"stagegate/internal/repo"
)

// StartCampaign creates the single campaign at the registry's initial stage and
// registers the configured agent types.
func (e Engine) StartCampaign(ctx context.Context, actorID string) (domain.Campaign, error) {
	if actorID == "" {
		actorID = domain.SystemActor
	}
	var c domain.Campaign
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.Repo.GetCampaign(ctx, tx); err == nil {
			return ErrCampaignExists
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		registry, err := e.Config.Marshal()
		if err != nil {
			return fmt.Errorf("marshal registry: %w", err)
		}
		now := e.now()
		c = domain.Campaign{
			ID:             e.Config.Campaign.ID,
			Stage:          e.Config.Campaign.Initial,
			Status:         domain.CampaignActive,
			StageEnteredAt: now,
			CreatedAt:      now,
			History:        []domain.StageTransition{},
		}
		if err := e.Repo.InsertCampaign(ctx, tx, c); err != nil {
			return fmt.Errorf("insert campaign: %w", err)
		}
		if err := e.Repo.UpsertRegistry(ctx, tx, registry, now); err != nil {
			return fmt.Errorf("store registry: %w", err)
		}
		if err := e.append(ctx, tx, audit.Entry{
			TS: now, Kind: "campaign.started", ActorID: actorID, SubjectKind: "campaign", SubjectID: c.ID,
			Payload: map[string]any{"campaign": c, "registry_sha256": digest(registry)},
		}); err != nil {
			return err
		}
		for _, a := range e.Config.Agents {
			if err := e.registerAgentType(ctx, tx, a, actorID, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.Campaign{}, err
	}
	e.log().Info("campaign started", zap.String("campaign_id", c.ID), zap.String("stage", c.Stage))
	return c, nil
}

// Campaign returns the authoritative campaign record.
func (e Engine) Campaign(ctx context.Context) (domain.Campaign, error) {
	return e.campaign(ctx, nil)
}

func (e Engine) campaign(ctx context.Context, q repo.Querier) (domain.Campaign, error) {
	c, err := e.Repo.GetCampaign(ctx, q)
	if errors.Is(err, repo.ErrNotFound) {
		return c, ErrNoCampaign
	}
	return c, err
}

// CurrentStage returns the definition of the stage the campaign is in.
func (e Engine) CurrentStage(ctx context.Context) (domain.Stage, error) {
	c, err := e.Campaign(ctx)
	if err != nil {
		return domain.Stage{}, err
	}
	st, ok := e.Config.Stage(c.Stage)
	if !ok {
		return domain.Stage{}, fmt.Errorf("campaign stage %s missing from registry", c.Stage)
	}
	return st, nil
}

// CanAdvance reports whether advance(target) would succeed with the given evidence.
func (e Engine) CanAdvance(ctx context.Context, target string, evidence ...domain.Evidence) (bool, []string, error) {
	c, err := e.Campaign(ctx)
	if err != nil {
		return false, nil, err
	}
	evidence, err = e.withConfirmations(ctx, c.Stage, evidence)
	if err != nil {
		return false, nil, err
	}
	reasons, err := e.unmetReasons(ctx, nil, c, target, evidence)
	if err != nil {
		return false, nil, err
	}
	return len(reasons) == 0, reasons, nil
}

type AdvanceRequest struct {
	Target   string
	Evidence []domain.Evidence
	ActorID  string
}

// Advance moves the campaign to req.Target when every precondition holds. On
// failure nothing changes and a *PreconditionError carries all unmet reasons.
func (e Engine) Advance(ctx context.Context, req AdvanceRequest) (domain.Campaign, error) {
	if req.ActorID == "" {
		req.ActorID = domain.SystemActor
	}
	current, err := e.Campaign(ctx)
	if err != nil {
		return domain.Campaign{}, err
	}
	// Confirmation lookups can block, so they run before the critical section.
	evidence, err := e.withConfirmations(ctx, current.Stage, req.Evidence)
	if err != nil {
		return domain.Campaign{}, err
	}
	var out domain.Campaign
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		c, err := e.campaign(ctx, tx)
		if err != nil {
			return err
		}
		reasons, err := e.unmetReasons(ctx, tx, c, req.Target, evidence)
		if err != nil {
			return err
		}
		if len(reasons) > 0 {
			return &PreconditionError{Target: req.Target, Reasons: reasons}
		}
		now := e.now()
		target, _ := e.Config.Stage(req.Target)
		from := c.Stage
		c.Stage = target.ID
		c.StageEnteredAt = now
		if target.Terminal() {
			c.Status = domain.CampaignArchived
			c.ArchivedAt = &now
		}
		transition := domain.StageTransition{From: from, To: target.ID, TS: now, ActorID: req.ActorID, Evidence: evidence}
		if err := e.Repo.UpdateCampaignStage(ctx, tx, c, from); err != nil {
			return err
		}
		if err := e.Repo.InsertStageTransition(ctx, tx, c.ID, transition); err != nil {
			return err
		}
		if err := e.append(ctx, tx, audit.Entry{
			TS: now, Kind: "campaign.advanced", ActorID: req.ActorID, SubjectKind: "campaign", SubjectID: c.ID,
			Payload: advancedPayload{From: from, To: target.ID, Status: c.Status, Evidence: evidence},
		}); err != nil {
			return err
		}
		c.History = append(c.History, transition)
		out = c
		return nil
	})
	if err != nil {
		return domain.Campaign{}, err
	}
	e.log().Info("campaign advanced", zap.String("campaign_id", out.ID), zap.String("from", current.Stage), zap.String("to", out.Stage))
	return out, nil
}

type advancedPayload struct {
	From     string            `json:"from"`
	To       string            `json:"to"`
	Status   string            `json:"status"`
	Evidence []domain.Evidence `json:"evidence,omitempty"`
}

// withConfirmations normalizes evidence and, when the stage predicate is not
// already satisfied, asks the confirmation source.
func (e Engine) withConfirmations(ctx context.Context, stageID string, evidence []domain.Evidence) ([]domain.Evidence, error) {
	out := make([]domain.Evidence, 0, len(evidence)+1)
	for _, ev := range evidence {
		if ev.Predicate == "" {
			return nil, fmt.Errorf("%w: evidence predicate is required", ErrInvalidArgument)
		}
		payload, err := normalizeJSON(ev.Payload, false)
		if err != nil {
			return nil, fmt.Errorf("%w: evidence %s payload: %v", ErrInvalidArgument, ev.Predicate, err)
		}
		ev.Payload = payload
		out = append(out, ev)
	}
	st, ok := e.Config.Stage(stageID)
	if !ok || st.Confirmation == "" || satisfies(out, st.Confirmation) || e.Confirmations == nil {
		if len(out) == 0 {
			return nil, nil
		}
		return out, nil
	}
	confirmed, err := e.Confirmations.Confirm(ctx, st.Confirmation)
	if err != nil {
		return nil, fmt.Errorf("confirm %s: %w", st.Confirmation, err)
	}
	if confirmed {
		out = append(out, domain.Evidence{Predicate: st.Confirmation, Confirmed: true, Source: "confirmation-source"})
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func satisfies(evidence []domain.Evidence, predicate string) bool {
	for _, ev := range evidence {
		if ev.Predicate == predicate && ev.Confirmed {
			return true
		}
	}
	return false
}

// unmetReasons evaluates every advancement precondition: the graph edge first,
// then required kinds in declared order, then the confirmation predicate.
func (e Engine) unmetReasons(ctx context.Context, q repo.Querier, c domain.Campaign, target string, evidence []domain.Evidence) ([]string, error) {
	var reasons []string
	cur, ok := e.Config.Stage(c.Stage)
	if !ok {
		return nil, fmt.Errorf("campaign stage %s missing from registry", c.Stage)
	}
	if _, ok := e.Config.Stage(target); !ok {
		reasons = append(reasons, fmt.Sprintf("stage %s is not defined", target))
	} else if target == c.Stage {
		reasons = append(reasons, fmt.Sprintf("campaign is already in %s", target))
	} else if !cur.HasSuccessor(target) {
		reasons = append(reasons, fmt.Sprintf("%s is not an allowed successor of %s", target, c.Stage))
	}
	approved, err := e.Repo.ApprovedKinds(ctx, q, c.Stage)
	if err != nil {
		return nil, err
	}
	for _, rule := range cur.Kinds {
		if rule.Required && !approved[rule.Kind] {
			reasons = append(reasons, fmt.Sprintf("%s not approved", rule.Kind))
		}
	}
	if cur.Confirmation != "" && !satisfies(evidence, cur.Confirmation) {
		reasons = append(reasons, fmt.Sprintf("confirmation %s not satisfied", cur.Confirmation))
	}
	return reasons, nil
}

type Successor struct {
	Stage      string   `json:"stage"`
	CanAdvance bool     `json:"can_advance"`
	Reasons    []string `json:"reasons,omitempty"`
}

type StageReport struct {
	Campaign   domain.Campaign     `json:"campaign"`
	Stage      domain.Stage        `json:"stage"`
	Successors []Successor         `json:"successors"`
	Gates      []domain.GateStatus `json:"gates"`
}

// StageStatus summarizes the current stage, its gates and each successor's readiness.
func (e Engine) StageStatus(ctx context.Context) (StageReport, error) {
	c, err := e.Campaign(ctx)
	if err != nil {
		return StageReport{}, err
	}
	st, ok := e.Config.Stage(c.Stage)
	if !ok {
		return StageReport{}, fmt.Errorf("campaign stage %s missing from registry", c.Stage)
	}
	report := StageReport{Campaign: c, Stage: st, Successors: []Successor{}, Gates: []domain.GateStatus{}}
	for _, next := range st.Successors {
		ok, reasons, err := e.CanAdvance(ctx, next)
		if err != nil {
			return StageReport{}, err
		}
		report.Successors = append(report.Successors, Successor{Stage: next, CanAdvance: ok, Reasons: reasons})
	}
	seen := map[string]bool{}
	for _, rule := range st.Kinds {
		if rule.Gate == "" || seen[rule.Gate] {
			continue
		}
		seen[rule.Gate] = true
		gs, err := e.GateStatus(ctx, rule.Gate)
		if err != nil {
			return StageReport{}, err
		}
		report.Gates = append(report.Gates, gs)
	}
	return report, nil
}

// Reconfigure validates and persists a replacement registry. The running
// engine keeps its registry; the new one applies from the next start.
func (e Engine) Reconfigure(ctx context.Context, cfg *config.Config, actorID string) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is required", ErrInvalidArgument)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if actorID == "" {
		actorID = domain.SystemActor
	}
	data, err := cfg.Marshal()
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	return e.withTx(ctx, func(tx *sql.Tx) error {
		now := e.now()
		if err := e.Repo.UpsertRegistry(ctx, tx, data, now); err != nil {
			return err
		}
		return e.append(ctx, tx, audit.Entry{
			TS: now, Kind: "registry.reconfigured", ActorID: actorID, SubjectKind: "registry", SubjectID: cfg.Campaign.ID,
			Payload: map[string]any{"registry_sha256": digest(data), "stages": len(cfg.Stages), "agents": len(cfg.Agents)},
		})
	})
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
