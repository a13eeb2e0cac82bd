package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"stagegate/internal/domain"
)

func (r Repo) InsertCampaign(ctx context.Context, q Querier, c domain.Campaign) error {
	_, err := r.conn(q).ExecContext(ctx, `INSERT INTO campaigns(id,stage,status,stage_entered_at,created_at,archived_at) VALUES (?,?,?,?,?,?)`,
		c.ID, c.Stage, c.Status, c.StageEnteredAt, c.CreatedAt, nullableStringPtr(c.ArchivedAt))
	return err
}

// UpdateCampaignStage moves the cursor only when the campaign is still at from.
func (r Repo) UpdateCampaignStage(ctx context.Context, q Querier, c domain.Campaign, from string) error {
	res, err := r.conn(q).ExecContext(ctx, `UPDATE campaigns SET stage=?, status=?, stage_entered_at=?, archived_at=? WHERE id=? AND stage=?`,
		c.Stage, c.Status, c.StageEnteredAt, nullableStringPtr(c.ArchivedAt), c.ID, from)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("campaign %s moved concurrently", c.ID)
	}
	return nil
}

func (r Repo) InsertStageTransition(ctx context.Context, q Querier, campaignID string, t domain.StageTransition) error {
	var evidence any
	if len(t.Evidence) > 0 {
		data, err := json.Marshal(t.Evidence)
		if err != nil {
			return err
		}
		evidence = string(data)
	}
	_, err := r.conn(q).ExecContext(ctx, `INSERT INTO stage_transitions(campaign_id,from_stage,to_stage,ts,actor_id,evidence_json) VALUES (?,?,?,?,?,?)`,
		campaignID, t.From, t.To, t.TS, t.ActorID, evidence)
	return err
}

// GetCampaign returns the single campaign with its history.
func (r Repo) GetCampaign(ctx context.Context, q Querier) (domain.Campaign, error) {
	var c domain.Campaign
	var archived sql.NullString
	err := r.conn(q).QueryRowContext(ctx, `SELECT id,stage,status,stage_entered_at,created_at,archived_at FROM campaigns ORDER BY created_at LIMIT 1`).
		Scan(&c.ID, &c.Stage, &c.Status, &c.StageEnteredAt, &c.CreatedAt, &archived)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.ArchivedAt = stringPtr(archived)
	history, err := r.listStageTransitions(ctx, q, c.ID)
	if err != nil {
		return c, err
	}
	c.History = history
	return c, nil
}

func (r Repo) listStageTransitions(ctx context.Context, q Querier, campaignID string) ([]domain.StageTransition, error) {
	rows, err := r.conn(q).QueryContext(ctx, `SELECT from_stage,to_stage,ts,actor_id,evidence_json FROM stage_transitions WHERE campaign_id=? ORDER BY id`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.StageTransition{}
	for rows.Next() {
		var t domain.StageTransition
		var evidence sql.NullString
		if err := rows.Scan(&t.From, &t.To, &t.TS, &t.ActorID, &evidence); err != nil {
			return nil, err
		}
		if evidence.Valid {
			if err := json.Unmarshal([]byte(evidence.String), &t.Evidence); err != nil {
				return nil, fmt.Errorf("decode evidence: %w", err)
			}
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
