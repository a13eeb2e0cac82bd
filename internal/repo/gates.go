package repo

import (
	"context"
	"database/sql"
	"errors"

	"stagegate/internal/domain"
)

func (r Repo) InsertGateEntry(ctx context.Context, q Querier, e domain.GateEntry) error {
	_, err := r.conn(q).ExecContext(ctx, `INSERT INTO gate_queue(gate,artifact_id,kind,stage,enqueued_at,submitted_by) VALUES (?,?,?,?,?,?)`,
		e.Gate, e.ArtifactID, e.Kind, e.Stage, e.EnqueuedAt, e.SubmittedBy)
	return err
}

// GetGateEntry returns the pending entry for artifactID in gate.
func (r Repo) GetGateEntry(ctx context.Context, q Querier, gate, artifactID string) (domain.GateEntry, error) {
	var e domain.GateEntry
	err := r.conn(q).QueryRowContext(ctx, `SELECT gate,artifact_id,kind,stage,enqueued_at,submitted_by FROM gate_queue WHERE gate=? AND artifact_id=?`, gate, artifactID).
		Scan(&e.Gate, &e.ArtifactID, &e.Kind, &e.Stage, &e.EnqueuedAt, &e.SubmittedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	return e, err
}

func (r Repo) DeleteGateEntry(ctx context.Context, q Querier, gate, artifactID string) error {
	res, err := r.conn(q).ExecContext(ctx, `DELETE FROM gate_queue WHERE gate=? AND artifact_id=?`, gate, artifactID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPending returns the gate's queue, oldest first.
func (r Repo) ListPending(ctx context.Context, q Querier, gate string) ([]domain.GateEntry, error) {
	rows, err := r.conn(q).QueryContext(ctx, `SELECT gate,artifact_id,kind,stage,enqueued_at,submitted_by FROM gate_queue WHERE gate=? ORDER BY seq`, gate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.GateEntry{}
	for rows.Next() {
		var e domain.GateEntry
		if err := rows.Scan(&e.Gate, &e.ArtifactID, &e.Kind, &e.Stage, &e.EnqueuedAt, &e.SubmittedBy); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) InsertGateDecision(ctx context.Context, q Querier, d domain.GateDecision) (int64, error) {
	res, err := r.conn(q).ExecContext(ctx, `INSERT INTO gate_decisions(gate,artifact_id,decision,reviewer_id,rationale,ts) VALUES (?,?,?,?,?,?)`,
		d.Gate, d.ArtifactID, d.Decision, d.ReviewerID, nullable(d.Rationale), d.TS)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) ListGateDecisions(ctx context.Context, q Querier, gate string) ([]domain.GateDecision, error) {
	rows, err := r.conn(q).QueryContext(ctx, `SELECT id,gate,artifact_id,decision,reviewer_id,COALESCE(rationale,''),ts FROM gate_decisions WHERE gate=? ORDER BY id`, gate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.GateDecision{}
	for rows.Next() {
		var d domain.GateDecision
		if err := rows.Scan(&d.ID, &d.Gate, &d.ArtifactID, &d.Decision, &d.ReviewerID, &d.Rationale, &d.TS); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// CountPendingByKind counts queued artifacts of the given stage in gate, per kind.
func (r Repo) CountPendingByKind(ctx context.Context, q Querier, gate, stage string) (map[string]int, error) {
	rows, err := r.conn(q).QueryContext(ctx, `SELECT kind, COUNT(*) FROM gate_queue WHERE gate=? AND stage=? GROUP BY kind`, gate, stage)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		res[kind] = n
	}
	return res, rows.Err()
}
