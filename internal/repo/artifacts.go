package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"stagegate/internal/domain"
)

const artifactColumns = `id,kind,agent_id,stage,status,payload,metadata,lineage_json,fingerprint,content_hash,gate_id,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row rowScanner) (domain.Artifact, error) {
	var a domain.Artifact
	var payload, lineage string
	var metadata, gate sql.NullString
	err := row.Scan(&a.ID, &a.Kind, &a.AgentID, &a.Stage, &a.Status, &payload, &metadata, &lineage, &a.Fingerprint, &a.ContentHash, &gate, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Payload = json.RawMessage(payload)
	if metadata.Valid {
		a.Metadata = json.RawMessage(metadata.String)
	}
	a.GateID = stringPtr(gate)
	a.Lineage, err = decodeList(lineage)
	return a, err
}

func (r Repo) InsertArtifact(ctx context.Context, q Querier, a domain.Artifact) error {
	lineage, err := encodeList(a.Lineage)
	if err != nil {
		return err
	}
	_, err = r.conn(q).ExecContext(ctx, `INSERT INTO artifacts(`+artifactColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Kind, a.AgentID, a.Stage, a.Status, string(a.Payload), nullableRaw(a.Metadata), lineage,
		a.Fingerprint, a.ContentHash, nullableStringPtr(a.GateID), a.CreatedAt, a.UpdatedAt)
	return err
}

// UpdateArtifactStatus applies a status edge only if the row is still at from.
func (r Repo) UpdateArtifactStatus(ctx context.Context, q Querier, id string, from, to domain.ArtifactStatus, now string) error {
	res, err := r.conn(q).ExecContext(ctx, `UPDATE artifacts SET status=?, updated_at=? WHERE id=? AND status=?`, to, now, id, from)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("artifact %s is no longer %s", id, from)
	}
	return nil
}

func (r Repo) GetArtifact(ctx context.Context, q Querier, id string) (domain.Artifact, error) {
	return scanArtifact(r.conn(q).QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id=?`, id))
}

// OpenArtifactBySlot returns the DRAFT or PENDING_REVIEW artifact holding the slot.
func (r Repo) OpenArtifactBySlot(ctx context.Context, q Querier, kind, stage, fingerprint string) (domain.Artifact, error) {
	return scanArtifact(r.conn(q).QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts
WHERE kind=? AND stage=? AND fingerprint=? AND status IN ('DRAFT','PENDING_REVIEW')`, kind, stage, fingerprint))
}

// MissingArtifacts returns the ids in ids that do not exist.
func (r Repo) MissingArtifacts(ctx context.Context, q Querier, ids []string) ([]string, error) {
	var missing []string
	for _, id := range ids {
		var one int
		err := r.conn(q).QueryRowContext(ctx, `SELECT 1 FROM artifacts WHERE id=?`, id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			missing = append(missing, id)
			continue
		}
		if err != nil {
			return nil, err
		}
	}
	return missing, nil
}

type ArtifactFilters struct {
	Kind   string
	Stage  string
	Status domain.ArtifactStatus
}

// ListArtifacts returns artifacts in creation order.
func (r Repo) ListArtifacts(ctx context.Context, q Querier, f ArtifactFilters) ([]domain.Artifact, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.Stage != "" {
		clauses = append(clauses, "stage=?")
		args = append(args, f.Stage)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := fmt.Sprintf(`SELECT %s FROM artifacts WHERE %s ORDER BY rowid`, artifactColumns, strings.Join(clauses, " AND "))
	rows, err := r.conn(q).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Artifact{}
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ApprovedKinds returns the set of kinds with at least one APPROVED artifact in
// stage, or in any stage when stage is empty.
func (r Repo) ApprovedKinds(ctx context.Context, q Querier, stage string) (map[string]bool, error) {
	query := `SELECT DISTINCT kind FROM artifacts WHERE status='APPROVED'`
	var args []any
	if stage != "" {
		query += ` AND stage=?`
		args = append(args, stage)
	}
	rows, err := r.conn(q).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]bool{}
	for rows.Next() {
		var kind string
		if err := rows.Scan(&kind); err != nil {
			return nil, err
		}
		res[kind] = true
	}
	return res, rows.Err()
}
