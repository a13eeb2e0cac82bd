package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"stagegate/internal/domain"
)

// UpsertAgentType registers or replaces an agent type, keeping its original position.
func (r Repo) UpsertAgentType(ctx context.Context, q Querier, a domain.AgentType, now string) error {
	stages, err := encodeList(a.Stages)
	if err != nil {
		return err
	}
	produces, err := encodeList(a.Produces)
	if err != nil {
		return err
	}
	requires, err := encodeList(a.Requires)
	if err != nil {
		return err
	}
	_, err = r.conn(q).ExecContext(ctx, `INSERT INTO agent_types(id,description,stages_json,produces_json,requires_json,registered_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET description=excluded.description, stages_json=excluded.stages_json,
produces_json=excluded.produces_json, requires_json=excluded.requires_json`,
		a.ID, nullable(a.Description), stages, produces, requires, now)
	return err
}

func scanAgentType(row rowScanner) (domain.AgentType, error) {
	var a domain.AgentType
	var stages, produces, requires string
	err := row.Scan(&a.ID, &a.Description, &stages, &produces, &requires)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if a.Stages, err = decodeList(stages); err != nil {
		return a, err
	}
	if a.Produces, err = decodeList(produces); err != nil {
		return a, err
	}
	if a.Requires, err = decodeList(requires); err != nil {
		return a, err
	}
	return a, nil
}

func (r Repo) GetAgentType(ctx context.Context, q Querier, id string) (domain.AgentType, error) {
	return scanAgentType(r.conn(q).QueryRowContext(ctx, `SELECT id,COALESCE(description,''),stages_json,produces_json,requires_json FROM agent_types WHERE id=?`, id))
}

func (r Repo) ListAgentTypes(ctx context.Context, q Querier) ([]domain.AgentType, error) {
	rows, err := r.conn(q).QueryContext(ctx, `SELECT id,COALESCE(description,''),stages_json,produces_json,requires_json FROM agent_types ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.AgentType{}
	for rows.Next() {
		a, err := scanAgentType(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

const taskColumns = `id,agent_id,stage,status,lineage_json,artifact_id,failure,created_at,started_at,ended_at,updated_at`

func scanTask(row rowScanner) (domain.AgentTask, error) {
	var t domain.AgentTask
	var lineage string
	var artifact, failure, started, ended sql.NullString
	err := row.Scan(&t.ID, &t.AgentID, &t.Stage, &t.Status, &lineage, &artifact, &failure, &t.CreatedAt, &started, &ended, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.ArtifactID = stringPtr(artifact)
	t.Failure = stringPtr(failure)
	t.StartedAt = stringPtr(started)
	t.EndedAt = stringPtr(ended)
	t.Lineage, err = decodeList(lineage)
	return t, err
}

func (r Repo) InsertTask(ctx context.Context, q Querier, t domain.AgentTask) error {
	lineage, err := encodeList(t.Lineage)
	if err != nil {
		return err
	}
	_, err = r.conn(q).ExecContext(ctx, `INSERT INTO agent_tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.AgentID, t.Stage, t.Status, lineage, nullableStringPtr(t.ArtifactID), nullableStringPtr(t.Failure),
		t.CreatedAt, nullableStringPtr(t.StartedAt), nullableStringPtr(t.EndedAt), t.UpdatedAt)
	return err
}

// UpdateTask writes t only if the stored status is still from.
func (r Repo) UpdateTask(ctx context.Context, q Querier, t domain.AgentTask, from domain.TaskStatus) error {
	res, err := r.conn(q).ExecContext(ctx, `UPDATE agent_tasks SET status=?, artifact_id=?, failure=?, started_at=?, ended_at=?, updated_at=? WHERE id=? AND status=?`,
		t.Status, nullableStringPtr(t.ArtifactID), nullableStringPtr(t.Failure), nullableStringPtr(t.StartedAt), nullableStringPtr(t.EndedAt), t.UpdatedAt, t.ID, from)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("task %s is no longer %s", t.ID, from)
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, q Querier, id string) (domain.AgentTask, error) {
	return scanTask(r.conn(q).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM agent_tasks WHERE id=?`, id))
}

// LiveTaskForSlot returns the SPAWNED, RUNNING or BLOCKED task holding (agentID, stage).
func (r Repo) LiveTaskForSlot(ctx context.Context, q Querier, agentID, stage string) (domain.AgentTask, error) {
	return scanTask(r.conn(q).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM agent_tasks
WHERE agent_id=? AND stage=? AND status IN ('SPAWNED','RUNNING','BLOCKED')`, agentID, stage))
}

type TaskFilters struct {
	AgentID string
	Stage   string
	Status  []domain.TaskStatus
}

func (r Repo) ListTasks(ctx context.Context, q Querier, f TaskFilters) ([]domain.AgentTask, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.AgentID != "" {
		clauses = append(clauses, "agent_id=?")
		args = append(args, f.AgentID)
	}
	if f.Stage != "" {
		clauses = append(clauses, "stage=?")
		args = append(args, f.Stage)
	}
	if len(f.Status) > 0 {
		placeholders := make([]string, len(f.Status))
		for i, s := range f.Status {
			placeholders[i] = "?"
			args = append(args, s)
		}
		clauses = append(clauses, "status IN ("+strings.Join(placeholders, ",")+")")
	}
	query := fmt.Sprintf(`SELECT %s FROM agent_tasks WHERE %s ORDER BY rowid`, taskColumns, strings.Join(clauses, " AND "))
	rows, err := r.conn(q).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.AgentTask{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
