// Package audit is the append-only log that orders every state-affecting event.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"

	"stagegate/internal/domain"
)

// ErrAppend marks a failed append. Callers treat it as an unrecoverable storage fault.
var ErrAppend = errors.New("audit append failed")

const replayPage = 500

type Log struct {
	DB *sql.DB
}

type Entry struct {
	TS          string
	Kind        string
	ActorID     string
	SubjectKind string
	SubjectID   string
	Payload     any
}

// Append writes e inside tx and returns its sequence number.
func (l Log) Append(ctx context.Context, tx *sql.Tx, e Entry) (int64, error) {
	if e.TS == "" || e.Kind == "" || e.ActorID == "" {
		return 0, fmt.Errorf("%w: ts, kind and actor are required", ErrAppend)
	}
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("%w: marshal payload: %v", ErrAppend, err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO audit_log(ts,kind,actor_id,subject_kind,subject_id,payload_json) VALUES (?,?,?,?,?,?)`,
		e.TS, e.Kind, e.ActorID, e.SubjectKind, e.SubjectID, string(data))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrAppend, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrAppend, err)
	}
	return seq, nil
}

// Replay yields entries with seq >= fromSeq in order. Rows are read a page at a
// time and closed before yielding, so the consumer may use the database freely.
func (l Log) Replay(ctx context.Context, fromSeq int64) iter.Seq2[domain.AuditEntry, error] {
	return ReplayFrom(ctx, l.DB, fromSeq)
}

// Querier reads the log through a pool or an open transaction.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// ReplayFrom is Replay over q, typically a read transaction pinned to a snapshot.
func ReplayFrom(ctx context.Context, q Querier, fromSeq int64) iter.Seq2[domain.AuditEntry, error] {
	return func(yield func(domain.AuditEntry, error) bool) {
		cursor := fromSeq - 1
		for {
			page, err := after(ctx, q, cursor, replayPage)
			if err != nil {
				yield(domain.AuditEntry{}, err)
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
				cursor = e.Seq
			}
			if len(page) < replayPage {
				return
			}
		}
	}
}

// After returns entries with seq greater than cursor in ascending order.
func (l Log) After(ctx context.Context, cursor int64, limit int) ([]domain.AuditEntry, error) {
	return after(ctx, l.DB, cursor, limit)
}

func after(ctx context.Context, q Querier, cursor int64, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.QueryContext(ctx, `SELECT seq,ts,kind,actor_id,subject_kind,subject_id,payload_json FROM audit_log WHERE seq>? ORDER BY seq ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

type Filter struct {
	Kind        string
	SubjectKind string
	SubjectID   string
	Before      int64
}

// Latest returns the newest entries matching f, newest first.
func (l Log) Latest(ctx context.Context, limit int, f Filter) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.SubjectKind != "" {
		clauses = append(clauses, "subject_kind=?")
		args = append(args, f.SubjectKind)
	}
	if f.SubjectID != "" {
		clauses = append(clauses, "subject_id=?")
		args = append(args, f.SubjectID)
	}
	if f.Before > 0 {
		clauses = append(clauses, "seq<?")
		args = append(args, f.Before)
	}
	query := fmt.Sprintf(`SELECT seq,ts,kind,actor_id,subject_kind,subject_id,payload_json FROM audit_log WHERE %s ORDER BY seq DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

// LatestSeq returns the highest assigned sequence number, 0 when empty.
func (l Log) LatestSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := l.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM audit_log`).Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

func scanEntries(rows *sql.Rows) ([]domain.AuditEntry, error) {
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var payload string
		if err := rows.Scan(&e.Seq, &e.TS, &e.Kind, &e.ActorID, &e.SubjectKind, &e.SubjectID, &payload); err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(payload)
		res = append(res, e)
	}
	return res, rows.Err()
}
