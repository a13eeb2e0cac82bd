package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Querier is satisfied by *sql.DB and *sql.Tx. Pass nil to use the pool.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) conn(q Querier) Querier {
	if q == nil {
		return r.DB
	}
	return q
}

// UpsertRegistry stores the registry YAML loaded at startup or re-imported.
func (r Repo) UpsertRegistry(ctx context.Context, q Querier, yaml []byte, now string) error {
	_, err := r.conn(q).ExecContext(ctx, `INSERT INTO registry(id,yaml,updated_at) VALUES (1,?,?)
ON CONFLICT(id) DO UPDATE SET yaml=excluded.yaml, updated_at=excluded.updated_at`, string(yaml), now)
	return err
}

func (r Repo) GetRegistry(ctx context.Context, q Querier) ([]byte, error) {
	var data string
	err := r.conn(q).QueryRowContext(ctx, `SELECT yaml FROM registry WHERE id=1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(data), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableRaw(v json.RawMessage) any {
	if len(v) == 0 {
		return nil
	}
	return string(v)
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func encodeList(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode list: %w", err)
	}
	return string(data), nil
}

func decodeList(data string) ([]string, error) {
	res := []string{}
	if data == "" {
		return res, nil
	}
	if err := json.Unmarshal([]byte(data), &res); err != nil {
		return nil, fmt.Errorf("decode list: %w", err)
	}
	if res == nil {
		res = []string{}
	}
	return res, nil
}
