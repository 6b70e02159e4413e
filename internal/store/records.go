package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/tessen/flowcore/pkg/schema"
)

// RecordStore serves the crud.* step kinds from the records table. It
// satisfies the actions.LowCodeCRUD contract with the same semantics as
// the in-memory implementation: id-keyed records per collection,
// equality filters, and patch-style updates that never touch the id.
type RecordStore struct {
	db *sql.DB
}

// Records returns the record store backed by this database.
func (s *LibSQLStore) Records() *RecordStore {
	return &RecordStore{db: s.db}
}

func (r *RecordStore) Query(ctx context.Context, collection string, filter map[string]any, limit int) ([]map[string]any, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT data FROM records WHERE collection = ? ORDER BY id`, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		rec := map[string]any{}
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal record: %w", err)
		}
		if !recordMatches(rec, filter) {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, rows.Err()
}

func (r *RecordStore) Create(ctx context.Context, collection string, record map[string]any) (map[string]any, error) {
	if record == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "crud.create: record is required")
	}
	rec := make(map[string]any, len(record)+1)
	for k, v := range record {
		rec[k] = v
	}
	id, _ := rec["id"].(string)
	if id == "" {
		id = uuid.New().String()
		rec["id"] = id
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}

	now := time.Now().UTC()
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO records (collection, id, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		collection, id, string(data), now, now,
	)
	if err != nil {
		var exists int
		row := r.db.QueryRowContext(ctx,
			`SELECT 1 FROM records WHERE collection = ? AND id = ?`, collection, id)
		if scanErr := row.Scan(&exists); scanErr == nil {
			return nil, schema.NewErrorf(schema.ErrCodeConflict, "crud.create: record %q already exists in %q", id, collection)
		}
		return nil, err
	}
	return rec, nil
}

func (r *RecordStore) Update(ctx context.Context, collection string, recordID string, patch map[string]any) (map[string]any, error) {
	var data string
	row := r.db.QueryRowContext(ctx,
		`SELECT data FROM records WHERE collection = ? AND id = ?`, collection, recordID)
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "crud.update: record %q not found in %q", recordID, collection)
		}
		return nil, err
	}
	rec := map[string]any{}
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	for k, v := range patch {
		if k == "id" {
			continue
		}
		rec[k] = v
	}
	updated, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE records SET data = ?, updated_at = ? WHERE collection = ? AND id = ?`,
		string(updated), time.Now().UTC(), collection, recordID,
	)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *RecordStore) Delete(ctx context.Context, collection string, recordID string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM records WHERE collection = ? AND id = ?`, collection, recordID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "crud.delete: record %q not found in %q", recordID, collection)
	}
	return nil
}

func recordMatches(rec, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := rec[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}
