package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/iliyamo/restaurant-sync/internal/model"
)

// Schema creates the override_ledger table.  One row per (namespace,
// entity, field); the value column holds the JSON encoding of the
// override value.
const Schema = `CREATE TABLE IF NOT EXISTS override_ledger (
    namespace           VARCHAR(32)     NOT NULL,
    entity_id           VARCHAR(128)    NOT NULL,
    field               VARCHAR(64)     NOT NULL,
    value               JSON            NOT NULL,
    recorded_at_version BIGINT UNSIGNED NOT NULL,
    recorded_at         DATETIME(3)     NOT NULL,
    PRIMARY KEY (namespace, entity_id, field)
)`

// MySQLPersister implements Persister on the override_ledger table.
// All methods behave with respect to UTC timestamps.
type MySQLPersister struct {
	db        *sql.DB
	namespace string
}

// NewMySQLPersister returns a persister bound to db whose rows are scoped
// by namespace (the entity collection name).
func NewMySQLPersister(db *sql.DB, namespace string) *MySQLPersister {
	return &MySQLPersister{db: db, namespace: namespace}
}

// EnsureSchema creates the table when it does not exist yet.
func (p *MySQLPersister) EnsureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, Schema)
	return err
}

// Save replaces the rows of entityID inside one transaction.  Passing an
// empty slice behaves like Delete.
func (p *MySQLPersister) Save(ctx context.Context, entityID string, overrides []model.Override) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM override_ledger WHERE namespace = ? AND entity_id = ?`,
		p.namespace, entityID,
	); err != nil {
		return fmt.Errorf("delete overrides: %w", err)
	}

	if len(overrides) > 0 {
		var sb strings.Builder
		sb.WriteString(`INSERT INTO override_ledger (namespace, entity_id, field, value, recorded_at_version, recorded_at) VALUES `)
		args := make([]interface{}, 0, len(overrides)*6)
		for i, o := range overrides {
			if i > 0 {
				sb.WriteString(",")
			}
			sb.WriteString("(?, ?, ?, ?, ?, ?)")
			val, err := json.Marshal(o.Value)
			if err != nil {
				return fmt.Errorf("marshal value of %s: %w", o.Field, err)
			}
			args = append(args, p.namespace, entityID, o.Field, string(val), o.RecordedAtVersion,
				o.RecordedAt.UTC().Format("2006-01-02 15:04:05.000"))
		}
		if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
			return fmt.Errorf("insert overrides: %w", err)
		}
	}
	return tx.Commit()
}

// Delete removes every row of entityID.
func (p *MySQLPersister) Delete(ctx context.Context, entityID string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM override_ledger WHERE namespace = ? AND entity_id = ?`,
		p.namespace, entityID,
	)
	return err
}

// LoadAll returns every override of the namespace grouped by entity.
func (p *MySQLPersister) LoadAll(ctx context.Context) (map[string][]model.Override, error) {
	const q = `SELECT entity_id, field, value, recorded_at_version, recorded_at
               FROM override_ledger
               WHERE namespace = ?
               ORDER BY entity_id, field`
	rows, err := p.db.QueryContext(ctx, q, p.namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]model.Override)
	for rows.Next() {
		var (
			o   model.Override
			raw []byte
			at  time.Time
		)
		if err := rows.Scan(&o.EntityID, &o.Field, &raw, &o.RecordedAtVersion, &at); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &o.Value); err != nil {
			return nil, fmt.Errorf("decode value of %s/%s: %w", o.EntityID, o.Field, err)
		}
		o.RecordedAt = at.UTC()
		out[o.EntityID] = append(out[o.EntityID], o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
