package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"idealsize/node"
)

// sqliteTimeFormat matches CURRENT_TIMESTAMP so stored times compare as text.
const sqliteTimeFormat = "2006-01-02 15:04:05"

// Invocation status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ModelRecord is a model catalog entry.
type ModelRecord struct {
	Key       string    `json:"key"`
	Name      string    `json:"name"`
	BaseModel string    `json:"base_model"`
	ModelType string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InvocationRecord is one row of invocation_history.
type InvocationRecord struct {
	ID           int64     `json:"id"`
	InvocationID string    `json:"invocation_id"`
	NodeType     string    `json:"node_type"`
	NodeVersion  string    `json:"node_version"`
	TargetWidth  int       `json:"target_width"`
	TargetHeight int       `json:"target_height"`
	ModelKey     string    `json:"model_key,omitempty"`
	ModelFamily  string    `json:"model_family"`
	Multiplier   float64   `json:"multiplier"`
	IdealWidth   int       `json:"ideal_width"`
	IdealHeight  int       `json:"ideal_height"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	DurationUS   int64     `json:"duration_us"`
	CreatedAt    time.Time `json:"created_at"`
}

// Repository provides access to the model catalog and invocation history.
type Repository struct {
	db          *Database
	asyncWriter *AsyncWriter
}

// NewRepository creates a Repository.
// asyncWriter is optional; if nil, history inserts are synchronous.
func NewRepository(db *Database, asyncWriter *AsyncWriter) *Repository {
	return &Repository{db: db, asyncWriter: asyncWriter}
}

// UpsertModel inserts or replaces a catalog entry.
func (r *Repository) UpsertModel(ctx context.Context, m ModelRecord) error {
	conn, err := r.db.conn()
	if err != nil {
		return err
	}
	if strings.TrimSpace(m.Key) == "" {
		return fmt.Errorf("model key is required")
	}
	if strings.TrimSpace(m.BaseModel) == "" {
		return fmt.Errorf("base model is required for %s", m.Key)
	}
	if m.ModelType == "" {
		m.ModelType = "main"
	}

	_, err = conn.ExecContext(ctx, `
		INSERT INTO model_records (key, name, base_model, model_type)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			name = excluded.name,
			base_model = excluded.base_model,
			model_type = excluded.model_type,
			updated_at = CURRENT_TIMESTAMP`,
		m.Key, m.Name, m.BaseModel, m.ModelType)
	if err != nil {
		return fmt.Errorf("failed to upsert model %s: %w", m.Key, err)
	}
	return nil
}

// GetModel returns a catalog entry by key.
func (r *Repository) GetModel(ctx context.Context, key string) (ModelRecord, error) {
	conn, err := r.db.conn()
	if err != nil {
		return ModelRecord{}, err
	}

	row := conn.QueryRowContext(ctx, `
		SELECT key, name, base_model, model_type, created_at, updated_at
		FROM model_records WHERE key = ?`, key)

	m, err := scanModel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ModelRecord{}, fmt.Errorf("%w: model %s", ErrNotFound, key)
	}
	if err != nil {
		return ModelRecord{}, fmt.Errorf("failed to get model %s: %w", key, err)
	}
	return m, nil
}

// ListModels returns all catalog entries ordered by key.
func (r *Repository) ListModels(ctx context.Context) ([]ModelRecord, error) {
	conn, err := r.db.conn()
	if err != nil {
		return nil, err
	}

	rows, err := conn.QueryContext(ctx, `
		SELECT key, name, base_model, model_type, created_at, updated_at
		FROM model_records ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	defer rows.Close()

	models := []ModelRecord{}
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan model: %w", err)
		}
		models = append(models, m)
	}
	return models, rows.Err()
}

// DeleteModel removes a catalog entry. Returns ErrNotFound if the key is unknown.
func (r *Repository) DeleteModel(ctx context.Context, key string) error {
	conn, err := r.db.conn()
	if err != nil {
		return err
	}

	res, err := conn.ExecContext(ctx, "DELETE FROM model_records WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("failed to delete model %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: model %s", ErrNotFound, key)
	}
	return nil
}

// ResolveBaseModel returns the base model tag registered for key.
// Unknown keys wrap both node.ErrUnknownModel and ErrNotFound.
func (r *Repository) ResolveBaseModel(ctx context.Context, key string) (string, error) {
	m, err := r.GetModel(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("%w: %w", node.ErrUnknownModel, err)
	}
	if err != nil {
		return "", err
	}
	return m.BaseModel, nil
}

// InsertInvocation stores a history row.
// With a running async writer the insert is queued and 0 is returned;
// when the queue is full it falls back to a synchronous insert.
func (r *Repository) InsertInvocation(ctx context.Context, rec InvocationRecord) (int64, error) {
	op := insertInvocationOp(rec)

	if r.asyncWriter != nil && r.asyncWriter.Write(op) {
		return 0, nil
	}
	return r.execInsert(ctx, op)
}

// RecordInvocation stores a node invocation in the history.
func (r *Repository) RecordInvocation(ctx context.Context, e node.HistoryEntry) error {
	rec := InvocationRecord{
		InvocationID: e.InvocationID,
		NodeType:     e.NodeType,
		NodeVersion:  e.NodeVersion,
		TargetWidth:  e.TargetWidth,
		TargetHeight: e.TargetHeight,
		ModelKey:     e.ModelKey,
		ModelFamily:  e.Family.String(),
		Multiplier:   e.Multiplier,
		Status:       StatusSuccess,
		DurationUS:   e.Duration.Microseconds(),
		CreatedAt:    e.StartedAt,
	}
	if e.Output != nil {
		rec.IdealWidth = e.Output.Width
		rec.IdealHeight = e.Output.Height
	}
	if e.Err != nil {
		rec.Status = StatusError
		rec.ErrorMessage = e.Err.Error()
	}

	_, err := r.InsertInvocation(ctx, rec)
	return err
}

// ListHistory returns the most recent invocations, newest first.
func (r *Repository) ListHistory(ctx context.Context, limit int) ([]InvocationRecord, error) {
	conn, err := r.db.conn()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := conn.QueryContext(ctx, `
		SELECT id, invocation_id, node_type, node_version, target_width, target_height,
			model_key, model_family, multiplier, ideal_width, ideal_height,
			status, error_message, duration_us, created_at
		FROM invocation_history
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	records := []InvocationRecord{}
	for rows.Next() {
		var (
			rec       InvocationRecord
			modelKey  sql.NullString
			errMsg    sql.NullString
			createdAt sqliteTime
		)
		if err := rows.Scan(
			&rec.ID, &rec.InvocationID, &rec.NodeType, &rec.NodeVersion,
			&rec.TargetWidth, &rec.TargetHeight, &modelKey, &rec.ModelFamily,
			&rec.Multiplier, &rec.IdealWidth, &rec.IdealHeight,
			&rec.Status, &errMsg, &rec.DurationUS, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		rec.ModelKey = modelKey.String
		rec.ErrorMessage = errMsg.String
		rec.CreatedAt = time.Time(createdAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountInvocations returns the number of stored history rows.
func (r *Repository) CountInvocations(ctx context.Context) (int64, error) {
	conn, err := r.db.conn()
	if err != nil {
		return 0, err
	}

	var count int64
	if err := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM invocation_history").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count history: %w", err)
	}
	return count, nil
}

// AsyncWriteHandler returns the WriteHandler that applies queued history inserts.
func (r *Repository) AsyncWriteHandler() WriteHandler {
	return func(ctx context.Context, op WriteOperation) error {
		insert, ok := op.Data.(insertInvocationOp)
		if !ok {
			return fmt.Errorf("invalid operation type %T: expected insertInvocationOp", op.Data)
		}
		_, err := r.execInsert(ctx, insert)
		return err
	}
}

// insertInvocationOp is the payload queued on the async writer.
type insertInvocationOp InvocationRecord

func (r *Repository) execInsert(ctx context.Context, op insertInvocationOp) (int64, error) {
	conn, err := r.db.conn()
	if err != nil {
		return 0, err
	}

	createdAt := op.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	res, err := conn.ExecContext(ctx, `
		INSERT INTO invocation_history (
			invocation_id, node_type, node_version, target_width, target_height,
			model_key, model_family, multiplier, ideal_width, ideal_height,
			status, error_message, duration_us, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.InvocationID, op.NodeType, op.NodeVersion, op.TargetWidth, op.TargetHeight,
		nullString(op.ModelKey), op.ModelFamily, op.Multiplier, op.IdealWidth, op.IdealHeight,
		op.Status, nullString(op.ErrorMessage), op.DurationUS, formatTime(createdAt))
	if err != nil {
		return 0, fmt.Errorf("failed to insert invocation %s: %w", op.InvocationID, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert id: %w", err)
	}
	return id, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanModel(row rowScanner) (ModelRecord, error) {
	var (
		m                    ModelRecord
		createdAt, updatedAt sqliteTime
	)
	if err := row.Scan(&m.Key, &m.Name, &m.BaseModel, &m.ModelType, &createdAt, &updatedAt); err != nil {
		return ModelRecord{}, err
	}
	m.CreatedAt = time.Time(createdAt)
	m.UpdatedAt = time.Time(updatedAt)
	return m, nil
}

// nullString converts an empty string to NULL.
func nullString(s string) interface{} {
	if s == "" {
		return sql.NullString{}
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeFormat)
}

// sqliteTime scans DATETIME columns whether the driver hands back
// time.Time or the raw text.
type sqliteTime time.Time

func (t *sqliteTime) Scan(src interface{}) error {
	switch v := src.(type) {
	case time.Time:
		*t = sqliteTime(v.UTC())
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	case nil:
		*t = sqliteTime(time.Time{})
		return nil
	default:
		return fmt.Errorf("cannot scan %T into time", src)
	}
}

func (t *sqliteTime) parse(s string) error {
	for _, layout := range []string{sqliteTimeFormat, time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00"} {
		if parsed, err := time.Parse(layout, s); err == nil {
			*t = sqliteTime(parsed.UTC())
			return nil
		}
	}
	return fmt.Errorf("cannot parse time %q", s)
}
