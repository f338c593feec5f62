package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"DEFECT_MONITOR/go-backend/internal/models"
)

const defectColumns = `id, device_id, value, defective, image, details, recorded_at`

type DefectRepository struct {
	db  *DB
	now func() time.Time

	mu   sync.Mutex
	last time.Time
}

func NewDefectRepository(db *DB) *DefectRepository {
	return &DefectRepository{db: db, now: time.Now}
}

// stamp returns the current time at microsecond precision, the finest
// TIMESTAMPTZ keeps, moved forward when needed so stamps never repeat.
func (r *DefectRepository) stamp() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.now().UTC().Truncate(time.Microsecond)
	if !t.After(r.last) {
		t = r.last.Add(time.Microsecond)
	}
	r.last = t
	return t
}

// Insert stamps the record with the current time and stores it.
func (r *DefectRepository) Insert(ctx context.Context, rec *models.DefectRecord) error {
	rec.Timestamp = r.stamp()

	var details any
	if len(rec.Details) > 0 {
		details = string(rec.Details)
	}
	var value any
	if rec.Value != nil {
		value = *rec.Value
	}

	err := r.db.QueryRowContext(ctx, r.db.rebind(
		`INSERT INTO defects (device_id, value, defective, image, details, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?) RETURNING id`),
		rec.DeviceID, value, rec.Defective, rec.Image, details, r.db.timeArg(rec.Timestamp),
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("insert defect: %w", err)
	}
	return nil
}

// ListLatest returns every record, newest first.
func (r *DefectRepository) ListLatest(ctx context.Context) ([]models.DefectRecord, error) {
	return r.list(ctx,
		`SELECT `+defectColumns+` FROM defects ORDER BY recorded_at DESC, id DESC`)
}

// ListPage returns at most limit records older than before, newest first.
// A zero before means no lower bound.
func (r *DefectRepository) ListPage(ctx context.Context, limit int, before time.Time) ([]models.DefectRecord, error) {
	if limit <= 0 {
		return r.ListLatest(ctx)
	}
	if before.IsZero() {
		return r.list(ctx,
			`SELECT `+defectColumns+` FROM defects ORDER BY recorded_at DESC, id DESC LIMIT ?`, limit)
	}
	return r.list(ctx,
		`SELECT `+defectColumns+` FROM defects WHERE recorded_at < ? ORDER BY recorded_at DESC, id DESC LIMIT ?`,
		r.db.timeArg(before), limit)
}

func (r *DefectRepository) list(ctx context.Context, query string, args ...any) ([]models.DefectRecord, error) {
	rows, err := r.db.QueryContext(ctx, r.db.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list defects: %w", err)
	}
	defer rows.Close()

	records := []models.DefectRecord{}
	for rows.Next() {
		rec, err := scanDefect(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list defects: %w", err)
	}
	return records, nil
}

func scanDefect(rows *sql.Rows) (models.DefectRecord, error) {
	var (
		rec     models.DefectRecord
		value   sql.NullFloat64
		details sql.NullString
		ts      timeValue
	)
	if err := rows.Scan(&rec.ID, &rec.DeviceID, &value, &rec.Defective, &rec.Image, &details, &ts); err != nil {
		return rec, fmt.Errorf("scan defect: %w", err)
	}
	if value.Valid {
		v := value.Float64
		rec.Value = &v
	}
	if details.Valid && details.String != "" {
		rec.Details = json.RawMessage(details.String)
	}
	rec.Timestamp = ts.Time
	return rec, nil
}

func (r *DefectRepository) Stats(ctx context.Context) (models.DefectStats, error) {
	var s models.DefectStats
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN defective THEN 0 ELSE 1 END), 0) FROM defects`,
	).Scan(&s.TotalCount, &s.NormalCount)
	if err != nil {
		return s, fmt.Errorf("defect stats: %w", err)
	}
	return s, nil
}

// ClearAll deletes every record and reports how many were removed.
func (r *DefectRepository) ClearAll(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM defects`)
	if err != nil {
		return 0, fmt.Errorf("clear defects: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear defects: %w", err)
	}
	return n, nil
}
