package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"eventseries/internal/model"
	"eventseries/internal/store"
)

// OccurrenceStore persists occurrences. Materialized rows of one series are
// unique per canonical date via idx_occurrences_series_canonical.
type OccurrenceStore struct {
	sqlDB *sql.DB
}

var _ store.OccurrenceStore = (*OccurrenceStore)(nil)

func occurrenceColumns(alias string) string {
	cols := []string{
		"id", "ulid", "series_id", "canonical_date", "materialized", "start_date", "end_date",
		"name", "description", "type", "location", "online_location", "max_attendees",
		"require_approval", "categories", "created_by", "updated_by", "created_at", "updated_at",
	}
	if alias != "" {
		for i, c := range cols {
			cols[i] = alias + "." + c
		}
	}
	return strings.Join(cols, ", ")
}

func (s *OccurrenceStore) Get(ctx context.Context, id int64) (*model.Occurrence, error) {
	return getOccurrence(ctx, s.sqlDB, id)
}

func (s *OccurrenceStore) FindBySeriesAndDate(ctx context.Context, seriesID int64, date time.Time) (*model.Occurrence, error) {
	row := s.sqlDB.QueryRowContext(ctx, "SELECT "+occurrenceColumns("")+`
FROM occurrences WHERE series_id = ? AND canonical_date = ?`, seriesID, toMillis(date))
	o, err := scanOccurrence(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find occurrence %d@%s: %w", seriesID, date.UTC().Format(time.RFC3339), err)
	}
	return o, nil
}

func (s *OccurrenceStore) Create(ctx context.Context, o *model.Occurrence) error {
	if o == nil {
		return fmt.Errorf("occurrence is required")
	}
	categories, err := encodeStrings(o.Categories)
	if err != nil {
		return fmt.Errorf("encode categories: %w", err)
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}
	var canonical sql.NullInt64
	if o.CanonicalDate != nil {
		canonical = sql.NullInt64{Int64: toMillis(*o.CanonicalDate), Valid: true}
	}
	res, err := s.sqlDB.ExecContext(ctx, `INSERT INTO occurrences (
    ulid, series_id, canonical_date, materialized, start_date, end_date, name, description,
    type, location, online_location, max_attendees, require_approval, categories,
    created_by, updated_by, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ULID, nullableID(o.SeriesID), canonical, boolInt(o.Materialized),
		toMillis(o.StartDate), toMillis(o.EndDate), o.Name, o.Description,
		string(o.Type), o.Location, o.OnlineLocation, o.MaxAttendees, boolInt(o.RequireApproval),
		categories, o.CreatedBy, o.UpdatedBy, toMillis(o.CreatedAt), toMillis(o.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create occurrence: %w", store.ErrConflict)
		}
		return fmt.Errorf("create occurrence: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("create occurrence: %w", err)
	}
	o.ID = id
	return nil
}

func (s *OccurrenceStore) FindBySeriesFrom(ctx context.Context, seriesID int64, from time.Time) ([]model.Occurrence, error) {
	rows, err := s.sqlDB.QueryContext(ctx, "SELECT "+occurrenceColumns("")+`
FROM occurrences
WHERE series_id = ? AND canonical_date IS NOT NULL AND canonical_date >= ?
ORDER BY canonical_date, id`, seriesID, toMillis(from))
	if err != nil {
		return nil, fmt.Errorf("list occurrences of %d: %w", seriesID, err)
	}
	defer rows.Close()

	var out []model.Occurrence
	for rows.Next() {
		o, err := scanOccurrence(rows)
		if err != nil {
			return nil, fmt.Errorf("list occurrences of %d: %w", seriesID, err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// Update applies patch to one row inside a transaction and returns the result.
func (s *OccurrenceStore) Update(ctx context.Context, id int64, patch model.OccurrencePatch) (*model.Occurrence, error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("update occurrence %d: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	o, err := getOccurrence(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	patch.Apply(o)
	o.UpdatedAt = time.Now().UTC()
	categories, err := encodeStrings(o.Categories)
	if err != nil {
		return nil, fmt.Errorf("encode categories: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE occurrences SET
    name = ?, description = ?, type = ?, location = ?, online_location = ?,
    max_attendees = ?, require_approval = ?, categories = ?, updated_by = ?, updated_at = ?
WHERE id = ?`,
		o.Name, o.Description, string(o.Type), o.Location, o.OnlineLocation,
		o.MaxAttendees, boolInt(o.RequireApproval), categories, o.UpdatedBy, toMillis(o.UpdatedAt), id,
	); err != nil {
		return nil, fmt.Errorf("update occurrence %d: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("update occurrence %d: %w", id, err)
	}
	return o, nil
}

func (s *OccurrenceStore) Delete(ctx context.Context, id int64) error {
	res, err := s.sqlDB.ExecContext(ctx, "DELETE FROM occurrences WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete occurrence %d: %w", id, err)
	}
	return requireAffected(res, "occurrence", id)
}

// DetachFromSeries turns an occurrence into a standalone event. Its canonical
// date is kept as history.
func (s *OccurrenceStore) DetachFromSeries(ctx context.Context, id int64) error {
	res, err := s.sqlDB.ExecContext(ctx,
		"UPDATE occurrences SET series_id = NULL, updated_at = ? WHERE id = ?",
		toMillis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("detach occurrence %d: %w", id, err)
	}
	return requireAffected(res, "occurrence", id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getOccurrence(ctx context.Context, q queryRower, id int64) (*model.Occurrence, error) {
	row := q.QueryRowContext(ctx, "SELECT "+occurrenceColumns("")+" FROM occurrences WHERE id = ?", id)
	o, err := scanOccurrence(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("occurrence %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get occurrence %d: %w", id, err)
	}
	return o, nil
}

func scanOccurrence(row scanner) (*model.Occurrence, error) {
	var (
		o                     model.Occurrence
		seriesID, canonical   sql.NullInt64
		materialized, approve int
		start, end            int64
		created, updated      int64
		kind, categories      string
	)
	if err := row.Scan(
		&o.ID, &o.ULID, &seriesID, &canonical, &materialized, &start, &end,
		&o.Name, &o.Description, &kind, &o.Location, &o.OnlineLocation, &o.MaxAttendees,
		&approve, &categories, &o.CreatedBy, &o.UpdatedBy, &created, &updated,
	); err != nil {
		return nil, err
	}
	cats, err := decodeStrings(categories)
	if err != nil {
		return nil, fmt.Errorf("decode categories: %w", err)
	}
	o.SeriesID = idPtr(seriesID)
	if canonical.Valid {
		t := fromMillis(canonical.Int64)
		o.CanonicalDate = &t
	}
	o.Materialized = materialized != 0
	o.RequireApproval = approve != 0
	o.StartDate = fromMillis(start)
	o.EndDate = fromMillis(end)
	o.Type = model.OccurrenceType(kind)
	o.Categories = cats
	o.CreatedAt = fromMillis(created)
	o.UpdatedAt = fromMillis(updated)
	return &o, nil
}
