package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"eventseries/internal/model"
	"eventseries/internal/store"
)

// SeriesStore persists series rows and resolves their template occurrence.
type SeriesStore struct {
	sqlDB *sql.DB
}

var (
	_ store.SeriesStore    = (*SeriesStore)(nil)
	_ store.TemplateLookup = (*SeriesStore)(nil)
)

const seriesColumns = `id, ulid, slug, name, description, time_zone, anchor,
    recurrence_rule, recurrence_exceptions, template_occurrence_id,
    created_by, created_at, updated_at`

func (s *SeriesStore) FindBySlug(ctx context.Context, slug string) (*model.Series, error) {
	row := s.sqlDB.QueryRowContext(ctx, "SELECT "+seriesColumns+" FROM series WHERE slug = ?", slug)
	out, err := scanSeries(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find series %q: %w", slug, err)
	}
	return out, nil
}

func (s *SeriesStore) Create(ctx context.Context, sr *model.Series) error {
	if sr == nil {
		return fmt.Errorf("series is required")
	}
	rule, exceptions, err := encodeRecurrence(sr)
	if err != nil {
		return err
	}
	if sr.CreatedAt.IsZero() {
		sr.CreatedAt = time.Now().UTC()
	}
	if sr.UpdatedAt.IsZero() {
		sr.UpdatedAt = sr.CreatedAt
	}
	res, err := s.sqlDB.ExecContext(ctx, `INSERT INTO series (
    ulid, slug, name, description, time_zone, anchor, recurrence_rule,
    recurrence_exceptions, template_occurrence_id, created_by, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sr.ULID, sr.Slug, sr.Name, sr.Description, sr.TimeZone, toMillis(sr.Anchor), rule,
		exceptions, nullableID(sr.TemplateOccurrenceID), sr.CreatedBy,
		toMillis(sr.CreatedAt), toMillis(sr.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create series %q: %w", sr.Slug, store.ErrConflict)
		}
		return fmt.Errorf("create series %q: %w", sr.Slug, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("create series %q: %w", sr.Slug, err)
	}
	sr.ID = id
	return nil
}

func (s *SeriesStore) Update(ctx context.Context, sr *model.Series) error {
	if sr == nil {
		return fmt.Errorf("series is required")
	}
	rule, exceptions, err := encodeRecurrence(sr)
	if err != nil {
		return err
	}
	sr.UpdatedAt = time.Now().UTC()
	res, err := s.sqlDB.ExecContext(ctx, `UPDATE series SET
    slug = ?, name = ?, description = ?, time_zone = ?, anchor = ?, recurrence_rule = ?,
    recurrence_exceptions = ?, template_occurrence_id = ?, updated_at = ?
WHERE id = ?`,
		sr.Slug, sr.Name, sr.Description, sr.TimeZone, toMillis(sr.Anchor), rule,
		exceptions, nullableID(sr.TemplateOccurrenceID), toMillis(sr.UpdatedAt), sr.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("update series %q: %w", sr.Slug, store.ErrConflict)
		}
		return fmt.Errorf("update series %q: %w", sr.Slug, err)
	}
	return requireAffected(res, "series", sr.ID)
}

func (s *SeriesStore) Delete(ctx context.Context, id int64) error {
	res, err := s.sqlDB.ExecContext(ctx, "DELETE FROM series WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete series %d: %w", id, err)
	}
	return requireAffected(res, "series", id)
}

func (s *SeriesStore) List(ctx context.Context) ([]model.Series, error) {
	rows, err := s.sqlDB.QueryContext(ctx, "SELECT "+seriesColumns+" FROM series ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list series: %w", err)
	}
	defer rows.Close()

	var out []model.Series
	for rows.Next() {
		sr, err := scanSeries(rows)
		if err != nil {
			return nil, fmt.Errorf("list series: %w", err)
		}
		out = append(out, *sr)
	}
	return out, rows.Err()
}

// FindTemplateForSeries returns the content of the series' template
// occurrence, or nil, nil when the series or its template is missing.
func (s *SeriesStore) FindTemplateForSeries(ctx context.Context, seriesSlug string) (*model.Template, error) {
	row := s.sqlDB.QueryRowContext(ctx, "SELECT "+occurrenceColumns("o")+`
FROM series sr JOIN occurrences o ON o.id = sr.template_occurrence_id
WHERE sr.slug = ?`, seriesSlug)
	o, err := scanOccurrence(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find template for %q: %w", seriesSlug, err)
	}
	tpl := model.TemplateOf(*o)
	return &tpl, nil
}

func encodeRecurrence(sr *model.Series) (string, string, error) {
	rule, err := json.Marshal(sr.Rule)
	if err != nil {
		return "", "", fmt.Errorf("encode recurrence rule: %w", err)
	}
	exceptions, err := encodeStrings(sr.Exceptions)
	if err != nil {
		return "", "", fmt.Errorf("encode recurrence exceptions: %w", err)
	}
	return string(rule), exceptions, nil
}

func scanSeries(row scanner) (*model.Series, error) {
	var (
		sr                      model.Series
		anchor, created, update int64
		rule, exceptions        string
		templateID              sql.NullInt64
	)
	if err := row.Scan(
		&sr.ID, &sr.ULID, &sr.Slug, &sr.Name, &sr.Description, &sr.TimeZone, &anchor,
		&rule, &exceptions, &templateID, &sr.CreatedBy, &created, &update,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(rule), &sr.Rule); err != nil {
		return nil, fmt.Errorf("decode recurrence rule: %w", err)
	}
	ex, err := decodeStrings(exceptions)
	if err != nil {
		return nil, fmt.Errorf("decode recurrence exceptions: %w", err)
	}
	sr.Exceptions = ex
	sr.Anchor = fromMillis(anchor)
	sr.TemplateOccurrenceID = idPtr(templateID)
	sr.CreatedAt = fromMillis(created)
	sr.UpdatedAt = fromMillis(update)
	return &sr, nil
}
