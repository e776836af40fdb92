package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sirius-sound/internal/queue"
)

func (r *SQLiteRepository) ListActiveSamples(ctx context.Context) ([]PickupSample, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+sampleColumns+` FROM pickup_samples WHERE active = 1 ORDER BY name ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list samples: %w", err)
	}
	defer rows.Close()

	var samples []PickupSample
	for rows.Next() {
		s, err := scanSample(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		samples = append(samples, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate samples: %w", err)
	}
	return samples, nil
}

func (r *SQLiteRepository) CreateToneTest(ctx context.Context, userID *string) (*ToneTest, error) {
	q := `
INSERT INTO tone_lab_tests (id, session_id, user_id, completed, created_at)
VALUES (?, ?, ?, 0, ?)
RETURNING ` + toneTestColumns + `;`
	test, err := scanToneTest(r.db.QueryRowContext(ctx, q, uuid.NewString(), uuid.NewString(), userID, time.Now().UTC()))
	if err != nil {
		return nil, fmt.Errorf("create tone test: %w", err)
	}
	return test, nil
}

func (r *SQLiteRepository) GetToneTest(ctx context.Context, id string) (*ToneTest, error) {
	test, err := scanToneTest(r.db.QueryRowContext(ctx, `SELECT `+toneTestColumns+` FROM tone_lab_tests WHERE id = ?;`, id))
	if err != nil {
		return nil, sqliteNotFound(err, "get tone test")
	}
	return test, nil
}

func (r *SQLiteRepository) CompleteToneTest(ctx context.Context, id string) (*ToneTest, error) {
	q := `
UPDATE tone_lab_tests
SET completed = 1, completed_at = COALESCE(completed_at, ?)
WHERE id = ?
RETURNING ` + toneTestColumns + `;`
	test, err := scanToneTest(r.db.QueryRowContext(ctx, q, time.Now().UTC(), id))
	if err != nil {
		return nil, sqliteNotFound(err, "complete tone test")
	}
	return test, nil
}

func (r *SQLiteRepository) UpsertRating(ctx context.Context, rating SampleRating) (*SampleRating, error) {
	now := time.Now().UTC()
	q := `
INSERT INTO tone_lab_ratings (id, test_id, sample_id, rating, guessed_name, play_count, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (test_id, sample_id) DO UPDATE SET
    rating = excluded.rating,
    guessed_name = excluded.guessed_name,
    play_count = excluded.play_count,
    updated_at = excluded.updated_at
RETURNING ` + ratingColumns + `;`
	saved, err := scanRating(r.db.QueryRowContext(ctx, q, uuid.NewString(), rating.TestID, rating.SampleID, rating.Rating, rating.GuessedName, rating.PlayCount, now, now))
	if err != nil {
		return nil, fmt.Errorf("upsert rating: %w", err)
	}
	return saved, nil
}

func (r *SQLiteRepository) ListRatings(ctx context.Context, testID string) ([]SampleRating, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+ratingColumns+` FROM tone_lab_ratings WHERE test_id = ? ORDER BY created_at ASC;`, testID)
	if err != nil {
		return nil, fmt.Errorf("list ratings: %w", err)
	}
	defer rows.Close()

	var ratings []SampleRating
	for rows.Next() {
		rt, err := scanRating(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rating: %w", err)
		}
		ratings = append(ratings, *rt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ratings: %w", err)
	}
	return ratings, nil
}

func (r *SQLiteRepository) SampleAggregates(ctx context.Context, sampleIDs []string) (map[string]SampleAggregate, error) {
	out := make(map[string]SampleAggregate, len(sampleIDs))
	if len(sampleIDs) == 0 {
		return out, nil
	}
	args := make([]any, len(sampleIDs))
	for i, id := range sampleIDs {
		args[i] = id
	}
	q := `
SELECT r.sample_id, COALESCE(AVG(r.rating), 0.0), COUNT(r.rating), COALESCE(SUM(r.play_count), 0)
FROM tone_lab_ratings r
JOIN tone_lab_tests t ON t.id = r.test_id
WHERE t.completed = 1 AND r.sample_id IN (` + placeholders(len(sampleIDs)) + `)
GROUP BY r.sample_id;`
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sample aggregates: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id  string
			agg SampleAggregate
		)
		if err := rows.Scan(&id, &agg.AverageRating, &agg.TotalRatings, &agg.TotalPlays); err != nil {
			return nil, fmt.Errorf("scan sample aggregate: %w", err)
		}
		out[id] = agg
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sample aggregates: %w", err)
	}
	return out, nil
}

func (r *SQLiteRepository) Browse(ctx context.Context, entity Entity, limit, offset int) (*BrowsePage, error) {
	if _, err := ParseEntity(string(entity)); err != nil {
		return nil, err
	}
	page := &BrowsePage{Entity: entity, Limit: clampLimit(limit), Offset: max(offset, 0)}
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+string(entity)+`;`).Scan(&page.Total); err != nil {
		return nil, fmt.Errorf("count %s: %w", entity, err)
	}

	q := fmt.Sprintf(`SELECT * FROM %s ORDER BY %s DESC LIMIT ? OFFSET ?;`, entity, entity.orderColumn())
	rows, err := r.db.QueryContext(ctx, q, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("browse %s: %w", entity, err)
	}
	defer rows.Close()

	page.Columns, err = rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("browse %s columns: %w", entity, err)
	}
	for rows.Next() {
		values := make([]any, len(page.Columns))
		ptrs := make([]any, len(values))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("read %s row: %w", entity, err)
		}
		row := make(map[string]any, len(values))
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[page.Columns[i]] = v
		}
		page.Rows = append(page.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", entity, err)
	}
	return page, nil
}

func (r *SQLiteRepository) DeleteRecord(ctx context.Context, entity Entity, id string) error {
	if !entity.Deletable() {
		return queue.InvalidInput("%s rows cannot be deleted", entity)
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM `+string(entity)+` WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete %s: %w", entity, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete %s: %w", entity, err)
	}
	if n == 0 {
		return fmt.Errorf("delete %s: %w", entity, queue.ErrNotFound)
	}
	return nil
}
