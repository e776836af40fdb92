package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sirius-sound/internal/queue"
)

// ListActiveSamples returns every active pickup sample ordered by name.
func (r *PostgresRepository) ListActiveSamples(ctx context.Context) ([]PickupSample, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+sampleColumns+` FROM pickup_samples WHERE active = TRUE ORDER BY name ASC;`)
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

// CreateToneTest opens a blind-test session.
func (r *PostgresRepository) CreateToneTest(ctx context.Context, userID *string) (*ToneTest, error) {
	q := `
INSERT INTO tone_lab_tests (id, session_id, user_id, completed, created_at)
VALUES ($1, $2, $3, FALSE, $4)
RETURNING ` + toneTestColumns + `;`
	test, err := scanToneTest(r.pool.QueryRow(ctx, q, uuid.NewString(), uuid.NewString(), userID, time.Now().UTC()))
	if err != nil {
		return nil, fmt.Errorf("create tone test: %w", err)
	}
	return test, nil
}

// GetToneTest retrieves a test by id.
func (r *PostgresRepository) GetToneTest(ctx context.Context, id string) (*ToneTest, error) {
	test, err := scanToneTest(r.pool.QueryRow(ctx, `SELECT `+toneTestColumns+` FROM tone_lab_tests WHERE id = $1;`, id))
	if err != nil {
		return nil, pgNotFound(err, "get tone test")
	}
	return test, nil
}

// CompleteToneTest marks a test completed; completed_at is kept from the first submit.
func (r *PostgresRepository) CompleteToneTest(ctx context.Context, id string) (*ToneTest, error) {
	q := `
UPDATE tone_lab_tests
SET completed = TRUE, completed_at = COALESCE(completed_at, $2)
WHERE id = $1
RETURNING ` + toneTestColumns + `;`
	test, err := scanToneTest(r.pool.QueryRow(ctx, q, id, time.Now().UTC()))
	if err != nil {
		return nil, pgNotFound(err, "complete tone test")
	}
	return test, nil
}

// UpsertRating stores one rating per (test, sample).
func (r *PostgresRepository) UpsertRating(ctx context.Context, rating SampleRating) (*SampleRating, error) {
	now := time.Now().UTC()
	q := `
INSERT INTO tone_lab_ratings (id, test_id, sample_id, rating, guessed_name, play_count, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
ON CONFLICT (test_id, sample_id) DO UPDATE SET
    rating = EXCLUDED.rating,
    guessed_name = EXCLUDED.guessed_name,
    play_count = EXCLUDED.play_count,
    updated_at = EXCLUDED.updated_at
RETURNING ` + ratingColumns + `;`
	saved, err := scanRating(r.pool.QueryRow(ctx, q, uuid.NewString(), rating.TestID, rating.SampleID, rating.Rating, rating.GuessedName, rating.PlayCount, now))
	if err != nil {
		return nil, fmt.Errorf("upsert rating: %w", err)
	}
	return saved, nil
}

// ListRatings returns a test's ratings.
func (r *PostgresRepository) ListRatings(ctx context.Context, testID string) ([]SampleRating, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+ratingColumns+` FROM tone_lab_ratings WHERE test_id = $1 ORDER BY created_at ASC;`, testID)
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

// SampleAggregates averages ratings and sums plays across completed tests.
func (r *PostgresRepository) SampleAggregates(ctx context.Context, sampleIDs []string) (map[string]SampleAggregate, error) {
	out := make(map[string]SampleAggregate, len(sampleIDs))
	if len(sampleIDs) == 0 {
		return out, nil
	}
	const q = `
SELECT r.sample_id, COALESCE(AVG(r.rating), 0)::float8, COUNT(r.rating), COALESCE(SUM(r.play_count), 0)
FROM tone_lab_ratings r
JOIN tone_lab_tests t ON t.id = r.test_id
WHERE t.completed = TRUE AND r.sample_id = ANY($1)
GROUP BY r.sample_id;
`
	rows, err := r.pool.Query(ctx, q, sampleIDs)
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

// Browse returns raw rows of a browsable entity.
func (r *PostgresRepository) Browse(ctx context.Context, entity Entity, limit, offset int) (*BrowsePage, error) {
	if _, err := ParseEntity(string(entity)); err != nil {
		return nil, err
	}
	page := &BrowsePage{Entity: entity, Limit: clampLimit(limit), Offset: max(offset, 0)}
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM `+string(entity)+`;`).Scan(&page.Total); err != nil {
		return nil, fmt.Errorf("count %s: %w", entity, err)
	}

	q := fmt.Sprintf(`SELECT * FROM %s ORDER BY %s DESC LIMIT $1 OFFSET $2;`, entity, entity.orderColumn())
	rows, err := r.pool.Query(ctx, q, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("browse %s: %w", entity, err)
	}
	defer rows.Close()

	for _, fd := range rows.FieldDescriptions() {
		page.Columns = append(page.Columns, fd.Name)
	}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("read %s row: %w", entity, err)
		}
		row := make(map[string]any, len(values))
		for i, v := range values {
			row[page.Columns[i]] = v
		}
		page.Rows = append(page.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", entity, err)
	}
	return page, nil
}

// DeleteRecord removes a row from a deletable entity.
func (r *PostgresRepository) DeleteRecord(ctx context.Context, entity Entity, id string) error {
	if !entity.Deletable() {
		return queue.InvalidInput("%s rows cannot be deleted", entity)
	}
	tag, err := r.pool.Exec(ctx, `DELETE FROM `+string(entity)+` WHERE id = $1;`, id)
	if err != nil {
		return fmt.Errorf("delete %s: %w", entity, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete %s: %w", entity, queue.ErrNotFound)
	}
	return nil
}
