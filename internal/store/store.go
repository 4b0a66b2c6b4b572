// Package store persists staged tasks, action items, observations and the
// dedup audit trail in Postgres. Embeddings live in pgvector columns; keyword
// lookup uses Postgres full-text search.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/BasedHardware/taskpilot/internal/model"
)

// Store wraps the Postgres connection.
type Store struct {
	DB *sql.DB
}

// DefaultEmbeddingDimensions is the expected length of vectors stored in the
// staged_tasks embedding column.
const DefaultEmbeddingDimensions = 1536

// New constructs the Store from DATABASE_URL or the POSTGRES_* variables.
func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := getenvDefault("POSTGRES_HOST", "localhost")
		port := getenvDefault("POSTGRES_PORT", "5432")
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := os.Getenv("POSTGRES_DB")
		ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

// InsertStaged writes a new staged task and returns its id.
func (s *Store) InsertStaged(ctx context.Context, rec model.StagedTask) (string, error) {
	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO staged_tasks (id, title, description, deadline, priority, tags, confidence,
  source_category, source_subcategory, relevance_score, source_app, context_summary, synced, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,NOW())
`, id, rec.Title, rec.Description, rec.Deadline, string(rec.Priority), pq.Array(rec.Tags),
		rec.Confidence, rec.Category, rec.Subcategory, rec.RelevanceScore, rec.SourceApp,
		rec.ContextSummary, rec.Synced)
	if err != nil {
		return "", fmt.Errorf("insert staged task: %w", err)
	}
	return id, nil
}

// InsertStagedWithScoreShift inserts a staged task at its relevance score,
// shifting every staged task at that score or below down by one so the new
// task takes the slot. Runs in one transaction.
func (s *Store) InsertStagedWithScoreShift(ctx context.Context, rec model.StagedTask) (id string, err error) {
	if rec.RelevanceScore == nil {
		return s.InsertStaged(ctx, rec)
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
UPDATE staged_tasks SET relevance_score = relevance_score + 1
WHERE relevance_score >= $1
`, *rec.RelevanceScore); err != nil {
		return "", fmt.Errorf("shift scores: %w", err)
	}

	id = rec.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, err = tx.ExecContext(ctx, `
INSERT INTO staged_tasks (id, title, description, deadline, priority, tags, confidence,
  source_category, source_subcategory, relevance_score, source_app, context_summary, synced, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,NOW())
`, id, rec.Title, rec.Description, rec.Deadline, string(rec.Priority), pq.Array(rec.Tags),
		rec.Confidence, rec.Category, rec.Subcategory, rec.RelevanceScore, rec.SourceApp,
		rec.ContextSummary, rec.Synced); err != nil {
		return "", fmt.Errorf("insert staged task: %w", err)
	}
	return id, nil
}

// UpdateEmbedding attaches an embedding vector to a staged task. The vector
// must match the column dimensionality.
func (s *Store) UpdateEmbedding(ctx context.Context, id string, vec []float32) error {
	if len(vec) != DefaultEmbeddingDimensions {
		return fmt.Errorf("update embedding: %d dimensions, want %d", len(vec), DefaultEmbeddingDimensions)
	}
	lit, err := encodeVectorLiteral(vec)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
UPDATE staged_tasks SET embedding = $2::vector, embedded_at = NOW() WHERE id = $1
`, id, lit)
	if err != nil {
		return fmt.Errorf("update embedding: %w", err)
	}
	return nil
}

// MarkSynced records that a staged task reached the remote backend.
func (s *Store) MarkSynced(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE staged_tasks SET synced = TRUE WHERE id = $1`, id)
	return err
}

// SearchVector returns the nearest staged and action-item descriptions to the
// supplied vector, with cosine similarity derived from pgvector distance.
func (s *Store) SearchVector(ctx context.Context, vector []float32, topK int) ([]model.SearchResult, error) {
	if topK <= 0 {
		topK = 10
	}
	lit, err := encodeVectorLiteral(vector)
	if err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, description, status, relevance_score, 1 - (embedding <=> $1::vector) AS similarity
FROM (
  SELECT id, COALESCE(NULLIF(description,''), title) AS description, 'active' AS status,
         relevance_score, embedding
  FROM staged_tasks WHERE embedding IS NOT NULL
  UNION ALL
  SELECT id, COALESCE(NULLIF(description,''), title) AS description, status,
         relevance_score, embedding
  FROM action_items WHERE embedding IS NOT NULL
) candidates
ORDER BY embedding <=> $1::vector
LIMIT $2
`, lit, topK)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var results []model.SearchResult
	for rows.Next() {
		var (
			res    model.SearchResult
			status string
			score  sql.NullFloat64
			sim    float64
		)
		if err := rows.Scan(&res.ID, &res.Description, &status, &score, &sim); err != nil {
			return nil, err
		}
		res.Status = model.TaskStatus(status)
		res.MatchType = model.MatchVector
		res.Similarity = &sim
		if score.Valid {
			res.RelevanceScore = &score.Float64
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

// SearchKeyword runs a websearch full-text query over staged and action-item
// descriptions.
func (s *Store) SearchKeyword(ctx context.Context, query string, topK int) ([]model.SearchResult, error) {
	if topK <= 0 {
		topK = 10
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, description, status, relevance_score
FROM (
  SELECT id, COALESCE(NULLIF(description,''), title) AS description, 'active' AS status,
         relevance_score,
         to_tsvector('english', title || ' ' || COALESCE(description,'')) AS doc
  FROM staged_tasks
  UNION ALL
  SELECT id, COALESCE(NULLIF(description,''), title) AS description, status,
         relevance_score,
         to_tsvector('english', title || ' ' || COALESCE(description,'')) AS doc
  FROM action_items
) candidates
WHERE doc @@ websearch_to_tsquery('english', $1)
LIMIT $2
`, query, topK)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()

	var results []model.SearchResult
	for rows.Next() {
		var (
			res    model.SearchResult
			status string
			score  sql.NullFloat64
		)
		if err := rows.Scan(&res.ID, &res.Description, &status, &score); err != nil {
			return nil, err
		}
		res.Status = model.TaskStatus(status)
		res.MatchType = model.MatchFTS
		if score.Valid {
			res.RelevanceScore = &score.Float64
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

// GetStaged returns one staged task, or (nil, nil) when absent.
func (s *Store) GetStaged(ctx context.Context, id string) (*model.StagedTask, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, title, description, deadline, priority, tags, confidence,
       source_category, source_subcategory, relevance_score, source_app,
       context_summary, synced, created_at
FROM staged_tasks WHERE id = $1
`, id)
	rec, err := scanStaged(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStaged(row rowScanner) (*model.StagedTask, error) {
	var (
		rec      model.StagedTask
		desc     sql.NullString
		deadline sql.NullTime
		score    sql.NullFloat64
		ctxSum   sql.NullString
		priority string
	)
	if err := row.Scan(&rec.ID, &rec.Title, &desc, &deadline, &priority,
		pq.Array(&rec.Tags), &rec.Confidence, &rec.Category, &rec.Subcategory,
		&score, &rec.SourceApp, &ctxSum, &rec.Synced, &rec.CreatedAt); err != nil {
		return nil, err
	}
	rec.Description = desc.String
	rec.Priority = model.Priority(priority)
	rec.ContextSummary = ctxSum.String
	if deadline.Valid {
		t := deadline.Time
		rec.Deadline = &t
	}
	if score.Valid {
		v := score.Float64
		rec.RelevanceScore = &v
	}
	return &rec, nil
}

// ListStaged returns staged tasks ordered by relevance score (unscored last,
// ties broken by creation time, oldest first).
func (s *Store) ListStaged(ctx context.Context, limit int) ([]model.StagedTask, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, title, description, deadline, priority, tags, confidence,
       source_category, source_subcategory, relevance_score, source_app,
       context_summary, synced, created_at
FROM staged_tasks
ORDER BY relevance_score ASC NULLS LAST, created_at ASC
LIMIT $1
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list staged: %w", err)
	}
	defer rows.Close()

	var out []model.StagedTask
	for rows.Next() {
		rec, err := scanStaged(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// CountStaged reports the staged queue size.
func (s *Store) CountStaged(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM staged_tasks`).Scan(&n)
	return n, err
}

// DeleteStaged hard-deletes a staged task. Missing ids are a no-op.
func (s *Store) DeleteStaged(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM staged_tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete staged: %w", err)
	}
	return nil
}

// ApplyRerank moves the listed staged tasks to new positions in one
// transaction. Tasks not listed keep their scores.
func (s *Store) ApplyRerank(ctx context.Context, moves []model.RerankInstruction) (err error) {
	if len(moves) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
UPDATE staged_tasks SET relevance_score = $2, scored_at = NOW() WHERE id = $1
`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, m := range moves {
		if _, err = stmt.ExecContext(ctx, m.TaskID, m.NewPosition); err != nil {
			return fmt.Errorf("apply rerank for %s: %w", m.TaskID, err)
		}
	}
	return nil
}

// PromoteTop atomically moves the top-ranked staged task into action_items.
// Returns Promoted=false with a reason when the active cap is reached or the
// staged queue is empty.
func (s *Store) PromoteTop(ctx context.Context, activeCap int) (res model.PromoteResult, err error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return model.PromoteResult{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	if activeCap > 0 {
		var active int
		if err = tx.QueryRowContext(ctx, `
SELECT COUNT(*) FROM action_items WHERE status = 'active'
`).Scan(&active); err != nil {
			return model.PromoteResult{}, fmt.Errorf("count active: %w", err)
		}
		if active >= activeCap {
			return model.PromoteResult{Promoted: false, Reason: "active task cap reached"}, nil
		}
	}

	row := tx.QueryRowContext(ctx, `
SELECT id, title, description, deadline, priority, tags, confidence,
       source_category, source_subcategory, relevance_score, source_app,
       context_summary, synced, created_at
FROM staged_tasks
ORDER BY relevance_score ASC NULLS LAST, created_at ASC
LIMIT 1
FOR UPDATE SKIP LOCKED
`)
	staged, scanErr := scanStaged(row)
	if errors.Is(scanErr, sql.ErrNoRows) {
		return model.PromoteResult{Promoted: false, Reason: "no staged tasks"}, nil
	}
	if scanErr != nil {
		err = scanErr
		return model.PromoteResult{}, fmt.Errorf("select top staged: %w", err)
	}

	item := model.ActionItem{
		ID:             uuid.NewString(),
		Title:          staged.Title,
		Description:    staged.Description,
		Deadline:       staged.Deadline,
		Priority:       staged.Priority,
		Status:         model.StatusActive,
		RelevanceScore: staged.RelevanceScore,
		Source:         "screenshot_extraction",
		CreatedAt:      time.Now().UTC(),
	}
	if _, err = tx.ExecContext(ctx, `
INSERT INTO action_items (id, title, description, deadline, priority, status,
  relevance_score, source, embedding, created_at)
SELECT $1, title, description, deadline, priority, 'active', relevance_score, $2, embedding, NOW()
FROM staged_tasks WHERE id = $3
`, item.ID, item.Source, staged.ID); err != nil {
		return model.PromoteResult{}, fmt.Errorf("insert action item: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM staged_tasks WHERE id = $1`, staged.ID); err != nil {
		return model.PromoteResult{}, fmt.Errorf("delete promoted staged: %w", err)
	}
	return model.PromoteResult{Promoted: true, Task: &item, StagedID: staged.ID}, nil
}

// BatchScores returns the current (id, score) pairs for all scored staged tasks.
func (s *Store) BatchScores(ctx context.Context) ([]model.TaskScore, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, relevance_score FROM staged_tasks WHERE relevance_score IS NOT NULL
ORDER BY relevance_score ASC
`)
	if err != nil {
		return nil, fmt.Errorf("batch scores: %w", err)
	}
	defer rows.Close()
	var out []model.TaskScore
	for rows.Next() {
		var ts model.TaskScore
		if err := rows.Scan(&ts.TaskID, &ts.Score); err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// CompactScoresAfterRemoval shifts every score above the removed slot up by
// one, closing the gap.
func (s *Store) CompactScoresAfterRemoval(ctx context.Context, removedScore float64) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE staged_tasks SET relevance_score = relevance_score - 1
WHERE relevance_score > $1
`, removedScore)
	if err != nil {
		return fmt.Errorf("compact scores: %w", err)
	}
	return nil
}

// ScoreRange reports the min and max relevance scores currently assigned.
func (s *Store) ScoreRange(ctx context.Context) (min, max float64, err error) {
	var lo, hi sql.NullFloat64
	err = s.DB.QueryRowContext(ctx, `
SELECT MIN(relevance_score), MAX(relevance_score) FROM staged_tasks
`).Scan(&lo, &hi)
	if err != nil {
		return 0, 0, err
	}
	return lo.Float64, hi.Float64, nil
}

// ListActionItems returns action items in a given status, active ones ordered
// by rank and the rest by recency.
func (s *Store) ListActionItems(ctx context.Context, status model.TaskStatus, limit int) ([]model.ActionItem, error) {
	if limit <= 0 {
		limit = 50
	}
	order := `ORDER BY relevance_score ASC NULLS LAST, created_at ASC`
	switch status {
	case model.StatusCompleted:
		order = `ORDER BY completed_at DESC NULLS LAST`
	case model.StatusDeleted:
		order = `ORDER BY deleted_at DESC NULLS LAST`
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, title, description, deadline, priority, status, relevance_score,
       source, created_at, completed_at, deleted_at
FROM action_items WHERE status = $1 `+order+` LIMIT $2
`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list action items: %w", err)
	}
	defer rows.Close()

	var out []model.ActionItem
	for rows.Next() {
		var (
			item      model.ActionItem
			desc      sql.NullString
			deadline  sql.NullTime
			score     sql.NullFloat64
			completed sql.NullTime
			deleted   sql.NullTime
			st        string
			priority  string
		)
		if err := rows.Scan(&item.ID, &item.Title, &desc, &deadline, &priority, &st,
			&score, &item.Source, &item.CreatedAt, &completed, &deleted); err != nil {
			return nil, err
		}
		item.Description = desc.String
		item.Priority = model.Priority(priority)
		item.Status = model.TaskStatus(st)
		if deadline.Valid {
			t := deadline.Time
			item.Deadline = &t
		}
		if score.Valid {
			v := score.Float64
			item.RelevanceScore = &v
		}
		if completed.Valid {
			t := completed.Time
			item.CompletedAt = &t
		}
		if deleted.Valid {
			t := deleted.Time
			item.DeletedAt = &t
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// CompleteActionItem marks an active action item completed. It returns the
// item's relevance score so the caller can compact the ranking; missing or
// already-terminal ids are a no-op returning nil.
func (s *Store) CompleteActionItem(ctx context.Context, id string) (*float64, error) {
	return s.closeActionItem(ctx, id, `
UPDATE action_items SET status = 'completed', completed_at = NOW()
WHERE id = $1 AND status = 'active'
RETURNING relevance_score
`)
}

// DeleteActionItem marks an active action item deleted by the user. Same
// no-op and return semantics as CompleteActionItem.
func (s *Store) DeleteActionItem(ctx context.Context, id string) (*float64, error) {
	return s.closeActionItem(ctx, id, `
UPDATE action_items SET status = 'deleted', deleted_at = NOW()
WHERE id = $1 AND status = 'active'
RETURNING relevance_score
`)
}

func (s *Store) closeActionItem(ctx context.Context, id, query string) (*float64, error) {
	var score sql.NullFloat64
	err := s.DB.QueryRowContext(ctx, query, id).Scan(&score)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("close action item: %w", err)
	}
	if !score.Valid {
		return nil, nil
	}
	v := score.Float64
	return &v, nil
}

// InsertObservation appends one extraction observation.
func (s *Store) InsertObservation(ctx context.Context, obs model.Observation) error {
	id := obs.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO observations (id, app_name, context_summary, current_activity, has_task,
  task_title, source_category, source_subcategory, trigger_kind, outcome, occurred_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
`, id, obs.AppName, obs.ContextSummary, obs.CurrentActivity, obs.HasTask,
		obs.TaskTitle, obs.SourceCategory, obs.Subcategory, obs.Trigger, obs.Outcome, obs.OccurredAt)
	if err != nil {
		return fmt.Errorf("insert observation: %w", err)
	}
	return nil
}

// InsertDedupAudit records a dedup deletion before it executes.
func (s *Store) InsertDedupAudit(ctx context.Context, deletedID, keptID, reason string) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO dedup_audit (id, deleted_id, kept_id, reason, created_at)
VALUES ($1,$2,$3,$4,NOW())
`, uuid.NewString(), deletedID, keptID, reason)
	if err != nil {
		return fmt.Errorf("insert dedup audit: %w", err)
	}
	return nil
}

// GetMeta reads a persisted scheduler value, "" when unset.
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var v string
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM scheduler_meta WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

// SetMeta upserts a persisted scheduler value.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO scheduler_meta (key, value, updated_at) VALUES ($1,$2,NOW())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
`, key, value)
	return err
}

func encodeVectorLiteral(vec []float32) (string, error) {
	if len(vec) == 0 {
		return "", fmt.Errorf("vector must not be empty")
	}
	var builder strings.Builder
	builder.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	builder.WriteByte(']')
	return builder.String(), nil
}
