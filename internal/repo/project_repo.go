package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Scribe/internal/domain"
)

// ProjectRepo — ProjectStore поверх PostgreSQL.
type ProjectRepo struct {
	pool *pgxpool.Pool
	opts options
}

var _ ProjectStore = (*ProjectRepo)(nil)

// NewProjectRepo создаёт новый ProjectRepo.
func NewProjectRepo(pool *pgxpool.Pool, opts ...Option) *ProjectRepo {
	return &ProjectRepo{pool: pool, opts: buildOptions(opts)}
}

func (r *ProjectRepo) now() time.Time {
	return r.opts.clock.Now().UTC()
}

// CreateProject создаёт новый проект.
func (r *ProjectRepo) CreateProject(ctx context.Context, input map[string]any) (*domain.Project, error) {
	input, err := normalizeJSON(input)
	if err != nil {
		return nil, err
	}
	p := domain.NewProject(input, r.now())

	inputJSON, err := marshalMap(p.Input)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO projects (id, status, status_rank, input, correlation_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = r.pool.Exec(ctx, query,
		p.ID,
		p.Status,
		p.Status.Rank(),
		inputJSON,
		p.CorrelationID,
		p.CreatedAt,
		p.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert project: %w", err)
	}
	return p, nil
}

// GetProject возвращает проект по ID.
func (r *ProjectRepo) GetProject(ctx context.Context, id uuid.UUID) (*domain.Project, error) {
	query := `
		SELECT id, status, input, correlation_id, created_at, updated_at
		FROM projects
		WHERE id = $1
	`
	p, err := scanProject(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, err
	}
	if err := r.hydrate(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// hydrate загружает результаты, стоимости и ошибки проекта.
func (r *ProjectRepo) hydrate(ctx context.Context, p *domain.Project) error {
	rows, err := r.pool.Query(ctx,
		`SELECT stage, result FROM project_stage_results WHERE project_id = $1`, p.ID)
	if err != nil {
		return fmt.Errorf("query stage results: %w", err)
	}
	for rows.Next() {
		var stage domain.Status
		var resultJSON []byte
		if err := rows.Scan(&stage, &resultJSON); err != nil {
			rows.Close()
			return fmt.Errorf("scan stage result: %w", err)
		}
		result, err := unmarshalMap(resultJSON)
		if err != nil {
			rows.Close()
			return err
		}
		p.StageResults[stage] = result
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = r.pool.Query(ctx,
		`SELECT stage, amount FROM project_costs WHERE project_id = $1`, p.ID)
	if err != nil {
		return fmt.Errorf("query costs: %w", err)
	}
	for rows.Next() {
		var stage domain.Status
		var amount float64
		if err := rows.Scan(&stage, &amount); err != nil {
			rows.Close()
			return fmt.Errorf("scan cost: %w", err)
		}
		p.Costs[stage] = amount
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = r.pool.Query(ctx,
		`SELECT stage, message, created_at FROM project_errors WHERE project_id = $1 ORDER BY id`, p.ID)
	if err != nil {
		return fmt.Errorf("query errors: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var rec domain.ErrorRecord
		if err := rows.Scan(&rec.Stage, &rec.Message, &rec.Timestamp); err != nil {
			return fmt.Errorf("scan error record: %w", err)
		}
		rec.Timestamp = rec.Timestamp.UTC()
		p.Errors = append(p.Errors, rec)
	}
	return rows.Err()
}

// UpdateStatus продвигает статус проекта.
func (r *ProjectRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.Status) (bool, error) {
	if err := validateStatus(status); err != nil {
		return false, err
	}

	// FAILED ранг не меняет: он нужен только для сравнения этапов.
	query := `
		UPDATE projects
		SET status = $2, status_rank = CASE WHEN $2 = 'FAILED' THEN status_rank ELSE $3 END, updated_at = $4
		WHERE id = $1
		  AND status NOT IN ('COMPLETED', 'FAILED')
		  AND ($2 = 'FAILED' OR status_rank < $3)
	`
	tag, err := r.pool.Exec(ctx, query, id, string(status), status.Rank(), r.now())
	if err != nil {
		return false, fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	return false, r.ensureExists(ctx, id)
}

// AppendCost атомарно прибавляет стоимость этапа.
func (r *ProjectRepo) AppendCost(ctx context.Context, id uuid.UUID, stage domain.Status, amount float64, dedupKey string) (bool, error) {
	if amount < 0 {
		return false, fmt.Errorf("%w: negative cost %v", ErrInvalidArgument, amount)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	now := r.now()

	tag, err := tx.Exec(ctx, `UPDATE projects SET updated_at = $2 WHERE id = $1`, id, now)
	if err != nil {
		return false, fmt.Errorf("touch project: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, ErrNotFound
	}

	if dedupKey != "" {
		tag, err = tx.Exec(ctx, `
			INSERT INTO project_cost_applications (project_id, dedup_key, stage, amount, applied_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (project_id, dedup_key) DO NOTHING
		`, id, dedupKey, stage, amount, now)
		if err != nil {
			return false, fmt.Errorf("insert cost application: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Ключ уже применён; updated_at не трогаем.
			return false, nil
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO project_costs (project_id, stage, amount)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id, stage) DO UPDATE SET amount = project_costs.amount + EXCLUDED.amount
	`, id, stage, amount)
	if err != nil {
		return false, fmt.Errorf("upsert cost: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// FailProject переводит проект в FAILED и записывает ошибку в одной
// транзакции.
func (r *ProjectRepo) FailProject(ctx context.Context, id uuid.UUID, stage domain.Status, message string) (bool, error) {
	now := r.now()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE projects
		SET status = 'FAILED', updated_at = $2
		WHERE id = $1 AND status NOT IN ('COMPLETED', 'FAILED')
	`, id, now)
	if err != nil {
		return false, fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, r.ensureExists(ctx, id)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO project_errors (project_id, stage, message, created_at)
		VALUES ($1, $2, $3, $4)
	`, id, stage, message, now)
	if err != nil {
		return false, fmt.Errorf("insert error record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// SaveStageResult записывает результат этапа.
func (r *ProjectRepo) SaveStageResult(ctx context.Context, id uuid.UUID, stage domain.Status, result map[string]any) error {
	resultJSON, err := marshalMap(result)
	if err != nil {
		return err
	}
	now := r.now()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE projects SET updated_at = $2 WHERE id = $1`, id, now)
	if err != nil {
		return fmt.Errorf("touch project: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO project_stage_results (project_id, stage, result, saved_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (project_id, stage) DO UPDATE SET result = EXCLUDED.result, saved_at = EXCLUDED.saved_at
	`, id, stage, resultJSON, now)
	if err != nil {
		return fmt.Errorf("upsert stage result: %w", err)
	}

	return tx.Commit(ctx)
}

// ListProjects возвращает список проектов с фильтрацией.
func (r *ProjectRepo) ListProjects(ctx context.Context, filter ProjectFilter) ([]domain.Project, error) {
	query := `
		SELECT id, status, input, correlation_id, created_at, updated_at
		FROM projects
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3
	`
	rows, err := r.pool.Query(ctx, query, nullString(string(filter.Status)), filter.limit(), filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return r.collect(ctx, rows)
}

// ListStale возвращает зависшие нетерминальные проекты.
func (r *ProjectRepo) ListStale(ctx context.Context, before time.Time, limit int) ([]domain.Project, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := `
		SELECT id, status, input, correlation_id, created_at, updated_at
		FROM projects
		WHERE status NOT IN ('COMPLETED', 'FAILED') AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, before.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale projects: %w", err)
	}
	return r.collect(ctx, rows)
}

// collect сканирует строки проектов и догружает связанные данные.
func (r *ProjectRepo) collect(ctx context.Context, rows pgx.Rows) ([]domain.Project, error) {
	var projects []*domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		projects = append(projects, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]domain.Project, 0, len(projects))
	for _, p := range projects {
		if err := r.hydrate(ctx, p); err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, nil
}

// SaveDeadLetter сохраняет запись dead-letter.
func (r *ProjectRepo) SaveDeadLetter(ctx context.Context, record *domain.DeadLetterRecord) error {
	attrsJSON, err := json.Marshal(record.Attributes)
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO dead_letters (id, original_message_id, subscription, topic, project_id, stage,
		                          data, attributes, reason, attempts, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`,
		record.ID,
		record.OriginalMessageID,
		record.Subscription,
		record.Topic,
		record.ProjectID,
		record.Stage,
		record.Data,
		attrsJSON,
		record.Reason,
		record.Attempts,
		record.FailedAt,
	)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters возвращает записи dead-letter.
func (r *ProjectRepo) ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetterRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, original_message_id, subscription, topic, project_id, stage,
		       data, attributes, reason, attempts, failed_at
		FROM dead_letters
		ORDER BY failed_at DESC, id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []domain.DeadLetterRecord
	for rows.Next() {
		var rec domain.DeadLetterRecord
		var attrsJSON []byte
		err := rows.Scan(
			&rec.ID,
			&rec.OriginalMessageID,
			&rec.Subscription,
			&rec.Topic,
			&rec.ProjectID,
			&rec.Stage,
			&rec.Data,
			&attrsJSON,
			&rec.Reason,
			&rec.Attempts,
			&rec.FailedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		if len(attrsJSON) > 0 {
			if err := json.Unmarshal(attrsJSON, &rec.Attributes); err != nil {
				return nil, fmt.Errorf("unmarshal attributes: %w", err)
			}
		}
		rec.FailedAt = rec.FailedAt.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *ProjectRepo) ensureExists(ctx context.Context, id uuid.UUID) error {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM projects WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check project: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

// --- Helpers ---

// scanProject сканирует одну строку в Project.
func scanProject(row pgx.Row) (*domain.Project, error) {
	p := &domain.Project{
		StageResults: make(map[domain.Status]map[string]any),
		Costs:        make(map[domain.Status]float64),
	}
	var inputJSON []byte

	err := row.Scan(
		&p.ID,
		&p.Status,
		&inputJSON,
		&p.CorrelationID,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan project: %w", err)
	}

	if p.Input, err = unmarshalMap(inputJSON); err != nil {
		return nil, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()

	return p, nil
}

// nullString возвращает nil для пустой строки (для NULL в БД).
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
