package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/shaiso/Scribe/internal/domain"
)

// sqliteTimeLayout — время хранится текстом фиксированной ширины в UTC,
// поэтому строки сравниваются и сортируются как время.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// OpenSQLite открывает файл БД SQLite и применяет миграции.
// ":memory:" открывает БД в памяти.
func OpenSQLite(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	if path == ":memory:" {
		dsn = "file::memory:?_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Один писатель; для :memory: ещё и одна общая БД.
	db.SetMaxOpenConns(1)

	if err := MigrateSQLite(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return db, nil
}

// SQLiteProjectRepo — ProjectStore поверх SQLite.
type SQLiteProjectRepo struct {
	db   *sql.DB
	opts options
}

var _ ProjectStore = (*SQLiteProjectRepo)(nil)

// NewSQLiteProjectRepo создаёт репозиторий поверх открытой БД.
func NewSQLiteProjectRepo(db *sql.DB, opts ...Option) *SQLiteProjectRepo {
	return &SQLiteProjectRepo{db: db, opts: buildOptions(opts)}
}

func (r *SQLiteProjectRepo) now() string {
	return formatTime(r.opts.clock.Now())
}

func (r *SQLiteProjectRepo) CreateProject(ctx context.Context, input map[string]any) (*domain.Project, error) {
	input, err := normalizeJSON(input)
	if err != nil {
		return nil, err
	}
	p := domain.NewProject(input, r.opts.clock.Now().UTC())

	inputJSON, err := marshalMap(p.Input)
	if err != nil {
		return nil, err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO projects (id, status, status_rank, input, correlation_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, p.ID.String(), string(p.Status), p.Status.Rank(), string(inputJSON), p.CorrelationID,
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert project: %w", err)
	}
	return p, nil
}

func (r *SQLiteProjectRepo) GetProject(ctx context.Context, id uuid.UUID) (*domain.Project, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, status, input, correlation_id, created_at, updated_at
		FROM projects
		WHERE id = ?
	`, id.String())

	p, err := scanSQLiteProject(row)
	if err != nil {
		return nil, err
	}
	if err := r.hydrate(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// hydrate загружает результаты, стоимости и ошибки. Каждый курсор
// закрывается до следующего запроса: соединение одно.
func (r *SQLiteProjectRepo) hydrate(ctx context.Context, p *domain.Project) error {
	id := p.ID.String()

	rows, err := r.db.QueryContext(ctx, `SELECT stage, result FROM project_stage_results WHERE project_id = ?`, id)
	if err != nil {
		return fmt.Errorf("query stage results: %w", err)
	}
	for rows.Next() {
		var stage, resultJSON string
		if err := rows.Scan(&stage, &resultJSON); err != nil {
			rows.Close()
			return fmt.Errorf("scan stage result: %w", err)
		}
		result, err := unmarshalMap([]byte(resultJSON))
		if err != nil {
			rows.Close()
			return err
		}
		p.StageResults[domain.Status(stage)] = result
	}
	if err := closeRows(rows); err != nil {
		return err
	}

	rows, err = r.db.QueryContext(ctx, `SELECT stage, amount FROM project_costs WHERE project_id = ?`, id)
	if err != nil {
		return fmt.Errorf("query costs: %w", err)
	}
	for rows.Next() {
		var stage string
		var amount float64
		if err := rows.Scan(&stage, &amount); err != nil {
			rows.Close()
			return fmt.Errorf("scan cost: %w", err)
		}
		p.Costs[domain.Status(stage)] = amount
	}
	if err := closeRows(rows); err != nil {
		return err
	}

	rows, err = r.db.QueryContext(ctx, `SELECT stage, message, created_at FROM project_errors WHERE project_id = ? ORDER BY id`, id)
	if err != nil {
		return fmt.Errorf("query errors: %w", err)
	}
	for rows.Next() {
		var stage, message, ts string
		if err := rows.Scan(&stage, &message, &ts); err != nil {
			rows.Close()
			return fmt.Errorf("scan error record: %w", err)
		}
		t, err := parseTime(ts)
		if err != nil {
			rows.Close()
			return err
		}
		p.Errors = append(p.Errors, domain.ErrorRecord{Stage: domain.Status(stage), Message: message, Timestamp: t})
	}
	return closeRows(rows)
}

func (r *SQLiteProjectRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.Status) (bool, error) {
	if err := validateStatus(status); err != nil {
		return false, err
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE projects
		SET status = ?2, status_rank = CASE WHEN ?2 = 'FAILED' THEN status_rank ELSE ?3 END, updated_at = ?4
		WHERE id = ?1
		  AND status NOT IN ('COMPLETED', 'FAILED')
		  AND (?2 = 'FAILED' OR status_rank < ?3)
	`, id.String(), string(status), status.Rank(), r.now())
	if err != nil {
		return false, fmt.Errorf("update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}

	var exists bool
	err = r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM projects WHERE id = ?)`, id.String()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check project: %w", err)
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func (r *SQLiteProjectRepo) AppendCost(ctx context.Context, id uuid.UUID, stage domain.Status, amount float64, dedupKey string) (bool, error) {
	if amount < 0 {
		return false, fmt.Errorf("%w: negative cost %v", ErrInvalidArgument, amount)
	}

	var applied bool
	err := r.inTx(ctx, id, func(tx *sql.Tx, now string) error {
		if dedupKey != "" {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO project_cost_applications (project_id, dedup_key, stage, amount, applied_at)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT (project_id, dedup_key) DO NOTHING
			`, id.String(), dedupKey, string(stage), amount, now)
			if err != nil {
				return fmt.Errorf("insert cost application: %w", err)
			}
			if n, err := res.RowsAffected(); err != nil || n == 0 {
				return errDuplicate
			}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO project_costs (project_id, stage, amount)
			VALUES (?, ?, ?)
			ON CONFLICT (project_id, stage) DO UPDATE SET amount = project_costs.amount + excluded.amount
		`, id.String(), string(stage), amount)
		if err != nil {
			return fmt.Errorf("upsert cost: %w", err)
		}
		applied = true
		return nil
	})
	if errors.Is(err, errDuplicate) {
		return false, nil
	}
	return applied, err
}

func (r *SQLiteProjectRepo) FailProject(ctx context.Context, id uuid.UUID, stage domain.Status, message string) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := r.now()
	res, err := tx.ExecContext(ctx, `
		UPDATE projects
		SET status = 'FAILED', updated_at = ?2
		WHERE id = ?1 AND status NOT IN ('COMPLETED', 'FAILED')
	`, id.String(), now)
	if err != nil {
		return false, fmt.Errorf("update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		var exists bool
		err = tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM projects WHERE id = ?)`, id.String()).Scan(&exists)
		if err != nil {
			return false, fmt.Errorf("check project: %w", err)
		}
		if !exists {
			return false, ErrNotFound
		}
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO project_errors (project_id, stage, message, created_at)
		VALUES (?, ?, ?, ?)
	`, id.String(), string(stage), message, now)
	if err != nil {
		return false, fmt.Errorf("insert error record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func (r *SQLiteProjectRepo) SaveStageResult(ctx context.Context, id uuid.UUID, stage domain.Status, result map[string]any) error {
	resultJSON, err := marshalMap(result)
	if err != nil {
		return err
	}

	return r.inTx(ctx, id, func(tx *sql.Tx, now string) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO project_stage_results (project_id, stage, result, saved_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (project_id, stage) DO UPDATE SET result = excluded.result, saved_at = excluded.saved_at
		`, id.String(), string(stage), string(resultJSON), now)
		if err != nil {
			return fmt.Errorf("upsert stage result: %w", err)
		}
		return nil
	})
}

func (r *SQLiteProjectRepo) ListProjects(ctx context.Context, filter ProjectFilter) ([]domain.Project, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, status, input, correlation_id, created_at, updated_at
		FROM projects
		WHERE (?1 = '' OR status = ?1)
		ORDER BY created_at DESC, id
		LIMIT ?2 OFFSET ?3
	`, string(filter.Status), filter.limit(), filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return r.collect(ctx, rows)
}

func (r *SQLiteProjectRepo) ListStale(ctx context.Context, before time.Time, limit int) ([]domain.Project, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, status, input, correlation_id, created_at, updated_at
		FROM projects
		WHERE status NOT IN ('COMPLETED', 'FAILED') AND updated_at < ?
		ORDER BY updated_at ASC
		LIMIT ?
	`, formatTime(before), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale projects: %w", err)
	}
	return r.collect(ctx, rows)
}

func (r *SQLiteProjectRepo) collect(ctx context.Context, rows *sql.Rows) ([]domain.Project, error) {
	var projects []*domain.Project
	for rows.Next() {
		p, err := scanSQLiteProject(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		projects = append(projects, p)
	}
	if err := closeRows(rows); err != nil {
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

func (r *SQLiteProjectRepo) SaveDeadLetter(ctx context.Context, record *domain.DeadLetterRecord) error {
	attrsJSON, err := json.Marshal(record.Attributes)
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO dead_letters (id, original_message_id, subscription, topic, project_id, stage,
		                          data, attributes, reason, attempts, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`,
		record.ID.String(),
		record.OriginalMessageID,
		record.Subscription,
		record.Topic,
		record.ProjectID,
		record.Stage,
		record.Data,
		string(attrsJSON),
		record.Reason,
		record.Attempts,
		formatTime(record.FailedAt),
	)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

func (r *SQLiteProjectRepo) ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetterRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, original_message_id, subscription, topic, project_id, stage,
		       data, attributes, reason, attempts, failed_at
		FROM dead_letters
		ORDER BY failed_at DESC, id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []domain.DeadLetterRecord
	for rows.Next() {
		var rec domain.DeadLetterRecord
		var id, attrsJSON, failedAt string
		err := rows.Scan(
			&id,
			&rec.OriginalMessageID,
			&rec.Subscription,
			&rec.Topic,
			&rec.ProjectID,
			&rec.Stage,
			&rec.Data,
			&attrsJSON,
			&rec.Reason,
			&rec.Attempts,
			&failedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		if rec.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse dead letter id: %w", err)
		}
		if err := json.Unmarshal([]byte(attrsJSON), &rec.Attributes); err != nil {
			return nil, fmt.Errorf("unmarshal attributes: %w", err)
		}
		if rec.FailedAt, err = parseTime(failedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// errDuplicate откатывает транзакцию AppendCost для уже применённого ключа.
var errDuplicate = errors.New("duplicate dedup key")

// inTx выполняет fn в транзакции после обновления updated_at проекта.
// ErrNotFound, если проекта нет.
func (r *SQLiteProjectRepo) inTx(ctx context.Context, id uuid.UUID, fn func(tx *sql.Tx, now string) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := r.now()
	res, err := tx.ExecContext(ctx, `UPDATE projects SET updated_at = ? WHERE id = ?`, now, id.String())
	if err != nil {
		return fmt.Errorf("touch project: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}

	if err := fn(tx, now); err != nil {
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteProject(row rowScanner) (*domain.Project, error) {
	p := &domain.Project{
		StageResults: make(map[domain.Status]map[string]any),
		Costs:        make(map[domain.Status]float64),
	}
	var id, status, inputJSON, createdAt, updatedAt string

	err := row.Scan(&id, &status, &inputJSON, &p.CorrelationID, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan project: %w", err)
	}

	if p.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse project id: %w", err)
	}
	p.Status = domain.Status(status)
	if p.Input, err = unmarshalMap([]byte(inputJSON)); err != nil {
		return nil, err
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return p, nil
}

func closeRows(rows *sql.Rows) error {
	err := rows.Err()
	if cerr := rows.Close(); err == nil {
		err = cerr
	}
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}
