// Package store keeps projects, their run state and the AI action log in a
// local SQLite database.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/glebarez/go-sqlite"
	"go.uber.org/zap"

	"longform-studio/llm"
	"longform-studio/types"
)

// ErrNotFound is returned when a project does not exist.
var ErrNotFound = errors.New("project not found")

var schema = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		niche TEXT,
		mode TEXT,
		title_working TEXT,
		status TEXT NOT NULL DEFAULT 'running',
		stage TEXT,
		error TEXT,
		analysis_result TEXT,
		run_state TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS ai_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id TEXT,
		task_type TEXT,
		model TEXT,
		tokens_used INTEGER,
		raw_response TEXT,
		created_at TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_ai_logs_project ON ai_logs (project_id);`,
	`CREATE TABLE IF NOT EXISTS seo_bundles (
		project_id TEXT PRIMARY KEY,
		titles TEXT,
		description_text TEXT,
		tags TEXT,
		thumbnail_text TEXT,
		thumbnail_prompt TEXT,
		updated_at TEXT NOT NULL
	);`,
}

// Project is one stored project row.
type Project struct {
	ID        string
	RunID     string
	Niche     string
	Mode      types.Mode
	Title     string
	Status    types.RunStatus
	Stage     string
	Error     string
	Analysis  *types.Analysis
	Run       *types.PipelineRun
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store is the SQLite-backed project store.
type Store struct {
	db  *sql.DB
	log *zap.Logger
	now func() time.Time
}

var _ llm.Recorder = (*Store)(nil)

// Open opens (or creates) the database at path and applies the schema.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// one writer; the pipeline logs AI actions from many goroutines
	db.SetMaxOpenConns(1)

	for _, q := range schema {
		if _, err := db.Exec(q); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate store: %w", err)
		}
	}
	logger.Named("store").Info("[store] ✅ database ready", zap.String("path", path))
	return &Store{db: db, log: logger.Named("store"), now: time.Now}, nil
}

// WithClock replaces the time source.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) stamp() string { return s.now().UTC().Format(time.RFC3339Nano) }

// SaveRun inserts or updates the project row for run. The whole run state is
// stored as JSON next to the columns used for listing.
func (s *Store) SaveRun(ctx context.Context, run *types.PipelineRun) error {
	state, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	var analysis any
	if run.Analysis != nil {
		b, err := json.Marshal(run.Analysis)
		if err != nil {
			return fmt.Errorf("encode analysis: %w", err)
		}
		analysis = string(b)
	}
	title := run.Input.Topic
	if run.Metadata != nil && run.Metadata.Title != "" {
		title = run.Metadata.Title
	}
	now := s.stamp()

	query, args, err := sq.Insert("projects").
		Columns("id", "run_id", "niche", "mode", "title_working", "status", "stage", "error",
			"analysis_result", "run_state", "created_at", "updated_at").
		Values(run.ProjectID, run.RunID, run.Input.Niche, string(run.Input.Mode), title, string(run.Status),
			run.Stage, run.Error, analysis, string(state), now, now).
		Suffix(`ON CONFLICT(id) DO UPDATE SET
			title_working = excluded.title_working,
			status = excluded.status,
			stage = excluded.stage,
			error = excluded.error,
			analysis_result = COALESCE(excluded.analysis_result, projects.analysis_result),
			run_state = excluded.run_state,
			updated_at = excluded.updated_at`).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("save project %s: %w", run.ProjectID, err)
	}
	return nil
}

var projectColumns = []string{
	"id", "run_id", "niche", "mode", "title_working", "status", "stage", "error",
	"analysis_result", "run_state", "created_at", "updated_at",
}

// GetProject loads one project with its decoded run state.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	query, args, err := sq.Select(projectColumns...).From("projects").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}
	p, err := scanProject(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return p, err
}

// ListProjects returns the newest projects first. An empty status lists all.
func (s *Store) ListProjects(ctx context.Context, status types.RunStatus, limit int) ([]Project, error) {
	b := sq.Select(projectColumns...).From("projects").OrderBy("created_at DESC", "id")
	if status != "" {
		b = b.Where(sq.Eq{"status": string(status)})
	}
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProject(row scanner) (*Project, error) {
	var (
		p                            Project
		niche, mode, title, stage    sql.NullString
		errText, analysis, state     sql.NullString
		status, createdAt, updatedAt string
	)
	if err := row.Scan(&p.ID, &p.RunID, &niche, &mode, &title, &status, &stage, &errText,
		&analysis, &state, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.Niche = niche.String
	p.Mode = types.Mode(mode.String)
	p.Title = title.String
	p.Status = types.RunStatus(status)
	p.Stage = stage.String
	p.Error = errText.String
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if analysis.Valid && analysis.String != "" {
		p.Analysis = &types.Analysis{}
		if err := json.Unmarshal([]byte(analysis.String), p.Analysis); err != nil {
			return nil, fmt.Errorf("decode analysis of %s: %w", p.ID, err)
		}
	}
	if state.Valid && state.String != "" {
		p.Run = &types.PipelineRun{}
		if err := json.Unmarshal([]byte(state.String), p.Run); err != nil {
			return nil, fmt.Errorf("decode run of %s: %w", p.ID, err)
		}
	}
	return &p, nil
}

// LogAIAction appends one successful model call to ai_logs.
func (s *Store) LogAIAction(ctx context.Context, rec llm.ActionRecord) error {
	created := rec.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	query, args, err := sq.Insert("ai_logs").
		Columns("project_id", "task_type", "model", "tokens_used", "raw_response", "created_at").
		Values(rec.ProjectID, rec.Action, rec.Model, rec.Tokens, rec.Response, created.UTC().Format(time.RFC3339Nano)).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("log ai action: %w", err)
	}
	return nil
}

// AIActions returns a project's logged model calls, oldest first.
func (s *Store) AIActions(ctx context.Context, projectID string) ([]llm.ActionRecord, error) {
	query, args, err := sq.Select("project_id", "task_type", "model", "tokens_used", "raw_response", "created_at").
		From("ai_logs").
		Where(sq.Eq{"project_id": projectID}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ai actions: %w", err)
	}
	defer rows.Close()

	var out []llm.ActionRecord
	for rows.Next() {
		var (
			rec     llm.ActionRecord
			created string
		)
		if err := rows.Scan(&rec.ProjectID, &rec.Action, &rec.Model, &rec.Tokens, &rec.Response, &created); err != nil {
			return nil, err
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// TokensUsed sums the tokens a project spent.
func (s *Store) TokensUsed(ctx context.Context, projectID string) (int, error) {
	query, args, err := sq.Select("COALESCE(SUM(tokens_used), 0)").
		From("ai_logs").
		Where(sq.Eq{"project_id": projectID}).
		ToSql()
	if err != nil {
		return 0, err
	}
	var total int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum tokens: %w", err)
	}
	return total, nil
}

// SaveSEO stores the title and description bundle of a project.
func (s *Store) SaveSEO(ctx context.Context, projectID string, ctr *types.CTRBundle, desc *types.DescriptionBundle) error {
	var titles, tags []string
	var thumbText, thumbPrompt, description string
	if ctr != nil {
		titles = ctr.Titles
		thumbText = ctr.Thumbnail.TextOnThumb
		thumbPrompt = ctr.Thumbnail.AIImagePrompt
	}
	if desc != nil {
		description = desc.Description
		tags = desc.Tags
	}
	t, _ := json.Marshal(titles)
	g, _ := json.Marshal(tags)

	query, args, err := sq.Insert("seo_bundles").
		Columns("project_id", "titles", "description_text", "tags", "thumbnail_text", "thumbnail_prompt", "updated_at").
		Values(projectID, string(t), description, string(g), thumbText, thumbPrompt, s.stamp()).
		Suffix(`ON CONFLICT(project_id) DO UPDATE SET
			titles = excluded.titles,
			description_text = excluded.description_text,
			tags = excluded.tags,
			thumbnail_text = excluded.thumbnail_text,
			thumbnail_prompt = excluded.thumbnail_prompt,
			updated_at = excluded.updated_at`).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("save seo bundle: %w", err)
	}
	return nil
}

// SEOTitles returns the stored titles of a project.
func (s *Store) SEOTitles(ctx context.Context, projectID string) ([]string, error) {
	query, args, err := sq.Select("titles").From("seo_bundles").Where(sq.Eq{"project_id": projectID}).ToSql()
	if err != nil {
		return nil, err
	}
	var raw string
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", projectID, ErrNotFound)
		}
		return nil, err
	}
	var titles []string
	if err := json.Unmarshal([]byte(raw), &titles); err != nil {
		return nil, err
	}
	return titles, nil
}
