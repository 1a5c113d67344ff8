package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/robertguss/serialforge/internal/domain"
)

// SQLiteStorage implements Storage using SQLite
type SQLiteStorage struct {
	db *sql.DB
}

// connPragmas apply to every pooled connection. Set through the DSN so a
// connection opened later by database/sql gets them too.
var connPragmas = []string{
	"busy_timeout(5000)",
	"foreign_keys(1)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"cache_size(-64000)", // 64MB cache
	"temp_store(MEMORY)",
}

// sqliteDSN appends the connection pragmas to dbPath
func sqliteDSN(dbPath string) string {
	q := url.Values{}
	for _, p := range connPragmas {
		q.Add("_pragma", p)
	}
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return dbPath + sep + q.Encode()
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", sqliteDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// An in-memory database is private to its connection
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStorage{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// NewInMemoryStorage creates an in-memory SQLite storage (for testing)
func NewInMemoryStorage() (*SQLiteStorage, error) {
	return NewSQLiteStorage(":memory:")
}

func (s *SQLiteStorage) migrate() error {
	_, err := s.db.Exec(initialMigration)
	if err != nil {
		return fmt.Errorf("failed to execute migration: %w", err)
	}
	return nil
}

// The partial unique index on jobs enforces at most one pending or running
// job per project.
const initialMigration = `
CREATE TABLE IF NOT EXISTS projects (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    genre TEXT NOT NULL DEFAULT 'default',
    synopsis TEXT,
    current_chapter INTEGER NOT NULL DEFAULT 0,
    total_chapters INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    story_bible TEXT,
    master_outline TEXT,
    target_word_count INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    chapter_number INTEGER NOT NULL,
    status TEXT NOT NULL,
    progress INTEGER NOT NULL DEFAULT 0,
    step_message TEXT,
    error_message TEXT,
    attempts INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    FOREIGN KEY (project_id) REFERENCES projects(id)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_one_active
    ON jobs(project_id) WHERE status IN ('pending', 'running');

CREATE TABLE IF NOT EXISTS chapters (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    job_id TEXT NOT NULL,
    number INTEGER NOT NULL,
    title TEXT NOT NULL,
    content TEXT NOT NULL,
    word_count INTEGER NOT NULL DEFAULT 0,
    score REAL NOT NULL DEFAULT 0,
    opening TEXT,
    cliffhanger TEXT,
    created_at TEXT NOT NULL,
    UNIQUE (project_id, number),
    FOREIGN KEY (project_id) REFERENCES projects(id),
    FOREIGN KEY (job_id) REFERENCES jobs(id)
);

CREATE TABLE IF NOT EXISTS attempts (
    id TEXT PRIMARY KEY,
    job_id TEXT NOT NULL,
    number INTEGER NOT NULL,
    title TEXT,
    score REAL NOT NULL DEFAULT 0,
    accepted BOOLEAN NOT NULL DEFAULT FALSE,
    word_count INTEGER NOT NULL DEFAULT 0,
    violations TEXT,
    created_at TEXT NOT NULL,
    UNIQUE (job_id, number),
    FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS memory_layers (
    project_id TEXT NOT NULL,
    layer TEXT NOT NULL,
    data TEXT NOT NULL,
    chapter INTEGER NOT NULL DEFAULT 0,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (project_id, layer),
    FOREIGN KEY (project_id) REFERENCES projects(id)
);

CREATE INDEX IF NOT EXISTS idx_jobs_project ON jobs(project_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_jobs_status_updated ON jobs(status, updated_at);
CREATE INDEX IF NOT EXISTS idx_projects_status ON projects(status);
CREATE INDEX IF NOT EXISTS idx_attempts_job ON attempts(job_id, number);

CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL DEFAULT (datetime('now'))
);

INSERT OR IGNORE INTO schema_version (version) VALUES (1);
`

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Projects

const projectColumns = `id, title, genre, synopsis, current_chapter, total_chapters, status,
	story_bible, master_outline, target_word_count, created_at, updated_at`

// CreateProject inserts a new project
func (s *SQLiteStorage) CreateProject(ctx context.Context, p *domain.Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (`+projectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.ID,
		p.Title,
		p.Genre,
		nullableString(p.Synopsis),
		p.CurrentChapter,
		p.TotalChapters,
		string(p.Status),
		nullableString(p.StoryBible),
		nullableString(p.MasterOutline),
		p.TargetWordCount,
		formatTime(p.CreatedAt),
		formatTime(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert project: %w", err)
	}
	return nil
}

// GetProject retrieves a project by ID
func (s *SQLiteStorage) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return p, nil
}

// ListProjects retrieves projects matching the filter
func (s *SQLiteStorage) ListProjects(ctx context.Context, filter *ProjectFilter) ([]*domain.Project, error) {
	if filter == nil {
		filter = &ProjectFilter{}
	}

	query := `SELECT ` + projectColumns + ` FROM projects`
	var args []any
	if filter.Status != "" {
		query += " WHERE status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY created_at"
	query += fmt.Sprintf(" LIMIT %d OFFSET %d", limitOrDefault(filter.Limit), filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query projects: %w", err)
	}
	defer rows.Close()

	var projects []*domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// UpdateProjectStatus pauses or resumes a project
func (s *SQLiteStorage) UpdateProjectStatus(ctx context.Context, id string, status domain.ProjectStatus, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE projects SET status = ?, updated_at = ? WHERE id = ?
	`, string(status), formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to update project status: %w", err)
	}
	return requireRow(res, fmt.Errorf("project %s: %w", id, domain.ErrNotFound))
}

// UpdateStoryBible replaces the project's story bible
func (s *SQLiteStorage) UpdateStoryBible(ctx context.Context, id, storyBible string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE projects SET story_bible = ?, updated_at = ? WHERE id = ?
	`, nullableString(storyBible), formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to update story bible: %w", err)
	}
	return requireRow(res, fmt.Errorf("project %s: %w", id, domain.ErrNotFound))
}

// Jobs

const jobColumns = `id, project_id, chapter_number, status, progress, step_message, error_message,
	attempts, created_at, updated_at`

// InsertJob inserts a pending job. A second active job for the same project
// is rejected by the partial unique index and reported as a ConflictError.
func (s *SQLiteStorage) InsertJob(ctx context.Context, job *domain.Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID,
		job.ProjectID,
		job.ChapterNumber,
		string(job.Status),
		job.Progress,
		nullableString(job.StepMessage),
		nullableString(job.ErrorMessage),
		job.Attempts,
		formatTime(job.CreatedAt),
		formatTime(job.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &domain.ConflictError{ProjectID: job.ProjectID}
		}
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *SQLiteStorage) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// GetActiveJob returns the project's pending or running job
func (s *SQLiteStorage) GetActiveJob(ctx context.Context, projectID string) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE project_id = ? AND status IN ('pending', 'running')
	`, projectID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("active job for project %s: %w", projectID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active job: %w", err)
	}
	return job, nil
}

// ListJobs retrieves jobs matching the filter, newest first
func (s *SQLiteStorage) ListJobs(ctx context.Context, filter *JobFilter) ([]*domain.Job, error) {
	if filter == nil {
		filter = &JobFilter{}
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	where, args := buildJobWhereClause(filter)
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY created_at DESC"
	query += fmt.Sprintf(" LIMIT %d OFFSET %d", limitOrDefault(filter.Limit), filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// TransitionJob changes a job's status only if it is currently in one of
// t.From. It reports whether the transition happened.
func (s *SQLiteStorage) TransitionJob(ctx context.Context, t Transition) (bool, error) {
	if len(t.From) == 0 {
		return false, fmt.Errorf("transition to %s: no source statuses", t.To)
	}

	args := []any{string(t.To), t.StepMessage, nullableString(t.ErrorMessage), formatTime(t.At), t.JobID}
	for _, st := range t.From {
		args = append(args, string(st))
	}

	query := fmt.Sprintf(`
		UPDATE jobs
		SET status = ?, step_message = ?, error_message = COALESCE(?, error_message), updated_at = ?
		WHERE id = ? AND status IN (%s)
	`, placeholders(len(t.From)))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to transition job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// UpdateJobProgress records a heartbeat for a running job. Progress never
// decreases. It reports false when the job is no longer running.
func (s *SQLiteStorage) UpdateJobProgress(ctx context.Context, id string, progress int, step string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET progress = MAX(progress, ?), step_message = ?, updated_at = ?
		WHERE id = ? AND status = 'running'
	`, progress, step, formatTime(at), id)
	if err != nil {
		return false, fmt.Errorf("failed to update job progress: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// CompleteJob persists the accepted chapter, advances the project counter and
// marks the job completed in one transaction. If the job is no longer running
// or the project counter moved, nothing is written.
func (s *SQLiteStorage) CompleteJob(ctx context.Context, jobID string, ch *domain.Chapter, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO chapters (id, project_id, job_id, number, title, content, word_count, score, opening, cliffhanger, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ch.ID,
		ch.ProjectID,
		jobID,
		ch.Number,
		ch.Title,
		ch.Content,
		ch.WordCount,
		ch.Score,
		nullableString(ch.Opening),
		nullableString(ch.Cliffhanger),
		formatTime(ch.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("chapter %d already exists: %w", ch.Number, domain.ErrConflict)
		}
		return fmt.Errorf("failed to insert chapter: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE projects SET current_chapter = ?, updated_at = ?
		WHERE id = ? AND current_chapter = ?
	`, ch.Number, formatTime(at), ch.ProjectID, ch.Number-1)
	if err != nil {
		return fmt.Errorf("failed to advance project: %w", err)
	}
	if err := requireRow(res, fmt.Errorf("project %s is not at chapter %d: %w", ch.ProjectID, ch.Number-1, domain.ErrConflict)); err != nil {
		return err
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE jobs SET status = 'completed', progress = 100, step_message = ?, updated_at = ?
		WHERE id = ? AND status = 'running'
	`, fmt.Sprintf("chapter %d written", ch.Number), formatTime(at), jobID)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	if err := requireRow(res, ErrNotRunning); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Attempts

// RecordAttempt stores one write/critique round and bumps the job's attempt
// counter and heartbeat
func (s *SQLiteStorage) RecordAttempt(ctx context.Context, a *domain.Attempt) error {
	violations, err := json.Marshal(a.Violations)
	if err != nil {
		return fmt.Errorf("failed to encode violations: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO attempts (id, job_id, number, title, score, accepted, word_count, violations, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		a.ID,
		a.JobID,
		a.Number,
		nullableString(a.Title),
		a.Score,
		a.Accepted,
		a.WordCount,
		string(violations),
		formatTime(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert attempt: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET attempts = MAX(attempts, ?), updated_at = ? WHERE id = ?
	`, a.Number, formatTime(a.CreatedAt), a.JobID)
	if err != nil {
		return fmt.Errorf("failed to update job attempts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListAttempts returns a job's attempts in order
func (s *SQLiteStorage) ListAttempts(ctx context.Context, jobID string) ([]*domain.Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, number, title, score, accepted, word_count, violations, created_at
		FROM attempts WHERE job_id = ? ORDER BY number
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*domain.Attempt
	for rows.Next() {
		var a domain.Attempt
		var title, violations sql.NullString
		var createdAt string
		if err := rows.Scan(&a.ID, &a.JobID, &a.Number, &title, &a.Score, &a.Accepted, &a.WordCount, &violations, &createdAt); err != nil {
			return nil, err
		}
		a.Title = title.String
		a.CreatedAt = parseTime(createdAt)
		if violations.Valid && violations.String != "" {
			if err := json.Unmarshal([]byte(violations.String), &a.Violations); err != nil {
				return nil, fmt.Errorf("failed to decode violations: %w", err)
			}
		}
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}

// Chapters

// GetChapter retrieves one chapter with content
func (s *SQLiteStorage) GetChapter(ctx context.Context, projectID string, number int) (*domain.Chapter, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, job_id, number, title, content, word_count, score, opening, cliffhanger, created_at
		FROM chapters WHERE project_id = ? AND number = ?
	`, projectID, number)
	ch, err := scanChapter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chapter %d of project %s: %w", number, projectID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chapter: %w", err)
	}
	return ch, nil
}

// ListChapters returns the most recent q.Limit chapters numbered below
// q.Before, in ascending order. Content is loaded only when requested.
func (s *SQLiteStorage) ListChapters(ctx context.Context, q ChapterQuery) ([]*domain.Chapter, error) {
	if q.Limit <= 0 {
		return nil, nil
	}

	content := "''"
	if q.IncludeContent {
		content = "content"
	}
	query := `
		SELECT id, project_id, job_id, number, title, ` + content + `, word_count, score, opening, cliffhanger, created_at
		FROM chapters WHERE project_id = ?`
	args := []any{q.ProjectID}
	if q.Before > 0 {
		query += " AND number < ?"
		args = append(args, q.Before)
	}
	query += " ORDER BY number DESC LIMIT ?"
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query chapters: %w", err)
	}
	defer rows.Close()

	var chapters []*domain.Chapter
	for rows.Next() {
		ch, err := scanChapter(rows)
		if err != nil {
			return nil, err
		}
		chapters = append(chapters, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Newest-first from the query, callers want reading order
	for i, j := 0, len(chapters)-1; i < j; i, j = i+1, j-1 {
		chapters[i], chapters[j] = chapters[j], chapters[i]
	}
	return chapters, nil
}

// Memory layers

// GetMemory returns the stored document for one layer
func (s *SQLiteStorage) GetMemory(ctx context.Context, projectID string, layer domain.MemoryLayer) (*domain.MemoryRecord, error) {
	var rec domain.MemoryRecord
	var data, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT project_id, layer, data, chapter, updated_at
		FROM memory_layers WHERE project_id = ? AND layer = ?
	`, projectID, string(layer)).Scan(&rec.ProjectID, &rec.Layer, &data, &rec.Chapter, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s for project %s: %w", layer, projectID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get memory layer: %w", err)
	}
	rec.Data = []byte(data)
	rec.UpdatedAt = parseTime(updatedAt)
	return &rec, nil
}

// PutMemory upserts one layer document. A write from an older chapter than
// the stored revision is ignored.
func (s *SQLiteStorage) PutMemory(ctx context.Context, rec *domain.MemoryRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_layers (project_id, layer, data, chapter, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (project_id, layer) DO UPDATE SET
			data = excluded.data,
			chapter = excluded.chapter,
			updated_at = excluded.updated_at
		WHERE excluded.chapter >= memory_layers.chapter
	`, rec.ProjectID, string(rec.Layer), string(rec.Data), rec.Chapter, formatTime(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to put memory layer: %w", err)
	}
	return nil
}

// GetStats returns aggregate statistics
func (s *SQLiteStorage) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{JobsByDay: make(map[string]int)}

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'stopped' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status IN ('pending', 'running') THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(CASE WHEN status = 'completed' THEN attempts END), 0)
		FROM jobs
	`).Scan(
		&stats.TotalJobs,
		&stats.CompletedCount,
		&stats.FailedCount,
		&stats.StoppedCount,
		&stats.ActiveCount,
		&stats.AvgAttempts,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get job stats: %w", err)
	}

	finished := stats.CompletedCount + stats.FailedCount + stats.StoppedCount
	if finished > 0 {
		stats.SuccessRate = float64(stats.CompletedCount) / float64(finished) * 100
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(word_count), 0) FROM chapters
	`).Scan(&stats.TotalChapters, &stats.TotalWords)
	if err != nil {
		return nil, fmt.Errorf("failed to get chapter stats: %w", err)
	}

	// Jobs by day (last 30 days)
	dayRows, err := s.db.QueryContext(ctx, `
		SELECT substr(created_at, 1, 10) AS day, COUNT(*)
		FROM jobs
		WHERE created_at >= ?
		GROUP BY day
		ORDER BY day DESC
	`, formatTime(time.Now().AddDate(0, 0, -30)))
	if err != nil {
		return nil, fmt.Errorf("failed to get jobs by day: %w", err)
	}
	defer dayRows.Close()

	for dayRows.Next() {
		var day string
		var count int
		if err := dayRows.Scan(&day, &count); err != nil {
			return nil, err
		}
		stats.JobsByDay[day] = count
	}
	if err := dayRows.Err(); err != nil {
		return nil, err
	}

	stats.RecentJobs, err = s.ListJobs(ctx, &JobFilter{Limit: 10})
	if err != nil {
		return nil, fmt.Errorf("failed to get recent jobs: %w", err)
	}

	return stats, nil
}

// Helper functions

type scanner interface {
	Scan(dest ...any) error
}

func scanProject(row scanner) (*domain.Project, error) {
	var p domain.Project
	var synopsis, storyBible, masterOutline sql.NullString
	var status, createdAt, updatedAt string

	err := row.Scan(
		&p.ID,
		&p.Title,
		&p.Genre,
		&synopsis,
		&p.CurrentChapter,
		&p.TotalChapters,
		&status,
		&storyBible,
		&masterOutline,
		&p.TargetWordCount,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Status = domain.ProjectStatus(status)
	p.Synopsis = synopsis.String
	p.StoryBible = storyBible.String
	p.MasterOutline = masterOutline.String
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

func scanJob(row scanner) (*domain.Job, error) {
	var job domain.Job
	var step, errMsg sql.NullString
	var status, createdAt, updatedAt string

	err := row.Scan(
		&job.ID,
		&job.ProjectID,
		&job.ChapterNumber,
		&status,
		&job.Progress,
		&step,
		&errMsg,
		&job.Attempts,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Status = domain.JobStatus(status)
	job.StepMessage = step.String
	job.ErrorMessage = errMsg.String
	job.CreatedAt = parseTime(createdAt)
	job.UpdatedAt = parseTime(updatedAt)
	return &job, nil
}

func scanChapter(row scanner) (*domain.Chapter, error) {
	var ch domain.Chapter
	var opening, cliffhanger sql.NullString
	var createdAt string

	err := row.Scan(
		&ch.ID,
		&ch.ProjectID,
		&ch.JobID,
		&ch.Number,
		&ch.Title,
		&ch.Content,
		&ch.WordCount,
		&ch.Score,
		&opening,
		&cliffhanger,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	ch.Opening = opening.String
	ch.Cliffhanger = cliffhanger.String
	ch.CreatedAt = parseTime(createdAt)
	return &ch, nil
}

func buildJobWhereClause(filter *JobFilter) (string, []any) {
	var conditions []string
	var args []any

	if filter.ProjectID != "" {
		conditions = append(conditions, "project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if len(filter.Statuses) > 0 {
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", placeholders(len(filter.Statuses))))
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.UpdatedBefore != nil {
		conditions = append(conditions, "updated_at < ?")
		args = append(args, formatTime(*filter.UpdatedBefore))
	}

	return strings.Join(conditions, " AND "), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Timestamps are stored as fixed-width UTC strings so they sort lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// GetDatabasePath returns the default database path
func GetDatabasePath(dataDir string) string {
	return filepath.Join(dataDir, "serialforge.db")
}
