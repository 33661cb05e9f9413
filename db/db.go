package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sorenmh/infrastructure-shared/mergebot/models"
)

// Database is the audit log of deploy sessions and their merge outcomes.
// Live session state is held in memory; this store only records history.
type Database struct {
	db *sql.DB
}

func New(path string) (*Database, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	d := &Database{db: db}
	if err := d.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return d, nil
}

func (d *Database) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		deployable TEXT NOT NULL,
		environment TEXT NOT NULL,
		requester_id TEXT NOT NULL,
		state TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		completed_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_deployable ON sessions(deployable, environment);
	CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON sessions(created_at DESC);

	CREATE TABLE IF NOT EXISTS merge_jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		repository TEXT NOT NULL,
		base_branch TEXT NOT NULL,
		target_branch TEXT NOT NULL,
		status TEXT NOT NULL,
		reason TEXT,
		detail TEXT,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE INDEX IF NOT EXISTS idx_merge_jobs_session ON merge_jobs(session_id);
	`

	_, err := d.db.Exec(schema)
	return err
}

func (d *Database) CreateSession(view models.SessionView) error {
	_, err := d.db.Exec(`
		INSERT INTO sessions (id, deployable, environment, requester_id, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, view.ID, view.Deployable, view.Environment, view.RequesterID, string(view.State), view.CreatedAt)

	return err
}

func (d *Database) UpdateSessionState(id string, state models.SessionState) error {
	if state.Terminal() {
		_, err := d.db.Exec(`UPDATE sessions SET state = ?, completed_at = ? WHERE id = ?`,
			string(state), time.Now(), id)
		return err
	}
	_, err := d.db.Exec(`UPDATE sessions SET state = ? WHERE id = ?`, string(state), id)
	return err
}

func (d *Database) RecordMergeJobs(sessionID string, jobs []models.MergeJob) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}

	for _, j := range jobs {
		_, err := tx.Exec(`
			INSERT INTO merge_jobs (session_id, repository, base_branch, target_branch, status, reason, detail)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, sessionID, j.Repository, j.BaseBranch, j.TargetBranch, string(j.Status), string(j.Reason), j.Detail)
		if err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// GetSession returns an archived session, or nil if it was never recorded.
func (d *Database) GetSession(id string) (*models.SessionView, error) {
	var view models.SessionView
	var state string
	var completedAt sql.NullTime

	err := d.db.QueryRow(`
		SELECT id, deployable, environment, requester_id, state, created_at, completed_at
		FROM sessions WHERE id = ?
	`, id).Scan(&view.ID, &view.Deployable, &view.Environment, &view.RequesterID, &state, &view.CreatedAt, &completedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	view.State = models.SessionState(state)

	jobs, err := d.getMergeJobs(id)
	if err != nil {
		return nil, err
	}
	view.Jobs = jobs

	return &view, nil
}

func (d *Database) getMergeJobs(sessionID string) ([]models.MergeJob, error) {
	rows, err := d.db.Query(`
		SELECT repository, base_branch, target_branch, status, reason, detail
		FROM merge_jobs WHERE session_id = ? ORDER BY id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []models.MergeJob
	for rows.Next() {
		var j models.MergeJob
		var status, reason string
		if err := rows.Scan(&j.Repository, &j.BaseBranch, &j.TargetBranch, &status, &reason, &j.Detail); err != nil {
			return nil, err
		}
		j.Status = models.JobStatus(status)
		j.Reason = models.FailureReason(reason)
		jobs = append(jobs, j)
	}

	return jobs, rows.Err()
}

// GetSessions lists archived sessions, most recent first.
func (d *Database) GetSessions(limit, offset int) ([]models.SessionView, int, error) {
	var total int
	if err := d.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := d.db.Query(`
		SELECT id, deployable, environment, requester_id, state, created_at
		FROM sessions
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var sessions []models.SessionView
	for rows.Next() {
		var view models.SessionView
		var state string
		if err := rows.Scan(&view.ID, &view.Deployable, &view.Environment, &view.RequesterID, &state, &view.CreatedAt); err != nil {
			return nil, 0, err
		}
		view.State = models.SessionState(state)
		sessions = append(sessions, view)
	}

	return sessions, total, rows.Err()
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) Ping() error {
	return d.db.Ping()
}
