package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data. Without this, each pooled connection gets a separate
	// empty database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read/write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT UNIQUE NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'viewer',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS incidents (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			severity TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'investigating',
			created_by TEXT NOT NULL REFERENCES users(id),
			commander TEXT NOT NULL DEFAULT '',
			assignees TEXT NOT NULL DEFAULT '[]',
			version INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			resolved_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS updates (
			id TEXT PRIMARY KEY,
			incident_id TEXT NOT NULL REFERENCES incidents(id),
			author_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_updates_incident ON updates(incident_id, created_at, id)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_status ON incidents(status)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_severity ON incidents(severity)`,
		`CREATE TABLE IF NOT EXISTS presence (
			user_id TEXT NOT NULL,
			incident_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT 'viewer',
			last_active_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (user_id, incident_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_presence_session ON presence(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_presence_incident ON presence(incident_id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Users ---

func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, email, name, password_hash, role, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		user.ID, user.Email, user.Name, user.PasswordHash, user.Role, user.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		"SELECT id, email, name, password_hash, role, created_at FROM users WHERE email = ?", email))
}

func (s *SQLiteStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		"SELECT id, email, name, password_hash, role, created_at FROM users WHERE id = ?", id))
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *SQLiteStore) ListUsers(ctx context.Context, role string) ([]User, error) {
	query := "SELECT id, email, name, password_hash, role, created_at FROM users"
	args := []any{}
	if role != "" {
		query += " WHERE role = ?"
		args = append(args, role)
	}
	query += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.Role, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *SQLiteStore) UpdateUserRole(ctx context.Context, id, role string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE users SET role = ? WHERE id = ?", role, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// --- Incidents ---

func (s *SQLiteStore) CreateIncident(ctx context.Context, inc *Incident, seed *Update) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	assignees, err := json.Marshal(inc.Assignees)
	if err != nil {
		return fmt.Errorf("marshal assignees: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO incidents (id, title, description, severity, status, created_by, commander, assignees, version, created_at, updated_at, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inc.ID, inc.Title, inc.Description, inc.Severity, inc.Status, inc.CreatedBy,
		inc.Commander, string(assignees), inc.Version, inc.CreatedAt, inc.UpdatedAt, nullTime(inc.ResolvedAt),
	)
	if err != nil {
		return err
	}

	if err := insertUpdate(ctx, tx, seed); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLiteStore) GetIncident(ctx context.Context, id string) (*Incident, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, description, severity, status, created_by, commander, assignees, version, created_at, updated_at, resolved_at
		 FROM incidents WHERE id = ?`, id)
	return scanIncident(row.Scan)
}

func scanIncident(scan func(...any) error) (*Incident, error) {
	var inc Incident
	var assignees string
	var resolvedAt sql.NullTime
	err := scan(&inc.ID, &inc.Title, &inc.Description, &inc.Severity, &inc.Status,
		&inc.CreatedBy, &inc.Commander, &assignees, &inc.Version,
		&inc.CreatedAt, &inc.UpdatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(assignees), &inc.Assignees); err != nil {
		return nil, fmt.Errorf("unmarshal assignees: %w", err)
	}
	if inc.Assignees == nil {
		inc.Assignees = []string{}
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		inc.ResolvedAt = &t
	}
	return &inc, nil
}

func (s *SQLiteStore) ListIncidents(ctx context.Context, filter IncidentFilter) ([]Incident, error) {
	query := `SELECT id, title, description, severity, status, created_by, commander, assignees, version, created_at, updated_at, resolved_at
		 FROM incidents`
	var conds []string
	var args []any
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Severity != "" {
		conds = append(conds, "severity = ?")
		args = append(args, filter.Severity)
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var incidents []Incident
	for rows.Next() {
		inc, err := scanIncident(rows.Scan)
		if err != nil {
			return nil, err
		}
		incidents = append(incidents, *inc)
	}
	return incidents, rows.Err()
}

func (s *SQLiteStore) SaveIncidentUpdate(ctx context.Context, inc *Incident, upd *Update) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	assignees, err := json.Marshal(inc.Assignees)
	if err != nil {
		return fmt.Errorf("marshal assignees: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE incidents SET status = ?, commander = ?, assignees = ?, updated_at = ?, resolved_at = ?, version = version + 1
		 WHERE id = ? AND version = ?`,
		inc.Status, inc.Commander, string(assignees), inc.UpdatedAt, nullTime(inc.ResolvedAt),
		inc.ID, inc.Version,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}
	inc.Version++

	if err := insertUpdate(ctx, tx, upd); err != nil {
		return err
	}

	return tx.Commit()
}

// --- Updates ---

func insertUpdate(ctx context.Context, tx *sql.Tx, upd *Update) error {
	content, err := json.Marshal(upd.Content)
	if err != nil {
		return fmt.Errorf("marshal update content: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO updates (id, incident_id, author_id, kind, content, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		upd.ID, upd.IncidentID, upd.AuthorID, upd.Kind, string(content), upd.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetUpdate(ctx context.Context, id string) (*Update, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, incident_id, author_id, kind, content, created_at FROM updates WHERE id = ?", id)
	return scanUpdate(row.Scan)
}

func scanUpdate(scan func(...any) error) (*Update, error) {
	var u Update
	var content string
	err := scan(&u.ID, &u.IncidentID, &u.AuthorID, &u.Kind, &content, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.Content, err = DecodeContent(u.Kind, []byte(content))
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *SQLiteStore) ListUpdates(ctx context.Context, incidentID string) ([]Update, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, incident_id, author_id, kind, content, created_at FROM updates WHERE incident_id = ? ORDER BY created_at, id",
		incidentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var updates []Update
	for rows.Next() {
		u, err := scanUpdate(rows.Scan)
		if err != nil {
			return nil, err
		}
		updates = append(updates, *u)
	}
	return updates, rows.Err()
}

func (s *SQLiteStore) SetActionItemCompleted(ctx context.Context, updateID string, completed bool) (*Update, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		"SELECT id, incident_id, author_id, kind, content, created_at FROM updates WHERE id = ?", updateID)
	u, err := scanUpdate(row.Scan)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, nil
	}
	item, ok := u.Content.(ActionItemContent)
	if !ok {
		return nil, fmt.Errorf("update %s is not an action item", updateID)
	}

	item.Completed = completed
	u.Content = item
	content, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("marshal update content: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE updates SET content = ? WHERE id = ?", string(content), updateID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return u, nil
}

// --- Presence ---

func (s *SQLiteStore) UpsertPresence(ctx context.Context, p *Presence) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO presence (user_id, incident_id, session_id, name, role, last_active_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, incident_id) DO UPDATE SET
			session_id = excluded.session_id,
			name = excluded.name,
			role = excluded.role,
			last_active_at = excluded.last_active_at`,
		p.UserID, p.IncidentID, p.SessionID, p.Name, p.Role, p.LastActiveAt,
	)
	return err
}

func (s *SQLiteStore) DeletePresence(ctx context.Context, userID, incidentID, sessionID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM presence WHERE user_id = ? AND incident_id = ? AND session_id = ?",
		userID, incidentID, sessionID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) DeletePresenceBySession(ctx context.Context, sessionID string) ([]Presence, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT user_id, incident_id, session_id, name, role, last_active_at FROM presence WHERE session_id = ?",
		sessionID)
	if err != nil {
		return nil, err
	}
	removed, err := collectPresence(rows)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM presence WHERE session_id = ?", sessionID); err != nil {
		return nil, err
	}
	return removed, nil
}

func (s *SQLiteStore) TouchPresenceBySession(ctx context.Context, sessionID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE presence SET last_active_at = ? WHERE session_id = ?", at, sessionID)
	return err
}

func (s *SQLiteStore) ListPresence(ctx context.Context, incidentID string, activeSince time.Time) ([]Presence, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, incident_id, session_id, name, role, last_active_at FROM presence
		 WHERE incident_id = ? AND last_active_at >= ? ORDER BY last_active_at`,
		incidentID, activeSince)
	if err != nil {
		return nil, err
	}
	return collectPresence(rows)
}

func (s *SQLiteStore) PurgeStalePresence(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM presence WHERE last_active_at < ?", before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func collectPresence(rows *sql.Rows) ([]Presence, error) {
	defer func() { _ = rows.Close() }()
	var entries []Presence
	for rows.Next() {
		var p Presence
		if err := rows.Scan(&p.UserID, &p.IncidentID, &p.SessionID, &p.Name, &p.Role, &p.LastActiveAt); err != nil {
			return nil, err
		}
		entries = append(entries, p)
	}
	return entries, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
