package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT UNIQUE NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'viewer',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS incidents (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			severity TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'investigating',
			created_by TEXT NOT NULL REFERENCES users(id),
			commander TEXT NOT NULL DEFAULT '',
			assignees JSONB NOT NULL DEFAULT '[]',
			version BIGINT NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			resolved_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS updates (
			id TEXT PRIMARY KEY,
			incident_id TEXT NOT NULL REFERENCES incidents(id),
			author_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			content JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
			last_active_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, email, name, password_hash, role, created_at) VALUES ($1, $2, $3, $4, $5, $6)",
		user.ID, user.Email, user.Name, user.PasswordHash, user.Role, user.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		"SELECT id, email, name, password_hash, role, created_at FROM users WHERE email = $1", email))
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		"SELECT id, email, name, password_hash, role, created_at FROM users WHERE id = $1", id))
}

func (s *PostgresStore) ListUsers(ctx context.Context, role string) ([]User, error) {
	query := "SELECT id, email, name, password_hash, role, created_at FROM users"
	args := []any{}
	if role != "" {
		query += " WHERE role = $1"
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

func (s *PostgresStore) UpdateUserRole(ctx context.Context, id, role string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE users SET role = $1 WHERE id = $2", role, id)
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

func (s *PostgresStore) CreateIncident(ctx context.Context, inc *Incident, seed *Update) error {
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		inc.ID, inc.Title, inc.Description, inc.Severity, inc.Status, inc.CreatedBy,
		inc.Commander, string(assignees), inc.Version, inc.CreatedAt, inc.UpdatedAt, nullTime(inc.ResolvedAt),
	)
	if err != nil {
		return err
	}

	if err := pgInsertUpdate(ctx, tx, seed); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *PostgresStore) GetIncident(ctx context.Context, id string) (*Incident, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, description, severity, status, created_by, commander, assignees::TEXT, version, created_at, updated_at, resolved_at
		 FROM incidents WHERE id = $1`, id)
	return scanIncident(row.Scan)
}

func (s *PostgresStore) ListIncidents(ctx context.Context, filter IncidentFilter) ([]Incident, error) {
	query := `SELECT id, title, description, severity, status, created_by, commander, assignees::TEXT, version, created_at, updated_at, resolved_at
		 FROM incidents`
	var args []any
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" WHERE status = $%d", len(args))
	}
	if filter.Severity != "" {
		args = append(args, filter.Severity)
		if len(args) == 1 {
			query += " WHERE"
		} else {
			query += " AND"
		}
		query += fmt.Sprintf(" severity = $%d", len(args))
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

func (s *PostgresStore) SaveIncidentUpdate(ctx context.Context, inc *Incident, upd *Update) error {
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
		`UPDATE incidents SET status = $1, commander = $2, assignees = $3, updated_at = $4, resolved_at = $5, version = version + 1
		 WHERE id = $6 AND version = $7`,
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

	if err := pgInsertUpdate(ctx, tx, upd); err != nil {
		return err
	}

	return tx.Commit()
}

// --- Updates ---

func pgInsertUpdate(ctx context.Context, tx *sql.Tx, upd *Update) error {
	content, err := json.Marshal(upd.Content)
	if err != nil {
		return fmt.Errorf("marshal update content: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO updates (id, incident_id, author_id, kind, content, created_at) VALUES ($1, $2, $3, $4, $5, $6)",
		upd.ID, upd.IncidentID, upd.AuthorID, upd.Kind, string(content), upd.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetUpdate(ctx context.Context, id string) (*Update, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, incident_id, author_id, kind, content::TEXT, created_at FROM updates WHERE id = $1", id)
	return scanUpdate(row.Scan)
}

func (s *PostgresStore) ListUpdates(ctx context.Context, incidentID string) ([]Update, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, incident_id, author_id, kind, content::TEXT, created_at FROM updates WHERE incident_id = $1 ORDER BY created_at, id",
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

func (s *PostgresStore) SetActionItemCompleted(ctx context.Context, updateID string, completed bool) (*Update, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		"SELECT id, incident_id, author_id, kind, content::TEXT, created_at FROM updates WHERE id = $1 FOR UPDATE", updateID)
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
		"UPDATE updates SET content = $1 WHERE id = $2", string(content), updateID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return u, nil
}

// --- Presence ---

func (s *PostgresStore) UpsertPresence(ctx context.Context, p *Presence) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO presence (user_id, incident_id, session_id, name, role, last_active_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT(user_id, incident_id) DO UPDATE SET
			session_id = EXCLUDED.session_id,
			name = EXCLUDED.name,
			role = EXCLUDED.role,
			last_active_at = EXCLUDED.last_active_at`,
		p.UserID, p.IncidentID, p.SessionID, p.Name, p.Role, p.LastActiveAt,
	)
	return err
}

func (s *PostgresStore) DeletePresence(ctx context.Context, userID, incidentID, sessionID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM presence WHERE user_id = $1 AND incident_id = $2 AND session_id = $3",
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

func (s *PostgresStore) DeletePresenceBySession(ctx context.Context, sessionID string) ([]Presence, error) {
	rows, err := s.db.QueryContext(ctx,
		`DELETE FROM presence WHERE session_id = $1
		 RETURNING user_id, incident_id, session_id, name, role, last_active_at`,
		sessionID)
	if err != nil {
		return nil, err
	}
	return collectPresence(rows)
}

func (s *PostgresStore) TouchPresenceBySession(ctx context.Context, sessionID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE presence SET last_active_at = $1 WHERE session_id = $2", at, sessionID)
	return err
}

func (s *PostgresStore) ListPresence(ctx context.Context, incidentID string, activeSince time.Time) ([]Presence, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, incident_id, session_id, name, role, last_active_at FROM presence
		 WHERE incident_id = $1 AND last_active_at >= $2 ORDER BY last_active_at`,
		incidentID, activeSince)
	if err != nil {
		return nil, err
	}
	return collectPresence(rows)
}

func (s *PostgresStore) PurgeStalePresence(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM presence WHERE last_active_at < $1", before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
