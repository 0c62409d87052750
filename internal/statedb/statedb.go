package statedb

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SchemaVersion tracks the current database schema version.
// Bump this when adding migrations.
const SchemaVersion = 1

var (
	// ErrNotFound is returned when a project or agent does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidID is returned for project or agent ids outside [A-Za-z0-9_-].
	ErrInvalidID = errors.New("invalid id")
)

// Ids end up in hook file names ("<project>.<agent>.json") and in log
// labels ("project:agent"), so separators and path characters are refused.
var validID = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateID reports whether id may name a project or agent.
func ValidateID(id string) error {
	if !validID.MatchString(id) {
		return fmt.Errorf("%w %q: use letters, digits, '-' or '_'", ErrInvalidID, id)
	}
	return nil
}

// StateDB wraps the SQLite registry of projects and agents.
// Safe for concurrent use within one process; the CLI and the daemon can
// share the file through WAL mode and the busy timeout.
type StateDB struct {
	db  *sql.DB
	pid int
}

// ProjectRow is a registered project. Each project owns one tmux session.
type ProjectRow struct {
	ID          string
	TmuxSession string
	WorkDir     string
	CreatedAt   time.Time
}

// AgentRow is one agent window inside a project session.
type AgentRow struct {
	ProjectID    string
	AgentID      string
	Window       string
	ChannelID    string
	Command      string
	EventHooks   bool
	VerifySubmit bool
	Enabled      bool
	CreatedAt    time.Time
}

// TargetRow is an enabled agent joined with its project.
type TargetRow struct {
	AgentRow
	TmuxSession string
	WorkDir     string
}

// Open creates or opens a SQLite database at dbPath with WAL mode and busy timeout.
func Open(dbPath string) (*StateDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("statedb: mkdir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("statedb: open: %w", err)
	}

	pragmas := []struct{ name, stmt string }{
		{"wal mode", "PRAGMA journal_mode=WAL"},
		{"busy timeout", "PRAGMA busy_timeout=5000"},
		{"foreign keys", "PRAGMA foreign_keys=ON"},
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p.stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("statedb: %s: %w", p.name, err)
		}
	}
	// foreign_keys is per connection
	db.SetMaxOpenConns(1)

	return &StateDB{db: db, pid: os.Getpid()}, nil
}

// Close checkpoints WAL and closes the database.
func (s *StateDB) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// DB returns the underlying sql.DB for tests.
func (s *StateDB) DB() *sql.DB {
	return s.db
}

// Migrate creates tables if they don't exist.
func (s *StateDB) Migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	tables := []struct{ name, ddl string }{
		{"metadata", `
			CREATE TABLE IF NOT EXISTS metadata (
				key   TEXT PRIMARY KEY,
				value TEXT NOT NULL
			)`},
		{"projects", `
			CREATE TABLE IF NOT EXISTS projects (
				id           TEXT PRIMARY KEY,
				tmux_session TEXT NOT NULL,
				work_dir     TEXT NOT NULL DEFAULT '',
				created_at   INTEGER NOT NULL
			)`},
		{"agents", `
			CREATE TABLE IF NOT EXISTS agents (
				project_id    TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
				agent_id      TEXT NOT NULL,
				window        TEXT NOT NULL,
				channel_id    TEXT NOT NULL DEFAULT '',
				command       TEXT NOT NULL DEFAULT '',
				event_hooks   INTEGER NOT NULL DEFAULT 0,
				verify_submit INTEGER NOT NULL DEFAULT 0,
				enabled       INTEGER NOT NULL DEFAULT 1,
				created_at    INTEGER NOT NULL,
				PRIMARY KEY (project_id, agent_id)
			)`},
		{"deliveries", `
			CREATE TABLE IF NOT EXISTS deliveries (
				id         TEXT PRIMARY KEY,
				project_id TEXT NOT NULL,
				agent_id   TEXT NOT NULL,
				channel_id TEXT NOT NULL DEFAULT '',
				direction  TEXT NOT NULL,
				kind       TEXT NOT NULL,
				result     TEXT NOT NULL,
				detail     TEXT NOT NULL DEFAULT '',
				created_at INTEGER NOT NULL
			)`},
		{"deliveries index", `
			CREATE INDEX IF NOT EXISTS deliveries_created ON deliveries (created_at)`},
		{"push subscriptions", `
			CREATE TABLE IF NOT EXISTS push_subscriptions (
				endpoint   TEXT PRIMARY KEY,
				p256dh     TEXT NOT NULL,
				auth       TEXT NOT NULL,
				created_at INTEGER NOT NULL
			)`},
		{"heartbeats", `
			CREATE TABLE IF NOT EXISTS daemon_heartbeats (
				pid        INTEGER PRIMARY KEY,
				started    INTEGER NOT NULL,
				heartbeat  INTEGER NOT NULL,
				is_primary INTEGER NOT NULL DEFAULT 0
			)`},
	}
	for _, t := range tables {
		if _, err := tx.Exec(t.ddl); err != nil {
			return fmt.Errorf("statedb: create %s: %w", t.name, err)
		}
	}

	if _, err := tx.Exec(
		`INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)`,
		fmt.Sprintf("%d", SchemaVersion),
	); err != nil {
		return fmt.Errorf("statedb: set schema version: %w", err)
	}

	return tx.Commit()
}

// --- Projects ---

// SaveProject inserts or updates a project.
func (s *StateDB) SaveProject(p *ProjectRow) error {
	if p.ID == "" || p.TmuxSession == "" {
		return fmt.Errorf("statedb: project id and tmux session are required")
	}
	if err := ValidateID(p.ID); err != nil {
		return err
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO projects (id, tmux_session, work_dir, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET tmux_session = excluded.tmux_session, work_dir = excluded.work_dir
	`, p.ID, p.TmuxSession, p.WorkDir, p.CreatedAt.Unix())
	if err != nil {
		return err
	}
	return s.Touch()
}

// GetProject returns one project or ErrNotFound.
func (s *StateDB) GetProject(id string) (*ProjectRow, error) {
	var (
		p       ProjectRow
		created int64
	)
	err := s.db.QueryRow(
		"SELECT id, tmux_session, work_dir, created_at FROM projects WHERE id = ?", id,
	).Scan(&p.ID, &p.TmuxSession, &p.WorkDir, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	p.CreatedAt = time.Unix(created, 0)
	return &p, nil
}

// ListProjects returns all projects ordered by id.
func (s *StateDB) ListProjects() ([]*ProjectRow, error) {
	rows, err := s.db.Query("SELECT id, tmux_session, work_dir, created_at FROM projects ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*ProjectRow
	for rows.Next() {
		var (
			p       ProjectRow
			created int64
		)
		if err := rows.Scan(&p.ID, &p.TmuxSession, &p.WorkDir, &created); err != nil {
			return nil, err
		}
		p.CreatedAt = time.Unix(created, 0)
		result = append(result, &p)
	}
	return result, rows.Err()
}

// DeleteProject removes a project and its agents.
func (s *StateDB) DeleteProject(id string) error {
	res, err := s.db.Exec("DELETE FROM projects WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %q: %w", id, ErrNotFound)
	}
	return s.Touch()
}

// --- Agents ---

const agentColumns = `project_id, agent_id, window, channel_id, command,
	event_hooks, verify_submit, enabled, created_at`

// SaveAgent inserts or replaces an agent. The project must exist.
func (s *StateDB) SaveAgent(a *AgentRow) error {
	if a.ProjectID == "" || a.AgentID == "" {
		return fmt.Errorf("statedb: project id and agent id are required")
	}
	if err := ValidateID(a.ProjectID); err != nil {
		return err
	}
	if err := ValidateID(a.AgentID); err != nil {
		return err
	}
	if a.Window == "" {
		a.Window = a.AgentID
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	if _, err := s.GetProject(a.ProjectID); err != nil {
		return err
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO agents (`+agentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		a.ProjectID, a.AgentID, a.Window, a.ChannelID, a.Command,
		boolToInt(a.EventHooks), boolToInt(a.VerifySubmit), boolToInt(a.Enabled), a.CreatedAt.Unix(),
	)
	if err != nil {
		return err
	}
	return s.Touch()
}

// GetAgent returns one agent or ErrNotFound.
func (s *StateDB) GetAgent(projectID, agentID string) (*AgentRow, error) {
	row := s.db.QueryRow(
		"SELECT "+agentColumns+" FROM agents WHERE project_id = ? AND agent_id = ?",
		projectID, agentID,
	)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s:%s: %w", projectID, agentID, ErrNotFound)
	}
	return a, err
}

// ListAgents returns the agents of a project, or of every project when
// projectID is empty.
func (s *StateDB) ListAgents(projectID string) ([]*AgentRow, error) {
	query := "SELECT " + agentColumns + " FROM agents"
	var args []any
	if projectID != "" {
		query += " WHERE project_id = ?"
		args = append(args, projectID)
	}
	query += " ORDER BY project_id, agent_id"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*AgentRow
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// DeleteAgent removes an agent.
func (s *StateDB) DeleteAgent(projectID, agentID string) error {
	res, err := s.db.Exec("DELETE FROM agents WHERE project_id = ? AND agent_id = ?", projectID, agentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent %s:%s: %w", projectID, agentID, ErrNotFound)
	}
	return s.Touch()
}

// UpdateAgentField updates a single column of an agent.
func (s *StateDB) UpdateAgentField(projectID, agentID, field string, value any) error {
	switch field {
	case "channel_id", "command", "window", "event_hooks", "verify_submit", "enabled":
	default:
		return fmt.Errorf("statedb: field %q cannot be updated", field)
	}
	if b, ok := value.(bool); ok {
		value = boolToInt(b)
	}
	res, err := s.db.Exec(
		"UPDATE agents SET "+field+" = ? WHERE project_id = ? AND agent_id = ?",
		value, projectID, agentID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent %s:%s: %w", projectID, agentID, ErrNotFound)
	}
	return s.Touch()
}

// ListTargets returns every enabled agent joined with its project. It reads
// the tables on every call so registry edits apply on the next poll tick.
func (s *StateDB) ListTargets() ([]TargetRow, error) {
	rows, err := s.db.Query(`
		SELECT a.project_id, a.agent_id, a.window, a.channel_id, a.command,
		       a.event_hooks, a.verify_submit, a.enabled, a.created_at,
		       p.tmux_session, p.work_dir
		FROM agents a JOIN projects p ON p.id = a.project_id
		WHERE a.enabled = 1
		ORDER BY a.project_id, a.agent_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []TargetRow
	for rows.Next() {
		var (
			t                               TargetRow
			hooks, verify, enabled, created int64
		)
		if err := rows.Scan(
			&t.ProjectID, &t.AgentID, &t.Window, &t.ChannelID, &t.Command,
			&hooks, &verify, &enabled, &created,
			&t.TmuxSession, &t.WorkDir,
		); err != nil {
			return nil, err
		}
		t.EventHooks = hooks != 0
		t.VerifySubmit = verify != 0
		t.Enabled = enabled != 0
		t.CreatedAt = time.Unix(created, 0)
		result = append(result, t)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row scanner) (*AgentRow, error) {
	var (
		a                               AgentRow
		hooks, verify, enabled, created int64
	)
	if err := row.Scan(
		&a.ProjectID, &a.AgentID, &a.Window, &a.ChannelID, &a.Command,
		&hooks, &verify, &enabled, &created,
	); err != nil {
		return nil, err
	}
	a.EventHooks = hooks != 0
	a.VerifySubmit = verify != 0
	a.Enabled = enabled != 0
	a.CreatedAt = time.Unix(created, 0)
	return &a, nil
}

// --- Deliveries ---

// Delivery directions.
const (
	DirectionOut = "out" // agent to chat
	DirectionIn  = "in"  // chat to agent
)

// DeliveryRow records one message that crossed the bridge.
type DeliveryRow struct {
	ID        string
	ProjectID string
	AgentID   string
	ChannelID string
	Direction string
	Kind      string
	Result    string
	Detail    string
	CreatedAt time.Time
}

// RecordDelivery appends a delivery and returns its id.
func (s *StateDB) RecordDelivery(d *DeliveryRow) (string, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO deliveries (id, project_id, agent_id, channel_id, direction, kind, result, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.ProjectID, d.AgentID, d.ChannelID, d.Direction, d.Kind, d.Result, d.Detail, d.CreatedAt.UnixNano())
	if err != nil {
		return "", err
	}
	return d.ID, nil
}

// RecentDeliveries returns the newest deliveries first.
func (s *StateDB) RecentDeliveries(limit int) ([]*DeliveryRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, project_id, agent_id, channel_id, direction, kind, result, detail, created_at
		FROM deliveries ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*DeliveryRow
	for rows.Next() {
		var (
			d       DeliveryRow
			created int64
		)
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.AgentID, &d.ChannelID, &d.Direction,
			&d.Kind, &d.Result, &d.Detail, &created); err != nil {
			return nil, err
		}
		d.CreatedAt = time.Unix(0, created)
		result = append(result, &d)
	}
	return result, rows.Err()
}

// PruneDeliveries deletes deliveries older than maxAge and returns how many went.
func (s *StateDB) PruneDeliveries(maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).UnixNano()
	res, err := s.db.Exec("DELETE FROM deliveries WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Push subscriptions ---

// PushSubscriptionRow is a stored Web Push subscription.
type PushSubscriptionRow struct {
	Endpoint  string
	P256dh    string
	Auth      string
	CreatedAt time.Time
}

// SavePushSubscription inserts or refreshes a subscription keyed by endpoint.
func (s *StateDB) SavePushSubscription(sub *PushSubscriptionRow) error {
	if strings.TrimSpace(sub.Endpoint) == "" {
		return fmt.Errorf("statedb: push endpoint is required")
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO push_subscriptions (endpoint, p256dh, auth, created_at)
		VALUES (?, ?, ?, ?)
	`, sub.Endpoint, sub.P256dh, sub.Auth, sub.CreatedAt.Unix())
	return err
}

// DeletePushSubscription removes a subscription. Missing endpoints are ignored.
func (s *StateDB) DeletePushSubscription(endpoint string) error {
	_, err := s.db.Exec("DELETE FROM push_subscriptions WHERE endpoint = ?", endpoint)
	return err
}

// ListPushSubscriptions returns all subscriptions.
func (s *StateDB) ListPushSubscriptions() ([]*PushSubscriptionRow, error) {
	rows, err := s.db.Query("SELECT endpoint, p256dh, auth, created_at FROM push_subscriptions ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*PushSubscriptionRow
	for rows.Next() {
		var (
			sub     PushSubscriptionRow
			created int64
		)
		if err := rows.Scan(&sub.Endpoint, &sub.P256dh, &sub.Auth, &created); err != nil {
			return nil, err
		}
		sub.CreatedAt = time.Unix(created, 0)
		result = append(result, &sub)
	}
	return result, rows.Err()
}

// --- Daemon heartbeat ---

// RegisterDaemon records this process as a running daemon.
func (s *StateDB) RegisterDaemon() error {
	now := time.Now().Unix()
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO daemon_heartbeats (pid, started, heartbeat, is_primary)
		VALUES (?, ?, ?, 0)
	`, s.pid, now, now)
	return err
}

// Heartbeat updates the heartbeat timestamp for this process.
func (s *StateDB) Heartbeat() error {
	_, err := s.db.Exec(
		"UPDATE daemon_heartbeats SET heartbeat = ? WHERE pid = ?",
		time.Now().Unix(), s.pid,
	)
	return err
}

// UnregisterDaemon removes this process from the heartbeat table.
func (s *StateDB) UnregisterDaemon() error {
	_, err := s.db.Exec("DELETE FROM daemon_heartbeats WHERE pid = ?", s.pid)
	return err
}

// CleanDeadDaemons removes heartbeat entries older than timeout.
func (s *StateDB) CleanDeadDaemons(timeout time.Duration) error {
	cutoff := time.Now().Add(-timeout).Unix()
	_, err := s.db.Exec("DELETE FROM daemon_heartbeats WHERE heartbeat < ?", cutoff)
	return err
}

// AliveDaemonCount returns how many daemons have a heartbeat within timeout.
func (s *StateDB) AliveDaemonCount(timeout time.Duration) (int, error) {
	var count int
	cutoff := time.Now().Add(-timeout).Unix()
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM daemon_heartbeats WHERE heartbeat >= ?", cutoff,
	).Scan(&count)
	return count, err
}

// ElectPrimary makes this daemon the primary unless another live daemon
// already is. Only the primary polls and answers chat, so two daemons on the
// same registry never double-notify. Returns true if this process is primary.
func (s *StateDB) ElectPrimary(timeout time.Duration) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("statedb: begin elect: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cutoff := time.Now().Add(-timeout).Unix()

	if _, err := tx.Exec(
		"UPDATE daemon_heartbeats SET is_primary = 0 WHERE heartbeat < ? AND is_primary = 1",
		cutoff,
	); err != nil {
		return false, fmt.Errorf("statedb: clear stale primary: %w", err)
	}

	var existingPID int
	err = tx.QueryRow(
		"SELECT pid FROM daemon_heartbeats WHERE is_primary = 1 AND heartbeat >= ? LIMIT 1",
		cutoff,
	).Scan(&existingPID)
	if err == nil {
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("statedb: commit elect: %w", err)
		}
		return existingPID == s.pid, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("statedb: read primary: %w", err)
	}

	if _, err := tx.Exec("UPDATE daemon_heartbeats SET is_primary = 1 WHERE pid = ?", s.pid); err != nil {
		return false, fmt.Errorf("statedb: claim primary: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("statedb: commit elect: %w", err)
	}
	return true, nil
}

// ResignPrimary clears the is_primary flag for this process.
func (s *StateDB) ResignPrimary() error {
	_, err := s.db.Exec("UPDATE daemon_heartbeats SET is_primary = 0 WHERE pid = ?", s.pid)
	return err
}

// --- Metadata ---

// SetMeta sets a key-value pair in the metadata table.
func (s *StateDB) SetMeta(key, value string) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)", key, value)
	return err
}

// GetMeta gets a value from the metadata table. Returns "" if not found.
func (s *StateDB) GetMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// Touch bumps the registry change timestamp.
func (s *StateDB) Touch() error {
	return s.SetMeta("last_modified", fmt.Sprintf("%d", time.Now().UnixNano()))
}

// LastModified returns the registry change timestamp, 0 if never touched.
func (s *StateDB) LastModified() (int64, error) {
	val, err := s.GetMeta("last_modified")
	if err != nil || val == "" {
		return 0, err
	}
	var ts int64
	_, err = fmt.Sscanf(val, "%d", &ts)
	return ts, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
