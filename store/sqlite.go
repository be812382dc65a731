package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/devflowhq/devflow/core"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL DEFAULT '',
	active INTEGER NOT NULL DEFAULT 1,
	remote INTEGER NOT NULL DEFAULT 0,
	model TEXT NOT NULL DEFAULT '',
	instruction TEXT NOT NULL DEFAULT '',
	capabilities TEXT NOT NULL DEFAULT '[]',
	metadata TEXT NOT NULL DEFAULT '{}',
	created TEXT NOT NULL,
	updated TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL DEFAULT '',
	message_id TEXT NOT NULL DEFAULT '',
	session_id TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL,
	artifacts TEXT NOT NULL DEFAULT '[]',
	metadata TEXT NOT NULL DEFAULT '{}',
	created TEXT NOT NULL,
	updated TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_session ON tasks(session_id);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	state TEXT NOT NULL DEFAULT '{}',
	created TEXT NOT NULL,
	updated TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	content_type TEXT NOT NULL DEFAULT 'text/plain',
	metadata TEXT NOT NULL DEFAULT '{}',
	created TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created);
`

// DB is a SQLite-backed persistence handle. Open it once and hand the typed
// store views (Agents, Tasks, Sessions) to the components that need them.
type DB struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at path and applies
// the schema. Use ":memory:" for an ephemeral database.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// WAL only allows one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &DB{db: db}, nil
}

// Close closes the underlying database.
func (d *DB) Close() error { return d.db.Close() }

// Agents returns the core.AgentStore view.
func (d *DB) Agents() *SQLiteAgentStore { return &SQLiteAgentStore{db: d.db} }

// Tasks returns the core.TaskStore view.
func (d *DB) Tasks() *SQLiteTaskStore { return &SQLiteTaskStore{db: d.db} }

// Sessions returns the core.SessionStore view.
func (d *DB) Sessions() *SQLiteSessionStore { return &SQLiteSessionStore{db: d.db} }

// SQLiteAgentStore implements core.AgentStore over a SQLite table.
type SQLiteAgentStore struct {
	db *sql.DB
}

const agentColumns = "id, name, description, url, active, remote, model, instruction, capabilities, metadata, created, updated"

// Get implements core.AgentStore.
func (s *SQLiteAgentStore) Get(ctx context.Context, id string) (*core.AgentDescriptor, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+agentColumns+" FROM agents WHERE id = ?", id)
	return scanAgent(row, id)
}

// GetByName implements core.AgentStore.
func (s *SQLiteAgentStore) GetByName(ctx context.Context, name string) (*core.AgentDescriptor, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+agentColumns+" FROM agents WHERE name = ?", name)
	return scanAgent(row, name)
}

// Upsert implements core.AgentStore, matching on the unique name.
func (s *SQLiteAgentStore) Upsert(ctx context.Context, desc *core.AgentDescriptor) (*core.AgentDescriptor, error) {
	if desc.Name == "" {
		return nil, fmt.Errorf("agent descriptor: name is required")
	}

	stored := cloneDescriptor(desc)
	if stored.ID == "" {
		stored.ID = core.NewID()
	}
	now := time.Now().UTC()
	stored.Updated = now
	if stored.Created.IsZero() {
		stored.Created = now
	}

	caps, err := json.Marshal(stored.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("encode capabilities: %w", err)
	}
	meta, err := json.Marshal(stored.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (`+agentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			description = excluded.description,
			url = excluded.url,
			active = excluded.active,
			remote = excluded.remote,
			model = excluded.model,
			instruction = excluded.instruction,
			capabilities = excluded.capabilities,
			metadata = excluded.metadata,
			updated = excluded.updated`,
		stored.ID, stored.Name, stored.Description, stored.URL,
		boolInt(stored.Active), boolInt(stored.Remote),
		stored.Model, stored.Instruction, string(caps), string(meta),
		stored.Created.Format(time.RFC3339Nano), stored.Updated.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("upsert agent %s: %w", stored.Name, err)
	}
	// The conflict path keeps the original id; read back the stored row.
	return s.GetByName(ctx, stored.Name)
}

// List implements core.AgentStore; listings are ordered by creation time.
func (s *SQLiteAgentStore) List(ctx context.Context, activeOnly bool) ([]*core.AgentDescriptor, error) {
	query := "SELECT " + agentColumns + " FROM agents"
	if activeOnly {
		query += " WHERE active = 1"
	}
	query += " ORDER BY created"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []*core.AgentDescriptor
	for rows.Next() {
		desc, err := scanAgent(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, desc)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner, key string) (*core.AgentDescriptor, error) {
	var (
		desc           core.AgentDescriptor
		active, remote int
		caps, meta     string
		created, upd   string
	)
	err := row.Scan(&desc.ID, &desc.Name, &desc.Description, &desc.URL,
		&active, &remote, &desc.Model, &desc.Instruction, &caps, &meta, &created, &upd)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", key, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	desc.Active = active != 0
	desc.Remote = remote != 0
	if err := json.Unmarshal([]byte(caps), &desc.Capabilities); err != nil {
		return nil, fmt.Errorf("decode capabilities: %w", err)
	}
	if err := json.Unmarshal([]byte(meta), &desc.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	desc.Created = parseTime(created)
	desc.Updated = parseTime(upd)
	return &desc, nil
}

// SQLiteTaskStore implements core.TaskStore over a SQLite table.
type SQLiteTaskStore struct {
	db *sql.DB
}

// Save implements core.TaskStore; tasks are upserted by id.
func (s *SQLiteTaskStore) Save(ctx context.Context, task *core.Task) error {
	if task.ID == "" {
		return fmt.Errorf("task has no id")
	}
	artifacts, err := json.Marshal(task.Artifacts)
	if err != nil {
		return fmt.Errorf("encode artifacts: %w", err)
	}
	meta, err := json.Marshal(jsonSafeMeta(task.Metadata))
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, agent_id, message_id, session_id, state, artifacts, metadata, created, updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			agent_id = excluded.agent_id,
			message_id = excluded.message_id,
			session_id = excluded.session_id,
			state = excluded.state,
			artifacts = excluded.artifacts,
			metadata = excluded.metadata,
			updated = excluded.updated`,
		task.ID, task.AgentID, task.MessageID, task.SessionID, task.State.String(),
		string(artifacts), string(meta),
		task.Created.Format(time.RFC3339Nano), task.Updated.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save task %s: %w", task.ID, err)
	}
	return nil
}

// Get implements core.TaskStore.
func (s *SQLiteTaskStore) Get(ctx context.Context, id string) (*core.Task, error) {
	var (
		task             core.Task
		state            string
		artifacts, meta  string
		created, updated string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, agent_id, message_id, session_id, state, artifacts, metadata, created, updated FROM tasks WHERE id = ?", id,
	).Scan(&task.ID, &task.AgentID, &task.MessageID, &task.SessionID, &state, &artifacts, &meta, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}

	task.State = core.ParseTaskState(state)
	if err := json.Unmarshal([]byte(artifacts), &task.Artifacts); err != nil {
		return nil, fmt.Errorf("decode artifacts: %w", err)
	}
	if err := json.Unmarshal([]byte(meta), &task.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	task.Created = parseTime(created)
	task.Updated = parseTime(updated)
	return &task, nil
}

// SQLiteSessionStore implements core.SessionStore over SQLite tables. The
// returned sessions are detached snapshots; mutations go through the store.
type SQLiteSessionStore struct {
	db *sql.DB
}

// Get implements core.SessionStore: missing sessions are created lazily.
func (s *SQLiteSessionStore) Get(ctx context.Context, id string) (*core.Session, error) {
	session, err := s.load(ctx, id)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, core.ErrNotFound) {
		return nil, err
	}
	return s.Create(ctx, id)
}

// Create implements core.SessionStore.
func (s *SQLiteSessionStore) Create(ctx context.Context, id string) (*core.Session, error) {
	session := core.NewSession(id)
	now := session.Created.Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO sessions (id, state, created, updated) VALUES (?, '{}', ?, ?)", id, now, now)
	if err != nil {
		return nil, fmt.Errorf("create session %s: %w", id, err)
	}
	return session, nil
}

// AppendMessage implements core.SessionStore.
func (s *SQLiteSessionStore) AppendMessage(ctx context.Context, sessionID string, msg core.Message) error {
	if _, err := s.Get(ctx, sessionID); err != nil {
		return err
	}
	meta, err := json.Marshal(jsonSafeMeta(msg.Metadata))
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if msg.ID == "" {
		msg.ID = core.NewID()
	}
	if msg.Created.IsZero() {
		msg.Created = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, content_type, metadata, created)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, sessionID, msg.Role, msg.Content, msg.ContentType, string(meta),
		msg.Created.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append message to session %s: %w", sessionID, err)
	}
	return nil
}

// ApplyDelta implements core.SessionStore by merging the delta into the
// stored state bag.
func (s *SQLiteSessionStore) ApplyDelta(ctx context.Context, sessionID string, delta map[string]any) error {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	session.MergeState(delta)

	state, err := json.Marshal(session.State)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, "UPDATE sessions SET state = ?, updated = ? WHERE id = ?",
		string(state), time.Now().UTC().Format(time.RFC3339Nano), sessionID)
	if err != nil {
		return fmt.Errorf("apply delta to session %s: %w", sessionID, err)
	}
	return nil
}

func (s *SQLiteSessionStore) load(ctx context.Context, id string) (*core.Session, error) {
	var state, created, updated string
	err := s.db.QueryRowContext(ctx,
		"SELECT state, created, updated FROM sessions WHERE id = ?", id).Scan(&state, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}

	session := core.NewSession(id)
	if err := json.Unmarshal([]byte(state), &session.State); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	session.Created = parseTime(created)
	session.Updated = parseTime(updated)

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, role, content, content_type, metadata, created FROM messages WHERE session_id = ? ORDER BY created, id", id)
	if err != nil {
		return nil, fmt.Errorf("load messages for session %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			msg           core.Message
			meta, msgTime string
		)
		if err := rows.Scan(&msg.ID, &msg.Role, &msg.Content, &msg.ContentType, &meta, &msgTime); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if err := json.Unmarshal([]byte(meta), &msg.Metadata); err != nil {
			return nil, fmt.Errorf("decode message metadata: %w", err)
		}
		msg.ConversationID = id
		msg.Created = parseTime(msgTime)
		session.AddMessage(msg)
	}
	return session, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// jsonSafeMeta drops metadata values that do not survive JSON encoding
// (connections stash the original request struct there).
func jsonSafeMeta(meta map[string]any) map[string]any {
	if meta == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		if _, err := json.Marshal(v); err != nil {
			continue
		}
		out[k] = v
	}
	return out
}
