package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/projecttab/backend/internal/common/config"
	"github.com/projecttab/backend/internal/common/logger"
	"github.com/projecttab/backend/internal/db"
	"github.com/projecttab/backend/internal/db/dialect"
	"github.com/projecttab/backend/internal/events"
	v1 "github.com/projecttab/backend/pkg/api/v1"
)

// SQLStore persists the knowledge store in SQLite or PostgreSQL. Payloads are
// stored as JSON blobs; the relational columns exist for lookup and ordering.
type SQLStore struct {
	pool           *db.Pool
	checkpointsMax int
	logger         *logger.Logger
}

// Open builds a store from configuration: "memory", "sqlite" or "postgres".
func Open(cfg config.DatabaseConfig, checkpointsMax int, log *logger.Logger) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(checkpointsMax), nil
	case "sqlite":
		writer, err := db.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		reader, err := db.OpenSQLiteReader(cfg.Path)
		if err != nil {
			_ = writer.Close()
			return nil, err
		}
		pool := db.NewPool(sqlx.NewDb(writer, dialect.SQLite3), sqlx.NewDb(reader, dialect.SQLite3))
		return NewSQLStore(pool, checkpointsMax, log)
	case "postgres":
		conn, err := db.OpenPostgres(cfg.DSN, 0, 0)
		if err != nil {
			return nil, err
		}
		x := sqlx.NewDb(conn, dialect.PGX)
		return NewSQLStore(db.NewPool(x, x), checkpointsMax, log)
	default:
		return nil, fmt.Errorf("unknown knowledge store driver %q", cfg.Driver)
	}
}

// NewSQLStore wraps an open pool and applies the schema.
func NewSQLStore(pool *db.Pool, checkpointsMax int, log *logger.Logger) (*SQLStore, error) {
	if checkpointsMax <= 0 {
		checkpointsMax = DefaultCheckpointsPerAgent
	}
	s := &SQLStore{pool: pool, checkpointsMax: checkpointsMax, logger: log}
	if err := s.migrate(); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("migrate knowledge store: %w", err)
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	idCol := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if dialect.IsPostgres(s.pool.Writer().DriverName()) {
		idCol = "id BIGSERIAL PRIMARY KEY"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			agent_id TEXT PRIMARY KEY,
			role TEXT NOT NULL,
			workstream TEXT NOT NULL,
			status TEXT NOT NULL,
			registered_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			artifact_id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			workstream TEXT NOT NULL,
			payload TEXT NOT NULL,
			stored_at TIMESTAMP NOT NULL
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS coherence_issues (
			%s,
			issue_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			recorded_at TIMESTAMP NOT NULL
		)`, idCol),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS checkpoints (
			%s,
			agent_id TEXT NOT NULL,
			state TEXT NOT NULL,
			stored_at TIMESTAMP NOT NULL
		)`, idCol),
		`CREATE INDEX IF NOT EXISTS idx_artifacts_workstream ON artifacts(workstream)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_agent ON checkpoints(agent_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Writer().Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) RegisterAgent(ctx context.Context, brief v1.AgentBrief) error {
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO agents (agent_id, role, workstream, status, registered_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (agent_id) DO UPDATE SET
			role = excluded.role,
			workstream = excluded.workstream,
			status = excluded.status`),
		brief.AgentID, brief.Role, brief.Workstream, string(v1.AgentStatusRunning), time.Now().UTC())
	return err
}

func (s *SQLStore) SetAgentStatus(ctx context.Context, agentID string, status v1.AgentStatus) error {
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`UPDATE agents SET status = ? WHERE agent_id = ?`),
		string(status), agentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) RemoveAgent(ctx context.Context, agentID string) error {
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`DELETE FROM agents WHERE agent_id = ?`), agentID)
	return err
}

func (s *SQLStore) Agent(ctx context.Context, agentID string) (*AgentInfo, error) {
	r := s.pool.Reader()
	var info AgentInfo
	err := r.GetContext(ctx, &info,
		r.Rebind(`SELECT agent_id, role, workstream, status, registered_at FROM agents WHERE agent_id = ?`),
		agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (s *SQLStore) ListAgents(ctx context.Context) ([]AgentInfo, error) {
	r := s.pool.Reader()
	agents := []AgentInfo{}
	err := r.SelectContext(ctx, &agents,
		`SELECT agent_id, role, workstream, status, registered_at FROM agents ORDER BY agent_id`)
	return agents, err
}

func (s *SQLStore) PutArtifact(ctx context.Context, agentID string, payload events.ArtifactPayload) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	w := s.pool.Writer()
	_, err = w.ExecContext(ctx, w.Rebind(`
		INSERT INTO artifacts (artifact_id, agent_id, workstream, payload, stored_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (artifact_id) DO UPDATE SET
			agent_id = excluded.agent_id,
			workstream = excluded.workstream,
			payload = excluded.payload`),
		payload.ArtifactID, agentID, payload.Workstream, string(blob), time.Now().UTC())
	return err
}

type artifactRow struct {
	AgentID  string    `db:"agent_id"`
	Payload  string    `db:"payload"`
	StoredAt time.Time `db:"stored_at"`
}

func (row artifactRow) decode() (Artifact, error) {
	art := Artifact{AgentID: row.AgentID, StoredAt: row.StoredAt}
	err := json.Unmarshal([]byte(row.Payload), &art.ArtifactPayload)
	return art, err
}

func (s *SQLStore) Artifact(ctx context.Context, artifactID string) (*Artifact, error) {
	r := s.pool.Reader()
	var row artifactRow
	err := r.GetContext(ctx, &row,
		r.Rebind(`SELECT agent_id, payload, stored_at FROM artifacts WHERE artifact_id = ?`),
		artifactID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	art, err := row.decode()
	if err != nil {
		return nil, err
	}
	return &art, nil
}

func (s *SQLStore) ListArtifacts(ctx context.Context, workstream string) ([]Artifact, error) {
	r := s.pool.Reader()
	query := `SELECT agent_id, payload, stored_at FROM artifacts ORDER BY stored_at, artifact_id`
	args := []any{}
	if workstream != "" {
		query = r.Rebind(`SELECT agent_id, payload, stored_at FROM artifacts WHERE workstream = ? ORDER BY stored_at, artifact_id`)
		args = append(args, workstream)
	}
	rows := []artifactRow{}
	if err := r.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]Artifact, 0, len(rows))
	for _, row := range rows {
		art, err := row.decode()
		if err != nil {
			return nil, err
		}
		out = append(out, art)
	}
	return out, nil
}

func (s *SQLStore) AppendCoherenceIssue(ctx context.Context, agentID string, payload events.CoherencePayload) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	w := s.pool.Writer()
	_, err = w.ExecContext(ctx, w.Rebind(`
		INSERT INTO coherence_issues (issue_id, agent_id, payload, recorded_at)
		VALUES (?, ?, ?, ?)`),
		payload.IssueID, agentID, string(blob), time.Now().UTC())
	return err
}

func (s *SQLStore) ListCoherenceIssues(ctx context.Context, agentID string) ([]CoherenceIssue, error) {
	r := s.pool.Reader()
	type issueRow struct {
		AgentID    string    `db:"agent_id"`
		Payload    string    `db:"payload"`
		RecordedAt time.Time `db:"recorded_at"`
	}
	query := `SELECT agent_id, payload, recorded_at FROM coherence_issues ORDER BY id`
	args := []any{}
	if agentID != "" {
		query = r.Rebind(`SELECT agent_id, payload, recorded_at FROM coherence_issues WHERE agent_id = ? ORDER BY id`)
		args = append(args, agentID)
	}
	rows := []issueRow{}
	if err := r.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]CoherenceIssue, 0, len(rows))
	for _, row := range rows {
		issue := CoherenceIssue{AgentID: row.AgentID, RecordedAt: row.RecordedAt}
		if err := json.Unmarshal([]byte(row.Payload), &issue.CoherencePayload); err != nil {
			return nil, err
		}
		out = append(out, issue)
	}
	return out, nil
}

func (s *SQLStore) PutCheckpoint(ctx context.Context, state v1.SerializedAgentState) error {
	blob, err := json.Marshal(state)
	if err != nil {
		return err
	}
	w := s.pool.Writer()
	id, err := dialect.InsertReturningID(ctx, w,
		`INSERT INTO checkpoints (agent_id, state, stored_at) VALUES (?, ?, ?)`,
		state.AgentID, string(blob), time.Now().UTC())
	if err != nil {
		return err
	}
	// Evict beyond the per-agent bound, oldest first.
	_, err = w.ExecContext(ctx, w.Rebind(`
		DELETE FROM checkpoints
		WHERE agent_id = ? AND id <= ? AND id NOT IN (
			SELECT id FROM checkpoints WHERE agent_id = ? ORDER BY id DESC LIMIT ?
		)`),
		state.AgentID, id, state.AgentID, s.checkpointsMax)
	return err
}

type checkpointRow struct {
	AgentID  string    `db:"agent_id"`
	State    string    `db:"state"`
	StoredAt time.Time `db:"stored_at"`
}

func (row checkpointRow) decode() (StoredCheckpoint, error) {
	cp := StoredCheckpoint{AgentID: row.AgentID, StoredAt: row.StoredAt}
	err := json.Unmarshal([]byte(row.State), &cp.State)
	return cp, err
}

func (s *SQLStore) Checkpoints(ctx context.Context, agentID string) ([]StoredCheckpoint, error) {
	r := s.pool.Reader()
	rows := []checkpointRow{}
	err := r.SelectContext(ctx, &rows,
		r.Rebind(`SELECT agent_id, state, stored_at FROM checkpoints WHERE agent_id = ? ORDER BY id`),
		agentID)
	if err != nil {
		return nil, err
	}
	out := make([]StoredCheckpoint, 0, len(rows))
	for _, row := range rows {
		cp, err := row.decode()
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func (s *SQLStore) LatestCheckpoint(ctx context.Context, agentID string) (*StoredCheckpoint, error) {
	r := s.pool.Reader()
	var row checkpointRow
	err := r.GetContext(ctx, &row,
		r.Rebind(`SELECT agent_id, state, stored_at FROM checkpoints WHERE agent_id = ? ORDER BY id DESC LIMIT 1`),
		agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	cp, err := row.decode()
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *SQLStore) Close() error { return s.pool.Close() }
