// Package tracestore persists RLM session traces in SQLite.
package tracestore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/rand/rlmchat/internal/rlm"
	"github.com/rand/rlmchat/internal/rlm/repl"
	"github.com/sahilm/fuzzy"
)

//go:embed schema.sql
var schemaSQL string

var (
	// ErrNotFound is returned for unknown session ids.
	ErrNotFound = errors.New("session not found")

	// ErrAmbiguous is returned when an id prefix matches several sessions.
	ErrAmbiguous = errors.New("ambiguous session id")
)

// Store records sessions and their steps. It implements rlm.Observer;
// write failures are logged and never interrupt a run.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	path   string
	logger *slog.Logger
}

// Options configures the store.
type Options struct {
	// Path to the SQLite database file. If empty, an in-memory database is
	// used.
	Path string

	Logger *slog.Logger
}

// Open opens or creates a trace store.
func Open(opts Options) (*Store, error) {
	dsn := ":memory:"
	if opts.Path != "" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		dsn = "file:" + opts.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if opts.Path == "" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, path: opts.Path, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Path returns the database file path, empty for in-memory stores.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) OnSessionStart(sess rlm.Session) {
	err := s.exec(`
		INSERT INTO sessions (
			id, parent_id, depth, query, max_iterations, max_depth, chunk_size, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID,
		nullString(sess.ParentID),
		sess.Depth,
		sess.Query,
		sess.Config.MaxIterations,
		sess.Config.DepthLimit(),
		sess.Config.ChunkSize,
		sess.StartedAt.UnixNano(),
	)
	if err != nil {
		s.logger.Warn("trace store: record session start", "session", sess.ID, "error", err)
	}
}

func (s *Store) OnStep(sessionID string, step rlm.Step) {
	var subCall sql.NullString
	if step.SubCall != nil {
		data, err := json.Marshal(step.SubCall)
		if err != nil {
			s.logger.Warn("trace store: encode sub-call", "session", sessionID, "error", err)
		} else {
			subCall = sql.NullString{String: string(data), Valid: true}
		}
	}
	err := s.exec(`
		INSERT INTO steps (session_id, idx, kind, payload, issued_at, sub_call)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, step.Index, string(step.Kind), step.Payload, step.IssuedAt.UnixNano(), subCall,
	)
	if err != nil {
		s.logger.Warn("trace store: record step", "session", sessionID, "step", step.Index, "error", err)
	}
}

func (s *Store) OnSessionEnd(result *rlm.Result) {
	err := s.exec(`
		UPDATE sessions
		SET reason = ?, final_answer = ?, error = ?, iterations = ?, duration_ns = ?
		WHERE id = ?`,
		string(result.Reason),
		nullString(result.FinalAnswer),
		nullString(result.Error),
		result.Iterations,
		result.Duration.Nanoseconds(),
		result.SessionID,
	)
	if err != nil {
		s.logger.Warn("trace store: record session end", "session", result.SessionID, "error", err)
	}
}

func (s *Store) exec(query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(context.Background(), query, args...)
	return err
}

// SessionRecord is a stored session.
type SessionRecord struct {
	ID          string                `json:"id"`
	ParentID    string                `json:"parent_id,omitempty"`
	Depth       int                   `json:"depth"`
	Query       string                `json:"query"`
	Config      rlm.RunConfig         `json:"config"`
	Reason      rlm.TerminationReason `json:"reason,omitempty"`
	FinalAnswer string                `json:"final_answer,omitempty"`
	Error       string                `json:"error,omitempty"`
	Iterations  int                   `json:"iterations"`
	StartedAt   time.Time             `json:"started_at"`
	Duration    time.Duration         `json:"duration"`

	// Steps is filled by GetSession and Tree only.
	Steps []rlm.Step `json:"steps,omitempty"`
}

// Finished reports whether the session recorded its end.
func (r *SessionRecord) Finished() bool {
	return r.Reason != ""
}

const sessionColumns = `id, parent_id, depth, query, max_iterations, max_depth, chunk_size,
	reason, final_answer, error, iterations, started_at, duration_ns`

// ListSessions returns the most recent top-level sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.querySessions(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE parent_id IS NULL
		ORDER BY started_at DESC, id
		LIMIT ?`, limit)
}

// Children returns the sessions spawned directly by id, oldest first.
func (s *Store) Children(ctx context.Context, id string) ([]SessionRecord, error) {
	return s.querySessions(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE parent_id = ?
		ORDER BY started_at, id`, id)
}

// GetSession returns one session with its steps.
func (s *Store) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	records, err := s.querySessions(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rec := &records[0]
	if rec.Steps, err = s.steps(ctx, id); err != nil {
		return nil, err
	}
	return rec, nil
}

// SessionIDs returns every recorded session id, newest first.
func (s *Store) SessionIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM sessions ORDER BY started_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("query session ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Resolve expands ref to a full session id. ref may be an id or a unique
// id prefix. Unknown refs fail with ErrNotFound naming the closest ids.
func (s *Store) Resolve(ctx context.Context, ref string) (string, error) {
	ids, err := s.SessionIDs(ctx)
	if err != nil {
		return "", err
	}
	var prefixed []string
	for _, id := range ids {
		if id == ref {
			return id, nil
		}
		if ref != "" && strings.HasPrefix(id, ref) {
			prefixed = append(prefixed, id)
		}
	}
	switch len(prefixed) {
	case 1:
		return prefixed[0], nil
	case 0:
	default:
		return "", fmt.Errorf("%w: %q matches %d sessions", ErrAmbiguous, ref, len(prefixed))
	}

	matches := fuzzy.Find(ref, ids)
	if len(matches) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	suggestions := make([]string, 0, 3)
	for _, m := range matches[:min(3, len(matches))] {
		suggestions = append(suggestions, m.Str)
	}
	return "", fmt.Errorf("%w: %s (did you mean %s?)", ErrNotFound, ref, strings.Join(suggestions, ", "))
}

// TreeNode is a session with its nested sessions.
type TreeNode struct {
	Session  *SessionRecord `json:"session"`
	Children []*TreeNode    `json:"children,omitempty"`
}

// Tree loads a session and, recursively, every session nested below it.
func (s *Store) Tree(ctx context.Context, id string) (*TreeNode, error) {
	rec, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	node := &TreeNode{Session: rec}
	children, err := s.Children(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, c := range children {
		child, err := s.Tree(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, child)
	}
	return node, nil
}

func (s *Store) querySessions(ctx context.Context, query string, args ...any) ([]SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var (
			rec                          SessionRecord
			parentID, reason, answer, em sql.NullString
			startedAt                    int64
			duration                     sql.NullInt64
		)
		if err := rows.Scan(
			&rec.ID, &parentID, &rec.Depth, &rec.Query,
			&rec.Config.MaxIterations, &rec.Config.MaxDepth, &rec.Config.ChunkSize,
			&reason, &answer, &em, &rec.Iterations, &startedAt, &duration,
		); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		rec.ParentID = parentID.String
		rec.Reason = rlm.TerminationReason(reason.String)
		rec.FinalAnswer = answer.String
		rec.Error = em.String
		rec.StartedAt = time.Unix(0, startedAt).UTC()
		rec.Duration = time.Duration(duration.Int64)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

func (s *Store) steps(ctx context.Context, sessionID string) ([]rlm.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT idx, kind, payload, issued_at, sub_call
		FROM steps WHERE session_id = ? ORDER BY idx`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	var out []rlm.Step
	for rows.Next() {
		var (
			step     rlm.Step
			kind     string
			issuedAt int64
			subCall  sql.NullString
		)
		if err := rows.Scan(&step.Index, &kind, &step.Payload, &issuedAt, &subCall); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		step.Kind = rlm.StepKind(kind)
		step.IssuedAt = time.Unix(0, issuedAt).UTC()
		if subCall.Valid {
			step.SubCall = new(repl.SubCall)
			if err := json.Unmarshal([]byte(subCall.String), step.SubCall); err != nil {
				return nil, fmt.Errorf("decode sub-call: %w", err)
			}
		}
		out = append(out, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ rlm.Observer = (*Store)(nil)
