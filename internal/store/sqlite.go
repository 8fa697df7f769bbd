package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure-Go driver, no cgo

	"github.com/haulio/haul/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	task_id    TEXT PRIMARY KEY,
	state      TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	body       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at);
`

// SQLiteStore is the production TaskStore, grounded on the teacher's
// state.go upsert pattern but storing each TaskRecord as one JSON blob
// column (body) rather than a fixed set of typed columns, so source-
// specific resume state round-trips without schema churn.
type SQLiteStore struct {
	mu sync.Mutex // serializes writes; database/sql already pools reads safely
	db *sql.DB
}

var _ TaskStore = (*SQLiteStore)(nil)

// Open creates or attaches to a SQLite database at path and ensures the
// schema exists.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes internally; avoid pool lock contention
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Save(rec *model.TaskRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal task %s: %w", rec.TaskID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := rec.UpdatedAt
	if now.IsZero() {
		now = time.Now()
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = now
	}

	_, err = s.db.Exec(`
		INSERT INTO tasks (task_id, state, updated_at, created_at, body)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			state=excluded.state,
			updated_at=excluded.updated_at,
			body=excluded.body
	`, rec.TaskID, string(rec.State), now.UnixNano(), created.UnixNano(), string(body))
	if err != nil {
		return fmt.Errorf("store: save task %s: %w", rec.TaskID, err)
	}
	return nil
}

func (s *SQLiteStore) Load(taskID string) (*model.TaskRecord, bool, error) {
	var body string
	row := s.db.QueryRow("SELECT body FROM tasks WHERE task_id = ?", taskID)
	if err := row.Scan(&body); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("store: load task %s: %w", taskID, err)
	}
	var rec model.TaskRecord
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return nil, false, fmt.Errorf("store: unmarshal task %s: %w", taskID, err)
	}
	return &rec, true, nil
}

// LoadAll returns every persisted record ordered by creation time, the
// order spec §9 resolves the "load_all ordering" open question with: tasks
// restore in submission order, so the scheduler's priority+FIFO ordering
// among equal-priority tasks is reproducible across restarts.
func (s *SQLiteStore) LoadAll() ([]*model.TaskRecord, error) {
	rows, err := s.db.Query("SELECT body FROM tasks ORDER BY created_at ASC")
	if err != nil {
		return nil, fmt.Errorf("store: load_all: %w", err)
	}
	defer rows.Close()

	var out []*model.TaskRecord
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("store: load_all scan: %w", err)
		}
		var rec model.TaskRecord
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			return nil, fmt.Errorf("store: load_all unmarshal: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Remove(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec("DELETE FROM tasks WHERE task_id = ?", taskID); err != nil {
		return fmt.Errorf("store: remove task %s: %w", taskID, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
