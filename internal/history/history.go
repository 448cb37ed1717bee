// Package history archives transcript messages and calculations.
// Timestamps are stored as Unix milliseconds.
// With a database path it writes to SQLite; the database is opened lazily and
// created on first use. If opening the DB or executing queries fails, the
// store falls back to in-memory storage, so archiving never breaks a session.
package history

import (
	"database/sql"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/comigor/calcai/internal/logger"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS messages (
        id TEXT PRIMARY KEY,
        session_id TEXT,
        role TEXT,
        content TEXT,
        is_error INTEGER,
        created_at INTEGER
    );`,
	`CREATE TABLE IF NOT EXISTS calculations (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        session_id TEXT,
        expression TEXT,
        result TEXT,
        created_at INTEGER
    );`,
}

// Store is an append-only archive. It is safe for concurrent use.
type Store struct {
	path string

	mu           sync.Mutex
	messages     []Message // in-memory fallback
	calculations []Calculation

	dbOnce  sync.Once
	db      *sql.DB
	initErr error
}

// Open returns a store backed by the SQLite file at path. An empty path keeps
// everything in memory.
func Open(path string) *Store {
	return &Store{path: path}
}

// initDB lazily opens the SQLite database and creates the tables if they don't exist.
func (s *Store) initDB() {
	if s.path == "" {
		return
	}
	db, err := sql.Open("sqlite", "file:"+s.path+"?_pragma=busy_timeout(10000)")
	if err != nil {
		s.initErr = err
		logger.L.Warn("sqlite open failed; using in-memory history", "error", err)
		return
	}
	for _, stmt := range schema {
		if _, err = db.Exec(stmt); err != nil {
			s.initErr = err
			db.Close()
			logger.L.Warn("sqlite table creation failed; using in-memory history", "error", err)
			return
		}
	}
	s.db = db
	logger.L.Info("sqlite history DB initialized", "path", s.path)
}

func (s *Store) usable() bool {
	s.dbOnce.Do(s.initDB)
	return s.initErr == nil && s.db != nil
}

// SaveMessage archives a transcript message.
func (s *Store) SaveMessage(msg Message) {
	if s.usable() {
		_, err := s.db.Exec(`INSERT INTO messages (id, session_id, role, content, is_error, created_at) VALUES (?,?,?,?,?,?);`,
			msg.ID, msg.SessionID, msg.Role, msg.Content, msg.IsError, msg.CreatedAt.UnixMilli())
		if err == nil {
			return
		}
		logger.L.Error("failed to store message in sqlite; falling back to memory", "error", err)
	}

	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
}

// SaveCalculation archives a calculation.
func (s *Store) SaveCalculation(c Calculation) {
	if s.usable() {
		_, err := s.db.Exec(`INSERT INTO calculations (session_id, expression, result, created_at) VALUES (?,?,?,?);`,
			c.SessionID, c.Expression, c.Result, c.CreatedAt.UnixMilli())
		if err == nil {
			return
		}
		logger.L.Error("failed to store calculation in sqlite; falling back to memory", "error", err)
	}

	s.mu.Lock()
	s.calculations = append(s.calculations, c)
	s.mu.Unlock()
}

// ListMessages returns all messages of a session in the order they were saved.
func (s *Store) ListMessages(sessionID string) []Message {
	var out []Message
	if s.usable() {
		rows, err := s.db.Query(`SELECT id, session_id, role, content, is_error, created_at FROM messages WHERE session_id = ? ORDER BY rowid ASC;`, sessionID)
		if err == nil {
			defer rows.Close()
			for rows.Next() {
				var m Message
				var ms int64
				if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.IsError, &ms); err == nil {
					m.CreatedAt = time.UnixMilli(ms).UTC()
					out = append(out, m)
				}
			}
		} else {
			logger.L.Error("failed to list messages", "error", err)
		}
	}
	s.mu.Lock()
	for _, m := range s.messages {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	s.mu.Unlock()
	return out
}

// ListCalculations returns all calculations of a session, oldest first.
func (s *Store) ListCalculations(sessionID string) []Calculation {
	var out []Calculation
	if s.usable() {
		rows, err := s.db.Query(`SELECT session_id, expression, result, created_at FROM calculations WHERE session_id = ? ORDER BY id ASC;`, sessionID)
		if err == nil {
			defer rows.Close()
			for rows.Next() {
				var c Calculation
				var ms int64
				if err := rows.Scan(&c.SessionID, &c.Expression, &c.Result, &ms); err == nil {
					c.CreatedAt = time.UnixMilli(ms).UTC()
					out = append(out, c)
				}
			}
		} else {
			logger.L.Error("failed to list calculations", "error", err)
		}
	}
	s.mu.Lock()
	for _, c := range s.calculations {
		if c.SessionID == sessionID {
			out = append(out, c)
		}
	}
	s.mu.Unlock()
	return out
}

// Close releases the database, if one was opened.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
