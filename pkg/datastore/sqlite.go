package datastore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLite writes documents and attachments into a per-database SQLite file
// under Directory, in the two tables spec.md section 6 names:
// documents(doc_id PK, document TEXT) and
// attachments(doc_id PK, content_type TEXT, data BLOB).
//
// Grounded on original_source/pyblip/output.py's LocalDB: same schema, same
// "replace on conflict" semantics, same directory-writability precheck.
type SQLite struct {
	Directory string

	db *sql.DB
}

func (s *SQLite) Bind(database string) error {
	if info, err := os.Stat(s.Directory); err != nil || !info.IsDir() {
		return &OutputError{Path: s.Directory, Reason: "not a writable directory"}
	}
	path := filepath.Join(s.Directory, database+".db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return &OutputError{Path: path, Reason: err.Error()}
	}
	schema := []string{
		`CREATE TABLE IF NOT EXISTS documents(
			doc_id TEXT PRIMARY KEY ON CONFLICT REPLACE,
			document TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS attachments(
			doc_id TEXT PRIMARY KEY ON CONFLICT REPLACE,
			content_type TEXT,
			data BLOB
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return &OutputError{Path: path, Reason: fmt.Sprintf("schema setup failed: %v", err)}
		}
	}
	s.db = db
	return nil
}

func (s *SQLite) Write(docID string, document []byte) error {
	if _, err := s.db.Exec("INSERT OR REPLACE INTO documents VALUES (?, ?)", docID, string(document)); err != nil {
		return &OutputError{Path: docID, Reason: err.Error()}
	}
	return nil
}

func (s *SQLite) WriteAttachment(docID, contentType string, data []byte) error {
	if _, err := s.db.Exec("INSERT OR REPLACE INTO attachments VALUES (?, ?, ?)", docID, contentType, data); err != nil {
		return &OutputError{Path: docID, Reason: err.Error()}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
