// Package datastore provides the write side of a replication pull: a Sink
// interface and three implementations (SQLite, JSON-lines file, console)
// that the replicator writes decoded documents and attachments to.
package datastore

import "fmt"

// Sink is the destination for replicated documents and attachments. Bind
// selects (and, for file-backed sinks, creates) the named logical database
// before any Write/WriteAttachment call.
type Sink interface {
	Bind(database string) error
	Write(docID string, document []byte) error
	WriteAttachment(docID, contentType string, data []byte) error
}

// OutputError reports a sink failure: a directory that isn't writable, a
// file that couldn't be opened, a query that failed.
type OutputError struct {
	Path   string
	Reason string
}

func (e *OutputError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("datastore: %s", e.Reason)
	}
	return fmt.Sprintf("datastore: %s: %s", e.Path, e.Reason)
}
