package datastore

import (
	"encoding/json"
	"mime"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// sanitizeDocID strips characters that are unsafe in a filename, matching
// original_source/pyblip/output.py's LocalFile.write_attachment regex.
var sanitizeDocID = regexp.MustCompile(`[#%&{}<>*?$!:@+|=\\/'"` + "`" + `\s]`)

// JSONLines writes one `{doc_id: document}` JSON object per line to a file
// named <Directory>/<database>.jsonl, and each attachment as a separate file
// named after a sanitized doc id plus a guessed extension.
//
// Grounded on original_source/pyblip/output.py's LocalFile.
type JSONLines struct {
	Directory string

	mu   sync.Mutex
	file *os.File
}

func (j *JSONLines) Bind(database string) error {
	if info, err := os.Stat(j.Directory); err != nil || !info.IsDir() {
		return &OutputError{Path: j.Directory, Reason: "not a writable directory"}
	}
	path := filepath.Join(j.Directory, database+".jsonl")
	f, err := os.Create(path)
	if err != nil {
		return &OutputError{Path: path, Reason: err.Error()}
	}
	j.file = f
	return nil
}

func (j *JSONLines) Write(docID string, document []byte) error {
	line, err := json.Marshal(map[string]json.RawMessage{docID: rawOrQuoted(document)})
	if err != nil {
		return &OutputError{Path: docID, Reason: err.Error()}
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.file.Write(append(line, '\n')); err != nil {
		return &OutputError{Path: j.file.Name(), Reason: err.Error()}
	}
	return nil
}

func (j *JSONLines) WriteAttachment(docID, contentType string, data []byte) error {
	ext := extensionForContentType(contentType)
	prefix := strings.ToLower(strings.TrimSpace(sanitizeDocID.ReplaceAllString(docID, "_")))
	path := filepath.Join(j.Directory, prefix+ext)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return &OutputError{Path: path, Reason: err.Error()}
	}
	return nil
}

// Close releases the underlying jsonl file handle.
func (j *JSONLines) Close() error {
	if j.file == nil {
		return nil
	}
	return j.file.Close()
}

// rawOrQuoted returns document unchanged if it's already valid JSON,
// otherwise quotes it as a JSON string, so Write always has a legal value to
// embed under the doc id key.
func rawOrQuoted(document []byte) json.RawMessage {
	if json.Valid(document) {
		return json.RawMessage(document)
	}
	quoted, _ := json.Marshal(string(document))
	return json.RawMessage(quoted)
}

// extensionForContentType guesses a file extension (with leading dot) for a
// MIME type, returning "" if none is registered.
func extensionForContentType(contentType string) string {
	exts, err := mime.ExtensionsByType(contentType)
	if err != nil || len(exts) == 0 {
		return ""
	}
	return exts[0]
}
