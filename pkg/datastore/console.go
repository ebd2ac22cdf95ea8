package datastore

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// Console writes one `{doc_id: document}` JSON object per line to Out (or
// os.Stdout if nil), and a one-line summary for each attachment instead of
// its bytes. Grounded on original_source/pyblip/output.py's ScreenOutput.
type Console struct {
	Out io.Writer

	database string
}

func (c *Console) Bind(database string) error {
	c.database = database
	return nil
}

func (c *Console) out() io.Writer {
	if c.Out != nil {
		return c.Out
	}
	return os.Stdout
}

func (c *Console) Write(docID string, document []byte) error {
	line, err := json.Marshal(map[string]json.RawMessage{docID: rawOrQuoted(document)})
	if err != nil {
		return &OutputError{Path: docID, Reason: err.Error()}
	}
	_, err = fmt.Fprintln(c.out(), string(line))
	return err
}

func (c *Console) WriteAttachment(docID, contentType string, data []byte) error {
	_, err := fmt.Fprintf(c.out(), "Attachment from document %s of type %s length %d\n", docID, contentType, len(data))
	return err
}
