package datastore_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/sgblip/goblip/pkg/datastore"
)

func TestConsoleWriteEmitsJSONLine(t *testing.T) {
	var buf bytes.Buffer
	sink := &datastore.Console{Out: &buf}
	if err := sink.Bind("default"); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := sink.Write("doc-1", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var got map[string]json.RawMessage
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(got["doc-1"]) != `{"a":1}` {
		t.Errorf("doc-1 = %s, want {\"a\":1}", got["doc-1"])
	}
}

func TestConsoleWriteAttachmentSummarizesInsteadOfDumpingBytes(t *testing.T) {
	var buf bytes.Buffer
	sink := &datastore.Console{Out: &buf}
	sink.Bind("default")

	if err := sink.WriteAttachment("doc-1", "image/png", []byte{1, 2, 3, 4, 5}); err != nil {
		t.Fatalf("WriteAttachment: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "doc-1") || !strings.Contains(out, "image/png") || !strings.Contains(out, "5") {
		t.Errorf("unexpected summary line: %q", out)
	}
}
