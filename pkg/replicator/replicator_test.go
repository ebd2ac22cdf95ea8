package replicator_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sgblip/goblip/pkg/blip"
	"github.com/sgblip/goblip/pkg/replicator"
)

// memSink is an in-memory datastore.Sink for exercising the replicator
// without touching disk, mirroring the teacher's style of small fake
// collaborators in tests rather than a mocking framework.
type memSink struct {
	bound       string
	docs        map[string][]byte
	attachments map[string][]byte
}

func newMemSink() *memSink {
	return &memSink{docs: map[string][]byte{}, attachments: map[string][]byte{}}
}

func (s *memSink) Bind(database string) error { s.bound = database; return nil }

func (s *memSink) Write(docID string, document []byte) error {
	s.docs[docID] = append([]byte(nil), document...)
	return nil
}

func (s *memSink) WriteAttachment(docID, contentType string, data []byte) error {
	s.attachments[docID] = append([]byte(nil), data...)
	return nil
}

// newReplicatorConfig starts an httptest WebSocket server driven by handle
// and returns a Config pointed at it.
func newReplicatorConfig(t *testing.T, sink *memSink, handle func(*websocket.Conn)) replicator.Config {
	t.Helper()
	upgrader := websocket.Upgrader{Subprotocols: []string{blip.Subprotocol}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("server upgrade: %v", err)
			return
		}
		handle(conn)
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server URL: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("server port: %v", err)
	}

	return replicator.Config{
		Database:   "testdb",
		Target:     u.Hostname(),
		Port:       port,
		Type:       replicator.Pull,
		Datastore:  sink,
		Checkpoint: true,
	}
}

func readFrame(conn *websocket.Conn) ([]byte, error) {
	_, data, err := conn.ReadMessage()
	return data, err
}

func writeFrame(t *testing.T, conn *websocket.Conn, msgr *blip.Messenger, m *blip.Message) {
	t.Helper()
	frame, err := msgr.Compose(m)
	if err != nil {
		t.Errorf("server compose: %v", err)
		return
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Errorf("server write: %v", err)
	}
}

func respondToCheckpointWith404(t *testing.T, conn *websocket.Conn, in, out *blip.Messenger) uint64 {
	t.Helper()
	data, err := readFrame(conn)
	if err != nil {
		t.Errorf("server read getCheckpoint: %v", err)
		return 0
	}
	req, err := in.Parse(data)
	if err != nil {
		t.Errorf("server parse getCheckpoint: %v", err)
		return 0
	}
	if v, _ := req.Properties.Get(blip.PropProfile); v != "getCheckpoint" {
		t.Errorf("expected getCheckpoint, got Profile=%q", v)
	}
	errMsg := blip.NewMessage()
	errMsg.Number = req.Number
	errMsg.Kind = blip.KindError
	errMsg.Properties = blip.NewProperties(blip.PropErrorDomain, "HTTP", blip.PropErrorCode, "404")
	writeFrame(t, conn, out, errMsg)
	return req.Number
}

func TestPullEmptyChangesSkipsCheckpointCommit(t *testing.T) {
	sink := newMemSink()
	done := make(chan struct{})

	cfg := newReplicatorConfig(t, sink, func(conn *websocket.Conn) {
		defer conn.Close()
		in, out := blip.NewMessenger(), blip.NewMessenger()

		respondToCheckpointWith404(t, conn, in, out)

		data, err := readFrame(conn)
		if err != nil {
			return
		}
		sub, err := in.Parse(data)
		if err != nil {
			t.Errorf("server parse subChanges: %v", err)
			return
		}
		if v, _ := sub.Properties.Get(blip.PropProfile); v != "subChanges" {
			t.Errorf("expected subChanges, got Profile=%q", v)
		}

		ack := blip.NewMessage()
		ack.Number = sub.Number
		ack.Kind = blip.KindResponse
		writeFrame(t, conn, out, ack)

		changes := blip.NewMessage()
		changes.Number = 100
		changes.Kind = blip.KindRequest
		changes.Body = []byte("[]")
		writeFrame(t, conn, out, changes)

		data, err = readFrame(conn)
		if err != nil {
			return
		}
		reply, err := in.Parse(data)
		if err != nil {
			t.Errorf("server parse changes ack: %v", err)
			return
		}
		if reply.Number != changes.Number || reply.Kind != blip.KindResponse {
			t.Errorf("changes ack = #%d %s, want #%d Response", reply.Number, reply.Kind, changes.Number)
		}

		resultingAck := blip.NewMessage()
		resultingAck.Number = changes.Number
		resultingAck.Kind = blip.KindAckResponse
		writeFrame(t, conn, out, resultingAck)

		close(done)
	})

	r, err := replicator.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := r.Pull(context.Background()); err != nil {
		t.Fatalf("Pull: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not observe the full exchange")
	}

	if len(sink.docs) != 0 {
		t.Errorf("expected zero documents written, got %d", len(sink.docs))
	}
}

func TestPullFailsWhenEndpointIsUnreachable(t *testing.T) {
	sink := newMemSink()
	cfg := replicator.Config{
		Database:  "testdb",
		Target:    "127.0.0.1",
		Port:      1, // nothing listens here; Dial must fail and Pull must surface it
		Type:      replicator.Pull,
		Datastore: sink,
	}

	r, err := replicator.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Pull(context.Background()); err == nil {
		t.Fatal("expected Pull to fail against an unreachable endpoint")
	}
}

func TestPullDrainsDocumentsAndFetchesAttachments(t *testing.T) {
	sink := newMemSink()
	const attachmentBytes = "01234567890123456"
	done := make(chan struct{})

	cfg := newReplicatorConfig(t, sink, func(conn *websocket.Conn) {
		defer conn.Close()
		in, out := blip.NewMessenger(), blip.NewMessenger()

		respondToCheckpointWith404(t, conn, in, out)

		data, err := readFrame(conn)
		if err != nil {
			return
		}
		sub, err := in.Parse(data)
		if err != nil {
			t.Errorf("server parse subChanges: %v", err)
			return
		}

		ack := blip.NewMessage()
		ack.Number = sub.Number
		ack.Kind = blip.KindResponse
		writeFrame(t, conn, out, ack)

		changes := blip.NewMessage()
		changes.Number = 100
		changes.Kind = blip.KindRequest
		changes.Body = []byte(`[[1,"doc1","1-abc"]]`)
		writeFrame(t, conn, out, changes)

		data, err = readFrame(conn)
		if err != nil {
			return
		}
		if _, err := in.Parse(data); err != nil {
			t.Errorf("server parse changes ack: %v", err)
			return
		}

		resultingAck := blip.NewMessage()
		resultingAck.Number = changes.Number
		resultingAck.Kind = blip.KindAckResponse
		writeFrame(t, conn, out, resultingAck)

		doc := blip.NewMessage()
		doc.Number = 101
		doc.Kind = blip.KindRequest
		doc.NoReply = true
		doc.Properties = blip.NewProperties(blip.PropSequence, "1", blip.PropID, "doc1")
		doc.Body = []byte(`{"_attachments":{"img":{"digest":"sha1-xyz","length":17,"content_type":"image/png"}}}`)
		writeFrame(t, conn, out, doc)

		data, err = readFrame(conn)
		if err != nil {
			return
		}
		setCp, err := in.Parse(data)
		if err != nil {
			t.Errorf("server parse setCheckpoint: %v", err)
			return
		}
		if v, _ := setCp.Properties.Get(blip.PropProfile); v != "setCheckpoint" {
			t.Errorf("expected setCheckpoint, got Profile=%q", v)
		}
		cpReply := blip.NewMessage()
		cpReply.Number = setCp.Number
		cpReply.Kind = blip.KindResponse
		cpReply.Properties = blip.NewProperties(blip.PropRev, "2-def")
		writeFrame(t, conn, out, cpReply)

		data, err = readFrame(conn)
		if err != nil {
			return
		}
		getAtt, err := in.Parse(data)
		if err != nil {
			t.Errorf("server parse getAttachment: %v", err)
			return
		}
		if v, _ := getAtt.Properties.Get(blip.PropDigest); v != "sha1-xyz" {
			t.Errorf("getAttachment digest = %q, want sha1-xyz", v)
		}
		if v, _ := getAtt.Properties.Get(blip.PropDocID); v != "doc1" {
			t.Errorf("getAttachment docID = %q, want doc1", v)
		}
		attReply := blip.NewMessage()
		attReply.Number = getAtt.Number
		attReply.Kind = blip.KindResponse
		attReply.Body = []byte(attachmentBytes)
		writeFrame(t, conn, out, attReply)

		close(done)
	})

	r, err := replicator.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := r.Pull(context.Background()); err != nil {
		t.Fatalf("Pull: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not observe the full exchange")
	}

	if string(sink.docs["doc1"]) == "" {
		t.Fatal("expected doc1 to be written")
	}
	if got := string(sink.attachments["doc1"]); got != attachmentBytes {
		t.Errorf("attachment for doc1 = %q, want %q", got, attachmentBytes)
	}
}

func TestNewRejectsIncompleteConfig(t *testing.T) {
	if _, err := replicator.New(replicator.Config{}); err == nil {
		t.Fatal("expected New to reject an empty Config")
	}
	if _, err := replicator.New(replicator.Config{Database: "db", Target: "host"}); err == nil {
		t.Fatal("expected New to reject a Config with no Datastore")
	}
}

func TestClientIDDiffersForIndependentNodeIDs(t *testing.T) {
	sink := newMemSink()
	cfg := replicator.Config{
		Database:  "db",
		Target:    "localhost",
		Port:      4984,
		Type:      replicator.Pull,
		Datastore: sink,
	}
	r1, err := replicator.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r2, err := replicator.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if r1.ClientID() == r2.ClientID() {
		t.Error("expected distinct Replicators with independently generated node IDs to get distinct client IDs")
	}
	if r1.ClientID()[:3] != "cp-" {
		t.Errorf("ClientID() = %q, want cp- prefix", r1.ClientID())
	}
}
