package blip

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Subprotocol is the single WebSocket subprotocol this package offers during
// the handshake (spec.md section 6).
const Subprotocol = "BLIP_3+CBMobile_3"

// queueDepth sizes the read/write channels standing in for spec.md's
// read_queue/write_queue.
const queueDepth = 64

// Client owns a single WebSocket connection and runs the two-task
// (reader/writer) transport pump described in spec.md section 4.D. It never
// interprets BLIP frame contents; Protocol is the layer that does.
//
// Grounded on the teacher's pkg/devtools/{session,transport}.go
// reader/writer-goroutine pair and per-exchange channel correlation pattern,
// generalized here to the two-queue model spec.md specifies; the WebSocket
// bytes themselves are handled by gorilla/websocket rather than a hand-rolled
// RFC 6455 client, since the transport is an out-of-scope external
// collaborator for this spec (see DESIGN.md).
type Client struct {
	conn *websocket.Conn

	readQueue  chan []byte
	writeQueue chan []byte

	statusMu sync.Mutex
	status   ClientError // zero value means "still running / closed cleanly"

	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger zerolog.Logger
}

// Dial opens a WebSocket connection to urlStr (ws[s]://host:port/db/_blipsync,
// per spec.md section 6), offering the BLIP subprotocol and the given
// caller-supplied headers (produced by an auth.Header implementation), and
// starts the reader/writer pump. On a non-101 handshake response, the
// returned error wraps a *ClientError carrying the HTTP status (e.g. 401,
// 501, 500).
func Dial(ctx context.Context, urlStr string, header http.Header) (*Client, error) {
	dialer := &websocket.Dialer{
		Subprotocols:     []string{Subprotocol},
		HandshakeTimeout: 15 * time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, urlStr, header)
	if err != nil {
		status := 500
		msg := err.Error()
		if resp != nil {
			status = resp.StatusCode
			msg = truncateStatus(resp.Status)
		}
		return nil, fmt.Errorf("blip: websocket handshake failed: %w", &ClientError{Status: status, Message: msg})
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:       conn,
		readQueue:  make(chan []byte, queueDepth),
		writeQueue: make(chan []byte, queueDepth),
		cancel:     cancel,
		logger:     log.With().Str("component", "blip.Client").Logger(),
	}

	c.wg.Add(2)
	go c.reader(pumpCtx)
	go c.writer(pumpCtx)

	return c, nil
}

// truncateStatus bounds a status message to 256 bytes, per spec.md 4.D.
func truncateStatus(s string) string {
	const max = 256
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// Enqueue pushes one outbound frame onto the write queue, blocking while the
// queue is full. It returns an error if the pump has already failed.
func (c *Client) Enqueue(frame []byte) error {
	if status, failed := c.Status(); failed {
		return &status
	}
	c.writeQueue <- frame
	return nil
}

// ReadQueue exposes the channel of complete inbound frames. It is closed
// when the pump fails or is stopped, which is this implementation's
// rendering of spec.md's "sentinel pushed to unblock consumers."
func (c *Client) ReadQueue() <-chan []byte {
	return c.readQueue
}

// Status reports the pump's current failure status (zero Status means still
// healthy) and whether it has failed.
func (c *Client) Status() (ClientError, bool) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	return c.status, c.status.Status != 0
}

func (c *Client) setStatus(code int, message string) {
	c.statusMu.Lock()
	if c.status.Status == 0 {
		c.status = ClientError{Status: code, Message: truncateStatus(message)}
	}
	c.statusMu.Unlock()
}

// reader is one of the pump's two cooperating tasks: it reads whole
// WebSocket messages (each one complete BLIP frame) and pushes them onto
// readQueue. It blocks in ReadMessage without a read deadline (a timed-out
// read leaves a gorilla/websocket connection unusable); Stop closes the
// connection, which unblocks the pending read.
func (c *Client) reader(ctx context.Context) {
	defer c.wg.Done()
	defer close(c.readQueue)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return // Stop() closed the connection; clean shutdown.
			}
			code, msg := classifyCloseError(err)
			c.logger.Debug().Err(err).Msg("reader: connection ended")
			c.setStatus(code, msg)
			return
		}
		select {
		case c.readQueue <- data:
		case <-ctx.Done():
			return
		}
	}
}

// writer is the pump's other task: it drains writeQueue and sends each
// frame as a binary WebSocket message, in enqueue order.
func (c *Client) writer(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-c.writeQueue:
			if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				c.logger.Debug().Err(err).Msg("writer: write failed")
				code, msg := classifyCloseError(err)
				c.setStatus(code, msg)
				return
			}
		}
	}
}

// classifyCloseError maps a WebSocket read/write error to the HTTP-style
// status code spec.md 4.D expects the pump to report.
func classifyCloseError(err error) (int, string) {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return 200, "connection closed normally"
	}
	return 500, err.Error()
}

// Stop disconnects the WebSocket and joins both pump goroutines, per
// spec.md 4.D/5 ("stop() posts a close request ... both tasks observe the
// socket close, drain, and exit").
func (c *Client) Stop() {
	c.cancel()
	c.conn.Close()
	c.wg.Wait()
}
