package ipc

import (
	"bytes"
	"net"
	"strings"
	"sync"

	"go.uber.org/atomic"
)

// Client is the module side of the channel. Every method is safe to call
// on a disconnected client and does nothing then.
type Client struct {
	// Level and Target label batches written through Write.
	Level  string
	Target string

	mu        sync.Mutex
	conn      net.Conn
	buf       bytes.Buffer
	connected atomic.Bool
}

// Dial connects to the loader listening on name. When that fails the
// client starts out disconnected.
func Dial(name string) *Client {
	conn, err := dial(name)
	if err != nil {
		return &Client{Level: "INFO", Target: "medusa"}
	}
	return NewClient(conn)
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn) *Client {
	c := &Client{Level: "INFO", Target: "medusa", conn: conn}
	c.connected.Store(conn != nil)
	return c
}

// Connected reports whether writes still reach the loader.
func (c *Client) Connected() bool { return c.connected.Load() }

// Authenticate presents pid and code.
func (c *Client) Authenticate(pid uint32, code uint64) {
	c.send(Message{Auth: &Auth{PID: pid, Code: code}})
}

// Send forwards one record.
func (c *Client) Send(rec Record) {
	c.send(Message{Log: &rec})
}

// Write buffers p until Flush. It never fails.
func (c *Client) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.buf.Write(p)
	}
	return len(p), nil
}

// Flush sends everything written since the last flush as one record.
func (c *Client) Flush() error {
	c.mu.Lock()
	text := strings.TrimRight(c.buf.String(), "\r\n")
	c.buf.Reset()
	c.mu.Unlock()
	if text == "" {
		return nil
	}
	c.Send(Record{
		Level:  c.Level,
		Target: c.Target,
		Fields: map[string]any{"message": text},
	})
	return nil
}

// Close flushes and disconnects.
func (c *Client) Close() error {
	_ = c.Flush()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnect()
	return nil
}

func (c *Client) send(m Message) {
	payload, err := EncodeMessage(m)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return
	}
	if err := WriteFrame(c.conn, payload); err != nil {
		c.disconnect()
	}
}

// disconnect must be called with mu held.
func (c *Client) disconnect() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.connected.Store(false)
	c.buf.Reset()
}
