package telemetry

import (
	"context"
	"math"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// Forwarder streams events to a monitor, reconnecting with exponential
// backoff. It never blocks its callers.
type Forwarder struct {
	URL    string
	Header http.Header

	sendCh   chan []byte
	dialer   *websocket.Dialer
	pingIntv time.Duration
	backoff  struct {
		initial time.Duration
		max     time.Duration
		jitter  time.Duration
	}
	dropped atomic.Uint64
	log     *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	connMu sync.RWMutex
	conn   *websocket.Conn
	wg     sync.WaitGroup
}

// NewForwarder starts forwarding to url.
func NewForwarder(url string) *Forwarder {
	ctx, cancel := context.WithCancel(context.Background())
	f := &Forwarder{
		URL:      url,
		Header:   make(http.Header),
		sendCh:   make(chan []byte, 1024),
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second, EnableCompression: true},
		pingIntv: 20 * time.Second,
		log:      logrus.WithField("component", "telemetry"),
		ctx:      ctx,
		cancel:   cancel,
	}
	f.backoff.initial = 500 * time.Millisecond
	f.backoff.max = 30 * time.Second
	f.backoff.jitter = 250 * time.Millisecond

	f.wg.Add(1)
	go f.run()
	return f
}

// Publish queues ev, dropping it when the queue is full.
func (f *Forwarder) Publish(ev Event) {
	if f.ctx.Err() != nil {
		return
	}
	b, err := ev.JSON()
	if err != nil {
		f.log.Debugf("encode event: %v", err)
		return
	}
	select {
	case f.sendCh <- b:
	default:
		if f.dropped.Inc()%100 == 1 {
			f.log.Warnf("telemetry queue full, %d events dropped so far", f.dropped.Load())
		}
	}
}

// Dropped is the number of events lost to a full queue.
func (f *Forwarder) Dropped() uint64 { return f.dropped.Load() }

func (f *Forwarder) Close() error {
	f.cancel()
	f.connMu.Lock()
	if f.conn != nil {
		_ = f.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
		_ = f.conn.Close()
		f.conn = nil
	}
	f.connMu.Unlock()
	f.wg.Wait()
	return nil
}

func (f *Forwarder) run() {
	defer f.wg.Done()
	attempt := 0
	for {
		conn, err := f.connect()
		if err != nil {
			if f.ctx.Err() != nil {
				return
			}
			f.log.Debugf("connect %s: %v", f.URL, err)
			if !f.sleep(f.nextBackoff(attempt)) {
				return
			}
			attempt++
			continue
		}
		attempt = 0

		readDone := make(chan error, 1)
		writeDone := make(chan error, 1)
		pingDone := make(chan error, 1)
		stop := make(chan struct{})

		var loops sync.WaitGroup
		loops.Add(3)
		go func() { defer loops.Done(); readDone <- f.readLoop(conn) }()
		go func() { defer loops.Done(); writeDone <- f.writeLoop(conn, stop) }()
		go func() { defer loops.Done(); pingDone <- f.pingLoop(conn, stop) }()

		select {
		case err = <-readDone:
		case err = <-writeDone:
		case err = <-pingDone:
		case <-f.ctx.Done():
		}
		close(stop)

		f.connMu.Lock()
		if f.conn != nil {
			_ = f.conn.Close()
			f.conn = nil
		}
		f.connMu.Unlock()
		loops.Wait()

		if f.ctx.Err() != nil {
			return
		}
		f.log.Debugf("connection to %s lost: %v", f.URL, err)
	}
}

func (f *Forwarder) connect() (*websocket.Conn, error) {
	if f.ctx.Err() != nil {
		return nil, context.Canceled
	}
	conn, _, err := f.dialer.DialContext(f.ctx, f.URL, f.Header)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(1 << 20)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * f.pingIntv))
	})
	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	return conn, nil
}

// readLoop only services control frames; the monitor sends no data.
func (f *Forwarder) readLoop(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(2 * f.pingIntv))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return err
		}
	}
}

func (f *Forwarder) writeLoop(conn *websocket.Conn, stop <-chan struct{}) error {
	for {
		select {
		case b := <-f.sendCh:
			_ = conn.SetWriteDeadline(time.Now().Add(15 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return errors.Wrap(err, "write event")
			}
		case <-stop:
			return nil
		}
	}
}

func (f *Forwarder) pingLoop(conn *websocket.Conn, stop <-chan struct{}) error {
	t := time.NewTicker(f.pingIntv)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return err
			}
		case <-stop:
			return nil
		}
	}
}

func (f *Forwarder) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-f.ctx.Done():
		return false
	}
}

func (f *Forwarder) nextBackoff(n int) time.Duration {
	d := time.Duration(math.Min(float64(f.backoff.initial)*math.Pow(2, float64(n)), float64(f.backoff.max)))
	if j := f.backoff.jitter; j > 0 {
		d += rand.N(j)
	}
	return d
}
