package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	dialTimeout  = 10 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 5 * time.Second
)

// Conn wraps a websocket connection and serializes data-frame writes.
// gorilla/websocket allows only one concurrent writer; subscription frames
// and keepalive pings come from different goroutines.
type Conn struct {
	ws *websocket.Conn

	wmu sync.Mutex
}

// Dial opens a websocket connection with a bounded dial timeout.
func Dial(ctx context.Context, wsURL string) (*Conn, error) {
	cctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	ws, _, err := websocket.DefaultDialer.DialContext(cctx, wsURL, nil)
	if err != nil {
		return nil, err
	}
	return &Conn{ws: ws}, nil
}

func (c *Conn) Close() error { return c.ws.Close() }

// WriteJSON sends one JSON text frame under the write lock.
func (c *Conn) WriteJSON(v any) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(v)
}

func (c *Conn) writeText(b []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

// ReadLoopOpts tunes the keepalive behavior per venue. A nil PingPayload
// sends protocol-level ping control frames; otherwise the payload goes out
// as a text frame (venues with application-level pings).
type ReadLoopOpts struct {
	PingInterval time.Duration
	PingPayload  []byte
}

// ReadLoop pumps messages from conn into onMsg until the context is
// cancelled, the read fails, or a keepalive write fails. Any successful
// read or pong resets the read deadline.
func ReadLoop(ctx context.Context, conn *Conn, opts ReadLoopOpts, onMsg func([]byte)) error {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 25 * time.Second
	}

	_ = conn.ws.SetReadDeadline(time.Now().Add(readTimeout))
	conn.ws.SetPongHandler(func(string) error {
		_ = conn.ws.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	pingTicker := time.NewTicker(opts.PingInterval)
	defer pingTicker.Stop()

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		for {
			_, b, err := conn.ws.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			_ = conn.ws.SetReadDeadline(time.Now().Add(readTimeout))
			onMsg(b)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case <-pingTicker.C:
			var err error
			if opts.PingPayload == nil {
				// Control frames carry their own lock inside gorilla.
				err = conn.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeTimeout))
			} else {
				err = conn.writeText(opts.PingPayload)
			}
			if err != nil {
				return err
			}
		}
	}
}

// Reason renders a disconnect error for status reporting.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
