package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func startDiscardServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsAddr(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// Subscription writes racing the keepalive writer used to crash the
// process with "concurrent write to websocket connection".
func TestConcurrentWritesDuringKeepalive(t *testing.T) {
	srv := startDiscardServer(t)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	conn, err := Dial(ctx, wsAddr(srv))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	done := make(chan error, 1)
	go func() {
		done <- ReadLoop(ctx, conn, ReadLoopOpts{
			PingInterval: time.Millisecond,
			PingPayload:  []byte(`{"op":"ping"}`),
		}, func([]byte) {})
	}()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				_ = conn.WriteJSON(map[string]string{"op": "subscribe"})
			}
		}()
	}
	wg.Wait()
	<-done
}

func TestReadLoopStopsOnContextCancel(t *testing.T) {
	srv := startDiscardServer(t)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	conn, err := Dial(ctx, wsAddr(srv))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	done := make(chan error, 1)
	go func() {
		done <- ReadLoop(ctx, conn, ReadLoopOpts{PingInterval: time.Hour}, func([]byte) {})
	}()
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("ReadLoop returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("ReadLoop did not stop after cancel")
	}
}
