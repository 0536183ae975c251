package app

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/roomrelay/internal/core"
)

// fakeConn records every frame it is sent. With fail set, sends return
// ErrBackpressure and nothing is recorded.
type fakeConn struct {
	id core.ConnID

	mu     sync.Mutex
	frames []core.Frame
	fail   bool
	closed bool
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: core.ConnID(id)} }

func (c *fakeConn) ID() core.ConnID { return c.id }

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return core.ErrBackpressure
	}
	if c.closed {
		return core.ErrConnClosed
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) setFail(v bool) {
	c.mu.Lock()
	c.fail = v
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) messages(t *testing.T) []map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.frames))
	for _, f := range c.frames {
		var m map[string]any
		if err := json.Unmarshal(f, &m); err != nil {
			t.Fatalf("frame %q is not JSON: %v", f, err)
		}
		out = append(out, m)
	}
	return out
}

// waitMessages polls until conn has at least n messages.
func waitMessages(t *testing.T, c *fakeConn, n int) []map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		msgs := c.messages(t)
		if len(msgs) >= n {
			return msgs
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s: got %d messages, want %d: %v", c.id, len(msgs), n, msgs)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// fakeTransport feeds frames pushed on in to the session. Closing in (via
// hangup) makes Receive fail like a dropped connection.
type fakeTransport struct {
	*fakeConn
	in     chan core.Frame
	hangup sync.Once
}

func newFakeTransport(id string) *fakeTransport {
	return &fakeTransport{fakeConn: newFakeConn(id), in: make(chan core.Frame, 16)}
}

func (t *fakeTransport) Receive(ctx context.Context) (core.Frame, error) {
	select {
	case f, ok := <-t.in:
		if !ok {
			return nil, core.ErrConnClosed
		}
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *fakeTransport) push(v string) { t.in <- core.Frame(v) }

func (t *fakeTransport) disconnect() { t.hangup.Do(func() { close(t.in) }) }

func assertNotice(t *testing.T, msg map[string]any, want string) {
	t.Helper()
	if msg["type"] != core.TypeSystem || msg["message"] != want {
		t.Errorf("got %v, want system notice %q", msg, want)
	}
}
