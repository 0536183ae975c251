package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/roomrelay/internal/core"
)

var fixedNow = func() time.Time { return time.Date(2026, 10, 14, 15, 4, 0, 0, time.UTC) }

type sessionHarness struct {
	t    *testing.T
	reg  *Registry
	h    *SessionHandler
	errc chan error
}

func newHarness(t *testing.T, opts ...SessionOption) *sessionHarness {
	t.Helper()
	reg := NewRegistry()
	opts = append([]SessionOption{WithClock(fixedNow)}, opts...)
	return &sessionHarness{t: t, reg: reg, h: NewSessionHandler(reg, opts...), errc: make(chan error, 1)}
}

func (s *sessionHarness) serve(tr *fakeTransport) {
	ctx, cancel := context.WithCancel(context.Background())
	s.t.Cleanup(cancel)
	go func() { s.errc <- s.h.Serve(ctx, tr) }()
}

func (s *sessionHarness) wait() error {
	s.t.Helper()
	select {
	case err := <-s.errc:
		return err
	case <-time.After(2 * time.Second):
		s.t.Fatal("session did not end")
		return nil
	}
}

func (s *sessionHarness) waitJoined(id core.ConnID) {
	s.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := s.reg.Get(id); ok {
			return
		}
		if time.Now().After(deadline) {
			s.t.Fatalf("%s never joined", id)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := newHarness(t)
	bob := newFakeConn("bob")
	carol := newFakeConn("carol")
	s.reg.Join(bob, "bob", "general")
	s.reg.Join(carol, "carol", "vip")

	alice := newFakeTransport("alice")
	s.serve(alice)

	alice.push(`{"username":"alice","room":"general"}`)
	msgs := waitMessages(t, bob, 2)
	assertNotice(t, msgs[1], "alice joined general")
	assertNotice(t, waitMessages(t, alice.fakeConn, 1)[0], "alice joined general")

	alice.push(`{"type":"chat","message":"hi"}`)
	msgs = waitMessages(t, bob, 3)
	chat := msgs[2]
	if chat["type"] != "chat" || chat["username"] != "alice" || chat["message"] != "hi" || chat["time"] != "03:04 PM" {
		t.Errorf("chat broadcast = %v", chat)
	}
	if _, ok := chat["voiceData"]; ok {
		t.Error("text chat carries voiceData")
	}

	alice.push(`{"type":"switch_room","room":"vip"}`)
	assertNotice(t, waitMessages(t, bob, 4)[3], "alice left the room")
	assertNotice(t, waitMessages(t, carol, 2)[1], "alice joined vip")
	if m, _ := s.reg.Get("alice"); m.Room != "vip" {
		t.Errorf("registry room = %q, want vip", m.Room)
	}

	alice.disconnect()
	if err := s.wait(); !errors.Is(err, core.ErrConnClosed) {
		t.Errorf("Serve returned %v, want ErrConnClosed", err)
	}
	assertNotice(t, waitMessages(t, carol, 3)[2], "alice disconnected")
	if _, ok := s.reg.Get("alice"); ok {
		t.Error("alice still registered after disconnect")
	}
	if !alice.isClosed() {
		t.Error("transport not closed on teardown")
	}
	if n := len(bob.messages(t)); n != 4 {
		t.Errorf("bob received %d messages, want 4", n)
	}
}

func TestSessionJoinDefaults(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		username string
		room     string
	}{
		{"empty object", `{}`, "Anonymous", "general"},
		{"empty strings", `{"username":"","room":""}`, "Anonymous", "general"},
		{"non-string fields", `{"username":42,"room":["x"]}`, "Anonymous", "general"},
		{"null payload", `null`, "Anonymous", "general"},
		{"given", `{"username":"zoë 🎧","room":"#lounge"}`, "zoë 🎧", "#lounge"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newHarness(t)
			tr := newFakeTransport("c1")
			s.serve(tr)
			tr.push(tt.payload)
			s.waitJoined("c1")

			m, _ := s.reg.Get("c1")
			if m.Username != tt.username || string(m.Room) != tt.room {
				t.Errorf("membership = %+v, want %s/%s", m, tt.username, tt.room)
			}
			tr.disconnect()
			s.wait()
		})
	}
}

func TestSessionConfiguredDefaults(t *testing.T) {
	s := newHarness(t, WithDefaults("guest", "lobby"))
	tr := newFakeTransport("c1")
	s.serve(tr)
	tr.push(`{}`)
	s.waitJoined("c1")

	if m, _ := s.reg.Get("c1"); m.Username != "guest" || m.Room != "lobby" {
		t.Errorf("membership = %+v", m)
	}

	tr.push(`{"type":"switch_room"}`)
	assertNotice(t, waitMessages(t, tr.fakeConn, 3)[2], "guest joined lobby")
	tr.disconnect()
	s.wait()
}

func TestSessionVoiceChat(t *testing.T) {
	s := newHarness(t)
	peer := newFakeConn("peer")
	s.reg.Join(peer, "peer", "general")

	tr := newFakeTransport("alice")
	s.serve(tr)
	tr.push(`{"username":"alice"}`)
	waitMessages(t, peer, 2)

	tr.push(`{"type":"chat","voiceData":"UklGRiQAAABXQVZF"}`)
	tr.push(`{"type":"chat","message":"memo","voiceData":{"codec":"opus","b64":"AAA="},"duration":"0:07"}`)
	msgs := waitMessages(t, peer, 4)

	first := msgs[2]
	if first["voiceData"] != "UklGRiQAAABXQVZF" || first["duration"] != "0:00" || first["message"] != "" {
		t.Errorf("voice broadcast = %v", first)
	}
	second := msgs[3]
	vd, ok := second["voiceData"].(map[string]any)
	if !ok || vd["codec"] != "opus" || vd["b64"] != "AAA=" || second["duration"] != "0:07" {
		t.Errorf("voice broadcast = %v", second)
	}

	tr.disconnect()
	s.wait()
}

func TestSessionTypingAndUnknown(t *testing.T) {
	s := newHarness(t)
	peer := newFakeConn("peer")
	s.reg.Join(peer, "peer", "general")

	tr := newFakeTransport("alice")
	s.serve(tr)
	tr.push(`{"username":"alice"}`)
	waitMessages(t, peer, 2)

	tr.push(`{"type":"typing"}`)
	tr.push(`{"type":"reaction","emoji":"+1"}`)
	tr.push(`{"message":"no type"}`)
	tr.push(`{"type":"stop_typing"}`)
	msgs := waitMessages(t, peer, 4)

	if msgs[2]["type"] != "typing" || msgs[2]["username"] != "alice" {
		t.Errorf("typing = %v", msgs[2])
	}
	if msgs[3]["type"] != "stop_typing" || msgs[3]["username"] != "alice" {
		t.Errorf("stop_typing = %v", msgs[3])
	}
	if _, ok := s.reg.Get("alice"); !ok {
		t.Error("unknown event ended the session")
	}

	tr.disconnect()
	s.wait()
	if n := len(peer.messages(t)); n != 5 {
		t.Errorf("peer received %d messages, want 5", n)
	}
}

func TestSessionMalformedFrameIsTerminal(t *testing.T) {
	s := newHarness(t)
	peer := newFakeConn("peer")
	s.reg.Join(peer, "peer", "general")

	tr := newFakeTransport("alice")
	s.serve(tr)
	tr.push(`{"username":"alice"}`)
	waitMessages(t, peer, 2)

	tr.push(`not json`)
	if err := s.wait(); err == nil {
		t.Fatal("Serve returned nil for a malformed frame")
	}
	assertNotice(t, waitMessages(t, peer, 3)[2], "alice disconnected")
	if _, ok := s.reg.Get("alice"); ok {
		t.Error("membership leaked")
	}
}

func TestSessionPanicIsContained(t *testing.T) {
	s := newHarness(t, WithClock(func() time.Time { panic("clock broke") }))
	peer := newFakeConn("peer")
	s.reg.Join(peer, "peer", "general")

	tr := newFakeTransport("alice")
	s.serve(tr)
	tr.push(`{"username":"alice"}`)
	waitMessages(t, peer, 2)

	tr.push(`{"type":"chat","message":"boom"}`)
	if err := s.wait(); err == nil {
		t.Fatal("Serve returned nil after a panic")
	}
	assertNotice(t, waitMessages(t, peer, 3)[2], "alice disconnected")
	if s.reg.Count() != 1 {
		t.Errorf("Count = %d, want 1", s.reg.Count())
	}
}

func TestSessionEndsBeforeJoin(t *testing.T) {
	s := newHarness(t)

	tr := newFakeTransport("early")
	s.serve(tr)
	tr.disconnect()
	if err := s.wait(); !errors.Is(err, core.ErrConnClosed) {
		t.Errorf("Serve = %v", err)
	}

	bad := newFakeTransport("bad")
	s.serve(bad)
	bad.push(`{"username":`)
	if err := s.wait(); err == nil {
		t.Error("bad join payload accepted")
	}

	if s.reg.Count() != 0 {
		t.Errorf("Count = %d, want 0", s.reg.Count())
	}
	if !tr.isClosed() || !bad.isClosed() {
		t.Error("transports not closed")
	}
}

func TestSessionEvictedMidSessionHasNoFarewell(t *testing.T) {
	s := newHarness(t)
	peer := newFakeConn("peer")
	s.reg.Join(peer, "peer", "general")

	tr := newFakeTransport("alice")
	s.serve(tr)
	tr.push(`{"username":"alice"}`)
	waitMessages(t, peer, 2)

	tr.setFail(true)
	tr.push(`{"type":"chat","message":"last words"}`)
	msgs := waitMessages(t, peer, 3)
	if msgs[2]["message"] != "last words" {
		t.Errorf("peer got %v", msgs[2])
	}

	// The late switch_room finds no membership and must not resurrect one.
	tr.push(`{"type":"switch_room","room":"vip"}`)
	assertNotice(t, waitMessages(t, peer, 4)[3], "alice left the room")
	if _, ok := s.reg.Get("alice"); ok {
		t.Error("evicted session re-registered")
	}

	tr.disconnect()
	s.wait()
	if n := len(peer.messages(t)); n != 4 {
		t.Errorf("peer received %d messages, want 4 (no farewell after eviction)", n)
	}
}
