package app

import (
	"context"
	"time"

	"github.com/dkeye/roomrelay/internal/core"
	"github.com/dkeye/roomrelay/internal/domain"
	"github.com/dkeye/roomrelay/internal/metrics"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/panics"
)

// TimeLayout is the 12-hour clock stamped on chat broadcasts.
const TimeLayout = "03:04 PM"

const defaultDuration = "0:00"

// SessionHandler drives connections from join to teardown. One handler is
// shared by all connections; per-connection state lives in session.
type SessionHandler struct {
	registry        *Registry
	metrics         *metrics.Metrics
	now             func() time.Time
	defaultUsername string
	defaultRoom     domain.RoomName
}

type SessionOption func(*SessionHandler)

func WithClock(now func() time.Time) SessionOption {
	return func(h *SessionHandler) { h.now = now }
}

// WithDefaults overrides the fallback username and room. Empty values keep
// the built-in defaults.
func WithDefaults(username string, room domain.RoomName) SessionOption {
	return func(h *SessionHandler) {
		if username != "" {
			h.defaultUsername = username
		}
		if room != "" {
			h.defaultRoom = room
		}
	}
}

func WithSessionMetrics(m *metrics.Metrics) SessionOption {
	return func(h *SessionHandler) { h.metrics = m }
}

func NewSessionHandler(reg *Registry, opts ...SessionOption) *SessionHandler {
	h := &SessionHandler{
		registry:        reg,
		now:             time.Now,
		defaultUsername: domain.DefaultUsername,
		defaultRoom:     domain.DefaultRoom,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type session struct {
	h        *SessionHandler
	t        core.Transport
	username string
	room     domain.RoomName
}

// Serve runs one connection until its transport fails or a message cannot be
// handled, then removes its membership, announces the disconnect and closes
// the transport. The returned error is the reason the session ended.
func (h *SessionHandler) Serve(ctx context.Context, t core.Transport) error {
	defer t.Close()
	sid := t.ID()

	frame, err := t.Receive(ctx)
	if err != nil {
		log.Info().Err(err).Str("module", "app.session").Str("conn", string(sid)).Msg("closed before join")
		return err
	}
	join, err := core.DecodeJoin(frame)
	if err != nil {
		log.Error().Err(err).Str("module", "app.session").Str("conn", string(sid)).Msg("bad join payload")
		return err
	}

	s := &session{
		h:        h,
		t:        t,
		username: orDefault(join.Username, h.defaultUsername),
		room:     domain.RoomName(orDefault(string(join.Room), string(h.defaultRoom))),
	}
	h.registry.Join(t, s.username, s.room)
	defer s.teardown()

	for {
		frame, err := t.Receive(ctx)
		if err != nil {
			log.Info().Err(err).Str("module", "app.session").Str("conn", string(sid)).Str("username", s.username).Msg("disconnected")
			return err
		}
		if err := s.handle(frame); err != nil {
			log.Error().Err(err).Str("module", "app.session").Str("conn", string(sid)).Str("username", s.username).Msg("session fault")
			return err
		}
	}
}

// handle processes one frame. A panic is contained to this session and
// reported as an error.
func (s *session) handle(frame core.Frame) error {
	var (
		pc  panics.Catcher
		err error
	)
	pc.Try(func() { err = s.dispatch(frame) })
	if r := pc.Recovered(); r != nil {
		return r.AsError()
	}
	return err
}

func (s *session) dispatch(frame core.Frame) error {
	ev, err := core.DecodeEvent(frame)
	if err != nil {
		return err
	}
	reg := s.h.registry

	switch ev := ev.(type) {
	case core.ChatEvent:
		s.h.metrics.Event(core.TypeChat)
		msg := core.ChatBroadcast{
			Type:     core.TypeChat,
			Username: s.username,
			Message:  ev.Message,
			Time:     s.h.now().Format(TimeLayout),
		}
		if ev.VoiceData != nil {
			msg.VoiceData = ev.VoiceData
			msg.Duration = orDefault(ev.Duration, defaultDuration)
		}
		reg.Broadcast(s.room, msg)

	case core.TypingEvent:
		s.h.metrics.Event(core.TypeTyping)
		reg.Broadcast(s.room, core.TypingNotice{Type: core.TypeTyping, Username: s.username})

	case core.StopTypingEvent:
		s.h.metrics.Event(core.TypeStopTyping)
		reg.Broadcast(s.room, core.TypingNotice{Type: core.TypeStopTyping, Username: s.username})

	case core.SwitchRoomEvent:
		s.h.metrics.Event(core.TypeSwitchRoom)
		oldRoom := s.room
		newRoom := domain.RoomName(orDefault(string(ev.Room), string(s.h.defaultRoom)))
		if !reg.SetRoom(s.t.ID(), newRoom) {
			log.Warn().Str("module", "app.session").Str("conn", string(s.t.ID())).Msg("switch_room without membership")
		}
		s.room = newRoom
		reg.Broadcast(oldRoom, core.NewSystemNotice(s.username+" left the room"))
		reg.Broadcast(newRoom, core.NewSystemNotice(s.username+" joined "+string(newRoom)))

	default:
		s.h.metrics.Event("unknown")
	}
	return nil
}

// teardown announces the disconnect to the room held in the registry.
func (s *session) teardown() {
	member, ok := s.h.registry.Leave(s.t.ID())
	if !ok {
		return
	}
	s.h.registry.Broadcast(member.Room, core.NewSystemNotice(member.Username+" disconnected"))
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
