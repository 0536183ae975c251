package app

import (
	"sort"
	"sync"

	"github.com/dkeye/roomrelay/internal/core"
	"github.com/dkeye/roomrelay/internal/domain"
	"github.com/dkeye/roomrelay/internal/metrics"
	"github.com/rs/zerolog/log"
)

type sessionEntry struct {
	Conn   core.Conn
	Member domain.Membership
}

// Registry is the single source of truth for which connection is in which
// room. All membership mutation goes through it; sends happen outside the lock.
type Registry struct {
	mu       sync.RWMutex
	sessions map[core.ConnID]*sessionEntry
	metrics  *metrics.Metrics
}

type RegistryOption func(*Registry)

func WithMetrics(m *metrics.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		sessions: make(map[core.ConnID]*sessionEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Join stores (or overwrites) the membership of conn and announces it to the
// room. The joining connection is already registered when the notice goes out,
// so it receives its own "joined" notice.
func (r *Registry) Join(conn core.Conn, username string, room domain.RoomName) {
	sid := conn.ID()
	r.mu.Lock()
	r.sessions[sid] = &sessionEntry{
		Conn:   conn,
		Member: domain.NewMembership(username, room),
	}
	// Published under the lock so concurrent mutations cannot reorder it.
	r.metrics.SetActive(len(r.sessions))
	r.mu.Unlock()

	log.Info().Str("module", "app.registry").Str("conn", string(sid)).Str("username", username).Str("room", string(room)).Msg("joined")
	r.Broadcast(room, core.NewSystemNotice(username+" joined "+string(room)))
}

// Leave removes the membership and returns it. Removing an unknown connection
// is a no-op that reports false.
func (r *Registry) Leave(sid core.ConnID) (domain.Membership, bool) {
	return r.remove(sid, nil)
}

// remove deletes sid's entry. When only is non-nil the entry is removed only if
// it still belongs to that connection.
func (r *Registry) remove(sid core.ConnID, only core.Conn) (domain.Membership, bool) {
	r.mu.Lock()
	entry, ok := r.sessions[sid]
	if !ok || (only != nil && entry.Conn != only) {
		r.mu.Unlock()
		return domain.Membership{}, false
	}
	delete(r.sessions, sid)
	r.metrics.SetActive(len(r.sessions))
	r.mu.Unlock()

	log.Info().Str("module", "app.registry").Str("conn", string(sid)).Str("room", string(entry.Member.Room)).Msg("unbind session")
	return entry.Member, true
}

// SetRoom moves an existing membership to newRoom. It reports false, and does
// nothing, when sid has no membership (e.g. it was just evicted).
func (r *Registry) SetRoom(sid core.ConnID, newRoom domain.RoomName) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.sessions[sid]
	if !ok {
		return false
	}
	entry.Member.Room = newRoom
	log.Info().Str("module", "app.registry").Str("conn", string(sid)).Str("room", string(newRoom)).Msg("updated room")
	return true
}

// Get returns a copy of sid's membership.
func (r *Registry) Get(sid core.ConnID) (domain.Membership, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.sessions[sid]
	if !ok {
		return domain.Membership{}, false
	}
	return entry.Member, true
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

type regSnap struct {
	SID    core.ConnID
	Conn   core.Conn
	Member domain.Membership
}

// MembersOfRoom is a point-in-time copy of the room, ordered by connection id.
func (r *Registry) MembersOfRoom(name domain.RoomName) []regSnap {
	r.mu.RLock()
	out := make([]regSnap, 0, len(r.sessions))
	for sid, e := range r.sessions {
		if e.Member.Room == name {
			out = append(out, regSnap{SID: sid, Conn: e.Conn, Member: e.Member})
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SID < out[j].SID })
	return out
}

type RoomInfo struct {
	Name        domain.RoomName `json:"name"`
	MemberCount int             `json:"member_count"`
}

// Rooms lists every room that currently has at least one member.
func (r *Registry) Rooms() []RoomInfo {
	r.mu.RLock()
	counts := make(map[domain.RoomName]int)
	for _, e := range r.sessions {
		counts[e.Member.Room]++
	}
	r.mu.RUnlock()

	out := make([]RoomInfo, 0, len(counts))
	for name, n := range counts {
		out = append(out, RoomInfo{Name: name, MemberCount: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Broadcast sends msg to every connection in room at the time of the call.
// A failed send marks the connection dead; dead connections are removed after
// the whole pass. Failures never reach the caller.
func (r *Registry) Broadcast(room domain.RoomName, msg any) {
	frame, err := core.Encode(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "app.registry").Str("room", string(room)).Msg("broadcast encode")
		return
	}

	targets := r.MembersOfRoom(room)
	var dead []regSnap
	for _, snap := range targets {
		if err := snap.Conn.TrySend(frame); err != nil {
			log.Debug().Err(err).Str("module", "app.registry").Str("conn", string(snap.SID)).Msg("send failed")
			dead = append(dead, snap)
		}
	}

	for _, snap := range dead {
		if _, ok := r.remove(snap.SID, snap.Conn); ok {
			r.metrics.Evicted()
			log.Info().Str("module", "app.registry").Str("conn", string(snap.SID)).Str("username", snap.Member.Username).Msg("evicted dead connection")
		}
	}

	sent := len(targets) - len(dead)
	r.metrics.Broadcast(sent)
	log.Debug().Str("module", "app.registry").Str("room", string(room)).Int("sent_to", sent).Int("dropped", len(dead)).Msg("broadcast result")
}

// CloseAll closes every registered transport. Memberships are left for the
// sessions to remove as their read loops fail.
func (r *Registry) CloseAll() int {
	r.mu.RLock()
	conns := make([]core.Conn, 0, len(r.sessions))
	for _, e := range r.sessions {
		conns = append(conns, e.Conn)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		c.Close()
	}
	log.Info().Str("module", "app.registry").Int("closed", len(conns)).Msg("closed all connections")
	return len(conns)
}
