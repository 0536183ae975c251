package core

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/roomrelay/internal/domain"
)

// Inbound and outbound "type" tags.
const (
	TypeChat       = "chat"
	TypeTyping     = "typing"
	TypeStopTyping = "stop_typing"
	TypeSwitchRoom = "switch_room"
	TypeSystem     = "system"
)

// Event is a decoded client-to-server message. The set of implementations is
// closed; anything with an unrecognised type decodes to UnknownEvent.
type Event interface {
	isEvent()
}

// JoinEvent is the first message on a connection. Empty fields mean the
// client omitted them (or sent something that is not a string).
type JoinEvent struct {
	Username string
	Room     domain.RoomName
}

type ChatEvent struct {
	Message string
	// VoiceData is opaque and forwarded byte for byte. Nil when absent.
	VoiceData json.RawMessage
	Duration  string
}

type TypingEvent struct{}

type StopTypingEvent struct{}

type SwitchRoomEvent struct {
	Room domain.RoomName
}

type UnknownEvent struct {
	Type string
}

func (JoinEvent) isEvent()       {}
func (ChatEvent) isEvent()       {}
func (TypingEvent) isEvent()     {}
func (StopTypingEvent) isEvent() {}
func (SwitchRoomEvent) isEvent() {}
func (UnknownEvent) isEvent()    {}

type fields map[string]json.RawMessage

func decodeFields(f Frame) (fields, error) {
	var raw fields
	if err := json.Unmarshal(f, &raw); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return raw, nil
}

// str returns the field as a string; missing or non-string values yield "".
func (fs fields) str(key string) string {
	v, ok := fs[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return ""
	}
	return s
}

// DecodeJoin parses the initial, untyped join payload.
func DecodeJoin(f Frame) (JoinEvent, error) {
	fs, err := decodeFields(f)
	if err != nil {
		return JoinEvent{}, err
	}
	return JoinEvent{
		Username: fs.str("username"),
		Room:     domain.RoomName(fs.str("room")),
	}, nil
}

// DecodeEvent parses a message received after the join.
// Only a frame that is not a JSON object is an error.
func DecodeEvent(f Frame) (Event, error) {
	fs, err := decodeFields(f)
	if err != nil {
		return nil, err
	}

	switch typ := fs.str("type"); typ {
	case TypeChat:
		ev := ChatEvent{Message: fs.str("message")}
		if v, ok := fs["voiceData"]; ok {
			ev.VoiceData = v
			ev.Duration = fs.str("duration")
		}
		return ev, nil
	case TypeTyping:
		return TypingEvent{}, nil
	case TypeStopTyping:
		return StopTypingEvent{}, nil
	case TypeSwitchRoom:
		return SwitchRoomEvent{Room: domain.RoomName(fs.str("room"))}, nil
	default:
		return UnknownEvent{Type: typ}, nil
	}
}
