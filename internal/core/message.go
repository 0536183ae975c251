package core

import (
	"encoding/json"
	"fmt"
)

// SystemNotice is synthesized by the server for membership changes.
type SystemNotice struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewSystemNotice(message string) SystemNotice {
	return SystemNotice{Type: TypeSystem, Message: message}
}

// ChatBroadcast is a chat event enriched with sender and server time.
type ChatBroadcast struct {
	Type      string          `json:"type"`
	Username  string          `json:"username"`
	Message   string          `json:"message"`
	Time      string          `json:"time"`
	VoiceData json.RawMessage `json:"voiceData,omitempty"`
	Duration  string          `json:"duration,omitempty"`
}

// TypingNotice carries both "typing" and "stop_typing".
type TypingNotice struct {
	Type     string `json:"type"`
	Username string `json:"username"`
}

// Encode renders an outbound message once so it can be fanned out as is.
func Encode(v any) (Frame, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return Frame(b), nil
}
