package models

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one turn of a session. MsgID is unique within the session and
// assigned sequentially; a user message at id N is paired with its assistant
// reply at id N+1. Text grows append-only while the reply is streaming.
type Message struct {
	SessionID      string    `json:"session_id"`
	MsgID          int       `json:"msg_id"`
	Role           Role      `json:"role"`
	Text           string    `json:"text"`
	VaultFiles     []string  `json:"vault_files,omitempty"`
	Suggestions    []string  `json:"suggestions,omitempty"`
	VoiceSessionID *string   `json:"voice_session_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
