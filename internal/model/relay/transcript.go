package relay

import "time"

// Role 转录条目的说话方
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TranscriptEntry 一条完成话语的持久化记录。写入后不可变，
// 依靠ID保证重复追加的幂等性。
type TranscriptEntry struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	AudioRef  string    `json:"audioRef,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// SessionStatus 通过SSE推送给客户端的会话状态快照
type SessionStatus struct {
	SessionID string `json:"sessionId"`
	State     string `json:"state"`
	Message   string `json:"message"`
	Connected bool   `json:"connected"`
	LastError string `json:"lastError,omitempty"`
}
