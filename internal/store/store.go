package store

import (
	"context"
	"errors"

	"github.com/zhouzirui/voice-bridge/backend/internal/model/relay"
)

var (
	ErrSessionNotFound        = errors.New("session not found")
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
)

// Gateway 转录存储的窄接口：会话状态机只依赖追加与读取
type Gateway interface {
	// CreateSession 登记一个新会话，使历史查询在首帧之前就可用
	CreateSession(ctx context.Context, sessionID string) error
	// AppendTranscript 追加转录条目。按条目ID幂等，可安全地至少一次投递
	AppendTranscript(ctx context.Context, sessionID string, entries []relay.TranscriptEntry) error
	// LoadHistory 按会话ID读取全部转录条目（写入顺序）
	LoadHistory(ctx context.Context, sessionID string) ([]relay.TranscriptEntry, error)
}
