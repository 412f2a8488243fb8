package store

import (
	"context"
	"sync"
	"time"

	"github.com/zhouzirui/voice-bridge/backend/internal/model/relay"
)

// MemoryStore 将转录保存在进程内存中，适用于本地开发与测试；
// 需要持久化的部署使用Postgres存储。
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]relay.TranscriptEntry
	seen    map[string]struct{}
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string][]relay.TranscriptEntry),
		seen:    make(map[string]struct{}),
	}
}

// CreateSession 登记会话，使历史查询在首条转录之前即可用
func (s *MemoryStore) CreateSession(_ context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[sessionID]; !ok {
		s.entries[sessionID] = make([]relay.TranscriptEntry, 0, 16)
	}
	return nil
}

// AppendTranscript 追加条目，已见过的条目ID直接跳过
func (s *MemoryStore) AppendTranscript(_ context.Context, sessionID string, entries []relay.TranscriptEntry) error {
	if sessionID == "" {
		return ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[sessionID]; !ok {
		s.entries[sessionID] = make([]relay.TranscriptEntry, 0, len(entries))
	}

	for _, entry := range entries {
		if _, dup := s.seen[entry.ID]; dup {
			continue
		}
		s.seen[entry.ID] = struct{}{}

		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = time.Now().UTC()
		}
		entry.SessionID = sessionID
		s.entries[sessionID] = append(s.entries[sessionID], entry)
	}
	return nil
}

// LoadHistory 返回指定会话的全部转录条目
func (s *MemoryStore) LoadHistory(_ context.Context, sessionID string) ([]relay.TranscriptEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, ok := s.entries[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}

	copied := make([]relay.TranscriptEntry, len(entries))
	copy(copied, entries)
	return copied, nil
}
