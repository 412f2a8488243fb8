package session

import (
	"errors"
	"sync"
)

var (
	ErrDuplicateSession = errors.New("duplicate session")
	ErrSessionNotFound  = errors.New("session not found")
)

// Registry 进程级的活动会话索引。不承载会话业务逻辑，
// 锁内不做任何I/O。
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry 创建空的会话注册表
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register 按ID登记会话，同一ID的并发登记会被拒绝
func (r *Registry) Register(id string, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; exists {
		return ErrDuplicateSession
	}
	r.sessions[id] = s
	return nil
}

// Lookup 按ID查找活动会话
func (r *Registry) Lookup(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Unregister 移除登记项，未知ID为无操作
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Count 返回活动会话数量
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
