package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zhouzirui/voice-bridge/backend/internal/model/relay"
)

//go:embed schema.sql
var schemaFS embed.FS

// PostgresStore 基于pgx连接池的转录存储实现
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore 连接Postgres并应用内嵌的表结构
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	schema, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to read embedded schema.sql: %w", err)
	}

	if _, err := pool.Exec(ctx, string(schema)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Close 释放底层连接池
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// CreateSession 登记会话行，已存在时为无操作
func (s *PostgresStore) CreateSession(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO relay_sessions (id, created_at) VALUES ($1, $2)
		 ON CONFLICT (id) DO NOTHING`,
		sessionID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}
	return nil
}

// AppendTranscript 批量追加转录条目，主键冲突即视为重复投递并跳过
func (s *PostgresStore) AppendTranscript(ctx context.Context, sessionID string, entries []relay.TranscriptEntry) error {
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, entry := range entries {
		createdAt := entry.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		batch.Queue(
			`INSERT INTO transcript_entries (id, session_id, role, content, audio_ref, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (id) DO NOTHING`,
			entry.ID, sessionID, string(entry.Role), entry.Text, entry.AudioRef, createdAt,
		)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range entries {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
		}
	}
	return nil
}

// LoadHistory 按写入顺序读取会话的全部转录
func (s *PostgresStore) LoadHistory(ctx context.Context, sessionID string) ([]relay.TranscriptEntry, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM relay_sessions WHERE id = $1)`, sessionID,
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}
	if !exists {
		return nil, ErrSessionNotFound
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, role, content, audio_ref, created_at
		 FROM transcript_entries
		 WHERE session_id = $1
		 ORDER BY created_at, id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}
	defer rows.Close()

	entries := make([]relay.TranscriptEntry, 0, 16)
	for rows.Next() {
		var entry relay.TranscriptEntry
		var role string
		if err := rows.Scan(&entry.ID, &entry.SessionID, &role, &entry.Text, &entry.AudioRef, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
		}
		entry.Role = relay.Role(role)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}

	return entries, nil
}
