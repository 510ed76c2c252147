package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/redis/go-redis/v9"
)

// AuditRecord is one append-only event. Records are independently
// parseable and never rewritten.
type AuditRecord struct {
	Event   string                 `json:"event"`
	UID     string                 `json:"uid,omitempty"`
	Payload map[string]interface{} `json:"payload"`
}

// AuditSink receives orchestrator events. A nil sink disables logging.
type AuditSink interface {
	Append(ctx context.Context, rec AuditRecord) error
	Close() error
}

// FileAuditSink appends newline-delimited JSON records to a local file.
type FileAuditSink struct {
	mu sync.Mutex
	f  *os.File
}

// NewFileAuditSink opens (or creates) the log file in append mode,
// creating parent directories as needed.
func NewFileAuditSink(path string) (*FileAuditSink, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("audit log dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit log open: %w", err)
	}
	return &FileAuditSink{f: f}, nil
}

func (s *FileAuditSink) Append(_ context.Context, rec AuditRecord) error {
	if rec.Payload == nil {
		rec.Payload = map[string]interface{}{}
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("audit marshal: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit append: %w", err)
	}
	return nil
}

func (s *FileAuditSink) Close() error { return s.f.Close() }

// RedisAuditSink appends records to a Redis stream, one XADD per event.
type RedisAuditSink struct {
	client *redis.Client
	stream string
}

// NewRedisAuditSink connects to Redis and verifies the connection.
func NewRedisAuditSink(ctx context.Context, addr, password, stream string) (*RedisAuditSink, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("audit redis ping: %w", err)
	}
	if stream == "" {
		stream = "finsight:audit"
	}
	return &RedisAuditSink{client: client, stream: stream}, nil
}

func (s *RedisAuditSink) Append(ctx context.Context, rec AuditRecord) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("audit marshal: %w", err)
	}
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			"event":   rec.Event,
			"uid":     rec.UID,
			"payload": string(payload),
		},
	}).Err()
}

func (s *RedisAuditSink) Close() error { return s.client.Close() }
