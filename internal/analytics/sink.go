package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Sink delivers events.
type Sink interface {
	Emit(ctx context.Context, e Event) error
	Close() error
}

// record is the wire form shared by all sinks.
type record struct {
	Type  EventType `json:"type"`
	Event Event     `json:"event"`
}

// NoopSink discards events.
type NoopSink struct{}

// Emit implements Sink.
func (NoopSink) Emit(context.Context, Event) error { return nil }

// Close implements Sink.
func (NoopSink) Close() error { return nil }

// WriterSink writes one JSON object per line.
type WriterSink struct {
	mu  sync.Mutex
	enc *json.Encoder
	w   io.Writer
}

// NewWriterSink creates a WriterSink on w, or stdout when w is nil.
func NewWriterSink(w io.Writer) *WriterSink {
	if w == nil {
		w = os.Stdout
	}
	return &WriterSink{enc: json.NewEncoder(w), w: w}
}

// Emit implements Sink.
func (s *WriterSink) Emit(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(record{Type: e.Type(), Event: e}); err != nil {
		return fmt.Errorf("write %s event: %w", e.Type(), err)
	}
	return nil
}

// Close closes the writer when it is closable and not stdout.
func (s *WriterSink) Close() error {
	if s.w == os.Stdout {
		return nil
	}
	if c, ok := s.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// RedisStreamSink appends events to capped Redis streams, one per event
// type, named prefix:type.
type RedisStreamSink struct {
	client    redis.UniversalClient
	ownClient bool
	prefix    string
	maxLen    int64
}

// NewRedisStreamSink connects to the Redis at url.
func NewRedisStreamSink(ctx context.Context, url, prefix string, maxLen int64) (*RedisStreamSink, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	s := NewRedisStreamSinkFromClient(client, prefix, maxLen)
	s.ownClient = true
	return s, nil
}

// NewRedisStreamSinkFromClient wraps an existing client. The client is not
// closed by Close.
func NewRedisStreamSinkFromClient(client redis.UniversalClient, prefix string, maxLen int64) *RedisStreamSink {
	return &RedisStreamSink{client: client, prefix: prefix, maxLen: maxLen}
}

// Stream returns the stream name events of type t are appended to.
func (s *RedisStreamSink) Stream(t EventType) string {
	return s.prefix + ":" + string(t)
}

// Emit implements Sink.
func (s *RedisStreamSink) Emit(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", e.Type(), err)
	}
	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.Stream(e.Type()),
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"id":   e.header().ID,
			"data": data,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("append %s event: %w", e.Type(), err)
	}
	return nil
}

// Close closes the client when the sink created it.
func (s *RedisStreamSink) Close() error {
	if !s.ownClient {
		return nil
	}
	return s.client.Close()
}

// MultiSink delivers every event to all of its sinks.
type MultiSink []Sink

// Emit implements Sink. Every sink is tried; failures are joined.
func (m MultiSink) Emit(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close implements Sink.
func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
