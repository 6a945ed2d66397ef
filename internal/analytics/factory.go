package analytics

import (
	"context"
	"fmt"

	"github.com/vyrodovalexey/avakeys/internal/config"
)

// NewSink creates the sink selected by cfg.Sink.
func NewSink(ctx context.Context, cfg *config.AnalyticsConfig) (Sink, error) {
	switch cfg.Sink {
	case "", config.AnalyticsSinkStdout:
		return NewWriterSink(nil), nil
	case config.AnalyticsSinkRedis:
		stream := cfg.Stream
		if stream == "" {
			stream = config.DefaultAnalyticsStream
		}
		return NewRedisStreamSink(ctx, cfg.RedisURL, stream, cfg.MaxLen)
	case config.AnalyticsSinkNone:
		return NoopSink{}, nil
	default:
		return nil, fmt.Errorf("unsupported analytics sink: %s", cfg.Sink)
	}
}
