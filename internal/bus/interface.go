package bus

import (
	"context"
	"io"
	"log"
)

// Stream names.
const (
	JobsStream        = "cortex_jobs"
	ObservablesStream = "observables"
)

// Bus publishes submitted job handles and delivers observables queued by
// other producers.
type Bus interface {
	// PublishJob announces a job handle returned by Cortex.
	PublishJob(ctx context.Context, msg JobMessage) error

	// ReadObservables consumes the observables stream until ctx is done.
	ReadObservables(ctx context.Context, group, consumer string, handler func(ctx context.Context, obs ObservableMessage) error) error

	// CleanupOldMessages trims stream to roughly maxLen entries.
	CleanupOldMessages(ctx context.Context, stream string, maxLen int64) error

	GetStats(ctx context.Context) (map[string]interface{}, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// NewBus returns a Redis bus for redisURL, or a NullBus when the URL is
// empty or Redis cannot be reached.
func NewBus(redisURL string, logger *log.Logger) Bus {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	if redisURL == "" {
		return NewNullBus(logger)
	}

	redisBus, err := NewRedisBus(redisURL, logger)
	if err != nil {
		logger.Printf("Redis unavailable, job events disabled: %v", err)
		return NewNullBus(logger)
	}
	return redisBus
}
