package bus

import (
	"context"
	"log"
)

// NullBus drops everything. Used when Redis is not configured.
type NullBus struct {
	logger *log.Logger
}

func NewNullBus(logger *log.Logger) *NullBus {
	if logger == nil {
		logger = log.New(log.Writer(), "[bus] ", log.LstdFlags)
	}
	return &NullBus{logger: logger}
}

func (nb *NullBus) Close() error {
	return nil
}

// PublishJob logs the handle but publishes nothing.
func (nb *NullBus) PublishJob(ctx context.Context, msg JobMessage) error {
	nb.logger.Printf("Would publish job %s for analyzer %s (Redis disabled)", msg.JobID, msg.AnalyzerName)
	return nil
}

// ReadObservables blocks until ctx is cancelled.
func (nb *NullBus) ReadObservables(ctx context.Context, group, consumer string, handler func(ctx context.Context, obs ObservableMessage) error) error {
	nb.logger.Printf("Would read observables stream %s:%s (Redis disabled)", group, consumer)
	<-ctx.Done()
	return ctx.Err()
}

func (nb *NullBus) CleanupOldMessages(ctx context.Context, stream string, maxLen int64) error {
	return nil
}

func (nb *NullBus) GetStats(ctx context.Context) (map[string]interface{}, error) {
	return map[string]interface{}{
		"type":   "null",
		"status": "disabled",
	}, nil
}

func (nb *NullBus) HealthCheck(ctx context.Context) error {
	return nil
}
