package bus

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultReplayInterval is how often a consumer rereads its own pending
// entries.
const DefaultReplayInterval = 30 * time.Second

// streamAPI is the part of the Redis client used to produce and consume
// streams.
type streamAPI interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
}

// RedisBus implements Bus on Redis Streams.
type RedisBus struct {
	client  *redis.Client
	streams streamAPI
	logger  *log.Logger

	// replayEvery bounds how long a failed entry waits before it is handed
	// back to the handler.
	replayEvery time.Duration
}

// StreamMessage is a raw stream entry with string fields.
type StreamMessage struct {
	ID     string            `json:"id"`
	Fields map[string]string `json:"fields"`
}

// JobMessage describes one submitted analyzer run.
type JobMessage struct {
	JobID        string `json:"job_id"`
	AnalyzerID   string `json:"analyzer_id"`
	AnalyzerName string `json:"analyzer_name"`
	Data         string `json:"data"`
	DataType     string `json:"data_type"`
	TLP          int    `json:"tlp"`
	PAP          int    `json:"pap"`
	SID          string `json:"sid"`
	Status       string `json:"status"`
	Timestamp    int64  `json:"timestamp"`
}

// ObservableMessage is an indicator queued for submission. Levels and
// analyzers are kept as text and interpreted by the consumer.
type ObservableMessage struct {
	ID        string `json:"id"`
	Data      string `json:"data"`
	DataType  string `json:"dataType"`
	TLP       string `json:"tlp"`
	PAP       string `json:"pap"`
	Analyzers string `json:"analyzers"`
	SID       string `json:"sid"`
	Timestamp int64  `json:"timestamp"`
}

// StreamHandler processes one stream entry. Entries whose handler fails
// are left pending and replayed later.
type StreamHandler func(ctx context.Context, message StreamMessage) error

func NewRedisBus(redisURL string, logger *log.Logger) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if logger == nil {
		logger = log.New(log.Writer(), "[bus] ", log.LstdFlags)
	}

	return &RedisBus{client: client, streams: client, logger: logger, replayEvery: DefaultReplayInterval}, nil
}

func (rb *RedisBus) Close() error {
	return rb.client.Close()
}

// PublishJob appends msg to the cortex_jobs stream.
func (rb *RedisBus) PublishJob(ctx context.Context, msg JobMessage) error {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().Unix()
	}
	fields := map[string]interface{}{
		"job_id":        msg.JobID,
		"analyzer_id":   msg.AnalyzerID,
		"analyzer_name": msg.AnalyzerName,
		"data":          msg.Data,
		"data_type":     msg.DataType,
		"tlp":           msg.TLP,
		"pap":           msg.PAP,
		"sid":           msg.SID,
		"status":        msg.Status,
		"timestamp":     msg.Timestamp,
	}

	if err := rb.streams.XAdd(ctx, &redis.XAddArgs{Stream: JobsStream, Values: fields}).Err(); err != nil {
		return fmt.Errorf("failed to publish job: %w", err)
	}

	rb.logger.Printf("Published job %s (%s) to %s stream", msg.JobID, msg.AnalyzerName, JobsStream)
	return nil
}

// PublishObservable queues an indicator on the observables stream.
func (rb *RedisBus) PublishObservable(ctx context.Context, msg ObservableMessage) error {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().Unix()
	}
	fields := map[string]interface{}{
		"data":      msg.Data,
		"dataType":  msg.DataType,
		"tlp":       msg.TLP,
		"pap":       msg.PAP,
		"analyzers": msg.Analyzers,
		"sid":       msg.SID,
		"timestamp": msg.Timestamp,
	}
	if err := rb.streams.XAdd(ctx, &redis.XAddArgs{Stream: ObservablesStream, Values: fields}).Err(); err != nil {
		return fmt.Errorf("failed to publish observable: %w", err)
	}
	return nil
}

// CreateConsumerGroup creates group on stream unless it already exists.
func (rb *RedisBus) CreateConsumerGroup(ctx context.Context, stream, group string) error {
	if err := rb.streams.XGroupCreateMkStream(ctx, stream, group, "0").Err(); err != nil {
		if !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("failed to create consumer group %s for stream %s: %w", group, stream, err)
		}
	}

	rb.logger.Printf("Consumer group %s ready for stream %s", group, stream)
	return nil
}

// ReadStream reads stream through a consumer group until ctx is done.
// Entries are acked once handler succeeds. The consumer's own pending
// entries are replayed on start and every replayEvery, so entries whose
// handler failed are retried.
func (rb *RedisBus) ReadStream(ctx context.Context, stream, group, consumer string, handler StreamHandler) error {
	if err := rb.CreateConsumerGroup(ctx, stream, group); err != nil {
		return err
	}

	rb.logger.Printf("Starting stream reader for %s (group: %s, consumer: %s)", stream, group, consumer)

	replayEvery := rb.replayEvery
	if replayEvery <= 0 {
		replayEvery = DefaultReplayInterval
	}

	// cursor is ">" for new entries, otherwise the last pending id replayed.
	cursor := "0"
	lastReplay := time.Now()
	for {
		select {
		case <-ctx.Done():
			rb.logger.Printf("Stream reader for %s stopping", stream)
			return ctx.Err()
		default:
		}

		if cursor == ">" && time.Since(lastReplay) >= replayEvery {
			cursor = "0"
		}
		args := &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, cursor},
			Count:    10,
			Block:    time.Second,
		}
		if cursor != ">" {
			// Pending reads never block; -1 omits BLOCK.
			args.Block = -1
		}

		result := rb.streams.XReadGroup(ctx, args)
		if err := result.Err(); err != nil {
			if err == redis.Nil {
				if cursor != ">" {
					cursor, lastReplay = ">", time.Now()
				}
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			rb.logger.Printf("Error reading from stream %s: %v", stream, err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
			}
			continue
		}

		delivered := 0
		for _, s := range result.Val() {
			for _, message := range s.Messages {
				delivered++
				if cursor != ">" {
					cursor = message.ID
				}
				rb.deliver(ctx, s.Stream, group, message, handler)
			}
		}
		if cursor != ">" && delivered == 0 {
			cursor, lastReplay = ">", time.Now()
		}
	}
}

func (rb *RedisBus) deliver(ctx context.Context, stream, group string, message redis.XMessage, handler StreamHandler) {
	streamMsg := StreamMessage{ID: message.ID, Fields: make(map[string]string, len(message.Values))}
	for key, value := range message.Values {
		if str, ok := value.(string); ok {
			streamMsg.Fields[key] = str
		}
	}

	if err := handler(ctx, streamMsg); err != nil {
		rb.logger.Printf("Error processing message %s, left pending: %v", message.ID, err)
		return
	}

	if err := rb.streams.XAck(ctx, stream, group, message.ID).Err(); err != nil {
		rb.logger.Printf("Error acknowledging message %s: %v", message.ID, err)
	}
}

// ReadObservables consumes the observables stream.
func (rb *RedisBus) ReadObservables(ctx context.Context, group, consumer string, handler func(ctx context.Context, obs ObservableMessage) error) error {
	return rb.ReadStream(ctx, ObservablesStream, group, consumer, func(ctx context.Context, message StreamMessage) error {
		return handler(ctx, observableFromFields(message.ID, message.Fields))
	})
}

func observableFromFields(id string, f map[string]string) ObservableMessage {
	obs := ObservableMessage{
		ID:        id,
		Data:      f["data"],
		DataType:  f["dataType"],
		TLP:       f["tlp"],
		PAP:       f["pap"],
		Analyzers: f["analyzers"],
		SID:       f["sid"],
	}
	if obs.DataType == "" {
		obs.DataType = f["data_type"]
	}
	if ts, err := parseTimestamp(f["timestamp"]); err == nil {
		obs.Timestamp = ts
	}
	return obs
}

func (rb *RedisBus) GetStreamInfo(ctx context.Context, stream string) (*redis.XInfoStream, error) {
	result := rb.client.XInfoStream(ctx, stream)
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("failed to get stream info for %s: %w", stream, err)
	}
	return result.Val(), nil
}

func (rb *RedisBus) GetConsumerGroupInfo(ctx context.Context, stream string) ([]redis.XInfoGroup, error) {
	result := rb.client.XInfoGroups(ctx, stream)
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("failed to get consumer group info for %s: %w", stream, err)
	}
	return result.Val(), nil
}

// CleanupOldMessages trims stream to roughly maxLen entries.
func (rb *RedisBus) CleanupOldMessages(ctx context.Context, stream string, maxLen int64) error {
	if err := rb.client.XTrimMaxLenApprox(ctx, stream, maxLen, 0).Err(); err != nil {
		return fmt.Errorf("failed to trim stream %s: %w", stream, err)
	}
	rb.logger.Printf("Trimmed stream %s to max length %d", stream, maxLen)
	return nil
}

// parseTimestamp accepts epoch seconds, epoch milliseconds or RFC3339 and
// returns epoch seconds.
func parseTimestamp(timestamp string) (int64, error) {
	if timestamp == "" {
		return time.Now().Unix(), nil
	}

	if n, err := strconv.ParseInt(timestamp, 10, 64); err == nil {
		if n > 1_000_000_000_000 {
			return n / 1000, nil
		}
		return n, nil
	}

	if ts, err := time.Parse(time.RFC3339Nano, timestamp); err == nil {
		return ts.Unix(), nil
	}

	return time.Now().Unix(), fmt.Errorf("unable to parse timestamp: %s", timestamp)
}

func (rb *RedisBus) HealthCheck(ctx context.Context) error {
	return rb.client.Ping(ctx).Err()
}

// GetStats reports length and consumer groups of both streams.
func (rb *RedisBus) GetStats(ctx context.Context) (map[string]interface{}, error) {
	stats := map[string]interface{}{"type": "redis"}

	for _, stream := range []string{JobsStream, ObservablesStream} {
		info, err := rb.GetStreamInfo(ctx, stream)
		if err != nil {
			continue
		}
		entry := map[string]interface{}{
			"length":         info.Length,
			"first_entry_id": info.FirstEntry.ID,
			"last_entry_id":  info.LastEntry.ID,
		}
		if groups, err := rb.GetConsumerGroupInfo(ctx, stream); err == nil {
			entry["consumer_groups"] = len(groups)
		}
		stats[stream] = entry
	}

	return stats, nil
}
