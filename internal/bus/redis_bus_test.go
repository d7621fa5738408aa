package bus

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStreams keeps one stream with a single consumer group in memory.
type fakeStreams struct {
	mu        sync.Mutex
	entries   []redis.XMessage
	delivered int             // entries handed out through ">"
	pending   map[string]bool // ids delivered but not acked
	acked     []string
	reads     []string
}

func newFakeStreams() *fakeStreams {
	return &fakeStreams{pending: make(map[string]bool)}
}

func (f *fakeStreams) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	values := map[string]interface{}{}
	for k, v := range a.Values.(map[string]interface{}) {
		values[k] = fmt.Sprint(v)
	}
	id := fmt.Sprintf("%d-0", len(f.entries)+1)
	f.entries = append(f.entries, redis.XMessage{ID: id, Values: values})
	return redis.NewStringResult(id, nil)
}

func (f *fakeStreams) XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd {
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeStreams) XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd {
	stream, id := a.Streams[0], a.Streams[1]
	f.mu.Lock()
	f.reads = append(f.reads, id)

	var out []redis.XMessage
	if id == ">" {
		for f.delivered < len(f.entries) && int64(len(out)) < a.Count {
			msg := f.entries[f.delivered]
			f.delivered++
			f.pending[msg.ID] = true
			out = append(out, msg)
		}
	} else {
		after := id != "0"
		for i := 0; i < f.delivered && int64(len(out)) < a.Count; i++ {
			msg := f.entries[i]
			if after {
				after = msg.ID != id
				continue
			}
			if f.pending[msg.ID] {
				out = append(out, msg)
			}
		}
	}
	f.mu.Unlock()

	if id == ">" && len(out) == 0 {
		select {
		case <-ctx.Done():
			return redis.NewXStreamSliceCmdResult(nil, ctx.Err())
		case <-time.After(2 * time.Millisecond):
		}
		return redis.NewXStreamSliceCmdResult(nil, redis.Nil)
	}
	return redis.NewXStreamSliceCmdResult([]redis.XStream{{Stream: stream, Messages: out}}, nil)
}

func (f *fakeStreams) XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.pending, id)
		f.acked = append(f.acked, id)
	}
	return redis.NewIntResult(int64(len(ids)), nil)
}

func (f *fakeStreams) ackedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acked...)
}

func newTestBus(streams streamAPI, replayEvery time.Duration) *RedisBus {
	return &RedisBus{streams: streams, logger: log.New(io.Discard, "", 0), replayEvery: replayEvery}
}

func TestReadStreamReplaysFailedEntries(t *testing.T) {
	fs := newFakeStreams()
	rb := newTestBus(fs, 20*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, rb.PublishObservable(ctx, ObservableMessage{Data: "8.8.8.8", DataType: "ip"}))
	require.NoError(t, rb.PublishObservable(ctx, ObservableMessage{Data: "evil.example", DataType: "domain"}))

	var mu sync.Mutex
	calls := map[string]int{}
	done := make(chan error, 1)
	go func() {
		done <- rb.ReadObservables(ctx, "g", "c1", func(ctx context.Context, obs ObservableMessage) error {
			mu.Lock()
			defer mu.Unlock()
			calls[obs.Data]++
			if obs.Data == "8.8.8.8" && calls[obs.Data] == 1 {
				return fmt.Errorf("cortex unavailable")
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool { return len(fs.ackedIDs()) == 2 }, 3*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls["8.8.8.8"], "failed entry is handed back once more")
	assert.Equal(t, 1, calls["evil.example"])
	assert.ElementsMatch(t, []string{"1-0", "2-0"}, fs.ackedIDs())
	assert.Empty(t, fs.pending)
}

func TestReadStreamDrainsBacklogOnStart(t *testing.T) {
	fs := newFakeStreams()
	rb := newTestBus(fs, time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, rb.PublishObservable(ctx, ObservableMessage{Data: "1.1.1.1", DataType: "ip", TLP: "RED", SID: "s1"}))
	// Delivered to an earlier run of this consumer and never acked.
	fs.delivered = 1
	fs.pending["1-0"] = true

	var got []ObservableMessage
	var mu sync.Mutex
	done := make(chan error, 1)
	go func() {
		done <- rb.ReadObservables(ctx, "g", "c1", func(ctx context.Context, obs ObservableMessage) error {
			mu.Lock()
			got = append(got, obs)
			mu.Unlock()
			return nil
		})
	}()

	require.Eventually(t, func() bool { return len(fs.ackedIDs()) == 1 }, 3*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "1-0", got[0].ID)
	assert.Equal(t, "RED", got[0].TLP)
	assert.Equal(t, "s1", got[0].SID)
	fs.mu.Lock()
	assert.Equal(t, "0", fs.reads[0], "pending entries are read before new ones")
	fs.mu.Unlock()
}

func TestPublishJobFields(t *testing.T) {
	fs := newFakeStreams()
	rb := newTestBus(fs, time.Hour)

	require.NoError(t, rb.PublishJob(context.Background(), JobMessage{JobID: "job-1", AnalyzerName: "AbuseIPDB_1_0", TLP: 2, SID: "s"}))
	require.Len(t, fs.entries, 1)
	v := fs.entries[0].Values
	assert.Equal(t, "job-1", v["job_id"])
	assert.Equal(t, "2", v["tlp"])
	assert.NotEqual(t, "0", v["timestamp"])
}
