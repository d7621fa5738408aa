package ingest

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func TestFolderOneShot(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}
	write("a.jsonl", "{\"data\":\"8.8.8.8\",\"dataType\":\"ip\"}\n\n{\"data\":\"x.com\",\"dataType\":\"domain\",\"sid\":\"own\"}\nnot json\n")
	write("b.json", `[{"data":"http://bad/x","dataType":"url","tlp":"RED"},{"data":"y","dataType":"bogus"}]`)
	write("c.csv", "data,dataType,tlp,pap,analyzers\n1.1.1.1,ip,WHITE,GREEN,AbuseIPDB_1_0\n,ip,,,\n")
	write("ignored.txt", `{"data":"z","dataType":"ip"}`)

	sub := &fakeSubmitter{}
	fi := NewFolderIngestor(sub, FolderOptions{Dir: dir, SID: "batch-1", Logger: quietLogger()})
	require.NoError(t, fi.Run(context.Background()))

	reqs := sub.requests()
	require.Len(t, reqs, 4)
	byData := map[string]Request{}
	for _, r := range reqs {
		byData[r.Data] = r
	}
	assert.Equal(t, "batch-1", byData["8.8.8.8"].SID)
	assert.Equal(t, "own", byData["x.com"].SID)
	assert.Equal(t, 3, byData["http://bad/x"].TLP)
	assert.Equal(t, 0, byData["1.1.1.1"].TLP)
	assert.Equal(t, 1, byData["1.1.1.1"].PAP)
	assert.Equal(t, "AbuseIPDB_1_0", byData["1.1.1.1"].Analyzers)

	submitted, errs := fi.Stats()
	assert.Equal(t, 4, submitted)
	// bad JSONL line, bogus data type, CSV row without data
	assert.Equal(t, 3, errs)
}

func TestFolderJSONLTailAndDedup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "feed.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"data\":\"a\",\"dataType\":\"other\"}\n{\"data\":\"partial"), 0644))

	sub := &fakeSubmitter{}
	fi := NewFolderIngestor(sub, FolderOptions{Dir: dir, Logger: quietLogger()})
	ctx := context.Background()

	fi.process(ctx, path)
	require.Len(t, sub.requests(), 1)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("\",\"dataType\":\"other\"}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	fi.process(ctx, path)
	reqs := sub.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "partial", reqs[1].Data)
	assert.NotEmpty(t, reqs[0].SID)
	assert.Equal(t, reqs[0].SID, reqs[1].SID, "lines of one file share a generated sid")

	other := filepath.Join(dir, "other.jsonl")
	require.NoError(t, os.WriteFile(other, []byte("{\"data\":\"c\",\"dataType\":\"other\"}\n"), 0644))
	fi.process(ctx, other)
	reqs = sub.requests()
	require.Len(t, reqs, 3)
	assert.NotEqual(t, reqs[0].SID, reqs[2].SID)

	jsonPath := filepath.Join(dir, "one.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"data":"b","dataType":"other"}`), 0644))
	fi.process(ctx, jsonPath)
	fi.process(ctx, jsonPath)
	assert.Len(t, sub.requests(), 4, "unchanged json file is processed once")
}

func TestFolderWatch(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "old.jsonl")
	require.NoError(t, os.WriteFile(existing, []byte("{\"data\":\"old\",\"dataType\":\"other\"}\n"), 0644))

	sub := &fakeSubmitter{}
	fi := NewFolderIngestor(sub, FolderOptions{Dir: dir, Watch: true, TailFromEnd: true, Logger: quietLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fi.Run(ctx) }()

	// Give the watcher time to register.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.json"), []byte(`{"data":"new","dataType":"other"}`), 0644))

	assert.Eventually(t, func() bool {
		for _, r := range sub.requests() {
			if r.Data == "new" {
				return true
			}
		}
		return false
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	for _, r := range sub.requests() {
		assert.NotEqual(t, "old", r.Data, "existing lines are skipped when tailing from end")
	}
}

func TestFolderMissingDir(t *testing.T) {
	fi := NewFolderIngestor(&fakeSubmitter{}, FolderOptions{Dir: filepath.Join(t.TempDir(), "nope"), Logger: quietLogger()})
	assert.Error(t, fi.Run(context.Background()))
}
