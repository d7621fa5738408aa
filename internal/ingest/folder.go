package ingest

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FolderOptions controls ingest-folder behavior.
type FolderOptions struct {
	Dir      string
	Watch    bool
	Patterns []string // e.g. []string{"*.jsonl", "*.csv"}
	// SID is used for requests that carry none. Empty generates one per file.
	SID    string
	Logger *log.Logger
	Debug  *log.Logger
	// When true and in Watch mode, start JSONL files at EOF on startup to avoid
	// resubmitting existing lines each time the watcher starts.
	TailFromEnd bool
}

// FolderIngestor submits indicators read from a directory (one-shot or watch mode).
type FolderIngestor struct {
	sub  Submitter
	opts FolderOptions

	mu      sync.Mutex
	offsets map[string]int64     // per-file tail offset for jsonl
	sids    map[string]string    // generated sid per jsonl file
	seen    map[string]fileStamp // last processed version of json/csv files

	submitted int
	errors    int
}

type fileStamp struct {
	size    int64
	modTime time.Time
}

func NewFolderIngestor(sub Submitter, opts FolderOptions) *FolderIngestor {
	if opts.Logger == nil {
		opts.Logger = log.New(log.Writer(), "[ingest-folder] ", log.LstdFlags)
	}
	if opts.Debug == nil {
		opts.Debug = log.New(io.Discard, "", 0)
	}
	if len(opts.Patterns) == 0 {
		opts.Patterns = []string{"*.jsonl", "*.json", "*.csv"}
	}
	return &FolderIngestor{
		sub:     sub,
		opts:    opts,
		offsets: make(map[string]int64),
		sids:    make(map[string]string),
		seen:    make(map[string]fileStamp),
	}
}

// Run executes the ingestion per options (one-shot or watch).
func (fi *FolderIngestor) Run(ctx context.Context) error {
	if err := fi.scanOnce(ctx); err != nil {
		return err
	}

	if !fi.opts.Watch {
		submitted, errs := fi.Stats()
		fi.opts.Logger.Printf("Completed one-shot ingest: submitted=%d errors=%d", submitted, errs)
		return nil
	}

	return fi.watchLoop(ctx)
}

// Stats returns the number of submitted indicators and of failures.
func (fi *FolderIngestor) Stats() (submitted, errs int) {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	return fi.submitted, fi.errors
}

func (fi *FolderIngestor) matches(name string) bool {
	lower := strings.ToLower(name)
	for _, pat := range fi.opts.Patterns {
		p := strings.TrimSpace(strings.ToLower(pat))
		if ok, _ := filepath.Match(p, lower); ok {
			return true
		}
	}
	return false
}

func (fi *FolderIngestor) scanOnce(ctx context.Context) error {
	entries, err := os.ReadDir(fi.opts.Dir)
	if err != nil {
		return fmt.Errorf("read dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !fi.matches(e.Name()) {
			continue
		}
		path := filepath.Join(fi.opts.Dir, e.Name())
		if strings.HasSuffix(strings.ToLower(e.Name()), ".jsonl") && fi.opts.Watch && fi.opts.TailFromEnd {
			if st, err := os.Stat(path); err == nil {
				fi.mu.Lock()
				fi.offsets[path] = st.Size()
				fi.mu.Unlock()
			}
			continue
		}
		fi.process(ctx, path)
	}
	return nil
}

func (fi *FolderIngestor) watchLoop(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	defer w.Close()

	if err := w.Add(fi.opts.Dir); err != nil {
		return fmt.Errorf("watch add: %w", err)
	}

	fi.opts.Logger.Printf("Watching directory: %s (patterns: %s)", fi.opts.Dir, strings.Join(fi.opts.Patterns, ","))

	for {
		select {
		case <-ctx.Done():
			submitted, errs := fi.Stats()
			fi.opts.Logger.Printf("Watch stopping: submitted=%d errors=%d", submitted, errs)
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !fi.matches(filepath.Base(ev.Name)) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				fi.process(ctx, ev.Name)
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				fi.mu.Lock()
				delete(fi.offsets, ev.Name)
				delete(fi.sids, ev.Name)
				delete(fi.seen, ev.Name)
				fi.mu.Unlock()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if err != nil {
				fi.opts.Logger.Printf("watch error: %v", err)
			}
		}
	}
}

// process dispatches path on its extension. JSONL files are tailed from the
// last offset; JSON and CSV files are read whole, once per version.
func (fi *FolderIngestor) process(ctx context.Context, path string) {
	lower := strings.ToLower(path)
	if strings.HasSuffix(lower, ".jsonl") {
		fi.mu.Lock()
		offset := fi.offsets[path]
		fi.mu.Unlock()

		newOffset, err := fi.processJSONL(ctx, path, offset)
		if err != nil {
			fi.opts.Logger.Printf("error tailing %s: %v", path, err)
			fi.countError()
		}
		fi.mu.Lock()
		fi.offsets[path] = newOffset
		fi.mu.Unlock()
		return
	}

	st, err := os.Stat(path)
	if err != nil {
		fi.opts.Logger.Printf("error processing %s: %v", path, err)
		fi.countError()
		return
	}
	stamp := fileStamp{size: st.Size(), modTime: st.ModTime()}
	fi.mu.Lock()
	prev, done := fi.seen[path]
	fi.seen[path] = stamp
	fi.mu.Unlock()
	if done && prev == stamp {
		return
	}

	switch {
	case strings.HasSuffix(lower, ".json"):
		err = fi.processJSONFile(ctx, path)
	case strings.HasSuffix(lower, ".csv"):
		err = fi.processCSVFile(ctx, path)
	default:
		return
	}
	if err != nil {
		fi.opts.Logger.Printf("error processing %s: %v", path, err)
		fi.countError()
	}
}

func (fi *FolderIngestor) processJSONL(ctx context.Context, path string, startOffset int64) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		// File might be transiently missing (rename/rotate)
		return startOffset, err
	}
	defer f.Close()

	if st, err := f.Stat(); err == nil && st.Size() < startOffset {
		// truncated
		startOffset = 0
	}
	if startOffset > 0 {
		if _, err := f.Seek(startOffset, io.SeekStart); err != nil {
			return startOffset, err
		}
	}

	reader := bufio.NewReader(f)
	offset := startOffset
	for {
		line, err := reader.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			// Leave a partial last line for the next write event.
			return offset, nil
		}
		if err != nil {
			return offset, err
		}
		offset += int64(len(line))

		trimmed := strings.TrimSpace(string(line))
		if trimmed == "" {
			continue
		}
		req, perr := ParseRequest([]byte(trimmed), fi.opts.Debug)
		if perr != nil {
			fi.opts.Logger.Printf("parse error in %s: %v", path, perr)
			fi.countError()
			continue
		}
		fi.submit(ctx, path, withSID(req, fi.fileSID(path)))
	}
}

// fileSID returns the configured sid, or one generated the first time a
// JSONL file is tailed and kept until the file goes away.
func (fi *FolderIngestor) fileSID(path string) string {
	if fi.opts.SID != "" {
		return fi.opts.SID
	}
	fi.mu.Lock()
	defer fi.mu.Unlock()
	sid, ok := fi.sids[path]
	if !ok {
		sid = withSID(Request{}, "").SID
		fi.sids[path] = sid
	}
	return sid
}

func (fi *FolderIngestor) processJSONFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	trim := strings.TrimSpace(string(data))
	if trim == "" {
		return nil
	}

	var raws []json.RawMessage
	if strings.HasPrefix(trim, "[") {
		if err := json.Unmarshal([]byte(trim), &raws); err != nil {
			return err
		}
	} else {
		raws = []json.RawMessage{json.RawMessage(trim)}
	}

	sid := withSID(Request{SID: fi.opts.SID}, "").SID
	for _, raw := range raws {
		req, err := ParseRequest(raw, fi.opts.Debug)
		if err != nil {
			fi.opts.Logger.Printf("parse error in %s: %v", path, err)
			fi.countError()
			continue
		}
		fi.submit(ctx, path, withSID(req, sid))
	}
	return nil
}

// processCSVFile reads search results exported with a header row naming
// the request fields (data, dataType, tlp, pap, analyzers, sid).
func (fi *FolderIngestor) processCSVFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read csv header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}

	sid := withSID(Request{SID: fi.opts.SID}, "").SID
	line := 1
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		line++
		if err != nil {
			fi.opts.Logger.Printf("csv error in %s line %d: %v", path, line, err)
			fi.countError()
			continue
		}
		fields := make(map[string]string, len(header))
		for i, name := range header {
			if i < len(record) {
				fields[name] = record[i]
			}
		}
		req, err := FromFields(fields, fi.opts.Debug)
		if err != nil {
			fi.opts.Logger.Printf("invalid row in %s line %d: %v", path, line, err)
			fi.countError()
			continue
		}
		fi.submit(ctx, path, withSID(req, sid))
	}
}

func (fi *FolderIngestor) submit(ctx context.Context, path string, req Request) {
	handles, err := fi.sub.Submit(ctx, req)
	if err != nil {
		fi.opts.Logger.Printf("submit %s from %s failed: %v", req.Data, filepath.Base(path), err)
		fi.countError()
		return
	}
	fi.opts.Debug.Printf("Submitted %s (%s) from %s: %d job(s)", req.Data, req.DataType, filepath.Base(path), len(handles))
	fi.mu.Lock()
	fi.submitted++
	fi.mu.Unlock()
}

func (fi *FolderIngestor) countError() {
	fi.mu.Lock()
	fi.errors++
	fi.mu.Unlock()
}
