package ui

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gdamore/tcell/v2"

	"github.com/Ashfaaq98/ta-cortex/internal/cortex"
	"github.com/Ashfaaq98/ta-cortex/internal/store"
)

func seededStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.NewStore(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	jobs := []store.Job{
		{ID: "job-1", AnalyzerID: "an-abuse", AnalyzerName: "AbuseIPDB_1_0", Data: "8.8.8.8", DataType: "ip", TLP: 1, PAP: 2, Status: cortex.StatusSuccess, SID: "s1", CreatedAt: base},
		{ID: "job-2", AnalyzerID: "an-vt", AnalyzerName: "VirusTotal_GetReport_3_1", Data: "[evil].com", DataType: "domain", TLP: 3, PAP: 0, Status: cortex.StatusWaiting, SID: "s1", CreatedAt: base.Add(time.Minute)},
	}
	for _, j := range jobs {
		if err := st.SaveJob(ctx, j); err != nil {
			t.Fatalf("SaveJob: %v", err)
		}
		if err := st.LogSubmission(ctx, j, "cli"); err != nil {
			t.Fatalf("LogSubmission: %v", err)
		}
	}
	return st
}

func key(r rune) *tcell.EventKey {
	return tcell.NewEventKey(tcell.KeyRune, r, tcell.ModNone)
}

func TestBrowserRefresh(t *testing.T) {
	b := NewBrowser(context.Background(), seededStore(t), nil, nil)
	if err := b.Refresh(); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if got := b.table.GetRowCount(); got != 3 {
		t.Fatalf("expected header + 2 rows, got %d", got)
	}
	if got := b.table.GetCell(1, 2).Text; got != "VirusTotal_GetReport_3_1" {
		t.Errorf("newest job should be first, got %q", got)
	}
	if got := b.table.GetCell(1, 5).Text; got != "RED" {
		t.Errorf("expected TLP RED, got %q", got)
	}

	detail := b.detail.GetText(true)
	if !strings.Contains(detail, "job-2") || !strings.Contains(detail, "[evil].com") {
		t.Errorf("detail pane does not describe the selected job: %q", detail)
	}
	if !strings.Contains(detail, "submit by cli") {
		t.Errorf("detail pane should list the audit history: %q", detail)
	}
}

func TestBrowserStatusFilter(t *testing.T) {
	b := NewBrowser(context.Background(), seededStore(t), nil, nil)
	if err := b.Refresh(); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	// "" -> Waiting
	if ev := b.handleKey(key('s')); ev != nil {
		t.Fatal("s should be handled")
	}
	if got := b.table.GetRowCount(); got != 2 {
		t.Fatalf("expected one Waiting job, got %d rows", got)
	}
	if !strings.Contains(b.status.GetText(true), "status=Waiting") {
		t.Errorf("status bar should show the filter: %q", b.status.GetText(true))
	}

	// Waiting -> InProgress: nothing matches.
	b.handleKey(key('s'))
	if got := b.table.GetCell(1, 0).Text; got != "No jobs" {
		t.Errorf("expected empty placeholder, got %q", got)
	}
}

func TestBrowserReport(t *testing.T) {
	var asked string
	reports := func(ctx context.Context, id string) (*cortex.Report, error) {
		asked = id
		rep := &cortex.Report{Job: cortex.Job{ID: id, Status: cortex.StatusSuccess}}
		rep.Report.Success = true
		rep.Report.Full = map[string]interface{}{"verdict": "malicious"}
		return rep, nil
	}
	b := NewBrowser(context.Background(), seededStore(t), reports, nil)
	if err := b.Refresh(); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	b.handleKey(key('j'))
	b.table.Select(2, 0)
	if ev := b.handleKey(tcell.NewEventKey(tcell.KeyEnter, 0, tcell.ModNone)); ev != nil {
		t.Fatal("enter should be handled")
	}
	if asked != "job-1" {
		t.Fatalf("expected report for job-1, got %q", asked)
	}
	if !strings.Contains(b.detail.GetText(true), "malicious") {
		t.Errorf("report not rendered: %q", b.detail.GetText(true))
	}
}

func TestBrowserReportErrors(t *testing.T) {
	b := NewBrowser(context.Background(), seededStore(t), nil, nil)
	if err := b.Refresh(); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	b.showReport()
	if !strings.Contains(b.status.GetText(true), "not configured") {
		t.Errorf("expected a warning without Cortex: %q", b.status.GetText(true))
	}

	b.reports = func(ctx context.Context, id string) (*cortex.Report, error) {
		return nil, errors.New("boom")
	}
	b.showReport()
	if !strings.Contains(b.status.GetText(true), "boom") {
		t.Errorf("expected the error in the status bar: %q", b.status.GetText(true))
	}
}

func TestBrowserKeysPassThrough(t *testing.T) {
	b := NewBrowser(context.Background(), seededStore(t), nil, nil)
	if ev := b.handleKey(key('x')); ev == nil {
		t.Error("unbound keys must pass through")
	}
	if ev := b.handleKey(key('k')); ev == nil || ev.Key() != tcell.KeyUp {
		t.Error("k should translate to KeyUp")
	}
	// q on a stopped application must not panic.
	b.handleKey(key('q'))
}

func TestTruncate(t *testing.T) {
	if got := truncate("abcdef", 4); got != "abc…" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("abc", 4); got != "abc" {
		t.Errorf("truncate = %q", got)
	}
}
