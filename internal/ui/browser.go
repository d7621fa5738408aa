// Package ui is a terminal browser over stored Cortex jobs.
package ui

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/Ashfaaq98/ta-cortex/internal/cortex"
	"github.com/Ashfaaq98/ta-cortex/internal/job"
	"github.com/Ashfaaq98/ta-cortex/internal/store"
)

// JobSource lists stored jobs and their audit trail.
type JobSource interface {
	ListJobs(ctx context.Context, f store.JobFilter) ([]store.Job, error)
	GetAuditEntries(ctx context.Context, f store.AuditFilter, limit int) ([]store.AuditEntry, error)
}

// ReportFunc fetches the report of a job from Cortex.
type ReportFunc func(ctx context.Context, jobID string) (*cortex.Report, error)

// statusCycle is the order the status filter walks through; "" shows all.
var statusCycle = []string{"", cortex.StatusWaiting, cortex.StatusInProgress, cortex.StatusSuccess, cortex.StatusFailure}

var columns = []string{"Created", "Status", "Analyzer", "Type", "Data", "TLP", "PAP", "SID"}

// Browser shows stored jobs in a table with a detail pane.
type Browser struct {
	app    *tview.Application
	table  *tview.Table
	detail *tview.TextView
	status *tview.TextView
	layout *tview.Flex

	source  JobSource
	reports ReportFunc
	logger  *log.Logger
	theme   Theme
	ctx     context.Context

	jobs         []store.Job
	statusFilter int
	limit        int
}

// NewBrowser builds the browser. reports may be nil when Cortex is not
// configured.
func NewBrowser(ctx context.Context, source JobSource, reports ReportFunc, logger *log.Logger) *Browser {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	b := &Browser{
		app:     tview.NewApplication(),
		source:  source,
		reports: reports,
		logger:  logger,
		theme:   themeDark(),
		ctx:     ctx,
		limit:   500,
	}
	b.setupLayout()
	b.app.SetInputCapture(b.handleKey)
	return b
}

func (b *Browser) setupLayout() {
	b.table = tview.NewTable()
	b.table.SetTitle(" Jobs ")
	b.table.SetBorder(true)
	b.table.SetTitleAlign(tview.AlignLeft)
	b.table.SetSelectable(true, false)
	b.table.SetFixed(1, 0)
	b.table.SetSelectionChangedFunc(func(row, _ int) { b.showDetail(row) })

	b.detail = tview.NewTextView()
	b.detail.SetTitle(" Details ")
	b.detail.SetBorder(true)
	b.detail.SetDynamicColors(true)
	b.detail.SetWrap(true)

	b.status = tview.NewTextView()
	b.status.SetDynamicColors(true)

	body := tview.NewFlex().
		AddItem(b.table, 0, 3, true).
		AddItem(b.detail, 0, 2, false)
	b.layout = tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(body, 0, 1, true).
		AddItem(b.status, 1, 0, false)

	for _, box := range []*tview.Box{b.table.Box, b.detail.Box} {
		box.SetBackgroundColor(b.theme.Bg)
		box.SetBorderColor(b.theme.Border)
	}
	b.table.SetBorderColor(b.theme.FocusBorder)
	b.app.SetRoot(b.layout, true)
}

// Run loads the jobs and blocks until the user quits or ctx is done.
func (b *Browser) Run() error {
	if err := b.Refresh(); err != nil {
		b.setStatus("[%s]Error loading jobs: %v", b.theme.TagError, err)
	}
	go func() {
		<-b.ctx.Done()
		b.app.Stop()
	}()
	return b.app.Run()
}

// Stop stops the application.
func (b *Browser) Stop() { b.app.Stop() }

// Refresh reloads jobs from the source with the current filter.
func (b *Browser) Refresh() error {
	ctx, cancel := context.WithTimeout(b.ctx, 5*time.Second)
	defer cancel()
	jobs, err := b.source.ListJobs(ctx, store.JobFilter{Status: statusCycle[b.statusFilter], Limit: b.limit})
	if err != nil {
		return err
	}
	b.jobs = jobs
	b.render()
	b.setStatus("%d job(s) %s", len(jobs), b.filterLabel())
	return nil
}

func (b *Browser) filterLabel() string {
	if s := statusCycle[b.statusFilter]; s != "" {
		return fmt.Sprintf("[%s][status=%s][-]", b.theme.TagAccent, s)
	}
	return ""
}

func (b *Browser) render() {
	b.table.Clear()
	for col, header := range columns {
		b.table.SetCell(0, col, tview.NewTableCell(header).
			SetTextColor(b.theme.TableHeader).
			SetBackgroundColor(b.theme.TableHeaderBg).
			SetAttributes(tcell.AttrBold).
			SetSelectable(false))
	}
	if len(b.jobs) == 0 {
		b.table.SetCell(1, 0, tview.NewTableCell("No jobs").SetTextColor(b.theme.TextMuted).SetSelectable(false))
		b.detail.Clear()
		return
	}
	for i, j := range b.jobs {
		row := i + 1
		bg := b.theme.TableZebra1
		if row%2 == 0 {
			bg = b.theme.TableZebra2
		}
		primary := b.theme.TextPrimary
		cells := []*tview.TableCell{
			cell(j.CreatedAt.Format("2006-01-02 15:04:05"), primary),
			cell(j.Status, b.theme.statusColor(j.Status)),
			cell(j.AnalyzerName, primary),
			cell(j.DataType, primary),
			cell(truncate(j.Data, 48), primary).SetExpansion(1),
			cell(job.LevelName(j.TLP), b.theme.levelColor(j.TLP)),
			cell(job.LevelName(j.PAP), b.theme.levelColor(j.PAP)),
			cell(j.SID, b.theme.TextMuted),
		}
		for col, c := range cells {
			b.table.SetCell(row, col, c.SetBackgroundColor(bg))
		}
	}
	b.table.Select(1, 0)
	b.showDetail(1)
}

func (b *Browser) selected() (store.Job, bool) {
	row, _ := b.table.GetSelection()
	if row < 1 || row > len(b.jobs) {
		return store.Job{}, false
	}
	return b.jobs[row-1], true
}

func (b *Browser) showDetail(row int) {
	if row < 1 || row > len(b.jobs) {
		return
	}
	j := b.jobs[row-1]
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s]Job[-]        %s\n", b.theme.TagAccent, j.ID)
	fmt.Fprintf(&sb, "[%s]Analyzer[-]   %s (%s)\n", b.theme.TagAccent, j.AnalyzerName, j.AnalyzerID)
	fmt.Fprintf(&sb, "[%s]Status[-]     %s\n", b.theme.TagAccent, j.Status)
	fmt.Fprintf(&sb, "[%s]Data[-]       %s\n", b.theme.TagAccent, tview.Escape(j.Data))
	fmt.Fprintf(&sb, "[%s]Type[-]       %s\n", b.theme.TagAccent, j.DataType)
	fmt.Fprintf(&sb, "[%s]TLP/PAP[-]    %s/%s\n", b.theme.TagAccent, job.LevelName(j.TLP), job.LevelName(j.PAP))
	fmt.Fprintf(&sb, "[%s]Message[-]    %s\n", b.theme.TagAccent, tview.Escape(j.Message))
	fmt.Fprintf(&sb, "[%s]Source[-]     %s\n", b.theme.TagAccent, j.Source)
	fmt.Fprintf(&sb, "[%s]Created[-]    %s\n", b.theme.TagAccent, j.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&sb, "[%s]Updated[-]    %s\n", b.theme.TagAccent, j.UpdatedAt.Format(time.RFC3339))

	ctx, cancel := context.WithTimeout(b.ctx, 2*time.Second)
	defer cancel()
	if entries, err := b.source.GetAuditEntries(ctx, store.AuditFilter{JobID: j.ID}, 10); err == nil && len(entries) > 0 {
		fmt.Fprintf(&sb, "\n[%s]History[-]\n", b.theme.TagMuted)
		for _, e := range entries {
			fmt.Fprintf(&sb, "  %s %s by %s\n", e.Timestamp.Format("15:04:05"), e.Action, e.Actor)
		}
	}
	b.detail.SetText(sb.String())
	b.detail.ScrollToBeginning()
}

// showReport fetches and renders the Cortex report of the selected job.
func (b *Browser) showReport() {
	j, ok := b.selected()
	if !ok {
		return
	}
	if b.reports == nil {
		b.setStatus("[%s]Cortex is not configured, reports unavailable", b.theme.TagWarning)
		return
	}
	ctx, cancel := context.WithTimeout(b.ctx, 10*time.Second)
	defer cancel()
	rep, err := b.reports(ctx, j.ID)
	if err != nil {
		b.setStatus("[%s]Report for %s failed: %v", b.theme.TagError, j.ID, err)
		return
	}
	body, err := json.MarshalIndent(rep.Report, "", "  ")
	if err != nil {
		body = []byte(err.Error())
	}
	tag := b.theme.TagSuccess
	if !rep.Report.Success {
		tag = b.theme.TagWarning
	}
	b.detail.SetText(fmt.Sprintf("[%s]%s[-] %s\n\n%s", tag, rep.Status, j.AnalyzerName, tview.Escape(string(body))))
	b.detail.ScrollToBeginning()
	b.setStatus("Report loaded for %s", j.ID)
}

// handleKey implements the global bindings. It returns nil for handled keys.
func (b *Browser) handleKey(ev *tcell.EventKey) *tcell.EventKey {
	switch ev.Key() {
	case tcell.KeyEnter:
		b.showReport()
		return nil
	case tcell.KeyEscape:
		b.setStatus("")
		return nil
	case tcell.KeyRune:
		switch ev.Rune() {
		case 'q':
			b.app.Stop()
			return nil
		case 'r':
			if err := b.Refresh(); err != nil {
				b.setStatus("[%s]Refresh failed: %v", b.theme.TagError, err)
			}
			return nil
		case 's':
			b.statusFilter = (b.statusFilter + 1) % len(statusCycle)
			if err := b.Refresh(); err != nil {
				b.setStatus("[%s]Refresh failed: %v", b.theme.TagError, err)
			}
			return nil
		case 'j':
			return tcell.NewEventKey(tcell.KeyDown, 0, tcell.ModNone)
		case 'k':
			return tcell.NewEventKey(tcell.KeyUp, 0, tcell.ModNone)
		}
	}
	return ev
}

func (b *Browser) setStatus(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	hints := fmt.Sprintf("[%s]r[-] refresh  [%s]s[-] status  [%s]enter[-] report  [%s]q[-] quit",
		b.theme.TagAccent, b.theme.TagAccent, b.theme.TagAccent, b.theme.TagAccent)
	b.status.SetText(fmt.Sprintf("[%s]%s[-] %s  |  %s", b.theme.TagMuted, time.Now().Format("15:04:05"), msg, hints))
}

func cell(text string, color tcell.Color) *tview.TableCell {
	return tview.NewTableCell(tview.Escape(text)).SetTextColor(color)
}

func truncate(s string, n int) string {
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
