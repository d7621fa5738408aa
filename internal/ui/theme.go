package ui

import (
	"github.com/gdamore/tcell/v2"

	"github.com/Ashfaaq98/ta-cortex/internal/cortex"
	"github.com/Ashfaaq98/ta-cortex/internal/job"
)

// Theme defines UI color tokens used across widgets and text tags.
type Theme struct {
	Bg          tcell.Color
	Border      tcell.Color
	FocusBorder tcell.Color
	TextPrimary tcell.Color
	TextMuted   tcell.Color

	TableHeader   tcell.Color
	TableHeaderBg tcell.Color
	TableZebra1   tcell.Color
	TableZebra2   tcell.Color

	// Traffic light colors, also used for job statuses.
	White tcell.Color
	Green tcell.Color
	Amber tcell.Color
	Red   tcell.Color

	// Text tag colors (for tview dynamic color markup)
	TagMuted   string
	TagAccent  string
	TagSuccess string
	TagWarning string
	TagError   string
}

func hex(s string) tcell.Color { return tcell.GetColor(s) }

func themeDark() Theme {
	return Theme{
		Bg:          hex("#0e1116"),
		Border:      hex("#2b3240"),
		FocusBorder: hex("#4aa8ff"),
		TextPrimary: hex("#e6edf3"),
		TextMuted:   hex("#8a939f"),

		TableHeader:   hex("#eab308"),
		TableHeaderBg: hex("#1a2332"),
		TableZebra1:   hex("#161c27"),
		TableZebra2:   hex("#121823"),

		White: hex("#e6edf3"),
		Green: hex("#22c55e"),
		Amber: hex("#f59e0b"),
		Red:   hex("#ef4444"),

		TagMuted:   "#8a939f",
		TagAccent:  "#2dd4bf",
		TagSuccess: "#22c55e",
		TagWarning: "#f59e0b",
		TagError:   "#ef4444",
	}
}

// levelColor returns the widget color of a TLP/PAP level.
func (t Theme) levelColor(level int) tcell.Color {
	switch level {
	case job.White:
		return t.White
	case job.Green:
		return t.Green
	case job.Amber:
		return t.Amber
	case job.Red:
		return t.Red
	default:
		return t.TextMuted
	}
}

func (t Theme) statusColor(status string) tcell.Color {
	switch status {
	case cortex.StatusSuccess:
		return t.Green
	case cortex.StatusFailure:
		return t.Red
	case cortex.StatusInProgress:
		return t.Amber
	case cortex.StatusDeleted:
		return t.TextMuted
	default:
		return t.TextPrimary
	}
}
