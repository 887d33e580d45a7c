package reporting

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ducminhle1904/strategy-engine/internal/exchange"
	"github.com/ducminhle1904/strategy-engine/internal/risk"
	"github.com/ducminhle1904/strategy-engine/internal/strategy"
)

// DefaultConsoleReporter implements console output functionality
type DefaultConsoleReporter struct{}

// NewDefaultConsoleReporter creates a new console reporter
func NewDefaultConsoleReporter() *DefaultConsoleReporter {
	return &DefaultConsoleReporter{}
}

// WriteStrategyTable prints one row per strategy instance
func (r *DefaultConsoleReporter) WriteStrategyTable(w io.Writer, snaps []strategy.Snapshot) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("STRATEGIES")
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"ID", "Kind", "Symbol", "Account", "State", "Exposure", "Entry", "Last", "Orders", "Progress"})

	for _, s := range snaps {
		inst := s.Instance
		if inst == nil {
			continue
		}
		t.AppendRow(table.Row{
			inst.ID,
			string(inst.Kind),
			inst.Symbol,
			inst.Venue + "/" + inst.Account,
			StateLabel(inst),
			formatSize(s.Exposure),
			formatPrice(s.EntryPrice),
			formatPrice(inst.LastPrice),
			len(s.Intents),
			Progress(inst),
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "", "", "Total", len(snaps), ""})

	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 6, Align: text.AlignRight},
		{Number: 7, Align: text.AlignRight},
		{Number: 8, Align: text.AlignRight},
		{Number: 9, Align: text.AlignRight},
	})
	t.Render()
}

// WriteIntentTable prints every order intent of the given snapshots, in
// creation order per strategy
func (r *DefaultConsoleReporter) WriteIntentTable(w io.Writer, snaps []strategy.Snapshot) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("ORDERS")
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Strategy", "Key", "Purpose", "Side", "Kind", "Size", "Price", "Status", "Filled", "Attempts", "Error"})

	for i, s := range snaps {
		if i > 0 && len(s.Intents) > 0 && t.Length() > 0 {
			t.AppendSeparator()
		}
		for _, in := range s.Intents {
			t.AppendRow(table.Row{
				in.StrategyID,
				shortKey(in.Key),
				string(in.Purpose),
				string(in.Side),
				string(in.Kind),
				formatSize(in.Size),
				formatPrice(in.Price),
				intentStatus(in),
				formatSize(in.FilledSize),
				in.Attempts,
				truncate(in.LastError, 40),
			})
		}
	}

	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 6, Align: text.AlignRight},
		{Number: 7, Align: text.AlignRight},
		{Number: 9, Align: text.AlignRight},
		{Number: 10, Align: text.AlignRight},
	})
	t.Render()
}

// WriteRiskTable prints a portfolio risk snapshot
func (r *DefaultConsoleReporter) WriteRiskTable(w io.Writer, snap risk.Snapshot) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("PORTFOLIO RISK " + snap.Account)
	t.SetStyle(table.StyleRounded)

	t.AppendRows([]table.Row{
		{"Equity", fmt.Sprintf("%.2f", snap.Equity)},
		{"Total Exposure", fmt.Sprintf("%.2f", snap.TotalExposure)},
		{"Aggregate Risk", fmt.Sprintf("%.2f%%", snap.AggregateRiskPercent*100)},
	})
	if snap.Ceiling > 0 {
		breach := "no"
		if snap.Breach {
			breach = "YES"
		}
		t.AppendRows([]table.Row{
			{"Ceiling", fmt.Sprintf("%.2f%%", snap.Ceiling*100)},
			{"Headroom", fmt.Sprintf("%.2f", snap.Headroom)},
			{"Breach", breach},
		})
	}

	symbols := make([]string, 0, len(snap.PerSymbolExposure))
	for sym := range snap.PerSymbolExposure {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	if len(symbols) > 0 {
		t.AppendSeparator()
	}
	for _, sym := range symbols {
		t.AppendRow(table.Row{sym, fmt.Sprintf("%s @ %.2f", formatSize(snap.NetSize[sym]), snap.PerSymbolExposure[sym])})
	}

	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, WidthMin: 16, Align: text.AlignLeft},
		{Number: 2, WidthMin: 20, Align: text.AlignRight},
	})
	t.Render()
}

// StateLabel is the lifecycle state plus the drift and cancel flags
func StateLabel(inst *strategy.Instance) string {
	label := string(inst.State)
	var flags []string
	if inst.Frozen {
		flags = append(flags, "frozen")
	}
	if inst.Cancel && inst.State != strategy.StateCancelled {
		flags = append(flags, "cancelling")
	}
	if len(flags) > 0 {
		label += " (" + strings.Join(flags, ", ") + ")"
	}
	return label
}

// Progress summarises the kind-specific runtime state
func Progress(inst *strategy.Instance) string {
	switch inst.Kind {
	case strategy.KindGrid:
		if inst.Ladder == nil {
			return ""
		}
		held, fills := 0, 0
		for _, lvl := range inst.Ladder.Levels {
			if lvl.Status == strategy.LevelFilled || lvl.Status == strategy.LevelExiting {
				held++
			}
			fills += lvl.Fills
		}
		return fmt.Sprintf("%d/%d held, %d fills", held, len(inst.Ladder.Levels), fills)
	case strategy.KindMartingale:
		if inst.Sequence == nil {
			return ""
		}
		seq := inst.Sequence
		return fmt.Sprintf("step %d, %dW/%dL", seq.Step, seq.Wins, seq.Losses)
	case strategy.KindConditional:
		if inst.Entry == nil || !inst.Entry.Filled {
			return "waiting"
		}
		if inst.Entry.Stop > 0 {
			return "stop " + formatPrice(inst.Entry.Stop)
		}
		return "filled"
	case strategy.KindScheduled:
		runs := 1
		if inst.Scheduled != nil && inst.Scheduled.MaxRuns > 0 {
			runs = inst.Scheduled.MaxRuns
		}
		done := 0
		if inst.Entry != nil {
			done = inst.Entry.Runs
		}
		return fmt.Sprintf("%d/%d runs", done, runs)
	}
	return ""
}

func intentStatus(in exchange.OrderIntent) string {
	s := string(in.Status)
	if in.RiskBlocked {
		s += " (risk)"
	}
	if in.Status == exchange.IntentPending && !in.NextRetryAt.IsZero() {
		s += " retry " + in.NextRetryAt.UTC().Format(time.TimeOnly)
	}
	return s
}

func shortKey(key string) string {
	if len(key) > 8 {
		return key[:8]
	}
	return key
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func formatSize(v float64) string {
	if v == 0 {
		return "0"
	}
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.6f", v), "0"), ".")
}

func formatPrice(v float64) string {
	if v == 0 {
		return "-"
	}
	return fmt.Sprintf("%.2f", v)
}
