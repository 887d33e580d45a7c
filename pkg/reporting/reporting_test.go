package reporting

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/ducminhle1904/strategy-engine/internal/exchange"
	"github.com/ducminhle1904/strategy-engine/internal/risk"
	"github.com/ducminhle1904/strategy-engine/internal/strategy"
	"github.com/ducminhle1904/strategy-engine/internal/trigger"
	"github.com/ducminhle1904/strategy-engine/pkg/types"
)

var t0 = time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

func sampleSnapshots() []strategy.Snapshot {
	grid := &strategy.Instance{
		ID: "01JX0GRID",
		Spec: strategy.Spec{
			Kind: strategy.KindGrid, Symbol: "BTCUSDT", Venue: "paper", Account: "acct",
			Grid: &strategy.GridParams{Levels: []float64{100, 110}, Direction: trigger.CrossAbove, Side: types.SideBuy, Size: 1},
		},
		State:     strategy.StateActive,
		CreatedAt: t0,
		UpdatedAt: t0.Add(time.Minute),
		LastPrice: 112,
		Ladder: &strategy.GridState{Levels: []strategy.GridLevel{
			{Price: 100, Status: strategy.LevelExiting, EntryKey: "k-entry", ExitKey: "k-exit", Size: 1, FillPrice: 100, Fills: 1},
			{Price: 110, Status: strategy.LevelEmpty, Fills: 2},
		}},
	}
	sched := &strategy.Instance{
		ID: "01JX0SCHED",
		Spec: strategy.Spec{
			Kind: strategy.KindScheduled, Symbol: "ETHUSDT", Venue: "paper", Account: "acct",
			Scheduled: &strategy.ScheduledParams{MaxRuns: 3},
		},
		State:  strategy.StateFaulted,
		Reason: "order rejected",
		Frozen: true,
		Entry:  &strategy.OrderState{Runs: 1},
	}

	return []strategy.Snapshot{
		{
			Instance: grid,
			Intents: []exchange.OrderIntent{
				{Key: "k-entry-0000000000", StrategyID: grid.ID, Purpose: exchange.PurposeEntry, Symbol: "BTCUSDT",
					Side: types.SideBuy, Kind: exchange.OrderKindMarket, Size: 1, Status: exchange.IntentFilled,
					FilledSize: 1, AvgFillPrice: 100, Attempts: 1, CreatedAt: t0, UpdatedAt: t0},
				{Key: "k-exit-00000000000", StrategyID: grid.ID, Step: 1, Purpose: exchange.PurposeTakeProfit, Symbol: "BTCUSDT",
					Side: types.SideSell, Kind: exchange.OrderKindLimit, Size: 1, Price: 120, ReduceOnly: true,
					Status: exchange.IntentAcknowledged, Attempts: 1, CreatedAt: t0, UpdatedAt: t0},
			},
			Exposure:   1,
			EntryPrice: 100,
		},
		{
			Instance: sched,
			Intents: []exchange.OrderIntent{
				{Key: "k-sched", StrategyID: sched.ID, Purpose: exchange.PurposeEntry, Symbol: "ETHUSDT",
					Side: types.SideBuy, Kind: exchange.OrderKindMarket, Size: 0.5, Status: exchange.IntentRejected,
					LastError: "insufficient balance", RiskBlocked: true, Attempts: 1, UpdatedAt: t0},
			},
		},
	}
}

func TestWriteStrategyTable(t *testing.T) {
	var buf bytes.Buffer
	NewDefaultConsoleReporter().WriteStrategyTable(&buf, sampleSnapshots())
	out := buf.String()

	assert.Contains(t, out, "STRATEGIES")
	assert.Contains(t, out, "01JX0GRID")
	assert.Contains(t, out, "01JX0SCHED")
	assert.Contains(t, out, "paper/acct")
	assert.Contains(t, out, "1/2 held, 3 fills")
	assert.Contains(t, out, "1/3 runs")
	assert.Contains(t, out, "Faulted (frozen)")
	assert.Contains(t, out, "112.00")
}

func TestWriteIntentTable(t *testing.T) {
	var buf bytes.Buffer
	NewDefaultConsoleReporter().WriteIntentTable(&buf, sampleSnapshots())
	out := buf.String()

	assert.Contains(t, out, "ORDERS")
	assert.Contains(t, out, "k-entry-")
	assert.NotContains(t, out, "k-entry-0000000000")
	assert.Contains(t, out, "take_profit")
	assert.Contains(t, out, "Rejected (risk)")
	assert.Contains(t, out, "insufficient balance")
}

func TestWriteRiskTable(t *testing.T) {
	var buf bytes.Buffer
	NewDefaultConsoleReporter().WriteRiskTable(&buf, risk.Snapshot{
		Account:              "acct",
		Equity:               10000,
		PerSymbolExposure:    map[string]float64{"BTCUSDT": 1000},
		NetSize:              map[string]float64{"BTCUSDT": 0.01},
		TotalExposure:        1000,
		AggregateRiskPercent: 0.1,
		Ceiling:              0.5,
		Headroom:             4000,
	})
	out := buf.String()

	assert.Contains(t, out, "PORTFOLIO RISK")
	assert.Contains(t, out, "10.00%")
	assert.Contains(t, out, "50.00%")
	assert.Contains(t, out, "0.01 @ 1000.00")
}

func TestProgress(t *testing.T) {
	tests := []struct {
		name string
		inst *strategy.Instance
		want string
	}{
		{
			name: "martingale",
			inst: &strategy.Instance{Spec: strategy.Spec{Kind: strategy.KindMartingale},
				Sequence: &strategy.MartingaleState{Step: 2, Wins: 1, Losses: 2}},
			want: "step 2, 1W/2L",
		},
		{
			name: "conditional waiting",
			inst: &strategy.Instance{Spec: strategy.Spec{Kind: strategy.KindConditional}},
			want: "waiting",
		},
		{
			name: "conditional trailing",
			inst: &strategy.Instance{Spec: strategy.Spec{Kind: strategy.KindConditional},
				Entry: &strategy.OrderState{Filled: true, Stop: 105}},
			want: "stop 105.00",
		},
		{
			name: "scheduled once",
			inst: &strategy.Instance{Spec: strategy.Spec{Kind: strategy.KindScheduled, Scheduled: &strategy.ScheduledParams{}}},
			want: "0/1 runs",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Progress(tt.inst))
		})
	}
}

func TestExportWorkbook(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "strategies.xlsx")
	require.NoError(t, NewDefaultReporter().Export(path, sampleSnapshots()))

	fx, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer fx.Close()

	assert.Equal(t, []string{"Strategies", "Orders", "Grid Levels"}, fx.GetSheetList())

	rows, err := fx.GetRows("Strategies")
	require.NoError(t, err)
	require.Len(t, rows, 4) // header, two strategies, summary
	assert.Equal(t, "ID", rows[0][0])
	assert.Equal(t, "01JX0GRID", rows[1][0])
	assert.Equal(t, "Faulted (frozen)", rows[2][5])
	assert.Equal(t, "2 strategies", rows[3][0])

	orders, err := fx.GetRows("Orders")
	require.NoError(t, err)
	require.Len(t, orders, 4)
	assert.Equal(t, "k-exit-00000000000", orders[2][1])
	assert.Equal(t, "Acknowledged", orders[2][14])

	levels, err := fx.GetRows("Grid Levels")
	require.NoError(t, err)
	require.Len(t, levels, 3)
	assert.Equal(t, "Exiting", levels[1][3])
}

func TestExportWorkbookWithoutGrid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strategies.xlsx")
	require.NoError(t, NewDefaultReporter().Export(path, sampleSnapshots()[1:]))

	fx, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer fx.Close()
	assert.Equal(t, []string{"Strategies", "Orders"}, fx.GetSheetList())
}

func TestExportCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orders.csv")
	require.NoError(t, NewDefaultReporter().Export(path, sampleSnapshots()))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)

	require.Len(t, records, 4)
	assert.Equal(t, "Strategy", records[0][0])
	assert.Equal(t, "grid", records[1][1])
	assert.Equal(t, "120", records[2][10])
	assert.Equal(t, "insufficient balance", records[3][16])
}

func TestExportJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, NewDefaultReporter().Export(path, sampleSnapshots()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var back []strategy.Snapshot
	require.NoError(t, json.Unmarshal(data, &back))
	require.Len(t, back, 2)
	assert.Equal(t, "01JX0GRID", back[0].Instance.ID)
	assert.Len(t, back[0].Intents, 2)

	empty, err := FormatSnapshots(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(empty))
}

func TestExportUnsupportedFormat(t *testing.T) {
	err := NewDefaultReporter().Export(filepath.Join(t.TempDir(), "out.pdf"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported export format")
}

func TestDefaultExportPath(t *testing.T) {
	assert.Equal(t, filepath.Join("results", "strategies_20250602T090000.xlsx"), DefaultExportPath("", t0))
	assert.Equal(t, filepath.Join("results", "strategies_20250602T090000.csv"), DefaultExportPath(".CSV", t0))
}
