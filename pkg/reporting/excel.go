package reporting

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/ducminhle1904/strategy-engine/internal/strategy"
)

const (
	strategiesSheet = "Strategies"
	ordersSheet     = "Orders"
	gridSheet       = "Grid Levels"
)

// DefaultExcelReporter implements Excel output functionality
type DefaultExcelReporter struct{}

// NewDefaultExcelReporter creates a new Excel reporter
func NewDefaultExcelReporter() *DefaultExcelReporter {
	return &DefaultExcelReporter{}
}

// ExportWorkbook writes snapshots to an xlsx workbook with a Strategies
// sheet, an Orders sheet and, when any grid is present, a Grid Levels sheet
func (r *DefaultExcelReporter) ExportWorkbook(path string, snaps []strategy.Snapshot) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	fx := excelize.NewFile()
	defer fx.Close()

	if err := fx.SetSheetName(fx.GetSheetName(0), strategiesSheet); err != nil {
		return err
	}
	if _, err := fx.NewSheet(ordersSheet); err != nil {
		return err
	}

	styles, err := r.createExcelStyles(fx)
	if err != nil {
		return err
	}

	if err := r.writeStrategiesSheet(fx, snaps, styles); err != nil {
		return err
	}
	if err := r.writeOrdersSheet(fx, snaps, styles); err != nil {
		return err
	}
	if hasGrid(snaps) {
		if _, err := fx.NewSheet(gridSheet); err != nil {
			return err
		}
		if err := r.writeGridSheet(fx, snaps, styles); err != nil {
			return err
		}
	}

	return fx.SaveAs(path)
}

func (r *DefaultExcelReporter) createExcelStyles(fx *excelize.File) (ExcelStyles, error) {
	var styles ExcelStyles
	var err error

	thin := []excelize.Border{
		{Type: "left", Color: "E0E0E0", Style: 1},
		{Type: "right", Color: "E0E0E0", Style: 1},
		{Type: "bottom", Color: "E0E0E0", Style: 1},
	}
	fill := func(color string) excelize.Fill {
		return excelize.Fill{Type: "pattern", Color: []string{color}, Pattern: 1}
	}

	// Header style - dark slate background with white text
	styles.HeaderStyle, err = fx.NewStyle(&excelize.Style{
		Font: &excelize.Font{
			Bold:   true,
			Size:   11,
			Color:  "FFFFFF",
			Family: "Calibri",
		},
		Fill: fill("2F4F4F"),
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
		},
	})
	if err != nil {
		return styles, err
	}

	styles.BaseStyle, err = fx.NewStyle(&excelize.Style{Border: thin})
	if err != nil {
		return styles, err
	}

	sizeFmt := "0.######"
	styles.NumberStyle, err = fx.NewStyle(&excelize.Style{
		CustomNumFmt: &sizeFmt,
		Alignment:    &excelize.Alignment{Horizontal: "right"},
		Border:       thin,
	})
	if err != nil {
		return styles, err
	}

	styles.PriceStyle, err = fx.NewStyle(&excelize.Style{
		NumFmt:    4, // #,##0.00
		Alignment: &excelize.Alignment{Horizontal: "right"},
		Border:    thin,
	})
	if err != nil {
		return styles, err
	}

	timeFmt := "yyyy-mm-dd hh:mm:ss"
	styles.TimeStyle, err = fx.NewStyle(&excelize.Style{
		CustomNumFmt: &timeFmt,
		Border:       thin,
	})
	if err != nil {
		return styles, err
	}

	// State colouring: light blue running, light green done, light red faulted
	styles.ActiveStyle, err = fx.NewStyle(&excelize.Style{Fill: fill("E6F3FF"), Border: thin})
	if err != nil {
		return styles, err
	}
	styles.DoneStyle, err = fx.NewStyle(&excelize.Style{Fill: fill("E6FFE6"), Border: thin})
	if err != nil {
		return styles, err
	}
	styles.FaultStyle, err = fx.NewStyle(&excelize.Style{
		Font:   &excelize.Font{Bold: true, Color: "9C0006"},
		Fill:   fill("FFC7CE"),
		Border: thin,
	})
	if err != nil {
		return styles, err
	}

	styles.SummaryStyle, err = fx.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: fill("F2F2F2"),
		Border: []excelize.Border{
			{Type: "top", Color: "000000", Style: 2},
		},
	})
	if err != nil {
		return styles, err
	}

	return styles, nil
}

// column describes one sheet column and how its cells are styled
type column struct {
	title string
	width float64
	style func(s ExcelStyles) int
}

func base(s ExcelStyles) int   { return s.BaseStyle }
func number(s ExcelStyles) int { return s.NumberStyle }
func price(s ExcelStyles) int  { return s.PriceStyle }
func stamp(s ExcelStyles) int  { return s.TimeStyle }

func writeHeader(fx *excelize.File, sheet string, cols []column, styles ExcelStyles) error {
	for i, c := range cols {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := fx.SetCellValue(sheet, cell, c.title); err != nil {
			return err
		}
		name, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return err
		}
		if err := fx.SetColWidth(sheet, name, name, c.width); err != nil {
			return err
		}
	}
	last, err := excelize.CoordinatesToCellName(len(cols), 1)
	if err != nil {
		return err
	}
	if err := fx.SetCellStyle(sheet, "A1", last, styles.HeaderStyle); err != nil {
		return err
	}
	return fx.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	})
}

func writeRow(fx *excelize.File, sheet string, row int, cols []column, values []interface{}, styles ExcelStyles) error {
	for i, v := range values {
		cell, err := excelize.CoordinatesToCellName(i+1, row)
		if err != nil {
			return err
		}
		if t, ok := v.(time.Time); ok && t.IsZero() {
			v = ""
		}
		if err := fx.SetCellValue(sheet, cell, v); err != nil {
			return err
		}
		if err := fx.SetCellStyle(sheet, cell, cell, cols[i].style(styles)); err != nil {
			return err
		}
	}
	return nil
}

var strategyColumns = []column{
	{"ID", 30, base},
	{"Kind", 12, base},
	{"Symbol", 12, base},
	{"Venue", 12, base},
	{"Account", 12, base},
	{"State", 22, base},
	{"Reason", 40, base},
	{"Exposure", 12, number},
	{"Entry Price", 14, price},
	{"Last Price", 14, price},
	{"Progress", 26, base},
	{"Orders", 8, number},
	{"Created", 20, stamp},
	{"Updated", 20, stamp},
}

func (r *DefaultExcelReporter) writeStrategiesSheet(fx *excelize.File, snaps []strategy.Snapshot, styles ExcelStyles) error {
	if err := writeHeader(fx, strategiesSheet, strategyColumns, styles); err != nil {
		return err
	}

	row := 2
	for _, s := range snaps {
		inst := s.Instance
		if inst == nil {
			continue
		}
		values := []interface{}{
			inst.ID, string(inst.Kind), inst.Symbol, inst.Venue, inst.Account,
			StateLabel(inst), inst.Reason, s.Exposure, s.EntryPrice, inst.LastPrice,
			Progress(inst), len(s.Intents), inst.CreatedAt.UTC(), inst.UpdatedAt.UTC(),
		}
		if err := writeRow(fx, strategiesSheet, row, strategyColumns, values, styles); err != nil {
			return err
		}

		// Colour the state cell
		cell, _ := excelize.CoordinatesToCellName(6, row)
		if err := fx.SetCellStyle(strategiesSheet, cell, cell, stateStyle(inst, styles)); err != nil {
			return err
		}
		row++
	}

	// Summary row
	if err := fx.SetCellValue(strategiesSheet, fmt.Sprintf("A%d", row), fmt.Sprintf("%d strategies", len(snaps))); err != nil {
		return err
	}
	last, _ := excelize.CoordinatesToCellName(len(strategyColumns), row)
	return fx.SetCellStyle(strategiesSheet, fmt.Sprintf("A%d", row), last, styles.SummaryStyle)
}

func stateStyle(inst *strategy.Instance, styles ExcelStyles) int {
	switch {
	case inst.State == strategy.StateFaulted || inst.Frozen:
		return styles.FaultStyle
	case inst.State == strategy.StateCompleted || inst.State == strategy.StateCancelled:
		return styles.DoneStyle
	default:
		return styles.ActiveStyle
	}
}

var orderColumns = []column{
	{"Strategy", 30, base},
	{"Key", 38, base},
	{"Step", 6, number},
	{"Purpose", 10, base},
	{"Venue", 12, base},
	{"Account", 12, base},
	{"Symbol", 12, base},
	{"Side", 6, base},
	{"Kind", 8, base},
	{"Size", 12, number},
	{"Price", 14, price},
	{"Stop Loss", 14, price},
	{"Take Profit", 14, price},
	{"Reduce Only", 10, base},
	{"Status", 12, base},
	{"Venue Order", 24, base},
	{"Filled", 12, number},
	{"Avg Fill", 14, price},
	{"Attempts", 9, number},
	{"Risk Blocked", 12, base},
	{"Last Error", 40, base},
	{"Created", 20, stamp},
	{"Submitted", 20, stamp},
	{"Updated", 20, stamp},
}

func (r *DefaultExcelReporter) writeOrdersSheet(fx *excelize.File, snaps []strategy.Snapshot, styles ExcelStyles) error {
	if err := writeHeader(fx, ordersSheet, orderColumns, styles); err != nil {
		return err
	}

	row := 2
	for _, s := range snaps {
		for _, in := range s.Intents {
			values := []interface{}{
				in.StrategyID, in.Key, in.Step, string(in.Purpose), in.Venue, in.Account,
				in.Symbol, string(in.Side), string(in.Kind), in.Size, in.Price,
				in.StopLoss, in.TakeProfit, in.ReduceOnly, string(in.Status), in.VenueOrderID,
				in.FilledSize, in.AvgFillPrice, in.Attempts, in.RiskBlocked, in.LastError,
				in.CreatedAt.UTC(), in.SubmittedAt.UTC(), in.UpdatedAt.UTC(),
			}
			if err := writeRow(fx, ordersSheet, row, orderColumns, values, styles); err != nil {
				return err
			}
			row++
		}
	}
	return nil
}

var gridColumns = []column{
	{"Strategy", 30, base},
	{"Level", 6, number},
	{"Price", 14, price},
	{"Status", 12, base},
	{"Size", 12, number},
	{"Fill Price", 14, price},
	{"Fills", 8, number},
	{"Entry Key", 38, base},
	{"Exit Key", 38, base},
}

func (r *DefaultExcelReporter) writeGridSheet(fx *excelize.File, snaps []strategy.Snapshot, styles ExcelStyles) error {
	if err := writeHeader(fx, gridSheet, gridColumns, styles); err != nil {
		return err
	}

	row := 2
	for _, s := range snaps {
		if s.Instance == nil || s.Instance.Ladder == nil {
			continue
		}
		for i, lvl := range s.Instance.Ladder.Levels {
			values := []interface{}{
				s.Instance.ID, i, lvl.Price, string(lvl.Status), lvl.Size,
				lvl.FillPrice, lvl.Fills, lvl.EntryKey, lvl.ExitKey,
			}
			if err := writeRow(fx, gridSheet, row, gridColumns, values, styles); err != nil {
				return err
			}
			row++
		}
	}
	return nil
}

func hasGrid(snaps []strategy.Snapshot) bool {
	for _, s := range snaps {
		if s.Instance != nil && s.Instance.Ladder != nil {
			return true
		}
	}
	return false
}
