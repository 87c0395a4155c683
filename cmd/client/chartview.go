package main

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/yitech/marketboard/model/candle"
	"github.com/yitech/marketboard/viewport"
)

// chartView is the terminal chart. It is the viewport.Renderer for the
// selected timeline: the controller reads and sets its visible range from
// store goroutines while the TUI draws it, so all state sits behind mu.
//
// Like a chart library it keeps logical indexes across a data change; a
// prepend therefore shifts the visible times until the controller
// restores them.
type chartView struct {
	mu sync.Mutex
	// bars is the data the view has caught up with.
	bars []candle.Bar
	// dirty is set when the store changed and bars has not been reapplied.
	dirty bool
	from  int
	cols  int
	// follow keeps the newest bar in view as the live tail advances.
	follow bool
}

var _ viewport.Renderer = (*chartView)(nil)

func newChartView() *chartView {
	return &chartView{cols: 1, follow: true}
}

// invalidate marks the view as behind the store.
func (v *chartView) invalidate() {
	v.mu.Lock()
	v.dirty = true
	v.mu.Unlock()
}

// apply catches the view up with bars.
func (v *chartView) apply(bars []candle.Bar) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.bars = bars
	v.dirty = false
	if v.follow {
		v.from = v.lastFrom()
	}
	v.from = min(max(v.from, 0), v.lastFrom())
}

// resize sets how many bars fit on screen.
func (v *chartView) resize(cols int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cols = max(cols, 1)
	if v.follow {
		v.from = v.lastFrom()
	}
	v.from = min(max(v.from, 0), v.lastFrom())
}

// scroll moves the window by delta bars (negative is older) and returns
// the new logical range.
func (v *chartView) scroll(delta int) viewport.LogicalRange {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.from = min(max(v.from+delta, 0), v.lastFrom())
	v.follow = v.from == v.lastFrom()
	return v.logicalRange()
}

func (v *chartView) lastFrom() int { return max(len(v.bars)-v.cols, 0) }

func (v *chartView) logicalRange() viewport.LogicalRange {
	return viewport.LogicalRange{From: float64(v.from), To: float64(v.from + v.cols - 1)}
}

func (v *chartView) VisibleTimeRange() (viewport.TimeRange, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.bars) == 0 {
		return viewport.TimeRange{}, false
	}
	to := min(v.from+v.cols-1, len(v.bars)-1)
	return viewport.TimeRange{From: v.bars[v.from].Time(), To: v.bars[to].Time()}, true
}

func (v *chartView) SetVisibleTimeRange(tr viewport.TimeRange) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.dirty || len(v.bars) == 0 {
		return viewport.ErrNotReady
	}
	from := tr.From.UnixMilli()
	i := sort.Search(len(v.bars), func(i int) bool { return v.bars[i].OpenTime >= from })
	v.from = min(i, v.lastFrom())
	v.follow = v.from == v.lastFrom()
	return nil
}

func (v *chartView) FitContent() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.follow = true
	v.from = v.lastFrom()
}

// visible returns the bars on screen.
func (v *chartView) visible() []candle.Bar {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.bars) == 0 {
		return nil
	}
	to := min(v.from+v.cols, len(v.bars))
	return v.bars[v.from:to]
}

// ── drawing ──────────────────────────────────────────────────────────────────

const yAxisWidth = 15 // "  123456789.12 │"

func renderChart(bars []candle.Bar, width, height int) string {
	chartH := max(height, 3)
	cols := len(bars) * 2

	hi, lo := priceRange(bars)
	if hi == lo {
		hi = lo + 1
	}

	grid := make([][]string, chartH)
	for r := range grid {
		grid[r] = make([]string, cols)
		for c := range grid[r] {
			grid[r][c] = " "
		}
	}
	for i, b := range bars {
		renderCandle(grid, b, i*2, chartH, hi, lo)
	}

	var b strings.Builder
	for row := range chartH {
		label := fmt.Sprintf("%13s │", formatPrice(rowToPrice(row, chartH, hi, lo)))
		b.WriteString(axisStyle.Render(label))
		b.WriteString(strings.Join(grid[row], ""))
		b.WriteByte('\n')
	}

	b.WriteString(axisStyle.Render(strings.Repeat("─", yAxisWidth)))
	b.WriteString(axisStyle.Render(strings.Repeat("─", max(cols, width-yAxisWidth))))
	b.WriteByte('\n')
	b.WriteString(strings.Repeat(" ", yAxisWidth))
	b.WriteString(axisStyle.Render(timeLabels(bars)))
	return b.String()
}

// timeLabels writes an open time under every 8th bar, in the bar's own
// UTC clock.
func timeLabels(bars []candle.Bar) string {
	const every = 8
	line := []byte(strings.Repeat(" ", len(bars)*2))
	for i := 0; i < len(bars); i += every {
		t := bars[i].Time()
		label := t.Format("15:04")
		if t.Hour() == 0 && t.Minute() == 0 {
			label = t.Format("01/02")
		}
		copy(line[i*2:], label)
	}
	return string(line)
}

// renderCandle paints one bar into the grid at column x (2 wide).
func renderCandle(grid [][]string, c candle.Bar, x, chartH int, hi, lo float64) {
	style := bullStyle
	if c.Close < c.Open {
		style = bearStyle
	}

	fH := float64(chartH)
	bodyTop := priceToRow(math.Max(c.Open, c.Close), fH, hi, lo)
	bodyBot := priceToRow(math.Min(c.Open, c.Close), fH, hi, lo)
	wickTop := priceToRow(c.High, fH, hi, lo)
	wickBot := priceToRow(c.Low, fH, hi, lo)

	for row := range chartH {
		inBody := row >= bodyTop && row <= bodyBot
		inWick := row >= wickTop && row <= wickBot

		left, right := " ", " "
		switch {
		case inBody:
			left = style.Render("█")
			right = style.Render("█")
		case inWick:
			left = wickStyle.Render("│")
		}
		if x < len(grid[row]) {
			grid[row][x] = left
		}
		if x+1 < len(grid[row]) {
			grid[row][x+1] = right
		}
	}
}

// priceToRow converts a price to a grid row (0 = top = high).
func priceToRow(price, chartH float64, hi, lo float64) int {
	if hi == lo {
		return int(chartH) / 2
	}
	r := int(math.Round((hi - price) / (hi - lo) * (chartH - 1)))
	return min(max(r, 0), int(chartH)-1)
}

// rowToPrice is the inverse of priceToRow.
func rowToPrice(row, chartH int, hi, lo float64) float64 {
	if chartH <= 1 {
		return hi
	}
	return hi - float64(row)/float64(chartH-1)*(hi-lo)
}

// priceRange returns the overall high and low across bars.
func priceRange(bars []candle.Bar) (hi, lo float64) {
	if len(bars) == 0 {
		return 0, 0
	}
	hi, lo = -math.MaxFloat64, math.MaxFloat64
	for _, b := range bars {
		hi = math.Max(hi, b.High)
		lo = math.Min(lo, b.Low)
	}
	return hi, lo
}

// formatPrice prints large local prices without decimals and small ones
// with enough digits to move.
func formatPrice(p float64) string {
	switch {
	case math.Abs(p) >= 1000:
		return fmt.Sprintf("%.0f", p)
	case math.Abs(p) >= 1:
		return fmt.Sprintf("%.2f", p)
	default:
		return fmt.Sprintf("%.4f", p)
	}
}
