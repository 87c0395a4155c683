package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/yitech/marketboard/adapter"
	"github.com/yitech/marketboard/candlestore"
	"github.com/yitech/marketboard/chart"
	"github.com/yitech/marketboard/model/candle"
	"github.com/yitech/marketboard/model/market"
	"github.com/yitech/marketboard/viewport"
)

// ── styles ────────────────────────────────────────────────────────────────────

var (
	bullStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#26a641"))
	bearStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#e05c5c"))
	wickStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	axisStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#555555"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#aaaaaa"))
	footerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#555555"))
	cursorStyle = lipgloss.NewStyle().Reverse(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#d7af00"))
)

// ── messages ──────────────────────────────────────────────────────────────────

type snapshotMsg struct{ s market.Snapshot }

// barsMsg says the selected timeline changed in the store.
type barsMsg struct{ key candlestore.Key }

// runMsg runs fn inside the event loop, after pending redraws.
type runMsg struct{ fn func() }

type selectedMsg struct {
	key candlestore.Key
	err error
}

// ── model ─────────────────────────────────────────────────────────────────────

type screen int

const (
	screenList screen = iota
	screenChart
)

type model struct {
	session   *chart.Session
	bus       *sender
	snaps     <-chan market.Snapshot
	vpOpts    viewport.Options
	step      int
	timeframe candle.Timeframe

	snap   market.Snapshot
	rows   []market.UnifiedRecord
	sortBy market.SortField
	order  market.SortOrder
	cursor int

	screen  screen
	key     candlestore.Key
	view    *chartView
	ctrl    *viewport.Controller
	watch   adapter.Token
	loadErr error

	width  int
	height int
}

func newModel(session *chart.Session, tf candle.Timeframe, snaps <-chan market.Snapshot, bus *sender, vpOpts viewport.Options, step int) model {
	vpOpts.Defer = func(fn func()) { bus.Send(runMsg{fn}) }
	return model{
		session:   session,
		bus:       bus,
		snaps:     snaps,
		vpOpts:    vpOpts,
		step:      max(step, 1),
		timeframe: tf,
		sortBy:    market.ByTrade,
		order:     market.Desc,
		snap:      market.Snapshot{Loading: true},
	}
}

// ── Init / Update / View ──────────────────────────────────────────────────────

func (m model) Init() tea.Cmd {
	return waitForSnapshot(m.snaps)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if m.view != nil {
			m.view.resize(m.chartCols())
		}
		return m, nil

	case snapshotMsg:
		m.snap = msg.s
		m.resort()
		return m, waitForSnapshot(m.snaps)

	case barsMsg:
		if m.view != nil && msg.key == m.key {
			m.view.apply(m.session.Store().Current(m.key).Bars)
		}
		return m, nil

	case runMsg:
		msg.fn()
		return m, nil

	case selectedMsg:
		if msg.key == m.key && !errors.Is(msg.err, chart.ErrSuperseded) {
			m.loadErr = msg.err
		}
		return m, nil

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			m.closeChart()
			return m, tea.Quit
		}
		if m.screen == screenChart {
			return m.updateChart(msg)
		}
		return m.updateList(msg)
	}

	return m, nil
}

func (m model) updateList(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "up", "k":
		m.cursor = max(m.cursor-1, 0)
	case "down", "j":
		m.cursor = min(m.cursor+1, max(len(m.rows)-1, 0))
	case "s":
		m.sortBy = nextSortField(m.sortBy)
		m.resort()
	case "o":
		m.order = nextSortOrder(m.order)
		m.resort()
	case "enter":
		if m.cursor < len(m.rows) {
			return m.openChart(m.rows[m.cursor].Market, m.timeframe)
		}
	}
	return m, nil
}

func (m model) updateChart(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc", "backspace":
		// The live tail keeps running until another market is opened.
		m.closeChart()
		m.screen = screenList
	case "left", "h":
		m.ctrl.OnVisibleRangeChanged(m.view.scroll(-m.step))
	case "right", "l":
		m.ctrl.OnVisibleRangeChanged(m.view.scroll(m.step))
	case "home":
		m.ctrl.OnVisibleRangeChanged(m.view.scroll(-len(m.session.Store().Current(m.key).Bars)))
	case "f", "end":
		m.view.FitContent()
		m.view.apply(m.session.Store().Current(m.key).Bars)
	case "[":
		return m.openChart(m.key.Market, stepTimeframe(m.timeframe, -1))
	case "]":
		return m.openChart(m.key.Market, stepTimeframe(m.timeframe, 1))
	}
	return m, nil
}

// openChart binds a fresh view and controller to market/tf and loads it
// off the event loop.
func (m model) openChart(id string, tf candle.Timeframe) (tea.Model, tea.Cmd) {
	m.closeChart()

	key := candlestore.Key{Market: id, Timeframe: tf}
	store := m.session.Store()
	view := newChartView()
	view.resize(m.chartCols())
	view.apply(store.Current(key).Bars)

	bus := m.bus
	m.watch = store.Subscribe(key, func(candlestore.Event) {
		view.invalidate()
		bus.Send(barsMsg{key})
	})
	m.ctrl = viewport.New(store, key, view, m.vpOpts)
	m.view = view
	m.key = key
	m.timeframe = tf
	m.loadErr = nil
	m.screen = screenChart

	// Stamped here, in key order; Cmds may run in any order.
	intent := m.session.Intend(id, tf)
	return m, func() tea.Msg {
		_, err := intent.Apply(context.Background())
		return selectedMsg{key: key, err: err}
	}
}

func (m *model) closeChart() {
	if m.ctrl != nil {
		m.ctrl.Close()
		m.ctrl = nil
	}
	if m.watch != nil {
		m.watch.Unsubscribe()
		m.watch = nil
	}
	m.view = nil
}

func (m *model) resort() {
	m.rows = market.Sort(m.snap.Records, m.sortBy, m.order)
	m.cursor = min(m.cursor, max(len(m.rows)-1, 0))
}

func (m model) chartCols() int {
	return max((m.width-yAxisWidth)/2, 1)
}

func (m model) View() string {
	if m.width == 0 {
		return "connecting…"
	}
	if m.screen == screenChart {
		return m.viewChart()
	}
	return m.viewList()
}

// ── helpers ───────────────────────────────────────────────────────────────────

// waitForSnapshot blocks on the channel and returns a Cmd that fires snapshotMsg.
func waitForSnapshot(ch <-chan market.Snapshot) tea.Cmd {
	return func() tea.Msg {
		return snapshotMsg{<-ch}
	}
}

func nextSortField(f market.SortField) market.SortField {
	fields := []market.SortField{market.ByTrade, market.ByPrice, market.ByChange, market.BySpread}
	for i, x := range fields {
		if x == f {
			return fields[(i+1)%len(fields)]
		}
	}
	return market.ByTrade
}

func nextSortOrder(o market.SortOrder) market.SortOrder {
	switch o {
	case market.Desc:
		return market.Asc
	case market.Asc:
		return market.OrderNone
	default:
		return market.Desc
	}
}

// stepTimeframe moves dir steps through the fixed timeframe list,
// stopping at either end.
func stepTimeframe(tf candle.Timeframe, dir int) candle.Timeframe {
	tfs := chart.Timeframes()
	for i, x := range tfs {
		if x == tf {
			return tfs[min(max(i+dir, 0), len(tfs)-1)]
		}
	}
	return tfs[0]
}

// ── list ──────────────────────────────────────────────────────────────────────

func (m model) viewList() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf(
		"%-12s %-14s %16s %8s %14s %8s", "MARKET", "NAME", "PRICE", "CHG%", "REF", "SPREAD%")))
	b.WriteByte('\n')

	switch {
	case m.snap.Loading:
		b.WriteString("loading markets…\n")
	case len(m.rows) == 0:
		b.WriteString("no markets\n")
	}

	rows := max(m.height-4, 1)
	start := max(0, min(m.cursor-rows/2, len(m.rows)-rows))
	for i := start; i < len(m.rows) && i < start+rows; i++ {
		line := formatRow(m.rows[i])
		if i == m.cursor {
			line = cursorStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}

	b.WriteString(m.statusLine())
	b.WriteByte('\n')
	b.WriteString(footerStyle.Render(fmt.Sprintf(
		"[↑↓] move  [enter] chart  [s] sort:%s  [o] order:%s  [q] quit", m.sortBy, m.order)))
	return b.String()
}

func formatRow(r market.UnifiedRecord) string {
	ref, spread := "-", "-"
	if r.HasReference {
		ref = formatPrice(r.ReferencePrice)
	}
	if r.HasSpread {
		spread = fmt.Sprintf("%+.2f", r.SpreadPercent)
	}
	change := fmt.Sprintf("%+.2f", r.SignedChangeRate*100)
	switch r.Change {
	case market.Rise:
		change = bullStyle.Render(fmt.Sprintf("%8s", change))
	case market.Fall:
		change = bearStyle.Render(fmt.Sprintf("%8s", change))
	default:
		change = fmt.Sprintf("%8s", change)
	}
	return fmt.Sprintf("%-12s %-14s %16s %s %14s %8s",
		r.Market, truncate(r.LocalName, 14), formatPrice(r.TradePrice), change, ref, spread)
}

func truncate(s string, n int) string {
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n-1]) + "…"
}

func (m model) statusLine() string {
	parts := []string{fmt.Sprintf("rate %.2f (%s)", m.snap.Rate, m.snap.RateSource)}
	if m.snap.Err != market.KindNone {
		parts = append(parts, warnStyle.Render("error: "+m.snap.Err.String()))
	}
	if len(m.snap.Stale) > 0 {
		parts = append(parts, warnStyle.Render("stale: "+strings.Join(m.snap.Stale, ",")))
	}
	if !m.snap.UpdatedAt.IsZero() {
		parts = append(parts, "updated "+m.snap.UpdatedAt.Local().Format("15:04:05"))
	}
	return footerStyle.Render(strings.Join(parts, "  "))
}

// ── chart ─────────────────────────────────────────────────────────────────────

func (m model) viewChart() string {
	var b strings.Builder
	b.WriteString(m.chartHeader())
	b.WriteByte('\n')
	// Reserve: header, x-axis, time labels, footer.
	b.WriteString(renderChart(m.view.visible(), m.width, m.height-4))
	b.WriteByte('\n')
	b.WriteString(footerStyle.Render("[←→] scroll  [home] oldest  [f] latest  [ ] timeframe  [esc] back  [q] quit"))
	return b.String()
}

func (m model) chartHeader() string {
	tl := m.session.Store().Current(m.key)
	name := m.key.Market
	if r, ok := findRecord(m.snap.Records, m.key.Market); ok && r.LocalName != "" {
		name += " " + r.LocalName
	}

	if m.loadErr != nil && len(tl.Bars) == 0 {
		return headerStyle.Render(fmt.Sprintf("%s  %s  ", name, m.key.Timeframe)) +
			warnStyle.Render(adapter.Classify(m.loadErr).String()+", retrying…")
	}
	newest, ok := tl.Newest()
	if !ok {
		return headerStyle.Render(fmt.Sprintf("%s  %s  waiting for data…", name, m.key.Timeframe))
	}
	state := ""
	if tl.State == candlestore.Backfilling {
		state = "  loading older…"
	}
	return headerStyle.Render(fmt.Sprintf(
		"%s  %s  O:%s  H:%s  L:%s  C:%s  V:%.4f  %d bars%s",
		name, m.key.Timeframe,
		formatPrice(newest.Open), formatPrice(newest.High), formatPrice(newest.Low), formatPrice(newest.Close),
		newest.AccTradeVolume, len(tl.Bars), state,
	))
}

func findRecord(rs []market.UnifiedRecord, id string) (market.UnifiedRecord, bool) {
	for _, r := range rs {
		if r.Market == id {
			return r, true
		}
	}
	return market.UnifiedRecord{}, false
}
