package main

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yitech/marketboard/model/candle"
	"github.com/yitech/marketboard/viewport"
)

var origin = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func minutes(from, to int) []candle.Bar {
	var out []candle.Bar
	for m := from; m < to; m++ {
		out = append(out, candle.Bar{
			OpenTime: origin.Add(time.Duration(m) * time.Minute).UnixMilli(),
			Open:     float64(m),
			High:     float64(m) + 2,
			Low:      float64(m) - 1,
			Close:    float64(m) + 1,
		})
	}
	return out
}

func TestChartViewFollowsNewest(t *testing.T) {
	v := newChartView()
	v.resize(10)
	v.apply(minutes(0, 50))

	tr, ok := v.VisibleTimeRange()
	require.True(t, ok)
	assert.Equal(t, origin.Add(40*time.Minute), tr.From)
	assert.Equal(t, origin.Add(49*time.Minute), tr.To)

	v.apply(minutes(0, 51))
	tr, _ = v.VisibleTimeRange()
	assert.Equal(t, origin.Add(50*time.Minute), tr.To)
}

func TestChartViewScrollClamps(t *testing.T) {
	v := newChartView()
	v.resize(10)
	v.apply(minutes(0, 30))

	lr := v.scroll(-100)
	assert.Equal(t, viewport.LogicalRange{From: 0, To: 9}, lr)

	lr = v.scroll(100)
	assert.Equal(t, viewport.LogicalRange{From: 20, To: 29}, lr)
}

func TestChartViewScrolledAwayStopsFollowing(t *testing.T) {
	v := newChartView()
	v.resize(10)
	v.apply(minutes(0, 30))
	v.scroll(-5)

	v.apply(minutes(0, 31))
	tr, _ := v.VisibleTimeRange()
	assert.Equal(t, origin.Add(15*time.Minute), tr.From)
}

func TestChartViewNotReadyWhileDirty(t *testing.T) {
	v := newChartView()
	v.resize(10)
	v.apply(minutes(100, 130))
	v.scroll(-20)
	before, _ := v.VisibleTimeRange()

	v.invalidate()
	assert.ErrorIs(t, v.SetVisibleTimeRange(before), viewport.ErrNotReady)

	// Prepending keeps the logical index, so the times shift.
	v.apply(minutes(0, 130))
	shifted, _ := v.VisibleTimeRange()
	assert.NotEqual(t, before.From, shifted.From)

	require.NoError(t, v.SetVisibleTimeRange(before))
	after, _ := v.VisibleTimeRange()
	assert.Equal(t, before, after)
}

func TestChartViewEmpty(t *testing.T) {
	v := newChartView()
	_, ok := v.VisibleTimeRange()
	assert.False(t, ok)
	assert.ErrorIs(t, v.SetVisibleTimeRange(viewport.TimeRange{}), viewport.ErrNotReady)
	assert.Nil(t, v.visible())
}

func TestChartViewFitContent(t *testing.T) {
	v := newChartView()
	v.resize(10)
	v.apply(minutes(0, 30))
	v.scroll(-15)

	v.FitContent()
	assert.Len(t, v.visible(), 10)
	assert.Equal(t, minutes(20, 30), v.visible())
}

func TestRenderChart(t *testing.T) {
	out := renderChart(minutes(0, 16), 60, 8)
	lines := strings.Split(out, "\n")
	// Grid rows, the axis rule and the time labels.
	assert.Len(t, lines, 10)
	assert.Contains(t, lines[len(lines)-1], "01/01")
	assert.Contains(t, lines[len(lines)-1], "00:08")
}

func TestPriceRows(t *testing.T) {
	assert.Equal(t, 0, priceToRow(10, 11, 10, 0))
	assert.Equal(t, 10, priceToRow(0, 11, 10, 0))
	assert.Equal(t, 5, priceToRow(5, 11, 10, 0))
	assert.InDelta(t, 5.0, rowToPrice(5, 11, 10, 0), 1e-9)

	hi, lo := priceRange(minutes(3, 6))
	assert.Equal(t, 7.0, hi)
	assert.Equal(t, 2.0, lo)
}

func TestFormatPrice(t *testing.T) {
	assert.Equal(t, "97500000", formatPrice(97_500_000))
	assert.Equal(t, "12.50", formatPrice(12.5))
	assert.Equal(t, "0.0012", formatPrice(0.00123))
}
