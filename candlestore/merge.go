package candlestore

import (
	"cmp"
	"slices"

	"github.com/yitech/marketboard/model/candle"
)

// Merge overlays incoming on existing by canonical open time and returns
// a new slice sorted ascending. On a key collision the incoming bar wins.
// Neither input is modified.
//
// Live tail updates and backfill pages both go through Merge; they only
// differ in which end of the timeline they usually touch.
func Merge(existing, incoming []candle.Bar) []candle.Bar {
	byTime := make(map[int64]candle.Bar, len(existing)+len(incoming))
	for _, b := range existing {
		byTime[b.OpenTime] = b
	}
	for _, b := range incoming {
		byTime[b.OpenTime] = b
	}

	out := make([]candle.Bar, 0, len(byTime))
	for _, b := range byTime {
		out = append(out, b)
	}
	slices.SortFunc(out, func(a, b candle.Bar) int {
		return cmp.Compare(a.OpenTime, b.OpenTime)
	})
	return out
}

// unseen returns the bars of page whose open time is not in existing.
func unseen(existing, page []candle.Bar) []candle.Bar {
	have := make(map[int64]struct{}, len(existing))
	for _, b := range existing {
		have[b.OpenTime] = struct{}{}
	}
	var out []candle.Bar
	for _, b := range page {
		if _, ok := have[b.OpenTime]; !ok {
			out = append(out, b)
		}
	}
	return out
}
