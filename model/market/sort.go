package market

import (
	"fmt"
	"slices"
)

// SortField selects the record attribute to order by.
type SortField string

const (
	ByTrade  SortField = "trade"
	ByPrice  SortField = "price"
	ByChange SortField = "change"
	BySpread SortField = "spread"
)

// SortOrder is the direction; OrderNone keeps the input order.
type SortOrder string

const (
	Desc      SortOrder = "desc"
	Asc       SortOrder = "asc"
	OrderNone SortOrder = "none"
)

// ParseSort validates a field/order pair, defaulting to trade/desc.
func ParseSort(field, order string) (SortField, SortOrder, error) {
	f, o := SortField(field), SortOrder(order)
	if f == "" {
		f = ByTrade
	}
	if o == "" {
		o = Desc
	}
	switch f {
	case ByTrade, ByPrice, ByChange, BySpread:
	default:
		return "", "", fmt.Errorf("market: unknown sort field %q", field)
	}
	switch o {
	case Desc, Asc, OrderNone:
	default:
		return "", "", fmt.Errorf("market: unknown sort order %q", order)
	}
	return f, o, nil
}

func (f SortField) value(r *UnifiedRecord) float64 {
	switch f {
	case ByPrice:
		return r.TradePrice
	case ByChange:
		return r.SignedChangeRate
	case BySpread:
		// Records without a spread sort as zero.
		return r.SpreadPercent
	default:
		return r.AccTradePrice24h
	}
}

// Sort returns a sorted copy of records. The input is never modified.
func Sort(records []UnifiedRecord, field SortField, order SortOrder) []UnifiedRecord {
	out := slices.Clone(records)
	if order == OrderNone {
		return out
	}
	slices.SortStableFunc(out, func(a, b UnifiedRecord) int {
		va, vb := field.value(&a), field.value(&b)
		if order == Asc {
			va, vb = vb, va
		}
		switch {
		case va > vb:
			return -1
		case va < vb:
			return 1
		default:
			return 0
		}
	})
	return out
}
