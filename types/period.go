package types

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// PricePeriod is one OHLCV bar. Time is the bar open in unix seconds.
type PricePeriod struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// SeriesPoint is one row of a "$prices" or study update: {"i": index, "v": [time, ...]}.
type SeriesPoint struct {
	Index  int       `json:"i"`
	Values []float64 `json:"v"`
}

// PricePeriodFromPoint converts a [time, open, high, low, close, volume] row.
func PricePeriodFromPoint(p SeriesPoint) (PricePeriod, error) {
	if len(p.Values) < 5 {
		return PricePeriod{}, fmt.Errorf("price row %d has %d values, want at least 5", p.Index, len(p.Values))
	}
	period := PricePeriod{
		Time:  int64(p.Values[0]),
		Open:  p.Values[1],
		High:  p.Values[2],
		Low:   p.Values[3],
		Close: p.Values[4],
	}
	if len(p.Values) > 5 {
		period.Volume = math.Round(p.Values[5]*100) / 100
	}
	return period, nil
}

// SeriesUpdate is the payload of a "$prices" (or study) entry in timescale_update/du.
type SeriesUpdate struct {
	Series []SeriesPoint    `json:"s"`
	St     []SeriesPoint    `json:"st"`
	NS     *NonSeriesUpdate `json:"ns"`
}

// NonSeriesUpdate carries study graphics, JSON-encoded inside D.
type NonSeriesUpdate struct {
	D       string          `json:"d"`
	Indexes json.RawMessage `json:"indexes"`
}

// UpsertPeriod merges p into periods, which must be sorted by Time. A period
// with the same Time replaces the cached one; a later Time is appended; an
// earlier Time is inserted at its sorted position. It returns the new slice
// and whether p was added as a new bar.
func UpsertPeriod(periods []PricePeriod, p PricePeriod) ([]PricePeriod, bool) {
	return upsertByTime(periods, p, func(v PricePeriod) int64 { return v.Time }, func(_, next PricePeriod) PricePeriod { return next })
}

// UpsertStudyPeriod is UpsertPeriod for study rows, except that a row with a
// known Time has its plots merged into the cached row.
func UpsertStudyPeriod(periods []StudyPeriod, p StudyPeriod) ([]StudyPeriod, bool) {
	return upsertByTime(periods, p, func(v StudyPeriod) int64 { return v.Time }, func(prev, next StudyPeriod) StudyPeriod {
		merged := StudyPeriod{Time: next.Time, Plots: make(map[string]float64, len(prev.Plots)+len(next.Plots))}
		for k, v := range prev.Plots {
			merged.Plots[k] = v
		}
		for k, v := range next.Plots {
			merged.Plots[k] = v
		}
		return merged
	})
}

func upsertByTime[T any](items []T, v T, timeOf func(T) int64, merge func(prev, next T) T) ([]T, bool) {
	n := len(items)
	t := timeOf(v)
	if n == 0 || t > timeOf(items[n-1]) {
		return append(items, v), true
	}
	if t == timeOf(items[n-1]) {
		items[n-1] = merge(items[n-1], v)
		return items, false
	}

	i := sort.Search(n, func(i int) bool { return timeOf(items[i]) >= t })
	if timeOf(items[i]) == t {
		items[i] = merge(items[i], v)
		return items, false
	}
	var zero T
	items = append(items, zero)
	copy(items[i+1:], items[i:])
	items[i] = v
	return items, true
}
