package market

import (
	"fmt"
	"sort"
	"time"
)

// Granularity is the step between two consecutive records of a dataset.
type Granularity string

const (
	Day    Granularity = "day"
	Minute Granularity = "minute"
)

// Step returns the duration of one granularity unit.
func (g Granularity) Step() time.Duration {
	if g == Minute {
		return time.Minute
	}
	return 24 * time.Hour
}

// Truncate floors t to the granularity in UTC.
func (g Granularity) Truncate(t time.Time) time.Time {
	return t.UTC().Truncate(g.Step())
}

// Kind tells the executor which table a dataset lands in.
type Kind string

const (
	KindBars    Kind = "bars"
	KindFactors Kind = "factors"
)

const (
	KlineDayRaw    = "kline_day_raw"
	KlineMinuteRaw = "kline_minute_raw"
	AdjFactor      = "adj_factor"
)

// Dataset describes a named time series category.
type Dataset struct {
	Name        string      `json:"name"`
	Kind        Kind        `json:"kind"`
	Granularity Granularity `json:"granularity"`
	// DefaultStart is used when no checkpoint exists. A zero value means
	// DefaultLookback before now.
	DefaultStart    time.Time     `json:"defaultStart"`
	DefaultLookback time.Duration `json:"defaultLookback,omitempty"`
	MaxWindow       time.Duration `json:"maxWindow"`
}

// Start returns the backfill start for the dataset relative to now.
func (d Dataset) Start(now time.Time) time.Time {
	if !d.DefaultStart.IsZero() {
		return d.DefaultStart
	}
	return d.Granularity.Truncate(now.Add(-d.DefaultLookback))
}

var datasets = map[string]Dataset{
	KlineDayRaw: {
		Name:         KlineDayRaw,
		Kind:         KindBars,
		Granularity:  Day,
		DefaultStart: time.Date(2005, 1, 1, 0, 0, 0, 0, time.UTC),
		MaxWindow:    365 * 24 * time.Hour,
	},
	KlineMinuteRaw: {
		Name:            KlineMinuteRaw,
		Kind:            KindBars,
		Granularity:     Minute,
		DefaultLookback: 30 * 24 * time.Hour,
		MaxWindow:       24 * time.Hour,
	},
	AdjFactor: {
		Name:         AdjFactor,
		Kind:         KindFactors,
		Granularity:  Day,
		DefaultStart: time.Date(2005, 1, 1, 0, 0, 0, 0, time.UTC),
		MaxWindow:    3650 * 24 * time.Hour,
	},
}

// LookupDataset returns the dataset registered under name.
func LookupDataset(name string) (Dataset, error) {
	d, ok := datasets[name]
	if !ok {
		return Dataset{}, fmt.Errorf("unknown dataset: %s", name)
	}
	return d, nil
}

// Datasets lists the registered datasets ordered by name.
func Datasets() []Dataset {
	out := make([]Dataset, 0, len(datasets))
	for _, d := range datasets {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
