// Package adjust converts raw prices into forward-adjusted prices normalised
// to each instrument's latest adjustment factor.
package adjust

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ahmethakanbesel/marketsync/internal/market"
)

// FactorSource reads the factor history visible at asOf.
type FactorSource interface {
	LatestFactors(ctx context.Context, instrument string, asOf time.Time) ([]market.Factor, error)
}

type OHLC struct {
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

type Adjusted struct {
	OHLC
	Factor float64 `json:"factor"`
	Ratio  float64 `json:"ratio"`
	// Unadjusted is set when the instrument has no factor history and the
	// raw prices were passed through.
	Unadjusted bool `json:"unadjusted"`
}

// table is one instrument's factor history sorted by trade date.
type table struct {
	dates   []time.Time
	factors []float64
	latest  float64
}

func newTable(factors []market.Factor) *table {
	sorted := append([]market.Factor(nil), factors...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].TradeDate.Before(sorted[j].TradeDate) })

	t := &table{}
	for _, f := range sorted {
		if f.Factor <= 0 {
			continue
		}
		t.dates = append(t.dates, f.TradeDate.UTC())
		t.factors = append(t.factors, f.Factor)
		if f.Factor > t.latest {
			t.latest = f.Factor
		}
	}
	return t
}

// factorAt returns the factor on d, else the nearest prior one, else the
// earliest known one.
func (t *table) factorAt(d time.Time) float64 {
	idx := sort.Search(len(t.dates), func(i int) bool { return t.dates[i].After(d) })
	if idx > 0 {
		return t.factors[idx-1]
	}
	return t.factors[0]
}

// Engine holds factor tables for a fixed as-of point. It is safe for
// concurrent use.
type Engine struct {
	src  FactorSource
	mu   sync.RWMutex
	tabs map[string]*table
}

func NewEngine(src FactorSource) *Engine {
	return &Engine{src: src, tabs: make(map[string]*table)}
}

// Load reads the factor history of instruments as of asOf. A zero asOf reads
// the newest history.
func (e *Engine) Load(ctx context.Context, instruments []string, asOf time.Time) error {
	loaded := make(map[string]*table, len(instruments))
	for _, inst := range instruments {
		factors, err := e.src.LatestFactors(ctx, inst, asOf)
		if err != nil {
			return fmt.Errorf("load factors %s: %w", inst, err)
		}
		loaded[inst] = newTable(factors)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for inst, t := range loaded {
		e.tabs[inst] = t
	}
	return nil
}

// Set installs a factor history directly.
func (e *Engine) Set(instrument string, factors []market.Factor) {
	t := newTable(factors)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tabs[instrument] = t
}

// Ratio returns factor(date)/latest for instrument. ok is false when the
// instrument has no factor history, in which case ratio is 1.
func (e *Engine) Ratio(instrument string, date time.Time) (ratio, factor float64, ok bool) {
	e.mu.RLock()
	t := e.tabs[instrument]
	e.mu.RUnlock()

	if t == nil || len(t.factors) == 0 {
		return 1, 0, false
	}
	factor = t.factorAt(date.UTC())
	return factor / t.latest, factor, true
}

// Adjust scales the prices of raw by the instrument's ratio on date. Volume
// and amount are never scaled, so they are not part of the input.
func (e *Engine) Adjust(instrument string, date time.Time, raw OHLC) Adjusted {
	ratio, factor, ok := e.Ratio(instrument, date)
	if !ok {
		return Adjusted{OHLC: raw, Ratio: 1, Unadjusted: true}
	}
	return Adjusted{OHLC: scale(raw, ratio), Factor: factor, Ratio: ratio}
}

// Unadjust recovers raw prices from adjusted ones.
func Unadjust(adjusted OHLC, ratio float64) OHLC {
	if ratio == 0 {
		return adjusted
	}
	return OHLC{
		Open:  adjusted.Open / ratio,
		High:  adjusted.High / ratio,
		Low:   adjusted.Low / ratio,
		Close: adjusted.Close / ratio,
	}
}

func scale(p OHLC, ratio float64) OHLC {
	return OHLC{
		Open:  p.Open * ratio,
		High:  p.High * ratio,
		Low:   p.Low * ratio,
		Close: p.Close * ratio,
	}
}
