package market

import (
	"context"
	"time"
)

// Window is an inclusive range of instants at a dataset's granularity.
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && !t.After(w.To)
}

// Bar is one OHLCV record of a bar dataset.
type Bar struct {
	Dataset    string    `json:"dataset"`
	Instrument string    `json:"instrument"`
	Time       time.Time `json:"time"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     float64   `json:"volume"`
	Amount     float64   `json:"amount"`
}

// Factor is one as-of adjustment factor observation.
type Factor struct {
	Instrument string    `json:"instrument"`
	TradeDate  time.Time `json:"tradeDate"`
	Factor     float64   `json:"factor"`
	AsOf       time.Time `json:"asOf"`
}

// BarRepository persists bars. Upserts are last-write-wins on
// (dataset, instrument, time).
type BarRepository interface {
	UpsertBars(ctx context.Context, bars []Bar) (int64, error)
	ListBars(ctx context.Context, dataset, instrument string, from, to time.Time) ([]Bar, error)
	Instruments(ctx context.Context, dataset string, from, to time.Time) ([]string, error)
}

// FactorRepository persists adjustment factors as append-only as-of facts.
type FactorRepository interface {
	// AppendFactors inserts a new as-of row for every factor whose value
	// differs from the latest stored value for its trade date. It returns the
	// number of rows inserted.
	AppendFactors(ctx context.Context, factors []Factor) (int64, error)
	// LatestFactors returns, per trade date, the newest row with as_of <= asOf,
	// ordered by trade date.
	LatestFactors(ctx context.Context, instrument string, asOf time.Time) ([]Factor, error)
}
