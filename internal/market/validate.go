package market

import (
	"fmt"
	"math"
	"time"

	"github.com/araddon/dateparse"
)

// ValidationError describes a rejected record. It never aborts a batch.
type ValidationError struct {
	Instrument string
	Time       time.Time
	Reason     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid record %s@%s: %s", e.Instrument, e.Time.Format(time.RFC3339), e.Reason)
}

func positive(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}

func nonNegative(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}

// ValidateBar checks price sanity and window membership.
func ValidateBar(b Bar, w Window) *ValidationError {
	reject := func(reason string) *ValidationError {
		return &ValidationError{Instrument: b.Instrument, Time: b.Time, Reason: reason}
	}
	switch {
	case b.Time.IsZero():
		return reject("missing timestamp")
	case !w.Contains(b.Time):
		return reject("timestamp outside window")
	case !positive(b.Open), !positive(b.High), !positive(b.Low), !positive(b.Close):
		return reject("price must be positive and finite")
	case b.High < b.Low:
		return reject("high below low")
	case b.Open > b.High || b.Open < b.Low:
		return reject("open outside [low, high]")
	case b.Close > b.High || b.Close < b.Low:
		return reject("close outside [low, high]")
	case !nonNegative(b.Volume):
		return reject("volume must be non-negative")
	case !nonNegative(b.Amount):
		return reject("amount must be non-negative")
	}
	return nil
}

// ValidateFactor checks an adjustment factor observation.
func ValidateFactor(f Factor, w Window) *ValidationError {
	reject := func(reason string) *ValidationError {
		return &ValidationError{Instrument: f.Instrument, Time: f.TradeDate, Reason: reason}
	}
	switch {
	case f.TradeDate.IsZero():
		return reject("missing trade date")
	case !w.Contains(f.TradeDate):
		return reject("trade date outside window")
	case !positive(f.Factor):
		return reject("factor must be positive and finite")
	}
	return nil
}

// ParseDate accepts the date spellings operators type on the command line
// ("2024-01-02", "20240102", "2024/01/02", RFC 3339) and returns UTC.
func ParseDate(s string) (time.Time, error) {
	t, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t.UTC(), nil
}
