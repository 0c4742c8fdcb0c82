// Package source defines the upstream fetch collaborator and a registry that
// maps datasets to the fetcher serving them.
package source

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Record is one raw upstream observation. Bar datasets fill the OHLCV
// fields, factor datasets fill Factor.
type Record struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
	Amount float64
	Factor float64
}

// Fetcher pulls records for one instrument and window. Results are ordered by
// time, finite, and may be empty.
type Fetcher interface {
	Name() string
	Supports(dataset string) bool
	Fetch(ctx context.Context, instrument, dataset string, from, to time.Time) ([]Record, error)
}

// Lister is implemented by fetchers that can enumerate instruments for a set
// of exchanges.
type Lister interface {
	Instruments(ctx context.Context, exchanges []string) ([]string, error)
}

var (
	ErrTransient = errors.New("transient fetch error")
	ErrPermanent = errors.New("permanent fetch error")
)

type kindError struct {
	kind error
	err  error
}

func (e *kindError) Error() string { return fmt.Sprintf("%s: %v", e.kind, e.err) }

func (e *kindError) Unwrap() []error { return []error{e.kind, e.err} }

// Transient marks err as retryable (rate limits, network, 5xx).
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: ErrTransient, err: err}
}

// Permanent marks err as not worth retrying (malformed request, unknown
// instrument).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: ErrPermanent, err: err}
}

// IsTransient reports whether err should be retried. Unclassified errors are
// treated as transient, context errors as permanent.
func IsTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrPermanent):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

type Registry struct {
	mu       sync.RWMutex
	fetchers map[string]Fetcher
}

func NewRegistry() *Registry {
	return &Registry{
		fetchers: make(map[string]Fetcher),
	}
}

// Register binds f to every dataset it supports out of datasets.
func (r *Registry) Register(f Fetcher, datasets ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range datasets {
		if f.Supports(d) {
			r.fetchers[d] = f
		}
	}
}

func (r *Registry) Get(dataset string) (Fetcher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.fetchers[dataset]
	if !ok {
		return nil, fmt.Errorf("no fetcher registered for dataset: %s", dataset)
	}
	return f, nil
}

func (r *Registry) Datasets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.fetchers))
	for d := range r.fetchers {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}
