package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ahmethakanbesel/marketsync/internal/market"
)

// Bounds constrain the windows handed out for one instrument.
type Bounds struct {
	// Start is used when there is no checkpoint, or always when
	// IgnoreCheckpoint is set. Zero means the dataset default start.
	Start time.Time
	// End is the inclusive upper bound. Zero means now.
	End time.Time
	// IgnoreCheckpoint re-fetches from Start regardless of stored progress.
	IgnoreCheckpoint bool
	// After is the end of the last window handed out in this scan.
	After time.Time
}

// Tracker answers "what is the next window to fetch" for a key and records
// progress once a window is durably written.
type Tracker struct {
	repo              Repository
	now               func() time.Time
	dormancyThreshold int
}

type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithDormancyThreshold sets how many consecutive empty windows mark an
// instrument dormant. Values below 1 disable dormancy.
func WithDormancyThreshold(n int) Option {
	return func(t *Tracker) { t.dormancyThreshold = n }
}

func NewTracker(repo Repository, opts ...Option) *Tracker {
	t := &Tracker{
		repo:              repo,
		now:               time.Now,
		dormancyThreshold: 5,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// NextWindow returns the next window to fetch for (dataset, instrument). ok is
// false when the key is caught up with the bounds.
func (t *Tracker) NextWindow(ctx context.Context, ds market.Dataset, instrument string, b Bounds) (market.Window, bool, error) {
	g := ds.Granularity
	step := g.Step()
	now := t.now().UTC()

	end := g.Truncate(now)
	if !b.End.IsZero() {
		bound := b.End.UTC()
		// A date-only end bound on an intraday dataset covers the whole day.
		if g == market.Minute && bound.Equal(bound.Truncate(24*time.Hour)) {
			bound = bound.Add(24*time.Hour - step)
		}
		if bound = g.Truncate(bound); bound.Before(end) {
			end = bound
		}
	}

	from := b.Start
	if from.IsZero() {
		from = ds.Start(now)
	}
	if !b.IgnoreCheckpoint {
		st, err := t.repo.Get(ctx, ds.Name, instrument)
		if err != nil {
			return market.Window{}, false, fmt.Errorf("read checkpoint: %w", err)
		}
		if st != nil {
			from = st.Checkpoint.Add(step)
		}
	}
	from = g.Truncate(from)
	if !b.After.IsZero() {
		if next := b.After.Add(step); next.After(from) {
			from = next
		}
	}

	to := from.Add(ds.MaxWindow - step)
	if to.After(end) {
		to = end
	}
	if from.After(to) {
		return market.Window{}, false, nil
	}
	return market.Window{From: from, To: to}, true, nil
}

// Advance records that w was durably written. The stored checkpoint is
// re-read first: when a racing task already moved it past w.To the stored
// state is returned unchanged and nothing is written.
func (t *Tracker) Advance(ctx context.Context, dataset, instrument string, w market.Window, extra map[string]string, empty bool) (*State, error) {
	current, err := t.repo.Get(ctx, dataset, instrument)
	if err != nil {
		return nil, fmt.Errorf("re-read checkpoint: %w", err)
	}
	if current != nil && current.Checkpoint.After(w.To) {
		slog.Info("checkpoint already ahead of window", "dataset", dataset, "instrument", instrument,
			"checkpoint", current.Checkpoint.Format(time.RFC3339), "window_to", w.To.Format(time.RFC3339))
		return current, nil
	}

	st, err := t.repo.Advance(ctx, Update{
		Dataset:    dataset,
		Instrument: instrument,
		Checkpoint: w.To,
		Extra:      extra,
		Empty:      empty,
	}, t.dormancyThreshold)
	if err != nil {
		return nil, fmt.Errorf("advance checkpoint: %w", err)
	}
	return st, nil
}

// Get returns the stored state or nil.
func (t *Tracker) Get(ctx context.Context, dataset, instrument string) (*State, error) {
	return t.repo.Get(ctx, dataset, instrument)
}

// List returns every key of dataset.
func (t *Tracker) List(ctx context.Context, dataset string) ([]State, error) {
	return t.repo.List(ctx, dataset)
}
