package snapshot

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"time"

	"github.com/segmentio/ksuid"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/ahmethakanbesel/marketsync/internal/adjust"
	"github.com/ahmethakanbesel/marketsync/internal/market"
)

var pricesHeader = []string{
	"date", "instrument", "open", "high", "low", "close", "volume", "amount",
	"factor", "adj_open", "adj_high", "adj_low", "adj_close", "unadjusted",
}

// Writer materialises snapshots under a directory of an afero filesystem.
type Writer struct {
	fs      afero.Fs
	bars    market.BarRepository
	factors adjust.FactorSource
	repo    Repository
	workers int
	now     func() time.Time
}

type Option func(*Writer)

// WithWorkers bounds how many instruments are read concurrently.
func WithWorkers(n int) Option {
	return func(w *Writer) {
		if n > 0 {
			w.workers = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(w *Writer) { w.now = now }
}

// NewWriter returns a writer rooted at fs. Callers pick the root, typically
// afero.NewBasePathFs(afero.NewOsFs(), dir).
func NewWriter(fs afero.Fs, bars market.BarRepository, factors adjust.FactorSource, repo Repository, opts ...Option) *Writer {
	w := &Writer{fs: fs, bars: bars, factors: factors, repo: repo, workers: 4, now: time.Now}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

type row struct {
	date       string
	instrument string
	bar        market.Bar
	adj        adjust.Adjusted
}

// Export writes prices.csv, instruments.csv and manifest.json into a new
// directory named after the snapshot ID.
func (w *Writer) Export(ctx context.Context, req ExportRequest) (*Snapshot, error) {
	ds, err := market.LookupDataset(req.Dataset)
	if err != nil {
		return nil, err
	}
	if ds.Kind != market.KindBars {
		return nil, fmt.Errorf("dataset %s has no bars to export", ds.Name)
	}

	created := w.now().UTC()
	asOf := req.AsOf
	if asOf.IsZero() {
		asOf = created
	}

	universe := req.Universe
	if len(universe) == 0 {
		if universe, err = w.bars.Instruments(ctx, ds.Name, req.From, lastInstant(ds, req.To)); err != nil {
			return nil, fmt.Errorf("resolve universe: %w", err)
		}
	}
	universe = append([]string(nil), universe...)
	sort.Strings(universe)

	s := &Snapshot{
		ID:        ksuid.New().String(),
		Dataset:   ds.Name,
		Universe:  universe,
		From:      req.From,
		To:        req.To,
		AsOf:      asOf,
		Status:    StatusRunning,
		CreatedAt: created,
	}
	s.Path = s.ID
	if err := w.repo.Create(ctx, s); err != nil {
		return nil, err
	}

	if err := w.export(ctx, ds, s); err != nil {
		finished := w.now().UTC()
		s.Status = StatusFailed
		s.Error = err.Error()
		s.FinishedAt = &finished
		if uerr := w.repo.Update(context.WithoutCancel(ctx), s); uerr != nil {
			slog.Error("mark snapshot failed", "snapshot", s.ID, "error", uerr)
		}
		return s, err
	}

	finished := w.now().UTC()
	s.Status = StatusCompleted
	s.FinishedAt = &finished
	if err := w.repo.Update(ctx, s); err != nil {
		return s, err
	}

	slog.Info("snapshot written", "snapshot", s.ID, "dataset", s.Dataset,
		"instruments", s.InstrumentCount, "rows", s.RowCount, "as_of", s.AsOf)
	return s, nil
}

func (w *Writer) export(ctx context.Context, ds market.Dataset, s *Snapshot) error {
	engine := adjust.NewEngine(w.factors)
	if err := engine.Load(ctx, s.Universe, s.AsOf); err != nil {
		return err
	}

	layout := "2006-01-02"
	if ds.Granularity == market.Minute {
		layout = "2006-01-02T15:04:05Z"
	}

	to := lastInstant(ds, s.To)
	perInstrument := make([][]row, len(s.Universe))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.workers)
	for i, inst := range s.Universe {
		g.Go(func() error {
			bars, err := w.bars.ListBars(gctx, ds.Name, inst, s.From, to)
			if err != nil {
				return fmt.Errorf("read %s: %w", inst, err)
			}
			rows := make([]row, len(bars))
			for j, b := range bars {
				rows[j] = row{
					date:       b.Time.UTC().Format(layout),
					instrument: inst,
					bar:        b,
					adj:        engine.Adjust(inst, b.Time, adjust.OHLC{Open: b.Open, High: b.High, Low: b.Low, Close: b.Close}),
				}
			}
			perInstrument[i] = rows

			p := Progress{SnapshotID: s.ID, Instrument: inst, Rows: int64(len(rows)), DoneAt: w.now().UTC()}
			if len(bars) > 0 {
				first, last := bars[0].Time, bars[len(bars)-1].Time
				p.FirstDate, p.LastDate = &first, &last
			}
			return w.repo.SaveProgress(gctx, p)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var rows []row
	for _, rs := range perInstrument {
		rows = append(rows, rs...)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].date != rows[j].date {
			return rows[i].date < rows[j].date
		}
		return rows[i].instrument < rows[j].instrument
	})

	if err := w.fs.MkdirAll(s.Path, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	roster := rosterBuilder{}
	for _, r := range rows {
		roster.add(r.instrument, r.date)
	}
	if err := writePrices(w.fs, s.Path, rows); err != nil {
		return err
	}
	if err := writeRoster(w.fs, s.Path, roster.entries()); err != nil {
		return err
	}

	s.InstrumentCount = int64(len(roster))
	s.RowCount = int64(len(rows))

	m := Manifest{
		ID:              s.ID,
		Dataset:         s.Dataset,
		InstrumentCount: s.InstrumentCount,
		RowCount:        s.RowCount,
		AsOf:            s.AsOf,
		CreatedAt:       s.CreatedAt,
	}
	if len(rows) > 0 {
		m.DateRange = [2]string{rows[0].date, rows[len(rows)-1].date}
	}
	return writeManifest(w.fs, s.Path, m)
}

func writePrices(fs afero.Fs, dir string, rows []row) error {
	f, err := fs.Create(path.Join(dir, PricesFile))
	if err != nil {
		return fmt.Errorf("create prices: %w", err)
	}
	defer func() { _ = f.Close() }()

	cw := csv.NewWriter(f)
	if err := cw.Write(pricesHeader); err != nil {
		return fmt.Errorf("write prices: %w", err)
	}
	for _, r := range rows {
		if err := cw.Write([]string{
			r.date,
			r.instrument,
			num(r.bar.Open), num(r.bar.High), num(r.bar.Low), num(r.bar.Close),
			num(r.bar.Volume), num(r.bar.Amount),
			num(r.adj.Factor),
			num(r.adj.Open), num(r.adj.High), num(r.adj.Low), num(r.adj.Close),
			strconv.FormatBool(r.adj.Unadjusted),
		}); err != nil {
			return fmt.Errorf("write prices: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("write prices: %w", err)
	}
	return f.Close()
}

func writeManifest(fs afero.Fs, dir string, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := afero.WriteFile(fs, path.Join(dir, ManifestFile), data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// ReadManifest loads manifest.json from a snapshot directory.
func ReadManifest(fs afero.Fs, dir string) (*Manifest, error) {
	data, err := afero.ReadFile(fs, path.Join(dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

// lastInstant extends a date-only end bound on intraday data to the day's
// last bar.
func lastInstant(ds market.Dataset, t time.Time) time.Time {
	if ds.Granularity == market.Minute && !t.IsZero() && t.Equal(t.Truncate(24*time.Hour)) {
		return t.Add(24*time.Hour - ds.Granularity.Step())
	}
	return t
}

// num renders v with the fewest digits that parse back to the same float64.
func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
