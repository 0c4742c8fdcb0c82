package snapshot

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"

	"github.com/spf13/afero"
)

const (
	PricesFile   = "prices.csv"
	RosterFile   = "instruments.csv"
	ManifestFile = "manifest.json"
)

var rosterHeader = []string{"instrument", "first_date", "last_date"}

// RosterEntry is the listing span of one instrument inside a snapshot.
type RosterEntry struct {
	Instrument string `json:"instrument"`
	FirstDate  string `json:"firstDate"`
	LastDate   string `json:"lastDate"`
}

// rosterBuilder derives spans from written rows. Dates share one fixed-width
// format, so string order is time order.
type rosterBuilder map[string]*RosterEntry

func (b rosterBuilder) add(instrument, date string) {
	e, ok := b[instrument]
	if !ok {
		b[instrument] = &RosterEntry{Instrument: instrument, FirstDate: date, LastDate: date}
		return
	}
	if date < e.FirstDate {
		e.FirstDate = date
	}
	if date > e.LastDate {
		e.LastDate = date
	}
}

func (b rosterBuilder) entries() []RosterEntry {
	out := make([]RosterEntry, 0, len(b))
	for _, e := range b {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}

func writeRoster(fs afero.Fs, dir string, entries []RosterEntry) error {
	f, err := fs.Create(path.Join(dir, RosterFile))
	if err != nil {
		return fmt.Errorf("create roster: %w", err)
	}
	defer func() { _ = f.Close() }()

	w := csv.NewWriter(f)
	if err := w.Write(rosterHeader); err != nil {
		return fmt.Errorf("write roster: %w", err)
	}
	for _, e := range entries {
		if err := w.Write([]string{e.Instrument, e.FirstDate, e.LastDate}); err != nil {
			return fmt.Errorf("write roster: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("write roster: %w", err)
	}
	return f.Close()
}

// ReadRoster reads instruments.csv from a snapshot directory.
func ReadRoster(fs afero.Fs, dir string) ([]RosterEntry, error) {
	f, err := fs.Open(path.Join(dir, RosterFile))
	if err != nil {
		return nil, fmt.Errorf("open roster: %w", err)
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(rosterHeader)
	if _, err := r.Read(); err != nil {
		return nil, fmt.Errorf("read roster header: %w", err)
	}

	var out []RosterEntry
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read roster: %w", err)
		}
		out = append(out, RosterEntry{Instrument: rec[0], FirstDate: rec[1], LastDate: rec[2]})
	}
	return out, nil
}

// RebuildRoster regenerates instruments.csv from the snapshot's prices.csv
// alone and returns the entries written.
func RebuildRoster(fs afero.Fs, dir string) ([]RosterEntry, error) {
	f, err := fs.Open(path.Join(dir, PricesFile))
	if err != nil {
		return nil, fmt.Errorf("open prices: %w", err)
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(pricesHeader)
	if _, err := r.Read(); err != nil {
		return nil, fmt.Errorf("read prices header: %w", err)
	}

	b := rosterBuilder{}
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read prices: %w", err)
		}
		b.add(rec[1], rec[0])
	}

	entries := b.entries()
	if err := writeRoster(fs, dir, entries); err != nil {
		return nil, err
	}
	return entries, nil
}
