// Package yahoo implements a fetcher for Yahoo Finance bar data and
// adjustment factors. It uses the v8 chart API with cookie + crumb
// authentication, matching the approach used by the yfinance Python library.
package yahoo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ahmethakanbesel/marketsync/internal/market"
	"github.com/ahmethakanbesel/marketsync/internal/source"
)

const (
	defaultChartEndpoint = "https://query2.finance.yahoo.com/v8/finance/chart"
	defaultCookieURL     = "https://fc.yahoo.com"
	defaultCrumbURL      = "https://query1.finance.yahoo.com/v1/test/getcrumb"
	dayChunk             = 1250
	minuteChunk          = 7 * 24 * 60
	userAgent            = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
)

// Fetcher fetches historical bars from Yahoo Finance.
type Fetcher struct {
	workers       int
	client        *http.Client
	chartEndpoint string
	cookieURL     string
	crumbURL      string

	mu    sync.Mutex
	crumb string
}

// New creates a Fetcher with the given options applied.
func New(opts ...Option) *Fetcher {
	jar, _ := cookiejar.New(nil)
	f := &Fetcher{
		workers:       5,
		client:        &http.Client{Jar: jar, Timeout: 30 * time.Second},
		chartEndpoint: defaultChartEndpoint,
		cookieURL:     defaultCookieURL,
		crumbURL:      defaultCrumbURL,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithWorkers sets the worker concurrency for parallel chunk fetching.
func WithWorkers(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.workers = n
		}
	}
}

// WithClient sets the HTTP client. The client should have a cookie jar.
func WithClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithChartEndpoint overrides the default chart API endpoint.
func WithChartEndpoint(ep string) Option {
	return func(f *Fetcher) { f.chartEndpoint = ep }
}

// WithCookieURL overrides the URL used to obtain the session cookie.
func WithCookieURL(u string) Option {
	return func(f *Fetcher) { f.cookieURL = u }
}

// WithCrumbURL overrides the URL used to obtain the crumb token.
func WithCrumbURL(u string) Option {
	return func(f *Fetcher) { f.crumbURL = u }
}

// Name returns the fetcher identifier.
func (f *Fetcher) Name() string { return "yahoo" }

// Supports reports whether the chart API can serve dataset.
func (f *Fetcher) Supports(dataset string) bool {
	switch dataset {
	case market.KlineDayRaw, market.KlineMinuteRaw, market.AdjFactor:
		return true
	}
	return false
}

type quote struct {
	Open   []any `json:"open"`
	High   []any `json:"high"`
	Low    []any `json:"low"`
	Close  []any `json:"close"`
	Volume []any `json:"volume"`
}

type adjClose struct {
	AdjClose []any `json:"adjclose"`
}

type chartResult struct {
	Timestamp  []int64 `json:"timestamp"`
	Indicators struct {
		Quote    []quote    `json:"quote"`
		AdjClose []adjClose `json:"adjclose"`
	} `json:"indicators"`
}

// chartResponse represents the Yahoo Finance v8 chart API response.
type chartResponse struct {
	Chart struct {
		Result []chartResult `json:"result"`
		Error  *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// Fetch returns the records of dataset for instrument inside [from, to].
func (f *Fetcher) Fetch(ctx context.Context, instrument, dataset string, from, to time.Time) ([]source.Record, error) {
	if instrument == "" {
		return nil, source.Permanent(errors.New("instrument cannot be empty"))
	}
	if !f.Supports(dataset) {
		return nil, source.Permanent(fmt.Errorf("dataset %s not supported by yahoo", dataset))
	}
	if from.IsZero() || to.IsZero() {
		return nil, source.Permanent(errors.New("window bounds cannot be empty"))
	}
	if from.After(to) {
		return nil, source.Permanent(errors.New("window start cannot be after end"))
	}

	// Ensure we have a valid crumb before starting parallel fetches.
	if err := f.ensureCrumb(ctx); err != nil {
		return nil, source.Transient(fmt.Errorf("yahoo auth: %w", err))
	}

	step, interval, chunk := 24*time.Hour, "1d", dayChunk
	if dataset == market.KlineMinuteRaw {
		step, interval, chunk = time.Minute, "1m", minuteChunk
	}

	chunks := source.Split(from, to, step, chunk)
	results := make([][]source.Record, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.workers)

	for i, c := range chunks {
		g.Go(func() error {
			records, err := f.fetchChart(gctx, instrument, dataset, interval, step, c)
			if err != nil {
				slog.Error("error retrieving yahoo data", "instrument", instrument, "dataset", dataset,
					"from", c.From.Format(time.RFC3339), "to", c.To.Format(time.RFC3339), "error", err)
				return err
			}
			results[i] = records
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []source.Record
	for _, r := range results {
		all = append(all, r...)
	}
	return all, nil
}

// ensureCrumb fetches a session cookie and crumb token if not already cached.
func (f *Fetcher) ensureCrumb(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.crumb != "" {
		return nil
	}

	// Step 1: GET fc.yahoo.com to obtain a session cookie.
	cookieReq, err := http.NewRequestWithContext(ctx, "GET", f.cookieURL, nil)
	if err != nil {
		return fmt.Errorf("build cookie request: %w", err)
	}
	cookieReq.Header.Set("User-Agent", userAgent)

	cookieRes, err := f.client.Do(cookieReq) //nolint:gosec // URL from internal config
	if err != nil {
		return fmt.Errorf("fetch cookie: %w", err)
	}
	_ = cookieRes.Body.Close()

	// Step 2: GET crumb endpoint (cookie is sent automatically via jar).
	crumbReq, err := http.NewRequestWithContext(ctx, "GET", f.crumbURL, nil)
	if err != nil {
		return fmt.Errorf("build crumb request: %w", err)
	}
	crumbReq.Header.Set("User-Agent", userAgent)

	crumbRes, err := f.client.Do(crumbReq) //nolint:gosec // URL from internal config
	if err != nil {
		return fmt.Errorf("fetch crumb: %w", err)
	}
	defer func() { _ = crumbRes.Body.Close() }()

	if crumbRes.StatusCode != http.StatusOK {
		return fmt.Errorf("crumb endpoint returned HTTP %d", crumbRes.StatusCode)
	}

	body, err := io.ReadAll(crumbRes.Body)
	if err != nil {
		return fmt.Errorf("read crumb: %w", err)
	}

	crumb := strings.TrimSpace(string(body))
	if crumb == "" {
		return fmt.Errorf("empty crumb received")
	}

	f.crumb = crumb
	slog.Info("yahoo: obtained crumb", "crumb_len", len(crumb))
	return nil
}

func (f *Fetcher) invalidateCrumb() {
	f.mu.Lock()
	f.crumb = ""
	f.mu.Unlock()
}

// fetchChart fetches chart data for a single chunk.
func (f *Fetcher) fetchChart(ctx context.Context, instrument, dataset, interval string, step time.Duration, w market.Window) ([]source.Record, error) {
	f.mu.Lock()
	crumb := f.crumb
	f.mu.Unlock()

	// period2 is exclusive upstream; the window end is inclusive here.
	reqURL := fmt.Sprintf("%s/%s?period1=%s&period2=%s&interval=%s&events=div%%2Csplits&crumb=%s",
		f.chartEndpoint,
		instrument,
		strconv.FormatInt(w.From.Unix(), 10),
		strconv.FormatInt(w.To.Add(step).Unix(), 10),
		interval,
		crumb,
	)

	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return nil, source.Permanent(err)
	}
	req.Header.Set("User-Agent", userAgent)

	res, err := f.client.Do(req) //nolint:gosec // URL built from internal config
	if err != nil {
		return nil, source.Transient(err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		statusErr := fmt.Errorf("yahoo returned HTTP %d for %s", res.StatusCode, instrument)
		switch {
		case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
			// Invalidate crumb so the retry re-authenticates.
			f.invalidateCrumb()
			return nil, source.Transient(statusErr)
		case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500:
			return nil, source.Transient(statusErr)
		default:
			return nil, source.Permanent(statusErr)
		}
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, source.Transient(err)
	}

	var resp chartResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, source.Permanent(fmt.Errorf("parse yahoo response: %w", err))
	}

	if resp.Chart.Error != nil {
		return nil, source.Permanent(fmt.Errorf("yahoo chart error: %s: %s", resp.Chart.Error.Code, resp.Chart.Error.Description))
	}

	if len(resp.Chart.Result) == 0 {
		return nil, nil
	}

	records := toRecords(resp.Chart.Result[0], dataset, step, w)

	slog.Info("retrieved yahoo data", "instrument", instrument, "dataset", dataset,
		"from", w.From.Format(time.RFC3339), "to", w.To.Format(time.RFC3339),
		"count", len(records))

	return records, nil
}

func toRecords(result chartResult, dataset string, step time.Duration, w market.Window) []source.Record {
	if len(result.Indicators.Quote) == 0 {
		return nil
	}
	q := result.Indicators.Quote[0]

	var adj []any
	if len(result.Indicators.AdjClose) > 0 {
		adj = result.Indicators.AdjClose[0].AdjClose
	}

	n := min(len(result.Timestamp), len(q.Close))
	records := make([]source.Record, 0, n)
	for i := range n {
		closeVal, ok := at(q.Close, i)
		if !ok {
			continue
		}
		ts := time.Unix(result.Timestamp[i], 0).UTC().Truncate(step)
		if !w.Contains(ts) {
			continue
		}

		if dataset == market.AdjFactor {
			adjVal, ok := at(adj, i)
			if !ok || closeVal == 0 {
				continue
			}
			records = append(records, source.Record{Time: ts, Close: closeVal, Factor: adjVal / closeVal})
			continue
		}

		rec := source.Record{Time: ts, Close: closeVal}
		rec.Open, _ = at(q.Open, i)
		rec.High, _ = at(q.High, i)
		rec.Low, _ = at(q.Low, i)
		rec.Volume, _ = at(q.Volume, i)
		records = append(records, rec)
	}
	return records
}

func at(values []any, i int) (float64, bool) {
	if i >= len(values) {
		return 0, false
	}
	return toFloat64(values[i])
}

// toFloat64 converts a JSON number (which may be float64 or json.Number) to float64.
// Returns false for nil values (Yahoo uses null for missing data points).
func toFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
