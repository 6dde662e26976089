package harvest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/LianQi-Kevin/xinfadi-harvest/config"
	"github.com/LianQi-Kevin/xinfadi-harvest/fetch"
	"github.com/LianQi-Kevin/xinfadi-harvest/models"
	"github.com/LianQi-Kevin/xinfadi-harvest/pipeline"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.PageSize = 10
	cfg.MaxConcurrency = 4
	cfg.MaxAttempts = 2
	cfg.RetryCooldown = time.Millisecond
	cfg.StaggerGroupSize = 100
	cfg.StaggerInterval = 0
	cfg.QueueSize = 32
	cfg.FlushEvery = 50
	cfg.DedupeMaxSize = 10000
	return cfg
}

// stubFetcher serves a synthetic dataset of `total` records and fails
// specific wire page numbers unconditionally.
type stubFetcher struct {
	total     int
	failPages map[int]bool
	delay     time.Duration

	mu          sync.Mutex
	inflight    int
	maxInflight int
}

func (s *stubFetcher) FetchPage(ctx context.Context, req models.PageRequest) (*models.PageResponse, error) {
	s.mu.Lock()
	s.inflight++
	if s.inflight > s.maxInflight {
		s.maxInflight = s.inflight
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inflight--
		s.mu.Unlock()
	}()

	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.failPages[req.Current] {
		return nil, fmt.Errorf("page %d: %w after 2 attempts: boom", req.Current, fetch.ErrExhausted)
	}

	start := (req.Current - 1) * req.Limit
	n := req.Limit
	if start+n > s.total {
		n = s.total - start
	}
	if n < 0 {
		n = 0
	}
	records := make([]*models.PriceRecord, n)
	for i := 0; i < n; i++ {
		records[i] = &models.PriceRecord{
			ID:        int64(start + i + 1),
			ProdName:  fmt.Sprintf("item-%d", start+i+1),
			LowPrice:  1,
			HighPrice: 2,
			AvgPrice:  1.5,
			PubDate:   time.Date(2023, 11, 1, 0, 0, 0, 0, time.UTC),
		}
	}
	return &models.PageResponse{Current: req.Current, Limit: req.Limit, Count: s.total, Records: records}, nil
}

func csvFactory(t *testing.T, path string) WriterFactory {
	t.Helper()
	return func() (pipeline.RowWriter, error) {
		return pipeline.NewCSVWriter(path)
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer f.Close()
	lines, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	return lines
}

func TestPageCount(t *testing.T) {
	tests := []struct {
		total, pageSize, want int
	}{
		{total: 95, pageSize: 40, want: 3},
		{total: 80, pageSize: 40, want: 2},
		{total: 81, pageSize: 40, want: 3},
		{total: 1, pageSize: 1, want: 1},
		{total: 39, pageSize: 40, want: 1},
		{total: 0, pageSize: 40, want: 0},
	}

	for _, tt := range tests {
		if got := PageCount(tt.total, tt.pageSize); got != tt.want {
			t.Fatalf("PageCount(%d, %d) = %d, want %d", tt.total, tt.pageSize, got, tt.want)
		}
	}
}

func TestRunWritesFullDataset(t *testing.T) {
	cfg := testConfig()
	cfg.PageSize = 40
	path := filepath.Join(t.TempDir(), "prices.csv")
	fetcher := &stubFetcher{total: 95}

	o := New(cfg, fetcher, csvFactory(t, path))
	report, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if report.PageCount != 3 {
		t.Fatalf("page count = %d, want 3", report.PageCount)
	}
	if report.PagesSucceeded != 3 {
		t.Fatalf("pages succeeded = %d, want 3", report.PagesSucceeded)
	}
	if report.RecordsWritten != 95 {
		t.Fatalf("records written = %d, want 95", report.RecordsWritten)
	}
	if o.State() != StateDone {
		t.Fatalf("state = %s, want done", o.State())
	}

	lines := readCSV(t, path)
	if len(lines) != 96 {
		t.Fatalf("output lines = %d, want header + 95 rows", len(lines))
	}
	for i, field := range models.FieldOrder {
		if lines[0][i] != field {
			t.Fatalf("header[%d] = %q, want %q", i, lines[0][i], field)
		}
	}
	seen := make(map[string]bool)
	for _, row := range lines[1:] {
		if len(row) != len(models.FieldOrder) {
			t.Fatalf("row width = %d, want %d", len(row), len(models.FieldOrder))
		}
		if seen[row[0]] {
			t.Fatalf("record %s appears twice", row[0])
		}
		seen[row[0]] = true
	}
}

func TestRunBoundsConcurrency(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrency = 2
	path := filepath.Join(t.TempDir(), "prices.csv")
	fetcher := &stubFetcher{total: 50, delay: 20 * time.Millisecond}

	o := New(cfg, fetcher, csvFactory(t, path))
	report, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.PageCount != 5 {
		t.Fatalf("page count = %d, want 5", report.PageCount)
	}
	if report.RecordsWritten != 50 {
		t.Fatalf("records written = %d, want 50", report.RecordsWritten)
	}
	if fetcher.maxInflight > 2 {
		t.Fatalf("max in-flight fetches = %d, want <= 2", fetcher.maxInflight)
	}
}

func TestRunIsolatesExhaustedPage(t *testing.T) {
	cfg := testConfig()
	path := filepath.Join(t.TempDir(), "prices.csv")
	// Wire page 4 is 0-based index 3.
	fetcher := &stubFetcher{total: 50, failPages: map[int]bool{4: true}}

	o := New(cfg, fetcher, csvFactory(t, path))
	report, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if report.PagesSucceeded != 4 {
		t.Fatalf("pages succeeded = %d, want 4", report.PagesSucceeded)
	}
	if len(report.ExhaustedPages) != 1 || report.ExhaustedPages[0] != 3 {
		t.Fatalf("exhausted pages = %v, want [3]", report.ExhaustedPages)
	}
	if report.RecordsWritten != 40 {
		t.Fatalf("records written = %d, want 40", report.RecordsWritten)
	}
	if o.State() != StateDone {
		t.Fatalf("state = %s, want done", o.State())
	}

	lines := readCSV(t, path)
	if len(lines) != 41 {
		t.Fatalf("output lines = %d, want header + 40 rows", len(lines))
	}
}

type emptyFetcher struct{}

func (emptyFetcher) FetchPage(ctx context.Context, req models.PageRequest) (*models.PageResponse, error) {
	return &models.PageResponse{Current: req.Current, Limit: req.Limit, Count: 0}, nil
}

func TestRunEmptyDataset(t *testing.T) {
	cfg := testConfig()
	factoryCalled := false
	factory := func() (pipeline.RowWriter, error) {
		factoryCalled = true
		return nil, fmt.Errorf("must not be called")
	}

	o := New(cfg, emptyFetcher{}, factory)
	report, err := o.Run(context.Background())
	if !errors.Is(err, ErrEmptyDataset) {
		t.Fatalf("expected ErrEmptyDataset, got %v", err)
	}
	if report != nil {
		t.Fatalf("report should be nil on probe failure")
	}
	if factoryCalled {
		t.Fatalf("sink must not be opened when the probe fails")
	}
	if o.State() != StateFailed {
		t.Fatalf("state = %s, want failed", o.State())
	}
}

type downFetcher struct{}

func (downFetcher) FetchPage(ctx context.Context, req models.PageRequest) (*models.PageResponse, error) {
	return nil, fmt.Errorf("page %d: %w after 2 attempts: dial tcp: refused", req.Current, fetch.ErrExhausted)
}

func TestRunUnreachableSource(t *testing.T) {
	cfg := testConfig()
	o := New(cfg, downFetcher{}, csvFactory(t, filepath.Join(t.TempDir(), "prices.csv")))

	_, err := o.Run(context.Background())
	if !errors.Is(err, ErrUnreachableSource) {
		t.Fatalf("expected ErrUnreachableSource, got %v", err)
	}
	if o.State() != StateFailed {
		t.Fatalf("state = %s, want failed", o.State())
	}
}

type failingWriter struct {
	rows int
}

func (fw *failingWriter) WriteHeader(fields []string) error { return nil }
func (fw *failingWriter) WriteRow(values []string) error {
	fw.rows++
	if fw.rows > 5 {
		return fmt.Errorf("no space left on device")
	}
	return nil
}
func (fw *failingWriter) Flush() error { return nil }
func (fw *failingWriter) Close() error { return nil }

func TestRunSurfacesSinkError(t *testing.T) {
	cfg := testConfig()
	fetcher := &stubFetcher{total: 50}
	writer := &failingWriter{}
	factory := func() (pipeline.RowWriter, error) { return writer, nil }

	o := New(cfg, fetcher, factory)
	report, err := o.Run(context.Background())
	if err == nil {
		t.Fatalf("expected sink error")
	}
	if report == nil {
		t.Fatalf("report should still be returned on sink failure")
	}
	if report.RecordsWritten != 5 {
		t.Fatalf("records written = %d, want 5", report.RecordsWritten)
	}
}

func TestRunCancelledSkipsRemainingPages(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrency = 1
	path := filepath.Join(t.TempDir(), "prices.csv")
	fetcher := &stubFetcher{total: 50, delay: 30 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(45 * time.Millisecond)
		cancel()
	}()

	o := New(cfg, fetcher, csvFactory(t, path))
	report, err := o.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(report.SkippedPages) == 0 {
		t.Fatalf("expected some pages to be skipped after cancellation")
	}
	if report.PagesSucceeded+len(report.SkippedPages)+len(report.ExhaustedPages) != report.PageCount {
		t.Fatalf("outcomes do not cover all pages: %+v", report)
	}
	// Whatever was fetched before cancellation is durably written.
	lines := readCSV(t, path)
	if int64(len(lines)-1) != report.RecordsWritten {
		t.Fatalf("file rows = %d, report = %d", len(lines)-1, report.RecordsWritten)
	}
}
