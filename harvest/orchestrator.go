// Package harvest coordinates a crawl run: probe the total, dispatch
// bounded-concurrency page fetches, and funnel every record into the single
// sink consumer.
package harvest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/LianQi-Kevin/xinfadi-harvest/config"
	"github.com/LianQi-Kevin/xinfadi-harvest/models"
	"github.com/LianQi-Kevin/xinfadi-harvest/pipeline"
)

// Fetcher fetches one page of the dataset, retrying transient failures
// internally.
type Fetcher interface {
	FetchPage(ctx context.Context, req models.PageRequest) (*models.PageResponse, error)
}

// WriterFactory opens the output sink. It is invoked only after a
// successful probe, so a failed run never touches the output path.
type WriterFactory func() (pipeline.RowWriter, error)

// State is the orchestrator lifecycle phase.
type State int

const (
	StateIdle State = iota
	StateProbing
	StateScheduling
	StateDraining
	StateDone
	StateFailed
)

// String returns the phase name for logs.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProbing:
		return "probing"
	case StateScheduling:
		return "scheduling"
	case StateDraining:
		return "draining"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Orchestrator sequences one harvest run.
type Orchestrator struct {
	cfg       *config.Config
	fetcher   Fetcher
	newWriter WriterFactory

	mu    sync.Mutex
	state State
}

// New builds an orchestrator. The queue connecting producers to the
// consumer is created per run, never shared between runs.
func New(cfg *config.Config, fetcher Fetcher, newWriter WriterFactory) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		fetcher:   fetcher,
		newWriter: newWriter,
		state:     StateIdle,
	}
}

// State reports the current lifecycle phase.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	slog.Debug("orchestrator state", slog.String("state", s.String()))
}

// Run executes a full harvest. On probe failure it returns a nil report and
// the fatal error. Otherwise the report is always returned; a non-nil error
// alongside it means the sink failed mid-run and the output holds only the
// rows durably flushed before the failure.
//
// Cancelling ctx stops admission of new page fetches; in-flight pages
// finish, the queue drains, and the sink is closed normally.
func (o *Orchestrator) Run(ctx context.Context) (*models.HarvestReport, error) {
	report := &models.HarvestReport{StartTime: time.Now()}

	o.setState(StateProbing)
	first, err := probe(ctx, o.fetcher, o.cfg)
	if err != nil {
		o.setState(StateFailed)
		return nil, err
	}
	if len(first.Records) == 0 {
		o.setState(StateFailed)
		return nil, ErrEmptyDataset
	}

	header := first.Records[0].Fields()
	report.TotalCount = first.Count
	report.PageCount = PageCount(first.Count, o.cfg.PageSize)

	slog.Info("probe complete",
		slog.Int("total_count", report.TotalCount),
		slog.Int("page_count", report.PageCount),
		slog.Int("page_size", o.cfg.PageSize),
	)

	writer, err := o.newWriter()
	if err != nil {
		o.setState(StateFailed)
		return nil, fmt.Errorf("open sink: %w", err)
	}
	consumer, err := pipeline.NewConsumer(writer, header, o.cfg.FlushEvery, o.cfg.DedupeMaxSize)
	if err != nil {
		writer.Close()
		o.setState(StateFailed)
		return nil, err
	}

	queue := make(chan *models.PriceRecord, o.cfg.QueueSize)
	go consumer.Run(queue)

	o.setState(StateScheduling)
	sched := &scheduler{
		fetcher:       o.fetcher,
		cfg:           o.cfg,
		queue:         queue,
		expectedTotal: first.Count,
	}
	outcomes := sched.run(ctx, report.PageCount)

	// All tasks have joined; the sentinel is the last item the consumer
	// ever observes.
	o.setState(StateDraining)
	queue <- nil
	<-consumer.Done()

	for _, outcome := range outcomes {
		switch outcome.Status {
		case models.OutcomeSuccess:
			report.PagesSucceeded++
		case models.OutcomeExhausted:
			report.ExhaustedPages = append(report.ExhaustedPages, outcome.PageIndex)
		case models.OutcomeSkipped:
			report.SkippedPages = append(report.SkippedPages, outcome.PageIndex)
		}
	}
	report.RecordsWritten = consumer.Written()
	report.RecordsDeduped = consumer.Deduped()
	report.EndTime = time.Now()

	o.setState(StateDone)
	slog.Info("harvest complete",
		slog.Int("pages", report.PageCount),
		slog.Int("succeeded", report.PagesSucceeded),
		slog.Int("exhausted", len(report.ExhaustedPages)),
		slog.Int("skipped", len(report.SkippedPages)),
		slog.Int64("records_written", report.RecordsWritten),
		slog.Duration("duration", report.EndTime.Sub(report.StartTime)),
	)

	return report, consumer.Err()
}
