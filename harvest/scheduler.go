package harvest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/LianQi-Kevin/xinfadi-harvest/config"
	"github.com/LianQi-Kevin/xinfadi-harvest/models"
)

// scheduler dispatches one fetch task per page, bounded by a counting
// semaphore, with a deterministic start stagger per task group. Tasks are
// isolated: a page that exhausts its retries never cancels a sibling.
type scheduler struct {
	fetcher       Fetcher
	cfg           *config.Config
	queue         chan<- *models.PriceRecord
	expectedTotal int
}

// run dispatches every page in [0, pageCount) exactly once and joins all
// tasks before returning their outcomes, indexed by page.
func (s *scheduler) run(ctx context.Context, pageCount int) []models.TaskOutcome {
	sem := make(chan struct{}, s.cfg.MaxConcurrency)
	outcomes := make([]models.TaskOutcome, pageCount)

	var wg sync.WaitGroup
	for index := 0; index < pageCount; index++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			outcomes[index] = s.runTask(ctx, index, sem)
		}(index)
	}
	wg.Wait()

	return outcomes
}

func (s *scheduler) runTask(ctx context.Context, index int, sem chan struct{}) models.TaskOutcome {
	group := index / s.cfg.StaggerGroupSize
	if delay := time.Duration(group) * s.cfg.StaggerInterval; delay > 0 {
		select {
		case <-ctx.Done():
			return models.TaskOutcome{PageIndex: index, Status: models.OutcomeSkipped, Err: ctx.Err()}
		case <-time.After(delay):
		}
	}

	select {
	case <-ctx.Done():
		return models.TaskOutcome{PageIndex: index, Status: models.OutcomeSkipped, Err: ctx.Err()}
	case sem <- struct{}{}:
	}
	defer func() { <-sem }()

	page, err := s.fetcher.FetchPage(ctx, pageRequest(s.cfg, index))
	if err != nil {
		if ctx.Err() != nil {
			return models.TaskOutcome{PageIndex: index, Status: models.OutcomeSkipped, Err: ctx.Err()}
		}
		slog.Error("page exhausted all attempts",
			slog.Int("page", index),
			slog.Any("error", err),
		)
		return models.TaskOutcome{PageIndex: index, Status: models.OutcomeExhausted, Err: err}
	}

	if page.Count != s.expectedTotal {
		// Late totals are informational only; the probe's count stays
		// authoritative for the page plan.
		slog.Warn("total count drifted during crawl",
			slog.Int("page", index),
			slog.Int("probe_total", s.expectedTotal),
			slog.Int("reported_total", page.Count),
		)
	}

	for _, record := range page.Records {
		s.queue <- record
	}
	return models.TaskOutcome{PageIndex: index, Status: models.OutcomeSuccess}
}
