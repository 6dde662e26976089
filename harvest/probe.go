package harvest

import (
	"context"
	"errors"
	"fmt"

	"github.com/LianQi-Kevin/xinfadi-harvest/config"
	"github.com/LianQi-Kevin/xinfadi-harvest/models"
)

var (
	// ErrUnreachableSource means the probe could not reach the endpoint
	// even after retries; the run cannot start.
	ErrUnreachableSource = errors.New("source unreachable")

	// ErrEmptyDataset means the probe returned zero records, so no header
	// ordering can be derived.
	ErrEmptyDataset = errors.New("dataset is empty")
)

// probe issues the single minimal request that determines the total record
// count and the canonical field ordering. Filters apply to the probe too so
// the reported count matches the filtered crawl.
func probe(ctx context.Context, fetcher Fetcher, cfg *config.Config) (*models.PageResponse, error) {
	req := pageRequest(cfg, 0)
	req.Limit = 1

	resp, err := fetcher.FetchPage(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachableSource, err)
	}
	return resp, nil
}

// PageCount computes how many pages of size pageSize cover total records.
func PageCount(total, pageSize int) int {
	if total <= 0 || pageSize <= 0 {
		return 0
	}
	return (total + pageSize - 1) / pageSize
}

// pageRequest builds the request for a 0-based page index; the wire protocol
// is 1-based.
func pageRequest(cfg *config.Config, index int) models.PageRequest {
	return models.PageRequest{
		Limit:        cfg.PageSize,
		Current:      index + 1,
		PubDateStart: cfg.PubDateStart,
		PubDateEnd:   cfg.PubDateEnd,
		ProdPcatID:   cfg.ProdPcatID,
		ProdCatID:    cfg.ProdCatID,
		ProdName:     cfg.ProdName,
	}
}
