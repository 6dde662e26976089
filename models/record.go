// Package models defines data structures for the harvester.
package models

import (
	"net/url"
	"strconv"
	"time"
)

// PubDateLayout is the timestamp format used by the price endpoint.
const PubDateLayout = "2006-01-02 15:04:05"

// FieldOrder is the canonical column ordering for persisted records. The
// writer pins this ordering when the header row is emitted and every
// subsequent row follows it.
var FieldOrder = []string{
	"id",
	"prodName",
	"prodCatid",
	"prodCat",
	"prodPcatid",
	"prodPcat",
	"lowPrice",
	"highPrice",
	"avgPrice",
	"place",
	"specInfo",
	"unitInfo",
	"pubDate",
	"status",
}

// PriceRecord is one validated price-detail row from the remote source.
// Optional fields are kept as strings; absent or null values are empty.
type PriceRecord struct {
	ID         int64     `json:"id"`
	ProdName   string    `json:"prodName"`
	ProdCatID  string    `json:"prodCatid"`
	ProdCat    string    `json:"prodCat"`
	ProdPcatID string    `json:"prodPcatid"`
	ProdPcat   string    `json:"prodPcat"`
	LowPrice   float64   `json:"lowPrice"`
	HighPrice  float64   `json:"highPrice"`
	AvgPrice   float64   `json:"avgPrice"`
	Place      string    `json:"place"`
	SpecInfo   string    `json:"specInfo"`
	UnitInfo   string    `json:"unitInfo"`
	PubDate    time.Time `json:"pubDate"`
	Status     string    `json:"status"`
}

// Fields returns the column ordering for this record type.
func (r *PriceRecord) Fields() []string {
	return FieldOrder
}

// Row renders the record as string values aligned with FieldOrder.
func (r *PriceRecord) Row() []string {
	return []string{
		strconv.FormatInt(r.ID, 10),
		r.ProdName,
		r.ProdCatID,
		r.ProdCat,
		r.ProdPcatID,
		r.ProdPcat,
		strconv.FormatFloat(r.LowPrice, 'f', -1, 64),
		strconv.FormatFloat(r.HighPrice, 'f', -1, 64),
		strconv.FormatFloat(r.AvgPrice, 'f', -1, 64),
		r.Place,
		r.SpecInfo,
		r.UnitInfo,
		r.PubDate.Format(PubDateLayout),
		r.Status,
	}
}

// PageRequest describes one page fetch. Current is the 1-based page number
// expected by the remote endpoint. Filter fields are optional and omitted
// from the request body when empty.
type PageRequest struct {
	Limit   int
	Current int

	PubDateStart string
	PubDateEnd   string
	ProdPcatID   string
	ProdCatID    string
	ProdName     string
}

// FormValues encodes the request as the form body the endpoint expects,
// dropping unset filters.
func (p PageRequest) FormValues() url.Values {
	values := url.Values{}
	values.Set("limit", strconv.Itoa(p.Limit))
	values.Set("current", strconv.Itoa(p.Current))
	if p.PubDateStart != "" {
		values.Set("pubDateStartTime", p.PubDateStart)
	}
	if p.PubDateEnd != "" {
		values.Set("pubDateEndTime", p.PubDateEnd)
	}
	if p.ProdPcatID != "" {
		values.Set("prodPcatid", p.ProdPcatID)
	}
	if p.ProdCatID != "" {
		values.Set("prodCatid", p.ProdCatID)
	}
	if p.ProdName != "" {
		values.Set("prodName", p.ProdName)
	}
	return values
}

// PageResponse is one decoded page of the dataset.
type PageResponse struct {
	Current int
	Limit   int
	Count   int
	Records []*PriceRecord
}

// OutcomeStatus classifies how a page fetch task finished.
type OutcomeStatus int

const (
	// OutcomeSuccess means the page was fetched and its records published.
	OutcomeSuccess OutcomeStatus = iota
	// OutcomeExhausted means every retry attempt failed; the page
	// contributed no records.
	OutcomeExhausted
	// OutcomeSkipped means the run was cancelled before the page was
	// admitted for fetching.
	OutcomeSkipped
)

// String returns a stable label for logs and reports.
func (s OutcomeStatus) String() string {
	switch s {
	case OutcomeSuccess:
		return "success"
	case OutcomeExhausted:
		return "exhausted"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// TaskOutcome is the per-page result surfaced to the orchestrator.
type TaskOutcome struct {
	PageIndex int
	Status    OutcomeStatus
	Err       error
}

// HarvestReport summarises a completed run.
type HarvestReport struct {
	StartTime      time.Time
	EndTime        time.Time
	TotalCount     int
	PageCount      int
	PagesSucceeded int
	ExhaustedPages []int
	SkippedPages   []int
	RecordsWritten int64
	RecordsDeduped int64
}
