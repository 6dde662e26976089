// Package pipeline owns the write side of the harvest: the output sinks and
// the single consumer that drains the record queue into one of them.
package pipeline

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/LianQi-Kevin/xinfadi-harvest/models"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Consumer is the sole writer of the output sink. It drains the record
// queue, writes the header once before the first record, flushes to durable
// storage every flushEvery rows, and stops on the nil sentinel.
//
// A sink error is latched: the consumer keeps draining so producers never
// block forever, but all further records are dropped and the error is
// reported through Err.
type Consumer struct {
	writer     RowWriter
	header     []string
	flushEvery int
	seen       *lru.Cache[int64, struct{}]

	headerWritten bool
	sinceFlush    int

	mu      sync.Mutex
	written int64
	deduped int64
	err     error

	done chan struct{}
}

// NewConsumer builds a consumer for one harvest run. The header ordering is
// fixed here, before any record arrives, and dedupeSize bounds the record-ID
// cache used to drop rows the source reports more than once.
func NewConsumer(writer RowWriter, header []string, flushEvery, dedupeSize int) (*Consumer, error) {
	if flushEvery <= 0 {
		return nil, fmt.Errorf("flush interval must be positive")
	}
	seen, err := lru.New[int64, struct{}](dedupeSize)
	if err != nil {
		return nil, fmt.Errorf("create dedupe cache: %w", err)
	}
	return &Consumer{
		writer:     writer,
		header:     append([]string(nil), header...),
		flushEvery: flushEvery,
		seen:       seen,
		done:       make(chan struct{}),
	}, nil
}

// Run consumes the queue until the first nil sentinel, then flushes and
// closes the sink. It is meant to run on its own goroutine; Done is closed
// when it returns.
func (c *Consumer) Run(queue <-chan *models.PriceRecord) {
	defer close(c.done)

	for record := range queue {
		if record == nil {
			break
		}
		if c.Err() != nil {
			continue
		}
		c.consume(record)
	}

	c.finish()
}

func (c *Consumer) consume(record *models.PriceRecord) {
	if _, dup := c.seen.Get(record.ID); dup {
		c.mu.Lock()
		c.deduped++
		c.mu.Unlock()
		return
	}
	c.seen.Add(record.ID, struct{}{})

	if !c.headerWritten {
		if err := c.writer.WriteHeader(c.header); err != nil {
			c.setErr(fmt.Errorf("write header: %w", err))
			return
		}
		c.headerWritten = true
	}

	if err := c.writer.WriteRow(record.Row()); err != nil {
		c.setErr(fmt.Errorf("write row: %w", err))
		return
	}

	c.mu.Lock()
	c.written++
	c.mu.Unlock()

	c.sinceFlush++
	if c.sinceFlush >= c.flushEvery {
		c.sinceFlush = 0
		if err := c.writer.Flush(); err != nil {
			c.setErr(fmt.Errorf("flush sink: %w", err))
		}
	}
}

func (c *Consumer) finish() {
	if c.Err() != nil {
		c.writer.Close()
		return
	}
	if err := c.writer.Close(); err != nil {
		c.setErr(fmt.Errorf("close sink: %w", err))
	}
}

// Done is closed once the sentinel has been consumed and the sink closed.
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

// Err returns the first sink error encountered, if any.
func (c *Consumer) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Written returns the number of rows written so far.
func (c *Consumer) Written() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.written
}

// Deduped returns the number of duplicate records dropped.
func (c *Consumer) Deduped() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deduped
}

func (c *Consumer) setErr(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	slog.Error("sink write failed, dropping further records", slog.Any("error", err))
}
