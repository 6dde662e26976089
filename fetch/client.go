// Package fetch issues page requests against the price endpoint with
// bounded retries and client-side rate limiting.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/LianQi-Kevin/xinfadi-harvest/config"
	"github.com/LianQi-Kevin/xinfadi-harvest/models"
	"github.com/LianQi-Kevin/xinfadi-harvest/parser"
	"github.com/gocolly/colly/v2"
	"golang.org/x/time/rate"
)

const (
	ctxStartKey  = "start"
	ctxBodyKey   = "body"
	ctxStatusKey = "status"
)

// Client fetches single pages through a colly collector, retrying transient
// failures with a fixed cooldown between attempts.
type Client struct {
	cfg       *config.Config
	collector *colly.Collector
	limiter   *rate.Limiter
	metrics   *Metrics

	requestCount int64
}

// NewClient builds a fetch client configured from cfg.
func NewClient(cfg *config.Config, metrics *Metrics) (*Client, error) {
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("base url must include a host")
	}

	collector := colly.NewCollector(
		colly.AllowedDomains(parsed.Host),
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
	)
	collector.IgnoreRobotsTxt = true
	collector.SetRequestTimeout(cfg.Timeout)
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})

	c := &Client{
		cfg:       cfg,
		collector: collector,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		metrics:   metrics,
	}
	c.configureHandlers()
	return c, nil
}

// WithTransport replaces the collector transport. Used by tests to inject a
// mock round tripper.
func (c *Client) WithTransport(rt http.RoundTripper) {
	c.collector.WithTransport(rt)
}

// FetchPage fetches one page, retrying transient failures up to
// cfg.MaxAttempts with cfg.RetryCooldown between attempts. Transport
// failures, non-2xx statuses, and undecodable payloads are all retried the
// same way. After the final attempt it returns an error wrapping
// ErrExhausted.
func (c *Client) FetchPage(ctx context.Context, req models.PageRequest) (*models.PageResponse, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page, err := c.fetchOnce(ctx, req)
		if err == nil {
			if attempt > 1 {
				slog.Info("page fetch succeeded after retry",
					slog.Int("page", req.Current),
					slog.Int("attempt", attempt),
				)
			}
			c.metrics.AddRecords(len(page.Records))
			return page, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		category := errorTypeLabel(err)
		c.metrics.IncError(category)
		slog.Warn("page fetch failed",
			slog.Int("page", req.Current),
			slog.Int("attempt", attempt),
			slog.String("category", category),
			slog.Any("error", err),
		)

		if attempt == c.cfg.MaxAttempts {
			break
		}
		c.metrics.IncRetries()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.cfg.RetryCooldown):
		}
	}

	c.metrics.IncExhausted()
	return nil, fmt.Errorf("page %d: %w after %d attempts: %v", req.Current, ErrExhausted, c.cfg.MaxAttempts, lastErr)
}

func (c *Client) fetchOnce(ctx context.Context, req models.PageRequest) (*models.PageResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	rctx := colly.NewContext()
	hdr := http.Header{}
	hdr.Set("Content-Type", "application/x-www-form-urlencoded")
	hdr.Set("User-Agent", c.cfg.UserAgent)
	body := strings.NewReader(req.FormValues().Encode())

	if err := c.collector.Request(http.MethodPost, c.cfg.BaseURL, body, rctx, hdr); err != nil {
		status, _ := rctx.GetAny(ctxStatusKey).(int)
		return nil, classifyError(err, status)
	}

	raw, ok := rctx.GetAny(ctxBodyKey).([]byte)
	if !ok {
		return nil, ErrDecode{Err: fmt.Errorf("empty response body")}
	}
	page, err := parser.ParsePage(raw)
	if err != nil {
		return nil, ErrDecode{Err: err}
	}
	return page, nil
}

func (c *Client) configureHandlers() {
	c.collector.OnRequest(func(r *colly.Request) {
		r.Ctx.Put(ctxStartKey, time.Now())
		current := atomic.AddInt64(&c.requestCount, 1)
		c.metrics.IncRequest("started")
		if current%100 == 0 {
			slog.Debug("fetch request progress", slog.Int64("requests", current))
		}
	})

	c.collector.OnResponse(func(r *colly.Response) {
		r.Ctx.Put(ctxBodyKey, r.Body)
		if start, ok := r.Ctx.GetAny(ctxStartKey).(time.Time); ok {
			c.metrics.ObserveDuration(time.Since(start))
		}
	})

	c.collector.OnError(func(r *colly.Response, err error) {
		if r == nil {
			return
		}
		r.Ctx.Put(ctxStatusKey, r.StatusCode)
		if start, ok := r.Ctx.GetAny(ctxStartKey).(time.Time); ok {
			c.metrics.ObserveDuration(time.Since(start))
		}
	})
}

func classifyError(err error, statusCode int) error {
	if err == nil && statusCode == 0 {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout{Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrConnection{Err: err}
	}

	if statusCode != 0 && (statusCode < 200 || statusCode >= 300) {
		wrapped := err
		if wrapped == nil {
			wrapped = fmt.Errorf("http status %d", statusCode)
		}
		return ErrStatus{Code: statusCode, Err: wrapped}
	}

	return err
}
