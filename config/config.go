package config

import (
	"fmt"
	"net/url"
	"time"
)

// Config holds harvester configuration.
type Config struct {
	BaseURL          string
	PageSize         int
	MaxConcurrency   int
	MaxAttempts      int
	RetryCooldown    time.Duration
	Timeout          time.Duration
	StaggerGroupSize int
	StaggerInterval  time.Duration
	RateLimit        float64 // requests per second across all tasks
	RateBurst        int
	QueueSize        int
	FlushEvery       int
	DedupeMaxSize    int
	OutputFile       string
	OutputFormat     string // csv, jsonl, dual, or postgres
	PostgresURL      string
	PostgresTable    string
	UserAgent        string
	Verbose          bool
	MetricsAddr      string

	// Optional dataset filters forwarded on every page request.
	PubDateStart string
	PubDateEnd   string
	ProdPcatID   string
	ProdCatID    string
	ProdName     string
}

// DefaultConfig returns defaults matching the public price endpoint.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:          "http://www.xinfadi.com.cn/getPriceData.html",
		PageSize:         40,
		MaxConcurrency:   100,
		MaxAttempts:      10,
		RetryCooldown:    3 * time.Second,
		Timeout:          60 * time.Second,
		StaggerGroupSize: 100,
		StaggerInterval:  time.Second,
		RateLimit:        20,
		RateBurst:        40,
		QueueSize:        512,
		FlushEvery:       400,
		DedupeMaxSize:    200000,
		OutputFile:       "output/xinfadi_price_detail.csv",
		OutputFormat:     "csv",
		PostgresTable:    "xinfadi_price_detail",
		UserAgent:        "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/94.0.4606.81 Safari/537.36",
		Verbose:          false,
		MetricsAddr:      "",
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}

	parsedURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("base URL must include a host")
	}

	if c.PageSize <= 0 {
		return fmt.Errorf("page size must be positive")
	}
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("max concurrency must be positive")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive")
	}
	if c.RetryCooldown < 0 {
		return fmt.Errorf("retry cooldown cannot be negative")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.StaggerGroupSize <= 0 {
		return fmt.Errorf("stagger group size must be positive")
	}
	if c.StaggerInterval < 0 {
		return fmt.Errorf("stagger interval cannot be negative")
	}
	if c.RateLimit <= 0 {
		return fmt.Errorf("rate limit must be positive")
	}
	if c.RateBurst <= 0 {
		return fmt.Errorf("rate burst must be positive")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue size must be positive")
	}
	if c.FlushEvery <= 0 {
		return fmt.Errorf("flush interval must be positive")
	}
	if c.DedupeMaxSize <= 0 {
		return fmt.Errorf("dedupe size must be positive")
	}
	if c.OutputFile == "" && c.OutputFormat != "postgres" {
		return fmt.Errorf("output file cannot be empty")
	}
	switch c.OutputFormat {
	case "csv", "jsonl", "dual":
	case "postgres":
		if c.PostgresURL == "" {
			return fmt.Errorf("postgres output requires a connection string")
		}
	default:
		return fmt.Errorf("output format must be csv, jsonl, dual, or postgres")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}

	return nil
}
