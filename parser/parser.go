// Package parser decodes and validates price-detail payloads from the
// remote endpoint. The fetch layer treats any failure here as transient.
package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/LianQi-Kevin/xinfadi-harvest/models"
)

type pageEnvelope struct {
	Current json.Number       `json:"current"`
	Limit   json.Number       `json:"limit"`
	Count   json.Number       `json:"count"`
	List    []json.RawMessage `json:"list"`
}

// ParsePage decodes a raw response body into a validated PageResponse.
func ParsePage(data []byte) (*models.PageResponse, error) {
	var envelope pageEnvelope
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	if err := decoder.Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode page payload: %w", err)
	}

	current, err := intField(envelope.Current, "current")
	if err != nil {
		return nil, err
	}
	limit, err := intField(envelope.Limit, "limit")
	if err != nil {
		return nil, err
	}
	count, err := intField(envelope.Count, "count")
	if err != nil {
		return nil, err
	}
	if count < 0 {
		return nil, fmt.Errorf("count cannot be negative: %d", count)
	}

	records := make([]*models.PriceRecord, 0, len(envelope.List))
	for i, raw := range envelope.List {
		record, err := ParseRecord(raw)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		records = append(records, record)
	}

	return &models.PageResponse{
		Current: current,
		Limit:   limit,
		Count:   count,
		Records: records,
	}, nil
}

// ParseRecord builds a typed PriceRecord from a raw JSON object. Required
// fields are id, prodName, the three prices, and pubDate; everything else
// may be absent or null.
func ParseRecord(raw json.RawMessage) (*models.PriceRecord, error) {
	var fields map[string]any
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&fields); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}

	id, err := requiredInt(fields, "id")
	if err != nil {
		return nil, err
	}
	name, err := requiredString(fields, "prodName")
	if err != nil {
		return nil, err
	}
	low, err := requiredFloat(fields, "lowPrice")
	if err != nil {
		return nil, err
	}
	high, err := requiredFloat(fields, "highPrice")
	if err != nil {
		return nil, err
	}
	avg, err := requiredFloat(fields, "avgPrice")
	if err != nil {
		return nil, err
	}
	pubDate, err := requiredTime(fields, "pubDate")
	if err != nil {
		return nil, err
	}

	return &models.PriceRecord{
		ID:         id,
		ProdName:   name,
		ProdCatID:  optionalString(fields, "prodCatid"),
		ProdCat:    optionalString(fields, "prodCat"),
		ProdPcatID: optionalString(fields, "prodPcatid"),
		ProdPcat:   optionalString(fields, "prodPcat"),
		LowPrice:   low,
		HighPrice:  high,
		AvgPrice:   avg,
		Place:      optionalString(fields, "place"),
		SpecInfo:   optionalString(fields, "specInfo"),
		UnitInfo:   optionalString(fields, "unitInfo"),
		PubDate:    pubDate,
		Status:     optionalString(fields, "status"),
	}, nil
}

func intField(n json.Number, name string) (int, error) {
	if n == "" {
		return 0, fmt.Errorf("missing field %q", name)
	}
	value, err := strconv.Atoi(n.String())
	if err != nil {
		return 0, fmt.Errorf("field %q is not an integer: %w", name, err)
	}
	return value, nil
}

func requiredInt(fields map[string]any, name string) (int64, error) {
	value, ok := fields[name]
	if !ok || value == nil {
		return 0, fmt.Errorf("missing field %q", name)
	}
	switch v := value.(type) {
	case json.Number:
		parsed, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("field %q is not an integer: %w", name, err)
		}
		return parsed, nil
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("field %q is not an integer: %w", name, err)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("field %q has unexpected type %T", name, value)
	}
}

func requiredFloat(fields map[string]any, name string) (float64, error) {
	value, ok := fields[name]
	if !ok || value == nil {
		return 0, fmt.Errorf("missing field %q", name)
	}
	switch v := value.(type) {
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("field %q is not a number: %w", name, err)
		}
		return parsed, nil
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("field %q is not a number: %w", name, err)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("field %q has unexpected type %T", name, value)
	}
}

func requiredString(fields map[string]any, name string) (string, error) {
	value, ok := fields[name]
	if !ok || value == nil {
		return "", fmt.Errorf("missing field %q", name)
	}
	text := stringify(value)
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("field %q is empty", name)
	}
	return text, nil
}

func requiredTime(fields map[string]any, name string) (time.Time, error) {
	text, err := requiredString(fields, name)
	if err != nil {
		return time.Time{}, err
	}
	parsed, err := time.Parse(models.PubDateLayout, text)
	if err != nil {
		return time.Time{}, fmt.Errorf("field %q is not a timestamp: %w", name, err)
	}
	return parsed, nil
}

func optionalString(fields map[string]any, name string) string {
	value, ok := fields[name]
	if !ok || value == nil {
		return ""
	}
	return stringify(value)
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}
