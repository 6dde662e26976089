package pipeline

import (
	"errors"
	"fmt"
)

// DualWriter mirrors every row to a CSV sink and a JSONL sink.
type DualWriter struct {
	csvWriter   *CSVWriter
	jsonlWriter *JSONLWriter
}

// NewDualWriter creates both sinks, cleaning up on partial failure.
func NewDualWriter(csvFilename, jsonlFilename string) (*DualWriter, error) {
	csvWriter, err := NewCSVWriter(csvFilename)
	if err != nil {
		return nil, fmt.Errorf("create csv writer: %w", err)
	}

	jsonlWriter, err := NewJSONLWriter(jsonlFilename)
	if err != nil {
		csvWriter.Close()
		return nil, fmt.Errorf("create jsonl writer: %w", err)
	}

	return &DualWriter{
		csvWriter:   csvWriter,
		jsonlWriter: jsonlWriter,
	}, nil
}

// WriteHeader writes the header to both sinks.
func (dw *DualWriter) WriteHeader(fields []string) error {
	if err := dw.csvWriter.WriteHeader(fields); err != nil {
		return err
	}
	return dw.jsonlWriter.WriteHeader(fields)
}

// WriteRow writes the row to both sinks.
func (dw *DualWriter) WriteRow(values []string) error {
	if err := dw.csvWriter.WriteRow(values); err != nil {
		return err
	}
	return dw.jsonlWriter.WriteRow(values)
}

// Flush flushes both sinks.
func (dw *DualWriter) Flush() error {
	return errors.Join(dw.csvWriter.Flush(), dw.jsonlWriter.Flush())
}

// Close closes both sinks.
func (dw *DualWriter) Close() error {
	return errors.Join(dw.csvWriter.Close(), dw.jsonlWriter.Close())
}
