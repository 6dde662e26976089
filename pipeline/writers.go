package pipeline

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// RowWriter is the output sink contract. WriteHeader is called exactly once,
// before the first row. Flush must push buffered rows to durable storage,
// not just to an in-process buffer.
type RowWriter interface {
	WriteHeader(fields []string) error
	WriteRow(values []string) error
	Flush() error
	Close() error
}

// CSVWriter writes rows to a delimited text file.
type CSVWriter struct {
	file   *os.File
	writer *csv.Writer
}

// NewCSVWriter creates the output file, truncating any previous run.
func NewCSVWriter(filename string) (*CSVWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("create csv file: %w", err)
	}

	return &CSVWriter{
		file:   f,
		writer: csv.NewWriter(f),
	}, nil
}

// WriteHeader writes the column header row.
func (cw *CSVWriter) WriteHeader(fields []string) error {
	if err := cw.writer.Write(fields); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	return nil
}

// WriteRow appends one record row.
func (cw *CSVWriter) WriteRow(values []string) error {
	if err := cw.writer.Write(values); err != nil {
		return fmt.Errorf("write csv record: %w", err)
	}
	return nil
}

// Flush pushes buffered rows through to the storage device.
func (cw *CSVWriter) Flush() error {
	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("flush csv writer: %w", err)
	}
	if err := cw.file.Sync(); err != nil {
		return fmt.Errorf("sync csv file: %w", err)
	}
	return nil
}

// Close flushes and closes the file handle.
func (cw *CSVWriter) Close() error {
	if err := cw.Flush(); err != nil {
		cw.file.Close()
		return err
	}
	return cw.file.Close()
}

// JSONLWriter writes newline-delimited JSON objects, preserving the header
// field ordering within each object.
type JSONLWriter struct {
	file   *os.File
	writer *bufio.Writer
	fields []string
}

// NewJSONLWriter initialises the JSONL writer.
func NewJSONLWriter(filename string) (*JSONLWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("create jsonl file: %w", err)
	}

	return &JSONLWriter{
		file:   f,
		writer: bufio.NewWriter(f),
	}, nil
}

// WriteHeader records the field ordering used to key each object.
func (jw *JSONLWriter) WriteHeader(fields []string) error {
	jw.fields = append([]string(nil), fields...)
	return nil
}

// WriteRow appends one record as a JSON object line.
func (jw *JSONLWriter) WriteRow(values []string) error {
	if len(values) != len(jw.fields) {
		return fmt.Errorf("row has %d values, header has %d fields", len(values), len(jw.fields))
	}

	jw.writer.WriteByte('{')
	for i, field := range jw.fields {
		if i > 0 {
			jw.writer.WriteByte(',')
		}
		key, err := json.Marshal(field)
		if err != nil {
			return fmt.Errorf("encode jsonl key: %w", err)
		}
		value, err := json.Marshal(values[i])
		if err != nil {
			return fmt.Errorf("encode jsonl value: %w", err)
		}
		jw.writer.Write(key)
		jw.writer.WriteByte(':')
		jw.writer.Write(value)
	}
	jw.writer.WriteByte('}')
	if err := jw.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write jsonl record: %w", err)
	}
	return nil
}

// Flush pushes buffered lines through to the storage device.
func (jw *JSONLWriter) Flush() error {
	if err := jw.writer.Flush(); err != nil {
		return fmt.Errorf("flush jsonl writer: %w", err)
	}
	if err := jw.file.Sync(); err != nil {
		return fmt.Errorf("sync jsonl file: %w", err)
	}
	return nil
}

// Close flushes buffers and closes the underlying file.
func (jw *JSONLWriter) Close() error {
	if err := jw.Flush(); err != nil {
		jw.file.Close()
		return err
	}
	return jw.file.Close()
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}
