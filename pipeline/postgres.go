package pipeline

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
)

// defaultPostgresBatch bounds how many rows accumulate before a transaction
// is committed.
const defaultPostgresBatch = 200

// PostgresWriter persists rows into a PostgreSQL table, one text column per
// header field, upserting on the id column.
type PostgresWriter struct {
	db        *sql.DB
	tableName string
	columns   []string
	insert    string
	pending   [][]string
	batchSize int
}

// NewPostgresWriter opens the connection and verifies it.
func NewPostgresWriter(connStr, tableName string) (*PostgresWriter, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresWriter{
		db:        db,
		tableName: tableName,
		batchSize: defaultPostgresBatch,
	}, nil
}

// WriteHeader creates the table if needed and prepares the upsert statement.
// The first header field is treated as the primary key.
func (pw *PostgresWriter) WriteHeader(fields []string) error {
	if len(fields) == 0 {
		return fmt.Errorf("header has no fields")
	}
	pw.columns = append([]string(nil), fields...)

	columnDefs := make([]string, len(fields))
	for i, field := range fields {
		def := quoteIdent(field) + " TEXT"
		if i == 0 {
			def += " PRIMARY KEY"
		}
		columnDefs[i] = def
	}
	create := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)",
		quoteIdent(pw.tableName), strings.Join(columnDefs, ", "))
	if _, err := pw.db.Exec(create); err != nil {
		return fmt.Errorf("ensure table: %w", err)
	}

	pw.insert = buildUpsert(pw.tableName, pw.columns)
	return nil
}

// WriteRow buffers one row, committing a batch when it is full.
func (pw *PostgresWriter) WriteRow(values []string) error {
	if len(values) != len(pw.columns) {
		return fmt.Errorf("row has %d values, table has %d columns", len(values), len(pw.columns))
	}
	pw.pending = append(pw.pending, values)
	if len(pw.pending) >= pw.batchSize {
		return pw.Flush()
	}
	return nil
}

// Flush commits all buffered rows in one transaction.
func (pw *PostgresWriter) Flush() error {
	if len(pw.pending) == 0 {
		return nil
	}

	tx, err := pw.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	stmt, err := tx.Prepare(pw.insert)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare upsert: %w", err)
	}
	for _, row := range pw.pending {
		args := make([]any, len(row))
		for i, v := range row {
			args[i] = v
		}
		if _, err := stmt.Exec(args...); err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("upsert row: %w", err)
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	pw.pending = pw.pending[:0]
	return nil
}

// Close flushes remaining rows and closes the connection.
func (pw *PostgresWriter) Close() error {
	flushErr := pw.Flush()
	if err := pw.db.Close(); err != nil {
		return fmt.Errorf("close postgres: %w", err)
	}
	return flushErr
}

func buildUpsert(table string, columns []string) string {
	quoted := make([]string, len(columns))
	placeholders := make([]string, len(columns))
	updates := make([]string, 0, len(columns)-1)
	for i, col := range columns {
		quoted[i] = quoteIdent(col)
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		if i > 0 {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", quoteIdent(col), quoteIdent(col)))
		}
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		quoteIdent(table),
		strings.Join(quoted, ", "),
		strings.Join(placeholders, ", "),
		quoted[0],
		strings.Join(updates, ", "))
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
