package pipeline

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/LianQi-Kevin/xinfadi-harvest/models"
)

type memoryWriter struct {
	mu      sync.Mutex
	header  []string
	rows    [][]string
	headers int
	flushes int
	closed  bool

	rowErr error
}

func (mw *memoryWriter) WriteHeader(fields []string) error {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	mw.headers++
	mw.header = append([]string(nil), fields...)
	return nil
}

func (mw *memoryWriter) WriteRow(values []string) error {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	if mw.rowErr != nil {
		return mw.rowErr
	}
	mw.rows = append(mw.rows, values)
	return nil
}

func (mw *memoryWriter) Flush() error {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	mw.flushes++
	return nil
}

func (mw *memoryWriter) Close() error {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	mw.closed = true
	return nil
}

func testRecord(id int64) *models.PriceRecord {
	return &models.PriceRecord{
		ID:        id,
		ProdName:  "test",
		LowPrice:  1,
		HighPrice: 2,
		AvgPrice:  1.5,
		PubDate:   time.Date(2023, 11, 1, 0, 0, 0, 0, time.UTC),
	}
}

func runConsumer(t *testing.T, consumer *Consumer, records []*models.PriceRecord) {
	t.Helper()
	queue := make(chan *models.PriceRecord, len(records)+1)
	go consumer.Run(queue)
	for _, record := range records {
		queue <- record
	}
	queue <- nil

	select {
	case <-consumer.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("consumer did not terminate on sentinel")
	}
}

func TestConsumerWritesHeaderOnce(t *testing.T) {
	writer := &memoryWriter{}
	consumer, err := NewConsumer(writer, models.FieldOrder, 400, 1000)
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}

	runConsumer(t, consumer, []*models.PriceRecord{testRecord(1), testRecord(2), testRecord(3)})

	if writer.headers != 1 {
		t.Fatalf("headers = %d, want 1", writer.headers)
	}
	if len(writer.rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(writer.rows))
	}
	if consumer.Written() != 3 {
		t.Fatalf("written = %d, want 3", consumer.Written())
	}
	if !writer.closed {
		t.Fatalf("sink should be closed after sentinel")
	}
}

func TestConsumerFlushEvery(t *testing.T) {
	writer := &memoryWriter{}
	consumer, err := NewConsumer(writer, models.FieldOrder, 2, 1000)
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}

	records := make([]*models.PriceRecord, 5)
	for i := range records {
		records[i] = testRecord(int64(i + 1))
	}
	runConsumer(t, consumer, records)

	// Two full batches of 2; the trailing row is flushed by Close.
	if writer.flushes < 2 {
		t.Fatalf("flushes = %d, want at least 2", writer.flushes)
	}
}

func TestConsumerDedupesByRecordID(t *testing.T) {
	writer := &memoryWriter{}
	consumer, err := NewConsumer(writer, models.FieldOrder, 400, 1000)
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}

	runConsumer(t, consumer, []*models.PriceRecord{testRecord(7), testRecord(7), testRecord(8)})

	if consumer.Written() != 2 {
		t.Fatalf("written = %d, want 2", consumer.Written())
	}
	if consumer.Deduped() != 1 {
		t.Fatalf("deduped = %d, want 1", consumer.Deduped())
	}
}

func TestConsumerLatchesSinkError(t *testing.T) {
	writer := &memoryWriter{rowErr: errors.New("disk full")}
	consumer, err := NewConsumer(writer, models.FieldOrder, 400, 1000)
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}

	runConsumer(t, consumer, []*models.PriceRecord{testRecord(1), testRecord(2), testRecord(3)})

	if consumer.Err() == nil {
		t.Fatalf("expected latched sink error")
	}
	if consumer.Written() != 0 {
		t.Fatalf("written = %d, want 0", consumer.Written())
	}
	if !writer.closed {
		t.Fatalf("sink should still be closed after failure")
	}
}

func TestConsumerManyProducersSingleHeader(t *testing.T) {
	writer := &memoryWriter{}
	consumer, err := NewConsumer(writer, models.FieldOrder, 400, 10000)
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}

	queue := make(chan *models.PriceRecord, 64)
	go consumer.Run(queue)

	var wg sync.WaitGroup
	const producers = 8
	const perProducer = 50
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				queue <- testRecord(int64(p*perProducer + i + 1))
			}
		}(p)
	}
	wg.Wait()
	queue <- nil

	select {
	case <-consumer.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("consumer did not terminate")
	}

	if writer.headers != 1 {
		t.Fatalf("headers = %d, want exactly 1", writer.headers)
	}
	if got := int64(producers * perProducer); consumer.Written() != got {
		t.Fatalf("written = %d, want %d", consumer.Written(), got)
	}
}
