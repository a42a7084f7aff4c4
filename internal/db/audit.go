package db

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"imgscan-server/internal/metrics"
	"imgscan-server/internal/models"
)

// EventInserter persists a batch of scan events
type EventInserter interface {
	BatchInsertScanEvents(ctx context.Context, events []models.ScanEvent) error
}

// AuditWriter queues scan events and inserts them in batches off the request path
type AuditWriter struct {
	inserter      EventInserter
	events        chan models.ScanEvent
	batchSize     int
	flushInterval time.Duration
	metrics       *metrics.Metrics
	wg            sync.WaitGroup
	closeOnce     sync.Once
}

// NewAuditWriter starts the batching goroutine
func NewAuditWriter(inserter EventInserter, batchSize int, flushInterval time.Duration) *AuditWriter {
	if batchSize < 1 {
		batchSize = 1
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}

	w := &AuditWriter{
		inserter:      inserter,
		events:        make(chan models.ScanEvent, batchSize*4),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		metrics:       metrics.GetMetrics(),
	}

	w.wg.Add(1)
	go w.batchProcessor()
	return w
}

// Enqueue queues an event without blocking. It reports false when the queue
// is full and the event was dropped.
func (w *AuditWriter) Enqueue(ev models.ScanEvent) bool {
	select {
	case w.events <- ev:
		return true
	default:
		w.metrics.AuditDropped.Inc()
		log.Warn().Str("scan_id", ev.ScanID).Msg("Audit queue full, dropping scan event")
		return false
	}
}

// Close flushes pending events and stops the writer. Enqueue must not be
// called after Close.
func (w *AuditWriter) Close() {
	w.closeOnce.Do(func() {
		close(w.events)
	})
	w.wg.Wait()
}

// batchProcessor drains the queue, flushing on size or interval
func (w *AuditWriter) batchProcessor() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	batch := make([]models.ScanEvent, 0, w.batchSize)
	for {
		select {
		case ev, ok := <-w.events:
			if !ok {
				w.flush(batch)
				return
			}
			batch = append(batch, ev)
			if len(batch) >= w.batchSize {
				w.flush(batch)
				batch = make([]models.ScanEvent, 0, w.batchSize)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = make([]models.ScanEvent, 0, w.batchSize)
			}
		}
	}
}

func (w *AuditWriter) flush(batch []models.ScanEvent) {
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	startTime := time.Now()
	if err := w.inserter.BatchInsertScanEvents(ctx, batch); err != nil {
		w.metrics.ClickHouseErrors.WithLabelValues("batch_insert").Inc()
		log.Error().Err(err).Int("count", len(batch)).Msg("Audit batch insert failed")
		return
	}
	w.metrics.RecordAuditBatch(len(batch), time.Since(startTime).Seconds())
}
