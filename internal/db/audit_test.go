package db

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"imgscan-server/internal/models"
)

type fakeInserter struct {
	mu      sync.Mutex
	batches [][]models.ScanEvent
	err     error
}

func (f *fakeInserter) BatchInsertScanEvents(_ context.Context, events []models.ScanEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, append([]models.ScanEvent(nil), events...))
	return nil
}

func (f *fakeInserter) total() (batches, events int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.batches {
		events += len(b)
	}
	return len(f.batches), events
}

func TestAuditWriter_BatchesBySize(t *testing.T) {
	ins := &fakeInserter{}
	w := NewAuditWriter(ins, 3, time.Hour)

	for i := 0; i < 7; i++ {
		if !w.Enqueue(models.ScanEvent{ScanID: fmt.Sprint(i)}) {
			t.Fatalf("Enqueue(%d) dropped", i)
		}
	}
	w.Close()

	batches, events := ins.total()
	if events != 7 {
		t.Errorf("events = %d, want 7", events)
	}
	if batches != 3 {
		t.Errorf("batches = %d, want 3 (3+3+1)", batches)
	}
	if got := ins.batches[0][0].ScanID; got != "0" {
		t.Errorf("first event = %s, want 0", got)
	}
}

func TestAuditWriter_FlushesOnInterval(t *testing.T) {
	ins := &fakeInserter{}
	w := NewAuditWriter(ins, 100, 20*time.Millisecond)
	defer w.Close()

	w.Enqueue(models.ScanEvent{ScanID: "a"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, events := ins.total(); events == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("event not flushed by the interval ticker")
}

func TestAuditWriter_InsertErrorDoesNotStop(t *testing.T) {
	ins := &fakeInserter{err: errors.New("clickhouse down")}
	w := NewAuditWriter(ins, 1, time.Hour)
	w.Enqueue(models.ScanEvent{ScanID: "a"})
	w.Enqueue(models.ScanEvent{ScanID: "b"})
	w.Close()
	// Close twice is safe
	w.Close()
}
