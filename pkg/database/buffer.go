package database

import (
	"context"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/flare-foundation/go-flare-common/pkg/logger"
	"github.com/pkg/errors"
	"gorm.io/gorm/clause"
)

// FlushStats describes the outcome of one buffer flush. Records counts
// every drained record; Duplicates those already stored and Failed those
// that could not be written.
type FlushStats struct {
	Records    int
	Duplicates int
	Failed     int
}

// Buffer is a write-behind layer in front of DB for append-only records.
// Records become visible to readers only after the next flush. Derived
// state upserts are not buffered.
type Buffer struct {
	db        *DB
	batchSize int
	interval  time.Duration
	onFlush   func(FlushStats)

	mu      sync.Mutex
	pending map[string][]Record

	// flushMu serialises flushes so that a caller returning from Flush knows
	// every record added before the call has been written.
	flushMu sync.Mutex

	stop chan struct{}
	done chan struct{}
}

type BufferOption func(*Buffer)

// WithFlushHook registers fn to be called after every flush.
func WithFlushHook(fn func(FlushStats)) BufferOption {
	return func(b *Buffer) { b.onFlush = fn }
}

func NewBuffer(db *DB, interval time.Duration, batchSize int, opts ...BufferOption) *Buffer {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	b := &Buffer{
		db:        db,
		batchSize: batchSize,
		interval:  interval,
		pending:   make(map[string][]Record),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Add queues record for the next flush. It never blocks on I/O.
func (b *Buffer) Add(record Record) {
	b.mu.Lock()
	defer b.mu.Unlock()

	table := record.TableName()
	b.pending[table] = append(b.pending[table], record)
}

// Len returns the number of buffered records.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, records := range b.pending {
		n += len(records)
	}

	return n
}

// InsertIfAbsent buffers record. Deduplication happens at flush time so the
// record is always reported as accepted; the real outcome is in FlushStats.
func (b *Buffer) InsertIfAbsent(_ context.Context, record Record) (bool, error) {
	b.Add(record)
	return true, nil
}

// DefersInserts reports that InsertIfAbsent results are only known after a
// flush.
func (b *Buffer) DefersInserts() bool { return true }

func (b *Buffer) Upsert(ctx context.Context, record DerivedRecord) error {
	return b.db.Upsert(ctx, record)
}

// Flush drains all buffered records with one batched insert per table.
// Duplicate keys are skipped; a failing batch is retried record by record
// so one bad row does not lose the rest.
func (b *Buffer) Flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	pending := b.pending
	b.pending = make(map[string][]Record)
	b.mu.Unlock()

	tables := make([]string, 0, len(pending))
	for table := range pending {
		tables = append(tables, table)
	}
	sort.Strings(tables)

	var stats FlushStats
	for _, table := range tables {
		records := pending[table]
		duplicates, failed := b.flushTable(ctx, table, records)

		stats.Records += len(records)
		stats.Duplicates += duplicates
		stats.Failed += failed
	}

	if stats.Records > 0 {
		logger.Debugf(
			"flushed %d buffered records, %d duplicates, %d failed",
			stats.Records, stats.Duplicates, stats.Failed,
		)
	}

	if b.onFlush != nil {
		b.onFlush(stats)
	}

	return nil
}

// flushTable writes records and returns how many were already stored and
// how many could not be written.
func (b *Buffer) flushTable(ctx context.Context, table string, records []Record) (int, int) {
	batch, err := toTypedSlice(records)
	if err == nil {
		res := b.db.g.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			CreateInBatches(batch, b.batchSize)
		if err = res.Error; err == nil {
			return len(records) - int(res.RowsAffected), 0
		}
	}

	logger.Warnf("batch insert into %s failed, falling back to single inserts: %v", table, err)

	duplicates, failed := 0, 0
	for _, record := range records {
		inserted, err := b.db.InsertIfAbsent(ctx, record)
		switch {
		case err != nil:
			logger.Errorf("dropping buffered record for %s: %v", table, err)
			failed++
		case !inserted:
			duplicates++
		}
	}

	return duplicates, failed
}

// toTypedSlice converts records of one table into a slice of their concrete
// type, which is what gorm's batch insert needs.
func toTypedSlice(records []Record) (interface{}, error) {
	elemType := reflect.TypeOf(records[0])
	slice := reflect.MakeSlice(reflect.SliceOf(elemType), 0, len(records))

	for _, record := range records {
		v := reflect.ValueOf(record)
		if v.Type() != elemType {
			return nil, errors.Errorf("mixed record types %s and %s in table %s", elemType, v.Type(), record.TableName())
		}
		slice = reflect.Append(slice, v)
	}

	return slice.Interface(), nil
}

// Start begins periodic auto-flushing until Close is called or ctx is done.
func (b *Buffer) Start(ctx context.Context) {
	if b.interval <= 0 || b.stop != nil {
		return
	}

	b.stop = make(chan struct{})
	b.done = make(chan struct{})

	go func() {
		defer close(b.done)

		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := b.Flush(context.WithoutCancel(ctx)); err != nil {
					logger.Errorf("periodic buffer flush failed: %v", err)
				}
			case <-b.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close stops auto-flushing and flushes what is left.
func (b *Buffer) Close(ctx context.Context) error {
	if b.stop != nil {
		close(b.stop)
		<-b.done
		b.stop = nil
	}

	return b.Flush(ctx)
}
