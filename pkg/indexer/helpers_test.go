package indexer

import (
	"context"
	"encoding/binary"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/flare-foundation/contract-event-indexer/pkg/config"
	"github.com/flare-foundation/contract-event-indexer/pkg/database"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

var (
	topicStored  = crypto.Keccak256Hash([]byte("Stored(uint64,uint64)"))
	topicIgnored = crypto.Keccak256Hash([]byte("Ignored()"))
)

type storedEvent struct {
	EventBase
	Slot  uint64
	Value uint64
}

// storedDecoder understands a single event whose data is two big-endian
// uint64 words: slot and value.
type storedDecoder struct {
	sourceID string
}

func (d storedDecoder) Decode(log *types.Log) (Event, error) {
	if len(log.Topics) == 0 || log.Topics[0] != topicStored {
		return nil, nil
	}

	if len(log.Data) != 16 {
		return nil, errors.Errorf("unexpected data length %d", len(log.Data))
	}

	return &storedEvent{
		EventBase: NewEventBase(d.sourceID, "Stored", log),
		Slot:      binary.BigEndian.Uint64(log.Data[:8]),
		Value:     binary.BigEndian.Uint64(log.Data[8:]),
	}, nil
}

type storedRecord struct {
	TxHash   string `gorm:"primaryKey;type:varchar(66)"`
	LogIndex uint   `gorm:"primaryKey;autoIncrement:false"`
	SourceID string
	Height   uint64
	Slot     uint64
	Value    uint64
}

func (storedRecord) TableName() string { return "stored_records" }

type storedState struct {
	SourceID     string `gorm:"primaryKey"`
	Slot         uint64 `gorm:"primaryKey;autoIncrement:false"`
	Value        uint64
	LastHeight   uint64
	LastLogIndex uint
}

func (storedState) TableName() string { return "stored_states" }
func (storedState) ConflictColumns() []string { return []string{"source_id", "slot"} }
func (storedState) UpdateColumns() []string {
	return []string{"value", "last_height", "last_log_index"}
}

func handleStored(ctx context.Context, sink Sink, event Event) error {
	switch e := event.(type) {
	case *storedEvent:
		meta := e.Meta()
		if _, err := sink.InsertIfAbsent(ctx, &storedRecord{
			TxHash:   meta.TxHash.Hex(),
			LogIndex: meta.LogIndex,
			SourceID: meta.SourceID,
			Height:   meta.Height,
			Slot:     e.Slot,
			Value:    e.Value,
		}); err != nil {
			return err
		}

		return sink.Upsert(ctx, &storedState{
			SourceID:     meta.SourceID,
			Slot:         e.Slot,
			Value:        e.Value,
			LastHeight:   meta.Height,
			LastLogIndex: meta.LogIndex,
		})
	default:
		return errors.Errorf("unexpected event %T", event)
	}
}

func testSource(id string, address common.Address, coldStart uint64) Source {
	return Source{
		ID:              id,
		DisplayName:     id,
		Address:         address,
		ColdStartHeight: coldStart,
		Decoder:         storedDecoder{sourceID: id},
		Handlers:        map[string]Handler{"Stored": handleStored},
	}
}

func storedLog(address common.Address, height uint64, index uint, slot, value uint64) types.Log {
	data := make([]byte, 16)
	binary.BigEndian.PutUint64(data[:8], slot)
	binary.BigEndian.PutUint64(data[8:], value)

	var tx common.Hash
	binary.BigEndian.PutUint64(tx[:8], height)
	binary.BigEndian.PutUint64(tx[8:16], uint64(index))

	return types.Log{
		Address:     address,
		Topics:      []common.Hash{topicStored},
		Data:        data,
		BlockNumber: height,
		TxHash:      tx,
		Index:       index,
	}
}

type logsCall struct {
	Addresses []common.Address
	From      uint64
	To        uint64
}

// fakeChain serves logs from memory. fail, when set, can reject GetLogs
// calls for a given range; delay slows down calls starting at a height and
// hold slows down every call. Call spans and the peak number of concurrent
// GetLogs calls are recorded.
type fakeChain struct {
	mu    sync.Mutex
	head  uint64
	logs  []types.Log
	calls []logsCall
	fail  func(from, to uint64) error
	delay map[uint64]time.Duration
	hold  time.Duration

	inFlight int
	peak     int
	spans    map[uint64]callSpan
}

type callSpan struct {
	Start time.Time
	End   time.Time
}

func (c *fakeChain) LatestHeight(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.head, nil
}

func (c *fakeChain) GetLogs(_ context.Context, addresses []common.Address, from, to uint64) ([]types.Log, error) {
	c.enter(from)
	defer c.leave(from)

	if d, ok := c.delay[from]; ok {
		time.Sleep(d)
	}

	if c.hold > 0 {
		time.Sleep(c.hold)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, logsCall{Addresses: addresses, From: from, To: to})

	if c.fail != nil {
		if err := c.fail(from, to); err != nil {
			return nil, err
		}
	}

	wanted := make(map[common.Address]bool, len(addresses))
	for _, a := range addresses {
		wanted[a] = true
	}

	var out []types.Log
	for _, l := range c.logs {
		if wanted[l.Address] && l.BlockNumber >= from && l.BlockNumber <= to {
			out = append(out, l)
		}
	}

	return out, nil
}

func (c *fakeChain) enter(from uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.inFlight++
	c.peak = max(c.peak, c.inFlight)

	if c.spans == nil {
		c.spans = make(map[uint64]callSpan)
	}
	c.spans[from] = callSpan{Start: time.Now()}
}

func (c *fakeChain) leave(from uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.inFlight--

	span := c.spans[from]
	span.End = time.Now()
	c.spans[from] = span
}

func (c *fakeChain) peakInFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.peak
}

func (c *fakeChain) span(from uint64) callSpan {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.spans[from]
}

func (c *fakeChain) callsFor(address common.Address) []logsCall {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []logsCall
	for _, call := range c.calls {
		for _, a := range call.Addresses {
			if a == address {
				out = append(out, call)
				break
			}
		}
	}

	return out
}

func newTestDB(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.New(&config.DB{
		Driver: config.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "indexer.db"),
	}, []interface{}{storedRecord{}, storedState{}})
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })

	return db
}

func testConfig() Config {
	return Config{
		WindowSize:         2,
		MaxConcurrency:     2,
		CheckpointInterval: 1,
		MaxAttempts:        3,
	}
}

func countRows(t *testing.T, db *database.DB, table string) int64 {
	t.Helper()

	var n int64
	require.NoError(t, db.Gorm().Table(table).Count(&n).Error)

	return n
}

func newTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// memCheckpoints is a checkpoint store that starts empty on every test.
type memCheckpoints struct {
	mu      sync.Mutex
	heights map[string]uint64
	sets    []string
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{heights: make(map[string]uint64)}
}

func (m *memCheckpoints) GetCheckpoint(_ context.Context, sourceID string) (*database.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return &database.Checkpoint{SourceID: sourceID, LastSyncedHeight: m.heights[sourceID]}, nil
}

func (m *memCheckpoints) SetCheckpoint(_ context.Context, sourceID string, height uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sets = append(m.sets, sourceID)
	if height > m.heights[sourceID] {
		m.heights[sourceID] = height
	}

	return nil
}

func (m *memCheckpoints) height(sourceID string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.heights[sourceID]
}

// recordingSink remembers the order in which canonical events reach the
// underlying sink.
type recordingSink struct {
	Sink
	heights []uint64
	flushes int
}

func (r *recordingSink) InsertIfAbsent(ctx context.Context, record database.Record) (bool, error) {
	if ev, ok := record.(*database.ContractEvent); ok {
		r.heights = append(r.heights, ev.BlockNumber)
	}

	return r.Sink.InsertIfAbsent(ctx, record)
}

func (r *recordingSink) Flush(ctx context.Context) error {
	r.flushes++
	return r.Sink.Flush(ctx)
}
