package indexer

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flare-foundation/contract-event-indexer/pkg/database"
)

// ChainClient is the upstream the engine pulls logs from. Implementations
// classify failures as ErrRateLimited or ErrTransport so they can be retried.
type ChainClient interface {
	LatestHeight(ctx context.Context) (uint64, error)
	GetLogs(ctx context.Context, addresses []common.Address, from, to uint64) ([]types.Log, error)
}

// CheckpointStore persists per-source watermarks.
type CheckpointStore interface {
	GetCheckpoint(ctx context.Context, sourceID string) (*database.Checkpoint, error)
	SetCheckpoint(ctx context.Context, sourceID string, height uint64) error
}

// Sink receives the records written by event handlers. It is either the
// database itself or a write-behind buffer in front of it.
type Sink interface {
	InsertIfAbsent(ctx context.Context, record database.Record) (bool, error)
	Upsert(ctx context.Context, record database.DerivedRecord) error
	Flush(ctx context.Context) error
}

// EventMeta is carried by every decoded event.
type EventMeta struct {
	SourceID  string
	EventName string
	TxHash    common.Hash
	LogIndex  uint
	Height    uint64
}

// Event is a decoded domain event. The set of variants is closed: concrete
// events embed EventBase.
type Event interface {
	Meta() EventMeta
	isEvent()
}

type EventBase struct {
	EventMeta
}

func (b EventBase) Meta() EventMeta { return b.EventMeta }

func (EventBase) isEvent() {}

// NewEventBase fills the common metadata from the raw log.
func NewEventBase(sourceID, eventName string, log *types.Log) EventBase {
	return EventBase{EventMeta{
		SourceID:  sourceID,
		EventName: eventName,
		TxHash:    log.TxHash,
		LogIndex:  log.Index,
		Height:    log.BlockNumber,
	}}
}

// Decoder turns a raw log of its source into an Event. It returns (nil, nil)
// when the log's signature is not one the source cares about.
type Decoder interface {
	Decode(log *types.Log) (Event, error)
}

// Handler persists one decoded event through sink.
type Handler func(ctx context.Context, sink Sink, event Event) error

// Source is one contract whose logs are ingested. Immutable once the
// indexer is built.
type Source struct {
	ID              string
	DisplayName     string
	Address         common.Address
	ColdStartHeight uint64
	Decoder         Decoder
	Handlers        map[string]Handler
}
