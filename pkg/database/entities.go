package database

import "time"

// Checkpoint is the per-source watermark. LastSyncedHeight only ever moves
// forward; the row is never deleted.
type Checkpoint struct {
	SourceID           string `gorm:"primaryKey;type:varchar(64)"`
	LastSyncedHeight   uint64
	LastBackfillHeight *uint64
	UpdatedAt          time.Time
}

type Version struct {
	ID               uint64 `gorm:"primaryKey;unique"`
	NodeVersion      string
	GitTag           string
	GitHash          string `gorm:"type:varchar(40)"`
	BuildDate        uint64
	NumConfirmations uint64
	WindowSize       uint64
}

// ContractEvent is the canonical append-only log: one row per decoded event,
// keyed by (tx_hash, log_index).
type ContractEvent struct {
	TxHash      string `gorm:"primaryKey;type:varchar(66)"`
	LogIndex    uint   `gorm:"primaryKey;autoIncrement:false"`
	SourceID    string `gorm:"index;type:varchar(64)"`
	EventName   string `gorm:"index;type:varchar(64)"`
	BlockNumber uint64 `gorm:"index"`
	Payload     string `gorm:"type:text"`
}

func (ContractEvent) TableName() string { return "contract_events" }

// Record is any row written by an event handler.
type Record interface {
	TableName() string
}

// DerivedRecord is a mutable "current state" row. Rows are replaced only by
// records with a higher (last_height, last_log_index) position, so the
// columns last_height and last_log_index must exist on the table.
type DerivedRecord interface {
	Record
	ConflictColumns() []string
	UpdateColumns() []string
}
