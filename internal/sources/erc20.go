package sources

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flare-foundation/contract-event-indexer/pkg/database"
	"github.com/flare-foundation/contract-event-indexer/pkg/indexer"
	"github.com/pkg/errors"
)

const KindERC20 = "erc20"

type TokenTransferred struct {
	indexer.EventBase
	From  common.Address `json:"from"`
	To    common.Address `json:"to"`
	Value *big.Int       `json:"value"`
}

type TokenApproved struct {
	indexer.EventBase
	Owner   common.Address `json:"owner"`
	Spender common.Address `json:"spender"`
	Value   *big.Int       `json:"value"`
}

type TokenTransfer struct {
	TxHash      string `gorm:"primaryKey;type:varchar(66)"`
	LogIndex    uint   `gorm:"primaryKey;autoIncrement:false"`
	SourceID    string `gorm:"index;type:varchar(64)"`
	BlockNumber uint64 `gorm:"index"`
	From        string `gorm:"index;type:varchar(42)"`
	To          string `gorm:"index;type:varchar(42)"`
	Value       string `gorm:"type:varchar(78)"`
}

func (TokenTransfer) TableName() string { return "token_transfers" }

type TokenApproval struct {
	TxHash      string `gorm:"primaryKey;type:varchar(66)"`
	LogIndex    uint   `gorm:"primaryKey;autoIncrement:false"`
	SourceID    string `gorm:"index;type:varchar(64)"`
	BlockNumber uint64 `gorm:"index"`
	Owner       string `gorm:"index;type:varchar(42)"`
	Spender     string `gorm:"index;type:varchar(42)"`
	Value       string `gorm:"type:varchar(78)"`
}

func (TokenApproval) TableName() string { return "token_approvals" }

func erc20Variants() map[string]newEventFunc {
	return map[string]newEventFunc{
		eventTransfer: func(b indexer.EventBase) indexer.Event { return &TokenTransferred{EventBase: b} },
		eventApproval: func(b indexer.EventBase) indexer.Event { return &TokenApproved{EventBase: b} },
	}
}

func erc20Handlers() map[string]indexer.Handler {
	return map[string]indexer.Handler{
		eventTransfer: handleERC20,
		eventApproval: handleERC20,
	}
}

func handleERC20(ctx context.Context, sink indexer.Sink, event indexer.Event) error {
	meta := event.Meta()

	var record database.Record

	switch e := event.(type) {
	case *TokenTransferred:
		record = &TokenTransfer{
			TxHash:      meta.TxHash.Hex(),
			LogIndex:    meta.LogIndex,
			SourceID:    meta.SourceID,
			BlockNumber: meta.Height,
			From:        e.From.Hex(),
			To:          e.To.Hex(),
			Value:       bigString(e.Value),
		}

	case *TokenApproved:
		record = &TokenApproval{
			TxHash:      meta.TxHash.Hex(),
			LogIndex:    meta.LogIndex,
			SourceID:    meta.SourceID,
			BlockNumber: meta.Height,
			Owner:       e.Owner.Hex(),
			Spender:     e.Spender.Hex(),
			Value:       bigString(e.Value),
		}

	default:
		return errors.Errorf("erc20 handler got %T", event)
	}

	_, err := sink.InsertIfAbsent(ctx, record)
	return err
}
