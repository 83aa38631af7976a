package sources

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flare-foundation/contract-event-indexer/pkg/indexer"
	"github.com/pkg/errors"
)

const (
	KindERC721 = "erc721"

	eventTransfer       = "Transfer"
	eventApproval       = "Approval"
	eventApprovalForAll = "ApprovalForAll"
)

type NFTTransferred struct {
	indexer.EventBase
	From    common.Address `json:"from"`
	To      common.Address `json:"to"`
	TokenId *big.Int       `json:"tokenId"`
}

type NFTApproved struct {
	indexer.EventBase
	Owner    common.Address `json:"owner"`
	Approved common.Address `json:"approved"`
	TokenId  *big.Int       `json:"tokenId"`
}

type NFTApprovedForAll struct {
	indexer.EventBase
	Owner    common.Address `json:"owner"`
	Operator common.Address `json:"operator"`
	Approved bool           `json:"approved"`
}

type NFTTransfer struct {
	TxHash      string `gorm:"primaryKey;type:varchar(66)"`
	LogIndex    uint   `gorm:"primaryKey;autoIncrement:false"`
	SourceID    string `gorm:"index;type:varchar(64)"`
	BlockNumber uint64 `gorm:"index"`
	From        string `gorm:"index;type:varchar(42)"`
	To          string `gorm:"index;type:varchar(42)"`
	TokenID     string `gorm:"type:varchar(78)"`
}

func (NFTTransfer) TableName() string { return "nft_transfers" }

// NFTApproval stores both single-token approvals and operator approvals.
// TokenID is empty for the latter.
type NFTApproval struct {
	TxHash      string `gorm:"primaryKey;type:varchar(66)"`
	LogIndex    uint   `gorm:"primaryKey;autoIncrement:false"`
	SourceID    string `gorm:"index;type:varchar(64)"`
	BlockNumber uint64 `gorm:"index"`
	Owner       string `gorm:"index;type:varchar(42)"`
	Spender     string `gorm:"type:varchar(42)"`
	TokenID     string `gorm:"type:varchar(78)"`
	ForAll      bool
	Approved    bool
}

func (NFTApproval) TableName() string { return "nft_approvals" }

type TokenOwner struct {
	SourceID     string `gorm:"primaryKey;type:varchar(64)"`
	TokenID      string `gorm:"primaryKey;type:varchar(78)"`
	Owner        string `gorm:"index;type:varchar(42)"`
	LastHeight   uint64
	LastLogIndex uint
}

func (TokenOwner) TableName() string { return "token_owners" }
func (TokenOwner) ConflictColumns() []string { return []string{"source_id", "token_id"} }
func (TokenOwner) UpdateColumns() []string {
	return []string{"owner", "last_height", "last_log_index"}
}

func erc721Variants() map[string]newEventFunc {
	return map[string]newEventFunc{
		eventTransfer:       func(b indexer.EventBase) indexer.Event { return &NFTTransferred{EventBase: b} },
		eventApproval:       func(b indexer.EventBase) indexer.Event { return &NFTApproved{EventBase: b} },
		eventApprovalForAll: func(b indexer.EventBase) indexer.Event { return &NFTApprovedForAll{EventBase: b} },
	}
}

func erc721Handlers() map[string]indexer.Handler {
	return map[string]indexer.Handler{
		eventTransfer:       handleERC721,
		eventApproval:       handleERC721,
		eventApprovalForAll: handleERC721,
	}
}

func handleERC721(ctx context.Context, sink indexer.Sink, event indexer.Event) error {
	meta := event.Meta()

	switch e := event.(type) {
	case *NFTTransferred:
		transfer := NFTTransfer{
			TxHash:      meta.TxHash.Hex(),
			LogIndex:    meta.LogIndex,
			SourceID:    meta.SourceID,
			BlockNumber: meta.Height,
			From:        e.From.Hex(),
			To:          e.To.Hex(),
			TokenID:     bigString(e.TokenId),
		}
		if _, err := sink.InsertIfAbsent(ctx, &transfer); err != nil {
			return err
		}

		// a burn leaves the zero address as owner
		return sink.Upsert(ctx, &TokenOwner{
			SourceID:     meta.SourceID,
			TokenID:      transfer.TokenID,
			Owner:        transfer.To,
			LastHeight:   meta.Height,
			LastLogIndex: meta.LogIndex,
		})

	case *NFTApproved:
		_, err := sink.InsertIfAbsent(ctx, &NFTApproval{
			TxHash:      meta.TxHash.Hex(),
			LogIndex:    meta.LogIndex,
			SourceID:    meta.SourceID,
			BlockNumber: meta.Height,
			Owner:       e.Owner.Hex(),
			Spender:     e.Approved.Hex(),
			TokenID:     bigString(e.TokenId),
			Approved:    e.Approved != (common.Address{}),
		})
		return err

	case *NFTApprovedForAll:
		_, err := sink.InsertIfAbsent(ctx, &NFTApproval{
			TxHash:      meta.TxHash.Hex(),
			LogIndex:    meta.LogIndex,
			SourceID:    meta.SourceID,
			BlockNumber: meta.Height,
			Owner:       e.Owner.Hex(),
			Spender:     e.Operator.Hex(),
			ForAll:      true,
			Approved:    e.Approved,
		})
		return err

	default:
		return errors.Errorf("erc721 handler got %T", event)
	}
}
