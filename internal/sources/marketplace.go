package sources

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flare-foundation/contract-event-indexer/pkg/indexer"
	"github.com/pkg/errors"
)

const (
	KindMarketplace = "marketplace"

	eventItemListed   = "ItemListed"
	eventItemCanceled = "ItemCanceled"
	eventItemBought   = "ItemBought"
)

const (
	ListingActive   = "active"
	ListingCanceled = "canceled"
	ListingSold     = "sold"
)

type ItemListed struct {
	indexer.EventBase
	Seller     common.Address `json:"seller"`
	NftAddress common.Address `json:"nftAddress"`
	TokenId    *big.Int       `json:"tokenId"`
	Price      *big.Int       `json:"price"`
}

type ItemCanceled struct {
	indexer.EventBase
	Seller     common.Address `json:"seller"`
	NftAddress common.Address `json:"nftAddress"`
	TokenId    *big.Int       `json:"tokenId"`
}

type ItemBought struct {
	indexer.EventBase
	Buyer      common.Address `json:"buyer"`
	NftAddress common.Address `json:"nftAddress"`
	TokenId    *big.Int       `json:"tokenId"`
	Price      *big.Int       `json:"price"`
}

// ListingEvent is the append-only history of a marketplace.
type ListingEvent struct {
	TxHash      string `gorm:"primaryKey;type:varchar(66)"`
	LogIndex    uint   `gorm:"primaryKey;autoIncrement:false"`
	SourceID    string `gorm:"index;type:varchar(64)"`
	EventName   string `gorm:"type:varchar(32)"`
	BlockNumber uint64 `gorm:"index"`
	Account     string `gorm:"index;type:varchar(42)"`
	NftAddress  string `gorm:"index;type:varchar(42)"`
	TokenID     string `gorm:"type:varchar(78)"`
	Price       string `gorm:"type:varchar(78)"`
}

func (ListingEvent) TableName() string { return "listing_events" }

// Listing is the current state of one token on one marketplace.
type Listing struct {
	SourceID     string `gorm:"primaryKey;type:varchar(64)"`
	NftAddress   string `gorm:"primaryKey;type:varchar(42)"`
	TokenID      string `gorm:"primaryKey;type:varchar(78)"`
	Status       string `gorm:"index;type:varchar(16)"`
	Seller       string `gorm:"type:varchar(42)"`
	Buyer        string `gorm:"type:varchar(42)"`
	Price        string `gorm:"type:varchar(78)"`
	LastHeight   uint64
	LastLogIndex uint
}

func (Listing) TableName() string { return "listings" }

func (Listing) ConflictColumns() []string {
	return []string{"source_id", "nft_address", "token_id"}
}

// UpdateColumns rewrites the whole row, so the stored listing is exactly the
// one built from the latest event by block position. Fields an event does
// not carry are cleared; the full history is in listing_events.
func (Listing) UpdateColumns() []string {
	return []string{"status", "seller", "buyer", "price", "last_height", "last_log_index"}
}

func marketplaceVariants() map[string]newEventFunc {
	return map[string]newEventFunc{
		eventItemListed:   func(b indexer.EventBase) indexer.Event { return &ItemListed{EventBase: b} },
		eventItemCanceled: func(b indexer.EventBase) indexer.Event { return &ItemCanceled{EventBase: b} },
		eventItemBought:   func(b indexer.EventBase) indexer.Event { return &ItemBought{EventBase: b} },
	}
}

func marketplaceHandlers() map[string]indexer.Handler {
	return map[string]indexer.Handler{
		eventItemListed:   handleMarketplace,
		eventItemCanceled: handleMarketplace,
		eventItemBought:   handleMarketplace,
	}
}

func handleMarketplace(ctx context.Context, sink indexer.Sink, event indexer.Event) error {
	meta := event.Meta()

	history := ListingEvent{
		TxHash:      meta.TxHash.Hex(),
		LogIndex:    meta.LogIndex,
		SourceID:    meta.SourceID,
		EventName:   meta.EventName,
		BlockNumber: meta.Height,
	}
	state := Listing{
		SourceID:     meta.SourceID,
		LastHeight:   meta.Height,
		LastLogIndex: meta.LogIndex,
	}

	switch e := event.(type) {
	case *ItemListed:
		history.Account = e.Seller.Hex()
		history.NftAddress = e.NftAddress.Hex()
		history.TokenID = bigString(e.TokenId)
		history.Price = bigString(e.Price)

		state.Status = ListingActive
		state.Seller = history.Account
		state.Price = history.Price

	case *ItemCanceled:
		history.Account = e.Seller.Hex()
		history.NftAddress = e.NftAddress.Hex()
		history.TokenID = bigString(e.TokenId)

		state.Status = ListingCanceled
		state.Seller = history.Account

	case *ItemBought:
		history.Account = e.Buyer.Hex()
		history.NftAddress = e.NftAddress.Hex()
		history.TokenID = bigString(e.TokenId)
		history.Price = bigString(e.Price)

		state.Status = ListingSold
		state.Buyer = history.Account
		state.Price = history.Price

	default:
		return errors.Errorf("marketplace handler got %T", event)
	}

	state.NftAddress = history.NftAddress
	state.TokenID = history.TokenID

	if _, err := sink.InsertIfAbsent(ctx, &history); err != nil {
		return err
	}

	return sink.Upsert(ctx, &state)
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}

	return v.String()
}
