package sources

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/flare-foundation/contract-event-indexer/pkg/config"
	"github.com/flare-foundation/contract-event-indexer/pkg/indexer"
	"github.com/pkg/errors"
)

// kind binds a contract schema to its event variants and handlers.
type kind struct {
	abi      []byte
	variants func() map[string]newEventFunc
	handlers func() map[string]indexer.Handler
	entities []interface{}
}

var kinds = map[string]kind{
	KindMarketplace: {
		abi:      marketplaceABI,
		variants: marketplaceVariants,
		handlers: marketplaceHandlers,
		entities: []interface{}{ListingEvent{}, Listing{}},
	},
	KindERC721: {
		abi:      erc721ABI,
		variants: erc721Variants,
		handlers: erc721Handlers,
		entities: []interface{}{NFTTransfer{}, NFTApproval{}, TokenOwner{}},
	},
	KindERC20: {
		abi:      erc20ABI,
		variants: erc20Variants,
		handlers: erc20Handlers,
		entities: []interface{}{TokenTransfer{}, TokenApproval{}},
	},
}

// Entities lists the tables of every known source kind, so that the schema
// does not depend on which sources are configured.
func Entities() []interface{} {
	var out []interface{}
	for _, name := range []string{KindMarketplace, KindERC721, KindERC20} {
		out = append(out, kinds[name].entities...)
	}

	return out
}

// Build resolves the configured sources against the known kinds.
func Build(cfgs []config.Source) ([]indexer.Source, error) {
	parsed := make(map[string]*abi.ABI, len(kinds))
	ids := make(map[string]bool, len(cfgs))
	addresses := make(map[common.Address]string, len(cfgs))

	out := make([]indexer.Source, 0, len(cfgs))

	for i := range cfgs {
		cfg := &cfgs[i]

		if cfg.ID == "" {
			return nil, errors.Errorf("source %d: id must be provided", i)
		}

		if ids[cfg.ID] {
			return nil, errors.Errorf("source %s: duplicate id", cfg.ID)
		}
		ids[cfg.ID] = true

		k, ok := kinds[strings.ToLower(cfg.Kind)]
		if !ok {
			return nil, errors.Errorf("source %s: unknown kind %q", cfg.ID, cfg.Kind)
		}

		if !common.IsHexAddress(cfg.Address) {
			return nil, errors.Errorf("source %s: invalid address %q", cfg.ID, cfg.Address)
		}

		address := common.HexToAddress(cfg.Address)
		if other, ok := addresses[address]; ok {
			return nil, errors.Errorf("source %s: address %s already used by %s", cfg.ID, address.Hex(), other)
		}
		addresses[address] = cfg.ID

		kindName := strings.ToLower(cfg.Kind)
		contractABI, ok := parsed[kindName]
		if !ok {
			var err error
			if contractABI, err = parseABI(k.abi); err != nil {
				return nil, errors.Wrapf(err, "kind %s", kindName)
			}
			parsed[kindName] = contractABI
		}

		decoder, err := newABIDecoder(cfg.ID, contractABI, k.variants())
		if err != nil {
			return nil, errors.Wrapf(err, "source %s", cfg.ID)
		}

		displayName := cfg.DisplayName
		if displayName == "" {
			displayName = cfg.ID
		}

		out = append(out, indexer.Source{
			ID:              cfg.ID,
			DisplayName:     displayName,
			Address:         address,
			ColdStartHeight: cfg.ColdStartHeight,
			Decoder:         decoder,
			Handlers:        k.handlers(),
		})
	}

	return out, nil
}
