package sources

import (
	"bytes"
	_ "embed"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flare-foundation/contract-event-indexer/pkg/indexer"
	"github.com/pkg/errors"
)

//go:embed abi/marketplace.json
var marketplaceABI []byte

//go:embed abi/erc721.json
var erc721ABI []byte

//go:embed abi/erc20.json
var erc20ABI []byte

// newEventFunc allocates the typed variant for one event name. The returned
// value must be a pointer so the abi package can fill it.
type newEventFunc func(base indexer.EventBase) indexer.Event

// abiDecoder decodes the logs of one source against the ABI of its kind.
// Non-indexed arguments come from the log data, indexed ones from topics.
type abiDecoder struct {
	sourceID string
	abi      *abi.ABI
	variants map[string]newEventFunc
}

func parseABI(raw []byte) (*abi.ABI, error) {
	parsed, err := abi.JSON(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(err, "abi.JSON")
	}

	return &parsed, nil
}

func newABIDecoder(sourceID string, contractABI *abi.ABI, variants map[string]newEventFunc) (*abiDecoder, error) {
	for name := range variants {
		if _, ok := contractABI.Events[name]; !ok {
			return nil, errors.Errorf("event %s is not part of the ABI", name)
		}
	}

	return &abiDecoder{sourceID: sourceID, abi: contractABI, variants: variants}, nil
}

func (d *abiDecoder) Decode(log *types.Log) (indexer.Event, error) {
	if len(log.Topics) == 0 {
		return nil, nil
	}

	ev, err := d.abi.EventByID(log.Topics[0])
	if err != nil {
		return nil, nil
	}

	newEvent, ok := d.variants[ev.Name]
	if !ok {
		return nil, nil
	}

	out := newEvent(indexer.NewEventBase(d.sourceID, ev.Name, log))

	if err := d.abi.UnpackIntoInterface(out, ev.Name, log.Data); err != nil {
		return nil, errors.Wrapf(err, "unpack %s data", ev.Name)
	}

	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}

	if err := abi.ParseTopics(out, indexed, log.Topics[1:]); err != nil {
		return nil, errors.Wrapf(err, "parse %s topics", ev.Name)
	}

	return out, nil
}
