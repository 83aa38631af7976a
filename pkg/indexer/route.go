package indexer

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
)

type router struct {
	byAddress map[common.Address]*Source
}

func newRouter(sources []Source) (*router, error) {
	r := &router{byAddress: make(map[common.Address]*Source, len(sources))}
	ids := make(map[string]struct{}, len(sources))

	for i := range sources {
		src := &sources[i]

		if src.ID == "" {
			return nil, errors.Errorf("source %d has no id", i)
		}

		if _, ok := ids[src.ID]; ok {
			return nil, errors.Errorf("duplicate source id %s", src.ID)
		}
		ids[src.ID] = struct{}{}

		if other, ok := r.byAddress[src.Address]; ok {
			return nil, errors.Errorf("sources %s and %s share address %s", other.ID, src.ID, src.Address.Hex())
		}

		if src.Decoder == nil {
			return nil, errors.Errorf("source %s has no decoder", src.ID)
		}

		r.byAddress[src.Address] = src
	}

	return r, nil
}

// route finds the source owning log and decodes it. Both a nil source and a
// nil event with a nil error mean the log is of no interest. Decoder
// failures come back wrapped in ErrMalformedLog.
func (r *router) route(log *types.Log) (*Source, Event, error) {
	src, ok := r.byAddress[log.Address]
	if !ok {
		return nil, nil, nil
	}

	event, err := src.Decoder.Decode(log)
	if err != nil {
		return src, nil, errors.Wrapf(
			errors.Wrap(ErrMalformedLog, err.Error()),
			"source %s tx %s log %d", src.ID, log.TxHash.Hex(), log.Index,
		)
	}

	return src, event, nil
}
