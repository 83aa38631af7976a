package indexer

import (
	"context"

	"github.com/flare-foundation/contract-event-indexer/pkg/database"
	"github.com/flare-foundation/go-flare-common/pkg/logger"
	"github.com/pkg/errors"
	"github.com/sugawarayuuta/sonnet"
)

// deferringSink is implemented by sinks that only learn whether a record
// was new when they flush.
type deferringSink interface {
	DefersInserts() bool
}

type dispatcher struct {
	sink    Sink
	metrics *Metrics

	// deferred reports inserts as accepted instead of inserted or duplicate
	deferred bool
}

func newDispatcher(sink Sink, metrics *Metrics) *dispatcher {
	d := &dispatcher{sink: sink, metrics: metrics}
	if s, ok := sink.(deferringSink); ok {
		d.deferred = s.DefersInserts()
	}

	return d
}

// dispatch appends event to the canonical event log and hands it to the
// source handler registered for its name. Failures are logged and counted;
// they never stop the caller.
func (d *dispatcher) dispatch(ctx context.Context, src *Source, event Event) {
	meta := event.Meta()

	inserted, err := d.persist(ctx, src, event)
	if err != nil {
		logger.Errorf(
			"failed to persist %s.%s at block %d tx %s log %d: %v",
			src.ID, meta.EventName, meta.Height, meta.TxHash.Hex(), meta.LogIndex, err,
		)
		d.metrics.Events.WithLabelValues(src.ID, meta.EventName, outcomeFailed).Inc()

		return
	}

	outcome := outcomeInserted
	switch {
	case d.deferred:
		outcome = outcomeAccepted
	case !inserted:
		outcome = outcomeDuplicate
	}

	d.metrics.Events.WithLabelValues(src.ID, meta.EventName, outcome).Inc()
}

func (d *dispatcher) persist(ctx context.Context, src *Source, event Event) (bool, error) {
	meta := event.Meta()

	handler, ok := src.Handlers[meta.EventName]
	if !ok {
		// decoder knows an event the registry does not map; keep the raw row
		logger.Warnf("no handler for %s.%s", src.ID, meta.EventName)
		d.metrics.LogsSkipped.WithLabelValues(skipNoHandler).Inc()
	}

	payload, err := sonnet.Marshal(event)
	if err != nil {
		return false, errors.Wrap(err, "encode payload")
	}

	inserted, err := d.sink.InsertIfAbsent(ctx, &database.ContractEvent{
		TxHash:      meta.TxHash.Hex(),
		LogIndex:    meta.LogIndex,
		SourceID:    src.ID,
		EventName:   meta.EventName,
		BlockNumber: meta.Height,
		Payload:     string(payload),
	})
	if err != nil {
		return false, err
	}

	if !ok {
		return inserted, nil
	}

	// Handlers run on replay as well: their inserts are idempotent and
	// their upserts are ordered by block position.
	if err := handler(ctx, d.sink, event); err != nil {
		return false, errors.Wrap(err, "handler")
	}

	return inserted, nil
}
