package indexer

import (
	"context"
	"testing"
	"time"

	"github.com/flare-foundation/contract-event-indexer/pkg/database"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestDispatchWithoutHandlerKeepsCanonicalRow(t *testing.T) {
	db := newTestDB(t)
	metrics := newTestMetrics()
	d := newDispatcher(db, metrics)

	src := testSource("a", addrA, 0)
	src.Handlers = map[string]Handler{}

	log := storedLog(addrA, 10, 0, 1, 2)
	event, err := src.Decoder.Decode(&log)
	require.NoError(t, err)

	d.dispatch(context.Background(), &src, event)

	require.Equal(t, int64(1), countRows(t, db, "contract_events"))
	require.Equal(t, int64(0), countRows(t, db, "stored_records"))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.LogsSkipped.WithLabelValues(skipNoHandler)))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.Events.WithLabelValues("a", "Stored", outcomeInserted)))
}

func TestDispatchHandlerFailureIsCounted(t *testing.T) {
	db := newTestDB(t)
	metrics := newTestMetrics()
	d := newDispatcher(db, metrics)

	src := testSource("a", addrA, 0)
	src.Handlers = map[string]Handler{
		"Stored": func(context.Context, Sink, Event) error { return errors.New("boom") },
	}

	log := storedLog(addrA, 10, 0, 1, 2)
	event, err := src.Decoder.Decode(&log)
	require.NoError(t, err)

	d.dispatch(context.Background(), &src, event)

	require.Equal(t, 1.0, testutil.ToFloat64(metrics.Events.WithLabelValues("a", "Stored", outcomeFailed)))
}

func TestDispatchThroughBufferCountsOutcomeAtFlush(t *testing.T) {
	db := newTestDB(t)
	metrics := newTestMetrics()
	ctx := context.Background()

	buf := database.NewBuffer(db, time.Hour, 10, database.WithFlushHook(func(s database.FlushStats) {
		metrics.ObserveFlush(s.Records, s.Duplicates, s.Failed)
	}))
	d := newDispatcher(buf, metrics)
	require.True(t, d.deferred)

	src := testSource("a", addrA, 0)
	log := storedLog(addrA, 10, 0, 1, 2)
	event, err := src.Decoder.Decode(&log)
	require.NoError(t, err)

	// a replay of the same event before the buffer is flushed
	d.dispatch(ctx, &src, event)
	d.dispatch(ctx, &src, event)

	require.Equal(t, 2.0, testutil.ToFloat64(metrics.Events.WithLabelValues("a", "Stored", outcomeAccepted)))
	require.Zero(t, testutil.ToFloat64(metrics.Events.WithLabelValues("a", "Stored", outcomeInserted)))

	require.NoError(t, buf.Flush(ctx))

	// one canonical row and one stored record written, each once
	require.Equal(t, 2.0, testutil.ToFloat64(metrics.BufferedRecords))
	require.Equal(t, 2.0, testutil.ToFloat64(metrics.BufferDuplicates))
	require.Zero(t, testutil.ToFloat64(metrics.BufferFailed))
	require.Equal(t, int64(1), countRows(t, db, "contract_events"))
	require.Equal(t, int64(1), countRows(t, db, "stored_records"))

	direct := newDispatcher(db, metrics)
	require.False(t, direct.deferred)

	direct.dispatch(ctx, &src, event)
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.Events.WithLabelValues("a", "Stored", outcomeDuplicate)))
}
