package indexer

import (
	"context"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flare-foundation/contract-event-indexer/pkg/config"
	"github.com/flare-foundation/go-flare-common/pkg/logger"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	WindowSize            uint64
	MaxConcurrency        int
	CheckpointInterval    int
	GroupDelay            time.Duration
	Confirmations         uint64
	MaxBlocksPerRun       uint64
	EndBlockNumber        uint64
	PollInterval          time.Duration
	MaxAttempts           int
	BaseBackoff           time.Duration
	RequestTimeout        time.Duration
	BackoffMaxElapsedTime time.Duration
}

func NewConfig(cfg *config.Config) Config {
	return Config{
		WindowSize:            cfg.Indexer.WindowSize,
		MaxConcurrency:        cfg.Indexer.MaxConcurrency,
		CheckpointInterval:    cfg.Indexer.CheckpointInterval,
		GroupDelay:            time.Duration(cfg.Indexer.GroupDelayMillis) * time.Millisecond,
		Confirmations:         cfg.Indexer.Confirmations,
		MaxBlocksPerRun:       cfg.Indexer.MaxBlocksPerRun,
		EndBlockNumber:        cfg.Indexer.EndBlockNumber,
		PollInterval:          time.Duration(cfg.Indexer.PollIntervalMillis) * time.Millisecond,
		MaxAttempts:           cfg.Timeout.MaxAttempts,
		BaseBackoff:           time.Duration(cfg.Timeout.BaseBackoffMillis) * time.Millisecond,
		RequestTimeout:        time.Duration(cfg.Timeout.RequestTimeoutMillis) * time.Millisecond,
		BackoffMaxElapsedTime: time.Duration(cfg.Timeout.BackoffMaxElapsedTimeSeconds) * time.Second,
	}
}

// Summary reports the outcome of one synchronization run.
type Summary struct {
	Processed     int
	FromHeight    uint64
	ToHeight      uint64
	FailedWindows int
	CaughtUp      bool
	HasMore       bool

	// Target is the height the sources are compared against for HasMore.
	Target uint64
}

type Indexer struct {
	cfg         Config
	chain       ChainClient
	checkpoints CheckpointStore
	sources     []Source
	router      *router
	fetcher     *fetcher
	dispatcher  *dispatcher
	metrics     *Metrics
}

func New(
	cfg Config, chain ChainClient, checkpoints CheckpointStore, sink Sink, sources []Source, metrics *Metrics,
) (*Indexer, error) {
	if len(sources) == 0 {
		return nil, errors.New("no sources registered")
	}

	if cfg.WindowSize == 0 {
		return nil, ErrInvalidWindowSize
	}

	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}

	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = 1
	}

	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	// own the slice so the router's pointers stay valid
	srcs := make([]Source, len(sources))
	copy(srcs, sources)

	r, err := newRouter(srcs)
	if err != nil {
		return nil, err
	}

	return &Indexer{
		cfg:         cfg,
		chain:       chain,
		checkpoints: checkpoints,
		sources:     srcs,
		router:      r,
		fetcher: &fetcher{
			client:         chain,
			maxAttempts:    cfg.MaxAttempts,
			baseBackoff:    cfg.BaseBackoff,
			requestTimeout: cfg.RequestTimeout,
			metrics:        metrics,
		},
		dispatcher: newDispatcher(sink, metrics),
		metrics:    metrics,
	}, nil
}

// Run synchronizes repeatedly until ctx is cancelled or every source has
// reached the configured end block. A run that has started is completed
// even if ctx is cancelled meanwhile.
func (ix *Indexer) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		var summary *Summary
		err := backoff.RetryNotify(
			func() (err error) {
				summary, err = ix.RunOnce(context.WithoutCancel(ctx))
				return err
			},
			backoff.WithContext(ix.newBackoff(), ctx),
			func(err error, d time.Duration) {
				logger.Errorf("indexer run error: %v. Will retry after %v", err, d)
			},
		)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return errors.Wrap(err, "fatal error in indexer")
		}

		if ix.cfg.EndBlockNumber != 0 && !summary.HasMore && summary.Target >= ix.cfg.EndBlockNumber {
			logger.Infof("all sources reached end block %d", ix.cfg.EndBlockNumber)
			return nil
		}

		if summary.HasMore {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(ix.cfg.PollInterval):
		}
	}
}

// RunOnce performs one synchronization pass over all sources. Errors are
// only returned when the range cannot be determined; failures inside the
// pass are logged and the pass completes.
func (ix *Indexer) RunOnce(ctx context.Context) (*Summary, error) {
	starts := make(map[string]uint64, len(ix.sources))
	progress := make(map[string]uint64, len(ix.sources))
	saved := make(map[string]uint64, len(ix.sources))

	globalStart := uint64(math.MaxUint64)
	for i := range ix.sources {
		src := &ix.sources[i]

		cp, err := ix.checkpoints.GetCheckpoint(ctx, src.ID)
		if err != nil {
			return nil, err
		}

		start := src.ColdStartHeight
		if cp.LastSyncedHeight != 0 {
			start = cp.LastSyncedHeight + 1
		}

		starts[src.ID] = start
		progress[src.ID] = cp.LastSyncedHeight
		saved[src.ID] = cp.LastSyncedHeight
		globalStart = min(globalStart, start)
	}

	target, err := ix.targetHeight(ctx)
	if err != nil {
		return nil, err
	}

	globalEnd := target
	if ix.cfg.MaxBlocksPerRun != 0 && globalStart <= globalEnd && globalEnd-globalStart >= ix.cfg.MaxBlocksPerRun {
		globalEnd = globalStart + ix.cfg.MaxBlocksPerRun - 1
	}

	summary := &Summary{FromHeight: globalStart, ToHeight: globalEnd, Target: target}

	windows, err := PlanWindows(globalStart, globalEnd, ix.cfg.WindowSize)
	if errors.Is(err, ErrInvalidRange) {
		logger.Debugf("already caught up: next block %d, target %d", globalStart, globalEnd)
		summary.CaughtUp = true
		return summary, nil
	}
	if err != nil {
		return nil, err
	}

	logger.Debugf("indexing from block %d to %d in %d windows", globalStart, globalEnd, len(windows))

	advanced := make(map[string]bool, len(ix.sources))
	groups := groupWindows(windows, ix.cfg.MaxConcurrency)

	for gi, group := range groups {
		if gi > 0 && ix.cfg.GroupDelay > 0 {
			time.Sleep(ix.cfg.GroupDelay)
		}

		results, failed := ix.fetchGroup(ctx, group, starts)
		summary.FailedWindows += failed

		// results are consumed in window order, not completion order, so
		// each source sees its events in (height, log index) order
		for _, logs := range results {
			for i := range logs {
				if ix.processLog(ctx, &logs[i], starts) {
					summary.Processed++
				}
			}
		}

		groupEnd := min(group[len(group)-1].To, globalEnd)
		for id, start := range starts {
			if start <= groupEnd && progress[id] < groupEnd {
				progress[id] = groupEnd
				advanced[id] = true
			}
		}

		if (gi+1)%ix.cfg.CheckpointInterval == 0 || gi == len(groups)-1 {
			ix.saveCheckpoints(ctx, progress, saved)
		}
	}

	summary.HasMore = ix.hasMore(ctx, starts, progress, advanced, target)

	logger.Infof(
		"processed %d events from block %d to %d (%d windows failed open), more pending: %v",
		summary.Processed, summary.FromHeight, summary.ToHeight, summary.FailedWindows, summary.HasMore,
	)

	return summary, nil
}

// targetHeight is the highest block this run may index: the confirmed head
// capped at the configured end block.
func (ix *Indexer) targetHeight(ctx context.Context) (uint64, error) {
	var head uint64
	err := backoff.RetryNotify(
		func() (err error) {
			ctx, cancel := context.WithTimeout(ctx, ix.cfg.RequestTimeout)
			defer cancel()

			head, err = ix.chain.LatestHeight(ctx)
			return err
		},
		backoff.WithContext(ix.fetcher.newBackoff(ctx), ctx),
		func(err error, d time.Duration) {
			logger.Warnf("LatestHeight error: %v. Will retry after %v", err, d)
		},
	)
	if err != nil {
		return 0, errors.Wrap(err, "LatestHeight failed")
	}

	if head < ix.cfg.Confirmations {
		return 0, errors.Errorf("chain head %d is below the %d required confirmations", head, ix.cfg.Confirmations)
	}

	target := head - ix.cfg.Confirmations
	if ix.cfg.EndBlockNumber != 0 && target > ix.cfg.EndBlockNumber {
		target = ix.cfg.EndBlockNumber
	}

	return target, nil
}

// fetchGroup fetches all windows of group concurrently and waits for all of
// them. Results are indexed like group.
func (ix *Indexer) fetchGroup(ctx context.Context, group []Window, starts map[string]uint64) ([][]types.Log, int) {
	results := make([][]types.Log, len(group))
	failed := make([]bool, len(group))

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(ix.cfg.MaxConcurrency)

	for i := range group {
		w := group[i]
		addresses := ix.addressesFor(w, starts)

		eg.Go(func() error {
			logs, ok := ix.fetcher.fetchWindow(ctx, addresses, w)
			results[i] = logs
			failed[i] = !ok
			return nil
		})
	}

	// fetchWindow fails open, so the group never returns an error
	_ = eg.Wait()

	n := 0
	for _, f := range failed {
		if f {
			n++
		}
	}

	return results, n
}

// addressesFor lists the sources that have started by the end of w.
func (ix *Indexer) addressesFor(w Window, starts map[string]uint64) []common.Address {
	addresses := make([]common.Address, 0, len(ix.sources))

	for i := range ix.sources {
		if starts[ix.sources[i].ID] <= w.To {
			addresses = append(addresses, ix.sources[i].Address)
		}
	}

	return addresses
}

// processLog routes, decodes and dispatches a single log. It reports whether
// an event was dispatched.
func (ix *Indexer) processLog(ctx context.Context, log *types.Log, starts map[string]uint64) bool {
	if log.Removed {
		ix.metrics.LogsSkipped.WithLabelValues(skipRemoved).Inc()
		return false
	}

	src, event, err := ix.router.route(log)
	if err != nil {
		logger.Warnf("dropping log: %v", err)
		ix.metrics.LogsSkipped.WithLabelValues(skipMalformed).Inc()
		return false
	}

	if src == nil {
		ix.metrics.LogsSkipped.WithLabelValues(skipUnrouted).Inc()
		return false
	}

	if event == nil {
		ix.metrics.LogsSkipped.WithLabelValues(skipMismatch).Inc()
		return false
	}

	// a window may straddle the start of a source that is ahead of others
	if log.BlockNumber < starts[src.ID] {
		ix.metrics.LogsSkipped.WithLabelValues(skipBeforeStart).Inc()
		return false
	}

	ix.dispatcher.dispatch(ctx, src, event)

	return true
}

// saveCheckpoints flushes the sink and then persists every source whose
// progress moved past its saved checkpoint. A checkpoint never covers
// records that are still only buffered.
func (ix *Indexer) saveCheckpoints(ctx context.Context, progress, saved map[string]uint64) {
	if err := ix.dispatcher.sink.Flush(ctx); err != nil {
		logger.Errorf("flush before checkpoint failed, checkpoints not advanced: %v", err)
		return
	}

	for i := range ix.sources {
		id := ix.sources[i].ID

		height := progress[id]
		if height <= saved[id] {
			continue
		}

		if err := ix.checkpoints.SetCheckpoint(ctx, id, height); err != nil {
			logger.Errorf("failed to save checkpoint %d for %s: %v", height, id, err)
			continue
		}

		saved[id] = height
		ix.metrics.CheckpointHeight.WithLabelValues(id).Set(float64(height))
		logger.Debugf("checkpoint for %s saved at block %d", id, height)
	}
}

// hasMore reports whether any source is still behind the chain after this
// run. The head is read again so blocks produced during the run count.
func (ix *Indexer) hasMore(
	ctx context.Context, starts, progress map[string]uint64, advanced map[string]bool, target uint64,
) bool {
	if latest, err := ix.targetHeight(ctx); err != nil {
		logger.Warnf("could not refresh chain head, comparing against block %d: %v", target, err)
	} else if latest > target {
		target = latest
	}

	for i := range ix.sources {
		id := ix.sources[i].ID

		next := starts[id]
		if advanced[id] {
			next = progress[id] + 1
		}

		if next <= target {
			return true
		}
	}

	return false
}

func (ix *Indexer) newBackoff() backoff.BackOff {
	return backoff.NewExponentialBackOff(backoff.WithMaxElapsedTime(ix.cfg.BackoffMaxElapsedTime))
}
