package indexer

import (
	"context"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flare-foundation/go-flare-common/pkg/logger"
	"github.com/pkg/errors"
)

const maxFetchBackoffInterval = time.Minute

type fetcher struct {
	client         ChainClient
	maxAttempts    int
	baseBackoff    time.Duration
	requestTimeout time.Duration
	metrics        *Metrics
}

// fetchWindow fetches the logs of addresses in w. Rate limiting and
// transport errors are retried with exponential backoff; once attempts are
// exhausted, or on any other error, the window fails open: an empty result
// is returned and the failure is logged and counted.
func (f *fetcher) fetchWindow(ctx context.Context, addresses []common.Address, w Window) ([]types.Log, bool) {
	logs, err := backoff.RetryNotifyWithData(
		func() ([]types.Log, error) {
			ctx, cancel := context.WithTimeout(ctx, f.requestTimeout)
			defer cancel()

			logs, err := f.client.GetLogs(ctx, addresses, w.From, w.To)
			if err == nil {
				return logs, nil
			}

			if isRetryable(err) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}

			return nil, backoff.Permanent(err)
		},
		f.newBackoff(ctx),
		func(err error, d time.Duration) {
			logger.Warnf("GetLogs [%d, %d] error: %v. Will retry after %v", w.From, w.To, err, d)
		},
	)
	if err != nil {
		logger.Errorf("window [%d, %d] failed open, its logs are skipped: %v", w.From, w.To, err)
		f.metrics.WindowsFailedOpen.Inc()

		return nil, false
	}

	sortLogs(logs)

	f.metrics.WindowsFetched.Inc()
	f.metrics.LogsFetched.Add(float64(len(logs)))

	return logs, true
}

// newBackoff doubles the delay after every failed attempt, starting from
// baseBackoff, for at most maxAttempts attempts in total.
func (f *fetcher) newBackoff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(f.baseBackoff),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxInterval(maxFetchBackoffInterval),
		backoff.WithMaxElapsedTime(0),
	)

	retries := uint64(0)
	if f.maxAttempts > 1 {
		retries = uint64(f.maxAttempts - 1)
	}

	return backoff.WithContext(backoff.WithMaxRetries(exp, retries), ctx)
}

func sortLogs(logs []types.Log) {
	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}

		return logs[i].Index < logs[j].Index
	})
}
