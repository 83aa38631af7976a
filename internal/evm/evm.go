package evm

import (
	"context"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/flare-foundation/contract-event-indexer/pkg/config"
	"github.com/flare-foundation/contract-event-indexer/pkg/indexer"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// codeLimitExceeded is the JSON-RPC error code providers use for request
// rate limiting (EIP-1474).
const codeLimitExceeded = -32005

// Client reads blocks and logs from an EVM JSON-RPC endpoint.
type Client struct {
	rpc     *rpc.Client
	eth     *ethclient.Client
	limiter *rate.Limiter
}

func New(ctx context.Context, cfg *config.Chain) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, errors.New("rpc_url must be provided")
	}

	rpcClient, err := rpc.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, errors.Wrap(err, "rpc.DialContext")
	}

	c := &Client{rpc: rpcClient, eth: ethclient.NewClient(rpcClient)}

	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return c, nil
}

func (c *Client) LatestHeight(ctx context.Context) (uint64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}

	height, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, classify("eth_blockNumber", err)
	}

	return height, nil
}

func (c *Client) GetLogs(ctx context.Context, addresses []common.Address, from, to uint64) ([]types.Log, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	logs, err := c.eth.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: addresses,
	})
	if err != nil {
		return nil, classify("eth_getLogs", err)
	}

	return logs, nil
}

// ServerInfo returns the node's client version string.
func (c *Client) ServerInfo(ctx context.Context) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}

	var version string
	if err := c.rpc.CallContext(ctx, &version, "web3_clientVersion"); err != nil {
		return "", classify("web3_clientVersion", err)
	}

	return version, nil
}

func (c *Client) Close() {
	c.rpc.Close()
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}

	return errors.Wrap(c.limiter.Wait(ctx), "rate limiter")
}

// classify maps upstream failures onto the retryable indexer errors. Errors
// the node reports about the request itself are returned unchanged.
func classify(method string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(err, method)
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusTooManyRequests:
			return errors.Wrapf(indexer.ErrRateLimited, "%s: %v", method, err)
		case httpErr.StatusCode >= http.StatusInternalServerError:
			return errors.Wrapf(indexer.ErrTransport, "%s: %v", method, err)
		default:
			return errors.Wrap(err, method)
		}
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		if rpcErr.ErrorCode() == codeLimitExceeded || isRateLimitMessage(rpcErr.Error()) {
			return errors.Wrapf(indexer.ErrRateLimited, "%s: %v", method, err)
		}

		return errors.Wrap(err, method)
	}

	return errors.Wrapf(indexer.ErrTransport, "%s: %v", method, err)
}

func isRateLimitMessage(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests")
}
