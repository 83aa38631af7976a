package indexer

import "github.com/pkg/errors"

var (
	// ErrRateLimited is returned by chain clients when the upstream rejected
	// a request for exceeding its rate limit. Retryable.
	ErrRateLimited = errors.New("rate limited")

	// ErrTransport covers network and server-side failures. Retryable.
	ErrTransport = errors.New("transport error")

	// ErrMalformedLog wraps decoder failures for logs whose signature is
	// known but whose payload cannot be decoded.
	ErrMalformedLog = errors.New("malformed log")

	ErrInvalidRange      = errors.New("invalid range")
	ErrInvalidWindowSize = errors.New("window size must be positive")
)

func isRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTransport)
}
