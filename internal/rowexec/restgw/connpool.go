package restgw

import (
	"context"
	"time"

	"github.com/SimonWaldherr/tinySQL/internal/rowexec/rerr"
)

// ConnectionPool is the external collaborator interface for the wider
// cluster's connection pooling, referenced only by interface per spec.md
// §1 ("out of scope: connection pooling to a wider cluster"). The gateway
// only needs the retry behavior below; acquiring/releasing an actual
// connection is someone else's concern.
type ConnectionPool interface {
	WithRetry(ctx context.Context, fn func() error) error
}

// retryPool implements ConnectionPool's WithRetry by polling a fallible
// operation while it reports KindDiskPending, bounded by maxRetries — the
// gateway-side half of the original retry_handler.hpp's behavior (the
// request-handling side; the actual disk-fetch retry lives in
// DiskPartCoordinator/noderpc).
type retryPool struct {
	maxRetries int
	backoff    time.Duration
}

// NewRetryPool returns a ConnectionPool that retries a pending operation up
// to maxRetries times, waiting backoff*attempt between tries.
func NewRetryPool(maxRetries int, backoff time.Duration) ConnectionPool {
	return &retryPool{maxRetries: maxRetries, backoff: backoff}
}

func (p *retryPool) WithRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		err = fn()
		if err == nil || !rerr.IsPending(err) {
			return err
		}
		if attempt == p.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.backoff * time.Duration(attempt+1)):
		}
	}
	return err
}
