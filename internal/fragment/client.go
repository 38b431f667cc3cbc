package fragment

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/swm-sink/la-factoria-content-factory-sub007/internal/telemetry"
	"github.com/swm-sink/la-factoria-content-factory-sub007/pkg/types"
)

const (
	defaultMaxAttempts  = 3
	defaultBaseInterval = 100 * time.Millisecond
)

// Client wraps a Store with retries. Transient upstream failures are retried
// with exponential backoff; once attempts are exhausted the error surfaces as
// FragmentStoreUnavailable.
type Client struct {
	store        Store
	maxAttempts  uint
	baseInterval time.Duration
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithMaxAttempts overrides the retry attempt count.
func WithMaxAttempts(n uint) ClientOption {
	return func(c *Client) { c.maxAttempts = n }
}

// WithBaseInterval overrides the initial backoff interval.
func WithBaseInterval(d time.Duration) ClientOption {
	return func(c *Client) { c.baseInterval = d }
}

// NewClient creates a retrying client around a Store.
func NewClient(store Store, opts ...ClientOption) *Client {
	c := &Client{
		store:        store,
		maxAttempts:  defaultMaxAttempts,
		baseInterval: defaultBaseInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchFragment fetches a single fragment by key, retrying transient errors.
func (c *Client) FetchFragment(ctx context.Context, key string) (*Fragment, error) {
	telemetry.CountFragmentFetch(ctx)
	start := time.Now()
	frag, err := backoff.Retry(ctx, func() (*Fragment, error) {
		return c.store.FetchFragment(ctx, key)
	}, backoff.WithBackOff(c.newBackOff()), backoff.WithMaxTries(c.maxAttempts))
	telemetry.ObserveFetchDuration(ctx, time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return nil, types.NewError(types.KindTimeout, "fragment.FetchFragment", err)
		}
		return nil, types.NewError(types.KindFragmentStoreUnavailable, "fragment.FetchFragment",
			fmt.Errorf("key %q: %w", key, err))
	}
	return frag, nil
}

// FetchByTags fetches all fragments carrying the given tags, retrying
// transient errors.
func (c *Client) FetchByTags(ctx context.Context, tags []string) ([]*Fragment, error) {
	frags, err := backoff.Retry(ctx, func() ([]*Fragment, error) {
		return c.store.FetchByTags(ctx, tags)
	}, backoff.WithBackOff(c.newBackOff()), backoff.WithMaxTries(c.maxAttempts))
	if err != nil {
		if ctx.Err() != nil {
			return nil, types.NewError(types.KindTimeout, "fragment.FetchByTags", err)
		}
		return nil, types.NewError(types.KindFragmentStoreUnavailable, "fragment.FetchByTags",
			fmt.Errorf("tags %v: %w", tags, err))
	}
	return frags, nil
}

func (c *Client) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.baseInterval
	return b
}
