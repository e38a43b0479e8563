package ivxp

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
)

// Polling defaults. With a 2s floor and 30s ceiling the default attempt
// budget covers a bit under half an hour of waiting.
const (
	DefaultPollMaxAttempts = 60
	DefaultPollMinInterval = 2 * time.Second
	DefaultPollMaxInterval = 30 * time.Second
)

// PollOptions control PollOrderUntil.
type PollOptions struct {
	// Targets are the statuses that stop the poll. Empty means the
	// delivery outcomes: delivered, delivery_failed and confirmed.
	Targets []OrderStatus

	// MaxAttempts is the number of status fetches before giving up.
	MaxAttempts int

	// MinInterval and MaxInterval bound the jittered backoff between
	// fetches.
	MinInterval time.Duration
	MaxInterval time.Duration
}

// DefaultPollOptions poll for a delivery outcome.
func DefaultPollOptions() PollOptions {
	return PollOptions{
		Targets:     []OrderStatus{StatusDelivered, StatusDeliveryFailed, StatusConfirmed},
		MaxAttempts: DefaultPollMaxAttempts,
		MinInterval: DefaultPollMinInterval,
		MaxInterval: DefaultPollMaxInterval,
	}
}

func (o *PollOptions) normalize() {
	defaults := DefaultPollOptions()
	if len(o.Targets) == 0 {
		o.Targets = defaults.Targets
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaults.MaxAttempts
	}
	if o.MinInterval <= 0 {
		o.MinInterval = defaults.MinInterval
	}
	if o.MaxInterval < o.MinInterval {
		o.MaxInterval = o.MinInterval
	}
}

func (o *PollOptions) target(status OrderStatus) bool {
	for _, t := range o.Targets {
		if t == status {
			return true
		}
	}
	return false
}

// PollOrderUntil fetches an order's status until it reaches one of the
// target statuses, making at most MaxAttempts fetches with jittered
// exponential backoff in between and none after the last. A status already
// at a target on the first fetch returns immediately.
//
// Each time the observed status differs from the previous fetch a
// status-changed event fires with both values. Unreachable-provider errors
// consume an attempt and the poll continues; anything else aborts it.
func (c *Client) PollOrderUntil(ctx context.Context, orderID string, opts PollOptions) (*OrderStatusResponse, error) {
	if err := ValidateOrderID(orderID); err != nil {
		return nil, err
	}
	opts.normalize()

	b := &backoff.Backoff{
		Min:    opts.MinInterval,
		Max:    opts.MaxInterval,
		Factor: 2,
		Jitter: true,
	}

	var previous OrderStatus
	seen := false
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		status, err := c.OrderStatus(ctx, orderID)
		switch {
		case err == nil:
			if seen && status.Status != previous {
				c.bus.Emit(EventStatusChanged, orderID, &StatusChange{
					Previous: previous,
					New:      status.Status,
				})
			}
			previous, seen = status.Status, true
			if opts.target(status.Status) {
				return status, nil
			}
		case IsCode(err, ErrCodeServiceUnavailable):
			c.log.Debug().
				Str("order_id", orderID).
				Int("attempt", attempt).
				Err(err).
				Msg("status poll failed, will retry")
		default:
			return nil, err
		}

		if attempt == opts.MaxAttempts {
			break
		}
		timer := time.NewTimer(b.Duration())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, NewMaxPollAttemptsError(opts.MaxAttempts)
}

// WaitForDelivery polls with the default options until the order reaches a
// delivery outcome.
func (c *Client) WaitForDelivery(ctx context.Context, orderID string) (*OrderStatusResponse, error) {
	return c.PollOrderUntil(ctx, orderID, DefaultPollOptions())
}
