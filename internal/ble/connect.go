package ble

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// ConnectOptions configures connection establishment.
type ConnectOptions struct {
	Tries        int           // connection attempts before giving up
	Timeout      time.Duration // per attempt; 0 waits on the backend's own timeout
	ReconnectMax time.Duration // cap on the backoff between attempts
}

// DefaultConnectOptions returns sensible defaults.
func DefaultConnectOptions() ConnectOptions {
	return ConnectOptions{
		Tries:        3,
		Timeout:      10 * time.Second,
		ReconnectMax: 8 * time.Second,
	}
}

// backoffDelay returns the delay before retry n, capped at max.
func backoffDelay(attempt int, max time.Duration) time.Duration {
	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > max {
		return max
	}
	return delay
}

// Dial connects to address, retrying with exponential backoff. Only the
// last error is returned.
func Dial(ctx context.Context, adapter Adapter, address string, opts ConnectOptions) (Connection, error) {
	if opts.Tries <= 0 {
		opts.Tries = 1
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = time.Second
	}

	var lastErr error
	for attempt := 0; attempt < opts.Tries; attempt++ {
		// On the first attempt, try immediately; subsequent attempts use backoff.
		if attempt > 0 {
			delay := backoffDelay(attempt-1, opts.ReconnectMax)
			log.Infof("Connect attempt %d/%d in %v", attempt+1, opts.Tries, delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, fmt.Errorf("ble: connect to %s: %w", address, ctx.Err())
			}
		}

		conn, err := dialOnce(ctx, adapter, address, opts.Timeout)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		log.WithError(err).Warnf("Connect attempt %d/%d failed", attempt+1, opts.Tries)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func dialOnce(ctx context.Context, adapter Adapter, address string, timeout time.Duration) (Connection, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return adapter.Connect(ctx, address)
}
