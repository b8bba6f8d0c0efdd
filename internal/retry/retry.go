// Package retry provides the backoff policy shared by upload and download
// paths against the blob store.
//
// The policy retries errors classified as transient (network failures and
// 5xx responses) with exponential backoff. Not-found and other 4xx
// responses are terminal and surface immediately.
package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"oras.land/oras-go/v2/registry/remote/errcode"
)

// Default is the policy used by the store client: three attempts with
// 1s and 2s waits between them.
var Default = Policy{
	MaxAttempts: 3,
	Initial:     time.Second,
	Multiplier:  2,
}

// Policy describes how an operation is retried. Classify decides whether
// an error warrants another attempt; when nil, Transient is used.
type Policy struct {
	MaxAttempts int
	Initial     time.Duration
	Multiplier  float64
	Classify    func(error) bool
}

// Do runs op under p, sleeping between attempts. The context cancels the
// backoff wait; the last error is returned once attempts are exhausted or
// a terminal error is seen.
func (p Policy) Do(ctx context.Context, op func() error) error {
	_, err := DoValue(ctx, p, func() (struct{}, error) {
		return struct{}{}, op()
	})
	return err
}

// DoValue is Do for operations producing a value.
func DoValue[T any](ctx context.Context, p Policy, op func() (T, error)) (T, error) {
	classify := p.Classify
	if classify == nil {
		classify = Transient
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.RandomizationFactor = 0
	b.Multiplier = p.Multiplier
	b.MaxElapsedTime = 0

	attempts := uint64(0)
	if p.MaxAttempts > 1 {
		attempts = uint64(p.MaxAttempts - 1)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, attempts), ctx)

	return backoff.RetryWithData(func() (T, error) {
		v, err := op()
		if err == nil {
			return v, nil
		}
		if classify(err) {
			return v, err
		}
		return v, backoff.Permanent(err)
	}, policy)
}

// Do runs op under the default policy.
func Do(ctx context.Context, op func() error) error {
	return Default.Do(ctx, op)
}

// Transient reports whether err warrants another attempt: network errors
// and 5xx registry responses. Context cancellation, not-found, and other
// 4xx responses are terminal.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var resp *errcode.ErrorResponse
	if errors.As(err, &resp) {
		return resp.StatusCode >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return errors.Is(err, io.ErrUnexpectedEOF)
}
