package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"curly-octo-trader/internal/domain"
	"curly-octo-trader/internal/metrics"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"
)

// OpError is returned when a persistence call fails for good.
type OpError struct {
	Op       string
	Target   string
	Attempts int
	Elapsed  time.Duration
	Err      error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("store %s %s failed after %d attempt(s) in %s: %v", e.Op, e.Target, e.Attempts, e.Elapsed, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// linearBackOff waits step, 2*step, 3*step, ...
type linearBackOff struct {
	step    time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return b.step * time.Duration(b.attempt)
}

func (b *linearBackOff) Reset() { b.attempt = 0 }

func (c *Client) newPolicy() backoff.BackOff {
	retries := c.attempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(&linearBackOff{step: c.step}, uint64(retries))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// retry runs fn until it succeeds, fails permanently, or the policy runs out.
// Each attempt gets its own timeout.
func (c *Client) retry(ctx context.Context, op, target string, fn func(ctx context.Context) error) error {
	start := c.now()
	policy := c.newPolicy()

	for attempt := 1; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		err := fn(callCtx)
		cancel()
		if err == nil {
			if attempt > 1 {
				log.Info().Str("op", op).Str("target", target).Int("attempt", attempt).
					Dur("elapsed", c.now().Sub(start)).Msg("store call recovered")
			}
			return nil
		}

		err = translate(err)
		if permanent(ctx, err) {
			return c.fail(op, target, attempt, start, err)
		}

		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			return c.fail(op, target, attempt, start, err)
		}

		metrics.StoreRetries.WithLabelValues(op).Inc()
		log.Warn().Err(err).Str("op", op).Str("target", target).Int("attempt", attempt).
			Dur("backoff", wait).Msg("transient store failure, retrying")

		if serr := c.sleep(ctx, wait); serr != nil {
			return c.fail(op, target, attempt, start, errors.Join(err, serr))
		}
	}
}

func (c *Client) fail(op, target string, attempts int, start time.Time, err error) error {
	opErr := &OpError{Op: op, Target: target, Attempts: attempts, Elapsed: c.now().Sub(start), Err: err}
	if errors.Is(err, domain.ErrNotFound) {
		return opErr
	}
	metrics.StoreFailures.WithLabelValues(op).Inc()
	log.Error().Err(err).Str("op", op).Str("target", target).Int("attempts", attempts).
		Dur("elapsed", opErr.Elapsed).Msg("store call failed")
	return opErr
}

// translate maps driver errors onto domain errors.
func translate(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %v", domain.ErrNotFound, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", domain.ErrPositionOpen, pgErr.Message)
	}
	return err
}

func permanent(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	switch {
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrPositionOpen),
		errors.Is(err, domain.ErrPositionClosed),
		errors.Is(err, domain.ErrInvalidSignal):
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "57P01", "57P02", "57P03":
			return false
		}
		return true
	}
	return false
}
