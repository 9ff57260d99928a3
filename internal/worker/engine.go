package worker

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/Cypherspark/chat-gateway/internal/metrics"
)

// Online lists users with a live connection.
type Online interface {
	Online() []int64
}

// Flusher delivers a user's pending backlog.
type Flusher interface {
	FlushPending(ctx context.Context, userID int64) (int, error)
}

type SweeperOptions struct {
	Interval     time.Duration // pause between passes
	FlushQPS     float64       // sustained flush rate
	FlushBurst   int           // burst to allow short spikes
	FlushTimeout time.Duration // per-user flush timeout
	BackoffMin   time.Duration
	BackoffMax   time.Duration
}

// RunSweeper periodically flushes pending messages for every connected user.
// It catches messages whose live push failed while the receiver stayed
// connected, e.g. because the outbound queue was full. It returns when ctx is
// done.
func RunSweeper(ctx context.Context, online Online, flusher Flusher, log logrus.FieldLogger, opt SweeperOptions) error {
	limiter := rate.NewLimiter(rate.Limit(opt.FlushQPS), opt.FlushBurst)
	delay := backoff{min: opt.BackoffMin, max: opt.BackoffMax}

	for {
		wait := opt.Interval
		failed, err := sweepOnce(ctx, online, flusher, limiter, log, opt.FlushTimeout)
		switch {
		case err != nil:
			// ctx done while waiting on the limiter
			return err
		case failed > 0:
			wait = delay.next()
			log.WithFields(logrus.Fields{"failed": failed, "backoff": wait}).Warn("sweep had store errors")
		default:
			delay.reset()
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// sweepOnce runs one pass and returns how many users failed to flush.
func sweepOnce(ctx context.Context, online Online, flusher Flusher, limiter *rate.Limiter, log logrus.FieldLogger, timeout time.Duration) (int, error) {
	users := online.Online()
	if len(users) == 0 {
		metrics.SweepTotal.WithLabelValues("empty").Inc()
		return 0, nil
	}
	failed, delivered := 0, 0
	for _, id := range users {
		if err := limiter.Wait(ctx); err != nil {
			return failed, err
		}
		fctx, cancel := context.WithTimeout(ctx, timeout)
		n, err := flusher.FlushPending(fctx, id)
		cancel()
		delivered += n
		if err != nil {
			failed++
			log.WithError(err).WithField("user_id", id).Warn("sweep flush failed")
		}
	}
	if failed > 0 {
		metrics.SweepTotal.WithLabelValues("error").Inc()
	} else {
		metrics.SweepTotal.WithLabelValues("ok").Inc()
	}
	if delivered > 0 {
		log.WithField("delivered", delivered).Info("sweep delivered pending messages")
	}
	return failed, nil
}

// backoff grows by 1.6x per failure up to max. Each delay is spread by +/-20%.
type backoff struct {
	min, max time.Duration
	cur      time.Duration
}

func (b *backoff) next() time.Duration {
	if b.cur < b.min {
		b.cur = b.min
	}
	d := b.cur
	b.cur = min(b.max, time.Duration(float64(b.cur)*1.6))
	if spread := int64(d) / 5; spread > 0 {
		d += time.Duration(rand.Int64N(2*spread+1) - spread)
	}
	return d
}

func (b *backoff) reset() { b.cur = 0 }
