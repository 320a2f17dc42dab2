package sender

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimited throttles an underlying channel.
type RateLimited struct {
	next    Channel
	limiter *rate.Limiter
}

// NewRateLimited allows perSecond sends with the given burst. A non-positive
// rate disables throttling.
func NewRateLimited(next Channel, perSecond float64, burst int) Channel {
	if perSecond <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (r *RateLimited) Send(ctx context.Context, messageID int64, address, text string) Outcome {
	if err := r.limiter.Wait(ctx); err != nil {
		return Unreachable{Reason: "rate limiter: " + err.Error()}
	}
	return r.next.Send(ctx, messageID, address, text)
}
