package ratelimit

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"golang.org/x/time/rate"
)

// Gate enforces a minimum spacing between consecutive requests to one
// upstream, regardless of caller concurrency.
type Gate struct {
	limiter *rate.Limiter
}

func NewGate(interval time.Duration) *Gate {
	return &Gate{limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

func (g *Gate) Wait(ctx context.Context) error {
	if err := g.limiter.Wait(ctx); nil != err {
		return fmt.Errorf("failed to wait for request slot: %v", err)
	}

	return nil
}

// SiblingPauseMS is the polite pause between consecutive tracks of a
// background album run.
func SiblingPauseMS() time.Duration {
	const (
		from = 1
		to   = 3
	)
	millis := (rand.IntN(to-from)+from)*1000 + rand.N(1000) //nolint:gosec

	return time.Duration(millis) * time.Millisecond
}
