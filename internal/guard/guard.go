// Package guard enforces admission limits on escrow order creation.
package guard

import (
	"context"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/coachpo/escrowd/errs"
)

// Limits defines admission parameters for order creation.
type Limits struct {
	// MaxOrderAmount caps the sell and buy amounts of a single order.
	MaxOrderAmount decimal.Decimal `yaml:"maxOrderAmount"`

	// CreateThrottle is the maximum rate of order creations per second.
	CreateThrottle float64 `yaml:"createThrottle"`

	// CreateBurst is the number of creations admitted above the steady rate.
	CreateBurst int `yaml:"createBurst"`
}

// Guard enforces creation limits in front of the escrow ledger.
type Guard struct {
	limits  Limits
	limiter *rate.Limiter
}

// New creates a guard with the given limits.
func New(limits Limits) *Guard {
	burst := limits.CreateBurst
	if burst <= 0 {
		burst = 1
	}
	return &Guard{
		limits:  limits,
		limiter: rate.NewLimiter(rate.Limit(limits.CreateThrottle), burst),
	}
}

// CheckCreate evaluates a creation request against the configured limits.
// It blocks until the rate limiter admits the request or ctx expires.
func (g *Guard) CheckCreate(ctx context.Context, sellAmount, buyAmount decimal.Decimal) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return errs.New("guard", errs.CodeUnavailable,
			errs.WithMessage("creation throttle exceeded"),
			errs.WithCause(err))
	}

	if g.limits.MaxOrderAmount.IsPositive() {
		if sellAmount.GreaterThan(g.limits.MaxOrderAmount) {
			return errs.New("guard", errs.CodeInvalidParams,
				errs.WithMessage("sell amount exceeds order cap"),
				errs.WithField("sell_amount", sellAmount.String()),
				errs.WithField("cap", g.limits.MaxOrderAmount.String()))
		}
		if buyAmount.GreaterThan(g.limits.MaxOrderAmount) {
			return errs.New("guard", errs.CodeInvalidParams,
				errs.WithMessage("buy amount exceeds order cap"),
				errs.WithField("buy_amount", buyAmount.String()),
				errs.WithField("cap", g.limits.MaxOrderAmount.String()))
		}
	}
	return nil
}
