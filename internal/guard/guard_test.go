package guard

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/escrowd/errs"
)

func TestCheckCreateWithinLimits(t *testing.T) {
	g := New(Limits{
		MaxOrderAmount: decimal.RequireFromString("1000"),
		CreateThrottle: 100,
		CreateBurst:    5,
	})

	err := g.CheckCreate(context.Background(), decimal.RequireFromString("500"), decimal.RequireFromString("10"))
	if err != nil {
		t.Fatalf("expected admission, got %v", err)
	}
}

func TestCheckCreateRejectsOversizedOrder(t *testing.T) {
	g := New(Limits{
		MaxOrderAmount: decimal.RequireFromString("100"),
		CreateThrottle: 100,
		CreateBurst:    5,
	})

	err := g.CheckCreate(context.Background(), decimal.RequireFromString("101"), decimal.RequireFromString("1"))
	if !errs.HasCode(err, errs.CodeInvalidParams) {
		t.Fatalf("expected invalid_parameters for oversized sell amount, got %v", err)
	}

	err = g.CheckCreate(context.Background(), decimal.RequireFromString("1"), decimal.RequireFromString("101"))
	if !errs.HasCode(err, errs.CodeInvalidParams) {
		t.Fatalf("expected invalid_parameters for oversized buy amount, got %v", err)
	}
}

func TestCheckCreateThrottles(t *testing.T) {
	g := New(Limits{
		MaxOrderAmount: decimal.RequireFromString("1000"),
		CreateThrottle: 1,
		CreateBurst:    1,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	one := decimal.NewFromInt(1)
	if err := g.CheckCreate(ctx, one, one); err != nil {
		t.Fatalf("first create should be admitted, got %v", err)
	}
	// Burst exhausted; the second call must block past the context deadline.
	err := g.CheckCreate(ctx, one, one)
	if !errs.HasCode(err, errs.CodeUnavailable) {
		t.Fatalf("expected unavailable when throttled, got %v", err)
	}
}
