package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/escrowd/errs"
	"github.com/coachpo/escrowd/internal/assets"
	"github.com/coachpo/escrowd/internal/bus/eventbus"
	"github.com/coachpo/escrowd/internal/schema"
)

const (
	custodian = schema.AccountID("escrow-custody")
	seller    = schema.AccountID("acct-seller")
	buyer     = schema.AccountID("acct-buyer")

	assetA = schema.AssetID("ASSET-A")
	assetB = schema.AssetID("ASSET-B")
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestLedger(t *testing.T) (*Ledger, *assets.Ledger) {
	t.Helper()
	bank := assets.NewLedger(custodian)
	ledger := NewLedger(custodian, bank, nil)
	return ledger, bank
}

// fund mints a balance and authorizes the custodian to withdraw it in full.
func fund(bank *assets.Ledger, account schema.AccountID, asset schema.AssetID, amount decimal.Decimal) {
	bank.Mint(account, asset, amount)
	bank.Approve(account, custodian, asset, amount)
}

func mustBalance(t *testing.T, bank *assets.Ledger, account schema.AccountID, asset schema.AssetID) decimal.Decimal {
	t.Helper()
	bal, err := bank.BalanceOf(context.Background(), account, asset)
	if err != nil {
		t.Fatalf("BalanceOf(%s, %s) error = %v", account, asset, err)
	}
	return bal
}

func TestCreateOrderTakesCustodyOfDeposit(t *testing.T) {
	ledger, bank := newTestLedger(t)
	ctx := context.Background()
	fund(bank, seller, assetA, dec("100"))

	order, err := ledger.CreateOrder(ctx, seller, assetA, dec("100"), assetB, dec("20"))
	if err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}
	if order.ID != 1 {
		t.Errorf("expected first order id 1, got %d", order.ID)
	}
	if order.Status != schema.StatusOpen {
		t.Errorf("expected status open, got %s", order.Status)
	}
	if got := mustBalance(t, bank, seller, assetA); !got.IsZero() {
		t.Errorf("expected seller drained, got %s", got)
	}
	if got := mustBalance(t, bank, custodian, assetA); !got.Equal(dec("100")) {
		t.Errorf("expected custody to hold 100, got %s", got)
	}
}

func TestCreateOrderIDsAreMonotonic(t *testing.T) {
	ledger, bank := newTestLedger(t)
	ctx := context.Background()
	fund(bank, seller, assetA, dec("30"))

	for want := uint64(1); want <= 3; want++ {
		order, err := ledger.CreateOrder(ctx, seller, assetA, dec("10"), assetB, dec("1"))
		if err != nil {
			t.Fatalf("CreateOrder() error = %v", err)
		}
		if order.ID != want {
			t.Errorf("expected order id %d, got %d", want, order.ID)
		}
	}
}

func TestCreateOrderValidatesTerms(t *testing.T) {
	ledger, bank := newTestLedger(t)
	ctx := context.Background()
	fund(bank, seller, assetA, dec("100"))

	cases := []struct {
		name       string
		seller     schema.AccountID
		sellAsset  schema.AssetID
		sellAmount decimal.Decimal
		buyAsset   schema.AssetID
		buyAmount  decimal.Decimal
	}{
		{"empty seller", "", assetA, dec("1"), assetB, dec("1")},
		{"empty sell asset", seller, "", dec("1"), assetB, dec("1")},
		{"empty buy asset", seller, assetA, dec("1"), "", dec("1")},
		{"zero sell amount", seller, assetA, dec("0"), assetB, dec("1")},
		{"negative sell amount", seller, assetA, dec("-5"), assetB, dec("1")},
		{"zero buy amount", seller, assetA, dec("1"), assetB, dec("0")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ledger.CreateOrder(ctx, tc.seller, tc.sellAsset, tc.sellAmount, tc.buyAsset, tc.buyAmount)
			if !errs.HasCode(err, errs.CodeInvalidParams) {
				t.Fatalf("expected invalid_parameters, got %v", err)
			}
		})
	}
}

func TestCreateOrderWithoutAuthorizationFails(t *testing.T) {
	ledger, bank := newTestLedger(t)
	ctx := context.Background()
	bank.Mint(seller, assetA, dec("100")) // balance but no approval

	_, err := ledger.CreateOrder(ctx, seller, assetA, dec("100"), assetB, dec("20"))
	if !errs.HasCode(err, errs.CodeUnauthorized) {
		t.Fatalf("expected insufficient_authorization, got %v", err)
	}
	if got := mustBalance(t, bank, seller, assetA); !got.Equal(dec("100")) {
		t.Errorf("failed create must not move funds, seller has %s", got)
	}

	// A failed create consumes no order id.
	if _, err := ledger.GetOrder(1); !errs.HasCode(err, errs.CodeNotFound) {
		t.Errorf("expected order 1 to not exist, got %v", err)
	}
	bank.Approve(seller, custodian, assetA, dec("100"))
	order, err := ledger.CreateOrder(ctx, seller, assetA, dec("100"), assetB, dec("20"))
	if err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}
	if order.ID != 1 {
		t.Errorf("expected id 1 after failed attempt, got %d", order.ID)
	}
}

func TestFulfillOrderSwapsAssets(t *testing.T) {
	ledger, bank := newTestLedger(t)
	ctx := context.Background()
	fund(bank, seller, assetA, dec("100"))
	fund(bank, buyer, assetB, dec("20"))

	order, err := ledger.CreateOrder(ctx, seller, assetA, dec("100"), assetB, dec("20"))
	if err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}

	if err := ledger.FulfillOrder(ctx, buyer, order.ID); err != nil {
		t.Fatalf("FulfillOrder() error = %v", err)
	}

	if got := mustBalance(t, bank, buyer, assetA); !got.Equal(dec("100")) {
		t.Errorf("buyer should hold 100 of sell asset, got %s", got)
	}
	if got := mustBalance(t, bank, seller, assetB); !got.Equal(dec("20")) {
		t.Errorf("seller should hold 20 of buy asset, got %s", got)
	}
	if got := mustBalance(t, bank, custodian, assetA); !got.IsZero() {
		t.Errorf("custody should be empty after settlement, got %s", got)
	}
	if got := mustBalance(t, bank, buyer, assetB); !got.IsZero() {
		t.Errorf("buyer payment should be spent, got %s", got)
	}

	settled, err := ledger.GetOrder(order.ID)
	if err != nil {
		t.Fatalf("GetOrder() error = %v", err)
	}
	if settled.Status != schema.StatusSettled {
		t.Errorf("expected settled, got %s", settled.Status)
	}
}

func TestFulfillOrderIsExactlyOnce(t *testing.T) {
	ledger, bank := newTestLedger(t)
	ctx := context.Background()
	fund(bank, seller, assetA, dec("100"))
	fund(bank, buyer, assetB, dec("40"))

	order, err := ledger.CreateOrder(ctx, seller, assetA, dec("100"), assetB, dec("20"))
	if err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}
	if err := ledger.FulfillOrder(ctx, buyer, order.ID); err != nil {
		t.Fatalf("first FulfillOrder() error = %v", err)
	}

	err = ledger.FulfillOrder(ctx, buyer, order.ID)
	if !errs.HasCode(err, errs.CodeNotOpen) {
		t.Fatalf("expected order_not_open on second fulfill, got %v", err)
	}
	if got := mustBalance(t, bank, buyer, assetB); !got.Equal(dec("20")) {
		t.Errorf("second fulfill must not charge again, buyer has %s", got)
	}
}

func TestFulfillUnknownOrder(t *testing.T) {
	ledger, _ := newTestLedger(t)

	err := ledger.FulfillOrder(context.Background(), buyer, 99)
	if !errs.HasCode(err, errs.CodeNotFound) {
		t.Fatalf("expected order_not_found, got %v", err)
	}
}

func TestFulfillWithoutAuthorizationLeavesOrderOpen(t *testing.T) {
	ledger, bank := newTestLedger(t)
	ctx := context.Background()
	fund(bank, seller, assetA, dec("100"))
	bank.Mint(buyer, assetB, dec("20")) // balance but no approval

	order, err := ledger.CreateOrder(ctx, seller, assetA, dec("100"), assetB, dec("20"))
	if err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}

	err = ledger.FulfillOrder(ctx, buyer, order.ID)
	if !errs.HasCode(err, errs.CodeUnauthorized) {
		t.Fatalf("expected insufficient_authorization, got %v", err)
	}

	got, err := ledger.GetOrder(order.ID)
	if err != nil {
		t.Fatalf("GetOrder() error = %v", err)
	}
	if got.Status != schema.StatusOpen {
		t.Errorf("failed fulfill must revert to open, got %s", got.Status)
	}
	if bal := mustBalance(t, bank, custodian, assetA); !bal.Equal(dec("100")) {
		t.Errorf("custody must keep the deposit, got %s", bal)
	}

	// The order remains fulfillable once authorization is granted.
	bank.Approve(buyer, custodian, assetB, dec("20"))
	if err := ledger.FulfillOrder(ctx, buyer, order.ID); err != nil {
		t.Fatalf("FulfillOrder() after approval error = %v", err)
	}
}

func TestFulfillWithInsufficientBalanceLeavesOrderOpen(t *testing.T) {
	ledger, bank := newTestLedger(t)
	ctx := context.Background()
	fund(bank, seller, assetA, dec("100"))
	// Approval larger than the actual balance.
	bank.Mint(buyer, assetB, dec("5"))
	bank.Approve(buyer, custodian, assetB, dec("20"))

	order, err := ledger.CreateOrder(ctx, seller, assetA, dec("100"), assetB, dec("20"))
	if err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}

	err = ledger.FulfillOrder(ctx, buyer, order.ID)
	if !errs.HasCode(err, errs.CodeTransferFailed) {
		t.Fatalf("expected transfer_failed, got %v", err)
	}

	got, err := ledger.GetOrder(order.ID)
	if err != nil {
		t.Fatalf("GetOrder() error = %v", err)
	}
	if got.Status != schema.StatusOpen {
		t.Errorf("failed fulfill must revert to open, got %s", got.Status)
	}
	if bal := mustBalance(t, bank, buyer, assetB); !bal.Equal(dec("5")) {
		t.Errorf("failed fulfill must not move buyer funds, got %s", bal)
	}
}

func TestCancelOrderRefundsSeller(t *testing.T) {
	ledger, bank := newTestLedger(t)
	ctx := context.Background()
	fund(bank, seller, assetA, dec("100"))

	order, err := ledger.CreateOrder(ctx, seller, assetA, dec("100"), assetB, dec("20"))
	if err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}

	if err := ledger.CancelOrder(ctx, seller, order.ID); err != nil {
		t.Fatalf("CancelOrder() error = %v", err)
	}
	if got := mustBalance(t, bank, seller, assetA); !got.Equal(dec("100")) {
		t.Errorf("expected full refund, seller has %s", got)
	}
	if got := mustBalance(t, bank, custodian, assetA); !got.IsZero() {
		t.Errorf("custody should be empty after cancel, got %s", got)
	}

	cancelled, err := ledger.GetOrder(order.ID)
	if err != nil {
		t.Fatalf("GetOrder() error = %v", err)
	}
	if cancelled.Status != schema.StatusCancelled {
		t.Errorf("expected cancelled, got %s", cancelled.Status)
	}
}

func TestCancelOrderRejectsNonOwner(t *testing.T) {
	ledger, bank := newTestLedger(t)
	ctx := context.Background()
	fund(bank, seller, assetA, dec("100"))

	order, err := ledger.CreateOrder(ctx, seller, assetA, dec("100"), assetB, dec("20"))
	if err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}

	err = ledger.CancelOrder(ctx, buyer, order.ID)
	if !errs.HasCode(err, errs.CodeNotOwner) {
		t.Fatalf("expected not_order_owner, got %v", err)
	}

	got, err := ledger.GetOrder(order.ID)
	if err != nil {
		t.Fatalf("GetOrder() error = %v", err)
	}
	if got.Status != schema.StatusOpen {
		t.Errorf("order must stay open, got %s", got.Status)
	}
}

func TestCancelOrderChecksOwnershipBeforeStatus(t *testing.T) {
	ledger, bank := newTestLedger(t)
	ctx := context.Background()
	fund(bank, seller, assetA, dec("100"))
	fund(bank, buyer, assetB, dec("20"))

	order, err := ledger.CreateOrder(ctx, seller, assetA, dec("100"), assetB, dec("20"))
	if err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}
	if err := ledger.FulfillOrder(ctx, buyer, order.ID); err != nil {
		t.Fatalf("FulfillOrder() error = %v", err)
	}

	// A stranger cancelling a settled order is told about ownership, not status.
	err = ledger.CancelOrder(ctx, buyer, order.ID)
	if !errs.HasCode(err, errs.CodeNotOwner) {
		t.Fatalf("expected not_order_owner, got %v", err)
	}
	// The owner cancelling a settled order is told about status.
	err = ledger.CancelOrder(ctx, seller, order.ID)
	if !errs.HasCode(err, errs.CodeNotOpen) {
		t.Fatalf("expected order_not_open, got %v", err)
	}
}

func TestCancelUnknownOrder(t *testing.T) {
	ledger, _ := newTestLedger(t)

	err := ledger.CancelOrder(context.Background(), seller, 42)
	if !errs.HasCode(err, errs.CodeNotFound) {
		t.Fatalf("expected order_not_found, got %v", err)
	}
}

func TestValueIsConservedAcrossLifecycle(t *testing.T) {
	ledger, bank := newTestLedger(t)
	ctx := context.Background()
	fund(bank, seller, assetA, dec("150"))
	fund(bank, buyer, assetB, dec("50"))

	totalA := func() decimal.Decimal {
		sum := decimal.Zero
		for _, acct := range []schema.AccountID{seller, buyer, custodian} {
			sum = sum.Add(mustBalance(t, bank, acct, assetA))
		}
		return sum
	}
	totalB := func() decimal.Decimal {
		sum := decimal.Zero
		for _, acct := range []schema.AccountID{seller, buyer, custodian} {
			sum = sum.Add(mustBalance(t, bank, acct, assetB))
		}
		return sum
	}

	first, err := ledger.CreateOrder(ctx, seller, assetA, dec("100"), assetB, dec("20"))
	if err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}
	second, err := ledger.CreateOrder(ctx, seller, assetA, dec("50"), assetB, dec("10"))
	if err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}
	if err := ledger.FulfillOrder(ctx, buyer, first.ID); err != nil {
		t.Fatalf("FulfillOrder() error = %v", err)
	}
	if err := ledger.CancelOrder(ctx, seller, second.ID); err != nil {
		t.Fatalf("CancelOrder() error = %v", err)
	}

	if got := totalA(); !got.Equal(dec("150")) {
		t.Errorf("asset A total changed: %s", got)
	}
	if got := totalB(); !got.Equal(dec("50")) {
		t.Errorf("asset B total changed: %s", got)
	}
}

func TestReentrantCancelDuringFulfillObservesClosedOrder(t *testing.T) {
	ledger, bank := newTestLedger(t)
	ctx := context.Background()
	fund(bank, seller, assetA, dec("100"))
	fund(bank, buyer, assetB, dec("20"))

	order, err := ledger.CreateOrder(ctx, seller, assetA, dec("100"), assetB, dec("20"))
	if err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}

	var reentrantErr error
	fired := false
	bank.SetTransferObserver(func(obsCtx context.Context, _, _ schema.AccountID, _ schema.AssetID, _ decimal.Decimal) {
		if fired {
			return
		}
		fired = true
		reentrantErr = ledger.CancelOrder(obsCtx, seller, order.ID)
	})

	if err := ledger.FulfillOrder(ctx, buyer, order.ID); err != nil {
		t.Fatalf("FulfillOrder() error = %v", err)
	}
	if !fired {
		t.Fatal("transfer observer never fired")
	}
	if !errs.HasCode(reentrantErr, errs.CodeNotOpen) {
		t.Fatalf("reentrant cancel should observe order_not_open, got %v", reentrantErr)
	}
	if got := mustBalance(t, bank, buyer, assetA); !got.Equal(dec("100")) {
		t.Errorf("settlement must complete despite reentrant call, buyer has %s", got)
	}
}

func TestListOrdersFiltersByStatus(t *testing.T) {
	ledger, bank := newTestLedger(t)
	ctx := context.Background()
	fund(bank, seller, assetA, dec("30"))
	fund(bank, buyer, assetB, dec("10"))

	for i := 0; i < 3; i++ {
		if _, err := ledger.CreateOrder(ctx, seller, assetA, dec("10"), assetB, dec("2")); err != nil {
			t.Fatalf("CreateOrder() error = %v", err)
		}
	}
	if err := ledger.FulfillOrder(ctx, buyer, 2); err != nil {
		t.Fatalf("FulfillOrder() error = %v", err)
	}

	all := ledger.ListOrders("")
	if len(all) != 3 {
		t.Fatalf("expected 3 orders, got %d", len(all))
	}
	for i, order := range all {
		if order.ID != uint64(i+1) {
			t.Errorf("expected ascending ids, got %d at index %d", order.ID, i)
		}
	}

	open := ledger.ListOrders(schema.StatusOpen)
	if len(open) != 2 {
		t.Errorf("expected 2 open orders, got %d", len(open))
	}
	settled := ledger.ListOrders(schema.StatusSettled)
	if len(settled) != 1 || settled[0].ID != 2 {
		t.Errorf("expected order 2 settled, got %+v", settled)
	}
}

func TestCustodialBalanceTracksOpenDeposits(t *testing.T) {
	ledger, bank := newTestLedger(t)
	ctx := context.Background()
	fund(bank, seller, assetA, dec("30"))

	if _, err := ledger.CreateOrder(ctx, seller, assetA, dec("10"), assetB, dec("2")); err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}
	if _, err := ledger.CreateOrder(ctx, seller, assetA, dec("20"), assetB, dec("4")); err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}

	if got := ledger.CustodialBalance(assetA); !got.Equal(dec("30")) {
		t.Errorf("expected custody of 30, got %s", got)
	}

	if err := ledger.CancelOrder(ctx, seller, 1); err != nil {
		t.Fatalf("CancelOrder() error = %v", err)
	}
	if got := ledger.CustodialBalance(assetA); !got.Equal(dec("20")) {
		t.Errorf("expected custody of 20 after cancel, got %s", got)
	}
}

func TestVerifySolvency(t *testing.T) {
	ledger, bank := newTestLedger(t)
	ctx := context.Background()
	fund(bank, seller, assetA, dec("100"))

	if _, err := ledger.CreateOrder(ctx, seller, assetA, dec("100"), assetB, dec("20")); err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}
	if err := ledger.VerifySolvency(ctx); err != nil {
		t.Fatalf("expected solvent custody, got %v", err)
	}

	// Drain custody behind the ledger's back.
	if err := bank.Transfer(ctx, buyer, assetA, dec("60")); err != nil {
		t.Fatalf("Transfer() error = %v", err)
	}
	if err := ledger.VerifySolvency(ctx); err == nil {
		t.Fatal("expected solvency failure after custody drain")
	}
}

func TestLifecycleEventsArePublished(t *testing.T) {
	bank := assets.NewLedger(custodian)
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{BufferSize: 8, FanoutWorkers: 2})
	defer bus.Close()
	ledger := NewLedger(custodian, bank, bus)

	ctx := context.Background()
	fund(bank, seller, assetA, dec("100"))
	fund(bank, buyer, assetB, dec("20"))

	_, createdCh, err := bus.Subscribe(ctx, schema.EventTypeOrderCreated)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	_, fulfilledCh, err := bus.Subscribe(ctx, schema.EventTypeOrderFulfilled)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	order, err := ledger.CreateOrder(ctx, seller, assetA, dec("100"), assetB, dec("20"))
	if err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}
	if err := ledger.FulfillOrder(ctx, buyer, order.ID); err != nil {
		t.Fatalf("FulfillOrder() error = %v", err)
	}

	select {
	case evt := <-createdCh:
		if evt.OrderID != order.ID {
			t.Errorf("created event order id = %d, want %d", evt.OrderID, order.ID)
		}
		if !evt.SellAmount.Equal(dec("100")) || !evt.BuyAmount.Equal(dec("20")) {
			t.Errorf("created event must carry full terms, got %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for created event")
	}

	select {
	case evt := <-fulfilledCh:
		if evt.OrderID != order.ID || evt.Buyer != buyer {
			t.Errorf("fulfilled event = %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for fulfilled event")
	}
}

func TestGetOrderReturnsDetachedSnapshot(t *testing.T) {
	ledger, bank := newTestLedger(t)
	ctx := context.Background()
	fund(bank, seller, assetA, dec("100"))

	order, err := ledger.CreateOrder(ctx, seller, assetA, dec("100"), assetB, dec("20"))
	if err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}

	snapshot, err := ledger.GetOrder(order.ID)
	if err != nil {
		t.Fatalf("GetOrder() error = %v", err)
	}
	snapshot.Status = schema.StatusCancelled
	snapshot.SellAmount = dec("0")

	listed := ledger.ListOrders("")
	if len(listed) != 1 {
		t.Fatalf("expected 1 order, got %d", len(listed))
	}
	listed[0].Status = schema.StatusSettled

	current, err := ledger.GetOrder(order.ID)
	if err != nil {
		t.Fatalf("GetOrder() error = %v", err)
	}
	if current.Status != schema.StatusOpen {
		t.Errorf("caller mutation leaked into ledger state: %s", current.Status)
	}
	if !current.SellAmount.Equal(dec("100")) {
		t.Errorf("caller mutation leaked into ledger terms: %s", current.SellAmount)
	}
}

func TestSelfFulfillmentIsPermitted(t *testing.T) {
	ledger, bank := newTestLedger(t)
	ctx := context.Background()
	fund(bank, seller, assetA, dec("100"))
	fund(bank, seller, assetB, dec("20"))

	order, err := ledger.CreateOrder(ctx, seller, assetA, dec("100"), assetB, dec("20"))
	if err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}
	if err := ledger.FulfillOrder(ctx, seller, order.ID); err != nil {
		t.Fatalf("self fulfill error = %v", err)
	}
	if got := mustBalance(t, bank, seller, assetA); !got.Equal(dec("100")) {
		t.Errorf("seller should recover the deposit, got %s", got)
	}
	if got := mustBalance(t, bank, seller, assetB); !got.Equal(dec("20")) {
		t.Errorf("seller should keep the payment, got %s", got)
	}
}
