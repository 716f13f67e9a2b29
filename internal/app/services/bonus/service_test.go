package bonus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	ledgerdom "github.com/tonfarm/farming_layer/internal/app/domain/ledger"
	ledgersvc "github.com/tonfarm/farming_layer/internal/app/services/ledger"
	"github.com/tonfarm/farming_layer/internal/app/storage/memory"
)

func newTestBonus(t *testing.T, amount string, at time.Time) (*Service, *memory.Store, *clockwork.FakeClock) {
	t.Helper()
	store := memory.New()
	writer := ledgersvc.NewWriter(store, nil)
	svc := New(writer, decimal.RequireFromString(amount), nil)
	clock := clockwork.NewFakeClockAt(at)
	svc.WithClock(clock)
	return svc, store, clock
}

func TestClaimCreditsDailyBonus(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestBonus(t, "1", time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	entry, bal, err := svc.Claim(ctx, "acct-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if entry.Type != ledgerdom.TypeDailyBonus {
		t.Fatalf("expected daily_bonus entry, got %s", entry.Type)
	}
	if entry.Currency != ledgerdom.CurrencyUNI {
		t.Fatalf("daily bonus pays UNI, got %s", entry.Currency)
	}
	if !bal.Amount.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected balance 1, got %s", bal.Amount)
	}

	stored, err := store.GetBalance(ctx, "acct-1", ledgerdom.CurrencyUNI)
	if err != nil {
		t.Fatalf("read balance: %v", err)
	}
	if !stored.Amount.Equal(bal.Amount) {
		t.Fatalf("stored balance %s diverges", stored.Amount)
	}
}

func TestClaimTwiceSameDayFails(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestBonus(t, "1", time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	if _, _, err := svc.Claim(ctx, "acct-1"); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if _, _, err := svc.Claim(ctx, "acct-1"); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed, got %v", err)
	}

	bal, err := store.GetBalance(ctx, "acct-1", ledgerdom.CurrencyUNI)
	if err != nil {
		t.Fatalf("read balance: %v", err)
	}
	if !bal.Amount.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("double claim credited twice: %s", bal.Amount)
	}
}

func TestClaimAgainNextDay(t *testing.T) {
	ctx := context.Background()
	svc, store, clock := newTestBonus(t, "1", time.Date(2025, 6, 1, 23, 30, 0, 0, time.UTC))

	if _, _, err := svc.Claim(ctx, "acct-1"); err != nil {
		t.Fatalf("first claim: %v", err)
	}

	clock.Advance(time.Hour) // crosses the UTC day boundary
	if _, _, err := svc.Claim(ctx, "acct-1"); err != nil {
		t.Fatalf("next-day claim: %v", err)
	}

	bal, err := store.GetBalance(ctx, "acct-1", ledgerdom.CurrencyUNI)
	if err != nil {
		t.Fatalf("read balance: %v", err)
	}
	if !bal.Amount.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("expected 2 after two days, got %s", bal.Amount)
	}
}

func TestClaimPerAccountIndependence(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestBonus(t, "1", time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	if _, _, err := svc.Claim(ctx, "acct-1"); err != nil {
		t.Fatalf("acct-1 claim: %v", err)
	}
	if _, _, err := svc.Claim(ctx, "acct-2"); err != nil {
		t.Fatalf("acct-2 claim blocked by acct-1: %v", err)
	}
}

func TestClaimUnconfiguredAmountFails(t *testing.T) {
	store := memory.New()
	writer := ledgersvc.NewWriter(store, nil)
	svc := New(writer, decimal.Zero, nil)

	if _, _, err := svc.Claim(context.Background(), "acct-1"); err == nil {
		t.Fatal("expected error for unconfigured bonus")
	}
}

func TestNextClaimAt(t *testing.T) {
	svc, _, _ := newTestBonus(t, "1", time.Date(2025, 6, 1, 18, 45, 0, 0, time.UTC))

	want := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	if got := svc.NextClaimAt(); !got.Equal(want) {
		t.Fatalf("expected next claim at %s, got %s", want, got)
	}
}
