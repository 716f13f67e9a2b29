package referral

import (
	"context"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/tonfarm/farming_layer/internal/app/domain/account"
	ledgerdom "github.com/tonfarm/farming_layer/internal/app/domain/ledger"
	ledgersvc "github.com/tonfarm/farming_layer/internal/app/services/ledger"
	"github.com/tonfarm/farming_layer/internal/app/storage/memory"
)

func rates(raw ...string) []decimal.Decimal {
	out := make([]decimal.Decimal, 0, len(raw))
	for _, r := range raw {
		out = append(out, decimal.RequireFromString(r))
	}
	return out
}

// buildChain registers n accounts where account i is invited by account i+1,
// returning their ids from leaf to root.
func buildChain(t *testing.T, store *memory.Store, n int) []string {
	t.Helper()
	ctx := context.Background()

	ids := make([]string, n)
	for i := n - 1; i >= 0; i-- {
		inviter := ""
		if i < n-1 {
			inviter = ids[i+1]
		}
		acct, err := store.CreateAccount(ctx, account.Account{
			Owner:     fmt.Sprintf("owner-%d", i),
			InviterID: inviter,
			Active:    true,
		})
		if err != nil {
			t.Fatalf("create account %d: %v", i, err)
		}
		ids[i] = acct.ID
	}
	return ids
}

func sourceEntry(t *testing.T, writer *ledgersvc.Writer, accountID, amount string) ledgerdom.Entry {
	t.Helper()
	entry, _, err := writer.Append(context.Background(), ledgerdom.Entry{
		AccountID: accountID,
		Type:      ledgerdom.TypeFarmingReward,
		Currency:  ledgerdom.CurrencyUNI,
		Amount:    decimal.RequireFromString(amount),
	})
	if err != nil {
		t.Fatalf("seed source entry: %v", err)
	}
	return entry
}

func TestDistributeCreditsEachLevelItsShare(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	writer := ledgersvc.NewWriter(store, nil)
	svc := New(store, writer, Config{LevelRates: rates("0.10", "0.05")}, nil)

	ids := buildChain(t, store, 3) // ids[0] earns; ids[1], ids[2] are ancestors
	source := sourceEntry(t, writer, ids[0], "0.347222222")

	credited := svc.Distribute(ctx, source)
	if len(credited) != 2 {
		t.Fatalf("expected 2 referral credits, got %d", len(credited))
	}

	wantLevel1 := decimal.RequireFromString("0.034722222")
	wantLevel2 := decimal.RequireFromString("0.017361111")
	if !credited[0].Amount.Equal(wantLevel1) {
		t.Fatalf("level 1: expected %s, got %s", wantLevel1, credited[0].Amount)
	}
	if !credited[1].Amount.Equal(wantLevel2) {
		t.Fatalf("level 2: expected %s, got %s", wantLevel2, credited[1].Amount)
	}

	bal, err := store.GetBalance(ctx, ids[1], ledgerdom.CurrencyUNI)
	if err != nil {
		t.Fatalf("read balance: %v", err)
	}
	if !bal.Amount.Equal(wantLevel1) {
		t.Fatalf("ancestor balance %s, want %s", bal.Amount, wantLevel1)
	}
	for _, entry := range credited {
		if entry.Type != ledgerdom.TypeReferralReward {
			t.Fatalf("expected referral_reward, got %s", entry.Type)
		}
	}
}

func TestDistributeStopsAtRateTableEnd(t *testing.T) {
	store := memory.New()
	writer := ledgersvc.NewWriter(store, nil)
	svc := New(store, writer, Config{LevelRates: rates("0.10")}, nil)

	ids := buildChain(t, store, 5)
	source := sourceEntry(t, writer, ids[0], "100")

	credited := svc.Distribute(context.Background(), source)
	if len(credited) != 1 {
		t.Fatalf("expected 1 credit with a single-level table, got %d", len(credited))
	}
}

func TestDistributeBoundsDepth(t *testing.T) {
	store := memory.New()
	writer := ledgersvc.NewWriter(store, nil)

	// 25 ancestors with a rate at every level, but the walk caps at 20.
	levelRates := make([]decimal.Decimal, 30)
	for i := range levelRates {
		levelRates[i] = decimal.RequireFromString("0.01")
	}
	svc := New(store, writer, Config{LevelRates: levelRates, MaxDepth: 20}, nil)

	ids := buildChain(t, store, 26)
	source := sourceEntry(t, writer, ids[0], "100")

	credited := svc.Distribute(context.Background(), source)
	if len(credited) != 20 {
		t.Fatalf("expected the walk to stop at depth 20, got %d credits", len(credited))
	}
}

func TestDistributeDetectsCycle(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	writer := ledgersvc.NewWriter(store, nil)
	svc := New(store, writer, Config{LevelRates: rates("0.10", "0.10", "0.10", "0.10")}, nil)

	ids := buildChain(t, store, 3)

	// Corrupt the chain: the root's inviter points back at the leaf.
	root, err := store.GetAccount(ctx, ids[2])
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	root.InviterID = ids[0]
	if _, err := store.UpdateAccount(ctx, root); err != nil {
		t.Fatalf("corrupt chain: %v", err)
	}

	source := sourceEntry(t, writer, ids[0], "100")
	credited := svc.Distribute(ctx, source)

	// Both real ancestors are credited; the walk terminates at the cycle.
	if len(credited) != 2 {
		t.Fatalf("expected 2 credits before cycle detection, got %d", len(credited))
	}
}

func TestDistributeIsIdempotentPerSource(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	writer := ledgersvc.NewWriter(store, nil)
	svc := New(store, writer, Config{LevelRates: rates("0.10", "0.05")}, nil)

	ids := buildChain(t, store, 3)
	source := sourceEntry(t, writer, ids[0], "100")

	first := svc.Distribute(ctx, source)
	if len(first) != 2 {
		t.Fatalf("expected 2 credits, got %d", len(first))
	}

	// Re-running fan-out for the same source commits nothing new.
	second := svc.Distribute(ctx, source)
	if len(second) != 0 {
		t.Fatalf("replayed fan-out credited %d entries", len(second))
	}

	bal, err := store.GetBalance(ctx, ids[1], ledgerdom.CurrencyUNI)
	if err != nil {
		t.Fatalf("read balance: %v", err)
	}
	if !bal.Amount.Equal(decimal.RequireFromString("10")) {
		t.Fatalf("ancestor double credited: %s", bal.Amount)
	}
}

func TestDistributeSkipsZeroShareButKeepsWalking(t *testing.T) {
	store := memory.New()
	writer := ledgersvc.NewWriter(store, nil)
	// Level 1 rounds to zero for a tiny source amount; level 2 carries a
	// rate large enough to produce a credit.
	svc := New(store, writer, Config{LevelRates: rates("0.000000001", "0.000000001")}, nil)

	ids := buildChain(t, store, 3)
	source := sourceEntry(t, writer, ids[0], "0.01")

	credited := svc.Distribute(context.Background(), source)
	if len(credited) != 0 {
		t.Fatalf("expected no credits for sub-unit shares, got %d", len(credited))
	}

	// The walk itself still visited both levels; nothing was written, and
	// nothing errored.
}

func TestDistributeIgnoresUncommittedSources(t *testing.T) {
	store := memory.New()
	writer := ledgersvc.NewWriter(store, nil)
	svc := New(store, writer, Config{LevelRates: rates("0.10")}, nil)

	buildChain(t, store, 2)

	if got := svc.Distribute(context.Background(), ledgerdom.Entry{}); got != nil {
		t.Fatalf("expected nil for zero-value source, got %d credits", len(got))
	}
	if got := svc.Distribute(context.Background(), ledgerdom.Entry{
		ID:        "x",
		AccountID: "1",
		Status:    ledgerdom.StatusPending,
		Amount:    decimal.NewFromInt(10),
	}); got != nil {
		t.Fatalf("expected nil for pending source, got %d credits", len(got))
	}
}
