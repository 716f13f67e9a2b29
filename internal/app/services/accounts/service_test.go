package accounts

import (
	"context"
	"errors"
	"testing"

	"github.com/tonfarm/farming_layer/internal/app/domain/account"
	"github.com/tonfarm/farming_layer/internal/app/storage"
	"github.com/tonfarm/farming_layer/internal/app/storage/memory"
)

func newTestAccounts(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	return New(store, nil), store
}

func TestRegisterAndLookup(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestAccounts(t)

	acct, err := svc.Register(ctx, "tg:1001", "", map[string]string{"locale": "en"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if acct.ID == "" || !acct.Active {
		t.Fatalf("unexpected account %+v", acct)
	}

	byOwner, err := svc.GetByOwner(ctx, "tg:1001")
	if err != nil {
		t.Fatalf("get by owner: %v", err)
	}
	if byOwner.ID != acct.ID {
		t.Fatalf("owner lookup returned %s, want %s", byOwner.ID, acct.ID)
	}

	if _, err := svc.Register(ctx, "", "", nil); err == nil {
		t.Fatal("expected error for empty owner")
	}
	if _, err := svc.Register(ctx, "tg:1001", "", nil); err == nil {
		t.Fatal("expected error for duplicate owner")
	}
}

func TestRegisterValidatesInviter(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestAccounts(t)

	if _, err := svc.Register(ctx, "tg:1001", "ghost", nil); !errors.Is(err, ErrInviterNotFound) {
		t.Fatalf("expected ErrInviterNotFound, got %v", err)
	}

	inviter, err := svc.Register(ctx, "tg:1001", "", nil)
	if err != nil {
		t.Fatalf("register inviter: %v", err)
	}
	invited, err := svc.Register(ctx, "tg:1002", inviter.ID, nil)
	if err != nil {
		t.Fatalf("register invited: %v", err)
	}
	if invited.InviterID != inviter.ID {
		t.Fatalf("inviter bond not recorded: %q", invited.InviterID)
	}
}

func TestSetActiveDeactivatesWithoutDeleting(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestAccounts(t)

	acct, err := svc.Register(ctx, "tg:1001", "", nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	updated, err := svc.SetActive(ctx, acct.ID, false)
	if err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if updated.Active {
		t.Fatal("expected inactive account")
	}

	// Still readable: history and referral links survive deactivation.
	if _, err := svc.Get(ctx, acct.ID); err != nil {
		t.Fatalf("deactivated account unreadable: %v", err)
	}

	if _, err := svc.SetActive(ctx, "missing", false); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInviterChainWalksToRoot(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestAccounts(t)

	root, err := svc.Register(ctx, "tg:1", "", nil)
	if err != nil {
		t.Fatalf("register root: %v", err)
	}
	mid, err := svc.Register(ctx, "tg:2", root.ID, nil)
	if err != nil {
		t.Fatalf("register mid: %v", err)
	}
	leaf, err := svc.Register(ctx, "tg:3", mid.ID, nil)
	if err != nil {
		t.Fatalf("register leaf: %v", err)
	}

	chain, err := svc.InviterChain(ctx, leaf.ID)
	if err != nil {
		t.Fatalf("inviter chain: %v", err)
	}
	if len(chain) != 2 {
		t.Fatalf("expected chain of 2, got %d", len(chain))
	}
	if chain[0].ID != mid.ID || chain[1].ID != root.ID {
		t.Fatalf("chain out of order: %s, %s", chain[0].ID, chain[1].ID)
	}
}

func TestInviterChainDetectsCycle(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestAccounts(t)

	a, err := svc.Register(ctx, "tg:1", "", nil)
	if err != nil {
		t.Fatalf("register a: %v", err)
	}
	b, err := svc.Register(ctx, "tg:2", a.ID, nil)
	if err != nil {
		t.Fatalf("register b: %v", err)
	}

	// Corrupt the tree: a's inviter points back at b.
	corrupted, err := store.GetAccount(ctx, a.ID)
	if err != nil {
		t.Fatalf("get a: %v", err)
	}
	corrupted.InviterID = b.ID
	if _, err := store.UpdateAccount(ctx, corrupted); err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	if _, err := svc.InviterChain(ctx, b.ID); err == nil {
		t.Fatal("expected cycle detection error")
	}
}

func TestInviterChainBoundsDepth(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestAccounts(t)

	prev := ""
	var last account.Account
	for i := 0; i < MaxChainDepth+5; i++ {
		acct, err := svc.Register(ctx, "tg:"+string(rune('a'+i)), prev, nil)
		if err != nil {
			t.Fatalf("register %d: %v", i, err)
		}
		prev = acct.ID
		last = acct
	}

	chain, err := svc.InviterChain(ctx, last.ID)
	if err != nil {
		t.Fatalf("inviter chain: %v", err)
	}
	if len(chain) > MaxChainDepth {
		t.Fatalf("chain exceeded bound: %d", len(chain))
	}
}
