package intent

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ksred/klear-exec/internal/database"
	"github.com/ksred/klear-exec/internal/types"
	"gorm.io/gorm"
)

func newTestService(t *testing.T, cfg Config) (*Service, *database.Store) {
	t.Helper()
	store, err := database.NewDatabase(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("NewDatabase: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewService(store, cfg), store
}

func marketIntent(id string) *types.OrderIntent {
	return &types.OrderIntent{
		IntentID:     id,
		Symbol:       "BTC",
		Side:         types.SideLong,
		Leverage:     5,
		SizeFraction: 0.1,
		EntryType:    types.EntryMarket,
		TPPct:        3,
		SLPct:        1.5,
	}
}

func TestRegisterDuplicateIsConflict(t *testing.T) {
	svc, _ := newTestService(t, DefaultConfig())
	ctx := context.Background()

	if err := svc.Register(ctx, marketIntent("abc")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	dup := marketIntent("abc")
	dup.Leverage = 10
	err := svc.Register(ctx, dup)
	if !errors.Is(err, types.ErrIdempotency) {
		t.Fatalf("second Register err = %v, want idempotency conflict", err)
	}

	got, err := svc.Get(ctx, "abc")
	if err != nil || got == nil {
		t.Fatalf("Get: %v %v", got, err)
	}
	if got.Leverage != 5 || got.Status != types.IntentPending {
		t.Errorf("original intent mutated: %+v", got)
	}
}

func TestRegisterActiveLimit(t *testing.T) {
	ctx := context.Background()

	t.Run("single active per side", func(t *testing.T) {
		svc, _ := newTestService(t, DefaultConfig())
		if err := svc.Register(ctx, marketIntent("a")); err != nil {
			t.Fatalf("Register: %v", err)
		}
		err := svc.Register(ctx, marketIntent("b"))
		if types.CodeOf(err) != "active_intent_limit" {
			t.Fatalf("err = %v, want active_intent_limit", err)
		}

		short := marketIntent("c")
		short.Side = types.SideShort
		if err := svc.Register(ctx, short); err != nil {
			t.Errorf("opposite side should be independent: %v", err)
		}
	})

	t.Run("scale in", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.ScaleIn = true
		cfg.MaxPendingPerSide = 2
		svc, _ := newTestService(t, cfg)

		for _, id := range []string{"a", "b"} {
			if err := svc.Register(ctx, marketIntent(id)); err != nil {
				t.Fatalf("Register %s: %v", id, err)
			}
		}
		if err := svc.Register(ctx, marketIntent("c")); types.CodeOf(err) != "active_intent_limit" {
			t.Errorf("third intent err = %v, want active_intent_limit", err)
		}
	})

	t.Run("terminal intents free the slot", func(t *testing.T) {
		svc, _ := newTestService(t, DefaultConfig())
		if err := svc.Register(ctx, marketIntent("a")); err != nil {
			t.Fatalf("Register: %v", err)
		}
		if _, err := svc.UpdateStatus(ctx, "a", types.IntentFailed, "", "rejected"); err != nil {
			t.Fatalf("UpdateStatus: %v", err)
		}
		if err := svc.Register(ctx, marketIntent("b")); err != nil {
			t.Errorf("Register after failure: %v", err)
		}
	})
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to types.IntentStatus
		ok       bool
	}{
		{types.IntentPending, types.IntentExecuting, true},
		{types.IntentPending, types.IntentCancelled, true},
		{types.IntentPending, types.IntentExecuted, false},
		{types.IntentExecuting, types.IntentExecuted, true},
		{types.IntentExecuting, types.IntentPending, false},
		{types.IntentCancelled, types.IntentExecuted, false},
		{types.IntentExecuted, types.IntentCancelled, false},
		{types.IntentFailed, types.IntentExecuting, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.ok {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestUpdateStatusLifecycle(t *testing.T) {
	svc, _ := newTestService(t, DefaultConfig())
	ctx := context.Background()

	if err := svc.Register(ctx, marketIntent("abc")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := svc.UpdateStatus(ctx, "abc", types.IntentExecuting, "ord-1", ""); err != nil {
		t.Fatalf("to EXECUTING: %v", err)
	}
	got, err := svc.UpdateStatus(ctx, "abc", types.IntentExecuted, "", "")
	if err != nil {
		t.Fatalf("to EXECUTED: %v", err)
	}
	if got.ExchangeOrderID != "ord-1" || got.ExecutedAt == nil {
		t.Errorf("executed intent = %+v, want order id kept and executed_at set", got)
	}

	_, err = svc.UpdateStatus(ctx, "abc", types.IntentCancelled, "", "")
	if types.CodeOf(err) != "invalid_transition" {
		t.Errorf("terminal intent moved: err = %v", err)
	}

	if _, err := svc.UpdateStatus(ctx, "missing", types.IntentExecuting, "", ""); types.CodeOf(err) != "unknown_intent" {
		t.Errorf("unknown intent err = %v", err)
	}
}

func TestListOpenAndRestingLimits(t *testing.T) {
	svc, _ := newTestService(t, DefaultConfig())
	ctx := context.Background()

	limit := marketIntent("lim")
	limit.EntryType = types.EntryLimit
	limit.EntryPrice = 49000
	limit.EntryTTLSec = 600
	if err := svc.Register(ctx, limit); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := svc.UpdateStatus(ctx, "lim", types.IntentExecuting, "ord-9", ""); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	other := marketIntent("mkt")
	other.Symbol = "ETH"
	if err := svc.Register(ctx, other); err != nil {
		t.Fatalf("Register: %v", err)
	}

	open, err := svc.ListOpen(ctx)
	if err != nil || len(open) != 2 {
		t.Fatalf("ListOpen = %d %v, want 2", len(open), err)
	}
	resting, err := svc.ListRestingLimits(ctx)
	if err != nil || len(resting) != 1 || resting[0].IntentID != "lim" {
		t.Errorf("ListRestingLimits = %+v %v", resting, err)
	}
}

func TestPurgeOlderThanWritesAudit(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	svc, store := newTestService(t, DefaultConfig())
	svc.WithClock(func() time.Time { return now })
	ctx := context.Background()

	if err := svc.Register(ctx, marketIntent("old")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := svc.UpdateStatus(ctx, "old", types.IntentCancelled, "", ""); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	fresh := marketIntent("fresh")
	fresh.Symbol = "ETH"
	if err := svc.Register(ctx, fresh); err != nil {
		t.Fatalf("Register: %v", err)
	}

	now = now.Add(48 * time.Hour)
	n, err := svc.PurgeOlderThan(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("PurgeOlderThan: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged = %d, want 1", n)
	}

	if got, _ := svc.Get(ctx, "old"); got != nil {
		t.Errorf("old intent still present")
	}
	if got, _ := svc.Get(ctx, "fresh"); got == nil {
		t.Errorf("active intent purged")
	}

	var audit []types.ClosedTrade
	err = store.View(ctx, func(db *gorm.DB) error {
		return db.Where("intent_id = ?", "old").Find(&audit).Error
	})
	if err != nil || len(audit) != 1 {
		t.Fatalf("audit rows = %d %v, want 1", len(audit), err)
	}
	if audit[0].Reason != types.CloseIntentPurged+":CANCELLED" {
		t.Errorf("audit reason = %q", audit[0].Reason)
	}
}
