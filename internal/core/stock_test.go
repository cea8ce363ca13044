package core

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"custodychain/internal/ledger"
	memledger "custodychain/internal/ledger/memory"
	"custodychain/internal/infra/persistence/memory"
	"custodychain/pkg/domain"
)

func TestEnsureStockBackfillsFromLedger(t *testing.T) {
	f := newFixture(t)
	f.harvest(t, "F1", "B001", 1000)
	stock := f.svc.Coordinator().Stock()

	first, err := stock.EnsureStock(context.Background(), "B001")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if first.FarmerID != "F1" || first.QuantityGM != 1000 || first.AvailableGM != 920 || first.UsedGM != 0 {
		t.Fatalf("unexpected stock %+v", first)
	}
	if first.PacketIDs == nil {
		t.Fatalf("packet ids must be an empty list, not nil")
	}
	second, err := stock.EnsureStock(context.Background(), "B001")
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if !first.CreatedAt.Equal(second.CreatedAt) || second.AvailableGM != 920 {
		t.Fatalf("ensure must be idempotent: %+v vs %+v", first, second)
	}
}

func TestEnsureStockErrors(t *testing.T) {
	chain := memledger.New("", memledger.WithoutRoleChecks())
	gw := ledger.NewGateway(chain)
	defer gw.Close()
	stock := NewStockLedger(memory.NewStore(nil), gw)
	ctx := context.Background()

	var nf domain.ErrNotFound
	if _, err := stock.EnsureStock(ctx, "missing"); !errors.As(err, &nf) || nf.Entity != domain.EntityBatch {
		t.Fatalf("expected batch not found, got %v", err)
	}
	var verr *domain.ValidationError
	if _, err := stock.EnsureStock(ctx, ""); !errors.As(err, &verr) {
		t.Fatalf("expected validation error for empty id, got %v", err)
	}

	if _, err := gw.RecordHarvest(ctx, ledger.Harvest{FarmerID: "F1", BatchID: "B0", QuantityGM: 0}); err != nil {
		t.Fatalf("harvest: %v", err)
	}
	if _, err := stock.EnsureStock(ctx, "B0"); !errors.As(err, &verr) || verr.Field != "quantity_gm" {
		t.Fatalf("expected zero quantity to be refused, got %v", err)
	}

	chain.FailReads(errors.New("rpc down"))
	if _, err := stock.EnsureStock(ctx, "B9"); !ledger.IsUnavailable(err) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestMaxPacketsFor(t *testing.T) {
	f := newFixture(t)
	f.harvest(t, "F1", "B001", 1000)
	stock := f.svc.Coordinator().Stock()
	if _, ok := stock.MaxPacketsFor("B001", 100); ok {
		t.Fatalf("unknown stock must report not ok")
	}
	if _, err := stock.EnsureStock(context.Background(), "B001"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	cases := []struct {
		size int64
		want int64
		ok   bool
	}{
		{100, 9, true},
		{920, 1, true},
		{921, 0, true},
		{0, 0, false},
	}
	for _, tc := range cases {
		got, ok := stock.MaxPacketsFor("B001", tc.size)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("size %d: expected %d %v, got %d %v", tc.size, tc.want, tc.ok, got, ok)
		}
	}
	if rem, ok := stock.AvailableRemaining("B001"); !ok || rem != 920 {
		t.Fatalf("expected 920 remaining, got %d %v", rem, ok)
	}
}

func TestCheckCapacity(t *testing.T) {
	stock := domain.BatchStock{BatchID: "B001", AvailableGM: 920, UsedGM: 500}
	if err := CheckCapacity(stock, 100, 4); err != nil {
		t.Fatalf("420 remaining fits 4 x 100: %v", err)
	}
	err := CheckCapacity(stock, 100, 5)
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !strings.Contains(verr.Message, "420gm remaining") || !strings.Contains(verr.Message, "max 4 packet(s)") {
		t.Fatalf("unexpected message %q", verr.Message)
	}
}

func TestReserveForPacketsRejectsOverdraw(t *testing.T) {
	store := memory.NewStore(NewDefaultRulesEngine())
	ctx := context.Background()
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.CreateBatchStock(domain.BatchStock{BatchID: "B001", FarmerID: "F1", QuantityGM: 1000, AvailableGM: 920, PacketIDs: []string{}})
		return err
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	stock := NewStockLedger(store, nil)
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := stock.ReserveForPackets(tx, "B001", 500, []string{"a", "b"})
		return err
	})
	if err == nil {
		t.Fatalf("expected overdraw to fail")
	}
	if got, _ := store.GetBatchStock("B001"); got.UsedGM != 0 {
		t.Fatalf("failed reservation must not persist, used %d", got.UsedGM)
	}
}

func TestCheckCapacityRejectsOverflowingRequests(t *testing.T) {
	stock := domain.BatchStock{BatchID: "B001", AvailableGM: 920}
	cases := []struct {
		name  string
		size  int64
		count int
	}{
		{"product wraps to zero", 1 << 62, 4},
		{"product wraps negative", math.MaxInt64, 2},
		{"single oversized packet", math.MaxInt64, 1},
		{"large count", 1, math.MaxInt32},
	}
	for _, tc := range cases {
		var verr *domain.ValidationError
		if err := CheckCapacity(stock, tc.size, tc.count); !errors.As(err, &verr) || verr.Field != "count" {
			t.Fatalf("%s: expected capacity error, got %v", tc.name, err)
		}
	}
	if err := CheckCapacity(stock, 460, 2); err != nil {
		t.Fatalf("exact fit must pass: %v", err)
	}
}

func TestCreatePacketsRejectsOverflowingSizes(t *testing.T) {
	f := newFixture(t)
	f.harvest(t, "F1", "B001", 1000)
	before := len(f.chain.Submissions())
	for _, size := range []int64{1 << 62, math.MaxInt64} {
		_, err := f.svc.CreatePackets(context.Background(), CreatePacketsRequest{BatchID: "B001", PacketSizeGM: size, Count: 4})
		var verr *domain.ValidationError
		if !errors.As(err, &verr) || !strings.Contains(verr.Message, "insufficient stock") {
			t.Fatalf("size %d: expected capacity error, got %v", size, err)
		}
	}
	if len(f.chain.Submissions()) != before {
		t.Fatalf("no packets may be minted for an overflowing request")
	}
	if n, _ := f.chain.PacketCount(context.Background(), "B001"); n != 0 {
		t.Fatalf("ledger holds %d packets", n)
	}
	if stock, _ := f.store.GetBatchStock("B001"); stock.UsedGM != 0 || len(stock.PacketIDs) != 0 {
		t.Fatalf("stock must be untouched, got %+v", stock)
	}
}
