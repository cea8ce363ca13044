package core

import (
	"context"
	"errors"
	"testing"

	"custodychain/internal/infra/persistence/memory"
	"custodychain/pkg/domain"
)

func TestDefaultRulesEngineRegistersCustodyRules(t *testing.T) {
	names := NewDefaultRulesEngine().Rules()
	if len(names) != 2 || names[0] != "packet_stage_order" || names[1] != "stock_capacity" {
		t.Fatalf("unexpected rules %v", names)
	}
}

func TestPacketStageOrderRule(t *testing.T) {
	rule := PacketStageOrderRule()
	pkt := func(stage domain.Stage) domain.Packet {
		return domain.Packet{PacketID: "P1", BatchID: "B1", CurrentStage: stage}
	}
	cases := []struct {
		name   string
		change domain.Change
		block  bool
	}{
		{"create at processing", domain.Change{Entity: domain.EntityPacket, Action: domain.ActionCreate, After: pkt(domain.StageProcessing)}, false},
		{"create past processing", domain.Change{Entity: domain.EntityPacket, Action: domain.ActionCreate, After: pkt(domain.StageSupplier)}, true},
		{"next edge", domain.Change{Entity: domain.EntityPacket, Action: domain.ActionUpdate, Before: pkt(domain.StageProcessing), After: pkt(domain.StageDistributor)}, false},
		{"skip edge", domain.Change{Entity: domain.EntityPacket, Action: domain.ActionUpdate, Before: pkt(domain.StageProcessing), After: pkt(domain.StageShopkeeper)}, true},
		{"reverse edge", domain.Change{Entity: domain.EntityPacket, Action: domain.ActionUpdate, Before: pkt(domain.StageSupplier), After: pkt(domain.StageDistributor)}, true},
		{"unchanged stage", domain.Change{Entity: domain.EntityPacket, Action: domain.ActionUpdate, Before: pkt(domain.StageSupplier), After: pkt(domain.StageSupplier)}, false},
		{"other entity", domain.Change{Entity: domain.EntityBatchStock, Action: domain.ActionCreate, After: domain.BatchStock{}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := rule.Evaluate(context.Background(), nil, []domain.Change{tc.change})
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			if res.HasBlocking() != tc.block {
				t.Fatalf("expected block=%v, got %+v", tc.block, res.Violations)
			}
		})
	}
}

func TestStockCapacityRule(t *testing.T) {
	rule := StockCapacityRule()
	stock := func(used int64) domain.BatchStock {
		return domain.BatchStock{BatchID: "B1", AvailableGM: 920, UsedGM: used}
	}
	cases := []struct {
		name   string
		change domain.Change
		block  bool
	}{
		{"within capacity", domain.Change{Entity: domain.EntityBatchStock, Action: domain.ActionUpdate, Before: stock(0), After: stock(920)}, false},
		{"over capacity", domain.Change{Entity: domain.EntityBatchStock, Action: domain.ActionUpdate, Before: stock(0), After: stock(921)}, true},
		{"negative", domain.Change{Entity: domain.EntityBatchStock, Action: domain.ActionCreate, After: stock(-1)}, true},
		{"decrease", domain.Change{Entity: domain.EntityBatchStock, Action: domain.ActionUpdate, Before: stock(500), After: stock(400)}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := rule.Evaluate(context.Background(), nil, []domain.Change{tc.change})
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			if res.HasBlocking() != tc.block {
				t.Fatalf("expected block=%v, got %+v", tc.block, res.Violations)
			}
		})
	}
}

func TestStoreRefusesStageSkipThroughRules(t *testing.T) {
	store := memory.NewStore(NewDefaultRulesEngine())
	ctx := context.Background()
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.CreatePacket(domain.Packet{PacketID: "P1", BatchID: "B1", FarmerID: "F1", PacketSizeGM: 100, CurrentStage: domain.StageProcessing})
		return err
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.UpdatePacket("P1", func(p *domain.Packet) error {
			p.CurrentStage = domain.StageShopkeeper
			return nil
		})
		return err
	})
	var rve domain.RuleViolationError
	if !errors.As(err, &rve) {
		t.Fatalf("expected rule violation, got %v", err)
	}
	if p, _ := store.GetPacket("P1"); p.CurrentStage != domain.StageProcessing {
		t.Fatalf("blocked update must roll back, stage %s", p.CurrentStage)
	}
}
