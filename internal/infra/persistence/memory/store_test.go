package memory

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"custodychain/pkg/domain"
)

func seedBatch(t *testing.T, store *Store, id string, quantity int64) {
	t.Helper()
	_, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		_, err := tx.CreateBatchStock(BatchStock{BatchID: id, FarmerID: "F01", QuantityGM: quantity, AvailableGM: domain.AvailableAfterLoss(quantity)})
		return err
	})
	if err != nil {
		t.Fatalf("seed batch: %v", err)
	}
}

func TestCreateBatchStockRejectsDuplicate(t *testing.T) {
	store := NewStore(nil)
	seedBatch(t, store, "B001", 10000)
	_, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		_, err := tx.CreateBatchStock(BatchStock{BatchID: "B001"})
		return err
	})
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	got, ok := store.GetBatchStock("B001")
	if !ok || got.AvailableGM != 9200 || got.PacketIDs == nil {
		t.Fatalf("unexpected stock %+v", got)
	}
}

func TestFailedTransactionLeavesStateUntouched(t *testing.T) {
	store := NewStore(nil)
	seedBatch(t, store, "B001", 10000)
	boom := errors.New("boom")
	_, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		if _, err := tx.UpdateBatchStock("B001", func(b *BatchStock) error {
			b.UsedGM = 500
			return nil
		}); err != nil {
			return err
		}
		if _, err := tx.CreatePacket(Packet{PacketID: "P1", BatchID: "B001", CurrentStage: domain.StageProcessing}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	got, _ := store.GetBatchStock("B001")
	if got.UsedGM != 0 {
		t.Fatalf("used_gm leaked from failed transaction: %d", got.UsedGM)
	}
	if _, ok := store.GetPacket("P1"); ok {
		t.Fatalf("packet leaked from failed transaction")
	}
}

func TestUpdateMissingReturnsNotFound(t *testing.T) {
	store := NewStore(nil)
	_, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		_, err := tx.UpdatePacket("missing", func(*Packet) error { return nil })
		return err
	})
	var nf domain.ErrNotFound
	if !errors.As(err, &nf) || nf.Entity != domain.EntityPacket {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPacketsAtStageAreOrderedByID(t *testing.T) {
	store := NewStore(nil)
	seedBatch(t, store, "B001", 10000)
	_, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		for _, id := range []string{"P-003", "P-001", "P-002"} {
			if _, err := tx.CreatePacket(Packet{PacketID: id, BatchID: "B001", CurrentStage: domain.StageProcessing}); err != nil {
				return err
			}
		}
		_, err := tx.CreatePacket(Packet{PacketID: "P-000", BatchID: "B002", CurrentStage: domain.StageProcessing})
		return err
	})
	if err != nil {
		t.Fatalf("seed packets: %v", err)
	}
	got := store.ListPacketsAtStage("B001", domain.StageProcessing)
	if len(got) != 3 || got[0].PacketID != "P-001" || got[2].PacketID != "P-003" {
		t.Fatalf("unexpected order %+v", got)
	}
	if len(store.ListPacketsAtStage("B001", domain.StageDistributor)) != 0 {
		t.Fatalf("expected no distributor packets")
	}
}

type blockAllRule struct{}

func (blockAllRule) Name() string { return "block_all" }

func (blockAllRule) Evaluate(_ context.Context, _ domain.RuleView, changes []Change) (Result, error) {
	var res Result
	for range changes {
		res.Violations = append(res.Violations, domain.Violation{Rule: "block_all", Severity: domain.SeverityBlock, Message: "nope"})
	}
	return res, nil
}

func TestRulesEngineBlocksCommit(t *testing.T) {
	engine := domain.NewRulesEngine()
	engine.Register(blockAllRule{})
	store := NewStore(engine)
	res, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		_, err := tx.CreateBatchStock(BatchStock{BatchID: "B1"})
		return err
	})
	var rv domain.RuleViolationError
	if !errors.As(err, &rv) || !res.HasBlocking() {
		t.Fatalf("expected rule violation, got %v", err)
	}
	if _, ok := store.GetBatchStock("B1"); ok {
		t.Fatalf("blocked transaction must not commit")
	}
}

func TestExportImportRoundTripIsDeep(t *testing.T) {
	store := NewStore(nil)
	fixed := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	store.SetNowFunc(func() time.Time { return fixed })
	seedBatch(t, store, "B001", 1000)
	_, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		idx := tx.HarvestIndex()
		idx.Add("F01", "B001")
		idx.NextBlock = 4
		return tx.ReplaceHarvestIndex(idx)
	})
	if err != nil {
		t.Fatalf("replace index: %v", err)
	}

	snap := store.ExportState()
	snap.Stocks["B001"] = BatchStock{BatchID: "B001", UsedGM: 99}
	if got, _ := store.GetBatchStock("B001"); got.UsedGM != 0 {
		t.Fatalf("export leaked a reference to live state")
	}

	other := NewStore(nil)
	other.ImportState(store.ExportState())
	idx := other.GetHarvestIndex()
	if idx.NextBlock != 4 || len(idx.Farmers["F01"]) != 1 || !idx.UpdatedAt.Equal(fixed) {
		t.Fatalf("unexpected imported index %+v", idx)
	}
	if got, ok := other.GetBatchStock("B001"); !ok || !got.CreatedAt.Equal(fixed) {
		t.Fatalf("unexpected imported stock %+v", got)
	}
}

func TestReplaceHarvestIndexRejectsBackwardCursor(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	if _, err := store.RunInTransaction(ctx, func(tx Transaction) error {
		return tx.ReplaceHarvestIndex(HarvestIndex{Farmers: map[string][]string{"F": {"B"}}, NextBlock: 10})
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	_, err := store.RunInTransaction(ctx, func(tx Transaction) error {
		return tx.ReplaceHarvestIndex(HarvestIndex{Farmers: map[string][]string{"F": {"B"}}, NextBlock: 3})
	})
	if err == nil {
		t.Fatalf("expected backward cursor to be rejected")
	}
	if _, err := store.RunInTransaction(ctx, func(tx Transaction) error {
		return tx.ReplaceHarvestIndex(HarvestIndex{})
	}); err == nil {
		t.Fatalf("an empty index must not rewind the cursor either")
	}
	if got := store.GetHarvestIndex(); got.NextBlock != 10 || len(got.Farmers["F"]) != 1 {
		t.Fatalf("rejected replace must leave the index untouched, got %+v", got)
	}

	if _, err := store.RunInTransaction(ctx, func(tx Transaction) error {
		return tx.ResetHarvestIndex(HarvestIndex{Farmers: map[string][]string{"G": {"C"}}, NextBlock: 4})
	}); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if got := store.GetHarvestIndex(); got.NextBlock != 4 || len(got.Farmers) != 1 || len(got.Farmers["G"]) != 1 {
		t.Fatalf("reset must overwrite index and cursor, got %+v", got)
	}
}

func TestPacketsAtStageOrdersPastThreeDigitSequences(t *testing.T) {
	store := NewStore(nil)
	seedBatch(t, store, "B001", 10000)
	ids := []string{domain.PacketID("F01", "B001", 5, 1000), domain.PacketID("F01", "B001", 5, 999), domain.PacketID("F01", "B001", 5, 2)}
	if _, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		for _, id := range ids {
			if _, err := tx.CreatePacket(Packet{PacketID: id, BatchID: "B001", FarmerID: "F01", PacketSizeGM: 5, CurrentStage: domain.StageProcessing}); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("seed packets: %v", err)
	}
	var got []string
	if err := store.View(context.Background(), func(v domain.TransactionView) error {
		for _, p := range v.PacketsAtStage("B001", domain.StageProcessing) {
			got = append(got, p.PacketID)
		}
		return nil
	}); err != nil {
		t.Fatalf("view: %v", err)
	}
	if strings.Join(got, ",") != "F01-B001-5g-002,F01-B001-5g-999,F01-B001-5g-1000" {
		t.Fatalf("unexpected order %v", got)
	}
}
