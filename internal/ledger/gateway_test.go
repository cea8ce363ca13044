package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"custodychain/internal/ledger"
	"custodychain/internal/ledger/memory"
	"custodychain/pkg/domain"
)

func newGateway(t *testing.T, opts ...ledger.GatewayOption) (*ledger.Gateway, *memory.Ledger) {
	t.Helper()
	chain := memory.New("", memory.WithSignerRoles(domain.Roles()...))
	gw := ledger.NewGateway(chain, opts...)
	t.Cleanup(gw.Close)
	return gw, chain
}

func harvest(batch string) ledger.Harvest {
	return ledger.Harvest{FarmerID: "F001", ProductName: "turmeric", BatchID: batch, QuantityGM: 10000}
}

func TestGatewayConcurrentSubmissionsUseDistinctNonces(t *testing.T) {
	gw, chain := newGateway(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := gw.RecordHarvest(ctx, harvest(string(rune('A'+i)))); err != nil {
				t.Errorf("harvest %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	subs := chain.Submissions()
	if len(subs) != 20 {
		t.Fatalf("expected 20 mined submissions, got %d", len(subs))
	}
	for i, s := range subs {
		if s.Nonce != uint64(i) || s.Reverted {
			t.Fatalf("submission %d: %+v", i, s)
		}
	}
}

func TestGatewayRejectionKeepsReasonAndResets(t *testing.T) {
	gw, chain := newGateway(t)
	ctx := context.Background()

	if _, err := gw.RecordHarvest(ctx, harvest("B001")); err != nil {
		t.Fatalf("harvest: %v", err)
	}
	_, err := gw.RecordHarvest(ctx, harvest("B001"))
	var rej *ledger.RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("expected rejection, got %T %v", err, err)
	}
	if rej.Reason != "Batch already exists" || err.Error() != "Batch already exists" {
		t.Fatalf("reason must be verbatim, got %q", rej.Reason)
	}
	if _, set, _ := gw.Sequencer().Peek(ctx); set {
		t.Fatalf("sequencer must reset after a failed submission")
	}
	r, err := gw.RecordHarvest(ctx, harvest("B002"))
	if err != nil {
		t.Fatalf("harvest after rejection: %v", err)
	}
	if r.Nonce != 2 || chain.Block() != 3 {
		t.Fatalf("reverted nonce must be consumed: receipt %+v block %d", r, chain.Block())
	}
}

func TestGatewayDroppedSubmissionDoesNotBurnNonce(t *testing.T) {
	gw, chain := newGateway(t)
	ctx := context.Background()

	chain.InjectFault(memory.Fault{Kind: memory.FaultDrop})
	_, err := gw.RecordHarvest(ctx, harvest("B001"))
	if !ledger.IsUnavailable(err) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	r, err := gw.RecordHarvest(ctx, harvest("B001"))
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if r.Nonce != 0 {
		t.Fatalf("expected nonce 0 to be reused, got %d", r.Nonce)
	}
}

func TestGatewayTimeoutIsUnavailable(t *testing.T) {
	gw, chain := newGateway(t, ledger.WithTimeout(20*time.Millisecond))
	chain.InjectFault(memory.Fault{Kind: memory.FaultHang})

	_, err := gw.RecordHarvest(context.Background(), harvest("B001"))
	var un *ledger.UnavailableError
	if !errors.As(err, &un) {
		t.Fatalf("expected unavailable, got %T %v", err, err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline cause, got %v", err)
	}
	if un.Method != ledger.MethodAddHarvest {
		t.Fatalf("unexpected method %q", un.Method)
	}
}

func TestGatewayOutOfBandTransactionRecoversAfterReset(t *testing.T) {
	gw, chain := newGateway(t)
	ctx := context.Background()

	if _, err := gw.RecordHarvest(ctx, harvest("B001")); err != nil {
		t.Fatalf("harvest: %v", err)
	}
	chain.AdvanceNonce(2)
	if _, err := gw.RecordHarvest(ctx, harvest("B002")); err == nil {
		t.Fatalf("expected stale nonce failure")
	}
	r, err := gw.RecordHarvest(ctx, harvest("B002"))
	if err != nil {
		t.Fatalf("harvest after reset: %v", err)
	}
	if r.Nonce != 3 {
		t.Fatalf("expected nonce 3, got %d", r.Nonce)
	}
}

func TestGatewayMissingRoleRejects(t *testing.T) {
	chain := memory.New("0xabc")
	gw := ledger.NewGateway(chain)
	defer gw.Close()

	_, err := gw.RecordHarvest(context.Background(), harvest("B001"))
	if !ledger.IsRejection(err) {
		t.Fatalf("expected rejection, got %v", err)
	}
	want := "AccessControl: account 0xabc is missing role FARMER_ROLE"
	if err.Error() != want {
		t.Fatalf("expected %q, got %q", want, err.Error())
	}
}

func TestGatewayResolveProcessingPrefersBatchRecord(t *testing.T) {
	gw, _ := newGateway(t)
	ctx := context.Background()
	p1, p2 := "F001-B001-100g-001", "F001-B001-100g-002"

	if _, err := gw.RecordHarvest(ctx, harvest("B001")); err != nil {
		t.Fatalf("harvest: %v", err)
	}
	if _, err := gw.CreatePacketsBulk(ctx, "B001", "F001", 2, 100); err != nil {
		t.Fatalf("packets: %v", err)
	}
	if _, err := gw.RecordProcessing(ctx, p1, ledger.Processing{GrindingFacilityName: "legacy mill"}); err != nil {
		t.Fatalf("legacy processing: %v", err)
	}

	got, ok, err := gw.ResolveProcessing(ctx, p1)
	if err != nil || !ok {
		t.Fatalf("resolve: ok=%v err=%v", ok, err)
	}
	if got.Source != ledger.ProcessingFromLegacy || got.GrindingFacilityName != "legacy mill" {
		t.Fatalf("expected legacy fallback, got %+v", got)
	}

	if _, err := gw.SetBatchProcessing(ctx, "B001", ledger.Processing{GrindingFacilityName: "batch mill"}); err != nil {
		t.Fatalf("batch processing: %v", err)
	}
	got, ok, err = gw.ResolveProcessing(ctx, p1)
	if err != nil || !ok {
		t.Fatalf("resolve: ok=%v err=%v", ok, err)
	}
	if got.Source != ledger.ProcessingFromBatch || got.GrindingFacilityName != "batch mill" || got.BatchID != "B001" {
		t.Fatalf("expected batch record to win, got %+v", got)
	}

	if _, ok, _ := gw.ResolveProcessing(ctx, p2); !ok {
		t.Fatalf("batch record must apply to every packet of the batch")
	}
	if _, ok, _ := gw.ResolveProcessing(ctx, "missing"); ok {
		t.Fatalf("unknown packet must resolve to nothing")
	}
}

func TestGatewayCreatePacketsBulkValidatesBeforeSubmitting(t *testing.T) {
	gw, chain := newGateway(t)
	ctx := context.Background()
	var verr *domain.ValidationError
	if _, err := gw.CreatePacketsBulk(ctx, "B001", "F001", 0, 100); !errors.As(err, &verr) || verr.Field != "count" {
		t.Fatalf("expected count error, got %v", err)
	}
	if _, err := gw.CreatePacketsBulk(ctx, "B001", "F001", 1, 0); !errors.As(err, &verr) || verr.Field != "packet_size_gm" {
		t.Fatalf("expected size error, got %v", err)
	}
	if n := len(chain.Submissions()); n != 0 {
		t.Fatalf("invalid bulk create must not reach the ledger, %d submissions", n)
	}
}

func TestGatewayRecordStageRules(t *testing.T) {
	gw, _ := newGateway(t)
	ctx := context.Background()

	if _, err := gw.RecordStage(ctx, domain.StageProcessing, "P1", ledger.StageFields{}); err == nil {
		t.Fatalf("processing has no stage record")
	}
	if _, err := gw.RecordHarvest(ctx, harvest("B001")); err != nil {
		t.Fatalf("harvest: %v", err)
	}
	if _, err := gw.CreatePacket(ctx, "P1", "B001"); err != nil {
		t.Fatalf("packet: %v", err)
	}
	fields := ledger.StageFields{ActorID: "D1", ReceivedBoxCode: "BOX1"}
	if _, err := gw.RecordStage(ctx, domain.StageDistributor, "P1", fields); err != nil {
		t.Fatalf("distributor: %v", err)
	}
	if _, err := gw.RecordStage(ctx, domain.StageDistributor, "P1", fields); !ledger.IsRejection(err) {
		t.Fatalf("expected duplicate stage rejection, got %v", err)
	}
	rec, ok, err := gw.StageRecordFor(ctx, "P1", domain.StageDistributor)
	if err != nil || !ok || rec.ActorID != "D1" {
		t.Fatalf("stage record: %+v ok=%v err=%v", rec, ok, err)
	}
	pkt, _, _ := gw.PacketFor(ctx, "P1")
	if pkt.Stage != domain.StageDistributor {
		t.Fatalf("expected ledger stage distributor, got %s", pkt.Stage)
	}
}

func TestGatewayReadFailureIsUnavailable(t *testing.T) {
	gw, chain := newGateway(t)
	chain.FailReads(errors.New("502 bad gateway"))
	if _, err := gw.PacketExists(context.Background(), "P1"); !ledger.IsUnavailable(err) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}
