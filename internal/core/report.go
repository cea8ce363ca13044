package core

import (
	"context"
	"time"

	"custodychain/internal/ledger"
	"custodychain/pkg/domain"
)

// BatchReport is a point-in-time custody summary of one batch.
type BatchReport struct {
	BatchID     string            `json:"batch_id"`
	FarmerID    string            `json:"farmer_id"`
	QuantityGM  int64             `json:"quantity_gm"`
	AvailableGM int64             `json:"available_gm"`
	UsedGM      int64             `json:"used_gm"`
	GeneratedAt time.Time         `json:"generated_at"`
	Packets     []PacketReportRow `json:"packets"`
}

// PacketReportRow is one packet line of a BatchReport.
type PacketReportRow struct {
	PacketID     string               `json:"packet_id"`
	PacketSizeGM int64                `json:"packet_size_gm"`
	LocalStage   domain.Stage         `json:"local_stage"`
	LedgerStage  domain.Stage         `json:"ledger_stage"`
	Stages       []ledger.StageRecord `json:"stages"`
}

// LastRecord returns the most recent stage record, if any.
func (r PacketReportRow) LastRecord() (ledger.StageRecord, bool) {
	if len(r.Stages) == 0 {
		return ledger.StageRecord{}, false
	}
	return r.Stages[len(r.Stages)-1], true
}

// BatchReport collects the stock and every packet's ledger trail.
func (s *Service) BatchReport(ctx context.Context, batchID string) (BatchReport, error) {
	var rep BatchReport
	err := s.run(ctx, OpBatchReport, batchID, func(ctx context.Context) error {
		if err := required(map[string]string{"batch_id": batchID}); err != nil {
			return err
		}
		stock, err := s.coordinator.Stock().EnsureStock(ctx, batchID)
		if err != nil {
			return err
		}
		rep = BatchReport{
			BatchID:     stock.BatchID,
			FarmerID:    stock.FarmerID,
			QuantityGM:  stock.QuantityGM,
			AvailableGM: stock.AvailableGM,
			UsedGM:      stock.UsedGM,
			GeneratedAt: s.clock.Now(),
			Packets:     make([]PacketReportRow, 0, len(stock.PacketIDs)),
		}
		ids := append([]string(nil), stock.PacketIDs...)
		domain.SortPacketIDs(ids)
		for _, id := range ids {
			row, err := s.reportRow(ctx, id, stock.PacketSizeGM)
			if err != nil {
				return err
			}
			rep.Packets = append(rep.Packets, row)
		}
		return nil
	})
	return rep, err
}

func (s *Service) reportRow(ctx context.Context, packetID string, sizeGM int64) (PacketReportRow, error) {
	row := PacketReportRow{PacketID: packetID, PacketSizeGM: sizeGM, Stages: []ledger.StageRecord{}}
	if p, ok := s.coordinator.Registry().Get(packetID); ok {
		row.LocalStage = p.CurrentStage
		row.PacketSizeGM = p.PacketSizeGM
	}
	rec, ok, err := s.ledger.PacketFor(ctx, packetID)
	if err != nil {
		return row, err
	}
	if ok {
		row.LedgerStage = rec.Stage
	}
	for _, stage := range domain.Stages() {
		if _, ok := stage.Previous(); !ok {
			continue
		}
		sr, ok, err := s.ledger.StageRecordFor(ctx, packetID, stage)
		if err != nil {
			return row, err
		}
		if !ok {
			break
		}
		row.Stages = append(row.Stages, sr)
	}
	return row, nil
}
