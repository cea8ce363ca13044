package core

import (
	"context"

	"custodychain/pkg/domain"
)

// StockLedger is the off-chain mass accounting of harvested batches.
type StockLedger struct {
	store  domain.PersistentStore
	ledger Ledger
}

// NewStockLedger binds stock accounting to a store and the ledger it
// backfills from.
func NewStockLedger(store domain.PersistentStore, l Ledger) *StockLedger {
	return &StockLedger{store: store, ledger: l}
}

// EnsureStock returns the batch's stock record, creating it from the ledger
// harvest record on first use.
func (s *StockLedger) EnsureStock(ctx context.Context, batchID string) (domain.BatchStock, error) {
	if batchID == "" {
		return domain.BatchStock{}, domain.Invalid("batch_id", "batch id required")
	}
	if b, ok := s.store.GetBatchStock(batchID); ok {
		return b, nil
	}
	h, ok, err := s.ledger.HarvestFor(ctx, batchID)
	if err != nil {
		return domain.BatchStock{}, err
	}
	if !ok {
		return domain.BatchStock{}, domain.ErrNotFound{Entity: domain.EntityBatch, ID: batchID}
	}
	if h.QuantityGM <= 0 {
		return domain.BatchStock{}, domain.Invalid("quantity_gm", "batch %s has no harvested quantity", batchID)
	}

	var out domain.BatchStock
	_, err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if existing, ok := tx.FindBatchStock(batchID); ok {
			out = existing
			return nil
		}
		created, err := tx.CreateBatchStock(domain.BatchStock{
			BatchID:     batchID,
			FarmerID:    h.FarmerID,
			QuantityGM:  h.QuantityGM,
			AvailableGM: domain.AvailableAfterLoss(h.QuantityGM),
			PacketIDs:   []string{},
		})
		out = created
		return err
	})
	if err != nil {
		return domain.BatchStock{}, err
	}
	return out, nil
}

// AvailableRemaining is available_gm - used_gm for a known batch.
func (s *StockLedger) AvailableRemaining(batchID string) (int64, bool) {
	b, ok := s.store.GetBatchStock(batchID)
	if !ok {
		return 0, false
	}
	return b.RemainingGM(), true
}

// MaxPacketsFor returns how many packets of sizeGM still fit. ok is false for
// unknown batches and non-positive sizes.
func (s *StockLedger) MaxPacketsFor(batchID string, sizeGM int64) (int64, bool) {
	if sizeGM <= 0 {
		return 0, false
	}
	remaining, ok := s.AvailableRemaining(batchID)
	if !ok {
		return 0, false
	}
	return remaining / sizeGM, true
}

// CheckCapacity reports whether count packets of sizeGM fit in stock without
// reserving anything.
func CheckCapacity(stock domain.BatchStock, sizeGM int64, count int) error {
	if sizeGM <= 0 {
		return domain.Invalid("packet_size_gm", "packet size must be positive")
	}
	if count <= 0 {
		return domain.Invalid("count", "count must be positive")
	}
	if int64(count) > stock.RemainingGM()/sizeGM {
		return capacityError(stock, sizeGM, count)
	}
	return nil
}

// ReserveForPackets commits the mass of ids inside tx.
func (s *StockLedger) ReserveForPackets(tx domain.Transaction, batchID string, sizeGM int64, ids []string) (domain.BatchStock, error) {
	return tx.UpdateBatchStock(batchID, func(b *domain.BatchStock) error {
		if err := CheckCapacity(*b, sizeGM, len(ids)); err != nil {
			return err
		}
		// CheckCapacity bounds the product by the remaining mass.
		b.UsedGM += sizeGM * int64(len(ids))
		b.PacketIDs = append(b.PacketIDs, ids...)
		b.PacketSizeGM = sizeGM
		return nil
	})
}
