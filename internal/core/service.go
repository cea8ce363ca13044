// Package core coordinates custody operations between API callers, the
// ledger and the local store.
package core

import (
	"context"
	"strings"
	"time"

	"custodychain/internal/ledger"
	"custodychain/pkg/domain"
)

// Service is the application facade. Every public operation is logged,
// measured, traced and, for writes, audited.
type Service struct {
	ledger      Ledger
	store       domain.PersistentStore
	coordinator *Coordinator
	index       *FarmerBatchIndex
	logger      Logger
	metrics     MetricsRecorder
	tracer      Tracer
	audit       AuditRecorder
	clock       Clock
}

// Option customises a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetricsRecorder sets the metrics recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(t Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithAuditRecorder sets the audit sink.
func WithAuditRecorder(a AuditRecorder) Option {
	return func(s *Service) {
		if a != nil {
			s.audit = a
		}
	}
}

// WithClock overrides the time source used for durations and audit stamps.
func WithClock(c Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// NewService wires the custody components over a ledger and a store.
func NewService(l Ledger, store domain.PersistentStore, opts ...Option) *Service {
	s := &Service{
		ledger:  l,
		store:   store,
		logger:  noopLogger{},
		metrics: noopMetrics{},
		tracer:  noopTracer{},
		audit:   noopAudit{},
		clock:   ClockFunc(func() time.Time { return time.Now().UTC() }),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.coordinator = NewCoordinator(l, store, s.logger, s.metrics)
	s.index = NewFarmerBatchIndex(l, store, s.logger)
	return s
}

// Store returns the local store.
func (s *Service) Store() domain.PersistentStore { return s.store }

// Coordinator returns the transition coordinator.
func (s *Service) Coordinator() *Coordinator { return s.coordinator }

// Index returns the farmer batch index.
func (s *Service) Index() *FarmerBatchIndex { return s.index }

func (s *Service) run(ctx context.Context, op, entityID string, fn func(context.Context) error) error {
	ctx, span := s.tracer.Start(ctx, op)
	start := s.clock.Now()
	err := fn(ctx)
	duration := s.clock.Now().Sub(start)
	span.End(err)
	s.metrics.Observe(ctx, op, err == nil, duration)
	if err != nil {
		s.logger.Warn("custody operation failed", "operation", op, "entity_id", entityID, "duration", duration, "error", err)
	} else {
		s.logger.Debug("custody operation completed", "operation", op, "entity_id", entityID, "duration", duration)
	}
	s.recordAudit(ctx, op, entityID, duration, err)
	return err
}

func (s *Service) recordAudit(ctx context.Context, op, entityID string, duration time.Duration, err error) {
	meta, ok := operationMeta[op]
	if !ok {
		return
	}
	entry := AuditEntry{
		Operation: op,
		Entity:    meta.entity,
		Action:    meta.action,
		EntityID:  entityID,
		Status:    AuditStatusSuccess,
		Duration:  duration,
		Timestamp: s.clock.Now(),
	}
	if err != nil {
		entry.Status = AuditStatusError
		entry.Error = err.Error()
	}
	s.audit.Record(ctx, entry)
}

// RecordHarvest validates and submits a batch origin record.
func (s *Service) RecordHarvest(ctx context.Context, h ledger.Harvest) (ledger.Receipt, error) {
	var receipt ledger.Receipt
	err := s.run(ctx, OpRecordHarvest, h.BatchID, func(ctx context.Context) error {
		h.FarmerID = strings.TrimSpace(h.FarmerID)
		h.BatchID = strings.TrimSpace(h.BatchID)
		if err := required(map[string]string{
			"farmer_id":    h.FarmerID,
			"batch_id":     h.BatchID,
			"product_name": h.ProductName,
		}); err != nil {
			return err
		}
		if h.QuantityGM <= 0 {
			return domain.Invalid("quantity_gm", "quantity must be a positive number of grams")
		}
		var err error
		receipt, err = s.ledger.RecordHarvest(ctx, h)
		return err
	})
	return receipt, err
}

// CreatePackets cuts packets from a batch.
func (s *Service) CreatePackets(ctx context.Context, req CreatePacketsRequest) (CreatePacketsResult, error) {
	var res CreatePacketsResult
	err := s.run(ctx, OpCreatePackets, req.BatchID, func(ctx context.Context) (err error) {
		res, err = s.coordinator.CreatePackets(ctx, req)
		return err
	})
	return res, err
}

// BatchInfo is the stock view of a batch.
type BatchInfo struct {
	BatchID      string   `json:"batch_id"`
	FarmerID     string   `json:"farmer_id"`
	QuantityGM   int64    `json:"quantity_gm"`
	AvailableGM  int64    `json:"available_gm"`
	UsedGM       int64    `json:"used_gm"`
	RemainingGM  int64    `json:"remaining_gm"`
	PacketSizeGM int64    `json:"packet_size_gm,omitempty"`
	MaxPackets   *int64   `json:"max_packets,omitempty"`
	PacketIDs    []string `json:"packet_ids"`
}

// BatchInfo returns the batch stock, backfilling it on first use. When
// sizeGM is positive MaxPackets is set.
func (s *Service) BatchInfo(ctx context.Context, batchID string, sizeGM int64) (BatchInfo, error) {
	var info BatchInfo
	err := s.run(ctx, OpBatchInfo, batchID, func(ctx context.Context) error {
		stock, err := s.coordinator.Stock().EnsureStock(ctx, batchID)
		if err != nil {
			return err
		}
		info = BatchInfo{
			BatchID:      stock.BatchID,
			FarmerID:     stock.FarmerID,
			QuantityGM:   stock.QuantityGM,
			AvailableGM:  stock.AvailableGM,
			UsedGM:       stock.UsedGM,
			RemainingGM:  stock.RemainingGM(),
			PacketSizeGM: stock.PacketSizeGM,
			PacketIDs:    stock.PacketIDs,
		}
		if n, ok := s.coordinator.Stock().MaxPacketsFor(batchID, sizeGM); ok {
			info.MaxPackets = &n
		}
		return nil
	})
	return info, err
}

// PacketsAtStage lists a batch's packet ids at stage, lowest first.
func (s *Service) PacketsAtStage(ctx context.Context, batchID string, stage domain.Stage) ([]string, error) {
	var ids []string
	err := s.run(ctx, OpPacketsAtStage, batchID, func(context.Context) error {
		if !stage.Valid() {
			return domain.Invalid("stage", "unknown stage %q", stage)
		}
		ids = s.coordinator.Registry().IDsAtStage(batchID, stage)
		return nil
	})
	return ids, err
}

// ValidateForStage returns the pre-submission verdict for a packet.
func (s *Service) ValidateForStage(ctx context.Context, packetID string, stage domain.Stage) (Verdict, error) {
	var v Verdict
	err := s.run(ctx, OpValidateStage, packetID, func(ctx context.Context) (err error) {
		v, err = s.coordinator.ValidateForStage(ctx, packetID, stage)
		return err
	})
	return v, err
}

// TransitionPacket moves one packet into stage.
func (s *Service) TransitionPacket(ctx context.Context, packetID string, stage domain.Stage, fields ledger.StageFields) (TransitionResult, error) {
	var res TransitionResult
	err := s.run(ctx, OpTransitionPacket, packetID, func(ctx context.Context) (err error) {
		res, err = s.coordinator.TransitionSingle(ctx, packetID, stage, fields)
		return err
	})
	return res, err
}

// TransitionBulk moves several packets of a batch one edge forward.
func (s *Service) TransitionBulk(ctx context.Context, req BulkRequest) (BulkResult, error) {
	var res BulkResult
	err := s.run(ctx, OpTransitionBulk, req.BatchID, func(ctx context.Context) (err error) {
		res, err = s.coordinator.TransitionBulk(ctx, req)
		return err
	})
	return res, err
}

// Receive records packets arriving at a stage.
func (s *Service) Receive(ctx context.Context, req ReceiveRequest) (BulkResult, error) {
	var res BulkResult
	err := s.run(ctx, OpReceive, req.BatchID, func(ctx context.Context) (err error) {
		res, err = s.coordinator.Receive(ctx, req)
		return err
	})
	return res, err
}

// PacketJourney returns a packet's custody history.
func (s *Service) PacketJourney(ctx context.Context, packetID string) (Journey, error) {
	var j Journey
	err := s.run(ctx, OpPacketJourney, packetID, func(ctx context.Context) (err error) {
		j, err = s.coordinator.PacketJourney(ctx, packetID)
		return err
	})
	return j, err
}

// BatchesForFarmer lists the batches a farmer harvested.
func (s *Service) BatchesForFarmer(ctx context.Context, farmerID string) ([]string, error) {
	var out []string
	err := s.run(ctx, OpFarmerBatches, farmerID, func(ctx context.Context) error {
		out = s.index.BatchesForFarmer(ctx, farmerID)
		return nil
	})
	return out, err
}

// FarmersForBatch lists the farmers recorded for a batch.
func (s *Service) FarmersForBatch(ctx context.Context, batchID string) ([]string, error) {
	var out []string
	err := s.run(ctx, OpBatchFarmers, batchID, func(ctx context.Context) error {
		out = s.index.FarmersForBatch(ctx, batchID)
		return nil
	})
	return out, err
}

// AllFarmers lists every farmer with a recorded harvest.
func (s *Service) AllFarmers(ctx context.Context) ([]string, error) {
	var out []string
	err := s.run(ctx, OpAllFarmers, "", func(ctx context.Context) error {
		out = s.index.AllFarmers(ctx)
		return nil
	})
	return out, err
}

// RefreshIndex advances the farmer batch index to the ledger head.
func (s *Service) RefreshIndex(ctx context.Context) (RefreshStats, error) {
	var stats RefreshStats
	err := s.run(ctx, OpRefreshIndex, "", func(ctx context.Context) (err error) {
		stats, err = s.index.Refresh(ctx)
		return err
	})
	return stats, err
}

// RebuildIndex replays the harvest stream from genesis.
func (s *Service) RebuildIndex(ctx context.Context) (RefreshStats, error) {
	var stats RefreshStats
	err := s.run(ctx, OpRebuildIndex, "", func(ctx context.Context) (err error) {
		stats, err = s.index.Rebuild(ctx)
		return err
	})
	return stats, err
}

// SyncNonce refetches the signer's pending nonce.
func (s *Service) SyncNonce(ctx context.Context) (uint64, error) {
	var n uint64
	err := s.run(ctx, OpSyncNonce, s.ledger.SignerAccount(), func(ctx context.Context) (err error) {
		n, err = s.ledger.Sync(ctx)
		return err
	})
	return n, err
}

// Stats counts local custody records.
type Stats struct {
	Batches      int                  `json:"total_batches"`
	Packets      int                  `json:"total_packets"`
	PacketsAt    map[domain.Stage]int `json:"packets_by_stage"`
	Farmers      int                  `json:"farmers"`
	ReservedGM   int64                `json:"reserved_gm"`
	IndexedBlock uint64               `json:"indexed_through_block"`
}

// Stats summarises the local store.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	out := Stats{PacketsAt: make(map[domain.Stage]int)}
	for _, stage := range domain.Stages() {
		out.PacketsAt[stage] = 0
	}
	err := s.store.View(ctx, func(v domain.TransactionView) error {
		stocks := v.ListBatchStocks()
		out.Batches = len(stocks)
		for _, b := range stocks {
			out.ReservedGM += b.UsedGM
		}
		packets := v.ListPackets()
		out.Packets = len(packets)
		for _, p := range packets {
			out.PacketsAt[p.CurrentStage]++
		}
		return nil
	})
	idx := s.store.GetHarvestIndex()
	out.Farmers = len(idx.Farmers)
	if idx.NextBlock > 0 {
		out.IndexedBlock = idx.NextBlock - 1
	}
	return out, err
}
