package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"custodychain/internal/ledger"
	"custodychain/pkg/domain"
)

// Coordinator moves packets through the custody chain. Every state change is
// confirmed by the ledger before the local store is touched.
type Coordinator struct {
	ledger   Ledger
	store    domain.PersistentStore
	stock    *StockLedger
	registry *PacketRegistry
	locks    *keyedMutex
	logger   Logger
	metrics  MetricsRecorder
}

// NewCoordinator wires a coordinator. Nil logger and metrics are replaced
// with no-ops.
func NewCoordinator(l Ledger, store domain.PersistentStore, logger Logger, metrics MetricsRecorder) *Coordinator {
	if logger == nil {
		logger = noopLogger{}
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Coordinator{
		ledger:   l,
		store:    store,
		stock:    NewStockLedger(store, l),
		registry: NewPacketRegistry(store),
		locks:    newKeyedMutex(),
		logger:   logger,
		metrics:  metrics,
	}
}

// Stock exposes batch accounting.
func (c *Coordinator) Stock() *StockLedger { return c.stock }

// Registry exposes the local packet mirror.
func (c *Coordinator) Registry() *PacketRegistry { return c.registry }

// CreatePacketsRequest asks for Count packets of PacketSizeGM from BatchID.
// Processing, when set, is recorded once per batch.
type CreatePacketsRequest struct {
	BatchID      string             `json:"batch_id"`
	PacketSizeGM int64              `json:"packet_size_gm"`
	Count        int                `json:"count"`
	Processing   *ledger.Processing `json:"processing,omitempty"`
}

// CreatePacketsResult lists the packets the ledger accepted.
type CreatePacketsResult struct {
	BatchID   string         `json:"batch_id"`
	PacketIDs []string       `json:"packet_ids"`
	Receipt   ledger.Receipt `json:"receipt"`
	Hazard    bool           `json:"consistency_hazard,omitempty"`
}

// CreatePackets cuts new packets from a batch.
func (c *Coordinator) CreatePackets(ctx context.Context, req CreatePacketsRequest) (CreatePacketsResult, error) {
	req.BatchID = strings.TrimSpace(req.BatchID)
	if req.BatchID == "" {
		return CreatePacketsResult{}, domain.Invalid("batch_id", "batch id required")
	}
	if req.PacketSizeGM <= 0 {
		return CreatePacketsResult{}, domain.Invalid("packet_size_gm", "packet size must be positive")
	}
	if req.Count <= 0 {
		return CreatePacketsResult{}, domain.Invalid("count", "count must be positive")
	}

	unlock, err := c.locks.Lock(ctx, "create:"+req.BatchID)
	if err != nil {
		return CreatePacketsResult{}, err
	}
	defer unlock()

	stock, err := c.stock.EnsureStock(ctx, req.BatchID)
	if err != nil {
		return CreatePacketsResult{}, err
	}
	if err := CheckCapacity(stock, req.PacketSizeGM, req.Count); err != nil {
		return CreatePacketsResult{}, err
	}
	existing, err := c.ledger.PacketCount(ctx, req.BatchID)
	if err != nil {
		return CreatePacketsResult{}, err
	}
	minting := ledger.CreatePacketsTx{BatchID: req.BatchID, FarmerID: stock.FarmerID, Count: uint64(req.Count), SizeGM: req.PacketSizeGM}

	if req.Processing != nil {
		if err := c.ensureBatchProcessing(ctx, req.BatchID, *req.Processing); err != nil {
			return CreatePacketsResult{}, err
		}
	}
	receipt, err := c.ledger.CreatePacketsBulk(ctx, req.BatchID, stock.FarmerID, req.Count, req.PacketSizeGM)
	if err != nil {
		return CreatePacketsResult{}, err
	}

	result := CreatePacketsResult{BatchID: req.BatchID, PacketIDs: []string{}, Receipt: receipt}
	ids, err := c.mintedPacketIDs(context.WithoutCancel(ctx), minting, existing)
	if err != nil {
		c.hazard(ctx, OpCreatePackets, req.BatchID, err)
		result.Hazard = true
		return result, nil
	}
	result.PacketIDs = ids
	_, err = c.store.RunInTransaction(context.WithoutCancel(ctx), func(tx domain.Transaction) error {
		if _, err := c.stock.ReserveForPackets(tx, req.BatchID, req.PacketSizeGM, ids); err != nil {
			return err
		}
		return c.registry.RegisterPackets(tx, stock, req.PacketSizeGM, ids)
	})
	if err != nil {
		c.hazard(ctx, OpCreatePackets, req.BatchID, err)
		result.Hazard = true
	}
	return result, nil
}

// mintedPacketIDs confirms the ids the contract derived for minting. They
// match the prediction from existing unless an out-of-band packet shifted
// the batch sequence, in which case they end at the ledger's current count.
func (c *Coordinator) mintedPacketIDs(ctx context.Context, minting ledger.CreatePacketsTx, existing uint64) ([]string, error) {
	predicted := minting.PacketIDs(existing)
	ok, err := c.allOnLedger(ctx, predicted)
	if err != nil || ok {
		return predicted, err
	}
	after, err := c.ledger.PacketCount(ctx, minting.BatchID)
	if err != nil {
		return nil, err
	}
	if after >= minting.Count {
		shifted := minting.PacketIDs(after - minting.Count)
		if ok, err := c.allOnLedger(ctx, shifted); err != nil || ok {
			if ok {
				c.logger.Warn("packet sequence shifted by out-of-band packets", "batch_id", minting.BatchID, "predicted_first", predicted[0], "minted_first", shifted[0])
			}
			return shifted, err
		}
	}
	return nil, fmt.Errorf("%w: batch %s now holds %d packet(s), expected %s onwards", ErrPacketIDMismatch, minting.BatchID, after, predicted[0])
}

func (c *Coordinator) allOnLedger(ctx context.Context, ids []string) (bool, error) {
	for _, id := range ids {
		ok, err := c.ledger.PacketExists(ctx, id)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (c *Coordinator) ensureBatchProcessing(ctx context.Context, batchID string, p ledger.Processing) error {
	_, exists, err := c.ledger.BatchProcessingFor(ctx, batchID)
	if err != nil || exists {
		return err
	}
	_, err = c.ledger.SetBatchProcessing(ctx, batchID, p)
	return err
}

// ValidateForStage checks whether packetID may enter target now. It reads
// only and returns the same verdict until some state changes.
func (c *Coordinator) ValidateForStage(ctx context.Context, packetID string, target domain.Stage) (Verdict, error) {
	if !target.Valid() {
		return Verdict{}, domain.Invalid("stage", "unknown stage %q", target)
	}
	prev, ok := target.Previous()
	if !ok {
		return Verdict{}, domain.Invalid("stage", "packets enter %s only when created", target)
	}
	if strings.TrimSpace(packetID) == "" {
		return Verdict{}, domain.Invalid("packet_id", "packet id required")
	}

	exists, err := c.ledger.PacketExists(ctx, packetID)
	if err != nil {
		return Verdict{}, err
	}
	if !exists {
		return Verdict{Reason: ReasonPacketMissing}, nil
	}
	_, used, err := c.ledger.StageRecordFor(ctx, packetID, target)
	if err != nil {
		return Verdict{}, err
	}
	if used {
		return Verdict{Reason: ReasonStageUsed}, nil
	}

	current := prev
	if p, ok := c.registry.Get(packetID); ok {
		current = p.CurrentStage
	} else {
		rec, found, err := c.ledger.PacketFor(ctx, packetID)
		if err != nil {
			return Verdict{}, err
		}
		if found && rec.Stage.Valid() {
			current = rec.Stage
		}
	}
	if current != prev {
		return Verdict{Reason: stageMismatch(current, target)}, nil
	}
	return Verdict{Valid: true}, nil
}

// TransitionResult reports one confirmed stage entry.
type TransitionResult struct {
	PacketID string         `json:"packet_id"`
	Stage    domain.Stage   `json:"stage"`
	Receipt  ledger.Receipt `json:"receipt"`
	Hazard   bool           `json:"consistency_hazard,omitempty"`
}

// TransitionSingle validates, records the stage on the ledger and then
// advances the local mirror.
func (c *Coordinator) TransitionSingle(ctx context.Context, packetID string, target domain.Stage, fields ledger.StageFields) (TransitionResult, error) {
	verdict, err := c.ValidateForStage(ctx, packetID, target)
	if err != nil {
		return TransitionResult{}, err
	}
	if !verdict.Valid {
		return TransitionResult{}, &domain.ValidationError{Message: verdict.Reason}
	}
	receipt, err := c.ledger.RecordStage(ctx, target, packetID, fields)
	if err != nil {
		return TransitionResult{}, err
	}
	result := TransitionResult{PacketID: packetID, Stage: target, Receipt: receipt}
	_, err = c.store.RunInTransaction(context.WithoutCancel(ctx), func(tx domain.Transaction) error {
		_, err := c.registry.AdvancePacket(tx, packetID, target)
		return err
	})
	if err != nil {
		c.hazard(ctx, OpTransitionPacket, packetID, err)
		result.Hazard = true
	}
	return result, nil
}

// BulkRequest moves Count packets of BatchID from From to To.
type BulkRequest struct {
	BatchID string             `json:"batch_id"`
	From    domain.Stage       `json:"from"`
	To      domain.Stage       `json:"to"`
	Count   int                `json:"count"`
	Fields  ledger.StageFields `json:"fields"`
}

// BulkResult lists the packets moved, in the order they were moved.
type BulkResult struct {
	BatchID   string           `json:"batch_id"`
	Stage     domain.Stage     `json:"stage"`
	PacketIDs []string         `json:"packet_ids"`
	Receipts  []ledger.Receipt `json:"receipts"`
	Hazards   []string         `json:"consistency_hazards,omitempty"`
}

// TransitionBulk moves the Count lowest-id packets at From one at a time. It
// stops at the first failure and keeps what already moved.
func (c *Coordinator) TransitionBulk(ctx context.Context, req BulkRequest) (BulkResult, error) {
	if strings.TrimSpace(req.BatchID) == "" {
		return BulkResult{}, domain.Invalid("batch_id", "batch id required")
	}
	if req.Count <= 0 {
		return BulkResult{}, domain.Invalid("count", "count must be positive")
	}
	if next, ok := req.From.Next(); !req.From.Valid() || !ok || next != req.To {
		return BulkResult{}, domain.Invalid("stage", "cannot move packets from %q to %q", req.From, req.To)
	}

	unlock, err := c.locks.Lock(ctx, "move:"+req.BatchID)
	if err != nil {
		return BulkResult{}, err
	}
	defer unlock()

	candidates := c.registry.IDsAtStage(req.BatchID, req.From)
	if len(candidates) < req.Count {
		return BulkResult{}, shortfall(len(candidates), req.From, req.Count)
	}

	result := BulkResult{BatchID: req.BatchID, Stage: req.To, PacketIDs: []string{}}
	for _, id := range candidates[:req.Count] {
		res, err := c.TransitionSingle(ctx, id, req.To, req.Fields)
		if err != nil {
			c.logger.Warn("bulk transition stopped", "batch", req.BatchID, "packet", id, "moved", len(result.PacketIDs), "error", err)
			return result, &PartialBulkFailure{
				Transitioned: append([]string{}, result.PacketIDs...),
				FailedPacket: id,
				Reason:       failureReason(err),
				Err:          err,
			}
		}
		result.PacketIDs = append(result.PacketIDs, id)
		result.Receipts = append(result.Receipts, res.Receipt)
		if res.Hazard {
			result.Hazards = append(result.Hazards, id)
		}
	}
	return result, nil
}

func failureReason(err error) string {
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		return verr.Message
	}
	var rej *ledger.RejectionError
	if errors.As(err, &rej) {
		return rej.Reason
	}
	return err.Error()
}

// ReceiveRequest is an inbound receipt of Count packets of BatchID at Stage.
type ReceiveRequest struct {
	Stage    domain.Stage       `json:"stage"`
	BatchID  string             `json:"batch_id"`
	FarmerID string             `json:"farmer_id"`
	Count    int                `json:"count"`
	Fields   ledger.StageFields `json:"fields"`
}

// Receive moves packets from the stage before req.Stage into it. A non-empty
// FarmerID must own the batch.
func (c *Coordinator) Receive(ctx context.Context, req ReceiveRequest) (BulkResult, error) {
	prev, ok := req.Stage.Previous()
	if !req.Stage.Valid() || !ok {
		return BulkResult{}, domain.Invalid("stage", "cannot receive packets at %q", req.Stage)
	}
	if req.FarmerID != "" {
		stock, err := c.stock.EnsureStock(ctx, req.BatchID)
		if err != nil {
			return BulkResult{}, err
		}
		if stock.FarmerID != req.FarmerID {
			return BulkResult{}, domain.Invalid("farmer_id", "batch %s does not belong to farmer %s", req.BatchID, req.FarmerID)
		}
	}
	return c.TransitionBulk(ctx, BulkRequest{BatchID: req.BatchID, From: prev, To: req.Stage, Count: req.Count, Fields: req.Fields})
}

// Journey is everything known about one packet.
type Journey struct {
	PacketID   string                     `json:"packet_id"`
	Ledger     ledger.PacketRecord        `json:"ledger"`
	Local      *domain.Packet             `json:"local,omitempty"`
	Harvest    *ledger.Harvest            `json:"harvest,omitempty"`
	Processing *ledger.ResolvedProcessing `json:"processing,omitempty"`
	Stages     []ledger.StageRecord       `json:"stages"`
}

// PacketJourney assembles a packet's custody history from the ledger.
func (c *Coordinator) PacketJourney(ctx context.Context, packetID string) (Journey, error) {
	rec, ok, err := c.ledger.PacketFor(ctx, packetID)
	if err != nil {
		return Journey{}, err
	}
	if !ok {
		return Journey{}, domain.ErrNotFound{Entity: domain.EntityPacket, ID: packetID}
	}
	j := Journey{PacketID: packetID, Ledger: rec, Stages: []ledger.StageRecord{}}
	if p, ok := c.registry.Get(packetID); ok {
		j.Local = &p
	}
	if h, ok, err := c.ledger.HarvestFor(ctx, rec.BatchID); err != nil {
		return Journey{}, err
	} else if ok {
		j.Harvest = &h
	}
	if p, ok, err := c.ledger.ResolveProcessing(ctx, packetID); err != nil {
		return Journey{}, err
	} else if ok {
		j.Processing = &p
	}
	for _, stage := range domain.Stages() {
		if _, ok := stage.Previous(); !ok {
			continue
		}
		sr, ok, err := c.ledger.StageRecordFor(ctx, packetID, stage)
		if err != nil {
			return Journey{}, err
		}
		if !ok {
			break
		}
		j.Stages = append(j.Stages, sr)
	}
	return j, nil
}

// hazard reports a local write that failed after the ledger confirmed.
func (c *Coordinator) hazard(ctx context.Context, op, entityID string, err error) {
	c.logger.Error("local store diverged from ledger", "hazard", "consistency", "operation", op, "entity_id", entityID, "error", err)
	c.metrics.Observe(ctx, OpConsistencyHazard, false, 0)
}

