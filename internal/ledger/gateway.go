package ledger

import (
	"context"
	"strings"
	"time"

	"custodychain/pkg/domain"
)

// DefaultTimeout bounds one ledger round trip when none is configured.
const DefaultTimeout = 30 * time.Second

// Logger is the logging surface the gateway needs. *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Gateway wraps a Backend: submissions allocate a nonce, submit, await
// confirmation and reset the sequencer on any failure. Reads bypass the
// sequencer.
type Gateway struct {
	backend Backend
	seq     *NonceSequencer
	timeout time.Duration
	logger  Logger
}

// GatewayOption customises a Gateway.
type GatewayOption func(*Gateway)

// WithTimeout bounds each ledger round trip. Non-positive values keep the default.
func WithTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithLogger sets the gateway logger.
func WithLogger(logger Logger) GatewayOption {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewGateway builds a gateway and starts its nonce sequencer.
func NewGateway(backend Backend, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		backend: backend,
		timeout: DefaultTimeout,
		logger:  noopLogger{},
	}
	for _, opt := range opts {
		opt(g)
	}
	g.seq = NewNonceSequencer(backend)
	return g
}

// Close stops the nonce sequencer.
func (g *Gateway) Close() { g.seq.Close() }

// Sequencer exposes the nonce sequencer for diagnostics.
func (g *Gateway) Sequencer() *NonceSequencer { return g.seq }

// SignerAccount is the account all submissions are signed with.
func (g *Gateway) SignerAccount() string { return g.backend.Account() }

// Sync refetches the pending nonce; used at startup and by operators after
// an out-of-band transaction from the signing account.
func (g *Gateway) Sync(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	n, err := g.seq.Sync(ctx)
	if err != nil {
		return 0, classify("syncNonce", err)
	}
	g.logger.Info("nonce synced", "nonce", n)
	return n, nil
}

func (g *Gateway) submit(ctx context.Context, tx Tx) (Receipt, error) {
	method := tx.Method()
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	nonce, err := g.seq.Allocate(ctx)
	if err != nil {
		g.reset(ctx, method, err)
		return Receipt{}, classify(method, err)
	}
	receipt, err := g.backend.Send(ctx, nonce, tx)
	if err != nil {
		g.reset(ctx, method, err)
		return Receipt{}, classify(method, err)
	}
	receipt.Method = method
	receipt.Nonce = nonce
	g.logger.Debug("ledger submission confirmed", "method", method, "nonce", nonce, "tx", receipt.TxHash, "block", receipt.Block)
	return receipt, nil
}

func (g *Gateway) reset(ctx context.Context, method string, cause error) {
	if err := g.seq.Reset(context.WithoutCancel(ctx)); err != nil {
		g.logger.Error("nonce reset failed", "method", method, "error", err)
		return
	}
	g.logger.Warn("nonce sequencer reset after failed submission", "method", method, "error", cause)
}

func (g *Gateway) read(ctx context.Context, method string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return classify(method, fn(ctx))
}

// RecordHarvest submits a batch origin record.
func (g *Gateway) RecordHarvest(ctx context.Context, h Harvest) (Receipt, error) {
	return g.submit(ctx, HarvestTx{Harvest: h})
}

// RecordProcessing submits legacy packet-level processing metadata.
func (g *Gateway) RecordProcessing(ctx context.Context, packetID string, p Processing) (Receipt, error) {
	return g.submit(ctx, PacketProcessingTx{PacketID: packetID, Processing: p})
}

// SetBatchProcessing submits batch-level processing metadata.
func (g *Gateway) SetBatchProcessing(ctx context.Context, batchID string, p Processing) (Receipt, error) {
	p.BatchID = batchID
	return g.submit(ctx, BatchProcessingTx{BatchID: batchID, Processing: p})
}

// CreatePacket registers one packet.
func (g *Gateway) CreatePacket(ctx context.Context, packetID, batchID string) (Receipt, error) {
	return g.submit(ctx, CreatePacketTx{PacketID: packetID, BatchID: batchID})
}

// CreatePacketsBulk asks the contract to mint count packets of sizeGM for
// the farmer's batch in one submission.
func (g *Gateway) CreatePacketsBulk(ctx context.Context, batchID, farmerID string, count int, sizeGM int64) (Receipt, error) {
	if count <= 0 {
		return Receipt{}, domain.Invalid("count", "count must be positive")
	}
	if sizeGM <= 0 {
		return Receipt{}, domain.Invalid("packet_size_gm", "packet size must be positive")
	}
	return g.submit(ctx, CreatePacketsTx{BatchID: batchID, FarmerID: farmerID, Count: uint64(count), SizeGM: sizeGM})
}

// RecordStage submits the stage record for a post-processing stage.
func (g *Gateway) RecordStage(ctx context.Context, stage domain.Stage, packetID string, fields StageFields) (Receipt, error) {
	if StageMethod(stage) == "" {
		return Receipt{}, domain.Invalid("stage", "%q has no stage record", stage)
	}
	return g.submit(ctx, StageTx{Stage: stage, PacketID: packetID, Fields: fields})
}

// GrantRole grants role to account.
func (g *Gateway) GrantRole(ctx context.Context, role domain.Role, account string) (Receipt, error) {
	return g.submit(ctx, RoleTx{Role: role, Account: account})
}

// RevokeRole revokes role from account.
func (g *Gateway) RevokeRole(ctx context.Context, role domain.Role, account string) (Receipt, error) {
	return g.submit(ctx, RoleTx{Role: role, Account: account, Revoke: true})
}

// BatchExists reports whether a harvest record exists for batchID.
func (g *Gateway) BatchExists(ctx context.Context, batchID string) (bool, error) {
	var ok bool
	err := g.read(ctx, "batchExists", func(ctx context.Context) (err error) {
		ok, err = g.backend.BatchExists(ctx, batchID)
		return err
	})
	return ok, err
}

// PacketExists reports whether packetID is registered.
func (g *Gateway) PacketExists(ctx context.Context, packetID string) (bool, error) {
	var ok bool
	err := g.read(ctx, "packetExists", func(ctx context.Context) (err error) {
		ok, err = g.backend.PacketExists(ctx, packetID)
		return err
	})
	return ok, err
}

// PacketCount returns how many packets the ledger holds for batchID.
func (g *Gateway) PacketCount(ctx context.Context, batchID string) (uint64, error) {
	var n uint64
	err := g.read(ctx, "packetCount", func(ctx context.Context) (err error) {
		n, err = g.backend.PacketCount(ctx, batchID)
		return err
	})
	return n, err
}

// PacketFor returns the ledger's packet registration.
func (g *Gateway) PacketFor(ctx context.Context, packetID string) (PacketRecord, bool, error) {
	var (
		rec PacketRecord
		ok  bool
	)
	err := g.read(ctx, "getPacket", func(ctx context.Context) (err error) {
		rec, ok, err = g.backend.Packet(ctx, packetID)
		return err
	})
	return rec, ok, err
}

// HarvestFor returns the harvest record of batchID.
func (g *Gateway) HarvestFor(ctx context.Context, batchID string) (Harvest, bool, error) {
	var (
		h  Harvest
		ok bool
	)
	err := g.read(ctx, "getHarvest", func(ctx context.Context) (err error) {
		h, ok, err = g.backend.Harvest(ctx, batchID)
		return err
	})
	return h, ok, err
}

// ProcessingFor returns the legacy packet-level processing record.
func (g *Gateway) ProcessingFor(ctx context.Context, packetID string) (Processing, bool, error) {
	var (
		p  Processing
		ok bool
	)
	err := g.read(ctx, "getProcessing", func(ctx context.Context) (err error) {
		p, ok, err = g.backend.PacketProcessing(ctx, packetID)
		return err
	})
	return p, ok, err
}

// BatchProcessingFor returns the batch-level processing record.
func (g *Gateway) BatchProcessingFor(ctx context.Context, batchID string) (Processing, bool, error) {
	var (
		p  Processing
		ok bool
	)
	err := g.read(ctx, "getBatchProcessing", func(ctx context.Context) (err error) {
		p, ok, err = g.backend.BatchProcessing(ctx, batchID)
		return err
	})
	return p, ok, err
}

// ResolveProcessing returns the processing record applying to packetID. The
// batch-level record wins whenever it exists; the packet-level record is
// only a fallback.
func (g *Gateway) ResolveProcessing(ctx context.Context, packetID string) (ResolvedProcessing, bool, error) {
	rec, ok, err := g.PacketFor(ctx, packetID)
	if err != nil || !ok {
		return ResolvedProcessing{}, false, err
	}
	batch, ok, err := g.BatchProcessingFor(ctx, rec.BatchID)
	if err != nil {
		return ResolvedProcessing{}, false, err
	}
	if ok {
		return ResolvedProcessing{Processing: batch, Source: ProcessingFromBatch}, true, nil
	}
	legacy, ok, err := g.ProcessingFor(ctx, packetID)
	if err != nil || !ok {
		return ResolvedProcessing{}, false, err
	}
	return ResolvedProcessing{Processing: legacy, Source: ProcessingFromLegacy}, true, nil
}

// StageRecordFor returns the stage record of packetID at stage.
func (g *Gateway) StageRecordFor(ctx context.Context, packetID string, stage domain.Stage) (StageRecord, bool, error) {
	var (
		rec StageRecord
		ok  bool
	)
	err := g.read(ctx, "get"+strings.TrimPrefix(StageMethod(stage), "add"), func(ctx context.Context) (err error) {
		rec, ok, err = g.backend.StageRecord(ctx, packetID, stage)
		return err
	})
	return rec, ok, err
}

// HasRole reports whether account holds role.
func (g *Gateway) HasRole(ctx context.Context, role domain.Role, account string) (bool, error) {
	var ok bool
	err := g.read(ctx, "hasRole", func(ctx context.Context) (err error) {
		ok, err = g.backend.HasRole(ctx, role, account)
		return err
	})
	return ok, err
}

// HarvestEvents returns harvest events at or after fromBlock and the latest block.
func (g *Gateway) HarvestEvents(ctx context.Context, fromBlock uint64) ([]HarvestEvent, uint64, error) {
	var (
		events []HarvestEvent
		latest uint64
	)
	err := g.read(ctx, "harvestEvents", func(ctx context.Context) (err error) {
		events, latest, err = g.backend.HarvestEvents(ctx, fromBlock)
		return err
	})
	return events, latest, err
}
