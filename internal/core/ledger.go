package core

import (
	"context"

	"custodychain/internal/ledger"
	"custodychain/pkg/domain"
)

// Ledger is the gateway surface the custody core depends on.
// *ledger.Gateway implements it.
type Ledger interface {
	SignerAccount() string
	Sync(ctx context.Context) (uint64, error)

	RecordHarvest(ctx context.Context, h ledger.Harvest) (ledger.Receipt, error)
	SetBatchProcessing(ctx context.Context, batchID string, p ledger.Processing) (ledger.Receipt, error)
	CreatePacketsBulk(ctx context.Context, batchID, farmerID string, count int, sizeGM int64) (ledger.Receipt, error)
	RecordStage(ctx context.Context, stage domain.Stage, packetID string, fields ledger.StageFields) (ledger.Receipt, error)
	GrantRole(ctx context.Context, role domain.Role, account string) (ledger.Receipt, error)
	RevokeRole(ctx context.Context, role domain.Role, account string) (ledger.Receipt, error)

	BatchExists(ctx context.Context, batchID string) (bool, error)
	PacketExists(ctx context.Context, packetID string) (bool, error)
	PacketCount(ctx context.Context, batchID string) (uint64, error)
	PacketFor(ctx context.Context, packetID string) (ledger.PacketRecord, bool, error)
	HarvestFor(ctx context.Context, batchID string) (ledger.Harvest, bool, error)
	BatchProcessingFor(ctx context.Context, batchID string) (ledger.Processing, bool, error)
	ResolveProcessing(ctx context.Context, packetID string) (ledger.ResolvedProcessing, bool, error)
	StageRecordFor(ctx context.Context, packetID string, stage domain.Stage) (ledger.StageRecord, bool, error)
	HasRole(ctx context.Context, role domain.Role, account string) (bool, error)
	HarvestEvents(ctx context.Context, fromBlock uint64) ([]ledger.HarvestEvent, uint64, error)
}

var _ Ledger = (*ledger.Gateway)(nil)
