package domain

import "context"

// Transaction exposes the mutations a persistence implementation must
// support within an atomic scope.
type Transaction interface {
	Snapshot() TransactionView
	CreateBatchStock(BatchStock) (BatchStock, error)
	UpdateBatchStock(id string, mutator func(*BatchStock) error) (BatchStock, error)
	FindBatchStock(id string) (BatchStock, bool)
	CreatePacket(Packet) (Packet, error)
	UpdatePacket(id string, mutator func(*Packet) error) (Packet, error)
	FindPacket(id string) (Packet, bool)
	HarvestIndex() HarvestIndex
	// ReplaceHarvestIndex advances the index; its cursor may not move back.
	ReplaceHarvestIndex(HarvestIndex) error
	// ResetHarvestIndex overwrites the index and cursor for a replay.
	ResetHarvestIndex(HarvestIndex) error
}

// TransactionView provides read-only access to snapshot data for rules.
type TransactionView interface {
	ListBatchStocks() []BatchStock
	FindBatchStock(id string) (BatchStock, bool)
	ListPackets() []Packet
	FindPacket(id string) (Packet, bool)
	// PacketsAtStage returns the batch's packets at stage ordered by packet id.
	PacketsAtStage(batchID string, stage Stage) []Packet
}

// PersistentStore is the durable local store behind the coordinator.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	GetBatchStock(id string) (BatchStock, bool)
	GetPacket(id string) (Packet, bool)
	ListPacketsAtStage(batchID string, stage Stage) []Packet
	GetHarvestIndex() HarvestIndex
}
