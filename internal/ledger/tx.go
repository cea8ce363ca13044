package ledger

import "custodychain/pkg/domain"

// Tx is a state-changing contract call.
type Tx interface {
	Method() string
}

// Contract method names.
const (
	MethodAddHarvest         = "addHarvest"
	MethodSetBatchProcessing = "setBatchProcessing"
	MethodAddProcessing      = "addProcessing"
	MethodAddPacket          = "addPacket"
	MethodCreatePacketsBulk  = "createPacketsBulk"
	MethodAddDistributor     = "addDistributor"
	MethodAddSupplier        = "addSupplier"
	MethodAddShopkeeper      = "addShopkeeper"
	MethodGrantRole          = "grantRole"
	MethodRevokeRole         = "revokeRole"
)

// HarvestTx records a batch origin.
type HarvestTx struct {
	Harvest Harvest
}

func (HarvestTx) Method() string { return MethodAddHarvest }

// BatchProcessingTx records batch-level processing metadata.
type BatchProcessingTx struct {
	BatchID    string
	Processing Processing
}

func (BatchProcessingTx) Method() string { return MethodSetBatchProcessing }

// PacketProcessingTx records legacy packet-level processing metadata.
type PacketProcessingTx struct {
	PacketID   string
	Processing Processing
}

func (PacketProcessingTx) Method() string { return MethodAddProcessing }

// CreatePacketTx registers one packet at processing.
type CreatePacketTx struct {
	PacketID string
	BatchID  string
}

func (CreatePacketTx) Method() string { return MethodAddPacket }

// CreatePacketsTx registers Count packets of SizeGM under one batch
// atomically. The contract derives the ids from its packet count.
type CreatePacketsTx struct {
	BatchID  string
	FarmerID string
	Count    uint64
	SizeGM   int64
}

func (CreatePacketsTx) Method() string { return MethodCreatePacketsBulk }

// PacketIDs returns the ids the contract assigns when the batch already
// holds existing packets.
func (t CreatePacketsTx) PacketIDs(existing uint64) []string {
	ids := make([]string, t.Count)
	for i := range ids {
		ids[i] = domain.PacketID(t.FarmerID, t.BatchID, t.SizeGM, existing+uint64(i)+1)
	}
	return ids
}

// StageTx records a packet entering a post-processing stage.
type StageTx struct {
	Stage    domain.Stage
	PacketID string
	Fields   StageFields
}

func (t StageTx) Method() string { return StageMethod(t.Stage) }

// RoleTx grants or revokes a role.
type RoleTx struct {
	Role    domain.Role
	Account string
	Revoke  bool
}

func (t RoleTx) Method() string {
	if t.Revoke {
		return MethodRevokeRole
	}
	return MethodGrantRole
}

// StageMethod returns the contract method recording stage, or "" for
// stages that have no stage record.
func StageMethod(stage domain.Stage) string {
	switch stage {
	case domain.StageDistributor:
		return MethodAddDistributor
	case domain.StageSupplier:
		return MethodAddSupplier
	case domain.StageShopkeeper:
		return MethodAddShopkeeper
	default:
		return ""
	}
}
