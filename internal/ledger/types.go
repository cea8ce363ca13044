// Package ledger is the typed call surface over the custody contract. All
// state-changing calls go through one NonceSequencer so a single signing
// identity can serve many concurrent callers.
package ledger

import (
	"context"

	"custodychain/pkg/domain"
)

// Harvest is the farmer-submitted batch origin record.
type Harvest struct {
	FarmerID       string `json:"farmer_id"`
	ProductName    string `json:"product_name"`
	BatchID        string `json:"batch_id"`
	HarvestDate    string `json:"harvest_date"`
	GPSCoordinates string `json:"gps_coordinates"`
	Fertilizer     string `json:"fertilizer"`
	OrganicStatus  string `json:"organic_status"`
	QuantityGM     int64  `json:"quantity_gm"`
}

// Processing holds processing metadata. It is recorded once per batch, or
// per packet by older deployments.
type Processing struct {
	BatchID              string `json:"batch_id"`
	ProcessingGPS        string `json:"processing_gps"`
	GrindingFacilityName string `json:"grinding_facility_name"`
	MoistureContent      string `json:"moisture_content"`
	CurcuminContent      string `json:"curcumin_content"`
	HeavyMetals          string `json:"heavy_metals"`
	PhysicalProperties   string `json:"physical_properties"`
	PackagingDate        string `json:"packaging_date"`
	PackagingUnit        string `json:"packaging_unit"`
	PacketID             string `json:"packet_id,omitempty"`
	ExpiryDate           string `json:"expiry_date"`
	SendingBoxCode       string `json:"sending_box_code"`
	DistributorID        string `json:"distributor_id"`
}

// ProcessingSource says which record a resolved processing value came from.
type ProcessingSource string

// Processing record sources.
const (
	ProcessingFromBatch  ProcessingSource = "batch"
	ProcessingFromLegacy ProcessingSource = "legacy"
)

// ResolvedProcessing is the processing record that applies to a packet.
type ResolvedProcessing struct {
	Processing
	Source ProcessingSource `json:"source"`
}

// StageFields carries the custodian-supplied data for a stage record.
type StageFields struct {
	ActorID         string `json:"actor_id"`
	GPSCoordinates  string `json:"gps_coordinates"`
	ReceivedBoxCode string `json:"received_box_code"`
	SendingBoxCode  string `json:"sending_box_code,omitempty"`
	Date            string `json:"date"`
	NextActorID     string `json:"next_actor_id,omitempty"`
}

// StageRecord is the ledger's proof that a packet has entered a stage.
type StageRecord struct {
	PacketID string       `json:"packet_id"`
	Stage    domain.Stage `json:"stage"`
	StageFields
}

// PacketRecord is the ledger's packet registration.
type PacketRecord struct {
	PacketID string       `json:"packet_id"`
	BatchID  string       `json:"batch_id"`
	Stage    domain.Stage `json:"stage"`
	Active   bool         `json:"active"`
}

// Receipt confirms an accepted submission.
type Receipt struct {
	Method string `json:"method"`
	TxHash string `json:"tx_hash"`
	Nonce  uint64 `json:"nonce"`
	Block  uint64 `json:"block"`
}

// HarvestEvent is one raw entry of the harvest event stream. Values are kept
// as decoded so consumers can discard malformed entries.
type HarvestEvent struct {
	FarmerID any    `json:"farmer_id"`
	BatchID  any    `json:"batch_id"`
	Block    uint64 `json:"block"`
}

// Backend is a concrete ledger connection for one signing identity. Send
// must return only once the submission is confirmed or known to have failed.
type Backend interface {
	Account() string
	PendingNonce(ctx context.Context) (uint64, error)
	Send(ctx context.Context, nonce uint64, tx Tx) (Receipt, error)

	BatchExists(ctx context.Context, batchID string) (bool, error)
	PacketExists(ctx context.Context, packetID string) (bool, error)
	PacketCount(ctx context.Context, batchID string) (uint64, error)
	Packet(ctx context.Context, packetID string) (PacketRecord, bool, error)
	Harvest(ctx context.Context, batchID string) (Harvest, bool, error)
	BatchProcessing(ctx context.Context, batchID string) (Processing, bool, error)
	PacketProcessing(ctx context.Context, packetID string) (Processing, bool, error)
	StageRecord(ctx context.Context, packetID string, stage domain.Stage) (StageRecord, bool, error)
	HasRole(ctx context.Context, role domain.Role, account string) (bool, error)
	// HarvestEvents returns events at or after fromBlock and the latest block seen.
	HarvestEvents(ctx context.Context, fromBlock uint64) ([]HarvestEvent, uint64, error)
}
