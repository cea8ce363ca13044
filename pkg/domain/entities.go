// Package domain holds the custody-chain records shared by the coordinator,
// the persistence backends and the ledger gateway.
package domain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// EntityType identifies a record kind in Change entries and audit logs.
type EntityType string

// Record kinds. Role and nonce are ledger-side only; export is local to the
// report worker.
const (
	EntityBatchStock   EntityType = "batch_stock"
	EntityPacket       EntityType = "packet"
	EntityHarvestIndex EntityType = "harvest_index"
	EntityBatch        EntityType = "batch"
	EntityRole         EntityType = "role"
	EntityNonce        EntityType = "nonce"
	EntityExport       EntityType = "export"
)

// ProcessingLossPercent is the fixed mass loss applied between harvested and
// packable quantity.
const ProcessingLossPercent = 8

// AvailableAfterLoss applies the processing loss with integer floor.
func AvailableAfterLoss(quantityGM int64) int64 {
	if quantityGM <= 0 {
		return 0
	}
	return quantityGM * (100 - ProcessingLossPercent) / 100
}

// BatchStock is the off-chain mass accounting for one harvested batch.
type BatchStock struct {
	BatchID      string    `json:"batch_id"`
	FarmerID     string    `json:"farmer_id"`
	QuantityGM   int64     `json:"quantity_gm"`
	AvailableGM  int64     `json:"available_gm"`
	UsedGM       int64     `json:"used_gm"`
	PacketSizeGM int64     `json:"packet_size_gm"`
	PacketIDs    []string  `json:"packet_ids"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// RemainingGM is the packable mass not yet reserved.
func (b BatchStock) RemainingGM() int64 {
	return b.AvailableGM - b.UsedGM
}

// Packet is the local mirror of a ledger packet.
type Packet struct {
	PacketID     string    `json:"packet_id"`
	BatchID      string    `json:"batch_id"`
	FarmerID     string    `json:"farmer_id"`
	PacketSizeGM int64     `json:"packet_size_gm"`
	CurrentStage Stage     `json:"current_stage"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// PacketID formats the identifier of the seq-th packet cut from a batch.
func PacketID(farmerID, batchID string, sizeGM int64, seq uint64) string {
	return fmt.Sprintf("%s-%s-%dg-%03d", farmerID, batchID, sizeGM, seq)
}

// ComparePacketIDs orders ids by the part before the last "-" and then by
// the numeric sequence after it, so "...-1000" follows "...-999". Ids
// without a numeric tail sort as plain strings.
func ComparePacketIDs(a, b string) int {
	pa, sa := splitSeq(a)
	pb, sb := splitSeq(b)
	switch {
	case pa != pb:
		return strings.Compare(pa, pb)
	case sa != sb:
		if sa < sb {
			return -1
		}
		return 1
	default:
		return strings.Compare(a, b)
	}
}

// SortPacketIDs sorts ids in place by ComparePacketIDs.
func SortPacketIDs(ids []string) {
	sort.Slice(ids, func(i, j int) bool { return ComparePacketIDs(ids[i], ids[j]) < 0 })
}

func splitSeq(id string) (string, uint64) {
	i := strings.LastIndexByte(id, '-')
	if i < 0 {
		return id, 0
	}
	seq, err := strconv.ParseUint(id[i+1:], 10, 64)
	if err != nil {
		return id, 0
	}
	return id[:i], seq
}

// HarvestIndex is the persisted farmer to batches projection of the ledger
// harvest event stream. NextBlock is the first block not yet consumed.
type HarvestIndex struct {
	Farmers   map[string][]string `json:"farmers"`
	NextBlock uint64              `json:"next_block"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// Add records batchID under farmerID, keeping the list sorted and unique.
// It reports whether the pair was new.
func (h *HarvestIndex) Add(farmerID, batchID string) bool {
	if h.Farmers == nil {
		h.Farmers = make(map[string][]string)
	}
	batches := h.Farmers[farmerID]
	i := sort.SearchStrings(batches, batchID)
	if i < len(batches) && batches[i] == batchID {
		return false
	}
	batches = append(batches, "")
	copy(batches[i+1:], batches[i:])
	batches[i] = batchID
	h.Farmers[farmerID] = batches
	return true
}

// Clone returns a deep copy.
func (h HarvestIndex) Clone() HarvestIndex {
	out := HarvestIndex{NextBlock: h.NextBlock, UpdatedAt: h.UpdatedAt, Farmers: make(map[string][]string, len(h.Farmers))}
	for farmer, batches := range h.Farmers {
		out.Farmers[farmer] = append([]string(nil), batches...)
	}
	return out
}

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	SeverityWarn  Severity = "warn"
	SeverityLog   Severity = "log"
)

// Change describes a mutation applied to a record during a transaction.
type Change struct {
	Entity EntityType
	Action Action
	Before any
	After  any
}

// Action indicates the type of modification performed.
type Action string

// Change actions. Custody records are never deleted.
const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   EntityType
	EntityID string
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityBlock {
			return "transaction blocked by rules: " + v.Message
		}
	}
	return "transaction blocked by rules"
}
