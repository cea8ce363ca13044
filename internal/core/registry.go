package core

import (
	"fmt"

	"custodychain/pkg/domain"
)

// PacketRegistry is the local mirror of packet identity and stage.
type PacketRegistry struct {
	store domain.PersistentStore
}

// NewPacketRegistry returns a registry over store.
func NewPacketRegistry(store domain.PersistentStore) *PacketRegistry {
	return &PacketRegistry{store: store}
}

// Get returns a packet by id.
func (r *PacketRegistry) Get(packetID string) (domain.Packet, bool) {
	return r.store.GetPacket(packetID)
}

// AtStage returns the batch's packets at stage, lowest id first.
func (r *PacketRegistry) AtStage(batchID string, stage domain.Stage) []domain.Packet {
	return r.store.ListPacketsAtStage(batchID, stage)
}

// IDsAtStage is AtStage projected to ids.
func (r *PacketRegistry) IDsAtStage(batchID string, stage domain.Stage) []string {
	packets := r.AtStage(batchID, stage)
	ids := make([]string, len(packets))
	for i, p := range packets {
		ids[i] = p.PacketID
	}
	return ids
}

// RegisterPackets creates ids at processing inside tx.
func (r *PacketRegistry) RegisterPackets(tx domain.Transaction, stock domain.BatchStock, sizeGM int64, ids []string) error {
	for _, id := range ids {
		if _, err := tx.CreatePacket(domain.Packet{
			PacketID:     id,
			BatchID:      stock.BatchID,
			FarmerID:     stock.FarmerID,
			PacketSizeGM: sizeGM,
			CurrentStage: domain.StageProcessing,
		}); err != nil {
			return fmt.Errorf("register packet %s: %w", id, err)
		}
	}
	return nil
}

// AdvancePacket moves packetID one edge forward to target inside tx.
func (r *PacketRegistry) AdvancePacket(tx domain.Transaction, packetID string, target domain.Stage) (domain.Packet, error) {
	return tx.UpdatePacket(packetID, func(p *domain.Packet) error {
		next, ok := p.CurrentStage.Next()
		if !ok || next != target {
			return domain.Invalid("stage", "%s", stageMismatch(p.CurrentStage, target))
		}
		p.CurrentStage = target
		return nil
	})
}
