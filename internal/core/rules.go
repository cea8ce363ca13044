package core

import (
	"context"
	"fmt"

	"custodychain/pkg/domain"
)

// NewDefaultRulesEngine builds the engine with the custody invariants.
func NewDefaultRulesEngine() *domain.RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(PacketStageOrderRule())
	engine.Register(StockCapacityRule())
	return engine
}

// PacketStageOrderRule blocks packets created past processing and updates
// that skip or reverse a stage edge.
func PacketStageOrderRule() domain.Rule { return packetStageOrderRule{} }

type packetStageOrderRule struct{}

func (packetStageOrderRule) Name() string { return "packet_stage_order" }

func (r packetStageOrderRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	var res domain.Result
	for _, ch := range changes {
		if ch.Entity != domain.EntityPacket {
			continue
		}
		after, ok := ch.After.(domain.Packet)
		if !ok {
			continue
		}
		switch ch.Action {
		case domain.ActionCreate:
			if after.CurrentStage != domain.StageProcessing {
				res.Violations = append(res.Violations, r.violation(after.PacketID,
					fmt.Sprintf("packet %s must be created at %s, got %s", after.PacketID, domain.StageProcessing, after.CurrentStage)))
			}
		case domain.ActionUpdate:
			before, ok := ch.Before.(domain.Packet)
			if !ok || before.CurrentStage == after.CurrentStage {
				continue
			}
			if next, ok := before.CurrentStage.Next(); !ok || next != after.CurrentStage {
				res.Violations = append(res.Violations, r.violation(after.PacketID, stageMismatch(before.CurrentStage, after.CurrentStage)))
			}
		}
	}
	return res, nil
}

func (r packetStageOrderRule) violation(id, msg string) domain.Violation {
	return domain.Violation{Rule: r.Name(), Severity: domain.SeverityBlock, Message: msg, Entity: domain.EntityPacket, EntityID: id}
}

// StockCapacityRule keeps 0 <= used_gm <= available_gm and forbids used_gm
// from decreasing.
func StockCapacityRule() domain.Rule { return stockCapacityRule{} }

type stockCapacityRule struct{}

func (stockCapacityRule) Name() string { return "stock_capacity" }

func (r stockCapacityRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	var res domain.Result
	for _, ch := range changes {
		if ch.Entity != domain.EntityBatchStock {
			continue
		}
		after, ok := ch.After.(domain.BatchStock)
		if !ok {
			continue
		}
		switch {
		case after.UsedGM < 0:
			res.Violations = append(res.Violations, r.violation(after.BatchID, fmt.Sprintf("batch %s used_gm is negative", after.BatchID)))
		case after.UsedGM > after.AvailableGM:
			res.Violations = append(res.Violations, r.violation(after.BatchID,
				fmt.Sprintf("batch %s used_gm %d exceeds available_gm %d", after.BatchID, after.UsedGM, after.AvailableGM)))
		}
		if before, ok := ch.Before.(domain.BatchStock); ok && after.UsedGM < before.UsedGM {
			res.Violations = append(res.Violations, r.violation(after.BatchID,
				fmt.Sprintf("batch %s used_gm decreased from %d to %d", after.BatchID, before.UsedGM, after.UsedGM)))
		}
	}
	return res, nil
}

func (r stockCapacityRule) violation(id, msg string) domain.Violation {
	return domain.Violation{Rule: r.Name(), Severity: domain.SeverityBlock, Message: msg, Entity: domain.EntityBatchStock, EntityID: id}
}
