package ethereum

import (
	"fmt"
	"strconv"
	"strings"

	"custodychain/internal/ledger"
	"custodychain/pkg/domain"
)

// The contract stores every record as a string array. Field positions are
// part of the deployed contract's ABI and must not be reordered.

const (
	harvestFields    = 8
	processingFields = 13
)

func encodeHarvest(h ledger.Harvest) []string {
	return []string{
		h.FarmerID,
		h.ProductName,
		h.BatchID,
		h.HarvestDate,
		h.GPSCoordinates,
		h.Fertilizer,
		h.OrganicStatus,
		strconv.FormatInt(h.QuantityGM, 10),
	}
}

func decodeHarvest(data []string) (ledger.Harvest, error) {
	if len(data) < harvestFields {
		return ledger.Harvest{}, fmt.Errorf("harvest record has %d fields, want %d", len(data), harvestFields)
	}
	qty, err := parseQuantity(data[7])
	if err != nil {
		return ledger.Harvest{}, fmt.Errorf("harvest quantity: %w", err)
	}
	return ledger.Harvest{
		FarmerID:       data[0],
		ProductName:    data[1],
		BatchID:        data[2],
		HarvestDate:    data[3],
		GPSCoordinates: data[4],
		Fertilizer:     data[5],
		OrganicStatus:  data[6],
		QuantityGM:     qty,
	}, nil
}

// parseQuantity accepts integer grams and tolerates a trailing unit or a
// decimal part, both of which older clients wrote.
func parseQuantity(raw string) (int64, error) {
	s := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(raw), "gm"))
	s = strings.TrimSpace(strings.TrimSuffix(s, "g"))
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid quantity %q", raw)
	}
	return int64(f), nil
}

func encodeProcessing(p ledger.Processing) []string {
	return []string{
		p.BatchID,
		p.ProcessingGPS,
		p.GrindingFacilityName,
		p.MoistureContent,
		p.CurcuminContent,
		p.HeavyMetals,
		p.PhysicalProperties,
		p.PackagingDate,
		p.PackagingUnit,
		p.PacketID,
		p.ExpiryDate,
		p.SendingBoxCode,
		p.DistributorID,
	}
}

func decodeProcessing(data []string) (ledger.Processing, error) {
	if len(data) < processingFields {
		return ledger.Processing{}, fmt.Errorf("processing record has %d fields, want %d", len(data), processingFields)
	}
	return ledger.Processing{
		BatchID:              data[0],
		ProcessingGPS:        data[1],
		GrindingFacilityName: data[2],
		MoistureContent:      data[3],
		CurcuminContent:      data[4],
		HeavyMetals:          data[5],
		PhysicalProperties:   data[6],
		PackagingDate:        data[7],
		PackagingUnit:        data[8],
		PacketID:             data[9],
		ExpiryDate:           data[10],
		SendingBoxCode:       data[11],
		DistributorID:        data[12],
	}, nil
}

func encodeStage(stage domain.Stage, packetID string, f ledger.StageFields) ([]string, error) {
	switch stage {
	case domain.StageDistributor:
		return []string{f.ActorID, f.GPSCoordinates, f.ReceivedBoxCode, f.Date, f.SendingBoxCode, f.NextActorID}, nil
	case domain.StageSupplier:
		return []string{f.ActorID, f.ReceivedBoxCode, f.GPSCoordinates, f.Date, f.NextActorID, packetID}, nil
	case domain.StageShopkeeper:
		return []string{f.ActorID, packetID, f.GPSCoordinates, f.Date}, nil
	default:
		return nil, fmt.Errorf("stage %q has no stage record", stage)
	}
}

func decodeStage(stage domain.Stage, packetID string, data []string) (ledger.StageRecord, error) {
	rec := ledger.StageRecord{PacketID: packetID, Stage: stage}
	need := map[domain.Stage]int{
		domain.StageDistributor: 6,
		domain.StageSupplier:    6,
		domain.StageShopkeeper:  4,
	}[stage]
	if need == 0 {
		return rec, fmt.Errorf("stage %q has no stage record", stage)
	}
	if len(data) < need {
		return rec, fmt.Errorf("%s record has %d fields, want %d", stage, len(data), need)
	}
	switch stage {
	case domain.StageDistributor:
		rec.ActorID, rec.GPSCoordinates, rec.ReceivedBoxCode = data[0], data[1], data[2]
		rec.Date, rec.SendingBoxCode, rec.NextActorID = data[3], data[4], data[5]
	case domain.StageSupplier:
		rec.ActorID, rec.ReceivedBoxCode, rec.GPSCoordinates = data[0], data[1], data[2]
		rec.Date, rec.NextActorID = data[3], data[4]
	case domain.StageShopkeeper:
		rec.ActorID, rec.GPSCoordinates, rec.Date = data[0], data[2], data[3]
	}
	return rec, nil
}

// stageGetter returns the view method reading the stage record of stage.
func stageGetter(stage domain.Stage) string {
	m := ledger.StageMethod(stage)
	if m == "" {
		return ""
	}
	return "get" + strings.TrimPrefix(m, "add")
}
