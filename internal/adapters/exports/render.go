package exports

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"custodychain/internal/core"
)

const (
	packetSheet  = "Packets"
	summarySheet = "Batch"
)

var packetHeader = []string{
	"packet_id", "packet_size_gm", "local_stage", "ledger_stage", "stages_recorded", "last_actor_id", "last_date",
}

func packetCells(row core.PacketReportRow) []any {
	stages := make([]string, len(row.Stages))
	for i, sr := range row.Stages {
		stages[i] = string(sr.Stage)
	}
	var actor, date string
	if last, ok := row.LastRecord(); ok {
		actor, date = last.ActorID, last.Date
	}
	return []any{
		row.PacketID, row.PacketSizeGM, string(row.LocalStage), string(row.LedgerStage),
		strings.Join(stages, "|"), actor, date,
	}
}

func render(format Format, rep core.BatchReport) ([]byte, error) {
	switch format {
	case FormatJSON:
		return renderJSON(rep)
	case FormatCSV:
		return renderCSV(rep)
	case FormatXLSX:
		return renderXLSX(rep)
	default:
		return nil, fmt.Errorf("unsupported format %s", format)
	}
}

func renderJSON(rep core.BatchReport) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	return buf.Bytes(), nil
}

func renderCSV(rep core.BatchReport) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(packetHeader); err != nil {
		return nil, err
	}
	for _, row := range rep.Packets {
		cells := packetCells(row)
		record := make([]string, len(cells))
		for i, c := range cells {
			record[i] = fmt.Sprint(c)
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("encode csv: %w", err)
	}
	return buf.Bytes(), nil
}

// renderXLSX writes a packet sheet plus a one-row batch summary.
func renderXLSX(rep core.BatchReport) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", packetSheet); err != nil {
		return nil, fmt.Errorf("xlsx sheet: %w", err)
	}
	header := make([]any, len(packetHeader))
	for i, h := range packetHeader {
		header[i] = h
	}
	if err := f.SetSheetRow(packetSheet, "A1", &header); err != nil {
		return nil, fmt.Errorf("xlsx header: %w", err)
	}
	for i, row := range rep.Packets {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		cells := packetCells(row)
		if err := f.SetSheetRow(packetSheet, cell, &cells); err != nil {
			return nil, fmt.Errorf("xlsx row %d: %w", i+2, err)
		}
	}

	if _, err := f.NewSheet(summarySheet); err != nil {
		return nil, fmt.Errorf("xlsx sheet: %w", err)
	}
	summary := [][]any{
		{"batch_id", "farmer_id", "quantity_gm", "available_gm", "used_gm", "generated_at"},
		{rep.BatchID, rep.FarmerID, rep.QuantityGM, rep.AvailableGM, rep.UsedGM, rep.GeneratedAt.UTC().Format("2006-01-02T15:04:05Z")},
	}
	for i := range summary {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(summarySheet, cell, &summary[i]); err != nil {
			return nil, fmt.Errorf("xlsx summary: %w", err)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}
