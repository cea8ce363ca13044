package domain

import (
	"reflect"
	"strings"
	"testing"
)

func TestAvailableAfterLossFloors(t *testing.T) {
	cases := map[int64]int64{
		10000: 9200,
		1:     0,
		13:    11,
		999:   919,
		0:     0,
		-5:    0,
	}
	for in, want := range cases {
		if got := AvailableAfterLoss(in); got != want {
			t.Fatalf("AvailableAfterLoss(%d) = %d want %d", in, got, want)
		}
	}
}

func TestPacketIDFormat(t *testing.T) {
	if got := PacketID("F01", "B001", 500, 7); got != "F01-B001-500g-007" {
		t.Fatalf("unexpected id %s", got)
	}
	if got := PacketID("F01", "B001", 250, 1234); got != "F01-B001-250g-1234" {
		t.Fatalf("unexpected id %s", got)
	}
}

func TestSortPacketIDsOrdersSequenceNumerically(t *testing.T) {
	ids := []string{
		PacketID("F1", "B001", 100, 1000),
		PacketID("F1", "B001", 250, 2),
		PacketID("F1", "B001", 100, 999),
		"EXT-A",
		PacketID("F1", "B001", 100, 1),
	}
	SortPacketIDs(ids)
	want := []string{"EXT-A", "F1-B001-100g-001", "F1-B001-100g-999", "F1-B001-100g-1000", "F1-B001-250g-002"}
	if !reflect.DeepEqual(ids, want) {
		t.Fatalf("unexpected order %v", ids)
	}
	if ComparePacketIDs("F1-B001-100g-007", "F1-B001-100g-007") != 0 {
		t.Fatalf("equal ids must compare equal")
	}
}

func TestHarvestIndexAddKeepsSortedUnique(t *testing.T) {
	var idx HarvestIndex
	for _, b := range []string{"B3", "B1", "B2", "B1"} {
		idx.Add("F1", b)
	}
	if !reflect.DeepEqual(idx.Farmers["F1"], []string{"B1", "B2", "B3"}) {
		t.Fatalf("unexpected batches %v", idx.Farmers["F1"])
	}
	if idx.Add("F1", "B2") {
		t.Fatalf("duplicate add should report false")
	}
	clone := idx.Clone()
	clone.Farmers["F1"][0] = "mutated"
	if idx.Farmers["F1"][0] != "B1" {
		t.Fatalf("clone shares backing array")
	}
}

func TestResultMergeAndBlocking(t *testing.T) {
	var res Result
	res.Merge(Result{Violations: []Violation{{Rule: "a", Severity: SeverityWarn}}})
	if res.HasBlocking() {
		t.Fatalf("warn should not block")
	}
	res.Merge(Result{Violations: []Violation{{Rule: "b", Severity: SeverityBlock, Message: "stock exceeded"}}})
	if !res.HasBlocking() {
		t.Fatalf("expected blocking")
	}
	err := RuleViolationError{Result: res}
	if !strings.Contains(err.Error(), "stock exceeded") {
		t.Fatalf("expected message in error, got %q", err.Error())
	}
}

func TestErrorMessages(t *testing.T) {
	if got := (ErrNotFound{Entity: EntityBatchStock, ID: "B1"}).Error(); got != "batch_stock B1 not found" {
		t.Fatalf("unexpected: %s", got)
	}
	if got := Invalid("count", "must be positive").Error(); got != "count: must be positive" {
		t.Fatalf("unexpected: %s", got)
	}
	if got := (&ValidationError{Message: "Only 0 packet(s) available"}).Error(); got != "Only 0 packet(s) available" {
		t.Fatalf("unexpected: %s", got)
	}
}
