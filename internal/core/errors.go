package core

import (
	"errors"
	"fmt"
	"strings"

	"custodychain/pkg/domain"
)

// ErrPacketIDMismatch reports that the ledger minted packet ids the
// coordinator cannot reconstruct.
var ErrPacketIDMismatch = errors.New("ledger packet ids differ from the local sequence")

// Verdict is the outcome of a pre-submission stage check.
type Verdict struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// Verdict reasons surfaced to callers.
const (
	ReasonPacketMissing = "packet does not exist"
	ReasonStageUsed     = "already used this stage"
)

// PartialBulkFailure reports a bulk transition that stopped at its first
// failure. Packets in Transitioned stay committed.
type PartialBulkFailure struct {
	Transitioned []string
	FailedPacket string
	Reason       string
	Err          error
}

func (e *PartialBulkFailure) Error() string {
	return fmt.Sprintf("bulk transition stopped at %s after %d packet(s): %s", e.FailedPacket, len(e.Transitioned), e.Reason)
}

func (e *PartialBulkFailure) Unwrap() error { return e.Err }

func shortfall(available int, stage domain.Stage, requested int) error {
	return domain.Invalid("count", "Only %d packet(s) available at %s. Requested: %d.", available, stage, requested)
}

func stageMismatch(current, target domain.Stage) string {
	return fmt.Sprintf("packet is at stage %s; cannot move to %s", current, target)
}

func capacityError(stock domain.BatchStock, sizeGM int64, count int) error {
	remaining := stock.RemainingGM()
	return domain.Invalid("count", "insufficient stock for batch %s: %d x %dg exceeds %dgm remaining (max %d packet(s))",
		stock.BatchID, count, sizeGM, remaining, remaining/sizeGM)
}

func required(fields map[string]string) error {
	var missing []string
	for _, name := range sortedKeys(fields) {
		if strings.TrimSpace(fields[name]) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return domain.Invalid(missing[0], "required field(s) missing: %s", strings.Join(missing, ", "))
}
